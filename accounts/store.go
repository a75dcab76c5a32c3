package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements CustomerStore on PostgreSQL. Votes and blockers
// live in jsonb columns on the customer row itself, so vote aggregation
// state and status always commit together.
type PostgresStore struct {
	db *sql.DB
}

var _ CustomerStore = (*PostgresStore)(nil)

func NewPostgresStore(connectionString string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS customers (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			deletion_requested_at TIMESTAMPTZ,
			deletion_timeout_at TIMESTAMPTZ,
			deletion_responses JSONB NOT NULL DEFAULT '{}',
			deletion_blocked_by JSONB,
			deletion_completed BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_customers_status ON customers(status);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate customers table: %w", err)
	}
	return nil
}

const customerColumns = `id, email, name, status, deletion_requested_at,
	deletion_timeout_at, deletion_responses, deletion_blocked_by,
	deletion_completed, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCustomer(row rowScanner) (*Customer, error) {
	var c Customer
	var requestedAt, timeoutAt sql.NullTime
	var responses []byte
	var blockedBy []byte

	err := row.Scan(
		&c.ID,
		&c.Email,
		&c.Name,
		&c.Status,
		&requestedAt,
		&timeoutAt,
		&responses,
		&blockedBy,
		&c.DeletionCompleted,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if requestedAt.Valid {
		t := requestedAt.Time
		c.DeletionRequestedAt = &t
	}
	if timeoutAt.Valid {
		t := timeoutAt.Time
		c.DeletionTimeoutAt = &t
	}
	if len(responses) > 0 {
		if err := json.Unmarshal(responses, &c.DeletionResponses); err != nil {
			return nil, fmt.Errorf("failed to decode deletion responses: %w", err)
		}
	}
	if len(blockedBy) > 0 {
		if err := json.Unmarshal(blockedBy, &c.DeletionBlockedBy); err != nil {
			return nil, fmt.Errorf("failed to decode deletion blockers: %w", err)
		}
	}
	return &c, nil
}

// marshalDeletionState encodes the two jsonb columns. An empty vote map is
// stored as {} and absent blockers as NULL, matching the column defaults.
func marshalDeletionState(c *Customer) ([]byte, any, error) {
	responses := c.DeletionResponses
	if responses == nil {
		responses = map[string]VoteRecord{}
	}
	responsesJSON, err := json.Marshal(responses)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode deletion responses: %w", err)
	}

	var blockedBy any
	if c.DeletionBlockedBy != nil {
		b, err := json.Marshal(c.DeletionBlockedBy)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode deletion blockers: %w", err)
		}
		blockedBy = b
	}
	return responsesJSON, blockedBy, nil
}

func (s *PostgresStore) Create(ctx context.Context, c *Customer) error {
	responsesJSON, blockedBy, err := marshalDeletionState(c)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO customers (` + customerColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = s.db.ExecContext(ctx, query,
		c.ID,
		c.Email,
		c.Name,
		c.Status,
		c.DeletionRequestedAt,
		c.DeletionTimeoutAt,
		responsesJSON,
		blockedBy,
		c.DeletionCompleted,
		c.CreatedAt,
		c.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("failed to insert customer: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE id = $1`
	c, err := scanCustomer(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrCustomerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) GetByEmail(ctx context.Context, email string) (*Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE email = $1`
	c, err := scanCustomer(s.db.QueryRowContext(ctx, query, email))
	if err == sql.ErrNoRows {
		return nil, ErrCustomerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer by email: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) List(ctx context.Context, status string, limit int) ([]*Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list customers: %w", err)
	}
	defer rows.Close()

	var customers []*Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan customer: %w", err)
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

// Update locks the row, applies mutate and writes the result back in one
// transaction. A mutate error rolls back and is returned unchanged so
// sentinel checks work at the call site.
func (s *PostgresStore) Update(ctx context.Context, id string, mutate func(*Customer) error) (*Customer, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + customerColumns + ` FROM customers WHERE id = $1 FOR UPDATE`
	c, err := scanCustomer(tx.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrCustomerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock customer: %w", err)
	}

	if err := mutate(c); err != nil {
		return nil, err
	}
	c.UpdatedAt = time.Now().UTC()

	responsesJSON, blockedBy, err := marshalDeletionState(c)
	if err != nil {
		return nil, err
	}

	updateQuery := `
		UPDATE customers
		SET email = $1, name = $2, status = $3, deletion_requested_at = $4,
		    deletion_timeout_at = $5, deletion_responses = $6,
		    deletion_blocked_by = $7, deletion_completed = $8, updated_at = $9
		WHERE id = $10
	`
	if _, err := tx.ExecContext(ctx, updateQuery,
		c.Email,
		c.Name,
		c.Status,
		c.DeletionRequestedAt,
		c.DeletionTimeoutAt,
		responsesJSON,
		blockedBy,
		c.DeletionCompleted,
		c.UpdatedAt,
		c.ID,
	); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("failed to update customer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit customer update: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListPendingDeletionsPastTimeout(ctx context.Context, now time.Time) ([]*Customer, error) {
	query := `
		SELECT ` + customerColumns + `
		FROM customers
		WHERE status = $1 AND deletion_completed = FALSE AND deletion_timeout_at <= $2
	`
	rows, err := s.db.QueryContext(ctx, query, StatusPendingDeletion, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending deletions: %w", err)
	}
	defer rows.Close()

	var customers []*Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan customer: %w", err)
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

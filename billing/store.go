package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements InvoicesStore on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ InvoicesStore = (*PostgresStore)(nil)

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
		CREATE TABLE IF NOT EXISTS invoices (
			id TEXT PRIMARY KEY,
			invoice_number TEXT UNIQUE NOT NULL,
			customer_id TEXT NOT NULL,
			customer_email TEXT NOT NULL DEFAULT '',
			product_id TEXT NOT NULL,
			quantity INT NOT NULL,
			unit_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_amount DOUBLE PRECISION NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT 'USD',
			status TEXT NOT NULL,
			customer_status TEXT NOT NULL DEFAULT '',
			inventory_status TEXT NOT NULL DEFAULT '',
			payment_status TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			inventory_reserved BOOLEAN NOT NULL DEFAULT FALSE,
			payment_requested_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_invoices_customer_id ON invoices(customer_id);
		CREATE INDEX IF NOT EXISTS idx_invoices_status ON invoices(status);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate invoices table: %w", err)
	}
	return nil
}

const invoiceColumns = `id, invoice_number, customer_id, customer_email, product_id,
	quantity, unit_price, total_amount, currency, status, customer_status,
	inventory_status, payment_status, notes, inventory_reserved,
	payment_requested_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row rowScanner) (*Invoice, error) {
	var inv Invoice
	var paymentRequestedAt sql.NullTime

	err := row.Scan(
		&inv.ID,
		&inv.InvoiceNumber,
		&inv.CustomerID,
		&inv.CustomerEmail,
		&inv.ProductID,
		&inv.Quantity,
		&inv.UnitPrice,
		&inv.TotalAmount,
		&inv.Currency,
		&inv.Status,
		&inv.CustomerStatus,
		&inv.InventoryStatus,
		&inv.PaymentStatus,
		&inv.Notes,
		&inv.InventoryReserved,
		&paymentRequestedAt,
		&inv.CreatedAt,
		&inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if paymentRequestedAt.Valid {
		t := paymentRequestedAt.Time
		inv.PaymentRequestedAt = &t
	}
	return &inv, nil
}

func (s *PostgresStore) Create(ctx context.Context, inv *Invoice) error {
	query := `
		INSERT INTO invoices (` + invoiceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	_, err := s.db.ExecContext(ctx, query,
		inv.ID,
		inv.InvoiceNumber,
		inv.CustomerID,
		inv.CustomerEmail,
		inv.ProductID,
		inv.Quantity,
		inv.UnitPrice,
		inv.TotalAmount,
		inv.Currency,
		inv.Status,
		inv.CustomerStatus,
		inv.InventoryStatus,
		inv.PaymentStatus,
		inv.Notes,
		inv.InventoryReserved,
		inv.PaymentRequestedAt,
		inv.CreatedAt,
		inv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert invoice: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	inv, err := scanInvoice(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	return inv, nil
}

func (s *PostgresStore) GetByNumber(ctx context.Context, number string) (*Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE invoice_number = $1`
	inv, err := scanInvoice(s.db.QueryRowContext(ctx, query, number))
	if err == sql.ErrNoRows {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice by number: %w", err)
	}
	return inv, nil
}

// List returns invoices newest first, optionally filtered by status. A
// limit of 0 means no limit.
func (s *PostgresStore) List(ctx context.Context, status string, limit int) ([]*Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices`
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
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}
	defer rows.Close()

	var invoices []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return invoices, nil
}

// Update loads the invoice under FOR UPDATE, applies mutate and writes the
// result back in the same transaction. Concurrent saga events on one invoice
// therefore serialize on the row lock instead of overwriting each other.
// An error from mutate rolls back and is returned unchanged.
func (s *PostgresStore) Update(ctx context.Context, id string, mutate func(*Invoice) error) (*Invoice, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1 FOR UPDATE`
	inv, err := scanInvoice(tx.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock invoice: %w", err)
	}

	if err := mutate(inv); err != nil {
		return nil, err
	}
	inv.UpdatedAt = time.Now().UTC()

	updateQuery := `
		UPDATE invoices
		SET customer_email = $1, quantity = $2, unit_price = $3, total_amount = $4,
		    currency = $5, status = $6, customer_status = $7, inventory_status = $8,
		    payment_status = $9, notes = $10, inventory_reserved = $11,
		    payment_requested_at = $12, updated_at = $13
		WHERE id = $14
	`
	if _, err := tx.ExecContext(ctx, updateQuery,
		inv.CustomerEmail,
		inv.Quantity,
		inv.UnitPrice,
		inv.TotalAmount,
		inv.Currency,
		inv.Status,
		inv.CustomerStatus,
		inv.InventoryStatus,
		inv.PaymentStatus,
		inv.Notes,
		inv.InventoryReserved,
		inv.PaymentRequestedAt,
		inv.UpdatedAt,
		inv.ID,
	); err != nil {
		return nil, fmt.Errorf("failed to update invoice: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit invoice update: %w", err)
	}
	return inv, nil
}

// ListStalePaymentProcessing returns invoices whose payment request is older
// than the cutoff and never resolved. The recovery sweep cancels them.
func (s *PostgresStore) ListStalePaymentProcessing(ctx context.Context, requestedBefore time.Time) ([]*Invoice, error) {
	query := `
		SELECT ` + invoiceColumns + `
		FROM invoices
		WHERE status = $1 AND payment_requested_at IS NOT NULL AND payment_requested_at < $2
	`
	rows, err := s.db.QueryContext(ctx, query, StatusPaymentProcessing, requestedBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale invoices: %w", err)
	}
	defer rows.Close()

	var invoices []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return invoices, nil
}

// CountActiveByCustomer counts non-terminal invoices for the deletion vote.
func (s *PostgresStore) CountActiveByCustomer(ctx context.Context, customerID string) (int, error) {
	query := `
		SELECT COUNT(*) FROM invoices
		WHERE customer_id = $1 AND status IN ($2, $3, $4)
	`
	var count int
	err := s.db.QueryRowContext(ctx, query, customerID,
		StatusPending, StatusProcessing, StatusPaymentProcessing).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active invoices: %w", err)
	}
	return count, nil
}

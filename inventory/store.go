package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements ItemStore on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ ItemStore = (*PostgresStore)(nil)

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
		CREATE TABLE IF NOT EXISTS items (
			id BIGSERIAL PRIMARY KEY,
			product_id TEXT UNIQUE NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			quantity INT NOT NULL DEFAULT 0,
			price DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS compensations (
			invoice_id TEXT NOT NULL,
			product_id TEXT NOT NULL,
			compensation_type TEXT NOT NULL,
			quantity_restored INT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			triggered_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (invoice_id, product_id, compensation_type)
		);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate inventory tables: %w", err)
	}
	return nil
}

const itemColumns = `id, product_id, name, description, quantity, price, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var item Item
	err := row.Scan(
		&item.ID,
		&item.ProductID,
		&item.Name,
		&item.Description,
		&item.Quantity,
		&item.Price,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan item: %w", err)
	}
	item.refreshAvailability()
	return &item, nil
}

func (s *PostgresStore) CreateItem(ctx context.Context, item *Item) error {
	query := `
		INSERT INTO items (product_id, name, description, quantity, price, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (product_id) DO NOTHING
		RETURNING id
	`
	err := s.db.QueryRowContext(ctx, query,
		item.ProductID,
		item.Name,
		item.Description,
		item.Quantity,
		item.Price,
		item.CreatedAt,
		item.UpdatedAt,
	).Scan(&item.ID)
	if err == sql.ErrNoRows {
		return ErrProductExists
	}
	if err != nil {
		return fmt.Errorf("failed to create item: %w", err)
	}
	item.refreshAvailability()
	return nil
}

func (s *PostgresStore) GetItem(ctx context.Context, productID string) (*Item, error) {
	query := fmt.Sprintf(`SELECT %s FROM items WHERE product_id = $1`, itemColumns)
	return scanItem(s.db.QueryRowContext(ctx, query, productID))
}

func (s *PostgresStore) ListItems(ctx context.Context) ([]*Item, error) {
	query := fmt.Sprintf(`SELECT %s FROM items ORDER BY product_id`, itemColumns)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return items, nil
}

// UpdateItem loads the row FOR UPDATE, applies mutate and persists the
// result. A mutate error rolls the row back unchanged.
func (s *PostgresStore) UpdateItem(ctx context.Context, productID string, mutate func(*Item) error) (*Item, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`SELECT %s FROM items WHERE product_id = $1 FOR UPDATE`, itemColumns)
	item, err := scanItem(tx.QueryRowContext(ctx, query, productID))
	if err != nil {
		return nil, err
	}

	if err := mutate(item); err != nil {
		return nil, err
	}
	item.UpdatedAt = time.Now().UTC()

	update := `
		UPDATE items
		SET name = $1, description = $2, quantity = $3, price = $4, updated_at = $5
		WHERE product_id = $6
	`
	if _, err := tx.ExecContext(ctx, update,
		item.Name,
		item.Description,
		item.Quantity,
		item.Price,
		item.UpdatedAt,
		productID,
	); err != nil {
		return nil, fmt.Errorf("failed to update item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit item update: %w", err)
	}
	item.refreshAvailability()
	return item, nil
}

// AdjustStock applies a signed delta. The guard keeps quantity from ever
// going negative; zero rows affected means either no such product or not
// enough stock to subtract.
func (s *PostgresStore) AdjustStock(ctx context.Context, productID string, delta int) (*Item, error) {
	query := fmt.Sprintf(`
		UPDATE items
		SET quantity = quantity + $1, updated_at = CURRENT_TIMESTAMP
		WHERE product_id = $2 AND quantity + $1 >= 0
		RETURNING %s
	`, itemColumns)
	item, err := scanItem(s.db.QueryRowContext(ctx, query, delta, productID))
	if err == nil {
		return item, nil
	}
	if err != ErrItemNotFound {
		return nil, err
	}

	if _, getErr := s.GetItem(ctx, productID); getErr != nil {
		return nil, getErr
	}
	return nil, ErrInsufficientStock
}

// Reserve decrements stock for a check in one guarded statement. The second
// return reports whether the decrement happened; on false the current row
// accompanies it so callers can say how much stock is actually left.
func (s *PostgresStore) Reserve(ctx context.Context, productID string, quantity int) (*Item, bool, error) {
	query := fmt.Sprintf(`
		UPDATE items
		SET quantity = quantity - $1, updated_at = CURRENT_TIMESTAMP
		WHERE product_id = $2 AND quantity >= $1
		RETURNING %s
	`, itemColumns)
	item, err := scanItem(s.db.QueryRowContext(ctx, query, quantity, productID))
	if err == nil {
		return item, true, nil
	}
	if err != ErrItemNotFound {
		return nil, false, err
	}

	item, err = s.GetItem(ctx, productID)
	if err != nil {
		return nil, false, err
	}
	return item, false, nil
}

// Compensate restores stock exactly once per ledger key. The insert and the
// stock credit commit together; a duplicate delivery finds the ledger row
// and reports the original outcome without touching stock.
func (s *PostgresStore) Compensate(ctx context.Context, rec CompensationRecord) (*CompensationResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insert := `
		INSERT INTO compensations
			(invoice_id, product_id, compensation_type, quantity_restored, reason, triggered_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (invoice_id, product_id, compensation_type) DO NOTHING
	`
	result, err := tx.ExecContext(ctx, insert,
		rec.InvoiceID,
		rec.ProductID,
		rec.CompensationType,
		rec.QuantityRestored,
		rec.Reason,
		rec.TriggeredBy,
		time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record compensation: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if inserted == 0 {
		var prior int
		err := tx.QueryRowContext(ctx,
			`SELECT quantity_restored FROM compensations
			 WHERE invoice_id = $1 AND product_id = $2 AND compensation_type = $3`,
			rec.InvoiceID, rec.ProductID, rec.CompensationType,
		).Scan(&prior)
		if err != nil {
			return nil, fmt.Errorf("failed to load prior compensation: %w", err)
		}

		var stock int
		err = tx.QueryRowContext(ctx, `SELECT quantity FROM items WHERE product_id = $1`, rec.ProductID).Scan(&stock)
		if err == sql.ErrNoRows {
			return nil, ErrItemNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read current stock: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit compensation read: %w", err)
		}
		return &CompensationResult{QuantityRestored: prior, CurrentStock: stock, AlreadyApplied: true}, nil
	}

	var stock int
	err = tx.QueryRowContext(ctx,
		`UPDATE items SET quantity = quantity + $1, updated_at = CURRENT_TIMESTAMP
		 WHERE product_id = $2
		 RETURNING quantity`,
		rec.QuantityRestored, rec.ProductID,
	).Scan(&stock)
	if err == sql.ErrNoRows {
		// Rolls back the ledger row too: an unknown product stays
		// compensatable if it ever reappears.
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to restore stock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit compensation: %w", err)
	}
	return &CompensationResult{QuantityRestored: rec.QuantityRestored, CurrentStock: stock, AlreadyApplied: false}, nil
}

// Seed upserts the demo catalog so repeated seeding converges on the same
// three products.
func (s *PostgresStore) Seed(ctx context.Context) ([]*Item, error) {
	catalog := []Item{
		{ProductID: "LAPTOP001", Name: "Laptop Gaming", Description: "High-performance gaming laptop", Quantity: 5, Price: 1299.99},
		{ProductID: "MOUSE001", Name: "Gaming Mouse", Description: "RGB gaming mouse", Quantity: 2, Price: 79.99},
		{ProductID: "KEYBOARD001", Name: "Mechanical Keyboard", Description: "RGB mechanical keyboard", Quantity: 0, Price: 149.99},
	}

	upsert := fmt.Sprintf(`
		INSERT INTO items (product_id, name, description, quantity, price, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (product_id) DO UPDATE
		SET name = EXCLUDED.name,
		    description = EXCLUDED.description,
		    quantity = EXCLUDED.quantity,
		    price = EXCLUDED.price,
		    updated_at = EXCLUDED.updated_at
		RETURNING %s
	`, itemColumns)

	now := time.Now().UTC()
	items := make([]*Item, 0, len(catalog))
	for _, c := range catalog {
		item, err := scanItem(s.db.QueryRowContext(ctx, upsert,
			c.ProductID, c.Name, c.Description, c.Quantity, c.Price, now,
		))
		if err != nil {
			return nil, fmt.Errorf("failed to seed %s: %w", c.ProductID, err)
		}
		items = append(items, item)
	}
	return items, nil
}

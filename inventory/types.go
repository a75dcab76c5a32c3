package main

import (
	"context"
	"errors"
	"time"
)

var (
	ErrItemNotFound      = errors.New("item not found")
	ErrProductExists     = errors.New("product already exists")
	ErrInsufficientStock = errors.New("insufficient stock")
)

// Item is a catalog row. Available is derived, never stored.
type Item struct {
	ID          int64     `json:"id"`
	ProductID   string    `json:"product_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Quantity    int       `json:"quantity"`
	Price       float64   `json:"price"`
	Available   bool      `json:"available"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (i *Item) refreshAvailability() {
	i.Available = i.Quantity > 0
}

// CompensationRecord is one row of the idempotency ledger. The primary key
// (invoice_id, product_id, compensation_type) is what makes restocks safe to
// redeliver.
type CompensationRecord struct {
	InvoiceID        string    `json:"invoice_id"`
	ProductID        string    `json:"product_id"`
	CompensationType string    `json:"compensation_type"`
	QuantityRestored int       `json:"quantity_restored"`
	Reason           string    `json:"reason,omitempty"`
	TriggeredBy      string    `json:"triggered_by,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// CompensationResult reports what a restock did. AlreadyApplied means the
// ledger had the row and stock was left alone.
type CompensationResult struct {
	QuantityRestored int
	CurrentStock     int
	AlreadyApplied   bool
}

type CreateItemRequest struct {
	ProductID   string  `json:"product_id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Quantity    int     `json:"quantity"`
	Price       float64 `json:"price"`
}

type UpdateItemRequest struct {
	Name        *string  `json:"name"`
	Description *string  `json:"description"`
	Quantity    *int     `json:"quantity"`
	Price       *float64 `json:"price"`
}

type AdjustStockRequest struct {
	Delta int `json:"delta"`
}

type ItemStore interface {
	Migrate(ctx context.Context) error
	CreateItem(ctx context.Context, item *Item) error
	GetItem(ctx context.Context, productID string) (*Item, error)
	ListItems(ctx context.Context) ([]*Item, error)
	UpdateItem(ctx context.Context, productID string, mutate func(*Item) error) (*Item, error)
	AdjustStock(ctx context.Context, productID string, delta int) (*Item, error)
	Reserve(ctx context.Context, productID string, quantity int) (*Item, bool, error)
	Compensate(ctx context.Context, rec CompensationRecord) (*CompensationResult, error)
	Seed(ctx context.Context) ([]*Item, error)
}

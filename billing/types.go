package main

import (
	"context"
	"errors"
	"time"
)

// Invoice statuses. Transitions between them are enforced by the state
// machine in fsm.go; completed, failed and cancelled are terminal.
const (
	StatusPending           = "pending"
	StatusProcessing        = "processing"
	StatusPaymentProcessing = "payment_processing"
	StatusCompleted         = "completed"
	StatusFailed            = "failed"
	StatusCancelled         = "cancelled"
)

var (
	ErrInvoiceNotFound = errors.New("invoice not found")

	// ErrEventPublish marks saga failures caused by the broker refusing a
	// publish, so the HTTP layer can answer 502 instead of 500.
	ErrEventPublish = errors.New("event publish failed")
)

// Invoice is the saga's single source of truth. Status moves through the
// state machine and is final once terminal; the per-stage strings record
// each leg's narrative, including events that arrived too late to matter.
// Notes accumulates the milestone audit trail.
type Invoice struct {
	ID                 string     `json:"id"`
	InvoiceNumber      string     `json:"invoice_number"`
	CustomerID         string     `json:"customer_id"`
	CustomerEmail      string     `json:"customer_email,omitempty"`
	ProductID          string     `json:"product_id"`
	Quantity           int        `json:"quantity"`
	UnitPrice          float64    `json:"unit_price"`
	TotalAmount        float64    `json:"total_amount"`
	Currency           string     `json:"currency"`
	Status             string     `json:"status"`
	CustomerStatus     string     `json:"customer_status,omitempty"`
	InventoryStatus    string     `json:"inventory_status,omitempty"`
	PaymentStatus      string     `json:"payment_status,omitempty"`
	Notes              string     `json:"notes,omitempty"`
	InventoryReserved  bool       `json:"inventory_reserved"`
	PaymentRequestedAt *time.Time `json:"payment_requested_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// AppendNote adds one line to the invoice's audit trail.
func (inv *Invoice) AppendNote(note string) {
	if inv.Notes == "" {
		inv.Notes = note
		return
	}
	inv.Notes += "\n" + note
}

// CreateInvoiceRequest is the POST /api/v1/create-invoice body. Prices are
// not accepted from the client; unit price comes from inventory's response.
type CreateInvoiceRequest struct {
	CustomerID    string `json:"customer_id"`
	CustomerEmail string `json:"customer_email,omitempty"`
	ProductID     string `json:"product_id"`
	Quantity      int    `json:"quantity"`
}

// InvoicesStore persists invoices. Update applies mutate inside a
// row-serialized transaction so concurrent saga events on the same invoice
// cannot interleave their read-modify-write cycles.
type InvoicesStore interface {
	Migrate(ctx context.Context) error
	Create(ctx context.Context, inv *Invoice) error
	Get(ctx context.Context, id string) (*Invoice, error)
	GetByNumber(ctx context.Context, number string) (*Invoice, error)
	List(ctx context.Context, status string, limit int) ([]*Invoice, error)
	Update(ctx context.Context, id string, mutate func(*Invoice) error) (*Invoice, error)
	ListStalePaymentProcessing(ctx context.Context, requestedBefore time.Time) ([]*Invoice, error)
	CountActiveByCustomer(ctx context.Context, customerID string) (int, error)
}

package main

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Transaction statuses. Authorization is synchronous, so a transaction is
// written in its final state; processing exists for operators replaying
// stuck flows by hand.
const (
	TxnStatusProcessing = "processing"
	TxnStatusCompleted  = "completed"
	TxnStatusFailed     = "failed"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrDuplicateTransaction surfaces the unique index on invoice_id: a
	// second authorization for the same invoice lost the race and must
	// republish the stored verdict instead.
	ErrDuplicateTransaction = errors.New("transaction already recorded for invoice")
)

// Transaction is one row of the payment ledger. Exactly one exists per
// invoice; it is the idempotency record that lets redelivered payment
// requests republish the original verdict without charging twice.
type Transaction struct {
	ID            primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	TransactionID string             `bson:"transaction_id" json:"transaction_id"`
	InvoiceID     string             `bson:"invoice_id" json:"invoice_id"`
	OrderID       string             `bson:"order_id,omitempty" json:"order_id,omitempty"`
	CustomerID    string             `bson:"customer_id" json:"customer_id"`
	Amount        float64            `bson:"amount" json:"amount"`
	Currency      string             `bson:"currency" json:"currency"`
	Status        string             `bson:"status" json:"status"`
	Reason        string             `bson:"reason,omitempty" json:"reason,omitempty"`
	Details       string             `bson:"details,omitempty" json:"details,omitempty"`
	Processor     string             `bson:"processor" json:"processor"`
	ProcessorRef  string             `bson:"processor_ref,omitempty" json:"processor_ref,omitempty"`
	CreatedAt     time.Time          `bson:"created_at" json:"created_at"`
}

// TransactionStore persists the payment ledger. GetByInvoiceID is the
// idempotency lookup; Insert must reject a second transaction for the same
// invoice with ErrDuplicateTransaction.
type TransactionStore interface {
	EnsureIndexes(ctx context.Context) error
	Insert(ctx context.Context, txn *Transaction) error
	GetByInvoiceID(ctx context.Context, invoiceID string) (*Transaction, error)
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]*Transaction, error)
	CountProcessingByCustomer(ctx context.Context, customerID string) (int64, error)
}

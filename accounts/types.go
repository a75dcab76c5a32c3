package main

import (
	"context"
	"errors"
	"time"

	"github.com/prietto/microservices-dapr/common/events"
)

// Customer statuses. pending_deletion is held only while a deletion vote is
// open; deleted is terminal.
const (
	StatusActive          = "active"
	StatusInactive        = "inactive"
	StatusPendingDeletion = "pending_deletion"
	StatusDeleted         = "deleted"
)

var (
	ErrCustomerNotFound = errors.New("customer not found")
	ErrEmailTaken       = errors.New("email already registered")

	// ErrDeletionInProgress and ErrCustomerDeleted let the HTTP layer answer
	// 409 and 410 instead of a generic 500.
	ErrDeletionInProgress = errors.New("deletion already in progress")
	ErrCustomerDeleted    = errors.New("customer already deleted")

	// ErrEventPublish marks deletions that never started because the broker
	// refused the broadcast; the HTTP layer answers 502.
	ErrEventPublish = errors.New("event publish failed")
)

// VoteRecord is one participant's stored vote. Timeout marks synthetic
// consent injected when a service stayed silent past the deadline.
type VoteRecord struct {
	CanDelete      bool   `json:"can_delete"`
	BlockingReason string `json:"blocking_reason,omitempty"`
	RespondedAt    string `json:"responded_at"`
	Timeout        bool   `json:"timeout,omitempty"`
}

// Customer is the deletion saga's single source of truth. While status is
// pending_deletion the deletion fields hold the open vote; finalization
// either soft-deletes the row or returns it to active with the blockers
// recorded.
type Customer struct {
	ID                  string                `json:"id"`
	Email               string                `json:"email"`
	Name                string                `json:"name"`
	Status              string                `json:"status"`
	DeletionRequestedAt *time.Time            `json:"deletion_requested_at,omitempty"`
	DeletionTimeoutAt   *time.Time            `json:"deletion_timeout_at,omitempty"`
	DeletionResponses   map[string]VoteRecord `json:"deletion_responses,omitempty"`
	DeletionBlockedBy   []events.BlockedBy    `json:"deletion_blocked_by,omitempty"`
	DeletionCompleted   bool                  `json:"deletion_completed"`
	CreatedAt           time.Time             `json:"created_at"`
	UpdatedAt           time.Time             `json:"updated_at"`
}

// clearDeletionState resets the customer to a clean slate before a new vote
// or after a reset.
func (c *Customer) clearDeletionState() {
	c.DeletionRequestedAt = nil
	c.DeletionTimeoutAt = nil
	c.DeletionResponses = nil
	c.DeletionBlockedBy = nil
	c.DeletionCompleted = false
}

// CreateCustomerRequest is the POST /api/v1/customers body.
type CreateCustomerRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// UpdateCustomerRequest carries the mutable subset; nil fields are left
// untouched.
type UpdateCustomerRequest struct {
	Email  *string `json:"email,omitempty"`
	Name   *string `json:"name,omitempty"`
	Status *string `json:"status,omitempty"`
}

// DeletionAccepted is the 202 body returned when a deletion vote opens.
type DeletionAccepted struct {
	CustomerID       string   `json:"customer_id"`
	Status           string   `json:"status"`
	Message          string   `json:"message"`
	TimeoutSeconds   int      `json:"validation_timeout"`
	ExpectedServices []string `json:"expected_services"`
}

// DeletionStatus is the read-only projection of an open or finished vote.
type DeletionStatus struct {
	CustomerID        string                `json:"customer_id"`
	Status            string                `json:"status"`
	RequestedAt       *time.Time            `json:"deletion_requested_at,omitempty"`
	TimeoutAt         *time.Time            `json:"deletion_timeout_at,omitempty"`
	Completed         bool                  `json:"deletion_completed"`
	RemainingSeconds  *float64              `json:"remaining_time_seconds,omitempty"`
	Responses         map[string]VoteRecord `json:"responses_received,omitempty"`
	BlockedBy         []events.BlockedBy    `json:"blocking_services,omitempty"`
	ExpectedServices  []string              `json:"expected_services"`
	RespondedServices []string              `json:"responded_services"`
}

// CustomerStore persists customers. Update applies mutate inside a
// row-serialized transaction, the same discipline the invoice store uses, so
// vote recording and finalization cannot interleave.
type CustomerStore interface {
	Migrate(ctx context.Context) error
	Create(ctx context.Context, c *Customer) error
	Get(ctx context.Context, id string) (*Customer, error)
	GetByEmail(ctx context.Context, email string) (*Customer, error)
	List(ctx context.Context, status string, limit int) ([]*Customer, error)
	Update(ctx context.Context, id string, mutate func(*Customer) error) (*Customer, error)
	ListPendingDeletionsPastTimeout(ctx context.Context, now time.Time) ([]*Customer, error)
}

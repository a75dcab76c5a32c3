package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prietto/microservices-dapr/common/broker"
	"github.com/prietto/microservices-dapr/common/events"
)

// DeletionValidator votes on customer deletion requests on billing's behalf.
// The verdict is computed fresh from invoice state on each delivery, so a
// redelivered request republishes the same vote.
type DeletionValidator struct {
	store     InvoicesStore
	publisher broker.Publisher
	logger    *slog.Logger
}

func NewDeletionValidator(store InvoicesStore, publisher broker.Publisher, logger *slog.Logger) *DeletionValidator {
	return &DeletionValidator{store: store, publisher: publisher, logger: logger}
}

func (v *DeletionValidator) HandleDeletionRequest(ctx context.Context, req events.DeletionRequest) error {
	if req.CustomerID == "" {
		v.logger.Warn("deletion request without customer_id")
		return nil
	}

	canDelete, reason := v.validate(ctx, req.CustomerID)

	vote := events.DeletionResponse{
		CustomerID:     req.CustomerID,
		ServiceName:    events.ServiceBilling,
		CanDelete:      canDelete,
		BlockingReason: reason,
		ValidatedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	if err := v.publisher.Publish(ctx, events.TopicDeletionResponse, vote); err != nil {
		return fmt.Errorf("failed to publish deletion vote: %w", err)
	}

	v.logger.Info("deletion vote published",
		slog.String("customer_id", req.CustomerID),
		slog.Bool("can_delete", canDelete),
		slog.String("blocking_reason", reason),
	)
	return nil
}

// validate vetoes while the customer has invoices still moving through the
// saga. An unverifiable state also vetoes: consent must be earned.
func (v *DeletionValidator) validate(ctx context.Context, customerID string) (bool, string) {
	active, err := v.store.CountActiveByCustomer(ctx, customerID)
	if err != nil {
		return false, fmt.Sprintf("billing validation failed: %s", err)
	}
	if active > 0 {
		return false, fmt.Sprintf("customer has %d active invoice(s)", active)
	}
	return true, ""
}

// HandleDeletionResult records the coordinator's broadcast for the audit
// log. Billing keeps terminal invoices of deleted customers for bookkeeping.
func (v *DeletionValidator) HandleDeletionResult(ctx context.Context, res events.DeletionResult) error {
	v.logger.Info("customer deletion result received",
		slog.String("customer_id", res.CustomerID),
		slog.String("decision", res.DeletionResult.Decision),
		slog.String("method", res.DeletionResult.Method),
	)
	return nil
}

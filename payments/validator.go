package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prietto/microservices-dapr/common/broker"
	"github.com/prietto/microservices-dapr/common/events"
)

// DeletionValidator votes on customer deletion requests on the payment
// service's behalf. The verdict is computed fresh from the ledger on each
// delivery, so a redelivered request republishes the same vote.
type DeletionValidator struct {
	store     TransactionStore
	publisher broker.Publisher
	logger    *slog.Logger
}

func NewDeletionValidator(store TransactionStore, publisher broker.Publisher, logger *slog.Logger) *DeletionValidator {
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
		ServiceName:    events.ServicePayment,
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

// validate vetoes while the customer has payments still being processed.
// Settled transactions never block: the ledger is bookkeeping, not a hold on
// the customer. An unverifiable state also vetoes, consent must be earned.
func (v *DeletionValidator) validate(ctx context.Context, customerID string) (bool, string) {
	processing, err := v.store.CountProcessingByCustomer(ctx, customerID)
	if err != nil {
		return false, fmt.Sprintf("payment validation failed: %s", err)
	}
	if processing > 0 {
		return false, fmt.Sprintf("customer has %d payment(s) in flight", processing)
	}
	return true, ""
}

// HandleDeletionResult records the coordinator's broadcast for the audit
// log. Completed transactions of deleted customers stay for bookkeeping.
func (v *DeletionValidator) HandleDeletionResult(ctx context.Context, res events.DeletionResult) error {
	v.logger.Info("customer deletion result received",
		slog.String("customer_id", res.CustomerID),
		slog.String("decision", res.DeletionResult.Decision),
		slog.String("method", res.DeletionResult.Method),
	)
	return nil
}

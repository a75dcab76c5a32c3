package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prietto/microservices-dapr/common/broker"
	"github.com/prietto/microservices-dapr/common/events"
)

// DeletionValidator votes on customer deletion requests on inventory's
// behalf. The catalog keys nothing by customer, so inventory always
// consents; it participates anyway so the quorum does not have to treat it
// as silent.
type DeletionValidator struct {
	publisher broker.Publisher
	logger    *slog.Logger
}

func NewDeletionValidator(publisher broker.Publisher, logger *slog.Logger) *DeletionValidator {
	return &DeletionValidator{publisher: publisher, logger: logger}
}

func (v *DeletionValidator) HandleDeletionRequest(ctx context.Context, req events.DeletionRequest) error {
	if req.CustomerID == "" {
		v.logger.Warn("deletion request without customer_id")
		return nil
	}

	vote := events.DeletionResponse{
		CustomerID:  req.CustomerID,
		ServiceName: events.ServiceInventory,
		CanDelete:   true,
		ValidatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := v.publisher.Publish(ctx, events.TopicDeletionResponse, vote); err != nil {
		return fmt.Errorf("failed to publish deletion vote: %w", err)
	}

	v.logger.Info("deletion vote published",
		slog.String("customer_id", req.CustomerID),
		slog.Bool("can_delete", true),
	)
	return nil
}

func (v *DeletionValidator) HandleDeletionResult(ctx context.Context, res events.DeletionResult) error {
	v.logger.Info("customer deletion result received",
		slog.String("customer_id", res.CustomerID),
		slog.String("decision", res.DeletionResult.Decision),
		slog.String("method", res.DeletionResult.Method),
	)
	return nil
}

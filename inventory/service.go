package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prietto/microservices-dapr/common/broker"
	"github.com/prietto/microservices-dapr/common/events"
	"github.com/prietto/microservices-dapr/common/metrics"
)

// InventoryService owns the catalog and answers the saga's stock checks and
// restock commands.
type InventoryService struct {
	store     ItemStore
	publisher broker.Publisher
	logger    *slog.Logger
	business  *metrics.BusinessMetrics
}

func NewInventoryService(store ItemStore, publisher broker.Publisher, logger *slog.Logger, business *metrics.BusinessMetrics) *InventoryService {
	return &InventoryService{
		store:     store,
		publisher: publisher,
		logger:    logger,
		business:  business,
	}
}

func (s *InventoryService) CreateItem(ctx context.Context, req CreateItemRequest) (*Item, error) {
	if req.ProductID == "" || req.Name == "" {
		return nil, errors.New("product_id and name are required")
	}
	if req.Quantity < 0 {
		return nil, errors.New("quantity cannot be negative")
	}
	if req.Price <= 0 {
		return nil, errors.New("price must be positive")
	}

	now := time.Now().UTC()
	item := &Item{
		ProductID:   req.ProductID,
		Name:        req.Name,
		Description: req.Description,
		Quantity:    req.Quantity,
		Price:       req.Price,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateItem(ctx, item); err != nil {
		return nil, err
	}

	s.logger.Info("item created",
		slog.String("product_id", item.ProductID),
		slog.Int("quantity", item.Quantity),
	)
	return item, nil
}

func (s *InventoryService) GetItem(ctx context.Context, productID string) (*Item, error) {
	return s.store.GetItem(ctx, productID)
}

func (s *InventoryService) ListItems(ctx context.Context) ([]*Item, error) {
	return s.store.ListItems(ctx)
}

func (s *InventoryService) UpdateItem(ctx context.Context, productID string, req UpdateItemRequest) (*Item, error) {
	return s.store.UpdateItem(ctx, productID, func(item *Item) error {
		if req.Name != nil {
			if *req.Name == "" {
				return errors.New("name cannot be empty")
			}
			item.Name = *req.Name
		}
		if req.Description != nil {
			item.Description = *req.Description
		}
		if req.Quantity != nil {
			if *req.Quantity < 0 {
				return errors.New("quantity cannot be negative")
			}
			item.Quantity = *req.Quantity
		}
		if req.Price != nil {
			if *req.Price <= 0 {
				return errors.New("price must be positive")
			}
			item.Price = *req.Price
		}
		return nil
	})
}

func (s *InventoryService) AdjustStock(ctx context.Context, productID string, delta int) (*Item, error) {
	if delta == 0 {
		return nil, errors.New("delta must be non-zero")
	}
	item, err := s.store.AdjustStock(ctx, productID, delta)
	if err != nil {
		return nil, err
	}

	s.logger.Info("stock adjusted",
		slog.String("product_id", productID),
		slog.Int("delta", delta),
		slog.Int("quantity", item.Quantity),
	)
	return item, nil
}

func (s *InventoryService) Seed(ctx context.Context) ([]*Item, error) {
	items, err := s.store.Seed(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.Info("demo catalog seeded", slog.Int("items", len(items)))
	return items, nil
}

// HandleInventoryCheck reserves stock for an invoice and answers with the
// verdict. A reserve followed by a failed publish redelivers and decrements
// again; the guard keeps quantity at or above zero, which bounds that
// at-least-once hazard.
func (s *InventoryService) HandleInventoryCheck(ctx context.Context, check events.InventoryCheck) error {
	if check.InvoiceID == "" || check.ProductID == "" {
		s.logger.Warn("inventory check missing invoice or product",
			slog.String("invoice_id", check.InvoiceID),
			slog.String("product_id", check.ProductID),
		)
		return nil
	}

	resp := events.InventoryResponse{
		InvoiceID:         check.InvoiceID,
		ProductID:         check.ProductID,
		QuantityRequested: check.Quantity,
	}

	switch {
	case check.Quantity < 1:
		resp.Message = fmt.Sprintf("Invalid quantity: %d", check.Quantity)
	default:
		item, reserved, err := s.store.Reserve(ctx, check.ProductID, check.Quantity)
		switch {
		case errors.Is(err, ErrItemNotFound):
			resp.Message = fmt.Sprintf("Product %s not found", check.ProductID)
		case err != nil:
			return fmt.Errorf("failed to reserve stock: %w", err)
		case reserved:
			resp.Available = true
			resp.UnitPrice = item.Price
			resp.RemainingStock = item.Quantity
			resp.Message = fmt.Sprintf("Reserved %d x %s", check.Quantity, check.ProductID)
		default:
			resp.RemainingStock = item.Quantity
			resp.Message = fmt.Sprintf("Insufficient stock. Available: %d, Requested: %d", item.Quantity, check.Quantity)
		}
	}

	if err := s.publisher.Publish(ctx, events.TopicInventoryResponse, resp); err != nil {
		return fmt.Errorf("failed to publish inventory response: %w", err)
	}

	s.logger.Info("inventory check answered",
		slog.String("invoice_id", check.InvoiceID),
		slog.String("product_id", check.ProductID),
		slog.Bool("available", resp.Available),
		slog.String("message", resp.Message),
	)
	return nil
}

// HandleCompensation restores stock for a cancelled or failed invoice. The
// ledger makes it idempotent: a redelivered command republishes the original
// confirmation without crediting stock again.
func (s *InventoryService) HandleCompensation(ctx context.Context, evt events.CompensateInventory) error {
	if evt.InvoiceID == "" || evt.ProductID == "" {
		s.logger.Warn("compensation missing invoice or product",
			slog.String("invoice_id", evt.InvoiceID),
			slog.String("product_id", evt.ProductID),
		)
		return nil
	}

	compensationType := evt.CompensationType
	if compensationType == "" {
		compensationType = events.CompensationRestoreInventory
	}

	confirmation := events.InventoryCompensated{
		InvoiceID: evt.InvoiceID,
		ProductID: evt.ProductID,
		Reason:    evt.Reason,
	}

	result, err := s.store.Compensate(ctx, CompensationRecord{
		InvoiceID:        evt.InvoiceID,
		ProductID:        evt.ProductID,
		CompensationType: compensationType,
		QuantityRestored: evt.Quantity,
		Reason:           evt.Reason,
		TriggeredBy:      evt.TriggeredBy,
	})
	switch {
	case errors.Is(err, ErrItemNotFound):
		confirmation.Error = fmt.Sprintf("Product %s not found", evt.ProductID)
	case err != nil:
		return fmt.Errorf("failed to apply compensation: %w", err)
	default:
		confirmation.CompensationSuccessful = true
		confirmation.QuantityRestored = result.QuantityRestored
		confirmation.CurrentStock = result.CurrentStock
	}

	if err := s.publisher.Publish(ctx, events.TopicInventoryCompensated, confirmation); err != nil {
		return fmt.Errorf("failed to publish compensation confirmation: %w", err)
	}

	if confirmation.CompensationSuccessful {
		if result.AlreadyApplied {
			s.business.CompensationsDuplicate.Inc()
			s.logger.Info("duplicate compensation re-confirmed",
				slog.String("invoice_id", evt.InvoiceID),
				slog.String("product_id", evt.ProductID),
			)
		} else {
			s.business.CompensationsApplied.Inc()
			s.logger.Info("stock restored",
				slog.String("invoice_id", evt.InvoiceID),
				slog.String("product_id", evt.ProductID),
				slog.Int("quantity_restored", result.QuantityRestored),
				slog.Int("current_stock", result.CurrentStock),
			)
		}
	} else {
		s.logger.Warn("compensation rejected",
			slog.String("invoice_id", evt.InvoiceID),
			slog.String("product_id", evt.ProductID),
			slog.String("error", confirmation.Error),
		)
	}
	return nil
}

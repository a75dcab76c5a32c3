package main

import (
	"context"

	"github.com/prietto/microservices-dapr/common/broker"
	"github.com/prietto/microservices-dapr/common/events"
)

// registerSubscriptions binds every topic billing consumes to its handler.
// Decode failures are returned so malformed messages walk the retry path
// into the DLQ instead of being silently dropped.
func registerSubscriptions(bus *broker.EventBus, orch *Orchestrator, validator *DeletionValidator, notifier *Notifier) {
	bus.Subscribe(events.TopicInventoryResponse, func(ctx context.Context, body []byte) error {
		var resp events.InventoryResponse
		if err := broker.DecodeMessage(body, &resp); err != nil {
			return err
		}
		return orch.HandleInventoryResponse(ctx, resp)
	})

	bus.Subscribe(events.TopicCustomerResponse, func(ctx context.Context, body []byte) error {
		var resp events.CustomerResponse
		if err := broker.DecodeMessage(body, &resp); err != nil {
			return err
		}
		return orch.HandleCustomerResponse(ctx, resp)
	})

	bus.Subscribe(events.TopicPaymentCompleted, func(ctx context.Context, body []byte) error {
		var evt events.PaymentCompleted
		if err := broker.DecodeMessage(body, &evt); err != nil {
			return err
		}
		return orch.HandlePaymentCompleted(ctx, evt)
	})

	bus.Subscribe(events.TopicPaymentFailed, func(ctx context.Context, body []byte) error {
		var evt events.PaymentFailed
		if err := broker.DecodeMessage(body, &evt); err != nil {
			return err
		}
		return orch.HandlePaymentFailed(ctx, evt)
	})

	bus.Subscribe(events.TopicInventoryCompensated, func(ctx context.Context, body []byte) error {
		var evt events.InventoryCompensated
		if err := broker.DecodeMessage(body, &evt); err != nil {
			return err
		}
		return orch.HandleInventoryCompensated(ctx, evt)
	})

	bus.Subscribe(events.TopicBillingCompensate, func(ctx context.Context, body []byte) error {
		var evt events.BillingCompensate
		if err := broker.DecodeMessage(body, &evt); err != nil {
			return err
		}
		return orch.HandleBillingCompensate(ctx, evt)
	})

	bus.Subscribe(events.TopicDeletionRequest, func(ctx context.Context, body []byte) error {
		var req events.DeletionRequest
		if err := broker.DecodeMessage(body, &req); err != nil {
			return err
		}
		return validator.HandleDeletionRequest(ctx, req)
	})

	bus.Subscribe(events.TopicDeletionResult, func(ctx context.Context, body []byte) error {
		var res events.DeletionResult
		if err := broker.DecodeMessage(body, &res); err != nil {
			return err
		}
		return validator.HandleDeletionResult(ctx, res)
	})

	bus.Subscribe(events.TopicInvoiceNotification, func(ctx context.Context, body []byte) error {
		var evt events.InvoiceNotification
		if err := broker.DecodeMessage(body, &evt); err != nil {
			return err
		}
		return notifier.HandleInvoiceNotification(ctx, evt)
	})
}

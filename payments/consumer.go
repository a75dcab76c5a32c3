package main

import (
	"context"

	"github.com/prietto/microservices-dapr/common/broker"
	"github.com/prietto/microservices-dapr/common/events"
)

// registerSubscriptions binds every topic the payment service consumes to
// its handler. Decode failures are returned so malformed messages walk the
// retry path into the DLQ instead of being silently dropped.
func registerSubscriptions(bus *broker.EventBus, svc *PaymentService, validator *DeletionValidator) {
	bus.Subscribe(events.TopicPaymentRequest, func(ctx context.Context, body []byte) error {
		var req events.PaymentRequest
		if err := broker.DecodeMessage(body, &req); err != nil {
			return err
		}
		return svc.HandlePaymentRequest(ctx, req)
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
}

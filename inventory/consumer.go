package main

import (
	"context"

	"github.com/prietto/microservices-dapr/common/broker"
	"github.com/prietto/microservices-dapr/common/events"
)

// registerSubscriptions binds every topic inventory consumes to its handler.
// Decode failures walk the retry path into the DLQ.
func registerSubscriptions(bus *broker.EventBus, svc *InventoryService, validator *DeletionValidator) {
	bus.Subscribe(events.TopicInventoryCheck, func(ctx context.Context, body []byte) error {
		var check events.InventoryCheck
		if err := broker.DecodeMessage(body, &check); err != nil {
			return err
		}
		return svc.HandleInventoryCheck(ctx, check)
	})

	bus.Subscribe(events.TopicCompensateInventory, func(ctx context.Context, body []byte) error {
		var evt events.CompensateInventory
		if err := broker.DecodeMessage(body, &evt); err != nil {
			return err
		}
		return svc.HandleCompensation(ctx, evt)
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

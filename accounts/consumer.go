package main

import (
	"context"

	"github.com/prietto/microservices-dapr/common/broker"
	"github.com/prietto/microservices-dapr/common/events"
)

// registerSubscriptions binds the topics accounts consumes: verification
// checks from billing and deletion votes from the participants. Decode
// failures walk the retry path into the DLQ.
func registerSubscriptions(bus *broker.EventBus, customers *CustomerService, coordinator *Coordinator) {
	bus.Subscribe(events.TopicCustomerCheck, func(ctx context.Context, body []byte) error {
		var check events.CustomerCheck
		if err := broker.DecodeMessage(body, &check); err != nil {
			return err
		}
		return customers.HandleCustomerCheck(ctx, check)
	})

	bus.Subscribe(events.TopicDeletionResponse, func(ctx context.Context, body []byte) error {
		var resp events.DeletionResponse
		if err := broker.DecodeMessage(body, &resp); err != nil {
			return err
		}
		return coordinator.HandleDeletionResponse(ctx, resp)
	})
}

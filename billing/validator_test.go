package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prietto/microservices-dapr/common/events"
	"github.com/prietto/microservices-dapr/common/logger"
)

func newTestValidator(store InvoicesStore, pub *fakePublisher) *DeletionValidator {
	return NewDeletionValidator(store, pub, logger.NewNopLogger())
}

func deletionRequest(customerID string) events.DeletionRequest {
	return events.DeletionRequest{
		CustomerID:          customerID,
		RequestedBy:         events.ServiceAccounts,
		Action:              events.ActionValidateDeletion,
		ExpectedServices:    events.ExpectedDeletionParticipants(),
		TimeoutSeconds:      30,
		SilenceMeansConsent: true,
	}
}

func TestDeletionVoteConsentsWhenNoActiveInvoices(t *testing.T) {
	store := newFakeStore()
	store.seed(&Invoice{ID: "inv-1", CustomerID: "CUST001", Status: StatusCompleted})
	store.seed(&Invoice{ID: "inv-2", CustomerID: "CUST001", Status: StatusFailed})
	pub := newFakePublisher()

	err := newTestValidator(store, pub).HandleDeletionRequest(context.Background(), deletionRequest("CUST001"))
	require.NoError(t, err)

	payload, ok := pub.last(events.TopicDeletionResponse)
	require.True(t, ok)
	vote := payload.(events.DeletionResponse)
	assert.Equal(t, "CUST001", vote.CustomerID)
	assert.Equal(t, events.ServiceBilling, vote.ServiceName)
	assert.True(t, vote.CanDelete)
	assert.Empty(t, vote.BlockingReason)
	assert.NotEmpty(t, vote.ValidatedAt)
}

func TestDeletionVoteVetoesActiveInvoices(t *testing.T) {
	store := newFakeStore()
	store.seed(&Invoice{ID: "inv-1", CustomerID: "CUST001", Status: StatusPaymentProcessing})
	store.seed(&Invoice{ID: "inv-2", CustomerID: "CUST001", Status: StatusProcessing})
	store.seed(&Invoice{ID: "inv-3", CustomerID: "OTHER", Status: StatusProcessing})
	pub := newFakePublisher()

	err := newTestValidator(store, pub).HandleDeletionRequest(context.Background(), deletionRequest("CUST001"))
	require.NoError(t, err)

	payload, ok := pub.last(events.TopicDeletionResponse)
	require.True(t, ok)
	vote := payload.(events.DeletionResponse)
	assert.False(t, vote.CanDelete)
	assert.Equal(t, "customer has 2 active invoice(s)", vote.BlockingReason)
}

func TestDeletionVoteIsRepublishedOnRedelivery(t *testing.T) {
	store := newFakeStore()
	pub := newFakePublisher()
	v := newTestValidator(store, pub)

	req := deletionRequest("CUST001")
	require.NoError(t, v.HandleDeletionRequest(context.Background(), req))
	require.NoError(t, v.HandleDeletionRequest(context.Background(), req))

	assert.Equal(t, 2, pub.count(events.TopicDeletionResponse))
	payload, _ := pub.last(events.TopicDeletionResponse)
	assert.True(t, payload.(events.DeletionResponse).CanDelete, "same state, same verdict")
}

func TestDeletionVoteVetoesWhenStateUnverifiable(t *testing.T) {
	store := &failingCountStore{fakeStore: newFakeStore()}
	pub := newFakePublisher()

	err := newTestValidator(store, pub).HandleDeletionRequest(context.Background(), deletionRequest("CUST001"))
	require.NoError(t, err)

	payload, ok := pub.last(events.TopicDeletionResponse)
	require.True(t, ok)
	vote := payload.(events.DeletionResponse)
	assert.False(t, vote.CanDelete, "consent must be earned, not assumed")
	assert.Contains(t, vote.BlockingReason, "billing validation failed")
}

func TestDeletionRequestWithoutCustomerIsDropped(t *testing.T) {
	pub := newFakePublisher()

	err := newTestValidator(newFakeStore(), pub).HandleDeletionRequest(context.Background(), deletionRequest(""))
	require.NoError(t, err)
	assert.Empty(t, pub.topics())
}

func TestDeletionVotePublishFailureRetries(t *testing.T) {
	pub := newFakePublisher()
	pub.fail[events.TopicDeletionResponse] = errors.New("broker unavailable")

	err := newTestValidator(newFakeStore(), pub).HandleDeletionRequest(context.Background(), deletionRequest("CUST001"))
	assert.Error(t, err, "an unpublished vote must be redelivered")
}

func TestDeletionResultIsAcknowledged(t *testing.T) {
	err := newTestValidator(newFakeStore(), newFakePublisher()).HandleDeletionResult(context.Background(), events.DeletionResult{
		CustomerID: "CUST001",
		DeletionResult: events.DeletionOutcome{
			Success:  true,
			Decision: events.DecisionCustomerDeleted,
			Method:   events.MethodConsensus,
		},
	})
	assert.NoError(t, err)
}

// failingCountStore breaks the active-invoice count to exercise the
// conservative veto.
type failingCountStore struct {
	*fakeStore
}

func (s *failingCountStore) CountActiveByCustomer(ctx context.Context, customerID string) (int, error) {
	return 0, errors.New("connection refused")
}

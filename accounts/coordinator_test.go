package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prietto/microservices-dapr/common/events"
	"github.com/prietto/microservices-dapr/common/logger"
	"github.com/prietto/microservices-dapr/common/metrics"
	"github.com/prietto/microservices-dapr/common/scheduler"
)

// Prometheus collectors register globally, so every test shares one set.
var testBusiness = metrics.NewBusinessMetrics("accounts_test")

type fakeStore struct {
	mu        sync.Mutex
	customers map[string]*Customer
}

func newFakeStore() *fakeStore {
	return &fakeStore{customers: make(map[string]*Customer)}
}

// clone deep-copies the vote map and blocker slice so fake rows behave like
// rows that went through a JSON round trip.
func clone(c *Customer) *Customer {
	cp := *c
	if c.DeletionResponses != nil {
		cp.DeletionResponses = make(map[string]VoteRecord, len(c.DeletionResponses))
		for k, v := range c.DeletionResponses {
			cp.DeletionResponses[k] = v
		}
	}
	if c.DeletionBlockedBy != nil {
		cp.DeletionBlockedBy = append([]events.BlockedBy(nil), c.DeletionBlockedBy...)
	}
	return &cp
}

func (s *fakeStore) Migrate(ctx context.Context) error { return nil }

func (s *fakeStore) Create(ctx context.Context, c *Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.customers {
		if existing.Email == c.Email {
			return ErrEmailTaken
		}
	}
	s.customers[c.ID] = clone(c)
	return nil
}

func (s *fakeStore) Get(ctx context.Context, id string) (*Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[id]
	if !ok {
		return nil, ErrCustomerNotFound
	}
	return clone(c), nil
}

func (s *fakeStore) GetByEmail(ctx context.Context, email string) (*Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.customers {
		if c.Email == email {
			return clone(c), nil
		}
	}
	return nil, ErrCustomerNotFound
}

func (s *fakeStore) List(ctx context.Context, status string, limit int) ([]*Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Customer
	for _, c := range s.customers {
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, clone(c))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) Update(ctx context.Context, id string, mutate func(*Customer) error) (*Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[id]
	if !ok {
		return nil, ErrCustomerNotFound
	}
	cp := clone(c)
	if err := mutate(cp); err != nil {
		return nil, err
	}
	cp.UpdatedAt = time.Now().UTC()
	s.customers[id] = cp
	return clone(cp), nil
}

func (s *fakeStore) ListPendingDeletionsPastTimeout(ctx context.Context, now time.Time) ([]*Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Customer
	for _, c := range s.customers {
		if c.Status != StatusPendingDeletion || c.DeletionCompleted || c.DeletionTimeoutAt == nil {
			continue
		}
		if !now.Before(*c.DeletionTimeoutAt) {
			out = append(out, clone(c))
		}
	}
	return out, nil
}

func (s *fakeStore) seed(c *Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[c.ID] = clone(c)
}

type publishedEvent struct {
	topic   string
	payload any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	fail   map[string]error
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{fail: make(map[string]error)}
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.fail[topic]; ok {
		return err
	}
	p.events = append(p.events, publishedEvent{topic: topic, payload: payload})
	return nil
}

func (p *fakePublisher) last(topic string) (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].topic == topic {
			return p.events[i].payload, true
		}
	}
	return nil, false
}

func (p *fakePublisher) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.topic == topic {
			n++
		}
	}
	return n
}

const testDeletionTimeout = 30 * time.Second

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeStore, *fakePublisher) {
	t.Helper()
	store := newFakeStore()
	pub := newFakePublisher()
	co := NewCoordinator(store, pub, scheduler.New(), logger.NewNopLogger(), testBusiness, testDeletionTimeout)
	return co, store, pub
}

func activeCustomer(id string) *Customer {
	now := time.Now().UTC()
	return &Customer{
		ID:        id,
		Email:     id + "@example.com",
		Name:      "Test Customer",
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// pendingCustomer returns a customer mid-vote with the deadline at now+d.
func pendingCustomer(id string, d time.Duration) *Customer {
	c := activeCustomer(id)
	now := time.Now().UTC()
	timeoutAt := now.Add(d)
	c.Status = StatusPendingDeletion
	c.DeletionRequestedAt = &now
	c.DeletionTimeoutAt = &timeoutAt
	c.DeletionResponses = map[string]VoteRecord{}
	return c
}

func vote(customerID, service string, canDelete bool, reason string) events.DeletionResponse {
	return events.DeletionResponse{
		CustomerID:     customerID,
		ServiceName:    service,
		CanDelete:      canDelete,
		BlockingReason: reason,
		ValidatedAt:    time.Now().UTC().Format(time.RFC3339),
	}
}

func TestRequestDeletionOpensVote(t *testing.T) {
	co, store, pub := newTestCoordinator(t)
	store.seed(activeCustomer("CUST001"))

	accepted, err := co.RequestDeletion(context.Background(), "CUST001")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingDeletion, accepted.Status)
	assert.Equal(t, "Customer deletion validation initiated", accepted.Message)
	assert.Equal(t, 30, accepted.TimeoutSeconds)
	assert.Equal(t, events.ExpectedDeletionParticipants(), accepted.ExpectedServices)

	c, err := store.Get(context.Background(), "CUST001")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingDeletion, c.Status)
	require.NotNil(t, c.DeletionRequestedAt)
	require.NotNil(t, c.DeletionTimeoutAt)
	assert.False(t, c.DeletionCompleted)
	assert.Empty(t, c.DeletionResponses)

	payload, ok := pub.last(events.TopicDeletionRequest)
	require.True(t, ok)
	req := payload.(events.DeletionRequest)
	assert.Equal(t, "CUST001", req.CustomerID)
	assert.Equal(t, events.ServiceAccounts, req.RequestedBy)
	assert.Equal(t, events.ActionValidateDeletion, req.Action)
	assert.Equal(t, events.ExpectedDeletionParticipants(), req.ExpectedServices)
	assert.Equal(t, 30, req.TimeoutSeconds)
	assert.True(t, req.SilenceMeansConsent)

	assert.True(t, co.timers.Pending(deletionTimerKey("CUST001")))
}

func TestRequestDeletionGuards(t *testing.T) {
	co, store, pub := newTestCoordinator(t)

	_, err := co.RequestDeletion(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrCustomerNotFound)

	store.seed(pendingCustomer("CUST-PENDING", time.Minute))
	_, err = co.RequestDeletion(context.Background(), "CUST-PENDING")
	assert.ErrorIs(t, err, ErrDeletionInProgress)

	deleted := activeCustomer("CUST-GONE")
	deleted.Status = StatusDeleted
	store.seed(deleted)
	_, err = co.RequestDeletion(context.Background(), "CUST-GONE")
	assert.ErrorIs(t, err, ErrCustomerDeleted)

	assert.Zero(t, pub.count(events.TopicDeletionRequest))
}

func TestRequestDeletionPublishFailureRollsBack(t *testing.T) {
	co, store, pub := newTestCoordinator(t)
	store.seed(activeCustomer("CUST001"))
	pub.fail[events.TopicDeletionRequest] = errors.New("broker unavailable")

	_, err := co.RequestDeletion(context.Background(), "CUST001")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEventPublish))

	c, err := store.Get(context.Background(), "CUST001")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, c.Status, "a vote nobody heard about must not stay open")
	assert.Nil(t, c.DeletionRequestedAt)
	assert.Nil(t, c.DeletionTimeoutAt)
	assert.False(t, co.timers.Pending(deletionTimerKey("CUST001")))
}

func TestRequestDeletionAfterVetoClearsHistory(t *testing.T) {
	co, store, _ := newTestCoordinator(t)

	c := activeCustomer("CUST001")
	c.DeletionResponses = map[string]VoteRecord{
		events.ServiceBilling: {CanDelete: false, BlockingReason: "customer has 1 active invoice(s)", RespondedAt: "2026-01-01T00:00:00Z"},
	}
	c.DeletionBlockedBy = []events.BlockedBy{{Service: events.ServiceBilling, Reason: "customer has 1 active invoice(s)"}}
	c.DeletionCompleted = true
	store.seed(c)

	_, err := co.RequestDeletion(context.Background(), "CUST001")
	require.NoError(t, err)

	fresh, err := store.Get(context.Background(), "CUST001")
	require.NoError(t, err)
	assert.Empty(t, fresh.DeletionResponses, "stale votes must not leak into the new ballot")
	assert.Nil(t, fresh.DeletionBlockedBy)
	assert.False(t, fresh.DeletionCompleted)
}

func TestVetoCancelsImmediately(t *testing.T) {
	co, store, pub := newTestCoordinator(t)
	store.seed(pendingCustomer("CUST001", time.Minute))
	co.timers.Schedule(deletionTimerKey("CUST001"), time.Now().Add(time.Minute), func(context.Context) {})

	require.NoError(t, co.HandleDeletionResponse(context.Background(),
		vote("CUST001", events.ServiceInventory, true, "")))
	require.NoError(t, co.HandleDeletionResponse(context.Background(),
		vote("CUST001", events.ServiceBilling, false, "customer has 2 active invoice(s)")))

	c, err := store.Get(context.Background(), "CUST001")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, c.Status)
	assert.True(t, c.DeletionCompleted)
	assert.Nil(t, c.DeletionRequestedAt)
	assert.Nil(t, c.DeletionTimeoutAt)
	require.Len(t, c.DeletionBlockedBy, 1)
	assert.Equal(t, events.ServiceBilling, c.DeletionBlockedBy[0].Service)
	assert.Equal(t, "customer has 2 active invoice(s)", c.DeletionBlockedBy[0].Reason)

	payload, ok := pub.last(events.TopicDeletionResult)
	require.True(t, ok)
	res := payload.(events.DeletionResult)
	assert.Equal(t, events.ServiceAccounts, res.NotifiedBy)
	assert.False(t, res.DeletionResult.Success)
	assert.Equal(t, events.DecisionDeletionCancelled, res.DeletionResult.Decision)
	assert.Equal(t, "Customer deletion blocked by 1 service(s)", res.DeletionResult.Message)
	require.Len(t, res.DeletionResult.BlockedBy, 1)

	assert.Zero(t, pub.count(events.TopicDeletionCompleted), "cancelled votes announce no completion")
	assert.False(t, co.timers.Pending(deletionTimerKey("CUST001")))
}

func TestUnanimousConsentCommits(t *testing.T) {
	co, store, pub := newTestCoordinator(t)
	store.seed(pendingCustomer("CUST001", time.Minute))

	require.NoError(t, co.HandleDeletionResponse(context.Background(),
		vote("CUST001", events.ServiceBilling, true, "")))
	require.NoError(t, co.HandleDeletionResponse(context.Background(),
		vote("CUST001", events.ServiceInventory, true, "")))

	c, err := store.Get(context.Background(), "CUST001")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingDeletion, c.Status, "two of three votes must keep the ballot open")
	assert.Zero(t, pub.count(events.TopicDeletionResult))

	require.NoError(t, co.HandleDeletionResponse(context.Background(),
		vote("CUST001", events.ServicePayment, true, "")))

	c, err = store.Get(context.Background(), "CUST001")
	require.NoError(t, err)
	assert.Equal(t, StatusDeleted, c.Status)
	assert.True(t, c.DeletionCompleted)
	assert.Len(t, c.DeletionResponses, 3)

	payload, ok := pub.last(events.TopicDeletionResult)
	require.True(t, ok)
	res := payload.(events.DeletionResult)
	assert.True(t, res.DeletionResult.Success)
	assert.Equal(t, events.DecisionCustomerDeleted, res.DeletionResult.Decision)
	assert.Equal(t, events.MethodConsensus, res.DeletionResult.Method)
	assert.Equal(t, "Customer successfully deleted after validation", res.DeletionResult.Message)

	payload, ok = pub.last(events.TopicDeletionCompleted)
	require.True(t, ok)
	assert.Equal(t, events.MethodConsensus, payload.(events.DeletionCompleted).Method)
}

func TestSilenceTimeoutCommitsWithSyntheticVotes(t *testing.T) {
	co, store, pub := newTestCoordinator(t)
	c := pendingCustomer("CUST001", -time.Second)
	c.DeletionResponses[events.ServiceBilling] = VoteRecord{CanDelete: true, RespondedAt: time.Now().UTC().Format(time.RFC3339)}
	store.seed(c)

	require.NoError(t, co.HandleSilenceTimeout(context.Background(), "CUST001"))

	fresh, err := store.Get(context.Background(), "CUST001")
	require.NoError(t, err)
	assert.Equal(t, StatusDeleted, fresh.Status)
	assert.True(t, fresh.DeletionCompleted)
	require.Len(t, fresh.DeletionResponses, 3)

	assert.False(t, fresh.DeletionResponses[events.ServiceBilling].Timeout, "a real vote keeps its record")
	assert.True(t, fresh.DeletionResponses[events.ServiceInventory].Timeout)
	assert.True(t, fresh.DeletionResponses[events.ServiceInventory].CanDelete)
	assert.True(t, fresh.DeletionResponses[events.ServicePayment].Timeout)

	payload, ok := pub.last(events.TopicDeletionResult)
	require.True(t, ok)
	assert.Equal(t, events.MethodSilenceTimeout, payload.(events.DeletionResult).DeletionResult.Method)

	payload, ok = pub.last(events.TopicDeletionCompleted)
	require.True(t, ok)
	assert.Equal(t, events.MethodSilenceTimeout, payload.(events.DeletionCompleted).Method)
}

func TestSilenceTimeoutHonorsRecordedVeto(t *testing.T) {
	co, store, pub := newTestCoordinator(t)
	c := pendingCustomer("CUST001", -time.Second)
	c.DeletionResponses[events.ServicePayment] = VoteRecord{
		CanDelete:      false,
		BlockingReason: "customer has transactions in processing",
		RespondedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	store.seed(c)

	require.NoError(t, co.HandleSilenceTimeout(context.Background(), "CUST001"))

	fresh, err := store.Get(context.Background(), "CUST001")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, fresh.Status, "a veto beats the deadline")
	require.Len(t, fresh.DeletionBlockedBy, 1)
	assert.Equal(t, events.ServicePayment, fresh.DeletionBlockedBy[0].Service)

	payload, ok := pub.last(events.TopicDeletionResult)
	require.True(t, ok)
	assert.Equal(t, events.DecisionDeletionCancelled, payload.(events.DeletionResult).DeletionResult.Decision)
	assert.Zero(t, pub.count(events.TopicDeletionCompleted))
}

func TestSilenceTimeoutBeforeDeadlineIsNoop(t *testing.T) {
	co, store, pub := newTestCoordinator(t)
	store.seed(pendingCustomer("CUST001", time.Minute))

	require.NoError(t, co.HandleSilenceTimeout(context.Background(), "CUST001"))

	c, err := store.Get(context.Background(), "CUST001")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingDeletion, c.Status)
	assert.False(t, c.DeletionCompleted)
	assert.Zero(t, pub.count(events.TopicDeletionResult))
}

func TestLateVoteAfterFinalizeIsIgnored(t *testing.T) {
	co, store, pub := newTestCoordinator(t)
	c := activeCustomer("CUST001")
	c.Status = StatusDeleted
	c.DeletionCompleted = true
	store.seed(c)

	err := co.HandleDeletionResponse(context.Background(),
		vote("CUST001", events.ServiceBilling, false, "too late to matter"))
	require.NoError(t, err, "late votes are acknowledged, not retried")

	fresh, err := store.Get(context.Background(), "CUST001")
	require.NoError(t, err)
	assert.Equal(t, StatusDeleted, fresh.Status)
	assert.Empty(t, fresh.DeletionResponses)
	assert.Zero(t, pub.count(events.TopicDeletionResult))
}

func TestRedeliveredVoteOverwritesItself(t *testing.T) {
	co, store, _ := newTestCoordinator(t)
	store.seed(pendingCustomer("CUST001", time.Minute))

	v := vote("CUST001", events.ServiceBilling, true, "")
	require.NoError(t, co.HandleDeletionResponse(context.Background(), v))
	require.NoError(t, co.HandleDeletionResponse(context.Background(), v))

	c, err := store.Get(context.Background(), "CUST001")
	require.NoError(t, err)
	assert.Len(t, c.DeletionResponses, 1)
	assert.Equal(t, StatusPendingDeletion, c.Status)
}

func TestVetoFromUnexpectedServiceStillBlocks(t *testing.T) {
	co, store, _ := newTestCoordinator(t)
	store.seed(pendingCustomer("CUST001", time.Minute))

	require.NoError(t, co.HandleDeletionResponse(context.Background(),
		vote("CUST001", "fraud-service", false, "account under review")))

	c, err := store.Get(context.Background(), "CUST001")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, c.Status, "any recorded veto blocks, expected or not")
	require.Len(t, c.DeletionBlockedBy, 1)
	assert.Equal(t, "fraud-service", c.DeletionBlockedBy[0].Service)
}

func TestSweepFinalizesExpiredVotes(t *testing.T) {
	co, store, pub := newTestCoordinator(t)

	store.seed(pendingCustomer("CUST-EXPIRED", -time.Second))

	covered := pendingCustomer("CUST-COVERED", -time.Second)
	store.seed(covered)
	co.timers.Schedule(deletionTimerKey("CUST-COVERED"), time.Now().Add(time.Hour), func(context.Context) {})

	co.SweepExpiredDeletions(context.Background())

	expired, err := store.Get(context.Background(), "CUST-EXPIRED")
	require.NoError(t, err)
	assert.Equal(t, StatusDeleted, expired.Status)

	still, err := store.Get(context.Background(), "CUST-COVERED")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingDeletion, still.Status, "an armed timer owns the deadline")

	assert.Equal(t, 1, pub.count(events.TopicDeletionResult))
}

func TestResetDeletionReactivates(t *testing.T) {
	co, store, _ := newTestCoordinator(t)
	c := pendingCustomer("CUST001", time.Minute)
	c.DeletionResponses[events.ServiceBilling] = VoteRecord{CanDelete: true, RespondedAt: "2026-01-01T00:00:00Z"}
	store.seed(c)
	co.timers.Schedule(deletionTimerKey("CUST001"), time.Now().Add(time.Minute), func(context.Context) {})

	fresh, err := co.ResetDeletion(context.Background(), "CUST001")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, fresh.Status)
	assert.Nil(t, fresh.DeletionRequestedAt)
	assert.Nil(t, fresh.DeletionTimeoutAt)
	assert.Empty(t, fresh.DeletionResponses)
	assert.False(t, fresh.DeletionCompleted)
	assert.False(t, co.timers.Pending(deletionTimerKey("CUST001")))
}

func TestDeletionStatusProjection(t *testing.T) {
	co, store, _ := newTestCoordinator(t)
	c := pendingCustomer("CUST001", time.Minute)
	c.DeletionResponses[events.ServiceBilling] = VoteRecord{CanDelete: true, RespondedAt: "2026-01-01T00:00:00Z"}
	store.seed(c)

	status, err := co.DeletionStatus(context.Background(), "CUST001")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingDeletion, status.Status)
	assert.False(t, status.Completed)
	require.NotNil(t, status.RemainingSeconds)
	assert.Greater(t, *status.RemainingSeconds, 0.0)
	assert.Equal(t, events.ExpectedDeletionParticipants(), status.ExpectedServices)
	assert.Equal(t, []string{events.ServiceBilling}, status.RespondedServices)

	deleted := activeCustomer("CUST-GONE")
	deleted.Status = StatusDeleted
	deleted.DeletionCompleted = true
	store.seed(deleted)

	status, err = co.DeletionStatus(context.Background(), "CUST-GONE")
	require.NoError(t, err)
	assert.Equal(t, StatusDeleted, status.Status)
	assert.Nil(t, status.RemainingSeconds)

	_, err = co.DeletionStatus(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrCustomerNotFound)
}

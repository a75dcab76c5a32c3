package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/prietto/microservices-dapr/common/broker"
	"github.com/prietto/microservices-dapr/common/events"
	"github.com/prietto/microservices-dapr/common/metrics"
	"github.com/prietto/microservices-dapr/common/scheduler"
)

type decision int

const (
	decisionWait decision = iota
	decisionCommit
	decisionCancel
)

// verdict is evaluate's output: what to do, how the commit was reached, and
// who vetoed on a cancel.
type verdict struct {
	decision decision
	method   string
	blockers []events.BlockedBy
}

// Coordinator runs the distributed customer deletion vote. State changes
// happen inside one store.Update per event; the result broadcast goes out
// only after the row committed, so a crash between the two leaves durable
// state and merely drops an advisory message.
type Coordinator struct {
	store           CustomerStore
	publisher       broker.Publisher
	timers          *scheduler.Scheduler
	logger          *slog.Logger
	business        *metrics.BusinessMetrics
	deletionTimeout time.Duration
}

func NewCoordinator(
	store CustomerStore,
	publisher broker.Publisher,
	timers *scheduler.Scheduler,
	logger *slog.Logger,
	business *metrics.BusinessMetrics,
	deletionTimeout time.Duration,
) *Coordinator {
	return &Coordinator{
		store:           store,
		publisher:       publisher,
		timers:          timers,
		logger:          logger,
		business:        business,
		deletionTimeout: deletionTimeout,
	}
}

func deletionTimerKey(customerID string) string {
	return "deletion-timeout:" + customerID
}

// RequestDeletion opens a deletion vote: the customer moves to
// pending_deletion, the request is broadcast and the silence timer armed.
// If the broadcast never reaches the broker the status change is rolled
// back, because a vote nobody heard about would only ever end in a
// silence-consent commit.
func (co *Coordinator) RequestDeletion(ctx context.Context, customerID string) (*DeletionAccepted, error) {
	now := time.Now().UTC()
	timeoutAt := now.Add(co.deletionTimeout)

	_, err := co.store.Update(ctx, customerID, func(c *Customer) error {
		switch c.Status {
		case StatusDeleted:
			return ErrCustomerDeleted
		case StatusPendingDeletion:
			return ErrDeletionInProgress
		}
		c.Status = StatusPendingDeletion
		c.clearDeletionState()
		c.DeletionRequestedAt = &now
		c.DeletionTimeoutAt = &timeoutAt
		c.DeletionResponses = map[string]VoteRecord{}
		return nil
	})
	if err != nil {
		return nil, err
	}

	pubErr := co.publisher.Publish(ctx, events.TopicDeletionRequest, events.DeletionRequest{
		CustomerID:          customerID,
		RequestedBy:         events.ServiceAccounts,
		Timestamp:           now.Format(time.RFC3339),
		Action:              events.ActionValidateDeletion,
		ExpectedServices:    events.ExpectedDeletionParticipants(),
		TimeoutSeconds:      int(co.deletionTimeout.Seconds()),
		SilenceMeansConsent: true,
	})
	if pubErr != nil {
		if _, rbErr := co.store.Update(ctx, customerID, func(c *Customer) error {
			c.Status = StatusActive
			c.clearDeletionState()
			return nil
		}); rbErr != nil {
			co.logger.Error("failed to roll back deletion request",
				slog.String("customer_id", customerID),
				slog.String("error", rbErr.Error()),
			)
		}
		return nil, fmt.Errorf("failed to publish deletion request: %w", errors.Join(ErrEventPublish, pubErr))
	}

	co.business.DeletionsRequested.Inc()
	co.timers.Schedule(deletionTimerKey(customerID), timeoutAt, func(timerCtx context.Context) {
		if err := co.HandleSilenceTimeout(timerCtx, customerID); err != nil {
			co.logger.Error("silence timeout handling failed",
				slog.String("customer_id", customerID),
				slog.String("error", err.Error()),
			)
		}
	})

	co.logger.Info("deletion vote opened",
		slog.String("customer_id", customerID),
		slog.Time("timeout_at", timeoutAt),
	)
	return &DeletionAccepted{
		CustomerID:       customerID,
		Status:           StatusPendingDeletion,
		Message:          "Customer deletion validation initiated",
		TimeoutSeconds:   int(co.deletionTimeout.Seconds()),
		ExpectedServices: events.ExpectedDeletionParticipants(),
	}, nil
}

// HandleDeletionResponse records one participant's vote and finalizes the
// moment a decision is possible. Votes on closed or unknown ballots are
// acknowledged and dropped; a redelivered vote just overwrites itself.
func (co *Coordinator) HandleDeletionResponse(ctx context.Context, resp events.DeletionResponse) error {
	if resp.CustomerID == "" || resp.ServiceName == "" {
		co.logger.Warn("deletion vote missing customer or service")
		return nil
	}

	var (
		v    verdict
		late bool
	)
	updated, err := co.store.Update(ctx, resp.CustomerID, func(c *Customer) error {
		if c.Status != StatusPendingDeletion || c.DeletionCompleted {
			late = true
			return nil
		}

		respondedAt := resp.ValidatedAt
		if respondedAt == "" {
			respondedAt = time.Now().UTC().Format(time.RFC3339)
		}
		if c.DeletionResponses == nil {
			c.DeletionResponses = map[string]VoteRecord{}
		}
		c.DeletionResponses[resp.ServiceName] = VoteRecord{
			CanDelete:      resp.CanDelete,
			BlockingReason: resp.BlockingReason,
			RespondedAt:    respondedAt,
		}

		v = evaluate(c, time.Now().UTC())
		if v.decision != decisionWait {
			finalize(c, v)
		}
		return nil
	})
	if errors.Is(err, ErrCustomerNotFound) {
		co.logger.Warn("deletion vote for unknown customer", slog.String("customer_id", resp.CustomerID))
		return nil
	}
	if err != nil {
		return err
	}
	if late {
		co.logger.Info("late deletion vote ignored",
			slog.String("customer_id", resp.CustomerID),
			slog.String("service", resp.ServiceName),
		)
		return nil
	}

	co.logger.Info("deletion vote recorded",
		slog.String("customer_id", resp.CustomerID),
		slog.String("service", resp.ServiceName),
		slog.Bool("can_delete", resp.CanDelete),
	)
	if v.decision != decisionWait {
		co.announce(ctx, updated, v)
	}
	return nil
}

// HandleSilenceTimeout fires at the vote deadline. Remaining silent
// participants are taken as consenting; a veto that arrived before the timer
// still wins because evaluate checks vetoes first.
func (co *Coordinator) HandleSilenceTimeout(ctx context.Context, customerID string) error {
	var (
		v     verdict
		fired bool
	)
	updated, err := co.store.Update(ctx, customerID, func(c *Customer) error {
		if c.Status != StatusPendingDeletion || c.DeletionCompleted {
			return nil
		}
		now := time.Now().UTC()
		if c.DeletionTimeoutAt == nil || now.Before(*c.DeletionTimeoutAt) {
			return nil
		}
		v = evaluate(c, now)
		if v.decision != decisionWait {
			finalize(c, v)
			fired = true
		}
		return nil
	})
	if errors.Is(err, ErrCustomerNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if fired {
		co.logger.Info("deletion vote closed by timeout", slog.String("customer_id", customerID))
		co.announce(ctx, updated, v)
	}
	return nil
}

// SweepExpiredDeletions finalizes votes whose deadline passed while no timer
// was armed, which happens after a crash. Runs at startup and on a ticker.
func (co *Coordinator) SweepExpiredDeletions(ctx context.Context) {
	expired, err := co.store.ListPendingDeletionsPastTimeout(ctx, time.Now().UTC())
	if err != nil {
		co.logger.Error("deletion sweep failed", slog.String("error", err.Error()))
		return
	}

	for _, c := range expired {
		if co.timers.Pending(deletionTimerKey(c.ID)) {
			continue
		}
		if err := co.HandleSilenceTimeout(ctx, c.ID); err != nil {
			co.logger.Error("silence timeout handling failed",
				slog.String("customer_id", c.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if len(expired) > 0 {
		co.logger.Info("deletion sweep finished", slog.Int("count", len(expired)))
	}
}

// ResetDeletion force-clears any deletion state and reactivates the
// customer. Test fixture, exposed over HTTP like the original had.
func (co *Coordinator) ResetDeletion(ctx context.Context, customerID string) (*Customer, error) {
	updated, err := co.store.Update(ctx, customerID, func(c *Customer) error {
		c.Status = StatusActive
		c.clearDeletionState()
		return nil
	})
	if err != nil {
		return nil, err
	}
	co.timers.Cancel(deletionTimerKey(customerID))
	co.logger.Info("deletion state reset", slog.String("customer_id", customerID))
	return updated, nil
}

// DeletionStatus projects the vote state for the status endpoint.
func (co *Coordinator) DeletionStatus(ctx context.Context, customerID string) (*DeletionStatus, error) {
	c, err := co.store.Get(ctx, customerID)
	if err != nil {
		return nil, err
	}

	status := &DeletionStatus{
		CustomerID:        c.ID,
		Status:            c.Status,
		RequestedAt:       c.DeletionRequestedAt,
		TimeoutAt:         c.DeletionTimeoutAt,
		Completed:         c.DeletionCompleted,
		Responses:         c.DeletionResponses,
		BlockedBy:         c.DeletionBlockedBy,
		ExpectedServices:  events.ExpectedDeletionParticipants(),
		RespondedServices: respondedServices(c),
	}
	if c.Status == StatusPendingDeletion && !c.DeletionCompleted && c.DeletionTimeoutAt != nil {
		remaining := time.Until(*c.DeletionTimeoutAt).Seconds()
		if remaining < 0 {
			remaining = 0
		}
		status.RemainingSeconds = &remaining
	}
	return status, nil
}

// respondedServices lists the voters recorded so far, sorted for stable
// output.
func respondedServices(c *Customer) []string {
	services := make([]string, 0, len(c.DeletionResponses))
	for service := range c.DeletionResponses {
		services = append(services, service)
	}
	sort.Strings(services)
	return services
}

// evaluate decides the open vote. Order is load-bearing: a veto beats
// everything, unanimous consent beats the clock, and only then does the
// deadline convert silence into consent by injecting synthetic votes.
func evaluate(c *Customer, now time.Time) verdict {
	var blockers []events.BlockedBy
	for service, vote := range c.DeletionResponses {
		if !vote.CanDelete {
			blockers = append(blockers, events.BlockedBy{Service: service, Reason: vote.BlockingReason})
		}
	}
	if len(blockers) > 0 {
		sort.Slice(blockers, func(i, j int) bool { return blockers[i].Service < blockers[j].Service })
		return verdict{decision: decisionCancel, blockers: blockers}
	}

	var missing []string
	for _, service := range events.ExpectedDeletionParticipants() {
		if _, ok := c.DeletionResponses[service]; !ok {
			missing = append(missing, service)
		}
	}
	if len(missing) == 0 {
		return verdict{decision: decisionCommit, method: events.MethodConsensus}
	}

	if c.DeletionTimeoutAt != nil && !now.Before(*c.DeletionTimeoutAt) {
		for _, service := range missing {
			c.DeletionResponses[service] = VoteRecord{
				CanDelete:   true,
				RespondedAt: now.Format(time.RFC3339),
				Timeout:     true,
			}
		}
		return verdict{decision: decisionCommit, method: events.MethodSilenceTimeout}
	}

	return verdict{decision: decisionWait}
}

// finalize applies the verdict to the row. Runs inside the store.Update
// mutate so decision and state change commit atomically.
func finalize(c *Customer, v verdict) {
	switch v.decision {
	case decisionCancel:
		c.Status = StatusActive
		c.DeletionBlockedBy = v.blockers
		c.DeletionCompleted = true
		c.DeletionRequestedAt = nil
		c.DeletionTimeoutAt = nil
	case decisionCommit:
		c.Status = StatusDeleted
		c.DeletionCompleted = true
	}
}

// announce broadcasts the final decision. The row is already durable, so a
// failed broadcast is logged and dropped rather than retried.
func (co *Coordinator) announce(ctx context.Context, c *Customer, v verdict) {
	co.timers.Cancel(deletionTimerKey(c.ID))
	now := time.Now().UTC().Format(time.RFC3339)

	var outcome events.DeletionOutcome
	switch v.decision {
	case decisionCancel:
		co.business.DeletionsCancelled.Inc()
		outcome = events.DeletionOutcome{
			Success:    false,
			Decision:   events.DecisionDeletionCancelled,
			CustomerID: c.ID,
			BlockedBy:  v.blockers,
			Message:    fmt.Sprintf("Customer deletion blocked by %d service(s)", len(v.blockers)),
		}
	case decisionCommit:
		co.business.DeletionsCommitted.Inc()
		outcome = events.DeletionOutcome{
			Success:    true,
			Decision:   events.DecisionCustomerDeleted,
			CustomerID: c.ID,
			Method:     v.method,
			Message:    "Customer successfully deleted after validation",
		}
	default:
		return
	}

	if err := co.publisher.Publish(ctx, events.TopicDeletionResult, events.DeletionResult{
		CustomerID:     c.ID,
		DeletionResult: outcome,
		Timestamp:      now,
		NotifiedBy:     events.ServiceAccounts,
	}); err != nil {
		co.logger.Warn("failed to publish deletion result",
			slog.String("customer_id", c.ID),
			slog.String("error", err.Error()),
		)
	}

	if v.decision == decisionCommit {
		if err := co.publisher.Publish(ctx, events.TopicDeletionCompleted, events.DeletionCompleted{
			CustomerID:  c.ID,
			Method:      v.method,
			CompletedAt: now,
		}); err != nil {
			co.logger.Warn("failed to publish deletion completion",
				slog.String("customer_id", c.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	co.logger.Info("deletion vote decided",
		slog.String("customer_id", c.ID),
		slog.String("decision", outcome.Decision),
		slog.String("method", v.method),
		slog.Int("blockers", len(v.blockers)),
	)
}

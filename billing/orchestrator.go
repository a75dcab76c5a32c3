package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/prietto/microservices-dapr/common/broker"
	"github.com/prietto/microservices-dapr/common/events"
	"github.com/prietto/microservices-dapr/common/metrics"
	"github.com/prietto/microservices-dapr/common/scheduler"
)

// Orchestrator drives the invoice saga. Every handler follows the same
// discipline: decide and persist inside one store.Update, publish only after
// the commit. Terminal invoices absorb late events into their per-stage
// status strings without ever changing status again.
type Orchestrator struct {
	store          InvoicesStore
	publisher      broker.Publisher
	timers         *scheduler.Scheduler
	logger         *slog.Logger
	business       *metrics.BusinessMetrics
	paymentTimeout time.Duration
}

func NewOrchestrator(
	store InvoicesStore,
	publisher broker.Publisher,
	timers *scheduler.Scheduler,
	logger *slog.Logger,
	business *metrics.BusinessMetrics,
	paymentTimeout time.Duration,
) *Orchestrator {
	return &Orchestrator{
		store:          store,
		publisher:      publisher,
		timers:         timers,
		logger:         logger,
		business:       business,
		paymentTimeout: paymentTimeout,
	}
}

func newInvoiceNumber() string {
	return "INV-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

func paymentTimerKey(invoiceID string) string {
	return "payment-timeout:" + invoiceID
}

// CreateInvoice persists a new invoice and kicks off both verification legs.
// The row is committed in processing before any check is published, so
// responses can never arrive for an invoice the store does not know.
func (o *Orchestrator) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*Invoice, error) {
	if req.CustomerID == "" {
		return nil, errors.New("customer_id is required")
	}
	if req.ProductID == "" {
		return nil, errors.New("product_id is required")
	}
	if req.Quantity < 1 {
		return nil, errors.New("quantity must be at least 1")
	}

	now := time.Now().UTC()
	inv := &Invoice{
		ID:            uuid.NewString(),
		InvoiceNumber: newInvoiceNumber(),
		CustomerID:    req.CustomerID,
		CustomerEmail: req.CustomerEmail,
		ProductID:     req.ProductID,
		Quantity:      req.Quantity,
		Currency:      "USD",
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.store.Create(ctx, inv); err != nil {
		return nil, err
	}
	o.business.InvoicesCreated.Inc()

	inv, err := o.store.Update(ctx, inv.ID, func(inv *Invoice) error {
		return transition(inv, eventStartProcessing)
	})
	if err != nil {
		return nil, err
	}

	if err := o.publisher.Publish(ctx, events.TopicInventoryCheck, events.InventoryCheck{
		InvoiceID: inv.ID,
		ProductID: inv.ProductID,
		Quantity:  inv.Quantity,
		Action:    events.ActionCheckForBilling,
	}); err != nil {
		return nil, o.failCreation(ctx, inv.ID, "inventory check", err)
	}

	if err := o.publisher.Publish(ctx, events.TopicCustomerCheck, events.CustomerCheck{
		InvoiceID:     inv.ID,
		CustomerID:    inv.CustomerID,
		CustomerEmail: inv.CustomerEmail,
		Action:        events.ActionCheckForBilling,
	}); err != nil {
		return nil, o.failCreation(ctx, inv.ID, "customer check", err)
	}

	o.logger.Info("invoice created",
		slog.String("invoice_id", inv.ID),
		slog.String("invoice_number", inv.InvoiceNumber),
		slog.String("customer_id", inv.CustomerID),
	)
	return inv, nil
}

// failCreation rolls a freshly created invoice to failed when one of the
// verification publishes never reached the broker.
func (o *Orchestrator) failCreation(ctx context.Context, invoiceID, what string, pubErr error) error {
	updated, err := o.store.Update(ctx, invoiceID, func(inv *Invoice) error {
		if isTerminal(inv.Status) {
			return nil
		}
		inv.AppendNote(fmt.Sprintf("Failed to publish %s: %s", what, pubErr))
		return transition(inv, eventFail)
	})
	if err != nil {
		o.logger.Error("failed to roll back invoice after publish error",
			slog.String("invoice_id", invoiceID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to publish %s: %w", what, errors.Join(ErrEventPublish, pubErr))
	}

	o.business.SagasFailed.Inc()
	o.notifyTerminal(ctx, updated)
	return fmt.Errorf("failed to publish %s: %w", what, errors.Join(ErrEventPublish, pubErr))
}

// HandleInventoryResponse advances the saga on inventory's verdict: reserve
// confirmed means request payment, otherwise the saga fails. A confirmation
// arriving after the invoice went terminal triggers a compensation so the
// reserved stock is not stranded.
func (o *Orchestrator) HandleInventoryResponse(ctx context.Context, resp events.InventoryResponse) error {
	var (
		requestPayment bool
		failed         bool
		lateReserved   bool
	)

	updated, err := o.store.Update(ctx, resp.InvoiceID, func(inv *Invoice) error {
		if isTerminal(inv.Status) {
			inv.InventoryStatus = fmt.Sprintf("late response ignored (invoice %s): %s", inv.Status, resp.Message)
			lateReserved = resp.Available && !inv.InventoryReserved
			return nil
		}
		if !resp.Available {
			inv.InventoryStatus = resp.Message
			inv.AppendNote(fmt.Sprintf("Insufficient inventory: %s", resp.Message))
			failed = true
			return transition(inv, eventFail)
		}

		if err := transition(inv, eventRequestPayment); err != nil {
			return err
		}
		inv.InventoryReserved = true
		inv.InventoryStatus = resp.Message
		inv.UnitPrice = resp.UnitPrice
		inv.TotalAmount = resp.UnitPrice * float64(inv.Quantity)
		inv.PaymentStatus = "initiated"
		inv.AppendNote(fmt.Sprintf("Inventory confirmed: %s. Requesting payment...", resp.Message))
		now := time.Now().UTC()
		inv.PaymentRequestedAt = &now
		requestPayment = true
		return nil
	})
	if errors.Is(err, ErrInvoiceNotFound) {
		o.logger.Warn("inventory response for unknown invoice", slog.String("invoice_id", resp.InvoiceID))
		return nil
	}
	if err != nil {
		return err
	}

	switch {
	case requestPayment:
		return o.requestPayment(ctx, updated)
	case failed:
		o.business.SagasFailed.Inc()
		o.notifyTerminal(ctx, updated)
	case lateReserved:
		o.compensateInventory(ctx, updated, "late inventory response after terminal status")
	}
	return nil
}

// requestPayment publishes the payment request and arms the timeout timer.
// A failed publish cancels the saga and restores the stock; the inventory
// response is not retried because the rollback already settled the invoice.
func (o *Orchestrator) requestPayment(ctx context.Context, inv *Invoice) error {
	err := o.publisher.Publish(ctx, events.TopicPaymentRequest, events.PaymentRequest{
		InvoiceID:   inv.ID,
		OrderID:     inv.ID,
		Amount:      inv.TotalAmount,
		CustomerID:  inv.CustomerID,
		ProductID:   inv.ProductID,
		Currency:    inv.Currency,
		Description: fmt.Sprintf("Payment for invoice %s", inv.ID),
		RequestedBy: events.ServiceBilling,
	})
	if err != nil {
		o.cancelAfterPaymentRequestFailure(ctx, inv.ID, err)
		return nil
	}

	deadline := time.Now().Add(o.paymentTimeout)
	if inv.PaymentRequestedAt != nil {
		deadline = inv.PaymentRequestedAt.Add(o.paymentTimeout)
	}
	o.schedulePaymentTimeout(inv.ID, deadline)

	o.logger.Info("payment requested",
		slog.String("invoice_id", inv.ID),
		slog.Float64("amount", inv.TotalAmount),
	)
	return nil
}

func (o *Orchestrator) schedulePaymentTimeout(invoiceID string, deadline time.Time) {
	o.timers.Schedule(paymentTimerKey(invoiceID), deadline, func(timerCtx context.Context) {
		if err := o.HandlePaymentTimeout(timerCtx, invoiceID); err != nil {
			o.logger.Error("payment timeout handling failed",
				slog.String("invoice_id", invoiceID),
				slog.String("error", err.Error()),
			)
		}
	})
}

// cancelAfterPaymentRequestFailure settles an invoice whose payment request
// never reached the broker: cancelled, stock restored.
func (o *Orchestrator) cancelAfterPaymentRequestFailure(ctx context.Context, invoiceID string, pubErr error) {
	var reserved bool
	updated, err := o.store.Update(ctx, invoiceID, func(inv *Invoice) error {
		if isTerminal(inv.Status) {
			return nil
		}
		inv.PaymentStatus = fmt.Sprintf("request failed: %s", pubErr)
		inv.AppendNote(fmt.Sprintf("Payment request failed: %s. Inventory compensation triggered.", pubErr))
		reserved = inv.InventoryReserved
		return transition(inv, eventCancel)
	})
	if err != nil {
		o.logger.Error("failed to cancel invoice after payment request failure",
			slog.String("invoice_id", invoiceID),
			slog.String("error", err.Error()),
		)
		return
	}

	o.business.SagasCancelled.Inc()
	if reserved {
		o.compensateInventory(ctx, updated, fmt.Sprintf("Payment request failed: %s", pubErr))
	}
	o.notifyTerminal(ctx, updated)
}

// HandleCustomerResponse fails the saga when the customer cannot be
// verified. Positive verdicts only annotate; payment is driven by the
// inventory leg, so arrival order between the two legs is immaterial.
func (o *Orchestrator) HandleCustomerResponse(ctx context.Context, resp events.CustomerResponse) error {
	verified := resp.CustomerExists && resp.Error == ""

	var (
		failed   bool
		reserved bool
	)
	updated, err := o.store.Update(ctx, resp.InvoiceID, func(inv *Invoice) error {
		if isTerminal(inv.Status) {
			inv.CustomerStatus = fmt.Sprintf("late response ignored (invoice %s)", inv.Status)
			return nil
		}
		if verified {
			if resp.CustomerCreated {
				inv.CustomerStatus = fmt.Sprintf("created on the fly: %s", resp.CustomerID)
			} else {
				inv.CustomerStatus = fmt.Sprintf("verified: %s", resp.CustomerID)
			}
			return nil
		}

		reason := resp.Error
		if reason == "" {
			reason = "customer not found"
		}
		inv.CustomerStatus = reason
		inv.AppendNote(fmt.Sprintf("Customer verification failed: %s", reason))
		failed = true
		reserved = inv.InventoryReserved
		return transition(inv, eventFail)
	})
	if errors.Is(err, ErrInvoiceNotFound) {
		o.logger.Warn("customer response for unknown invoice", slog.String("invoice_id", resp.InvoiceID))
		return nil
	}
	if err != nil {
		return err
	}

	if failed {
		o.timers.Cancel(paymentTimerKey(updated.ID))
		o.business.SagasFailed.Inc()
		if reserved {
			o.compensateInventory(ctx, updated, "customer verification failed")
		}
		o.notifyTerminal(ctx, updated)
	}
	return nil
}

// HandlePaymentCompleted closes the saga. Some publishers only set order_id,
// so both identifiers are accepted.
func (o *Orchestrator) HandlePaymentCompleted(ctx context.Context, evt events.PaymentCompleted) error {
	invoiceID := evt.InvoiceID
	if invoiceID == "" {
		invoiceID = evt.OrderID
	}
	if invoiceID == "" {
		o.logger.Warn("payment completion without invoice reference")
		return nil
	}

	var completed bool
	updated, err := o.store.Update(ctx, invoiceID, func(inv *Invoice) error {
		if inv.Status != StatusPaymentProcessing {
			inv.PaymentStatus = fmt.Sprintf("late payment-completed ignored (invoice %s, tx %s)", inv.Status, evt.TransactionID)
			return nil
		}
		inv.PaymentStatus = fmt.Sprintf("completed (tx %s)", evt.TransactionID)
		inv.AppendNote(fmt.Sprintf("Payment completed successfully. Transaction ID: %s, Amount: $%v", evt.TransactionID, evt.Amount))
		completed = true
		return transition(inv, eventComplete)
	})
	if errors.Is(err, ErrInvoiceNotFound) {
		o.logger.Warn("payment completion for unknown invoice", slog.String("invoice_id", invoiceID))
		return nil
	}
	if err != nil {
		return err
	}

	if completed {
		o.timers.Cancel(paymentTimerKey(updated.ID))
		o.business.SagasCompleted.Inc()
		o.notifyTerminal(ctx, updated)
		o.logger.Info("invoice completed",
			slog.String("invoice_id", updated.ID),
			slog.String("transaction_id", evt.TransactionID),
		)
	}
	return nil
}

// HandlePaymentFailed fails the saga and restores the reserved stock.
func (o *Orchestrator) HandlePaymentFailed(ctx context.Context, evt events.PaymentFailed) error {
	invoiceID := evt.InvoiceID
	if invoiceID == "" {
		invoiceID = evt.OrderID
	}
	if invoiceID == "" {
		o.logger.Warn("payment failure without invoice reference")
		return nil
	}

	var (
		failed   bool
		reserved bool
	)
	updated, err := o.store.Update(ctx, invoiceID, func(inv *Invoice) error {
		if isTerminal(inv.Status) {
			inv.PaymentStatus = fmt.Sprintf("late payment-failed ignored (invoice %s): %s", inv.Status, evt.Reason)
			return nil
		}
		inv.PaymentStatus = fmt.Sprintf("failed: %s", evt.Reason)
		inv.AppendNote(fmt.Sprintf("Payment failed: %s. Details: %s. Inventory compensated.", evt.Reason, evt.ErrorDetails))
		failed = true
		reserved = inv.InventoryReserved
		return transition(inv, eventFail)
	})
	if errors.Is(err, ErrInvoiceNotFound) {
		o.logger.Warn("payment failure for unknown invoice", slog.String("invoice_id", invoiceID))
		return nil
	}
	if err != nil {
		return err
	}

	if failed {
		o.timers.Cancel(paymentTimerKey(updated.ID))
		o.business.SagasFailed.Inc()
		if reserved {
			o.compensateInventory(ctx, updated, fmt.Sprintf("Payment failed: %s", evt.Reason))
		}
		o.notifyTerminal(ctx, updated)
	}
	return nil
}

// HandlePaymentTimeout fires when no payment verdict arrived inside the
// window. A verdict that raced past the timer wins: the invoice is only
// cancelled while still in payment_processing.
func (o *Orchestrator) HandlePaymentTimeout(ctx context.Context, invoiceID string) error {
	var (
		timedOut bool
		reserved bool
	)
	updated, err := o.store.Update(ctx, invoiceID, func(inv *Invoice) error {
		if inv.Status != StatusPaymentProcessing {
			return nil
		}
		inv.PaymentStatus = fmt.Sprintf("timeout after %ds waiting for payment confirmation", int(o.paymentTimeout.Seconds()))
		inv.AppendNote(fmt.Sprintf("Payment timed out after %s. Inventory compensated.", o.paymentTimeout))
		timedOut = true
		reserved = inv.InventoryReserved
		return transition(inv, eventCancel)
	})
	if errors.Is(err, ErrInvoiceNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if timedOut {
		o.business.SagasCancelled.Inc()
		if reserved {
			o.compensateInventory(ctx, updated, "payment timeout")
		}
		o.notifyTerminal(ctx, updated)
		o.logger.Warn("payment timed out", slog.String("invoice_id", invoiceID))
	}
	return nil
}

// HandleInventoryCompensated records the restock confirmation. Inventory
// republishes the identical confirmation for duplicate compensations, so the
// note is deduplicated instead of repeated.
func (o *Orchestrator) HandleInventoryCompensated(ctx context.Context, evt events.InventoryCompensated) error {
	_, err := o.store.Update(ctx, evt.InvoiceID, func(inv *Invoice) error {
		if evt.CompensationSuccessful {
			appendNoteOnce(inv, fmt.Sprintf("[COMPENSATED] Restored %d units to inventory", evt.QuantityRestored))
			inv.InventoryReserved = false
			return nil
		}
		appendNoteOnce(inv, fmt.Sprintf("Compensation failed: %s", evt.Error))
		return nil
	})
	if errors.Is(err, ErrInvoiceNotFound) {
		o.logger.Warn("compensation confirmation for unknown invoice", slog.String("invoice_id", evt.InvoiceID))
		return nil
	}
	return err
}

// HandleBillingCompensate cancels an invoice on behalf of an external
// service.
func (o *Orchestrator) HandleBillingCompensate(ctx context.Context, evt events.BillingCompensate) error {
	var (
		cancelled bool
		reserved  bool
	)
	updated, err := o.store.Update(ctx, evt.InvoiceID, func(inv *Invoice) error {
		if isTerminal(inv.Status) {
			appendNoteOnce(inv, fmt.Sprintf("Late compensation request ignored: invoice already %s", inv.Status))
			return nil
		}
		inv.AppendNote(fmt.Sprintf("Compensated by external service: %s", evt.Reason))
		cancelled = true
		reserved = inv.InventoryReserved
		return transition(inv, eventCancel)
	})
	if errors.Is(err, ErrInvoiceNotFound) {
		o.logger.Warn("compensation request for unknown invoice", slog.String("invoice_id", evt.InvoiceID))
		return nil
	}
	if err != nil {
		return err
	}

	if cancelled {
		o.timers.Cancel(paymentTimerKey(updated.ID))
		o.business.SagasCancelled.Inc()
		if reserved {
			o.compensateInventory(ctx, updated, evt.Reason)
		}
		o.notifyTerminal(ctx, updated)
	}
	return nil
}

// SweepStalePayments cancels invoices whose payment deadline passed while no
// timer was armed, which happens after a crash. Runs at startup and on a
// ticker.
func (o *Orchestrator) SweepStalePayments(ctx context.Context) {
	stale, err := o.store.ListStalePaymentProcessing(ctx, time.Now().Add(-o.paymentTimeout))
	if err != nil {
		o.logger.Error("stale payment sweep failed", slog.String("error", err.Error()))
		return
	}

	for _, inv := range stale {
		if o.timers.Pending(paymentTimerKey(inv.ID)) {
			continue
		}
		if err := o.HandlePaymentTimeout(ctx, inv.ID); err != nil {
			o.logger.Error("payment timeout handling failed",
				slog.String("invoice_id", inv.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if len(stale) > 0 {
		o.logger.Info("stale payment sweep finished", slog.Int("count", len(stale)))
	}
}

func (o *Orchestrator) GetInvoice(ctx context.Context, idOrNumber string) (*Invoice, error) {
	if strings.HasPrefix(idOrNumber, "INV-") {
		return o.store.GetByNumber(ctx, idOrNumber)
	}
	return o.store.Get(ctx, idOrNumber)
}

func (o *Orchestrator) ListInvoices(ctx context.Context, status string, limit int) ([]*Invoice, error) {
	return o.store.List(ctx, status, limit)
}

// compensateInventory publishes the restock command. Best effort: a failed
// publish is logged and the stale-payment sweep or an operator replay
// through billing-compensate recovers.
func (o *Orchestrator) compensateInventory(ctx context.Context, inv *Invoice, reason string) {
	err := o.publisher.Publish(ctx, events.TopicCompensateInventory, events.CompensateInventory{
		InvoiceID:        inv.ID,
		ProductID:        inv.ProductID,
		Quantity:         inv.Quantity,
		Reason:           reason,
		CompensationType: events.CompensationRestoreInventory,
		TriggeredBy:      events.ServiceBilling,
	})
	if err != nil {
		o.logger.Error("failed to publish compensation",
			slog.String("invoice_id", inv.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	o.business.CompensationsRequested.Inc()
	o.logger.Info("compensation requested",
		slog.String("invoice_id", inv.ID),
		slog.String("reason", reason),
	)
}

// notifyTerminal announces a terminal status. Best effort.
func (o *Orchestrator) notifyTerminal(ctx context.Context, inv *Invoice) {
	message := inv.Notes
	if i := strings.LastIndex(message, "\n"); i >= 0 {
		message = message[i+1:]
	}
	err := o.publisher.Publish(ctx, events.TopicInvoiceNotification, events.InvoiceNotification{
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.InvoiceNumber,
		CustomerID:    inv.CustomerID,
		CustomerEmail: inv.CustomerEmail,
		Status:        inv.Status,
		Message:       message,
	})
	if err != nil {
		o.logger.Warn("failed to publish invoice notification",
			slog.String("invoice_id", inv.ID),
			slog.String("error", err.Error()),
		)
	}
}

// appendNoteOnce appends only if absent: redeliveries of the same event
// produce the same text and must not grow the trail.
func appendNoteOnce(inv *Invoice, note string) {
	if strings.Contains(inv.Notes, note) {
		return
	}
	inv.AppendNote(note)
}

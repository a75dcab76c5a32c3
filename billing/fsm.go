package main

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
)

// Lifecycle events accepted by the invoice state machine.
const (
	eventStartProcessing = "start_processing"
	eventRequestPayment  = "request_payment"
	eventComplete        = "complete"
	eventFail            = "fail"
	eventCancel          = "cancel"
)

// newInvoiceFSM builds the state machine positioned at current. Terminal
// states have no outgoing transitions, so any event against them errors and
// the caller falls back to an audit note.
func newInvoiceFSM(current string) *fsm.FSM {
	return fsm.NewFSM(
		current,
		fsm.Events{
			{Name: eventStartProcessing, Src: []string{StatusPending}, Dst: StatusProcessing},
			{Name: eventRequestPayment, Src: []string{StatusProcessing}, Dst: StatusPaymentProcessing},
			{Name: eventComplete, Src: []string{StatusPaymentProcessing}, Dst: StatusCompleted},
			{Name: eventFail, Src: []string{StatusPending, StatusProcessing, StatusPaymentProcessing}, Dst: StatusFailed},
			{Name: eventCancel, Src: []string{StatusPending, StatusProcessing, StatusPaymentProcessing}, Dst: StatusCancelled},
		},
		fsm.Callbacks{},
	)
}

// transition applies one lifecycle event to the invoice, updating Status on
// success. Invalid transitions leave the invoice untouched.
func transition(inv *Invoice, event string) error {
	m := newInvoiceFSM(inv.Status)
	if err := m.Event(context.Background(), event); err != nil {
		return fmt.Errorf("cannot %s invoice %s in status %s: %w", event, inv.ID, inv.Status, err)
	}
	inv.Status = m.Current()
	return nil
}

// isTerminal reports whether status absorbs all further saga events.
func isTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

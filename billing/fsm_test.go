package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHappyPathTransitions(t *testing.T) {
	inv := &Invoice{ID: "inv-1", Status: StatusPending}

	require.NoError(t, transition(inv, eventStartProcessing))
	assert.Equal(t, StatusProcessing, inv.Status)

	require.NoError(t, transition(inv, eventRequestPayment))
	assert.Equal(t, StatusPaymentProcessing, inv.Status)

	require.NoError(t, transition(inv, eventComplete))
	assert.Equal(t, StatusCompleted, inv.Status)
}

func TestFailAllowedFromEveryActiveState(t *testing.T) {
	for _, status := range []string{StatusPending, StatusProcessing, StatusPaymentProcessing} {
		inv := &Invoice{ID: "inv-1", Status: status}
		require.NoError(t, transition(inv, eventFail), "fail from %s", status)
		assert.Equal(t, StatusFailed, inv.Status)
	}
}

func TestCancelAllowedFromEveryActiveState(t *testing.T) {
	for _, status := range []string{StatusPending, StatusProcessing, StatusPaymentProcessing} {
		inv := &Invoice{ID: "inv-1", Status: status}
		require.NoError(t, transition(inv, eventCancel), "cancel from %s", status)
		assert.Equal(t, StatusCancelled, inv.Status)
	}
}

func TestTerminalStatesAbsorbEvents(t *testing.T) {
	for _, status := range []string{StatusCompleted, StatusFailed, StatusCancelled} {
		for _, event := range []string{eventStartProcessing, eventRequestPayment, eventComplete, eventFail, eventCancel} {
			inv := &Invoice{ID: "inv-1", Status: status}
			err := transition(inv, event)
			assert.Error(t, err, "%s from %s must not transition", event, status)
			assert.Equal(t, status, inv.Status, "status must stay %s", status)
		}
	}
}

func TestCompleteRequiresPaymentProcessing(t *testing.T) {
	inv := &Invoice{ID: "inv-1", Status: StatusProcessing}
	assert.Error(t, transition(inv, eventComplete))
	assert.Equal(t, StatusProcessing, inv.Status)
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, isTerminal(StatusCompleted))
	assert.True(t, isTerminal(StatusFailed))
	assert.True(t, isTerminal(StatusCancelled))
	assert.False(t, isTerminal(StatusPending))
	assert.False(t, isTerminal(StatusProcessing))
	assert.False(t, isTerminal(StatusPaymentProcessing))
}

package processor

import (
	"context"
	"fmt"
)

// Simulated approves or declines by rule so that no external account is
// needed for local runs. The verdict is a pure function of the request,
// which keeps redelivered requests landing on the same answer.
type Simulated struct {
	maxAmount float64
}

// NewSimulatedProcessor caps approvals at maxAmount. Anything above the cap
// is declined, which is how the demo scenarios force payment failures.
func NewSimulatedProcessor(maxAmount float64) *Simulated {
	return &Simulated{maxAmount: maxAmount}
}

func (s *Simulated) Name() string { return "simulated" }

func (s *Simulated) Authorize(ctx context.Context, req AuthorizationRequest) (AuthorizationResult, error) {
	switch {
	case req.Amount <= 0:
		return AuthorizationResult{
			Reason:  "invalid amount",
			Details: fmt.Sprintf("amount must be positive, got %.2f", req.Amount),
		}, nil
	case req.Amount > s.maxAmount:
		return AuthorizationResult{
			Reason:  "amount exceeds authorization limit",
			Details: fmt.Sprintf("amount %.2f exceeds limit %.2f", req.Amount, s.maxAmount),
		}, nil
	default:
		return AuthorizationResult{
			Approved:  true,
			Reference: "SIM-" + req.InvoiceID,
		}, nil
	}
}

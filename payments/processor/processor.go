// Package processor authorizes charges. Two implementations exist: the
// Stripe-backed one used when a secret key is configured, and a
// deterministic simulator for everything else. Both answer declines as
// results, not errors; an error from Authorize means the verdict is unknown
// and the request must be retried.
package processor

import "context"

// AuthorizationRequest describes one charge to authorize.
type AuthorizationRequest struct {
	InvoiceID   string
	CustomerID  string
	Amount      float64
	Currency    string
	Description string
}

// AuthorizationResult is the processor's verdict. Reason and Details are
// set on declines; Reference is the processor-side identifier when one
// exists.
type AuthorizationResult struct {
	Approved  bool
	Reason    string
	Details   string
	Reference string
}

type PaymentProcessor interface {
	// Name tags stored transactions with the processor that produced them.
	Name() string
	Authorize(ctx context.Context, req AuthorizationRequest) (AuthorizationResult, error)
}

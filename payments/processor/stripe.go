package processor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/paymentintent"
)

// testPaymentMethod keeps the flow non-interactive: the saga has no user in
// the loop to complete a checkout, so intents are confirmed server-side
// against Stripe's shared test card.
const testPaymentMethod = "pm_card_visa"

// Stripe authorizes charges through the Stripe API using PaymentIntents.
type Stripe struct{}

// NewStripeProcessor sets the global API key used by the Stripe SDK.
func NewStripeProcessor(apiKey string) *Stripe {
	stripe.Key = apiKey
	return &Stripe{}
}

func (s *Stripe) Name() string { return "stripe" }

// Authorize creates and confirms a PaymentIntent for the requested amount.
// Card declines come back as declined results; transport and API errors are
// returned as errors so the request is retried.
func (s *Stripe) Authorize(ctx context.Context, req AuthorizationRequest) (AuthorizationResult, error) {
	cents := int64(math.Round(req.Amount * 100))
	if cents <= 0 {
		return AuthorizationResult{
			Reason:  "invalid amount",
			Details: fmt.Sprintf("amount must be positive, got %.2f", req.Amount),
		}, nil
	}

	currency := strings.ToLower(req.Currency)
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}

	params := &stripe.PaymentIntentParams{
		Params:             stripe.Params{Context: ctx},
		Amount:             stripe.Int64(cents),
		Currency:           stripe.String(currency),
		PaymentMethod:      stripe.String(testPaymentMethod),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Confirm:            stripe.Bool(true),
		Description:        stripe.String(req.Description),
		Metadata: map[string]string{
			"invoiceID":  req.InvoiceID,
			"customerID": req.CustomerID,
		},
	}

	intent, err := paymentintent.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			reason := string(stripeErr.DeclineCode)
			if reason == "" {
				reason = string(stripeErr.Code)
			}
			result := AuthorizationResult{
				Reason:  reason,
				Details: stripeErr.Msg,
			}
			if stripeErr.PaymentIntent != nil {
				result.Reference = stripeErr.PaymentIntent.ID
			}
			return result, nil
		}
		return AuthorizationResult{}, fmt.Errorf("failed to create stripe payment intent: %w", err)
	}

	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		return AuthorizationResult{
			Reason:    fmt.Sprintf("payment intent %s", intent.Status),
			Details:   "intent requires further action, which the saga cannot provide",
			Reference: intent.ID,
		}, nil
	}

	return AuthorizationResult{
		Approved:  true,
		Reference: intent.ID,
	}, nil
}

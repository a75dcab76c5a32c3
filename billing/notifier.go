package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prietto/microservices-dapr/common/events"
)

// Notifier plays the email service: it consumes terminal invoice
// notifications and logs the message that would have been sent. No real
// mail provider is wired up.
type Notifier struct {
	logger *slog.Logger
}

func NewNotifier(logger *slog.Logger) *Notifier {
	return &Notifier{logger: logger}
}

func (n *Notifier) HandleInvoiceNotification(ctx context.Context, evt events.InvoiceNotification) error {
	to := evt.CustomerEmail
	if to == "" {
		to = "customer@example.com"
	}
	subject := fmt.Sprintf("Invoice %s - %s", evt.InvoiceNumber, evt.Status)

	n.logger.Info("email sent",
		slog.String("to", to),
		slog.String("subject", subject),
		slog.String("invoice_id", evt.InvoiceID),
		slog.String("message", evt.Message),
	)
	return nil
}

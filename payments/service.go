package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/prietto/microservices-dapr/common/broker"
	"github.com/prietto/microservices-dapr/common/events"
	"github.com/prietto/microservices-dapr/common/metrics"
	"github.com/prietto/microservices-dapr/payments/processor"
)

// PaymentService authorizes charges for the invoice saga. The transaction
// ledger doubles as the idempotency record: the first delivery of a payment
// request decides the verdict, every later delivery republishes it.
type PaymentService struct {
	store     TransactionStore
	processor processor.PaymentProcessor
	publisher broker.Publisher
	logger    *slog.Logger
	business  *metrics.BusinessMetrics
}

func NewPaymentService(
	store TransactionStore,
	proc processor.PaymentProcessor,
	publisher broker.Publisher,
	logger *slog.Logger,
	business *metrics.BusinessMetrics,
) *PaymentService {
	return &PaymentService{
		store:     store,
		processor: proc,
		publisher: publisher,
		logger:    logger,
		business:  business,
	}
}

func newTransactionID() string {
	return "TXN-" + uuid.NewString()
}

// HandlePaymentRequest authorizes one charge. Exactly one transaction per
// invoice: a request for an invoice the ledger already knows republishes the
// stored verdict without touching the processor, and two deliveries racing
// past that check collapse on the ledger's unique index.
func (s *PaymentService) HandlePaymentRequest(ctx context.Context, req events.PaymentRequest) error {
	invoiceID := req.InvoiceID
	if invoiceID == "" {
		invoiceID = req.OrderID
	}
	if invoiceID == "" {
		s.logger.Warn("payment request without invoice reference")
		return nil
	}

	txn, err := s.store.GetByInvoiceID(ctx, invoiceID)
	switch {
	case err == nil:
		s.logger.Info("duplicate payment request, republishing verdict",
			slog.String("invoice_id", invoiceID),
			slog.String("transaction_id", txn.TransactionID),
			slog.String("status", txn.Status),
		)
		return s.publishVerdict(ctx, txn)
	case !errors.Is(err, ErrTransactionNotFound):
		return fmt.Errorf("failed to check for prior transaction: %w", err)
	}

	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}

	start := time.Now()
	result, err := s.processor.Authorize(ctx, processor.AuthorizationRequest{
		InvoiceID:   invoiceID,
		CustomerID:  req.CustomerID,
		Amount:      req.Amount,
		Currency:    currency,
		Description: req.Description,
	})
	s.business.ProcessorDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		// Verdict unknown: no ledger row, no event. The retry path
		// redelivers the request.
		return fmt.Errorf("payment processor failure: %w", err)
	}

	txn = &Transaction{
		TransactionID: newTransactionID(),
		InvoiceID:     invoiceID,
		OrderID:       req.OrderID,
		CustomerID:    req.CustomerID,
		Amount:        req.Amount,
		Currency:      currency,
		Status:        TxnStatusCompleted,
		Details:       result.Details,
		Processor:     s.processor.Name(),
		ProcessorRef:  result.Reference,
		CreatedAt:     time.Now().UTC(),
	}
	if !result.Approved {
		txn.Status = TxnStatusFailed
		txn.Reason = result.Reason
	}

	if err := s.store.Insert(ctx, txn); err != nil {
		if errors.Is(err, ErrDuplicateTransaction) {
			// A concurrent delivery won the insert; its verdict is the
			// one the saga already acts on.
			prior, getErr := s.store.GetByInvoiceID(ctx, invoiceID)
			if getErr != nil {
				return fmt.Errorf("failed to load winning transaction: %w", getErr)
			}
			return s.publishVerdict(ctx, prior)
		}
		return fmt.Errorf("failed to record transaction: %w", err)
	}

	if result.Approved {
		s.business.PaymentsAuthorized.Inc()
		s.logger.Info("payment authorized",
			slog.String("invoice_id", invoiceID),
			slog.String("transaction_id", txn.TransactionID),
			slog.Float64("amount", txn.Amount),
			slog.String("processor", txn.Processor),
		)
	} else {
		s.business.PaymentsDeclined.Inc()
		s.logger.Warn("payment declined",
			slog.String("invoice_id", invoiceID),
			slog.String("transaction_id", txn.TransactionID),
			slog.Float64("amount", txn.Amount),
			slog.String("reason", txn.Reason),
		)
	}

	return s.publishVerdict(ctx, txn)
}

// publishVerdict reports a stored transaction back to billing. Derived from
// the ledger row only, so originals and republished duplicates carry the
// same content.
func (s *PaymentService) publishVerdict(ctx context.Context, txn *Transaction) error {
	if txn.Status == TxnStatusCompleted {
		err := s.publisher.Publish(ctx, events.TopicPaymentCompleted, events.PaymentCompleted{
			InvoiceID:     txn.InvoiceID,
			OrderID:       txn.OrderID,
			TransactionID: txn.TransactionID,
			Amount:        txn.Amount,
			Status:        TxnStatusCompleted,
		})
		if err != nil {
			return fmt.Errorf("failed to publish payment completion: %w", err)
		}
		return nil
	}

	err := s.publisher.Publish(ctx, events.TopicPaymentFailed, events.PaymentFailed{
		InvoiceID:    txn.InvoiceID,
		OrderID:      txn.OrderID,
		Reason:       txn.Reason,
		ErrorDetails: txn.Details,
	})
	if err != nil {
		return fmt.Errorf("failed to publish payment failure: %w", err)
	}
	return nil
}

func (s *PaymentService) GetTransaction(ctx context.Context, invoiceID string) (*Transaction, error) {
	return s.store.GetByInvoiceID(ctx, invoiceID)
}

func (s *PaymentService) ListTransactions(ctx context.Context, customerID string, limit int) ([]*Transaction, error) {
	return s.store.ListByCustomer(ctx, customerID, limit)
}

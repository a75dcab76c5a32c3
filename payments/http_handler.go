package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prietto/microservices-dapr/common/broker"
	"github.com/prietto/microservices-dapr/common/events"
	"github.com/prietto/microservices-dapr/common/metrics"
)

// httpHandler exposes read-only views of the transaction ledger. Writes only
// ever arrive through the bus: a payment exists because a request event did.
type httpHandler struct {
	service *PaymentService
	bus     *broker.EventBus
	logger  *slog.Logger
	metrics *metrics.HTTPMetrics
}

func newHTTPHandler(svc *PaymentService, bus *broker.EventBus, logger *slog.Logger, httpMetrics *metrics.HTTPMetrics) *httpHandler {
	return &httpHandler{
		service: svc,
		bus:     bus,
		logger:  logger,
		metrics: httpMetrics,
	}
}

func (h *httpHandler) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/transactions", h.instrument("/api/v1/transactions", h.handleListTransactions))
	mux.HandleFunc("GET /api/v1/transactions/{invoiceID}", h.instrument("/api/v1/transactions/{invoiceID}", h.handleGetTransaction))
	mux.HandleFunc("GET /dapr/subscribe", h.handleSubscriptions)
	mux.HandleFunc("GET /health", h.handleHealth)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (h *httpHandler) instrument(path string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		h.metrics.RecordHTTPRequest(r.Method, path, strconv.Itoa(rec.status), time.Since(start))
	}
}

func (h *httpHandler) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	invoiceID := r.PathValue("invoiceID")

	txn, err := h.service.GetTransaction(r.Context(), invoiceID)
	if errors.Is(err, ErrTransactionNotFound) {
		http.Error(w, "Transaction not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("failed to get transaction",
			slog.String("invoice_id", invoiceID),
			slog.Any("error", err),
		)
		http.Error(w, "Failed to get transaction", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(txn)
}

func (h *httpHandler) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	customerID := r.URL.Query().Get("customer_id")
	if customerID == "" {
		http.Error(w, "customer_id query parameter is required", http.StatusBadRequest)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	txns, err := h.service.ListTransactions(r.Context(), customerID, limit)
	if err != nil {
		h.logger.Error("failed to list transactions",
			slog.String("customer_id", customerID),
			slog.Any("error", err),
		)
		http.Error(w, "Failed to list transactions", http.StatusInternalServerError)
		return
	}
	if txns == nil {
		txns = []*Transaction{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(txns)
}

func (h *httpHandler) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(h.bus.Subscriptions())
}

func (h *httpHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": events.ServicePayment,
	})
}

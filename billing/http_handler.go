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

type httpHandler struct {
	orchestrator *Orchestrator
	bus          *broker.EventBus
	management   *broker.ManagementClient
	logger       *slog.Logger
	metrics      *metrics.HTTPMetrics
}

func newHTTPHandler(orch *Orchestrator, bus *broker.EventBus, management *broker.ManagementClient, logger *slog.Logger, httpMetrics *metrics.HTTPMetrics) *httpHandler {
	return &httpHandler{
		orchestrator: orch,
		bus:          bus,
		management:   management,
		logger:       logger,
		metrics:      httpMetrics,
	}
}

func (h *httpHandler) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/create-invoice", h.instrument("/api/v1/create-invoice", h.handleCreateInvoice))
	mux.HandleFunc("GET /api/v1/invoices", h.instrument("/api/v1/invoices", h.handleListInvoices))
	mux.HandleFunc("GET /api/v1/invoices/{id}", h.instrument("/api/v1/invoices/{id}", h.handleGetInvoice))
	mux.HandleFunc("GET /api/v1/queue-status", h.instrument("/api/v1/queue-status", h.handleQueueStatus))
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

func (h *httpHandler) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.CustomerID == "" || req.ProductID == "" || req.Quantity < 1 {
		http.Error(w, "customer_id, product_id and a positive quantity are required", http.StatusBadRequest)
		return
	}

	inv, err := h.orchestrator.CreateInvoice(r.Context(), req)
	if err != nil {
		h.logger.Error("failed to create invoice",
			slog.String("customer_id", req.CustomerID),
			slog.Any("error", err),
		)
		if errors.Is(err, ErrEventPublish) {
			http.Error(w, "Failed to start invoice verification", http.StatusBadGateway)
			return
		}
		http.Error(w, "Failed to create invoice", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(inv)
}

func (h *httpHandler) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	invoices, err := h.orchestrator.ListInvoices(r.Context(), status, limit)
	if err != nil {
		h.logger.Error("failed to list invoices", slog.Any("error", err))
		http.Error(w, "Failed to list invoices", http.StatusInternalServerError)
		return
	}
	if invoices == nil {
		invoices = []*Invoice{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(invoices)
}

func (h *httpHandler) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	inv, err := h.orchestrator.GetInvoice(r.Context(), id)
	if errors.Is(err, ErrInvoiceNotFound) {
		http.Error(w, "Invoice not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("failed to get invoice",
			slog.String("invoice_id", id),
			slog.Any("error", err),
		)
		http.Error(w, "Failed to get invoice", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(inv)
}

type queueStatus struct {
	Queue         string `json:"queue"`
	Topic         string `json:"topic"`
	Messages      int    `json:"messages"`
	MessagesReady int    `json:"messages_ready"`
	Consumers     int    `json:"consumers"`
	State         string `json:"state"`
	Error         string `json:"error,omitempty"`
}

type queueStatusResponse struct {
	Service              string        `json:"service"`
	Queues               []queueStatus `json:"queues"`
	TotalPendingMessages int           `json:"total_pending_messages"`
}

// handleQueueStatus reports this service's consumer queues from the RabbitMQ
// management API. Debug only; a queue that cannot be read is reported with
// its error instead of failing the whole response.
func (h *httpHandler) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if h.management == nil {
		http.Error(w, "Queue inspection is not configured", http.StatusServiceUnavailable)
		return
	}

	resp := queueStatusResponse{
		Service: events.ServiceBilling,
		Queues:  []queueStatus{},
	}
	for _, sub := range h.bus.Subscriptions() {
		entry := queueStatus{Queue: sub.Queue, Topic: sub.Topic, State: "unknown"}
		info, err := h.management.Queue(r.Context(), sub.Queue)
		if err != nil {
			entry.Error = err.Error()
		} else {
			entry.Messages = info.Messages
			entry.MessagesReady = info.MessagesReady
			entry.Consumers = info.Consumers
			entry.State = info.State
			resp.TotalPendingMessages += info.Messages
		}
		resp.Queues = append(resp.Queues, entry)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
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
		"service": events.ServiceBilling,
	})
}

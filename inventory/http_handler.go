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
	service    *InventoryService
	bus        *broker.EventBus
	management *broker.ManagementClient
	logger     *slog.Logger
	metrics    *metrics.HTTPMetrics
}

func newHTTPHandler(svc *InventoryService, bus *broker.EventBus, management *broker.ManagementClient, logger *slog.Logger, httpMetrics *metrics.HTTPMetrics) *httpHandler {
	return &httpHandler{
		service:    svc,
		bus:        bus,
		management: management,
		logger:     logger,
		metrics:    httpMetrics,
	}
}

func (h *httpHandler) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/items", h.instrument("/api/v1/items", h.handleCreateItem))
	mux.HandleFunc("GET /api/v1/items", h.instrument("/api/v1/items", h.handleListItems))
	mux.HandleFunc("GET /api/v1/items/{productID}", h.instrument("/api/v1/items/{productID}", h.handleGetItem))
	mux.HandleFunc("PUT /api/v1/items/{productID}", h.instrument("/api/v1/items/{productID}", h.handleUpdateItem))
	mux.HandleFunc("PATCH /api/v1/items/{productID}/stock", h.instrument("/api/v1/items/{productID}/stock", h.handleAdjustStock))
	mux.HandleFunc("POST /api/v1/seed", h.instrument("/api/v1/seed", h.handleSeed))
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

func (h *httpHandler) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var req CreateItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	item, err := h.service.CreateItem(r.Context(), req)
	if errors.Is(err, ErrProductExists) {
		http.Error(w, "Product already exists", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(item)
}

func (h *httpHandler) handleListItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.ListItems(r.Context())
	if err != nil {
		h.logger.Error("failed to list items", slog.Any("error", err))
		http.Error(w, "Failed to list items", http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []*Item{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(items)
}

func (h *httpHandler) handleGetItem(w http.ResponseWriter, r *http.Request) {
	productID := r.PathValue("productID")

	item, err := h.service.GetItem(r.Context(), productID)
	if errors.Is(err, ErrItemNotFound) {
		http.Error(w, "Product not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("failed to get item",
			slog.String("product_id", productID),
			slog.Any("error", err),
		)
		http.Error(w, "Failed to get item", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(item)
}

func (h *httpHandler) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	productID := r.PathValue("productID")

	var req UpdateItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	item, err := h.service.UpdateItem(r.Context(), productID, req)
	if errors.Is(err, ErrItemNotFound) {
		http.Error(w, "Product not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(item)
}

func (h *httpHandler) handleAdjustStock(w http.ResponseWriter, r *http.Request) {
	productID := r.PathValue("productID")

	var req AdjustStockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	item, err := h.service.AdjustStock(r.Context(), productID, req.Delta)
	switch {
	case errors.Is(err, ErrItemNotFound):
		http.Error(w, "Product not found", http.StatusNotFound)
		return
	case errors.Is(err, ErrInsufficientStock):
		http.Error(w, "Insufficient stock for adjustment", http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(item)
}

func (h *httpHandler) handleSeed(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.Seed(r.Context())
	if err != nil {
		h.logger.Error("failed to seed catalog", slog.Any("error", err))
		http.Error(w, "Failed to seed catalog", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(items)
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
// management API. Debug only.
func (h *httpHandler) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if h.management == nil {
		http.Error(w, "Queue inspection is not configured", http.StatusServiceUnavailable)
		return
	}

	resp := queueStatusResponse{
		Service: events.ServiceInventory,
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
		"service": events.ServiceInventory,
	})
}

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
	customers   *CustomerService
	coordinator *Coordinator
	bus         *broker.EventBus
	logger      *slog.Logger
	metrics     *metrics.HTTPMetrics
}

func newHTTPHandler(customers *CustomerService, coordinator *Coordinator, bus *broker.EventBus, logger *slog.Logger, httpMetrics *metrics.HTTPMetrics) *httpHandler {
	return &httpHandler{
		customers:   customers,
		coordinator: coordinator,
		bus:         bus,
		logger:      logger,
		metrics:     httpMetrics,
	}
}

func (h *httpHandler) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/customers", h.instrument("/api/v1/customers", h.handleCreateCustomer))
	mux.HandleFunc("GET /api/v1/customers", h.instrument("/api/v1/customers", h.handleListCustomers))
	mux.HandleFunc("GET /api/v1/customers/{id}", h.instrument("/api/v1/customers/{id}", h.handleGetCustomer))
	mux.HandleFunc("PUT /api/v1/customers/{id}", h.instrument("/api/v1/customers/{id}", h.handleUpdateCustomer))
	mux.HandleFunc("DELETE /api/v1/customers/{id}", h.instrument("/api/v1/customers/{id}", h.handleDeleteCustomer))
	mux.HandleFunc("GET /api/v1/customers/{id}/deletion-status", h.instrument("/api/v1/customers/{id}/deletion-status", h.handleDeletionStatus))
	mux.HandleFunc("POST /api/v1/customers/{id}/reset-deletion", h.instrument("/api/v1/customers/{id}/reset-deletion", h.handleResetDeletion))
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

func (h *httpHandler) handleCreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req CreateCustomerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Email == "" || req.Name == "" {
		http.Error(w, "email and name are required", http.StatusBadRequest)
		return
	}

	c, err := h.customers.CreateCustomer(r.Context(), req)
	if errors.Is(err, ErrEmailTaken) {
		http.Error(w, "Email already registered", http.StatusConflict)
		return
	}
	if err != nil {
		h.logger.Error("failed to create customer", slog.Any("error", err))
		http.Error(w, "Failed to create customer", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(c)
}

func (h *httpHandler) handleListCustomers(w http.ResponseWriter, r *http.Request) {
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

	customers, err := h.customers.ListCustomers(r.Context(), status, limit)
	if err != nil {
		h.logger.Error("failed to list customers", slog.Any("error", err))
		http.Error(w, "Failed to list customers", http.StatusInternalServerError)
		return
	}
	if customers == nil {
		customers = []*Customer{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(customers)
}

func (h *httpHandler) handleGetCustomer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	c, err := h.customers.GetCustomer(r.Context(), id)
	if errors.Is(err, ErrCustomerNotFound) {
		http.Error(w, "Customer not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("failed to get customer", slog.String("customer_id", id), slog.Any("error", err))
		http.Error(w, "Failed to get customer", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(c)
}

func (h *httpHandler) handleUpdateCustomer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req UpdateCustomerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	c, err := h.customers.UpdateCustomer(r.Context(), id, req)
	switch {
	case errors.Is(err, ErrCustomerNotFound):
		http.Error(w, "Customer not found", http.StatusNotFound)
		return
	case errors.Is(err, ErrEmailTaken):
		http.Error(w, "Email already registered", http.StatusConflict)
		return
	case err != nil:
		h.logger.Error("failed to update customer", slog.String("customer_id", id), slog.Any("error", err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(c)
}

// handleDeleteCustomer opens the deletion vote. The row is not touched
// beyond pending_deletion here; the verdict arrives asynchronously, hence
// 202.
func (h *httpHandler) handleDeleteCustomer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	accepted, err := h.coordinator.RequestDeletion(r.Context(), id)
	switch {
	case errors.Is(err, ErrCustomerNotFound):
		http.Error(w, "Customer not found", http.StatusNotFound)
		return
	case errors.Is(err, ErrDeletionInProgress):
		http.Error(w, "Customer deletion already in progress", http.StatusConflict)
		return
	case errors.Is(err, ErrCustomerDeleted):
		http.Error(w, "Customer already deleted", http.StatusGone)
		return
	case errors.Is(err, ErrEventPublish):
		http.Error(w, "Failed to start deletion validation", http.StatusBadGateway)
		return
	case err != nil:
		h.logger.Error("failed to request deletion", slog.String("customer_id", id), slog.Any("error", err))
		http.Error(w, "Failed to request deletion", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(accepted)
}

func (h *httpHandler) handleDeletionStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	status, err := h.coordinator.DeletionStatus(r.Context(), id)
	if errors.Is(err, ErrCustomerNotFound) {
		http.Error(w, "Customer not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("failed to get deletion status", slog.String("customer_id", id), slog.Any("error", err))
		http.Error(w, "Failed to get deletion status", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}

func (h *httpHandler) handleResetDeletion(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	c, err := h.coordinator.ResetDeletion(r.Context(), id)
	if errors.Is(err, ErrCustomerNotFound) {
		http.Error(w, "Customer not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("failed to reset deletion", slog.String("customer_id", id), slog.Any("error", err))
		http.Error(w, "Failed to reset deletion", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(c)
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
		"service": events.ServiceAccounts,
	})
}

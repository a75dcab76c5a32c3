package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/prietto/microservices-dapr/common/broker"
	"github.com/prietto/microservices-dapr/common/events"
)

// CustomerService owns customer CRUD and answers billing's verification
// checks on the bus.
type CustomerService struct {
	store     CustomerStore
	publisher broker.Publisher
	logger    *slog.Logger
}

func NewCustomerService(store CustomerStore, publisher broker.Publisher, logger *slog.Logger) *CustomerService {
	return &CustomerService{store: store, publisher: publisher, logger: logger}
}

func (s *CustomerService) CreateCustomer(ctx context.Context, req CreateCustomerRequest) (*Customer, error) {
	if req.Email == "" {
		return nil, errors.New("email is required")
	}
	if req.Name == "" {
		return nil, errors.New("name is required")
	}

	now := time.Now().UTC()
	c := &Customer{
		ID:        uuid.NewString(),
		Email:     strings.ToLower(req.Email),
		Name:      req.Name,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, c); err != nil {
		return nil, err
	}

	s.logger.Info("customer created",
		slog.String("customer_id", c.ID),
		slog.String("email", c.Email),
	)
	return c, nil
}

func (s *CustomerService) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	return s.store.Get(ctx, id)
}

func (s *CustomerService) ListCustomers(ctx context.Context, status string, limit int) ([]*Customer, error) {
	return s.store.List(ctx, status, limit)
}

func (s *CustomerService) UpdateCustomer(ctx context.Context, id string, req UpdateCustomerRequest) (*Customer, error) {
	return s.store.Update(ctx, id, func(c *Customer) error {
		if req.Email != nil {
			if *req.Email == "" {
				return errors.New("email cannot be empty")
			}
			c.Email = strings.ToLower(*req.Email)
		}
		if req.Name != nil {
			c.Name = *req.Name
		}
		if req.Status != nil {
			switch *req.Status {
			case StatusActive, StatusInactive:
				c.Status = *req.Status
			default:
				return fmt.Errorf("status %q cannot be set directly", *req.Status)
			}
		}
		return nil
	})
}

// HandleCustomerCheck answers billing's verification request. A missing
// customer with an email on the check is provisioned on the fly so an
// invoice-first signup does not stall its saga. The response is published
// even for store failures; only an unpublishable response errors, which
// sends the delivery down the retry path.
func (s *CustomerService) HandleCustomerCheck(ctx context.Context, check events.CustomerCheck) error {
	if check.CustomerID == "" {
		s.logger.Warn("customer check without customer_id",
			slog.String("invoice_id", check.InvoiceID),
		)
		return nil
	}

	resp := events.CustomerResponse{
		InvoiceID:  check.InvoiceID,
		CustomerID: check.CustomerID,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Service:    events.ServiceAccounts,
	}

	c, err := s.store.Get(ctx, check.CustomerID)
	switch {
	case err == nil:
		resp.CustomerExists = c.Status != StatusDeleted
		if c.Status == StatusDeleted {
			resp.Error = "customer is deleted"
		}
	case errors.Is(err, ErrCustomerNotFound) && check.CustomerEmail != "":
		provisioned, created, createErr := s.provisionCustomer(ctx, check)
		if createErr != nil {
			resp.Error = fmt.Sprintf("failed to provision customer: %s", createErr)
		} else {
			resp.CustomerID = provisioned.ID
			resp.CustomerExists = true
			resp.CustomerCreated = created
		}
	case errors.Is(err, ErrCustomerNotFound):
		resp.Error = "customer not found"
	default:
		resp.Error = fmt.Sprintf("customer lookup failed: %s", err)
	}

	if err := s.publisher.Publish(ctx, events.TopicCustomerResponse, resp); err != nil {
		return fmt.Errorf("failed to publish customer response: %w", err)
	}

	s.logger.Info("customer check answered",
		slog.String("invoice_id", check.InvoiceID),
		slog.String("customer_id", resp.CustomerID),
		slog.Bool("exists", resp.CustomerExists),
		slog.Bool("created", resp.CustomerCreated),
	)
	return nil
}

// provisionCustomer creates the customer named by a check. Redeliveries race
// here; losing the unique-email insert means someone else provisioned it, so
// that row is the answer.
func (s *CustomerService) provisionCustomer(ctx context.Context, check events.CustomerCheck) (*Customer, bool, error) {
	now := time.Now().UTC()
	c := &Customer{
		ID:        check.CustomerID,
		Email:     strings.ToLower(check.CustomerEmail),
		Name:      check.CustomerEmail,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.store.Create(ctx, c)
	if errors.Is(err, ErrEmailTaken) {
		existing, getErr := s.store.GetByEmail(ctx, c.Email)
		return existing, false, getErr
	}
	if err != nil {
		return nil, false, err
	}

	s.logger.Info("customer provisioned from check",
		slog.String("customer_id", c.ID),
		slog.String("email", c.Email),
	)
	return c, true, nil
}

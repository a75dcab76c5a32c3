package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prietto/microservices-dapr/common/events"
	"github.com/prietto/microservices-dapr/common/logger"
	"github.com/prietto/microservices-dapr/common/metrics"
)

// Prometheus collectors register globally, so every test shares one set.
var testBusiness = metrics.NewBusinessMetrics("inventory_test")

type fakeStore struct {
	mu       sync.Mutex
	items    map[string]*Item
	ledger   map[string]CompensationRecord
	getCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		items:  make(map[string]*Item),
		ledger: make(map[string]CompensationRecord),
	}
}

func ledgerKey(invoiceID, productID, compensationType string) string {
	return fmt.Sprintf("%s|%s|%s", invoiceID, productID, compensationType)
}

func (s *fakeStore) Migrate(ctx context.Context) error { return nil }

func (s *fakeStore) CreateItem(ctx context.Context, item *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ProductID]; ok {
		return ErrProductExists
	}
	item.ID = int64(len(s.items) + 1)
	item.refreshAvailability()
	cp := *item
	s.items[item.ProductID] = &cp
	return nil
}

func (s *fakeStore) GetItem(ctx context.Context, productID string) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	item, ok := s.items[productID]
	if !ok {
		return nil, ErrItemNotFound
	}
	cp := *item
	return &cp, nil
}

func (s *fakeStore) ListItems(ctx context.Context) ([]*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Item
	for _, item := range s.items {
		cp := *item
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeStore) UpdateItem(ctx context.Context, productID string, mutate func(*Item) error) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[productID]
	if !ok {
		return nil, ErrItemNotFound
	}
	cp := *item
	if err := mutate(&cp); err != nil {
		return nil, err
	}
	cp.UpdatedAt = time.Now().UTC()
	cp.refreshAvailability()
	s.items[productID] = &cp
	out := cp
	return &out, nil
}

func (s *fakeStore) AdjustStock(ctx context.Context, productID string, delta int) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[productID]
	if !ok {
		return nil, ErrItemNotFound
	}
	if item.Quantity+delta < 0 {
		return nil, ErrInsufficientStock
	}
	item.Quantity += delta
	item.UpdatedAt = time.Now().UTC()
	item.refreshAvailability()
	cp := *item
	return &cp, nil
}

func (s *fakeStore) Reserve(ctx context.Context, productID string, quantity int) (*Item, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[productID]
	if !ok {
		return nil, false, ErrItemNotFound
	}
	if item.Quantity < quantity {
		cp := *item
		return &cp, false, nil
	}
	item.Quantity -= quantity
	item.UpdatedAt = time.Now().UTC()
	item.refreshAvailability()
	cp := *item
	return &cp, true, nil
}

func (s *fakeStore) Compensate(ctx context.Context, rec CompensationRecord) (*CompensationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ledgerKey(rec.InvoiceID, rec.ProductID, rec.CompensationType)
	item, itemExists := s.items[rec.ProductID]

	if prior, ok := s.ledger[key]; ok {
		if !itemExists {
			return nil, ErrItemNotFound
		}
		return &CompensationResult{
			QuantityRestored: prior.QuantityRestored,
			CurrentStock:     item.Quantity,
			AlreadyApplied:   true,
		}, nil
	}

	if !itemExists {
		return nil, ErrItemNotFound
	}
	item.Quantity += rec.QuantityRestored
	item.UpdatedAt = time.Now().UTC()
	item.refreshAvailability()
	rec.CreatedAt = time.Now().UTC()
	s.ledger[key] = rec
	return &CompensationResult{
		QuantityRestored: rec.QuantityRestored,
		CurrentStock:     item.Quantity,
		AlreadyApplied:   false,
	}, nil
}

func (s *fakeStore) Seed(ctx context.Context) ([]*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	catalog := []Item{
		{ProductID: "LAPTOP001", Name: "Laptop Gaming", Quantity: 5, Price: 1299.99},
		{ProductID: "MOUSE001", Name: "Gaming Mouse", Quantity: 2, Price: 79.99},
		{ProductID: "KEYBOARD001", Name: "Mechanical Keyboard", Quantity: 0, Price: 149.99},
	}
	now := time.Now().UTC()
	var out []*Item
	for _, c := range catalog {
		c.CreatedAt = now
		c.UpdatedAt = now
		c.refreshAvailability()
		cp := c
		s.items[c.ProductID] = &cp
		res := c
		out = append(out, &res)
	}
	return out, nil
}

func (s *fakeStore) seed(item *Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item.refreshAvailability()
	cp := *item
	s.items[item.ProductID] = &cp
}

func (s *fakeStore) quantity(t *testing.T, productID string) int {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[productID]
	require.True(t, ok, "product %s not seeded", productID)
	return item.Quantity
}

type publishedEvent struct {
	topic   string
	payload any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	fail   map[string]error
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{fail: make(map[string]error)}
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.fail[topic]; ok {
		return err
	}
	p.events = append(p.events, publishedEvent{topic: topic, payload: payload})
	return nil
}

func (p *fakePublisher) last(topic string) (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].topic == topic {
			return p.events[i].payload, true
		}
	}
	return nil, false
}

func (p *fakePublisher) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.topic == topic {
			n++
		}
	}
	return n
}

func newTestService(t *testing.T) (*InventoryService, *fakeStore, *fakePublisher) {
	t.Helper()
	store := newFakeStore()
	pub := newFakePublisher()
	return NewInventoryService(store, pub, logger.NewNopLogger(), testBusiness), store, pub
}

func laptop(quantity int) *Item {
	now := time.Now().UTC()
	return &Item{
		ProductID: "LAPTOP001",
		Name:      "Laptop Gaming",
		Quantity:  quantity,
		Price:     1299.99,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func inventoryCheck(invoiceID, productID string, quantity int) events.InventoryCheck {
	return events.InventoryCheck{
		InvoiceID: invoiceID,
		ProductID: productID,
		Quantity:  quantity,
		Action:    events.ActionCheckForBilling,
	}
}

func compensation(invoiceID, productID string, quantity int) events.CompensateInventory {
	return events.CompensateInventory{
		InvoiceID:        invoiceID,
		ProductID:        productID,
		Quantity:         quantity,
		Reason:           "payment timeout",
		CompensationType: events.CompensationRestoreInventory,
		TriggeredBy:      events.ServiceBilling,
	}
}

func TestInventoryCheckReservesStock(t *testing.T) {
	svc, store, pub := newTestService(t)
	store.seed(laptop(5))

	require.NoError(t, svc.HandleInventoryCheck(context.Background(),
		inventoryCheck("INV-001", "LAPTOP001", 2)))

	payload, ok := pub.last(events.TopicInventoryResponse)
	require.True(t, ok)
	resp := payload.(events.InventoryResponse)
	assert.Equal(t, "INV-001", resp.InvoiceID)
	assert.Equal(t, "LAPTOP001", resp.ProductID)
	assert.Equal(t, 2, resp.QuantityRequested)
	assert.True(t, resp.Available)
	assert.Equal(t, 1299.99, resp.UnitPrice)
	assert.Equal(t, 3, resp.RemainingStock)
	assert.Equal(t, "Reserved 2 x LAPTOP001", resp.Message)

	assert.Equal(t, 3, store.quantity(t, "LAPTOP001"))
}

func TestInventoryCheckInsufficientStock(t *testing.T) {
	svc, store, pub := newTestService(t)
	store.seed(laptop(2))

	require.NoError(t, svc.HandleInventoryCheck(context.Background(),
		inventoryCheck("INV-001", "LAPTOP001", 5)))

	payload, ok := pub.last(events.TopicInventoryResponse)
	require.True(t, ok)
	resp := payload.(events.InventoryResponse)
	assert.False(t, resp.Available)
	assert.Equal(t, 2, resp.RemainingStock)
	assert.Equal(t, "Insufficient stock. Available: 2, Requested: 5", resp.Message)

	assert.Equal(t, 2, store.quantity(t, "LAPTOP001"), "a failed check must not touch stock")
}

func TestInventoryCheckUnknownProduct(t *testing.T) {
	svc, _, pub := newTestService(t)

	require.NoError(t, svc.HandleInventoryCheck(context.Background(),
		inventoryCheck("INV-001", "GHOST001", 1)))

	payload, ok := pub.last(events.TopicInventoryResponse)
	require.True(t, ok)
	resp := payload.(events.InventoryResponse)
	assert.False(t, resp.Available)
	assert.Equal(t, "Product GHOST001 not found", resp.Message)
}

func TestInventoryCheckInvalidQuantity(t *testing.T) {
	svc, store, pub := newTestService(t)
	store.seed(laptop(5))

	require.NoError(t, svc.HandleInventoryCheck(context.Background(),
		inventoryCheck("INV-001", "LAPTOP001", 0)))

	payload, ok := pub.last(events.TopicInventoryResponse)
	require.True(t, ok)
	resp := payload.(events.InventoryResponse)
	assert.False(t, resp.Available)
	assert.Equal(t, "Invalid quantity: 0", resp.Message)
	assert.Equal(t, 5, store.quantity(t, "LAPTOP001"))
}

func TestInventoryCheckMissingFieldsDropped(t *testing.T) {
	svc, _, pub := newTestService(t)

	require.NoError(t, svc.HandleInventoryCheck(context.Background(),
		inventoryCheck("", "LAPTOP001", 1)))
	require.NoError(t, svc.HandleInventoryCheck(context.Background(),
		inventoryCheck("INV-001", "", 1)))

	assert.Zero(t, pub.count(events.TopicInventoryResponse))
}

func TestInventoryCheckPublishFailureRetries(t *testing.T) {
	svc, store, pub := newTestService(t)
	store.seed(laptop(5))
	pub.fail[events.TopicInventoryResponse] = errors.New("broker unavailable")

	err := svc.HandleInventoryCheck(context.Background(),
		inventoryCheck("INV-001", "LAPTOP001", 2))
	require.Error(t, err, "an unanswered check must be redelivered")

	// The decrement already happened; the guard bounds the redelivery
	// hazard, it does not undo it.
	assert.Equal(t, 3, store.quantity(t, "LAPTOP001"))
}

func TestCompensationRestoresStock(t *testing.T) {
	svc, store, pub := newTestService(t)
	store.seed(laptop(3))

	require.NoError(t, svc.HandleCompensation(context.Background(),
		compensation("INV-001", "LAPTOP001", 2)))

	payload, ok := pub.last(events.TopicInventoryCompensated)
	require.True(t, ok)
	conf := payload.(events.InventoryCompensated)
	assert.True(t, conf.CompensationSuccessful)
	assert.Equal(t, "INV-001", conf.InvoiceID)
	assert.Equal(t, 2, conf.QuantityRestored)
	assert.Equal(t, 5, conf.CurrentStock)
	assert.Equal(t, "payment timeout", conf.Reason)
	assert.Empty(t, conf.Error)

	assert.Equal(t, 5, store.quantity(t, "LAPTOP001"))
}

func TestCompensationIsIdempotent(t *testing.T) {
	svc, store, pub := newTestService(t)
	store.seed(laptop(3))

	evt := compensation("INV-001", "LAPTOP001", 2)
	require.NoError(t, svc.HandleCompensation(context.Background(), evt))
	require.NoError(t, svc.HandleCompensation(context.Background(), evt))

	assert.Equal(t, 5, store.quantity(t, "LAPTOP001"), "a redelivered restock must not double-credit")

	assert.Equal(t, 2, pub.count(events.TopicInventoryCompensated))
	payload, ok := pub.last(events.TopicInventoryCompensated)
	require.True(t, ok)
	conf := payload.(events.InventoryCompensated)
	assert.True(t, conf.CompensationSuccessful)
	assert.Equal(t, 2, conf.QuantityRestored, "the duplicate confirms the original outcome")
	assert.Equal(t, 5, conf.CurrentStock)
}

func TestCompensationPerInvoiceLedger(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.seed(laptop(0))

	require.NoError(t, svc.HandleCompensation(context.Background(),
		compensation("INV-001", "LAPTOP001", 2)))
	require.NoError(t, svc.HandleCompensation(context.Background(),
		compensation("INV-002", "LAPTOP001", 1)))

	assert.Equal(t, 3, store.quantity(t, "LAPTOP001"), "different invoices compensate independently")
}

func TestCompensationUnknownProduct(t *testing.T) {
	svc, store, pub := newTestService(t)

	require.NoError(t, svc.HandleCompensation(context.Background(),
		compensation("INV-001", "GHOST001", 2)))

	payload, ok := pub.last(events.TopicInventoryCompensated)
	require.True(t, ok)
	conf := payload.(events.InventoryCompensated)
	assert.False(t, conf.CompensationSuccessful)
	assert.Equal(t, "Product GHOST001 not found", conf.Error)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Empty(t, store.ledger, "a rejected restock leaves no ledger row")
}

func TestCompensationDefaultsType(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.seed(laptop(3))

	evt := compensation("INV-001", "LAPTOP001", 2)
	evt.CompensationType = ""
	require.NoError(t, svc.HandleCompensation(context.Background(), evt))

	store.mu.Lock()
	_, ok := store.ledger[ledgerKey("INV-001", "LAPTOP001", events.CompensationRestoreInventory)]
	store.mu.Unlock()
	assert.True(t, ok, "an untyped restock lands under restore_inventory")
}

func TestCompensationPublishFailureThenRecovery(t *testing.T) {
	svc, store, pub := newTestService(t)
	store.seed(laptop(3))
	pub.fail[events.TopicInventoryCompensated] = errors.New("broker unavailable")

	evt := compensation("INV-001", "LAPTOP001", 2)
	require.Error(t, svc.HandleCompensation(context.Background(), evt))
	assert.Equal(t, 5, store.quantity(t, "LAPTOP001"), "the credit committed before the publish")

	delete(pub.fail, events.TopicInventoryCompensated)
	require.NoError(t, svc.HandleCompensation(context.Background(), evt))

	assert.Equal(t, 5, store.quantity(t, "LAPTOP001"))
	payload, ok := pub.last(events.TopicInventoryCompensated)
	require.True(t, ok)
	conf := payload.(events.InventoryCompensated)
	assert.True(t, conf.CompensationSuccessful)
	assert.Equal(t, 2, conf.QuantityRestored)
	assert.Equal(t, 5, conf.CurrentStock)
}

func TestCompensationMissingFieldsDropped(t *testing.T) {
	svc, _, pub := newTestService(t)

	require.NoError(t, svc.HandleCompensation(context.Background(),
		compensation("", "LAPTOP001", 1)))
	require.NoError(t, svc.HandleCompensation(context.Background(),
		compensation("INV-001", "", 1)))

	assert.Zero(t, pub.count(events.TopicInventoryCompensated))
}

func TestCreateItemValidation(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.CreateItem(context.Background(), CreateItemRequest{Name: "No Product ID", Price: 10})
	assert.Error(t, err)

	_, err = svc.CreateItem(context.Background(), CreateItemRequest{ProductID: "X1", Name: "Free", Price: 0})
	assert.Error(t, err)

	_, err = svc.CreateItem(context.Background(), CreateItemRequest{ProductID: "X1", Name: "Negative", Quantity: -1, Price: 10})
	assert.Error(t, err)

	item, err := svc.CreateItem(context.Background(), CreateItemRequest{ProductID: "X1", Name: "Webcam", Quantity: 4, Price: 59.99})
	require.NoError(t, err)
	assert.True(t, item.Available)

	_, err = svc.CreateItem(context.Background(), CreateItemRequest{ProductID: "X1", Name: "Webcam Again", Quantity: 1, Price: 59.99})
	assert.ErrorIs(t, err, ErrProductExists)
}

func TestAdjustStockGuards(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.seed(laptop(2))

	item, err := svc.AdjustStock(context.Background(), "LAPTOP001", 3)
	require.NoError(t, err)
	assert.Equal(t, 5, item.Quantity)

	_, err = svc.AdjustStock(context.Background(), "LAPTOP001", -6)
	assert.ErrorIs(t, err, ErrInsufficientStock)

	_, err = svc.AdjustStock(context.Background(), "LAPTOP001", 0)
	assert.Error(t, err)

	_, err = svc.AdjustStock(context.Background(), "GHOST001", 1)
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestSeedCatalog(t *testing.T) {
	svc, store, _ := newTestService(t)

	items, err := svc.Seed(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, 5, store.quantity(t, "LAPTOP001"))
	assert.Equal(t, 2, store.quantity(t, "MOUSE001"))
	assert.Equal(t, 0, store.quantity(t, "KEYBOARD001"))

	keyboard, err := store.GetItem(context.Background(), "KEYBOARD001")
	require.NoError(t, err)
	assert.False(t, keyboard.Available)
}

package main

import (
	"context"
	"log/slog"
)

// itemCacher is the slice of ItemCache the wrapper needs; tests swap in a
// fake.
type itemCacher interface {
	GetItem(ctx context.Context, productID string) (*Item, error)
	SetItem(ctx context.Context, item *Item) error
	InvalidateItem(ctx context.Context, productID string) error
}

// CachedStore wraps an ItemStore with cache-aside reads. Cache trouble is
// never fatal: errors are logged and the database answers.
type CachedStore struct {
	store  ItemStore
	cache  itemCacher
	logger *slog.Logger
}

var _ ItemStore = (*CachedStore)(nil)

func NewCachedStore(store ItemStore, cache itemCacher, logger *slog.Logger) *CachedStore {
	return &CachedStore{store: store, cache: cache, logger: logger}
}

func (s *CachedStore) Migrate(ctx context.Context) error {
	return s.store.Migrate(ctx)
}

func (s *CachedStore) GetItem(ctx context.Context, productID string) (*Item, error) {
	cached, err := s.cache.GetItem(ctx, productID)
	if err != nil {
		s.logger.Warn("cache read failed, falling back to database",
			slog.String("product_id", productID),
			slog.Any("error", err),
		)
	} else if cached != nil {
		s.logger.Debug("cache hit", slog.String("product_id", productID))
		return cached, nil
	}

	item, err := s.store.GetItem(ctx, productID)
	if err != nil {
		return nil, err
	}

	if err := s.cache.SetItem(ctx, item); err != nil {
		s.logger.Warn("failed to populate cache",
			slog.String("product_id", productID),
			slog.Any("error", err),
		)
	}
	return item, nil
}

// ListItems always reads the database; the full catalog is not cached.
func (s *CachedStore) ListItems(ctx context.Context) ([]*Item, error) {
	return s.store.ListItems(ctx)
}

func (s *CachedStore) CreateItem(ctx context.Context, item *Item) error {
	return s.store.CreateItem(ctx, item)
}

func (s *CachedStore) UpdateItem(ctx context.Context, productID string, mutate func(*Item) error) (*Item, error) {
	item, err := s.store.UpdateItem(ctx, productID, mutate)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, productID)
	return item, nil
}

func (s *CachedStore) AdjustStock(ctx context.Context, productID string, delta int) (*Item, error) {
	item, err := s.store.AdjustStock(ctx, productID, delta)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, productID)
	return item, nil
}

func (s *CachedStore) Reserve(ctx context.Context, productID string, quantity int) (*Item, bool, error) {
	item, reserved, err := s.store.Reserve(ctx, productID, quantity)
	if reserved {
		s.invalidate(ctx, productID)
	}
	return item, reserved, err
}

func (s *CachedStore) Compensate(ctx context.Context, rec CompensationRecord) (*CompensationResult, error) {
	result, err := s.store.Compensate(ctx, rec)
	if err != nil {
		return nil, err
	}
	if !result.AlreadyApplied {
		s.invalidate(ctx, rec.ProductID)
	}
	return result, nil
}

func (s *CachedStore) Seed(ctx context.Context) ([]*Item, error) {
	items, err := s.store.Seed(ctx)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		s.invalidate(ctx, item.ProductID)
	}
	return items, nil
}

func (s *CachedStore) invalidate(ctx context.Context, productID string) {
	if err := s.cache.InvalidateItem(ctx, productID); err != nil {
		s.logger.Warn("failed to invalidate cache",
			slog.String("product_id", productID),
			slog.Any("error", err),
		)
	} else {
		s.logger.Debug("cache invalidated", slog.String("product_id", productID))
	}
}

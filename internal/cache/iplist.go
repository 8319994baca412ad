package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ListStore is a read-through, write-through cache in front of an IP list store.
// Cache failures never fail a lookup; the backing store stays authoritative.
type ListStore struct {
	store domain.IPListStore
	cache domain.Cache
	ttl   time.Duration
}

// NewListStore wraps store with cache. A zero ttl defaults to one hour.
func NewListStore(store domain.IPListStore, cache domain.Cache, ttl time.Duration) *ListStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ListStore{store: store, cache: cache, ttl: ttl}
}

// GetIP checks the cache first, then the backing store, populating the cache on a hit.
func (s *ListStore) GetIP(ctx context.Context, list domain.IPList, ip string) (*domain.IPRecord, error) {
	rec, err := s.cache.GetIPRecord(ctx, list, ip)
	if err != nil {
		slog.Warn("ip cache read failed", "list", list, "ip", ip, "error", err)
	}
	if rec != nil {
		return rec, nil
	}

	rec, err = s.store.GetIP(ctx, list, ip)
	if err != nil || rec == nil {
		return rec, err
	}

	if err := s.cache.SetIPRecord(ctx, list, rec, s.ttl); err != nil {
		slog.Warn("ip cache write failed", "list", list, "ip", ip, "error", err)
	}
	return rec, nil
}

// UpsertIP writes to the backing store, then refreshes the cache.
// Cached copies in the other lists are dropped so a reclassified IP is not
// served from its old list.
func (s *ListStore) UpsertIP(ctx context.Context, list domain.IPList, rec *domain.IPRecord) error {
	if err := s.store.UpsertIP(ctx, list, rec); err != nil {
		return err
	}

	for _, other := range []domain.IPList{domain.ListTor, domain.ListVPN, domain.ListClean} {
		if other == list {
			continue
		}
		if err := s.cache.Delete(ctx, domain.IPListNamespace, ipKey(other, rec.IP)); err != nil {
			slog.Warn("ip cache invalidation failed", "list", other, "ip", rec.IP, "error", err)
		}
	}

	if err := s.cache.SetIPRecord(ctx, list, rec, s.ttl); err != nil {
		slog.Warn("ip cache write failed", "list", list, "ip", rec.IP, "error", err)
	}
	return nil
}

var _ domain.IPListStore = (*ListStore)(nil)

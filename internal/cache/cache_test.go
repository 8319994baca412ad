package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()
	ns := "tenant-001"

	t.Run("SetAndGet", func(t *testing.T) {
		if err := cache.Set(ctx, ns, "key1", []byte("value1"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, ns, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, ns, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		_ = cache.Set(ctx, ns, "expiring", []byte("temp"), 10*time.Millisecond)

		if val, _ := cache.Get(ctx, ns, "expiring"); val == nil {
			t.Error("expected value before expiration")
		}

		time.Sleep(20 * time.Millisecond)

		if val, _ := cache.Get(ctx, ns, "expiring"); val != nil {
			t.Error("expected nil after expiration")
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		small := NewLRUCache(2)
		_ = small.Set(ctx, ns, "a", []byte("1"), time.Minute)
		_ = small.Set(ctx, ns, "b", []byte("2"), time.Minute)
		_, _ = small.Get(ctx, ns, "a")
		_ = small.Set(ctx, ns, "c", []byte("3"), time.Minute)

		if val, _ := small.Get(ctx, ns, "b"); val != nil {
			t.Error("expected 'b' to be evicted")
		}
		if val, _ := small.Get(ctx, ns, "a"); val == nil {
			t.Error("expected 'a' to survive eviction")
		}
	})

	t.Run("NamespaceIsolation", func(t *testing.T) {
		_ = cache.Set(ctx, "tenant-a", "k", []byte("a"), time.Minute)
		_ = cache.Set(ctx, "tenant-b", "k", []byte("b"), time.Minute)

		a, _ := cache.Get(ctx, "tenant-a", "k")
		b, _ := cache.Get(ctx, "tenant-b", "k")
		if string(a) != "a" || string(b) != "b" {
			t.Errorf("namespaces leaked: a=%s b=%s", a, b)
		}
	})

	t.Run("RequiresNamespace", func(t *testing.T) {
		if err := cache.Set(ctx, "", "key", []byte("value"), time.Minute); err == nil {
			t.Error("expected error for empty namespace")
		}
		if _, err := cache.IncrementCounter(ctx, "", "key", time.Minute); err == nil {
			t.Error("expected error for empty namespace")
		}
	})

	t.Run("IncrementCounter", func(t *testing.T) {
		window := 100 * time.Millisecond

		for want := int64(1); want <= 3; want++ {
			got, err := cache.IncrementCounter(ctx, ns, "seen:1.2.3.4", window)
			if err != nil {
				t.Fatalf("IncrementCounter failed: %v", err)
			}
			if got != want {
				t.Errorf("expected count %d, got %d", want, got)
			}
		}

		time.Sleep(150 * time.Millisecond)

		if got, _ := cache.IncrementCounter(ctx, ns, "seen:1.2.3.4", window); got != 1 {
			t.Errorf("expected count 1 after window reset, got %d", got)
		}
	})

	t.Run("CounterBound", func(t *testing.T) {
		small := NewLRUCache(3)
		for i := 0; i < 3; i++ {
			small.IncrementCounter(ctx, ns, fmt.Sprintf("seen:10.0.0.%d", i), time.Duration(i+1)*time.Minute)
		}
		small.IncrementCounter(ctx, ns, "seen:10.0.0.9", time.Minute)

		if n := small.CounterCount(); n != 3 {
			t.Errorf("expected 3 counters, got %d", n)
		}
		// The window closest to expiry was evicted.
		if got, _ := small.IncrementCounter(ctx, ns, "seen:10.0.0.2", time.Minute); got != 2 {
			t.Errorf("expected surviving counter to continue, got %d", got)
		}
	})

	t.Run("IPRecord", func(t *testing.T) {
		rec := &domain.IPRecord{
			IP:          "8.8.8.8",
			CountryCode: "US",
			Security:    domain.SecurityFlags{IsProxy: true},
			Source:      "vpnapi.io",
		}
		if err := cache.SetIPRecord(ctx, domain.ListVPN, rec, time.Minute); err != nil {
			t.Fatalf("SetIPRecord failed: %v", err)
		}

		got, err := cache.GetIPRecord(ctx, domain.ListVPN, "8.8.8.8")
		if err != nil {
			t.Fatalf("GetIPRecord failed: %v", err)
		}
		if got == nil || got.CountryCode != "US" || !got.Security.IsProxy {
			t.Errorf("unexpected record: %+v", got)
		}

		miss, err := cache.GetIPRecord(ctx, domain.ListClean, "8.8.8.8")
		if err != nil {
			t.Fatalf("GetIPRecord failed: %v", err)
		}
		if miss != nil {
			t.Error("expected lists to be keyed separately")
		}
	})

	t.Run("Close", func(t *testing.T) {
		c := NewLRUCache(10)
		_ = c.Set(ctx, ns, "k", []byte("v"), time.Minute)
		if err := c.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
		if size, _ := c.Stats(); size != 0 {
			t.Errorf("expected empty cache after close, got %d", size)
		}
	})
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		c, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer c.Close()

		if _, ok := c.(*LRUCache); !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

type memListStore struct {
	mu    sync.Mutex
	lists map[domain.IPList]map[string]*domain.IPRecord
	reads int
	err   error
}

func newMemListStore() *memListStore {
	return &memListStore{lists: make(map[domain.IPList]map[string]*domain.IPRecord)}
}

func (m *memListStore) GetIP(_ context.Context, list domain.IPList, ip string) (*domain.IPRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if m.err != nil {
		return nil, m.err
	}
	return m.lists[list][ip], nil
}

func (m *memListStore) UpsertIP(_ context.Context, list domain.IPList, rec *domain.IPRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.lists[list] == nil {
		m.lists[list] = make(map[string]*domain.IPRecord)
	}
	m.lists[list][rec.IP] = rec
	return nil
}

func TestListStore(t *testing.T) {
	ctx := context.Background()

	t.Run("ReadThrough", func(t *testing.T) {
		backing := newMemListStore()
		_ = backing.UpsertIP(ctx, domain.ListTor, &domain.IPRecord{IP: "1.1.1.1", CountryCode: "DE"})
		s := NewListStore(backing, NewLRUCache(10), time.Minute)

		for i := 0; i < 3; i++ {
			rec, err := s.GetIP(ctx, domain.ListTor, "1.1.1.1")
			if err != nil {
				t.Fatalf("GetIP failed: %v", err)
			}
			if rec == nil || rec.CountryCode != "DE" {
				t.Fatalf("unexpected record: %+v", rec)
			}
		}
		if backing.reads != 1 {
			t.Errorf("expected 1 backing read, got %d", backing.reads)
		}
	})

	t.Run("MissIsNotCached", func(t *testing.T) {
		backing := newMemListStore()
		s := NewListStore(backing, NewLRUCache(10), time.Minute)

		rec, err := s.GetIP(ctx, domain.ListVPN, "2.2.2.2")
		if err != nil || rec != nil {
			t.Fatalf("expected nil, nil; got %+v, %v", rec, err)
		}
		_ = backing.UpsertIP(ctx, domain.ListVPN, &domain.IPRecord{IP: "2.2.2.2", CountryCode: "NL"})

		rec, _ = s.GetIP(ctx, domain.ListVPN, "2.2.2.2")
		if rec == nil {
			t.Error("expected record after backing store upsert")
		}
	})

	t.Run("UpsertInvalidatesOtherLists", func(t *testing.T) {
		backing := newMemListStore()
		s := NewListStore(backing, NewLRUCache(10), time.Minute)

		_ = s.UpsertIP(ctx, domain.ListVPN, &domain.IPRecord{IP: "3.3.3.3", CountryCode: "US"})
		if rec, _ := s.GetIP(ctx, domain.ListVPN, "3.3.3.3"); rec == nil {
			t.Fatal("expected vpn record")
		}

		delete(backing.lists[domain.ListVPN], "3.3.3.3")
		_ = s.UpsertIP(ctx, domain.ListClean, &domain.IPRecord{IP: "3.3.3.3", CountryCode: "US"})

		if rec, _ := s.GetIP(ctx, domain.ListVPN, "3.3.3.3"); rec != nil {
			t.Error("expected stale vpn entry to be dropped from cache")
		}
		if rec, _ := s.GetIP(ctx, domain.ListClean, "3.3.3.3"); rec == nil {
			t.Error("expected clean record")
		}
	})

	t.Run("StoreErrorPropagates", func(t *testing.T) {
		backing := newMemListStore()
		backing.err = errors.New("db down")
		s := NewListStore(backing, NewLRUCache(10), time.Minute)

		if _, err := s.GetIP(ctx, domain.ListTor, "4.4.4.4"); err == nil {
			t.Error("expected store error")
		}
		if err := s.UpsertIP(ctx, domain.ListTor, &domain.IPRecord{IP: "4.4.4.4"}); err == nil {
			t.Error("expected store error")
		}
	})
}

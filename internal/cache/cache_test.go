package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/finflag/internal/domain"
)

func testRun() *domain.Run {
	four := int64(4)
	return &domain.Run{
		ID:       "run-001",
		TenantID: "tenant-001",
		Status:   domain.RunStatusCompleted,
		Rules:    []string{domain.RuleDiscountHigh, domain.RuleTaxMismatch},
		Summaries: []domain.DatasetSummary{
			{Dataset: "Dine_in", Records: 50, Counts: map[string]*int64{
				domain.RuleDiscountHigh: &four,
				domain.RuleTaxMismatch:  nil,
			}},
		},
	}
}

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("SetAndGet", func(t *testing.T) {
		err := cache.Set(ctx, tenantID, "key1", []byte("value1"), time.Minute)
		if err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, tenantID, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}

		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, tenantID, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, tenantID, "key2", []byte("value2"), time.Minute)

		if err := cache.Delete(ctx, tenantID, "key2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, tenantID, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		_ = cache.Set(ctx, tenantID, "expiring", []byte("temp"), 10*time.Millisecond)

		val, _ := cache.Get(ctx, tenantID, "expiring")
		if val == nil {
			t.Error("expected value before expiration")
		}

		time.Sleep(20 * time.Millisecond)

		val, _ = cache.Get(ctx, tenantID, "expiring")
		if val != nil {
			t.Error("expected nil after expiration")
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		smallCache := NewLRUCache(3)

		_ = smallCache.Set(ctx, tenantID, "a", []byte("1"), time.Minute)
		_ = smallCache.Set(ctx, tenantID, "b", []byte("2"), time.Minute)
		_ = smallCache.Set(ctx, tenantID, "c", []byte("3"), time.Minute)

		// Touch 'a' so 'b' is the oldest
		_, _ = smallCache.Get(ctx, tenantID, "a")

		_ = smallCache.Set(ctx, tenantID, "d", []byte("4"), time.Minute)

		if val, _ := smallCache.Get(ctx, tenantID, "b"); val != nil {
			t.Error("expected 'b' to be evicted")
		}
		if val, _ := smallCache.Get(ctx, tenantID, "a"); val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		_ = cache.Set(ctx, "tenant-001", "shared-key", []byte("tenant1-value"), time.Minute)
		_ = cache.Set(ctx, "tenant-002", "shared-key", []byte("tenant2-value"), time.Minute)

		val1, _ := cache.Get(ctx, "tenant-001", "shared-key")
		val2, _ := cache.Get(ctx, "tenant-002", "shared-key")

		if string(val1) != "tenant1-value" {
			t.Errorf("expected 'tenant1-value', got '%s'", string(val1))
		}
		if string(val2) != "tenant2-value" {
			t.Errorf("expected 'tenant2-value', got '%s'", string(val2))
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		err := cache.Set(ctx, "", "key", []byte("value"), time.Minute)
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for empty tenantID, got %v", err)
		}

		_, err = cache.Get(ctx, "", "key")
		if err == nil {
			t.Error("expected error for empty tenantID")
		}
	})

	t.Run("RunCache", func(t *testing.T) {
		if err := cache.SetRun(ctx, tenantID, testRun(), time.Minute); err != nil {
			t.Fatalf("SetRun failed: %v", err)
		}

		run, err := cache.GetRun(ctx, tenantID, "run-001")
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if run == nil || run.Summaries[0].Dataset != "Dine_in" {
			t.Fatalf("unexpected cached run: %+v", run)
		}
		if got := run.Summaries[0].Counts[domain.RuleDiscountHigh]; got == nil || *got != 4 {
			t.Errorf("expected count 4, got %v", got)
		}
		if got, ok := run.Summaries[0].Counts[domain.RuleTaxMismatch]; !ok || got != nil {
			t.Error("not computed count should stay nil")
		}

		_ = cache.Delete(ctx, tenantID, RunKey("run-001"))
		if run, _ := cache.GetRun(ctx, tenantID, "run-001"); run != nil {
			t.Error("expected miss after invalidation")
		}
	})

	t.Run("SetRunRequiresID", func(t *testing.T) {
		if err := cache.SetRun(ctx, tenantID, &domain.Run{}, time.Minute); err == nil {
			t.Error("expected error for run without id")
		}
	})

	t.Run("Stats", func(t *testing.T) {
		statsCache := NewLRUCache(50)
		_ = statsCache.Set(ctx, tenantID, "k1", []byte("v1"), time.Minute)
		_ = statsCache.Set(ctx, tenantID, "k2", []byte("v2"), time.Minute)
		_, _ = statsCache.Get(ctx, tenantID, "k1")
		_, _ = statsCache.Get(ctx, tenantID, "k3")

		stats := statsCache.Stats()
		if stats.Size != 2 || stats.Capacity != 50 {
			t.Errorf("expected size 2 capacity 50, got %+v", stats)
		}
		if stats.Hits != 1 || stats.Misses != 1 {
			t.Errorf("expected 1 hit and 1 miss, got %+v", stats)
		}
	})

	t.Run("Close", func(t *testing.T) {
		testCache := NewLRUCache(10)
		_ = testCache.Set(ctx, tenantID, "k", []byte("v"), time.Minute)

		if err := testCache.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}

		if val, _ := testCache.Get(ctx, tenantID, "k"); val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestTwoPhaseCache(t *testing.T) {
	ctx := context.Background()
	tenantID := "tenant-001"
	remote := NewLRUCache(10)
	cache := NewTwoPhaseCache(NewLRUCache(10), remote, time.Minute)

	t.Run("ReadThroughPopulatesL1", func(t *testing.T) {
		_ = remote.Set(ctx, tenantID, "k", []byte("v"), time.Minute)

		val, err := cache.Get(ctx, tenantID, "k")
		if err != nil || string(val) != "v" {
			t.Fatalf("expected L2 hit, got %q, %v", val, err)
		}
		if cache.Stats().Size != 1 {
			t.Error("expected L1 populated after L2 hit")
		}
	})

	t.Run("DeleteBothLayers", func(t *testing.T) {
		if err := cache.SetRun(ctx, tenantID, testRun(), time.Minute); err != nil {
			t.Fatalf("SetRun failed: %v", err)
		}
		if val, _ := remote.Get(ctx, tenantID, RunKey("run-001")); val == nil {
			t.Fatal("expected run written through to L2")
		}

		_ = cache.Delete(ctx, tenantID, RunKey("run-001"))
		if run, _ := cache.GetRun(ctx, tenantID, "run-001"); run != nil {
			t.Error("expected miss in both layers after delete")
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := cache.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("FINFLAG_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FINFLAG_TEST_REDIS_ADDR not set")
	}

	cache, err := NewRedisCache(addr, "", 0)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer cache.Close()

	ctx := context.Background()
	if err := cache.SetRun(ctx, "tenant-001", testRun(), time.Minute); err != nil {
		t.Fatalf("SetRun failed: %v", err)
	}
	run, err := cache.GetRun(ctx, "tenant-001", "run-001")
	if err != nil || run == nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	_ = cache.Delete(ctx, "tenant-001", RunKey("run-001"))
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type:         "memory",
			LocalMaxSize: 100,
		}

		cache, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		if _, ok := cache.(*LRUCache); !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type: "memcached",
		}

		if _, err := New(cfg); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

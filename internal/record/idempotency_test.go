package record

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/ledgerly/model"
)

// --- MemoryIdempotencyStore ---

func TestMemoryIdempotencyStore_ReserveNew(t *testing.T) {
	store := NewMemoryIdempotencyStore()
	ctx := context.Background()

	id, found, err := store.Reserve(ctx, "idem:expense:dealer:u1:k1", "hash-abc")
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	if found || id != "" {
		t.Errorf("Reserve() = %q, %v, want empty, false", id, found)
	}

	// A second caller sees the reservation, not a free key.
	_, found, err = store.Reserve(ctx, "idem:expense:dealer:u1:k1", "hash-abc")
	if !found || !model.Is(err, model.ErrStorageUnavailable) {
		t.Errorf("Reserve(held) = %v, %v, want true, STORAGE_UNAVAILABLE", found, err)
	}
}

func TestMemoryIdempotencyStore_StoreAndReserve(t *testing.T) {
	store := NewMemoryIdempotencyStore()
	ctx := context.Background()
	key := FormatIdempotencyKey("expense", "dealer", "u1", "k1")

	if err := store.Store(ctx, key, "hash-abc", "rec-1", 5*time.Minute); err != nil {
		t.Fatalf("Store error: %v", err)
	}

	id, found, err := store.Reserve(ctx, key, "hash-abc")
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	if !found || id != "rec-1" {
		t.Errorf("Reserve() = %q, %v, want rec-1, true", id, found)
	}

	_, _, err = store.Reserve(ctx, key, "hash-other")
	if !model.Is(err, model.ErrBadRequest) {
		t.Errorf("Reserve(different hash) error = %v, want BAD_REQUEST", err)
	}

	// Release leaves a bound key alone.
	if err := store.Release(ctx, key); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	if id, _, _ := store.Reserve(ctx, key, "hash-abc"); id != "rec-1" {
		t.Errorf("after Release: id = %q, want rec-1", id)
	}
}

func TestMemoryIdempotencyStore_Release(t *testing.T) {
	store := NewMemoryIdempotencyStore()
	ctx := context.Background()

	_, _, _ = store.Reserve(ctx, "k", "h")
	if err := store.Release(ctx, "k"); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d, want 0", store.Len())
	}
	if _, found, err := store.Reserve(ctx, "k", "h2"); found || err != nil {
		t.Errorf("Reserve(released) = %v, %v, want free key", found, err)
	}
}

func TestMemoryIdempotencyStore_Expired(t *testing.T) {
	store := NewMemoryIdempotencyStore()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	_ = store.Store(ctx, "k", "h", "rec-1", time.Minute)
	now = now.Add(2 * time.Minute)
	if _, found, _ := store.Reserve(ctx, "k", "other"); found {
		t.Error("expired entry should not be found")
	}

	// A reservation from a create that never finished lapses too.
	now = now.Add(ReservationTTL + time.Second)
	if _, found, err := store.Reserve(ctx, "k", "h"); found || err != nil {
		t.Errorf("Reserve(lapsed) = %v, %v, want free key", found, err)
	}
}

// --- RedisIdempotencyStore ---

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisIdempotencyStore_ReserveIsExclusive(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisIdempotencyStore(client)
	ctx := context.Background()
	key := FormatIdempotencyKey("expense", "dealer", "u1", "k1")

	if _, found, err := store.Reserve(ctx, key, "hash-abc"); found || err != nil {
		t.Fatalf("Reserve() = %v, %v, want free key", found, err)
	}
	if ttl := mr.TTL(key); ttl != ReservationTTL {
		t.Errorf("reservation TTL = %v, want %v", ttl, ReservationTTL)
	}
	_, found, err := store.Reserve(ctx, key, "hash-abc")
	if !found || !model.Is(err, model.ErrStorageUnavailable) {
		t.Errorf("Reserve(held) = %v, %v, want true, STORAGE_UNAVAILABLE", found, err)
	}

	if err := store.Release(ctx, key); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	if mr.Exists(key) {
		t.Error("released reservation still present")
	}
}

func TestRedisIdempotencyStore_StoreAndReserve(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisIdempotencyStore(client)
	ctx := context.Background()
	key := FormatIdempotencyKey("expense", "dealer", "u1", "k1")

	if _, _, err := store.Reserve(ctx, key, "hash-abc"); err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	if err := store.Store(ctx, key, "hash-abc", "rec-1", time.Minute); err != nil {
		t.Fatalf("Store error: %v", err)
	}
	id, found, err := store.Reserve(ctx, key, "hash-abc")
	if err != nil || !found || id != "rec-1" {
		t.Fatalf("Reserve() = %q, %v, %v", id, found, err)
	}

	_, _, err = store.Reserve(ctx, key, "hash-other")
	if !model.Is(err, model.ErrBadRequest) {
		t.Errorf("Reserve(different hash) error = %v, want BAD_REQUEST", err)
	}

	// A bound key survives Release.
	if err := store.Release(ctx, key); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	if !mr.Exists(key) {
		t.Error("Release removed a bound key")
	}

	mr.FastForward(2 * time.Minute)
	_, found, err = store.Reserve(ctx, key, "hash-abc")
	if err != nil || found {
		t.Errorf("after TTL: found = %v, err = %v", found, err)
	}
}

func TestRedisIdempotencyStore_ConnectionError(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisIdempotencyStore(client)
	mr.Close()

	_, _, err := store.Reserve(context.Background(), "k", "h")
	if err == nil {
		t.Fatal("expected error when redis is down")
	}
}

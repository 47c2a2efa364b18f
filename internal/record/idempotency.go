package record

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/ledgerly/model"
)

// IdempotencyStore deduplicates retried creates. A key maps to the id of the
// record the first attempt created.
type IdempotencyStore interface {
	// Reserve claims key for a create about to run. It returns found=false
	// when the caller now owns the key and must later Store or Release it.
	// A key already bound to a record with the same input hash returns that
	// record id. A different hash is BAD_REQUEST; a key still held by a
	// create in flight is STORAGE_UNAVAILABLE.
	Reserve(ctx context.Context, key, inputHash string) (recordID string, found bool, err error)

	// Store binds the key to the created record id for ttl.
	Store(ctx context.Context, key, inputHash, recordID string, ttl time.Duration) error

	// Release drops a reservation whose create did not persist. A key
	// already bound to a record is left alone.
	Release(ctx context.Context, key string) error
}

// ReservationTTL bounds how long a crashed create can hold its key.
const ReservationTTL = 30 * time.Second

// idempotencyEntry is the stored value for an idempotency key. RecordID is
// empty while the key is only reserved.
type idempotencyEntry struct {
	InputHash string `json:"input_hash"`
	RecordID  string `json:"record_id"`
}

// resolve maps an existing entry to the Reserve result.
func (e idempotencyEntry) resolve(key, inputHash string) (string, bool, error) {
	if e.InputHash != inputHash {
		return "", true, reusedKeyError(key)
	}
	if e.RecordID == "" {
		return "", true, inProgressError(key)
	}
	return e.RecordID, true, nil
}

func reusedKeyError(key string) error {
	return model.NewBadRequestError(
		fmt.Sprintf("idempotency key %q already used with different input", key),
	)
}

func inProgressError(key string) error {
	return &model.ErrorEnvelope{
		Code:    model.ErrStorageUnavailable,
		Message: fmt.Sprintf("a create with idempotency key %q is still in progress", key),
	}
}

// --- MemoryIdempotencyStore ---

// MemoryIdempotencyStore is an in-memory IdempotencyStore with TTL support.
// Suitable for testing and single-instance deployments.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	data      idempotencyEntry
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates a new in-memory idempotency store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// Reserve claims key under the store lock.
func (s *MemoryIdempotencyStore) Reserve(_ context.Context, key, inputHash string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if entry, ok := s.entries[key]; ok && now.Before(entry.expiresAt) {
		return entry.data.resolve(key, inputHash)
	}
	s.entries[key] = &memEntry{
		data:      idempotencyEntry{InputHash: inputHash},
		expiresAt: now.Add(ReservationTTL),
	}
	return "", false, nil
}

// Store saves a created record id with TTL.
func (s *MemoryIdempotencyStore) Store(_ context.Context, key, inputHash, recordID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memEntry{
		data:      idempotencyEntry{InputHash: inputHash, RecordID: recordID},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Release drops key if it is still only reserved.
func (s *MemoryIdempotencyStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[key]; ok && entry.data.RecordID == "" {
		delete(s.entries, key)
	}
	return nil
}

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// --- RedisIdempotencyStore ---

// releaseScript deletes a key only while it still holds a bare reservation.
var releaseScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then return 0 end
local entry = cjson.decode(raw)
if entry.record_id == "" then return redis.call("DEL", KEYS[1]) end
return 0
`)

// RedisIdempotencyStore is a Redis-backed IdempotencyStore with TTL, shared
// by every instance behind a load balancer. Reservations use SET NX so only
// one instance runs a given create.
type RedisIdempotencyStore struct {
	client redis.Cmdable
}

// NewRedisIdempotencyStore creates a new Redis-backed idempotency store.
func NewRedisIdempotencyStore(client redis.Cmdable) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

// Reserve claims key with SET NX, or reports what already holds it.
func (s *RedisIdempotencyStore) Reserve(ctx context.Context, key, inputHash string) (string, bool, error) {
	pending, err := json.Marshal(idempotencyEntry{InputHash: inputHash})
	if err != nil {
		return "", false, fmt.Errorf("marshal idempotency entry: %w", err)
	}
	ok, err := s.client.SetNX(ctx, key, pending, ReservationTTL).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	if ok {
		return "", false, nil
	}

	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		// Expired between the calls; the client may retry.
		return "", true, inProgressError(key)
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %q: %w", key, err)
	}
	var entry idempotencyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return "", false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	return entry.resolve(key, inputHash)
}

// Store saves a created record id in Redis with TTL.
func (s *RedisIdempotencyStore) Store(ctx context.Context, key, inputHash, recordID string, ttl time.Duration) error {
	data, err := json.Marshal(idempotencyEntry{InputHash: inputHash, RecordID: recordID})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Release drops key if it still holds a bare reservation.
func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, s.client, []string{key}).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("redis release %q: %w", key, err)
	}
	return nil
}

// FormatIdempotencyKey builds the idempotency key of a create. Keys are
// scoped to the caller so two users cannot collide.
func FormatIdempotencyKey(module, entity, subjectID, key string) string {
	return fmt.Sprintf("idem:%s:%s:%s:%s", module, entity, subjectID, key)
}

// hashInput hashes the data bag of a create request.
func hashInput(data map[string]any) string {
	raw, _ := json.Marshal(data)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

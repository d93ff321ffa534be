package hook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forrst-rpc/forrstd/model"
)

// URNIdempotency is the extension identifier for the replay hook.
const URNIdempotency = model.URN("forrst:ext:idempotency")

// ReplayStore provides deduplication for function calls. The key format is
// "idem:{function}:{key}".
type ReplayStore interface {
	// Check looks up a previous response by key. If the key exists and the
	// call hash matches, it returns the cached response. If the key exists
	// but the hash differs, it returns an error.
	Check(ctx context.Context, key string, callHash string) (resp *model.Response, found bool, err error)

	// Store saves a response keyed by the idempotency key with a TTL.
	Store(ctx context.Context, key string, callHash string, resp model.Response, ttl time.Duration) error
}

// replayEntry is the stored value for an idempotency key.
type replayEntry struct {
	CallHash string         `json:"call_hash"`
	Response model.Response `json:"response"`
}

// IdempotencyHook replays cached responses for repeated calls declaring the
// same idempotency key. Ordered after auth and rate limiting: a replay
// still costs a token and still requires a valid identity.
type IdempotencyHook struct {
	store    ReplayStore
	ttl      time.Duration
	protocol model.Protocol
}

// NewIdempotencyHook creates the replay hook.
func NewIdempotencyHook(store ReplayStore, ttl time.Duration, protocol model.Protocol) *IdempotencyHook {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyHook{store: store, ttl: ttl, protocol: protocol}
}

func (h *IdempotencyHook) Name() string { return "idempotency" }

// key extracts the client-supplied idempotency key, if the extension was
// declared with one.
func (h *IdempotencyHook) key(req *model.Request, rctx *model.RequestContext) (string, bool) {
	decl, ok := req.Extension(URNIdempotency)
	if !ok {
		return "", false
	}
	k, _ := decl.Options["key"].(string)
	if k == "" {
		return "", false
	}
	// Scope keys per caller so one client cannot replay another's results.
	return fmt.Sprintf("idem:%s:%s:%s", req.Call.Function, rctx.CallerID, k), true
}

// Before replays a cached response when the same key and call were seen
// before. The replayed response echoes the current request's id, not the
// original one.
func (h *IdempotencyHook) Before(ctx context.Context, req *model.Request, rctx *model.RequestContext) (*model.Response, error) {
	key, ok := h.key(req, rctx)
	if !ok {
		return nil, nil
	}

	cached, found, err := h.store.Check(ctx, key, hashCall(req.Call))
	if err != nil {
		// A found key with a different call hash is the client's mistake;
		// anything else is an infrastructure fault and must not masquerade
		// as one.
		if found {
			return model.NewErrorResponse(h.protocol, req.ID, model.NewValidationError(
				"/extensions", "idempotency key already used with different arguments",
			)), nil
		}
		return nil, fmt.Errorf("idempotency check: %w", err)
	}
	if found && cached != nil {
		replay := *cached
		replay.ID = req.ID
		replay.Meta = nil
		return &replay, nil
	}
	return nil, nil
}

// After stores successful responses for future replay, best-effort.
func (h *IdempotencyHook) After(ctx context.Context, req *model.Request, rctx *model.RequestContext, resp *model.Response) (*model.Response, error) {
	if resp == nil || !resp.OK() {
		return nil, nil
	}
	key, ok := h.key(req, rctx)
	if !ok {
		return nil, nil
	}
	_ = h.store.Store(ctx, key, hashCall(req.Call), *resp, h.ttl)
	return nil, nil
}

// hashCall produces a deterministic hash of a call for replay comparison.
func hashCall(call model.Call) string {
	data, _ := json.Marshal(call)
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// --- MemoryReplayStore ---

// MemoryReplayStore is an in-memory ReplayStore with TTL support. Suitable
// for testing and single-instance deployments.
type MemoryReplayStore struct {
	mu      sync.RWMutex
	entries map[string]*memReplayEntry
}

type memReplayEntry struct {
	data      replayEntry
	expiresAt time.Time
}

// NewMemoryReplayStore creates a new in-memory replay store.
func NewMemoryReplayStore() *MemoryReplayStore {
	return &MemoryReplayStore{entries: make(map[string]*memReplayEntry)}
}

// Check looks up a cached response. Returns an error if the call hash differs.
func (s *MemoryReplayStore) Check(_ context.Context, key string, callHash string) (*model.Response, bool, error) {
	s.mu.RLock()
	entry, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}

	if time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}

	if entry.data.CallHash != callHash {
		return nil, true, fmt.Errorf("replay: key %q already used with a different call", key)
	}

	resp := entry.data.Response
	return &resp, true, nil
}

// Store saves a response with TTL.
func (s *MemoryReplayStore) Store(_ context.Context, key string, callHash string, resp model.Response, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memReplayEntry{
		data:      replayEntry{CallHash: callHash, Response: resp},
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryReplayStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisReplayStore ---

// RedisReplayStore is a Redis-backed ReplayStore with TTL.
type RedisReplayStore struct {
	client redis.Cmdable
}

// NewRedisReplayStore creates a new Redis-backed replay store.
func NewRedisReplayStore(client redis.Cmdable) *RedisReplayStore {
	return &RedisReplayStore{client: client}
}

// Check looks up a cached response in Redis.
func (s *RedisReplayStore) Check(ctx context.Context, key string, callHash string) (*model.Response, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var entry replayEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("unmarshal replay entry %q: %w", key, err)
	}

	if entry.CallHash != callHash {
		return nil, true, fmt.Errorf("replay: key %q already used with a different call", key)
	}

	return &entry.Response, true, nil
}

// Store saves a response in Redis with TTL.
func (s *RedisReplayStore) Store(ctx context.Context, key string, callHash string, resp model.Response, ttl time.Duration) error {
	entry := replayEntry{CallHash: callHash, Response: resp}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal replay entry: %w", err)
	}

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

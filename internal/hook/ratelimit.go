package hook

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/forrst-rpc/forrstd/internal/config"
	"github.com/forrst-rpc/forrstd/model"
)

// URNRateLimit is the extension identifier for the rate-limiting hook.
const URNRateLimit = model.URN("forrst:ext:ratelimit")

// keyedLimiter applies a token bucket per string key and evicts idle
// entries on a sweep.
type keyedLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu    sync.Mutex
	byKey map[string]*limiterEntry
	hits  uint64
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const sweepEvery = 1024

func newKeyedLimiter(rps float64, burst int, idleTTL time.Duration) *keyedLimiter {
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &keyedLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		byKey:   make(map[string]*limiterEntry),
	}
}

// allow reports whether one token can be consumed for the key at now.
func (l *keyedLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byKey[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[key] = e
	}
	e.lastSeen = now

	l.hits++
	if l.hits%sweepEvery == 0 {
		l.sweepLocked(now)
	}

	return e.limiter.AllowN(now, 1)
}

func (l *keyedLimiter) sweepLocked(now time.Time) {
	for k, e := range l.byKey {
		if now.Sub(e.lastSeen) > l.idleTTL {
			delete(l.byKey, k)
		}
	}
}

// RateLimitHook rejects requests that exceed a per-caller token bucket.
// Unauthenticated requests are bucketed by remote address so an anonymous
// flood cannot starve authenticated callers.
type RateLimitHook struct {
	limiter  *keyedLimiter
	protocol model.Protocol
	now      func() time.Time
}

// NewRateLimitHook creates the rate-limiting hook from config.
func NewRateLimitHook(cfg config.RateLimitConfig, protocol model.Protocol) *RateLimitHook {
	return &RateLimitHook{
		limiter:  newKeyedLimiter(cfg.RPS, cfg.Burst, cfg.IdleTTL),
		protocol: protocol,
		now:      time.Now,
	}
}

func (h *RateLimitHook) Name() string { return "ratelimit" }

// Before consumes one token for the caller; an empty bucket terminates the
// request with RATE_LIMITED.
func (h *RateLimitHook) Before(_ context.Context, req *model.Request, rctx *model.RequestContext) (*model.Response, error) {
	key := rctx.CallerID
	if key == "" {
		key = "anon:" + rctx.RemoteAddr
	}
	if !h.limiter.allow(key, h.now()) {
		return model.NewErrorResponse(h.protocol, req.ID, model.NewRateLimitedError()), nil
	}
	return nil, nil
}

// After is a no-op for the rate-limiting hook.
func (h *RateLimitHook) After(_ context.Context, _ *model.Request, _ *model.RequestContext, _ *model.Response) (*model.Response, error) {
	return nil, nil
}

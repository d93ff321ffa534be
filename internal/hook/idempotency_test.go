package hook

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forrst-rpc/forrstd/model"
)

func idemRequest(id, key string, args map[string]any) *model.Request {
	return &model.Request{
		Protocol: testProtocol,
		ID:       id,
		Call:     model.Call{Function: "billing.charge", Arguments: args},
		Extensions: []model.ExtensionDeclaration{
			{URN: URNIdempotency, Options: map[string]any{"key": key}},
		},
	}
}

func TestIdempotencyReplaysWithCurrentRequestID(t *testing.T) {
	h := NewIdempotencyHook(NewMemoryReplayStore(), time.Hour, testProtocol)
	rctx := &model.RequestContext{CallerID: "u1"}
	args := map[string]any{"amount": 100}

	first := idemRequest("req-1", "k1", args)
	resp, err := h.Before(context.Background(), first, rctx)
	require.NoError(t, err)
	require.Nil(t, resp)

	result := model.NewResult(testProtocol, "req-1", map[string]any{"charged": true})
	_, err = h.After(context.Background(), first, rctx, result)
	require.NoError(t, err)

	// Same key, same call, new request id: replayed with the new id.
	second := idemRequest("req-2", "k1", args)
	resp, err = h.Before(context.Background(), second, rctx)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "req-2", resp.ID)
	assert.Equal(t, result.Data, resp.Data)
}

func TestIdempotencyMismatchedCallRejected(t *testing.T) {
	h := NewIdempotencyHook(NewMemoryReplayStore(), time.Hour, testProtocol)
	rctx := &model.RequestContext{CallerID: "u1"}

	first := idemRequest("req-1", "k1", map[string]any{"amount": 100})
	_, err := h.After(context.Background(), first, rctx,
		model.NewResult(testProtocol, "req-1", map[string]any{"charged": true}))
	require.NoError(t, err)

	// Same key, different arguments: a validation failure, not a replay.
	second := idemRequest("req-2", "k1", map[string]any{"amount": 999})
	resp, err := h.Before(context.Background(), second, rctx)
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, model.CodeValidationFailed, resp.Errors[0].Code)
}

// brokenReplayStore simulates an unreachable backend.
type brokenReplayStore struct{ err error }

func (s *brokenReplayStore) Check(context.Context, string, string) (*model.Response, bool, error) {
	return nil, false, s.err
}

func (s *brokenReplayStore) Store(context.Context, string, string, model.Response, time.Duration) error {
	return s.err
}

func TestIdempotencyStoreFaultIsNotAClientError(t *testing.T) {
	h := NewIdempotencyHook(&brokenReplayStore{err: errors.New("dial tcp 10.0.0.9:6379: connection refused")},
		time.Hour, testProtocol)
	rctx := &model.RequestContext{CallerID: "u1"}

	resp, err := h.Before(context.Background(), idemRequest("req-1", "k1", map[string]any{"amount": 100}), rctx)
	require.Error(t, err)
	assert.Nil(t, resp)
	// The orchestrator maps this error for the wire: it must come out as
	// the opaque internal error, never a validation failure.
	assert.Equal(t, model.CodeInternalError, model.MapError(err).Code)
}

func TestIdempotencyReplayDropsCachedMeta(t *testing.T) {
	store := NewMemoryReplayStore()
	h := NewIdempotencyHook(store, time.Hour, testProtocol)
	rctx := &model.RequestContext{CallerID: "u1"}
	args := map[string]any{"amount": 100}

	cached := model.NewResult(testProtocol, "req-1", map[string]any{"charged": true})
	cached.Meta = &model.Meta{DurationMS: 875}
	require.NoError(t, store.Store(context.Background(),
		"idem:billing.charge:u1:k1", hashCall(idemRequest("req-1", "k1", args).Call), *cached, time.Hour))

	resp, err := h.Before(context.Background(), idemRequest("req-2", "k1", args), rctx)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Nil(t, resp.Meta, "replays must not carry the original response's metadata")
}

func TestIdempotencyScopedPerCaller(t *testing.T) {
	h := NewIdempotencyHook(NewMemoryReplayStore(), time.Hour, testProtocol)
	args := map[string]any{"amount": 100}

	first := idemRequest("req-1", "k1", args)
	_, err := h.After(context.Background(), first, &model.RequestContext{CallerID: "u1"},
		model.NewResult(testProtocol, "req-1", map[string]any{"charged": true}))
	require.NoError(t, err)

	// Another caller with the same key sees no cached result.
	resp, err := h.Before(context.Background(), idemRequest("req-2", "k1", args),
		&model.RequestContext{CallerID: "u2"})
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestIdempotencyFailuresNotCached(t *testing.T) {
	h := NewIdempotencyHook(NewMemoryReplayStore(), time.Hour, testProtocol)
	rctx := &model.RequestContext{CallerID: "u1"}
	args := map[string]any{"amount": 100}

	first := idemRequest("req-1", "k1", args)
	failure := model.NewErrorResponse(testProtocol, "req-1", model.NewTimeoutError())
	_, err := h.After(context.Background(), first, rctx, failure)
	require.NoError(t, err)

	resp, err := h.Before(context.Background(), idemRequest("req-2", "k1", args), rctx)
	require.NoError(t, err)
	assert.Nil(t, resp, "failed responses must not be replayed")
}

func TestIdempotencyNoDeclarationNoEffect(t *testing.T) {
	store := NewMemoryReplayStore()
	h := NewIdempotencyHook(store, time.Hour, testProtocol)
	rctx := &model.RequestContext{CallerID: "u1"}

	plain := testRequest()
	resp, err := h.Before(context.Background(), plain, rctx)
	require.NoError(t, err)
	assert.Nil(t, resp)

	_, err = h.After(context.Background(), plain, rctx, model.NewResult(testProtocol, "req-1", nil))
	require.NoError(t, err)
	assert.Zero(t, store.Len())
}

func TestMemoryReplayStoreTTL(t *testing.T) {
	store := NewMemoryReplayStore()
	resp := model.NewResult(testProtocol, "req-1", map[string]any{"x": 1})

	require.NoError(t, store.Store(context.Background(), "k", "h", *resp, -time.Second))

	_, found, err := store.Check(context.Background(), "k", "h")
	require.NoError(t, err)
	assert.False(t, found, "expired entries must not be returned")
}

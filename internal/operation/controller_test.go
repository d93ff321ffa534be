package operation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/forrst-rpc/forrstd/model"
)

func newTestController(store Store, opts ...ControllerOption) *Controller {
	base := []ControllerOption{
		WithSleep(func(context.Context, time.Duration) error { return nil }),
	}
	return NewController(store, zap.NewNop(), 100, 4, time.Millisecond, append(base, opts...)...)
}

func caller(id string) *model.RequestContext {
	return &model.RequestContext{CallerID: id}
}

func seedRecord(t *testing.T, store Store, callerID string, status model.OperationStatus) model.OperationRecord {
	t.Helper()
	rec := model.OperationRecord{
		ID:        model.NewOperationID(),
		Function:  "demo.bake",
		Version:   "1",
		Status:    status,
		CallerID:  callerID,
		Revision:  1,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Put(context.Background(), rec))
	return rec
}

// --- Status ---

func TestStatusReturnsOwnRecord(t *testing.T) {
	store := NewMemoryStore()
	c := newTestController(store)
	rec := seedRecord(t, store, "u1", model.OperationProcessing)

	got, err := c.Status(context.Background(), caller("u1"), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, model.OperationProcessing, got.Status)
}

func TestStatusForeignAndMissingAreIndistinguishable(t *testing.T) {
	store := NewMemoryStore()
	c := newTestController(store)
	rec := seedRecord(t, store, "u1", model.OperationPending)

	_, errForeign := c.Status(context.Background(), caller("u2"), rec.ID)
	_, errMissing := c.Status(context.Background(), caller("u2"), model.NewOperationID())

	require.Error(t, errForeign)
	require.Error(t, errMissing)
	assert.Equal(t, model.MapError(errMissing), model.MapError(errForeign),
		"foreign and missing ids must yield identical error objects")
	assert.Equal(t, model.CodeNotFound, model.MapError(errForeign).Code)
}

func TestStatusRequiresCaller(t *testing.T) {
	c := newTestController(NewMemoryStore())
	_, err := c.Status(context.Background(), &model.RequestContext{}, model.NewOperationID())
	assert.Equal(t, model.CodeUnauthenticated, model.MapError(err).Code)
}

// --- Cancel ---

func TestCancelPendingOperation(t *testing.T) {
	store := NewMemoryStore()
	c := newTestController(store)
	rec := seedRecord(t, store, "u1", model.OperationPending)

	got, err := c.Cancel(context.Background(), caller("u1"), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OperationCancelled, got.Status)
	require.NotNil(t, got.CancelledAt)
	assert.Equal(t, rec.Revision+1, got.Revision)

	stored, ok, err := store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.OperationCancelled, stored.Status)
}

func TestCancelTerminalStates(t *testing.T) {
	for _, status := range []model.OperationStatus{
		model.OperationCompleted, model.OperationFailed, model.OperationCancelled,
	} {
		t.Run(string(status), func(t *testing.T) {
			store := NewMemoryStore()
			c := newTestController(store)
			rec := seedRecord(t, store, "u1", status)

			_, err := c.Cancel(context.Background(), caller("u1"), rec.ID)
			werr := model.MapError(err)
			assert.Equal(t, model.CodeCannotCancel, werr.Code)
			assert.Equal(t, string(status), werr.Details["status"],
				"error must name the current terminal status")
		})
	}
}

func TestCancelMissingAndForeign(t *testing.T) {
	store := NewMemoryStore()
	c := newTestController(store)
	rec := seedRecord(t, store, "u1", model.OperationPending)

	_, err := c.Cancel(context.Background(), caller("u1"), "op_doesnotexist")
	assert.Equal(t, model.CodeNotFound, model.MapError(err).Code)

	_, err = c.Cancel(context.Background(), caller("u2"), rec.ID)
	assert.Equal(t, model.CodeNotFound, model.MapError(err).Code)

	// The foreign record is untouched.
	stored, _, _ := store.Get(context.Background(), rec.ID)
	assert.Equal(t, model.OperationPending, stored.Status)
}

// conflictingStore wraps a Store and advances the record's revision between
// the controller's read and its conditional write, for a fixed number of
// reads.
type conflictingStore struct {
	Store
	mu        sync.Mutex
	conflicts int
}

func (s *conflictingStore) Get(ctx context.Context, id string) (model.OperationRecord, bool, error) {
	rec, ok, err := s.Store.Get(ctx, id)
	if err != nil || !ok {
		return rec, ok, err
	}
	s.mu.Lock()
	inject := s.conflicts > 0
	if inject {
		s.conflicts--
	}
	s.mu.Unlock()
	if inject {
		bumped := rec
		bumped.Progress += 0.1
		if swapped, err := s.Store.CompareAndSwap(ctx, id, rec.Revision, bumped); err != nil || !swapped {
			return rec, ok, fmt.Errorf("conflict injection failed")
		}
	}
	return rec, ok, err
}

func TestCancelRetriesOnConflictAndSucceeds(t *testing.T) {
	inner := NewMemoryStore()
	store := &conflictingStore{Store: inner, conflicts: 2}
	conflicts := 0
	c := newTestController(store, WithConflictObserver(func() { conflicts++ }))
	rec := seedRecord(t, inner, "u1", model.OperationProcessing)

	got, err := c.Cancel(context.Background(), caller("u1"), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OperationCancelled, got.Status)
	assert.Equal(t, 2, conflicts)
}

func TestCancelExhaustedRetriesIsDistinctError(t *testing.T) {
	inner := NewMemoryStore()
	store := &conflictingStore{Store: inner, conflicts: 100}
	var results []string
	c := newTestController(store, WithCancelObserver(func(r string) { results = append(results, r) }))
	rec := seedRecord(t, inner, "u1", model.OperationProcessing)

	_, err := c.Cancel(context.Background(), caller("u1"), rec.ID)
	require.Error(t, err)
	werr := model.MapError(err)
	assert.Equal(t, model.CodeInternalError, werr.Code)
	assert.Equal(t, "concurrent_modification", werr.Details["reason"])
	assert.Equal(t, []string{"conflict"}, results)

	// The record still holds whatever the other writer stored; the
	// cancellation never overwrote it blindly.
	stored, _, _ := inner.Get(context.Background(), rec.ID)
	assert.Equal(t, model.OperationProcessing, stored.Status)
}

func TestCancelBackoffIsExponential(t *testing.T) {
	inner := NewMemoryStore()
	store := &conflictingStore{Store: inner, conflicts: 100}
	var slept []time.Duration
	c := NewController(store, zap.NewNop(), 100, 4, 10*time.Millisecond,
		WithSleep(func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		}))
	rec := seedRecord(t, inner, "u1", model.OperationProcessing)

	_, err := c.Cancel(context.Background(), caller("u1"), rec.ID)
	require.Error(t, err)
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond,
	}, slept)
}

// TestConcurrentCancelAndComplete is the core race property: N concurrent
// cancellers plus one concurrent completer against one record. Exactly one
// terminal state survives, and a completion's result is never overwritten
// by a cancellation that read a stale revision.
func TestConcurrentCancelAndComplete(t *testing.T) {
	const cancellers = 8

	for round := 0; round < 20; round++ {
		store := NewMemoryStore()
		rec := seedRecord(t, store, "u1", model.OperationProcessing)
		c := newTestController(store)

		var wg sync.WaitGroup
		cancelled := make([]bool, cancellers)
		var completed bool

		for i := 0; i < cancellers; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				if _, err := c.Cancel(context.Background(), caller("u1"), rec.ID); err == nil {
					cancelled[n] = true
				}
			}(i)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			// The producing function completes the operation through the
			// same conditional-write protocol.
			for {
				cur, ok, err := store.Get(context.Background(), rec.ID)
				if err != nil || !ok || cur.Status.Terminal() {
					return
				}
				done := cur
				done.Status = model.OperationCompleted
				done.Progress = 1
				done.Result = map[string]any{"value": 42}
				if swapped, _ := store.CompareAndSwap(context.Background(), rec.ID, cur.Revision, done); swapped {
					completed = true
					return
				}
			}
		}()

		wg.Wait()

		final, ok, err := store.Get(context.Background(), rec.ID)
		require.NoError(t, err)
		require.True(t, ok)
		require.True(t, final.Status.Terminal(), "round %d: record must end terminal", round)

		wins := 0
		for _, w := range cancelled {
			if w {
				wins++
			}
		}

		switch final.Status {
		case model.OperationCancelled:
			assert.Equal(t, 1, wins, "round %d: exactly one canceller may win", round)
			assert.False(t, completed, "round %d: completion cannot also have won", round)
			assert.Nil(t, final.Result)
		case model.OperationCompleted:
			assert.Zero(t, wins, "round %d: no canceller may win after completion", round)
			assert.Equal(t, map[string]any{"value": 42}, final.Result,
				"round %d: completion result must survive", round)
		default:
			t.Fatalf("round %d: unexpected final status %s", round, final.Status)
		}
	}
}

// --- List ---

func seedMany(t *testing.T, store Store, callerID string, n int, status model.OperationStatus) []model.OperationRecord {
	t.Helper()
	base := time.Now().UTC()
	records := make([]model.OperationRecord, 0, n)
	for i := 0; i < n; i++ {
		rec := model.OperationRecord{
			ID:        model.NewOperationID(),
			Function:  "demo.bake",
			Status:    status,
			CallerID:  callerID,
			Revision:  1,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.Put(context.Background(), rec))
		records = append(records, rec)
	}
	return records
}

func TestListPaginatesWithCursor(t *testing.T) {
	store := NewMemoryStore()
	c := newTestController(store)
	seedMany(t, store, "u1", 7, model.OperationPending)

	var seen []string
	cursor := ""
	pages := 0
	for {
		listing, err := c.List(context.Background(), caller("u1"), Filter{}, 3, cursor)
		require.NoError(t, err)
		require.LessOrEqual(t, len(listing.Records), 3)
		for _, rec := range listing.Records {
			seen = append(seen, rec.ID)
		}
		pages++
		if listing.NextCursor == "" {
			break
		}
		cursor = listing.NextCursor
	}

	assert.Equal(t, 3, pages)
	assert.Len(t, seen, 7)
	// No duplicates across pages: the cursor resumed at the right offset.
	unique := make(map[string]bool)
	for _, id := range seen {
		unique[id] = true
	}
	assert.Len(t, unique, 7)
}

func TestListRejectsOutOfRangeLimit(t *testing.T) {
	c := newTestController(NewMemoryStore())

	for _, limit := range []int{0, -1, 101} {
		_, err := c.List(context.Background(), caller("u1"), Filter{}, limit, "")
		assert.Equal(t, model.CodeValidationFailed, model.MapError(err).Code,
			"limit %d must be rejected, not clamped", limit)
	}
}

func TestListRejectsBadCursor(t *testing.T) {
	store := NewMemoryStore()
	c := newTestController(store)
	seedMany(t, store, "u1", 5, model.OperationPending)

	tests := []struct {
		name   string
		cursor string
	}{
		{"not base64", "!!!not-base64!!!"},
		{"not json", "bm90LWpzb24"},
		{"foreign caller", encodeCursor(2, "u2", Filter{})},
		{"different filter", encodeCursor(2, "u1", Filter{Status: model.OperationCompleted})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.List(context.Background(), caller("u1"), Filter{}, 3, tt.cursor)
			assert.Equal(t, model.CodeValidationFailed, model.MapError(err).Code,
				"bad cursor must be a validation failure, not a reset to page one")
		})
	}
}

func TestListScopedToCaller(t *testing.T) {
	store := NewMemoryStore()
	c := newTestController(store)
	seedMany(t, store, "u1", 3, model.OperationPending)
	seedMany(t, store, "u2", 2, model.OperationPending)

	listing, err := c.List(context.Background(), caller("u1"), Filter{}, 10, "")
	require.NoError(t, err)
	assert.Len(t, listing.Records, 3)
	for _, rec := range listing.Records {
		assert.Equal(t, "u1", rec.CallerID)
	}
}

func TestListFilters(t *testing.T) {
	store := NewMemoryStore()
	c := newTestController(store)
	seedMany(t, store, "u1", 2, model.OperationPending)
	seedMany(t, store, "u1", 3, model.OperationCompleted)

	listing, err := c.List(context.Background(), caller("u1"),
		Filter{Status: model.OperationCompleted}, 10, "")
	require.NoError(t, err)
	assert.Len(t, listing.Records, 3)

	_, err = c.List(context.Background(), caller("u1"),
		Filter{Status: "exploded"}, 10, "")
	assert.Equal(t, model.CodeValidationFailed, model.MapError(err).Code)
}

func TestListNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	c := newTestController(store)
	records := seedMany(t, store, "u1", 3, model.OperationPending)

	listing, err := c.List(context.Background(), caller("u1"), Filter{}, 10, "")
	require.NoError(t, err)
	require.Len(t, listing.Records, 3)
	assert.Equal(t, records[2].ID, listing.Records[0].ID)
	assert.Equal(t, records[0].ID, listing.Records[2].ID)
}

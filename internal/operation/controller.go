package operation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/forrst-rpc/forrstd/model"
)

// Listing is one page of a caller's operations.
type Listing struct {
	Records    []model.OperationRecord
	NextCursor string
}

// Controller enforces the operation state machine against the store.
//
// All mutation goes through the store's conditional write: a cancel that
// raced a completion retries from a fresh read instead of overwriting the
// completion's result. That retry loop is the load-bearing correctness
// property of this type.
type Controller struct {
	store   Store
	logger  *zap.Logger
	listMax int

	maxAttempts int
	backoff     time.Duration
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error

	onConflict func()
	onCancel   func(result string)
}

// ControllerOption configures optional controller behaviour.
type ControllerOption func(*Controller)

// WithClock injects the time source. For testing.
func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) { c.now = now }
}

// WithSleep injects the backoff sleeper. For testing.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ControllerOption {
	return func(c *Controller) { c.sleep = sleep }
}

// WithConflictObserver registers a callback fired on every conditional
// write conflict.
func WithConflictObserver(fn func()) ControllerOption {
	return func(c *Controller) { c.onConflict = fn }
}

// WithCancelObserver registers a callback fired once per cancel attempt
// with its result: ok, not_found, terminal, or conflict.
func WithCancelObserver(fn func(result string)) ControllerOption {
	return func(c *Controller) { c.onCancel = fn }
}

// NewController creates a lifecycle controller.
func NewController(store Store, logger *zap.Logger, listMax, maxAttempts int, backoff time.Duration, opts ...ControllerOption) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if listMax <= 0 {
		listMax = 100
	}
	if maxAttempts <= 0 {
		maxAttempts = 4
	}
	if backoff <= 0 {
		backoff = 10 * time.Millisecond
	}
	c := &Controller{
		store:       store,
		logger:      logger,
		listMax:     listMax,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		now:         time.Now,
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Status returns a caller's operation record. A missing id and a foreign
// id produce the same NOT_FOUND error so callers cannot probe for the
// existence of operations they do not own.
func (c *Controller) Status(ctx context.Context, rctx *model.RequestContext, id string) (model.OperationRecord, error) {
	if !rctx.Authenticated() {
		return model.OperationRecord{}, model.NewUnauthenticatedError()
	}

	rec, ok, err := c.store.Get(ctx, id)
	if err != nil {
		return model.OperationRecord{}, fmt.Errorf("operation status %q: %w", id, err)
	}
	if !ok || rec.CallerID != rctx.CallerID {
		return model.OperationRecord{}, notFound()
	}
	return rec, nil
}

// List returns one page of the caller's operations. An out-of-range limit
// is rejected rather than silently clamped.
func (c *Controller) List(ctx context.Context, rctx *model.RequestContext, filter Filter, limit int, cursor string) (Listing, error) {
	if !rctx.Authenticated() {
		return Listing{}, model.NewUnauthenticatedError()
	}

	if limit < 1 || limit > c.listMax {
		return Listing{}, model.NewValidationError("/limit",
			fmt.Sprintf("limit must be between 1 and %d", c.listMax))
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return Listing{}, model.NewValidationError("/filter/status",
			fmt.Sprintf("unknown status %q", filter.Status))
	}

	offset := 0
	if cursor != "" {
		var err error
		offset, err = decodeCursor(cursor, rctx.CallerID, filter)
		if err != nil {
			return Listing{}, err
		}
	}

	records, more, err := c.store.Query(ctx, Query{
		CallerID: rctx.CallerID,
		Filter:   filter,
		Offset:   offset,
		Limit:    limit,
	})
	if err != nil {
		return Listing{}, fmt.Errorf("operation list: %w", err)
	}

	listing := Listing{Records: records}
	if more {
		listing.NextCursor = encodeCursor(offset+len(records), rctx.CallerID, filter)
	}
	return listing, nil
}

// Cancel transitions a caller's operation to cancelled. The sequence is
// read, ownership check, terminal check, conditional write; on a write
// conflict the whole sequence restarts from a fresh read, bounded by the
// attempt budget with exponential backoff in between. Exhausting the
// budget surfaces a distinct concurrent-modification error; the
// cancellation is never silently dropped and a newer terminal state is
// never silently overwritten.
func (c *Controller) Cancel(ctx context.Context, rctx *model.RequestContext, id string) (model.OperationRecord, error) {
	if !rctx.Authenticated() {
		return model.OperationRecord{}, model.NewUnauthenticatedError()
	}

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.backoff<<(attempt-1)); err != nil {
				return model.OperationRecord{}, err
			}
		}

		rec, ok, err := c.store.Get(ctx, id)
		if err != nil {
			return model.OperationRecord{}, fmt.Errorf("operation cancel %q: %w", id, err)
		}
		if !ok || rec.CallerID != rctx.CallerID {
			c.observeCancel("not_found")
			return model.OperationRecord{}, notFound()
		}

		if rec.Status.Terminal() {
			c.observeCancel("terminal")
			return model.OperationRecord{}, model.NewCannotCancelError(rec.Status)
		}

		cancelledAt := c.now().UTC()
		candidate := rec
		candidate.Status = model.OperationCancelled
		candidate.CancelledAt = &cancelledAt

		swapped, err := c.store.CompareAndSwap(ctx, id, rec.Revision, candidate)
		if err != nil {
			return model.OperationRecord{}, fmt.Errorf("operation cancel %q: %w", id, err)
		}
		if swapped {
			candidate.Revision = rec.Revision + 1
			c.observeCancel("ok")
			c.logger.Info("operation cancelled",
				zap.String("operation_id", id),
				zap.String("caller_id", rctx.CallerID),
				zap.Int("attempts", attempt+1),
			)
			return candidate, nil
		}

		// Another writer advanced the revision between our read and write,
		// possibly completing the operation. Re-read and re-decide.
		if c.onConflict != nil {
			c.onConflict()
		}
	}

	c.observeCancel("conflict")
	c.logger.Warn("operation cancel abandoned after repeated conflicts",
		zap.String("operation_id", id),
		zap.String("caller_id", rctx.CallerID),
		zap.Int("attempts", c.maxAttempts),
	)
	return model.OperationRecord{}, model.NewConcurrentModificationError()
}

func (c *Controller) observeCancel(result string) {
	if c.onCancel != nil {
		c.onCancel(result)
	}
}

// notFound is the single error shape shared by "does not exist" and
// "exists but is not yours".
func notFound() *model.Error {
	return model.NewNotFoundError("operation not found")
}

// sleepCtx sleeps for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

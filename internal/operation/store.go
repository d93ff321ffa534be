// Package operation implements the async operation lifecycle: the state
// machine over stored operation records, cancellation under optimistic
// concurrency, and cursor-paginated listing.
package operation

import (
	"context"

	"github.com/forrst-rpc/forrstd/model"
)

// Filter narrows an operation listing. All fields are optional.
type Filter struct {
	Status   model.OperationStatus
	Function model.URN
}

// Query is the store-level listing request. Results are always scoped to
// one caller; the store never exposes a cross-caller listing.
type Query struct {
	CallerID string
	Filter   Filter
	Offset   int
	Limit    int
}

// Store is the narrow persistence contract the lifecycle controller
// requires. The conditional write in CompareAndSwap is the only mutual
// exclusion primitive the controller relies on; no external locking is
// assumed.
type Store interface {
	// Get retrieves a record by id. The second return is false when the id
	// is absent.
	Get(ctx context.Context, id string) (model.OperationRecord, bool, error)

	// Put stores a record unconditionally. Used only at creation.
	Put(ctx context.Context, rec model.OperationRecord) error

	// CompareAndSwap replaces the stored record iff its revision still
	// equals expectedRevision. On success the stored record carries
	// expectedRevision+1 and true is returned; on a revision mismatch or a
	// missing id, false.
	CompareAndSwap(ctx context.Context, id string, expectedRevision int64, rec model.OperationRecord) (bool, error)

	// Query returns one page of records ordered by creation time descending
	// (newest first, id as tie-break), and whether more records follow the
	// page.
	Query(ctx context.Context, q Query) (records []model.OperationRecord, more bool, err error)
}

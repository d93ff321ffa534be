package operation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forrst-rpc/forrstd/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5. The conditional write
// is a single UPDATE guarded on the stored revision, so concurrent writers
// are serialized by the database row lock and at most one wins.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL operation store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Ping checks database connectivity. Readiness probe material.
func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const operationColumns = `
	id, function, version, status, progress, result, errors,
	started_at, completed_at, cancelled_at,
	caller_id, revision, metadata, created_at`

// Get retrieves a record by id.
func (s *PgStore) Get(ctx context.Context, id string) (model.OperationRecord, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+operationColumns+`
		FROM operations
		WHERE id = $1`, id)

	rec, err := scanRecord(row)
	if err == pgx.ErrNoRows {
		return model.OperationRecord{}, false, nil
	}
	if err != nil {
		return model.OperationRecord{}, false, fmt.Errorf("query operation: %w", err)
	}
	return rec, true, nil
}

// Put inserts a new record.
func (s *PgStore) Put(ctx context.Context, rec model.OperationRecord) error {
	resultJSON, errorsJSON, metadataJSON, err := marshalOpaque(rec)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO operations (`+operationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rec.ID, string(rec.Function), rec.Version, string(rec.Status), rec.Progress,
		resultJSON, errorsJSON,
		rec.StartedAt, rec.CompletedAt, rec.CancelledAt,
		rec.CallerID, rec.Revision, metadataJSON, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}

// CompareAndSwap replaces the record iff the stored revision matches.
func (s *PgStore) CompareAndSwap(ctx context.Context, id string, expectedRevision int64, rec model.OperationRecord) (bool, error) {
	resultJSON, errorsJSON, metadataJSON, err := marshalOpaque(rec)
	if err != nil {
		return false, err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE operations
		SET status = $3, progress = $4, result = $5, errors = $6,
		    started_at = $7, completed_at = $8, cancelled_at = $9,
		    metadata = $10, revision = revision + 1
		WHERE id = $1 AND revision = $2`,
		id, expectedRevision,
		string(rec.Status), rec.Progress, resultJSON, errorsJSON,
		rec.StartedAt, rec.CompletedAt, rec.CancelledAt,
		metadataJSON,
	)
	if err != nil {
		return false, fmt.Errorf("conditional update operation: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Query returns one page of a caller's records, newest first. It fetches
// one row beyond the limit to learn whether more records follow.
func (s *PgStore) Query(ctx context.Context, q Query) ([]model.OperationRecord, bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+operationColumns+`
		FROM operations
		WHERE caller_id = $1
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR function = $3)
		ORDER BY created_at DESC, id ASC
		OFFSET $4 LIMIT $5`,
		q.CallerID, string(q.Filter.Status), string(q.Filter.Function),
		q.Offset, q.Limit+1,
	)
	if err != nil {
		return nil, false, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	records := make([]model.OperationRecord, 0, q.Limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, false, fmt.Errorf("scan operation: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate operations: %w", err)
	}

	more := false
	if len(records) > q.Limit {
		records = records[:q.Limit]
		more = true
	}
	return records, more, nil
}

func marshalOpaque(rec model.OperationRecord) (result, errs, metadata []byte, err error) {
	if rec.Result != nil {
		if result, err = json.Marshal(rec.Result); err != nil {
			return nil, nil, nil, fmt.Errorf("marshal result: %w", err)
		}
	}
	if rec.Errors != nil {
		if errs, err = json.Marshal(rec.Errors); err != nil {
			return nil, nil, nil, fmt.Errorf("marshal errors: %w", err)
		}
	}
	if rec.Metadata != nil {
		if metadata, err = json.Marshal(rec.Metadata); err != nil {
			return nil, nil, nil, fmt.Errorf("marshal metadata: %w", err)
		}
	}
	return result, errs, metadata, nil
}

func scanRecord(row pgx.Row) (model.OperationRecord, error) {
	var rec model.OperationRecord
	var function, status string
	var resultJSON, errorsJSON, metadataJSON []byte

	err := row.Scan(
		&rec.ID, &function, &rec.Version, &status, &rec.Progress,
		&resultJSON, &errorsJSON,
		&rec.StartedAt, &rec.CompletedAt, &rec.CancelledAt,
		&rec.CallerID, &rec.Revision, &metadataJSON, &rec.CreatedAt,
	)
	if err != nil {
		return model.OperationRecord{}, err
	}

	rec.Function = model.URN(function)
	rec.Status = model.OperationStatus(status)
	if resultJSON != nil {
		if err := json.Unmarshal(resultJSON, &rec.Result); err != nil {
			return model.OperationRecord{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if errorsJSON != nil {
		if err := json.Unmarshal(errorsJSON, &rec.Errors); err != nil {
			return model.OperationRecord{}, fmt.Errorf("unmarshal errors: %w", err)
		}
	}
	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil {
			return model.OperationRecord{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return rec, nil
}

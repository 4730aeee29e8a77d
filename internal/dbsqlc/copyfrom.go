package dbsqlc

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// JobInsertFastManyCopyFromParams is one row of a bulk, non-unique job
// insert. Adapted from the teacher's copyfrom-based JobInsertFastMany: no
// ON CONFLICT handling is possible with COPY, so this path is only valid
// for batches that carry no uniqueness key.
type JobInsertFastManyCopyFromParams struct {
	Args        []byte
	Kind        string
	MaxAttempts int16
	Metadata    []byte
	Priority    int16
	Queue       string
	ScheduledAt time.Time
	State       JobState
	Tags        []string
}

type iteratorForJobInsertFastManyCopyFrom struct {
	rows                 []*JobInsertFastManyCopyFromParams
	skippedFirstNextCall bool
}

func (r *iteratorForJobInsertFastManyCopyFrom) Next() bool {
	if len(r.rows) == 0 {
		return false
	}
	if !r.skippedFirstNextCall {
		r.skippedFirstNextCall = true
		return true
	}
	r.rows = r.rows[1:]
	return len(r.rows) > 0
}

func (r *iteratorForJobInsertFastManyCopyFrom) Values() ([]interface{}, error) {
	row := r.rows[0]
	return []interface{}{
		row.Args, row.Kind, row.MaxAttempts, row.Metadata, row.Priority,
		row.Queue, row.ScheduledAt, row.State, row.Tags,
	}, nil
}

func (r *iteratorForJobInsertFastManyCopyFrom) Err() error { return nil }

// JobInsertFastManyCopyFrom bulk-inserts rows via COPY, for high-throughput
// batches that need no per-row RETURNING and no uniqueness check (spec
// §4.1's insert_job is the per-row atomic unit; this is a deliberate
// bypass of it for the bulk case, traded off in DESIGN.md).
func (q *Queries) JobInsertFastManyCopyFrom(ctx context.Context, db DBTX, arg []*JobInsertFastManyCopyFromParams) (int64, error) {
	return db.CopyFrom(
		ctx,
		pgx.Identifier{"jobs"},
		[]string{"args", "kind", "max_attempts", "metadata", "priority", "queue", "scheduled_at", "state", "tags"},
		&iteratorForJobInsertFastManyCopyFrom{rows: arg},
	)
}

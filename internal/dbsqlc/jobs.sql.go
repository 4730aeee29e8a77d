package dbsqlc

import (
	"context"
	"time"
)

const jobInsertFast = `-- name: JobInsertFast :one
INSERT INTO jobs (
    args, kind, max_attempts, metadata, priority, queue, scheduled_at, state, tags
) VALUES (
    $1, $2, $3, coalesce($4::jsonb, '{}'), $5, $6, $7, $8, coalesce($9::text[], '{}')
) RETURNING id, state, queue, kind, args, metadata, tags, errors, attempted_by, attempt,
    max_attempts, priority, inserted_at, scheduled_at, attempted_at, completed_at,
    cancelled_at, discarded_at, unique_key
`

type JobInsertFastParams struct {
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

func (q *Queries) JobInsertFast(ctx context.Context, db DBTX, arg *JobInsertFastParams) (*Job, error) {
	row := db.QueryRow(ctx, jobInsertFast,
		arg.Args, arg.Kind, arg.MaxAttempts, arg.Metadata, arg.Priority, arg.Queue,
		arg.ScheduledAt, arg.State, arg.Tags,
	)
	return scanJob(row)
}

const jobInsertUnique = `-- name: JobInsertUnique :one
INSERT INTO jobs (
    args, kind, max_attempts, metadata, priority, queue, scheduled_at, state, tags, unique_key
) VALUES (
    $1, $2, $3, coalesce($4::jsonb, '{}'), $5, $6, $7, $8, coalesce($9::text[], '{}'), $10
)
ON CONFLICT (kind, unique_key) WHERE unique_key IS NOT NULL AND state NOT IN ('completed', 'discarded', 'cancelled')
    DO UPDATE SET kind = EXCLUDED.kind
RETURNING id, state, queue, kind, args, metadata, tags, errors, attempted_by, attempt,
    max_attempts, priority, inserted_at, scheduled_at, attempted_at, completed_at,
    cancelled_at, discarded_at, unique_key, (xmax != 0) AS unique_skipped_as_duplicate
`

type JobInsertUniqueParams struct {
	Args        []byte
	Kind        string
	MaxAttempts int16
	Metadata    []byte
	Priority    int16
	Queue       string
	ScheduledAt time.Time
	State       JobState
	Tags        []string
	UniqueKey   string
}

type JobInsertUniqueRow struct {
	Job                      Job
	UniqueSkippedAsDuplicate bool
}

func (q *Queries) JobInsertUnique(ctx context.Context, db DBTX, arg *JobInsertUniqueParams) (*JobInsertUniqueRow, error) {
	row := db.QueryRow(ctx, jobInsertUnique,
		arg.Args, arg.Kind, arg.MaxAttempts, arg.Metadata, arg.Priority, arg.Queue,
		arg.ScheduledAt, arg.State, arg.Tags, arg.UniqueKey,
	)

	var (
		i       JobInsertUniqueRow
		skipped bool
	)
	if err := row.Scan(
		&i.Job.ID, &i.Job.State, &i.Job.Queue, &i.Job.Kind, &i.Job.Args, &i.Job.Metadata,
		&i.Job.Tags, &i.Job.Errors, &i.Job.AttemptedBy, &i.Job.Attempt, &i.Job.MaxAttempts,
		&i.Job.Priority, &i.Job.InsertedAt, &i.Job.ScheduledAt, &i.Job.AttemptedAt,
		&i.Job.CompletedAt, &i.Job.CancelledAt, &i.Job.DiscardedAt, &i.Job.UniqueKey,
		&skipped,
	); err != nil {
		return nil, err
	}
	i.UniqueSkippedAsDuplicate = skipped
	return &i, nil
}

const jobStage = `-- name: JobStage :many
WITH due AS (
    SELECT id
    FROM jobs
    WHERE state IN ('scheduled', 'retryable')
        AND scheduled_at <= $1::timestamptz
    ORDER BY priority, scheduled_at, id
    LIMIT $2::bigint
    FOR UPDATE SKIP LOCKED
), staged AS (
    UPDATE jobs
    SET state = 'available'
    FROM due
    WHERE jobs.id = due.id
    RETURNING jobs.queue
)
SELECT DISTINCT queue FROM staged
`

type JobStageParams struct {
	Now   time.Time
	Limit int64
}

// JobStage promotes due scheduled/retryable rows to available and returns
// the distinct set of queues touched, so the Stager can notify exactly the
// producers that might now have work (spec §4.1, §4.5).
func (q *Queries) JobStage(ctx context.Context, db DBTX, arg *JobStageParams) ([]string, error) {
	rows, err := db.Query(ctx, jobStage, arg.Now, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queues []string
	for rows.Next() {
		var queue string
		if err := rows.Scan(&queue); err != nil {
			return nil, err
		}
		queues = append(queues, queue)
	}
	return queues, rows.Err()
}

const jobCheckAvailableQueues = `-- name: JobCheckAvailableQueues :many
SELECT DISTINCT queue
FROM jobs
WHERE state = 'available'
    AND scheduled_at <= now()
`

// JobCheckAvailableQueues returns every queue with at least one available
// job, per spec §4.1.
func (q *Queries) JobCheckAvailableQueues(ctx context.Context, db DBTX) ([]string, error) {
	rows, err := db.Query(ctx, jobCheckAvailableQueues)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queues []string
	for rows.Next() {
		var queue string
		if err := rows.Scan(&queue); err != nil {
			return nil, err
		}
		queues = append(queues, queue)
	}
	return queues, rows.Err()
}

const jobFetchAvailable = `-- name: JobFetchAvailable :many
WITH locked AS (
    SELECT id
    FROM jobs
    WHERE state = 'available'
        AND queue = $1::text
        AND scheduled_at <= now()
    ORDER BY priority ASC, scheduled_at ASC, id ASC
    LIMIT $2::integer
    FOR UPDATE SKIP LOCKED
)
UPDATE jobs
SET state = 'executing',
    attempt = jobs.attempt + 1,
    attempted_at = now(),
    attempted_by = array_append(jobs.attempted_by, $3::text)
FROM locked
WHERE jobs.id = locked.id
RETURNING jobs.id, jobs.state, jobs.queue, jobs.kind, jobs.args, jobs.metadata, jobs.tags,
    jobs.errors, jobs.attempted_by, jobs.attempt, jobs.max_attempts, jobs.priority,
    jobs.inserted_at, jobs.scheduled_at, jobs.attempted_at, jobs.completed_at,
    jobs.cancelled_at, jobs.discarded_at, jobs.unique_key
`

type JobFetchAvailableParams struct {
	Queue       string
	Demand      int32
	AttemptedBy string
}

// JobFetchAvailable is the only path that transitions AVAILABLE to
// EXECUTING (spec §4.1's "Guarantees" paragraph); SKIP LOCKED is what
// makes concurrent fetches across any number of nodes return disjoint
// rows.
func (q *Queries) JobFetchAvailable(ctx context.Context, db DBTX, arg *JobFetchAvailableParams) ([]*Job, error) {
	rows, err := db.Query(ctx, jobFetchAvailable, arg.Queue, arg.Demand, arg.AttemptedBy)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

const jobSetCompleted = `-- name: JobSetCompleted :one
UPDATE jobs
SET state = 'completed', completed_at = $2::timestamptz, metadata = metadata || $3::jsonb, unique_key = NULL
WHERE id = $1 AND state = 'executing'
RETURNING id, state, queue, kind, args, metadata, tags, errors, attempted_by, attempt,
    max_attempts, priority, inserted_at, scheduled_at, attempted_at, completed_at,
    cancelled_at, discarded_at, unique_key
`

type JobSetCompletedParams struct {
	ID          int64
	CompletedAt time.Time
	Metadata    []byte
}

func (q *Queries) JobSetCompleted(ctx context.Context, db DBTX, arg *JobSetCompletedParams) (*Job, error) {
	row := db.QueryRow(ctx, jobSetCompleted, arg.ID, arg.CompletedAt, arg.Metadata)
	return scanJob(row)
}

const jobSetErrored = `-- name: JobSetErrored :one
UPDATE jobs
SET state = $2::job_state,
    scheduled_at = $3::timestamptz,
    discarded_at = $4,
    errors = $5::jsonb,
    unique_key = CASE WHEN $2::job_state = 'discarded' THEN NULL ELSE unique_key END
WHERE id = $1 AND state = 'executing'
RETURNING id, state, queue, kind, args, metadata, tags, errors, attempted_by, attempt,
    max_attempts, priority, inserted_at, scheduled_at, attempted_at, completed_at,
    cancelled_at, discarded_at, unique_key
`

type JobSetErroredParams struct {
	ID          int64
	State       JobState // retryable or discarded
	ScheduledAt time.Time
	DiscardedAt *time.Time
	Errors      []byte
}

// JobSetErrored records a failed attempt and moves the job either back to
// retryable (scheduled for backoff) or to discarded, depending on whether
// attempts are exhausted (spec §4.3 step 4, §8 "DISCARDED ⇔ ...").
func (q *Queries) JobSetErrored(ctx context.Context, db DBTX, arg *JobSetErroredParams) (*Job, error) {
	row := db.QueryRow(ctx, jobSetErrored, arg.ID, arg.State, arg.ScheduledAt, arg.DiscardedAt, arg.Errors)
	return scanJob(row)
}

const jobSetSnoozed = `-- name: JobSetSnoozed :one
UPDATE jobs
SET state = 'scheduled', scheduled_at = $2::timestamptz
WHERE id = $1 AND state = 'executing'
RETURNING id, state, queue, kind, args, metadata, tags, errors, attempted_by, attempt,
    max_attempts, priority, inserted_at, scheduled_at, attempted_at, completed_at,
    cancelled_at, discarded_at, unique_key
`

type JobSetSnoozedParams struct {
	ID          int64
	ScheduledAt time.Time
}

func (q *Queries) JobSetSnoozed(ctx context.Context, db DBTX, arg *JobSetSnoozedParams) (*Job, error) {
	row := db.QueryRow(ctx, jobSetSnoozed, arg.ID, arg.ScheduledAt)
	return scanJob(row)
}

const jobSetCancelled = `-- name: JobSetCancelled :one
UPDATE jobs
SET state = 'cancelled', cancelled_at = $2::timestamptz, errors = $3::jsonb, unique_key = NULL
WHERE id = $1 AND state NOT IN ('completed', 'cancelled', 'discarded')
RETURNING id, state, queue, kind, args, metadata, tags, errors, attempted_by, attempt,
    max_attempts, priority, inserted_at, scheduled_at, attempted_at, completed_at,
    cancelled_at, discarded_at, unique_key
`

type JobSetCancelledParams struct {
	ID          int64
	CancelledAt time.Time
	Errors      []byte
}

func (q *Queries) JobSetCancelled(ctx context.Context, db DBTX, arg *JobSetCancelledParams) (*Job, error) {
	row := db.QueryRow(ctx, jobSetCancelled, arg.ID, arg.CancelledAt, arg.Errors)
	return scanJob(row)
}

const jobRescueOrphans = `-- name: JobRescueOrphans :many
WITH orphaned AS (
    SELECT j.id
    FROM jobs j
    WHERE j.state = 'executing'
        AND cardinality(j.attempted_by) > 0
        AND NOT EXISTS (
            SELECT 1 FROM producers p
            WHERE concat(p.name, '.', p.node) = j.attempted_by[array_upper(j.attempted_by, 1)]
        )
    FOR UPDATE OF j SKIP LOCKED
)
UPDATE jobs
SET state = CASE WHEN jobs.attempt < jobs.max_attempts THEN 'available' ELSE 'discarded' END,
    discarded_at = CASE WHEN jobs.attempt < jobs.max_attempts THEN NULL ELSE $1::timestamptz END,
    errors = errors || jsonb_build_array($2::jsonb),
    unique_key = CASE WHEN jobs.attempt < jobs.max_attempts THEN jobs.unique_key ELSE NULL END
FROM orphaned
WHERE jobs.id = orphaned.id
RETURNING jobs.id, jobs.state, jobs.queue, jobs.kind, jobs.args, jobs.metadata, jobs.tags,
    jobs.errors, jobs.attempted_by, jobs.attempt, jobs.max_attempts, jobs.priority,
    jobs.inserted_at, jobs.scheduled_at, jobs.attempted_at, jobs.completed_at,
    jobs.cancelled_at, jobs.discarded_at, jobs.unique_key
`

type JobRescueOrphansParams struct {
	Now           time.Time
	OrphanedError []byte
}

// JobRescueOrphans moves EXECUTING jobs whose owning producer has been
// reaped back to AVAILABLE (if attempts remain) or DISCARDED, per spec
// §3's EXECUTING invariant and §4.1's rescue_orphans.
func (q *Queries) JobRescueOrphans(ctx context.Context, db DBTX, arg *JobRescueOrphansParams) ([]*Job, error) {
	rows, err := db.Query(ctx, jobRescueOrphans, arg.Now, arg.OrphanedError)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

const jobDeleteBefore = `-- name: JobDeleteBefore :execrows
DELETE FROM jobs
WHERE id IN (
    SELECT id FROM jobs
    WHERE
        (state = 'completed' AND completed_at < $1::timestamptz) OR
        (state = 'cancelled' AND cancelled_at < $1::timestamptz) OR
        (state = 'discarded' AND discarded_at < $1::timestamptz)
    ORDER BY id
    LIMIT $2::bigint
)
`

type JobDeleteBeforeParams struct {
	Horizon time.Time
	Limit   int64
}

// JobDeleteBefore deletes terminal rows older than Horizon, bounded by
// Limit to avoid a single long-held lock (spec §4.8).
func (q *Queries) JobDeleteBefore(ctx context.Context, db DBTX, arg *JobDeleteBeforeParams) (int64, error) {
	tag, err := db.Exec(ctx, jobDeleteBefore, arg.Horizon, arg.Limit)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanJob(row interface {
	Scan(dest ...any) error
}) (*Job, error) {
	var i Job
	if err := row.Scan(
		&i.ID, &i.State, &i.Queue, &i.Kind, &i.Args, &i.Metadata, &i.Tags, &i.Errors,
		&i.AttemptedBy, &i.Attempt, &i.MaxAttempts, &i.Priority, &i.InsertedAt,
		&i.ScheduledAt, &i.AttemptedAt, &i.CompletedAt, &i.CancelledAt, &i.DiscardedAt,
		&i.UniqueKey,
	); err != nil {
		return nil, err
	}
	return &i, nil
}

func scanJobs(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]*Job, error) {
	var items []*Job
	for rows.Next() {
		var i Job
		if err := rows.Scan(
			&i.ID, &i.State, &i.Queue, &i.Kind, &i.Args, &i.Metadata, &i.Tags, &i.Errors,
			&i.AttemptedBy, &i.Attempt, &i.MaxAttempts, &i.Priority, &i.InsertedAt,
			&i.ScheduledAt, &i.AttemptedAt, &i.CompletedAt, &i.CancelledAt, &i.DiscardedAt,
			&i.UniqueKey,
		); err != nil {
			return nil, err
		}
		items = append(items, &i)
	}
	return items, rows.Err()
}

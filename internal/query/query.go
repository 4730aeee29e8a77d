// Package query is the single choke point for all SQL described in spec
// §4.1: every other component (Stager, Producer, Executor, Refresher,
// Pruner, Leader) calls through a *Query rather than touching
// internal/dbsqlc directly. Grounded on the teacher's internal query
// layer that sits between river.Client and riverdriver.Executor.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oban-go/oban/internal/dbsqlc"
	"github.com/oban-go/oban/obantype"
)

// Query wraps the generated query layer over a database handle, exposing
// the coarse-grained, atomic operations spec §4.1 names. db is normally a
// *pgxpool.Pool; tests substitute a rollback-isolated pgx.Tx so every test
// runs against an isolated view of the schema (see NewWithDB).
type Query struct {
	rawPool *pgxpool.Pool
	db      dbsqlc.DBTX
	q       *dbsqlc.Queries
}

// New returns a Query backed by pool.
func New(pool *pgxpool.Pool) *Query {
	return &Query{rawPool: pool, db: pool, q: dbsqlc.New()}
}

// NewWithDB returns a Query backed by an arbitrary DBTX -- a transaction
// begun via BeginTx, or (in tests) a rollback-isolated pgx.Tx -- for
// callers that don't need Pool()'s dedicated connection.
func NewWithDB(db dbsqlc.DBTX) *Query {
	return &Query{db: db, q: dbsqlc.New()}
}

// Pool exposes the underlying pool for components (the Leader's
// advisory-lock connection) that need a dedicated connection rather than a
// pooled one. The Notifier does not use it: it dials its own connection.
func (qy *Query) Pool() *pgxpool.Pool { return qy.rawPool }

// IsTransient classifies a Postgres error as a likely transient
// infrastructure failure (connection loss, lock contention) versus a
// programming error, per spec §7's "Infrastructure transient" error kind:
// callers log and let their timer retry rather than crashing the loop.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if asPgError(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.LockNotAvailable, pgerrcode.DeadlockDetected,
			pgerrcode.ConnectionException, pgerrcode.ConnectionDoesNotExist,
			pgerrcode.ConnectionFailure, pgerrcode.TooManyConnections:
			return true
		}
		return false
	}
	return true // errors carrying no Postgres error code (e.g. a dropped connection) are treated as transient
}

func asPgError(err error, target **pgconn.PgError) bool {
	for err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok { //nolint:errorlint
			*target = pgErr
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error }) //nolint:errorlint
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// InsertJob writes a single job row as given; it performs no validation of
// its own (callers build and validate the row first). If row carries a
// unique key (via uniqueKey, non-empty), a non-terminal existing job with
// the same (kind, unique_key) collapses the insert: the existing row is
// returned and no new row is written (spec §4.1, §4.10, §8). uniqueBitmap,
// when non-nil, is the match-group bitmap computed alongside uniqueKey and
// is persisted to meta.uniq_bmp (spec §4.10).
func (qy *Query) InsertJob(ctx context.Context, row *obantype.JobRow, uniqueKey string, uniqueBitmap []int) (result *obantype.JobRow, inserted bool, err error) {
	metadata := row.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage("{}")
	}

	if uniqueKey == "" {
		dbRow, err := qy.q.JobInsertFast(ctx, qy.db, &dbsqlc.JobInsertFastParams{
			Args:        row.Args,
			Kind:        row.Kind,
			MaxAttempts: int16(row.MaxAttempts),
			Metadata:    metadata,
			Priority:    int16(row.Priority),
			Queue:       row.Queue,
			ScheduledAt: row.ScheduledAt,
			State:       dbsqlc.JobState(row.State),
			Tags:        row.Tags,
		})
		if err != nil {
			return nil, false, fmt.Errorf("oban: insert job: %w", err)
		}
		return fromDBJob(dbRow), true, nil
	}

	metaWithKey, err := mergeUniqueMeta(metadata, uniqueKey, uniqueBitmap)
	if err != nil {
		return nil, false, err
	}

	dbRow, err := qy.q.JobInsertUnique(ctx, qy.db, &dbsqlc.JobInsertUniqueParams{
		Args:        row.Args,
		Kind:        row.Kind,
		MaxAttempts: int16(row.MaxAttempts),
		Metadata:    metaWithKey,
		Priority:    int16(row.Priority),
		Queue:       row.Queue,
		ScheduledAt: row.ScheduledAt,
		State:       dbsqlc.JobState(row.State),
		Tags:        row.Tags,
		UniqueKey:   uniqueKey,
	})
	if err != nil {
		return nil, false, fmt.Errorf("oban: insert unique job: %w", err)
	}

	return fromDBJob(&dbRow.Job), !dbRow.UniqueSkippedAsDuplicate, nil
}

func mergeUniqueMeta(metadata json.RawMessage, uniqueKey string, uniqueBitmap []int) (json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(metadata, &m); err != nil || m == nil {
		m = make(map[string]json.RawMessage)
	}

	keyJSON, err := json.Marshal(uniqueKey)
	if err != nil {
		return nil, err
	}
	m[obantype.MetaKeyUniqueKey] = keyJSON
	m[obantype.MetaKeyUnique] = json.RawMessage("true")

	if len(uniqueBitmap) > 0 {
		bitmapJSON, err := json.Marshal(uniqueBitmap)
		if err != nil {
			return nil, err
		}
		m[obantype.MetaKeyUniqueBitmap] = bitmapJSON
	}

	return json.Marshal(m)
}

// InsertManyFast bulk-inserts rows via COPY, skipping uniqueness checks and
// per-row RETURNING entirely: it's the high-throughput path for callers
// enqueuing large homogeneous batches that don't need uniqueness or the
// inserted rows back (spec §9's tradeoff between insert_job's per-row
// guarantee and bulk throughput; see DESIGN.md). Any row with a non-empty
// UniqueKey is rejected -- use InsertJob for those.
func (qy *Query) InsertManyFast(ctx context.Context, rows []*obantype.JobRow) (int64, error) {
	params := make([]*dbsqlc.JobInsertFastManyCopyFromParams, len(rows))
	for i, row := range rows {
		if row.UniqueKey != nil {
			return 0, fmt.Errorf("oban: InsertManyFast: row %d carries a uniqueness key, use InsertJob instead", i)
		}

		metadata := row.Metadata
		if len(metadata) == 0 {
			metadata = json.RawMessage("{}")
		}

		params[i] = &dbsqlc.JobInsertFastManyCopyFromParams{
			Args:        row.Args,
			Kind:        row.Kind,
			MaxAttempts: int16(row.MaxAttempts),
			Metadata:    metadata,
			Priority:    int16(row.Priority),
			Queue:       row.Queue,
			ScheduledAt: row.ScheduledAt,
			State:       dbsqlc.JobState(row.State),
			Tags:        row.Tags,
		}
	}

	n, err := qy.q.JobInsertFastManyCopyFrom(ctx, qy.db, params)
	if err != nil {
		return 0, fmt.Errorf("oban: insert many fast: %w", err)
	}
	return n, nil
}

// StageJobs promotes due SCHEDULED/RETRYABLE rows to AVAILABLE and returns
// the distinct set of queues affected (spec §4.1, §4.5).
func (qy *Query) StageJobs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	queues, err := qy.q.JobStage(ctx, qy.db, &dbsqlc.JobStageParams{Now: now, Limit: int64(limit)})
	if err != nil {
		return nil, fmt.Errorf("oban: stage jobs: %w", err)
	}
	return queues, nil
}

// CheckAvailableQueues returns every queue with at least one AVAILABLE job.
func (qy *Query) CheckAvailableQueues(ctx context.Context) ([]string, error) {
	queues, err := qy.q.JobCheckAvailableQueues(ctx, qy.db)
	if err != nil {
		return nil, fmt.Errorf("oban: check available queues: %w", err)
	}
	return queues, nil
}

// FetchJobs selects up to demand AVAILABLE jobs for queue, transitions them
// to EXECUTING, and returns them. ident is the "{name}.{node}" string
// appended to attempted_by (spec §4.1, §9).
func (qy *Query) FetchJobs(ctx context.Context, queue, ident string, demand int) ([]*obantype.JobRow, error) {
	if demand <= 0 {
		return nil, nil
	}

	dbJobs, err := qy.q.JobFetchAvailable(ctx, qy.db, &dbsqlc.JobFetchAvailableParams{
		Queue:       queue,
		Demand:      int32(demand),
		AttemptedBy: ident,
	})
	if err != nil {
		return nil, fmt.Errorf("oban: fetch jobs: %w", err)
	}

	return fromDBJobs(dbJobs), nil
}

// CompleteJob marks job COMPLETED, optionally recording a value under
// meta.recorded (spec §4.3's Record(value) sentinel).
func (qy *Query) CompleteJob(ctx context.Context, id int64, completedAt time.Time, metadata json.RawMessage) (*obantype.JobRow, error) {
	if len(metadata) == 0 {
		metadata = json.RawMessage("{}")
	}
	dbRow, err := qy.q.JobSetCompleted(ctx, qy.db, &dbsqlc.JobSetCompletedParams{
		ID: id, CompletedAt: completedAt, Metadata: metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("oban: complete job %d: %w", id, err)
	}
	return fromDBJob(dbRow), nil
}

// ErrorJob records a failed attempt. If attempt >= maxAttempts the job
// moves to DISCARDED; otherwise it moves to RETRYABLE with scheduled_at =
// now + backoff (spec §3 state machine, §4.3 step 4).
func (qy *Query) ErrorJob(ctx context.Context, job *obantype.JobRow, attemptErr obantype.AttemptError, backoff time.Duration, now time.Time) (*obantype.JobRow, error) {
	errs, err := appendError(job.Errors, attemptErr)
	if err != nil {
		return nil, err
	}

	var (
		state       dbsqlc.JobState
		scheduledAt time.Time
		discardedAt *time.Time
	)

	if job.Attempt >= job.MaxAttempts {
		state = dbsqlc.JobStateDiscarded
		scheduledAt = job.ScheduledAt
		t := now
		discardedAt = &t
	} else {
		state = dbsqlc.JobStateRetryable
		scheduledAt = now.Add(backoff)
	}

	dbRow, err := qy.q.JobSetErrored(ctx, qy.db, &dbsqlc.JobSetErroredParams{
		ID: job.ID, State: state, ScheduledAt: scheduledAt, DiscardedAt: discardedAt, Errors: errs,
	})
	if err != nil {
		return nil, fmt.Errorf("oban: error job %d: %w", job.ID, err)
	}
	return fromDBJob(dbRow), nil
}

// SnoozeJob moves job back to SCHEDULED at scheduledAt without counting it
// as an error (spec §4.3 step 4's Snooze(seconds) sentinel).
func (qy *Query) SnoozeJob(ctx context.Context, id int64, scheduledAt time.Time) (*obantype.JobRow, error) {
	dbRow, err := qy.q.JobSetSnoozed(ctx, qy.db, &dbsqlc.JobSetSnoozedParams{ID: id, ScheduledAt: scheduledAt})
	if err != nil {
		return nil, fmt.Errorf("oban: snooze job %d: %w", id, err)
	}
	return fromDBJob(dbRow), nil
}

// CancelJob moves job to CANCELLED, recording reason as its terminal
// error. Works from any non-terminal state (spec §3's "any → [CANCELLED]").
func (qy *Query) CancelJob(ctx context.Context, job *obantype.JobRow, reason string, now time.Time) (*obantype.JobRow, error) {
	errs, err := appendError(job.Errors, obantype.AttemptError{At: now, Attempt: job.Attempt, Error: reason})
	if err != nil {
		return nil, err
	}

	dbRow, err := qy.q.JobSetCancelled(ctx, qy.db, &dbsqlc.JobSetCancelledParams{
		ID: job.ID, CancelledAt: now, Errors: errs,
	})
	if err != nil {
		return nil, fmt.Errorf("oban: cancel job %d: %w", job.ID, err)
	}
	return fromDBJob(dbRow), nil
}

// RescueOrphans moves EXECUTING jobs whose owning producer is gone back to
// AVAILABLE (attempts remain) or DISCARDED (spec §4.1, §8 scenario 5).
func (qy *Query) RescueOrphans(ctx context.Context, now time.Time) ([]*obantype.JobRow, error) {
	orphanErr, err := json.Marshal(obantype.AttemptError{
		At: now, Error: "job orphaned: owning producer was reaped while job was executing",
	})
	if err != nil {
		return nil, err
	}

	dbJobs, err := qy.q.JobRescueOrphans(ctx, qy.db, &dbsqlc.JobRescueOrphansParams{
		Now: now, OrphanedError: orphanErr,
	})
	if err != nil {
		return nil, fmt.Errorf("oban: rescue orphans: %w", err)
	}
	return fromDBJobs(dbJobs), nil
}

// Prune deletes terminal rows older than horizon, bounded by limit (spec
// §4.1, §4.8).
func (qy *Query) Prune(ctx context.Context, horizon time.Time, limit int) (int64, error) {
	n, err := qy.q.JobDeleteBefore(ctx, qy.db, &dbsqlc.JobDeleteBeforeParams{Horizon: horizon, Limit: int64(limit)})
	if err != nil {
		return 0, fmt.Errorf("oban: prune: %w", err)
	}
	return n, nil
}

// InsertProducer writes a new producer row.
func (qy *Query) InsertProducer(ctx context.Context, p *obantype.ProducerRow) (*obantype.ProducerRow, error) {
	meta := p.Meta
	if len(meta) == 0 {
		meta = json.RawMessage("{}")
	}
	dbRow, err := qy.q.ProducerInsert(ctx, qy.db, &dbsqlc.ProducerInsertParams{
		UUID: p.UUID, Name: p.Name, Node: p.Node, Queue: p.Queue, Meta: meta, UpdatedAt: p.UpdatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("oban: insert producer: %w", err)
	}
	return fromDBProducer(dbRow), nil
}

// UpdateProducerMeta persists a producer's meta (e.g. meta.paused), per
// spec §4.4's pause handling.
func (qy *Query) UpdateProducerMeta(ctx context.Context, uuid string, meta json.RawMessage, now time.Time) (*obantype.ProducerRow, error) {
	dbRow, err := qy.q.ProducerUpdateMeta(ctx, qy.db, &dbsqlc.ProducerUpdateMetaParams{
		UUID: uuid, Meta: meta, UpdatedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("oban: update producer meta: %w", err)
	}
	return fromDBProducer(dbRow), nil
}

// HeartbeatProducers refreshes updated_at for every uuid this node owns.
func (qy *Query) HeartbeatProducers(ctx context.Context, uuids []string, now time.Time) (int64, error) {
	if len(uuids) == 0 {
		return 0, nil
	}
	n, err := qy.q.ProducerHeartbeatMany(ctx, qy.db, &dbsqlc.ProducerHeartbeatManyParams{UUIDs: uuids, Now: now})
	if err != nil {
		return 0, fmt.Errorf("oban: heartbeat producers: %w", err)
	}
	return n, nil
}

// DeleteProducer removes a single producer row (called on clean shutdown).
func (qy *Query) DeleteProducer(ctx context.Context, uuid string) error {
	if err := qy.q.ProducerDelete(ctx, qy.db, uuid); err != nil {
		return fmt.Errorf("oban: delete producer %s: %w", uuid, err)
	}
	return nil
}

// DeleteExpiredProducers deletes producer rows whose heartbeat predates
// now.Add(-maxAge) and returns the rows deleted (spec §4.7, §4.6).
func (qy *Query) DeleteExpiredProducers(ctx context.Context, maxAge time.Duration, now time.Time) ([]*obantype.ProducerRow, error) {
	dbRows, err := qy.q.ProducerDeleteExpired(ctx, qy.db, now.Add(-maxAge))
	if err != nil {
		return nil, fmt.Errorf("oban: delete expired producers: %w", err)
	}
	return fromDBProducers(dbRows), nil
}

// ListLiveProducers returns every producer row heartbeated more recently
// than now.Add(-maxAge), for introspection callers (e.g. Oban.Producers)
// that want the current cluster topology without waiting on the
// refresher's reaping pass.
func (qy *Query) ListLiveProducers(ctx context.Context, maxAge time.Duration, now time.Time) ([]*obantype.ProducerRow, error) {
	dbRows, err := qy.q.ProducerListLive(ctx, qy.db, now.Add(-maxAge))
	if err != nil {
		return nil, fmt.Errorf("oban: list live producers: %w", err)
	}
	return fromDBProducers(dbRows), nil
}

// Notify publishes payload on channel via pg_notify, for components
// (Stager, Producer, Leader) that need to wake up listeners without
// holding a dedicated LISTEN connection themselves (spec §4.2).
func (qy *Query) Notify(ctx context.Context, channel, payload string) error {
	_, err := qy.db.Exec(ctx, "select pg_notify($1, $2)", channel, payload)
	if err != nil {
		return fmt.Errorf("oban: notify %s: %w", channel, err)
	}
	return nil
}

// BeginTx starts an explicit transaction for callers needing several
// operations to commit atomically (currently unused by any component, but
// kept as a deliberate escape hatch the way the teacher's Executor.Begin
// is -- see DESIGN.md). Only available when Query is backed by a real pool.
func (qy *Query) BeginTx(ctx context.Context) (pgx.Tx, error) {
	if qy.rawPool == nil {
		return nil, fmt.Errorf("oban: BeginTx: query is not backed by a pool")
	}
	return qy.rawPool.Begin(ctx)
}

func appendError(existing []obantype.AttemptError, add obantype.AttemptError) (json.RawMessage, error) {
	all := append(append([]obantype.AttemptError(nil), existing...), add)
	return json.Marshal(all)
}

func fromDBJob(j *dbsqlc.Job) *obantype.JobRow {
	var errs []obantype.AttemptError
	if len(j.Errors) > 0 {
		_ = json.Unmarshal(j.Errors, &errs)
	}

	args := json.RawMessage(j.Args)
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	meta := json.RawMessage(j.Metadata)
	if len(meta) == 0 {
		meta = json.RawMessage("{}")
	}

	return &obantype.JobRow{
		ID:          j.ID,
		State:       obantype.JobState(j.State),
		Queue:       j.Queue,
		Kind:        j.Kind,
		Args:        args,
		Metadata:    meta,
		Tags:        j.Tags,
		Errors:      errs,
		AttemptedBy: j.AttemptedBy,
		Attempt:     int(j.Attempt),
		MaxAttempts: int(j.MaxAttempts),
		Priority:    int(j.Priority),
		InsertedAt:  j.InsertedAt,
		ScheduledAt: j.ScheduledAt,
		AttemptedAt: j.AttemptedAt,
		CompletedAt: j.CompletedAt,
		CancelledAt: j.CancelledAt,
		DiscardedAt: j.DiscardedAt,
		UniqueKey:   j.UniqueKey,
	}
}

func fromDBJobs(jobs []*dbsqlc.Job) []*obantype.JobRow {
	out := make([]*obantype.JobRow, len(jobs))
	for i, j := range jobs {
		out[i] = fromDBJob(j)
	}
	return out
}

func fromDBProducer(p *dbsqlc.Producer) *obantype.ProducerRow {
	meta := json.RawMessage(p.Meta)
	if len(meta) == 0 {
		meta = json.RawMessage("{}")
	}
	return &obantype.ProducerRow{
		UUID: p.UUID, Name: p.Name, Node: p.Node, Queue: p.Queue, Meta: meta, UpdatedAt: p.UpdatedAt,
	}
}

func fromDBProducers(producers []*dbsqlc.Producer) []*obantype.ProducerRow {
	out := make([]*obantype.ProducerRow, len(producers))
	for i, p := range producers {
		out[i] = fromDBProducer(p)
	}
	return out
}

package oban

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oban-go/oban/internal/query"
	"github.com/oban-go/oban/obantype"
)

// Job lifecycle states, per spec §3. Aliased from obantype so internal
// control-loop packages and the public API agree on a single definition
// without creating an import cycle (obantype has no dependency on this
// package).
type JobState = obantype.JobState

const (
	JobStateAvailable = obantype.JobStateAvailable
	JobStateScheduled = obantype.JobStateScheduled
	JobStateExecuting = obantype.JobStateExecuting
	JobStateRetryable = obantype.JobStateRetryable
	JobStateCompleted = obantype.JobStateCompleted
	JobStateDiscarded = obantype.JobStateDiscarded
	JobStateCancelled = obantype.JobStateCancelled
)

const (
	MetaKeyUniqueKey         = obantype.MetaKeyUniqueKey
	MetaKeyUnique            = obantype.MetaKeyUnique
	MetaKeyUniqueBitmap      = obantype.MetaKeyUniqueBitmap
	MetaKeyRecorded          = obantype.MetaKeyRecorded
	MetaKeyPaused            = obantype.MetaKeyPaused
	MetaKeyCancelAttemptedAt = obantype.MetaKeyCancelAttemptedAt
)

// AttemptError is one recorded failure for a single attempt.
type AttemptError = obantype.AttemptError

// JobRow is the untyped, storage-shaped representation of a job.
type JobRow = obantype.JobRow

// ProducerRow is the untyped, storage-shaped representation of a
// producer, as returned by Oban.Producers.
type ProducerRow = obantype.ProducerRow

// NormalizeTags lowercases, trims, deduplicates, and sorts a tag set per
// spec §3.
func NormalizeTags(tags []string) []string { return obantype.NormalizeTags(tags) }

// InsertOpts controls how a single job is inserted, mirroring the options
// a caller can pass to Oban.Insert / Oban.InsertMany.
type InsertOpts struct {
	Queue       string
	Priority    int // 0-9, lower means higher priority; 0 means "use default"
	MaxAttempts int
	ScheduledAt time.Time
	Tags        []string
	Unique      *UniqueOpts
}

const (
	DefaultQueue       = "default"
	DefaultPriority    = 0
	DefaultMaxAttempts = 20
)

// buildInsertParams fills in defaults and validates an InsertOpts, returning
// the fields insert_job needs. It is the Go analogue of oban-py's
// job.py validation pass run before a row is written.
func buildInsertParams(kind string, args json.RawMessage, opts InsertOpts, now time.Time) (*JobRow, error) {
	if kind == "" {
		return nil, &ConfigError{Field: "kind", Reason: "must not be empty"}
	}

	queue := opts.Queue
	if queue == "" {
		queue = DefaultQueue
	}

	priority := opts.Priority
	if priority < 0 || priority > 9 {
		return nil, &ConfigError{Field: "priority", Reason: "must be between 0 and 9"}
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	scheduledAt := opts.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}
	scheduledAt = scheduledAt.UTC()

	state := JobStateAvailable
	if scheduledAt.After(now) {
		state = JobStateScheduled
	}

	return &JobRow{
		State:       state,
		Queue:       queue,
		Kind:        kind,
		Args:        args,
		Tags:        NormalizeTags(opts.Tags),
		Attempt:     0,
		MaxAttempts: maxAttempts,
		Priority:    priority,
		InsertedAt:  now,
		ScheduledAt: scheduledAt,
	}, nil
}

// insertJobRow builds and writes a single job row, computing and applying
// its uniqueness key (if any) before handing off to the query layer. This
// is the one path both Oban.Insert/InsertMany and the cron scheduler use
// (spec §4.1 insert_job, §4.10).
func insertJobRow(ctx context.Context, qy *query.Query, kind string, args json.RawMessage, opts InsertOpts, now time.Time) (row *JobRow, inserted bool, err error) {
	built, err := buildInsertParams(kind, args, opts, now)
	if err != nil {
		return nil, false, err
	}

	var (
		uniqueKey    string
		uniqueBitmap []int
	)
	if opts.Unique != nil {
		uniqueKey, uniqueBitmap, err = ComputeUniqueKey(kind, built.Queue, args, opts.Unique, built.ScheduledAt)
		if err != nil {
			return nil, false, fmt.Errorf("oban: computing uniqueness key: %w", err)
		}
	}

	return qy.InsertJob(ctx, built, uniqueKey, uniqueBitmap)
}

// insertArgs marshals args and delegates to insertJobRow.
func insertArgs(ctx context.Context, qy *query.Query, args Args, opts InsertOpts, now time.Time) (*JobRow, bool, error) {
	encoded, err := json.Marshal(args)
	if err != nil {
		return nil, false, fmt.Errorf("oban: marshalling args for kind %q: %w", args.Kind(), err)
	}
	return insertJobRow(ctx, qy, args.Kind(), encoded, opts, now)
}

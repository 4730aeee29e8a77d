package oban

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oban-go/oban/internal/baseservice"
	"github.com/oban-go/oban/internal/query"
	"github.com/oban-go/oban/obantype"
)

// jobExecutor runs exactly one job to completion: resolve its worker,
// invoke it under cancellation watch, classify the result, and call the
// matching terminal query (spec §4.3). It lives in the root package
// (rather than an internal subpackage) because it needs direct access to
// the Workers registry and EventBus, both public collaborators injected
// by the embedding application -- the same reason the teacher's
// job_executor.go sits in package river rather than under internal/.
type jobExecutor struct {
	baseservice.BaseService

	query    *query.Query
	workers  *Workers
	eventBus *EventBus

	// unsafe disables the "classify and continue" contract and instead
	// re-raises worker panics/errors after telemetry is emitted, the way
	// tests want to observe failures directly (spec §4.3 "Unsafe mode").
	unsafe bool
}

func newJobExecutor(archetype *baseservice.Archetype, q *query.Query, workers *Workers, bus *EventBus) *jobExecutor {
	return &jobExecutor{
		BaseService: baseservice.NewBaseService(archetype, "executor"),
		query:       q,
		workers:     workers,
		eventBus:    bus,
	}
}

// Execute runs row to completion, returning the terminal JobRow reflecting
// whatever transition occurred. In safe mode a worker failure never
// surfaces as an error (it ends in a recorded transition); Execute returns
// an error only when recording the transition fails, a Record value cannot
// be marshalled, or the worker returns an unrecognized Result. In unsafe
// mode a worker panic or Work error propagates after telemetry.
func (e *jobExecutor) Execute(ctx context.Context, row *JobRow) (*JobRow, error) {
	start := e.Now()
	queueTime := start.Sub(row.ScheduledAt)

	e.eventBus.Emit(Event{Kind: EventJobStart, Job: row})

	info := e.workers.lookup(row.Kind)
	if info == nil {
		return e.handleUnregisteredWorker(ctx, row, start, queueTime)
	}

	result, workErr := e.invoke(ctx, info, row)
	duration := e.Now().Sub(start)

	if workErr != nil {
		if e.unsafe {
			e.eventBus.Emit(Event{
				Kind: EventJobException, Job: row, Duration: duration, QueueTime: queueTime,
				ErrorMessage: workErr.Error(),
			})
			return nil, workErr
		}
		return e.handleWorkError(ctx, row, info, workErr, duration, queueTime)
	}

	return e.handleResult(ctx, row, result, duration, queueTime)
}

// invoke calls the worker's Work method, applying its Timeout (if any) to
// ctx and recovering a panic into an error so a buggy worker can never
// take down the producer's goroutine pool.
func (e *jobExecutor) invoke(ctx context.Context, info *workerInfo, row *JobRow) (result Result, err error) {
	workCtx := ctx
	if d := info.timeout(row); d > 0 {
		var cancel context.CancelFunc
		workCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("oban: worker panicked: %v", r)
		}
	}()

	return info.work(workCtx, row)
}

// handleUnregisteredWorker discards row outright: a missing registration
// can never be fixed by retrying (spec §7's "Programming fatal" error
// kind), so attempts-remaining is irrelevant here.
func (e *jobExecutor) handleUnregisteredWorker(ctx context.Context, row *JobRow, start time.Time, queueTime time.Duration) (*JobRow, error) {
	workErr := &UnregisteredWorkerError{Kind: row.Kind}
	duration := e.Now().Sub(start)

	e.eventBus.Emit(Event{
		Kind: EventJobException, Job: row, State: JobStateDiscarded,
		Duration: duration, QueueTime: queueTime, ErrorMessage: workErr.Error(),
	})

	discardRow := *row
	discardRow.Attempt = discardRow.MaxAttempts

	updated, err := e.query.ErrorJob(ctx, &discardRow, obantype.AttemptError{
		At: e.Now(), Attempt: row.Attempt, Error: workErr.Error(),
	}, 0, e.Now())
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (e *jobExecutor) handleWorkError(ctx context.Context, row *JobRow, info *workerInfo, workErr error, duration, queueTime time.Duration) (*JobRow, error) {
	backoff := info.nextRetry(row)
	if backoff <= 0 {
		backoff = DefaultBackoff(row.Attempt)
	}

	willDiscard := row.Attempt >= row.MaxAttempts
	state := JobStateRetryable
	if willDiscard {
		state = JobStateDiscarded
	}

	e.eventBus.Emit(Event{
		Kind: EventJobException, Job: row, State: state, Duration: duration,
		QueueTime: queueTime, ErrorMessage: workErr.Error(),
	})

	updated, err := e.query.ErrorJob(ctx, row, obantype.AttemptError{
		At: e.Now(), Attempt: row.Attempt, Error: workErr.Error(),
	}, backoff, e.Now())
	if err != nil {
		return nil, fmt.Errorf("oban: recording worker error: %w", err)
	}
	return updated, nil
}

func (e *jobExecutor) handleResult(ctx context.Context, row *JobRow, result Result, duration, queueTime time.Duration) (*JobRow, error) {
	switch r := result.(type) {
	case nil:
		return e.complete(ctx, row, nil, duration, queueTime)

	case recordResult:
		recorded, err := marshalRecorded(r.value)
		if err != nil {
			return nil, err
		}
		return e.complete(ctx, row, recorded, duration, queueTime)

	case snoozeResult:
		e.eventBus.Emit(Event{Kind: EventJobStop, Job: row, State: JobStateScheduled, Duration: duration, QueueTime: queueTime})
		updated, err := e.query.SnoozeJob(ctx, row.ID, e.Now().Add(time.Duration(r.seconds)*time.Second))
		if err != nil {
			return nil, fmt.Errorf("oban: snoozing job: %w", err)
		}
		return updated, nil

	case cancelResult:
		e.eventBus.Emit(Event{Kind: EventJobStop, Job: row, State: JobStateCancelled, Duration: duration, QueueTime: queueTime})
		updated, err := e.query.CancelJob(ctx, row, r.err.Error(), e.Now())
		if err != nil {
			return nil, fmt.Errorf("oban: cancelling job: %w", err)
		}
		return updated, nil

	default:
		return nil, fmt.Errorf("oban: worker returned unrecognized Result type %T", result)
	}
}

func (e *jobExecutor) complete(ctx context.Context, row *JobRow, recordedMeta []byte, duration, queueTime time.Duration) (*JobRow, error) {
	e.eventBus.Emit(Event{Kind: EventJobStop, Job: row, State: JobStateCompleted, Duration: duration, QueueTime: queueTime})

	updated, err := e.query.CompleteJob(ctx, row.ID, e.Now(), recordedMeta)
	if err != nil {
		return nil, fmt.Errorf("oban: completing job: %w", err)
	}
	return updated, nil
}

func marshalRecorded(value any) ([]byte, error) {
	meta := map[string]any{obantype.MetaKeyRecorded: value}
	return json.Marshal(meta)
}

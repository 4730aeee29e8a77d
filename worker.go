package oban

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Args is implemented by every job payload type. Kind returns the stable
// string name the executor uses to look up the registered worker — it's
// the "{kind}" that ends up in the jobs.kind column.
type Args interface {
	Kind() string
}

// Job is the strongly typed view of a job row handed to a worker's Work
// method. It wraps JobRow, decoding Args into the concrete type T.
type Job[T Args] struct {
	*JobRow
	Args T
}

// Worker is implemented by every registered job handler. Work returns a
// (Result, error) pair that the executor classifies exhaustively per spec
// §4.3/§9's "Snooze | Cancel | Record | value | None" sum type: a non-nil
// error is the failure path (retry with backoff, or discard once attempts
// are exhausted); a nil error pairs with a Result that is either nil
// (None — plain success), Snooze(seconds), Cancel(reason), or Record(value).
type Worker[T Args] interface {
	Work(ctx context.Context, job *Job[T]) (Result, error)

	// NextRetry computes the backoff duration for the given attempt. A
	// worker using WorkerDefaults gets DefaultBackoff; workers with
	// unusually bursty failure characteristics can override it.
	NextRetry(job *Job[T]) time.Duration

	// Timeout bounds how long a single Work call is allowed to run before
	// its context is cancelled. Zero means no per-job timeout (only the
	// executor's overall shutdown context applies).
	Timeout(job *Job[T]) time.Duration
}

// Result is the tagged union of outcomes a worker's Work method can
// return alongside a nil error, per spec §9's "Sum-typed results" design
// note. The zero value of this interface (nil) is None: the job
// completed normally with nothing to record. The unexported marker method
// closes the set to nil plus the three constructors below so the
// executor's type switch can be exhaustive.
type Result interface {
	obanResult()
}

type snoozeResult struct{ seconds int64 }

func (snoozeResult) obanResult() {}

type cancelResult struct{ err error }

func (cancelResult) obanResult() {}

type recordResult struct{ value any }

func (recordResult) obanResult() {}

// Snooze returns a Result directing the executor to reschedule the job
// seconds in the future without counting it as a failed attempt (spec
// §3's EXECUTING → SCHEDULED "snooze" transition).
func Snooze(seconds int) Result {
	return snoozeResult{seconds: int64(seconds)}
}

// Cancel returns a Result directing the executor to move the job straight
// to CANCELLED, recording reason as its terminal error. A nil reason
// records a generic "job cancelled" message.
func Cancel(reason error) Result {
	if reason == nil {
		reason = errors.New("job cancelled")
	}
	return cancelResult{err: reason}
}

// Record returns a Result directing the executor to complete the job
// normally while storing value (marshalled to JSON) under meta.recorded.
func Record(value any) Result {
	return recordResult{value: value}
}

// WorkerDefaults is embedded by concrete worker implementations to satisfy
// the non-Work methods of Worker[T] with the runtime's defaults, the same
// convention the teacher uses for river.WorkerDefaults[T].
type WorkerDefaults[T Args] struct{}

func (WorkerDefaults[T]) NextRetry(job *Job[T]) time.Duration { return DefaultBackoff(job.Attempt) }
func (WorkerDefaults[T]) Timeout(job *Job[T]) time.Duration   { return 0 }

// workerInfo type-erases a registered Worker[T] so the executor can
// dispatch on a job's string kind without reflection-heavy generic
// plumbing at call sites.
type workerInfo struct {
	kind      string
	work      func(ctx context.Context, row *JobRow) (Result, error)
	nextRetry func(row *JobRow) time.Duration
	timeout   func(row *JobRow) time.Duration
}

// Workers is the process-wide (but explicitly constructed and injected,
// never an ambient singleton per spec §9) registry mapping a job kind to
// its worker. A single Workers instance is shared by an Oban supervisor's
// Executor.
type Workers struct {
	mu     sync.RWMutex
	byKind map[string]*workerInfo
}

// NewWorkers returns an empty worker registry.
func NewWorkers() *Workers {
	return &Workers{byKind: make(map[string]*workerInfo)}
}

// AddWorker registers w to handle jobs whose Args.Kind() matches a
// zero-valued T's Kind(). Registering the same kind twice is a programming
// error and panics immediately, mirroring the teacher's AddWorker.
func AddWorker[T Args](workers *Workers, w Worker[T]) {
	var zero T
	kind := zero.Kind()

	workers.mu.Lock()
	defer workers.mu.Unlock()

	if _, exists := workers.byKind[kind]; exists {
		panic(fmt.Sprintf("oban: worker for kind %q already registered", kind))
	}

	workers.byKind[kind] = &workerInfo{
		kind: kind,
		work: func(ctx context.Context, row *JobRow) (Result, error) {
			var args T
			if err := json.Unmarshal(row.Args, &args); err != nil {
				return nil, fmt.Errorf("oban: decoding args for kind %q: %w", kind, err)
			}
			return w.Work(ctx, &Job[T]{JobRow: row, Args: args})
		},
		nextRetry: func(row *JobRow) time.Duration {
			var args T
			_ = json.Unmarshal(row.Args, &args)
			return w.NextRetry(&Job[T]{JobRow: row, Args: args})
		},
		timeout: func(row *JobRow) time.Duration {
			var args T
			_ = json.Unmarshal(row.Args, &args)
			return w.Timeout(&Job[T]{JobRow: row, Args: args})
		},
	}
}

// lookup returns the workerInfo registered for kind, or nil if none.
func (w *Workers) lookup(kind string) *workerInfo {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.byKind[kind]
}

// Kinds returns the set of registered worker kinds, primarily for
// diagnostics and tests.
func (w *Workers) Kinds() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	kinds := make([]string, 0, len(w.byKind))
	for k := range w.byKind {
		kinds = append(kinds, k)
	}
	return kinds
}

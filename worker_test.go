package oban

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type greetArgs struct {
	Name string `json:"name"`
}

func (greetArgs) Kind() string { return "greet" }

type greetWorker struct {
	WorkerDefaults[greetArgs]
	work func(ctx context.Context, job *Job[greetArgs]) (Result, error)
}

func (w *greetWorker) Work(ctx context.Context, job *Job[greetArgs]) (Result, error) {
	return w.work(ctx, job)
}

func TestAddWorkerAndLookup(t *testing.T) {
	t.Parallel()

	workers := NewWorkers()
	AddWorker(workers, &greetWorker{work: func(ctx context.Context, job *Job[greetArgs]) (Result, error) {
		return nil, nil
	}})

	require.ElementsMatch(t, []string{"greet"}, workers.Kinds())
	require.NotNil(t, workers.lookup("greet"))
	require.Nil(t, workers.lookup("unknown"))
}

func TestAddWorkerDuplicateKindPanics(t *testing.T) {
	t.Parallel()

	workers := NewWorkers()
	AddWorker(workers, &greetWorker{work: func(ctx context.Context, job *Job[greetArgs]) (Result, error) {
		return nil, nil
	}})

	require.Panics(t, func() {
		AddWorker(workers, &greetWorker{work: func(ctx context.Context, job *Job[greetArgs]) (Result, error) {
			return nil, nil
		}})
	})
}

func TestWorkerInfoDecodesArgsAndDispatches(t *testing.T) {
	t.Parallel()

	workers := NewWorkers()

	var gotName string
	AddWorker(workers, &greetWorker{work: func(ctx context.Context, job *Job[greetArgs]) (Result, error) {
		gotName = job.Args.Name
		return Record("hi " + job.Args.Name), nil
	}})

	info := workers.lookup("greet")
	require.NotNil(t, info)

	row := &JobRow{Kind: "greet", Args: []byte(`{"name":"ada"}`)}
	result, err := info.work(context.Background(), row)
	require.NoError(t, err)
	require.Equal(t, "ada", gotName)

	rr, ok := result.(recordResult)
	require.True(t, ok)
	require.Equal(t, "hi ada", rr.value)
}

func TestResultConstructors(t *testing.T) {
	t.Parallel()

	require.Nil(t, Result(nil))

	s := Snooze(30)
	sr, ok := s.(snoozeResult)
	require.True(t, ok)
	require.Equal(t, int64(30), sr.seconds)

	c := Cancel(nil)
	cr, ok := c.(cancelResult)
	require.True(t, ok)
	require.EqualError(t, cr.err, "job cancelled")

	reason := errors.New("boom")
	c2 := Cancel(reason)
	cr2, ok := c2.(cancelResult)
	require.True(t, ok)
	require.Equal(t, reason, cr2.err)

	r := Record(map[string]int{"n": 1})
	rr, ok := r.(recordResult)
	require.True(t, ok)
	require.Equal(t, map[string]int{"n": 1}, rr.value)
}

func TestWorkerDefaultsNextRetryUsesDefaultBackoff(t *testing.T) {
	t.Parallel()

	var d WorkerDefaults[greetArgs]
	job := &Job[greetArgs]{JobRow: &JobRow{Attempt: 1}}

	retry := d.NextRetry(job)
	require.GreaterOrEqual(t, retry, 15*time.Second)
	require.Less(t, retry, 16*time.Second)

	require.Equal(t, time.Duration(0), d.Timeout(job))
}

package query

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oban-go/oban/internal/obantest"
	"github.com/oban-go/oban/obantype"
)

func testQuery(ctx context.Context, t *testing.T) *Query {
	t.Helper()
	tx := obantest.TestTx(ctx, t)
	return NewWithDB(tx)
}

func insertAvailable(ctx context.Context, t *testing.T, qy *Query, queue, kind string, maxAttempts int) *obantype.JobRow {
	t.Helper()
	row, _, err := qy.InsertJob(ctx, &obantype.JobRow{
		State:       obantype.JobStateAvailable,
		Queue:       queue,
		Kind:        kind,
		Args:        json.RawMessage(`{}`),
		MaxAttempts: maxAttempts,
		ScheduledAt: time.Now(),
	}, "", nil)
	require.NoError(t, err)
	return row
}

func TestInsertJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	qy := testQuery(ctx, t)

	row, inserted, err := qy.InsertJob(ctx, &obantype.JobRow{
		State:       obantype.JobStateAvailable,
		Queue:       "default",
		Kind:        "greet",
		Args:        json.RawMessage(`{"name":"ada"}`),
		MaxAttempts: 20,
		ScheduledAt: time.Now(),
	}, "", nil)
	require.NoError(t, err)
	require.True(t, inserted)
	require.NotZero(t, row.ID)
	require.Equal(t, obantype.JobStateAvailable, row.State)
}

func TestInsertJobUniqueCollapsesDuplicate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	qy := testQuery(ctx, t)

	build := func() *obantype.JobRow {
		return &obantype.JobRow{
			State:       obantype.JobStateAvailable,
			Queue:       "default",
			Kind:        "greet",
			Args:        json.RawMessage(`{}`),
			MaxAttempts: 20,
			ScheduledAt: time.Now(),
		}
	}

	first, inserted, err := qy.InsertJob(ctx, build(), "key-1", nil)
	require.NoError(t, err)
	require.True(t, inserted)

	second, insertedAgain, err := qy.InsertJob(ctx, build(), "key-1", nil)
	require.NoError(t, err)
	require.False(t, insertedAgain)
	require.Equal(t, first.ID, second.ID)

	third, insertedThird, err := qy.InsertJob(ctx, build(), "key-2", nil)
	require.NoError(t, err)
	require.True(t, insertedThird)
	require.NotEqual(t, first.ID, third.ID)
}

func TestInsertJobUniquePersistsGroupBitmap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	qy := testQuery(ctx, t)

	row, inserted, err := qy.InsertJob(ctx, &obantype.JobRow{
		State: obantype.JobStateAvailable, Queue: "default", Kind: "greet",
		Args: json.RawMessage(`{}`), MaxAttempts: 20, ScheduledAt: time.Now(),
	}, "key-bmp", []int{1, 2, 3})
	require.NoError(t, err)
	require.True(t, inserted)
	require.JSONEq(t, `{"uniq":true,"uniq_bmp":[1,2,3],"uniq_key":"key-bmp"}`, string(row.Metadata))
}

func TestInsertJobUniqueKeyReleasedOnTerminalTransition(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	qy := testQuery(ctx, t)

	build := func() *obantype.JobRow {
		return &obantype.JobRow{
			State:       obantype.JobStateAvailable,
			Queue:       "default",
			Kind:        "greet",
			Args:        json.RawMessage(`{}`),
			MaxAttempts: 20,
			ScheduledAt: time.Now(),
		}
	}

	first, inserted, err := qy.InsertJob(ctx, build(), "reusable-key", nil)
	require.NoError(t, err)
	require.True(t, inserted)

	fetched, err := qy.FetchJobs(ctx, "default", "worker.node1", 1)
	require.NoError(t, err)
	require.Len(t, fetched, 1)

	_, err = qy.CompleteJob(ctx, first.ID, time.Now(), nil)
	require.NoError(t, err)

	second, insertedAgain, err := qy.InsertJob(ctx, build(), "reusable-key", nil)
	require.NoError(t, err)
	require.True(t, insertedAgain, "a completed job's unique_key must release its claim so the same key can be reused")
	require.NotEqual(t, first.ID, second.ID)
}

func TestInsertJobUniqueKeyReleasedOnCancel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	qy := testQuery(ctx, t)

	build := func() *obantype.JobRow {
		return &obantype.JobRow{
			State:       obantype.JobStateAvailable,
			Queue:       "default",
			Kind:        "greet",
			Args:        json.RawMessage(`{}`),
			MaxAttempts: 20,
			ScheduledAt: time.Now(),
		}
	}

	first, _, err := qy.InsertJob(ctx, build(), "cancel-key", nil)
	require.NoError(t, err)

	_, err = qy.CancelJob(ctx, first, "no longer needed", time.Now())
	require.NoError(t, err)

	second, insertedAgain, err := qy.InsertJob(ctx, build(), "cancel-key", nil)
	require.NoError(t, err)
	require.True(t, insertedAgain, "a cancelled job's unique_key must release its claim")
	require.NotEqual(t, first.ID, second.ID)
}

func TestInsertJobUniqueKeyReleasedOnDiscard(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	qy := testQuery(ctx, t)

	build := func() *obantype.JobRow {
		return &obantype.JobRow{
			State:       obantype.JobStateAvailable,
			Queue:       "default",
			Kind:        "greet",
			Args:        json.RawMessage(`{}`),
			MaxAttempts: 1,
			ScheduledAt: time.Now(),
		}
	}

	first, _, err := qy.InsertJob(ctx, build(), "discard-key", nil)
	require.NoError(t, err)

	fetched, err := qy.FetchJobs(ctx, "default", "worker.node1", 1)
	require.NoError(t, err)
	require.Len(t, fetched, 1)

	discarded, err := qy.ErrorJob(ctx, fetched[0], obantype.AttemptError{At: time.Now(), Attempt: 1, Error: "boom"}, time.Second, time.Now())
	require.NoError(t, err)
	require.Equal(t, obantype.JobStateDiscarded, discarded.State)

	second, insertedAgain, err := qy.InsertJob(ctx, build(), "discard-key", nil)
	require.NoError(t, err)
	require.True(t, insertedAgain, "a discarded job's unique_key must release its claim")
	require.NotEqual(t, first.ID, second.ID)
}

func TestInsertManyFastRejectsUniqueRows(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	qy := testQuery(ctx, t)

	key := "dup"
	_, err := qy.InsertManyFast(ctx, []*obantype.JobRow{{
		State: obantype.JobStateAvailable, Queue: "default", Kind: "greet",
		Args: json.RawMessage(`{}`), MaxAttempts: 20, ScheduledAt: time.Now(),
		UniqueKey: &key,
	}})
	require.Error(t, err)
}

func TestInsertManyFastBulkInserts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	qy := testQuery(ctx, t)

	rows := make([]*obantype.JobRow, 0, 5)
	for i := 0; i < 5; i++ {
		rows = append(rows, &obantype.JobRow{
			State: obantype.JobStateAvailable, Queue: "default", Kind: "greet",
			Args: json.RawMessage(`{}`), MaxAttempts: 20, ScheduledAt: time.Now(),
		})
	}

	n, err := qy.InsertManyFast(ctx, rows)
	require.NoError(t, err)
	require.Equal(t, int64(5), n)

	fetched, err := qy.FetchJobs(ctx, "default", "worker.node1", 10)
	require.NoError(t, err)
	require.Len(t, fetched, 5)
}

func TestStageJobsPromotesDueScheduledRows(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	qy := testQuery(ctx, t)

	past := time.Now().Add(-time.Minute)
	_, _, err := qy.InsertJob(ctx, &obantype.JobRow{
		State: obantype.JobStateScheduled, Queue: "billing", Kind: "greet",
		Args: json.RawMessage(`{}`), MaxAttempts: 20, ScheduledAt: past,
	}, "", nil)
	require.NoError(t, err)

	queues, err := qy.StageJobs(ctx, time.Now(), 100)
	require.NoError(t, err)
	require.Contains(t, queues, "billing")

	available, err := qy.CheckAvailableQueues(ctx)
	require.NoError(t, err)
	require.Contains(t, available, "billing")
}

func TestStageJobsIgnoresNotYetDueRows(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	qy := testQuery(ctx, t)

	future := time.Now().Add(time.Hour)
	_, _, err := qy.InsertJob(ctx, &obantype.JobRow{
		State: obantype.JobStateScheduled, Queue: "billing", Kind: "greet",
		Args: json.RawMessage(`{}`), MaxAttempts: 20, ScheduledAt: future,
	}, "", nil)
	require.NoError(t, err)

	queues, err := qy.StageJobs(ctx, time.Now(), 100)
	require.NoError(t, err)
	require.NotContains(t, queues, "billing")
}

func TestFetchJobsTransitionsToExecuting(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	qy := testQuery(ctx, t)

	insertAvailable(ctx, t, qy, "default", "greet", 20)

	jobs, err := qy.FetchJobs(ctx, "default", "worker.node1", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, obantype.JobStateExecuting, jobs[0].State)
	require.Equal(t, 1, jobs[0].Attempt)
	require.Contains(t, jobs[0].AttemptedBy, "worker.node1")
}

func TestFetchJobsRespectsDemandZero(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	qy := testQuery(ctx, t)

	jobs, err := qy.FetchJobs(ctx, "default", "worker.node1", 0)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestFetchJobsOnlyReturnsRequestedQueue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	qy := testQuery(ctx, t)

	insertAvailable(ctx, t, qy, "billing", "greet", 20)
	insertAvailable(ctx, t, qy, "default", "greet", 20)

	jobs, err := qy.FetchJobs(ctx, "default", "worker.node1", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "default", jobs[0].Queue)
}

func TestCompleteJobRecordsMetadata(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	qy := testQuery(ctx, t)

	inserted := insertAvailable(ctx, t, qy, "default", "greet", 20)

	fetched, err := qy.FetchJobs(ctx, "default", "worker.node1", 1)
	require.NoError(t, err)
	require.Len(t, fetched, 1)

	completed, err := qy.CompleteJob(ctx, inserted.ID, time.Now(), json.RawMessage(`{"recorded":"ok"}`))
	require.NoError(t, err)
	require.Equal(t, obantype.JobStateCompleted, completed.State)
	require.NotNil(t, completed.CompletedAt)
	require.JSONEq(t, `{"recorded":"ok"}`, string(completed.Metadata))
}

func TestErrorJobMovesToRetryableUntilAttemptsExhausted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	qy := testQuery(ctx, t)

	insertAvailable(ctx, t, qy, "default", "greet", 2)

	fetched, err := qy.FetchJobs(ctx, "default", "worker.node1", 1)
	require.NoError(t, err)
	require.Len(t, fetched, 1)

	retried, err := qy.ErrorJob(ctx, fetched[0], obantype.AttemptError{At: time.Now(), Attempt: 1, Error: "boom"}, time.Hour, time.Now())
	require.NoError(t, err)
	require.Equal(t, obantype.JobStateRetryable, retried.State)
	require.Len(t, retried.Errors, 1)

	fetchedAgain, err := qy.FetchJobs(ctx, "default", "worker.node1", 1)
	require.NoError(t, err)
	require.Empty(t, fetchedAgain, "retryable job isn't due yet")
}

func TestErrorJobDiscardsOnceAttemptsExhausted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	qy := testQuery(ctx, t)

	insertAvailable(ctx, t, qy, "default", "greet", 1)

	fetched, err := qy.FetchJobs(ctx, "default", "worker.node1", 1)
	require.NoError(t, err)
	require.Len(t, fetched, 1)
	require.Equal(t, 1, fetched[0].Attempt)

	discarded, err := qy.ErrorJob(ctx, fetched[0], obantype.AttemptError{At: time.Now(), Attempt: 1, Error: "boom"}, time.Second, time.Now())
	require.NoError(t, err)
	require.Equal(t, obantype.JobStateDiscarded, discarded.State)
	require.NotNil(t, discarded.DiscardedAt)
	require.Len(t, discarded.Errors, 1)
}

func TestSnoozeJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	qy := testQuery(ctx, t)

	inserted := insertAvailable(ctx, t, qy, "default", "greet", 20)

	fetched, err := qy.FetchJobs(ctx, "default", "worker.node1", 1)
	require.NoError(t, err)
	require.Len(t, fetched, 1)

	future := time.Now().Add(time.Hour)
	snoozed, err := qy.SnoozeJob(ctx, inserted.ID, future)
	require.NoError(t, err)
	require.Equal(t, obantype.JobStateScheduled, snoozed.State)
	require.WithinDuration(t, future, snoozed.ScheduledAt, time.Second)
}

func TestCancelJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	qy := testQuery(ctx, t)

	inserted := insertAvailable(ctx, t, qy, "default", "greet", 20)

	cancelled, err := qy.CancelJob(ctx, inserted, "no longer needed", time.Now())
	require.NoError(t, err)
	require.Equal(t, obantype.JobStateCancelled, cancelled.State)
	require.NotNil(t, cancelled.CancelledAt)
	require.Len(t, cancelled.Errors, 1)
}

func TestRescueOrphans(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	qy := testQuery(ctx, t)

	insertAvailable(ctx, t, qy, "default", "greet", 20)

	fetched, err := qy.FetchJobs(ctx, "default", "ghost.node1", 1)
	require.NoError(t, err)
	require.Len(t, fetched, 1)

	rescued, err := qy.RescueOrphans(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, rescued, 1)
	require.Equal(t, obantype.JobStateAvailable, rescued[0].State)
}

func TestRescueOrphansReleasesUniqueKeyWhenDiscarding(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	qy := testQuery(ctx, t)

	first, _, err := qy.InsertJob(ctx, &obantype.JobRow{
		State: obantype.JobStateAvailable, Queue: "default", Kind: "greet",
		Args: json.RawMessage(`{}`), MaxAttempts: 1, ScheduledAt: time.Now(),
	}, "orphan-key", nil)
	require.NoError(t, err)

	fetched, err := qy.FetchJobs(ctx, "default", "ghost.node1", 1)
	require.NoError(t, err)
	require.Len(t, fetched, 1)

	rescued, err := qy.RescueOrphans(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, rescued, 1)
	require.Equal(t, obantype.JobStateDiscarded, rescued[0].State, "attempt already exhausted max_attempts of 1")

	second, insertedAgain, err := qy.InsertJob(ctx, &obantype.JobRow{
		State: obantype.JobStateAvailable, Queue: "default", Kind: "greet",
		Args: json.RawMessage(`{}`), MaxAttempts: 1, ScheduledAt: time.Now(),
	}, "orphan-key", nil)
	require.NoError(t, err)
	require.True(t, insertedAgain, "a discarded orphan's unique_key must release its claim")
	require.NotEqual(t, first.ID, second.ID)
}

func TestPruneDeletesOnlyTerminalBeforeHorizon(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	qy := testQuery(ctx, t)

	inserted := insertAvailable(ctx, t, qy, "default", "greet", 20)

	fetched, err := qy.FetchJobs(ctx, "default", "worker.node1", 1)
	require.NoError(t, err)
	require.Len(t, fetched, 1)

	old := time.Now().Add(-48 * time.Hour)
	_, err = qy.CompleteJob(ctx, inserted.ID, old, nil)
	require.NoError(t, err)

	n, err := qy.Prune(ctx, time.Now().Add(-24*time.Hour), 100)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestPruneLeavesRecentRows(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	qy := testQuery(ctx, t)

	inserted := insertAvailable(ctx, t, qy, "default", "greet", 20)

	fetched, err := qy.FetchJobs(ctx, "default", "worker.node1", 1)
	require.NoError(t, err)
	require.Len(t, fetched, 1)

	_, err = qy.CompleteJob(ctx, inserted.ID, time.Now(), nil)
	require.NoError(t, err)

	n, err := qy.Prune(ctx, time.Now().Add(-24*time.Hour), 100)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestProducerLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	qy := testQuery(ctx, t)

	p, err := qy.InsertProducer(ctx, &obantype.ProducerRow{
		UUID: "11111111-1111-1111-1111-111111111111", Name: "oban", Node: "n1", Queue: "default", UpdatedAt: time.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, "oban", p.Name)

	n, err := qy.HeartbeatProducers(ctx, []string{p.UUID}, time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	updated, err := qy.UpdateProducerMeta(ctx, p.UUID, json.RawMessage(`{"paused":true}`), time.Now())
	require.NoError(t, err)
	require.JSONEq(t, `{"paused":true}`, string(updated.Meta))

	expired, err := qy.DeleteExpiredProducers(ctx, time.Nanosecond, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)
}

func TestDeleteProducer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	qy := testQuery(ctx, t)

	p, err := qy.InsertProducer(ctx, &obantype.ProducerRow{
		UUID: "22222222-2222-2222-2222-222222222222", Name: "oban", Node: "n1", Queue: "default", UpdatedAt: time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, qy.DeleteProducer(ctx, p.UUID))

	expired, err := qy.DeleteExpiredProducers(ctx, 0, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, expired)
}

func TestIsTransientNilIsFalse(t *testing.T) {
	t.Parallel()
	require.False(t, IsTransient(nil))
}

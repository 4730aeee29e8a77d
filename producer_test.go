package oban

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oban-go/oban/internal/notifier"
	"github.com/oban-go/oban/internal/obantest"
	"github.com/oban-go/oban/internal/query"
)

func newTestProducer(ctx context.Context, t *testing.T, queue string, limit int) (*producer, *query.Query) {
	t.Helper()
	tx := obantest.TestTx(ctx, t)
	qy := query.NewWithDB(tx)
	arch := obantest.Archetype(t)
	p := newProducer(arch, qy, nil, nil, queue, limit, "oban", "n1")
	require.NoError(t, p.register(ctx))
	return p, qy
}

func TestProducerIdent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, _ := newTestProducer(ctx, t, "default", 5)
	require.Equal(t, "oban.n1", p.ident())
}

func TestProducerDemandReflectsRunningCount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, _ := newTestProducer(ctx, t, "default", 5)

	require.Equal(t, int64(5), p.demand())

	p.running = 3
	require.Equal(t, int64(2), p.demand())

	p.running = 9
	require.Equal(t, int64(0), p.demand(), "demand must never go negative")
}

func TestProducerPauseResume(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, _ := newTestProducer(ctx, t, "default", 5)

	require.False(t, p.isPaused())

	p.setPaused(true)
	require.True(t, p.isPaused())

	p.setPaused(false)
	require.False(t, p.isPaused())
}

func TestProducerOnInsertWakesMatchingQueue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, _ := newTestProducer(ctx, t, "billing", 5)

	payload, err := json.Marshal(insertPayload{Queue: "billing"})
	require.NoError(t, err)
	p.onInsert(string(payload))

	select {
	case <-p.wake:
	default:
		t.Fatal("expected a wake signal for a matching queue")
	}
}

func TestProducerOnInsertIgnoresOtherQueues(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, _ := newTestProducer(ctx, t, "billing", 5)

	payload, err := json.Marshal(insertPayload{Queue: "mailers"})
	require.NoError(t, err)
	p.onInsert(string(payload))

	select {
	case <-p.wake:
		t.Fatal("should not wake for a different queue's insert")
	default:
	}
}

func TestProducerOnSignalPauseAndResumeByIdent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, qy := newTestProducer(ctx, t, "billing", 5)

	pausePayload, err := json.Marshal(notifier.SignalPayload{Queue: "billing", Ident: p.ident(), Action: "pause"})
	require.NoError(t, err)
	p.onSignal(string(pausePayload))
	require.True(t, p.isPaused())

	live, err := qy.ListLiveProducers(ctx, time.Hour, time.Now())
	require.NoError(t, err)
	require.Len(t, live, 1)
	require.Contains(t, string(live[0].Meta), `"paused":true`)

	resumePayload, err := json.Marshal(notifier.SignalPayload{Queue: "billing", Ident: p.ident(), Action: "resume"})
	require.NoError(t, err)
	p.onSignal(string(resumePayload))
	require.False(t, p.isPaused())

	select {
	case <-p.wake:
	default:
		t.Fatal("resume must request a wake so the loop picks back up immediately")
	}
}

func TestProducerOnSignalWildcardIdentMatchesAnyProducer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, _ := newTestProducer(ctx, t, "billing", 5)

	payload, err := json.Marshal(notifier.SignalPayload{Queue: "billing", Ident: "any", Action: "pause"})
	require.NoError(t, err)
	p.onSignal(string(payload))

	require.True(t, p.isPaused())
}

func TestProducerOnSignalIgnoresOtherQueue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, _ := newTestProducer(ctx, t, "billing", 5)

	payload, err := json.Marshal(notifier.SignalPayload{Queue: "mailers", Ident: "any", Action: "pause"})
	require.NoError(t, err)
	p.onSignal(string(payload))

	require.False(t, p.isPaused(), "a signal scoped to a different queue must not affect this producer")
}

func TestProducerOnSignalIgnoresOtherIdent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, _ := newTestProducer(ctx, t, "billing", 5)

	payload, err := json.Marshal(notifier.SignalPayload{Queue: "billing", Ident: "oban.n2", Action: "pause"})
	require.NoError(t, err)
	p.onSignal(string(payload))

	require.False(t, p.isPaused(), "a signal addressed to a different node must not affect this producer")
}

func TestProducerTickSkipsWhenPaused(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, qy := newTestProducer(ctx, t, "default", 5)
	p.setPaused(true)

	_, _, err := qy.InsertJob(ctx, &JobRow{
		State: JobStateAvailable, Queue: "default", Kind: "greet",
		Args: []byte(`{}`), MaxAttempts: 20, ScheduledAt: time.Now(),
	}, "", nil)
	require.NoError(t, err)

	var lastFetch time.Time
	var wg sync.WaitGroup
	p.tick(ctx, &lastFetch, &wg)
	wg.Wait()

	require.True(t, lastFetch.IsZero(), "a paused producer must not have fetched anything")
}

func TestProducerTickSkipsWhenDemandIsZero(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, qy := newTestProducer(ctx, t, "default", 1)
	p.running = 1

	_, _, err := qy.InsertJob(ctx, &JobRow{
		State: JobStateAvailable, Queue: "default", Kind: "greet",
		Args: []byte(`{}`), MaxAttempts: 20, ScheduledAt: time.Now(),
	}, "", nil)
	require.NoError(t, err)

	var lastFetch time.Time
	var wg sync.WaitGroup
	p.tick(ctx, &lastFetch, &wg)
	wg.Wait()

	require.True(t, lastFetch.IsZero(), "a producer with no remaining demand must not have fetched anything")
}

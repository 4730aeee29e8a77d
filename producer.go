package oban

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/oban-go/oban/internal/baseservice"
	"github.com/oban-go/oban/internal/notifier"
	"github.com/oban-go/oban/internal/query"
	"github.com/oban-go/oban/obantype"
)

const (
	producerDebounceInterval = 5 * time.Millisecond
	producerPollInterval     = time.Second
)

// insertPayload is the JSON shape published on notifier.ChannelInsert.
type insertPayload struct {
	Queue string `json:"queue"`
}

// producer is the per-queue, per-node pull loop described in spec §4.4: it
// holds a row in producers, fetches up to its local_limit of available
// jobs, and runs each on its own goroutine bounded by a weighted
// semaphore.
type producer struct {
	baseservice.BaseService

	queue string
	limit int64
	name  string
	node  string
	uuid  string

	qy       *query.Query
	notif    *notifier.Notifier
	executor *jobExecutor

	sem *semaphore.Weighted

	mu     sync.Mutex
	paused bool

	running int64 // atomic; mirrors sem's acquired weight, used only to compute demand
	wake    chan struct{}
}

func newProducer(archetype *baseservice.Archetype, qy *query.Query, notif *notifier.Notifier, executor *jobExecutor, queue string, limit int, name, node string) *producer {
	return &producer{
		BaseService: baseservice.NewBaseService(archetype, "producer."+queue),
		queue:       queue,
		limit:       int64(limit),
		name:        name,
		node:        node,
		uuid:        uuid.NewString(),
		qy:          qy,
		notif:       notif,
		executor:    executor,
		sem:         semaphore.NewWeighted(int64(limit)),
		wake:        make(chan struct{}, 1),
	}
}

// ident is the "{name}.{node}" identifier recorded in attempted_by and
// matched against incoming signal payloads (spec §4.2, §4.4, §9).
func (p *producer) ident() string { return p.name + "." + p.node }

// Run drives the producer's pull loop until ctx is cancelled, registering
// and then deregistering its producers row on entry/exit.
func (p *producer) Run(ctx context.Context) error {
	if err := p.register(ctx); err != nil {
		return err
	}
	defer p.deregister()

	unsubInsert := p.notif.Listen(notifier.ChannelInsert, p.onInsert)
	defer unsubInsert()
	unsubSignal := p.notif.Listen(notifier.ChannelSignal, p.onSignal)
	defer unsubSignal()

	var wg sync.WaitGroup
	defer wg.Wait()

	timer := time.NewTimer(producerPollInterval)
	defer timer.Stop()

	var lastFetch time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.wake:
		case <-timer.C:
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(producerPollInterval)

		if ctx.Err() != nil {
			return nil
		}

		p.tick(ctx, &lastFetch, &wg)
	}
}

func (p *producer) register(ctx context.Context) error {
	now := p.Now()
	if _, err := p.qy.InsertProducer(ctx, &obantype.ProducerRow{
		UUID: p.uuid, Name: p.name, Node: p.node, Queue: p.queue, UpdatedAt: now,
	}); err != nil {
		return fmt.Errorf("oban: registering producer for queue %q: %w", p.queue, err)
	}
	return nil
}

func (p *producer) deregister() {
	if err := p.qy.DeleteProducer(context.Background(), p.uuid); err != nil {
		p.Logger().Warn("failed to delete producer row on shutdown", "error", err)
	}
}

// tick implements one pass of the loop body: steps 2-4 of spec §4.4.
func (p *producer) tick(ctx context.Context, lastFetch *time.Time, wg *sync.WaitGroup) {
	if p.isPaused() {
		return
	}

	demand := p.demand()
	if demand <= 0 {
		return
	}

	if since := p.Now().Sub(*lastFetch); !lastFetch.IsZero() && since < producerDebounceInterval {
		p.sleep(ctx, producerDebounceInterval-since)
	}
	*lastFetch = p.Now()

	jobs, err := p.qy.FetchJobs(ctx, p.queue, p.ident(), int(demand))
	if err != nil {
		p.Logger().Warn("fetch_jobs failed", "queue", p.queue, "error", err)
		return
	}

	for _, job := range jobs {
		job := job
		if !p.sem.TryAcquire(1) {
			// Not reached in practice: running is decremented only after the
			// slot is released (see the defers below), so demand never
			// exceeds the free slots. A job skipped here would stay
			// EXECUTING, since fetches only select AVAILABLE rows.
			continue
		}
		atomic.AddInt64(&p.running, 1)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer atomic.AddInt64(&p.running, -1)
			defer p.sem.Release(1)
			defer p.requestWake()

			if _, err := p.executor.Execute(ctx, job); err != nil {
				p.Logger().Error("job execution failed", "job_id", job.ID, "kind", job.Kind, "error", err)
			}
		}()
	}
}

func (p *producer) demand() int64 {
	running := atomic.LoadInt64(&p.running)
	d := p.limit - running
	if d < 0 {
		return 0
	}
	return d
}

func (p *producer) requestWake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *producer) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (p *producer) isPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *producer) setPaused(paused bool) {
	p.mu.Lock()
	p.paused = paused
	p.mu.Unlock()
}

// onInsert wakes the loop when a job is inserted for this producer's
// queue (spec §4.2's insert channel, payload {queue}).
func (p *producer) onInsert(payload string) {
	var ip insertPayload
	if err := json.Unmarshal([]byte(payload), &ip); err != nil {
		return
	}
	if ip.Queue == p.queue {
		p.requestWake()
	}
}

// onSignal handles pause/resume control signals addressed to this
// producer (spec §4.4 "Signals", §4.2's signal channel, §9's codified
// ident grammar: "any" or "{name}.{node}").
func (p *producer) onSignal(payload string) {
	var sp notifier.SignalPayload
	if err := json.Unmarshal([]byte(payload), &sp); err != nil {
		return
	}
	if sp.Queue != "" && sp.Queue != p.queue {
		return
	}
	if sp.Ident != "any" && sp.Ident != p.ident() {
		return
	}

	switch sp.Action {
	case "pause":
		p.setPaused(true)
		p.persistPaused(true)
	case "resume":
		p.setPaused(false)
		p.persistPaused(false)
		p.requestWake()
	}
}

func (p *producer) persistPaused(paused bool) {
	meta, err := json.Marshal(map[string]any{obantype.MetaKeyPaused: paused})
	if err != nil {
		return
	}
	if _, err := p.qy.UpdateProducerMeta(context.Background(), p.uuid, meta, p.Now()); err != nil {
		p.Logger().Warn("failed to persist meta.paused", "error", err)
	}
}

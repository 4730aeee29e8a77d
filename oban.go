// Package oban is a persistent, distributed, Postgres-backed background
// job processor. It is the public entry point: construct a Config,
// register workers, call NewOban, then Start.
package oban

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/oban-go/oban/internal/baseservice"
	"github.com/oban-go/oban/internal/notifier"
	"github.com/oban-go/oban/internal/query"
)

// Oban is the top-level supervisor: it owns the query layer, the
// notifier, one producer per configured queue, and the shared control
// loops (Stager, Leader, Refresher, Pruner, CronScheduler), starting and
// stopping all of them together (spec §2, §9's "give the supervisor
// ownership of components" design note).
type Oban struct {
	cfg       *Config
	archetype *baseservice.Archetype

	pool      *pgxpool.Pool
	ownsPool  bool
	qy        *query.Query
	notif     *notifier.Notifier
	leader    *leader
	executor  *jobExecutor
	producers map[string]*producer
	stager    *stager
	refresher *refresher
	pruner    *pruner
	cronSched *cronScheduler

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	eg      *errgroup.Group
	egCtx   context.Context
}

// NewOban validates cfg, fills in defaults, and wires every component.
// It does not start anything -- call Start for that. The pgxpool.Pool (if
// not supplied via Config.Pool) is opened here so that a construction
// failure (bad DSN) surfaces immediately rather than on first Start.
func NewOban(ctx context.Context, cfg *Config) (*Oban, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	archetype := baseservice.NewArchetype(cfg.Logger)

	pool := cfg.Pool
	ownsPool := false
	if pool == nil {
		var err error
		pool, err = pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("oban: opening connection pool: %w", err)
		}
		ownsPool = true
	}

	qy := query.New(pool)

	notif, err := notifier.New(archetype, cfg.DSN)
	if err != nil {
		if ownsPool {
			pool.Close()
		}
		return nil, fmt.Errorf("oban: constructing notifier: %w", err)
	}

	ob := &Oban{
		cfg:       cfg,
		archetype: archetype,
		pool:      pool,
		ownsPool:  ownsPool,
		qy:        qy,
		notif:     notif,
		producers: make(map[string]*producer),
	}

	ob.executor = newJobExecutor(archetype, qy, cfg.Workers, cfg.EventBus)

	for queue, qc := range cfg.Queues {
		ob.producers[queue] = newProducer(archetype, qy, notif, ob.executor, queue, qc.MaxWorkers, cfg.Name, cfg.ID)
	}

	if cfg.Leadership.Enabled {
		ob.leader = newLeader(archetype, qy, notif)
	}

	ob.stager = newStager(archetype, qy, notif, cfg.Stager, ob.producers)
	ob.refresher = newRefresher(archetype, qy, cfg.Refresher, ob.leader, ob.localProducerUUIDs)
	ob.pruner = newPruner(archetype, qy, cfg.Pruner, ob.leader)

	if len(cfg.Cron) > 0 {
		sched, err := newCronScheduler(archetype, qy, cfg.Cron, ob.leader)
		if err != nil {
			if ownsPool {
				pool.Close()
			}
			return nil, err
		}
		ob.cronSched = sched
	}

	return ob, nil
}

func (ob *Oban) localProducerUUIDs() []string {
	uuids := make([]string, 0, len(ob.producers))
	for _, p := range ob.producers {
		uuids = append(uuids, p.uuid)
	}
	return uuids
}

// Start launches every component's loop concurrently via an errgroup,
// mirroring the teacher's cooperative-shutdown style (spec §9's
// coroutine/async design note: every component loop is a cooperative
// task). Start returns once every component has been launched; it does
// not block until they finish. Cancelling the context passed to Start
// stops the loops; Stop also does so, waits for them, closes the notifier
// and owned pool, and returns the result.
func (ob *Oban) Start(ctx context.Context) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if ob.running {
		return fmt.Errorf("oban: already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	eg, egCtx := errgroup.WithContext(runCtx)

	eg.Go(func() error { return ob.notif.Run(egCtx) })

	if ob.leader != nil {
		eg.Go(func() error { return ob.leader.Run(egCtx) })
	}

	eg.Go(func() error { return ob.stager.Run(egCtx) })
	eg.Go(func() error { return ob.refresher.Run(egCtx) })
	eg.Go(func() error { return ob.pruner.Run(egCtx) })

	if ob.cronSched != nil {
		eg.Go(func() error { return ob.cronSched.Run(egCtx) })
	}

	for _, p := range ob.producers {
		p := p
		eg.Go(func() error { return p.Run(egCtx) })
	}

	ob.cancel = cancel
	ob.eg = eg
	ob.egCtx = egCtx
	ob.running = true

	return nil
}

// Stop requests every running component to shut down and waits for them
// to finish (spec §4.4 step 5, §9's "await in-flight work" note), then
// closes the notifier and (if Oban opened it) the pool.
func (ob *Oban) Stop(ctx context.Context) error {
	ob.mu.Lock()
	if !ob.running {
		ob.mu.Unlock()
		return nil
	}
	cancel := ob.cancel
	eg := ob.eg
	ob.running = false
	ob.mu.Unlock()

	cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- eg.Wait() }()

	var waitErr error
	select {
	case waitErr = <-errCh:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	ob.notif.Close()
	if ob.ownsPool {
		ob.pool.Close()
	}

	return waitErr
}

// Insert enqueues a single job, returning the existing row instead of
// inserting a new one if opts.Unique yields a key matching a non-terminal
// job of the same kind (spec §4.1, §4.10).
func (ob *Oban) Insert(ctx context.Context, args Args, opts InsertOpts) (*JobRow, error) {
	row, _, err := insertArgs(ctx, ob.qy, args, opts, ob.archetype.Time.NowUTC())
	return row, err
}

// InsertMany enqueues several jobs in the order given. It is not atomic
// across the batch: a failure partway through leaves earlier jobs
// inserted (spec §4.1 names insert_job as the atomic unit, not the
// batch).
func (ob *Oban) InsertMany(ctx context.Context, items []InsertManyItem) ([]*JobRow, error) {
	rows := make([]*JobRow, 0, len(items))
	for i, item := range items {
		row, _, err := insertArgs(ctx, ob.qy, item.Args, item.Opts, ob.archetype.Time.NowUTC())
		if err != nil {
			return rows, fmt.Errorf("oban: inserting item %d: %w", i, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// InsertManyItem pairs one job's args with its insert options, for
// InsertMany.
type InsertManyItem struct {
	Args Args
	Opts InsertOpts
}

// InsertManyFast bulk-inserts a homogeneous batch of jobs via a single
// COPY round trip instead of one INSERT per row. None of the items may
// use InsertOpts.Unique -- a uniqueness check requires the row-by-row
// ON CONFLICT path InsertMany takes, which COPY cannot express. Use this
// only for large, non-deduplicated batches where per-row round trips
// would dominate enqueue latency.
func (ob *Oban) InsertManyFast(ctx context.Context, items []InsertManyItem) (int64, error) {
	now := ob.archetype.Time.NowUTC()

	rows := make([]*JobRow, len(items))
	for i, item := range items {
		if item.Opts.Unique != nil {
			return 0, fmt.Errorf("oban: InsertManyFast: item %d sets Unique, use InsertMany instead", i)
		}

		encoded, err := json.Marshal(item.Args)
		if err != nil {
			return 0, fmt.Errorf("oban: marshalling item %d args for kind %q: %w", i, item.Args.Kind(), err)
		}

		built, err := buildInsertParams(item.Args.Kind(), encoded, item.Opts, now)
		if err != nil {
			return 0, fmt.Errorf("oban: item %d: %w", i, err)
		}
		rows[i] = built
	}

	return ob.qy.InsertManyFast(ctx, rows)
}

// Producers returns the cluster's currently live producer rows -- every
// node whose heartbeat is newer than the configured refresher max age --
// for operators inspecting topology without waiting on the refresher's
// reaping pass.
func (ob *Oban) Producers(ctx context.Context) ([]*ProducerRow, error) {
	return ob.qy.ListLiveProducers(ctx, ob.cfg.Refresher.MaxAge, ob.archetype.Time.NowUTC())
}

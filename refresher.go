package oban

import (
	"context"
	"time"

	"github.com/oban-go/oban/internal/baseservice"
	"github.com/oban-go/oban/internal/query"
)

// refresher heartbeats this node's producers on every tick, and -- only
// when this node is leader -- reaps expired producers and rescues the
// jobs they were executing (spec §4.7).
type refresher struct {
	baseservice.BaseService

	qy       *query.Query
	interval time.Duration
	maxAge   time.Duration
	leader   *leader

	// localUUIDs returns the producer uuids currently owned by this node.
	// A func rather than a stored slice because the supervisor's producer
	// set is fixed at NewOban time but evaluated lazily here to sidestep
	// initialization ordering between the producers and the refresher.
	localUUIDs func() []string
}

func newRefresher(archetype *baseservice.Archetype, qy *query.Query, cfg RefresherConfig, ld *leader, localUUIDs func() []string) *refresher {
	return &refresher{
		BaseService: baseservice.NewBaseService(archetype, "refresher"),
		qy:          qy,
		interval:    cfg.Interval,
		maxAge:      cfg.MaxAge,
		leader:      ld,
		localUUIDs:  localUUIDs,
	}
}

func (r *refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			return nil
		}
		r.tick(ctx)
	}
}

func (r *refresher) tick(ctx context.Context) {
	if uuids := r.localUUIDs(); len(uuids) > 0 {
		if _, err := r.qy.HeartbeatProducers(ctx, uuids, r.Now()); err != nil {
			r.Logger().Warn("producer heartbeat failed", "error", err)
		}
	}

	if r.leader != nil && !r.leader.IsLeader() {
		return
	}

	if _, err := r.qy.DeleteExpiredProducers(ctx, r.maxAge, r.Now()); err != nil {
		r.Logger().Warn("delete_expired_producers failed", "error", err)
		return
	}

	rescued, err := r.qy.RescueOrphans(ctx, r.Now())
	if err != nil {
		r.Logger().Warn("rescue_orphans failed", "error", err)
		return
	}
	if len(rescued) > 0 {
		r.Logger().Info("rescued orphaned jobs", "count", len(rescued))
	}
}

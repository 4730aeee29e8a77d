package oban

import (
	"context"
	"time"

	"github.com/oban-go/oban/internal/baseservice"
	"github.com/oban-go/oban/internal/query"
)

// pruner deletes terminal job rows older than max_age, leader-only, in
// bounded batches (spec §4.8).
type pruner struct {
	baseservice.BaseService

	qy       *query.Query
	interval time.Duration
	maxAge   time.Duration
	limit    int
	leader   *leader
}

func newPruner(archetype *baseservice.Archetype, qy *query.Query, cfg PrunerConfig, ld *leader) *pruner {
	return &pruner{
		BaseService: baseservice.NewBaseService(archetype, "pruner"),
		qy:          qy,
		interval:    cfg.Interval,
		maxAge:      cfg.MaxAge,
		limit:       cfg.Limit,
		leader:      ld,
	}
}

func (p *pruner) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
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
		p.tick(ctx)
	}
}

func (p *pruner) tick(ctx context.Context) {
	if p.leader != nil && !p.leader.IsLeader() {
		return
	}

	horizon := p.Now().Add(-p.maxAge)
	n, err := p.qy.Prune(ctx, horizon, p.limit)
	if err != nil {
		p.Logger().Warn("prune failed", "error", err)
		return
	}
	if n > 0 {
		p.Logger().Debug("pruned terminal jobs", "count", n)
	}
}

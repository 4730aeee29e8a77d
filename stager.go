package oban

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oban-go/oban/internal/baseservice"
	"github.com/oban-go/oban/internal/notifier"
	"github.com/oban-go/oban/internal/query"
)

// stager is the scheduled/retryable → available promotion loop, running
// on every node regardless of leadership (spec §4.5).
type stager struct {
	baseservice.BaseService

	qy       *query.Query
	notif    *notifier.Notifier
	interval time.Duration
	limit    int

	// producers maps queue name to the local producer instance for that
	// queue, if this node runs one; used to wake local producers directly
	// rather than only via a notification round trip.
	producers map[string]*producer
}

func newStager(archetype *baseservice.Archetype, qy *query.Query, notif *notifier.Notifier, cfg StagerConfig, producers map[string]*producer) *stager {
	return &stager{
		BaseService: baseservice.NewBaseService(archetype, "stager"),
		qy:          qy,
		notif:       notif,
		interval:    cfg.Interval,
		limit:       cfg.Limit,
		producers:   producers,
	}
}

func (s *stager) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
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
		s.tick(ctx)
	}
}

func (s *stager) tick(ctx context.Context) {
	staged, err := s.qy.StageJobs(ctx, s.Now(), s.limit)
	if err != nil {
		s.Logger().Warn("stage_jobs failed", "error", err)
		return
	}

	available, err := s.qy.CheckAvailableQueues(ctx)
	if err != nil {
		s.Logger().Warn("check_available_queues failed", "error", err)
		return
	}

	queues := make(map[string]struct{}, len(staged)+len(available))
	for _, q := range staged {
		queues[q] = struct{}{}
	}
	for _, q := range available {
		queues[q] = struct{}{}
	}

	for q := range queues {
		if p, ok := s.producers[q]; ok {
			p.requestWake()
		}

		payload, err := json.Marshal(insertPayload{Queue: q})
		if err != nil {
			continue
		}
		if err := s.qy.Notify(ctx, string(notifier.ChannelInsert), string(payload)); err != nil {
			s.Logger().Warn("failed to publish insert notification", "queue", q, "error", err)
		}
	}
}

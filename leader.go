package oban

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oban-go/oban/internal/baseservice"
	"github.com/oban-go/oban/internal/notifier"
	"github.com/oban-go/oban/internal/query"
)

const (
	leaderCheckInterval  = 5 * time.Second
	leaderNamespaceLabel = "oban-go:leader"
)

func leaderAdvisoryLockKey() int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(leaderNamespaceLabel))
	return int64(h.Sum64()) //nolint:gosec
}

// leader elects a single cluster-wide leader via a Postgres advisory lock
// (spec §4.6). The lock is held on a single checked-out connection for as
// long as this node remains leader; losing that connection (or never
// acquiring the lock) means not-leader.
type leader struct {
	baseservice.BaseService

	qy    *query.Query
	notif *notifier.Notifier
	key   int64

	checkInterval time.Duration

	mu      sync.RWMutex
	conn    *pgxpool.Conn
	leading bool
}

func newLeader(archetype *baseservice.Archetype, qy *query.Query, notif *notifier.Notifier) *leader {
	return &leader{
		BaseService:   baseservice.NewBaseService(archetype, "leader"),
		qy:            qy,
		notif:         notif,
		key:           leaderAdvisoryLockKey(),
		checkInterval: leaderCheckInterval,
	}
}

// IsLeader reports whether this node currently holds cluster leadership.
// Leader-gated components (Pruner, CronScheduler, Refresher's cleanup
// half) poll this once per tick rather than subscribing to transitions,
// per spec §4.6's "non-leaders continue running non-gated components"
// note.
func (l *leader) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.leading
}

// Run drives the election loop until ctx is cancelled, releasing the lock
// on exit if held.
func (l *leader) Run(ctx context.Context) error {
	defer l.release(context.Background())

	l.attemptAcquire(ctx)

	ticker := time.NewTicker(l.checkInterval)
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

		if l.IsLeader() {
			l.checkStillHeld(ctx)
		} else {
			l.attemptAcquire(ctx)
		}
	}
}

func (l *leader) attemptAcquire(ctx context.Context) {
	conn, err := l.qy.Pool().Acquire(ctx)
	if err != nil {
		l.Logger().Warn("leader: failed to acquire connection for lock attempt", "error", err)
		return
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "select pg_try_advisory_lock($1)", l.key).Scan(&acquired); err != nil {
		conn.Release()
		l.Logger().Warn("leader: advisory lock attempt failed", "error", err)
		return
	}

	if !acquired {
		conn.Release()
		return
	}

	l.mu.Lock()
	l.conn = conn
	l.leading = true
	l.mu.Unlock()

	l.Logger().Info("acquired cluster leadership")
	if err := l.qy.Notify(ctx, string(notifier.ChannelLeader), `{"leading":true}`); err != nil {
		l.Logger().Warn("failed to publish leader notification", "error", err)
	}
}

func (l *leader) checkStillHeld(ctx context.Context) {
	l.mu.RLock()
	conn := l.conn
	l.mu.RUnlock()

	if conn == nil {
		return
	}
	if err := conn.Ping(ctx); err != nil {
		l.Logger().Warn("leader: lost the connection holding the advisory lock", "error", err)
		l.release(context.Background())
	}
}

func (l *leader) release(ctx context.Context) {
	l.mu.Lock()
	conn := l.conn
	wasLeader := l.leading
	l.conn = nil
	l.leading = false
	l.mu.Unlock()

	if conn == nil {
		return
	}
	if wasLeader {
		_, _ = conn.Exec(ctx, "select pg_advisory_unlock($1)", l.key)
		l.Logger().Info("released cluster leadership")
	}
	conn.Release()
}

package oban

import (
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// QueueConfig configures one queue's per-node concurrency.
type QueueConfig struct {
	// MaxWorkers is the local_limit: the maximum number of jobs this node
	// will run concurrently for the queue.
	MaxWorkers int
}

// StagerConfig configures the scheduled->available promotion loop (spec
// §4.5).
type StagerConfig struct {
	Interval time.Duration
	Limit    int
}

// RefresherConfig configures producer heartbeating and stale-producer
// cleanup (spec §4.7).
type RefresherConfig struct {
	Interval time.Duration
	MaxAge   time.Duration
}

// PrunerConfig configures terminal-job retention (spec §4.8).
type PrunerConfig struct {
	Interval time.Duration
	MaxAge   time.Duration
	Limit    int
}

// LeadershipConfig toggles cluster-wide leader election (spec §4.6).
type LeadershipConfig struct {
	Enabled bool
}

// CronEntry pairs a cron expression with the worker kind + options to
// enqueue when the expression matches the current minute (spec §4.9).
type CronEntry struct {
	Expression string
	Kind       string
	Args       Args
	Opts       InsertOpts
}

// Config is the Oban supervisor's full configuration, constructed
// programmatically by the embedding application (not read from the
// environment -- a job queue is a library, not a standalone service) and
// validated once at NewOban time.
type Config struct {
	// DSN is the Postgres connection string used both for the query pool
	// (when Pool is nil) and for the Notifier's dedicated LISTEN
	// connection, which always dials its own connection independent of
	// Pool. Required.
	DSN string

	// Pool, if non-nil, is used for all pooled queries instead of one
	// built from DSN. DSN is still required for the Notifier.
	Pool *pgxpool.Pool

	// Queues maps queue name to its concurrency config. At least one queue
	// is required.
	Queues map[string]QueueConfig

	Stager     StagerConfig
	Refresher  RefresherConfig
	Pruner     PrunerConfig
	Leadership LeadershipConfig
	Cron       []CronEntry

	// Workers is the registry of constructors this node can execute.
	Workers *Workers

	// EventBus receives job.start/job.stop/job.exception events. If nil, a
	// fresh empty bus is created.
	EventBus *EventBus

	// Logger receives structured diagnostics from every component. If nil,
	// slog.Default() is used.
	Logger *slog.Logger

	// Name identifies this supervisor instance; paired with ID to build the
	// "{name}.{node}" producer ident (spec §4.2, §4.4, §9). Defaults to
	// "oban".
	Name string

	// ID identifies this node across the cluster (used as the "{node}"
	// half of the producer ident). If empty, the hostname is used.
	ID string
}

func (c *Config) withDefaults() *Config {
	cfg := *c

	if cfg.Stager.Interval <= 0 {
		cfg.Stager.Interval = time.Second
	}
	if cfg.Stager.Limit <= 0 {
		cfg.Stager.Limit = 10_000
	}
	if cfg.Refresher.Interval <= 0 {
		cfg.Refresher.Interval = 15 * time.Second
	}
	if cfg.Refresher.MaxAge <= 0 {
		cfg.Refresher.MaxAge = 60 * time.Second
	}
	if cfg.Pruner.Interval <= 0 {
		cfg.Pruner.Interval = 60 * time.Second
	}
	if cfg.Pruner.MaxAge <= 0 {
		cfg.Pruner.MaxAge = 7 * 24 * time.Hour
	}
	if cfg.Pruner.Limit <= 0 {
		cfg.Pruner.Limit = 10_000
	}
	if cfg.Workers == nil {
		cfg.Workers = NewWorkers()
	}
	if cfg.EventBus == nil {
		cfg.EventBus = NewEventBus()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "oban"
	}
	if cfg.ID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			cfg.ID = host
		} else {
			cfg.ID = "localhost"
		}
	}

	return &cfg
}

// validate enforces the "Configuration fatal" error kind from spec §7 for
// the supervisor config: a missing DSN, no queues, an empty queue name, a
// non-positive queue limit, a non-positive stager/refresher/pruner
// interval or refresher max age, or a cron entry without kind or
// expression fails fast at construction rather than surfacing later as a
// mysterious runtime hang. The worker registry is not checked, and job
// priority is validated per insert, not here.
func (c *Config) validate() error {
	if c.DSN == "" {
		return &ConfigError{Field: "DSN", Reason: "must not be empty"}
	}

	if len(c.Queues) == 0 {
		return &ConfigError{Field: "Queues", Reason: "at least one queue must be configured"}
	}

	for name, qc := range c.Queues {
		if name == "" {
			return &ConfigError{Field: "Queues", Reason: "queue name must not be empty"}
		}
		if qc.MaxWorkers <= 0 {
			return &ConfigError{Field: "Queues[" + name + "].MaxWorkers", Reason: "must be positive"}
		}
	}

	if c.Stager.Interval <= 0 {
		return &ConfigError{Field: "Stager.Interval", Reason: "must be a positive, finite duration"}
	}
	if c.Refresher.Interval <= 0 {
		return &ConfigError{Field: "Refresher.Interval", Reason: "must be a positive, finite duration"}
	}
	if c.Refresher.MaxAge <= 0 {
		return &ConfigError{Field: "Refresher.MaxAge", Reason: "must be a positive, finite duration"}
	}
	if c.Pruner.Interval <= 0 {
		return &ConfigError{Field: "Pruner.Interval", Reason: "must be a positive, finite duration"}
	}

	for _, entry := range c.Cron {
		if entry.Kind == "" {
			return &ConfigError{Field: "Cron", Reason: "entry kind must not be empty"}
		}
		if entry.Expression == "" {
			return &ConfigError{Field: "Cron", Reason: "entry expression must not be empty"}
		}
	}

	return nil
}

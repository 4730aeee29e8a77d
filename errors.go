package oban

import (
	"errors"
	"fmt"
)

// ErrNotFound reports a lookup that found no matching row. The query layer
// does not return it: its lookups wrap pgx.ErrNoRows instead.
var ErrNotFound = errors.New("oban: not found")

// UnregisteredWorkerError is returned (and recorded as the job's terminal
// error) when a fetched job names a worker kind that was never registered
// with AddWorker. This is a programming-fatal condition: the job is
// discarded rather than retried, since retrying can't fix a missing
// registration.
type UnregisteredWorkerError struct {
	Kind string
}

func (e *UnregisteredWorkerError) Error() string {
	return fmt.Sprintf("oban: no worker registered for kind %q", e.Kind)
}

// ConfigError is returned from NewOban (and related constructors) when a
// supplied configuration value is invalid. These are fail-fast: the caller
// should treat them as unrecoverable at startup.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("oban: invalid configuration for %s: %s", e.Field, e.Reason)
}

// Package obantype holds the storage-shaped job/producer types shared by
// the root oban package and every internal control-loop package. It's
// split out (rather than living in the root package) purely to break the
// import cycle that would otherwise result from internal/query and the
// other internal packages needing the same row types the public API
// exposes -- the same role the teacher's rivertype package plays for
// river/riverdriver.
package obantype

import (
	"encoding/json"
	"sort"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// JobState is the lifecycle state of a job row, per spec §3.
type JobState string

const (
	JobStateAvailable JobState = "available"
	JobStateScheduled JobState = "scheduled"
	JobStateExecuting JobState = "executing"
	JobStateRetryable JobState = "retryable"
	JobStateCompleted JobState = "completed"
	JobStateDiscarded JobState = "discarded"
	JobStateCancelled JobState = "cancelled"
)

// Terminal reports whether a state is one a job never transitions out of.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateDiscarded, JobStateCancelled:
		return true
	default:
		return false
	}
}

// Metadata bookkeeping keys written into JobRow.Metadata by the runtime.
const (
	MetaKeyUniqueKey         = "uniq_key"
	MetaKeyUnique            = "uniq"
	MetaKeyUniqueBitmap      = "uniq_bmp"
	MetaKeyRecorded          = "recorded"
	MetaKeyPaused            = "paused"
	MetaKeyCancelAttemptedAt = "cancel_attempted_at"
)

// AttemptError is one recorded failure for a single attempt.
type AttemptError struct {
	At      time.Time `json:"at"`
	Attempt int       `json:"attempt"`
	Error   string    `json:"error"`
	Trace   string    `json:"trace,omitempty"`
}

// JobRow is the untyped, storage-shaped representation of a job: exactly
// the columns described in spec §3.
type JobRow struct {
	ID          int64
	State       JobState
	Queue       string
	Kind        string
	Args        json.RawMessage
	Metadata    json.RawMessage
	Tags        []string
	Errors      []AttemptError
	AttemptedBy []string
	Attempt     int
	MaxAttempts int
	Priority    int
	InsertedAt  time.Time
	ScheduledAt time.Time
	AttemptedAt *time.Time
	CompletedAt *time.Time
	CancelledAt *time.Time
	DiscardedAt *time.Time
	UniqueKey   *string
}

// IsTerminal reports whether the job has reached a terminal state.
func (j *JobRow) IsTerminal() bool { return j.State.Terminal() }

// ProducerRow is the untyped, storage-shaped representation of a producer,
// per spec §3.
type ProducerRow struct {
	UUID      string
	Name      string
	Node      string
	Queue     string
	Meta      json.RawMessage
	UpdatedAt time.Time
}

// Ident returns the "{name}.{node}" identifier used both in attempted_by
// entries and in signal notification payloads (spec §4.4, §9).
func (p *ProducerRow) Ident() string { return p.Name + "." + p.Node }

var tagCaser = cases.Lower(language.Und) //nolint:gochecknoglobals

// NormalizeTags lowercases, trims, deduplicates, and sorts a tag set per
// spec §3. Unicode case-folding goes through golang.org/x/text/cases
// instead of strings.ToLower so non-ASCII tags fold correctly.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))

	for _, t := range tags {
		norm := tagCaser.String(trimSpace(t))
		if norm == "" {
			continue
		}
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}

	sort.Strings(out)
	return out
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpaceByte(s[start]) {
		start++
	}
	for end > start && isSpaceByte(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpaceByte(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	default:
		return false
	}
}

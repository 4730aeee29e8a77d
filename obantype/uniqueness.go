package obantype

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// UniqueField names one of the job attributes that can contribute to a
// uniqueness key, per spec §4.10.
type UniqueField string

const (
	UniqueFieldWorker UniqueField = "worker"
	UniqueFieldQueue  UniqueField = "queue"
	UniqueFieldArgs   UniqueField = "args"
)

// UniqueOpts configures deduplication for a single job insert. A nil
// *UniqueOpts means "no uniqueness enforced"; a non-nil zero value means
// "unique by worker+queue+args with no bucketing", matching oban-py's
// `unique=True` shorthand.
type UniqueOpts struct {
	// Fields restricts which of {worker, queue, args} participate in the
	// hash. Empty means all three.
	Fields []UniqueField

	// Keys restricts which keys within Args participate, when
	// UniqueFieldArgs is selected. Empty means all keys in Args.
	Keys []string

	// Period buckets ScheduledAt into floor(scheduled_at/Period)*Period and
	// folds the bucket into the hash, so that e.g. a cron job re-emitted
	// within the same period collapses into the existing row. Zero means no
	// bucketing.
	Period time.Duration

	// Group, when non-empty, is sorted (so caller order does not matter),
	// hashed in, and also written to meta.uniq_bmp as an identifying
	// bitmap for the match-group, letting
	// callers dedupe within a named group independent of field contents.
	Group []int
}

// hashInput is the canonical structure whose JSON encoding is hashed to
// produce the uniqueness key. Field order is fixed (struct field order) so
// that the same logical input always serializes identically.
type hashInput struct {
	Worker string          `json:"worker,omitempty"`
	Queue  string          `json:"queue,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Bucket int64           `json:"bucket,omitempty"`
	Group  []int           `json:"group,omitempty"`
}

// ComputeUniqueKey deterministically fingerprints a job + its uniqueness
// spec, per spec §4.10 and §8 ("Expression.parse is pure" sibling
// invariant: dedupe hashing is a pure function of (kind, args, queue,
// opts, scheduledAt)"). Returns the hex-encoded SHA-256 digest and, when
// opts.Group is set, the sorted bitmap identifying the match-group (spec
// §4.10: "stored in meta.uniq_bmp"); the bitmap is nil when no group was
// requested.
func ComputeUniqueKey(kind, queue string, args json.RawMessage, opts *UniqueOpts, scheduledAt time.Time) (string, []int, error) {
	fields := opts.Fields
	if len(fields) == 0 {
		fields = []UniqueField{UniqueFieldWorker, UniqueFieldQueue, UniqueFieldArgs}
	}

	in := hashInput{}

	for _, f := range fields {
		switch f {
		case UniqueFieldWorker:
			in.Worker = kind
		case UniqueFieldQueue:
			in.Queue = queue
		case UniqueFieldArgs:
			reduced, err := reduceArgsToKeys(args, opts.Keys)
			if err != nil {
				return "", nil, err
			}
			in.Args = reduced
		}
	}

	if opts.Period > 0 {
		bucketSeconds := int64(opts.Period / time.Second)
		if bucketSeconds < 1 {
			bucketSeconds = 1
		}
		in.Bucket = (scheduledAt.Unix() / bucketSeconds) * bucketSeconds
	}

	var bitmap []int
	if len(opts.Group) > 0 {
		bitmap = append([]int(nil), opts.Group...)
		sort.Ints(bitmap)
		in.Group = bitmap
	}

	encoded, err := json.Marshal(in)
	if err != nil {
		return "", nil, err
	}

	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), bitmap, nil
}

// reduceArgsToKeys projects args down to the subset of top-level keys
// named by keys (sorted, so key order never affects the hash). An empty
// keys list keeps the full args object, re-marshalled with sorted keys so
// the hash doesn't depend on the caller's original field order.
func reduceArgsToKeys(args json.RawMessage, keys []string) (json.RawMessage, error) {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	var full map[string]json.RawMessage
	if err := json.Unmarshal(args, &full); err != nil {
		// Not a JSON object (e.g. array/scalar args) -- hash verbatim.
		return args, nil
	}

	if len(keys) == 0 {
		return canonicalizeObject(full)
	}

	reduced := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		if v, ok := full[k]; ok {
			reduced[k] = v
		}
	}
	return canonicalizeObject(reduced)
}

// canonicalizeObject re-encodes a map with deterministic key ordering.
// encoding/json already sorts map keys when marshaling, so this is really
// just documentation of that guarantee at the call sites above.
func canonicalizeObject(m map[string]json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(m)
}

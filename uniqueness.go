package oban

import (
	"encoding/json"
	"time"

	"github.com/oban-go/oban/obantype"
)

// UniqueField names one of the job attributes that can contribute to a
// uniqueness key, per spec §4.10.
type UniqueField = obantype.UniqueField

const (
	UniqueFieldWorker = obantype.UniqueFieldWorker
	UniqueFieldQueue  = obantype.UniqueFieldQueue
	UniqueFieldArgs   = obantype.UniqueFieldArgs
)

// UniqueOpts configures deduplication for a single job insert.
type UniqueOpts = obantype.UniqueOpts

// ComputeUniqueKey deterministically fingerprints a job + its uniqueness
// spec, per spec §4.10. The second return value is the sorted match-group
// bitmap when opts.Group is set, nil otherwise.
func ComputeUniqueKey(kind, queue string, args json.RawMessage, opts *UniqueOpts, scheduledAt time.Time) (string, []int, error) {
	return obantype.ComputeUniqueKey(kind, queue, args, opts, scheduledAt)
}

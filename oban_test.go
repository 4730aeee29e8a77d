package oban

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oban-go/oban/internal/obantest"
	"github.com/oban-go/oban/internal/query"
)

type obanTestArgs struct {
	Email string `json:"email"`
}

func (obanTestArgs) Kind() string { return "oban_test" }

// newTestOban wires an *Oban directly against a rollback-isolated
// transaction, skipping NewOban's pool/notifier setup so the Insert family
// can be exercised without a live LISTEN connection.
func newTestOban(ctx context.Context, t *testing.T) *Oban {
	t.Helper()
	tx := obantest.TestTx(ctx, t)
	qy := query.NewWithDB(tx)
	arch := obantest.Archetype(t)
	return &Oban{qy: qy, archetype: arch}
}

func TestNewObanRejectsMissingDSN(t *testing.T) {
	t.Parallel()

	_, err := NewOban(context.Background(), &Config{
		Queues: map[string]QueueConfig{"default": {MaxWorkers: 1}},
	})
	require.Error(t, err)

	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "DSN", cfgErr.Field)
}

func TestNewObanRejectsNoQueues(t *testing.T) {
	t.Parallel()

	_, err := NewOban(context.Background(), &Config{DSN: "postgres://localhost/oban_test"})
	require.Error(t, err)

	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "Queues", cfgErr.Field)
}

func TestNewObanRejectsNonPositiveMaxWorkers(t *testing.T) {
	t.Parallel()

	_, err := NewOban(context.Background(), &Config{
		DSN:    "postgres://localhost/oban_test",
		Queues: map[string]QueueConfig{"default": {MaxWorkers: 0}},
	})
	require.Error(t, err)
}

func TestObanInsertWritesAvailableJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ob := newTestOban(ctx, t)

	row, err := ob.Insert(ctx, obanTestArgs{Email: "a@example.com"}, InsertOpts{})
	require.NoError(t, err)
	require.Equal(t, JobStateAvailable, row.State)
	require.Equal(t, DefaultQueue, row.Queue)
	require.Equal(t, "oban_test", row.Kind)
}

func TestObanInsertDedupesWithinUniquePeriod(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ob := newTestOban(ctx, t)

	opts := InsertOpts{Unique: &UniqueOpts{Period: time.Hour}}

	first, err := ob.Insert(ctx, obanTestArgs{Email: "dup@example.com"}, opts)
	require.NoError(t, err)

	second, err := ob.Insert(ctx, obanTestArgs{Email: "dup@example.com"}, opts)
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID, "a duplicate insert within the same unique period must collapse into the existing row")
}

func TestObanInsertManyStopsOnFirstError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ob := newTestOban(ctx, t)

	rows, err := ob.InsertMany(ctx, []InsertManyItem{
		{Args: obanTestArgs{Email: "ok@example.com"}},
		{Args: obanTestArgs{Email: "bad@example.com"}, Opts: InsertOpts{Priority: 99}},
		{Args: obanTestArgs{Email: "unreached@example.com"}},
	})
	require.Error(t, err)
	require.Len(t, rows, 1, "the first successfully inserted row must still be returned even though a later item failed")
}

func TestObanInsertManyFastBulkInserts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ob := newTestOban(ctx, t)

	n, err := ob.InsertManyFast(ctx, []InsertManyItem{
		{Args: obanTestArgs{Email: "one@example.com"}},
		{Args: obanTestArgs{Email: "two@example.com"}},
		{Args: obanTestArgs{Email: "three@example.com"}},
	})
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
}

func TestObanInsertManyFastRejectsUniqueOpts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ob := newTestOban(ctx, t)

	_, err := ob.InsertManyFast(ctx, []InsertManyItem{
		{Args: obanTestArgs{Email: "x@example.com"}, Opts: InsertOpts{Unique: &UniqueOpts{}}},
	})
	require.Error(t, err)
}

func TestObanProducersReturnsLiveOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ob := newTestOban(ctx, t)
	ob.cfg = &Config{Refresher: RefresherConfig{MaxAge: time.Minute}}

	_, err := ob.qy.InsertProducer(ctx, &ProducerRow{
		UUID: "live", Name: "oban", Node: "n1", Queue: "default", UpdatedAt: time.Now(),
	})
	require.NoError(t, err)
	_, err = ob.qy.InsertProducer(ctx, &ProducerRow{
		UUID: "stale", Name: "oban", Node: "n2", Queue: "default", UpdatedAt: time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)

	live, err := ob.Producers(ctx)
	require.NoError(t, err)
	require.Len(t, live, 1)
	require.Equal(t, "live", live[0].UUID)
}

// Package obantest provides test-only helpers shared across the internal
// control-loop packages: a rollback-isolated database transaction, a test
// archetype, and channel-wait helpers. Grounded on the teacher's
// rivershared/riversharedtest package.
package obantest

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/oban-go/oban/internal/baseservice"
)

var (
	dbPool     *pgxpool.Pool //nolint:gochecknoglobals
	dbPoolOnce sync.Once     //nolint:gochecknoglobals
)

// DBPool lazily initializes a shared pool pointed at TEST_DATABASE_URL (or
// a sensible local default), matching the teacher's riversharedtest.DBPool.
func DBPool(ctx context.Context, tb testing.TB) *pgxpool.Pool {
	tb.Helper()

	dbPoolOnce.Do(func() {
		var err error
		dbPool, err = pgxpool.New(ctx, cmp.Or(
			os.Getenv("TEST_DATABASE_URL"),
			"postgres://localhost:5432/oban_test",
		))
		require.NoError(tb, err)
	})
	require.NotNil(tb, dbPool)

	return dbPool
}

// TestTx starts a transaction against DBPool that's rolled back
// automatically when the test finishes, so every test runs against an
// isolated view of the schema.
func TestTx(ctx context.Context, tb testing.TB) pgx.Tx {
	tb.Helper()
	return TestTxPool(ctx, tb, DBPool(ctx, tb))
}

// TestTxPool is like TestTx but against an explicit pool.
func TestTxPool(ctx context.Context, tb testing.TB, pool *pgxpool.Pool) pgx.Tx {
	tb.Helper()

	tx, err := pool.Begin(ctx)
	require.NoError(tb, err)

	tb.Cleanup(func() {
		ctx := context.WithoutCancel(ctx)
		err := tx.Rollback(ctx)
		if err == nil || errors.Is(err, pgx.ErrTxClosed) {
			return
		}
		require.NoError(tb, err)
	})

	return tx
}

// stubTime implements baseservice.TimeGenerator with a mutable override,
// letting tests pin "now" for staging/backoff assertions.
type stubTime struct {
	mu  sync.RWMutex
	now *time.Time
}

func (t *stubTime) NowUTC() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.now == nil {
		return time.Now().UTC()
	}
	return *t.now
}

// StubbedArchetype returns a fresh Archetype whose clock can be frozen with
// the returned setter, for tests asserting on exact scheduled_at values.
func StubbedArchetype(tb testing.TB) (*baseservice.Archetype, func(time.Time)) {
	tb.Helper()

	st := &stubTime{}
	arch := &baseservice.Archetype{
		Logger: testLogger(tb),
		Time:   st,
	}

	set := func(now time.Time) {
		st.mu.Lock()
		defer st.mu.Unlock()
		st.now = &now
	}

	return arch, set
}

// Archetype returns a plain test archetype using the real system clock.
func Archetype(tb testing.TB) *baseservice.Archetype {
	tb.Helper()
	return baseservice.NewArchetype(testLogger(tb))
}

func testLogger(tb testing.TB) *slog.Logger {
	tb.Helper()
	level := slog.LevelWarn
	if os.Getenv("OBAN_DEBUG") == "1" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(testWriter{tb}, &slog.HandlerOptions{Level: level}))
}

// testWriter routes slog output through tb.Log so it's only shown for
// failing tests, same convention as the teacher's slogtest.
type testWriter struct{ tb testing.TB }

func (w testWriter) Write(p []byte) (int, error) {
	w.tb.Helper()
	w.tb.Log(string(p))
	return len(p), nil
}

// WaitOrTimeout waits on ch for a single value, failing the test if none
// arrives within a reasonable window.
func WaitOrTimeout[T any](tb testing.TB, ch <-chan T) T {
	tb.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout()):
		require.FailNow(tb, "WaitOrTimeout timed out")
	}
	return *new(T) // unreachable
}

func waitTimeout() time.Duration {
	if os.Getenv("GITHUB_ACTIONS") == "true" {
		return 10 * time.Second
	}
	return 3 * time.Second
}

// WaitOrTimeoutN waits on ch for n values, failing the test if they don't
// all arrive within a reasonable window. Used by tests asserting on a
// batch of telemetry events (e.g. a producer running several jobs).
func WaitOrTimeoutN[T any](tb testing.TB, ch <-chan T, n int) []T {
	tb.Helper()

	deadline := time.Now().Add(waitTimeout())
	values := make([]T, 0, n)

	for {
		select {
		case v := <-ch:
			values = append(values, v)
			if len(values) >= n {
				return values
			}
		case <-time.After(time.Until(deadline)):
			require.FailNowf(tb, "WaitOrTimeoutN timed out", "received %d of %d wanted values", len(values), n)
			return nil
		}
	}
}

// IgnoredKnownGoroutineLeaks lists background goroutines pgxpool may leave
// running at process exit that aren't a real leak (tracked upstream at
// https://github.com/jackc/pgx/issues/1641).
var IgnoredKnownGoroutineLeaks = []goleak.Option{ //nolint:gochecknoglobals
	goleak.IgnoreTopFunction("github.com/jackc/pgx/v5/pgxpool.(*Pool).backgroundHealthCheck"),
	goleak.IgnoreAnyFunction("github.com/jackc/pgx/v5/pgxpool.(*Pool).triggerHealthCheck.func1"),
}

// WrapTestMain runs m, then fails the process if any goroutine outlived it
// (beyond IgnoredKnownGoroutineLeaks), matching the teacher's
// riversharedtest.WrapTestMain convention for package TestMain functions.
func WrapTestMain(m *testing.M) {
	status := m.Run()

	if status == 0 {
		if err := goleak.Find(IgnoredKnownGoroutineLeaks...); err != nil {
			fmt.Fprintf(os.Stderr, "goleak: errors on successful test run: %v\n", err)
			status = 1
		}
	}

	os.Exit(status)
}

package cron

import (
	"testing"
	"time"

	robfigcron "github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, expr string) *Expression {
	t.Helper()
	e, err := Parse(expr)
	require.NoError(t, err)
	return e
}

func TestExpression_EveryMinute(t *testing.T) {
	t.Parallel()

	e := mustParse(t, "* * * * *")
	require.True(t, e.IsNow(time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)))
	require.True(t, e.IsNow(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestExpression_LiteralFields(t *testing.T) {
	t.Parallel()

	e := mustParse(t, "30 4 1 1 *")
	require.True(t, e.IsNow(time.Date(2026, 1, 1, 4, 30, 0, 0, time.UTC)))
	require.False(t, e.IsNow(time.Date(2026, 1, 1, 4, 31, 0, 0, time.UTC)))
	require.False(t, e.IsNow(time.Date(2026, 1, 2, 4, 30, 0, 0, time.UTC)))
}

func TestExpression_Range(t *testing.T) {
	t.Parallel()

	e := mustParse(t, "0 9-17 * * *")
	require.True(t, e.IsNow(time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)))
	require.True(t, e.IsNow(time.Date(2026, 7, 31, 17, 0, 0, 0, time.UTC)))
	require.False(t, e.IsNow(time.Date(2026, 7, 31, 18, 0, 0, 0, time.UTC)))
	require.False(t, e.IsNow(time.Date(2026, 7, 31, 9, 1, 0, 0, time.UTC)))
}

func TestExpression_Step(t *testing.T) {
	t.Parallel()

	e := mustParse(t, "*/15 * * * *")
	for _, minute := range []int{0, 15, 30, 45} {
		require.True(t, e.IsNow(time.Date(2026, 7, 31, 10, minute, 0, 0, time.UTC)), "minute %d", minute)
	}
	require.False(t, e.IsNow(time.Date(2026, 7, 31, 10, 10, 0, 0, time.UTC)))
}

func TestExpression_RangeStep(t *testing.T) {
	t.Parallel()

	e := mustParse(t, "0 8-20/4 * * *")
	require.True(t, e.IsNow(time.Date(2026, 7, 31, 8, 0, 0, 0, time.UTC)))
	require.True(t, e.IsNow(time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)))
	require.True(t, e.IsNow(time.Date(2026, 7, 31, 16, 0, 0, 0, time.UTC)))
	require.True(t, e.IsNow(time.Date(2026, 7, 31, 20, 0, 0, 0, time.UTC)))
	require.False(t, e.IsNow(time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)))
}

func TestExpression_Union(t *testing.T) {
	t.Parallel()

	e := mustParse(t, "0,15,45 * * * *")
	require.True(t, e.IsNow(time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)))
	require.True(t, e.IsNow(time.Date(2026, 7, 31, 10, 15, 0, 0, time.UTC)))
	require.True(t, e.IsNow(time.Date(2026, 7, 31, 10, 45, 0, 0, time.UTC)))
	require.False(t, e.IsNow(time.Date(2026, 7, 31, 10, 30, 0, 0, time.UTC)))
}

func TestExpression_MonthAndWeekdayAliases(t *testing.T) {
	t.Parallel()

	e := mustParse(t, "0 0 * JAN MON")
	// 2026-01-05 is a Monday.
	require.True(t, e.IsNow(time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)))
	require.False(t, e.IsNow(time.Date(2026, 1, 6, 0, 0, 0, 0, time.UTC)))
	require.False(t, e.IsNow(time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)))
}

func TestExpression_WeekdaySundayIsSeven(t *testing.T) {
	t.Parallel()

	e := mustParse(t, "0 0 * * 7")
	// 2026-08-02 is a Sunday.
	require.True(t, e.IsNow(time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)))
	require.False(t, e.IsNow(time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)))
}

func TestExpression_Nicknames(t *testing.T) {
	t.Parallel()

	cases := map[string]time.Time{
		"@hourly":   time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC),
		"@daily":    time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC),
		"@midnight": time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC),
		"@monthly":  time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
		"@yearly":   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		"@annually": time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	for nickname, at := range cases {
		e := mustParse(t, nickname)
		require.True(t, e.IsNow(at), "nickname %s at %s", nickname, at)
	}

	weekly := mustParse(t, "@weekly")
	require.True(t, weekly.IsNow(time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC))) // a Monday
}

func TestExpression_Errors(t *testing.T) {
	t.Parallel()

	cases := []string{
		"* * * *",        // too few fields
		"60 * * * *",     // minute out of range
		"* 24 * * *",     // hour out of range
		"* * 32 * *",     // day out of range
		"* * * 13 *",     // month out of range
		"* * * * 8",      // weekday out of range
		"jan * * * *",    // lowercase alias
		"* * * * mon",    // lowercase alias
		"5-2 * * * *",    // inverted range
		"@nonsense",      // unknown nickname
		"*/0 * * * *",    // zero step
	}
	for _, expr := range cases {
		_, err := Parse(expr)
		require.Error(t, err, "expected error for %q", expr)
	}
}

// TestExpression_AgreesWithRobfigCron cross-checks the standard five-field
// forms against robfig/cron/v3's own next-run computation: if robfig thinks
// a schedule fires at exactly minute boundary m, our IsNow should agree at
// that boundary.
func TestExpression_AgreesWithRobfigCron(t *testing.T) {
	t.Parallel()

	exprs := []string{"0 0 * * *", "*/10 * * * *", "0 9-17 * * 1-5", "15,45 * * * *"}

	for _, raw := range exprs {
		raw := raw
		t.Run(raw, func(t *testing.T) {
			t.Parallel()

			robfigSchedule, err := robfigcron.ParseStandard(raw)
			require.NoError(t, err)

			ours := mustParse(t, raw)

			start := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
			next := robfigSchedule.Next(start.Add(-time.Minute))
			require.True(t, ours.IsNow(next), "expected IsNow to match robfig's computed next run at %s", next)
		})
	}
}

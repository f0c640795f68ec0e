package discipline_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/discipline-engine/discipline"
	"github.com/warp/discipline-engine/discipline/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func day(s string) discipline.Date { return discipline.MustParseDate(s) }

// fixture bundles an engine over the in-memory store with a controllable
// clock. The app start date is pinned at the clock's date on the engine's
// first store access, so tests set the clock BEFORE touching the engine.
type fixture struct {
	engine *discipline.Engine
	mem    *store.Memory
	clock  *discipline.FixedClock
}

func newFixture(t *testing.T, today string) *fixture {
	t.Helper()
	mem := store.NewMemory()
	clock := &discipline.FixedClock{Day: day(today)}
	return &fixture{
		engine: discipline.NewEngine(mem, clock),
		mem:    mem,
		clock:  clock,
	}
}

// addRule seeds version 1 of a rule directly in the store, open-ended.
func (f *fixture) addRule(t *testing.T, key, from string, windowDays, bufferMisses int) {
	t.Helper()
	f.addVersion(t, key, 1, from, "", key, windowDays, bufferMisses, 1.0)
}

// addVersion seeds one version row. Empty "to" means open-ended.
func (f *fixture) addVersion(t *testing.T, key string, version int, from, to, name string, windowDays, bufferMisses int, weight float64) {
	t.Helper()
	def := discipline.RuleDefinition{
		Key:           discipline.RuleKey(key),
		Version:       version,
		EffectiveFrom: day(from),
		Name:          name,
		WindowDays:    windowDays,
		BufferMisses:  bufferMisses,
		Weight:        decimal.NewFromFloat(weight),
	}
	if to != "" {
		end := day(to)
		def.EffectiveTo = &end
	}
	require.NoError(t, f.mem.InsertRuleVersion(context.Background(), def))
}

// log records one state directly, bypassing the engine's finalization guard.
func (f *fixture) log(t *testing.T, date, key string, st discipline.LogState) {
	t.Helper()
	require.NoError(t, f.mem.UpsertLog(context.Background(), discipline.DailyLog{
		Date:      day(date),
		Key:       discipline.RuleKey(key),
		State:     st,
		UpdatedAt: time.Now().UTC(),
	}))
}

// pass logs PASS for one key over an inclusive date range.
func (f *fixture) pass(t *testing.T, key, from, to string) {
	t.Helper()
	for d := day(from); d.BeforeOrEqual(day(to)); d = d.AddDays(1) {
		f.log(t, d.String(), key, discipline.StatePass)
	}
}

func (f *fixture) storedState(t *testing.T, date, key string) discipline.LogState {
	t.Helper()
	rows, err := f.mem.ListLogsRange(context.Background(), day(date), day(date))
	require.NoError(t, err)
	for _, r := range rows {
		if r.Key == discipline.RuleKey(key) {
			return r.State
		}
	}
	return ""
}

// =============================================================================
// FINALIZATION LOOP
// =============================================================================

func TestProcessUpTo_AllPass_AdvancesStreak(t *testing.T) {
	// GIVEN: One rule, PASS logged every day
	// WHEN: Processing five days
	// THEN: The streak advances without ending

	f := newFixture(t, "2025-03-01")
	f.addRule(t, "meditate", "2025-03-01", 7, 1)
	f.pass(t, "meditate", "2025-03-01", "2025-03-05")

	res, err := f.engine.ProcessUpTo(context.Background(), day("2025-03-05"))
	require.NoError(t, err)

	assert.Empty(t, res.Events)
	assert.Equal(t, day("2025-03-01"), res.OpenStreak.StartDate)
	assert.Equal(t, day("2025-03-05"), res.OpenStreak.ProcessedThrough)
	assert.Equal(t, 5, res.OpenStreak.Length())

	st := res.OpenStreak.RuleState["meditate"]
	assert.Equal(t, 1, st.Version)
	assert.Equal(t, 0, st.WindowIndex)
	assert.Equal(t, 0, st.Misses)
}

func TestProcessUpTo_Idempotent(t *testing.T) {
	// GIVEN: Days already finalized through a target
	// WHEN: Processing to the same target again
	// THEN: No-op, no events, no duplicate streaks

	f := newFixture(t, "2025-03-01")
	f.addRule(t, "meditate", "2025-03-01", 7, 1)
	f.pass(t, "meditate", "2025-03-01", "2025-03-03")
	ctx := context.Background()

	first, err := f.engine.ProcessUpTo(ctx, day("2025-03-03"))
	require.NoError(t, err)

	second, err := f.engine.ProcessUpTo(ctx, day("2025-03-03"))
	require.NoError(t, err)

	assert.Empty(t, second.Events)
	assert.Equal(t, first.OpenStreak.ID, second.OpenStreak.ID)
	assert.Equal(t, first.OpenStreak.ProcessedThrough, second.OpenStreak.ProcessedThrough)

	streaks, err := f.engine.ListStreaks(ctx)
	require.NoError(t, err)
	assert.Len(t, streaks, 1)
}

func TestProcessUpTo_CoercesUnloggedToMiss(t *testing.T) {
	// GIVEN: No logs entered for two days
	// WHEN: Those days are finalized
	// THEN: MISS is persisted for each day and counted against the buffer

	f := newFixture(t, "2025-03-01")
	f.addRule(t, "meditate", "2025-03-01", 7, 3)

	res, err := f.engine.ProcessUpTo(context.Background(), day("2025-03-02"))
	require.NoError(t, err)

	assert.Empty(t, res.Events)
	assert.Equal(t, 2, res.OpenStreak.RuleState["meditate"].Misses)
	assert.Equal(t, discipline.StateMiss, f.storedState(t, "2025-03-01", "meditate"))
	assert.Equal(t, discipline.StateMiss, f.storedState(t, "2025-03-02", "meditate"))
}

func TestProcessUpTo_CoercesExplicitUnknownToMiss(t *testing.T) {
	// GIVEN: A day explicitly logged UNKNOWN
	// WHEN: The day is finalized
	// THEN: The stored state becomes MISS

	f := newFixture(t, "2025-03-01")
	f.addRule(t, "meditate", "2025-03-01", 7, 3)
	f.log(t, "2025-03-01", "meditate", discipline.StateUnknown)

	_, err := f.engine.ProcessUpTo(context.Background(), day("2025-03-01"))
	require.NoError(t, err)

	assert.Equal(t, discipline.StateMiss, f.storedState(t, "2025-03-01", "meditate"))
}

func TestProcessUpTo_BufferExceeded_ClosesAndReopens(t *testing.T) {
	// GIVEN: A zero-buffer rule with a MISS on day three
	// WHEN: Processing past the miss
	// THEN: The streak closes on the miss day and a fresh one opens the day after

	f := newFixture(t, "2025-03-01")
	f.addRule(t, "meditate", "2025-03-01", 7, 0)
	f.pass(t, "meditate", "2025-03-01", "2025-03-02")
	f.log(t, "2025-03-03", "meditate", discipline.StateMiss)
	f.log(t, "2025-03-04", "meditate", discipline.StatePass)
	ctx := context.Background()

	res, err := f.engine.ProcessUpTo(ctx, day("2025-03-04"))
	require.NoError(t, err)

	require.Len(t, res.Events, 1)
	ev := res.Events[0]
	assert.Equal(t, discipline.EventStreakEnded, ev.Type)
	assert.Equal(t, discipline.EndBufferExceeded, ev.Reason.Type)
	assert.Equal(t, discipline.RuleKey("meditate"), ev.Reason.RuleKey)
	assert.Equal(t, "2025-03-03", ev.Reason.Date)
	assert.Equal(t, 1, ev.Reason.MissesInWindow)
	assert.Equal(t, 0, ev.Reason.BufferMisses)

	streaks, err := f.engine.ListStreaks(ctx)
	require.NoError(t, err)
	require.Len(t, streaks, 2)

	closed := streaks[0]
	assert.Equal(t, discipline.StreakClosed, closed.Status)
	require.NotNil(t, closed.EndDate)
	assert.Equal(t, day("2025-03-03"), *closed.EndDate)
	assert.Equal(t, 3, closed.Length())
	require.NotNil(t, closed.EndReason)
	assert.Equal(t, discipline.EndBufferExceeded, closed.EndReason.Type)

	open := streaks[1]
	assert.Equal(t, discipline.StreakOpen, open.Status)
	assert.Equal(t, day("2025-03-04"), open.StartDate)
	assert.Equal(t, day("2025-03-04"), open.ProcessedThrough)
	assert.Equal(t, 0, open.RuleState["meditate"].Misses)
}

func TestProcessUpTo_BufferAbsorbsMisses(t *testing.T) {
	// GIVEN: buffer_misses=2 within a 7-day window
	// WHEN: Exactly two misses land in the window
	// THEN: The streak survives with the counter at the limit

	f := newFixture(t, "2025-03-01")
	f.addRule(t, "meditate", "2025-03-01", 7, 2)
	f.log(t, "2025-03-01", "meditate", discipline.StateMiss)
	f.log(t, "2025-03-02", "meditate", discipline.StateMiss)
	f.pass(t, "meditate", "2025-03-03", "2025-03-07")

	res, err := f.engine.ProcessUpTo(context.Background(), day("2025-03-07"))
	require.NoError(t, err)

	assert.Empty(t, res.Events)
	assert.Equal(t, 2, res.OpenStreak.RuleState["meditate"].Misses)
}

func TestProcessUpTo_ThirdMissInWindow_EndsStreak(t *testing.T) {
	f := newFixture(t, "2025-03-01")
	f.addRule(t, "meditate", "2025-03-01", 7, 2)
	f.log(t, "2025-03-01", "meditate", discipline.StateMiss)
	f.log(t, "2025-03-02", "meditate", discipline.StateMiss)
	f.log(t, "2025-03-03", "meditate", discipline.StateMiss)

	res, err := f.engine.ProcessUpTo(context.Background(), day("2025-03-03"))
	require.NoError(t, err)

	require.Len(t, res.Events, 1)
	assert.Equal(t, 3, res.Events[0].Reason.MissesInWindow)
	assert.Equal(t, "2025-03-03", res.Events[0].Reason.Date)
}

func TestProcessUpTo_WindowRollover_ResetsMisses(t *testing.T) {
	// GIVEN: A 3-day window with the buffer fully used
	// WHEN: The next day starts window index 1
	// THEN: The counter resets and the same misses are absorbed again

	f := newFixture(t, "2025-03-01")
	f.addRule(t, "meditate", "2025-03-01", 3, 2)
	// Window 0: 03-01..03-03
	f.log(t, "2025-03-01", "meditate", discipline.StateMiss)
	f.log(t, "2025-03-02", "meditate", discipline.StateMiss)
	f.log(t, "2025-03-03", "meditate", discipline.StatePass)
	// Window 1: 03-04..03-06
	f.log(t, "2025-03-04", "meditate", discipline.StateMiss)
	f.log(t, "2025-03-05", "meditate", discipline.StateMiss)
	f.log(t, "2025-03-06", "meditate", discipline.StatePass)

	res, err := f.engine.ProcessUpTo(context.Background(), day("2025-03-06"))
	require.NoError(t, err)

	assert.Empty(t, res.Events)
	st := res.OpenStreak.RuleState["meditate"]
	assert.Equal(t, 1, st.WindowIndex)
	assert.Equal(t, 2, st.Misses)
}

func TestProcessUpTo_VersionChange_KeepsMissCounter(t *testing.T) {
	// GIVEN: The rule's version changes mid-window with misses accumulated
	// WHEN: Another miss lands under the new version
	// THEN: The counter carries over; editing a rule never grants fresh buffer

	f := newFixture(t, "2025-03-01")
	f.addVersion(t, "meditate", 1, "2025-03-01", "2025-03-02", "Meditate", 7, 2, 1.0)
	f.addVersion(t, "meditate", 2, "2025-03-03", "", "Meditate harder", 7, 2, 1.0)
	f.log(t, "2025-03-01", "meditate", discipline.StateMiss)
	f.log(t, "2025-03-02", "meditate", discipline.StateMiss)
	f.log(t, "2025-03-03", "meditate", discipline.StateMiss)

	res, err := f.engine.ProcessUpTo(context.Background(), day("2025-03-03"))
	require.NoError(t, err)

	require.Len(t, res.Events, 1)
	reason := res.Events[0].Reason
	assert.Equal(t, 3, reason.MissesInWindow)
	assert.Equal(t, 2, reason.RuleVersion)
}

func TestProcessUpTo_TieBreak_LowestKeyWins(t *testing.T) {
	// GIVEN: Two zero-buffer rules both missed on the same day
	// WHEN: The day is finalized
	// THEN: The lexicographically smallest key is recorded as the cause

	f := newFixture(t, "2025-03-01")
	f.addRule(t, "bravo", "2025-03-01", 7, 0)
	f.addRule(t, "alpha", "2025-03-01", 7, 0)

	res, err := f.engine.ProcessUpTo(context.Background(), day("2025-03-01"))
	require.NoError(t, err)

	require.Len(t, res.Events, 1)
	assert.Equal(t, discipline.RuleKey("alpha"), res.Events[0].Reason.RuleKey)
}

func TestProcessUpTo_ConsecutiveFailures_ChainStreaks(t *testing.T) {
	// GIVEN: A zero-buffer rule and nothing logged for three days
	// WHEN: Processing all three
	// THEN: Three one-day streaks close and a fourth opens

	f := newFixture(t, "2025-03-01")
	f.addRule(t, "meditate", "2025-03-01", 7, 0)
	ctx := context.Background()

	res, err := f.engine.ProcessUpTo(ctx, day("2025-03-03"))
	require.NoError(t, err)

	assert.Len(t, res.Events, 3)
	assert.Equal(t, day("2025-03-04"), res.OpenStreak.StartDate)
	assert.Equal(t, day("2025-03-03"), res.OpenStreak.ProcessedThrough)

	streaks, err := f.engine.ListStreaks(ctx)
	require.NoError(t, err)
	require.Len(t, streaks, 4)
	for _, s := range streaks[:3] {
		assert.Equal(t, discipline.StreakClosed, s.Status)
		assert.Equal(t, 1, s.Length())
	}
}

func TestProcessUpTo_NoRules_NeverEnds(t *testing.T) {
	// Days with zero applicable rules finalize trivially.

	f := newFixture(t, "2025-03-01")

	res, err := f.engine.ProcessUpTo(context.Background(), day("2025-03-10"))
	require.NoError(t, err)

	assert.Empty(t, res.Events)
	assert.Equal(t, day("2025-03-10"), res.OpenStreak.ProcessedThrough)
	assert.Equal(t, 10, res.OpenStreak.Length())
}

func TestProcessUntilYesterday_LeavesTodayEditable(t *testing.T) {
	f := newFixture(t, "2025-03-01")
	f.addRule(t, "meditate", "2025-03-01", 7, 5)
	ctx := context.Background()

	// Pin the app start, then move the calendar forward.
	_, err := f.engine.GetOrCreateOpenStreak(ctx)
	require.NoError(t, err)
	f.clock.Day = day("2025-03-04")

	res, err := f.engine.ProcessUntilYesterday(ctx)
	require.NoError(t, err)

	assert.Equal(t, day("2025-03-03"), res.OpenStreak.ProcessedThrough)
	// Today was not coerced.
	assert.Equal(t, discipline.LogState(""), f.storedState(t, "2025-03-04", "meditate"))
}

// =============================================================================
// DAILY LOG WRITES
// =============================================================================

func TestSaveDayLogs_FinalizedDayRejected(t *testing.T) {
	// GIVEN: Days finalized through 03-03
	// WHEN: Writing logs for 03-02 and 03-04
	// THEN: The finalized day is rejected, the open day accepted

	f := newFixture(t, "2025-03-01")
	f.addRule(t, "meditate", "2025-03-01", 7, 5)
	ctx := context.Background()

	_, err := f.engine.ProcessUpTo(ctx, day("2025-03-03"))
	require.NoError(t, err)

	saved, err := f.engine.SaveDayLogs(ctx, day("2025-03-02"), map[discipline.RuleKey]discipline.LogState{
		"meditate": discipline.StatePass,
	})
	require.NoError(t, err)
	assert.False(t, saved, "finalized day must be immutable")
	assert.Equal(t, discipline.StateMiss, f.storedState(t, "2025-03-02", "meditate"))

	saved, err = f.engine.SaveDayLogs(ctx, day("2025-03-04"), map[discipline.RuleKey]discipline.LogState{
		"meditate": discipline.StatePass,
	})
	require.NoError(t, err)
	assert.True(t, saved)
	assert.Equal(t, discipline.StatePass, f.storedState(t, "2025-03-04", "meditate"))
}

func TestSaveDayLogs_InvalidStateRejected(t *testing.T) {
	f := newFixture(t, "2025-03-01")
	f.addRule(t, "meditate", "2025-03-01", 7, 5)

	_, err := f.engine.SaveDayLogs(context.Background(), day("2025-03-01"), map[discipline.RuleKey]discipline.LogState{
		"meditate": "DONE",
	})
	assert.True(t, discipline.IsValidation(err))
}

func TestFinalizeToday_LocksToday(t *testing.T) {
	f := newFixture(t, "2025-03-02")
	f.addRule(t, "meditate", "2025-03-01", 7, 5)
	ctx := context.Background()

	_, err := f.engine.FinalizeToday(ctx)
	require.NoError(t, err)

	saved, err := f.engine.SaveDayLogs(ctx, day("2025-03-02"), map[discipline.RuleKey]discipline.LogState{
		"meditate": discipline.StatePass,
	})
	require.NoError(t, err)
	assert.False(t, saved)
}

func TestDayLogs_DefaultsToUnknown(t *testing.T) {
	// Read-only view: unlogged rules show UNKNOWN, nothing is persisted.

	f := newFixture(t, "2025-03-01")
	f.addRule(t, "meditate", "2025-03-01", 7, 5)
	f.addRule(t, "exercise", "2025-03-01", 7, 5)
	f.log(t, "2025-03-01", "meditate", discipline.StatePass)
	ctx := context.Background()

	states, err := f.engine.DayLogs(ctx, day("2025-03-01"))
	require.NoError(t, err)

	assert.Equal(t, discipline.StatePass, states["meditate"])
	assert.Equal(t, discipline.StateUnknown, states["exercise"])
	assert.Equal(t, discipline.LogState(""), f.storedState(t, "2025-03-01", "exercise"))
}

// =============================================================================
// MANUAL RESET
// =============================================================================

func TestResetToday_ClosesAndReopensTomorrow(t *testing.T) {
	f := newFixture(t, "2025-03-01")
	f.addRule(t, "meditate", "2025-03-01", 7, 5)
	f.pass(t, "meditate", "2025-03-01", "2025-03-02")
	ctx := context.Background()

	// Pin the app start before moving to the reset day.
	_, err := f.engine.GetOrCreateOpenStreak(ctx)
	require.NoError(t, err)
	f.clock.Day = day("2025-03-02")

	res, err := f.engine.ResetToday(ctx)
	require.NoError(t, err)

	assert.True(t, res.Reset)
	require.NotNil(t, res.Reason)
	assert.Equal(t, discipline.EndManualReset, res.Reason.Type)

	streaks, err := f.engine.ListStreaks(ctx)
	require.NoError(t, err)
	require.Len(t, streaks, 2)
	assert.Equal(t, discipline.StreakClosed, streaks[0].Status)
	assert.Equal(t, day("2025-03-02"), *streaks[0].EndDate)
	assert.Equal(t, day("2025-03-03"), streaks[1].StartDate)
}

func TestResetToday_TwiceSameDay_SecondIsNoop(t *testing.T) {
	f := newFixture(t, "2025-03-01")
	f.addRule(t, "meditate", "2025-03-01", 7, 5)
	f.pass(t, "meditate", "2025-03-01", "2025-03-01")
	ctx := context.Background()

	first, err := f.engine.ResetToday(ctx)
	require.NoError(t, err)
	assert.True(t, first.Reset)

	second, err := f.engine.ResetToday(ctx)
	require.NoError(t, err)
	assert.False(t, second.Reset)
	assert.Equal(t, "already_ended_today", second.Detail)

	streaks, err := f.engine.ListStreaks(ctx)
	require.NoError(t, err)
	assert.Len(t, streaks, 2)
}

// =============================================================================
// BUFFER VIEW
// =============================================================================

func TestBufferView_ReportsRemainingAndReset(t *testing.T) {
	// GIVEN: 2 of 3 buffer misses used in a 7-day window, 3 days finalized
	// WHEN: Viewing buffers
	// THEN: 1 remaining, window resets in 4 finalized days

	f := newFixture(t, "2025-03-01")
	f.addRule(t, "meditate", "2025-03-01", 7, 3)
	f.log(t, "2025-03-01", "meditate", discipline.StateMiss)
	f.log(t, "2025-03-02", "meditate", discipline.StateMiss)
	f.log(t, "2025-03-03", "meditate", discipline.StatePass)
	ctx := context.Background()

	_, err := f.engine.GetOrCreateOpenStreak(ctx)
	require.NoError(t, err)
	f.clock.Day = day("2025-03-04")
	_, err = f.engine.ProcessUntilYesterday(ctx)
	require.NoError(t, err)

	buffers, err := f.engine.BufferView(ctx)
	require.NoError(t, err)
	require.Len(t, buffers, 1)

	b := buffers[0]
	assert.Equal(t, discipline.RuleKey("meditate"), b.Key)
	assert.Equal(t, 2, b.Misses)
	assert.Equal(t, 1, b.Remaining)
	assert.Equal(t, 4, b.ResetsIn)
}

func TestGetOrCreateOpenStreak_CreatesOnce(t *testing.T) {
	f := newFixture(t, "2025-03-01")
	ctx := context.Background()

	first, err := f.engine.GetOrCreateOpenStreak(ctx)
	require.NoError(t, err)
	assert.Equal(t, day("2025-03-01"), first.StartDate)
	assert.Equal(t, day("2025-02-28"), first.ProcessedThrough)

	second, err := f.engine.GetOrCreateOpenStreak(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

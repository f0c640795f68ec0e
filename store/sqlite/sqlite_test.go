package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/discipline-engine/discipline"
	"github.com/warp/discipline-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func day(s string) discipline.Date { return discipline.MustParseDate(s) }

func openStreak(id string, start string) discipline.Streak {
	now := time.Now().UTC()
	return discipline.Streak{
		ID:               discipline.StreakID(id),
		StartDate:        day(start),
		Status:           discipline.StreakOpen,
		ProcessedThrough: day(start).AddDays(-1),
		RuleState:        map[discipline.RuleKey]discipline.RuleCounters{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// =============================================================================
// RULE VERSIONS
// =============================================================================

func TestSQLite_RuleVersionRoundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	end := day("2025-06-30")
	def := discipline.RuleDefinition{
		Key:           "deep_work",
		Version:       1,
		EffectiveFrom: day("2025-01-01"),
		EffectiveTo:   &end,
		Name:          "Deep work",
		Description:   "Two hours of focused work",
		WindowDays:    7,
		BufferMisses:  2,
		Weight:        decimal.RequireFromString("1.5"),
	}
	require.NoError(t, store.InsertRuleVersion(ctx, def))

	got, err := store.ListRuleVersionsForKey(ctx, "deep_work")
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, def.Key, got[0].Key)
	assert.Equal(t, def.Version, got[0].Version)
	assert.Equal(t, def.EffectiveFrom, got[0].EffectiveFrom)
	require.NotNil(t, got[0].EffectiveTo)
	assert.Equal(t, end, *got[0].EffectiveTo)
	assert.Equal(t, def.Description, got[0].Description)
	assert.True(t, def.Weight.Equal(got[0].Weight), "weight must roundtrip exactly")
}

func TestSQLite_CloseRuleVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertRuleVersion(ctx, discipline.RuleDefinition{
		Key: "deep_work", Version: 1, EffectiveFrom: day("2025-01-01"),
		Name: "Deep work", WindowDays: 7, BufferMisses: 1, Weight: decimal.NewFromInt(1),
	}))
	require.NoError(t, store.CloseRuleVersion(ctx, "deep_work", 1, day("2025-03-01")))

	got, err := store.ListRuleVersionsForKey(ctx, "deep_work")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].EffectiveTo)
	assert.Equal(t, day("2025-03-01"), *got[0].EffectiveTo)
}

func TestSQLite_ListRuleVersions_Ordering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, d := range []struct {
		key  string
		ver  int
		from string
	}{
		{"zeta", 1, "2025-01-01"},
		{"alpha", 2, "2025-02-01"},
		{"alpha", 1, "2025-01-01"},
	} {
		require.NoError(t, store.InsertRuleVersion(ctx, discipline.RuleDefinition{
			Key: discipline.RuleKey(d.key), Version: d.ver, EffectiveFrom: day(d.from),
			Name: d.key, WindowDays: 7, BufferMisses: 1, Weight: decimal.NewFromInt(1),
		}))
	}

	got, err := store.ListRuleVersions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, discipline.RuleKey("alpha"), got[0].Key)
	assert.Equal(t, 1, got[0].Version)
	assert.Equal(t, 2, got[1].Version)
	assert.Equal(t, discipline.RuleKey("zeta"), got[2].Key)
}

// =============================================================================
// LOGS
// =============================================================================

func TestSQLite_LogUpsertReplaces(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	log := discipline.DailyLog{
		Date: day("2025-03-01"), Key: "deep_work",
		State: discipline.StateUnknown, UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.UpsertLog(ctx, log))

	log.State = discipline.StatePass
	require.NoError(t, store.UpsertLog(ctx, log))

	got, err := store.ListLogsRange(ctx, day("2025-03-01"), day("2025-03-01"))
	require.NoError(t, err)
	require.Len(t, got, 1, "upsert must replace, not duplicate")
	assert.Equal(t, discipline.StatePass, got[0].State)
}

func TestSQLite_ListLogsRange_Inclusive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.UpsertLog(ctx, discipline.DailyLog{
			Date: day("2025-03-01").AddDays(i), Key: "deep_work",
			State: discipline.StatePass, UpdatedAt: time.Now().UTC(),
		}))
	}

	got, err := store.ListLogsRange(ctx, day("2025-03-02"), day("2025-03-04"))
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

// =============================================================================
// STREAKS
// =============================================================================

func TestSQLite_StreakRoundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	s := openStreak("streak-1", "2025-03-01")
	s.RuleState = map[discipline.RuleKey]discipline.RuleCounters{
		"deep_work": {Version: 2, WindowIndex: 1, Misses: 1},
	}
	require.NoError(t, store.InsertStreak(ctx, s))

	got, err := store.GetOpenStreak(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, s.StartDate, got.StartDate)
	assert.Equal(t, s.ProcessedThrough, got.ProcessedThrough)
	assert.Equal(t, s.RuleState, got.RuleState, "rule counters must roundtrip through JSON")
}

func TestSQLite_UpdateStreakProgress_StaleBoundary_ConcurrencyError(t *testing.T) {
	// GIVEN: Two writers loaded the same open streak
	// WHEN: The second advances after the first already moved the boundary
	// THEN: The conditional update fails with a ConcurrencyError

	store := newTestStore(t)
	ctx := context.Background()

	s := openStreak("streak-1", "2025-03-01")
	require.NoError(t, store.InsertStreak(ctx, s))

	state := map[discipline.RuleKey]discipline.RuleCounters{}
	require.NoError(t, store.UpdateStreakProgress(ctx, s.ID, s.ProcessedThrough, day("2025-03-01"), state))

	err := store.UpdateStreakProgress(ctx, s.ID, s.ProcessedThrough, day("2025-03-01"), state)
	assert.True(t, discipline.IsConcurrency(err))
	assert.True(t, errors.Is(err, discipline.ErrConcurrency))
}

func TestSQLite_CloseStreak_TwiceFails(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	s := openStreak("streak-1", "2025-03-01")
	require.NoError(t, store.InsertStreak(ctx, s))

	reason := discipline.EndReason{Type: discipline.EndManualReset, Date: "2025-03-02"}
	require.NoError(t, store.CloseStreak(ctx, s.ID, day("2025-03-02"), s.RuleState, reason))

	err := store.CloseStreak(ctx, s.ID, day("2025-03-02"), s.RuleState, reason)
	assert.True(t, discipline.IsConcurrency(err), "streak is no longer OPEN")

	open, err := store.GetOpenStreak(ctx)
	require.NoError(t, err)
	assert.Nil(t, open)

	all, err := store.ListStreaks(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, discipline.StreakClosed, all[0].Status)
	require.NotNil(t, all[0].EndReason)
	assert.Equal(t, discipline.EndManualReset, all[0].EndReason.Type)
}

// =============================================================================
// META + TRANSACTIONS
// =============================================================================

func TestSQLite_EnsureStartDate_WriteOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.EnsureStartDate(ctx, day("2025-03-01"))
	require.NoError(t, err)
	assert.Equal(t, day("2025-03-01"), first)

	// A later fallback must not overwrite the persisted date.
	second, err := store.EnsureStartDate(ctx, day("2025-06-01"))
	require.NoError(t, err)
	assert.Equal(t, day("2025-03-01"), second)
}

func TestSQLite_WithTx_RollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(tx discipline.Store) error {
		if err := tx.UpsertLog(ctx, discipline.DailyLog{
			Date: day("2025-03-01"), Key: "deep_work",
			State: discipline.StatePass, UpdatedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := store.ListLogsRange(ctx, day("2025-03-01"), day("2025-03-01"))
	require.NoError(t, err)
	assert.Empty(t, got, "rolled-back write must not persist")
}

func TestSQLite_WithTx_CommitsOnNil(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	s := openStreak("streak-1", "2025-03-01")
	require.NoError(t, store.InsertStreak(ctx, s))

	next := openStreak("streak-2", "2025-03-03")
	reason := discipline.EndReason{Type: discipline.EndManualReset, Date: "2025-03-02"}
	err := store.WithTx(ctx, func(tx discipline.Store) error {
		if err := tx.CloseStreak(ctx, s.ID, day("2025-03-02"), s.RuleState, reason); err != nil {
			return err
		}
		return tx.InsertStreak(ctx, next)
	})
	require.NoError(t, err)

	open, err := store.GetOpenStreak(ctx)
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, next.ID, open.ID)
}

// =============================================================================
// ENGINE OVER SQLITE
// =============================================================================

func TestSQLite_EngineEndToEnd(t *testing.T) {
	// The full state machine against the real store: one buffered miss, one
	// streak-ending miss, a reopened streak.

	store := newTestStore(t)
	ctx := context.Background()
	clock := &discipline.FixedClock{Day: day("2025-03-01")}
	engine := discipline.NewEngine(store, clock)

	require.NoError(t, store.InsertRuleVersion(ctx, discipline.RuleDefinition{
		Key: "deep_work", Version: 1, EffectiveFrom: day("2025-03-01"),
		Name: "Deep work", WindowDays: 7, BufferMisses: 1, Weight: decimal.NewFromInt(1),
	}))

	for i, st := range []discipline.LogState{
		discipline.StatePass,
		discipline.StateMiss, // buffered
		discipline.StatePass,
		discipline.StateMiss, // second miss in window: streak ends
		discipline.StatePass,
	} {
		require.NoError(t, store.UpsertLog(ctx, discipline.DailyLog{
			Date: day("2025-03-01").AddDays(i), Key: "deep_work",
			State: st, UpdatedAt: time.Now().UTC(),
		}))
	}

	res, err := engine.ProcessUpTo(ctx, day("2025-03-05"))
	require.NoError(t, err)

	require.Len(t, res.Events, 1)
	assert.Equal(t, "2025-03-04", res.Events[0].Reason.Date)
	assert.Equal(t, 2, res.Events[0].Reason.MissesInWindow)

	assert.Equal(t, day("2025-03-05"), res.OpenStreak.StartDate)
	assert.Equal(t, day("2025-03-05"), res.OpenStreak.ProcessedThrough)

	streaks, err := engine.ListStreaks(ctx)
	require.NoError(t, err)
	require.Len(t, streaks, 2)
	assert.Equal(t, 4, streaks[0].Length())
}

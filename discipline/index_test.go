package discipline_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/discipline-engine/discipline"
)

// =============================================================================
// DISCIPLINE INDEX
// =============================================================================

func TestIndex_AllPass_IsOne(t *testing.T) {
	f := newFixture(t, "2025-03-01")
	f.addRule(t, "meditate", "2025-03-01", 7, 1)
	f.pass(t, "meditate", "2025-03-01", "2025-03-07")

	res, err := f.engine.ComputeDisciplineIndex(context.Background(), day("2025-03-07"), 7)
	require.NoError(t, err)

	assert.InDelta(t, 1.0, res.Index, 1e-9)
	assert.Equal(t, 7, res.DaysUsed)
	assert.Equal(t, day("2025-03-01"), res.Start)
	assert.Equal(t, day("2025-03-07"), res.End)
}

func TestIndex_NothingLogged_IsZero(t *testing.T) {
	f := newFixture(t, "2025-03-01")
	f.addRule(t, "meditate", "2025-03-01", 7, 1)

	res, err := f.engine.ComputeDisciplineIndex(context.Background(), day("2025-03-07"), 7)
	require.NoError(t, err)

	assert.InDelta(t, 0.0, res.Index, 1e-9)
	assert.Equal(t, 7, res.DaysUsed, "applicable days count even when all missed")
}

func TestIndex_SixOfSevenDays(t *testing.T) {
	f := newFixture(t, "2025-03-01")
	f.addRule(t, "meditate", "2025-03-01", 7, 1)
	f.pass(t, "meditate", "2025-03-01", "2025-03-06")
	f.log(t, "2025-03-07", "meditate", discipline.StateMiss)

	res, err := f.engine.ComputeDisciplineIndex(context.Background(), day("2025-03-07"), 7)
	require.NoError(t, err)

	assert.InDelta(t, 6.0/7.0, res.Index, 1e-9)
}

func TestIndex_WeightedRatio(t *testing.T) {
	// Two rules, weights 2 and 1; only the heavy one passes -> 2/3.

	f := newFixture(t, "2025-03-01")
	f.addVersion(t, "deep_work", 1, "2025-03-01", "", "Deep work", 7, 1, 2.0)
	f.addVersion(t, "no_sugar", 1, "2025-03-01", "", "No sugar", 7, 1, 1.0)
	f.log(t, "2025-03-01", "deep_work", discipline.StatePass)
	f.log(t, "2025-03-01", "no_sugar", discipline.StateMiss)

	res, err := f.engine.ComputeDisciplineIndex(context.Background(), day("2025-03-01"), 1)
	require.NoError(t, err)

	assert.InDelta(t, 2.0/3.0, res.Index, 1e-9)
	assert.Equal(t, 1, res.DaysUsed)
}

func TestIndex_ElasticWindow_ClampsToAppStart(t *testing.T) {
	// GIVEN: The app started three days ago
	// WHEN: Asking for a 30-day window
	// THEN: Only the three real days are averaged, no synthetic zero-days

	f := newFixture(t, "2025-03-01")
	f.addRule(t, "meditate", "2025-03-01", 7, 1)
	f.pass(t, "meditate", "2025-03-01", "2025-03-03")

	res, err := f.engine.ComputeDisciplineIndex(context.Background(), day("2025-03-03"), 30)
	require.NoError(t, err)

	assert.Equal(t, day("2025-03-01"), res.Start)
	assert.Equal(t, 3, res.DaysUsed)
	assert.InDelta(t, 1.0, res.Index, 1e-9, "early perfect days score 1.0, not diluted")
}

func TestIndex_ZeroApplicableDays_Excluded(t *testing.T) {
	// Days before any rule applies contribute neither to the sum nor the count.

	f := newFixture(t, "2025-03-01")
	f.addRule(t, "meditate", "2025-03-03", 7, 1)
	f.pass(t, "meditate", "2025-03-03", "2025-03-04")

	res, err := f.engine.ComputeDisciplineIndex(context.Background(), day("2025-03-04"), 4)
	require.NoError(t, err)

	assert.Equal(t, 2, res.DaysUsed)
	assert.InDelta(t, 1.0, res.Index, 1e-9)
}

func TestIndex_NoApplicableDaysAtAll(t *testing.T) {
	f := newFixture(t, "2025-03-01")

	res, err := f.engine.ComputeDisciplineIndex(context.Background(), day("2025-03-05"), 5)
	require.NoError(t, err)

	assert.Equal(t, 0, res.DaysUsed)
	assert.InDelta(t, 0.0, res.Index, 1e-9)
}

func TestIndex_InvalidWindowRejected(t *testing.T) {
	f := newFixture(t, "2025-03-01")

	_, err := f.engine.ComputeDisciplineIndex(context.Background(), day("2025-03-01"), 0)
	assert.True(t, discipline.IsValidation(err))
}

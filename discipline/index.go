/*
index.go - Discipline index: weighted pass-ratio over an elastic window

The index is a soft score, distinct from the hard streak pass/fail. Each
day's ratio is (sum of weights of PASS rules) / (sum of weights of all
applicable rules); days with zero applicable rules are excluded entirely -
not counted as zero and not counted as a day. The window is elastic: its
lower bound clamps to the app start date instead of padding early history
with synthetic zero-days that would artificially depress the score.
*/
package discipline

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// IndexResult is the outcome of one discipline-index computation.
type IndexResult struct {
	// Index is the mean of included daily ratios, in [0, 1]. Zero when no
	// day in the window had an applicable rule.
	Index float64
	// DaysUsed counts the days that contributed to the mean.
	DaysUsed int
	Start    Date
	End      Date
}

// ComputeDisciplineIndex computes the weighted pass-ratio average over
// [max(app_start, end-windowDays+1), end].
func (e *Engine) ComputeDisciplineIndex(ctx context.Context, end Date, windowDays int) (*IndexResult, error) {
	if windowDays < 1 {
		return nil, &ValidationError{Op: "discipline index", Detail: fmt.Sprintf("window must be >= 1 day, got %d", windowDays)}
	}
	catalog, err := e.loadCatalog(ctx)
	if err != nil {
		return nil, err
	}
	appStart, err := e.store.EnsureStartDate(ctx, e.clock.Today())
	if err != nil {
		return nil, fmt.Errorf("ensure app start: %w", err)
	}

	start := MaxDate(appStart, end.AddDays(-(windowDays - 1)))
	if start.After(end) {
		return &IndexResult{Start: start, End: end}, nil
	}

	logs, err := e.logIndex(ctx, start, end)
	if err != nil {
		return nil, err
	}

	cursors := catalog.Cursors()
	sum := decimal.Zero
	days := 0
	for d := start; d.BeforeOrEqual(end); d = d.AddDays(1) {
		ratio, ok := dailyRatio(catalog, cursors, logs, d)
		if !ok {
			continue
		}
		sum = sum.Add(ratio)
		days++
	}

	res := &IndexResult{DaysUsed: days, Start: start, End: end}
	if days > 0 {
		res.Index = sum.Div(decimal.NewFromInt(int64(days))).InexactFloat64()
	}
	return res, nil
}

// dailyRatio computes one day's weighted completion. The second return is
// false when no rule applies on d. Cursors must be fed non-decreasing dates.
func dailyRatio(catalog *Catalog, cursors map[RuleKey]*versionCursor, logs map[logKey]LogState, d Date) (decimal.Decimal, bool) {
	numer := decimal.Zero
	denom := decimal.Zero
	for _, key := range catalog.Keys() {
		def := cursors[key].At(d)
		if def == nil {
			continue
		}
		denom = denom.Add(def.Weight)
		if logs[logKey{day: d.Ordinal(), key: key}] == StatePass {
			numer = numer.Add(def.Weight)
		}
	}
	if !denom.IsPositive() {
		return decimal.Zero, false
	}
	return numer.Div(denom), true
}

// logKey addresses one rule's state on one day.
type logKey struct {
	day int
	key RuleKey
}

func (e *Engine) logIndex(ctx context.Context, from, to Date) (map[logKey]LogState, error) {
	rows, err := e.store.ListLogsRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("load logs [%s..%s]: %w", from, to, err)
	}
	out := make(map[logKey]LogState, len(rows))
	for _, l := range rows {
		out[logKey{day: l.Date.Ordinal(), key: l.Key}] = l.State
	}
	return out, nil
}

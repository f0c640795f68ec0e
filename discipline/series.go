/*
series.go - Daily + rolling discipline-index time series

Produces a bounded run of points for plotting: the raw daily ratio (di1) and
its rolling means over two caller-chosen windows. The raw ratio is computed
once over an internal range extended back by max(w1,w2)-1 days beyond the
plot start, then each rolling mean is derived by prefix-sum subtraction -
O(1) per point instead of O(W), which matters because the plot repeats this
for every displayed day and W can be as large as 30.

Unlike the elastic index, a plotted day with zero applicable rules carries a
raw ratio of 0.0 so the series has a value for every calendar day on screen.
Pre-app days are excluded outright, never padded with zeros.
*/
package discipline

import (
	"context"
	"fmt"
)

// SeriesRow is one plotted day.
type SeriesRow struct {
	Date Date
	// DI1 is the raw daily weighted completion.
	DI1 float64
	// Rolling holds the rolling means for the two requested windows, in
	// request order. Each window clamps to the app start date.
	Rolling [2]float64
}

type SeriesResult struct {
	Rows      []SeriesRow
	Windows   [2]int
	PlotStart Date
	End       Date
}

// ComputeSeries returns the last plotDays points ending at end (inclusive),
// clipped to the app start date.
func (e *Engine) ComputeSeries(ctx context.Context, end Date, plotDays int, windows [2]int) (*SeriesResult, error) {
	if plotDays < 1 {
		return nil, &ValidationError{Op: "series", Detail: fmt.Sprintf("plot range must be >= 1 day, got %d", plotDays)}
	}
	for _, w := range windows {
		if w < 1 {
			return nil, &ValidationError{Op: "series", Detail: fmt.Sprintf("rolling window must be >= 1 day, got %d", w)}
		}
	}
	catalog, err := e.loadCatalog(ctx)
	if err != nil {
		return nil, err
	}
	appStart, err := e.store.EnsureStartDate(ctx, e.clock.Today())
	if err != nil {
		return nil, fmt.Errorf("ensure app start: %w", err)
	}
	if end.Before(appStart) {
		return &SeriesResult{Windows: windows, PlotStart: appStart, End: end}, nil
	}

	plotStart := MaxDate(appStart, end.AddDays(-(plotDays - 1)))
	maxW := windows[0]
	if windows[1] > maxW {
		maxW = windows[1]
	}
	internalStart := MaxDate(appStart, plotStart.AddDays(-(maxW - 1)))

	logs, err := e.logIndex(ctx, internalStart, end)
	if err != nil {
		return nil, err
	}

	// Raw daily ratio over the extended range, one chronological pass.
	cursors := catalog.Cursors()
	n := end.DaysSince(internalStart) + 1
	di1 := make([]float64, n)
	for i, d := 0, internalStart; i < n; i, d = i+1, d.AddDays(1) {
		if ratio, ok := dailyRatio(catalog, cursors, logs, d); ok {
			di1[i] = ratio.InexactFloat64()
		}
	}

	// prefix[i] = sum of di1[0:i]
	prefix := make([]float64, n+1)
	for i, v := range di1 {
		prefix[i+1] = prefix[i] + v
	}
	avg := func(day Date, w int) float64 {
		lo := MaxDate(appStart, day.AddDays(-(w - 1)))
		i0 := lo.DaysSince(internalStart)
		i1 := day.DaysSince(internalStart)
		return (prefix[i1+1] - prefix[i0]) / float64(i1-i0+1)
	}

	res := &SeriesResult{Windows: windows, PlotStart: plotStart, End: end}
	for d := plotStart; d.BeforeOrEqual(end); d = d.AddDays(1) {
		i := d.DaysSince(internalStart)
		res.Rows = append(res.Rows, SeriesRow{
			Date:    d,
			DI1:     di1[i],
			Rolling: [2]float64{avg(d, windows[0]), avg(d, windows[1])},
		})
	}
	return res, nil
}

/*
stats.go - Streak-length distribution, rule consistency, per-rule PASS runs

All three aggregates read history up to a caller-supplied finalized horizon
(callers normally pass the open streak's processed boundary). Nothing here
mutates state.
*/
package discipline

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// DistributionStats summarizes a sample of integer lengths. Stdev is the
// sample standard deviation, zero for fewer than two samples.
type DistributionStats struct {
	Count  int
	Mean   float64
	Median float64
	Stdev  float64
	Min    int
	Max    int
}

// ConsistencyEntry is one rule's pass rate over the trailing window.
type ConsistencyEntry struct {
	Key            RuleKey
	Name           string
	ApplicableDays int
	PassDays       int
	PassRate       float64
}

// RuleRunStats summarizes one rule's maximal consecutive PASS runs over the
// full history. Non-applicable days are skipped: they neither break nor
// extend a run.
type RuleRunStats struct {
	Key            RuleKey
	Name           string
	CurrentRun     int
	RunCount       int
	Mean           float64
	Median         float64
	Stdev          float64
	Max            int
	ApplicableDays int
}

// Statistics is the combined aggregate report.
type Statistics struct {
	Global DistributionStats
	// Consistency lists every rule with at least one applicable day in the
	// window, ranked best-first. Rules with zero applicable days are
	// excluded, not scored as zero.
	Consistency           []ConsistencyEntry
	Best                  []ConsistencyEntry
	Worst                 []ConsistencyEntry
	RuleRuns              []RuleRunStats
	ConsistencyWindowDays int
	Start                 Date
	End                   Date
}

// ComputeStatistics aggregates streak and per-rule statistics up to end.
func (e *Engine) ComputeStatistics(ctx context.Context, end Date, consistencyWindowDays int) (*Statistics, error) {
	if consistencyWindowDays < 1 {
		return nil, &ValidationError{Op: "statistics", Detail: fmt.Sprintf("consistency window must be >= 1 day, got %d", consistencyWindowDays)}
	}
	catalog, err := e.loadCatalog(ctx)
	if err != nil {
		return nil, err
	}
	appStart, err := e.store.EnsureStartDate(ctx, e.clock.Today())
	if err != nil {
		return nil, fmt.Errorf("ensure app start: %w", err)
	}

	out := &Statistics{ConsistencyWindowDays: consistencyWindowDays, Start: appStart, End: end}
	if end.Before(appStart) {
		return out, nil
	}

	streaks, err := e.store.ListStreaks(ctx)
	if err != nil {
		return nil, fmt.Errorf("load streaks: %w", err)
	}
	lengths := make([]int, 0, len(streaks))
	for _, s := range streaks {
		lengths = append(lengths, s.Length())
	}
	out.Global = distribution(lengths)

	logs, err := e.logIndex(ctx, appStart, end)
	if err != nil {
		return nil, err
	}

	out.Consistency = e.consistency(catalog, logs, MaxDate(appStart, end.AddDays(-(consistencyWindowDays-1))), end)
	out.Best = topN(out.Consistency, 3)
	out.Worst = bottomN(out.Consistency, 3)
	out.RuleRuns = e.passRuns(catalog, logs, appStart, end)
	return out, nil
}

// consistency scans [start..end] per rule with a version cursor, counting
// applicable and passed days.
func (e *Engine) consistency(catalog *Catalog, logs map[logKey]LogState, start, end Date) []ConsistencyEntry {
	var out []ConsistencyEntry
	for _, key := range catalog.Keys() {
		cur := &versionCursor{versions: catalog.Versions(key)}
		name := string(key)
		applicable, passed := 0, 0
		for d := start; d.BeforeOrEqual(end); d = d.AddDays(1) {
			def := cur.At(d)
			if def == nil {
				continue
			}
			name = def.Name
			applicable++
			if logs[logKey{day: d.Ordinal(), key: key}] == StatePass {
				passed++
			}
		}
		if applicable == 0 {
			continue
		}
		out = append(out, ConsistencyEntry{
			Key:            key,
			Name:           name,
			ApplicableDays: applicable,
			PassDays:       passed,
			PassRate:       float64(passed) / float64(applicable),
		})
	}
	// Best first; ties broken by more applicable days, then by key for
	// stable output.
	sort.Slice(out, func(i, j int) bool {
		if out[i].PassRate != out[j].PassRate {
			return out[i].PassRate > out[j].PassRate
		}
		if out[i].ApplicableDays != out[j].ApplicableDays {
			return out[i].ApplicableDays > out[j].ApplicableDays
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func topN(ranked []ConsistencyEntry, n int) []ConsistencyEntry {
	if len(ranked) < n {
		n = len(ranked)
	}
	return append([]ConsistencyEntry(nil), ranked[:n]...)
}

func bottomN(ranked []ConsistencyEntry, n int) []ConsistencyEntry {
	if len(ranked) < n {
		n = len(ranked)
	}
	out := make([]ConsistencyEntry, 0, n)
	for i := len(ranked) - 1; i >= len(ranked)-n; i-- {
		out = append(out, ranked[i])
	}
	return out
}

// passRuns identifies maximal consecutive PASS runs among applicable days.
func (e *Engine) passRuns(catalog *Catalog, logs map[logKey]LogState, start, end Date) []RuleRunStats {
	var out []RuleRunStats
	for _, key := range catalog.Keys() {
		cur := &versionCursor{versions: catalog.Versions(key)}
		name := string(key)
		var runs []int
		run := 0
		applicable := 0
		for d := start; d.BeforeOrEqual(end); d = d.AddDays(1) {
			def := cur.At(d)
			if def == nil {
				continue
			}
			name = def.Name
			applicable++
			if logs[logKey{day: d.Ordinal(), key: key}] == StatePass {
				run++
			} else if run > 0 {
				runs = append(runs, run)
				run = 0
			}
		}
		// An ongoing run at the horizon still counts as a sample and is the
		// rule's current streak.
		current := 0
		if run > 0 {
			runs = append(runs, run)
			current = run
		}

		dist := distribution(runs)
		out = append(out, RuleRunStats{
			Key:            key,
			Name:           name,
			CurrentRun:     current,
			RunCount:       dist.Count,
			Mean:           dist.Mean,
			Median:         dist.Median,
			Stdev:          dist.Stdev,
			Max:            dist.Max,
			ApplicableDays: applicable,
		})
	}
	return out
}

// =============================================================================
// SAMPLE STATISTICS
// =============================================================================

func distribution(xs []int) DistributionStats {
	if len(xs) == 0 {
		return DistributionStats{}
	}
	min, max := xs[0], xs[0]
	sum := 0
	for _, x := range xs {
		if x < min {
			min = x
		}
		if x > max {
			max = x
		}
		sum += x
	}
	mean := float64(sum) / float64(len(xs))

	sorted := append([]int(nil), xs...)
	sort.Ints(sorted)
	var median float64
	m := len(sorted)
	if m%2 == 1 {
		median = float64(sorted[m/2])
	} else {
		median = (float64(sorted[m/2-1]) + float64(sorted[m/2])) / 2
	}

	var stdev float64
	if m >= 2 {
		var ss float64
		for _, x := range xs {
			d := float64(x) - mean
			ss += d * d
		}
		stdev = math.Sqrt(ss / float64(m-1))
	}

	return DistributionStats{Count: m, Mean: mean, Median: median, Stdev: stdev, Min: min, Max: max}
}

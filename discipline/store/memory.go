// Package store provides an in-memory Store implementation for tests/dev.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/discipline-engine/discipline"
)

// Memory implements discipline.TxStore entirely in memory. Writes within
// WithTx are NOT rolled back on error; tests that exercise rollback
// semantics belong against the SQLite store.
type Memory struct {
	mu      sync.RWMutex
	rules   []discipline.RuleDefinition
	logs    map[logKey]discipline.DailyLog
	streaks []discipline.Streak
	start   *discipline.Date
}

type logKey struct {
	day int
	key discipline.RuleKey
}

func NewMemory() *Memory {
	return &Memory{logs: make(map[logKey]discipline.DailyLog)}
}

// =============================================================================
// RULE STORE
// =============================================================================

func (m *Memory) InsertRuleVersion(_ context.Context, def discipline.RuleDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, def)
	return nil
}

func (m *Memory) CloseRuleVersion(_ context.Context, key discipline.RuleKey, version int, effectiveTo discipline.Date) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rules {
		if m.rules[i].Key == key && m.rules[i].Version == version {
			to := effectiveTo
			m.rules[i].EffectiveTo = &to
			return nil
		}
	}
	return discipline.ErrRuleNotFound
}

func (m *Memory) ListRuleVersions(_ context.Context) ([]discipline.RuleDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]discipline.RuleDefinition(nil), m.rules...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].EffectiveFrom.Before(out[j].EffectiveFrom)
	})
	return out, nil
}

func (m *Memory) ListRuleVersionsForKey(_ context.Context, key discipline.RuleKey) ([]discipline.RuleDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []discipline.RuleDefinition
	for _, r := range m.rules {
		if r.Key == key {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EffectiveFrom.Before(out[j].EffectiveFrom) })
	return out, nil
}

// =============================================================================
// LOG STORE
// =============================================================================

func (m *Memory) UpsertLog(_ context.Context, log discipline.DailyLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[logKey{day: log.Date.Ordinal(), key: log.Key}] = log
	return nil
}

func (m *Memory) UpsertLogs(_ context.Context, logs []discipline.DailyLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range logs {
		m.logs[logKey{day: l.Date.Ordinal(), key: l.Key}] = l
	}
	return nil
}

func (m *Memory) ListLogsRange(_ context.Context, from, to discipline.Date) ([]discipline.DailyLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []discipline.DailyLog
	for _, l := range m.logs {
		if l.Date.AfterOrEqual(from) && l.Date.BeforeOrEqual(to) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

// =============================================================================
// STREAK STORE
// =============================================================================

func (m *Memory) GetOpenStreak(_ context.Context) (*discipline.Streak, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.streaks) - 1; i >= 0; i-- {
		if m.streaks[i].Status == discipline.StreakOpen {
			s := cloneStreak(m.streaks[i])
			return &s, nil
		}
	}
	return nil, nil
}

func (m *Memory) InsertStreak(_ context.Context, s discipline.Streak) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streaks = append(m.streaks, cloneStreak(s))
	return nil
}

func (m *Memory) UpdateStreakProgress(_ context.Context, id discipline.StreakID, expectedThrough, newThrough discipline.Date, ruleState map[discipline.RuleKey]discipline.RuleCounters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.streaks {
		s := &m.streaks[i]
		if s.ID != id {
			continue
		}
		if s.Status != discipline.StreakOpen || !s.ProcessedThrough.Equal(expectedThrough) {
			return &discipline.ConcurrencyError{StreakID: id, Expected: expectedThrough}
		}
		s.ProcessedThrough = newThrough
		s.RuleState = cloneRuleState(ruleState)
		return nil
	}
	return discipline.ErrStreakNotFound
}

func (m *Memory) CloseStreak(_ context.Context, id discipline.StreakID, endDate discipline.Date, ruleState map[discipline.RuleKey]discipline.RuleCounters, reason discipline.EndReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.streaks {
		s := &m.streaks[i]
		if s.ID != id {
			continue
		}
		if s.Status != discipline.StreakOpen {
			return &discipline.ConcurrencyError{StreakID: id, Expected: s.ProcessedThrough}
		}
		end := endDate
		s.Status = discipline.StreakClosed
		s.EndDate = &end
		s.ProcessedThrough = endDate
		s.RuleState = cloneRuleState(ruleState)
		r := reason
		s.EndReason = &r
		return nil
	}
	return discipline.ErrStreakNotFound
}

func (m *Memory) ListStreaks(_ context.Context) ([]discipline.Streak, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]discipline.Streak, len(m.streaks))
	for i, s := range m.streaks {
		out[i] = cloneStreak(s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, nil
}

// =============================================================================
// META STORE
// =============================================================================

func (m *Memory) EnsureStartDate(_ context.Context, fallback discipline.Date) (discipline.Date, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.start == nil {
		d := fallback
		m.start = &d
	}
	return *m.start, nil
}

// =============================================================================
// TX STORE
// =============================================================================

// WithTx runs fn against the same store. Good enough for the engine's
// correctness tests; atomicity under failure is covered by the SQLite store.
func (m *Memory) WithTx(_ context.Context, fn func(discipline.Store) error) error {
	return fn(m)
}

func cloneStreak(s discipline.Streak) discipline.Streak {
	out := s
	out.RuleState = cloneRuleState(s.RuleState)
	if s.EndDate != nil {
		d := *s.EndDate
		out.EndDate = &d
	}
	if s.EndReason != nil {
		r := *s.EndReason
		out.EndReason = &r
	}
	return out
}

func cloneRuleState(in map[discipline.RuleKey]discipline.RuleCounters) map[discipline.RuleKey]discipline.RuleCounters {
	out := make(map[discipline.RuleKey]discipline.RuleCounters, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

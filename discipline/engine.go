/*
engine.go - The streak state machine

PURPOSE:
  Advances the single OPEN streak one calendar day at a time, resolving the
  applicable rule version per day, maintaining each rule's rolling
  miss-buffer, coercing unlogged days to MISS (finalization), and closing /
  reopening streaks when a buffer is exceeded.

LAZY FINALIZATION:
  There is no background daemon driving the clock. ProcessUpTo is invoked at
  the top of every read/write entry point; a day's finalization is deferred
  computation triggered by the next interaction. The function is re-entrant
  and idempotent: every transition is a pure function of persisted state plus
  the target date, so any call is safe to retry after a partial failure and
  resumes from the last durably written processed_through_date.

WINDOW SEMANTICS:
  window_index = floor((D - streak.start) / window_days), counted from the
  CURRENT streak's start. The miss counter resets only when the window index
  rolls over. A rule version change alone never resets the counter -
  otherwise editing a rule's parameters mid-window would grant a fresh
  buffer.

TIE-BREAK:
  When several rules cross their buffer on the same day, the engine records
  the lexicographically smallest rule key and stops scanning. One
  deterministic order, applied everywhere.
*/
package discipline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Engine is the synchronous execution core. One instance per process; every
// method is a complete entry point that validates the catalog, lazily
// finalizes pending days where required, and reads/writes through the store.
type Engine struct {
	store TxStore
	clock Clock
}

// NewEngine creates an engine over the given store. A nil clock defaults to
// the system clock in UTC.
func NewEngine(store TxStore, clock Clock) *Engine {
	if clock == nil {
		clock = NewSystemClock(nil)
	}
	return &Engine{store: store, clock: clock}
}

func (e *Engine) Clock() Clock { return e.clock }

// loadCatalog snapshots and validates the rule catalog. Every entry point
// goes through this gate before any date math.
func (e *Engine) loadCatalog(ctx context.Context) (*Catalog, error) {
	defs, err := e.store.ListRuleVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rule versions: %w", err)
	}
	catalog := NewCatalog(defs)
	if err := catalog.Validate(); err != nil {
		return nil, err
	}
	return catalog, nil
}

// =============================================================================
// STREAK LIFECYCLE
// =============================================================================

// GetOrCreateOpenStreak returns the single OPEN streak, creating the first
// one at the app start date when none exists yet.
func (e *Engine) GetOrCreateOpenStreak(ctx context.Context) (*Streak, error) {
	appStart, err := e.store.EnsureStartDate(ctx, e.clock.Today())
	if err != nil {
		return nil, fmt.Errorf("ensure app start: %w", err)
	}
	return e.getOrCreateOpenStreak(ctx, e.store, appStart)
}

func (e *Engine) getOrCreateOpenStreak(ctx context.Context, store Store, appStart Date) (*Streak, error) {
	open, err := store.GetOpenStreak(ctx)
	if err != nil {
		return nil, fmt.Errorf("load open streak: %w", err)
	}
	if open != nil {
		return open, nil
	}
	s := newOpenStreak(appStart)
	if err := store.InsertStreak(ctx, s); err != nil {
		return nil, fmt.Errorf("create open streak: %w", err)
	}
	return &s, nil
}

func newOpenStreak(start Date) Streak {
	now := time.Now().UTC()
	return Streak{
		ID:               StreakID(uuid.NewString()),
		StartDate:        start,
		Status:           StreakOpen,
		ProcessedThrough: start.AddDays(-1),
		RuleState:        map[RuleKey]RuleCounters{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// =============================================================================
// PROCESS UP TO - The finalization loop
// =============================================================================

// EventType labels entries in a processing result.
type EventType string

const EventStreakEnded EventType = "STREAK_ENDED"

type Event struct {
	Type   EventType
	Reason EndReason
}

// Result is the outcome of one ProcessUpTo call.
type Result struct {
	Events     []Event
	OpenStreak *Streak
}

// ProcessUpTo finalizes every unprocessed day through target (inclusive).
// Calling it again with an already-reached target is a no-op.
func (e *Engine) ProcessUpTo(ctx context.Context, target Date) (*Result, error) {
	catalog, err := e.loadCatalog(ctx)
	if err != nil {
		return nil, err
	}
	appStart, err := e.store.EnsureStartDate(ctx, e.clock.Today())
	if err != nil {
		return nil, fmt.Errorf("ensure app start: %w", err)
	}

	var events []Event
	for {
		open, err := e.getOrCreateOpenStreak(ctx, e.store, appStart)
		if err != nil {
			return nil, err
		}
		day := open.ProcessedThrough.AddDays(1)
		if day.After(target) {
			return &Result{Events: events, OpenStreak: open}, nil
		}

		ended, reason, ruleState, err := e.finalizeDay(ctx, catalog, open, day)
		if err != nil {
			return nil, err
		}

		if ended {
			events = append(events, Event{Type: EventStreakEnded, Reason: *reason})
			// Close and reopen atomically: a failure between the two writes
			// must not leave the system without an OPEN streak.
			next := newOpenStreak(day.AddDays(1))
			err := e.store.WithTx(ctx, func(store Store) error {
				if err := store.CloseStreak(ctx, open.ID, day, ruleState, *reason); err != nil {
					return err
				}
				return store.InsertStreak(ctx, next)
			})
			if err != nil {
				return nil, fmt.Errorf("close streak %s: %w", open.ID, err)
			}
			continue
		}

		if err := e.store.UpdateStreakProgress(ctx, open.ID, open.ProcessedThrough, day, ruleState); err != nil {
			return nil, fmt.Errorf("advance streak %s: %w", open.ID, err)
		}
	}
}

// finalizeDay evaluates one day against every applicable rule, persisting
// UNKNOWN->MISS coercions as it goes. It returns whether the streak ends on
// this day, the end reason if so, and the updated rule counters.
func (e *Engine) finalizeDay(ctx context.Context, catalog *Catalog, open *Streak, day Date) (bool, *EndReason, map[RuleKey]RuleCounters, error) {
	logs, err := e.dayLogs(ctx, day)
	if err != nil {
		return false, nil, nil, err
	}

	ruleState := open.CloneRuleState()
	for _, key := range catalog.Keys() {
		def := catalog.Resolve(key, day)
		if def == nil {
			continue
		}

		widx := day.DaysSince(open.StartDate) / def.WindowDays
		st, seen := ruleState[key]
		if !seen {
			st = RuleCounters{Version: def.Version, WindowIndex: widx}
		} else {
			if st.WindowIndex != widx {
				st.WindowIndex = widx
				st.Misses = 0
			}
			st.Version = def.Version
		}

		state, ok := logs[key]
		if !ok || state == StateUnknown {
			// Finalization: the one-time irreversible coercion.
			if err := e.store.UpsertLog(ctx, DailyLog{Date: day, Key: key, State: StateMiss, UpdatedAt: time.Now().UTC()}); err != nil {
				return false, nil, nil, fmt.Errorf("finalize %s/%s: %w", day, key, err)
			}
			state = StateMiss
		}

		if state == StateMiss {
			st.Misses++
			if st.Misses > def.BufferMisses {
				ruleState[key] = st
				reason := &EndReason{
					Type:           EndBufferExceeded,
					RuleKey:        key,
					Date:           day.String(),
					MissesInWindow: st.Misses,
					BufferMisses:   def.BufferMisses,
					WindowDays:     def.WindowDays,
					RuleVersion:    def.Version,
				}
				return true, reason, ruleState, nil
			}
		}
		ruleState[key] = st
	}
	return false, nil, ruleState, nil
}

func (e *Engine) dayLogs(ctx context.Context, day Date) (map[RuleKey]LogState, error) {
	rows, err := e.store.ListLogsRange(ctx, day, day)
	if err != nil {
		return nil, fmt.Errorf("load logs for %s: %w", day, err)
	}
	out := make(map[RuleKey]LogState, len(rows))
	for _, l := range rows {
		out[l.Key] = l.State
	}
	return out, nil
}

// ProcessUntilYesterday finalizes all days strictly before today. This is
// the variant the background scheduler runs: today stays editable.
func (e *Engine) ProcessUntilYesterday(ctx context.Context) (*Result, error) {
	return e.ProcessUpTo(ctx, e.clock.Today().AddDays(-1))
}

// FinalizeToday finalizes through today, locking today's logs.
func (e *Engine) FinalizeToday(ctx context.Context) (*Result, error) {
	return e.ProcessUpTo(ctx, e.clock.Today())
}

// =============================================================================
// MANUAL RESET
// =============================================================================

// ResetResult reports the outcome of a manual streak reset.
type ResetResult struct {
	Reset  bool
	Detail string
	Reason *EndReason
	Events []Event
}

// ResetToday finalizes today and then, unless the streak already ended
// today, force-closes the open streak with a MANUAL_RESET reason and opens
// the next one starting tomorrow.
func (e *Engine) ResetToday(ctx context.Context) (*ResetResult, error) {
	today := e.clock.Today()
	res, err := e.ProcessUpTo(ctx, today)
	if err != nil {
		return nil, err
	}

	open := res.OpenStreak
	if open.StartDate.Equal(today.AddDays(1)) {
		return &ResetResult{Reset: false, Detail: "already_ended_today", Events: res.Events}, nil
	}

	reason := EndReason{Type: EndManualReset, Date: today.String()}
	next := newOpenStreak(today.AddDays(1))
	err = e.store.WithTx(ctx, func(store Store) error {
		if err := store.CloseStreak(ctx, open.ID, today, open.RuleState, reason); err != nil {
			return err
		}
		return store.InsertStreak(ctx, next)
	})
	if err != nil {
		return nil, fmt.Errorf("manual reset: %w", err)
	}
	return &ResetResult{Reset: true, Reason: &reason, Events: res.Events}, nil
}

// =============================================================================
// DAILY LOG WRITES
// =============================================================================

// SaveDayLogs upserts the given states for one day. Returns false without
// writing when the day is already finalized (at or before the open streak's
// processed boundary) - finalized days are immutable history.
func (e *Engine) SaveDayLogs(ctx context.Context, day Date, states map[RuleKey]LogState) (bool, error) {
	for key, st := range states {
		if !st.Valid() {
			return false, &ValidationError{Op: "save logs", Key: key, Detail: fmt.Sprintf("invalid state %q", st)}
		}
	}

	open, err := e.GetOrCreateOpenStreak(ctx)
	if err != nil {
		return false, err
	}
	if day.BeforeOrEqual(open.ProcessedThrough) {
		return false, nil
	}

	now := time.Now().UTC()
	logs := make([]DailyLog, 0, len(states))
	for key, st := range states {
		logs = append(logs, DailyLog{Date: day, Key: key, State: st, UpdatedAt: now})
	}
	if len(logs) == 0 {
		return true, nil
	}
	if err := e.store.UpsertLogs(ctx, logs); err != nil {
		return false, fmt.Errorf("save logs for %s: %w", day, err)
	}
	return true, nil
}

// DayLogs returns the logged state of every rule applicable on day, with
// UNKNOWN for unlogged rules. Read-only; performs no coercion.
func (e *Engine) DayLogs(ctx context.Context, day Date) (map[RuleKey]LogState, error) {
	catalog, err := e.loadCatalog(ctx)
	if err != nil {
		return nil, err
	}
	logged, err := e.dayLogs(ctx, day)
	if err != nil {
		return nil, err
	}
	out := make(map[RuleKey]LogState)
	for key := range catalog.ResolveAll(day) {
		st, ok := logged[key]
		if !ok {
			st = StateUnknown
		}
		out[key] = st
	}
	return out, nil
}

// =============================================================================
// BUFFER VIEW - Dashboard data for the open streak
// =============================================================================

// BufferStatus summarizes one rule's position in its current miss window.
type BufferStatus struct {
	Key          RuleKey
	Name         string
	WindowDays   int
	BufferMisses int
	Misses       int
	Remaining    int
	// ResetsIn is the number of finalized days until the current window
	// rolls over and the buffer refills.
	ResetsIn int
}

// BufferView reports, for every rule applicable today, the remaining buffer
// and when its window next resets.
func (e *Engine) BufferView(ctx context.Context) ([]BufferStatus, error) {
	catalog, err := e.loadCatalog(ctx)
	if err != nil {
		return nil, err
	}
	open, err := e.GetOrCreateOpenStreak(ctx)
	if err != nil {
		return nil, err
	}

	today := e.clock.Today()
	var out []BufferStatus
	for _, key := range catalog.Keys() {
		def := catalog.Resolve(key, today)
		if def == nil {
			continue
		}

		st, ok := open.RuleState[key]
		widx := st.WindowIndex
		if !ok {
			widx = 0
			if open.ProcessedThrough.AfterOrEqual(open.StartDate) {
				widx = open.ProcessedThrough.DaysSince(open.StartDate) / def.WindowDays
			}
		}

		windowEnd := open.StartDate.AddDays((widx+1)*def.WindowDays - 1)
		resetsIn := windowEnd.DaysSince(open.ProcessedThrough)
		if resetsIn < 0 {
			resetsIn = 0
		}

		out = append(out, BufferStatus{
			Key:          key,
			Name:         def.Name,
			WindowDays:   def.WindowDays,
			BufferMisses: def.BufferMisses,
			Misses:       st.Misses,
			Remaining:    def.BufferMisses - st.Misses,
			ResetsIn:     resetsIn,
		})
	}
	return out, nil
}

// ListStreaks returns the full streak history, oldest first.
func (e *Engine) ListStreaks(ctx context.Context) ([]Streak, error) {
	return e.store.ListStreaks(ctx)
}

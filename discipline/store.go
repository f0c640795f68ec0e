/*
store.go - Persistence interfaces for the discipline engine

PURPOSE:
  Defines the contract between the state machine and the database. The core
  never talks SQL; it reads and writes through these interfaces so the same
  engine runs against SQLite in production and the in-memory store in tests.

MUTATION CONTRACT:
  - Rule versions are insert-and-boundary-close only. The single mutation
    ever applied to an existing version is setting EffectiveTo when the next
    version is scheduled. No deletes.
  - Logs are upserted freely until the day is finalized; the engine enforces
    the finalization boundary, the store does not.
  - Streak progress updates are CONDITIONAL on the currently persisted
    processed_through_date. A mismatch means another writer advanced the
    streak first and must surface as a ConcurrencyError.

IMPLEMENTATIONS:
  - store/sqlite: production SQLite store
  - discipline/store: in-memory store for tests and dev
*/
package discipline

import "context"

// =============================================================================
// STORE INTERFACES
// =============================================================================

// RuleStore persists versioned rule definitions.
type RuleStore interface {
	// InsertRuleVersion adds a new version row. Versions are immutable once
	// written except for the boundary close below.
	InsertRuleVersion(ctx context.Context, def RuleDefinition) error

	// CloseRuleVersion sets EffectiveTo on an existing (key, version) row.
	CloseRuleVersion(ctx context.Context, key RuleKey, version int, effectiveTo Date) error

	// ListRuleVersions returns every version of every rule, ordered by key
	// then EffectiveFrom ascending.
	ListRuleVersions(ctx context.Context) ([]RuleDefinition, error)

	// ListRuleVersionsForKey returns all versions of one key, ordered by
	// EffectiveFrom ascending. Empty slice when the key is unknown.
	ListRuleVersionsForKey(ctx context.Context, key RuleKey) ([]RuleDefinition, error)
}

// LogStore persists daily pass/fail records, unique per (date, key).
type LogStore interface {
	// UpsertLog inserts or replaces the state of one rule on one day.
	UpsertLog(ctx context.Context, log DailyLog) error

	// UpsertLogs applies a batch of upserts atomically.
	UpsertLogs(ctx context.Context, logs []DailyLog) error

	// ListLogsRange returns all logs with Date in [from, to], any rule.
	ListLogsRange(ctx context.Context, from, to Date) ([]DailyLog, error)
}

// StreakStore persists streak records.
type StreakStore interface {
	// GetOpenStreak returns the single OPEN streak, or nil when none exists.
	GetOpenStreak(ctx context.Context) (*Streak, error)

	// InsertStreak adds a new streak record.
	InsertStreak(ctx context.Context, s Streak) error

	// UpdateStreakProgress advances an OPEN streak's processed boundary and
	// rule counters, conditional on the currently persisted
	// processed_through_date being expectedThrough. Returns a
	// ConcurrencyError when the condition fails.
	UpdateStreakProgress(ctx context.Context, id StreakID, expectedThrough Date, newThrough Date, ruleState map[RuleKey]RuleCounters) error

	// CloseStreak marks an OPEN streak CLOSED with its terminal state,
	// conditional on it still being OPEN.
	CloseStreak(ctx context.Context, id StreakID, endDate Date, ruleState map[RuleKey]RuleCounters, reason EndReason) error

	// ListStreaks returns every streak ordered by StartDate ascending.
	ListStreaks(ctx context.Context) ([]Streak, error)
}

// MetaStore persists the immutable app start date.
type MetaStore interface {
	// EnsureStartDate returns the persisted start date, creating it from
	// fallback on first use. Once written it never changes.
	EnsureStartDate(ctx context.Context, fallback Date) (Date, error)
}

// Store is the full persistence surface the engine depends on.
type Store interface {
	RuleStore
	LogStore
	StreakStore
	MetaStore
}

// TxStore adds atomic multi-write support. The close-and-reopen transition
// at a streak boundary runs inside WithTx so a partial failure can never
// leave the system without an OPEN streak.
type TxStore interface {
	Store

	// WithTx executes fn within one transaction. An error from fn rolls the
	// transaction back; nil commits it.
	WithTx(ctx context.Context, fn func(Store) error) error
}

/*
Package discipline provides the compliance-tracking engine.

PURPOSE:
  This package contains the domain model and algorithms for tracking whether
  a user stays "in compliance" with a set of versioned personal rules over
  time. Daily pass/fail logs are folded into a continuous streak and a set of
  weighted compliance scores.

KEY CONCEPTS IN THIS FILE (types.go):
  - Date: A civil calendar day (the only time granularity in the system)
  - RuleDefinition: One immutable, effective-dated version of a rule
  - DailyLog: The pass/fail/unknown state of one rule on one day
  - Streak: The aggregate mutated by the state machine, including the
    per-rule miss counters that live inside its consistency boundary
  - AppMeta: The immutable start date clamping every rolling computation

DESIGN PRINCIPLES:
  1. Immutability: Rule versions are never edited in place; a change closes
     the current version and schedules a new one for tomorrow.
  2. Precision: Rule weights use decimal.Decimal so weighted ratios do not
     accumulate floating-point drift.
  3. Finality: Once a day is finalized (UNKNOWN coerced to MISS) its log
     state is historical truth and is never rewritten.

SEE ALSO:
  - catalog.go: Version resolution and overlap validation
  - engine.go:  The day-by-day streak state machine
  - store.go:   Persistence interfaces
*/
package discipline

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DATE - Civil calendar day
// =============================================================================

// Date is a calendar day with no sub-day component. All dates are normalized
// to midnight UTC so equality and ordering behave like plain day arithmetic.
type Date struct {
	t time.Time
}

const dateLayout = "2006-01-02"

func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates an instant to its calendar day.
func DateOf(t time.Time) Date {
	return NewDate(t.Year(), t.Month(), t.Day())
}

// ParseDate parses "YYYY-MM-DD".
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return Date{t: t}, nil
}

func MustParseDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Comparison
func (d Date) Before(other Date) bool        { return d.t.Before(other.t) }
func (d Date) After(other Date) bool         { return d.t.After(other.t) }
func (d Date) Equal(other Date) bool         { return d.t.Equal(other.t) }
func (d Date) BeforeOrEqual(other Date) bool { return !d.t.After(other.t) }
func (d Date) AfterOrEqual(other Date) bool  { return !d.t.Before(other.t) }
func (d Date) IsZero() bool                  { return d.t.IsZero() }

// Arithmetic
func (d Date) AddDays(n int) Date { return Date{t: d.t.AddDate(0, 0, n)} }

// DaysSince returns the signed number of whole days from other to d.
func (d Date) DaysSince(other Date) int {
	return int(d.t.Sub(other.t).Hours() / 24)
}

// Ordinal returns the day number since the Unix epoch. Used as a compact,
// comparable map key for per-day lookups.
func (d Date) Ordinal() int {
	return int(d.t.Unix() / 86400)
}

func (d Date) String() string { return d.t.Format(dateLayout) }

func MaxDate(a, b Date) Date {
	if a.After(b) {
		return a
	}
	return b
}

func MinDate(a, b Date) Date {
	if a.Before(b) {
		return a
	}
	return b
}

// =============================================================================
// CLOCK - Injectable source of "today"
// =============================================================================

// Clock supplies the current civil day. The engine never reads wall-clock
// time directly; "tomorrow-only" admin scheduling and lazy finalization both
// hang off this single notion of today.
type Clock interface {
	Today() Date
}

type systemClock struct {
	loc *time.Location
}

// NewSystemClock returns a Clock reading the current day in loc.
// A nil location means UTC.
func NewSystemClock(loc *time.Location) Clock {
	if loc == nil {
		loc = time.UTC
	}
	return systemClock{loc: loc}
}

func (c systemClock) Today() Date { return DateOf(time.Now().In(c.loc)) }

// FixedClock always reports the same day. For tests.
type FixedClock struct {
	Day Date
}

func (c FixedClock) Today() Date { return c.Day }

// =============================================================================
// RULE DEFINITIONS - Versioned, effective-dated rule records
// =============================================================================

type RuleKey string

// RuleDefinition is one version of a rule. For a fixed key the inclusive
// [EffectiveFrom..EffectiveTo] spans of all versions never overlap; a nil
// EffectiveTo means the version is open-ended.
type RuleDefinition struct {
	Key           RuleKey
	Version       int
	EffectiveFrom Date
	EffectiveTo   *Date
	Name          string
	Description   string
	WindowDays    int
	BufferMisses  int
	Weight        decimal.Decimal
}

// AppliesOn reports whether this version's inclusive span contains d.
func (r RuleDefinition) AppliesOn(d Date) bool {
	if r.EffectiveFrom.After(d) {
		return false
	}
	if r.EffectiveTo != nil && d.After(*r.EffectiveTo) {
		return false
	}
	return true
}

// RuleParams are the caller-supplied fields of a new rule version.
type RuleParams struct {
	Name         string
	Description  string
	WindowDays   int
	BufferMisses int
	Weight       decimal.Decimal
}

// =============================================================================
// DAILY LOGS
// =============================================================================

type LogState string

const (
	StatePass    LogState = "PASS"
	StateMiss    LogState = "MISS"
	StateUnknown LogState = "UNKNOWN"
)

func (s LogState) Valid() bool {
	return s == StatePass || s == StateMiss || s == StateUnknown
}

// DailyLog records the state of one rule on one day. Unique per (Date, Key).
// UNKNOWN is the absence default; finalization rewrites it to MISS exactly
// once, after which the record is immutable.
type DailyLog struct {
	Date      Date
	Key       RuleKey
	State     LogState
	UpdatedAt time.Time
}

// =============================================================================
// STREAK - The aggregate advanced by the state machine
// =============================================================================

type StreakID string

type StreakStatus string

const (
	StreakOpen   StreakStatus = "OPEN"
	StreakClosed StreakStatus = "CLOSED"
)

// RuleCounters is the transient per-rule state carried inside a streak:
// which version was last seen, which buffer window the rule is in, and how
// many misses have landed in that window. It changes atomically with the
// streak itself (same consistency boundary), which is why it is embedded
// rather than stored alongside the logs.
type RuleCounters struct {
	Version     int `json:"ver"`
	WindowIndex int `json:"widx"`
	Misses      int `json:"misses"`
}

// EndReasonType distinguishes why a streak closed.
type EndReasonType string

const (
	EndBufferExceeded EndReasonType = "BUFFER_EXCEEDED"
	EndManualReset    EndReasonType = "MANUAL_RESET"
)

// EndReason records why and when a streak closed. For buffer failures it
// carries the terminal counters of the rule that crossed its buffer.
type EndReason struct {
	Type           EndReasonType `json:"type"`
	RuleKey        RuleKey       `json:"rule_key,omitempty"`
	Date           string        `json:"date"`
	MissesInWindow int           `json:"misses_in_window,omitempty"`
	BufferMisses   int           `json:"buffer_misses,omitempty"`
	WindowDays     int           `json:"window_days,omitempty"`
	RuleVersion    int           `json:"rule_version,omitempty"`
}

// Streak is a maximal run of consecutive days during which every applicable
// rule stayed within its miss buffer. Exactly one streak is OPEN at any time.
// ProcessedThrough >= StartDate-1 always holds; a brand-new streak has
// ProcessedThrough = StartDate-1.
type Streak struct {
	ID               StreakID
	StartDate        Date
	EndDate          *Date
	Status           StreakStatus
	ProcessedThrough Date
	RuleState        map[RuleKey]RuleCounters
	EndReason        *EndReason
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Length is the streak's day count: closed streaks use EndDate, the open one
// its processed boundary. Zero before the first day is finalized.
func (s Streak) Length() int {
	end := s.ProcessedThrough
	if s.EndDate != nil {
		end = *s.EndDate
	}
	if end.Before(s.StartDate) {
		return 0
	}
	return end.DaysSince(s.StartDate) + 1
}

// CloneRuleState returns a deep copy safe to mutate during day processing.
func (s Streak) CloneRuleState() map[RuleKey]RuleCounters {
	out := make(map[RuleKey]RuleCounters, len(s.RuleState))
	for k, v := range s.RuleState {
		out[k] = v
	}
	return out
}

// =============================================================================
// APP META
// =============================================================================

// AppMeta is the singleton created on first use. StartDate is the universal
// lower clamp for every rolling computation and is never changed.
type AppMeta struct {
	StartDate Date
}

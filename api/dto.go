/*
dto.go - Data Transfer Objects for API requests and responses

Defines the JSON structures for API communication. These types decouple the
internal domain model from the external API contract. Dates travel as
"YYYY-MM-DD" strings; weights and scores as plain floats.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
*/
package api

import (
	"github.com/warp/discipline-engine/discipline"
)

// =============================================================================
// STREAKS
// =============================================================================

// StreakDTO represents one streak record.
type StreakDTO struct {
	ID               string                    `json:"id"`
	StartDate        string                    `json:"start_date"`
	EndDate          *string                   `json:"end_date,omitempty"`
	Status           string                    `json:"status"`
	ProcessedThrough string                    `json:"processed_through_date"`
	LengthDays       int                       `json:"length_days"`
	RuleState        map[string]RuleStateDTO   `json:"rule_state"`
	EndReason        *discipline.EndReason     `json:"end_reason,omitempty"`
}

// RuleStateDTO is one rule's counters inside a streak.
type RuleStateDTO struct {
	Version     int `json:"version"`
	WindowIndex int `json:"window_index"`
	Misses      int `json:"misses"`
}

func toStreakDTO(s *discipline.Streak) StreakDTO {
	dto := StreakDTO{
		ID:               string(s.ID),
		StartDate:        s.StartDate.String(),
		Status:           string(s.Status),
		ProcessedThrough: s.ProcessedThrough.String(),
		LengthDays:       s.Length(),
		RuleState:        map[string]RuleStateDTO{},
		EndReason:        s.EndReason,
	}
	if s.EndDate != nil {
		e := s.EndDate.String()
		dto.EndDate = &e
	}
	for k, v := range s.RuleState {
		dto.RuleState[string(k)] = RuleStateDTO{Version: v.Version, WindowIndex: v.WindowIndex, Misses: v.Misses}
	}
	return dto
}

// ProcessRequest asks the engine to finalize days.
type ProcessRequest struct {
	// TargetDate is inclusive; empty means today.
	TargetDate string `json:"target_date,omitempty"`
}

// ProcessResponse reports finalization events and the resulting open streak.
type ProcessResponse struct {
	Events     []EventDTO `json:"events"`
	OpenStreak StreakDTO  `json:"open_streak"`
}

type EventDTO struct {
	Type   string               `json:"type"`
	Reason discipline.EndReason `json:"reason"`
}

// ResetResponse reports a manual streak reset.
type ResetResponse struct {
	Reset  bool                  `json:"reset"`
	Detail string                `json:"detail,omitempty"`
	Reason *discipline.EndReason `json:"reason,omitempty"`
	Events []EventDTO            `json:"events"`
}

// BufferStatusDTO is the dashboard row for one rule's miss buffer.
type BufferStatusDTO struct {
	RuleKey      string `json:"rule_key"`
	Name         string `json:"name"`
	WindowDays   int    `json:"window_days"`
	BufferMisses int    `json:"buffer_misses"`
	Misses       int    `json:"misses"`
	Remaining    int    `json:"remaining"`
	ResetsIn     int    `json:"resets_in"`
}

// =============================================================================
// RULES
// =============================================================================

// RuleVersionDTO represents one version of a rule.
type RuleVersionDTO struct {
	RuleKey       string  `json:"rule_key"`
	Version       int     `json:"version"`
	EffectiveFrom string  `json:"effective_from"`
	EffectiveTo   *string `json:"effective_to,omitempty"`
	Name          string  `json:"name"`
	Description   string  `json:"description,omitempty"`
	WindowDays    int     `json:"window_days"`
	BufferMisses  int     `json:"buffer_misses"`
	Weight        float64 `json:"weight"`
}

func toRuleVersionDTO(d discipline.RuleDefinition) RuleVersionDTO {
	dto := RuleVersionDTO{
		RuleKey:       string(d.Key),
		Version:       d.Version,
		EffectiveFrom: d.EffectiveFrom.String(),
		Name:          d.Name,
		Description:   d.Description,
		WindowDays:    d.WindowDays,
		BufferMisses:  d.BufferMisses,
		Weight:        d.Weight.InexactFloat64(),
	}
	if d.EffectiveTo != nil {
		e := d.EffectiveTo.String()
		dto.EffectiveTo = &e
	}
	return dto
}

// CreateRuleRequest creates a new rule key or schedules a new version.
type CreateRuleRequest struct {
	RuleKey      string  `json:"rule_key,omitempty"` // ignored on /versions
	Name         string  `json:"name"`
	Description  string  `json:"description,omitempty"`
	WindowDays   int     `json:"window_days"`
	BufferMisses int     `json:"buffer_misses"`
	Weight       float64 `json:"weight"`
}

// =============================================================================
// LOGS
// =============================================================================

// DayLogsDTO is the state of every applicable rule on a day.
type DayLogsDTO struct {
	Date   string            `json:"date"`
	States map[string]string `json:"states"`
}

// SaveLogsRequest upserts states for one day.
type SaveLogsRequest struct {
	States map[string]string `json:"states"`
}

// SaveLogsResponse reports whether the write was accepted.
type SaveLogsResponse struct {
	Saved bool `json:"saved"`
	// Finalized is true when the day was rejected because it is at or
	// before the open streak's processed boundary.
	Finalized bool `json:"finalized"`
}

// =============================================================================
// SCORES
// =============================================================================

// IndexDTO is the discipline index over one elastic window.
type IndexDTO struct {
	Index     float64 `json:"index"`
	DaysUsed  int     `json:"days_used"`
	StartDate string  `json:"start_date"`
	EndDate   string  `json:"end_date"`
}

// SeriesRowDTO is one plotted day of the time series.
type SeriesRowDTO struct {
	Date string  `json:"date"`
	DI1  float64 `json:"di1"`
	DIW1 float64 `json:"di_w1"`
	DIW2 float64 `json:"di_w2"`
}

type SeriesDTO struct {
	Rows      []SeriesRowDTO `json:"rows"`
	Windows   [2]int         `json:"windows"`
	PlotStart string         `json:"plot_start"`
	EndDate   string         `json:"end_date"`
}

// =============================================================================
// STATISTICS
// =============================================================================

type DistributionDTO struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Stdev  float64 `json:"stdev"`
	Min    int     `json:"min"`
	Max    int     `json:"max"`
}

type ConsistencyDTO struct {
	RuleKey        string  `json:"rule_key"`
	Name           string  `json:"name"`
	ApplicableDays int     `json:"applicable_days"`
	PassDays       int     `json:"pass_days"`
	PassRate       float64 `json:"pass_rate"`
}

type RuleRunsDTO struct {
	RuleKey        string  `json:"rule_key"`
	Name           string  `json:"name"`
	CurrentRun     int     `json:"current_streak"`
	RunCount       int     `json:"streak_count"`
	Mean           float64 `json:"mean"`
	Median         float64 `json:"median"`
	Stdev          float64 `json:"stdev"`
	Max            int     `json:"max"`
	ApplicableDays int     `json:"applicable_days"`
}

type StatisticsDTO struct {
	Global                DistributionDTO  `json:"global"`
	Consistency           []ConsistencyDTO `json:"consistency"`
	Best                  []ConsistencyDTO `json:"best"`
	Worst                 []ConsistencyDTO `json:"worst"`
	RuleStreaks           []RuleRunsDTO    `json:"rule_streaks"`
	ConsistencyWindowDays int              `json:"consistency_window_days"`
	StartDate             string           `json:"start_date"`
	EndDate               string           `json:"end_date"`
}

// ErrorDTO is the uniform error envelope.
type ErrorDTO struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

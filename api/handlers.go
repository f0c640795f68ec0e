/*
handlers.go - HTTP API handlers for the discipline engine

PURPOSE:
  Exposes the engine via REST. Handles HTTP request/response, JSON
  serialization, and delegates all temporal logic to the discipline package.

ENDPOINTS:
  Engine:
    POST /api/engine/process        Finalize days through a target date
    POST /api/streaks/reset         Manual reset: close today, reopen tomorrow

  Streaks:
    GET  /api/streaks               Full streak history
    GET  /api/streaks/open          The single OPEN streak (creates on first use)
    GET  /api/streaks/buffers       Per-rule buffer dashboard

  Logs:
    GET  /api/logs?date=            Day states for every applicable rule
    PUT  /api/logs/{date}           Upsert day states (rejected once finalized)

  Scores:
    GET  /api/index?date=&window=   Discipline index over an elastic window
    GET  /api/series?date=&days=&w1=&w2=
    GET  /api/statistics?date=&window=

  Rules (admin, tomorrow-only scheduling):
    GET  /api/rules                 All rule keys
    GET  /api/rules/{key}           All versions of one key
    POST /api/rules                 Create a rule (v1 effective tomorrow)
    POST /api/rules/{key}/versions  Schedule a new version for tomorrow
    POST /api/rules/{key}/deactivate

ERROR HANDLING:
  - 400: validation errors (tomorrow-only policy, bad input)
  - 404: unknown rule key
  - 409: lost race on the open streak ("already finalized, reload")
  - 422: rule configuration errors (overlapping version spans)
  - 500: everything else
*/
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/warp/discipline-engine/discipline"
)

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *discipline.Engine
}

// NewHandler creates a handler around the given engine.
func NewHandler(engine *discipline.Engine) *Handler {
	return &Handler{Engine: engine}
}

// =============================================================================
// ENGINE ENDPOINTS
// =============================================================================

// ProcessUpTo finalizes days through the requested target date.
// POST /api/engine/process
func (h *Handler) ProcessUpTo(w http.ResponseWriter, r *http.Request) {
	var req ProcessRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	target := h.Engine.Clock().Today()
	if req.TargetDate != "" {
		var err error
		if target, err = discipline.ParseDate(req.TargetDate); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid target_date", err)
			return
		}
	}

	res, err := h.Engine.ProcessUpTo(r.Context(), target)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProcessResponse(res))
}

// ResetStreak force-closes the open streak today.
// POST /api/streaks/reset
func (h *Handler) ResetStreak(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.ResetToday(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ResetResponse{
		Reset:  res.Reset,
		Detail: res.Detail,
		Reason: res.Reason,
		Events: toEventDTOs(res.Events),
	})
}

// =============================================================================
// STREAK ENDPOINTS
// =============================================================================

// GetOpenStreak returns the single OPEN streak.
// GET /api/streaks/open
func (h *Handler) GetOpenStreak(w http.ResponseWriter, r *http.Request) {
	s, err := h.Engine.GetOrCreateOpenStreak(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStreakDTO(s))
}

// ListStreaks returns all streaks, oldest first.
// GET /api/streaks
func (h *Handler) ListStreaks(w http.ResponseWriter, r *http.Request) {
	streaks, err := h.Engine.ListStreaks(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	dtos := make([]StreakDTO, len(streaks))
	for i := range streaks {
		dtos[i] = toStreakDTO(&streaks[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBuffers returns the per-rule buffer dashboard.
// GET /api/streaks/buffers
func (h *Handler) GetBuffers(w http.ResponseWriter, r *http.Request) {
	buffers, err := h.Engine.BufferView(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	dtos := make([]BufferStatusDTO, len(buffers))
	for i, b := range buffers {
		dtos[i] = BufferStatusDTO{
			RuleKey:      string(b.Key),
			Name:         b.Name,
			WindowDays:   b.WindowDays,
			BufferMisses: b.BufferMisses,
			Misses:       b.Misses,
			Remaining:    b.Remaining,
			ResetsIn:     b.ResetsIn,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// LOG ENDPOINTS
// =============================================================================

// GetDayLogs returns the state of every applicable rule on a day.
// GET /api/logs?date=YYYY-MM-DD  (defaults to today)
func (h *Handler) GetDayLogs(w http.ResponseWriter, r *http.Request) {
	day, ok := h.queryDate(w, r, "date")
	if !ok {
		return
	}
	states, err := h.Engine.DayLogs(r.Context(), day)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	dto := DayLogsDTO{Date: day.String(), States: map[string]string{}}
	for k, st := range states {
		dto.States[string(k)] = string(st)
	}
	writeJSON(w, http.StatusOK, dto)
}

// SaveDayLogs upserts log states for one day.
// PUT /api/logs/{date}
func (h *Handler) SaveDayLogs(w http.ResponseWriter, r *http.Request) {
	day, err := discipline.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date", err)
		return
	}

	var req SaveLogsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	states := make(map[discipline.RuleKey]discipline.LogState, len(req.States))
	for k, st := range req.States {
		states[discipline.RuleKey(k)] = discipline.LogState(st)
	}

	saved, err := h.Engine.SaveDayLogs(r.Context(), day, states)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SaveLogsResponse{Saved: saved, Finalized: !saved})
}

// =============================================================================
// SCORE ENDPOINTS
// =============================================================================

// GetIndex computes the discipline index.
// GET /api/index?date=YYYY-MM-DD&window=7
func (h *Handler) GetIndex(w http.ResponseWriter, r *http.Request) {
	day, ok := h.queryDate(w, r, "date")
	if !ok {
		return
	}
	window := queryInt(r, "window", 7)

	res, err := h.Engine.ComputeDisciplineIndex(r.Context(), day, window)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, IndexDTO{
		Index:     res.Index,
		DaysUsed:  res.DaysUsed,
		StartDate: res.Start.String(),
		EndDate:   res.End.String(),
	})
}

// GetSeries computes the daily + rolling time series.
// GET /api/series?date=YYYY-MM-DD&days=14&w1=7&w2=30
func (h *Handler) GetSeries(w http.ResponseWriter, r *http.Request) {
	day, ok := h.queryDate(w, r, "date")
	if !ok {
		return
	}
	plotDays := queryInt(r, "days", 14)
	windows := [2]int{queryInt(r, "w1", 7), queryInt(r, "w2", 30)}

	res, err := h.Engine.ComputeSeries(r.Context(), day, plotDays, windows)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	dto := SeriesDTO{
		Windows:   res.Windows,
		PlotStart: res.PlotStart.String(),
		EndDate:   res.End.String(),
		Rows:      make([]SeriesRowDTO, len(res.Rows)),
	}
	for i, row := range res.Rows {
		dto.Rows[i] = SeriesRowDTO{
			Date: row.Date.String(),
			DI1:  row.DI1,
			DIW1: row.Rolling[0],
			DIW2: row.Rolling[1],
		}
	}
	writeJSON(w, http.StatusOK, dto)
}

// GetStatistics computes the combined statistics report.
// GET /api/statistics?date=YYYY-MM-DD&window=30
func (h *Handler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	day, ok := h.queryDate(w, r, "date")
	if !ok {
		return
	}
	window := queryInt(r, "window", 30)

	res, err := h.Engine.ComputeStatistics(r.Context(), day, window)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatisticsDTO(res))
}

func toStatisticsDTO(s *discipline.Statistics) StatisticsDTO {
	dto := StatisticsDTO{
		Global: DistributionDTO{
			Count: s.Global.Count, Mean: s.Global.Mean, Median: s.Global.Median,
			Stdev: s.Global.Stdev, Min: s.Global.Min, Max: s.Global.Max,
		},
		Consistency:           toConsistencyDTOs(s.Consistency),
		Best:                  toConsistencyDTOs(s.Best),
		Worst:                 toConsistencyDTOs(s.Worst),
		ConsistencyWindowDays: s.ConsistencyWindowDays,
		StartDate:             s.Start.String(),
		EndDate:               s.End.String(),
	}
	dto.RuleStreaks = make([]RuleRunsDTO, len(s.RuleRuns))
	for i, rr := range s.RuleRuns {
		dto.RuleStreaks[i] = RuleRunsDTO{
			RuleKey:        string(rr.Key),
			Name:           rr.Name,
			CurrentRun:     rr.CurrentRun,
			RunCount:       rr.RunCount,
			Mean:           rr.Mean,
			Median:         rr.Median,
			Stdev:          rr.Stdev,
			Max:            rr.Max,
			ApplicableDays: rr.ApplicableDays,
		}
	}
	return dto
}

func toConsistencyDTOs(entries []discipline.ConsistencyEntry) []ConsistencyDTO {
	out := make([]ConsistencyDTO, len(entries))
	for i, e := range entries {
		out[i] = ConsistencyDTO{
			RuleKey:        string(e.Key),
			Name:           e.Name,
			ApplicableDays: e.ApplicableDays,
			PassDays:       e.PassDays,
			PassRate:       e.PassRate,
		}
	}
	return out
}

// =============================================================================
// RULE ENDPOINTS
// =============================================================================

// ListRules returns all rule keys.
// GET /api/rules
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	keys, err := h.Engine.ListRuleKeys(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = string(k)
	}
	writeJSON(w, http.StatusOK, map[string]any{"rule_keys": out})
}

// GetRuleVersions returns every version of one key.
// GET /api/rules/{key}
func (h *Handler) GetRuleVersions(w http.ResponseWriter, r *http.Request) {
	key := discipline.RuleKey(chi.URLParam(r, "key"))
	versions, err := h.Engine.RuleVersions(r.Context(), key)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	dtos := make([]RuleVersionDTO, len(versions))
	for i, v := range versions {
		dtos[i] = toRuleVersionDTO(v)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateRule creates a brand-new rule key, effective tomorrow.
// POST /api/rules
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	def, err := h.Engine.AddRule(r.Context(), discipline.RuleKey(req.RuleKey), toRuleParams(req))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRuleVersionDTO(*def))
}

// AddRuleVersion schedules a new version for tomorrow.
// POST /api/rules/{key}/versions
func (h *Handler) AddRuleVersion(w http.ResponseWriter, r *http.Request) {
	key := discipline.RuleKey(chi.URLParam(r, "key"))
	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	def, err := h.Engine.AddVersion(r.Context(), key, toRuleParams(req))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRuleVersionDTO(*def))
}

// DeactivateRule ends a rule key as of today.
// POST /api/rules/{key}/deactivate
func (h *Handler) DeactivateRule(w http.ResponseWriter, r *http.Request) {
	key := discipline.RuleKey(chi.URLParam(r, "key"))
	def, err := h.Engine.DeactivateRule(r.Context(), key)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleVersionDTO(*def))
}

func toRuleParams(req CreateRuleRequest) discipline.RuleParams {
	return discipline.RuleParams{
		Name:         req.Name,
		Description:  req.Description,
		WindowDays:   req.WindowDays,
		BufferMisses: req.BufferMisses,
		Weight:       decimal.NewFromFloat(req.Weight),
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func toProcessResponse(res *discipline.Result) ProcessResponse {
	return ProcessResponse{
		Events:     toEventDTOs(res.Events),
		OpenStreak: toStreakDTO(res.OpenStreak),
	}
}

func toEventDTOs(events []discipline.Event) []EventDTO {
	out := make([]EventDTO, len(events))
	for i, e := range events {
		out[i] = EventDTO{Type: string(e.Type), Reason: e.Reason}
	}
	return out
}

// queryDate reads an optional ?date= parameter, defaulting to today.
func (h *Handler) queryDate(w http.ResponseWriter, r *http.Request, param string) (discipline.Date, bool) {
	raw := r.URL.Query().Get(param)
	if raw == "" {
		return h.Engine.Clock().Today(), true
	}
	d, err := discipline.ParseDate(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+param, err)
		return discipline.Date{}, false
	}
	return d, true
}

func queryInt(r *http.Request, param string, def int) int {
	raw := r.URL.Query().Get(param)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	dto := ErrorDTO{Error: msg}
	if err != nil {
		dto.Details = err.Error()
	}
	writeJSON(w, status, dto)
}

// writeEngineError maps domain error classes to HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case discipline.IsValidation(err):
		writeError(w, http.StatusBadRequest, "Validation failed", err)
	case discipline.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case discipline.IsConcurrency(err):
		writeError(w, http.StatusConflict, "Already finalized, reload", err)
	case discipline.IsConfiguration(err):
		writeError(w, http.StatusUnprocessableEntity, "Rule configuration invalid", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

/*
Package sqlite provides the SQLite-backed implementation of the discipline
storage interfaces.

PURPOSE:
  Implements discipline.Store and discipline.TxStore on SQLite. The same
  patterns apply to PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  rule_defs: versioned rule definitions; rows are immutable except for the
             one-time boundary close that sets effective_to
  rule_logs: daily pass/fail states, unique per (log_date, rule_key)
  streaks:   streak records; rule counters and end reason stored as JSON
             blobs since they change atomically with the streak row
  app_meta:  singleton start date

CONCURRENCY:
  Streak progress updates are conditional on the persisted
  processed_through_date (optimistic concurrency); a lost race surfaces as
  discipline.ConcurrencyError. SQLite is opened in WAL mode so readers do
  not block the single writer.

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper migration
  tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - discipline/store.go: Interface definitions
  - discipline/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/discipline-engine/discipline"
)

// Store implements discipline.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Versioned rule definitions
	CREATE TABLE IF NOT EXISTS rule_defs (
		rule_key TEXT NOT NULL,
		version INTEGER NOT NULL,
		effective_from TEXT NOT NULL,
		effective_to TEXT,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		window_days INTEGER NOT NULL,
		buffer_misses INTEGER NOT NULL,
		weight TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (rule_key, version)
	);

	CREATE INDEX IF NOT EXISTS idx_rule_defs_key_from
		ON rule_defs(rule_key, effective_from);
	CREATE INDEX IF NOT EXISTS idx_rule_defs_from
		ON rule_defs(effective_from);

	-- Daily logs, one row per (day, rule)
	CREATE TABLE IF NOT EXISTS rule_logs (
		log_date TEXT NOT NULL,
		rule_key TEXT NOT NULL,
		state TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (log_date, rule_key)
	);

	CREATE INDEX IF NOT EXISTS idx_rule_logs_date
		ON rule_logs(log_date);

	-- Streaks
	CREATE TABLE IF NOT EXISTS streaks (
		streak_id TEXT PRIMARY KEY,
		start_date TEXT NOT NULL,
		end_date TEXT,
		status TEXT NOT NULL,
		processed_through_date TEXT NOT NULL,
		rule_state_json TEXT NOT NULL DEFAULT '{}',
		end_reason_json TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_streaks_status
		ON streaks(status);
	CREATE INDEX IF NOT EXISTS idx_streaks_start
		ON streaks(start_date);

	-- App meta singleton
	CREATE TABLE IF NOT EXISTS app_meta (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		start_date TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// execer abstracts *sql.DB and *sql.Tx so the same statement helpers serve
// both direct calls and WithTx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func now() string { return time.Now().UTC().Format(time.RFC3339) }

// =============================================================================
// RULE STORE
// =============================================================================

func (s *Store) InsertRuleVersion(ctx context.Context, def discipline.RuleDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertRuleVersion(ctx, s.db, def)
}

func insertRuleVersion(ctx context.Context, db execer, def discipline.RuleDefinition) error {
	var effTo any
	if def.EffectiveTo != nil {
		effTo = def.EffectiveTo.String()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO rule_defs
		(rule_key, version, effective_from, effective_to, name, description,
		 window_days, buffer_misses, weight, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.Key, def.Version, def.EffectiveFrom.String(), effTo,
		def.Name, def.Description, def.WindowDays, def.BufferMisses,
		def.Weight.String(), now(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert rule version: %w", err)
	}
	return nil
}

func (s *Store) CloseRuleVersion(ctx context.Context, key discipline.RuleKey, version int, effectiveTo discipline.Date) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return closeRuleVersion(ctx, s.db, key, version, effectiveTo)
}

func closeRuleVersion(ctx context.Context, db execer, key discipline.RuleKey, version int, effectiveTo discipline.Date) error {
	res, err := db.ExecContext(ctx,
		`UPDATE rule_defs SET effective_to = ? WHERE rule_key = ? AND version = ?`,
		effectiveTo.String(), key, version,
	)
	if err != nil {
		return fmt.Errorf("failed to close rule version: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return discipline.ErrRuleNotFound
	}
	return nil
}

const ruleColumns = `rule_key, version, effective_from, effective_to, name, description, window_days, buffer_misses, weight`

func (s *Store) ListRuleVersions(ctx context.Context) ([]discipline.RuleDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listRuleVersions(ctx, s.db)
}

func listRuleVersions(ctx context.Context, db execer) ([]discipline.RuleDefinition, error) {
	return queryRules(ctx, db,
		`SELECT `+ruleColumns+` FROM rule_defs ORDER BY rule_key ASC, effective_from ASC`)
}

func (s *Store) ListRuleVersionsForKey(ctx context.Context, key discipline.RuleKey) ([]discipline.RuleDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listRuleVersionsForKey(ctx, s.db, key)
}

func listRuleVersionsForKey(ctx context.Context, db execer, key discipline.RuleKey) ([]discipline.RuleDefinition, error) {
	return queryRules(ctx, db,
		`SELECT `+ruleColumns+` FROM rule_defs WHERE rule_key = ? ORDER BY effective_from ASC`, key)
}

func queryRules(ctx context.Context, db execer, query string, args ...any) ([]discipline.RuleDefinition, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rule_defs: %w", err)
	}
	defer rows.Close()

	var defs []discipline.RuleDefinition
	for rows.Next() {
		var (
			def       discipline.RuleDefinition
			from      string
			to        sql.NullString
			weightStr string
		)
		if err := rows.Scan(&def.Key, &def.Version, &from, &to, &def.Name,
			&def.Description, &def.WindowDays, &def.BufferMisses, &weightStr); err != nil {
			return nil, fmt.Errorf("failed to scan rule_def: %w", err)
		}
		if def.EffectiveFrom, err = discipline.ParseDate(from); err != nil {
			return nil, err
		}
		if to.Valid {
			d, err := discipline.ParseDate(to.String)
			if err != nil {
				return nil, err
			}
			def.EffectiveTo = &d
		}
		if def.Weight, err = decimal.NewFromString(weightStr); err != nil {
			return nil, fmt.Errorf("invalid weight %q: %w", weightStr, err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// =============================================================================
// LOG STORE
// =============================================================================

func (s *Store) UpsertLog(ctx context.Context, log discipline.DailyLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return upsertLog(ctx, s.db, log)
}

func upsertLog(ctx context.Context, db execer, log discipline.DailyLog) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO rule_logs (log_date, rule_key, state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(log_date, rule_key) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at`,
		log.Date.String(), log.Key, log.State,
		log.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert log: %w", err)
	}
	return nil
}

func (s *Store) UpsertLogs(ctx context.Context, logs []discipline.DailyLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, l := range logs {
		if err := upsertLog(ctx, sqlTx, l); err != nil {
			return err
		}
	}
	return sqlTx.Commit()
}

func (s *Store) ListLogsRange(ctx context.Context, from, to discipline.Date) ([]discipline.DailyLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listLogsRange(ctx, s.db, from, to)
}

func listLogsRange(ctx context.Context, db execer, from, to discipline.Date) ([]discipline.DailyLog, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT log_date, rule_key, state, updated_at
		FROM rule_logs
		WHERE log_date >= ? AND log_date <= ?
		ORDER BY log_date ASC, rule_key ASC`,
		from.String(), to.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query rule_logs: %w", err)
	}
	defer rows.Close()

	var logs []discipline.DailyLog
	for rows.Next() {
		var (
			l         discipline.DailyLog
			dateStr   string
			updatedAt string
		)
		if err := rows.Scan(&dateStr, &l.Key, &l.State, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		if l.Date, err = discipline.ParseDate(dateStr); err != nil {
			return nil, err
		}
		l.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// =============================================================================
// STREAK STORE
// =============================================================================

const streakColumns = `streak_id, start_date, end_date, status, processed_through_date, rule_state_json, end_reason_json, created_at, updated_at`

func (s *Store) GetOpenStreak(ctx context.Context) (*discipline.Streak, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getOpenStreak(ctx, s.db)
}

func getOpenStreak(ctx context.Context, db execer) (*discipline.Streak, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+streakColumns+` FROM streaks WHERE status = ? ORDER BY start_date DESC LIMIT 1`,
		discipline.StreakOpen,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query open streak: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	streak, err := scanStreak(rows)
	if err != nil {
		return nil, err
	}
	return &streak, nil
}

func (s *Store) InsertStreak(ctx context.Context, streak discipline.Streak) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertStreak(ctx, s.db, streak)
}

func insertStreak(ctx context.Context, db execer, streak discipline.Streak) error {
	stateJSON, err := json.Marshal(streak.RuleState)
	if err != nil {
		return fmt.Errorf("failed to marshal rule state: %w", err)
	}
	var endDate, reasonJSON any
	if streak.EndDate != nil {
		endDate = streak.EndDate.String()
	}
	if streak.EndReason != nil {
		b, err := json.Marshal(streak.EndReason)
		if err != nil {
			return fmt.Errorf("failed to marshal end reason: %w", err)
		}
		reasonJSON = string(b)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO streaks
		(streak_id, start_date, end_date, status, processed_through_date,
		 rule_state_json, end_reason_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		streak.ID, streak.StartDate.String(), endDate, streak.Status,
		streak.ProcessedThrough.String(), string(stateJSON), reasonJSON,
		now(), now(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert streak: %w", err)
	}
	return nil
}

func (s *Store) UpdateStreakProgress(ctx context.Context, id discipline.StreakID, expectedThrough, newThrough discipline.Date, ruleState map[discipline.RuleKey]discipline.RuleCounters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateStreakProgress(ctx, s.db, id, expectedThrough, newThrough, ruleState)
}

func updateStreakProgress(ctx context.Context, db execer, id discipline.StreakID, expectedThrough, newThrough discipline.Date, ruleState map[discipline.RuleKey]discipline.RuleCounters) error {
	stateJSON, err := json.Marshal(ruleState)
	if err != nil {
		return fmt.Errorf("failed to marshal rule state: %w", err)
	}

	// Conditional on the persisted boundary: the optimistic-concurrency
	// guard around finalization.
	res, err := db.ExecContext(ctx, `
		UPDATE streaks
		SET processed_through_date = ?, rule_state_json = ?, updated_at = ?
		WHERE streak_id = ? AND status = ? AND processed_through_date = ?`,
		newThrough.String(), string(stateJSON), now(),
		id, discipline.StreakOpen, expectedThrough.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update streak: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &discipline.ConcurrencyError{StreakID: id, Expected: expectedThrough}
	}
	return nil
}

func (s *Store) CloseStreak(ctx context.Context, id discipline.StreakID, endDate discipline.Date, ruleState map[discipline.RuleKey]discipline.RuleCounters, reason discipline.EndReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return closeStreak(ctx, s.db, id, endDate, ruleState, reason)
}

func closeStreak(ctx context.Context, db execer, id discipline.StreakID, endDate discipline.Date, ruleState map[discipline.RuleKey]discipline.RuleCounters, reason discipline.EndReason) error {
	stateJSON, err := json.Marshal(ruleState)
	if err != nil {
		return fmt.Errorf("failed to marshal rule state: %w", err)
	}
	reasonJSON, err := json.Marshal(reason)
	if err != nil {
		return fmt.Errorf("failed to marshal end reason: %w", err)
	}

	res, err := db.ExecContext(ctx, `
		UPDATE streaks
		SET status = ?, end_date = ?, processed_through_date = ?,
		    rule_state_json = ?, end_reason_json = ?, updated_at = ?
		WHERE streak_id = ? AND status = ?`,
		discipline.StreakClosed, endDate.String(), endDate.String(),
		string(stateJSON), string(reasonJSON), now(),
		id, discipline.StreakOpen,
	)
	if err != nil {
		return fmt.Errorf("failed to close streak: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &discipline.ConcurrencyError{StreakID: id, Expected: endDate}
	}
	return nil
}

func (s *Store) ListStreaks(ctx context.Context) ([]discipline.Streak, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listStreaks(ctx, s.db)
}

func listStreaks(ctx context.Context, db execer) ([]discipline.Streak, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+streakColumns+` FROM streaks ORDER BY start_date ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query streaks: %w", err)
	}
	defer rows.Close()

	var streaks []discipline.Streak
	for rows.Next() {
		streak, err := scanStreak(rows)
		if err != nil {
			return nil, err
		}
		streaks = append(streaks, streak)
	}
	return streaks, rows.Err()
}

func scanStreak(rows *sql.Rows) (discipline.Streak, error) {
	var (
		streak     discipline.Streak
		startDate  string
		endDate    sql.NullString
		processed  string
		stateJSON  string
		reasonJSON sql.NullString
		createdAt  string
		updatedAt  string
	)
	err := rows.Scan(&streak.ID, &startDate, &endDate, &streak.Status,
		&processed, &stateJSON, &reasonJSON, &createdAt, &updatedAt)
	if err != nil {
		return streak, fmt.Errorf("failed to scan streak: %w", err)
	}

	if streak.StartDate, err = discipline.ParseDate(startDate); err != nil {
		return streak, err
	}
	if endDate.Valid {
		d, err := discipline.ParseDate(endDate.String)
		if err != nil {
			return streak, err
		}
		streak.EndDate = &d
	}
	if streak.ProcessedThrough, err = discipline.ParseDate(processed); err != nil {
		return streak, err
	}
	if err := json.Unmarshal([]byte(stateJSON), &streak.RuleState); err != nil {
		return streak, fmt.Errorf("failed to unmarshal rule state: %w", err)
	}
	if streak.RuleState == nil {
		streak.RuleState = map[discipline.RuleKey]discipline.RuleCounters{}
	}
	if reasonJSON.Valid && reasonJSON.String != "" {
		var r discipline.EndReason
		if err := json.Unmarshal([]byte(reasonJSON.String), &r); err != nil {
			return streak, fmt.Errorf("failed to unmarshal end reason: %w", err)
		}
		streak.EndReason = &r
	}
	streak.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	streak.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return streak, nil
}

// =============================================================================
// META STORE
// =============================================================================

func (s *Store) EnsureStartDate(ctx context.Context, fallback discipline.Date) (discipline.Date, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ensureStartDate(ctx, s.db, fallback)
}

func ensureStartDate(ctx context.Context, db execer, fallback discipline.Date) (discipline.Date, error) {
	_, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO app_meta (id, start_date, created_at) VALUES (1, ?, ?)`,
		fallback.String(), now(),
	)
	if err != nil {
		return discipline.Date{}, fmt.Errorf("failed to ensure app_meta: %w", err)
	}

	var startStr string
	if err := db.QueryRowContext(ctx, `SELECT start_date FROM app_meta WHERE id = 1`).Scan(&startStr); err != nil {
		return discipline.Date{}, fmt.Errorf("failed to read app_meta: %w", err)
	}
	return discipline.ParseDate(startStr)
}

// =============================================================================
// TX STORE
// =============================================================================

// WithTx executes fn within one database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(discipline.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore routes every call through the open *sql.Tx. It deliberately does
// not take the parent mutex: WithTx already holds it.
type txStore struct {
	tx *sql.Tx
}

func (t *txStore) InsertRuleVersion(ctx context.Context, def discipline.RuleDefinition) error {
	return insertRuleVersion(ctx, t.tx, def)
}

func (t *txStore) CloseRuleVersion(ctx context.Context, key discipline.RuleKey, version int, effectiveTo discipline.Date) error {
	return closeRuleVersion(ctx, t.tx, key, version, effectiveTo)
}

func (t *txStore) ListRuleVersions(ctx context.Context) ([]discipline.RuleDefinition, error) {
	return listRuleVersions(ctx, t.tx)
}

func (t *txStore) ListRuleVersionsForKey(ctx context.Context, key discipline.RuleKey) ([]discipline.RuleDefinition, error) {
	return listRuleVersionsForKey(ctx, t.tx, key)
}

func (t *txStore) UpsertLog(ctx context.Context, log discipline.DailyLog) error {
	return upsertLog(ctx, t.tx, log)
}

func (t *txStore) UpsertLogs(ctx context.Context, logs []discipline.DailyLog) error {
	for _, l := range logs {
		if err := upsertLog(ctx, t.tx, l); err != nil {
			return err
		}
	}
	return nil
}

func (t *txStore) ListLogsRange(ctx context.Context, from, to discipline.Date) ([]discipline.DailyLog, error) {
	return listLogsRange(ctx, t.tx, from, to)
}

func (t *txStore) GetOpenStreak(ctx context.Context) (*discipline.Streak, error) {
	return getOpenStreak(ctx, t.tx)
}

func (t *txStore) InsertStreak(ctx context.Context, streak discipline.Streak) error {
	return insertStreak(ctx, t.tx, streak)
}

func (t *txStore) UpdateStreakProgress(ctx context.Context, id discipline.StreakID, expectedThrough, newThrough discipline.Date, ruleState map[discipline.RuleKey]discipline.RuleCounters) error {
	return updateStreakProgress(ctx, t.tx, id, expectedThrough, newThrough, ruleState)
}

func (t *txStore) CloseStreak(ctx context.Context, id discipline.StreakID, endDate discipline.Date, ruleState map[discipline.RuleKey]discipline.RuleCounters, reason discipline.EndReason) error {
	return closeStreak(ctx, t.tx, id, endDate, ruleState, reason)
}

func (t *txStore) ListStreaks(ctx context.Context) ([]discipline.Streak, error) {
	return listStreaks(ctx, t.tx)
}

func (t *txStore) EnsureStartDate(ctx context.Context, fallback discipline.Date) (discipline.Date, error) {
	return ensureStartDate(ctx, t.tx, fallback)
}

// Package store is the agent's durable state: the append-only iteration
// ledger plus the policy state (approvals, rate windows) that must survive
// restarts. Backed by SQLite.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"vigil/internal/actuator"
	"vigil/internal/logging"
	"vigil/internal/percept"
	"vigil/internal/policy"
)

// ErrIterationNotFound is returned when an iteration id does not exist.
var ErrIterationNotFound = fmt.Errorf("iteration not found")

// Iteration is one full pass of the loop, persisted as an immutable ledger
// record. Slices marshal to JSON columns.
type Iteration struct {
	ID                 int64                   `json:"id"`
	StartedAtMS        int64                   `json:"started_at_ms"`
	CompletedAtMS      int64                   `json:"completed_at_ms"`
	SensedPercepts     []percept.Percept       `json:"sensed_percepts"`
	SurprisingPercepts []percept.Percept       `json:"surprising_percepts"`
	PlannedActions     []actuator.Action       `json:"planned_actions"`
	ActionResults      []actuator.ActionResult `json:"action_results"`
}

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// New initializes the SQLite database at the given path.
func New(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.New")
	defer timer.Stop()

	logging.Store("opening ledger at %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.StoreDebug("ledger schema ready")
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS iterations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		started_at_ms INTEGER NOT NULL,
		completed_at_ms INTEGER NOT NULL,
		sensed_percepts TEXT NOT NULL DEFAULT '[]',
		surprising_percepts TEXT NOT NULL DEFAULT '[]',
		planned_actions TEXT NOT NULL DEFAULT '[]',
		action_results TEXT NOT NULL DEFAULT '[]'
	);
	CREATE TABLE IF NOT EXISTS approvals (
		id INTEGER PRIMARY KEY,
		action TEXT NOT NULL,
		status TEXT NOT NULL,
		requested_at_ms INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS rate_windows (
		actuator_name TEXT PRIMARY KEY,
		period TEXT NOT NULL,
		window_start INTEGER NOT NULL,
		count INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// ============================================================================
// Iteration ledger
// ============================================================================

// AppendIteration appends one completed iteration and assigns its id.
// The ledger is append-only; records are never updated or deleted.
func (s *Store) AppendIteration(it *Iteration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sensed, err := marshalJSON(it.SensedPercepts)
	if err != nil {
		return err
	}
	surprising, err := marshalJSON(it.SurprisingPercepts)
	if err != nil {
		return err
	}
	actions, err := marshalJSON(it.PlannedActions)
	if err != nil {
		return err
	}
	results, err := marshalJSON(it.ActionResults)
	if err != nil {
		return err
	}

	if it.CompletedAtMS == 0 {
		it.CompletedAtMS = time.Now().UnixMilli()
	}

	res, err := s.db.Exec(`
		INSERT INTO iterations (started_at_ms, completed_at_ms, sensed_percepts, surprising_percepts, planned_actions, action_results)
		VALUES (?, ?, ?, ?, ?, ?)`,
		it.StartedAtMS, it.CompletedAtMS, sensed, surprising, actions, results)
	if err != nil {
		return fmt.Errorf("failed to append iteration: %w", err)
	}

	it.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read iteration id: %w", err)
	}

	logging.StoreDebug("appended iteration %d (%d sensed, %d surprising, %d actions)",
		it.ID, len(it.SensedPercepts), len(it.SurprisingPercepts), len(it.PlannedActions))
	return nil
}

// GetIteration loads one iteration by id.
func (s *Store) GetIteration(id int64) (Iteration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`
		SELECT id, started_at_ms, completed_at_ms, sensed_percepts, surprising_percepts, planned_actions, action_results
		FROM iterations WHERE id = ?`, id)

	it, err := scanIteration(row)
	if err == sql.ErrNoRows {
		return Iteration{}, fmt.Errorf("%w: id %d", ErrIterationNotFound, id)
	}
	if err != nil {
		return Iteration{}, fmt.Errorf("failed to load iteration %d: %w", id, err)
	}
	return it, nil
}

// ListIterationsAfter returns up to limit iterations with id > afterID, in
// ascending id order.
func (s *Store) ListIterationsAfter(afterID int64, limit int) ([]Iteration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.Query(`
		SELECT id, started_at_ms, completed_at_ms, sensed_percepts, surprising_percepts, planned_actions, action_results
		FROM iterations WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list iterations: %w", err)
	}
	defer rows.Close()

	var out []Iteration
	for rows.Next() {
		it, err := scanIteration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan iteration: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// LatestPerceptWindows returns the sensed windows of the n most recent
// iterations, most recent first. This is the local model's history context.
func (s *Store) LatestPerceptWindows(n int) ([][]percept.Percept, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 {
		return nil, nil
	}

	rows, err := s.db.Query(`
		SELECT sensed_percepts FROM iterations ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to load percept windows: %w", err)
	}
	defer rows.Close()

	var windows [][]percept.Percept
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan percept window: %w", err)
		}
		var window []percept.Percept
		if err := json.Unmarshal([]byte(raw), &window); err != nil {
			return nil, fmt.Errorf("corrupt percept window: %w", err)
		}
		windows = append(windows, window)
	}
	return windows, rows.Err()
}

// IterationCount returns the number of ledger records.
func (s *Store) IterationCount() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM iterations`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count iterations: %w", err)
	}
	return count, nil
}

// ============================================================================
// Durable policy state
// ============================================================================

// SaveApprovals replaces the persisted approval set with a gate snapshot.
func (s *Store) SaveApprovals(requests []policy.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin approvals tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM approvals`); err != nil {
		return fmt.Errorf("failed to clear approvals: %w", err)
	}
	for _, req := range requests {
		action, err := marshalJSON(req.Action)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO approvals (id, action, status, requested_at_ms) VALUES (?, ?, ?, ?)`,
			req.ID, action, string(req.Status), req.RequestedAtMS); err != nil {
			return fmt.Errorf("failed to save approval %d: %w", req.ID, err)
		}
	}
	return tx.Commit()
}

// LoadApprovals loads every persisted approval request.
func (s *Store) LoadApprovals() ([]policy.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT id, action, status, requested_at_ms FROM approvals ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to load approvals: %w", err)
	}
	defer rows.Close()

	var out []policy.ApprovalRequest
	for rows.Next() {
		var req policy.ApprovalRequest
		var action, status string
		if err := rows.Scan(&req.ID, &action, &status, &req.RequestedAtMS); err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		if err := json.Unmarshal([]byte(action), &req.Action); err != nil {
			return nil, fmt.Errorf("corrupt approval %d: %w", req.ID, err)
		}
		req.Status = policy.ApprovalStatus(status)
		out = append(out, req)
	}
	return out, rows.Err()
}

// SaveRateWindows replaces the persisted rate windows with a limiter
// snapshot.
func (s *Store) SaveRateWindows(windows map[string]policy.Window) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin rate windows tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM rate_windows`); err != nil {
		return fmt.Errorf("failed to clear rate windows: %w", err)
	}
	for name, w := range windows {
		if _, err := tx.Exec(`
			INSERT INTO rate_windows (actuator_name, period, window_start, count) VALUES (?, ?, ?, ?)`,
			name, string(w.Period), w.WindowStart, w.Count); err != nil {
			return fmt.Errorf("failed to save rate window for %q: %w", name, err)
		}
	}
	return tx.Commit()
}

// LoadRateWindows loads every persisted rate window.
func (s *Store) LoadRateWindows() (map[string]policy.Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT actuator_name, period, window_start, count FROM rate_windows`)
	if err != nil {
		return nil, fmt.Errorf("failed to load rate windows: %w", err)
	}
	defer rows.Close()

	out := make(map[string]policy.Window)
	for rows.Next() {
		var name, period string
		var w policy.Window
		if err := rows.Scan(&name, &period, &w.WindowStart, &w.Count); err != nil {
			return nil, fmt.Errorf("failed to scan rate window: %w", err)
		}
		w.Period = policy.Period(period)
		out[name] = w
	}
	return out, rows.Err()
}

// ============================================================================
// Helpers
// ============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIteration(row rowScanner) (Iteration, error) {
	var it Iteration
	var sensed, surprising, actions, results string
	if err := row.Scan(&it.ID, &it.StartedAtMS, &it.CompletedAtMS, &sensed, &surprising, &actions, &results); err != nil {
		return Iteration{}, err
	}
	if err := json.Unmarshal([]byte(sensed), &it.SensedPercepts); err != nil {
		return Iteration{}, fmt.Errorf("corrupt sensed_percepts: %w", err)
	}
	if err := json.Unmarshal([]byte(surprising), &it.SurprisingPercepts); err != nil {
		return Iteration{}, fmt.Errorf("corrupt surprising_percepts: %w", err)
	}
	if err := json.Unmarshal([]byte(actions), &it.PlannedActions); err != nil {
		return Iteration{}, fmt.Errorf("corrupt planned_actions: %w", err)
	}
	if err := json.Unmarshal([]byte(results), &it.ActionResults); err != nil {
		return Iteration{}, fmt.Errorf("corrupt action_results: %w", err)
	}
	return it, nil
}

// marshalJSON encodes a slice or struct, normalizing nil slices to "[]" so
// columns never hold SQL-visible nulls.
func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	text := string(data)
	if text == "null" {
		text = "[]"
	}
	return text, nil
}

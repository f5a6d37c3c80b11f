// Package store persists missions, tasks, jobs, chain contexts, chain specs
// and rate-limit configuration in SQLite. Mutations are transaction-scoped;
// multi-step operations (spec claim, dispatch transition) run inside a single
// transaction so concurrent claimers serialise.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/jobmesh/jobmesh/internal/protocol"
)

// timeFormat is a fixed-width RFC3339 layout. Timestamps live in TEXT
// columns and SQL compares them lexicographically; RFC3339Nano drops
// trailing fractional zeros, which breaks that ordering (".5Z" sorts
// after ".500001Z"). Reads still parse with RFC3339Nano, which accepts
// any fraction width.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps the kernel database.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the kernel database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS missions (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			status     TEXT NOT NULL DEFAULT 'planned',
			metadata   TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id         TEXT PRIMARY KEY,
			mission_id TEXT NOT NULL,
			kind       TEXT NOT NULL,
			params     TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			FOREIGN KEY(mission_id) REFERENCES missions(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id              TEXT PRIMARY KEY,
			task_id         TEXT NOT NULL,
			kind            TEXT NOT NULL,
			params          TEXT NOT NULL DEFAULT '{}',
			status          TEXT NOT NULL DEFAULT 'pending',
			retry_count     INTEGER NOT NULL DEFAULT 0,
			priority        TEXT NOT NULL DEFAULT 'normal',
			timeout_seconds INTEGER NOT NULL DEFAULT 0,
			depends_on      TEXT NOT NULL DEFAULT '[]',
			idempotency_key TEXT,
			source          TEXT NOT NULL DEFAULT '',
			chain_hint      TEXT,
			result          TEXT,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,
			FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS chain_contexts (
			chain_id          TEXT PRIMARY KEY,
			task_id           TEXT NOT NULL,
			state             TEXT NOT NULL DEFAULT 'running',
			depth             INTEGER NOT NULL DEFAULT 0,
			jobs_total        INTEGER NOT NULL DEFAULT 0,
			deadline          TEXT,
			max_files         INTEGER NOT NULL DEFAULT 0,
			max_total_bytes   INTEGER NOT NULL DEFAULT 0,
			max_bytes_file    INTEGER NOT NULL DEFAULT 0,
			artifacts         TEXT NOT NULL DEFAULT '{}',
			requested_hashes  TEXT NOT NULL DEFAULT '[]',
			last_tool_results TEXT NOT NULL DEFAULT '[]',
			failed_reason     TEXT NOT NULL DEFAULT '',
			final_answer      TEXT NOT NULL DEFAULT '',
			needs_tick        INTEGER NOT NULL DEFAULT 0,
			last_tick_at      TEXT,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chain_specs (
			spec_id           TEXT PRIMARY KEY,
			chain_id          TEXT NOT NULL,
			task_id           TEXT NOT NULL,
			root_job_id       TEXT NOT NULL DEFAULT '',
			parent_job_id     TEXT NOT NULL DEFAULT '',
			kind              TEXT NOT NULL,
			params            TEXT NOT NULL DEFAULT '{}',
			resolved_params   TEXT,
			status            TEXT NOT NULL DEFAULT 'pending',
			dedupe_key        TEXT NOT NULL,
			claim_id          TEXT NOT NULL DEFAULT '',
			claimed_until     TEXT,
			dispatched_job_id TEXT NOT NULL DEFAULT '',
			created_at        TEXT NOT NULL,
			FOREIGN KEY(chain_id) REFERENCES chain_contexts(chain_id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS rate_limits (
			source         TEXT PRIMARY KEY,
			max_per_minute INTEGER NOT NULL,
			max_concurrent INTEGER NOT NULL,
			current_count  INTEGER NOT NULL DEFAULT 0,
			window_start   TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	_, _ = db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_idempotency ON jobs(idempotency_key) WHERE idempotency_key IS NOT NULL AND idempotency_key != ''`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_jobs_source_status ON jobs(source, status)`)
	_, _ = db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_specs_dedupe ON chain_specs(chain_id, dedupe_key)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_specs_chain_status ON chain_specs(chain_id, status, created_at)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_chains_tick ON chain_contexts(needs_tick, state, last_tick_at)`)
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// IsNotFound reports whether err is sql.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// IsConflict reports whether err came from a uniqueness violation
// (idempotency key or dedupe key collision).
func IsConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ── Missions ────────────────────────────────────────────────

// Mission is a user-scoped goal that owns tasks.
type Mission struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// CreateMission inserts a new mission in status planned.
func (s *Store) CreateMission(m Mission) (*Mission, error) {
	if strings.TrimSpace(m.UserID) == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	now := time.Now().UTC()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = protocol.MissionPlanned
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	metadata, _ := json.Marshal(orEmptyMap(m.Metadata))
	_, err := s.db.Exec(`INSERT INTO missions (id, user_id, status, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.Status, string(metadata),
		m.CreatedAt.Format(timeFormat), m.UpdatedAt.Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("insert mission: %w", err)
	}
	out := m
	return &out, nil
}

// GetMission returns one mission by id.
func (s *Store) GetMission(id string) (*Mission, error) {
	row := s.db.QueryRow(`SELECT id, user_id, status, metadata, created_at, updated_at FROM missions WHERE id = ?`, id)
	return scanMission(row)
}

// ListMissions returns all missions, newest first.
func (s *Store) ListMissions() ([]Mission, error) {
	return s.listMissions(`SELECT id, user_id, status, metadata, created_at, updated_at FROM missions ORDER BY created_at DESC`)
}

// ListMissionsByStatus returns missions in the given status.
func (s *Store) ListMissionsByStatus(status string) ([]Mission, error) {
	return s.listMissions(`SELECT id, user_id, status, metadata, created_at, updated_at FROM missions WHERE status = ? ORDER BY created_at ASC`, status)
}

func (s *Store) listMissions(query string, args ...any) ([]Mission, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Mission, 0)
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			continue
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// SetMissionStatus advances a mission's status.
func (s *Store) SetMissionStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE missions SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC().Format(timeFormat), id)
	if err != nil {
		return fmt.Errorf("set mission status: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanMission(sc scanner) (*Mission, error) {
	var (
		m                    Mission
		metadata             string
		createdAt, updatedAt string
	)
	if err := sc.Scan(&m.ID, &m.UserID, &m.Status, &metadata, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if metadata != "" && metadata != "{}" {
		_ = json.Unmarshal([]byte(metadata), &m.Metadata)
	}
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &m, nil
}

// ── Tasks ───────────────────────────────────────────────────

// Task is a typed activity within a mission; immutable after create.
type Task struct {
	ID        string         `json:"id"`
	MissionID string         `json:"mission_id"`
	Kind      string         `json:"kind"`
	Params    map[string]any `json:"params,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// CreateTask inserts a new task.
func (s *Store) CreateTask(t Task) (*Task, error) {
	if strings.TrimSpace(t.MissionID) == "" {
		return nil, fmt.Errorf("mission_id is required")
	}
	if strings.TrimSpace(t.Kind) == "" {
		return nil, fmt.Errorf("kind is required")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	params, _ := json.Marshal(orEmptyMap(t.Params))
	_, err := s.db.Exec(`INSERT INTO tasks (id, mission_id, kind, params, created_at) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.MissionID, t.Kind, string(params), t.CreatedAt.Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	out := t
	return &out, nil
}

// GetTask returns one task by id.
func (s *Store) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT id, mission_id, kind, params, created_at FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// GetOrCreateTask returns the mission's task of the given kind, creating it
// lazily when the kind first appears.
func (s *Store) GetOrCreateTask(missionID, kind string, params map[string]any) (*Task, error) {
	row := s.db.QueryRow(`SELECT id, mission_id, kind, params, created_at FROM tasks
		WHERE mission_id = ? AND kind = ? ORDER BY created_at ASC LIMIT 1`, missionID, kind)
	t, err := scanTask(row)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return s.CreateTask(Task{MissionID: missionID, Kind: kind, Params: params})
}

// ListTasksByMission returns all tasks in a mission.
func (s *Store) ListTasksByMission(missionID string) ([]Task, error) {
	rows, err := s.db.Query(`SELECT id, mission_id, kind, params, created_at FROM tasks WHERE mission_id = ? ORDER BY created_at ASC`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			continue
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanTask(sc scanner) (*Task, error) {
	var (
		t         Task
		params    string
		createdAt string
	)
	if err := sc.Scan(&t.ID, &t.MissionID, &t.Kind, &params, &createdAt); err != nil {
		return nil, err
	}
	if params != "" && params != "{}" {
		_ = json.Unmarshal([]byte(params), &t.Params)
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &t, nil
}

// ── Helpers ─────────────────────────────────────────────────

type scanner interface {
	Scan(dest ...any) error
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nullableTime(ts *time.Time) sql.NullString {
	if ts == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: ts.UTC().Format(timeFormat), Valid: true}
}

func parseNullableTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &ts
}

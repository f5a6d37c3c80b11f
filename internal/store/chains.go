package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jobmesh/jobmesh/internal/protocol"
)

// ChainLimits bounds what a chain may accumulate in its artifacts.
type ChainLimits struct {
	MaxFiles        int   `json:"max_files"`
	MaxTotalBytes   int64 `json:"max_total_bytes"`
	MaxBytesPerFile int64 `json:"max_bytes_per_file"`
}

// Artifact is a bounded data item stored in the chain context.
type Artifact struct {
	Value any            `json:"value"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// ChainContext is the runtime trace of one agent's reasoning trajectory.
type ChainContext struct {
	ChainID         string              `json:"chain_id"`
	TaskID          string              `json:"task_id"`
	State           string              `json:"state"`
	Depth           int                 `json:"depth"`
	JobsTotal       int                 `json:"jobs_total"`
	Deadline        *time.Time          `json:"deadline,omitempty"`
	Limits          ChainLimits         `json:"limits"`
	Artifacts       map[string]Artifact `json:"artifacts,omitempty"`
	RequestedHashes []string            `json:"requested_hashes,omitempty"`
	LastToolResults []any               `json:"last_tool_results,omitempty"`
	FailedReason    string              `json:"failed_reason,omitempty"`
	FinalAnswer     string              `json:"final_answer,omitempty"`
	NeedsTick       bool                `json:"needs_tick"`
	LastTickAt      *time.Time          `json:"last_tick_at,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// Terminal reports whether the chain has reached done or error.
func (c *ChainContext) Terminal() bool {
	return c.State == protocol.ChainDone || c.State == protocol.ChainError
}

// ChainSpec is a pending description of a child job inside a chain.
type ChainSpec struct {
	SpecID          string         `json:"spec_id"`
	ChainID         string         `json:"chain_id"`
	TaskID          string         `json:"task_id"`
	RootJobID       string         `json:"root_job_id,omitempty"`
	ParentJobID     string         `json:"parent_job_id,omitempty"`
	Kind            string         `json:"kind"`
	Params          map[string]any `json:"params,omitempty"`
	ResolvedParams  map[string]any `json:"resolved_params,omitempty"`
	Status          string         `json:"status"`
	DedupeKey       string         `json:"dedupe_key"`
	ClaimID         string         `json:"claim_id,omitempty"`
	ClaimedUntil    *time.Time     `json:"claimed_until,omitempty"`
	DispatchedJobID string         `json:"dispatched_job_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// EnsureChainContext creates the chain context on first reference and
// returns it. Limits and deadline apply only at creation.
func (s *Store) EnsureChainContext(chainID, taskID string, limits ChainLimits, deadline *time.Time) (*ChainContext, error) {
	if strings.TrimSpace(chainID) == "" {
		return nil, fmt.Errorf("chain_id is required")
	}
	now := time.Now().UTC().Format(timeFormat)
	_, err := s.db.Exec(`INSERT INTO chain_contexts (chain_id, task_id, state, deadline, max_files, max_total_bytes, max_bytes_file, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chain_id) DO NOTHING`,
		chainID, taskID, protocol.ChainRunning, nullableTime(deadline),
		limits.MaxFiles, limits.MaxTotalBytes, limits.MaxBytesPerFile, now, now)
	if err != nil {
		return nil, fmt.Errorf("ensure chain context: %w", err)
	}
	return s.GetChainContext(chainID)
}

// GetChainContext returns one chain context by id.
func (s *Store) GetChainContext(chainID string) (*ChainContext, error) {
	row := s.db.QueryRow(chainSelect+` WHERE chain_id = ?`, chainID)
	return scanChain(row)
}

// SetChainArtifact stores an artifact value and its meta on the chain.
func (s *Store) SetChainArtifact(chainID, key string, value any, meta map[string]any) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var artifacts string
	if err := tx.QueryRow(`SELECT artifacts FROM chain_contexts WHERE chain_id = ?`, chainID).Scan(&artifacts); err != nil {
		return err
	}
	m := map[string]Artifact{}
	if artifacts != "" && artifacts != "{}" {
		_ = json.Unmarshal([]byte(artifacts), &m)
	}
	m[key] = Artifact{Value: value, Meta: meta}
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal artifacts: %w", err)
	}

	if _, err := tx.Exec(`UPDATE chain_contexts SET artifacts = ?, updated_at = ? WHERE chain_id = ?`,
		string(b), time.Now().UTC().Format(timeFormat), chainID); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendChainToolResult appends one (possibly compacted) child result to the
// chain's last_tool_results.
func (s *Store) AppendChainToolResult(chainID string, entry any) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	if err := tx.QueryRow(`SELECT last_tool_results FROM chain_contexts WHERE chain_id = ?`, chainID).Scan(&raw); err != nil {
		return err
	}
	var results []any
	if raw != "" && raw != "[]" {
		_ = json.Unmarshal([]byte(raw), &results)
	}
	results = append(results, entry)
	b, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal tool results: %w", err)
	}

	if _, err := tx.Exec(`UPDATE chain_contexts SET last_tool_results = ?, updated_at = ? WHERE chain_id = ?`,
		string(b), time.Now().UTC().Format(timeFormat), chainID); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordChainBatch bumps the chain's guard counters and remembers the
// dedupe hashes of an accepted follow-up batch.
func (s *Store) RecordChainBatch(chainID string, newHashes []string, jobsAdded int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	var depth, jobsTotal int
	if err := tx.QueryRow(`SELECT requested_hashes, depth, jobs_total FROM chain_contexts WHERE chain_id = ?`, chainID).
		Scan(&raw, &depth, &jobsTotal); err != nil {
		return err
	}
	var hashes []string
	if raw != "" && raw != "[]" {
		_ = json.Unmarshal([]byte(raw), &hashes)
	}
	hashes = append(hashes, newHashes...)
	b, _ := json.Marshal(hashes)

	if _, err := tx.Exec(`UPDATE chain_contexts SET requested_hashes = ?, depth = ?, jobs_total = ?, needs_tick = 1, updated_at = ? WHERE chain_id = ?`,
		string(b), depth+1, jobsTotal+jobsAdded, time.Now().UTC().Format(timeFormat), chainID); err != nil {
		return err
	}
	return tx.Commit()
}

// CloseChain marks a chain terminal. Answer is recorded for done, reason
// for error. Closing an already-terminal chain is a no-op.
func (s *Store) CloseChain(chainID, state, answerOrReason string) error {
	var res sql.Result
	var err error
	now := time.Now().UTC().Format(timeFormat)
	switch state {
	case protocol.ChainDone:
		res, err = s.db.Exec(`UPDATE chain_contexts SET state = ?, final_answer = ?, needs_tick = 0, updated_at = ? WHERE chain_id = ? AND state = ?`,
			state, answerOrReason, now, chainID, protocol.ChainRunning)
	case protocol.ChainError:
		res, err = s.db.Exec(`UPDATE chain_contexts SET state = ?, failed_reason = ?, needs_tick = 0, updated_at = ? WHERE chain_id = ? AND state = ?`,
			state, answerOrReason, now, chainID, protocol.ChainRunning)
	default:
		return fmt.Errorf("invalid terminal state: %s", state)
	}
	if err != nil {
		return fmt.Errorf("close chain: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetChainFailedReason records a guard violation without closing the chain.
func (s *Store) SetChainFailedReason(chainID, reason string) error {
	_, err := s.db.Exec(`UPDATE chain_contexts SET failed_reason = ?, updated_at = ? WHERE chain_id = ?`,
		reason, time.Now().UTC().Format(timeFormat), chainID)
	return err
}

// ListChainsNeedingTick returns up to limit running chains with the tick
// flag set, least-recently ticked first (never-ticked chains first).
func (s *Store) ListChainsNeedingTick(limit int) ([]ChainContext, error) {
	if limit <= 0 {
		limit = 8
	}
	rows, err := s.db.Query(chainSelect+` WHERE needs_tick = 1 AND state = ?
		ORDER BY last_tick_at IS NOT NULL, last_tick_at ASC LIMIT ?`, protocol.ChainRunning, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ChainContext, 0, limit)
	for rows.Next() {
		c, err := scanChain(rows)
		if err != nil {
			continue
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ListRunningChains returns all running chains (for the janitor sweep).
func (s *Store) ListRunningChains() ([]ChainContext, error) {
	rows, err := s.db.Query(chainSelect+` WHERE state = ?`, protocol.ChainRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ChainContext, 0)
	for rows.Next() {
		c, err := scanChain(rows)
		if err != nil {
			continue
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// UpdateChainTickTime stamps the fairness cursor for round-robin selection.
func (s *Store) UpdateChainTickTime(chainID string) error {
	_, err := s.db.Exec(`UPDATE chain_contexts SET last_tick_at = ? WHERE chain_id = ?`,
		time.Now().UTC().Format(timeFormat), chainID)
	return err
}

// SetChainNeedsTick flips the chain's tick flag.
func (s *Store) SetChainNeedsTick(chainID string, needs bool) error {
	v := 0
	if needs {
		v = 1
	}
	_, err := s.db.Exec(`UPDATE chain_contexts SET needs_tick = ? WHERE chain_id = ?`, v, chainID)
	return err
}

// ── Chain specs ─────────────────────────────────────────────

// AppendChainSpecs inserts a batch of pending specs in one transaction.
// A dedupe-key collision anywhere in the batch aborts the whole insert.
func (s *Store) AppendChainSpecs(chainID, taskID, rootJobID, parentJobID string, specs []ChainSpec) ([]ChainSpec, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	out := make([]ChainSpec, 0, len(specs))
	for i := range specs {
		sp := specs[i]
		if sp.SpecID == "" {
			sp.SpecID = uuid.NewString()
		}
		sp.ChainID = chainID
		sp.TaskID = taskID
		sp.RootJobID = rootJobID
		sp.ParentJobID = parentJobID
		if sp.Status == "" {
			sp.Status = protocol.SpecPending
		}
		if sp.CreatedAt.IsZero() {
			// spread creation times so FIFO order within the batch is stable
			sp.CreatedAt = now.Add(time.Duration(i) * time.Microsecond)
		}
		params, _ := json.Marshal(orEmptyMap(sp.Params))

		if _, err := tx.Exec(`INSERT INTO chain_specs (spec_id, chain_id, task_id, root_job_id, parent_job_id, kind, params, status, dedupe_key, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sp.SpecID, sp.ChainID, sp.TaskID, sp.RootJobID, sp.ParentJobID, sp.Kind,
			string(params), sp.Status, sp.DedupeKey, sp.CreatedAt.Format(timeFormat)); err != nil {
			return nil, fmt.Errorf("insert spec: %w", err)
		}
		out = append(out, sp)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// ClaimNextPendingSpec atomically claims the oldest pending spec whose
// lease is absent or expired. Returns nil when nothing is claimable (or a
// concurrent claimer won the race).
func (s *Store) ClaimNextPendingSpec(chainID string, lease time.Duration) (*ChainSpec, error) {
	claimID := uuid.NewString()
	now := time.Now().UTC()
	until := now.Add(lease)

	res, err := s.db.Exec(`UPDATE chain_specs SET claim_id = ?, claimed_until = ?
		WHERE spec_id = (
			SELECT spec_id FROM chain_specs
			WHERE chain_id = ? AND status = ? AND (claimed_until IS NULL OR claimed_until < ?)
			ORDER BY created_at ASC, spec_id ASC LIMIT 1
		) AND status = ? AND (claimed_until IS NULL OR claimed_until < ?)`,
		claimID, until.Format(timeFormat),
		chainID, protocol.SpecPending, now.Format(timeFormat),
		protocol.SpecPending, now.Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("claim spec: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return nil, nil
	}

	row := s.db.QueryRow(specSelect+` WHERE claim_id = ?`, claimID)
	return scanSpec(row)
}

// MarkChainSpecDispatched transitions a claimed spec to dispatched,
// guarded by claim-id match. Returns false on a lost race.
func (s *Store) MarkChainSpecDispatched(chainID, specID, jobID, claimID string, resolved map[string]any) (bool, error) {
	var resolvedJSON sql.NullString
	if resolved != nil {
		b, _ := json.Marshal(resolved)
		resolvedJSON = sql.NullString{String: string(b), Valid: true}
	}
	res, err := s.db.Exec(`UPDATE chain_specs SET status = ?, dispatched_job_id = ?, resolved_params = ?
		WHERE chain_id = ? AND spec_id = ? AND claim_id = ? AND status = ?`,
		protocol.SpecDispatched, jobID, resolvedJSON, chainID, specID, claimID, protocol.SpecPending)
	if err != nil {
		return false, fmt.Errorf("mark spec dispatched: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// MarkChainSpecTerminal records the materialised job's terminal state on
// the spec.
func (s *Store) MarkChainSpecTerminal(chainID, specID, status string) error {
	_, err := s.db.Exec(`UPDATE chain_specs SET status = ? WHERE chain_id = ? AND spec_id = ?`,
		status, chainID, specID)
	return err
}

// CountPendingSpecs counts claimable work left in a chain.
func (s *Store) CountPendingSpecs(chainID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM chain_specs WHERE chain_id = ? AND status = ?`,
		chainID, protocol.SpecPending).Scan(&n)
	return n, err
}

// ListSpecsByChain returns all specs for a chain, oldest first.
func (s *Store) ListSpecsByChain(chainID string) ([]ChainSpec, error) {
	rows, err := s.db.Query(specSelect+` WHERE chain_id = ? ORDER BY created_at ASC, spec_id ASC`, chainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ChainSpec, 0)
	for rows.Next() {
		sp, err := scanSpec(rows)
		if err != nil {
			continue
		}
		out = append(out, *sp)
	}
	return out, rows.Err()
}

const chainSelect = `SELECT chain_id, task_id, state, depth, jobs_total, deadline, max_files, max_total_bytes, max_bytes_file, artifacts, requested_hashes, last_tool_results, failed_reason, final_answer, needs_tick, last_tick_at, created_at, updated_at FROM chain_contexts`

func scanChain(sc scanner) (*ChainContext, error) {
	var (
		c                           ChainContext
		deadline, lastTickAt        sql.NullString
		artifacts, hashes, toolRes  string
		needsTick                   int
		createdAt, updatedAt        string
	)
	if err := sc.Scan(&c.ChainID, &c.TaskID, &c.State, &c.Depth, &c.JobsTotal, &deadline,
		&c.Limits.MaxFiles, &c.Limits.MaxTotalBytes, &c.Limits.MaxBytesPerFile,
		&artifacts, &hashes, &toolRes, &c.FailedReason, &c.FinalAnswer,
		&needsTick, &lastTickAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	c.Deadline = parseNullableTime(deadline)
	c.LastTickAt = parseNullableTime(lastTickAt)
	c.NeedsTick = needsTick == 1
	if artifacts != "" && artifacts != "{}" {
		_ = json.Unmarshal([]byte(artifacts), &c.Artifacts)
	}
	if hashes != "" && hashes != "[]" {
		_ = json.Unmarshal([]byte(hashes), &c.RequestedHashes)
	}
	if toolRes != "" && toolRes != "[]" {
		_ = json.Unmarshal([]byte(toolRes), &c.LastToolResults)
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &c, nil
}

const specSelect = `SELECT spec_id, chain_id, task_id, root_job_id, parent_job_id, kind, params, resolved_params, status, dedupe_key, claim_id, claimed_until, dispatched_job_id, created_at FROM chain_specs`

func scanSpec(sc scanner) (*ChainSpec, error) {
	var (
		sp                     ChainSpec
		params                 string
		resolved, claimedUntil sql.NullString
		createdAt              string
	)
	if err := sc.Scan(&sp.SpecID, &sp.ChainID, &sp.TaskID, &sp.RootJobID, &sp.ParentJobID,
		&sp.Kind, &params, &resolved, &sp.Status, &sp.DedupeKey, &sp.ClaimID,
		&claimedUntil, &sp.DispatchedJobID, &createdAt); err != nil {
		return nil, err
	}
	if params != "" && params != "{}" {
		_ = json.Unmarshal([]byte(params), &sp.Params)
	}
	if resolved.Valid && resolved.String != "" {
		_ = json.Unmarshal([]byte(resolved.String), &sp.ResolvedParams)
	}
	sp.ClaimedUntil = parseNullableTime(claimedUntil)
	sp.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &sp, nil
}

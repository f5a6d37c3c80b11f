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

// Job is a single unit of worker-executable work.
type Job struct {
	ID             string               `json:"id"`
	TaskID         string               `json:"task_id"`
	Kind           string               `json:"kind"`
	Params         map[string]any       `json:"params,omitempty"`
	Status         string               `json:"status"`
	RetryCount     int                  `json:"retry_count"`
	Priority       protocol.Priority    `json:"priority"`
	TimeoutSeconds int                  `json:"timeout_seconds,omitempty"`
	DependsOn      []string             `json:"depends_on,omitempty"`
	IdempotencyKey string               `json:"idempotency_key,omitempty"`
	Source         string               `json:"source,omitempty"`
	ChainHint      *protocol.ChainHint  `json:"chain_hint,omitempty"`
	Result         *protocol.JobResult  `json:"result,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// Payload returns the transport-facing view of the job.
func (j Job) Payload() protocol.UnifiedJob {
	return protocol.UnifiedJob{
		JobID:          j.ID,
		Kind:           j.Kind,
		Params:         j.Params,
		Source:         j.Source,
		Priority:       j.Priority,
		TimeoutSeconds: j.TimeoutSeconds,
		ChainHint:      j.ChainHint,
	}
}

// CreateJob inserts a new job. A colliding idempotency key returns a
// conflict error and writes nothing.
func (s *Store) CreateJob(j Job) (*Job, error) {
	if strings.TrimSpace(j.TaskID) == "" {
		return nil, fmt.Errorf("task_id is required")
	}
	if strings.TrimSpace(j.Kind) == "" {
		return nil, fmt.Errorf("kind is required")
	}
	now := time.Now().UTC()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = protocol.JobPending
	}
	if j.Priority == "" {
		j.Priority = protocol.PriorityNormal
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now

	params, _ := json.Marshal(orEmptyMap(j.Params))
	dependsOn, _ := json.Marshal(orEmptySlice(j.DependsOn))
	var chainHint sql.NullString
	if j.ChainHint != nil {
		b, _ := json.Marshal(j.ChainHint)
		chainHint = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.Exec(`INSERT INTO jobs (id, task_id, kind, params, status, retry_count, priority, timeout_seconds, depends_on, idempotency_key, source, chain_hint, result, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		j.ID, j.TaskID, j.Kind, string(params), j.Status, j.RetryCount, string(j.Priority),
		j.TimeoutSeconds, string(dependsOn), nullableString(j.IdempotencyKey), j.Source, chainHint,
		j.CreatedAt.Format(timeFormat), j.UpdatedAt.Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	out := j
	return &out, nil
}

// GetJob returns one job by id.
func (s *Store) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(jobSelect+` WHERE id = ?`, id)
	return scanJob(row)
}

// ListJobs returns all jobs ordered by creation time.
func (s *Store) ListJobs() ([]Job, error) {
	return s.listJobs(jobSelect + ` ORDER BY created_at ASC, id ASC`)
}

// ListJobsByStatus returns jobs in the given status, oldest first.
func (s *Store) ListJobsByStatus(status string) ([]Job, error) {
	return s.listJobs(jobSelect+` WHERE status = ? ORDER BY created_at ASC, id ASC`, status)
}

// ListJobsByTask returns all jobs under a task.
func (s *Store) ListJobsByTask(taskID string) ([]Job, error) {
	return s.listJobs(jobSelect+` WHERE task_id = ? ORDER BY created_at ASC, id ASC`, taskID)
}

func (s *Store) listJobs(query string, args ...any) ([]Job, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			continue
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// UpdateJob rewrites a job's mutable fields (last-writer-wins on updated_at).
func (s *Store) UpdateJob(j Job) (*Job, error) {
	if strings.TrimSpace(j.ID) == "" {
		return nil, fmt.Errorf("job id required")
	}
	now := time.Now().UTC()

	var result sql.NullString
	if j.Result != nil {
		b, _ := json.Marshal(j.Result)
		result = sql.NullString{String: string(b), Valid: true}
	}

	res, err := s.db.Exec(`UPDATE jobs SET status = ?, retry_count = ?, result = ?, updated_at = ? WHERE id = ?`,
		j.Status, j.RetryCount, result, now.Format(timeFormat), j.ID)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return nil, sql.ErrNoRows
	}
	return s.GetJob(j.ID)
}

// MarkJobWorking transitions a pending job to working, guarded so a job
// already picked up by a concurrent tick is not dispatched twice.
func (s *Store) MarkJobWorking(id string) (bool, error) {
	res, err := s.db.Exec(`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		protocol.JobWorking, time.Now().UTC().Format(timeFormat), id, protocol.JobPending)
	if err != nil {
		return false, fmt.Errorf("mark working: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// RevertJobPending returns a working job to the dispatch queue after a
// retryable failure, recording the bumped retry count.
func (s *Store) RevertJobPending(id string, retryCount int) error {
	_, err := s.db.Exec(`UPDATE jobs SET status = ?, retry_count = ?, updated_at = ? WHERE id = ?`,
		protocol.JobPending, retryCount, time.Now().UTC().Format(timeFormat), id)
	return err
}

// FinalizeJob records a terminal status and the final result.
func (s *Store) FinalizeJob(id, status string, result *protocol.JobResult) error {
	var res sql.NullString
	if result != nil {
		b, _ := json.Marshal(result)
		res = sql.NullString{String: string(b), Valid: true}
	}
	r, err := s.db.Exec(`UPDATE jobs SET status = ?, result = ?, updated_at = ? WHERE id = ?`,
		status, res, time.Now().UTC().Format(timeFormat), id)
	if err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}
	rows, _ := r.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// FindJobByIdempotencyKey returns the job carrying the key regardless of
// status, or not-found.
func (s *Store) FindJobByIdempotencyKey(key string) (*Job, error) {
	if strings.TrimSpace(key) == "" {
		return nil, sql.ErrNoRows
	}
	row := s.db.QueryRow(jobSelect+` WHERE idempotency_key = ?`, key)
	return scanJob(row)
}

// CountRunningJobsBySource counts jobs currently in working for a source.
func (s *Store) CountRunningJobsBySource(source string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE source = ? AND status = ?`, source, protocol.JobWorking).Scan(&n)
	return n, err
}

// ListStuckJobs returns working jobs untouched for longer than age.
func (s *Store) ListStuckJobs(age time.Duration) ([]Job, error) {
	cutoff := time.Now().UTC().Add(-age).Format(timeFormat)
	return s.listJobs(jobSelect+` WHERE status = ? AND updated_at < ?`, protocol.JobWorking, cutoff)
}

const jobSelect = `SELECT id, task_id, kind, params, status, retry_count, priority, timeout_seconds, depends_on, idempotency_key, source, chain_hint, result, created_at, updated_at FROM jobs`

func scanJob(sc scanner) (*Job, error) {
	var (
		j                    Job
		params, dependsOn    string
		priority             string
		idemKey, chainHint   sql.NullString
		result               sql.NullString
		createdAt, updatedAt string
	)
	if err := sc.Scan(&j.ID, &j.TaskID, &j.Kind, &params, &j.Status, &j.RetryCount, &priority,
		&j.TimeoutSeconds, &dependsOn, &idemKey, &j.Source, &chainHint, &result, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	j.Priority = protocol.Priority(priority)
	if params != "" && params != "{}" {
		_ = json.Unmarshal([]byte(params), &j.Params)
	}
	if dependsOn != "" && dependsOn != "[]" {
		_ = json.Unmarshal([]byte(dependsOn), &j.DependsOn)
	}
	if idemKey.Valid {
		j.IdempotencyKey = idemKey.String
	}
	if chainHint.Valid && chainHint.String != "" {
		var hint protocol.ChainHint
		if err := json.Unmarshal([]byte(chainHint.String), &hint); err == nil {
			j.ChainHint = &hint
		}
	}
	if result.Valid && result.String != "" {
		var r protocol.JobResult
		if err := json.Unmarshal([]byte(result.String), &r); err == nil {
			j.Result = &r
		}
	}
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &j, nil
}

func nullableString(v string) sql.NullString {
	if strings.TrimSpace(v) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func orEmptySlice(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

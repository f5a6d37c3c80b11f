package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/jobmesh/jobmesh/internal/events"
	"github.com/jobmesh/jobmesh/internal/metrics"
	"github.com/jobmesh/jobmesh/internal/protocol"
	"github.com/jobmesh/jobmesh/internal/store"
)

// Guard violation reasons.
const (
	ReasonRepeatDetected = "repeat_detected"
	ReasonDepthExceeded  = "depth_exceeded"
	ReasonJobsExceeded   = "jobs_budget_exceeded"
	ReasonTimeout        = "timeout"
)

// ErrChainClosed is returned when follow-ups arrive for a terminal chain.
var ErrChainClosed = errors.New("chain is closed")

// GuardError reports a rejected follow-up batch. The chain stays running; a
// self-correction step carrying the reason has been queued.
type GuardError struct {
	ChainID string
	Reason  string
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("chain %s rejected follow-ups: %s", e.ChainID, e.Reason)
}

// RegisterFollowups validates and persists a batch of follow-up specs from
// an LLM step. Violations abort the whole batch, record failed_reason, and
// queue an informed LLM step so the agent can self-correct.
func (r *Runner) RegisterFollowups(chainID, taskID, rootJobID, parentJobID string, followups []protocol.FollowupSpec) error {
	if len(followups) == 0 {
		return nil
	}
	c, err := r.store.GetChainContext(chainID)
	if err != nil {
		return fmt.Errorf("chain %s: %w", chainID, err)
	}
	if c.Terminal() {
		return ErrChainClosed
	}
	if c.Deadline != nil && time.Now().UTC().After(*c.Deadline) {
		r.closeChain(chainID, protocol.ChainError, ReasonTimeout)
		metrics.RecordGuardViolation(ReasonTimeout)
		return &GuardError{ChainID: chainID, Reason: ReasonTimeout}
	}

	if c.Depth+1 > r.cfg.MaxDepth {
		return r.reject(c, taskID, ReasonDepthExceeded)
	}
	if c.JobsTotal+len(followups) > r.cfg.MaxJobsTotal {
		return r.reject(c, taskID, ReasonJobsExceeded)
	}

	requested := make(map[string]bool, len(c.RequestedHashes))
	for _, h := range c.RequestedHashes {
		requested[h] = true
	}
	hashes := make([]string, 0, len(followups))
	specs := make([]store.ChainSpec, 0, len(followups))
	for _, f := range followups {
		h := requestHash(f.Kind, f.Params)
		if requested[h] {
			return r.reject(c, taskID, ReasonRepeatDetected)
		}
		requested[h] = true
		hashes = append(hashes, h)
		specs = append(specs, store.ChainSpec{
			Kind:      f.Kind,
			Params:    f.Params,
			DedupeKey: dedupeKey(parentJobID, f.Kind, f.Params),
		})
	}

	if _, err := r.store.AppendChainSpecs(chainID, taskID, rootJobID, parentJobID, specs); err != nil {
		if store.IsConflict(err) {
			return r.reject(c, taskID, ReasonRepeatDetected)
		}
		return fmt.Errorf("append specs: %w", err)
	}
	if err := r.store.RecordChainBatch(chainID, hashes, len(specs)); err != nil {
		return fmt.Errorf("record batch: %w", err)
	}

	r.logger.Info("follow-ups registered",
		zap.String("chain_id", chainID),
		zap.String("parent_job", parentJobID),
		zap.Int("specs", len(specs)),
	)
	return nil
}

func (r *Runner) reject(c *store.ChainContext, taskID, reason string) error {
	if err := r.store.SetChainFailedReason(c.ChainID, reason); err != nil {
		r.logger.Error("record guard violation", zap.String("chain_id", c.ChainID), zap.Error(err))
	}
	metrics.RecordGuardViolation(reason)
	r.queueSelfCorrection(c, taskID, reason)
	return &GuardError{ChainID: c.ChainID, Reason: reason}
}

// queueSelfCorrection creates a fresh LLM step with the violation in its
// context. Keyed per depth so repeated violations at one depth queue only
// one corrective step.
func (r *Runner) queueSelfCorrection(c *store.ChainContext, taskID, reason string) {
	job := store.Job{
		TaskID: taskID,
		Kind:   protocol.KindAgentPlan,
		Params: map[string]any{
			"chain_id":  c.ChainID,
			"violation": reason,
		},
		IdempotencyKey: fmt.Sprintf("chain:%s:correct:%d", c.ChainID, c.Depth),
		ChainHint: &protocol.ChainHint{
			ChainID: c.ChainID,
			Role:    "self_correction",
		},
	}
	created, err := r.store.CreateJob(job)
	if err != nil {
		if store.IsConflict(err) {
			return
		}
		r.logger.Error("queue self-correction", zap.String("chain_id", c.ChainID), zap.Error(err))
		return
	}
	r.logger.Info("self-correction step queued",
		zap.String("chain_id", c.ChainID),
		zap.String("job_id", created.ID),
		zap.String("violation", reason),
	)
}

// HandleJobResult applies a finished chain job to its chain: marks the spec
// terminal, updates artifacts and tool results, and for LLM steps either
// registers follow-ups or closes the chain with the final answer. Late
// events for a terminal chain are ignored.
func (r *Runner) HandleJobResult(job store.Job, res protocol.JobResult, status string) error {
	hint := job.ChainHint
	if hint == nil {
		return nil
	}
	c, err := r.store.GetChainContext(hint.ChainID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return err
	}
	if c.Terminal() {
		return nil
	}

	if status == protocol.JobCompleted && hint.SpecID != "" {
		if err := r.store.MarkChainSpecTerminal(c.ChainID, hint.SpecID, protocol.SpecDone); err != nil {
			r.logger.Error("mark spec done", zap.String("spec_id", hint.SpecID), zap.Error(err))
		}
	}
	// a failed job leaves its spec dispatched; the next queued LLM step
	// owns chain progression
	if status != protocol.JobCompleted {
		return nil
	}

	switch job.Kind {
	case "walk_tree":
		if res.Ok {
			r.storeListArtifact(c, "file_list", res.Data["paths"])
		}
	case "read_file_batch":
		if res.Ok {
			r.storeBlobArtifact(c, "file_blobs", res.Data["contents"])
		}
	}

	r.appendToolResult(c, job, res)

	if job.Kind == protocol.KindAgentPlan {
		return r.handlePlanResult(c, job, res)
	}
	return nil
}

// handlePlanResult interprets an LLM step's result: a final answer closes
// the chain, follow-up specs continue it.
func (r *Runner) handlePlanResult(c *store.ChainContext, job store.Job, res protocol.JobResult) error {
	if answer, ok := res.Data["final_answer"].(string); ok && answer != "" {
		r.closeChain(c.ChainID, protocol.ChainDone, answer)
		return nil
	}

	raw, ok := res.Data["followups"].([]any)
	if !ok || len(raw) == 0 {
		return nil
	}
	followups := make([]protocol.FollowupSpec, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		kind, _ := m["kind"].(string)
		if kind == "" {
			continue
		}
		params, _ := m["params"].(map[string]any)
		followups = append(followups, protocol.FollowupSpec{Kind: kind, Params: params})
	}

	rootJobID := job.ID
	if job.ChainHint != nil && job.ChainHint.SpecID != "" {
		// a mid-chain LLM step keeps the original root
		specs, err := r.store.ListSpecsByChain(c.ChainID)
		if err == nil {
			for _, sp := range specs {
				if sp.SpecID == job.ChainHint.SpecID && sp.RootJobID != "" {
					rootJobID = sp.RootJobID
					break
				}
			}
		}
	}
	err := r.RegisterFollowups(c.ChainID, job.TaskID, rootJobID, job.ID, followups)
	var guardErr *GuardError
	if errors.As(err, &guardErr) {
		// the violation is recorded and a corrective step is queued
		return nil
	}
	return err
}

// storeListArtifact writes a path-list artifact, trimming to the chain's
// max_files limit.
func (r *Runner) storeListArtifact(c *store.ChainContext, key string, raw any) {
	list, ok := asList(raw)
	if !ok {
		return
	}
	meta := map[string]any{}
	if c.Limits.MaxFiles > 0 && len(list) > c.Limits.MaxFiles {
		list = list[:c.Limits.MaxFiles]
		meta["truncated"] = true
	}
	if err := r.store.SetChainArtifact(c.ChainID, key, list, meta); err != nil {
		r.logger.Error("store artifact", zap.String("chain_id", c.ChainID), zap.String("key", key), zap.Error(err))
	}
}

// storeBlobArtifact writes a path→content artifact, truncating each file to
// max_bytes_per_file and refusing files once max_total_bytes is reached.
func (r *Runner) storeBlobArtifact(c *store.ChainContext, key string, raw any) {
	contents, ok := raw.(map[string]any)
	if !ok {
		return
	}
	// map iteration order is random; truncation must drop the same files
	// on every run
	paths := make([]string, 0, len(contents))
	for path := range contents {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	meta := map[string]any{}
	out := make(map[string]any, len(contents))
	var total int64
	accepted := 0
	for _, path := range paths {
		body, ok := contents[path].(string)
		if !ok {
			continue
		}
		if c.Limits.MaxBytesPerFile > 0 && int64(len(body)) > c.Limits.MaxBytesPerFile {
			body = body[:c.Limits.MaxBytesPerFile]
			meta["truncated"] = true
		}
		if c.Limits.MaxTotalBytes > 0 && total+int64(len(body)) > c.Limits.MaxTotalBytes {
			meta["truncated"] = true
			continue
		}
		if c.Limits.MaxFiles > 0 && accepted >= c.Limits.MaxFiles {
			meta["truncated"] = true
			continue
		}
		out[path] = body
		total += int64(len(body))
		accepted++
	}
	if err := r.store.SetChainArtifact(c.ChainID, key, out, meta); err != nil {
		r.logger.Error("store artifact", zap.String("chain_id", c.ChainID), zap.String("key", key), zap.Error(err))
	}
}

// appendToolResult aggregates a child result into last_tool_results,
// compacting oversized serialisations to a prefix.
func (r *Runner) appendToolResult(c *store.ChainContext, job store.Job, res protocol.JobResult) {
	entry := map[string]any{
		"job_id": job.ID,
		"kind":   job.Kind,
		"ok":     res.Ok,
		"data":   res.Data,
	}
	if res.Error != "" {
		entry["error"] = res.Error
	}
	serialised, err := json.Marshal(entry)
	if err == nil && len(serialised) > r.cfg.ChildResultCap {
		entry = map[string]any{
			"job_id":     job.ID,
			"kind":       job.Kind,
			"ok":         res.Ok,
			"_truncated": true,
			"length":     len(serialised),
			"preview":    string(serialised[:r.cfg.ChildResultCap]),
		}
	}
	if err := r.store.AppendChainToolResult(c.ChainID, entry); err != nil {
		r.logger.Error("append tool result", zap.String("chain_id", c.ChainID), zap.Error(err))
	}
}

// dedupeKey hashes the canonical form of (parent, kind, params); map keys
// serialise sorted, so equivalent params collapse to one key. Used for the
// per-chain spec uniqueness constraint.
func dedupeKey(parentJobID, kind string, params map[string]any) string {
	payload := map[string]any{
		"parent_job_id": parentJobID,
		"kind":          kind,
		"params":        params,
	}
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// requestHash hashes (kind, params) without the parent. requested_hashes
// tracks these chain-wide, so a later LLM step cannot re-request a tool
// call an earlier step already made.
func requestHash(kind string, params map[string]any) string {
	payload := map[string]any{
		"kind":   kind,
		"params": params,
	}
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// EnsureChain creates the chain context on first reference and announces it.
func (r *Runner) EnsureChain(chainID, taskID string, limits store.ChainLimits, deadline *time.Time) (*store.ChainContext, error) {
	c, err := r.store.GetChainContext(chainID)
	if err == nil {
		return c, nil
	}
	if !store.IsNotFound(err) {
		return nil, err
	}
	c, err = r.store.EnsureChainContext(chainID, taskID, limits, deadline)
	if err != nil {
		return nil, err
	}
	r.publish(events.Event{Type: events.ChainStarted, ChainID: chainID,
		Summary: fmt.Sprintf("chain %s started for task %s", chainID, taskID)})
	return c, nil
}

package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jobmesh/jobmesh/internal/chain"
	"github.com/jobmesh/jobmesh/internal/ledger"
	"github.com/jobmesh/jobmesh/internal/metrics"
	"github.com/jobmesh/jobmesh/internal/protocol"
	"github.com/jobmesh/jobmesh/internal/store"
)

// ── Missions ────────────────────────────────────────────────

type createMissionRequest struct {
	UserID   string         `json:"user_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleCreateMission(w http.ResponseWriter, r *http.Request) {
	var req createMissionRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}
	mission, err := s.store.CreateMission(store.Mission{UserID: req.UserID, Metadata: req.Metadata})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, mission)
}

func (s *Server) handleListMissions(w http.ResponseWriter, r *http.Request) {
	var (
		missions []store.Mission
		err      error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		missions, err = s.store.ListMissionsByStatus(status)
	} else {
		missions, err = s.store.ListMissions()
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"missions": missions})
}

func (s *Server) handleGetMission(w http.ResponseWriter, r *http.Request) {
	mission, err := s.store.GetMission(r.PathValue("id"))
	if err != nil {
		if store.IsNotFound(err) {
			writeJSONError(w, http.StatusNotFound, "not_found", "mission not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, mission)
}

func (s *Server) handleListMissionTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasksByMission(r.PathValue("id"))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// ── Tasks ───────────────────────────────────────────────────

type createTaskRequest struct {
	MissionID string         `json:"mission_id"`
	Kind      string         `json:"kind"`
	Params    map[string]any `json:"params,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.MissionID == "" || req.Kind == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "mission_id and kind are required")
		return
	}
	task, err := s.store.CreateTask(store.Task{MissionID: req.MissionID, Kind: req.Kind, Params: req.Params})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.PathValue("id"))
	if err != nil {
		if store.IsNotFound(err) {
			writeJSONError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListTaskJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobsByTask(r.PathValue("id"))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// ── Jobs ────────────────────────────────────────────────────

type submitJobRequest struct {
	TaskID         string            `json:"task_id"`
	Kind           string            `json:"kind"`
	Params         map[string]any    `json:"params,omitempty"`
	Priority       protocol.Priority `json:"priority,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	DependsOn      []string          `json:"depends_on,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Source         string            `json:"source,omitempty"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.TaskID == "" || req.Kind == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "task_id and kind are required")
		return
	}
	job, err := s.dispatcher.Submit(store.Job{
		TaskID:         req.TaskID,
		Kind:           req.Kind,
		Params:         req.Params,
		Priority:       req.Priority,
		TimeoutSeconds: req.TimeoutSeconds,
		DependsOn:      req.DependsOn,
		IdempotencyKey: req.IdempotencyKey,
		Source:         req.Source,
	})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	// Submit returns the earlier job when the idempotency key collides.
	status := http.StatusCreated
	if req.IdempotencyKey != "" && time.Since(job.CreatedAt) > time.Second {
		status = http.StatusOK
	}
	writeJSON(w, status, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var (
		jobs []store.Job
		err  error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		jobs, err = s.store.ListJobsByStatus(status)
	} else {
		jobs, err = s.store.ListJobs()
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.PathValue("id"))
	if err != nil {
		if store.IsNotFound(err) {
			writeJSONError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ── Chains ──────────────────────────────────────────────────

type createChainRequest struct {
	ChainID        string            `json:"chain_id,omitempty"`
	TaskID         string            `json:"task_id"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Limits         store.ChainLimits `json:"limits"`
}

func (s *Server) handleCreateChain(w http.ResponseWriter, r *http.Request) {
	var req createChainRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.TaskID == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "task_id is required")
		return
	}
	chainID := req.ChainID
	if chainID == "" {
		chainID = uuid.NewString()
	}
	// an omitted timeout still gets the configured lifetime bound
	timeout := req.TimeoutSeconds
	if timeout <= 0 {
		timeout = s.cfg.Chain.TimeoutSeconds
	}
	var deadline *time.Time
	if timeout > 0 {
		d := time.Now().UTC().Add(time.Duration(timeout) * time.Second)
		deadline = &d
	}
	c, err := s.runner.EnsureChain(chainID, req.TaskID, req.Limits, deadline)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetChain(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetChainContext(r.PathValue("id"))
	if err != nil {
		if store.IsNotFound(err) {
			writeJSONError(w, http.StatusNotFound, "not_found", "chain not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleListChainSpecs(w http.ResponseWriter, r *http.Request) {
	specs, err := s.store.ListSpecsByChain(r.PathValue("id"))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"specs": specs})
}

type registerFollowupsRequest struct {
	RootJobID   string                  `json:"root_job_id"`
	ParentJobID string                  `json:"parent_job_id"`
	Followups   []protocol.FollowupSpec `json:"followups"`
}

func (s *Server) handleRegisterFollowups(w http.ResponseWriter, r *http.Request) {
	chainID := r.PathValue("id")
	var req registerFollowupsRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	c, err := s.store.GetChainContext(chainID)
	if err != nil {
		if store.IsNotFound(err) {
			writeJSONError(w, http.StatusNotFound, "not_found", "chain not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	err = s.runner.RegisterFollowups(chainID, c.TaskID, req.RootJobID, req.ParentJobID, req.Followups)
	if err != nil {
		var guardErr *chain.GuardError
		switch {
		case errors.Is(err, chain.ErrChainClosed):
			writeJSONError(w, http.StatusConflict, "chain_closed", "chain is already terminal")
		case errors.As(err, &guardErr):
			writeJSONError(w, http.StatusUnprocessableEntity, guardErr.Reason, guardErr.Error())
		default:
			writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": len(req.Followups)})
}

// ── Workers ─────────────────────────────────────────────────

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers := s.registry.List()
	writeJSON(w, http.StatusOK, map[string]any{"workers": workers})
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	worker, ok := s.registry.Get(r.PathValue("id"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, "not_found", "worker not found")
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

// ── Rate limits ─────────────────────────────────────────────

func (s *Server) handleGetRateLimit(w http.ResponseWriter, r *http.Request) {
	rl, err := s.store.GetOrCreateRateLimit(
		r.PathValue("source"),
		s.cfg.RateLimit.DefaultPerMinute,
		s.cfg.RateLimit.DefaultConcurrent,
	)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rl)
}

type setRateLimitRequest struct {
	MaxPerMinute  int `json:"max_per_minute"`
	MaxConcurrent int `json:"max_concurrent"`
}

func (s *Server) handleSetRateLimit(w http.ResponseWriter, r *http.Request) {
	var req setRateLimitRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.MaxPerMinute < 1 || req.MaxConcurrent < 1 {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "limits must be positive")
		return
	}
	source := r.PathValue("source")
	if err := s.store.SetRateLimit(source, req.MaxPerMinute, req.MaxConcurrent); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	rl, err := s.store.GetOrCreateRateLimit(source, req.MaxPerMinute, req.MaxConcurrent)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rl)
}

// ── Ledger ──────────────────────────────────────────────────

type ledgerEntryRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) handleLedgerCredit(w http.ResponseWriter, r *http.Request) {
	var req ledgerEntryRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	evt, err := s.ledger.Credit(req.Account, req.Amount, req.Reason)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, evt)
}

func (s *Server) handleLedgerAdjust(w http.ResponseWriter, r *http.Request) {
	var req ledgerEntryRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	evt, err := s.ledger.Adjust(req.Account, req.Amount, req.Reason)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, evt)
}

func (s *Server) handleLedgerBalances(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"balances": s.ledger.Balances()})
}

type settleRequest struct {
	Payer  string   `json:"payer"`
	Worker string   `json:"worker"`
	Total  string   `json:"total"`
	JobID  string   `json:"job_id"`
	Margin *float64 `json:"margin,omitempty"`
}

func (s *Server) handleLedgerSettle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	result, err := s.ledger.ChargeAndSettle(ledger.Settlement{
		Payer:  req.Payer,
		Worker: req.Worker,
		Total:  req.Total,
		JobID:  req.JobID,
		Margin: req.Margin,
	})
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	switch {
	case result.AlreadyDone:
		metrics.RecordSettlement("duplicate")
	case result.Settled:
		metrics.RecordSettlement("settled")
	default:
		metrics.RecordSettlement("failed")
	}
	if !result.Settled && !result.AlreadyDone {
		writeJSON(w, http.StatusUnprocessableEntity, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleLedgerVerify(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.Verify(); err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleLedgerJournal serves the raw journal file. Replicas poll it with a
// Range header to tail new events; http.ServeFile handles the byte-range
// semantics.
func (s *Server) handleLedgerJournal(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	http.ServeFile(w, r, s.ledger.Journal().Path())
}

// ── Events SSE ──────────────────────────────────────────────

func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	subID := uuid.NewString()
	ch := s.bus.Subscribe(subID)
	defer s.bus.Unsubscribe(subID)

	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case evt, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, evt.JSON())
			flusher.Flush()
		}
	}
}

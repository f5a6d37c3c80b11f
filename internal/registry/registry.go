// Package registry tracks the worker pool — registration, heartbeats,
// reliability and latency statistics, and scored selection of the best
// worker for a job kind.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jobmesh/jobmesh/internal/config"
	"github.com/jobmesh/jobmesh/internal/protocol"
)

const (
	emaAlpha       = 0.2
	initSuccessEMA = 0.85
	initLatencyEMA = 750.0
)

// WorkerInfo is the registry's view of one worker.
type WorkerInfo struct {
	WorkerID            string            `json:"worker_id"`
	Endpoint            string            `json:"endpoint,omitempty"`
	Capabilities        map[string]string `json:"capabilities"` // kind → cost (decimal string)
	SuccessEMA          float64           `json:"success_ema"`
	LatencyEMAMS        float64           `json:"latency_ms_ema"`
	SampleCount         int               `json:"sample_count"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	CooldownUntil       time.Time         `json:"cooldown_until,omitempty"`
	Offline             bool              `json:"is_offline"`
	ActiveJobs          int               `json:"active_jobs"`
	LastSeen            time.Time         `json:"last_seen"`
	Registered          time.Time         `json:"registered"`
}

// CostFor returns the worker's advertised cost for a kind.
func (w *WorkerInfo) CostFor(kind string) (decimal.Decimal, bool) {
	raw, ok := w.Capabilities[kind]
	if !ok {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(raw)
	if err != nil || d.IsNegative() {
		return decimal.Zero, false
	}
	return d, true
}

// Registry tracks all workers. Mutations hold the lock; the persisted file
// is rewritten after every mutation (load-then-modify-then-replace).
type Registry struct {
	mu      sync.Mutex
	workers map[string]*WorkerInfo
	cfg     config.RegistryConfig
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a registry and loads any persisted worker file.
func New(cfg config.RegistryConfig, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		workers: make(map[string]*WorkerInfo),
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if cfg.Path != "" {
		if err := r.load(); err != nil {
			return nil, fmt.Errorf("load registry: %w", err)
		}
	}
	return r, nil
}

// Register adds or refreshes a worker. Statistics survive re-registration;
// only capabilities and endpoint are replaced.
func (r *Registry) Register(p protocol.RegisterPayload) (*WorkerInfo, error) {
	if strings.TrimSpace(p.WorkerID) == "" {
		return nil, fmt.Errorf("worker_id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reload()

	now := r.now()
	w, ok := r.workers[p.WorkerID]
	if !ok {
		w = &WorkerInfo{
			WorkerID:     p.WorkerID,
			SuccessEMA:   initSuccessEMA,
			LatencyEMAMS: initLatencyEMA,
			Registered:   now,
		}
		r.workers[p.WorkerID] = w
	}
	w.Endpoint = p.Endpoint
	w.Capabilities = make(map[string]string, len(p.Capabilities))
	for _, c := range p.Capabilities {
		w.Capabilities[c.Kind] = c.Cost
	}
	w.Offline = false
	w.LastSeen = now

	r.logger.Info("worker registered",
		zap.String("worker_id", p.WorkerID),
		zap.Int("kinds", len(w.Capabilities)),
	)
	return r.snapshotLocked(p.WorkerID), r.persistLocked()
}

// Heartbeat refreshes a worker's last-seen and in-flight count.
func (r *Registry) Heartbeat(workerID string, activeJobs int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reload()

	w, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("unknown worker: %s", workerID)
	}
	w.LastSeen = r.now()
	if activeJobs >= 0 {
		w.ActiveJobs = activeJobs
	}
	return r.persistLocked()
}

// NoteDispatch increments a worker's in-flight count.
func (r *Registry) NoteDispatch(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reload()
	if w, ok := r.workers[workerID]; ok {
		w.ActiveJobs++
		_ = r.persistLocked()
	}
}

// RecordResult feeds one job outcome into the worker's statistics.
// Latency updates only on success; failures push the worker toward the
// offline gate.
func (r *Registry) RecordResult(workerID string, ok bool, latencyMS float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reload()

	w, found := r.workers[workerID]
	if !found {
		return fmt.Errorf("unknown worker: %s", workerID)
	}

	if ok {
		w.SuccessEMA = emaAlpha*1.0 + (1-emaAlpha)*w.SuccessEMA
		if latencyMS > 0 {
			w.LatencyEMAMS = emaAlpha*latencyMS + (1-emaAlpha)*w.LatencyEMAMS
		}
		w.ConsecutiveFailures = 0
		w.Offline = false
	} else {
		w.SuccessEMA = (1 - emaAlpha) * w.SuccessEMA
		w.ConsecutiveFailures++
		if w.ConsecutiveFailures >= r.cfg.FailThreshold {
			w.Offline = true
			w.CooldownUntil = r.now().Add(time.Duration(r.cfg.CooldownSeconds) * time.Second)
			r.logger.Warn("worker marked offline",
				zap.String("worker_id", workerID),
				zap.Int("consecutive_failures", w.ConsecutiveFailures),
			)
		}
	}
	w.SampleCount++
	if w.ActiveJobs > 0 {
		w.ActiveJobs--
	}
	w.LastSeen = r.now()
	return r.persistLocked()
}

// RecordProbeResult feeds a health-probe outcome like a real job, but does
// not touch the in-flight count.
func (r *Registry) RecordProbeResult(workerID string, ok bool, latencyMS float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reload()

	w, found := r.workers[workerID]
	if !found {
		return fmt.Errorf("unknown worker: %s", workerID)
	}
	if ok {
		w.SuccessEMA = emaAlpha*1.0 + (1-emaAlpha)*w.SuccessEMA
		if latencyMS > 0 {
			w.LatencyEMAMS = emaAlpha*latencyMS + (1-emaAlpha)*w.LatencyEMAMS
		}
		w.ConsecutiveFailures = 0
		w.Offline = false
		w.LastSeen = r.now()
	} else {
		w.ConsecutiveFailures++
		if w.ConsecutiveFailures >= r.cfg.FailThreshold {
			w.Offline = true
			w.CooldownUntil = r.now().Add(time.Duration(r.cfg.CooldownSeconds) * time.Second)
		}
	}
	w.SampleCount++
	return r.persistLocked()
}

// Eligible reports whether a worker may receive new work right now.
func (r *Registry) eligible(w *WorkerInfo, now time.Time) bool {
	if w.Offline {
		return false
	}
	ttl := time.Duration(r.cfg.StaleTTLSeconds) * time.Second
	if now.Sub(w.LastSeen) > ttl {
		return false
	}
	if now.Before(w.CooldownUntil) {
		return false
	}
	if w.SampleCount >= r.cfg.WarmupN && w.SuccessEMA < r.cfg.RelMin {
		return false
	}
	if w.ActiveJobs >= r.cfg.MaxInflight {
		return false
	}
	return true
}

// Candidate is one scored worker from a selection pass.
type Candidate struct {
	Worker *WorkerInfo
	Cost   decimal.Decimal
	Score  float64
}

// Select returns the best eligible worker carrying kind, or nil when none
// qualifies. Selection is deterministic: highest score wins, ties broken
// by worker id.
func (r *Registry) Select(kind string) *Candidate {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reload()

	now := r.now()
	var pool []*Candidate
	minCost := decimal.Zero
	for _, w := range r.workers {
		if !r.eligible(w, now) {
			continue
		}
		cost, ok := w.CostFor(kind)
		if !ok {
			continue
		}
		if cost.IsPositive() && (minCost.IsZero() || cost.LessThan(minCost)) {
			minCost = cost
		}
		pool = append(pool, &Candidate{Worker: w, Cost: cost})
	}
	if len(pool) == 0 {
		return nil
	}

	wSum := r.cfg.WeightCost + r.cfg.WeightRel + r.cfg.WeightLat
	if wSum <= 0 {
		wSum = 1
	}
	for _, c := range pool {
		costScore := 1.0
		if c.Cost.IsPositive() && minCost.IsPositive() {
			ratio, _ := minCost.Div(c.Cost).Float64()
			costScore = clamp01(ratio)
		}
		relScore := clamp01(c.Worker.SuccessEMA)
		latScore := clamp01(1 - c.Worker.LatencyEMAMS/r.cfg.LatCapMS)
		c.Score = (r.cfg.WeightCost*costScore + r.cfg.WeightRel*relScore + r.cfg.WeightLat*latScore) / wSum
	}
	sort.Slice(pool, func(i, j int) bool {
		if pool[i].Score != pool[j].Score {
			return pool[i].Score > pool[j].Score
		}
		return pool[i].Worker.WorkerID < pool[j].Worker.WorkerID
	})

	best := pool[0]
	best.Worker = r.snapshotLocked(best.Worker.WorkerID)
	return best
}

// MarkStale flags workers whose last-seen is beyond the staleness TTL as
// offline. Returns the affected worker ids.
func (r *Registry) MarkStale() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reload()

	cutoff := r.now().Add(-time.Duration(r.cfg.StaleTTLSeconds) * time.Second)
	var marked []string
	for id, w := range r.workers {
		if !w.Offline && w.LastSeen.Before(cutoff) {
			w.Offline = true
			marked = append(marked, id)
			r.logger.Warn("worker stale",
				zap.String("worker_id", id),
				zap.Time("last_seen", w.LastSeen),
			)
		}
	}
	if len(marked) > 0 {
		_ = r.persistLocked()
	}
	return marked
}

// Get returns a snapshot of one worker.
func (r *Registry) Get(workerID string) (*WorkerInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reload()
	w := r.snapshotLocked(workerID)
	return w, w != nil
}

// List returns snapshots of all workers sorted by id.
func (r *Registry) List() []*WorkerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reload()

	out := make([]*WorkerInfo, 0, len(r.workers))
	for id := range r.workers {
		out = append(out, r.snapshotLocked(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// Stats summarises worker reliability for the settlement margin.
type Stats struct {
	SuccessEMA   float64
	LatencyEMAMS float64
	Known        bool
}

// StatsFor returns the reliability numbers the ledger uses to price margin.
func (r *Registry) StatsFor(workerID string) Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reload()
	w, ok := r.workers[workerID]
	if !ok {
		return Stats{SuccessEMA: initSuccessEMA, LatencyEMAMS: initLatencyEMA}
	}
	return Stats{SuccessEMA: w.SuccessEMA, LatencyEMAMS: w.LatencyEMAMS, Known: true}
}

func (r *Registry) snapshotLocked(workerID string) *WorkerInfo {
	w, ok := r.workers[workerID]
	if !ok {
		return nil
	}
	cp := *w
	cp.Capabilities = make(map[string]string, len(w.Capabilities))
	for k, v := range w.Capabilities {
		cp.Capabilities[k] = v
	}
	return &cp
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

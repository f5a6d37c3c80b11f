// Package chain turns LLM follow-up specifications into concrete jobs. The
// runner claims pending specs under a lease, resolves their parameter
// references, and materialises them as jobs; guards bound each chain's
// depth, job budget, and lifetime, and deduplicate repeated requests.
package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jobmesh/jobmesh/internal/config"
	"github.com/jobmesh/jobmesh/internal/events"
	"github.com/jobmesh/jobmesh/internal/metrics"
	"github.com/jobmesh/jobmesh/internal/protocol"
	"github.com/jobmesh/jobmesh/internal/store"
	"github.com/jobmesh/jobmesh/internal/telemetry"
)

// Runner owns the chain tick loop.
type Runner struct {
	store    *store.Store
	bus      *events.Bus
	cfg      config.ChainConfig
	resolver *Resolver
	logger   *zap.Logger

	mu     sync.Mutex
	ticker *time.Ticker
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a chain runner.
func NewRunner(st *store.Store, bus *events.Bus, cfg config.ChainConfig, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TickSeconds <= 0 {
		cfg.TickSeconds = 1
	}
	if cfg.SelectLimit <= 0 {
		cfg.SelectLimit = 8
	}
	if cfg.LeaseSeconds <= 0 {
		cfg.LeaseSeconds = 120
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 5
	}
	if cfg.MaxJobsTotal <= 0 {
		cfg.MaxJobsTotal = 25
	}
	if cfg.ChildResultCap <= 0 {
		cfg.ChildResultCap = 25000
	}
	return &Runner{
		store:    st,
		bus:      bus,
		cfg:      cfg,
		resolver: NewResolver(st.GetJob),
		logger:   logger,
	}
}

// Start begins the tick loop. Safe to call Start multiple times.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ticker != nil {
		return
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.ticker = time.NewTicker(time.Duration(r.cfg.TickSeconds) * time.Second)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.ticker.C:
				r.Tick()
			}
		}
	}()

	r.logger.Info("chain runner started", zap.Int("tick_seconds", r.cfg.TickSeconds))
}

// Stop halts the tick loop and waits for the in-flight tick.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.ticker == nil {
		r.mu.Unlock()
		return
	}
	r.ticker.Stop()
	r.ticker = nil
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("chain runner stopped")
}

// Tick selects chains round-robin and claims at most one spec per chain.
func (r *Runner) Tick() {
	chains, err := r.store.ListChainsNeedingTick(r.cfg.SelectLimit)
	if err != nil {
		r.logger.Error("list chains", zap.Error(err))
		return
	}
	for i := range chains {
		r.tickChain(&chains[i])
	}
}

func (r *Runner) tickChain(c *store.ChainContext) {
	_, span := telemetry.StartChainTickSpan(context.Background(), c.ChainID, c.Depth)
	defer span.End()

	// fairness bump before the claim so a hot chain cannot starve others
	if err := r.store.UpdateChainTickTime(c.ChainID); err != nil {
		r.logger.Error("bump tick time", zap.String("chain_id", c.ChainID), zap.Error(err))
	}

	if c.Deadline != nil && time.Now().UTC().After(*c.Deadline) {
		r.closeChain(c.ChainID, protocol.ChainError, "timeout")
		return
	}

	spec, err := r.store.ClaimNextPendingSpec(c.ChainID, time.Duration(r.cfg.LeaseSeconds)*time.Second)
	if err != nil {
		r.logger.Error("claim spec", zap.String("chain_id", c.ChainID), zap.Error(err))
		return
	}
	if spec == nil {
		pending, err := r.store.CountPendingSpecs(c.ChainID)
		if err == nil && pending == 0 {
			_ = r.store.SetChainNeedsTick(c.ChainID, false)
		}
		return
	}

	r.dispatchSpec(c, spec)

	pending, err := r.store.CountPendingSpecs(c.ChainID)
	if err == nil && pending == 0 {
		_ = r.store.SetChainNeedsTick(c.ChainID, false)
	}
}

func (r *Runner) dispatchSpec(c *store.ChainContext, spec *store.ChainSpec) {
	resolved, err := r.resolver.Resolve(c, *spec)
	if err != nil {
		r.logger.Warn("spec resolution failed",
			zap.String("chain_id", c.ChainID),
			zap.String("spec_id", spec.SpecID),
			zap.Error(err),
		)
		_ = r.store.MarkChainSpecTerminal(c.ChainID, spec.SpecID, protocol.SpecFailed)
		_ = r.store.SetChainFailedReason(c.ChainID, fmt.Sprintf("resolve %s: %v", spec.SpecID, err))
		return
	}

	var dependsOn []string
	if spec.ParentJobID != "" {
		dependsOn = []string{spec.ParentJobID}
	}
	job := store.Job{
		TaskID:         spec.TaskID,
		Kind:           spec.Kind,
		Params:         resolved,
		DependsOn:      dependsOn,
		IdempotencyKey: "spec:" + spec.SpecID,
		ChainHint: &protocol.ChainHint{
			ChainID: c.ChainID,
			SpecID:  spec.SpecID,
			Role:    "chain_child",
		},
	}
	created, err := r.store.CreateJob(job)
	if err != nil {
		if !store.IsConflict(err) {
			r.logger.Error("materialise job", zap.String("spec_id", spec.SpecID), zap.Error(err))
			return
		}
		// a prior claim already materialised this spec
		created, err = r.store.FindJobByIdempotencyKey(job.IdempotencyKey)
		if err != nil {
			return
		}
	}

	ok, err := r.store.MarkChainSpecDispatched(c.ChainID, spec.SpecID, created.ID, spec.ClaimID, resolved)
	if err != nil {
		r.logger.Error("mark spec dispatched", zap.String("spec_id", spec.SpecID), zap.Error(err))
		return
	}
	if !ok {
		// lost the CAS to a concurrent claimer; the job is shared via the
		// idempotency key so nothing was duplicated
		return
	}

	metrics.SpecsDispatchedTotal.Inc()
	r.publish(events.Event{Type: events.SpecDispatched, JobID: created.ID, ChainID: c.ChainID,
		Summary: fmt.Sprintf("spec %s materialised as job %s (kind=%s)", spec.SpecID, created.ID, spec.Kind)})
	r.logger.Info("spec dispatched",
		zap.String("chain_id", c.ChainID),
		zap.String("spec_id", spec.SpecID),
		zap.String("job_id", created.ID),
		zap.String("kind", spec.Kind),
	)
}

func (r *Runner) closeChain(chainID, state, reason string) {
	if err := r.store.CloseChain(chainID, state, reason); err != nil {
		if !store.IsNotFound(err) {
			r.logger.Error("close chain", zap.String("chain_id", chainID), zap.Error(err))
		}
		return
	}
	metrics.RecordChainClosed(state)
	r.publish(events.Event{Type: events.ChainClosed, ChainID: chainID,
		Summary: fmt.Sprintf("chain %s closed (%s: %s)", chainID, state, reason)})
	r.logger.Info("chain closed",
		zap.String("chain_id", chainID),
		zap.String("state", state),
		zap.String("reason", reason),
	)
}

func (r *Runner) publish(evt events.Event) {
	if r.bus != nil {
		r.bus.Publish(evt)
	}
}

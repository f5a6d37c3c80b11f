// Package janitor runs background maintenance: reaping jobs stuck in
// working, sweeping timed-out chains, and optionally verifying the ledger
// journal. Schedules parse as a Go duration ("5m") or a standard cron
// expression ("*/5 * * * *").
package janitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/jobmesh/jobmesh/internal/config"
	"github.com/jobmesh/jobmesh/internal/events"
	"github.com/jobmesh/jobmesh/internal/protocol"
	"github.com/jobmesh/jobmesh/internal/store"
)

const pollInterval = 5 * time.Second

// Verifier checks journal integrity (the ledger implements it).
type Verifier interface {
	Verify() error
}

// Janitor owns the maintenance loop.
type Janitor struct {
	store    *store.Store
	bus      *events.Bus
	verifier Verifier // nil disables journal verification
	cfg      config.JanitorConfig
	logger   *zap.Logger

	lastStuck  *time.Time
	lastSweep  *time.Time
	lastVerify *time.Time
	startedAt  time.Time

	mu     sync.Mutex
	ticker *time.Ticker
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a janitor. verifier may be nil.
func New(st *store.Store, bus *events.Bus, verifier Verifier, cfg config.JanitorConfig, logger *zap.Logger) *Janitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StuckAfterSeconds <= 0 {
		cfg.StuckAfterSeconds = 600
	}
	return &Janitor{
		store:    st,
		bus:      bus,
		verifier: verifier,
		cfg:      cfg,
		logger:   logger,
	}
}

// Start begins the maintenance loop. Safe to call Start multiple times.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.ticker != nil {
		return
	}

	ctx, j.cancel = context.WithCancel(ctx)
	j.ticker = time.NewTicker(pollInterval)
	j.startedAt = time.Now().UTC()

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-j.ticker.C:
				j.Tick(time.Now().UTC())
			}
		}
	}()

	j.logger.Info("janitor started",
		zap.String("stuck_schedule", j.cfg.StuckJobSchedule),
		zap.String("chain_sweep", j.cfg.ChainSweep),
		zap.String("verify_schedule", j.cfg.VerifySchedule),
	)
}

// Stop halts the maintenance loop.
func (j *Janitor) Stop() {
	j.mu.Lock()
	if j.ticker == nil {
		j.mu.Unlock()
		return
	}
	j.ticker.Stop()
	j.ticker = nil
	j.cancel()
	j.mu.Unlock()

	j.wg.Wait()
	j.logger.Info("janitor stopped")
}

// Tick runs whichever maintenance tasks are due at now.
func (j *Janitor) Tick(now time.Time) {
	if j.runDue(j.cfg.StuckJobSchedule, &j.lastStuck, now) {
		j.ReapStuckJobs()
	}
	if j.runDue(j.cfg.ChainSweep, &j.lastSweep, now) {
		j.SweepChains(now)
	}
	if j.verifier != nil && j.runDue(j.cfg.VerifySchedule, &j.lastVerify, now) {
		j.VerifyJournal()
	}
}

func (j *Janitor) runDue(schedule string, last **time.Time, now time.Time) bool {
	if strings.TrimSpace(schedule) == "" {
		return false
	}
	due, err := isScheduleDue(schedule, *last, j.startedAt, now)
	if err != nil {
		j.logger.Warn("invalid schedule", zap.String("schedule", schedule), zap.Error(err))
		return false
	}
	if !due {
		return false
	}
	ts := now
	*last = &ts
	return true
}

// ReapStuckJobs reverts jobs stuck in working past the threshold so the
// dispatcher retries them.
func (j *Janitor) ReapStuckJobs() {
	stuck, err := j.store.ListStuckJobs(time.Duration(j.cfg.StuckAfterSeconds) * time.Second)
	if err != nil {
		j.logger.Error("list stuck jobs", zap.Error(err))
		return
	}
	for _, job := range stuck {
		if err := j.store.RevertJobPending(job.ID, job.RetryCount); err != nil {
			j.logger.Error("revert stuck job", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		j.logger.Warn("stuck job reverted to pending",
			zap.String("job_id", job.ID),
			zap.String("kind", job.Kind),
			zap.Int("stuck_after_seconds", j.cfg.StuckAfterSeconds),
		)
	}
}

// SweepChains closes running chains past their deadline.
func (j *Janitor) SweepChains(now time.Time) {
	chains, err := j.store.ListRunningChains()
	if err != nil {
		j.logger.Error("list running chains", zap.Error(err))
		return
	}
	for _, c := range chains {
		if c.Deadline == nil || !now.After(*c.Deadline) {
			continue
		}
		if err := j.store.CloseChain(c.ChainID, protocol.ChainError, "timeout"); err != nil {
			if !store.IsNotFound(err) {
				j.logger.Error("close chain", zap.String("chain_id", c.ChainID), zap.Error(err))
			}
			continue
		}
		if j.bus != nil {
			j.bus.Publish(events.Event{Type: events.ChainClosed, ChainID: c.ChainID,
				Summary: fmt.Sprintf("chain %s closed (error: timeout)", c.ChainID)})
		}
		j.logger.Info("chain timed out", zap.String("chain_id", c.ChainID))
	}
}

// VerifyJournal walks the journal hash chain and logs any break.
func (j *Janitor) VerifyJournal() {
	if err := j.verifier.Verify(); err != nil {
		j.logger.Error("journal verification failed", zap.Error(err))
		return
	}
	j.logger.Debug("journal verified")
}

// isScheduleDue reports whether a duration- or cron-style schedule is due,
// anchored at the last run (or the janitor start for the first run).
func isScheduleDue(schedule string, lastRunAt *time.Time, startedAt, now time.Time) (bool, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return false, fmt.Errorf("schedule is required")
	}

	anchor := startedAt.UTC()
	if anchor.IsZero() {
		anchor = now.UTC()
	}
	if lastRunAt != nil {
		anchor = lastRunAt.UTC()
	}

	if interval, err := time.ParseDuration(schedule); err == nil {
		if interval <= 0 {
			return false, fmt.Errorf("interval must be > 0")
		}
		return !anchor.Add(interval).After(now.UTC()), nil
	}

	spec, err := cron.ParseStandard(schedule)
	if err != nil {
		return false, err
	}
	next := spec.Next(anchor)
	return !next.After(now.UTC()), nil
}

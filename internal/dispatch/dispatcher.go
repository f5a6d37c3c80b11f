// Package dispatch runs the job dispatcher loop: it admits pending jobs
// against per-source rate limits, gates them on their dependencies, hands
// them to the transport, and reaps results back into the store.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jobmesh/jobmesh/internal/config"
	"github.com/jobmesh/jobmesh/internal/events"
	"github.com/jobmesh/jobmesh/internal/metrics"
	"github.com/jobmesh/jobmesh/internal/protocol"
	"github.com/jobmesh/jobmesh/internal/store"
	"github.com/jobmesh/jobmesh/internal/telemetry"
	"github.com/jobmesh/jobmesh/internal/transport"
)

// Hooks are optional callbacks invoked by the dispatcher loop. Result fires
// for every reaped result including retryable failures; Finished fires once
// per job when it reaches a terminal status.
type Hooks struct {
	Dispatched func(job store.Job)
	Result     func(job store.Job, res protocol.JobResult)
	Finished   func(job store.Job, res protocol.JobResult, status string)
}

// Dispatcher owns the dispatch loop.
type Dispatcher struct {
	store     *store.Store
	transport transport.Transport
	bus       *events.Bus
	cfg       config.DispatchConfig
	rlCfg     config.RateLimitConfig
	hooks     Hooks
	logger    *zap.Logger

	// live dispatch spans by job id; touched only from the tick goroutine
	spans map[string]trace.Span

	mu     sync.Mutex
	ticker *time.Ticker
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a dispatcher. Hooks may be zero-valued.
func New(st *store.Store, tr transport.Transport, bus *events.Bus, cfg config.DispatchConfig, rlCfg config.RateLimitConfig, hooks Hooks, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TickSeconds <= 0 {
		cfg.TickSeconds = 2
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.DefaultSource == "" {
		cfg.DefaultSource = "default"
	}
	return &Dispatcher{
		store:     st,
		transport: tr,
		bus:       bus,
		cfg:       cfg,
		rlCfg:     rlCfg,
		hooks:     hooks,
		logger:    logger,
		spans:     make(map[string]trace.Span),
	}
}

// Start begins the dispatch loop. Safe to call Start multiple times.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ticker != nil {
		return
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.ticker = time.NewTicker(time.Duration(d.cfg.TickSeconds) * time.Second)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.ticker.C:
				d.Tick()
			}
		}
	}()

	d.logger.Info("dispatcher started", zap.Int("tick_seconds", d.cfg.TickSeconds))
}

// Stop halts the dispatch loop and waits for the in-flight tick.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.ticker == nil {
		d.mu.Unlock()
		return
	}
	d.ticker.Stop()
	d.ticker = nil
	d.cancel()
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// Tick runs one full pass: reap finished work first so dependents unblock
// within the same tick, then dispatch what became eligible.
func (d *Dispatcher) Tick() {
	d.activateMissions()
	d.reapResults()
	d.dispatchPending()
	d.settleMissions()
}

// Submit creates a job, short-circuiting on idempotency-key collisions: if a
// completed job already carries the key, its result is reused without
// dispatching anything.
func (d *Dispatcher) Submit(j store.Job) (*store.Job, error) {
	if j.Source == "" {
		j.Source = d.cfg.DefaultSource
	}
	created, err := d.store.CreateJob(j)
	if err == nil {
		d.publish(events.Event{Type: events.JobEnqueued, JobID: created.ID, Summary: fmt.Sprintf("job %s enqueued (kind=%s)", created.ID, created.Kind)})
		return created, nil
	}
	if !store.IsConflict(err) {
		return nil, err
	}

	prior, lookupErr := d.store.FindJobByIdempotencyKey(j.IdempotencyKey)
	if lookupErr != nil {
		return nil, err
	}
	metrics.DedupesTotal.Inc()
	d.publish(events.Event{Type: events.JobDeduped, JobID: prior.ID,
		Summary: fmt.Sprintf("job reused via idempotency key %s", j.IdempotencyKey)})
	d.logger.Info("job deduped",
		zap.String("idempotency_key", j.IdempotencyKey),
		zap.String("prior_job", prior.ID),
		zap.String("prior_status", prior.Status),
	)
	return prior, nil
}

// activateMissions moves planned missions with materialised jobs to active.
func (d *Dispatcher) activateMissions() {
	missions, err := d.store.ListMissionsByStatus(protocol.MissionPlanned)
	if err != nil {
		d.logger.Error("list planned missions", zap.Error(err))
		return
	}
	for _, m := range missions {
		tasks, err := d.store.ListTasksByMission(m.ID)
		if err != nil {
			continue
		}
		for _, t := range tasks {
			jobs, err := d.store.ListJobsByTask(t.ID)
			if err != nil || len(jobs) == 0 {
				continue
			}
			if err := d.store.SetMissionStatus(m.ID, protocol.MissionActive); err == nil {
				d.logger.Info("mission activated", zap.String("mission_id", m.ID))
			}
			break
		}
	}
}

// reapResults polls the transport for results of working jobs.
func (d *Dispatcher) reapResults() {
	working, err := d.store.ListJobsByStatus(protocol.JobWorking)
	if err != nil {
		d.logger.Error("list working jobs", zap.Error(err))
		return
	}
	for _, job := range working {
		res, err := d.transport.TrySyncResult(job.ID)
		if err != nil {
			d.logger.Warn("poll result", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		if res == nil {
			continue
		}
		d.handleResult(job, *res)
	}
}

func (d *Dispatcher) handleResult(job store.Job, res protocol.JobResult) {
	if span, ok := d.spans[job.ID]; ok {
		telemetry.EndResultSpan(span, res.Ok, res.WorkerID, res.DurationMS)
		delete(d.spans, job.ID)
	}
	if d.hooks.Result != nil {
		d.hooks.Result(job, res)
	}

	if res.Ok {
		if err := d.store.FinalizeJob(job.ID, protocol.JobCompleted, &res); err != nil {
			d.logger.Error("finalize job", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		d.publish(events.Event{Type: events.JobCompleted, JobID: job.ID, WorkerID: res.WorkerID,
			Summary: fmt.Sprintf("job %s completed by %s", job.ID, res.WorkerID)})
		d.finished(job, res, protocol.JobCompleted)
		return
	}

	// A timeout and any other worker failure are handled identically.
	retries := job.RetryCount + 1
	if retries < d.cfg.MaxRetries {
		if err := d.store.RevertJobPending(job.ID, retries); err != nil {
			d.logger.Error("revert job", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		d.logger.Warn("job failed, retrying",
			zap.String("job_id", job.ID),
			zap.Int("retry", retries),
			zap.String("error", res.Error),
		)
		return
	}

	if err := d.store.FinalizeJob(job.ID, protocol.JobFailed, &res); err != nil {
		d.logger.Error("finalize job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	d.publish(events.Event{Type: events.JobFailed, JobID: job.ID, WorkerID: res.WorkerID,
		Summary: fmt.Sprintf("job %s failed after %d attempts: %s", job.ID, retries, res.Error)})
	d.finished(job, res, protocol.JobFailed)
}

func (d *Dispatcher) finished(job store.Job, res protocol.JobResult, status string) {
	if d.hooks.Finished != nil {
		d.hooks.Finished(job, res, status)
	}
}

// dispatchPending hands eligible pending jobs to the transport in priority
// then FIFO order. A source denied by its rate limit stops dispatching for
// that source this tick so queue order within the source is preserved.
func (d *Dispatcher) dispatchPending() {
	pending, err := d.store.ListJobsByStatus(protocol.JobPending)
	if err != nil {
		d.logger.Error("list pending jobs", zap.Error(err))
		return
	}
	sort.SliceStable(pending, func(i, j int) bool {
		ri, rj := pending[i].Priority.Rank(), pending[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	denied := make(map[string]bool)
	for _, job := range pending {
		ready, failedDep := d.depsReady(job)
		if failedDep != "" {
			res := protocol.JobResult{JobID: job.ID, Ok: false, Error: fmt.Sprintf("dependency %s failed", failedDep)}
			if err := d.store.FinalizeJob(job.ID, protocol.JobFailed, &res); err == nil {
				d.publish(events.Event{Type: events.JobFailed, JobID: job.ID,
					Summary: fmt.Sprintf("job %s failed: dependency %s failed", job.ID, failedDep)})
				d.finished(job, res, protocol.JobFailed)
			}
			continue
		}
		if !ready {
			continue
		}

		source := job.Source
		if source == "" {
			source = d.cfg.DefaultSource
		}
		if denied[source] {
			continue
		}
		if !d.admit(job, source) {
			denied[source] = true
			continue
		}

		ok, err := d.store.MarkJobWorking(job.ID)
		if err != nil {
			d.logger.Error("mark working", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		if !ok {
			// claimed by a concurrent tick
			continue
		}

		_, span := telemetry.StartDispatchSpan(context.Background(), job.ID, job.Kind, source)
		if err := d.transport.Enqueue(job.Payload()); err != nil {
			d.logger.Warn("enqueue failed, requeueing",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
			_ = d.store.RevertJobPending(job.ID, job.RetryCount)
			span.End()
			continue
		}
		d.spans[job.ID] = span

		d.publish(events.Event{Type: events.JobDispatched, JobID: job.ID,
			Summary: fmt.Sprintf("job %s dispatched (kind=%s source=%s)", job.ID, job.Kind, source)})
		if d.hooks.Dispatched != nil {
			d.hooks.Dispatched(job)
		}
	}
}

// depsReady reports whether every dependency completed. A failed dependency
// is returned by id so the dependent can be failed rather than starved.
func (d *Dispatcher) depsReady(job store.Job) (bool, string) {
	for _, depID := range job.DependsOn {
		dep, err := d.store.GetJob(depID)
		if err != nil {
			if store.IsNotFound(err) {
				return false, depID
			}
			return false, ""
		}
		switch dep.Status {
		case protocol.JobCompleted:
		case protocol.JobFailed:
			return false, depID
		default:
			return false, ""
		}
	}
	return true, ""
}

// admit checks the source's concurrency cap and consumes one slot of its
// per-minute budget.
func (d *Dispatcher) admit(job store.Job, source string) bool {
	maxConcurrent, err := d.store.ConcurrencyLimit(source, d.rlCfg.DefaultPerMinute, d.rlCfg.DefaultConcurrent)
	if err != nil {
		d.logger.Error("concurrency limit", zap.String("source", source), zap.Error(err))
		return false
	}
	running, err := d.store.CountRunningJobsBySource(source)
	if err != nil {
		d.logger.Error("count running", zap.String("source", source), zap.Error(err))
		return false
	}
	if running >= maxConcurrent {
		d.throttled(job, source, "concurrency cap reached")
		return false
	}

	admitted, err := d.store.AdmitSource(source, d.rlCfg.DefaultPerMinute, d.rlCfg.DefaultConcurrent)
	if err != nil {
		d.logger.Error("admit source", zap.String("source", source), zap.Error(err))
		return false
	}
	if !admitted {
		d.throttled(job, source, "per-minute budget exhausted")
		return false
	}
	return true
}

func (d *Dispatcher) throttled(job store.Job, source, reason string) {
	metrics.RecordThrottle(source)
	d.publish(events.Event{Type: events.JobThrottled, JobID: job.ID,
		Summary: fmt.Sprintf("source %s throttled: %s", source, reason)})
	d.logger.Debug("job throttled",
		zap.String("job_id", job.ID),
		zap.String("source", source),
		zap.String("reason", reason),
	)
}

// settleMissions finishes active missions whose jobs all reached a terminal
// status: completed when every job completed, failed otherwise.
func (d *Dispatcher) settleMissions() {
	missions, err := d.store.ListMissionsByStatus(protocol.MissionActive)
	if err != nil {
		return
	}
	for _, m := range missions {
		tasks, err := d.store.ListTasksByMission(m.ID)
		if err != nil || len(tasks) == 0 {
			continue
		}
		total, failed, terminal := 0, 0, 0
		for _, t := range tasks {
			jobs, err := d.store.ListJobsByTask(t.ID)
			if err != nil {
				total = 0
				break
			}
			for _, j := range jobs {
				total++
				switch j.Status {
				case protocol.JobCompleted:
					terminal++
				case protocol.JobFailed:
					terminal++
					failed++
				}
			}
		}
		if total == 0 || terminal < total {
			continue
		}
		status := protocol.MissionCompleted
		if failed > 0 {
			status = protocol.MissionFailed
		}
		if err := d.store.SetMissionStatus(m.ID, status); err == nil {
			d.logger.Info("mission finished",
				zap.String("mission_id", m.ID),
				zap.String("status", status),
				zap.Int("jobs", total),
				zap.Int("failed", failed),
			)
		}
	}
}

func (d *Dispatcher) publish(evt events.Event) {
	if d.bus != nil {
		d.bus.Publish(evt)
	}
}

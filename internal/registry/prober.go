package registry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Prober pings each registered worker's endpoint on a fixed interval and
// feeds the outcome into the registry statistics like a real job result.
type Prober struct {
	registry *Registry
	client   *http.Client
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	ticker *time.Ticker
	wg     sync.WaitGroup
}

// NewProber creates a health prober for the registry's workers.
func NewProber(r *Registry, logger *zap.Logger) *Prober {
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := time.Duration(r.cfg.ProberSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := time.Duration(r.cfg.ProberTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 2500 * time.Millisecond
	}
	return &Prober{
		registry: r,
		client:   &http.Client{Timeout: timeout},
		interval: interval,
		logger:   logger,
	}
}

// Start starts the probe loop. It is safe to call Start multiple times.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	if p.ticker != nil {
		p.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.ticker = time.NewTicker(p.interval)
	ticker := p.ticker
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				p.runOnce(loopCtx)
			}
		}
	}()
}

// Stop stops the probe loop and waits for it to finish.
func (p *Prober) Stop() {
	p.mu.Lock()
	if p.ticker == nil {
		p.mu.Unlock()
		return
	}
	p.ticker.Stop()
	p.ticker = nil
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Prober) runOnce(ctx context.Context) {
	p.registry.MarkStale()

	for _, w := range p.registry.List() {
		if w.Endpoint == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		ok, latency := p.ping(ctx, w.Endpoint)
		if err := p.registry.RecordProbeResult(w.WorkerID, ok, latency); err != nil {
			p.logger.Debug("probe result discarded",
				zap.String("worker_id", w.WorkerID),
				zap.Error(err),
			)
		}
		if !ok {
			p.logger.Debug("worker probe failed",
				zap.String("worker_id", w.WorkerID),
				zap.String("endpoint", w.Endpoint),
			)
		}
	}
}

func (p *Prober) ping(ctx context.Context, endpoint string) (bool, float64) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/healthz", nil)
	if err != nil {
		return false, 0
	}
	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return false, 0
	}
	defer resp.Body.Close()
	latency := float64(time.Since(start).Milliseconds())
	return resp.StatusCode < 500, latency
}

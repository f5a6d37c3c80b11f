// jobmeshd — the job orchestration kernel: dispatcher, chain runner,
// worker registry, ledger and the HTTP API in one process.
package main

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jobmesh/jobmesh/internal/api"
	"github.com/jobmesh/jobmesh/internal/chain"
	"github.com/jobmesh/jobmesh/internal/config"
	"github.com/jobmesh/jobmesh/internal/dispatch"
	"github.com/jobmesh/jobmesh/internal/events"
	"github.com/jobmesh/jobmesh/internal/janitor"
	"github.com/jobmesh/jobmesh/internal/ledger"
	"github.com/jobmesh/jobmesh/internal/metrics"
	"github.com/jobmesh/jobmesh/internal/protocol"
	"github.com/jobmesh/jobmesh/internal/registry"
	"github.com/jobmesh/jobmesh/internal/signing"
	"github.com/jobmesh/jobmesh/internal/store"
	"github.com/jobmesh/jobmesh/internal/telemetry"
	"github.com/jobmesh/jobmesh/internal/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (json or yaml)")
	replicaOf := flag.String("replica-of", "", "run the ledger as a read-only replica of this kernel URL")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("jobmeshd %s (commit %s, built %s)\n", version, commit, date)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(shutdownCtx)
		}()
	}

	for _, dir := range []string{cfg.DataDir, filepath.Dir(cfg.Ledger.JournalPath)} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			logger.Fatal("create data dir", zap.String("dir", dir), zap.Error(err))
		}
	}

	st, err := store.New(filepath.Join(cfg.DataDir, "kernel.db"))
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer st.Close()

	bus := events.NewBus(256)

	reg, err := registry.New(cfg.Registry, logger.Named("registry"))
	if err != nil {
		logger.Fatal("open registry", zap.Error(err))
	}

	led, err := ledger.New(cfg.Ledger, func(workerID string) (ledger.WorkerStats, bool) {
		s := reg.StatsFor(workerID)
		return ledger.WorkerStats{SuccessEMA: s.SuccessEMA, LatencyEMAMS: s.LatencyEMAMS}, s.Known
	}, logger.Named("ledger"))
	if err != nil {
		logger.Fatal("open ledger", zap.Error(err))
	}

	var replica *ledger.ReplicaSync
	if *replicaOf != "" {
		led.SetReadonly(true)
		replica = ledger.NewReplicaSync(led, *replicaOf,
			filepath.Join(cfg.DataDir, "ledger", "replica.json"),
			5*time.Second, logger.Named("replica"))
		replica.Start(ctx)
		defer replica.Stop()
		logger.Info("ledger running as replica", zap.String("source", *replicaOf))
	}

	tr, relay, err := buildTransport(cfg, reg, logger)
	if err != nil {
		logger.Fatal("build transport", zap.Error(err))
	}

	runner := chain.NewRunner(st, bus, cfg.Chain, logger.Named("chain"))

	d := dispatch.New(st, tr, bus, cfg.Dispatch, cfg.RateLimit, dispatch.Hooks{
		Dispatched: func(job store.Job) {
			source := job.Source
			if source == "" {
				source = cfg.Dispatch.DefaultSource
			}
			metrics.RecordDispatch(source)
			metrics.ActiveJobs.Inc()
		},
		Result: func(job store.Job, res protocol.JobResult) {
			metrics.ActiveJobs.Dec()
			if res.WorkerID != "" {
				_ = reg.RecordResult(res.WorkerID, res.Ok, float64(res.DurationMS))
			}
		},
		Finished: func(job store.Job, res protocol.JobResult, status string) {
			metrics.RecordJobFinished(job.Kind, status, time.Duration(res.DurationMS)*time.Millisecond)
			if err := runner.HandleJobResult(job, res, status); err != nil && !errors.Is(err, chain.ErrChainClosed) {
				logger.Warn("chain result handling failed",
					zap.String("job_id", job.ID), zap.Error(err))
			}
			settleJob(led, reg, bus, cfg, job, res, status, logger)
		},
	}, logger.Named("dispatch"))

	jan := janitor.New(st, bus, led, cfg.Janitor, logger.Named("janitor"))
	prober := registry.NewProber(reg, logger.Named("prober"))

	d.Start(ctx)
	defer d.Stop()
	runner.Start(ctx)
	defer runner.Stop()
	jan.Start(ctx)
	defer jan.Stop()
	prober.Start(ctx)
	defer prober.Stop()

	srv := api.New(cfg, st, d, runner, reg, led, bus, relay, logger.Named("api"))
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	logger.Info("jobmeshd started",
		zap.String("version", version),
		zap.String("addr", cfg.ListenAddr),
		zap.String("transport", cfg.Transport.Mode))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error("api server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown", zap.Error(err))
	}
	logger.Info("jobmeshd stopped")
}

// buildTransport wires the configured transport mode. The webrelay gets
// its worker picker, lifecycle hooks and authentication from the registry
// and signing key.
func buildTransport(cfg config.Config, reg *registry.Registry, logger *zap.Logger) (transport.Transport, *transport.WebRelay, error) {
	switch cfg.Transport.Mode {
	case "memory":
		return transport.NewMemory(), nil, nil
	case "filequeue":
		fq, err := transport.NewFileQueue(cfg.Transport.SpoolDir, logger.Named("filequeue"))
		if err != nil {
			return nil, nil, err
		}
		return fq, nil, nil
	case "webrelay":
		relay := transport.NewWebRelay(func(kind string) string {
			c := reg.Select(kind)
			if c == nil {
				return ""
			}
			reg.NoteDispatch(c.Worker.WorkerID)
			return c.Worker.WorkerID
		}, logger.Named("webrelay"))

		relay.SetLifecycleHooks(
			func(workerID string, p protocol.RegisterPayload) {
				if _, err := reg.Register(p); err != nil {
					logger.Warn("worker registration rejected",
						zap.String("worker_id", workerID), zap.Error(err))
					return
				}
				metrics.WorkersOnline.Inc()
			},
			func(workerID string, p protocol.HeartbeatPayload) {
				_ = reg.Heartbeat(workerID, p.ActiveJobs)
			},
			func(workerID string) {
				metrics.WorkersOnline.Dec()
			},
		)

		if cfg.SigningKey != "" {
			master := []byte(cfg.SigningKey)
			relay.SetSigner(signing.NewSigner(master))
			relay.SetAuthenticator(func(workerID, bearerToken string) bool {
				expected := hex.EncodeToString(signing.DeriveWorkerKey(master, workerID))
				return subtle.ConstantTimeCompare([]byte(expected), []byte(bearerToken)) == 1
			})
		}
		return relay, relay, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport mode: %s", cfg.Transport.Mode)
	}
}

// settleJob charges the payer and pays the worker for one completed job.
// Jobs without a worker or an advertised cost settle nothing.
func settleJob(led *ledger.Ledger, reg *registry.Registry, bus *events.Bus, cfg config.Config, job store.Job, res protocol.JobResult, status string, logger *zap.Logger) {
	if status != protocol.JobCompleted || res.WorkerID == "" {
		return
	}
	w, ok := reg.Get(res.WorkerID)
	if !ok {
		return
	}
	cost, ok := w.CostFor(job.Kind)
	if !ok || !cost.IsPositive() {
		return
	}
	payer := job.Source
	if payer == "" {
		payer = cfg.Dispatch.DefaultSource
	}

	_, span := telemetry.StartSettleSpan(context.Background(), job.ID, payer, res.WorkerID)
	defer span.End()

	result, err := led.ChargeAndSettle(ledger.Settlement{
		Payer:  payer,
		Worker: res.WorkerID,
		Total:  cost.String(),
		JobID:  job.ID,
	})
	if err != nil {
		metrics.RecordSettlement("failed")
		logger.Warn("settlement failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	switch {
	case result.AlreadyDone:
		metrics.RecordSettlement("duplicate")
	case result.Settled:
		metrics.RecordSettlement("settled")
		bus.Publish(events.Event{
			Type:      events.LedgerSettled,
			JobID:     job.ID,
			WorkerID:  res.WorkerID,
			Summary:   fmt.Sprintf("settled %s from %s to %s", cost.String(), payer, res.WorkerID),
			Timestamp: time.Now().UTC(),
		})
	default:
		metrics.RecordSettlement("failed")
		logger.Warn("settlement rejected",
			zap.String("job_id", job.ID), zap.String("reason", result.Error))
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

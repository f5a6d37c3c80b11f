// Package api exposes the kernel over HTTP: mission, task and job CRUD,
// chain inspection, ledger operations, the worker websocket endpoint and a
// server-sent event stream of kernel lifecycle events.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jobmesh/jobmesh/internal/chain"
	"github.com/jobmesh/jobmesh/internal/config"
	"github.com/jobmesh/jobmesh/internal/dispatch"
	"github.com/jobmesh/jobmesh/internal/events"
	"github.com/jobmesh/jobmesh/internal/ledger"
	"github.com/jobmesh/jobmesh/internal/metrics"
	"github.com/jobmesh/jobmesh/internal/registry"
	"github.com/jobmesh/jobmesh/internal/store"
	"github.com/jobmesh/jobmesh/internal/transport"
)

// Server is the kernel HTTP API.
type Server struct {
	cfg        config.Config
	logger     *zap.Logger
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	runner     *chain.Runner
	registry   *registry.Registry
	ledger     *ledger.Ledger
	bus        *events.Bus
	relay      *transport.WebRelay // nil unless transport mode is webrelay

	httpServer *http.Server
	startedAt  time.Time
}

// New creates the API server. relay may be nil when the worker websocket
// endpoint is not wired.
func New(
	cfg config.Config,
	st *store.Store,
	d *dispatch.Dispatcher,
	runner *chain.Runner,
	reg *registry.Registry,
	led *ledger.Ledger,
	bus *events.Bus,
	relay *transport.WebRelay,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		dispatcher: d,
		runner:     runner,
		registry:   reg,
		ledger:     led,
		bus:        bus,
		relay:      relay,
		startedAt:  time.Now().UTC(),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route mux. Exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.logger.Info("api server listening", zap.String("addr", s.cfg.ListenAddr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// Missions and tasks
	mux.HandleFunc("POST /api/v1/missions", s.handleCreateMission)
	mux.HandleFunc("GET /api/v1/missions", s.handleListMissions)
	mux.HandleFunc("GET /api/v1/missions/{id}", s.handleGetMission)
	mux.HandleFunc("GET /api/v1/missions/{id}/tasks", s.handleListMissionTasks)
	mux.HandleFunc("POST /api/v1/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("GET /api/v1/tasks/{id}/jobs", s.handleListTaskJobs)

	// Jobs
	mux.HandleFunc("POST /api/v1/jobs", s.handleSubmitJob)
	mux.HandleFunc("GET /api/v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", s.handleGetJob)

	// Chains
	mux.HandleFunc("POST /api/v1/chains", s.handleCreateChain)
	mux.HandleFunc("GET /api/v1/chains/{id}", s.handleGetChain)
	mux.HandleFunc("GET /api/v1/chains/{id}/specs", s.handleListChainSpecs)
	mux.HandleFunc("POST /api/v1/chains/{id}/followups", s.handleRegisterFollowups)

	// Workers
	mux.HandleFunc("GET /api/v1/workers", s.handleListWorkers)
	mux.HandleFunc("GET /api/v1/workers/{id}", s.handleGetWorker)

	// Rate limits
	mux.HandleFunc("GET /api/v1/ratelimits/{source}", s.handleGetRateLimit)
	mux.HandleFunc("PUT /api/v1/ratelimits/{source}", s.handleSetRateLimit)

	// Ledger
	mux.HandleFunc("POST /api/v1/ledger/credit", s.handleLedgerCredit)
	mux.HandleFunc("POST /api/v1/ledger/adjust", s.handleLedgerAdjust)
	mux.HandleFunc("GET /api/v1/ledger/balances", s.handleLedgerBalances)
	mux.HandleFunc("POST /api/v1/ledger/settle", s.handleLedgerSettle)
	mux.HandleFunc("GET /api/v1/ledger/verify", s.handleLedgerVerify)
	mux.HandleFunc("GET /api/v1/ledger/journal", s.handleLedgerJournal)

	// Event stream
	mux.HandleFunc("GET /api/v1/events", s.handleEventsSSE)

	// Worker websocket
	if s.relay != nil {
		mux.HandleFunc("GET /ws/worker", s.relay.HandleWorkerWS)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	})
}

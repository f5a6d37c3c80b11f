package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jobmesh/jobmesh/internal/chain"
	"github.com/jobmesh/jobmesh/internal/config"
	"github.com/jobmesh/jobmesh/internal/dispatch"
	"github.com/jobmesh/jobmesh/internal/events"
	"github.com/jobmesh/jobmesh/internal/ledger"
	"github.com/jobmesh/jobmesh/internal/protocol"
	"github.com/jobmesh/jobmesh/internal/registry"
	"github.com/jobmesh/jobmesh/internal/store"
	"github.com/jobmesh/jobmesh/internal/transport"
)

type fixture struct {
	srv *httptest.Server
	st  *store.Store
	bus *events.Bus
	reg *registry.Registry
	led *ledger.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	st, err := store.New(dir + "/kernel.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus(64)

	reg, err := registry.New(config.RegistryConfig{}, nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	led, err := ledger.New(config.LedgerConfig{
		JournalPath: dir + "/ledger.ndjson",
		DomainLock:  dir + "/ledger.lock",
		HashChain:   true,
		BaseMargin:  0.1,
		MaxMargin:   0.5,
	}, nil, nil)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}

	cfg := config.Config{
		ListenAddr: ":0",
		RateLimit:  config.RateLimitConfig{DefaultPerMinute: 60, DefaultConcurrent: 10},
		Chain:      config.ChainConfig{TimeoutSeconds: 900},
	}

	d := dispatch.New(st, transport.NewMemory(), bus,
		config.DispatchConfig{}, cfg.RateLimit, dispatch.Hooks{}, nil)
	runner := chain.NewRunner(st, bus, config.ChainConfig{MaxDepth: 3, MaxJobsTotal: 10}, nil)

	s := New(cfg, st, d, runner, reg, led, bus, nil, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, st: st, bus: bus, reg: reg, led: led}
}

func (f *fixture) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp, decodeMap(t, resp)
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp, decodeMap(t, resp)
}

func decodeMap(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var m map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return m
}

func (f *fixture) newTask(t *testing.T) (missionID, taskID string) {
	t.Helper()
	resp, mission := f.post(t, "/api/v1/missions", map[string]any{"user_id": "u1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create mission status = %d", resp.StatusCode)
	}
	resp, task := f.post(t, "/api/v1/tasks", map[string]any{
		"mission_id": mission["id"], "kind": "analysis",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create task status = %d", resp.StatusCode)
	}
	return mission["id"].(string), task["id"].(string)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestMissionTaskJobFlow(t *testing.T) {
	f := newFixture(t)
	missionID, taskID := f.newTask(t)

	resp, job := f.post(t, "/api/v1/jobs", map[string]any{
		"task_id": taskID, "kind": "walk_tree",
		"params": map[string]any{"root": "/src"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit status = %d, body %v", resp.StatusCode, job)
	}
	if job["status"] != protocol.JobPending {
		t.Fatalf("job status = %v, want pending", job["status"])
	}

	resp, got := f.get(t, "/api/v1/jobs/"+job["id"].(string))
	if resp.StatusCode != http.StatusOK || got["kind"] != "walk_tree" {
		t.Fatalf("get job = %d %v", resp.StatusCode, got)
	}

	resp, tasks := f.get(t, "/api/v1/missions/"+missionID+"/tasks")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list tasks status = %d", resp.StatusCode)
	}
	if n := len(tasks["tasks"].([]any)); n != 1 {
		t.Fatalf("tasks = %d, want 1", n)
	}

	resp, jobs := f.get(t, "/api/v1/jobs?status=pending")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list jobs status = %d", resp.StatusCode)
	}
	if n := len(jobs["jobs"].([]any)); n != 1 {
		t.Fatalf("pending jobs = %d, want 1", n)
	}
}

func TestSubmitJobValidation(t *testing.T) {
	f := newFixture(t)
	resp, body := f.post(t, "/api/v1/jobs", map[string]any{"kind": "walk_tree"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	if body["code"] != "invalid_request" {
		t.Fatalf("code = %v", body["code"])
	}

	resp, _ = f.get(t, "/api/v1/jobs/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing job status = %d", resp.StatusCode)
	}
}

func TestChainEndpoints(t *testing.T) {
	f := newFixture(t)
	_, taskID := f.newTask(t)

	resp, c := f.post(t, "/api/v1/chains", map[string]any{
		"chain_id": "c-1", "task_id": taskID,
		"limits": map[string]any{"max_files": 100},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create chain status = %d, body %v", resp.StatusCode, c)
	}
	if c["state"] != protocol.ChainRunning {
		t.Fatalf("chain state = %v", c["state"])
	}

	followups := map[string]any{
		"root_job_id":   "root-1",
		"parent_job_id": "root-1",
		"followups":     []map[string]any{{"kind": "walk_tree", "params": map[string]any{"root": "/src"}}},
	}
	resp, body := f.post(t, "/api/v1/chains/c-1/followups", followups)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("followups status = %d, body %v", resp.StatusCode, body)
	}

	// the same batch again is a repeat
	resp, body = f.post(t, "/api/v1/chains/c-1/followups", followups)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("repeat status = %d, body %v", resp.StatusCode, body)
	}
	if body["code"] != "repeat_detected" {
		t.Fatalf("repeat code = %v", body["code"])
	}

	resp, specs := f.get(t, "/api/v1/chains/c-1/specs")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("specs status = %d", resp.StatusCode)
	}
	if n := len(specs["specs"].([]any)); n != 1 {
		t.Fatalf("specs = %d, want 1", n)
	}

	resp, _ = f.get(t, "/api/v1/chains/missing")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing chain status = %d", resp.StatusCode)
	}
}

func TestCreateChainDefaultsDeadline(t *testing.T) {
	f := newFixture(t)
	_, taskID := f.newTask(t)

	// no timeout_seconds in the request: the configured chain timeout
	// still bounds the lifetime
	resp, c := f.post(t, "/api/v1/chains", map[string]any{
		"chain_id": "c-default", "task_id": taskID,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create chain status = %d, body %v", resp.StatusCode, c)
	}
	raw, ok := c["deadline"].(string)
	if !ok || raw == "" {
		t.Fatalf("deadline missing from %v", c)
	}
	deadline, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		t.Fatalf("parse deadline %q: %v", raw, err)
	}
	until := time.Until(deadline)
	if until < 10*time.Minute || until > 16*time.Minute {
		t.Fatalf("deadline %s from now, want about 15m", until)
	}

	// an explicit timeout wins over the default
	resp, c = f.post(t, "/api/v1/chains", map[string]any{
		"chain_id": "c-explicit", "task_id": taskID, "timeout_seconds": 60,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create chain status = %d, body %v", resp.StatusCode, c)
	}
	raw, _ = c["deadline"].(string)
	deadline, err = time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		t.Fatalf("parse deadline %q: %v", raw, err)
	}
	if until := time.Until(deadline); until > 2*time.Minute {
		t.Fatalf("explicit deadline %s from now, want about 1m", until)
	}
}

func TestLedgerEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, body := f.post(t, "/api/v1/ledger/credit", map[string]any{
		"account": "alice", "amount": "10.00", "reason": "topup",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("credit status = %d, body %v", resp.StatusCode, body)
	}

	resp, body = f.get(t, "/api/v1/ledger/balances")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("balances status = %d", resp.StatusCode)
	}
	balances := body["balances"].(map[string]any)
	if balances["alice"] != "10" {
		t.Fatalf("alice balance = %v, want 10", balances["alice"])
	}

	settle := map[string]any{
		"payer": "alice", "worker": "w-1", "total": "2.00", "job_id": "j-1",
	}
	resp, body = f.post(t, "/api/v1/ledger/settle", settle)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("settle status = %d, body %v", resp.StatusCode, body)
	}
	if body["settled"] != true {
		t.Fatalf("settle body = %v", body)
	}

	// settling the same job again is a no-op
	resp, body = f.post(t, "/api/v1/ledger/settle", settle)
	if resp.StatusCode != http.StatusOK || body["already_done"] != true {
		t.Fatalf("duplicate settle = %d %v", resp.StatusCode, body)
	}

	resp, body = f.get(t, "/api/v1/ledger/verify")
	if resp.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("verify = %d %v", resp.StatusCode, body)
	}

	// broke payer cannot settle
	resp, body = f.post(t, "/api/v1/ledger/settle", map[string]any{
		"payer": "bob", "worker": "w-1", "total": "5.00", "job_id": "j-2",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("broke settle status = %d, body %v", resp.StatusCode, body)
	}
}

func TestLedgerJournalRange(t *testing.T) {
	f := newFixture(t)
	f.post(t, "/api/v1/ledger/credit", map[string]any{"account": "alice", "amount": "1"})
	f.post(t, "/api/v1/ledger/credit", map[string]any{"account": "bob", "amount": "2"})

	resp, err := http.Get(f.srv.URL + "/api/v1/ledger/journal")
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("journal status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/api/v1/ledger/journal", nil)
	req.Header.Set("Range", "bytes=10-")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("range request: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusPartialContent {
		t.Fatalf("range status = %d, want 206", resp2.StatusCode)
	}
}

func TestRateLimitEndpoints(t *testing.T) {
	f := newFixture(t)

	req, _ := http.NewRequest(http.MethodPut, f.srv.URL+"/api/v1/ratelimits/tenant-a",
		strings.NewReader(`{"max_per_minute":5,"max_concurrent":2}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT ratelimit: %v", err)
	}
	body := decodeMap(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set status = %d, body %v", resp.StatusCode, body)
	}

	resp, body = f.get(t, "/api/v1/ratelimits/tenant-a")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	if body["max_per_minute"] != float64(5) || body["max_concurrent"] != float64(2) {
		t.Fatalf("limits = %v", body)
	}

	// unknown source falls back to the configured defaults
	resp, body = f.get(t, "/api/v1/ratelimits/fresh")
	if resp.StatusCode != http.StatusOK || body["max_per_minute"] != float64(60) {
		t.Fatalf("default limits = %d %v", resp.StatusCode, body)
	}
}

func TestWorkerEndpoints(t *testing.T) {
	f := newFixture(t)
	if _, err := f.reg.Register(protocol.RegisterPayload{
		WorkerID:     "w-1",
		Capabilities: []protocol.Capability{{Kind: "walk_tree", Cost: "0.5"}},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	resp, body := f.get(t, "/api/v1/workers")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	if n := len(body["workers"].([]any)); n != 1 {
		t.Fatalf("workers = %d, want 1", n)
	}

	resp, worker := f.get(t, "/api/v1/workers/w-1")
	if resp.StatusCode != http.StatusOK || worker["worker_id"] != "w-1" {
		t.Fatalf("get worker = %d %v", resp.StatusCode, worker)
	}

	resp, _ = f.get(t, "/api/v1/workers/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing worker status = %d", resp.StatusCode)
	}
}

func TestEventsSSEStreamsBusEvents(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/api/v1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect SSE: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// publish until the subscriber is attached and the line arrives
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.bus.Publish(events.Event{Type: events.JobDispatched, JobID: "j-1", Summary: "dispatched"})
			}
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	var data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	cancel()
	<-done

	if data == "" {
		t.Fatal("no SSE data line received")
	}
	var evt events.Event
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		t.Fatalf("decode event: %v (%s)", err, data)
	}
	if evt.Type != events.JobDispatched || evt.JobID != "j-1" {
		t.Fatalf("event = %+v", evt)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(readAll(t, resp), "jobmesh_") {
		t.Fatal("metrics output missing jobmesh_ families")
	}
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	var sb strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		sb.WriteString(scanner.Text())
		sb.WriteByte('\n')
	}
	return sb.String()
}

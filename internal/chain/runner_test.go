package chain

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jobmesh/jobmesh/internal/config"
	"github.com/jobmesh/jobmesh/internal/events"
	"github.com/jobmesh/jobmesh/internal/metrics"
	"github.com/jobmesh/jobmesh/internal/protocol"
	"github.com/jobmesh/jobmesh/internal/store"
)

func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func counterVecValue(cv *prometheus.CounterVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func testRunnerConfig() config.ChainConfig {
	return config.ChainConfig{
		TickSeconds:    1,
		SelectLimit:    8,
		LeaseSeconds:   120,
		MaxDepth:       5,
		MaxJobsTotal:   25,
		TimeoutSeconds: 900,
		ChildResultCap: 25000,
	}
}

func newRunnerFixture(t *testing.T, cfg config.ChainConfig) (*Runner, *store.Store, *store.Task) {
	t.Helper()
	st, err := store.New(t.TempDir() + "/kernel.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mission, err := st.CreateMission(store.Mission{UserID: "u1"})
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	task, err := st.CreateTask(store.Task{MissionID: mission.ID, Kind: "agent"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return NewRunner(st, events.NewBus(64), cfg, nil), st, task
}

func followup(kind string, params map[string]any) protocol.FollowupSpec {
	return protocol.FollowupSpec{Kind: kind, Params: params}
}

func TestRegisterFollowupsAndTickMaterialisesJob(t *testing.T) {
	r, st, task := newRunnerFixture(t, testRunnerConfig())

	if _, err := r.EnsureChain("c1", task.ID, store.ChainLimits{}, nil); err != nil {
		t.Fatalf("ensure chain: %v", err)
	}
	err := r.RegisterFollowups("c1", task.ID, "root-1", "root-1", []protocol.FollowupSpec{
		followup("walk_tree", map[string]any{"root": "/src"}),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	c, _ := st.GetChainContext("c1")
	if !c.NeedsTick || c.Depth != 1 || c.JobsTotal != 1 {
		t.Fatalf("chain after register: needs_tick=%v depth=%d jobs=%d", c.NeedsTick, c.Depth, c.JobsTotal)
	}

	r.Tick()

	specs, _ := st.ListSpecsByChain("c1")
	if len(specs) != 1 || specs[0].Status != protocol.SpecDispatched {
		t.Fatalf("spec = %+v", specs)
	}
	job, err := st.GetJob(specs[0].DispatchedJobID)
	if err != nil {
		t.Fatalf("materialised job: %v", err)
	}
	if job.IdempotencyKey != "spec:"+specs[0].SpecID {
		t.Errorf("idempotency key = %q", job.IdempotencyKey)
	}
	if len(job.DependsOn) != 1 || job.DependsOn[0] != "root-1" {
		t.Errorf("depends_on = %v", job.DependsOn)
	}
	if job.ChainHint == nil || job.ChainHint.ChainID != "c1" || job.ChainHint.SpecID != specs[0].SpecID {
		t.Errorf("chain hint = %+v", job.ChainHint)
	}
	if job.Params["root"] != "/src" {
		t.Errorf("params = %v", job.Params)
	}

	// queue drained, tick flag cleared
	c, _ = st.GetChainContext("c1")
	if c.NeedsTick {
		t.Error("needs_tick should clear once no pending specs remain")
	}
}

func TestDuplicateFollowupBatchSelfCorrects(t *testing.T) {
	r, st, task := newRunnerFixture(t, testRunnerConfig())
	if _, err := r.EnsureChain("c1", task.ID, store.ChainLimits{}, nil); err != nil {
		t.Fatalf("ensure chain: %v", err)
	}

	// advance the chain to depth 2 first
	if err := r.RegisterFollowups("c1", task.ID, "root-1", "p1", []protocol.FollowupSpec{
		followup("walk_tree", map[string]any{"root": "/a"}),
	}); err != nil {
		t.Fatalf("register depth 1: %v", err)
	}
	if err := r.RegisterFollowups("c1", task.ID, "root-1", "p2", []protocol.FollowupSpec{
		followup("walk_tree", map[string]any{"root": "/b"}),
	}); err != nil {
		t.Fatalf("register depth 2: %v", err)
	}

	err := r.RegisterFollowups("c1", task.ID, "root-1", "p3", []protocol.FollowupSpec{
		followup("walk_tree", map[string]any{"root": "/"}),
		followup("walk_tree", map[string]any{"root": "/"}),
	})
	var guardErr *GuardError
	if !errors.As(err, &guardErr) || guardErr.Reason != ReasonRepeatDetected {
		t.Fatalf("err = %v, want repeat_detected guard error", err)
	}

	// no specs created, reason recorded, chain still running
	specs, _ := st.ListSpecsByChain("c1")
	if len(specs) != 2 {
		t.Fatalf("specs = %d, want 2 (rejected batch must not partially land)", len(specs))
	}
	c, _ := st.GetChainContext("c1")
	if c.State != protocol.ChainRunning || c.FailedReason != ReasonRepeatDetected {
		t.Fatalf("chain state=%s reason=%q", c.State, c.FailedReason)
	}

	// a fresh LLM step carries the violation in its context
	jobs, _ := st.ListJobsByTask(task.ID)
	var corrective *store.Job
	for i := range jobs {
		if jobs[i].Kind == protocol.KindAgentPlan {
			corrective = &jobs[i]
		}
	}
	if corrective == nil {
		t.Fatal("expected a queued self-correction step")
	}
	if corrective.Params["violation"] != ReasonRepeatDetected {
		t.Errorf("corrective params = %v", corrective.Params)
	}
}

func TestRepeatAgainstEarlierBatchIsRejected(t *testing.T) {
	r, _, task := newRunnerFixture(t, testRunnerConfig())
	if _, err := r.EnsureChain("c1", task.ID, store.ChainLimits{}, nil); err != nil {
		t.Fatalf("ensure chain: %v", err)
	}

	params := map[string]any{"root": "/"}
	if err := r.RegisterFollowups("c1", task.ID, "root-1", "p1", []protocol.FollowupSpec{
		followup("walk_tree", params),
	}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// same kind and params again → repeat
	err := r.RegisterFollowups("c1", task.ID, "root-1", "p1", []protocol.FollowupSpec{
		followup("walk_tree", params),
	})
	var guardErr *GuardError
	if !errors.As(err, &guardErr) || guardErr.Reason != ReasonRepeatDetected {
		t.Fatalf("err = %v, want repeat_detected", err)
	}
}

func TestRepeatUnderDifferentParentIsRejected(t *testing.T) {
	r, st, task := newRunnerFixture(t, testRunnerConfig())
	if _, err := r.EnsureChain("c1", task.ID, store.ChainLimits{}, nil); err != nil {
		t.Fatalf("ensure chain: %v", err)
	}

	// the repeat guard keys on (kind, params) chain-wide: a later LLM step
	// re-requesting the identical tool call must be caught even though its
	// parent job differs
	params := map[string]any{"root": "/"}
	if err := r.RegisterFollowups("c1", task.ID, "root-1", "parent-a", []protocol.FollowupSpec{
		followup("walk_tree", params),
	}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := r.RegisterFollowups("c1", task.ID, "root-1", "parent-b", []protocol.FollowupSpec{
		followup("walk_tree", params),
	})
	var guardErr *GuardError
	if !errors.As(err, &guardErr) || guardErr.Reason != ReasonRepeatDetected {
		t.Fatalf("err = %v, want repeat_detected", err)
	}
	specs, _ := st.ListSpecsByChain("c1")
	if len(specs) != 1 {
		t.Fatalf("specs = %d, want 1", len(specs))
	}
}

func TestTickTracesAndCountsDispatchedSpecs(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	r, _, task := newRunnerFixture(t, testRunnerConfig())
	if _, err := r.EnsureChain("c1", task.ID, store.ChainLimits{}, nil); err != nil {
		t.Fatalf("ensure chain: %v", err)
	}
	if err := r.RegisterFollowups("c1", task.ID, "root-1", "root-1", []protocol.FollowupSpec{
		followup("walk_tree", map[string]any{"root": "/src"}),
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	dispatched := counterValue(metrics.SpecsDispatchedTotal)
	r.Tick()
	if got := counterValue(metrics.SpecsDispatchedTotal); got != dispatched+1 {
		t.Errorf("specs dispatched = %v, want %v", got, dispatched+1)
	}

	spans := exporter.GetSpans()
	var tick *tracetest.SpanStub
	for i := range spans {
		if spans[i].Name == "chain.tick" {
			tick = &spans[i]
		}
	}
	if tick == nil {
		t.Fatal("no chain.tick span exported")
	}
	found := false
	for _, a := range tick.Attributes {
		if string(a.Key) == "jobmesh.chain_id" && a.Value.AsString() == "c1" {
			found = true
		}
	}
	if !found {
		t.Error("chain.tick span missing jobmesh.chain_id attribute")
	}
}

func TestGuardRejectionCountsViolation(t *testing.T) {
	r, _, task := newRunnerFixture(t, testRunnerConfig())
	if _, err := r.EnsureChain("c1", task.ID, store.ChainLimits{}, nil); err != nil {
		t.Fatalf("ensure chain: %v", err)
	}
	params := map[string]any{"root": "/"}
	if err := r.RegisterFollowups("c1", task.ID, "root-1", "p1", []protocol.FollowupSpec{
		followup("walk_tree", params),
	}); err != nil {
		t.Fatalf("first register: %v", err)
	}

	violations := counterVecValue(metrics.GuardViolationsTotal, ReasonRepeatDetected)
	err := r.RegisterFollowups("c1", task.ID, "root-1", "p2", []protocol.FollowupSpec{
		followup("walk_tree", params),
	})
	var guardErr *GuardError
	if !errors.As(err, &guardErr) {
		t.Fatalf("err = %v, want guard error", err)
	}
	if got := counterVecValue(metrics.GuardViolationsTotal, ReasonRepeatDetected); got != violations+1 {
		t.Errorf("violations = %v, want %v", got, violations+1)
	}
}

func TestDepthGuardBoundary(t *testing.T) {
	cfg := testRunnerConfig()
	cfg.MaxDepth = 2
	r, st, task := newRunnerFixture(t, cfg)
	if _, err := r.EnsureChain("c1", task.ID, store.ChainLimits{}, nil); err != nil {
		t.Fatalf("ensure chain: %v", err)
	}

	// depth 0 → 1
	if err := r.RegisterFollowups("c1", task.ID, "r", "p1", []protocol.FollowupSpec{
		followup("walk_tree", map[string]any{"root": "/a"}),
	}); err != nil {
		t.Fatalf("depth 1: %v", err)
	}
	// depth max_depth-1 still accepts one more batch
	if err := r.RegisterFollowups("c1", task.ID, "r", "p2", []protocol.FollowupSpec{
		followup("walk_tree", map[string]any{"root": "/b"}),
	}); err != nil {
		t.Fatalf("depth 2: %v", err)
	}
	// at max_depth it rejects
	err := r.RegisterFollowups("c1", task.ID, "r", "p3", []protocol.FollowupSpec{
		followup("walk_tree", map[string]any{"root": "/c"}),
	})
	var guardErr *GuardError
	if !errors.As(err, &guardErr) || guardErr.Reason != ReasonDepthExceeded {
		t.Fatalf("err = %v, want depth_exceeded", err)
	}
	c, _ := st.GetChainContext("c1")
	if c.Depth != 2 {
		t.Fatalf("depth = %d, want 2", c.Depth)
	}
}

func TestJobsBudgetGuard(t *testing.T) {
	cfg := testRunnerConfig()
	cfg.MaxJobsTotal = 3
	r, _, task := newRunnerFixture(t, cfg)
	if _, err := r.EnsureChain("c1", task.ID, store.ChainLimits{}, nil); err != nil {
		t.Fatalf("ensure chain: %v", err)
	}

	if err := r.RegisterFollowups("c1", task.ID, "r", "p1", []protocol.FollowupSpec{
		followup("walk_tree", map[string]any{"root": "/a"}),
		followup("walk_tree", map[string]any{"root": "/b"}),
	}); err != nil {
		t.Fatalf("first batch: %v", err)
	}
	err := r.RegisterFollowups("c1", task.ID, "r", "p2", []protocol.FollowupSpec{
		followup("walk_tree", map[string]any{"root": "/c"}),
		followup("walk_tree", map[string]any{"root": "/d"}),
	})
	var guardErr *GuardError
	if !errors.As(err, &guardErr) || guardErr.Reason != ReasonJobsExceeded {
		t.Fatalf("err = %v, want jobs_budget_exceeded", err)
	}
}

func TestConcurrentTicksClaimOnce(t *testing.T) {
	r1, st, task := newRunnerFixture(t, testRunnerConfig())
	r2 := NewRunner(st, events.NewBus(64), testRunnerConfig(), nil)

	if _, err := r1.EnsureChain("c1", task.ID, store.ChainLimits{}, nil); err != nil {
		t.Fatalf("ensure chain: %v", err)
	}
	if err := r1.RegisterFollowups("c1", task.ID, "root-1", "", []protocol.FollowupSpec{
		followup("walk_tree", map[string]any{"root": "/"}),
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	var wg sync.WaitGroup
	for _, r := range []*Runner{r1, r2} {
		wg.Add(1)
		go func(r *Runner) {
			defer wg.Done()
			r.Tick()
		}(r)
	}
	wg.Wait()

	specs, _ := st.ListSpecsByChain("c1")
	if len(specs) != 1 || specs[0].Status != protocol.SpecDispatched {
		t.Fatalf("spec = %+v", specs)
	}
	// exactly one child job materialised
	jobs, _ := st.ListJobsByTask(task.ID)
	children := 0
	for _, j := range jobs {
		if strings.HasPrefix(j.IdempotencyKey, "spec:") {
			children++
		}
	}
	if children != 1 {
		t.Fatalf("materialised %d child jobs, want 1", children)
	}
}

func TestDeadlineClosesChainOnTick(t *testing.T) {
	r, st, task := newRunnerFixture(t, testRunnerConfig())
	past := time.Now().UTC().Add(-time.Minute)
	if _, err := st.EnsureChainContext("c1", task.ID, store.ChainLimits{}, &past); err != nil {
		t.Fatalf("ensure chain: %v", err)
	}
	if err := st.SetChainNeedsTick("c1", true); err != nil {
		t.Fatalf("needs tick: %v", err)
	}

	r.Tick()

	c, _ := st.GetChainContext("c1")
	if c.State != protocol.ChainError || c.FailedReason != ReasonTimeout {
		t.Fatalf("chain = %s/%q, want error/timeout", c.State, c.FailedReason)
	}
}

func TestWalkTreeResultStoresTrimmedArtifact(t *testing.T) {
	r, st, task := newRunnerFixture(t, testRunnerConfig())
	limits := store.ChainLimits{MaxFiles: 2, MaxTotalBytes: 1 << 20, MaxBytesPerFile: 1 << 16}
	if _, err := r.EnsureChain("c1", task.ID, limits, nil); err != nil {
		t.Fatalf("ensure chain: %v", err)
	}

	job := store.Job{ID: "j1", TaskID: task.ID, Kind: "walk_tree",
		ChainHint: &protocol.ChainHint{ChainID: "c1"}}
	res := protocol.JobResult{JobID: "j1", Ok: true,
		Data: map[string]any{"paths": []any{"/a", "/b", "/c"}}}
	if err := r.HandleJobResult(job, res, protocol.JobCompleted); err != nil {
		t.Fatalf("handle result: %v", err)
	}

	c, _ := st.GetChainContext("c1")
	art, ok := c.Artifacts["file_list"]
	if !ok {
		t.Fatal("file_list artifact missing")
	}
	list, _ := art.Value.([]any)
	if len(list) != 2 {
		t.Fatalf("file_list = %v, want trimmed to 2", art.Value)
	}
	if art.Meta["truncated"] != true {
		t.Errorf("meta = %v, want truncated flag", art.Meta)
	}
	if len(c.LastToolResults) != 1 {
		t.Errorf("tool results = %d, want 1", len(c.LastToolResults))
	}
}

func TestBlobArtifactTruncationIsDeterministic(t *testing.T) {
	r, st, task := newRunnerFixture(t, testRunnerConfig())
	limits := store.ChainLimits{MaxFiles: 2, MaxTotalBytes: 1 << 20, MaxBytesPerFile: 1 << 16}
	if _, err := r.EnsureChain("c1", task.ID, limits, nil); err != nil {
		t.Fatalf("ensure chain: %v", err)
	}

	// over the max_files cutoff the dropped files must be the same on
	// every run, not whatever map order produced
	job := store.Job{ID: "j1", TaskID: task.ID, Kind: "read_file_batch",
		ChainHint: &protocol.ChainHint{ChainID: "c1"}}
	res := protocol.JobResult{JobID: "j1", Ok: true,
		Data: map[string]any{"contents": map[string]any{
			"/d": "dd", "/b": "bb", "/a": "aa", "/c": "cc",
		}}}
	if err := r.HandleJobResult(job, res, protocol.JobCompleted); err != nil {
		t.Fatalf("handle result: %v", err)
	}

	c, _ := st.GetChainContext("c1")
	art, ok := c.Artifacts["file_blobs"]
	if !ok {
		t.Fatal("file_blobs artifact missing")
	}
	blobs, _ := art.Value.(map[string]any)
	if len(blobs) != 2 {
		t.Fatalf("blobs = %v, want 2 files", blobs)
	}
	if blobs["/a"] != "aa" || blobs["/b"] != "bb" {
		t.Errorf("kept %v, want the first two paths in order", blobs)
	}
	if art.Meta["truncated"] != true {
		t.Errorf("meta = %v, want truncated flag", art.Meta)
	}
}

func TestOversizedChildResultIsCompacted(t *testing.T) {
	cfg := testRunnerConfig()
	cfg.ChildResultCap = 200
	r, st, task := newRunnerFixture(t, cfg)
	if _, err := r.EnsureChain("c1", task.ID, store.ChainLimits{}, nil); err != nil {
		t.Fatalf("ensure chain: %v", err)
	}

	job := store.Job{ID: "j1", TaskID: task.ID, Kind: "grep_scan",
		ChainHint: &protocol.ChainHint{ChainID: "c1"}}
	res := protocol.JobResult{JobID: "j1", Ok: true,
		Data: map[string]any{"hits": strings.Repeat("x", 500)}}
	if err := r.HandleJobResult(job, res, protocol.JobCompleted); err != nil {
		t.Fatalf("handle result: %v", err)
	}

	c, _ := st.GetChainContext("c1")
	if len(c.LastToolResults) != 1 {
		t.Fatalf("tool results = %d", len(c.LastToolResults))
	}
	entry, _ := c.LastToolResults[0].(map[string]any)
	if entry["_truncated"] != true {
		t.Fatalf("entry = %v, want _truncated marker", entry)
	}
	if _, hasData := entry["data"]; hasData {
		t.Error("compacted entry should not carry the full data")
	}
}

func TestPlanResultFinalAnswerClosesChain(t *testing.T) {
	r, st, task := newRunnerFixture(t, testRunnerConfig())
	if _, err := r.EnsureChain("c1", task.ID, store.ChainLimits{}, nil); err != nil {
		t.Fatalf("ensure chain: %v", err)
	}

	plan := store.Job{ID: "plan-1", TaskID: task.ID, Kind: protocol.KindAgentPlan,
		ChainHint: &protocol.ChainHint{ChainID: "c1"}}
	res := protocol.JobResult{JobID: "plan-1", Ok: true,
		Data: map[string]any{"final_answer": "the repo has 3 services"}}
	if err := r.HandleJobResult(plan, res, protocol.JobCompleted); err != nil {
		t.Fatalf("handle result: %v", err)
	}

	c, _ := st.GetChainContext("c1")
	if c.State != protocol.ChainDone || c.FinalAnswer != "the repo has 3 services" {
		t.Fatalf("chain = %s/%q", c.State, c.FinalAnswer)
	}

	// late child completions are ignored once terminal
	late := store.Job{ID: "j9", TaskID: task.ID, Kind: "walk_tree",
		ChainHint: &protocol.ChainHint{ChainID: "c1"}}
	lateRes := protocol.JobResult{JobID: "j9", Ok: true,
		Data: map[string]any{"paths": []any{"/late"}}}
	if err := r.HandleJobResult(late, lateRes, protocol.JobCompleted); err != nil {
		t.Fatalf("late result: %v", err)
	}
	c, _ = st.GetChainContext("c1")
	if _, ok := c.Artifacts["file_list"]; ok {
		t.Error("terminal chain must not accept new artifacts")
	}
}

func TestPlanResultRegistersFollowups(t *testing.T) {
	r, st, task := newRunnerFixture(t, testRunnerConfig())
	if _, err := r.EnsureChain("c1", task.ID, store.ChainLimits{}, nil); err != nil {
		t.Fatalf("ensure chain: %v", err)
	}

	plan := store.Job{ID: "plan-1", TaskID: task.ID, Kind: protocol.KindAgentPlan,
		ChainHint: &protocol.ChainHint{ChainID: "c1"}}
	res := protocol.JobResult{JobID: "plan-1", Ok: true,
		Data: map[string]any{"followups": []any{
			map[string]any{"kind": "walk_tree", "params": map[string]any{"root": "/src"}},
			map[string]any{"kind": "grep_scan", "params": map[string]any{"pattern": "TODO"}},
		}}}
	if err := r.HandleJobResult(plan, res, protocol.JobCompleted); err != nil {
		t.Fatalf("handle result: %v", err)
	}

	specs, _ := st.ListSpecsByChain("c1")
	if len(specs) != 2 {
		t.Fatalf("specs = %d, want 2", len(specs))
	}
	c, _ := st.GetChainContext("c1")
	if !c.NeedsTick || c.Depth != 1 || c.JobsTotal != 2 {
		t.Fatalf("chain = depth %d jobs %d needs_tick %v", c.Depth, c.JobsTotal, c.NeedsTick)
	}
}

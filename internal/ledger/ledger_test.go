package ledger

import (
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/jobmesh/jobmesh/internal/config"
)

func testLedgerConfig(t *testing.T) config.LedgerConfig {
	t.Helper()
	dir := t.TempDir()
	return config.LedgerConfig{
		JournalPath:      filepath.Join(dir, "journal.ndjson"),
		StatePath:        filepath.Join(dir, "state.json"),
		SettledIndexPath: filepath.Join(dir, "settled.json"),
		Currency:         "TOK",
		HashChain:        true,
		BaseMargin:       0.10,
		MarginK1:         0.20,
		MarginK2:         0.10,
		MaxMargin:        0.40,
	}
}

func newTestLedger(t *testing.T, stats StatsFunc) *Ledger {
	t.Helper()
	l, err := New(testLedgerConfig(t), stats, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func TestCreditAndBalance(t *testing.T) {
	l := newTestLedger(t, nil)

	if _, err := l.Credit("alice", "100", "signup"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if got := l.Balance("alice").String(); got != "100" {
		t.Errorf("balance = %s, want 100", got)
	}
	if _, err := l.Credit("alice", "-5", "bad"); err == nil {
		t.Fatal("negative credit accepted")
	}
}

func TestAdjustIsSigned(t *testing.T) {
	l := newTestLedger(t, nil)
	_, _ = l.Credit("alice", "100", "")
	if _, err := l.Adjust("alice", "-30", "correction"); err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	if got := l.Balance("alice").String(); got != "70" {
		t.Errorf("balance = %s, want 70", got)
	}
}

func TestReplayMatchesSnapshot(t *testing.T) {
	l := newTestLedger(t, nil)
	_, _ = l.Credit("alice", "1000", "")
	fixed := 0.10
	if _, err := l.ChargeAndSettle(Settlement{Payer: "alice", Worker: "w1", Total: "100", JobID: "j1", Margin: &fixed}); err != nil {
		t.Fatalf("settle: %v", err)
	}

	replayed, err := l.Replay()
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	for _, acct := range []string{"alice", OperatorAccount, "w1"} {
		if !replayed[acct].Equal(l.Balance(acct)) {
			t.Errorf("replay %s = %s, snapshot %s", acct, replayed[acct], l.Balance(acct))
		}
	}
}

func TestSettlementScenario(t *testing.T) {
	// fully reliable, instant worker: margin stays at base 0.10
	stats := func(string) (WorkerStats, bool) {
		return WorkerStats{SuccessEMA: 1.0, LatencyEMAMS: 0}, true
	}
	l := newTestLedger(t, stats)
	_, _ = l.Credit("alice", "1000", "")

	res, err := l.ChargeAndSettle(Settlement{Payer: "alice", Worker: "w1", Total: "100", JobID: "j42"})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !res.Settled || res.AlreadyDone {
		t.Fatalf("result = %+v", res)
	}

	// second call with the same job id changes nothing
	res2, err := l.ChargeAndSettle(Settlement{Payer: "alice", Worker: "w1", Total: "100", JobID: "j42"})
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if !res2.Settled || !res2.AlreadyDone {
		t.Fatalf("second result = %+v", res2)
	}

	for acct, want := range map[string]string{"alice": "900", OperatorAccount: "10", "w1": "90"} {
		if got := l.Balance(acct).String(); got != want {
			t.Errorf("%s = %s, want %s", acct, got, want)
		}
	}

	// exactly one credit + one charge + one transfer in the journal
	events, err := l.journal.ReadEvents()
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("journal events = %d, want 3", len(events))
	}
}

func TestSettlementInsufficientBalance(t *testing.T) {
	l := newTestLedger(t, nil)
	_, _ = l.Credit("alice", "50", "")

	res, err := l.ChargeAndSettle(Settlement{Payer: "alice", Worker: "w1", Total: "100", JobID: "j1"})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.Settled || res.Error == "" {
		t.Fatalf("result = %+v, want failure", res)
	}

	// no writes on the failure path
	events, _ := l.journal.ReadEvents()
	if len(events) != 1 {
		t.Errorf("journal events = %d, want 1 (credit only)", len(events))
	}
	if got := l.Balance("alice").String(); got != "50" {
		t.Errorf("alice = %s, want 50", got)
	}
}

func TestDynamicMarginRaisesForUnreliableWorker(t *testing.T) {
	// success 0.5, latency 750/1500: margin = 0.10 + 0.20·0.5 + 0.10·0.5 = 0.25
	stats := func(string) (WorkerStats, bool) {
		return WorkerStats{SuccessEMA: 0.5, LatencyEMAMS: 750}, true
	}
	l := newTestLedger(t, stats)
	_, _ = l.Credit("alice", "1000", "")

	res, err := l.ChargeAndSettle(Settlement{Payer: "alice", Worker: "w-flaky", Total: "100", JobID: "j1"})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.ProviderShare != "75" {
		t.Errorf("provider share = %s, want 75", res.ProviderShare)
	}
	if res.OperatorKept != "25" {
		t.Errorf("operator kept = %s, want 25", res.OperatorKept)
	}
}

func TestEffectiveMarginClamps(t *testing.T) {
	// hopeless worker clamps at max
	m := EffectiveMargin(0.10, 0.20, 0.10, 0.40, 0, 99999, 1500)
	if m != 0.40 {
		t.Errorf("margin = %v, want 0.40 (max)", m)
	}
	// perfect worker never drops below base
	m = EffectiveMargin(0.10, 0.20, 0.10, 0.40, 1.0, 0, 1500)
	if m != 0.10 {
		t.Errorf("margin = %v, want 0.10 (base)", m)
	}
}

func TestProviderShareRoundsDown(t *testing.T) {
	fixed := 0.10
	l := newTestLedger(t, nil)
	_, _ = l.Credit("alice", "10", "")

	res, err := l.ChargeAndSettle(Settlement{Payer: "alice", Worker: "w1", Total: "0.3333", JobID: "j1", Margin: &fixed})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	// 0.3333 · 0.9 = 0.29997 → round down to 4 dp
	if res.ProviderShare != "0.2999" {
		t.Errorf("provider share = %s, want 0.2999", res.ProviderShare)
	}

	total := decimal.RequireFromString(res.ProviderShare).Add(decimal.RequireFromString(res.OperatorKept))
	if !total.Equal(decimal.RequireFromString("0.3333")) {
		t.Errorf("share + kept = %s, want 0.3333", total)
	}
}

func TestBatchSettle(t *testing.T) {
	fixed := 0.10
	l := newTestLedger(t, nil)
	_, _ = l.Credit("alice", "100", "")

	results, err := l.BatchSettle([]Settlement{
		{Payer: "alice", Worker: "w1", Total: "40", JobID: "b1", Margin: &fixed},
		{Payer: "alice", Worker: "w2", Total: "40", JobID: "b2", Margin: &fixed},
		{Payer: "alice", Worker: "w3", Total: "40", JobID: "b3", Margin: &fixed}, // exceeds remaining 20
		{Payer: "alice", Worker: "w1", Total: "40", JobID: "b1", Margin: &fixed}, // duplicate
	})
	if err != nil {
		t.Fatalf("BatchSettle: %v", err)
	}
	if !results[0].Settled || !results[1].Settled {
		t.Errorf("first two should settle: %+v", results[:2])
	}
	if results[2].Settled {
		t.Errorf("third should fail on balance: %+v", results[2])
	}
	if !results[3].AlreadyDone {
		t.Errorf("fourth should dedupe: %+v", results[3])
	}
	if got := l.Balance("alice").String(); got != "20" {
		t.Errorf("alice = %s, want 20", got)
	}
}

func TestSettledIndexSurvivesReopen(t *testing.T) {
	cfg := testLedgerConfig(t)
	l1, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, _ = l1.Credit("alice", "1000", "")
	fixed := 0.10
	if _, err := l1.ChargeAndSettle(Settlement{Payer: "alice", Worker: "w1", Total: "100", JobID: "j1", Margin: &fixed}); err != nil {
		t.Fatalf("settle: %v", err)
	}

	l2, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	res, err := l2.ChargeAndSettle(Settlement{Payer: "alice", Worker: "w1", Total: "100", JobID: "j1", Margin: &fixed})
	if err != nil {
		t.Fatalf("settle after reopen: %v", err)
	}
	if !res.AlreadyDone {
		t.Fatalf("idempotency lost across reopen: %+v", res)
	}
	if got := l2.Balance("alice").String(); got != "900" {
		t.Errorf("alice = %s, want 900", got)
	}
}

func TestReadonlyRejectsWrites(t *testing.T) {
	l := newTestLedger(t, nil)
	l.SetReadonly(true)
	if _, err := l.Credit("alice", "1", ""); err != ErrReadonly {
		t.Fatalf("Credit on replica = %v, want ErrReadonly", err)
	}
	if _, err := l.ChargeAndSettle(Settlement{Payer: "a", Worker: "w", Total: "1", JobID: "j"}); err != ErrReadonly {
		t.Fatalf("settle on replica = %v, want ErrReadonly", err)
	}
}

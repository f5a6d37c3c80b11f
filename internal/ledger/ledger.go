package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jobmesh/jobmesh/internal/config"
	"github.com/jobmesh/jobmesh/internal/lockfile"
)

// OperatorAccount receives the margin on every settlement.
const OperatorAccount = "operator"

// WorkerStats feeds the dynamic margin. The zero value means the worker is
// unknown and the margin falls back to base assumptions.
type WorkerStats struct {
	SuccessEMA   float64
	LatencyEMAMS float64
}

// StatsFunc resolves reliability statistics for a worker at settle time.
type StatsFunc func(workerID string) (WorkerStats, bool)

// Ledger owns the journal, the derived balance snapshot, and the
// settled-jobs index. All mutations reload state under the lock first.
type Ledger struct {
	mu      sync.Mutex
	journal *Journal
	cfg     config.LedgerConfig
	logger  *zap.Logger
	stats   StatsFunc

	accounts map[string]decimal.Decimal
	settled  map[string]struct{}

	readonly bool
}

// New opens the ledger, loading the state snapshot and settled index.
func New(cfg config.LedgerConfig, stats StatsFunc, logger *zap.Logger) (*Ledger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		journal:  NewJournal(cfg.JournalPath, cfg.DomainLock, cfg.HashChain),
		cfg:      cfg,
		logger:   logger,
		stats:    stats,
		accounts: make(map[string]decimal.Decimal),
		settled:  make(map[string]struct{}),
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reloadLocked()
	return l, nil
}

// Journal exposes the underlying journal (for verification and the
// byte-range endpoint).
func (l *Ledger) Journal() *Journal { return l.journal }

// SetReadonly puts the ledger in replica mode: all writes are rejected.
func (l *Ledger) SetReadonly(v bool) {
	l.mu.Lock()
	l.readonly = v
	l.mu.Unlock()
}

// ErrReadonly rejects writes on a replica.
var ErrReadonly = fmt.Errorf("ledger is readonly")

// Credit adds amount to an account. The account is auto-created on first
// reference.
func (l *Ledger) Credit(account, amount, reason string) (*Event, error) {
	amt, err := parseAmount(amount)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readonly {
		return nil, ErrReadonly
	}
	l.reloadLocked()

	e, err := l.journal.Append(Event{
		Type:    EventCredit,
		Account: account,
		Amount:  amt.String(),
		Reason:  reason,
	})
	if err != nil {
		return nil, fmt.Errorf("journal credit: %w", err)
	}
	l.applyLocked(*e)
	if err := l.persistStateLocked(); err != nil {
		return nil, err
	}
	return e, nil
}

// Adjust applies a signed delta to an account.
func (l *Ledger) Adjust(account, amount, reason string) (*Event, error) {
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readonly {
		return nil, ErrReadonly
	}
	l.reloadLocked()

	e, err := l.journal.Append(Event{
		Type:    EventAdjust,
		Account: account,
		Amount:  amt.String(),
		Reason:  reason,
	})
	if err != nil {
		return nil, fmt.Errorf("journal adjust: %w", err)
	}
	l.applyLocked(*e)
	if err := l.persistStateLocked(); err != nil {
		return nil, err
	}
	return e, nil
}

// Balance returns an account's balance from the live snapshot.
func (l *Ledger) Balance(account string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reloadLocked()
	return l.accounts[account]
}

// Balances returns all account balances.
func (l *Ledger) Balances() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reloadLocked()

	out := make(map[string]string, len(l.accounts))
	for id, bal := range l.accounts {
		out[id] = bal.String()
	}
	return out
}

// Replay reconstructs balances from the journal alone. The result is the
// canonical truth; divergence from the snapshot is a bug.
func (l *Ledger) Replay() (map[string]decimal.Decimal, error) {
	events, err := l.journal.ReadEvents()
	if err != nil {
		return nil, err
	}
	accounts := make(map[string]decimal.Decimal)
	for _, e := range events {
		applyEvent(accounts, e)
	}
	return accounts, nil
}

// Verify runs a full chain walk over the journal.
func (l *Ledger) Verify() error {
	return l.journal.Verify()
}

// ApplyExternal applies an event received from a writer's journal (replica
// sync path) to the local derived state without journaling it again.
func (l *Ledger) ApplyExternal(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.applyLocked(e)
	_ = l.persistStateLocked()
	if _, ok := l.settled[e.JobID]; !ok && e.JobID != "" && e.Type == EventCharge {
		l.settled[e.JobID] = struct{}{}
		_ = l.persistSettledLocked()
	}
}

// ── Internal state management ───────────────────────────────

func (l *Ledger) applyLocked(e Event) {
	applyEvent(l.accounts, e)
}

func applyEvent(accounts map[string]decimal.Decimal, e Event) {
	amt, err := decimal.NewFromString(e.Amount)
	if err != nil {
		return
	}
	if e.ToAccount != "" {
		accounts[e.Account] = accounts[e.Account].Sub(amt)
		accounts[e.ToAccount] = accounts[e.ToAccount].Add(amt)
		return
	}
	switch e.Type {
	case EventCredit, EventAdjust:
		accounts[e.Account] = accounts[e.Account].Add(amt)
	case EventDebit, EventCharge:
		accounts[e.Account] = accounts[e.Account].Sub(amt)
	case EventReconcile:
		// marker only
	}
}

// reloadLocked refreshes the snapshot and settled index from disk before a
// read-modify-write. Missing files initialise empty; corrupt files fall
// back to .bak and finally to empty with a logged warning.
func (l *Ledger) reloadLocked() {
	if l.cfg.StatePath != "" {
		if accounts, err := readStateFile(l.cfg.StatePath); err == nil {
			l.accounts = accounts
		} else if !os.IsNotExist(err) {
			if accounts, bakErr := readStateFile(l.cfg.StatePath + ".bak"); bakErr == nil {
				l.logger.Warn("state snapshot corrupt, using backup", zap.Error(err))
				l.accounts = accounts
			} else {
				l.logger.Warn("state snapshot and backup corrupt, empty init", zap.Error(err))
				l.accounts = make(map[string]decimal.Decimal)
			}
		}
	}
	if l.cfg.SettledIndexPath != "" {
		if settled, err := readSettledFile(l.cfg.SettledIndexPath); err == nil {
			l.settled = settled
		} else if !os.IsNotExist(err) {
			if settled, bakErr := readSettledFile(l.cfg.SettledIndexPath + ".bak"); bakErr == nil {
				l.logger.Warn("settled index corrupt, using backup", zap.Error(err))
				l.settled = settled
			} else {
				l.logger.Warn("settled index and backup corrupt, empty init", zap.Error(err))
				l.settled = make(map[string]struct{})
			}
		}
	}
}

type stateFile struct {
	Accounts map[string]struct {
		Balance string `json:"balance"`
	} `json:"accounts"`
}

func readStateFile(path string) (map[string]decimal.Decimal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sf stateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out := make(map[string]decimal.Decimal, len(sf.Accounts))
	for id, acc := range sf.Accounts {
		bal, err := decimal.NewFromString(acc.Balance)
		if err != nil {
			return nil, fmt.Errorf("account %s balance %q: %w", id, acc.Balance, err)
		}
		out[id] = bal
	}
	return out, nil
}

func (l *Ledger) persistStateLocked() error {
	if l.cfg.StatePath == "" {
		return nil
	}
	sf := stateFile{Accounts: make(map[string]struct {
		Balance string `json:"balance"`
	}, len(l.accounts))}
	for id, bal := range l.accounts {
		sf.Accounts[id] = struct {
			Balance string `json:"balance"`
		}{Balance: bal.String()}
	}
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	return atomicReplace(l.cfg.StatePath, data)
}

func readSettledFile(path string) (map[string]struct{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

func (l *Ledger) persistSettledLocked() error {
	if l.cfg.SettledIndexPath == "" {
		return nil
	}
	ids := make([]string, 0, len(l.settled))
	for id := range l.settled {
		ids = append(ids, id)
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return atomicReplace(l.cfg.SettledIndexPath, data)
}

// atomicReplace writes data via tmp+rename, keeping the previous contents
// as a .bak sibling.
func atomicReplace(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if prev, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", prev, 0o644)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("amount must be non-negative: %s", s)
	}
	return d, nil
}

// domainLock takes the cross-process lock shared by all settlement
// participants on this journal.
func (l *Ledger) domainLock() (*lockfile.Lock, error) {
	path := l.cfg.DomainLock
	if path == "" {
		path = l.cfg.JournalPath + ".lock"
	}
	return lockfile.Acquire(path+".settle", 10*time.Second, 0)
}

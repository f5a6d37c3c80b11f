package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// settlementScale is the fixed-point precision of provider shares.
const settlementScale = 4

// Settlement describes one charge-and-settle request.
type Settlement struct {
	Payer  string
	Worker string
	Total  string // decimal string
	JobID  string
	Margin *float64 // nil computes the dynamic margin from worker stats
}

// SettlementResult reports how one settlement resolved.
type SettlementResult struct {
	JobID         string `json:"job_id"`
	Settled       bool   `json:"settled"`
	AlreadyDone   bool   `json:"already_done,omitempty"`
	Error         string `json:"error,omitempty"`
	Margin        string `json:"margin,omitempty"`
	ProviderShare string `json:"provider_share,omitempty"`
	OperatorKept  string `json:"operator_kept,omitempty"`
}

// EffectiveMargin computes the dynamic margin from worker reliability.
// The margin rises for unreliable or slow workers and never falls below
// base.
func EffectiveMargin(base, k1, k2, maxMargin, successEMA, latencyEMA, latCapMS float64) float64 {
	if latCapMS <= 0 {
		latCapMS = 1500
	}
	m := base + k1*(1-clamp01(successEMA)) + k2*clamp01(latencyEMA/latCapMS)
	if m < base {
		m = base
	}
	if m > maxMargin {
		m = maxMargin
	}
	return m
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ChargeAndSettle moves total from payer to operator, then the provider
// share from operator to worker. The settled-jobs index makes the whole
// operation idempotent per job id.
func (l *Ledger) ChargeAndSettle(s Settlement) (*SettlementResult, error) {
	lock, err := l.domainLock()
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Release() }()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readonly {
		return nil, ErrReadonly
	}
	l.reloadLocked()

	res := l.settleLocked(s)
	if res.Error != "" {
		return res, nil
	}
	if res.Settled && !res.AlreadyDone {
		if err := l.persistStateLocked(); err != nil {
			return nil, err
		}
		if err := l.persistSettledLocked(); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// BatchSettle executes several settlements under a single lock
// acquisition. Each inner settlement independently respects idempotency
// and balance checks; state is persisted once at the end.
func (l *Ledger) BatchSettle(batch []Settlement) ([]SettlementResult, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	lock, err := l.domainLock()
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Release() }()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readonly {
		return nil, ErrReadonly
	}
	l.reloadLocked()

	results := make([]SettlementResult, 0, len(batch))
	dirty := false
	for _, s := range batch {
		res := l.settleLocked(s)
		results = append(results, *res)
		if res.Settled && !res.AlreadyDone {
			dirty = true
		}
	}
	if dirty {
		if err := l.persistStateLocked(); err != nil {
			return results, err
		}
		if err := l.persistSettledLocked(); err != nil {
			return results, err
		}
	}
	return results, nil
}

// settleLocked runs one settlement. Callers hold l.mu and the domain lock
// and handle persistence.
func (l *Ledger) settleLocked(s Settlement) *SettlementResult {
	res := &SettlementResult{JobID: s.JobID}

	if s.JobID == "" {
		res.Error = "job_id is required"
		return res
	}
	if _, done := l.settled[s.JobID]; done {
		res.Settled = true
		res.AlreadyDone = true
		return res
	}

	total, err := parseAmount(s.Total)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	margin := l.marginFor(s)
	marginDec := decimal.NewFromFloat(margin)
	providerShare := total.Mul(decimal.NewFromInt(1).Sub(marginDec)).RoundDown(settlementScale)
	operatorKept := total.Sub(providerShare)

	if l.accounts[s.Payer].LessThan(total) {
		res.Error = fmt.Sprintf("insufficient balance: %s has %s, needs %s",
			s.Payer, l.accounts[s.Payer].String(), total.String())
		return res
	}

	// journal-first, then mutate
	charge, err := l.journal.Append(Event{
		Type:      EventCharge,
		Account:   s.Payer,
		ToAccount: OperatorAccount,
		Amount:    total.String(),
		JobID:     s.JobID,
	})
	if err != nil {
		res.Error = fmt.Sprintf("journal charge: %v", err)
		return res
	}
	l.applyLocked(*charge)

	transfer, err := l.journal.Append(Event{
		Type:      EventTransfer,
		Account:   OperatorAccount,
		ToAccount: s.Worker,
		Amount:    providerShare.String(),
		JobID:     s.JobID,
	})
	if err != nil {
		// the charge is already journaled; surface loudly and leave the
		// job unsettled so a retry completes the transfer leg
		l.logger.Error("settlement transfer failed after charge",
			zap.String("job_id", s.JobID),
			zap.Error(err),
		)
		res.Error = fmt.Sprintf("journal transfer: %v", err)
		return res
	}
	l.applyLocked(*transfer)

	l.settled[s.JobID] = struct{}{}

	res.Settled = true
	res.Margin = decimal.NewFromFloat(margin).String()
	res.ProviderShare = providerShare.String()
	res.OperatorKept = operatorKept.String()
	return res
}

func (l *Ledger) marginFor(s Settlement) float64 {
	if s.Margin != nil {
		m := *s.Margin
		if m < 0 {
			m = 0
		}
		if m > l.cfg.MaxMargin {
			m = l.cfg.MaxMargin
		}
		return m
	}
	success, latency := 0.85, 750.0
	if l.stats != nil {
		if st, ok := l.stats(s.Worker); ok {
			success, latency = st.SuccessEMA, st.LatencyEMAMS
		}
	}
	return EffectiveMargin(l.cfg.BaseMargin, l.cfg.MarginK1, l.cfg.MarginK2, l.cfg.MaxMargin, success, latency, 1500)
}

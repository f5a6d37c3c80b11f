package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RateLimit is the per-source admission budget.
type RateLimit struct {
	Source        string    `json:"source"`
	MaxPerMinute  int       `json:"max_per_minute"`
	MaxConcurrent int       `json:"max_concurrent"`
	CurrentCount  int       `json:"current_count"`
	WindowStart   time.Time `json:"window_start"`
}

const rateWindow = time.Minute

// GetOrCreateRateLimit returns the source's limit row, creating it with the
// supplied defaults on first sight of the source.
func (s *Store) GetOrCreateRateLimit(source string, defPerMinute, defConcurrent int) (*RateLimit, error) {
	rl, err := s.getRateLimit(source)
	if err == nil {
		return rl, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	now := time.Now().UTC()
	_, err = s.db.Exec(`INSERT INTO rate_limits (source, max_per_minute, max_concurrent, current_count, window_start)
		VALUES (?, ?, ?, 0, ?) ON CONFLICT(source) DO NOTHING`,
		source, defPerMinute, defConcurrent, now.Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("insert rate limit: %w", err)
	}
	return s.getRateLimit(source)
}

// SetRateLimit overrides a source's budget. The current window is preserved.
func (s *Store) SetRateLimit(source string, maxPerMinute, maxConcurrent int) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`INSERT INTO rate_limits (source, max_per_minute, max_concurrent, current_count, window_start)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(source) DO UPDATE SET max_per_minute = excluded.max_per_minute, max_concurrent = excluded.max_concurrent`,
		source, maxPerMinute, maxConcurrent, now.Format(timeFormat))
	if err != nil {
		return fmt.Errorf("set rate limit: %w", err)
	}
	return nil
}

// AdmitSource consumes one slot of the source's per-minute budget. A window
// older than one minute resets before the check. Returns false when the
// budget is exhausted; concurrency is checked separately by the dispatcher
// against running jobs.
func (s *Store) AdmitSource(source string, defPerMinute, defConcurrent int) (bool, error) {
	if _, err := s.GetOrCreateRateLimit(source, defPerMinute, defConcurrent); err != nil {
		return false, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		maxPerMinute, current int
		windowStart           string
	)
	if err := tx.QueryRow(`SELECT max_per_minute, current_count, window_start FROM rate_limits WHERE source = ?`, source).
		Scan(&maxPerMinute, &current, &windowStart); err != nil {
		return false, err
	}

	now := time.Now().UTC()
	start, err := time.Parse(time.RFC3339Nano, windowStart)
	if err != nil || now.Sub(start) >= rateWindow {
		start = now
		current = 0
	}
	if current >= maxPerMinute {
		// persist the reset even when the caller is rejected
		if _, err := tx.Exec(`UPDATE rate_limits SET current_count = ?, window_start = ? WHERE source = ?`,
			current, start.Format(timeFormat), source); err != nil {
			return false, err
		}
		return false, tx.Commit()
	}

	if _, err := tx.Exec(`UPDATE rate_limits SET current_count = ?, window_start = ? WHERE source = ?`,
		current+1, start.Format(timeFormat), source); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// ConcurrencyLimit returns the source's max concurrent jobs.
func (s *Store) ConcurrencyLimit(source string, defPerMinute, defConcurrent int) (int, error) {
	rl, err := s.GetOrCreateRateLimit(source, defPerMinute, defConcurrent)
	if err != nil {
		return 0, err
	}
	return rl.MaxConcurrent, nil
}

func (s *Store) getRateLimit(source string) (*RateLimit, error) {
	var (
		rl          RateLimit
		windowStart string
	)
	err := s.db.QueryRow(`SELECT source, max_per_minute, max_concurrent, current_count, window_start FROM rate_limits WHERE source = ?`, source).
		Scan(&rl.Source, &rl.MaxPerMinute, &rl.MaxConcurrent, &rl.CurrentCount, &windowStart)
	if err != nil {
		return nil, err
	}
	rl.WindowStart, _ = time.Parse(time.RFC3339Nano, windowStart)
	return &rl, nil
}

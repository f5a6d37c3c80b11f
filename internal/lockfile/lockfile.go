// Package lockfile implements advisory file locks with stale-lock
// reclamation. A lock is a sibling file created with O_EXCL holding the
// owner PID and acquisition time; locks older than the stale threshold are
// removed and retried, so a crashed process never wedges its successors.
package lockfile

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"time"
)

// Lock is a held advisory lock.
type Lock struct {
	path string
}

const (
	defaultStale = 30 * time.Second
	pollBase     = 25 * time.Millisecond
)

// Acquire takes the lock at path, waiting up to timeout. Lock files whose
// mtime is older than staleAfter are reclaimed. staleAfter <= 0 uses the
// default of 30 s.
func Acquire(path string, timeout, staleAfter time.Duration) (*Lock, error) {
	if staleAfter <= 0 {
		staleAfter = defaultStale
	}
	deadline := time.Now().Add(timeout)
	for attempt := 0; ; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, _ = fmt.Fprintf(f, "%s %s\n", strconv.Itoa(os.Getpid()), time.Now().UTC().Format(time.RFC3339Nano))
			_ = f.Close()
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock %s: %w", path, err)
		}

		if info, statErr := os.Stat(path); statErr == nil {
			if time.Since(info.ModTime()) > staleAfter {
				_ = os.Remove(path)
				continue
			}
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock %s: timed out after %s", path, timeout)
		}
		// jittered backoff keeps contending processes from thundering
		sleep := pollBase + time.Duration(rand.Int63n(int64(pollBase)))
		if attempt > 10 {
			sleep *= 4
		}
		time.Sleep(sleep)
	}
}

// Release removes the lock file. Releasing twice is harmless.
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

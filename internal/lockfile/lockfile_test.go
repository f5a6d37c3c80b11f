package lockfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")

	l, err := Acquire(path, time.Second, time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("lock file missing: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("lock file survived release")
	}
	// double release is a no-op
	if err := l.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}

func TestContendedLockTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")

	l, err := Acquire(path, time.Second, time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l.Release()

	if _, err := Acquire(path, 150*time.Millisecond, time.Minute); err == nil {
		t.Fatal("second acquire succeeded while lock held")
	}
}

func TestStaleLockReclaimed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")
	if err := os.WriteFile(path, []byte("99999 old\n"), 0o644); err != nil {
		t.Fatalf("plant stale lock: %v", err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("age lock: %v", err)
	}

	l, err := Acquire(path, time.Second, time.Minute)
	if err != nil {
		t.Fatalf("Acquire over stale lock: %v", err)
	}
	_ = l.Release()
}

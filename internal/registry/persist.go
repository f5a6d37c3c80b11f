package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/jobmesh/jobmesh/internal/lockfile"
)

const lockTimeout = 5 * time.Second

// load reads the worker file into memory. A corrupt primary falls back to
// the .bak sibling; a successful fallback immediately rewrites the primary.
func (r *Registry) load() error {
	if r.cfg.Path == "" {
		return nil
	}
	lock, err := lockfile.Acquire(r.cfg.Path+".lock", lockTimeout, 0)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	workers, err := readWorkerFile(r.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			r.workers = make(map[string]*WorkerInfo)
			return nil
		}
		bak, bakErr := readWorkerFile(r.cfg.Path + ".bak")
		if bakErr != nil {
			return fmt.Errorf("primary corrupt (%v), backup unreadable: %w", err, bakErr)
		}
		r.logger.Warn("worker file corrupt, restored from backup",
			zap.String("path", r.cfg.Path),
			zap.Error(err),
		)
		r.workers = bak
		return writeWorkerFile(r.cfg.Path, bak)
	}
	r.workers = workers
	return nil
}

// reload refreshes the in-memory map from disk before a read-modify-write.
// Callers hold r.mu. Errors keep the current map; the next persist wins.
func (r *Registry) reload() {
	if r.cfg.Path == "" {
		return
	}
	workers, err := readWorkerFile(r.cfg.Path)
	if err != nil {
		return
	}
	r.workers = workers
}

// persistLocked rewrites the worker file under the advisory lock,
// preserving the previous contents as .bak. Callers hold r.mu.
func (r *Registry) persistLocked() error {
	if r.cfg.Path == "" {
		return nil
	}
	lock, err := lockfile.Acquire(r.cfg.Path+".lock", lockTimeout, 0)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	if _, err := os.Stat(r.cfg.Path); err == nil {
		if data, readErr := os.ReadFile(r.cfg.Path); readErr == nil {
			_ = os.WriteFile(r.cfg.Path+".bak", data, 0o644)
		}
	}
	return writeWorkerFile(r.cfg.Path, r.workers)
}

func readWorkerFile(path string) (map[string]*WorkerInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	workers := make(map[string]*WorkerInfo)
	if err := json.Unmarshal(data, &workers); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return workers, nil
}

func writeWorkerFile(path string, workers map[string]*WorkerInfo) error {
	data, err := json.MarshalIndent(workers, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal workers: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
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

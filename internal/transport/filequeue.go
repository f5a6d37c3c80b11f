package transport

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/jobmesh/jobmesh/internal/protocol"
)

// FileQueue is a spool-directory transport: jobs land as JSON files in
// <spool>/pending, workers drop results into <spool>/results. Both sides
// write atomically via tmp+rename, so a half-written file is never visible.
type FileQueue struct {
	pendingDir string
	resultsDir string
	logger     *zap.Logger
}

// NewFileQueue creates the spool layout under dir.
func NewFileQueue(dir string, logger *zap.Logger) (*FileQueue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fq := &FileQueue{
		pendingDir: filepath.Join(dir, "pending"),
		resultsDir: filepath.Join(dir, "results"),
		logger:     logger,
	}
	for _, d := range []string{fq.pendingDir, fq.resultsDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create spool dir: %w", err)
		}
	}
	return fq, nil
}

// Enqueue writes the job file into the pending spool.
func (fq *FileQueue) Enqueue(job protocol.UnifiedJob) error {
	if job.JobID == "" {
		return fmt.Errorf("job_id is required")
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return writeAtomic(filepath.Join(fq.pendingDir, job.JobID+".json"), data)
}

// TrySyncResult consumes the job's result file if present. The file is
// removed after a successful read so the result is delivered exactly once.
func (fq *FileQueue) TrySyncResult(jobID string) (*protocol.JobResult, error) {
	path := filepath.Join(fq.resultsDir, jobID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var res protocol.JobResult
	if err := json.Unmarshal(data, &res); err != nil {
		// a worker may still be mid-rename on a non-atomic filesystem;
		// leave the file for the next poll
		fq.logger.Warn("unparseable result file", zap.String("job_id", jobID), zap.Error(err))
		return nil, nil
	}
	if res.JobID == "" {
		res.JobID = jobID
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("consume result: %w", err)
	}
	// best effort: clear the pending file the worker may have left behind
	_ = os.Remove(filepath.Join(fq.pendingDir, jobID+".json"))
	return &res, nil
}

// PushResult writes a result into the spool (the worker-side half, also
// used by tests).
func (fq *FileQueue) PushResult(res protocol.JobResult) error {
	if res.JobID == "" {
		return fmt.Errorf("job_id is required")
	}
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(fq.resultsDir, res.JobID+".json"), data)
}

// TakePending claims one pending job file (the worker-side half).
func (fq *FileQueue) TakePending() (*protocol.UnifiedJob, bool, error) {
	entries, err := os.ReadDir(fq.pendingDir)
	if err != nil {
		return nil, false, err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(fq.pendingDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var job protocol.UnifiedJob
		if err := json.Unmarshal(data, &job); err != nil {
			continue
		}
		if err := os.Remove(path); err != nil {
			// another worker claimed it first
			continue
		}
		return &job, true, nil
	}
	return nil, false, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".spool-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
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

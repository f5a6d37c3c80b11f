// Package transport moves jobs to workers and results back. Enqueue is
// fire-and-forget; TrySyncResult returns nil until a result appears, then
// returns it exactly once.
package transport

import (
	"fmt"
	"sync"

	"github.com/jobmesh/jobmesh/internal/protocol"
)

// Transport is the contract between the dispatcher and any job carrier.
type Transport interface {
	Enqueue(job protocol.UnifiedJob) error
	TrySyncResult(jobID string) (*protocol.JobResult, error)
}

// Memory is an in-process transport for embedded workers and tests.
type Memory struct {
	mu      sync.Mutex
	queue   []protocol.UnifiedJob
	results map[string]*protocol.JobResult
}

// NewMemory creates an in-process transport.
func NewMemory() *Memory {
	return &Memory{results: make(map[string]*protocol.JobResult)}
}

// Enqueue appends the job to the in-memory queue.
func (m *Memory) Enqueue(job protocol.UnifiedJob) error {
	if job.JobID == "" {
		return fmt.Errorf("job_id is required")
	}
	m.mu.Lock()
	m.queue = append(m.queue, job)
	m.mu.Unlock()
	return nil
}

// Dequeue pops the oldest queued job, for an embedded worker loop.
func (m *Memory) Dequeue() (*protocol.UnifiedJob, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil, false
	}
	job := m.queue[0]
	m.queue = m.queue[1:]
	return &job, true
}

// PushResult records a worker's result for later reaping.
func (m *Memory) PushResult(res protocol.JobResult) {
	m.mu.Lock()
	m.results[res.JobID] = &res
	m.mu.Unlock()
}

// TrySyncResult returns the job's result once, or nil when none exists yet.
func (m *Memory) TrySyncResult(jobID string) (*protocol.JobResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.results[jobID]
	if !ok {
		return nil, nil
	}
	delete(m.results, jobID)
	return res, nil
}

// Pending returns the number of queued jobs (for tests and metrics).
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Package protocol defines the shared vocabulary between the kernel and its
// workers: job payloads, result envelopes, and the webrelay wire messages.
// Both sides import this package to ensure type safety.
package protocol

import "time"

// Priority orders jobs within the dispatch queue.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
)

// Rank returns the sort rank for a priority (lower dispatches first).
// Unknown priorities rank with normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	default:
		return 2
	}
}

// Job lifecycle statuses.
const (
	JobPending   = "pending"
	JobWorking   = "working"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Mission lifecycle statuses.
const (
	MissionPlanned   = "planned"
	MissionActive    = "active"
	MissionCompleted = "completed"
	MissionFailed    = "failed"
)

// Chain context states.
const (
	ChainRunning = "running"
	ChainDone    = "done"
	ChainError   = "error"
)

// Chain spec statuses.
const (
	SpecPending    = "pending"
	SpecDispatched = "dispatched"
	SpecDone       = "done"
	SpecFailed     = "failed"
)

// ChainHint annotates a job with the chain it was materialised for.
// The chain does not own jobs; this back-reference is the only link.
type ChainHint struct {
	ChainID string `json:"chain_id"`
	SpecID  string `json:"spec_id,omitempty"`
	Role    string `json:"role,omitempty"`
}

// UnifiedJob is the transport-facing job payload. Kind is open-ended; the
// kernel only branches on whether a kind produces follow-ups.
type UnifiedJob struct {
	JobID          string         `json:"job_id"`
	Kind           string         `json:"kind"`
	Params         map[string]any `json:"params,omitempty"`
	Source         string         `json:"source,omitempty"`
	Priority       Priority       `json:"priority,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	ChainHint      *ChainHint     `json:"_chain_hint,omitempty"`
}

// KindAgentPlan is the one kind the kernel special-cases: its results may
// carry follow-up specifications.
const KindAgentPlan = "agent_plan"

// JobResult is the structured result a transport returns exactly once per
// job. Ok=false is treated identically whether caused by a timeout or any
// other worker failure.
type JobResult struct {
	JobID      string         `json:"job_id"`
	Ok         bool           `json:"ok"`
	Action     string         `json:"action,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	WorkerID   string         `json:"worker_id,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
}

// FollowupSpec is one follow-up specification returned by an LLM step.
type FollowupSpec struct {
	Kind   string         `json:"kind"`
	Params map[string]any `json:"params,omitempty"`
}

// MessageType identifies the kind of message on the webrelay wire.
type MessageType string

const (
	// Worker → Kernel
	MsgRegister  MessageType = "register"
	MsgHeartbeat MessageType = "heartbeat"
	MsgJobResult MessageType = "job_result"
	MsgError     MessageType = "error"

	// Kernel → Worker
	MsgRegistered MessageType = "registered"
	MsgJob        MessageType = "job"
	MsgPing       MessageType = "ping"
	MsgPong       MessageType = "pong"
)

// Envelope wraps every message on the webrelay wire.
type Envelope struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   any         `json:"payload,omitempty"`
	Signature string      `json:"signature,omitempty"` // HMAC over job envelopes
}

// RegisterPayload is sent by a worker on initial connection.
type RegisterPayload struct {
	WorkerID     string       `json:"worker_id"`
	Endpoint     string       `json:"endpoint,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	Version      string       `json:"version,omitempty"`
}

// Capability advertises one job kind a worker can execute and its cost.
type Capability struct {
	Kind string `json:"kind"`
	Cost string `json:"cost"` // decimal string, tokens per job
}

// HeartbeatPayload keeps a worker's last-seen fresh.
type HeartbeatPayload struct {
	WorkerID   string `json:"worker_id"`
	ActiveJobs int    `json:"active_jobs"`
}

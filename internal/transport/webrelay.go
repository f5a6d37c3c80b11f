// The webrelay transport holds live WebSocket connections to workers and
// relays jobs to the best-scored worker for each kind.
package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jobmesh/jobmesh/internal/protocol"
	"github.com/jobmesh/jobmesh/internal/signing"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// CheckOrigin allows all origins — workers connect from arbitrary hosts.
	// Authentication is handled before upgrade via WorkerAuthenticator.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WorkerConn represents a connected worker.
type WorkerConn struct {
	ID        string
	Conn      *websocket.Conn
	Connected time.Time
	LastSeen  time.Time
	mu        sync.Mutex
}

// WorkerAuthenticator validates a worker's identity and credentials.
// Returns true if the worker ID + bearer token are valid.
type WorkerAuthenticator func(workerID, bearerToken string) bool

// WorkerPicker chooses the worker a job kind should be relayed to.
// Returning "" means no worker is currently eligible.
type WorkerPicker func(kind string) string

// WebRelay manages worker WebSocket connections and relays jobs over them.
type WebRelay struct {
	workers       map[string]*WorkerConn
	mu            sync.RWMutex
	logger        *zap.Logger
	picker        WorkerPicker
	onRegister    func(workerID string, p protocol.RegisterPayload)
	onHeartbeat   func(workerID string, p protocol.HeartbeatPayload)
	onDisconnect  func(workerID string)
	authenticator WorkerAuthenticator // nil = no auth (testing only)
	signer        *signing.Signer     // nil = signing disabled

	resMu   sync.Mutex
	results map[string]*protocol.JobResult
	jobDest map[string]string // job_id → worker_id, for re-relay bookkeeping
}

// NewWebRelay creates a relay. The picker decides which worker gets each
// job.
func NewWebRelay(picker WorkerPicker, logger *zap.Logger) *WebRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebRelay{
		workers: make(map[string]*WorkerConn),
		logger:  logger,
		picker:  picker,
		results: make(map[string]*protocol.JobResult),
		jobDest: make(map[string]string),
	}
}

// SetSigner enables job signing on outgoing envelopes.
func (wr *WebRelay) SetSigner(s *signing.Signer) {
	wr.signer = s
}

// SetAuthenticator installs a callback that validates worker credentials
// during the WebSocket handshake, before the connection is upgraded.
func (wr *WebRelay) SetAuthenticator(auth WorkerAuthenticator) {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	wr.authenticator = auth
}

// SetLifecycleHooks installs callbacks for register, heartbeat, and
// disconnect transitions (typically wired to the registry).
func (wr *WebRelay) SetLifecycleHooks(
	onRegister func(string, protocol.RegisterPayload),
	onHeartbeat func(string, protocol.HeartbeatPayload),
	onDisconnect func(string),
) {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	wr.onRegister = onRegister
	wr.onHeartbeat = onHeartbeat
	wr.onDisconnect = onDisconnect
}

// Enqueue relays the job to the best worker for its kind.
func (wr *WebRelay) Enqueue(job protocol.UnifiedJob) error {
	if job.JobID == "" {
		return fmt.Errorf("job_id is required")
	}
	workerID := ""
	if wr.picker != nil {
		workerID = wr.picker(job.Kind)
	}
	if workerID == "" {
		return fmt.Errorf("no eligible worker for kind %q", job.Kind)
	}
	if err := wr.sendTo(workerID, protocol.MsgJob, job); err != nil {
		return err
	}
	wr.resMu.Lock()
	wr.jobDest[job.JobID] = workerID
	wr.resMu.Unlock()
	return nil
}

// TrySyncResult returns the job's result once, or nil when none has
// arrived.
func (wr *WebRelay) TrySyncResult(jobID string) (*protocol.JobResult, error) {
	wr.resMu.Lock()
	defer wr.resMu.Unlock()
	res, ok := wr.results[jobID]
	if !ok {
		return nil, nil
	}
	delete(wr.results, jobID)
	delete(wr.jobDest, jobID)
	return res, nil
}

// DestinationOf reports which worker a job was relayed to.
func (wr *WebRelay) DestinationOf(jobID string) (string, bool) {
	wr.resMu.Lock()
	defer wr.resMu.Unlock()
	id, ok := wr.jobDest[jobID]
	return id, ok
}

// HandleWorkerWS is the HTTP handler for worker WebSocket connections.
func (wr *WebRelay) HandleWorkerWS(w http.ResponseWriter, r *http.Request) {
	workerID := r.URL.Query().Get("id")
	if workerID == "" {
		http.Error(w, "missing worker id", http.StatusBadRequest)
		return
	}

	// Authenticate worker before upgrading the connection.
	if wr.authenticator != nil {
		token := extractBearerToken(r)
		if token == "" {
			http.Error(w, `{"error":"missing authorization"}`, http.StatusUnauthorized)
			wr.logger.Warn("worker connection rejected: no bearer token",
				zap.String("worker_id", workerID),
				zap.String("remote_addr", r.RemoteAddr),
			)
			return
		}
		if !wr.authenticator(workerID, token) {
			http.Error(w, `{"error":"invalid credentials"}`, http.StatusForbidden)
			wr.logger.Warn("worker connection rejected: invalid credentials",
				zap.String("worker_id", workerID),
				zap.String("remote_addr", r.RemoteAddr),
			)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		wr.logger.Error("upgrade failed", zap.Error(err))
		return
	}

	wc := &WorkerConn{
		ID:        workerID,
		Conn:      conn,
		Connected: time.Now().UTC(),
		LastSeen:  time.Now().UTC(),
	}

	wr.mu.Lock()
	// Close existing connection for this worker if any
	if existing, ok := wr.workers[workerID]; ok {
		existing.Conn.Close()
	}
	wr.workers[workerID] = wc
	wr.mu.Unlock()

	wr.logger.Info("worker connected", zap.String("worker_id", workerID))

	defer func() {
		conn.Close()
		wr.mu.Lock()
		if wr.workers[workerID] == wc {
			delete(wr.workers, workerID)
		}
		onDisconnect := wr.onDisconnect
		wr.mu.Unlock()
		wr.logger.Info("worker disconnected", zap.String("worker_id", workerID))
		if onDisconnect != nil {
			onDisconnect(workerID)
		}
	}()

	// Set up ping/pong keepalive
	conn.SetPongHandler(func(string) error {
		wc.mu.Lock()
		wc.LastSeen = time.Now().UTC()
		wc.mu.Unlock()
		return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	})
	_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))

	// Server-side ping loop
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			wc.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			wc.mu.Unlock()
			if err != nil {
				return
			}
		}
	}()

	// Read loop
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			wr.logger.Warn("invalid message from worker",
				zap.String("worker_id", workerID),
				zap.Error(err),
			)
			continue
		}

		wc.mu.Lock()
		wc.LastSeen = time.Now().UTC()
		wc.mu.Unlock()

		wr.handleMessage(workerID, env)
	}
}

func (wr *WebRelay) handleMessage(workerID string, env protocol.Envelope) {
	switch env.Type {
	case protocol.MsgRegister:
		var p protocol.RegisterPayload
		if !decodePayload(env.Payload, &p) {
			return
		}
		if p.WorkerID == "" {
			p.WorkerID = workerID
		}
		wr.mu.RLock()
		onRegister := wr.onRegister
		wr.mu.RUnlock()
		if onRegister != nil {
			onRegister(workerID, p)
		}
		_ = wr.sendTo(workerID, protocol.MsgRegistered, map[string]string{"worker_id": workerID})

	case protocol.MsgHeartbeat:
		var p protocol.HeartbeatPayload
		if !decodePayload(env.Payload, &p) {
			return
		}
		wr.mu.RLock()
		onHeartbeat := wr.onHeartbeat
		wr.mu.RUnlock()
		if onHeartbeat != nil {
			onHeartbeat(workerID, p)
		}

	case protocol.MsgJobResult:
		var res protocol.JobResult
		if !decodePayload(env.Payload, &res) {
			return
		}
		if res.WorkerID == "" {
			res.WorkerID = workerID
		}
		wr.resMu.Lock()
		// first result wins; a duplicate from a retried connection is dropped
		if _, exists := wr.results[res.JobID]; !exists {
			wr.results[res.JobID] = &res
		}
		wr.resMu.Unlock()

	case protocol.MsgError:
		wr.logger.Warn("worker reported error",
			zap.String("worker_id", workerID),
			zap.Any("payload", env.Payload),
		)
	}
}

func (wr *WebRelay) sendTo(workerID string, msgType protocol.MessageType, payload any) error {
	wr.mu.RLock()
	wc, ok := wr.workers[workerID]
	wr.mu.RUnlock()

	if !ok {
		return fmt.Errorf("worker %s not connected", workerID)
	}

	env := protocol.Envelope{
		ID:        uuid.NewString(),
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	if wr.signer != nil && msgType == protocol.MsgJob {
		sig, err := wr.signer.Sign(env.ID, payload)
		if err != nil {
			return fmt.Errorf("sign job: %w", err)
		}
		env.Signature = sig
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	wc.mu.Lock()
	defer wc.mu.Unlock()
	return wc.Conn.WriteMessage(websocket.TextMessage, data)
}

// Connected returns a list of connected worker IDs.
func (wr *WebRelay) Connected() []string {
	wr.mu.RLock()
	defer wr.mu.RUnlock()

	ids := make([]string, 0, len(wr.workers))
	for id := range wr.workers {
		ids = append(ids, id)
	}
	return ids
}

func decodePayload(payload any, into any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, into) == nil
}

// extractBearerToken pulls the token from "Authorization: Bearer <token>" header.
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

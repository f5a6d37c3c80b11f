package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReplicaSync pulls byte ranges from a writer's journal endpoint and applies
// the events to a local readonly ledger. Partial trailing lines are buffered
// until the next chunk completes them.
type ReplicaSync struct {
	ledger    *Ledger
	source    string // writer's journal URL
	statePath string
	client    *http.Client
	interval  time.Duration
	logger    *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	ticker  *time.Ticker
	wg      sync.WaitGroup
	offset  int64
	lastHsh string
	partial []byte
}

type replicaState struct {
	SyncOffset int64  `json:"sync_offset"`
	LastHash   string `json:"last_hash"`
}

// NewReplicaSync creates a replica syncer. The ledger is forced readonly.
func NewReplicaSync(l *Ledger, sourceURL, statePath string, interval time.Duration, logger *zap.Logger) *ReplicaSync {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	l.SetReadonly(true)
	r := &ReplicaSync{
		ledger:    l,
		source:    sourceURL,
		statePath: statePath,
		client:    &http.Client{Timeout: 15 * time.Second},
		interval:  interval,
		logger:    logger,
		lastHsh:   GenesisHash,
	}
	r.loadState()
	return r
}

// Start starts the sync loop. It is safe to call Start multiple times.
func (r *ReplicaSync) Start(ctx context.Context) {
	r.mu.Lock()
	if r.ticker != nil {
		r.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.ticker = time.NewTicker(r.interval)
	ticker := r.ticker
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.syncOnce(loopCtx)
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				r.syncOnce(loopCtx)
			}
		}
	}()
}

// Stop stops the sync loop and waits for it to finish.
func (r *ReplicaSync) Stop() {
	r.mu.Lock()
	if r.ticker == nil {
		r.mu.Unlock()
		return
	}
	r.ticker.Stop()
	r.ticker = nil
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.mu.Unlock()

	r.wg.Wait()
}

// Offset returns the current sync offset (bytes of the writer's journal
// already consumed, including any buffered partial line).
func (r *ReplicaSync) Offset() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offset
}

func (r *ReplicaSync) syncOnce(ctx context.Context) {
	r.mu.Lock()
	offset := r.offset
	r.mu.Unlock()

	chunk, err := r.fetch(ctx, offset)
	if err != nil {
		r.logger.Warn("replica fetch failed", zap.Int64("offset", offset), zap.Error(err))
		return
	}
	if len(chunk) == 0 {
		return
	}
	r.apply(chunk)
}

// fetch pulls bytes from offset onward. A 416 means the writer has nothing
// new.
func (r *ReplicaSync) fetch(ctx context.Context, offset int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.source, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent, http.StatusOK:
		return io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	case http.StatusRequestedRangeNotSatisfiable:
		return nil, nil
	default:
		return nil, fmt.Errorf("writer returned %s", resp.Status)
	}
}

// apply splits the chunk into complete lines, feeding each event into the
// local state. The trailing fragment (no newline yet) is carried into the
// next chunk.
func (r *ReplicaSync) apply(chunk []byte) {
	r.mu.Lock()
	buf := append(r.partial, chunk...)
	r.offset += int64(len(chunk))
	r.mu.Unlock()

	applied := 0
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		line := buf[:idx]
		buf = buf[idx+1:]
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			r.logger.Warn("replica skipping unparseable line", zap.Error(err))
			continue
		}
		if e.Hash != "" && e.PrevHash != "" && r.lastHsh != "" && e.PrevHash != r.lastHsh {
			r.logger.Error("replica chain divergence",
				zap.String("expected_prev", r.lastHsh),
				zap.String("got_prev", e.PrevHash),
			)
			// apply anyway: the writer's journal is the source of truth
		}
		r.ledger.ApplyExternal(e)
		if e.Hash != "" {
			r.lastHsh = e.Hash
		}
		applied++
	}

	r.mu.Lock()
	r.partial = buf
	r.mu.Unlock()

	if applied > 0 {
		r.persistState()
		r.logger.Debug("replica applied events", zap.Int("count", applied))
	}
}

func (r *ReplicaSync) loadState() {
	if r.statePath == "" {
		return
	}
	data, err := os.ReadFile(r.statePath)
	if err != nil {
		return
	}
	var st replicaState
	if err := json.Unmarshal(data, &st); err != nil {
		return
	}
	r.offset = st.SyncOffset
	if st.LastHash != "" {
		r.lastHsh = st.LastHash
	}
}

func (r *ReplicaSync) persistState() {
	if r.statePath == "" {
		return
	}
	r.mu.Lock()
	st := replicaState{SyncOffset: r.offset - int64(len(r.partial)), LastHash: r.lastHsh}
	r.mu.Unlock()
	data, _ := json.Marshal(st)
	if err := atomicReplace(r.statePath, data); err != nil {
		r.logger.Warn("persist replica state failed", zap.Error(err))
	}
}

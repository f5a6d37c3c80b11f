// Package ledger implements the append-only, hash-chained event journal and
// the settlement protocol layered on top of it. The journal is the source of
// truth; balances are a deterministic replay of its events.
package ledger

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jobmesh/jobmesh/internal/lockfile"
)

// GenesisHash seeds the chain before any event exists.
const GenesisHash = "GENESIS"

// Event types understood by replay.
const (
	EventCredit    = "credit"
	EventDebit     = "debit"
	EventCharge    = "charge"
	EventTransfer  = "transfer"
	EventAdjust    = "adjust"
	EventReconcile = "reconcile"
)

// Event is one journal line. Amount is a decimal string; hashes are hex
// SHA-256.
type Event struct {
	EventID   string `json:"event_id"`
	TS        string `json:"ts"`
	Type      string `json:"type"`
	Account   string `json:"account"`
	ToAccount string `json:"to_account,omitempty"`
	Amount    string `json:"amount"`
	JobID     string `json:"job_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
	PrevHash  string `json:"prev_hash"`
	Hash      string `json:"hash"`
}

// CanonicalJSON renders v as UTF-8 JSON with sorted keys and compact
// separators. Hash stability depends on this exact form.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return marshalSorted(generic)
}

// marshalSorted writes generic JSON values with object keys sorted.
// encoding/json already sorts map keys; recursing normalises nested
// structures decoded from arbitrary input.
func marshalSorted(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, _ := json.Marshal(k)
			out = append(out, kb...)
			out = append(out, ':')
			vb, err := marshalSorted(t[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		return append(out, '}'), nil
	case []any:
		out := []byte{'['}
		for i, e := range t {
			if i > 0 {
				out = append(out, ',')
			}
			eb, err := marshalSorted(e)
			if err != nil {
				return nil, err
			}
			out = append(out, eb...)
		}
		return append(out, ']'), nil
	default:
		return json.Marshal(v)
	}
}

// eventHash computes SHA256(canonical(event without hash) ‖ prev_hash).
func eventHash(e Event) (string, error) {
	e.Hash = ""
	m := map[string]any{
		"event_id":  e.EventID,
		"ts":        e.TS,
		"type":      e.Type,
		"account":   e.Account,
		"amount":    e.Amount,
		"prev_hash": e.PrevHash,
	}
	if e.ToAccount != "" {
		m["to_account"] = e.ToAccount
	}
	if e.JobID != "" {
		m["job_id"] = e.JobID
	}
	if e.Reason != "" {
		m["reason"] = e.Reason
	}
	canonical, err := CanonicalJSON(m)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append(canonical, []byte(e.PrevHash)...))
	return hex.EncodeToString(sum[:]), nil
}

// Journal appends and reads hash-chained events at a single path.
type Journal struct {
	path      string
	lockPath  string
	hashChain bool
}

// NewJournal creates a journal handle. hashChain=false writes events
// without chaining (the JOURNAL_HASH_CHAIN=0 escape hatch).
func NewJournal(path, lockPath string, hashChain bool) *Journal {
	if lockPath == "" {
		lockPath = path + ".lock"
	}
	return &Journal{path: path, lockPath: lockPath, hashChain: hashChain}
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

const appendRetries = 8

// Append writes one event under the advisory lock, chaining it to the last
// valid line. The completed event (with hashes) is returned. Contended
// writes retry with jittered exponential backoff.
func (j *Journal) Append(e Event) (*Event, error) {
	var lastErr error
	backoff := 20 * time.Millisecond
	for attempt := 0; attempt < appendRetries; attempt++ {
		out, err := j.appendOnce(e)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !os.IsPermission(err) && attempt > 1 {
			return nil, err
		}
		time.Sleep(backoff + time.Duration(rand.Int63n(int64(backoff))))
		backoff *= 2
	}
	return nil, fmt.Errorf("append after %d retries: %w", appendRetries, lastErr)
}

func (j *Journal) appendOnce(e Event) (*Event, error) {
	lock, err := lockfile.Acquire(j.lockPath, 10*time.Second, 0)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Release() }()

	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.TS == "" {
		e.TS = time.Now().UTC().Format(time.RFC3339Nano)
	}

	if j.hashChain {
		prev, err := j.lastHashLocked()
		if err != nil {
			return nil, err
		}
		e.PrevHash = prev
		h, err := eventHash(e)
		if err != nil {
			return nil, err
		}
		e.Hash = h
	}

	line, err := CanonicalJSON(e)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	// a torn previous write may have left the file without a trailing
	// newline; start a fresh line so the fragment stays isolated
	if missingNewline(j.path) {
		line = append([]byte{'\n'}, line...)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	syncDir(filepath.Dir(j.path))
	return &e, nil
}

// lastHashLocked walks the journal for the last line carrying a hash.
// Corrupt or hash-less trailing lines are skipped so an interrupted write
// never blocks future appends.
func (j *Journal) lastHashLocked() (string, error) {
	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return GenesisHash, nil
		}
		return "", err
	}
	defer f.Close()

	last := GenesisHash
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		if e.Hash != "" {
			last = e.Hash
		}
	}
	return last, sc.Err()
}

// ReadEvents parses every journal line. Lines that fail to parse are
// returned as verification-style errors only by Verify; here they are
// skipped so replay over a partially corrupt journal still progresses.
func (j *Journal) ReadEvents() ([]Event, error) {
	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

// VerifyError describes where and why chain verification failed.
type VerifyError struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"` // parse_error, missing_hash, prev_hash_mismatch, hash_mismatch
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("journal line %d: %s", e.Line, e.Reason)
}

// Verify walks the chain from the first line and validates every event.
// Returns nil when the whole journal is intact.
func (j *Journal) Verify() error {
	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	prev := GenesisHash
	lineNo := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		lineNo++
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return &VerifyError{Line: lineNo, Reason: "parse_error"}
		}
		if e.Hash == "" || e.PrevHash == "" {
			return &VerifyError{Line: lineNo, Reason: "missing_hash"}
		}
		if e.PrevHash != prev {
			return &VerifyError{Line: lineNo, Reason: "prev_hash_mismatch"}
		}
		want, err := eventHash(e)
		if err != nil {
			return &VerifyError{Line: lineNo, Reason: "parse_error"}
		}
		if e.Hash != want {
			return &VerifyError{Line: lineNo, Reason: "hash_mismatch"}
		}
		prev = e.Hash
	}
	return sc.Err()
}

// missingNewline reports whether the file exists, is non-empty, and does
// not end in '\n'.
func missingNewline(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return false
	}
	buf := make([]byte, 1)
	if _, err := f.ReadAt(buf, info.Size()-1); err != nil {
		return false
	}
	return buf[0] != '\n'
}

// syncDir fsyncs a directory so a rename/append survives power loss.
// Best effort; some filesystems reject directory fsync.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

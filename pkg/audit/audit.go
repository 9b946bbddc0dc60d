// Package audit records security-relevant events (unlock, lock, seal,
// gated access, exam operations) to an append-only JSONL log. Each record
// carries an HMAC chained to its predecessor so truncation or in-place
// edits are detectable.
package audit

import (
	"bufio"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

// Operation names.
const (
	OpUnlock          = "store.unlock"
	OpUnlockFailed    = "store.unlock_failed"
	OpLock            = "store.lock"
	OpSeal            = "store.seal"
	OpUnseal          = "store.unseal"
	OpCheck           = "store.check"
	OpGateDenied      = "gate.denied"
	OpExamCreate      = "exam.create"
	OpExamGet         = "exam.get"
	OpExamList        = "exam.list"
	OpExamSummary     = "exam.summary"
	OpExamAddSection  = "exam.add_section"
	OpAgentStart      = "agent.start"
	OpAgentStop       = "agent.stop"
	OpAutoLockExpired = "autolock.expired"
)

// Source identifies where an operation originated.
const (
	SourceLauncher = "launcher"
	SourceCLI      = "cli"
	SourceMCP      = "mcp"
)

// Results.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultDenied  = "denied"
)

// LogFileName is the audit log file inside the vault directory.
const LogFileName = "audit.jsonl"

// hkdfInfo separates the audit HMAC key from the store key it derives from.
const hkdfInfo = "examvault-audit-v1"

// ErrKeyNotSet is returned when logging is attempted before SetHMACKey.
var ErrKeyNotSet = errors.New("audit: HMAC key not set")

// Event is one audit record.
type Event struct {
	Version   int    `json:"v"`
	Timestamp string `json:"ts"`
	Operation string `json:"op"`
	Source    string `json:"src"`
	Result    string `json:"result"`
	Subject   string `json:"subject,omitempty"` // e.g. exam id, table name
	Detail    string `json:"detail,omitempty"`
	SessionID string `json:"session_id"`
	Sequence  int64  `json:"seq"`
	PrevHMAC  string `json:"prev"`
	HMAC      string `json:"hmac"`
}

// Logger appends HMAC-chained events to a single JSONL file.
type Logger struct {
	mu        sync.Mutex
	path      string
	hmacKey   []byte
	sequence  int64
	prevHMAC  string
	sessionID string
}

// NewLogger returns a logger writing to dir/audit.jsonl. Events cannot be
// written until SetHMACKey has been called with the session key.
func NewLogger(dir string) *Logger {
	return &Logger{
		path:      filepath.Join(dir, LogFileName),
		prevHMAC:  "genesis",
		sessionID: newSessionID(),
	}
}

// DeriveHMACKey returns the audit HMAC key for a store key. The derivation
// is one-way: holding the audit key grants no access to the store, so it is
// the only key material the launcher may hand to the agent-side process.
func DeriveHMACKey(storeKey []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, storeKey, nil, []byte(hkdfInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("audit: failed to derive HMAC key: %w", err)
	}
	return key, nil
}

// SetHMACKey derives the audit HMAC key from the store key via HKDF-SHA256
// and resumes the chain from the last record on disk, if any.
func (l *Logger) SetHMACKey(storeKey []byte) error {
	key, err := DeriveHMACKey(storeKey)
	if err != nil {
		return err
	}
	return l.SetRawHMACKey(key)
}

// SetRawHMACKey installs an already-derived audit key and resumes the chain.
// Used by processes that receive the audit key but never the store key.
func (l *Logger) SetRawHMACKey(key []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.hmacKey = append([]byte(nil), key...)

	if seq, prev, err := l.tailChain(); err == nil {
		l.sequence = seq
		l.prevHMAC = prev
	}
	return nil
}

// Log appends one event. Logging is best-effort at call sites: callers
// ignore the returned error when audit failure must not block a security
// operation.
//
// The launcher and the agent subprocess append to the same file in one
// session, so each record links to the file's tail, not this logger's last
// write: the append holds an exclusive file lock and re-reads the tail
// before signing.
func (l *Logger) Log(op, source, result, subject, detail string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		return ErrKeyNotSet
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0700); err != nil {
		return fmt.Errorf("audit: failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("audit: failed to open log: %w", err)
	}
	defer f.Close()

	if err := lockFile(f, true); err != nil {
		return fmt.Errorf("audit: failed to lock log: %w", err)
	}
	defer unlockFile(f)

	if seq, prev, err := l.tailChain(); err == nil {
		l.sequence = seq
		l.prevHMAC = prev
	} else {
		l.sequence = 0
		l.prevHMAC = "genesis"
	}

	l.sequence++
	event := Event{
		Version:   1,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Operation: op,
		Source:    source,
		Result:    result,
		Subject:   subject,
		Detail:    detail,
		SessionID: l.sessionID,
		Sequence:  l.sequence,
		PrevHMAC:  l.prevHMAC,
	}
	event.HMAC = l.sign(&event)
	l.prevHMAC = event.HMAC

	line, err := json.Marshal(&event)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal event: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: failed to write event: %w", err)
	}
	return nil
}

// Success logs a successful operation.
func (l *Logger) Success(op, source, subject string) error {
	return l.Log(op, source, ResultSuccess, subject, "")
}

// Error logs a failed operation.
func (l *Logger) Error(op, source, subject, detail string) error {
	return l.Log(op, source, ResultError, subject, detail)
}

// Denied logs a policy-denied operation.
func (l *Logger) Denied(op, source, subject, reason string) error {
	return l.Log(op, source, ResultDenied, subject, reason)
}

// VerifyResult reports the outcome of a chain verification.
type VerifyResult struct {
	Valid    bool     `json:"valid"`
	Records  int      `json:"records"`
	Verified int      `json:"verified"`
	Errors   []string `json:"errors,omitempty"`
}

// Verify walks the log and checks every record's HMAC and chain linkage.
func (l *Logger) Verify() (*VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		return nil, ErrKeyNotSet
	}

	result := &VerifyResult{Valid: true}

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return nil, fmt.Errorf("audit: failed to open log: %w", err)
	}
	defer f.Close()

	if err := lockFile(f, false); err != nil {
		return nil, fmt.Errorf("audit: failed to lock log: %w", err)
	}
	defer unlockFile(f)

	prev := "genesis"
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		result.Records++

		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: malformed JSON", result.Records))
			continue
		}
		if event.PrevHMAC != prev {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: chain break", result.Records))
		}
		want := event.HMAC
		event.HMAC = ""
		if l.sign(&event) != want {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: HMAC mismatch", result.Records))
		} else {
			result.Verified++
		}
		prev = want
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: failed to scan log: %w", err)
	}
	return result, nil
}

// sign computes the record HMAC over every significant field.
func (l *Logger) sign(e *Event) string {
	mac := hmac.New(sha256.New, l.hmacKey)
	fmt.Fprintf(mac, "%d|%s|%s|%s|%s|%s|%s|%s|%d|%s",
		e.Version, e.Timestamp, e.Operation, e.Source, e.Result,
		e.Subject, e.Detail, e.SessionID, e.Sequence, e.PrevHMAC)
	return hex.EncodeToString(mac.Sum(nil))
}

// tailChain returns the sequence and HMAC of the last record on disk.
func (l *Logger) tailChain() (int64, string, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	var last Event
	found := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if json.Unmarshal(scanner.Bytes(), &last) == nil {
			found = true
		}
	}
	if !found {
		return 0, "", errors.New("audit: empty log")
	}
	return last.Sequence, last.HMAC, nil
}

func newSessionID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// Package audit records vault and broker operations in an append-only JSONL
// log protected by an HMAC chain.
//
// Each record carries the HMAC of its predecessor, so deleting, reordering or
// editing a record breaks the chain from that point on. The chain key is
// derived with HKDF from the vault's symmetric key and exists only while the
// vault is unlocked.
package audit

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	// DirMode is the permission of the audit directory.
	DirMode = 0700
	// FileMode is the permission of log and state files.
	FileMode = 0600

	metaFileName = "audit.meta"
	genesis      = "genesis"
	hkdfInfo     = "vaultbroker-audit-v1"
)

// Operation types
const (
	OpVaultCreate       = "vault.create"
	OpVaultUnlock       = "vault.unlock"
	OpVaultUnlockFailed = "vault.unlock_failed"
	OpVaultLock         = "vault.lock"

	OpCredentialGet    = "credential.get"
	OpCredentialSet    = "credential.set"
	OpCredentialDelete = "credential.delete"
	OpCredentialList   = "credential.list"

	OpTokenIssue = "token.issue"

	OpLoginRequest = "login.request"
	OpLoginConfirm = "login.confirm"
	OpLoginCancel  = "login.cancel"
	OpLoginExpire  = "login.expire"

	OpSessionAutoLock = "session.auto_lock"
)

// Sources
const (
	SourceCLI        = "cli"
	SourceMCP        = "mcp"
	SourceBackground = "background"
)

// Results
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultDenied  = "denied"
)

// ErrKeyNotSet is returned while no chain key is installed (vault locked).
var ErrKeyNotSet = errors.New("audit: HMAC key not set")

// Event is one audit record.
type Event struct {
	Version   int               `json:"v"`
	ID        string            `json:"id"`
	Timestamp string            `json:"ts"`
	Operation string            `json:"op"`
	Subject   string            `json:"subject,omitempty"` // keyed hash of the website or request id
	Source    string            `json:"source"`
	SessionID string            `json:"session_id"`
	Result    string            `json:"result"`
	Error     *ErrorInfo        `json:"error,omitempty"`
	Context   map[string]string `json:"ctx,omitempty"`
	Chain     Chain             `json:"chain"`
}

// ErrorInfo describes a failed operation.
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Chain links a record to its predecessor.
type Chain struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
	HMAC     string `json:"hmac"`
}

type chainState struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
}

// Logger appends events to monthly files under a directory.
type Logger struct {
	dir       string
	now       func() time.Time
	sessionID string

	mu       sync.Mutex
	key      []byte
	sequence int64
	prevHash string
}

// Option configures a Logger.
type Option func(*Logger)

// WithNow overrides the timestamp source.
func WithNow(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// NewLogger returns a logger writing under dir.
func NewLogger(dir string, opts ...Option) *Logger {
	l := &Logger{
		dir:       dir,
		now:       time.Now,
		sessionID: uuid.NewString(),
		prevHash:  genesis,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the audit directory.
func (l *Logger) Path() string { return l.dir }

// SetHMACKey derives the chain key from the vault key and resumes the chain
// from the persisted state.
func (l *Logger) SetHMACKey(vaultKey []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := make([]byte, 32)
	if _, err := hkdf.New(sha256.New, vaultKey, nil, []byte(hkdfInfo)).Read(key); err != nil {
		return fmt.Errorf("audit: failed to derive HMAC key: %w", err)
	}
	l.key = key

	state, err := l.loadState()
	if err != nil {
		// First run or unreadable state; start a new chain.
		l.sequence, l.prevHash = 0, genesis
		return nil
	}
	l.sequence, l.prevHash = state.Sequence, state.PrevHash
	return nil
}

// ClearKey wipes the chain key. Later writes fail with ErrKeyNotSet until
// SetHMACKey is called again.
func (l *Logger) ClearKey() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.key {
		l.key[i] = 0
	}
	l.key = nil
}

// Log appends one event.
func (l *Logger) Log(op, source, result, subject string, errInfo *ErrorInfo, ctx map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.key == nil {
		return ErrKeyNotSet
	}
	if err := os.MkdirAll(l.dir, DirMode); err != nil {
		return fmt.Errorf("audit: failed to create directory: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("audit: failed to generate event id: %w", err)
	}
	now := l.now().UTC()

	event := Event{
		Version:   1,
		ID:        id.String(),
		Timestamp: now.Format(time.RFC3339Nano),
		Operation: op,
		Source:    source,
		SessionID: l.sessionID,
		Result:    result,
		Error:     errInfo,
		Context:   ctx,
	}
	if subject != "" {
		event.Subject = l.mac([]byte(subject))
	}

	event.Chain.Sequence = l.sequence + 1
	event.Chain.PrevHash = l.prevHash
	sum, err := l.sign(event)
	if err != nil {
		return err
	}
	event.Chain.HMAC = sum

	if err := l.append(now, &event); err != nil {
		return err
	}
	l.sequence = event.Chain.Sequence
	l.prevHash = sum
	return l.saveState()
}

// LogSuccess records a successful operation.
func (l *Logger) LogSuccess(op, source, subject string) error {
	return l.Log(op, source, ResultSuccess, subject, nil, nil)
}

// LogError records a failed operation.
func (l *Logger) LogError(op, source, subject, code, msg string) error {
	return l.Log(op, source, ResultError, subject, &ErrorInfo{Code: code, Message: msg}, nil)
}

// LogDenied records a refused operation.
func (l *Logger) LogDenied(op, source, subject, reason string) error {
	return l.Log(op, source, ResultDenied, subject, nil, map[string]string{"reason": reason})
}

func (l *Logger) mac(data []byte) string {
	m := hmac.New(sha256.New, l.key)
	m.Write(data)
	return hex.EncodeToString(m.Sum(nil))
}

// sign computes the record HMAC over the JSON encoding of the event with the
// HMAC field empty. encoding/json emits struct fields in declaration order and
// map keys sorted, so the encoding is reproducible on verification.
func (l *Logger) sign(event Event) (string, error) {
	event.Chain.HMAC = ""
	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("audit: failed to marshal event: %w", err)
	}
	return l.mac(data), nil
}

func (l *Logger) append(now time.Time, event *Event) error {
	name := filepath.Join(l.dir, now.Format("2006-01")+".jsonl")
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, FileMode)
	if err != nil {
		return fmt.Errorf("audit: failed to open log file: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: failed to write event: %w", err)
	}
	return nil
}

func (l *Logger) loadState() (chainState, error) {
	var state chainState
	data, err := os.ReadFile(filepath.Join(l.dir, metaFileName))
	if err != nil {
		return state, err
	}
	err = json.Unmarshal(data, &state)
	return state, err
}

func (l *Logger) saveState() error {
	data, err := json.Marshal(chainState{Sequence: l.sequence, PrevHash: l.prevHash})
	if err != nil {
		return fmt.Errorf("audit: failed to marshal chain state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.dir, metaFileName), data, FileMode); err != nil {
		return fmt.Errorf("audit: failed to save chain state: %w", err)
	}
	return nil
}

// VerifyResult is the outcome of a chain walk.
type VerifyResult struct {
	Valid   bool     `json:"valid"`
	Records int      `json:"records"`
	Errors  []string `json:"errors,omitempty"`
}

// Verify re-walks every log file and checks sequence numbers, predecessor
// links and record HMACs.
func (l *Logger) Verify() (*VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.key == nil {
		return nil, ErrKeyNotSet
	}
	events, err := l.readAll()
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Valid: true}
	prev := genesis
	var seq int64 = 1
	for _, event := range events {
		result.Records++
		if event.Chain.Sequence != seq {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"sequence gap at %s: expected %d, got %d", event.ID, seq, event.Chain.Sequence))
		}
		if event.Chain.PrevHash != prev {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("chain broken at %s", event.ID))
		}
		want, err := l.sign(event)
		if err != nil {
			return nil, err
		}
		if !hmac.Equal([]byte(want), []byte(event.Chain.HMAC)) {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("HMAC mismatch at %s", event.ID))
		}
		prev = event.Chain.HMAC
		seq++
	}
	return result, nil
}

// ListEvents returns the most recent events, oldest first. limit <= 0
// returns all; a zero since disables the time filter.
func (l *Logger) ListEvents(limit int, since time.Time) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}
	if !since.IsZero() {
		filtered := events[:0]
		for _, e := range events {
			ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
			if err != nil || !ts.After(since) {
				continue
			}
			filtered = append(filtered, e)
		}
		events = filtered
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

func (l *Logger) readAll() ([]Event, error) {
	files, err := filepath.Glob(filepath.Join(l.dir, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list log files: %w", err)
	}
	// YYYY-MM names sort chronologically
	sort.Strings(files)

	var events []Event
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", file, err)
		}
		sc := bufio.NewScanner(bytes.NewReader(data))
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}
			var e Event
			if err := json.Unmarshal(line, &e); err != nil {
				return nil, fmt.Errorf("audit: failed to parse %s: %w", file, err)
			}
			events = append(events, e)
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("audit: failed to scan %s: %w", file, err)
		}
	}
	return events, nil
}

package ledger

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"
)

// Op names a ledger operation for fault injection.
type Op string

const (
	OpGet    Op = "get"
	OpList   Op = "list"
	OpSet    Op = "set"
	OpDelete Op = "delete"
)

// FaultFunc decides whether an operation fails. A nil return lets the
// operation proceed.
type FaultFunc func(op Op, owner, key string) error

// Memory is an in-process ledger. With a non-zero commit latency writes are
// applied by a background goroutine, which mirrors the confirmation delay of
// a remote ledger.
type Memory struct {
	mu      sync.RWMutex
	data    map[string]map[string]Entry
	latency time.Duration
	fault   FaultFunc
	now     func() time.Time
	closed  bool
}

// MemoryOption configures a Memory ledger.
type MemoryOption func(*Memory)

// WithCommitLatency delays the application of every write by d.
func WithCommitLatency(d time.Duration) MemoryOption {
	return func(m *Memory) { m.latency = d }
}

// WithFault installs a fault injector.
func WithFault(f FaultFunc) MemoryOption {
	return func(m *Memory) { m.fault = f }
}

// WithNow overrides the timestamp source.
func WithNow(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory returns an empty in-memory ledger.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		data: make(map[string]map[string]Entry),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetFault replaces the fault injector. Pass nil to clear it.
func (m *Memory) SetFault(f FaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = f
}

func (m *Memory) check(op Op, owner, key string) error {
	if m.closed {
		return ErrClosed
	}
	if m.fault != nil {
		return m.fault(op, owner, key)
	}
	return nil
}

// Get returns a copy of the value stored under owner/key.
func (m *Memory) Get(_ context.Context, owner, key string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(OpGet, owner, key); err != nil {
		return Entry{}, err
	}
	entry, ok := m.data[owner][key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return Entry{Data: bytes.Clone(entry.Data), Timestamp: entry.Timestamp}, nil
}

// List returns the owner's keys in lexical order.
func (m *Memory) List(_ context.Context, owner string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(OpList, owner, ""); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(m.data[owner]))
	for k := range m.data[owner] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Set stores data under owner/key, replacing any previous value.
func (m *Memory) Set(_ context.Context, owner, key string, data []byte) (Commit, error) {
	m.mu.RLock()
	err := m.check(OpSet, owner, key)
	m.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	value := bytes.Clone(data)
	return m.apply(func() {
		if m.data[owner] == nil {
			m.data[owner] = make(map[string]Entry)
		}
		m.data[owner][key] = Entry{Data: value, Timestamp: m.now()}
	}), nil
}

// Delete removes owner/key. Deleting a missing key succeeds.
func (m *Memory) Delete(_ context.Context, owner, key string) (Commit, error) {
	m.mu.RLock()
	err := m.check(OpDelete, owner, key)
	m.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	return m.apply(func() {
		delete(m.data[owner], key)
	}), nil
}

func (m *Memory) apply(mutate func()) Commit {
	if m.latency <= 0 {
		m.mu.Lock()
		mutate()
		m.mu.Unlock()
		return Done(nil)
	}

	p := newPending()
	go func() {
		time.Sleep(m.latency)
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			p.resolve(ErrClosed)
			return
		}
		mutate()
		m.mu.Unlock()
		p.resolve(nil)
	}()
	return p
}

// Close marks the ledger closed; subsequent calls fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

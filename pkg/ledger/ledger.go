// Package ledger defines the key-value persistence layer behind the vault.
//
// A ledger stores opaque byte values per owner (identity) and key. Writes are
// asynchronous: Set and Delete return a Commit whose Wait method blocks until
// the backend confirms the change is durable. Callers must not assume a
// write is visible before Wait returns nil.
package ledger

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by ledger backends.
var (
	// ErrNotFound indicates no value is stored under the key.
	ErrNotFound = errors.New("ledger: key not found")

	// ErrNetwork wraps transport or backend failures.
	ErrNetwork = errors.New("ledger: backend unavailable")

	// ErrClosed indicates the ledger has been closed.
	ErrClosed = errors.New("ledger: closed")

	// ErrInsufficientSpace indicates the backing volume is nearly full.
	ErrInsufficientSpace = errors.New("ledger: insufficient disk space")
)

// Entry is a stored value and the time it was last written.
type Entry struct {
	Data      []byte
	Timestamp time.Time
}

// Commit is the confirmation handle of a state-changing call.
type Commit interface {
	// Wait blocks until the write is durable, the write fails, or ctx
	// is done.
	Wait(ctx context.Context) error
}

// Ledger is the asynchronous key-value surface consumed by the vault.
type Ledger interface {
	Get(ctx context.Context, owner, key string) (Entry, error)
	List(ctx context.Context, owner string) ([]string, error)
	Set(ctx context.Context, owner, key string, data []byte) (Commit, error)
	Delete(ctx context.Context, owner, key string) (Commit, error)
	Close() error
}

// committed is a Commit that has already resolved.
type committed struct{ err error }

func (c committed) Wait(context.Context) error { return c.err }

// Done returns a Commit that resolves immediately with err.
func Done(err error) Commit { return committed{err: err} }

// pending is a Commit resolved by a background goroutine.
type pending struct {
	done chan struct{}
	err  error
}

func newPending() *pending { return &pending{done: make(chan struct{})} }

func (p *pending) resolve(err error) {
	p.err = err
	close(p.done)
}

func (p *pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

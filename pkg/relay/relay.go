// Package relay carries messages between isolated execution contexts.
//
// Contexts share no memory. Each owns a Mailbox registered on a Bus under a
// well-known name, and every message crosses the boundary as CBOR bytes, so
// only serialisable data can travel. Request/reply pairs are matched by a
// Correlator on the requester's side.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Well-known context names.
const (
	Inpage     = "inpage"
	Content    = "content"
	Background = "background"

	// TabPrefix names additional relay contexts, one per page ("tab:3").
	TabPrefix = "tab:"
)

// DefaultMailboxSize is the buffer of a mailbox opened with size <= 0.
const DefaultMailboxSize = 64

var (
	// ErrUnreachable indicates no mailbox is registered for the target.
	ErrUnreachable = errors.New("relay: target context unreachable")

	// ErrClosed indicates the mailbox has been closed.
	ErrClosed = errors.New("relay: mailbox closed")

	// ErrTimeout indicates no reply arrived within the call timeout.
	ErrTimeout = errors.New("relay: request timed out")
)

// Envelope is one message between contexts.
type Envelope struct {
	Source     string     `cbor:"source"`
	Target     string     `cbor:"target,omitempty"`
	ResponseID string     `cbor:"responseId,omitempty"`
	Type       string     `cbor:"type"`
	Reply      bool       `cbor:"reply,omitempty"`
	Payload    RawMessage `cbor:"payload,omitempty"`
	Error      string     `cbor:"error,omitempty"`
}

// Decode unmarshals the payload into v. An empty payload leaves v unchanged.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("relay: failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// NewEnvelope builds a request envelope with payload encoded. A nil payload
// is sent empty.
func NewEnvelope(source, target, msgType string, payload any) (Envelope, error) {
	env := Envelope{Source: source, Target: target, Type: msgType}
	if payload != nil {
		raw, err := Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("relay: failed to encode %s payload: %w", msgType, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// ReplyTo builds the reply to req, addressed back to its source.
func ReplyTo(req Envelope, from string, payload any, errMsg string) (Envelope, error) {
	env, err := NewEnvelope(from, req.Source, req.Type, payload)
	if err != nil {
		return Envelope{}, err
	}
	env.ResponseID = req.ResponseID
	env.Reply = true
	env.Error = errMsg
	return env, nil
}

// DecodeEnvelope decodes one mailbox item.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("relay: malformed envelope: %w", err)
	}
	return env, nil
}

// Mailbox is the inbound queue of one context.
type Mailbox struct {
	name string
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

// Name returns the context name the mailbox is registered under.
func (m *Mailbox) Name() string { return m.name }

// C returns the channel of encoded envelopes, for owners that select over
// several event sources.
func (m *Mailbox) C() <-chan []byte { return m.ch }

// Done is closed when the mailbox is closed.
func (m *Mailbox) Done() <-chan struct{} { return m.done }

// Recv blocks for the next envelope.
func (m *Mailbox) Recv(ctx context.Context) (Envelope, error) {
	select {
	case data := <-m.ch:
		return DecodeEnvelope(data)
	case <-m.done:
		return Envelope{}, ErrClosed
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (m *Mailbox) close() {
	m.once.Do(func() { close(m.done) })
}

// Bus is the registry of context mailboxes.
type Bus struct {
	mu    sync.RWMutex
	boxes map[string]*Mailbox
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{boxes: make(map[string]*Mailbox)}
}

// Open registers a mailbox under name, replacing and closing any previous
// one.
func (b *Bus) Open(name string, size int) *Mailbox {
	if size <= 0 {
		size = DefaultMailboxSize
	}
	m := &Mailbox{name: name, ch: make(chan []byte, size), done: make(chan struct{})}

	b.mu.Lock()
	old := b.boxes[name]
	b.boxes[name] = m
	b.mu.Unlock()

	if old != nil {
		old.close()
	}
	return m
}

// Close unregisters and closes the mailbox under name.
func (b *Bus) Close(name string) {
	b.mu.Lock()
	m := b.boxes[name]
	delete(b.boxes, name)
	b.mu.Unlock()

	if m != nil {
		m.close()
	}
}

// Names returns the registered names starting with prefix, sorted.
func (b *Bus) Names(prefix string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var names []string
	for name := range b.boxes {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Post encodes env and enqueues it on env.Target, blocking while the
// mailbox is full.
func (b *Bus) Post(ctx context.Context, env Envelope) error {
	b.mu.RLock()
	m := b.boxes[env.Target]
	b.mu.RUnlock()
	if m == nil {
		return fmt.Errorf("%w: %q", ErrUnreachable, env.Target)
	}

	data, err := Marshal(env)
	if err != nil {
		return fmt.Errorf("relay: failed to encode envelope: %w", err)
	}

	select {
	case m.ch <- data:
		return nil
	case <-m.done:
		return fmt.Errorf("%w: %q", ErrUnreachable, env.Target)
	case <-ctx.Done():
		return ctx.Err()
	}
}

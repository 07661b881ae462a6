package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forest6511/vaultbroker/pkg/clock"
)

// RemoteError is an error reported by the replying context.
type RemoteError struct {
	Type    string
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// Correlator matches replies to outstanding calls made from one context.
type Correlator struct {
	bus   *Bus
	self  string
	clock clock.Clock

	mu      sync.Mutex
	pending map[string]chan Envelope
}

// NewCorrelator returns a correlator for calls made by the context self.
func NewCorrelator(bus *Bus, self string, c clock.Clock) *Correlator {
	if c == nil {
		c = clock.Real()
	}
	return &Correlator{
		bus:     bus,
		self:    self,
		clock:   c,
		pending: make(map[string]chan Envelope),
	}
}

// Call posts a request of msgType to target and waits for the matching
// reply, the timeout or ctx. A reply carrying an error is returned together
// with a *RemoteError.
func (c *Correlator) Call(ctx context.Context, target, msgType string, payload any, timeout time.Duration) (Envelope, error) {
	env, err := NewEnvelope(c.self, target, msgType, payload)
	if err != nil {
		return Envelope{}, err
	}
	env.ResponseID = uuid.NewString()

	ch := make(chan Envelope, 1)
	c.mu.Lock()
	c.pending[env.ResponseID] = ch
	c.mu.Unlock()
	defer c.forget(env.ResponseID)

	// Arm the timeout before posting so a reply racing the deadline is
	// still measured from the send.
	expired := c.clock.After(timeout)
	if err := c.bus.Post(ctx, env); err != nil {
		return Envelope{}, err
	}

	select {
	case reply := <-ch:
		if reply.Error != "" {
			return reply, &RemoteError{Type: reply.Type, Message: reply.Error}
		}
		return reply, nil
	case <-expired:
		return Envelope{}, ErrTimeout
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (c *Correlator) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Resolve hands env to the waiting call. It reports false, dropping env,
// when env is not a reply, carries an unknown correlation id, or is
// addressed to another context.
func (c *Correlator) Resolve(env Envelope) bool {
	if !env.Reply || env.ResponseID == "" {
		return false
	}
	if env.Target != "" && env.Target != c.self {
		return false
	}

	c.mu.Lock()
	ch, ok := c.pending[env.ResponseID]
	if ok {
		delete(c.pending, env.ResponseID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- env
	return true
}

// Pending returns the number of outstanding calls.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Package session tracks whether the vault is unlocked and locks it after a
// period of inactivity.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/forest6511/vaultbroker/pkg/clock"
)

// DefaultAutoLock is the inactivity period after which the vault locks.
const DefaultAutoLock = time.Hour

// EventLocked is broadcast to consumer contexts when the guard auto-locks.
const EventLocked = "VAULT_LOCKED"

// Status is a snapshot of the session.
type Status struct {
	Unlocked     bool      `json:"unlocked"`
	LastActivity time.Time `json:"lastActivity"`
	TimerArmed   bool      `json:"timerArmed"`
}

// Guard owns the session state and its single auto-lock timer.
//
// Timer expiry is handed to the executor rather than run on the timer's
// goroutine, so an owner running an event loop can serialise it with every
// other state change.
type Guard struct {
	clock     clock.Clock
	timeout   time.Duration
	execute   func(func())
	onLock    func()
	broadcast func(event string) error
	logger    *slog.Logger

	mu           sync.Mutex
	unlocked     bool
	lastActivity time.Time
	timer        *clock.Timer
	generation   uint64
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock sets the clock driving the timer.
func WithClock(c clock.Clock) Option {
	return func(g *Guard) { g.clock = c }
}

// WithTimeout sets the auto-lock period. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithExecutor sets how timer expiry is delivered to the owner.
func WithExecutor(execute func(func())) Option {
	return func(g *Guard) { g.execute = execute }
}

// WithOnLock registers the hook run when the timer locks the session. It is
// where the owner wipes vault key material.
func WithOnLock(f func()) Option {
	return func(g *Guard) { g.onLock = f }
}

// WithBroadcast registers the best-effort notifier for EventLocked.
func WithBroadcast(f func(event string) error) Option {
	return func(g *Guard) { g.broadcast = f }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// NewGuard returns a locked session.
func NewGuard(opts ...Option) *Guard {
	g := &Guard{
		clock:   clock.Real(),
		timeout: DefaultAutoLock,
		execute: func(f func()) { f() },
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "session")
	g.lastActivity = g.clock.Now()
	return g
}

// Timeout returns the auto-lock period.
func (g *Guard) Timeout() time.Duration { return g.timeout }

// OnActivity records activity and pushes the auto-lock deadline out by a
// full period if the session is unlocked.
func (g *Guard) OnActivity() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastActivity = g.clock.Now()
	g.rearm()
}

// MarkUnlocked records that the vault was unlocked and arms the timer.
func (g *Guard) MarkUnlocked() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unlocked = true
	g.lastActivity = g.clock.Now()
	g.rearm()
}

// MarkLocked records that the vault was locked and disarms the timer.
func (g *Guard) MarkLocked() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unlocked = false
	g.disarm()
}

// Status returns the current state without touching the timer.
func (g *Guard) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Status{
		Unlocked:     g.unlocked,
		LastActivity: g.lastActivity,
		TimerArmed:   g.timer != nil,
	}
}

// IsUnlocked reports whether the session is unlocked.
func (g *Guard) IsUnlocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.unlocked
}

// disarm must be called with mu held. Bumping the generation invalidates a
// callback that already left the timer but has not run yet.
func (g *Guard) disarm() {
	g.generation++
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

// rearm must be called with mu held.
func (g *Guard) rearm() {
	g.disarm()
	if !g.unlocked {
		return
	}
	gen := g.generation
	g.timer = g.clock.AfterFunc(g.timeout, func() {
		g.execute(func() { g.expire(gen) })
	})
}

func (g *Guard) expire(gen uint64) {
	g.mu.Lock()
	if gen != g.generation || !g.unlocked {
		g.mu.Unlock()
		return
	}
	g.unlocked = false
	g.timer = nil
	g.generation++
	g.mu.Unlock()

	g.logger.Info("auto-lock after inactivity", "timeout", g.timeout)
	if g.onLock != nil {
		g.onLock()
	}
	if g.broadcast != nil {
		if err := g.broadcast(EventLocked); err != nil {
			g.logger.Debug("lock broadcast not delivered", "error", err)
		}
	}
}

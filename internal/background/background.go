// Package background is the privileged context. It owns the session guard,
// the login broker and the vault handle, and mutates them only from its own
// event loop; every other context reaches it through relay messages.
package background

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/forest6511/vaultbroker/internal/broker"
	"github.com/forest6511/vaultbroker/pkg/clock"
	"github.com/forest6511/vaultbroker/pkg/relay"
	"github.com/forest6511/vaultbroker/pkg/session"
)

// Message types handled by the background context.
const (
	MsgRequestLogin     = "REQUEST_LOGIN"
	MsgConfirmLogin     = "CONFIRM_LOGIN"
	MsgCancelLogin      = "CANCEL_LOGIN"
	MsgGetPending       = "GET_PENDING_LOGIN_REQUESTS"
	MsgCheckVaultStatus = "CHECK_VAULT_STATUS"
	MsgVaultUnlocked    = "VAULT_UNLOCKED"
	MsgVaultLocked      = "VAULT_LOCKED"
)

// UnknownMessage is the error returned for unrecognised message types.
const UnknownMessage = "Unknown message type"

// sendTimeout bounds a single delivery to another context.
const sendTimeout = 5 * time.Second

// Locker is the vault surface the background context needs.
type Locker interface {
	Lock()
	IsLocked() bool
}

// LoginPayload is the REQUEST_LOGIN body.
type LoginPayload struct {
	Website     string `cbor:"website"`
	CallbackURL string `cbor:"callbackUrl"`
	CurrentURL  string `cbor:"currentUrl"`
}

// ConfirmPayload is the CONFIRM_LOGIN body.
type ConfirmPayload struct {
	RequestID string `cbor:"requestId"`
	Token     string `cbor:"token"`
}

// CancelPayload is the CANCEL_LOGIN body.
type CancelPayload struct {
	RequestID string `cbor:"requestId"`
}

// PendingView is one entry of the GET_PENDING_LOGIN_REQUESTS reply.
type PendingView struct {
	RequestID     string `cbor:"requestId"`
	CallbackURL   string `cbor:"callbackUrl"`
	SourceContext string `cbor:"sourceContext,omitempty"`
	Website       string `cbor:"website"`
	CurrentURL    string `cbor:"currentUrl"`
	Timestamp     int64  `cbor:"timestamp"`
}

// PendingList is the GET_PENDING_LOGIN_REQUESTS reply.
type PendingList struct {
	Requests []PendingView `cbor:"requests"`
}

// VaultStatus is the CHECK_VAULT_STATUS reply.
type VaultStatus struct {
	IsUnlocked bool `cbor:"isUnlocked"`
}

// Ack is the reply to state-changing messages.
type Ack struct {
	Success bool `cbor:"success"`
}

// Actor is the background context.
type Actor struct {
	bus    *relay.Bus
	box    *relay.Mailbox
	guard  *session.Guard
	broker *broker.Broker
	vault  Locker
	logger *slog.Logger

	clock       clock.Clock
	sessionOpts []session.Option
	brokerOpts  []broker.Option

	tasks chan func()
	stop  chan struct{}
	ctx   context.Context
	wg    sync.WaitGroup

	// pages maps a relay context to the URL it last reported. Loop-owned
	// writes, read by the broker during delivery.
	mu    sync.RWMutex
	pages map[string]string
}

// Option configures an Actor.
type Option func(*Actor)

// WithClock sets the clock shared by the guard and the broker.
func WithClock(c clock.Clock) Option {
	return func(a *Actor) { a.clock = c }
}

// WithVault wires the vault so auto-lock and VAULT_LOCKED wipe its keys.
func WithVault(v Locker) Option {
	return func(a *Actor) { a.vault = v }
}

// WithSessionOptions passes options through to the session guard.
func WithSessionOptions(opts ...session.Option) Option {
	return func(a *Actor) { a.sessionOpts = append(a.sessionOpts, opts...) }
}

// WithBrokerOptions passes options through to the login broker.
func WithBrokerOptions(opts ...broker.Option) Option {
	return func(a *Actor) { a.brokerOpts = append(a.brokerOpts, opts...) }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Actor) { a.logger = l }
}

// New registers the background mailbox on bus and builds the guard and
// broker it owns. Call Run to start processing.
func New(bus *relay.Bus, opts ...Option) *Actor {
	a := &Actor{
		bus:    bus,
		clock:  clock.Real(),
		logger: slog.Default(),
		tasks:  make(chan func(), 16),
		stop:   make(chan struct{}),
		ctx:    context.Background(),
		pages:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "background")

	sessionOpts := append([]session.Option{
		session.WithClock(a.clock),
		session.WithExecutor(a.enqueue),
		session.WithBroadcast(a.broadcast),
		session.WithLogger(a.logger),
	}, a.sessionOpts...)
	if a.vault != nil {
		sessionOpts = append(sessionOpts, session.WithOnLock(a.vault.Lock))
	}
	a.guard = session.NewGuard(sessionOpts...)

	brokerOpts := append([]broker.Option{
		broker.WithClock(a.clock),
		broker.WithLogger(a.logger),
	}, a.brokerOpts...)
	a.broker = broker.New(a, a.guard, brokerOpts...)

	a.box = bus.Open(relay.Background, 0)
	return a
}

// Guard returns the session guard.
func (a *Actor) Guard() *session.Guard { return a.guard }

// Broker returns the login broker.
func (a *Actor) Broker() *broker.Broker { return a.broker }

// Run processes messages until ctx is done or the mailbox is closed. It
// waits for in-flight confirmations before returning. Run must be called
// at most once.
func (a *Actor) Run(ctx context.Context) error {
	a.ctx = ctx
	defer func() {
		close(a.stop)
		a.wg.Wait()
	}()

	for {
		select {
		case data := <-a.box.C():
			env, err := relay.DecodeEnvelope(data)
			if err != nil {
				a.logger.Warn("dropping malformed envelope", "error", err)
				continue
			}
			a.handle(env)
		case f := <-a.tasks:
			f()
		case <-a.box.Done():
			return relay.ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close unregisters the background mailbox, which stops Run.
func (a *Actor) Close() {
	a.bus.Close(relay.Background)
}

// enqueue runs f on the loop. Used as the guard's executor and for
// completions of off-loop work.
func (a *Actor) enqueue(f func()) {
	select {
	case a.tasks <- f:
	case <-a.stop:
	}
}

func (a *Actor) handle(env relay.Envelope) {
	if env.Reply {
		// The background context never waits on replies.
		return
	}
	a.guard.OnActivity()

	switch env.Type {
	case MsgRequestLogin:
		a.requestLogin(env)
	case MsgConfirmLogin:
		a.confirmLogin(env)
	case MsgCancelLogin:
		var p CancelPayload
		if err := env.Decode(&p); err != nil {
			a.reply(env, nil, err.Error())
			return
		}
		if err := a.broker.CancelLogin(a.ctx, p.RequestID); err != nil {
			a.reply(env, nil, broker.Message(err))
			return
		}
		a.reply(env, Ack{Success: true}, "")
	case MsgGetPending:
		a.reply(env, a.pendingList(), "")
	case MsgCheckVaultStatus:
		a.reply(env, VaultStatus{IsUnlocked: a.guard.IsUnlocked()}, "")
	case MsgVaultUnlocked:
		a.guard.MarkUnlocked()
		a.reply(env, Ack{Success: true}, "")
	case MsgVaultLocked:
		a.guard.MarkLocked()
		if a.vault != nil && !a.vault.IsLocked() {
			a.vault.Lock()
		}
		a.reply(env, Ack{Success: true}, "")
	default:
		a.logger.Debug("unknown message type", "type", env.Type, "source", env.Source)
		a.reply(env, nil, UnknownMessage)
	}
}

func (a *Actor) requestLogin(env relay.Envelope) {
	var p LoginPayload
	if err := env.Decode(&p); err != nil {
		a.reply(env, nil, err.Error())
		return
	}
	// The sender is taken from the envelope, never from the payload.
	if strings.HasPrefix(env.Source, relay.TabPrefix) && p.CurrentURL != "" {
		a.mu.Lock()
		a.pages[env.Source] = p.CurrentURL
		a.mu.Unlock()
	}

	res, err := a.broker.RequestLogin(a.ctx, broker.LoginRequest{
		Website:       p.Website,
		CallbackURL:   p.CallbackURL,
		CurrentURL:    p.CurrentURL,
		SourceContext: env.Source,
	})
	if err != nil {
		a.reply(env, nil, broker.Message(err))
		return
	}
	a.reply(env, res, "")
}

// confirmLogin runs the callback POST off the loop and replies from the
// loop once it finishes.
func (a *Actor) confirmLogin(env relay.Envelope) {
	var p ConfirmPayload
	if err := env.Decode(&p); err != nil {
		a.reply(env, nil, err.Error())
		return
	}

	ctx := a.ctx
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		err := a.broker.ConfirmLogin(ctx, p.RequestID, p.Token)
		a.enqueue(func() {
			if err != nil {
				a.reply(env, nil, broker.Message(err))
				return
			}
			a.reply(env, Ack{Success: true}, "")
		})
	}()
}

func (a *Actor) pendingList() PendingList {
	pending := a.broker.ListPending(a.ctx)
	out := PendingList{Requests: make([]PendingView, 0, len(pending))}
	for _, p := range pending {
		out.Requests = append(out.Requests, PendingView{
			RequestID:     p.RequestID,
			CallbackURL:   p.CallbackURL,
			SourceContext: p.SourceContext,
			Website:       p.Website,
			CurrentURL:    p.CurrentURL,
			Timestamp:     p.CreatedAt.UnixMilli(),
		})
	}
	return out
}

// reply answers req. Fire-and-forget requests carry no correlation id and
// get no reply.
func (a *Actor) reply(req relay.Envelope, payload any, errMsg string) {
	if req.ResponseID == "" {
		return
	}
	env, err := relay.ReplyTo(req, relay.Background, payload, errMsg)
	if err != nil {
		a.logger.Error("failed to build reply", "type", req.Type, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(a.ctx, sendTimeout)
	defer cancel()
	if err := a.bus.Post(ctx, env); err != nil {
		a.logger.Debug("reply not delivered", "type", req.Type, "target", req.Source, "error", err)
	}
}

// broadcast notifies every page context of event. Individual failures are
// ignored; the joined error is only logged by the guard.
func (a *Actor) broadcast(event string) error {
	var errs []error
	for _, name := range a.All() {
		if err := a.Send(a.ctx, name, event, nil); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Send implements broker.Contexts.
func (a *Actor) Send(ctx context.Context, name, msgType string, payload any) error {
	env, err := relay.NewEnvelope(relay.Background, name, msgType, payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := a.bus.Post(ctx, env); err != nil {
		return fmt.Errorf("background: deliver %s to %s: %w", msgType, name, err)
	}
	return nil
}

// Lookup implements broker.Contexts. Only contexts still registered on the
// bus are returned.
func (a *Actor) Lookup(url string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	live := a.bus.Names(relay.TabPrefix)
	for _, name := range live {
		if a.pages[name] == url {
			return name, true
		}
	}
	return "", false
}

// All implements broker.Contexts.
func (a *Actor) All() []string {
	return a.bus.Names(relay.TabPrefix)
}

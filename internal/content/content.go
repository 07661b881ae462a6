// Package content is the relay context between a page and the background
// context. It forwards page requests, remembers which page request is
// waiting on which login, and answers the page once the background context
// reports the outcome.
package content

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forest6511/vaultbroker/internal/broker"
	"github.com/forest6511/vaultbroker/pkg/clock"
	"github.com/forest6511/vaultbroker/pkg/relay"
)

// Message types handled only by the content context.
const (
	MsgPing            = "PING"
	MsgFillCredentials = "FILL_CREDENTIALS"
	msgRequestLogin    = "REQUEST_LOGIN"
	msgVaultLocked     = "VAULT_LOCKED"
	msgVaultUnlocked   = "VAULT_UNLOCKED"
)

// Page-facing error texts.
const (
	GenericError     = "Request failed"
	LoginFailed      = "Login failed"
	InitiateFailed   = "Failed to initiate login"
	UnknownMessage   = "Unknown message type"
	DefaultCallLimit = 120 * time.Second
)

const sendTimeout = 5 * time.Second

// FillRequest is the FILL_CREDENTIALS body.
type FillRequest struct {
	Username string `cbor:"username"`
	Password string `cbor:"password"`
}

// Filler writes credentials into the page's form.
type Filler interface {
	Fill(ctx context.Context, req FillRequest) error
}

// LoginResult is the reply to a page's REQUEST_LOGIN once it completes.
type LoginResult struct {
	Token          string `cbor:"token"`
	Success        bool   `cbor:"success"`
	ServerResponse any    `cbor:"serverResponse,omitempty"`
	RedirectURL    string `cbor:"redirectUrl,omitempty"`
}

// Ack is the reply to messages that only need acknowledging.
type Ack struct {
	Success bool `cbor:"success"`
}

// Pong is the PING reply.
type Pong struct {
	Pong bool `cbor:"pong"`
}

type forward struct {
	req     relay.Envelope
	timer   *clock.Timer
	started time.Time
}

type forwarded struct {
	Type    string `cbor:"type"`
	Website string `cbor:"website,omitempty"`
}

// Actor is one content context, registered under a tab name.
type Actor struct {
	name    string
	page    string
	bus     *relay.Bus
	box     *relay.Mailbox
	filler  Filler
	timeout time.Duration
	clock   clock.Clock
	logger  *slog.Logger

	tasks chan func()
	stop  chan struct{}
	ctx   context.Context

	// Loop-owned. forwards holds page requests awaiting a background reply,
	// by correlation id; waiting holds page logins awaiting an outcome, by
	// login request id. A waiting entry is dropped once the page's call
	// limit has passed, since the page has stopped listening by then.
	forwards map[string]forward
	waiting  map[string]forward
}

// Option configures an Actor.
type Option func(*Actor)

// WithPage sets the name of the page context served. Defaults to
// relay.Inpage.
func WithPage(name string) Option {
	return func(a *Actor) { a.page = name }
}

// WithFiller sets the form filler used by FILL_CREDENTIALS.
func WithFiller(f Filler) Option {
	return func(a *Actor) { a.filler = f }
}

// WithCallTimeout bounds each call to the background context.
func WithCallTimeout(d time.Duration) Option {
	return func(a *Actor) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithClock sets the clock used for call timeouts.
func WithClock(c clock.Clock) Option {
	return func(a *Actor) { a.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Actor) { a.logger = l }
}

// New registers a content context named name (conventionally
// relay.TabPrefix + n) on bus.
func New(bus *relay.Bus, name string, opts ...Option) *Actor {
	a := &Actor{
		name:     name,
		page:     relay.Inpage,
		bus:      bus,
		timeout:  DefaultCallLimit,
		clock:    clock.Real(),
		logger:   slog.Default(),
		tasks:    make(chan func(), 16),
		stop:     make(chan struct{}),
		ctx:      context.Background(),
		forwards: make(map[string]forward),
		waiting:  make(map[string]forward),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "content", "context", name)
	a.box = bus.Open(name, 0)
	return a
}

// Name returns the context name.
func (a *Actor) Name() string { return a.name }

// Run processes messages until ctx is done or the mailbox is closed. Run
// must be called at most once.
func (a *Actor) Run(ctx context.Context) error {
	a.ctx = ctx
	defer close(a.stop)

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

// Close unregisters the context, which stops Run.
func (a *Actor) Close() {
	a.bus.Close(a.name)
}

func (a *Actor) enqueue(f func()) {
	select {
	case a.tasks <- f:
	case <-a.stop:
	}
}

// Waiting returns the number of page logins awaiting an outcome.
func (a *Actor) Waiting() int {
	done := make(chan int, 1)
	a.enqueue(func() { done <- len(a.waiting) })
	select {
	case n := <-done:
		return n
	case <-a.stop:
		return 0
	}
}

func (a *Actor) handle(env relay.Envelope) {
	if env.Reply {
		a.fromBackground(env)
		return
	}
	if env.Source == a.page {
		a.fromPage(env)
		return
	}

	switch env.Type {
	case broker.MsgLoginComplete:
		var c broker.Completion
		if err := env.Decode(&c); err != nil {
			a.logger.Warn("malformed login completion", "error", err)
			return
		}
		if req, ok := a.take(c.RequestID); ok {
			a.reply(req, LoginResult{
				Token:          c.Token,
				Success:        true,
				ServerResponse: c.ServerResponse,
				RedirectURL:    c.RedirectURL,
			}, "")
		}
		a.ack(env, nil, "")
	case broker.MsgLoginError:
		var f broker.Failure
		if err := env.Decode(&f); err != nil {
			a.logger.Warn("malformed login failure", "error", err)
			return
		}
		if req, ok := a.take(f.RequestID); ok {
			a.reply(req, nil, loginFailure(f.Error))
		}
		a.ack(env, nil, "")
	case msgVaultLocked, msgVaultUnlocked:
		a.ack(env, nil, "")
	case MsgPing:
		a.ack(env, Pong{Pong: true}, "")
	case MsgFillCredentials:
		a.fill(env)
	default:
		a.ack(env, nil, UnknownMessage)
	}
}

func (a *Actor) take(requestID string) (relay.Envelope, bool) {
	w, ok := a.waiting[requestID]
	if !ok {
		return relay.Envelope{}, false
	}
	delete(a.waiting, requestID)
	w.timer.Stop()
	return w.req, true
}

// fromPage forwards a page request to the background context and records
// it so the reply can be matched on the loop.
func (a *Actor) fromPage(req relay.Envelope) {
	var payload any
	if req.Type == msgRequestLogin {
		payload = relay.RawMessage(req.Payload)
	} else {
		var f forwarded
		_ = req.Decode(&f)
		f.Type = req.Type
		payload = f
	}

	env, err := relay.NewEnvelope(a.name, relay.Background, req.Type, payload)
	if err != nil {
		a.reply(req, nil, GenericError)
		return
	}
	env.ResponseID = uuid.NewString()

	ctx, cancel := context.WithTimeout(a.ctx, sendTimeout)
	defer cancel()
	started := a.clock.Now()
	if err := a.bus.Post(ctx, env); err != nil {
		a.forwarded(forward{req: req, started: started}, relay.Envelope{}, err)
		return
	}

	id := env.ResponseID
	timer := a.clock.AfterFunc(a.timeout, func() {
		a.enqueue(func() {
			if f, ok := a.forwards[id]; ok {
				delete(a.forwards, id)
				a.forwarded(f, relay.Envelope{}, relay.ErrTimeout)
			}
		})
	})
	a.forwards[id] = forward{req: req, timer: timer, started: started}
}

// fromBackground matches a background reply to the page request it
// answers. Unknown or late replies are dropped.
func (a *Actor) fromBackground(reply relay.Envelope) {
	f, ok := a.forwards[reply.ResponseID]
	if !ok || reply.Source != relay.Background {
		a.logger.Debug("dropping unmatched reply", "type", reply.Type, "source", reply.Source)
		return
	}
	delete(a.forwards, reply.ResponseID)
	f.timer.Stop()

	var err error
	if reply.Error != "" {
		err = &relay.RemoteError{Type: reply.Type, Message: reply.Error}
	}
	a.forwarded(f, reply, err)
}

func (a *Actor) forwarded(f forward, reply relay.Envelope, err error) {
	req := f.req
	if err != nil {
		if invalidated(err) {
			a.logger.Debug("background context gone, dropping page request", "type", req.Type, "error", err)
			return
		}
		a.reply(req, nil, pageError(err))
		return
	}

	if req.Type != msgRequestLogin {
		a.reply(req, reply.Payload, "")
		return
	}

	var res broker.RequestResult
	if err := reply.Decode(&res); err != nil || res.RequestID == "" {
		a.reply(req, nil, InitiateFailed)
		return
	}
	a.wait(res.RequestID, f)
}

// wait holds req until the background context reports the login outcome
// or the page's call limit, counted from the original request, runs out.
func (a *Actor) wait(requestID string, f forward) {
	remaining := a.timeout - a.clock.Now().Sub(f.started)
	if remaining <= 0 {
		a.logger.Debug("page stopped waiting for login", "request_id", requestID)
		return
	}
	f.timer = a.clock.AfterFunc(remaining, func() {
		a.enqueue(func() {
			if _, ok := a.waiting[requestID]; ok {
				delete(a.waiting, requestID)
				a.logger.Debug("page stopped waiting for login", "request_id", requestID)
			}
		})
	})
	a.waiting[requestID] = f
	a.logger.Debug("login pending", "request_id", requestID)
}

func (a *Actor) fill(env relay.Envelope) {
	if a.filler == nil {
		a.ack(env, nil, GenericError)
		return
	}
	var req FillRequest
	if err := env.Decode(&req); err != nil {
		a.ack(env, nil, GenericError)
		return
	}
	if err := a.filler.Fill(a.ctx, req); err != nil {
		a.logger.Warn("fill failed", "error", err)
		a.ack(env, nil, GenericError)
		return
	}
	a.ack(env, Ack{Success: true}, "")
}

// reply answers a page request. The target is the page context itself, so
// other pages sharing the bus ignore it.
func (a *Actor) reply(req relay.Envelope, payload any, errMsg string) {
	if raw, ok := payload.(relay.RawMessage); ok && len(raw) == 0 {
		payload = nil
	}
	env, err := relay.ReplyTo(req, a.name, payload, errMsg)
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

// ack answers a background-originated message when it asked for a reply.
func (a *Actor) ack(env relay.Envelope, payload any, errMsg string) {
	if env.ResponseID == "" {
		return
	}
	a.reply(env, payload, errMsg)
}

// pageError reduces err to text safe for the page. Errors reported by the
// background context are already page-facing.
func pageError(err error) string {
	var remote *relay.RemoteError
	if errors.As(err, &remote) {
		return remote.Message
	}
	if errors.Is(err, relay.ErrTimeout) {
		return "Request timeout - please confirm login in the extension popup"
	}
	return GenericError
}

// loginFailure passes through the outcome texts the broker is known to
// send and reduces anything else to LoginFailed.
func loginFailure(msg string) string {
	switch msg {
	case broker.CancelledMessage, broker.Message(broker.ErrNetwork):
		return msg
	}
	return LoginFailed
}

// invalidated reports errors caused by the background context having gone
// away, which are expected during reloads and not worth surfacing.
func invalidated(err error) bool {
	if errors.Is(err, relay.ErrUnreachable) || errors.Is(err, relay.ErrClosed) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "context invalidated")
}

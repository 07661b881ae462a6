// Package broker mediates third-party login requests between a page and the
// vault: it validates the callback target, holds each request until the user
// confirms or cancels it, and delivers the issued token to the callback.
package broker

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/forest6511/vaultbroker/pkg/audit"
	"github.com/forest6511/vaultbroker/pkg/clock"
)

// Defaults
const (
	DefaultPendingTTL      = 5 * time.Minute
	DefaultCallbackTimeout = 30 * time.Second

	maxResponseBytes = 1 << 20
	idAlphabet       = "0123456789abcdefghijklmnopqrstuvwxyz"
	idRandomLength   = 9
)

// Message types delivered to page contexts.
const (
	MsgLoginComplete = "LOGIN_COMPLETE"
	MsgLoginError    = "LOGIN_ERROR"
)

// CancelledMessage is the error text delivered when the user cancels.
const CancelledMessage = "Login cancelled by user"

// Errors
var (
	ErrMissingURL          = errors.New("broker: missing callback URL or current URL")
	ErrInvalidCallbackURL  = errors.New("broker: invalid callback URL, must be same origin as current page")
	ErrRateLimited         = errors.New("broker: too many login requests")
	ErrRequestNotFound     = errors.New("broker: login request not found or expired")
	ErrMissingToken        = errors.New("broker: token not provided")
	ErrConfirmInProgress   = errors.New("broker: login request is already being confirmed")
	ErrNetwork             = errors.New("broker: failed to send token to callback URL")
	ErrTokenIssuerRequired = errors.New("broker: token issuer not configured")
)

// Message returns the page-facing text for a broker error.
func Message(err error) string {
	switch {
	case errors.Is(err, ErrMissingURL):
		return "Missing callback URL or current URL"
	case errors.Is(err, ErrInvalidCallbackURL):
		return "Invalid callback URL. Must be same origin as current page."
	case errors.Is(err, ErrRateLimited):
		return "Too many login requests"
	case errors.Is(err, ErrRequestNotFound):
		return "Login request not found or expired"
	case errors.Is(err, ErrMissingToken):
		return "Token not provided"
	case errors.Is(err, ErrNetwork):
		return "Failed to send token to callback URL"
	}
	return "Login failed"
}

// Contexts is how the broker reaches page contexts.
type Contexts interface {
	// Send delivers msgType to the named context and reports whether it was
	// accepted.
	Send(ctx context.Context, name, msgType string, payload any) error
	// Lookup returns the context currently showing url.
	Lookup(url string) (string, bool)
	// All returns every known page context.
	All() []string
}

// Activity is the session surface the broker touches on every call.
type Activity interface {
	OnActivity()
	IsUnlocked() bool
}

// Tokens issues tokens for Approve.
type Tokens interface {
	Issue(ctx context.Context, website string, ttl time.Duration) (string, error)
}

// LoginRequest is a page's request to log in to website.
type LoginRequest struct {
	Website       string `json:"website"`
	CallbackURL   string `json:"callbackUrl"`
	CurrentURL    string `json:"currentUrl"`
	SourceContext string `json:"sourceContext,omitempty"`
}

// RequestResult is returned to the page by RequestLogin.
type RequestResult struct {
	RequestID         string `json:"requestId"`
	NeedsConfirmation bool   `json:"needsConfirmation"`
	VaultUnlocked     bool   `json:"vaultUnlocked"`
}

// Pending is a login request awaiting confirmation.
type Pending struct {
	RequestID     string    `json:"requestId"`
	CallbackURL   string    `json:"callbackUrl"`
	SourceContext string    `json:"sourceContext,omitempty"`
	Website       string    `json:"website"`
	CurrentURL    string    `json:"currentUrl"`
	CreatedAt     time.Time `json:"createdAt"`

	confirming bool
}

// Completion is the LOGIN_COMPLETE payload.
type Completion struct {
	RequestID      string `json:"requestId"`
	Token          string `json:"token"`
	RedirectURL    string `json:"redirectUrl"`
	ServerResponse any    `json:"serverResponse,omitempty"`
}

// Failure is the LOGIN_ERROR payload.
type Failure struct {
	RequestID string `json:"requestId"`
	Error     string `json:"error"`
}

// Broker holds pending login requests. Expired requests are purged lazily at
// the start of every call.
type Broker struct {
	contexts Contexts
	session  Activity
	tokens   Tokens
	client   *http.Client
	clock    clock.Clock
	ttl      time.Duration
	limit    rate.Limit
	burst    int
	logger   *slog.Logger
	audit    *audit.Logger

	mu       sync.Mutex
	pending  map[string]*Pending
	limiters map[string]*rate.Limiter
}

// Option configures a Broker.
type Option func(*Broker)

// WithClock sets the clock used for TTLs and request ids.
func WithClock(c clock.Clock) Option {
	return func(b *Broker) { b.clock = c }
}

// WithHTTPClient sets the client used for callback delivery.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Broker) { b.client = c }
}

// WithPendingTTL sets how long an unconfirmed request lives.
func WithPendingTTL(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.ttl = d
		}
	}
}

// WithRateLimit caps new login requests per source context. A zero limit
// disables the cap.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(b *Broker) {
		b.limit = limit
		b.burst = burst
	}
}

// WithTokens sets the issuer used by Approve.
func WithTokens(t Tokens) Option {
	return func(b *Broker) { b.tokens = t }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithAudit records login lifecycle events.
func WithAudit(a *audit.Logger) Option {
	return func(b *Broker) { b.audit = a }
}

// New returns a broker delivering to contexts.
func New(contexts Contexts, session Activity, opts ...Option) *Broker {
	b := &Broker{
		contexts: contexts,
		session:  session,
		client:   &http.Client{Timeout: DefaultCallbackTimeout},
		clock:    clock.Real(),
		ttl:      DefaultPendingTTL,
		logger:   slog.Default(),
		pending:  make(map[string]*Pending),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "broker")
	return b
}

// touch records activity and purges expired requests.
func (b *Broker) touch() {
	if b.session != nil {
		b.session.OnActivity()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.purgeLocked()
}

func (b *Broker) purgeLocked() {
	now := b.clock.Now()
	for id, p := range b.pending {
		if now.Sub(p.CreatedAt) > b.ttl {
			delete(b.pending, id)
			b.logger.Debug("login request expired", "request_id", id)
			b.auditSuccess(audit.OpLoginExpire, id)
		}
	}
}

// RequestLogin validates req and stores it as pending.
func (b *Broker) RequestLogin(ctx context.Context, req LoginRequest) (RequestResult, error) {
	b.touch()

	if req.CallbackURL == "" || req.CurrentURL == "" {
		return RequestResult{}, ErrMissingURL
	}
	if !ValidateCallbackURL(req.CallbackURL, req.CurrentURL) {
		b.auditDenied(audit.OpLoginRequest, req.Website, "invalid callback url")
		return RequestResult{}, ErrInvalidCallbackURL
	}

	b.mu.Lock()
	if !b.allowLocked(req.SourceContext) {
		b.mu.Unlock()
		b.auditDenied(audit.OpLoginRequest, req.Website, "rate limited")
		return RequestResult{}, ErrRateLimited
	}
	id, err := b.mintLocked()
	if err != nil {
		b.mu.Unlock()
		return RequestResult{}, err
	}
	b.pending[id] = &Pending{
		RequestID:     id,
		CallbackURL:   req.CallbackURL,
		SourceContext: req.SourceContext,
		Website:       req.Website,
		CurrentURL:    req.CurrentURL,
		CreatedAt:     b.clock.Now(),
	}
	b.mu.Unlock()

	b.logger.Info("login requested", "request_id", id, "website", req.Website)
	b.auditSuccess(audit.OpLoginRequest, id)

	unlocked := false
	if b.session != nil {
		unlocked = b.session.IsUnlocked()
	}
	return RequestResult{RequestID: id, NeedsConfirmation: true, VaultUnlocked: unlocked}, nil
}

func (b *Broker) allowLocked(source string) bool {
	if b.limit == 0 {
		return true
	}
	lim, ok := b.limiters[source]
	if !ok {
		lim = rate.NewLimiter(b.limit, b.burst)
		b.limiters[source] = lim
	}
	return lim.AllowN(b.clock.Now(), 1)
}

// mintLocked returns "login-<9 base36>-<epoch millis>", re-drawing on a
// collision with a live request.
func (b *Broker) mintLocked() (string, error) {
	for {
		suffix, err := randomBase36(idRandomLength)
		if err != nil {
			return "", fmt.Errorf("broker: failed to generate request id: %w", err)
		}
		id := "login-" + suffix + "-" + strconv.FormatInt(b.clock.Now().UnixMilli(), 10)
		if _, taken := b.pending[id]; !taken {
			return id, nil
		}
	}
}

func randomBase36(n int) (string, error) {
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, c := range buf {
			// 252 = 7*36; rejecting the tail keeps the draw uniform
			if c < 252 && len(out) < n {
				out = append(out, idAlphabet[c%36])
			}
		}
	}
	return string(out), nil
}

// ConfirmLogin posts token to the request's callback and delivers the
// outcome to the page. The request is removed whether or not delivery
// succeeds.
func (b *Broker) ConfirmLogin(ctx context.Context, requestID, token string) error {
	b.touch()

	b.mu.Lock()
	p, ok := b.pending[requestID]
	if !ok {
		b.mu.Unlock()
		return ErrRequestNotFound
	}
	if token == "" {
		b.mu.Unlock()
		return ErrMissingToken
	}
	if p.confirming {
		b.mu.Unlock()
		return ErrConfirmInProgress
	}
	p.confirming = true
	req := *p
	b.mu.Unlock()

	serverResponse, redirect, err := b.post(ctx, req.CallbackURL, token, req.CurrentURL)

	b.mu.Lock()
	delete(b.pending, requestID)
	b.mu.Unlock()

	if err != nil {
		b.logger.Warn("callback delivery failed", "request_id", requestID, "error", err)
		b.auditError(audit.OpLoginConfirm, requestID, "CALLBACK_FAILED", err.Error())
		if req.SourceContext != "" {
			_ = b.contexts.Send(ctx, req.SourceContext, MsgLoginError, Failure{RequestID: requestID, Error: Message(ErrNetwork)})
		}
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	completion := Completion{
		RequestID:      requestID,
		Token:          token,
		RedirectURL:    redirect,
		ServerResponse: serverResponse,
	}
	if target, ok := b.deliver(ctx, &req, completion); ok {
		b.logger.Info("login delivered", "request_id", requestID, "context", target)
	} else {
		b.logger.Warn("no context accepted login completion", "request_id", requestID)
	}
	b.auditSuccess(audit.OpLoginConfirm, requestID)
	return nil
}

// post sends {token, redirect} to callback. The JSON response, or {text}
// for a non-JSON body, is returned with the redirect target it names.
func (b *Broker) post(ctx context.Context, callback, token, currentURL string) (any, string, error) {
	body, err := json.Marshal(map[string]string{"token": token, "redirect": currentURL})
	if err != nil {
		return nil, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callback, bytes.NewReader(body))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	redirect := currentURL
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		// The callback accepted the token; an unreadable body is not fatal.
		return nil, redirect, nil
	}

	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return map[string]any{"text": string(raw)}, redirect, nil
	}
	if obj, ok := parsed.(map[string]any); ok {
		if r, ok := obj["redirect"].(string); ok && r != "" {
			redirect = r
		}
	}
	return parsed, redirect, nil
}

// deliver tries the originating context, then the context showing the
// page, then every other context until one accepts.
func (b *Broker) deliver(ctx context.Context, p *Pending, c Completion) (string, bool) {
	var candidates []string
	if p.SourceContext != "" {
		candidates = append(candidates, p.SourceContext)
	}
	if name, ok := b.contexts.Lookup(p.CurrentURL); ok {
		candidates = append(candidates, name)
	}
	candidates = append(candidates, b.contexts.All()...)

	tried := make(map[string]bool, len(candidates))
	for _, name := range candidates {
		if tried[name] {
			continue
		}
		tried[name] = true
		if err := b.contexts.Send(ctx, name, MsgLoginComplete, c); err == nil {
			return name, true
		}
	}
	return "", false
}

// Approve issues a token for the request's website and confirms it.
func (b *Broker) Approve(ctx context.Context, requestID string, ttl time.Duration) error {
	if b.tokens == nil {
		return ErrTokenIssuerRequired
	}
	b.touch()

	b.mu.Lock()
	p, ok := b.pending[requestID]
	var website string
	if ok {
		website = p.Website
	}
	b.mu.Unlock()
	if !ok {
		return ErrRequestNotFound
	}

	tok, err := b.tokens.Issue(ctx, website, ttl)
	if err != nil {
		return err
	}
	return b.ConfirmLogin(ctx, requestID, tok)
}

// CancelLogin drops a pending request and tells its page. Cancelling an
// unknown request succeeds.
func (b *Broker) CancelLogin(ctx context.Context, requestID string) error {
	b.touch()

	b.mu.Lock()
	p, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}

	if p.SourceContext != "" {
		if err := b.contexts.Send(ctx, p.SourceContext, MsgLoginError, Failure{RequestID: requestID, Error: CancelledMessage}); err != nil {
			b.logger.Debug("cancel notification not delivered", "request_id", requestID, "error", err)
		}
	}
	b.auditSuccess(audit.OpLoginCancel, requestID)
	return nil
}

// ListPending returns the live requests, oldest first.
func (b *Broker) ListPending(ctx context.Context) []Pending {
	b.touch()

	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Pending, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RequestID < out[j].RequestID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (b *Broker) auditSuccess(op, subject string) {
	if b.audit != nil {
		_ = b.audit.LogSuccess(op, audit.SourceBackground, subject)
	}
}

func (b *Broker) auditError(op, subject, code, msg string) {
	if b.audit != nil {
		_ = b.audit.LogError(op, audit.SourceBackground, subject, code, msg)
	}
}

func (b *Broker) auditDenied(op, subject, reason string) {
	if b.audit != nil {
		_ = b.audit.LogDenied(op, audit.SourceBackground, subject, reason)
	}
}

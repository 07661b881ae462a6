// Package inpage is the API a web page uses to reach the vault. It talks
// only to its content context and waits at most two minutes for any answer.
package inpage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/forest6511/vaultbroker/pkg/clock"
	"github.com/forest6511/vaultbroker/pkg/relay"
)

// DefaultTimeout bounds every page request, including a login awaiting
// user confirmation.
const DefaultTimeout = 120 * time.Second

var (
	// ErrTimeout indicates the user did not confirm in time.
	ErrTimeout = errors.New("inpage: request timeout - please confirm login in the extension popup")

	// ErrNoToken indicates the login completed without a token.
	ErrNoToken = errors.New("inpage: failed to get token")
)

// LoginResult is what Login returns to the page.
type LoginResult struct {
	Token          string `cbor:"token"`
	ServerResponse any    `cbor:"serverResponse,omitempty"`
	RedirectURL    string `cbor:"redirectUrl,omitempty"`
}

type loginRequest struct {
	Website     string `cbor:"website"`
	CallbackURL string `cbor:"callbackUrl"`
	CurrentURL  string `cbor:"currentUrl"`
}

type vaultStatus struct {
	IsUnlocked bool `cbor:"isUnlocked"`
}

// Client is the page API for one page.
type Client struct {
	bus     *relay.Bus
	box     *relay.Mailbox
	calls   *relay.Correlator
	content string
	pageURL string
	timeout time.Duration
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	name    string
	content string
	timeout time.Duration
	clock   clock.Clock
}

// WithName sets the context name the page registers under. Defaults to
// relay.Inpage.
func WithName(name string) Option {
	return func(o *clientOptions) { o.name = name }
}

// WithContent sets the content context to talk to. Defaults to
// relay.Content.
func WithContent(name string) Option {
	return func(o *clientOptions) { o.content = name }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithClock sets the clock used for timeouts.
func WithClock(c clock.Clock) Option {
	return func(o *clientOptions) { o.clock = c }
}

// NewClient registers the page at pageURL on bus. Run must be running for
// calls to complete.
func NewClient(bus *relay.Bus, pageURL string, opts ...Option) *Client {
	o := clientOptions{
		name:    relay.Inpage,
		content: relay.Content,
		timeout: DefaultTimeout,
		clock:   clock.Real(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Client{
		bus:     bus,
		box:     bus.Open(o.name, 0),
		calls:   relay.NewCorrelator(bus, o.name, o.clock),
		content: o.content,
		pageURL: pageURL,
		timeout: o.timeout,
	}
}

// Run delivers replies to waiting calls until ctx is done or the client is
// closed.
func (c *Client) Run(ctx context.Context) error {
	for {
		env, err := c.box.Recv(ctx)
		if err != nil {
			return err
		}
		c.calls.Resolve(env)
	}
}

// Close unregisters the page.
func (c *Client) Close() {
	c.bus.Close(c.box.Name())
}

// Login asks the user to approve a login for this page and returns the
// token once the callback has accepted it.
func (c *Client) Login(ctx context.Context, callbackURL string) (*LoginResult, error) {
	u, err := url.Parse(c.pageURL)
	if err != nil {
		return nil, fmt.Errorf("inpage: invalid page URL: %w", err)
	}

	reply, err := c.call(ctx, "REQUEST_LOGIN", loginRequest{
		Website:     u.Hostname(),
		CallbackURL: callbackURL,
		CurrentURL:  c.pageURL,
	})
	if err != nil {
		return nil, err
	}

	var res LoginResult
	if err := reply.Decode(&res); err != nil {
		return nil, err
	}
	if res.Token == "" {
		return nil, ErrNoToken
	}
	return &res, nil
}

// IsUnlocked reports whether the vault is unlocked.
func (c *Client) IsUnlocked(ctx context.Context) (bool, error) {
	reply, err := c.call(ctx, "CHECK_VAULT_STATUS", nil)
	if err != nil {
		return false, err
	}
	var s vaultStatus
	if err := reply.Decode(&s); err != nil {
		return false, err
	}
	return s.IsUnlocked, nil
}

func (c *Client) call(ctx context.Context, msgType string, payload any) (relay.Envelope, error) {
	reply, err := c.calls.Call(ctx, c.content, msgType, payload, c.timeout)
	if errors.Is(err, relay.ErrTimeout) {
		return relay.Envelope{}, ErrTimeout
	}
	if err != nil {
		var remote *relay.RemoteError
		if errors.As(err, &remote) {
			return relay.Envelope{}, fmt.Errorf("inpage: %w", remote)
		}
		return relay.Envelope{}, fmt.Errorf("inpage: %s failed: %w", msgType, err)
	}
	return reply, nil
}

package content

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/forest6511/vaultbroker/internal/broker"
	"github.com/forest6511/vaultbroker/pkg/clock"
	"github.com/forest6511/vaultbroker/pkg/relay"
)

type recordingFiller struct {
	got FillRequest
	err error
}

func (f *recordingFiller) Fill(_ context.Context, req FillRequest) error {
	f.got = req
	return f.err
}

type harness struct {
	bus        *relay.Bus
	actor      *Actor
	page       *relay.Mailbox
	background *relay.Mailbox
}

// start runs a content actor named tab:1 between a page mailbox and a
// stand-in background mailbox driven by the test.
func start(t *testing.T, withBackground bool, opts ...Option) *harness {
	t.Helper()
	h := &harness{bus: relay.NewBus()}
	h.page = h.bus.Open(relay.Inpage, 0)
	if withBackground {
		h.background = h.bus.Open(relay.Background, 0)
	}
	h.actor = New(h.bus, "tab:1", opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.actor.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func recv(t *testing.T, box *relay.Mailbox) relay.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := box.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv on %s failed: %v", box.Name(), err)
	}
	return env
}

func post(t *testing.T, bus *relay.Bus, from, msgType, responseID string, payload any) {
	t.Helper()
	env, err := relay.NewEnvelope(from, "tab:1", msgType, payload)
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	env.ResponseID = responseID
	if err := bus.Post(context.Background(), env); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
}

// answer replies to req as the background context would.
func (h *harness) answer(t *testing.T, req relay.Envelope, payload any, errMsg string) {
	t.Helper()
	reply, err := relay.ReplyTo(req, relay.Background, payload, errMsg)
	if err != nil {
		t.Fatalf("ReplyTo failed: %v", err)
	}
	if err := h.bus.Post(context.Background(), reply); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
}

// pendingLogin drives a page REQUEST_LOGIN until the actor is waiting on
// requestID.
func (h *harness) pendingLogin(t *testing.T, requestID string) {
	t.Helper()
	post(t, h.bus, relay.Inpage, "REQUEST_LOGIN", "p1", map[string]string{
		"website":     "app.example.com",
		"callbackUrl": "https://app.example.com/cb",
		"currentUrl":  "https://app.example.com/login",
	})

	req := recv(t, h.background)
	if req.Type != "REQUEST_LOGIN" || req.Source != "tab:1" {
		t.Fatalf("unexpected forward: %+v", req)
	}
	var body map[string]string
	if err := req.Decode(&body); err != nil || body["callbackUrl"] != "https://app.example.com/cb" {
		t.Fatalf("payload not forwarded intact: %v, %v", body, err)
	}
	h.answer(t, req, broker.RequestResult{RequestID: requestID, NeedsConfirmation: true}, "")

	deadline := time.Now().Add(2 * time.Second)
	for h.actor.Waiting() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("login never registered as waiting")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPing(t *testing.T) {
	h := start(t, true)
	post(t, h.bus, relay.Background, MsgPing, "b1", nil)

	reply := recv(t, h.background)
	var pong Pong
	if err := reply.Decode(&pong); err != nil || !pong.Pong {
		t.Errorf("unexpected PING reply %+v, %v", pong, err)
	}
}

func TestUnknownFromBackground(t *testing.T) {
	h := start(t, true)
	post(t, h.bus, relay.Background, "BOGUS", "b1", nil)

	if reply := recv(t, h.background); reply.Error != UnknownMessage {
		t.Errorf("expected %q, got %q", UnknownMessage, reply.Error)
	}
}

func TestLoginComplete(t *testing.T) {
	h := start(t, true)
	h.pendingLogin(t, "login-abc")

	post(t, h.bus, relay.Background, broker.MsgLoginComplete, "", broker.Completion{
		RequestID:   "login-abc",
		Token:       "h.p.s",
		RedirectURL: "https://app.example.com/home",
	})

	reply := recv(t, h.page)
	if !reply.Reply || reply.ResponseID != "p1" || reply.Error != "" {
		t.Fatalf("unexpected page reply: %+v", reply)
	}
	var res LoginResult
	if err := reply.Decode(&res); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if res.Token != "h.p.s" || !res.Success || res.RedirectURL != "https://app.example.com/home" {
		t.Errorf("unexpected result: %+v", res)
	}
	if n := h.actor.Waiting(); n != 0 {
		t.Errorf("expected empty table, got %d", n)
	}
}

func TestLoginError(t *testing.T) {
	h := start(t, true)
	h.pendingLogin(t, "login-abc")

	// An outcome for another request leaves ours waiting
	post(t, h.bus, relay.Background, broker.MsgLoginError, "", broker.Failure{RequestID: "login-other", Error: "x"})
	post(t, h.bus, relay.Background, broker.MsgLoginError, "", broker.Failure{RequestID: "login-abc", Error: broker.CancelledMessage})

	reply := recv(t, h.page)
	if reply.ResponseID != "p1" || reply.Error != broker.CancelledMessage {
		t.Errorf("unexpected page reply: %+v", reply)
	}
}

func TestLoginErrorText(t *testing.T) {
	tests := []struct {
		name string
		sent string
		want string
	}{
		{"cancelled", broker.CancelledMessage, broker.CancelledMessage},
		{"callback failed", broker.Message(broker.ErrNetwork), "Failed to send token to callback URL"},
		{"transport detail", `Post "http://127.0.0.1:37055/cb": dial tcp 127.0.0.1:37055: connect: connection refused`, LoginFailed},
		{"empty", "", LoginFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := start(t, true)
			h.pendingLogin(t, "login-abc")
			post(t, h.bus, relay.Background, broker.MsgLoginError, "", broker.Failure{RequestID: "login-abc", Error: tt.sent})

			if reply := recv(t, h.page); reply.Error != tt.want {
				t.Errorf("page error = %q, want %q", reply.Error, tt.want)
			}
		})
	}
}

func TestWaitingDroppedAfterCallLimit(t *testing.T) {
	fc := clock.Fake(time.Unix(0, 0))
	h := start(t, true, WithClock(fc))
	h.pendingLogin(t, "login-abc")

	fc.Advance(DefaultCallLimit - time.Second)
	if n := h.actor.Waiting(); n != 1 {
		t.Fatalf("login dropped early, %d waiting", n)
	}

	fc.Advance(time.Second)
	deadline := time.Now().Add(2 * time.Second)
	for h.actor.Waiting() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("waiting login never dropped")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A late outcome from the broker has no one to answer
	post(t, h.bus, relay.Background, broker.MsgLoginComplete, "", broker.Completion{RequestID: "login-abc", Token: "h.p.s"})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if env, err := h.page.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected no page reply, got %+v, %v", env, err)
	}
}

func TestRequestLoginRejected(t *testing.T) {
	h := start(t, true)
	post(t, h.bus, relay.Inpage, "REQUEST_LOGIN", "p1", map[string]string{"callbackUrl": "https://evil.com/cb"})

	req := recv(t, h.background)
	h.answer(t, req, nil, "Invalid callback URL. Must be same origin as current page.")

	reply := recv(t, h.page)
	if reply.Error != "Invalid callback URL. Must be same origin as current page." {
		t.Errorf("unexpected page error %q", reply.Error)
	}
}

func TestForwardOtherTypes(t *testing.T) {
	h := start(t, true)
	post(t, h.bus, relay.Inpage, "CHECK_VAULT_STATUS", "p1", map[string]string{"website": "app.example.com"})

	req := recv(t, h.background)
	var fwd map[string]string
	if err := req.Decode(&fwd); err != nil || fwd["type"] != "CHECK_VAULT_STATUS" || fwd["website"] != "app.example.com" {
		t.Fatalf("unexpected forward %v, %v", fwd, err)
	}
	h.answer(t, req, map[string]bool{"isUnlocked": true}, "")

	reply := recv(t, h.page)
	var status map[string]bool
	if err := reply.Decode(&status); err != nil || !status["isUnlocked"] {
		t.Errorf("unexpected page reply %v, %v", status, err)
	}
}

func TestBackgroundGoneIsSuppressed(t *testing.T) {
	h := start(t, false)
	post(t, h.bus, relay.Inpage, "CHECK_VAULT_STATUS", "p1", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if env, err := h.page.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected no page reply, got %+v, %v", env, err)
	}
}

func TestFillCredentials(t *testing.T) {
	filler := &recordingFiller{}
	h := start(t, true, WithFiller(filler))

	post(t, h.bus, relay.Background, MsgFillCredentials, "b1", FillRequest{Username: "alice", Password: "pw"})
	reply := recv(t, h.background)
	if reply.Error != "" {
		t.Fatalf("FILL_CREDENTIALS failed: %s", reply.Error)
	}
	if filler.got.Username != "alice" || filler.got.Password != "pw" {
		t.Errorf("unexpected fill: %+v", filler.got)
	}

	filler.err = errors.New("no password field on page")
	post(t, h.bus, relay.Background, MsgFillCredentials, "b2", FillRequest{Username: "alice"})
	if reply := recv(t, h.background); reply.Error != GenericError {
		t.Errorf("expected generic error, got %q", reply.Error)
	}
}

func TestVaultEventsAccepted(t *testing.T) {
	h := start(t, true)
	post(t, h.bus, relay.Background, msgVaultLocked, "", nil)
	post(t, h.bus, relay.Background, msgVaultUnlocked, "b1", nil)

	reply := recv(t, h.background)
	if reply.ResponseID != "b1" || reply.Error != "" {
		t.Errorf("unexpected reply: %+v", reply)
	}
}

func TestPageError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		want        string
		invalidated bool
	}{
		{"remote", &relay.RemoteError{Message: "Token not provided"}, "Token not provided", false},
		{"timeout", relay.ErrTimeout, "Request timeout - please confirm login in the extension popup", false},
		{"internal", errors.New("cbor: cannot unmarshal"), GenericError, false},
		{"unreachable", fmt.Errorf("%w: %q", relay.ErrUnreachable, "background"), GenericError, true},
		{"invalidated text", errors.New("Extension context invalidated."), GenericError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pageError(tt.err); got != tt.want {
				t.Errorf("pageError = %q, want %q", got, tt.want)
			}
			if got := invalidated(tt.err); got != tt.invalidated {
				t.Errorf("invalidated = %v, want %v", got, tt.invalidated)
			}
		})
	}
}

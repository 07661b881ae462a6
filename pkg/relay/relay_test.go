package relay

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/forest6511/vaultbroker/pkg/clock"
)

type loginPayload struct {
	Website     string `cbor:"website"`
	CallbackURL string `cbor:"callbackUrl"`
}

func TestEnvelopeRoundTrip(t *testing.T) {
	bus := NewBus()
	box := bus.Open(Background, 0)

	in := loginPayload{Website: "example.com", CallbackURL: "https://example.com/cb"}
	env, err := NewEnvelope(Content, Background, "REQUEST_LOGIN", in)
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	env.ResponseID = "r1"
	if err := bus.Post(context.Background(), env); err != nil {
		t.Fatalf("Post failed: %v", err)
	}

	got, err := box.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if got.Source != Content || got.Type != "REQUEST_LOGIN" || got.ResponseID != "r1" {
		t.Errorf("unexpected envelope: %+v", got)
	}
	var out loginPayload
	if err := got.Decode(&out); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if out != in {
		t.Errorf("payload mismatch: %+v", out)
	}
}

func TestDeterministicEncoding(t *testing.T) {
	payload := map[string]any{"b": 1, "a": "x", "c": true}
	first, err := Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, _ := Marshal(payload)
		if !bytes.Equal(first, again) {
			t.Fatal("encoding is not deterministic")
		}
	}
}

func TestPostUnreachable(t *testing.T) {
	bus := NewBus()
	err := bus.Post(context.Background(), Envelope{Source: Inpage, Target: "nowhere", Type: "PING"})
	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("expected ErrUnreachable, got %v", err)
	}

	bus.Open("tab:1", 1)
	bus.Close("tab:1")
	err = bus.Post(context.Background(), Envelope{Target: "tab:1", Type: "PING"})
	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("expected ErrUnreachable after close, got %v", err)
	}
}

func TestPostBlocksOnFullMailbox(t *testing.T) {
	bus := NewBus()
	bus.Open(Content, 1)
	if err := bus.Post(context.Background(), Envelope{Target: Content, Type: "PING"}); err != nil {
		t.Fatalf("Post failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := bus.Post(ctx, Envelope{Target: Content, Type: "PING"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestNames(t *testing.T) {
	bus := NewBus()
	bus.Open(Background, 0)
	bus.Open("tab:2", 0)
	bus.Open("tab:1", 0)

	names := bus.Names(TabPrefix)
	if len(names) != 2 || names[0] != "tab:1" || names[1] != "tab:2" {
		t.Errorf("unexpected names: %v", names)
	}
}

// serve answers every request on box with fn until ctx is done
func serve(ctx context.Context, bus *Bus, box *Mailbox, fn func(Envelope) (any, string)) {
	for {
		req, err := box.Recv(ctx)
		if err != nil {
			return
		}
		payload, errMsg := fn(req)
		reply, _ := ReplyTo(req, box.Name(), payload, errMsg)
		_ = bus.Post(ctx, reply)
	}
}

// pump resolves replies arriving on box until ctx is done
func pump(ctx context.Context, box *Mailbox, c *Correlator) {
	for {
		env, err := box.Recv(ctx)
		if err != nil {
			return
		}
		c.Resolve(env)
	}
}

func TestCallReply(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewBus()
	server := bus.Open(Content, 0)
	client := bus.Open(Inpage, 0)
	c := NewCorrelator(bus, Inpage, nil)

	go serve(ctx, bus, server, func(req Envelope) (any, string) {
		if req.Type == "PING" {
			return map[string]bool{"pong": true}, ""
		}
		return nil, "Unknown message type"
	})
	go pump(ctx, client, c)

	reply, err := c.Call(ctx, Content, "PING", nil, time.Second)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	var body map[string]bool
	if err := reply.Decode(&body); err != nil || !body["pong"] {
		t.Errorf("unexpected reply %v, %v", body, err)
	}

	_, err = c.Call(ctx, Content, "BOGUS", nil, time.Second)
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Message != "Unknown message type" {
		t.Errorf("expected RemoteError, got %v", err)
	}
	if c.Pending() != 0 {
		t.Errorf("expected no pending calls, got %d", c.Pending())
	}
}

func TestCallTimeout(t *testing.T) {
	fc := clock.Fake(time.Unix(0, 0))
	bus := NewBus()
	bus.Open(Content, 0) // nobody answers
	c := NewCorrelator(bus, Inpage, fc)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), Content, "REQUEST_LOGIN", nil, 120*time.Second)
		errc <- err
	}()

	fc.WaitForTimers(1)
	fc.Advance(119 * time.Second)
	select {
	case err := <-errc:
		t.Fatalf("call returned early: %v", err)
	default:
	}

	fc.Advance(time.Second)
	if err := <-errc; !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
	if c.Pending() != 0 {
		t.Errorf("timed-out call still pending")
	}
}

func TestResolveDropsMismatched(t *testing.T) {
	bus := NewBus()
	box := bus.Open(Content, 0)
	c := NewCorrelator(bus, Inpage, nil)

	done := make(chan Envelope, 1)
	go func() {
		reply, _ := c.Call(context.Background(), Content, "CHECK_VAULT_STATUS", nil, time.Second)
		done <- reply
	}()

	req, err := box.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}

	tests := []struct {
		name string
		env  Envelope
	}{
		{"not a reply", Envelope{ResponseID: req.ResponseID, Target: Inpage}},
		{"unknown id", Envelope{Reply: true, ResponseID: "other", Target: Inpage}},
		{"wrong target", Envelope{Reply: true, ResponseID: req.ResponseID, Target: "inpage-2"}},
	}
	for _, tt := range tests {
		if c.Resolve(tt.env) {
			t.Errorf("%s: envelope should be dropped", tt.name)
		}
	}

	reply, _ := ReplyTo(req, Content, nil, "")
	if !c.Resolve(reply) {
		t.Fatal("matching reply was dropped")
	}
	if got := <-done; got.ResponseID != req.ResponseID {
		t.Errorf("unexpected reply: %+v", got)
	}
	// A duplicate is dropped once the call resolved
	if c.Resolve(reply) {
		t.Error("duplicate reply should be dropped")
	}
}

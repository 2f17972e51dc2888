package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lumenlive/livesync/event"
)

// fakeSender records outbound events instead of sending them.
type fakeSender struct {
	mu     sync.Mutex
	events []event.Event
	err    error
}

func (s *fakeSender) Send(ctx context.Context, ev event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeSender) byKind(kind string) []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.Event
	for _, ev := range s.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func fixedBalance(v float64) BalanceFunc {
	return func(ctx context.Context) (float64, error) { return v, nil }
}

func incomingRequest(id string, rate float64, units int) event.Event {
	return event.Event{
		Kind: event.KindCallRequested,
		Payload: map[string]any{
			"callId":       id,
			"callType":     "video",
			"initiatorId":  "creator-1",
			"ratePerUnit":  rate,
			"minimumUnits": float64(units),
		},
	}
}

func TestAccept_PreconditionFailed(t *testing.T) {
	sender := &fakeSender{}
	e := NewEngine(Options{Sender: sender, Balance: fixedBalance(20)})
	defer e.Close()

	// rate 6 × units 5 = 30 required, balance is only 20
	e.HandleEvent(incomingRequest("c1", 6, 5))

	err := e.Accept(context.Background(), "c1")
	var pf *PreconditionFailedError
	if !errors.As(err, &pf) {
		t.Fatalf("Expected PreconditionFailedError, got %v", err)
	}
	if pf.Required != 30 || pf.Available != 20 {
		t.Errorf("Expected required=30 available=20, got %+v", pf)
	}

	req, ok := e.Get("c1")
	if !ok {
		t.Fatal("Request should still be tracked")
	}
	if req.State != StatePending {
		t.Errorf("Expected state pending after failed precondition, got %s", req.State)
	}
	if len(sender.byKind(event.KindCallAccepted)) != 0 {
		t.Error("No accepted event should be emitted on precondition failure")
	}
}

func TestAccept_Success(t *testing.T) {
	sender := &fakeSender{}
	var acceptedMu sync.Mutex
	var accepted []Request
	e := NewEngine(Options{
		Sender:  sender,
		Balance: fixedBalance(100),
		OnAccepted: func(r Request) {
			acceptedMu.Lock()
			accepted = append(accepted, r)
			acceptedMu.Unlock()
		},
	})
	defer e.Close()

	e.HandleEvent(incomingRequest("c1", 6, 5))

	if err := e.Accept(context.Background(), "c1"); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	req, _ := e.Get("c1")
	if req.State != StateAccepted {
		t.Errorf("Expected state accepted, got %s", req.State)
	}
	if got := sender.byKind(event.KindCallAccepted); len(got) != 1 {
		t.Errorf("Expected exactly one accepted event, got %d", len(got))
	}
	acceptedMu.Lock()
	if len(accepted) != 1 || accepted[0].ID != "c1" {
		t.Errorf("Expected continuation invoked exactly once for c1, got %v", accepted)
	}
	acceptedMu.Unlock()

	// A second accept against the terminal state is a race no-op
	if err := e.Accept(context.Background(), "c1"); err != nil {
		t.Errorf("Accept on terminal state should be a no-op, got %v", err)
	}
	acceptedMu.Lock()
	if len(accepted) != 1 {
		t.Errorf("Continuation must not fire twice, got %d invocations", len(accepted))
	}
	acceptedMu.Unlock()
}

func TestDecline_UserDeclined(t *testing.T) {
	sender := &fakeSender{}
	e := NewEngine(Options{Sender: sender, Balance: fixedBalance(100)})
	defer e.Close()

	e.HandleEvent(incomingRequest("c1", 2, 3))

	if err := e.Decline(context.Background(), "c1", ReasonUserDeclined); err != nil {
		t.Fatalf("Decline failed: %v", err)
	}

	req, _ := e.Get("c1")
	if req.State != StateDeclined {
		t.Errorf("Expected state declined, got %s", req.State)
	}

	declined := sender.byKind(event.KindCallDeclined)
	if len(declined) != 1 {
		t.Fatalf("Expected one declined event, got %d", len(declined))
	}
	if declined[0].Str("reason") != string(ReasonUserDeclined) {
		t.Errorf("Expected reason user-declined, got %q", declined[0].Str("reason"))
	}
}

func TestExpiry(t *testing.T) {
	sender := &fakeSender{}
	e := NewEngine(Options{Window: 50 * time.Millisecond, Sender: sender, Balance: fixedBalance(100)})
	defer e.Close()

	e.HandleEvent(incomingRequest("c1", 1, 1))

	// Wait past the negotiation window
	deadline := time.Now().Add(2 * time.Second)
	for {
		req, _ := e.Get("c1")
		if req.State == StateExpired {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Request never expired, state=%s", req.State)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Give a moment for any erroneous duplicate emission
	time.Sleep(100 * time.Millisecond)
	declined := sender.byKind(event.KindCallDeclined)
	if len(declined) != 1 {
		t.Fatalf("Expected exactly one declined event, got %d", len(declined))
	}
	if declined[0].Str("reason") != string(ReasonExpired) {
		t.Errorf("Expected reason expired, got %q", declined[0].Str("reason"))
	}
}

func TestExpiryRace_ExactlyOneTransition(t *testing.T) {
	// Race a very short negotiation window against an inbound cancellation
	// many times; each run must resolve to exactly one terminal state.
	for i := 0; i < 20; i++ {
		sender := &fakeSender{}
		e := NewEngine(Options{Window: 1 * time.Millisecond, Sender: sender, Balance: fixedBalance(100)})

		updates, cancelSub := e.Subscribe()
		e.HandleEvent(incomingRequest("c1", 1, 1))
		e.HandleEvent(event.Event{
			Kind:    event.KindCallCancelled,
			Payload: map[string]any{"callId": "c1"},
		})

		// Let the timer fire (or lose) and all notifications drain
		time.Sleep(20 * time.Millisecond)

		terminal := 0
		for {
			done := false
			select {
			case req := <-updates:
				if req.State.Terminal() {
					terminal++
				}
			default:
				done = true
			}
			if done {
				break
			}
		}
		if terminal != 1 {
			t.Fatalf("Run %d: expected exactly one terminal transition, got %d", i, terminal)
		}

		req, _ := e.Get("c1")
		if req.State != StateCancelled && req.State != StateExpired {
			t.Fatalf("Run %d: unexpected terminal state %s", i, req.State)
		}
		cancelSub()
		e.Close()
	}
}

func TestCancelStopsTimer(t *testing.T) {
	sender := &fakeSender{}
	e := NewEngine(Options{Window: 30 * time.Millisecond, Sender: sender, Balance: fixedBalance(100)})
	defer e.Close()

	e.HandleEvent(incomingRequest("c1", 1, 1))
	e.HandleEvent(event.Event{
		Kind:    event.KindCallCancelled,
		Payload: map[string]any{"callId": "c1"},
	})

	req, _ := e.Get("c1")
	if req.State != StateCancelled {
		t.Fatalf("Expected cancelled, got %s", req.State)
	}

	// The expiry timer must not fire against the cancelled request
	time.Sleep(80 * time.Millisecond)
	if len(sender.byKind(event.KindCallDeclined)) != 0 {
		t.Error("Timer fired against an already-cancelled request")
	}
	req, _ = e.Get("c1")
	if req.State != StateCancelled {
		t.Errorf("State changed after terminal transition: %s", req.State)
	}
}

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	sender := &fakeSender{}
	e := NewEngine(Options{Sender: sender, Balance: fixedBalance(100)})
	defer e.Close()

	e.HandleEvent(incomingRequest("c1", 1, 1))
	if err := e.Decline(context.Background(), "c1", ReasonUserDeclined); err != nil {
		t.Fatalf("Decline failed: %v", err)
	}

	// Every further transition attempt must leave the state unchanged
	_ = e.Accept(context.Background(), "c1")
	_ = e.Decline(context.Background(), "c1", ReasonUserDeclined)
	e.HandleEvent(event.Event{Kind: event.KindCallCancelled, Payload: map[string]any{"callId": "c1"}})
	e.HandleEvent(event.Event{Kind: event.KindCallAccepted, Payload: map[string]any{"callId": "c1"}})

	req, _ := e.Get("c1")
	if req.State != StateDeclined {
		t.Errorf("Terminal state mutated: expected declined, got %s", req.State)
	}
}

func TestUnknownRequestID(t *testing.T) {
	sender := &fakeSender{}
	e := NewEngine(Options{Sender: sender, Balance: fixedBalance(100)})
	defer e.Close()

	var unknown *UnknownRequestError
	if err := e.Accept(context.Background(), "nope"); !errors.As(err, &unknown) {
		t.Errorf("Expected UnknownRequestError from Accept, got %v", err)
	}
	if err := e.Decline(context.Background(), "nope", ReasonUserDeclined); !errors.As(err, &unknown) {
		t.Errorf("Expected UnknownRequestError from Decline, got %v", err)
	}

	// Inbound events for unknown ids are dropped, never panic
	e.HandleEvent(event.Event{Kind: event.KindCallCancelled, Payload: map[string]any{"callId": "ghost"}})
	e.HandleEvent(event.Event{Kind: event.KindCallRequested, Payload: map[string]any{}})
}

func TestDuplicateRequestIgnored(t *testing.T) {
	sender := &fakeSender{}
	e := NewEngine(Options{Sender: sender, Balance: fixedBalance(100)})
	defer e.Close()

	e.HandleEvent(incomingRequest("c1", 6, 5))
	e.HandleEvent(incomingRequest("c1", 99, 99))

	req, _ := e.Get("c1")
	if req.RatePerUnit != 6 || req.MinimumUnits != 5 {
		t.Errorf("Duplicate request overwrote original: %+v", req)
	}
}

func TestCreateOutgoingAndConfirmation(t *testing.T) {
	sender := &fakeSender{}
	var acceptedMu sync.Mutex
	accepted := 0
	e := NewEngine(Options{
		Sender:  sender,
		Balance: fixedBalance(100),
		OnAccepted: func(Request) {
			acceptedMu.Lock()
			accepted++
			acceptedMu.Unlock()
		},
	})
	defer e.Close()

	req, err := e.CreateOutgoing(context.Background(), KindVoice, Party{ID: "me"}, 3, 2)
	if err != nil {
		t.Fatalf("CreateOutgoing failed: %v", err)
	}
	if req.State != StatePending {
		t.Errorf("Expected pending, got %s", req.State)
	}
	if len(sender.byKind(event.KindCallRequested)) != 1 {
		t.Error("Expected one outbound call.requested event")
	}

	// Server confirms the responder accepted
	e.HandleEvent(event.Event{Kind: event.KindCallAccepted, Payload: map[string]any{"callId": req.ID}})

	got, _ := e.Get(req.ID)
	if got.State != StateAccepted {
		t.Errorf("Expected accepted after confirmation, got %s", got.State)
	}
	acceptedMu.Lock()
	if accepted != 1 {
		t.Errorf("Expected continuation once, got %d", accepted)
	}
	acceptedMu.Unlock()
}

func TestAcknowledge(t *testing.T) {
	sender := &fakeSender{}
	e := NewEngine(Options{Sender: sender, Balance: fixedBalance(100)})
	defer e.Close()

	e.HandleEvent(incomingRequest("c1", 1, 1))
	e.HandleEvent(incomingRequest("c2", 1, 1))

	// Pending requests cannot be acknowledged away
	e.Acknowledge("c1")
	if _, ok := e.Get("c1"); !ok {
		t.Error("Pending request removed by Acknowledge")
	}

	if err := e.Decline(context.Background(), "c1", ReasonUserDeclined); err != nil {
		t.Fatalf("Decline failed: %v", err)
	}
	e.Acknowledge("c1")
	if _, ok := e.Get("c1"); ok {
		t.Error("Terminal request not garbage-collected by Acknowledge")
	}
	if _, ok := e.Get("c2"); !ok {
		t.Error("Unrelated request removed")
	}
}

func TestMinimumCharge(t *testing.T) {
	r := Request{RatePerUnit: 6, MinimumUnits: 5}
	if got := r.MinimumCharge(); got != 30 {
		t.Errorf("Expected minimum charge 30, got %v", got)
	}
}

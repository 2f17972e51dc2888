// Package call implements the negotiation engine for pay-per-minute call
// requests. Each request is an explicit state machine: transitions are named
// methods guarded by the current state, so a local timer expiry racing an
// inbound server event produces exactly one effective transition.
package call

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lumenlive/livesync/event"
	"github.com/lumenlive/livesync/util/logger"
	"github.com/lumenlive/livesync/util/metrics"
)

// DefaultWindow is the negotiation window applied when the config does not
// override it. A request left pending this long auto-expires.
const DefaultWindow = 60 * time.Second

// Sender is the outbound half of the push transport, satisfied by the
// router.
type Sender interface {
	Send(ctx context.Context, ev event.Event) error
}

// BalanceFunc reports the responder's available balance. Queried on every
// Accept; the engine never caches it.
type BalanceFunc func(ctx context.Context) (float64, error)

// Options configures an Engine.
type Options struct {
	// Window is the negotiation window for incoming requests. Zero means
	// DefaultWindow.
	Window time.Duration

	// Sender delivers outbound accept/decline events.
	Sender Sender

	// Balance is the responder's balance query, used by the Accept
	// precondition.
	Balance BalanceFunc

	// OnAccepted is invoked exactly once per accepted request, e.g. to
	// proceed to session setup.
	OnAccepted func(Request)
}

// Engine manages the lifecycle of call requests from creation to a terminal
// outcome.
type Engine struct {
	mu       sync.Mutex
	requests map[string]*Request
	timers   map[string]*time.Timer

	window     time.Duration
	sender     Sender
	balance    BalanceFunc
	onAccepted func(Request)

	listenersMu sync.RWMutex
	listeners   map[chan Request]struct{}

	logger *logger.Logger
	now    func() time.Time
}

// NewEngine creates a new Engine.
func NewEngine(opts Options) *Engine {
	window := opts.Window
	if window <= 0 {
		window = DefaultWindow
	}
	return &Engine{
		requests:   make(map[string]*Request),
		timers:     make(map[string]*time.Timer),
		window:     window,
		sender:     opts.Sender,
		balance:    opts.Balance,
		onAccepted: opts.OnAccepted,
		listeners:  make(map[chan Request]struct{}),
		logger:     logger.NewLogger("CallEngine"),
		now:        time.Now,
	}
}

// CreateOutgoing registers a locally-initiated request and announces it on
// the push channel. The initiator side runs no expiry timer; the responder
// side owns the negotiation window.
func (e *Engine) CreateOutgoing(ctx context.Context, kind Kind, initiator Party, ratePerUnit float64, minimumUnits int) (Request, error) {
	req := &Request{
		ID:           uuid.NewString(),
		Kind:         kind,
		Initiator:    initiator,
		RatePerUnit:  ratePerUnit,
		MinimumUnits: minimumUnits,
		State:        StatePending,
		CreatedAt:    e.now(),
	}

	ev := event.Event{
		Kind: event.KindCallRequested,
		At:   req.CreatedAt,
		Payload: map[string]any{
			"callId":       req.ID,
			"callType":     string(req.Kind),
			"initiatorId":  initiator.ID,
			"displayName":  initiator.DisplayName,
			"avatarUrl":    initiator.AvatarURL,
			"ratePerUnit":  req.RatePerUnit,
			"minimumUnits": req.MinimumUnits,
		},
	}
	if err := e.sender.Send(ctx, ev); err != nil {
		return Request{}, err
	}

	e.mu.Lock()
	e.requests[req.ID] = req
	pending := e.countPendingLocked()
	e.mu.Unlock()

	metrics.SetCallsPending(pending)
	e.logger.Infof("Created outgoing %s call request %s", kind, req.ID)
	e.notify(*req)
	return *req, nil
}

// HandleEvent consumes inbound call events from the router. Malformed events
// and events for unknown request ids are logged and dropped, never raised.
func (e *Engine) HandleEvent(ev event.Event) {
	switch ev.Kind {
	case event.KindCallRequested:
		e.handleIncomingRequest(ev)
	case event.KindCallCancelled:
		e.handleCancelled(ev)
	case event.KindCallAccepted:
		e.handleConfirmed(ev, StateAccepted)
	case event.KindCallDeclined:
		reason := DeclineReason(ev.Str("reason"))
		if reason == ReasonExpired {
			e.handleConfirmed(ev, StateExpired)
		} else {
			e.handleConfirmed(ev, StateDeclined)
		}
	default:
		e.logger.Debugf("Ignoring event kind %s", ev.Kind)
	}
}

// handleIncomingRequest creates a pending request for the responding party
// and arms the negotiation timer.
func (e *Engine) handleIncomingRequest(ev event.Event) {
	id := ev.Str("callId")
	if id == "" {
		e.logger.Warnf("Dropping call.requested event without callId")
		metrics.RecordEventDropped("malformed_call_event")
		return
	}

	rate, _ := ev.Num("ratePerUnit")
	units, _ := ev.Num("minimumUnits")
	createdAt := ev.At
	if createdAt.IsZero() {
		createdAt = e.now()
	}

	req := &Request{
		ID:   id,
		Kind: Kind(ev.Str("callType")),
		Initiator: Party{
			ID:          ev.Str("initiatorId"),
			DisplayName: ev.Str("displayName"),
			AvatarURL:   ev.Str("avatarUrl"),
		},
		RatePerUnit:  rate,
		MinimumUnits: int(units),
		State:        StatePending,
		CreatedAt:    createdAt,
	}

	e.mu.Lock()
	if _, exists := e.requests[id]; exists {
		// Duplicate delivery of the same request
		e.mu.Unlock()
		e.logger.Debugf("Duplicate call.requested for %s, ignoring", id)
		return
	}
	e.requests[id] = req
	e.timers[id] = time.AfterFunc(e.window, func() { e.expire(id) })
	pending := e.countPendingLocked()
	e.mu.Unlock()

	metrics.SetCallsPending(pending)
	e.logger.Infof("Incoming %s call request %s from %s (rate=%.2f, min=%d)",
		req.Kind, id, req.Initiator.ID, rate, int(units))
	e.notify(*req)
}

// Accept transitions a pending request to accepted, provided the responder's
// balance covers ratePerUnit × minimumUnits. On insufficient balance it
// returns *PreconditionFailedError and leaves the request pending with its
// timer still running.
func (e *Engine) Accept(ctx context.Context, id string) error {
	e.mu.Lock()
	req, ok := e.requests[id]
	if !ok {
		e.mu.Unlock()
		return &UnknownRequestError{RequestID: id}
	}
	if req.State.Terminal() {
		// Race no-op: something else resolved the request first.
		e.mu.Unlock()
		e.logger.Debugf("Accept on %s ignored, already %s", id, req.State)
		return nil
	}
	required := req.MinimumCharge()
	e.mu.Unlock()

	// Balance query happens outside the lock; the transition below
	// re-checks state so a concurrent expiry cannot double-resolve.
	available, err := e.balance(ctx)
	if err != nil {
		return err
	}
	if available < required {
		e.logger.Infof("Accept rejected for %s: balance %.2f below required %.2f", id, available, required)
		return &PreconditionFailedError{RequestID: id, Required: required, Available: available}
	}

	// Re-check under the lock: the timer may have expired the request
	// while the balance query was in flight.
	e.mu.Lock()
	if req.State.Terminal() {
		e.mu.Unlock()
		e.logger.Debugf("Accept on %s lost race, already %s", id, req.State)
		return nil
	}
	e.mu.Unlock()

	ev := event.Event{
		Kind:          event.KindCallAccepted,
		CorrelationID: id,
		At:            e.now(),
		Payload:       map[string]any{"callId": id},
	}
	if err := e.sender.Send(ctx, ev); err != nil {
		return err
	}

	e.transition(id, StateAccepted)
	return nil
}

// Decline transitions a pending request to declined (or expired, when the
// reason says so) and announces the outcome on the push channel.
func (e *Engine) Decline(ctx context.Context, id string, reason DeclineReason) error {
	e.mu.Lock()
	req, ok := e.requests[id]
	if !ok {
		e.mu.Unlock()
		return &UnknownRequestError{RequestID: id}
	}
	if req.State.Terminal() {
		e.mu.Unlock()
		e.logger.Debugf("Decline on %s ignored, already %s", id, req.State)
		return nil
	}
	e.mu.Unlock()

	ev := event.Event{
		Kind:          event.KindCallDeclined,
		CorrelationID: id,
		At:            e.now(),
		Payload:       map[string]any{"callId": id, "reason": string(reason)},
	}
	if err := e.sender.Send(ctx, ev); err != nil {
		return err
	}

	if reason == ReasonExpired {
		e.transition(id, StateExpired)
	} else {
		e.transition(id, StateDeclined)
	}
	return nil
}

// expire fires when the negotiation window elapses with the request still
// pending. The outbound declined event carries reason "expired" and is
// emitted at most once; if an inbound terminal event won the race the
// transition is a no-op and nothing is sent.
func (e *Engine) expire(id string) {
	if !e.transition(id, StateExpired) {
		return
	}

	ev := event.Event{
		Kind:          event.KindCallDeclined,
		CorrelationID: id,
		At:            e.now(),
		Payload:       map[string]any{"callId": id, "reason": string(ReasonExpired)},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.sender.Send(ctx, ev); err != nil {
		e.logger.Errorf("Failed to announce expiry of %s: %v", id, err)
	}
	e.logger.Infof("Call request %s expired after %v", id, e.window)
}

// handleCancelled processes an inbound cancellation from the initiator. No
// outbound event is required.
func (e *Engine) handleCancelled(ev event.Event) {
	id := ev.Str("callId")
	if id == "" {
		id = ev.CorrelationID
	}
	e.mu.Lock()
	_, ok := e.requests[id]
	e.mu.Unlock()
	if !ok {
		e.logger.Warnf("Dropping call.cancelled for unknown request %s", id)
		metrics.RecordEventDropped("unknown_call_id")
		return
	}
	e.transition(id, StateCancelled)
}

// handleConfirmed processes a server-confirmed outcome for a request this
// side initiated (or an echo of our own accept/decline, which the state
// guard absorbs).
func (e *Engine) handleConfirmed(ev event.Event, to State) {
	id := ev.Str("callId")
	if id == "" {
		id = ev.CorrelationID
	}
	e.mu.Lock()
	_, ok := e.requests[id]
	e.mu.Unlock()
	if !ok {
		e.logger.Warnf("Dropping %s for unknown request %s", ev.Kind, id)
		metrics.RecordEventDropped("unknown_call_id")
		return
	}
	e.transition(id, to)
}

// transition applies a state change guarded by the current state. Returns
// false when the request is unknown or already terminal (race no-op). Every
// effective terminal transition stops the negotiation timer so a late firing
// cannot act on an already-resolved request.
func (e *Engine) transition(id string, to State) bool {
	e.mu.Lock()
	req, ok := e.requests[id]
	if !ok || req.State.Terminal() {
		e.mu.Unlock()
		return false
	}
	req.State = to

	if timer, ok := e.timers[id]; ok {
		timer.Stop()
		delete(e.timers, id)
	}

	snapshot := *req
	pending := e.countPendingLocked()
	e.mu.Unlock()

	metrics.RecordCallTransition(to.String())
	metrics.SetCallsPending(pending)
	e.logger.Infof("Call request %s -> %s", id, to)

	if to == StateAccepted && e.onAccepted != nil {
		e.onAccepted(snapshot)
	}
	e.notify(snapshot)
	return true
}

// Acknowledge removes a terminal request from the active set once the UI has
// consumed its outcome. Pending requests cannot be acknowledged away.
func (e *Engine) Acknowledge(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if req, ok := e.requests[id]; ok && req.State.Terminal() {
		delete(e.requests, id)
	}
}

// Get returns a snapshot of the request with the given id.
func (e *Engine) Get(id string) (Request, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if req, ok := e.requests[id]; ok {
		return *req, true
	}
	return Request{}, false
}

// List returns snapshots of all tracked requests.
func (e *Engine) List() []Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Request, 0, len(e.requests))
	for _, req := range e.requests {
		out = append(out, *req)
	}
	return out
}

// Subscribe returns a channel receiving a snapshot after every state change.
// The channel is buffered and slow consumers lose updates rather than block
// the engine.
func (e *Engine) Subscribe() (ch chan Request, cancel func()) {
	ch = make(chan Request, 16)

	e.listenersMu.Lock()
	e.listeners[ch] = struct{}{}
	e.listenersMu.Unlock()

	cancel = func() {
		e.listenersMu.Lock()
		if _, ok := e.listeners[ch]; ok {
			delete(e.listeners, ch)
			close(ch)
		}
		e.listenersMu.Unlock()
	}
	return ch, cancel
}

// Close stops all timers and releases listeners.
func (e *Engine) Close() {
	e.mu.Lock()
	for id, timer := range e.timers {
		timer.Stop()
		delete(e.timers, id)
	}
	e.mu.Unlock()

	e.listenersMu.Lock()
	for ch := range e.listeners {
		close(ch)
	}
	e.listeners = make(map[chan Request]struct{})
	e.listenersMu.Unlock()
}

func (e *Engine) notify(snapshot Request) {
	e.listenersMu.RLock()
	defer e.listenersMu.RUnlock()
	for ch := range e.listeners {
		select {
		case ch <- snapshot:
		default:
		}
	}
}

func (e *Engine) countPendingLocked() int {
	n := 0
	for _, req := range e.requests {
		if req.State == StatePending {
			n++
		}
	}
	return n
}

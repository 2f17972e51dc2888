// Package router is the single ingress/egress point between the push
// transport and the sync components. Inbound events are dispatched by a
// static table keyed on event kind; connection-state changes are rebroadcast
// so each component can apply its own reconnect policy.
package router

import (
	"context"

	"github.com/lumenlive/livesync/event"
	"github.com/lumenlive/livesync/transport"
	"github.com/lumenlive/livesync/util/logger"
	"github.com/lumenlive/livesync/util/metrics"
	"github.com/lumenlive/livesync/util/uniqueid"
)

// Sink consumes routed events. The call engine, access gate, and metrics
// cache each implement it.
type Sink interface {
	HandleEvent(ev event.Event)
}

// ConnectionObserver is notified of transport connection-state changes.
type ConnectionObserver interface {
	HandleConnChange(state event.ConnState)
}

// Router dispatches each inbound event to exactly one sink and passes
// outbound events through to the transport.
type Router struct {
	tr        transport.Transport
	routes    map[string]Sink
	observers []ConnectionObserver
	cancels   []func()
	logger    *logger.Logger
}

// New creates a router over the given transport. Routes and observers are
// registered before Start; the routing table is static once running.
func New(tr transport.Transport) *Router {
	return &Router{
		tr:     tr,
		routes: make(map[string]Sink),
		logger: logger.NewLogger("Router"),
	}
}

// Route binds the given event kinds to a sink. Binding a kind twice is a
// programming error and panics at wiring time.
func (r *Router) Route(sink Sink, kinds ...string) {
	for _, kind := range kinds {
		if _, dup := r.routes[kind]; dup {
			panic("router: duplicate route for event kind " + kind)
		}
		r.routes[kind] = sink
	}
}

// Observe registers a connection-state observer.
func (r *Router) Observe(obs ConnectionObserver) {
	r.observers = append(r.observers, obs)
}

// Start subscribes to the transport. Events arriving before Start are the
// transport's concern; after Stop, handlers are detached.
func (r *Router) Start() {
	cancelEvents := r.tr.Subscribe(r.dispatch)
	cancelConn := r.tr.OnConnectionChange(r.rebroadcast)
	r.cancels = append(r.cancels, cancelEvents, cancelConn)
	r.logger.Infof("Router started with %d routes", len(r.routes))
}

// Stop detaches the router from the transport.
func (r *Router) Stop() {
	for _, cancel := range r.cancels {
		cancel()
	}
	r.cancels = nil
	r.logger.Infof("Router stopped")
}

// Send passes an outbound event through to the transport, stamping a
// correlation id if the caller did not set one. It does not wait for
// delivery confirmation.
func (r *Router) Send(ctx context.Context, ev event.Event) error {
	if ev.CorrelationID == "" {
		ev.CorrelationID = uniqueid.UniqueId()
	}
	if err := r.tr.Send(ctx, ev); err != nil {
		metrics.RecordEventSent(ev.Kind, "error")
		return err
	}
	metrics.RecordEventSent(ev.Kind, "ok")
	return nil
}

// dispatch routes one inbound event. Unknown kinds are dropped with a debug
// log; a panicking handler is contained so one bad event cannot halt the
// router.
func (r *Router) dispatch(ev event.Event) {
	sink, ok := r.routes[ev.Kind]
	if !ok {
		r.logger.Debugf("Dropping event with unknown kind %q", ev.Kind)
		metrics.RecordEventDropped("unknown_kind")
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Errorf("Handler for %s panicked: %v", ev.Kind, rec)
			metrics.RecordEventDropped("handler_panic")
		}
	}()
	sink.HandleEvent(ev)
	metrics.RecordEventRouted(ev.Kind)
}

// rebroadcast forwards a connection-state change to every observer, each
// wrapped so one failing observer cannot starve the rest.
func (r *Router) rebroadcast(state event.ConnState) {
	r.logger.Infof("Connection state: %s", state)
	if state == event.Reconnected {
		metrics.RecordReconnect()
	}
	for _, obs := range r.observers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Errorf("Connection observer panicked: %v", rec)
				}
			}()
			obs.HandleConnChange(state)
		}()
	}
}

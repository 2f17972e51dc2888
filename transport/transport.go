// Package transport defines the abstract push-transport consumed by the sync
// core. Concrete implementations (see wstransport) own the wire protocol;
// the core only sees decoded events and connection-state changes.
package transport

import (
	"context"

	"github.com/lumenlive/livesync/event"
)

// Transport is a persistent bidirectional event channel. Subscribe and
// OnConnectionChange return cancel funcs that remove the handler; handlers
// are invoked sequentially in arrival order.
type Transport interface {
	// Subscribe registers a handler for every inbound event.
	Subscribe(handler func(event.Event)) (cancel func())

	// Send writes an event to the channel. It does not wait for delivery
	// confirmation; callers needing one must set a correlation id and
	// await the matching inbound event.
	Send(ctx context.Context, ev event.Event) error

	// OnConnectionChange registers a handler for connection-state
	// transitions (connected, disconnected, reconnected).
	OnConnectionChange(handler func(event.ConnState)) (cancel func())

	// Close tears down the channel and releases all handlers.
	Close() error
}

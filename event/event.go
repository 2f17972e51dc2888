// Package event defines the typed records that flow between the push
// transport and the sync core. Events are opaque structured payloads with a
// kind discriminator; the transport's wire framing is not part of this
// package.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event kinds routed by the core. Kinds outside this set are dropped by the
// router with a debug log.
const (
	KindCallRequested = "call.requested"
	KindCallAccepted  = "call.accepted"
	KindCallDeclined  = "call.declined"
	KindCallCancelled = "call.cancelled"

	KindGateRestricted   = "gate.restricted"
	KindGateGranted      = "gate.granted"
	KindGateUnrestricted = "gate.unrestricted"

	KindMetricsUpdate = "metrics.update"
)

// Event is a single message on the push channel, inbound or outbound.
// Payload fields are event-kind specific; consumers pull what they need and
// ignore the rest.
type Event struct {
	Kind          string         `json:"kind"`
	Resource      string         `json:"resource,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	At            time.Time      `json:"at,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// Decode parses a raw transport frame into an Event. An empty kind is
// rejected here so the router never sees an undiscriminated event.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("failed to decode event: %w", err)
	}
	if ev.Kind == "" {
		return Event{}, fmt.Errorf("event has no kind discriminator")
	}
	return ev, nil
}

// Encode serializes an Event for the transport.
func (ev Event) Encode() ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event %s: %w", ev.Kind, err)
	}
	return data, nil
}

// Str returns the named payload field as a string, or "" if absent or not a
// string.
func (ev Event) Str(field string) string {
	s, _ := ev.Payload[field].(string)
	return s
}

// Num returns the named payload field as a float64. JSON numbers decode to
// float64, so this covers every numeric payload field.
func (ev Event) Num(field string) (float64, bool) {
	switch v := ev.Payload[field].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Bool returns the named payload field as a bool, or false if absent.
func (ev Event) Bool(field string) bool {
	b, _ := ev.Payload[field].(bool)
	return b
}

// ConnState describes the push transport's connection state as observed by
// the core.
type ConnState int

const (
	// Connected is the initial established state.
	Connected ConnState = iota
	// Disconnected means the channel is down; pushes may be missed.
	Disconnected
	// Reconnected means the channel came back after a gap; components
	// should resynchronize.
	Reconnected
)

// String returns the string representation of the connection state
func (s ConnState) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Reconnected:
		return "reconnected"
	default:
		return "unknown"
	}
}

package call

import (
	"fmt"
	"time"
)

// Kind is the media type of a call request.
type Kind string

const (
	KindVideo Kind = "video"
	KindVoice Kind = "voice"
)

// State is the lifecycle state of a call request. Pending is the only
// non-terminal state; every other state is absorbing.
type State int

const (
	StatePending State = iota
	StateAccepted
	StateDeclined
	StateExpired
	StateCancelled
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAccepted:
		return "accepted"
	case StateDeclined:
		return "declined"
	case StateExpired:
		return "expired"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is absorbing.
func (s State) Terminal() bool {
	return s != StatePending
}

// DeclineReason distinguishes a user declining from the negotiation window
// running out. Downstream analytics treat abandonment and timeout as
// different outcomes, so the two are kept as distinct terminal states.
type DeclineReason string

const (
	ReasonUserDeclined DeclineReason = "user-declined"
	ReasonExpired      DeclineReason = "expired"
)

// Party identifies the peer that created a call request, with the display
// metadata the UI needs to render the incoming-call prompt.
type Party struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Request is a single call negotiation. Owned exclusively by the Engine;
// callers only ever see value copies.
type Request struct {
	ID           string
	Kind         Kind
	Initiator    Party
	RatePerUnit  float64
	MinimumUnits int
	State        State
	CreatedAt    time.Time
}

// MinimumCharge is the balance the responding party must hold before the
// request may be accepted.
func (r *Request) MinimumCharge() float64 {
	return r.RatePerUnit * float64(r.MinimumUnits)
}

// PreconditionFailedError is returned by Accept when the responder's balance
// does not cover the minimum charge. The request stays pending and the
// negotiation timer keeps running.
type PreconditionFailedError struct {
	RequestID string
	Required  float64
	Available float64
}

// Error returns a human-readable error message.
func (e *PreconditionFailedError) Error() string {
	return fmt.Sprintf("precondition failed for call %s: balance %.2f below required %.2f",
		e.RequestID, e.Available, e.Required)
}

// UnknownRequestError is returned by Accept and Decline for request ids the
// engine is not tracking.
type UnknownRequestError struct {
	RequestID string
}

// Error returns a human-readable error message.
func (e *UnknownRequestError) Error() string {
	return fmt.Sprintf("unknown call request: %s", e.RequestID)
}

// Package events defines the one normalized event type every producer
// (push channel, pollers, synthetic trigger) hands to the reconciler.
package events

import (
	"errors"
	"time"

	"github.com/dennisdiepolder/callsync/internal/session"
)

var (
	// ErrMalformed is returned for payloads that can not be parsed or lack a call identity
	ErrMalformed = errors.New("events: malformed payload")

	// ErrUnknownType is returned for payloads of a type the reconciler does not consume
	ErrUnknownType = errors.New("events: unknown event type")
)

// Kind is what the event says happened
type Kind string

const (
	KindNewCall Kind = "new_call" // a call appeared (ringing or already answered)
	KindStatus  Kind = "status"   // a live call changed status
	KindEnded   Kind = "ended"    // the call finished
	KindGone    Kind = "gone"     // the authoritative record no longer exists
)

// Source is the producer that observed the event
type Source string

const (
	SourcePush       Source = "push"
	SourceDetection  Source = "detection_poll"
	SourceStatusPoll Source = "status_poll"
	SourceSynthetic  Source = "synthetic"
)

// Event is a normalized call signal
type Event struct {
	Kind   Kind
	Source Source

	SessionID     string
	ExternalID    string
	PhoneNumber   string
	Direction     session.Direction
	Extension     string // the agent's line
	FromExtension string
	ToExtension   string

	// Phase is the lifecycle phase a new-call event reports (ringing or connected)
	Phase session.State

	// Status is the normalized status of a status event
	Status string

	// Reason explains an ended or gone event (e.g. "record_terminal", "presence_confirmed")
	Reason string

	// Generation binds poll-derived events to the session binding they were issued for
	Generation uint64

	ReceivedAt time.Time
}

// Authoritative reports whether the event came from the bridge itself
// (push or its synthetic stand-in) rather than from a derived poll.
func (e Event) Authoritative() bool {
	return e.Source == SourcePush || e.Source == SourceSynthetic
}

// Bound reports whether the event was produced for one specific session
// binding and must only ever be matched by exact session id.
func (e Event) Bound() bool {
	return e.Source == SourceStatusPoll
}

// Internal reports whether the event is extension-to-extension line activity
// rather than a customer call.
func (e Event) Internal() bool {
	if IsInternalExtension(e.FromExtension) && IsInternalExtension(e.ToExtension) {
		return true
	}
	return IsInternalExtension(e.PhoneNumber) && (e.Extension == "" || IsInternalExtension(e.Extension))
}

// IsInternalExtension reports whether s looks like a 3-digit internal line
func IsInternalExtension(s string) bool {
	if len(s) != 3 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

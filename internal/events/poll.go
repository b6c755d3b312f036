package events

import (
	"strings"
	"time"

	"github.com/dennisdiepolder/callsync/internal/session"
	"github.com/dennisdiepolder/callsync/internal/upstream"
)

// Reasons attached to poll-derived terminal events
const (
	ReasonRecordTerminal    = "record_terminal"
	ReasonRecordNotFound    = "record_not_found"
	ReasonPresenceConfirmed = "presence_confirmed"
)

// FromDetection builds a new-call event from the detection endpoint's call
// descriptor. It travels the same path as a push channel call_ringing or
// call_started.
func FromDetection(call upstream.CallDescriptor, agentExtension string, now time.Time) Event {
	ext := strings.TrimSpace(call.Extension)
	if ext == "" {
		ext = agentExtension
	}

	phase := session.StateRinging
	if NormalizeStatus(call.Status) == StatusConnected {
		phase = session.StateConnected
	}

	return Event{
		Kind:        KindNewCall,
		Source:      SourceDetection,
		SessionID:   strings.TrimSpace(call.SessionID),
		ExternalID:  strings.TrimSpace(call.ExternalID),
		PhoneNumber: session.NormalizePhone(call.PhoneNumber),
		Direction:   session.ParseDirection(call.Direction),
		Extension:   ext,
		Phase:       phase,
		ReceivedAt:  now,
	}
}

// RecordEnded is emitted by the status poller when the authoritative record
// (or a confirmed presence drop) says the bound call is over.
func RecordEnded(sessionID string, generation uint64, reason string, now time.Time) Event {
	return Event{
		Kind:       KindEnded,
		Source:     SourceStatusPoll,
		SessionID:  sessionID,
		Generation: generation,
		Reason:     reason,
		ReceivedAt: now,
	}
}

// RecordAnswered is emitted when the authoritative record reports the bound
// call in progress.
func RecordAnswered(sessionID string, generation uint64, now time.Time) Event {
	return Event{
		Kind:       KindStatus,
		Source:     SourceStatusPoll,
		SessionID:  sessionID,
		Generation: generation,
		Status:     StatusConnected,
		ReceivedAt: now,
	}
}

// RecordGone is emitted when the authoritative record no longer exists
func RecordGone(sessionID string, generation uint64, now time.Time) Event {
	return Event{
		Kind:       KindGone,
		Source:     SourceStatusPoll,
		SessionID:  sessionID,
		Generation: generation,
		Reason:     ReasonRecordNotFound,
		ReceivedAt: now,
	}
}

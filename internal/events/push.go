package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dennisdiepolder/callsync/internal/session"
	"github.com/dennisdiepolder/callsync/internal/upstream"
)

// Push channel message types
const (
	TypeCallRinging  = "call_ringing"
	TypeCallStarted  = "call_started"
	TypeCallAnswered = "call_answered"
	TypeCallUpdated  = "call_updated"
	TypeCallEnded    = "call_ended"
)

// Normalized call statuses carried by status events
const (
	StatusConnected = string(session.StateConnected)
	StatusOnHold    = string(session.StateOnHold)
	StatusWrapUp    = string(session.StateWrapUp)
	StatusRinging   = string(session.StateRinging)
)

// PushMessage is the wire shape of a push channel event
type PushMessage struct {
	Type          string     `json:"type"`
	SessionID     string     `json:"sessionId"`
	ExternalID    string     `json:"externalId,omitempty"`
	PhoneNumber   string     `json:"phoneNumber,omitempty"`
	Direction     string     `json:"direction,omitempty"`
	Extension     string     `json:"extension,omitempty"`
	FromExtension string     `json:"fromExtension,omitempty"`
	ToExtension   string     `json:"toExtension,omitempty"`
	Status        string     `json:"status,omitempty"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`
}

// ParsePush decodes and normalizes one push channel message
func ParsePush(data []byte, now time.Time) (Event, error) {
	var msg PushMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return FromPush(msg, now)
}

// ParseSynthetic decodes a push-format message injected through the test trigger
func ParseSynthetic(data []byte, now time.Time) (Event, error) {
	ev, err := ParsePush(data, now)
	if err != nil {
		return Event{}, err
	}
	ev.Source = SourceSynthetic
	return ev, nil
}

// FromPush normalizes a decoded push channel message
func FromPush(msg PushMessage, now time.Time) (Event, error) {
	if strings.TrimSpace(msg.SessionID) == "" && strings.TrimSpace(msg.ExternalID) == "" {
		return Event{}, fmt.Errorf("%w: missing session identity", ErrMalformed)
	}

	ev := Event{
		Source:        SourcePush,
		SessionID:     strings.TrimSpace(msg.SessionID),
		ExternalID:    strings.TrimSpace(msg.ExternalID),
		PhoneNumber:   session.NormalizePhone(msg.PhoneNumber),
		Direction:     session.ParseDirection(msg.Direction),
		FromExtension: strings.TrimSpace(msg.FromExtension),
		ToExtension:   strings.TrimSpace(msg.ToExtension),
		ReceivedAt:    now,
	}
	ev.Extension = agentExtension(strings.TrimSpace(msg.Extension), ev.Direction, ev.FromExtension, ev.ToExtension)

	switch msg.Type {
	case TypeCallRinging:
		ev.Kind = KindNewCall
		ev.Phase = session.StateRinging
	case TypeCallStarted, TypeCallAnswered:
		ev.Kind = KindNewCall
		ev.Phase = session.StateConnected
	case TypeCallUpdated:
		if upstream.IsTerminalStatus(msg.Status) {
			ev.Kind = KindEnded
			ev.Reason = "push_status_" + NormalizeStatus(msg.Status)
			break
		}
		ev.Kind = KindStatus
		ev.Status = NormalizeStatus(msg.Status)
		if ev.Status == "" {
			return Event{}, fmt.Errorf("%w: call_updated without status", ErrMalformed)
		}
	case TypeCallEnded:
		ev.Kind = KindEnded
		ev.Reason = "push_ended"
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}

	return ev, nil
}

// NormalizeStatus folds the bridge's status vocabulary onto the states the
// reconciler understands. Unknown statuses are returned lower-cased.
func NormalizeStatus(status string) string {
	s := strings.ToLower(strings.TrimSpace(status))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	switch s {
	case "in_progress", "answered", "connected", "active", "resumed", "unhold", "off_hold":
		return StatusConnected
	case "on_hold", "hold", "held":
		return StatusOnHold
	case "wrap_up", "wrapup", "after_call_work", "acw":
		return StatusWrapUp
	case "ringing", "alerting":
		return StatusRinging
	}
	return s
}

// agentExtension picks the agent's own line out of the extensions a producer
// sent: an explicit extension wins, then the side implied by the direction.
func agentExtension(explicit string, dir session.Direction, from, to string) string {
	if explicit != "" {
		return explicit
	}
	if dir == session.DirectionOutbound && from != "" {
		return from
	}
	if dir == session.DirectionInbound && to != "" {
		return to
	}
	if to != "" {
		return to
	}
	return from
}

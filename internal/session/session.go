package session

import (
	"strings"
	"time"
)

// State represents the lifecycle state of the tracked call
type State string

const (
	StateRinging   State = "ringing"
	StateConnected State = "connected"
	StateOnHold    State = "on_hold"
	StateWrapUp    State = "wrap_up"
	StateEnded     State = "ended"
)

// Live reports whether the call is still in progress (polled for ground truth)
func (s State) Live() bool {
	switch s {
	case StateRinging, StateConnected, StateOnHold, StateWrapUp:
		return true
	}
	return false
}

// Direction of the call relative to the agent
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// ParseDirection maps loose producer values onto a Direction. Unknown values
// default to inbound, which is what the bridge sends for queue calls.
func ParseDirection(s string) Direction {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "outbound", "out", "outgoing":
		return DirectionOutbound
	default:
		return DirectionInbound
	}
}

// Identity is a resolved display identity for an extension or a phone number
type Identity struct {
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Kind      string `json:"kind,omitempty"` // "agent" or "customer"
	Reference string `json:"reference,omitempty"`
}

// Clone copies the identity; nil stays nil
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	out := *i
	return &out
}

// CallSession is the canonical view of the agent's current call
type CallSession struct {
	SessionID    string     `json:"sessionId"`
	ExternalID   string     `json:"externalId,omitempty"`
	PhoneNumber  string     `json:"phoneNumber,omitempty"`
	Direction    Direction  `json:"direction"`
	Extension    string     `json:"extension,omitempty"`
	State        State      `json:"state"`
	StartedAt    time.Time  `json:"startedAt"`
	AnsweredAt   *time.Time `json:"answeredAt,omitempty"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	Source       string     `json:"source,omitempty"`
	Counterparty *Identity  `json:"counterpartyIdentity,omitempty"`
}

// Clone returns a deep copy so readers never share memory with the writer
func (c *CallSession) Clone() *CallSession {
	if c == nil {
		return nil
	}
	out := *c
	if c.AnsweredAt != nil {
		t := *c.AnsweredAt
		out.AnsweredAt = &t
	}
	if c.EndedAt != nil {
		t := *c.EndedAt
		out.EndedAt = &t
	}
	if c.Counterparty != nil {
		id := *c.Counterparty
		out.Counterparty = &id
	}
	return &out
}

// NormalizePhone reduces a phone number to its digits. A leading country
// code 1 on an 11-digit number is dropped so "+1 (555) 010-2000" and
// "5550102000" key the same.
func NormalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 11 && digits[0] == '1' {
		return digits[1:]
	}
	return digits
}

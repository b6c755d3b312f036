package reconciler

import (
	"github.com/dennisdiepolder/callsync/internal/events"
	"github.com/dennisdiepolder/callsync/internal/session"
)

// MatchRule names the identity rule that tied an event to the current session
type MatchRule int

const (
	MatchNone MatchRule = iota
	MatchSessionID
	MatchCrossID
	MatchExtension
	MatchPhone
)

func (m MatchRule) String() string {
	switch m {
	case MatchSessionID:
		return "session_id"
	case MatchCrossID:
		return "cross_id"
	case MatchExtension:
		return "extension"
	case MatchPhone:
		return "phone"
	}
	return "none"
}

// Match reports whether ev refers to cur. Rules are checked strongest first
// and the first hit wins.
func Match(ev events.Event, cur *session.CallSession) (MatchRule, bool) {
	if cur == nil {
		return MatchNone, false
	}

	if ev.SessionID != "" && ev.SessionID == cur.SessionID {
		return MatchSessionID, true
	}

	// Producers may only know one of the two ids
	if ev.SessionID != "" && ev.SessionID == cur.ExternalID {
		return MatchCrossID, true
	}
	if ev.ExternalID != "" && (ev.ExternalID == cur.SessionID || ev.ExternalID == cur.ExternalID) {
		return MatchCrossID, true
	}

	if ev.Extension != "" && ev.Extension == cur.Extension {
		return MatchExtension, true
	}

	// Weakest signal: only trusted when no extension contradicts it
	if ev.PhoneNumber != "" && ev.PhoneNumber == cur.PhoneNumber &&
		(ev.Extension == "" || ev.Extension == cur.Extension) {
		return MatchPhone, true
	}

	return MatchNone, false
}

// attachableExternalID returns the external id ev may attach to cur, if any.
// An external id is attached once and never overwritten.
func attachableExternalID(ev events.Event, rule MatchRule, cur *session.CallSession) string {
	if cur.ExternalID != "" || ev.ExternalID == "" || ev.ExternalID == cur.SessionID {
		return ""
	}
	switch rule {
	case MatchSessionID:
		return ev.ExternalID
	case MatchExtension:
		// Bridge events that carry only their own id
		if ev.SessionID == "" {
			return ev.ExternalID
		}
	}
	return ""
}

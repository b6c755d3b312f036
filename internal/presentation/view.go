// Package presentation projects canonical call state onto the three UI
// affordances: the ringing toast, the mini-bar and the full call view. It
// holds no decision logic of its own.
package presentation

import (
	"time"

	"github.com/dennisdiepolder/callsync/internal/session"
)

// MessageType tags every view pushed to UI clients
const MessageType = "call_view"

// Mode is which affordance is showing
type Mode string

const (
	ModeNone    Mode = "none"
	ModeToast   Mode = "toast"
	ModeMiniBar Mode = "mini_bar"
	ModeFull    Mode = "full"
)

// View is the rendered state sent to UI clients
type View struct {
	Type      string    `json:"type"`
	Version   uint64    `json:"version"`
	Mode      Mode      `json:"mode"`
	Toast     *Toast    `json:"toast,omitempty"`
	MiniBar   *MiniBar  `json:"miniBar,omitempty"`
	Full      *FullView `json:"full,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Toast is the incoming-call notification
type Toast struct {
	SessionID   string            `json:"sessionId"`
	Caller      string            `json:"caller"`
	PhoneNumber string            `json:"phoneNumber,omitempty"`
	Direction   session.Direction `json:"direction"`
	AvatarURL   string            `json:"avatarUrl,omitempty"`
}

// MiniBar is the collapsed in-call strip
type MiniBar struct {
	SessionID      string         `json:"sessionId"`
	Caller         string         `json:"caller"`
	State          session.State  `json:"state"`
	ElapsedSeconds int            `json:"elapsedSeconds"`
	WrapUp         *WrapUpSummary `json:"wrapUp,omitempty"`
}

// FullView is the expanded call detail
type FullView struct {
	Session        *session.CallSession `json:"session"`
	Caller         string               `json:"caller"`
	ElapsedSeconds int                  `json:"elapsedSeconds"`
	WrapUp         *WrapUpSummary       `json:"wrapUp,omitempty"`
}

// WrapUpSummary describes an ended call still on screen
type WrapUpSummary struct {
	EndedAt          time.Time `json:"endedAt"`
	TalkSeconds      int       `json:"talkSeconds"`
	RemainingSeconds int       `json:"remainingSeconds"`
}

// Project renders snap as of now. wrapUp is the auto-close window used for
// the remaining-time countdown.
func Project(snap session.Snapshot, now time.Time, wrapUp time.Duration) View {
	v := View{
		Type:      MessageType,
		Version:   snap.Version,
		Mode:      ModeNone,
		Timestamp: now,
	}

	s := snap.Session
	if s == nil {
		return v
	}

	caller := callerLabel(s)
	summary := wrapUpSummary(s, now, wrapUp)

	switch {
	case !snap.Visible && s.State == session.StateRinging:
		v.Mode = ModeToast
		v.Toast = &Toast{
			SessionID:   s.SessionID,
			Caller:      caller,
			PhoneNumber: s.PhoneNumber,
			Direction:   s.Direction,
		}
		if s.Counterparty != nil {
			v.Toast.AvatarURL = s.Counterparty.AvatarURL
		}

	case snap.Visible && snap.Minimized:
		v.Mode = ModeMiniBar
		v.MiniBar = &MiniBar{
			SessionID:      s.SessionID,
			Caller:         caller,
			State:          s.State,
			ElapsedSeconds: elapsed(s, now),
			WrapUp:         summary,
		}

	case snap.Visible:
		v.Mode = ModeFull
		v.Full = &FullView{
			Session:        s,
			Caller:         caller,
			ElapsedSeconds: elapsed(s, now),
			WrapUp:         summary,
		}
	}

	return v
}

func callerLabel(s *session.CallSession) string {
	if s.Counterparty != nil && s.Counterparty.Name != "" {
		return s.Counterparty.Name
	}
	if s.PhoneNumber != "" {
		return formatPhone(s.PhoneNumber)
	}
	return "Unknown caller"
}

// formatPhone renders a 10-digit number as (555) 010-2000
func formatPhone(digits string) string {
	if len(digits) != 10 {
		return digits
	}
	return "(" + digits[:3] + ") " + digits[3:6] + "-" + digits[6:]
}

// elapsed counts talk time from answer, frozen at end
func elapsed(s *session.CallSession, now time.Time) int {
	if s.AnsweredAt == nil {
		return 0
	}
	until := now
	if s.EndedAt != nil {
		until = *s.EndedAt
	}
	d := until.Sub(*s.AnsweredAt)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

func wrapUpSummary(s *session.CallSession, now time.Time, wrapUp time.Duration) *WrapUpSummary {
	if s.State != session.StateEnded || s.EndedAt == nil {
		return nil
	}
	remaining := wrapUp - now.Sub(*s.EndedAt)
	if remaining < 0 {
		remaining = 0
	}
	return &WrapUpSummary{
		EndedAt:          *s.EndedAt,
		TalkSeconds:      elapsed(s, now),
		RemainingSeconds: int((remaining + time.Second - 1) / time.Second),
	}
}

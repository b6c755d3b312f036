package upstream

import (
	"strings"
	"time"
)

// CallRecord is the authoritative record for a call as kept by the call log service
type CallRecord struct {
	SessionID  string     `json:"sessionId"`
	ExternalID string     `json:"externalId,omitempty"`
	Status     string     `json:"status"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
}

// terminalStatuses are record statuses that mean the call is over
var terminalStatuses = map[string]bool{
	"completed": true,
	"ended":     true,
	"missed":    true,
	"no_answer": true,
	"busy":      true,
	"failed":    true,
	"canceled":  true,
	"cancelled": true,
	"voicemail": true,
}

// Terminal reports whether the record says the call has finished
func (r CallRecord) Terminal() bool {
	if r.EndedAt != nil && !r.EndedAt.IsZero() {
		return true
	}
	return IsTerminalStatus(r.Status)
}

// InProgress reports whether the record says the call was answered and is live
func (r CallRecord) InProgress() bool {
	switch normalizeStatus(r.Status) {
	case "in_progress", "answered", "connected", "active":
		return true
	}
	return false
}

// IsTerminalStatus reports whether status names a finished call
func IsTerminalStatus(status string) bool {
	return terminalStatuses[normalizeStatus(status)]
}

func normalizeStatus(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("-", "_", " ", "_").Replace(s)
}

// Presence is the coarse phone-system status for an extension
type Presence struct {
	Extension string `json:"extension"`
	Status    string `json:"status"`
	OnCall    bool   `json:"onCall"`
}

// CallDescriptor describes a call the detection endpoint found
type CallDescriptor struct {
	SessionID   string `json:"sessionId"`
	ExternalID  string `json:"externalId,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	Direction   string `json:"direction,omitempty"`
	Extension   string `json:"extension,omitempty"`
	Status      string `json:"status,omitempty"`
}

// Detection is the answer from the new-call detection endpoint
type Detection struct {
	OnCall bool            `json:"onCall"`
	Call   *CallDescriptor `json:"call,omitempty"`
}

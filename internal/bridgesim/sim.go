// Package bridgesim is a development stand-in for the telephony bridge and the
// console's REST collaborators. It keeps an in-memory call table, pushes call
// events to subscribed websocket clients and answers the record, presence,
// detection and directory endpoints from the same table.
package bridgesim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/dennisdiepolder/callsync/internal/events"
	"github.com/dennisdiepolder/callsync/internal/session"
	"github.com/dennisdiepolder/callsync/internal/upstream"
)

// Record statuses kept in the call table
const (
	StatusRinging    = "ringing"
	StatusInProgress = "in_progress"
	StatusOnHold     = "on_hold"
	StatusCompleted  = "completed"
	StatusMissed     = "missed"
)

var (
	ErrCallNotFound = errors.New("call not found")
	ErrInvalidState = errors.New("invalid call state")
)

// Call is one simulated call
type Call struct {
	SessionID   string     `json:"sessionId"`
	ExternalID  string     `json:"externalId"`
	PhoneNumber string     `json:"phoneNumber"`
	Direction   string     `json:"direction"`
	Extension   string     `json:"extension"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
}

func (c *Call) live() bool {
	switch c.Status {
	case StatusRinging, StatusInProgress, StatusOnHold:
		return true
	}
	return false
}

func (c *Call) record() upstream.CallRecord {
	return upstream.CallRecord{
		SessionID:  c.SessionID,
		ExternalID: c.ExternalID,
		Status:     c.Status,
		EndedAt:    c.EndedAt,
	}
}

// StartRequest describes a call to start
type StartRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Direction   string `json:"direction"`
	Extension   string `json:"extension"`
	// Silent skips the push event so only the pollers can discover the call
	Silent bool `json:"silent"`
}

// RecordMirror receives every call record change, e.g. a DynamoDB table
type RecordMirror interface {
	PutCallRecord(ctx context.Context, rec upstream.CallRecord) error
}

// Publisher fans push messages out to subscribers
type Publisher interface {
	Publish(msg events.PushMessage)
}

// Sim holds the simulated call table and directory
type Sim struct {
	mu        sync.RWMutex
	calls     map[string]*Call
	agents    map[string]session.Identity
	customers map[string]session.Identity

	defaultExtension string
	push             Publisher
	mirror           RecordMirror
	clock            clockwork.Clock
	logger           zerolog.Logger
}

// New creates a simulator. defaultExtension is used for calls started
// without one.
func New(defaultExtension string, push Publisher, clock clockwork.Clock, logger zerolog.Logger) *Sim {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Sim{
		calls: make(map[string]*Call),
		agents: map[string]session.Identity{
			"201": {Name: "Alex Rivera", Kind: "agent", Reference: "agent-201"},
			"202": {Name: "Sam Okafor", Kind: "agent", Reference: "agent-202"},
			"204": {Name: "Jordan Lee", Kind: "agent", Reference: "agent-204"},
		},
		customers: map[string]session.Identity{
			"5550102000": {Name: "Dana Customer", Kind: "customer", Reference: "crm-1001"},
			"5550104477": {Name: "Northwind Traders", Kind: "customer", Reference: "crm-1002"},
		},
		defaultExtension: defaultExtension,
		push:             push,
		clock:            clock,
		logger:           logger.With().Str("component", "bridgesim").Logger(),
	}
}

// SetMirror mirrors call records into m
func (s *Sim) SetMirror(m RecordMirror) {
	s.mirror = m
}

// AddCustomer registers a directory entry for a phone number
func (s *Sim) AddCustomer(phone string, id session.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[session.NormalizePhone(phone)] = id
}

// StartCall creates a ringing call and announces it
func (s *Sim) StartCall(req StartRequest) (Call, error) {
	ext := strings.TrimSpace(req.Extension)
	if ext == "" {
		ext = s.defaultExtension
	}
	phone := session.NormalizePhone(req.PhoneNumber)
	if phone == "" {
		return Call{}, fmt.Errorf("%w: phoneNumber is required", ErrInvalidState)
	}

	call := &Call{
		SessionID:   uuid.NewString(),
		ExternalID:  "br-" + uuid.NewString()[:8],
		PhoneNumber: phone,
		Direction:   string(session.ParseDirection(req.Direction)),
		Extension:   ext,
		Status:      StatusRinging,
		StartedAt:   s.clock.Now(),
	}

	s.mu.Lock()
	s.calls[call.SessionID] = call
	out := *call
	s.mu.Unlock()

	s.logger.Info().
		Str("session_id", out.SessionID).
		Str("phone", out.PhoneNumber).
		Str("extension", out.Extension).
		Bool("silent", req.Silent).
		Msg("call started")

	s.mirrorRecord(out)
	if !req.Silent {
		s.publish(events.TypeCallRinging, out, "")
	}
	return out, nil
}

// Answer moves a ringing call to in progress
func (s *Sim) Answer(id string) (Call, error) {
	call, err := s.transition(id, func(c *Call) error {
		if c.Status != StatusRinging {
			return ErrInvalidState
		}
		c.Status = StatusInProgress
		return nil
	})
	if err == nil {
		s.publish(events.TypeCallAnswered, call, "")
	}
	return call, err
}

// Hold puts an in-progress call on hold
func (s *Sim) Hold(id string) (Call, error) {
	call, err := s.transition(id, func(c *Call) error {
		if c.Status != StatusInProgress {
			return ErrInvalidState
		}
		c.Status = StatusOnHold
		return nil
	})
	if err == nil {
		s.publish(events.TypeCallUpdated, call, "on_hold")
	}
	return call, err
}

// Resume takes a call off hold
func (s *Sim) Resume(id string) (Call, error) {
	call, err := s.transition(id, func(c *Call) error {
		if c.Status != StatusOnHold {
			return ErrInvalidState
		}
		c.Status = StatusInProgress
		return nil
	})
	if err == nil {
		s.publish(events.TypeCallUpdated, call, "resumed")
	}
	return call, err
}

// End finishes a call and announces it
func (s *Sim) End(id string) (Call, error) {
	call, err := s.end(id)
	if err == nil {
		s.publish(events.TypeCallEnded, call, "")
	}
	return call, err
}

// DropPush finishes a call without announcing it, leaving the pollers to notice
func (s *Sim) DropPush(id string) (Call, error) {
	return s.end(id)
}

func (s *Sim) end(id string) (Call, error) {
	return s.transition(id, func(c *Call) error {
		if !c.live() {
			return ErrInvalidState
		}
		now := s.clock.Now()
		c.EndedAt = &now
		if c.Status == StatusRinging {
			c.Status = StatusMissed
		} else {
			c.Status = StatusCompleted
		}
		return nil
	})
}

func (s *Sim) transition(id string, fn func(*Call) error) (Call, error) {
	s.mu.Lock()
	call, ok := s.calls[id]
	if !ok {
		s.mu.Unlock()
		return Call{}, ErrCallNotFound
	}
	from := call.Status
	if err := fn(call); err != nil {
		s.mu.Unlock()
		return *call, fmt.Errorf("%w: call is %s", err, from)
	}
	out := *call
	s.mu.Unlock()

	s.logger.Info().Str("session_id", id).Str("from", from).Str("to", out.Status).Msg("call transitioned")
	s.mirrorRecord(out)
	return out, nil
}

// Calls lists every call, newest first
func (s *Sim) Calls() []Call {
	s.mu.RLock()
	out := make([]Call, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, *c)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Record returns the authoritative record for a call
func (s *Sim) Record(id string) (upstream.CallRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.calls[id]
	if !ok {
		return upstream.CallRecord{}, false
	}
	return c.record(), true
}

// liveCall returns the live call on ext, if any
func (s *Sim) liveCall(ext string) (Call, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.calls {
		if c.Extension == ext && c.live() {
			return *c, true
		}
	}
	return Call{}, false
}

// Presence derives the phone-system status of an extension from the table
func (s *Sim) Presence(ext string) upstream.Presence {
	p := upstream.Presence{Extension: ext, Status: "available"}
	if c, ok := s.liveCall(ext); ok {
		p.OnCall = true
		p.Status = "on_call"
		if c.Status == StatusRinging {
			p.Status = "ringing"
		}
	}
	return p
}

// Detect answers the new-call detection endpoint
func (s *Sim) Detect(ext string) upstream.Detection {
	c, ok := s.liveCall(ext)
	if !ok {
		return upstream.Detection{}
	}
	return upstream.Detection{
		OnCall: true,
		Call: &upstream.CallDescriptor{
			SessionID:   c.SessionID,
			ExternalID:  c.ExternalID,
			PhoneNumber: c.PhoneNumber,
			Direction:   c.Direction,
			Extension:   c.Extension,
			Status:      c.Status,
		},
	}
}

// LookupExtension resolves an agent extension
func (s *Sim) LookupExtension(ext string) (session.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.agents[ext]
	return id, ok
}

// LookupPhone resolves a customer phone number
func (s *Sim) LookupPhone(phone string) (session.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.customers[session.NormalizePhone(phone)]
	return id, ok
}

func (s *Sim) publish(kind string, c Call, status string) {
	if s.push == nil {
		return
	}
	ts := s.clock.Now()
	msg := events.PushMessage{
		Type:        kind,
		SessionID:   c.SessionID,
		ExternalID:  c.ExternalID,
		PhoneNumber: c.PhoneNumber,
		Direction:   c.Direction,
		Extension:   c.Extension,
		Status:      status,
		Timestamp:   &ts,
	}
	s.push.Publish(msg)
}

func (s *Sim) mirrorRecord(c Call) {
	if s.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.mirror.PutCallRecord(ctx, c.record()); err != nil {
		s.logger.Warn().Err(err).Str("session_id", c.SessionID).Msg("failed to mirror call record")
	}
}

// Package reconciler is the single writer of canonical call state. Every
// producer (push channel, pollers, wrap-up timer, user actions, identity
// lookups) posts into one inbox; one goroutine applies them in arrival order.
package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/dennisdiepolder/callsync/internal/events"
	"github.com/dennisdiepolder/callsync/internal/metrics"
	"github.com/dennisdiepolder/callsync/internal/poller"
	"github.com/dennisdiepolder/callsync/internal/session"
)

// ErrStopped is returned for actions posted after the loop exited
var ErrStopped = errors.New("reconciler: stopped")

const (
	// DefaultWrapUp is how long an ended call stays on screen
	DefaultWrapUp = 30 * time.Second

	defaultInboxSize = 256
)

// StatusPolling starts a status poll loop bound to one session
type StatusPolling interface {
	Start(ctx context.Context, target poller.Target) poller.StatusHandle
}

// NewCallPolling starts a detection loop for the agent's extension
type NewCallPolling interface {
	Start(ctx context.Context, extension string) poller.Handle
}

// IdentityResolver resolves counterparty identities
type IdentityResolver interface {
	ResolvePhone(ctx context.Context, phone string) (*session.Identity, error)
	ResolveExtension(ctx context.Context, extension string) (*session.Identity, error)
}

// Config holds reconciler settings
type Config struct {
	WrapUp         time.Duration
	AgentExtension string
	InboxSize      int
}

// Reconciler owns the call session state machine
type Reconciler struct {
	store    *session.Store
	clock    clockwork.Clock
	wrapUp   time.Duration
	status   StatusPolling
	newCall  NewCallPolling
	identity IdentityResolver
	logger   zerolog.Logger

	inbox chan message
	done  chan struct{}

	// Owned by the loop goroutine
	ctx            context.Context
	generation     uint64
	agentExtension string
	wrapTimer      clockwork.Timer
	statusRun      poller.StatusHandle
	statusGen      uint64
	newCallRun     poller.Handle
	newCallExt     string
}

type message interface{}

type eventMsg struct {
	ev events.Event
}

type actionMsg struct {
	action Action
	value  string
	reply  chan session.Snapshot
}

type wrapUpExpired struct {
	sessionID  string
	generation uint64
}

type identityResolved struct {
	sessionID  string
	generation uint64
	identity   *session.Identity
}

// New creates a reconciler writing to store. Any of the pollers or the
// resolver may be nil.
func New(cfg Config, store *session.Store, status StatusPolling, newCall NewCallPolling, identity IdentityResolver, clock clockwork.Clock, logger zerolog.Logger) *Reconciler {
	if cfg.WrapUp <= 0 {
		cfg.WrapUp = DefaultWrapUp
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = defaultInboxSize
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Reconciler{
		store:          store,
		clock:          clock,
		wrapUp:         cfg.WrapUp,
		status:         status,
		newCall:        newCall,
		identity:       identity,
		logger:         logger.With().Str("component", "reconciler").Logger(),
		inbox:          make(chan message, cfg.InboxSize),
		done:           make(chan struct{}),
		ctx:            context.Background(),
		agentExtension: cfg.AgentExtension,
	}
}

// SetPollers wires the pollers after construction. The pollers submit back
// into the reconciler, so they are usually built after it. Must be called
// before Run.
func (r *Reconciler) SetPollers(status StatusPolling, newCall NewCallPolling) {
	r.status = status
	r.newCall = newCall
}

// Snapshot returns the current canonical state
func (r *Reconciler) Snapshot() session.Snapshot {
	return r.store.Snapshot()
}

// Run processes the inbox until ctx is cancelled. It must be called once.
func (r *Reconciler) Run(ctx context.Context) error {
	r.ctx = ctx
	defer close(r.done)
	defer r.shutdown()

	r.logger.Info().
		Str("agent_extension", r.agentExtension).
		Dur("wrap_up", r.wrapUp).
		Msg("reconciler started")

	r.syncPollers()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("reconciler stopped")
			return nil
		case m := <-r.inbox:
			r.handle(m)
			r.syncPollers()
		}
	}
}

// Submit hands a normalized event to the loop. Internal extension-to-extension
// traffic is dropped here and never reaches the state machine.
func (r *Reconciler) Submit(ev events.Event) {
	metrics.Get().RecordEventReceived(string(ev.Source))
	if ev.Internal() {
		metrics.Get().RecordEventInternal()
		r.logger.Debug().
			Str("source", string(ev.Source)).
			Str("from", ev.FromExtension).
			Str("to", ev.ToExtension).
			Msg("dropping internal line event")
		return
	}
	r.post(eventMsg{ev: ev})
}

func (r *Reconciler) post(m message) bool {
	select {
	case r.inbox <- m:
		return true
	case <-r.done:
		return false
	}
}

func (r *Reconciler) handle(m message) {
	switch m := m.(type) {
	case eventMsg:
		r.apply(m.ev)
	case actionMsg:
		snap := r.applyAction(m.action, m.value)
		if m.reply != nil {
			m.reply <- snap
		}
	case wrapUpExpired:
		r.expire(m)
	case identityResolved:
		r.mergeIdentity(m)
	}
}

func (r *Reconciler) apply(ev events.Event) {
	cur := r.store.Snapshot().Session
	log := r.logger.With().
		Str("kind", string(ev.Kind)).
		Str("source", string(ev.Source)).
		Str("event_session_id", ev.SessionID).
		Logger()

	if cur == nil {
		if ev.Kind == events.KindNewCall && !ev.Bound() {
			r.create(ev)
			return
		}
		r.ignore(ev, "no session")
		return
	}

	var rule MatchRule
	if ev.Bound() {
		// Poll results only ever apply to the binding they were issued for
		if ev.SessionID != cur.SessionID || ev.Generation != r.generation {
			r.ignore(ev, "stale poll result")
			return
		}
		rule = MatchSessionID
	} else {
		var ok bool
		rule, ok = Match(ev, cur)
		if !ok {
			if ev.Kind == events.KindNewCall && r.staleEnded(cur) && !r.foreign(ev) {
				r.destroy("wrap_up_elapsed")
				r.create(ev)
				return
			}
			r.ignore(ev, "no match")
			return
		}
	}

	log.Debug().Str("rule", rule.String()).Str("state", string(cur.State)).Msg("event matched session")

	if ev.Authoritative() && r.statusRun != nil {
		r.statusRun.ResetConfirmation()
	}

	// An ended session keeps the slot until its wrap-up window passes
	if cur.State == session.StateEnded {
		if ev.Kind == events.KindNewCall && r.staleEnded(cur) && !r.foreign(ev) {
			r.destroy("wrap_up_elapsed")
			r.create(ev)
			return
		}
		r.ignore(ev, "session ended")
		return
	}

	if ext := attachableExternalID(ev, rule, cur); ext != "" {
		r.store.Update(func(s *session.Snapshot) {
			s.Session.ExternalID = ext
		})
		log.Debug().Str("external_id", ext).Msg("attached external id")
	}

	switch ev.Kind {
	case events.KindNewCall:
		if ev.Phase == session.StateConnected && cur.State == session.StateRinging {
			r.answer(ev)
			return
		}
	case events.KindStatus:
		if r.applyStatus(ev, cur) {
			return
		}
	case events.KindEnded:
		if cur.State == session.StateRinging {
			r.destroy(reasonOr(ev.Reason, "missed"))
			return
		}
		r.end(ev)
		return
	case events.KindGone:
		r.destroy(reasonOr(ev.Reason, "record_gone"))
		return
	}

	r.ignore(ev, "duplicate")
}

// applyStatus applies a live status change and reports whether it was accepted
func (r *Reconciler) applyStatus(ev events.Event, cur *session.CallSession) bool {
	switch ev.Status {
	case events.StatusConnected:
		if cur.State == session.StateRinging {
			r.answer(ev)
			return true
		}
		// A record that says in progress does not take a call off hold
		if cur.State == session.StateOnHold && !ev.Bound() {
			r.transition(ev, session.StateConnected)
			return true
		}
	case events.StatusOnHold:
		if cur.State == session.StateConnected {
			r.transition(ev, session.StateOnHold)
			return true
		}
	case events.StatusWrapUp:
		if cur.State == session.StateConnected || cur.State == session.StateOnHold {
			r.transition(ev, session.StateWrapUp)
			return true
		}
	}
	return false
}

func (r *Reconciler) create(ev events.Event) {
	if ev.SessionID == "" {
		r.ignore(ev, "new call without session id")
		return
	}
	if r.foreign(ev) {
		r.ignore(ev, "foreign call")
		return
	}

	r.cancelWrapUp()
	r.generation++
	gen := r.generation
	now := r.clock.Now()

	state := ev.Phase
	if state != session.StateConnected {
		state = session.StateRinging
	}
	ext := ev.Extension
	if ext == "" {
		ext = r.agentExtension
	}

	sess := &session.CallSession{
		SessionID:   ev.SessionID,
		ExternalID:  ev.ExternalID,
		PhoneNumber: ev.PhoneNumber,
		Direction:   ev.Direction,
		Extension:   ext,
		State:       state,
		StartedAt:   now,
		Source:      string(ev.Source),
	}
	if state == session.StateConnected {
		sess.AnsweredAt = &now
	}

	r.store.Update(func(s *session.Snapshot) {
		s.Session = sess
		s.Visible = state != session.StateRinging
		s.Minimized = false
	})

	metrics.Get().RecordSessionCreated()
	metrics.Get().RecordEventAccepted(string(ev.Kind))
	metrics.Get().RecordTransition(string(state))
	r.logger.Info().
		Str("session_id", sess.SessionID).
		Str("state", string(state)).
		Str("direction", string(sess.Direction)).
		Str("extension", sess.Extension).
		Str("source", string(ev.Source)).
		Uint64("generation", gen).
		Msg("call session created")

	r.resolveIdentity(sess.Clone(), gen)
}

// answer moves a ringing session to connected and brings up the full view
func (r *Reconciler) answer(ev events.Event) {
	r.cancelWrapUp()
	now := r.clock.Now()
	r.store.Update(func(s *session.Snapshot) {
		s.Session.State = session.StateConnected
		if s.Session.AnsweredAt == nil {
			s.Session.AnsweredAt = &now
		}
		s.Visible = true
		s.Minimized = false
	})
	r.accepted(ev, session.StateConnected)
}

func (r *Reconciler) transition(ev events.Event, to session.State) {
	r.cancelWrapUp()
	r.store.Update(func(s *session.Snapshot) {
		s.Session.State = to
	})
	r.accepted(ev, to)
}

// end enters wrap-up and arms the auto-close timer
func (r *Reconciler) end(ev events.Event) {
	r.cancelWrapUp()
	now := r.clock.Now()
	snap := r.store.Update(func(s *session.Snapshot) {
		s.Session.State = session.StateEnded
		s.Session.EndedAt = &now
	})

	sessionID, gen := snap.Session.SessionID, r.generation
	r.wrapTimer = r.clock.AfterFunc(r.wrapUp, func() {
		r.post(wrapUpExpired{sessionID: sessionID, generation: gen})
	})
	r.accepted(ev, session.StateEnded)
}

func (r *Reconciler) expire(m wrapUpExpired) {
	cur := r.store.Snapshot().Session
	if cur == nil || cur.SessionID != m.sessionID || r.generation != m.generation || cur.State != session.StateEnded {
		return
	}
	r.wrapTimer = nil
	r.destroy("wrap_up_elapsed")
}

// destroy clears the slot. It is the only way back to no session.
func (r *Reconciler) destroy(reason string) {
	r.cancelWrapUp()
	var sessionID string
	r.store.Update(func(s *session.Snapshot) {
		if s.Session != nil {
			sessionID = s.Session.SessionID
		}
		s.Session = nil
		s.Visible = false
		s.Minimized = false
	})
	if sessionID == "" {
		return
	}
	metrics.Get().RecordSessionDestroyed()
	r.logger.Info().Str("session_id", sessionID).Str("reason", reason).Msg("call session cleared")
}

func (r *Reconciler) cancelWrapUp() {
	if r.wrapTimer != nil {
		r.wrapTimer.Stop()
		r.wrapTimer = nil
	}
}

// foreign reports a call on another agent's line. Events without an
// extension, or received before the agent extension is known, are kept.
func (r *Reconciler) foreign(ev events.Event) bool {
	return r.agentExtension != "" && ev.Extension != "" && ev.Extension != r.agentExtension
}

// staleEnded reports an ended session whose wrap-up window already passed
// but whose expiry has not been processed yet.
func (r *Reconciler) staleEnded(cur *session.CallSession) bool {
	return cur.State == session.StateEnded && cur.EndedAt != nil && r.clock.Since(*cur.EndedAt) >= r.wrapUp
}

func (r *Reconciler) accepted(ev events.Event, to session.State) {
	metrics.Get().RecordEventAccepted(string(ev.Kind))
	metrics.Get().RecordTransition(string(to))
	r.logger.Info().
		Str("session_id", r.currentID()).
		Str("state", string(to)).
		Str("source", string(ev.Source)).
		Str("reason", ev.Reason).
		Msg("call session transition")
}

func (r *Reconciler) ignore(ev events.Event, why string) {
	metrics.Get().RecordEventIgnored(string(ev.Kind))
	r.logger.Debug().
		Str("kind", string(ev.Kind)).
		Str("source", string(ev.Source)).
		Str("event_session_id", ev.SessionID).
		Str("why", why).
		Msg("event ignored")
}

func (r *Reconciler) currentID() string {
	if cur := r.store.Snapshot().Session; cur != nil {
		return cur.SessionID
	}
	return ""
}

// resolveIdentity looks up the counterparty off the loop and posts the
// result back tagged with the binding it was issued for.
func (r *Reconciler) resolveIdentity(sess *session.CallSession, gen uint64) {
	if r.identity == nil || sess.PhoneNumber == "" {
		return
	}
	ctx := r.ctx
	go func() {
		var (
			id  *session.Identity
			err error
		)
		if events.IsInternalExtension(sess.PhoneNumber) {
			id, err = r.identity.ResolveExtension(ctx, sess.PhoneNumber)
		} else {
			id, err = r.identity.ResolvePhone(ctx, sess.PhoneNumber)
		}
		if err != nil {
			r.logger.Debug().Err(err).Str("session_id", sess.SessionID).Msg("counterparty lookup failed")
			return
		}
		if id == nil {
			return
		}
		r.post(identityResolved{sessionID: sess.SessionID, generation: gen, identity: id})
	}()
}

// mergeIdentity is not a transition; it leaves timers alone
func (r *Reconciler) mergeIdentity(m identityResolved) {
	cur := r.store.Snapshot().Session
	if cur == nil || cur.SessionID != m.sessionID || r.generation != m.generation {
		r.logger.Debug().Str("session_id", m.sessionID).Msg("discarding identity for stale session")
		return
	}
	r.store.Update(func(s *session.Snapshot) {
		s.Session.Counterparty = m.identity
	})
}

// syncPollers starts and stops the pollers at each transition boundary. The
// status poller runs only while a live session exists, the new-call poller
// only while none does; stops always happen before starts.
func (r *Reconciler) syncPollers() {
	cur := r.store.Snapshot().Session

	wantStatus := cur != nil && cur.State.Live()
	if r.statusRun != nil && (!wantStatus || r.statusGen != r.generation) {
		r.statusRun.Stop()
		r.statusRun = nil
	}

	wantNewCall := cur == nil && r.agentExtension != ""
	if r.newCallRun != nil && (!wantNewCall || r.newCallExt != r.agentExtension) {
		r.newCallRun.Stop()
		r.newCallRun = nil
	}

	if wantStatus && r.statusRun == nil && r.status != nil {
		ext := cur.Extension
		if ext == "" {
			ext = r.agentExtension
		}
		r.statusRun = r.status.Start(r.ctx, poller.Target{
			SessionID:  cur.SessionID,
			Extension:  ext,
			Generation: r.generation,
		})
		r.statusGen = r.generation
	}

	if wantNewCall && r.newCallRun == nil && r.newCall != nil {
		r.newCallRun = r.newCall.Start(r.ctx, r.agentExtension)
		r.newCallExt = r.agentExtension
	}
}

func (r *Reconciler) shutdown() {
	r.cancelWrapUp()
	if r.statusRun != nil {
		r.statusRun.Stop()
		r.statusRun = nil
	}
	if r.newCallRun != nil {
		r.newCallRun.Stop()
		r.newCallRun = nil
	}
}

func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}

package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dennisdiepolder/callsync/internal/events"
	"github.com/dennisdiepolder/callsync/internal/poller"
	"github.com/dennisdiepolder/callsync/internal/session"
)

type fakeStatusHandle struct {
	target  poller.Target
	stopped bool
	resets  int
}

func (h *fakeStatusHandle) Stop()              { h.stopped = true }
func (h *fakeStatusHandle) ResetConfirmation() { h.resets++ }

type fakeStatusPolling struct {
	handles []*fakeStatusHandle
}

func (f *fakeStatusPolling) Start(ctx context.Context, target poller.Target) poller.StatusHandle {
	h := &fakeStatusHandle{target: target}
	f.handles = append(f.handles, h)
	return h
}

func (f *fakeStatusPolling) running() *fakeStatusHandle {
	for _, h := range f.handles {
		if !h.stopped {
			return h
		}
	}
	return nil
}

type fakeNewCallHandle struct {
	extension string
	stopped   bool
}

func (h *fakeNewCallHandle) Stop() { h.stopped = true }

type fakeNewCallPolling struct {
	handles []*fakeNewCallHandle
}

func (f *fakeNewCallPolling) Start(ctx context.Context, extension string) poller.Handle {
	h := &fakeNewCallHandle{extension: extension}
	f.handles = append(f.handles, h)
	return h
}

func (f *fakeNewCallPolling) running() *fakeNewCallHandle {
	for _, h := range f.handles {
		if !h.stopped {
			return h
		}
	}
	return nil
}

// gatedIdentity answers every lookup with one identity once the gate opens
type gatedIdentity struct {
	identity *session.Identity
	gate     chan struct{}
}

func (g gatedIdentity) ResolvePhone(ctx context.Context, phone string) (*session.Identity, error) {
	<-g.gate
	return g.identity.Clone(), nil
}

func (g gatedIdentity) ResolveExtension(ctx context.Context, extension string) (*session.Identity, error) {
	<-g.gate
	return g.identity.Clone(), nil
}

type harness struct {
	r       *Reconciler
	store   *session.Store
	clock   *clockwork.FakeClock
	status  *fakeStatusPolling
	newCall *fakeNewCallPolling
}

func newHarness(t *testing.T, identity IdentityResolver) *harness {
	t.Helper()
	h := &harness{
		store:   session.NewStore(),
		clock:   clockwork.NewFakeClock(),
		status:  &fakeStatusPolling{},
		newCall: &fakeNewCallPolling{},
	}
	h.r = New(Config{WrapUp: 30 * time.Second, AgentExtension: "100"}, h.store, h.status, h.newCall, identity, h.clock, zerolog.Nop())
	h.r.syncPollers()
	return h
}

// submit feeds events through the public intake and runs the loop body for
// everything that was queued.
func (h *harness) submit(evs ...events.Event) {
	for _, ev := range evs {
		h.r.Submit(ev)
	}
	h.drain()
}

func (h *harness) drain() {
	for {
		select {
		case m := <-h.r.inbox:
			h.r.handle(m)
			h.r.syncPollers()
		default:
			return
		}
	}
}

// next waits for one message posted from another goroutine (timer, lookup)
func (h *harness) next(t *testing.T) {
	t.Helper()
	select {
	case m := <-h.r.inbox:
		h.r.handle(m)
		h.r.syncPollers()
	case <-time.After(2 * time.Second):
		t.Fatal("expected a message in the inbox")
	}
}

func (h *harness) expectQuiet(t *testing.T) {
	t.Helper()
	select {
	case m := <-h.r.inbox:
		t.Fatalf("unexpected message %#v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func (h *harness) current() *session.CallSession {
	return h.store.Snapshot().Session
}

func ringing(id, ext, phone string) events.Event {
	return events.Event{Kind: events.KindNewCall, Source: events.SourcePush, SessionID: id, Extension: ext, PhoneNumber: phone, Phase: session.StateRinging}
}

func started(id, ext, phone string) events.Event {
	return events.Event{Kind: events.KindNewCall, Source: events.SourcePush, SessionID: id, Extension: ext, PhoneNumber: phone, Phase: session.StateConnected}
}

func status(id, st string) events.Event {
	return events.Event{Kind: events.KindStatus, Source: events.SourcePush, SessionID: id, Status: st}
}

func ended(id string) events.Event {
	return events.Event{Kind: events.KindEnded, Source: events.SourcePush, SessionID: id}
}

func TestRingingThenAnswerIsConnected(t *testing.T) {
	h := newHarness(t, nil)

	h.submit(ringing("A", "100", "5550102000"))
	cur := h.current()
	require.NotNil(t, cur)
	assert.Equal(t, session.StateRinging, cur.State)
	assert.False(t, h.store.Snapshot().Visible, "ringing shows a toast, not the full view")

	h.submit(status("A", events.StatusConnected))

	snap := h.store.Snapshot()
	require.NotNil(t, snap.Session)
	assert.Equal(t, "A", snap.Session.SessionID)
	assert.Equal(t, session.StateConnected, snap.Session.State)
	assert.NotNil(t, snap.Session.AnsweredAt)
	assert.True(t, snap.Visible)
	assert.False(t, snap.Minimized)
}

func TestStartedForRingingSessionAnswersInPlace(t *testing.T) {
	h := newHarness(t, nil)

	h.submit(ringing("A", "100", "5550102000"), started("A", "100", "5550102000"))

	cur := h.current()
	require.NotNil(t, cur)
	assert.Equal(t, session.StateConnected, cur.State)
	assert.Equal(t, uint64(1), h.r.generation, "dedupe must not create a second session")
}

func TestEndWhileRingingClearsImmediately(t *testing.T) {
	h := newHarness(t, nil)

	h.submit(ringing("A", "100", ""), ended("A"))

	assert.Nil(t, h.current())
	assert.Nil(t, h.r.wrapTimer, "a missed call never enters wrap-up")

	h.clock.Advance(time.Minute)
	h.expectQuiet(t)
}

func TestEndedClearsAfterWrapUp(t *testing.T) {
	h := newHarness(t, nil)

	h.submit(started("A", "100", "5550102000"), ended("A"))

	cur := h.current()
	require.NotNil(t, cur)
	assert.Equal(t, session.StateEnded, cur.State)
	require.NotNil(t, cur.EndedAt)
	require.NotNil(t, h.r.wrapTimer)

	h.clock.Advance(29 * time.Second)
	h.expectQuiet(t)
	assert.NotNil(t, h.current())

	h.clock.Advance(time.Second)
	h.next(t)
	assert.Nil(t, h.current())
	assert.Nil(t, h.r.wrapTimer)
}

func TestDismissDuringWrapUpClearsAndCancelsTimer(t *testing.T) {
	h := newHarness(t, nil)

	h.submit(started("A", "100", ""), ended("A"))
	require.NotNil(t, h.r.wrapTimer)

	snap := h.r.applyAction(ActionClose, "")
	assert.Nil(t, snap.Session)
	assert.False(t, snap.Visible)
	assert.Nil(t, h.r.wrapTimer)

	h.clock.Advance(time.Minute)
	h.expectQuiet(t)
}

func TestDuplicateEventsAreNoOps(t *testing.T) {
	h := newHarness(t, nil)

	h.submit(started("A", "100", "5550102000"))
	before := h.store.Snapshot().Version

	h.submit(started("A", "100", "5550102000"), status("A", events.StatusConnected))
	assert.Equal(t, before, h.store.Snapshot().Version, "duplicates must not touch state")

	h.submit(ended("A"))
	timer := h.r.wrapTimer
	before = h.store.Snapshot().Version

	h.submit(ended("A"), events.RecordEnded("A", h.r.generation, events.ReasonRecordTerminal, h.clock.Now()))
	assert.Equal(t, before, h.store.Snapshot().Version)
	assert.Same(t, timer, h.r.wrapTimer, "repeated terminal signals must not restart the wrap-up timer")
}

func TestAtMostOneSession(t *testing.T) {
	h := newHarness(t, nil)

	h.submit(
		ringing("A", "100", "5550102000"),
		ringing("B", "200", "5550103000"),
		started("C", "300", "5550104000"),
	)

	cur := h.current()
	require.NotNil(t, cur)
	assert.Equal(t, "A", cur.SessionID)
	assert.Equal(t, uint64(1), h.r.generation)
}

func TestForeignCallsDoNotTakeTheSlot(t *testing.T) {
	h := newHarness(t, nil)

	h.submit(started("OTHER", "205", "5550109000"))
	assert.Nil(t, h.current(), "another agent's call must not create a session")
	require.NotNil(t, h.newCall.running(), "detection keeps running while idle")
	assert.Len(t, h.newCall.handles, 1)

	h.submit(ringing("MINE", "100", "5550102000"))
	cur := h.current()
	require.NotNil(t, cur)
	assert.Equal(t, "MINE", cur.SessionID)
	assert.Equal(t, "100", cur.Extension)

	// No extension on the event: the agent's own line is assumed
	h.submit(ended("MINE"))
	require.Nil(t, h.current())
	h.submit(ringing("ANON", "", "5550103000"))
	require.NotNil(t, h.current())
	assert.Equal(t, "ANON", h.current().SessionID)
	assert.Equal(t, "100", h.current().Extension)
}

func TestForeignCallDoesNotReplaceStaleWrapUp(t *testing.T) {
	h := newHarness(t, nil)
	h.submit(started("A", "100", ""), ended("A"))

	h.clock.Advance(30 * time.Second)
	h.r.handle(eventMsg{ev: ringing("OTHER", "205", "5550109000")})
	require.NotNil(t, h.current())
	assert.Equal(t, "A", h.current().SessionID)
}

func TestPhoneMatchRejectedOnConflictingExtension(t *testing.T) {
	h := newHarness(t, nil)
	h.submit(started("A", "100", "5550102000"))

	h.submit(events.Event{Kind: events.KindEnded, Source: events.SourcePush, PhoneNumber: "5550102000", Extension: "200"})
	assert.Equal(t, session.StateConnected, h.current().State)

	h.submit(events.Event{Kind: events.KindEnded, Source: events.SourcePush, PhoneNumber: "5550102000"})
	assert.Equal(t, session.StateEnded, h.current().State)
}

func TestInternalCallsNeverCreateSessions(t *testing.T) {
	h := newHarness(t, nil)

	h.r.Submit(events.Event{Kind: events.KindNewCall, Source: events.SourcePush, SessionID: "I1", FromExtension: "101", ToExtension: "102", Extension: "102", PhoneNumber: "101"})
	assert.Len(t, h.r.inbox, 0, "internal events are filtered before the inbox")

	h.drain()
	assert.Nil(t, h.current())
}

func TestExternalIDAttachedOnceAndUsedForMatching(t *testing.T) {
	h := newHarness(t, nil)
	h.submit(started("A", "100", ""))

	withExt := status("A", events.StatusOnHold)
	withExt.ExternalID = "X-1"
	h.submit(withExt)
	assert.Equal(t, "X-1", h.current().ExternalID)
	assert.Equal(t, session.StateOnHold, h.current().State)

	overwrite := status("A", events.StatusConnected)
	overwrite.ExternalID = "X-2"
	h.submit(overwrite)
	assert.Equal(t, "X-1", h.current().ExternalID, "external id is never overwritten")
	assert.Equal(t, session.StateConnected, h.current().State)

	h.submit(events.Event{Kind: events.KindEnded, Source: events.SourcePush, ExternalID: "X-1"})
	assert.Equal(t, session.StateEnded, h.current().State)
}

func TestEndedSessionOwnsSlotUntilExpiry(t *testing.T) {
	h := newHarness(t, nil)
	h.submit(started("A", "100", ""), ended("A"))

	h.submit(ringing("B", "100", "5550103000"))
	assert.Equal(t, "A", h.current().SessionID, "new calls are rejected during wrap-up")

	h.clock.Advance(30 * time.Second)
	h.next(t)
	assert.Nil(t, h.current())

	h.submit(ringing("B", "100", "5550103000"))
	require.NotNil(t, h.current())
	assert.Equal(t, "B", h.current().SessionID)
}

func TestStaleEndedReplacedBeforeExpiryIsProcessed(t *testing.T) {
	h := newHarness(t, nil)
	h.submit(started("A", "100", ""), ended("A"))

	// The wrap-up window passes but its expiry is still queued behind B
	h.clock.Advance(30 * time.Second)
	h.r.handle(eventMsg{ev: ringing("B", "100", "5550103000")})

	require.NotNil(t, h.current())
	assert.Equal(t, "B", h.current().SessionID)

	// A's expiry arrives late and must not clear B
	h.next(t)
	require.NotNil(t, h.current())
	assert.Equal(t, "B", h.current().SessionID)
}

func TestStalePollResultsAreDiscarded(t *testing.T) {
	h := newHarness(t, nil)

	h.submit(ringing("A", "100", ""), ended("A"))
	oldGen := h.r.generation
	h.submit(started("A", "100", ""))
	require.Equal(t, oldGen+1, h.r.generation)

	h.submit(events.RecordEnded("A", oldGen, events.ReasonPresenceConfirmed, h.clock.Now()))
	assert.Equal(t, session.StateConnected, h.current().State)

	h.submit(events.RecordGone("A", h.r.generation, h.clock.Now()))
	assert.Nil(t, h.current(), "record gone destroys without wrap-up")
	assert.Nil(t, h.r.wrapTimer)
}

func TestRecordInProgressDoesNotResumeHold(t *testing.T) {
	h := newHarness(t, nil)
	h.submit(started("A", "100", ""), status("A", events.StatusOnHold))

	h.submit(events.RecordAnswered("A", h.r.generation, h.clock.Now()))
	assert.Equal(t, session.StateOnHold, h.current().State)

	h.submit(status("A", events.StatusConnected))
	assert.Equal(t, session.StateConnected, h.current().State)
}

func TestWrapUpStatusThenEnd(t *testing.T) {
	h := newHarness(t, nil)
	h.submit(started("A", "100", ""), status("A", events.StatusWrapUp))
	assert.Equal(t, session.StateWrapUp, h.current().State)

	h.submit(ended("A"))
	assert.Equal(t, session.StateEnded, h.current().State)
	assert.NotNil(t, h.r.wrapTimer)
}

func TestPollersFollowSessionLifecycle(t *testing.T) {
	h := newHarness(t, nil)

	nc := h.newCall.running()
	require.NotNil(t, nc, "new-call poller runs while no session exists")
	assert.Equal(t, "100", nc.extension)
	assert.Nil(t, h.status.running())

	h.submit(ringing("A", "100", ""))
	assert.Nil(t, h.newCall.running())
	st := h.status.running()
	require.NotNil(t, st)
	assert.Equal(t, poller.Target{SessionID: "A", Extension: "100", Generation: 1}, st.target)

	h.submit(status("A", events.StatusConnected))
	assert.Same(t, st, h.status.running(), "status poller keeps running across live transitions")

	h.submit(ended("A"))
	assert.Nil(t, h.status.running(), "no poller runs during wrap-up")
	assert.Nil(t, h.newCall.running())

	h.clock.Advance(30 * time.Second)
	h.next(t)
	assert.NotNil(t, h.newCall.running())
	assert.Nil(t, h.status.running())
}

func TestChangingExtensionRestartsDetection(t *testing.T) {
	h := newHarness(t, nil)
	first := h.newCall.running()
	require.NotNil(t, first)

	h.r.applyAction(ActionSetExtension, "205")
	h.r.syncPollers()

	assert.True(t, first.stopped)
	require.NotNil(t, h.newCall.running())
	assert.Equal(t, "205", h.newCall.running().extension)
}

func TestAuthoritativeEventsResetConfirmation(t *testing.T) {
	h := newHarness(t, nil)
	h.submit(started("A", "100", ""))
	st := h.status.running()
	require.NotNil(t, st)

	h.submit(status("A", events.StatusConnected))
	assert.Equal(t, 1, st.resets)

	h.submit(events.RecordAnswered("A", h.r.generation, h.clock.Now()))
	assert.Equal(t, 1, st.resets, "poll results do not reset the counter")
}

func TestIdentityMergedWithoutTransition(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, gatedIdentity{identity: &session.Identity{Name: "Dana Customer", Kind: "customer"}, gate: gate})

	h.submit(started("A", "100", "5550102000"), ended("A"))
	timer := h.r.wrapTimer
	require.NotNil(t, timer)

	close(gate)
	h.next(t)
	cur := h.current()
	require.NotNil(t, cur.Counterparty)
	assert.Equal(t, "Dana Customer", cur.Counterparty.Name)
	assert.Same(t, timer, h.r.wrapTimer, "identity merge must not touch the wrap-up timer")
}

func TestStaleIdentityDiscarded(t *testing.T) {
	h := newHarness(t, nil)
	h.submit(ringing("A", "100", "5550102000"), ended("A"), ringing("B", "100", "5550103000"))

	h.r.handle(identityResolved{sessionID: "A", generation: 1, identity: &session.Identity{Name: "Old Caller"}})
	assert.Nil(t, h.current().Counterparty)
}

func TestPresentationActions(t *testing.T) {
	h := newHarness(t, nil)

	snap := h.r.applyAction(ActionOpen, "")
	assert.Nil(t, snap.Session)
	assert.False(t, snap.Visible, "open without a session does nothing")

	h.submit(ringing("A", "100", ""))
	snap = h.r.applyAction(ActionOpen, "")
	assert.True(t, snap.Visible)
	assert.Equal(t, session.StateRinging, snap.Session.State, "actions never change call state")

	snap = h.r.applyAction(ActionMinimize, "")
	assert.True(t, snap.Minimized)

	snap = h.r.applyAction(ActionRestore, "")
	assert.False(t, snap.Minimized)
	assert.True(t, snap.Visible)
}

func TestRunLoopServesActions(t *testing.T) {
	store := session.NewStore()
	r := New(Config{WrapUp: time.Second}, store, nil, nil, nil, clockwork.NewFakeClock(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- r.Run(ctx) }()

	r.Submit(started("A", "100", "5550102000"))
	snap, err := r.Do(ctx, ActionMinimize)
	require.NoError(t, err)
	require.NotNil(t, snap.Session)
	assert.True(t, snap.Minimized)

	require.NoError(t, r.HandleAction(ctx, "close"))
	assert.Nil(t, store.Snapshot().Session)
	assert.Error(t, r.HandleAction(ctx, "explode"))

	cancel()
	require.NoError(t, <-result)

	_, err = r.Do(context.Background(), ActionOpen)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestMatchPriority(t *testing.T) {
	cur := &session.CallSession{SessionID: "A", ExternalID: "X", Extension: "100", PhoneNumber: "5550102000"}

	tests := []struct {
		name string
		ev   events.Event
		want MatchRule
		ok   bool
	}{
		{"session id", events.Event{SessionID: "A", Extension: "999"}, MatchSessionID, true},
		{"session id is their external id", events.Event{SessionID: "X"}, MatchCrossID, true},
		{"external id is our session id", events.Event{ExternalID: "A"}, MatchCrossID, true},
		{"external ids equal", events.Event{SessionID: "Q", ExternalID: "X"}, MatchCrossID, true},
		{"same line", events.Event{SessionID: "Q", Extension: "100"}, MatchExtension, true},
		{"phone without extension", events.Event{SessionID: "Q", PhoneNumber: "5550102000"}, MatchPhone, true},
		{"phone with other extension", events.Event{SessionID: "Q", PhoneNumber: "5550102000", Extension: "200"}, MatchNone, false},
		{"nothing in common", events.Event{SessionID: "Q", PhoneNumber: "5550109999"}, MatchNone, false},
		{"empty event", events.Event{}, MatchNone, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Match(tt.ev, cur)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, ok := Match(events.Event{SessionID: "A"}, nil)
	assert.False(t, ok)
}

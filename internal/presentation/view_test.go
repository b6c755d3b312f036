package presentation

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/dennisdiepolder/callsync/internal/session"
)

func TestProjectModes(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	answered := now.Add(-90 * time.Second)

	ringing := &session.CallSession{SessionID: "A", State: session.StateRinging, PhoneNumber: "5550102000"}
	connected := &session.CallSession{SessionID: "A", State: session.StateConnected, AnsweredAt: &answered}

	tests := []struct {
		name string
		snap session.Snapshot
		want Mode
	}{
		{"no session", session.Snapshot{}, ModeNone},
		{"ringing shows toast", session.Snapshot{Session: ringing}, ModeToast},
		{"accepted toast opens full view", session.Snapshot{Session: ringing, Visible: true}, ModeFull},
		{"minimized", session.Snapshot{Session: connected, Visible: true, Minimized: true}, ModeMiniBar},
		{"connected", session.Snapshot{Session: connected, Visible: true}, ModeFull},
		{"hidden connected", session.Snapshot{Session: connected}, ModeNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Project(tt.snap, now, 30*time.Second)
			if v.Mode != tt.want {
				t.Errorf("mode = %s, want %s", v.Mode, tt.want)
			}
			if v.Type != MessageType {
				t.Errorf("type = %q", v.Type)
			}
			if (v.Toast != nil) != (tt.want == ModeToast) ||
				(v.MiniBar != nil) != (tt.want == ModeMiniBar) ||
				(v.Full != nil) != (tt.want == ModeFull) {
				t.Errorf("exactly one affordance expected for %s: %+v", tt.want, v)
			}
		})
	}
}

func TestProjectCallerAndElapsed(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	answered := now.Add(-75 * time.Second)

	s := &session.CallSession{SessionID: "A", State: session.StateConnected, PhoneNumber: "5550102000", AnsweredAt: &answered}
	v := Project(session.Snapshot{Session: s, Visible: true}, now, 30*time.Second)
	if v.Full.Caller != "(555) 010-2000" {
		t.Errorf("caller = %q", v.Full.Caller)
	}
	if v.Full.ElapsedSeconds != 75 {
		t.Errorf("elapsed = %d, want 75", v.Full.ElapsedSeconds)
	}

	s.Counterparty = &session.Identity{Name: "Dana Customer"}
	v = Project(session.Snapshot{Session: s, Visible: true}, now, 30*time.Second)
	if v.Full.Caller != "Dana Customer" {
		t.Errorf("caller = %q, want resolved name", v.Full.Caller)
	}
}

func TestProjectWrapUpSummary(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	answered := now.Add(-2 * time.Minute)
	endedAt := now.Add(-10 * time.Second)

	s := &session.CallSession{SessionID: "A", State: session.StateEnded, AnsweredAt: &answered, EndedAt: &endedAt}
	v := Project(session.Snapshot{Session: s, Visible: true, Minimized: true}, now, 30*time.Second)

	if v.Mode != ModeMiniBar || v.MiniBar.WrapUp == nil {
		t.Fatalf("expected mini-bar with wrap-up summary, got %+v", v)
	}
	if v.MiniBar.WrapUp.RemainingSeconds != 20 {
		t.Errorf("remaining = %d, want 20", v.MiniBar.WrapUp.RemainingSeconds)
	}
	if v.MiniBar.WrapUp.TalkSeconds != 110 {
		t.Errorf("talk = %d, want 110", v.MiniBar.WrapUp.TalkSeconds)
	}
}

type capture struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (c *capture) Broadcast(message []byte) {
	c.mu.Lock()
	c.msgs = append(c.msgs, message)
	c.mu.Unlock()
}

func TestPublisherFollowsStore(t *testing.T) {
	store := session.NewStore()
	out := &capture{}
	p := NewPublisher(out, 30*time.Second, clockwork.NewFakeClock(), zerolog.Nop())
	p.Attach(store)

	store.Update(func(s *session.Snapshot) {
		s.Session = &session.CallSession{SessionID: "A", State: session.StateRinging}
	})

	if len(out.msgs) != 2 {
		t.Fatalf("expected initial view plus one update, got %d", len(out.msgs))
	}

	var v View
	if err := json.Unmarshal(out.msgs[1], &v); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if v.Mode != ModeToast || v.Toast.SessionID != "A" || v.Version != 1 {
		t.Errorf("unexpected view %+v", v)
	}
}

func TestPublisherDropsOlderSnapshots(t *testing.T) {
	store := session.NewStore()
	out := &capture{}
	p := NewPublisher(out, 30*time.Second, clockwork.NewFakeClock(), zerolog.Nop())
	p.Attach(store)

	answered := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	store.Update(func(s *session.Snapshot) {
		s.Session = &session.CallSession{SessionID: "A", State: session.StateConnected, AnsweredAt: &answered}
		s.Visible = true
	})

	// A refresh read before the session was cleared lands after the clear
	tick := store.Snapshot()
	store.Update(func(s *session.Snapshot) {
		s.Session = nil
		s.Visible = false
	})
	p.Publish(tick)

	var last View
	if err := json.Unmarshal(out.msgs[len(out.msgs)-1], &last); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if last.Mode != ModeNone || last.Version != 2 {
		t.Errorf("last broadcast = version %d mode %s, want version 2 mode none", last.Version, last.Mode)
	}
	if len(out.msgs) != 3 {
		t.Errorf("expected stale refresh to be dropped, got %d broadcasts", len(out.msgs))
	}

	// Republishing the current version is how the clock keeps moving
	p.Publish(store.Snapshot())
	if len(out.msgs) != 4 {
		t.Errorf("expected same-version refresh to publish, got %d broadcasts", len(out.msgs))
	}
}

func TestPublisherConcurrentPublish(t *testing.T) {
	store := session.NewStore()
	out := &capture{}
	p := NewPublisher(out, 30*time.Second, clockwork.NewFakeClock(), zerolog.Nop())
	p.Attach(store)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				p.Publish(store.Snapshot())
			}
		}()
	}
	for j := 0; j < 25; j++ {
		store.Update(func(s *session.Snapshot) { s.Visible = !s.Visible })
	}
	wg.Wait()

	var last View
	if err := json.Unmarshal(out.msgs[len(out.msgs)-1], &last); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if last.Version != store.Snapshot().Version {
		t.Errorf("last broadcast version = %d, want %d", last.Version, store.Snapshot().Version)
	}
}

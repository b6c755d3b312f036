package ticker

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/dennisdiepolder/callsync/internal/session"
)

// Publisher renders and broadcasts one snapshot
type Publisher interface {
	Publish(snap session.Snapshot)
}

// Ticker periodically republishes the current call view so elapsed talk time
// and the wrap-up countdown keep moving between state changes
type Ticker struct {
	calls    session.Reader
	out      Publisher
	interval time.Duration
	clock    clockwork.Clock
	logger   zerolog.Logger
}

// NewTicker creates a new Ticker
func NewTicker(calls session.Reader, out Publisher, interval time.Duration, clock clockwork.Clock, logger zerolog.Logger) *Ticker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Ticker{
		calls:    calls,
		out:      out,
		interval: interval,
		clock:    clock,
		logger:   logger.With().Str("component", "ticker").Logger(),
	}
}

// Start refreshes the view until ctx is done. Ticks with nothing on screen
// are skipped.
func (t *Ticker) Start(ctx context.Context) {
	ticker := t.clock.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Info().Dur("interval", t.interval).Msg("ticker started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info().Msg("ticker stopped")
			return

		case <-ticker.Chan():
			snap := t.calls.Snapshot()
			if !live(snap) {
				continue
			}
			t.out.Publish(snap)
			t.logger.Debug().
				Str("sessionId", snap.Session.SessionID).
				Str("state", string(snap.Session.State)).
				Msg("refreshed call view")
		}
	}
}

// live reports whether the view carries a running clock
func live(snap session.Snapshot) bool {
	s := snap.Session
	if s == nil || !snap.Visible {
		return false
	}
	return s.AnsweredAt != nil || s.State == session.StateEnded
}

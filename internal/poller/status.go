package poller

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/dennisdiepolder/callsync/internal/events"
	"github.com/dennisdiepolder/callsync/internal/metrics"
	"github.com/dennisdiepolder/callsync/internal/upstream"
)

const (
	// DefaultStatusInterval is the tick while a call is live
	DefaultStatusInterval = 3 * time.Second

	// DefaultConfirmations is how many consecutive off-call presence samples end a call
	DefaultConfirmations = 2

	markEndedTimeout = 5 * time.Second
)

// Target binds a status poll loop to one session
type Target struct {
	SessionID  string
	Extension  string
	Generation uint64
}

// StatusHandle controls a running status poll loop
type StatusHandle interface {
	Handle
	// ResetConfirmation zeroes the presence confirmation counter
	ResetConfirmation()
}

// StatusPoller polls the call record and presence for the tracked session
type StatusPoller struct {
	records   RecordSource
	presence  PresenceSource
	sink      Sink
	interval  time.Duration
	threshold int
	clock     clockwork.Clock
	logger    zerolog.Logger
}

// NewStatusPoller creates a status poller. threshold is the number of
// consecutive off-call presence samples needed to end a call.
func NewStatusPoller(records RecordSource, presence PresenceSource, sink Sink, interval time.Duration, threshold int, clock clockwork.Clock, logger zerolog.Logger) *StatusPoller {
	if interval <= 0 {
		interval = DefaultStatusInterval
	}
	if threshold <= 0 {
		threshold = DefaultConfirmations
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &StatusPoller{
		records:   records,
		presence:  presence,
		sink:      sink,
		interval:  interval,
		threshold: threshold,
		clock:     clock,
		logger:    logger.With().Str("component", "status_poller").Logger(),
	}
}

// StatusRun is one status poll loop bound to a session
type StatusRun struct {
	run
	p      *StatusPoller
	target Target
	logger zerolog.Logger

	misses     atomic.Int32
	answered   bool
	markedDown bool
}

// Start begins polling for target until the handle is stopped or ctx ends
func (p *StatusPoller) Start(ctx context.Context, target Target) StatusHandle {
	ctx, cancel := context.WithCancel(ctx)
	r := &StatusRun{
		run:    run{cancel: cancel, done: make(chan struct{})},
		p:      p,
		target: target,
		logger: p.logger.With().Str("session_id", target.SessionID).Uint64("generation", target.Generation).Logger(),
	}
	go r.loop(ctx)
	return r
}

// ResetConfirmation zeroes the consecutive off-call counter
func (r *StatusRun) ResetConfirmation() {
	r.misses.Store(0)
}

// Misses returns the current confirmation counter
func (r *StatusRun) Misses() int {
	return int(r.misses.Load())
}

func (r *StatusRun) loop(ctx context.Context) {
	defer close(r.done)

	ticker := r.p.clock.NewTicker(r.p.interval)
	defer ticker.Stop()

	r.logger.Debug().Dur("interval", r.p.interval).Msg("status poller started")

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug().Msg("status poller stopped")
			return
		case <-ticker.Chan():
			r.tick(ctx)
		}
	}
}

func (r *StatusRun) tick(ctx context.Context) {
	metrics.Get().RecordPollTick("status")

	record, err := r.p.records.GetCallRecord(ctx, r.target.SessionID)
	switch {
	case errors.Is(err, upstream.ErrNotFound):
		r.emit(ctx, events.RecordGone(r.target.SessionID, r.target.Generation, r.p.clock.Now()))
		return
	case err != nil:
		if ctx.Err() == nil {
			metrics.Get().RecordPollError("status")
			r.logger.Warn().Err(err).Msg("call record lookup failed")
		}
		return
	}

	if record.Terminal() {
		r.misses.Store(0)
		r.emit(ctx, events.RecordEnded(r.target.SessionID, r.target.Generation, events.ReasonRecordTerminal, r.p.clock.Now()))
		return
	}

	if record.InProgress() && !r.answered {
		r.answered = true
		r.emit(ctx, events.RecordAnswered(r.target.SessionID, r.target.Generation, r.p.clock.Now()))
	}

	r.samplePresence(ctx)
}

func (r *StatusRun) samplePresence(ctx context.Context) {
	if r.p.presence == nil || r.target.Extension == "" {
		return
	}

	presence, err := r.p.presence.GetPresence(ctx, r.target.Extension)
	if err != nil {
		if ctx.Err() == nil {
			metrics.Get().RecordPollError("presence")
			r.logger.Warn().Err(err).Msg("presence lookup failed")
		}
		return
	}

	if onLine(presence) {
		r.misses.Store(0)
		return
	}

	n := int(r.misses.Add(1))
	r.logger.Debug().Int("misses", n).Int("threshold", r.p.threshold).Str("presence", presence.Status).Msg("presence reports off call")
	if n < r.p.threshold {
		return
	}

	r.emit(ctx, events.RecordEnded(r.target.SessionID, r.target.Generation, events.ReasonPresenceConfirmed, r.p.clock.Now()))
	r.markEnded()
}

// markEnded writes the end back to the record service once per run. Failure
// is logged and never retried.
func (r *StatusRun) markEnded() {
	if r.markedDown {
		return
	}
	r.markedDown = true

	sessionID := r.target.SessionID
	logger := r.logger
	records := r.p.records
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), markEndedTimeout)
		defer cancel()
		if err := records.MarkCallEnded(ctx, sessionID); err != nil {
			logger.Warn().Err(err).Msg("mark ended write-back failed")
			return
		}
		logger.Debug().Msg("marked call ended")
	}()
}

func (r *StatusRun) emit(ctx context.Context, ev events.Event) {
	if ctx.Err() != nil {
		return
	}
	r.p.sink.Submit(ev)
}

// onLine treats a ringing line as occupied so an unanswered call is never
// ended by the presence heuristic.
func onLine(p *upstream.Presence) bool {
	if p.OnCall {
		return true
	}
	switch strings.ToLower(p.Status) {
	case "on_call", "oncall", "busy", "ringing", "in_call":
		return true
	}
	return false
}

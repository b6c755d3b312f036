package poller

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/dennisdiepolder/callsync/internal/events"
	"github.com/dennisdiepolder/callsync/internal/metrics"
)

// DefaultNewCallInterval is the detection tick while no call is tracked
const DefaultNewCallInterval = 5 * time.Second

// NewCallPoller asks the detection endpoint whether the agent went on a call
type NewCallPoller struct {
	detector Detector
	sink     Sink
	interval time.Duration
	clock    clockwork.Clock
	logger   zerolog.Logger
}

// NewNewCallPoller creates a new-call poller
func NewNewCallPoller(detector Detector, sink Sink, interval time.Duration, clock clockwork.Clock, logger zerolog.Logger) *NewCallPoller {
	if interval <= 0 {
		interval = DefaultNewCallInterval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &NewCallPoller{
		detector: detector,
		sink:     sink,
		interval: interval,
		clock:    clock,
		logger:   logger.With().Str("component", "newcall_poller").Logger(),
	}
}

// NewCallRun is one detection loop for an extension
type NewCallRun struct {
	run
	p         *NewCallPoller
	extension string
}

// Start begins detection for extension until the handle is stopped or ctx ends
func (p *NewCallPoller) Start(ctx context.Context, extension string) Handle {
	ctx, cancel := context.WithCancel(ctx)
	r := &NewCallRun{
		run:       run{cancel: cancel, done: make(chan struct{})},
		p:         p,
		extension: extension,
	}
	go r.loop(ctx)
	return r
}

func (r *NewCallRun) loop(ctx context.Context) {
	defer close(r.done)

	ticker := r.p.clock.NewTicker(r.p.interval)
	defer ticker.Stop()

	r.p.logger.Debug().Str("extension", r.extension).Dur("interval", r.p.interval).Msg("new-call poller started")

	for {
		select {
		case <-ctx.Done():
			r.p.logger.Debug().Str("extension", r.extension).Msg("new-call poller stopped")
			return
		case <-ticker.Chan():
			r.tick(ctx)
		}
	}
}

func (r *NewCallRun) tick(ctx context.Context) {
	metrics.Get().RecordPollTick("newcall")

	detection, err := r.p.detector.DetectCall(ctx, r.extension)
	if err != nil {
		if ctx.Err() == nil {
			metrics.Get().RecordPollError("newcall")
			r.p.logger.Warn().Err(err).Str("extension", r.extension).Msg("call detection failed")
		}
		return
	}
	if !detection.OnCall {
		return
	}
	if detection.Call == nil || detection.Call.SessionID == "" {
		r.p.logger.Debug().Str("extension", r.extension).Msg("detection reported a call without a session id")
		return
	}
	if ctx.Err() != nil {
		return
	}

	r.p.sink.Submit(events.FromDetection(*detection.Call, r.extension, r.p.clock.Now()))
}

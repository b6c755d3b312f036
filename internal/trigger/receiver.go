// Package trigger accepts synthetic push-format events over HTTP. It is the
// manual test path into the reconciler and shares the push channel's parser.
package trigger

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/dennisdiepolder/callsync/internal/events"
	"github.com/dennisdiepolder/callsync/internal/metrics"
)

// maxBody caps a synthetic event payload
const maxBody = 64 << 10

// Sink receives parsed events
type Sink interface {
	Submit(ev events.Event)
}

// Receiver handles synthetic call events
type Receiver struct {
	sink           Sink
	clock          clockwork.Clock
	logger         zerolog.Logger
	eventsReceived int64
	eventsRejected int64
	lastReceived   time.Time
	mu             sync.RWMutex
}

// NewReceiver creates a new event receiver
func NewReceiver(sink Sink, clock clockwork.Clock, logger zerolog.Logger) *Receiver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Receiver{
		sink:   sink,
		clock:  clock,
		logger: logger.With().Str("component", "trigger").Logger(),
	}
}

// HandleEvent parses a push-format body and submits it
func (r *Receiver) HandleEvent(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	now := r.clock.Now()
	ev, err := events.ParseSynthetic(body, now)
	if err != nil {
		atomic.AddInt64(&r.eventsRejected, 1)
		if errors.Is(err, events.ErrMalformed) {
			metrics.Get().RecordEventMalformed()
		}
		r.logger.Warn().Err(err).Msg("rejected synthetic event")
		status := http.StatusBadRequest
		if errors.Is(err, events.ErrUnknownType) {
			status = http.StatusUnprocessableEntity
		}
		http.Error(w, err.Error(), status)
		return
	}

	r.sink.Submit(ev)

	atomic.AddInt64(&r.eventsReceived, 1)
	r.mu.Lock()
	r.lastReceived = now
	r.mu.Unlock()

	r.logger.Info().
		Str("kind", string(ev.Kind)).
		Str("session_id", ev.SessionID).
		Msg("synthetic event submitted")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"kind":      string(ev.Kind),
		"sessionId": ev.SessionID,
	})
}

// GetStats returns receiver statistics
func (r *Receiver) GetStats(w http.ResponseWriter, req *http.Request) {
	r.mu.RLock()
	lastReceived := r.lastReceived
	r.mu.RUnlock()

	stats := map[string]interface{}{
		"events_received": atomic.LoadInt64(&r.eventsReceived),
		"events_rejected": atomic.LoadInt64(&r.eventsRejected),
		"last_received":   lastReceived,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

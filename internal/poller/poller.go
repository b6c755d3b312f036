// Package poller holds the two polling producers: the status poller that
// re-derives ground truth for the tracked call, and the new-call poller that
// covers push channel gaps while nothing is tracked. Both only ever signal
// the reconciler through its event intake.
package poller

import (
	"context"

	"github.com/dennisdiepolder/callsync/internal/events"
	"github.com/dennisdiepolder/callsync/internal/upstream"
)

// RecordSource is the authoritative call record service
type RecordSource interface {
	GetCallRecord(ctx context.Context, sessionID string) (*upstream.CallRecord, error)
	MarkCallEnded(ctx context.Context, sessionID string) error
}

// PresenceSource reports the coarse presence of an extension
type PresenceSource interface {
	GetPresence(ctx context.Context, extension string) (*upstream.Presence, error)
}

// Detector reports calls the push channel may have missed
type Detector interface {
	DetectCall(ctx context.Context, extension string) (*upstream.Detection, error)
}

// Sink receives normalized events
type Sink interface {
	Submit(ev events.Event)
}

// Handle stops a running poll loop
type Handle interface {
	Stop()
}

// run is the cancellable loop shared by both pollers
type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop cancels the loop without waiting for an in-flight tick. Anything the
// tick still emits is bound to a stale session and discarded downstream.
func (r *run) Stop() {
	r.cancel()
}

// Done is closed once the loop goroutine has exited
func (r *run) Done() <-chan struct{} {
	return r.done
}

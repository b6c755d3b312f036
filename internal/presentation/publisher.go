package presentation

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/dennisdiepolder/callsync/internal/session"
)

// Broadcaster fans a message out to every connected UI client
type Broadcaster interface {
	Broadcast(message []byte)
}

// Publisher renders every new snapshot and hands it to the broadcaster.
// Publish is safe for concurrent use and never goes back to an older version.
type Publisher struct {
	out    Broadcaster
	clock  clockwork.Clock
	wrapUp time.Duration
	logger zerolog.Logger

	mu      sync.Mutex
	version uint64
}

// NewPublisher creates a publisher
func NewPublisher(out Broadcaster, wrapUp time.Duration, clock clockwork.Clock, logger zerolog.Logger) *Publisher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Publisher{
		out:    out,
		clock:  clock,
		wrapUp: wrapUp,
		logger: logger.With().Str("component", "presentation").Logger(),
	}
}

// Attach subscribes the publisher to store and publishes the current state
func (p *Publisher) Attach(store *session.Store) {
	store.Subscribe(p.Publish)
	p.Publish(store.Snapshot())
}

// Publish renders and broadcasts one snapshot. A snapshot older than the
// last one published is dropped; the same version may be republished.
func (p *Publisher) Publish(snap session.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if snap.Version < p.version {
		p.logger.Debug().Uint64("version", snap.Version).Uint64("latest", p.version).Msg("dropped stale call view")
		return
	}

	view := Project(snap, p.clock.Now(), p.wrapUp)
	data, err := json.Marshal(view)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to marshal call view")
		return
	}
	p.out.Broadcast(data)
	p.version = snap.Version
	p.logger.Debug().Str("mode", string(view.Mode)).Uint64("version", view.Version).Msg("published call view")
}

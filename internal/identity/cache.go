// Package identity memoizes counterparty display identities for the life of
// the process. Extension and phone lookups are kept in separate namespaces.
package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/dennisdiepolder/callsync/internal/metrics"
	"github.com/dennisdiepolder/callsync/internal/session"
)

// Namespace separates extension keys from phone keys
type Namespace string

const (
	NamespaceExtension Namespace = "extension"
	NamespacePhone     Namespace = "phone"
)

// DefaultNegativeTTL is how long a not-found result is trusted before one more lookup is allowed
const DefaultNegativeTTL = 60 * time.Second

// sharedLookupTimeout bounds a lookup shared by merged callers, which runs
// detached from any single caller's cancellation
const sharedLookupTimeout = 10 * time.Second

// LookupFunc resolves one key. A directory miss is (nil, nil); an error is
// treated as transient and never cached.
type LookupFunc func(ctx context.Context, key string) (*session.Identity, error)

type entry struct {
	identity *session.Identity
	storedAt time.Time
}

// Cache is an unbounded, never-evicted identity map with lazy population
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	lookups map[Namespace]LookupFunc

	group       singleflight.Group
	clock       clockwork.Clock
	negativeTTL time.Duration
	logger      zerolog.Logger
}

// NewCache creates a cache backed by the given lookup functions. Either may
// be nil, in which case that namespace always resolves to nil.
func NewCache(extensionLookup, phoneLookup LookupFunc, negativeTTL time.Duration, clock clockwork.Clock, logger zerolog.Logger) *Cache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if negativeTTL <= 0 {
		negativeTTL = DefaultNegativeTTL
	}
	return &Cache{
		entries: make(map[string]entry),
		lookups: map[Namespace]LookupFunc{
			NamespaceExtension: extensionLookup,
			NamespacePhone:     phoneLookup,
		},
		clock:       clock,
		negativeTTL: negativeTTL,
		logger:      logger.With().Str("component", "identity").Logger(),
	}
}

// ResolveExtension resolves an internal extension
func (c *Cache) ResolveExtension(ctx context.Context, extension string) (*session.Identity, error) {
	return c.Resolve(ctx, NamespaceExtension, extension)
}

// ResolvePhone resolves a phone number; the number is normalized before keying
func (c *Cache) ResolvePhone(ctx context.Context, phone string) (*session.Identity, error) {
	return c.Resolve(ctx, NamespacePhone, session.NormalizePhone(phone))
}

// Resolve returns the cached identity for key, performing at most one
// concurrent lookup on a miss.
func (c *Cache) Resolve(ctx context.Context, ns Namespace, key string) (*session.Identity, error) {
	if key == "" {
		return nil, nil
	}
	k := cacheKey(ns, key)

	if id, ok := c.cached(k); ok {
		metrics.Get().RecordIdentityLookup("hit")
		return id, nil
	}

	lookup := c.lookups[ns]
	if lookup == nil {
		return nil, nil
	}

	ch := c.group.DoChan(k, func() (interface{}, error) {
		// Another caller may have filled the entry while we waited
		if id, ok := c.cached(k); ok {
			return id, nil
		}

		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedLookupTimeout)
		defer cancel()
		id, err := lookup(lookupCtx, key)
		if err != nil {
			return nil, fmt.Errorf("lookup %s %s: %w", ns, key, err)
		}

		c.mu.Lock()
		c.entries[k] = entry{identity: id, storedAt: c.clock.Now()}
		c.mu.Unlock()
		return id, nil
	})

	var v interface{}
	var err error
	select {
	case res := <-ch:
		v, err = res.Val, res.Err
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		metrics.Get().RecordIdentityLookup("error")
		c.logger.Debug().Err(err).Str("namespace", string(ns)).Msg("identity lookup failed")
		return nil, err
	}

	id, _ := v.(*session.Identity)
	if id == nil {
		metrics.Get().RecordIdentityLookup("miss")
	} else {
		metrics.Get().RecordIdentityLookup("resolved")
	}
	return id.Clone(), nil
}

// Len returns the number of cached entries, positive and negative
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// cached reports a usable entry. Negative entries stop being usable once the
// retry allowance has passed.
func (c *Cache) cached(k string) (*session.Identity, bool) {
	c.mu.RLock()
	e, ok := c.entries[k]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if e.identity == nil && c.clock.Since(e.storedAt) >= c.negativeTTL {
		return nil, false
	}
	return e.identity.Clone(), true
}

func cacheKey(ns Namespace, key string) string {
	return string(ns) + ":" + key
}

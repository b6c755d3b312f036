// Package pushchannel keeps the single long-lived subscription to the
// bridge's call event stream and reconnects with bounded backoff.
package pushchannel

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/dennisdiepolder/callsync/internal/events"
	"github.com/dennisdiepolder/callsync/internal/metrics"
)

// ErrGaveUp is returned by Run once the reconnect cap is reached. The
// process keeps running on polling alone.
var ErrGaveUp = errors.New("pushchannel: reconnect attempts exhausted")

const (
	// DefaultTopic subscribes to every call event for this process
	DefaultTopic = "calls.*"

	defaultWriteWait  = 10 * time.Second
	defaultPongWait   = 60 * time.Second
	defaultPingPeriod = (defaultPongWait * 9) / 10
)

// Conn is the subset of *websocket.Conn the client uses
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer opens a connection to the push endpoint
type Dialer func(ctx context.Context, url string) (Conn, error)

// Sink receives normalized events
type Sink interface {
	Submit(ev events.Event)
}

// Config holds push channel settings
type Config struct {
	URL         string
	Topic       string
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	WriteWait  time.Duration
	PongWait   time.Duration
	PingPeriod time.Duration
}

type subscribeMessage struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

// Client maintains the push channel subscription
type Client struct {
	cfg    Config
	dial   Dialer
	sink   Sink
	clock  clockwork.Clock
	logger zerolog.Logger

	mu        sync.Mutex
	state     *ReconnectState
	connected bool
}

// NewClient creates a push channel client. A nil dialer uses gorilla's default dialer.
func NewClient(cfg Config, sink Sink, dial Dialer, clock clockwork.Clock, logger zerolog.Logger) *Client {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaultWriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = (cfg.PongWait * 9) / 10
	}
	if dial == nil {
		dial = DefaultDialer
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Client{
		cfg:    cfg,
		dial:   dial,
		sink:   sink,
		clock:  clock,
		logger: logger.With().Str("component", "pushchannel").Logger(),
		state:  NewReconnectState(cfg.BaseDelay, cfg.MaxDelay, cfg.MaxAttempts),
	}
}

// DefaultDialer dials with gorilla's default dialer, mapping http(s) to ws(s)
func DefaultDialer(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, toWebsocketURL(url), nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Inert reports whether no endpoint is configured
func (c *Client) Inert() bool {
	return c.cfg.URL == ""
}

// Connected reports whether a subscription is currently live
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Attempts returns the consecutive failure count
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Attempts()
}

// Run connects and keeps the subscription alive until ctx is cancelled or the
// reconnect cap is reached. An inert client returns nil immediately.
func (c *Client) Run(ctx context.Context) error {
	if c.Inert() {
		c.logger.Info().Msg("no push channel endpoint configured, running on polling only")
		return nil
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := c.dial(ctx, c.cfg.URL)
		if err == nil {
			c.onConnected()
			err = c.serve(ctx, conn)
			c.setConnected(false)
			if ctx.Err() != nil {
				return nil
			}
		}

		c.mu.Lock()
		delay, ok := c.state.Next()
		attempts := c.state.Attempts()
		c.mu.Unlock()

		metrics.Get().RecordPushDisconnected(ok)
		if !ok {
			c.logger.Warn().Err(err).Int("attempts", attempts).Msg("push channel unavailable, giving up until restart")
			return ErrGaveUp
		}

		c.logger.Debug().Err(err).Dur("retry_in", delay).Int("attempt", attempts).Msg("push channel disconnected, retrying")
		select {
		case <-ctx.Done():
			return nil
		case <-c.clock.After(delay):
		}
	}
}

func (c *Client) onConnected() {
	c.mu.Lock()
	c.state.Reset()
	c.connected = true
	c.mu.Unlock()
	metrics.Get().RecordPushConnected()
	c.logger.Info().Str("url", c.cfg.URL).Msg("push channel connected")
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// serve subscribes and pumps messages until the connection drops
func (c *Client) serve(ctx context.Context, conn Conn) error {
	defer conn.Close()

	sub, err := json.Marshal(subscribeMessage{Action: "subscribe", Topic: c.cfg.Topic})
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go c.keepalive(ctx, conn, done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handleMessage(message)
	}
}

// keepalive pings on the configured period and closes the connection when ctx ends
func (c *Client) keepalive(ctx context.Context, conn Conn, done <-chan struct{}) {
	ticker := c.clock.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			conn.Close()
			return
		case <-ticker.Chan():
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) handleMessage(message []byte) {
	ev, err := events.ParsePush(message, c.clock.Now())
	if err != nil {
		if errors.Is(err, events.ErrMalformed) {
			metrics.Get().RecordEventMalformed()
		}
		c.logger.Debug().Err(err).Msg("dropping push message")
		return
	}
	c.sink.Submit(ev)
}

func toWebsocketURL(u string) string {
	if strings.HasPrefix(u, "http") {
		return "ws" + u[4:]
	}
	return u
}

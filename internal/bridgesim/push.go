package bridgesim

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dennisdiepolder/callsync/internal/events"
)

const (
	subscribeWait = 10 * time.Second
	pushWriteWait = 10 * time.Second
)

var pushUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Development tool, any origin
		return true
	},
}

type subscribeRequest struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

type subscriber struct {
	conn  *websocket.Conn
	send  chan []byte
	topic string
}

// PushHub is the simulated bridge push channel
type PushHub struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]bool
	logger      zerolog.Logger
}

// NewPushHub creates an empty push hub
func NewPushHub(logger zerolog.Logger) *PushHub {
	return &PushHub{
		subscribers: make(map[*subscriber]bool),
		logger:      logger.With().Str("component", "push").Logger(),
	}
}

// Subscribers returns the number of subscribed connections
func (h *PushHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Publish sends msg to every subscriber. Slow subscribers drop messages.
func (h *PushHub) Publish(msg events.PushMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal push message")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subscribers {
		select {
		case sub.send <- data:
		default:
			h.logger.Warn().Msg("subscriber buffer full, dropping push message")
		}
	}
	h.logger.Debug().Str("type", msg.Type).Str("session_id", msg.SessionID).Int("subscribers", len(h.subscribers)).Msg("push message published")
}

// ServeHTTP upgrades the connection and waits for the subscribe handshake
func (h *PushHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := pushUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade push connection")
		return
	}

	conn.SetReadDeadline(time.Now().Add(subscribeWait))
	var req subscribeRequest
	if err := conn.ReadJSON(&req); err != nil || req.Action != "subscribe" {
		h.logger.Warn().Err(err).Str("action", req.Action).Msg("push client did not subscribe")
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscribe required"),
			time.Now().Add(pushWriteWait))
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	sub := &subscriber{conn: conn, send: make(chan []byte, 64), topic: req.Topic}
	conn.WriteJSON(map[string]string{"type": "subscribed", "topic": req.Topic})

	h.mu.Lock()
	h.subscribers[sub] = true
	h.mu.Unlock()
	h.logger.Info().Str("topic", req.Topic).Str("remote", r.RemoteAddr).Msg("push client subscribed")

	go h.writeLoop(sub)
	h.readLoop(sub)
}

// readLoop discards inbound frames until the connection drops
func (h *PushHub) readLoop(sub *subscriber) {
	defer func() {
		h.mu.Lock()
		delete(h.subscribers, sub)
		h.mu.Unlock()
		close(sub.send)
		sub.conn.Close()
		h.logger.Info().Msg("push client disconnected")
	}()
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *PushHub) writeLoop(sub *subscriber) {
	for data := range sub.send {
		sub.conn.SetWriteDeadline(time.Now().Add(pushWriteWait))
		if err := sub.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			sub.conn.Close()
			return
		}
	}
}

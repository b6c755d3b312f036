package websocket

import (
	"net/http"

	"github.com/dennisdiepolder/callsync/internal/auth"
	"github.com/dennisdiepolder/callsync/internal/config"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Handler handles WebSocket upgrade requests from UI clients
type Handler struct {
	hub      *Hub
	config   *config.Config
	actions  ActionHandler
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *Hub, cfg *config.Config, actions ActionHandler, logger zerolog.Logger) *Handler {
	h := &Handler{
		hub:     hub,
		config:  cfg,
		actions: actions,
		logger:  logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin accepts requests without an Origin header (non-browser clients)
// and browser requests from an allowed origin
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	h.logger.Warn().Str("origin", origin).Msg("rejected websocket origin")
	return false
}

// ServeHTTP handles WebSocket upgrade requests
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Upgrade HTTP connection to WebSocket
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	claims, _ := auth.GetUserFromContext(r.Context())

	// Create new client
	client := NewClient(h.hub, conn, h.config, h.actions, h.logger, claims)

	// Register client with hub
	if !h.hub.Register(client) {
		conn.Close()
		return
	}

	// Start client pumps
	client.Start()
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/dennisdiepolder/callsync/internal/auth"
	"github.com/dennisdiepolder/callsync/internal/events"
	"github.com/dennisdiepolder/callsync/internal/presentation"
	"github.com/dennisdiepolder/callsync/internal/reconciler"
	"github.com/dennisdiepolder/callsync/internal/session"
)

// actionTimeout bounds how long a request waits for the reconciler
const actionTimeout = 5 * time.Second

// CallService is the reconciler surface the API drives
type CallService interface {
	Snapshot() session.Snapshot
	Do(ctx context.Context, action reconciler.Action) (session.Snapshot, error)
	SetAgentExtension(ctx context.Context, extension string) (session.Snapshot, error)
}

// CallHandler provides REST endpoints for the agent's current call
type CallHandler struct {
	calls  CallService
	wrapUp time.Duration
	clock  clockwork.Clock
	logger zerolog.Logger
}

// callResponse pairs the canonical state with its rendered view
type callResponse struct {
	Snapshot session.Snapshot  `json:"snapshot"`
	View     presentation.View `json:"view"`
}

type extensionRequest struct {
	Extension *string `json:"extension"`
}

// NewCallHandler creates a new CallHandler
func NewCallHandler(calls CallService, wrapUp time.Duration, clock clockwork.Clock, logger zerolog.Logger) *CallHandler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CallHandler{
		calls:  calls,
		wrapUp: wrapUp,
		clock:  clock,
		logger: logger.With().Str("component", "call_api").Logger(),
	}
}

// Routes registers the call endpoints on r
func (h *CallHandler) Routes(r chi.Router) {
	r.Get("/call", h.GetCall)
	r.Post("/call/{action}", h.Action)
	r.Put("/agent/extension", h.SetExtension)
}

// GetCall handles GET /api/call
func (h *CallHandler) GetCall(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.calls.Snapshot())
}

// Action handles POST /api/call/{action} for open, close, minimize and restore
func (h *CallHandler) Action(w http.ResponseWriter, r *http.Request) {
	action, err := reconciler.ParseAction(chi.URLParam(r, "action"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), actionTimeout)
	defer cancel()

	snap, err := h.calls.Do(ctx, action)
	if err != nil {
		h.fail(w, err)
		return
	}

	h.logger.Info().Str("action", string(action)).Uint64("version", snap.Version).Msg("call action applied")
	h.respond(w, snap)
}

// SetExtension handles PUT /api/agent/extension. With no extension in the
// body the authenticated user's extension claim is used.
func (h *CallHandler) SetExtension(w http.ResponseWriter, r *http.Request) {
	var req extensionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	var ext string
	switch {
	case req.Extension != nil:
		ext = strings.TrimSpace(*req.Extension)
	default:
		claims, ok := auth.GetUserFromContext(r.Context())
		if !ok || claims.Extension == "" {
			http.Error(w, "extension is required", http.StatusBadRequest)
			return
		}
		ext = claims.Extension
	}
	if ext != "" && !events.IsInternalExtension(ext) {
		http.Error(w, "extension must be a 3-digit line", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), actionTimeout)
	defer cancel()

	snap, err := h.calls.SetAgentExtension(ctx, ext)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, snap)
}

func (h *CallHandler) respond(w http.ResponseWriter, snap session.Snapshot) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(callResponse{
		Snapshot: snap,
		View:     presentation.Project(snap, h.clock.Now(), h.wrapUp),
	})
}

func (h *CallHandler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, reconciler.ErrStopped):
		http.Error(w, "service shutting down", http.StatusServiceUnavailable)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		http.Error(w, "timed out waiting for call state", http.StatusGatewayTimeout)
	default:
		h.logger.Error().Err(err).Msg("call action failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

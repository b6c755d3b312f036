package bridgesim

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// API serves the simulator's control endpoints and the collaborator REST
// endpoints the call-state service polls
type API struct {
	sim    *Sim
	push   *PushHub
	logger zerolog.Logger
}

// NewAPI creates a new API
func NewAPI(sim *Sim, push *PushHub, logger zerolog.Logger) *API {
	return &API{sim: sim, push: push, logger: logger}
}

// SetupRoutes configures HTTP routes
func (api *API) SetupRoutes(router *mux.Router) {
	router.HandleFunc("/health", api.healthHandler).Methods("GET")
	router.Handle("/ws", api.push)

	// Simulation control
	router.HandleFunc("/calls", api.listCallsHandler).Methods("GET")
	router.HandleFunc("/calls", api.startCallHandler).Methods("POST")
	router.HandleFunc("/calls/{id}/answer", api.callAction(api.sim.Answer)).Methods("POST")
	router.HandleFunc("/calls/{id}/hold", api.callAction(api.sim.Hold)).Methods("POST")
	router.HandleFunc("/calls/{id}/resume", api.callAction(api.sim.Resume)).Methods("POST")
	router.HandleFunc("/calls/{id}/end", api.callAction(api.sim.End)).Methods("POST")
	router.HandleFunc("/calls/{id}/drop-push", api.callAction(api.sim.DropPush)).Methods("POST")

	// Collaborator endpoints. detect is registered before {id} so it is not
	// taken for a session id.
	r := router.PathPrefix("/api").Subrouter()
	r.HandleFunc("/calls/detect", api.detectHandler).Methods("GET").Queries("extension", "{extension}")
	r.HandleFunc("/calls/{id}", api.recordHandler).Methods("GET")
	r.HandleFunc("/calls/{id}/end", api.markEndedHandler).Methods("POST")
	r.HandleFunc("/presence/{extension}", api.presenceHandler).Methods("GET")
	r.HandleFunc("/directory/extensions/{extension}", api.extensionHandler).Methods("GET")
	r.HandleFunc("/directory/phones/{phone}", api.phoneHandler).Methods("GET")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// healthHandler returns service health
func (api *API) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"time":        time.Now().Format(time.RFC3339),
		"subscribers": api.push.Subscribers(),
	})
}

func (api *API) listCallsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.sim.Calls())
}

func (api *API) startCallHandler(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	call, err := api.sim.StartCall(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, call)
}

// callAction adapts a call transition to a handler
func (api *API) callAction(fn func(string) (Call, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		call, err := fn(mux.Vars(r)["id"])
		switch {
		case errors.Is(err, ErrCallNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, ErrInvalidState):
			http.Error(w, err.Error(), http.StatusConflict)
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		default:
			writeJSON(w, http.StatusOK, call)
		}
	}
}

func (api *API) recordHandler(w http.ResponseWriter, r *http.Request) {
	rec, ok := api.sim.Record(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "call not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// markEndedHandler is the record service write-back; it never pushes
func (api *API) markEndedHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	_, err := api.sim.DropPush(id)
	switch {
	case errors.Is(err, ErrCallNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, ErrInvalidState):
		// Already ended
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	api.logger.Info().Str("session_id", id).Msg("call marked ended by record write-back")
	w.WriteHeader(http.StatusNoContent)
}

func (api *API) presenceHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.sim.Presence(mux.Vars(r)["extension"]))
}

func (api *API) detectHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.sim.Detect(mux.Vars(r)["extension"]))
}

func (api *API) extensionHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := api.sim.LookupExtension(mux.Vars(r)["extension"])
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

func (api *API) phoneHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := api.sim.LookupPhone(mux.Vars(r)["phone"])
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

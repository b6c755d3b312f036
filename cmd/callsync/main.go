package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dennisdiepolder/callsync/internal/api"
	"github.com/dennisdiepolder/callsync/internal/auth"
	"github.com/dennisdiepolder/callsync/internal/config"
	"github.com/dennisdiepolder/callsync/internal/identity"
	"github.com/dennisdiepolder/callsync/internal/metrics"
	"github.com/dennisdiepolder/callsync/internal/poller"
	"github.com/dennisdiepolder/callsync/internal/presentation"
	"github.com/dennisdiepolder/callsync/internal/pushchannel"
	"github.com/dennisdiepolder/callsync/internal/reconciler"
	"github.com/dennisdiepolder/callsync/internal/session"
	"github.com/dennisdiepolder/callsync/internal/storage"
	"github.com/dennisdiepolder/callsync/internal/ticker"
	"github.com/dennisdiepolder/callsync/internal/trigger"
	"github.com/dennisdiepolder/callsync/internal/upstream"
	"github.com/dennisdiepolder/callsync/internal/websocket"
	"github.com/dennisdiepolder/callsync/pkg/middleware"
)

func main() {
	// Configure logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("port", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Str("log_level", cfg.LogLevel).
		Str("agent_extension", cfg.AgentExtension).
		Str("upstream", cfg.UpstreamBaseURL).
		Str("record_backend", cfg.RecordBackend).
		Bool("push_channel", cfg.PushChannelURL != "").
		Msg("starting callsync server")

	// Create context for services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewRealClock()
	store := session.NewStore()

	// Create WebSocket hub
	hub := websocket.NewHub(log.Logger)
	go hub.Run(ctx)

	// Upstream collaborators
	upstreamClient := upstream.NewClient(cfg.UpstreamBaseURL, cfg.UpstreamToken, cfg.UpstreamTimeout, log.Logger)

	var records poller.RecordSource = upstreamClient
	if cfg.RecordBackend == config.RecordBackendDynamo {
		recordStore, err := storage.NewRecordStore(ctx, storage.LoadDynamoConfig(), log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize DynamoDB record store")
		}
		records = recordStore
	}

	identities := identity.NewCache(upstreamClient.LookupExtension, upstreamClient.LookupPhone, cfg.IdentityNegativeTTL, clock, log.Logger)

	// Reconciler and its pollers. The pollers submit back into the reconciler.
	calls := reconciler.New(reconciler.Config{
		WrapUp:         cfg.WrapUpTimeout,
		AgentExtension: cfg.AgentExtension,
	}, store, nil, nil, identities, clock, log.Logger)
	calls.SetPollers(
		poller.NewStatusPoller(records, upstreamClient, calls, cfg.StatusPollInterval, cfg.PresenceConfirmations, clock, log.Logger),
		poller.NewNewCallPoller(upstreamClient, calls, cfg.NewCallPollInterval, clock, log.Logger),
	)

	// Every new snapshot is rendered and broadcast to UI clients
	publisher := presentation.NewPublisher(hub, cfg.WrapUpTimeout, clock, log.Logger)
	publisher.Attach(store)
	go ticker.NewTicker(store, publisher, time.Second, clock, log.Logger).Start(ctx)

	reconcilerDone := make(chan struct{})
	go func() {
		defer close(reconcilerDone)
		calls.Run(ctx)
	}()

	push := pushchannel.NewClient(pushchannel.Config{
		URL:         cfg.PushChannelURL,
		BaseDelay:   cfg.PushReconnectBase,
		MaxDelay:    cfg.PushReconnectMax,
		MaxAttempts: cfg.PushReconnectAttempts,
		WriteWait:   cfg.WriteWait,
		PongWait:    cfg.PongWait,
		PingPeriod:  cfg.PingPeriod,
	}, calls, pushchannel.DefaultDialer, clock, log.Logger)
	go func() {
		if err := push.Run(ctx); errors.Is(err, pushchannel.ErrGaveUp) {
			log.Warn().Msg("push channel unavailable, relying on polling")
		}
	}()

	authenticator := auth.NewAuthenticator(cfg, log.Logger)
	wsHandler := websocket.NewHandler(hub, cfg, calls, log.Logger)
	callHandler := api.NewCallHandler(calls, cfg.WrapUpTimeout, clock, log.Logger)

	// Create router
	r := chi.NewRouter()

	// Add middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(log.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Register public routes (no auth required)
	r.Get("/health", healthHandler(push, hub, store))
	r.Get("/metrics", metrics.Get().Handler())

	// Synthetic test trigger, same entry point as the push channel
	if cfg.EnableTestTrigger {
		receiver := trigger.NewReceiver(calls, clock, log.Logger)
		r.Route("/internal", func(r chi.Router) {
			r.Post("/event", receiver.HandleEvent)
			r.Get("/event/stats", receiver.GetStats)
		})
		log.Warn().Msg("synthetic event trigger enabled at /internal/event")
	}

	// Add auth middleware for protected routes
	r.Group(func(r chi.Router) {
		r.Use(authenticator.Middleware)
		r.Get("/ws", wsHandler.ServeHTTP)
		r.Route("/api", callHandler.Routes)
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Msgf("server listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")

	// Stop the reconciler, pollers, push channel and hub
	cancel()
	<-reconcilerDone

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Attempt graceful shutdown
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

type pushStatus interface {
	Inert() bool
	Connected() bool
}

type clientCounter interface {
	ClientCount() int
}

type healthReport struct {
	Status       string `json:"status"`
	Service      string `json:"service"`
	PushChannel  string `json:"pushChannel"`
	UIClients    int    `json:"uiClients"`
	CallState    string `json:"callState"`
	StateVersion uint64 `json:"stateVersion"`
}

// healthHandler handles health check requests. A configured but disconnected
// push channel reports degraded; polling still keeps state correct.
func healthHandler(push pushStatus, hub clientCounter, calls session.Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := healthReport{
			Status:      "ok",
			Service:     "callsync",
			PushChannel: "disabled",
			UIClients:   hub.ClientCount(),
			CallState:   "none",
		}

		switch {
		case push.Inert():
		case push.Connected():
			report.PushChannel = "connected"
		default:
			report.PushChannel = "disconnected"
			report.Status = "degraded"
		}

		snap := calls.Snapshot()
		report.StateVersion = snap.Version
		if snap.Session != nil {
			report.CallState = string(snap.Session.State)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(report)
	}
}

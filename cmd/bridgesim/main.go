package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dennisdiepolder/callsync/internal/bridgesim"
	"github.com/dennisdiepolder/callsync/internal/storage"
)

func main() {
	// CLI flags
	var (
		port         = flag.String("port", "8090", "HTTP port for push channel, REST collaborators and control API")
		extension    = flag.String("extension", "204", "Default agent extension for started calls")
		mirrorDynamo = flag.Bool("mirror-dynamo", false, "Mirror call records into DynamoDB (uses DYNAMO_* env)")
		logLevel     = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	// Setup logger
	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().
		Str("service", "bridgesim").
		Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	push := bridgesim.NewPushHub(logger)
	sim := bridgesim.New(*extension, push, nil, logger)

	if *mirrorDynamo {
		store, err := storage.NewRecordStore(ctx, storage.LoadDynamoConfig(), logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize DynamoDB mirror")
		}
		sim.SetMirror(store)
	}

	router := mux.NewRouter()
	bridgesim.NewAPI(sim, push, logger).SetupRoutes(router)

	srv := &http.Server{
		Addr:        ":" + *port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	logger.Info().
		Str("push_channel", fmt.Sprintf("ws://localhost:%s/ws", *port)).
		Str("upstream_base_url", fmt.Sprintf("http://localhost:%s", *port)).
		Str("default_extension", *extension).
		Bool("mirror_dynamo", *mirrorDynamo).
		Msg("bridge simulator ready")

	printUsage(*port)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutting down bridge simulator")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
}

func printUsage(port string) {
	base := "http://localhost:" + port
	fmt.Println()
	fmt.Println("Bridge simulator control API")
	fmt.Println()
	fmt.Printf("  curl -X POST %s/calls -d '{\"phoneNumber\":\"5550102000\",\"direction\":\"inbound\"}'\n", base)
	fmt.Printf("  curl -X POST %s/calls/{id}/answer\n", base)
	fmt.Printf("  curl -X POST %s/calls/{id}/hold\n", base)
	fmt.Printf("  curl -X POST %s/calls/{id}/resume\n", base)
	fmt.Printf("  curl -X POST %s/calls/{id}/end\n", base)
	fmt.Printf("  curl -X POST %s/calls/{id}/drop-push   # end without a push event\n", base)
	fmt.Printf("  curl %s/calls\n", base)
	fmt.Println()
}

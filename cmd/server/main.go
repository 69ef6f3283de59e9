// opsrelay is the JetsMX event gateway.
//
// It terminates vendor webhooks (Airtable, Gmail, Drive, Google Chat),
// normalizes them into a common event shape, routes events through a YAML
// rule table, and dispatches hiring-pipeline actions. A registrar keeps
// the vendor subscriptions that feed the webhooks registered and renewed.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jetsmx/opsrelay/pkg/server"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("opsrelay starting")

	ctx := context.Background()
	srv, err := server.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize server")
	}
	defer srv.Store.Close()
	defer srv.ShutdownFunc(ctx)

	// Register or renew vendor subscriptions before taking traffic. A
	// failure here is degraded, not fatal: the scheduler endpoints retry
	// on their own cadence and an alert has already been raised.
	ensureCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	if err := srv.Registrar.EnsureAll(ensureCtx); err != nil {
		log.Error().Err(err).Msg("subscription bootstrap incomplete")
	}
	cancel()

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go srv.Janitor.Start(janitorCtx)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().
		Int("port", srv.Port).
		Str("version", srv.Config.Version).
		Msg("opsrelay listening")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server failed")
	}
}

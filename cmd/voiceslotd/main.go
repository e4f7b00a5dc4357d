package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"voiceslot/internal/app"
	"voiceslot/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("mode", cfg.AppMode).
		Str("db_driver", cfg.DB.Driver).
		Str("provider", cfg.Provider.Kind).
		Int("default_slots", cfg.Slots.DefaultSlots).
		Int("clone_limit", cfg.Slots.CloneLimit).
		Msg("starting voiceslotd")
	if kind := strings.ToLower(cfg.Provider.Kind); kind == "" || kind == "disabled" || kind == "none" {
		log.Warn().Msg("no voice provider configured; clone and synthesis calls will fail")
	}
	if !cfg.Crypto.Enabled() {
		log.Warn().Msg("MASTER_KEY_B64 not set; per-user provider keys are disabled")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Build(ctx, cfg, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize")
	}
	defer a.Close()

	errCh := make(chan error, 2)
	var httpServer *http.Server
	if cfg.AppMode == config.ModeAll {
		httpServer = &http.Server{
			Addr:              cfg.HTTP.ListenAddr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	go func() {
		if err := a.Worker.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("worker failed: %w", err)
		}
	}()
	log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("mirror worker started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to stop http server")
		}
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

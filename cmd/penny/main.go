package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/alifeinbinary/penny/internal/api"
	"github.com/alifeinbinary/penny/internal/config"
	"github.com/alifeinbinary/penny/internal/history"
	"github.com/alifeinbinary/penny/internal/ollama"
	"github.com/alifeinbinary/penny/internal/relay"
	sig "github.com/alifeinbinary/penny/internal/signal"
	"github.com/alifeinbinary/penny/internal/store"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := newLogger(cfg)

	ctx := context.Background()

	// Open the durable log
	messageStore, err := store.NewSQLiteStore(ctx, cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DBPath).Msg("opening message store failed")
	}
	defer messageStore.Close()
	logger.Info().Str("path", cfg.DBPath).Msg("message store opened")

	// Wire the relay
	builder := history.NewBuilder(messageStore, cfg.ContextWindow)
	generator := ollama.NewClient(cfg.OllamaAPIURL, cfg.OllamaModel, cfg.SystemPrompt, logger)
	sender := sig.NewClient(cfg.SignalAPIURL, cfg.SignalNumber, logger)

	stream, err := sig.NewStream(cfg.SignalAPIURL, cfg.SignalNumber, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid transport URL")
	}

	agent := relay.New(stream, messageStore, builder, generator, sender, logger)

	// Operational HTTP surface
	var opsSrv *http.Server
	if cfg.OpsPort != "" {
		opsSrv = &http.Server{
			Addr:         ":" + cfg.OpsPort,
			Handler:      api.NewRouter(logger, messageStore, stream.State),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			logger.Info().Str("port", cfg.OpsPort).Msg("starting ops server")
			if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal().Err(err).Msg("ops server failed to start")
			}
		}()
	}

	// Run the relay until interrupted
	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("number", cfg.SignalNumber).
		Str("model", cfg.OllamaModel).
		Int("context_window", cfg.ContextWindow).
		Str("env", cfg.Env).
		Msg("starting penny relay")

	agent.Run(runCtx)

	logger.Info().Msg("shutting down...")

	if opsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := opsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("ops server forced to shutdown")
		}
	}

	logger.Info().Msg("relay stopped")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}
	return logger.Level(level)
}

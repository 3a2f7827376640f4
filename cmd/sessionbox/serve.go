package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/itstheanurag/sessionbox/internal/config"
	"github.com/itstheanurag/sessionbox/internal/server"
	"github.com/itstheanurag/sessionbox/internal/tracing"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE: func(_ *cobra.Command, _ []string) error {
		conf, err := config.LoadConfig(configFlag)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger, err := newLogger(conf.Log, os.Stderr)
		if err != nil {
			return err
		}
		return serve(conf, &logger)
	},
}

func serve(conf *config.Config, logger *zerolog.Logger) error {
	shutdownTracing, err := tracing.Setup(context.Background(), conf.Tracing)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}

	srv, err := server.New(conf, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-stop:
		logger.Info().Str("signal", sig.String()).Msg("shutdown requested")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("server crashed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	if err := shutdownTracing(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to flush traces")
	}
	return runErr
}

func newLogger(conf config.LogConfig, out io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(conf.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", conf.Level, err)
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	w := out
	if conf.Format != "json" {
		w = zerolog.ConsoleWriter{Out: out}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

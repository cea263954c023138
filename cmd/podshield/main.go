package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/podshield/internal/config"
	"github.com/piwi3910/podshield/internal/metrics"
	"github.com/piwi3910/podshield/internal/server"
)

const defaultHTTPPort = 8080

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	dataDir := flag.String("data", "", "Data directory path")
	httpPort := flag.Int("port", 0, fmt.Sprintf("HTTP port (default %d)", defaultHTTPPort))
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	jsonLogs := flag.Bool("json", false, "Write logs as JSON instead of console output")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("PodShield %s\n", version)
		fmt.Printf("  Commit: %s\n", commit)
		fmt.Printf("  Built:  %s\n", buildDate)
		os.Exit(0)
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if !*jsonLogs {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	if *debug {
		*logLevel = "debug"
	}

	cfg, err := config.Load(*configPath, config.Options{
		DataDir:  *dataDir,
		HTTPPort: *httpPort,
		LogLevel: *logLevel,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("Unknown log level, using info")
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	metrics.Version = version

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("data_dir", cfg.DataDir).
		Msg("Starting PodShield")

	srv, err := server.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create server")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		log.Info().Msg("Received shutdown signal")
	}()

	if err := srv.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Server error")
		cancel()
		os.Exit(1)
	}

	log.Info().Msg("PodShield shutdown complete")
}

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"consentbot-go/internal/app"
	"consentbot-go/internal/config"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "./configs/config.json", "path to config file")
	flag.Parse()

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// .env is a local development convenience; absence is fine.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Fatal().Err(err).Msg("failed to load .env file")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid log level")
	}
	logger = logger.Level(level)

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create application")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		logger.Info().Msg("shutdown signal received")
		if err := application.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("error during shutdown")
		}
		cancel()
	}()

	if err := application.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("application failed to start")
	}

	<-ctx.Done()
	logger.Info().Msg("application stopped")
}

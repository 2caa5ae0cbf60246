package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"consentbot-go/internal/authflow"
	"consentbot-go/internal/config"
	"consentbot-go/internal/graph"
	"consentbot-go/internal/provider"
	"consentbot-go/internal/store"
	"consentbot-go/internal/telegram"
	"consentbot-go/internal/worker"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Application holds all the major components of the service.
type Application struct {
	Config        *config.Config
	Logger        zerolog.Logger
	Store         *store.SQLiteStore
	Flows         *authflow.Controller
	Telegram      *telegram.Service
	WorkerPool    *worker.Pool
	Sweeper       *authflow.RefreshSweeper
	HTTPServer    *http.Server
	MetricsServer *http.Server

	cancelBot context.CancelFunc
}

// New creates and initializes a new Application instance.
func New(cfg *config.Config, logger zerolog.Logger) (*Application, error) {
	// Setup: durable flow state
	flowStore, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening flow store: %w", err)
	}
	if err := flowStore.Migrate(); err != nil {
		return nil, fmt.Errorf("migrating flow store: %w", err)
	}

	// Setup: identity provider and flow controller
	azure := provider.NewAzureAD(cfg.Auth.ClientID, cfg.Auth.ClientSecret)
	flows := authflow.NewController(azure, flowStore, logger)

	// Setup: downstream graph API
	graphSvc := graph.NewService(logger)

	// Setup: chat transport
	bot, err := telegram.NewService(cfg.Telegram.BotToken, cfg.PublicBaseURL, flows, graphSvc, logger)
	if err != nil {
		return nil, fmt.Errorf("creating telegram service: %w", err)
	}

	// Setup: background token refresh
	pool := worker.NewPool(cfg.NumWorkers, logger)
	sweeper := authflow.NewRefreshSweeper(flows, flowStore, pool,
		cfg.Refresh.Interval.Duration, cfg.Refresh.Leeway.Duration, logger)

	// Setup: browser-facing HTTP server
	callbackServer, err := NewCallbackServer(flows, bot, cfg.PublicBaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("creating callback server: %w", err)
	}
	router := mux.NewRouter()
	callbackServer.RegisterRoutes(router)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: router,
	}

	// Setup: metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: metricsMux,
	}

	return &Application{
		Config:        cfg,
		Logger:        logger,
		Store:         flowStore,
		Flows:         flows,
		Telegram:      bot,
		WorkerPool:    pool,
		Sweeper:       sweeper,
		HTTPServer:    httpServer,
		MetricsServer: metricsServer,
	}, nil
}

// Start begins the application's services.
func (a *Application) Start(ctx context.Context) error {
	a.Logger.Info().Msg("starting services")

	a.WorkerPool.Start()
	a.Sweeper.Start()

	botCtx, cancel := context.WithCancel(ctx)
	a.cancelBot = cancel
	go a.Telegram.Run(botCtx)

	go func() {
		a.Logger.Info().Str("addr", a.MetricsServer.Addr).Msg("metrics server listening")
		if err := a.MetricsServer.ListenAndServe(); err != http.ErrServerClosed {
			a.Logger.Fatal().Err(err).Msg("metrics server failed")
		}
	}()

	go func() {
		a.Logger.Info().Str("addr", a.HTTPServer.Addr).Msg("http server listening")
		if err := a.HTTPServer.ListenAndServe(); err != http.ErrServerClosed {
			a.Logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	return nil
}

// Stop gracefully shuts down the application's services.
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.Info().Msg("stopping services")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := a.HTTPServer.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error().Err(err).Msg("http server shutdown")
	}
	if err := a.MetricsServer.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error().Err(err).Msg("metrics server shutdown")
	}

	if a.cancelBot != nil {
		a.cancelBot()
	}

	a.Sweeper.Stop()
	a.WorkerPool.Stop()

	if err := a.Store.Close(); err != nil {
		a.Logger.Error().Err(err).Msg("closing flow store")
	}

	a.Logger.Info().Msg("stopped")
	return nil
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	gosync "sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/backlinehq/syncd/internal/api"
	"github.com/backlinehq/syncd/internal/cache"
	"github.com/backlinehq/syncd/internal/config"
	"github.com/backlinehq/syncd/internal/drive"
	"github.com/backlinehq/syncd/internal/event"
	"github.com/backlinehq/syncd/internal/health"
	"github.com/backlinehq/syncd/internal/hub"
	"github.com/backlinehq/syncd/internal/metrics"
	"github.com/backlinehq/syncd/internal/ratelimit"
	"github.com/backlinehq/syncd/internal/retry"
	"github.com/backlinehq/syncd/internal/store"
	syncengine "github.com/backlinehq/syncd/internal/sync"
	"github.com/backlinehq/syncd/internal/webhook"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Int("http_port", cfg.HTTPPort).
		Str("api_addr", cfg.APIListenAddr).
		Bool("webhooks", cfg.WebhookEnabled()).
		Msg("starting sync daemon")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Shared infrastructure
	m := metrics.New()
	checker := health.NewChecker(logger)

	st, err := store.New(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DBPath).Msg("failed to open store")
	}
	defer st.Close()

	checker.Register("store", func(ctx context.Context) health.Status {
		if err := st.DB().PingContext(ctx); err != nil {
			return health.StatusDown
		}
		return health.StatusOK
	})

	limiter := ratelimit.New(ratelimit.Config{
		Capacity:   cfg.RateCapacity,
		RefillRate: cfg.RateRefillRate,
		Floor:      cfg.RateFloor,
	}, m, logger)

	responseCache := cache.New(cfg.CacheCapacity, m, logger)

	client := drive.NewClient(drive.Config{
		BaseURL:  cfg.DriveBaseURL,
		Timeout:  cfg.DriveTimeout,
		PageSize: cfg.DrivePageSize,
		CacheTTL: cfg.CacheTTL,
		Retry:    retry.DefaultConfig(),
	}, tokenSource(ctx, cfg), limiter, responseCache, m, logger)

	bus := event.NewBus(256, logger)
	defer bus.Close()

	engine := syncengine.New(syncengine.Config{
		MaxConcurrent:      cfg.SyncMaxConcurrent,
		OpTimeout:          cfg.SyncOpTimeout,
		ItemRetry:          retry.Config{MaxAttempts: cfg.SyncItemRetries, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, Jitter: true},
		WebhookCallbackURL: cfg.WebhookCallbackURL,
		RenewalLead:        cfg.WatchRenewalLead,
		RenewalPeriod:      cfg.WatchRenewalPeriod,
	}, client, st, responseCache, bus, m, logger)
	engine.Start(ctx)

	// Realtime hub, fed from the event bus
	wsHub := hub.New(hub.Config{
		HeartbeatInterval: cfg.WSHeartbeatInterval,
		MissedHeartbeats:  cfg.WSMissedHeartbeats,
		SendBuffer:        cfg.WSSendBuffer,
		JWTSecret:         cfg.WSJWTSecret,
	}, m, logger)
	detach := wsHub.AttachBus(bus)
	defer detach()

	checker.Register("hub", func(ctx context.Context) health.Status {
		if wsHub.Closed() {
			return health.StatusDown
		}
		return health.StatusOK
	})

	// Public HTTP server: webhooks, websocket, probes, metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/health", health.LivenessHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/webhook/drive", webhook.NewHandler(engine, cfg.WebhookSecret, logger))
	mux.Handle("/ws", wsHub)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	var wg gosync.WaitGroup

	// Management API
	handlers := api.NewHandlers(engine, st, bus, checker, logger)
	apiServer := api.NewServer(api.ServerConfig{
		ListenAddr: cfg.APIListenAddr,
		Auth: api.AuthConfig{
			Mode:   cfg.APIAuthMode,
			APIKey: cfg.APIKey,
		},
		RateLimit: api.RateLimitConfig{
			RPS:   cfg.APIRateLimitRPS,
			Burst: cfg.APIRateLimitBurst,
		},
		CORSOrigins: cfg.CORSOrigins,
	}, handlers, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Int("port", cfg.HTTPPort).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.Start(); err != nil {
			logger.Error().Err(err).Msg("management API server error")
		}
	}()

	// Prune finished operations past the retention window
	wg.Add(1)
	go func() {
		defer wg.Done()
		st.RetentionLoop(ctx, time.Hour, cfg.SyncHistoryWindow)
	}()

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if err := apiServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("management API server shutdown error")
	}

	wsHub.Close()
	engine.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("sync daemon stopped")
}

// tokenSource builds the Drive credential source. A refresh token gets the
// self-renewing OAuth flow; otherwise a static access token is used and the
// remote will reject calls once it expires.
func tokenSource(ctx context.Context, cfg *config.Config) oauth2.TokenSource {
	if cfg.DriveRefreshToken != "" {
		oc := &oauth2.Config{
			ClientID:     cfg.DriveClientID,
			ClientSecret: cfg.DriveClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.DriveTokenURL},
		}
		return oc.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.DriveRefreshToken})
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.DriveAccessToken})
}

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"transitmap/internal/cache"
	"transitmap/internal/config"
	"transitmap/internal/favorites"
	"transitmap/internal/handler"
	"transitmap/internal/hub"
	"transitmap/internal/identity"
	"transitmap/internal/middleware"
	"transitmap/pkg/transitapi"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("starting transitmap server",
		"log_level", cfg.LogLevel.String(),
		"http_addr", cfg.HTTPAddr,
		"backend_url", cfg.BackendURL,
		"redis_enabled", cfg.RedisEnabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	apiClient := transitapi.New(cfg.BackendURL, cfg.HTTPTimeout)
	cached := cache.NewCachedClient(apiClient, cache.NewQueryCache(cfg.QueryCacheSize, cfg.QueryCacheTTL), logger)
	defer cached.Close()

	var redisCache *cache.RedisCache
	if cfg.RedisEnabled {
		redisCache, err = cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
		if err != nil {
			logger.Warn("redis unavailable, using file identity store", "error", err)
			redisCache = nil
		} else {
			defer redisCache.Close()
		}
	}

	userID, err := resolveUserID(ctx, cfg, redisCache, logger)
	if err != nil {
		logger.Error("failed to resolve device identity", "error", err)
		os.Exit(1)
	}

	favStore := favorites.New(apiClient, userID, logger)

	wsHub := hub.NewHub(hub.TrackerConfig{
		Source:     apiClient,
		Interval:   cfg.TrackerPollInterval,
		StaleAfter: cfg.TrackerStaleAfter,
	}, logger)
	unsubscribeFavorites := favStore.Subscribe(wsHub.BroadcastFavorites)
	defer unsubscribeFavorites()

	rateLimiter := middleware.NewRateLimiter(cfg.RateLimitPerWindow, cfg.RateLimitWindow, cfg.RateLimitWhitelist, logger,
		middleware.WithKindLimit(middleware.KindSession, cfg.RateLimitSessionsPerWindow))
	defer rateLimiter.Stop()

	router := handler.NewRouter(handler.RouterConfig{
		HTTP:        handler.NewHTTPHandler(cached, logger),
		Favorites:   handler.NewFavoritesHandler(favStore, logger),
		WS:          handler.NewWSHandler(wsHub, apiClient, cfg.Feed(), favStore, cfg.CORSAllowedOrigins, logger),
		Health:      handler.NewHealthHandler(favStore, wsHub),
		Stats:       handler.NewStatsHandler(wsHub, cached.Queries(), rateLimiter),
		RateLimiter: rateLimiter,
		CORSOrigins: cfg.CORSAllowedOrigins,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go wsHub.Run(ctx)

	go initializeFavorites(ctx, favStore, logger)

	go func() {
		logger.Info("starting HTTP server", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
}

func resolveUserID(ctx context.Context, cfg *config.Config, redisCache *cache.RedisCache, logger *slog.Logger) (string, error) {
	if cfg.UserID != "" {
		logger.Info("using configured user id")
		return cfg.UserID, nil
	}

	var store identity.Store
	switch {
	case redisCache != nil:
		store = identity.NewRedisStore(redisCache)
	case cfg.IdentityDir != "":
		store = identity.NewFileStore(cfg.IdentityDir)
	default:
		dir, err := identity.DefaultDir()
		if err != nil {
			return "", err
		}
		store = identity.NewFileStore(dir)
	}
	return identity.Resolve(ctx, store, logger)
}

// initializeFavorites retries until the backend answers; the service reports
// not ready until it does.
func initializeFavorites(ctx context.Context, store *favorites.Store, logger *slog.Logger) {
	backoff := time.Second
	for {
		if _, err := store.Initialize(ctx); err == nil {
			return
		}
		logger.Warn("favorites not loaded, retrying", "retry_in", backoff.String())

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"kasirinaja/pos/internal/cache"
	"kasirinaja/pos/internal/config"
	"kasirinaja/pos/internal/httpapi"
	"kasirinaja/pos/internal/loyalty"
	"kasirinaja/pos/internal/obs"
	"kasirinaja/pos/internal/recommendation"
	"kasirinaja/pos/internal/service"
	"kasirinaja/pos/internal/store"
	"kasirinaja/pos/internal/store/memory"
	pgstore "kasirinaja/pos/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("load configuration")
	}
	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid security configuration")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("apply postgres schema")
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info().Str("repository", "postgres").Msg("repository ready")
	} else {
		repo = memory.NewSeeded()
		logger.Info().Str("repository", "memory").Msg("repository ready")
	}

	cacheStore := cache.Cache(cache.NoopCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, using noop cache")
		} else {
			cacheStore = redisCache
			closers = append(closers, redisCache.Close)
			logger.Info().Str("cache", "redis").Msg("cache ready")
		}
	} else {
		logger.Info().Str("cache", "noop").Msg("cache ready")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := obs.NewEngineMetrics(cfg.MetricsNamespace, registry)

	recommender := recommendation.NewEngine(cacheStore, time.Duration(cfg.SuggestionTTLSeconds)*time.Second)
	wallet := loyalty.NewAdapter(repo, cfg.LoyaltyEarnPerPointCents, cfg.LoyaltyPointValueCents, logger)
	svc := service.New(repo, recommender, wallet, cfg.StoreID,
		service.WithCache(cacheStore, time.Duration(cfg.CatalogCacheTTLSeconds)*time.Second),
		service.WithLogger(logger),
		service.WithMetrics(metrics),
	)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN, repo, logger)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, logger, registry)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Address()).Msg("POS backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}

	closeAll(logger, closers)
	logger.Info().Msg("server stopped")
}

func closeAll(logger zerolog.Logger, closers []func() error) {
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Error().Err(err).Msg("close error")
		}
	}
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	if cfg.LoyaltyEarnPerPointCents <= 0 || cfg.LoyaltyPointValueCents <= 0 {
		return fmt.Errorf("loyalty rates must be positive")
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	for _, r := range pin {
		if r < '0' || r > '9' {
			return fmt.Errorf("PIN must be numeric")
		}
	}

	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"121212": true, "112233": true, "123123": true, "147258": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}

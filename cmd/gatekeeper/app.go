package main

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/TFMV/gatekeeper/cmd/gatekeeper/config"
	"github.com/TFMV/gatekeeper/pkg/cache"
	"github.com/TFMV/gatekeeper/pkg/identity"
	"github.com/TFMV/gatekeeper/pkg/infrastructure/metrics"
	"github.com/TFMV/gatekeeper/pkg/infrastructure/pool"
	"github.com/TFMV/gatekeeper/pkg/models"
	"github.com/TFMV/gatekeeper/pkg/repositories"
	"github.com/TFMV/gatekeeper/pkg/repositories/duckdb"
	"github.com/TFMV/gatekeeper/pkg/repositories/policyfile"
	"github.com/TFMV/gatekeeper/pkg/services"
)

// app holds the components a command works with.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	store    repositories.PolicyStore
	access   services.AccessService
	patterns *cache.PatternCache
	metrics  metrics.Collector
	prom     *metrics.PrometheusCollector
	verifier *identity.Verifier
	logFile  io.Closer
}

// newApp loads the configuration and wires the access service.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger, logFile := setupLogging(cfg.LogLevel, cfg.Log)
	logger.Debug().
		Str("version", version).
		Str("store", cfg.Store.Driver).
		Msg("Starting gatekeeper")

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, err
	}
	a.logFile = logFile
	return a, nil
}

// buildApp wires the components described by cfg.
func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if cfg.Metrics.Enabled {
		a.prom = metrics.NewPrometheusCollector(cfg.Metrics.Namespace)
		a.metrics = a.prom
	} else {
		a.metrics = metrics.NewNoOpCollector()
	}

	patterns, err := cache.NewPatternCache(cache.DefaultConfig().WithSize(cfg.Cache.PatternCacheSize))
	if err != nil {
		return nil, fmt.Errorf("failed to create pattern cache: %w", err)
	}
	a.patterns = patterns

	store, err := openStore(ctx, cfg, logger, a.metrics)
	if err != nil {
		return nil, err
	}
	a.store = store

	if cfg.Auth.Enabled() {
		verifier, err := identity.NewVerifier(cfg.Auth.VerifierConfig())
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to create token verifier: %w", err)
		}
		a.verifier = verifier
	}

	a.access = services.NewAccessService(
		store,
		store,
		patterns,
		&serviceLoggerAdapter{logger: logger.With().Str("component", "access_service").Logger()},
		&serviceMetricsAdapter{collector: a.metrics},
		cfg.Access.ServiceConfig(),
	)
	return a, nil
}

// openStore opens the policy store selected by cfg.Store.Driver.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger, collector metrics.Collector) (repositories.PolicyStore, error) {
	switch cfg.Store.Driver {
	case config.DriverFile:
		store, err := policyfile.Open(cfg.Store.PolicyFile, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open policy file: %w", err)
		}
		return store, nil
	case config.DriverDuckDB:
		connPool, err := pool.New(cfg.Store.PoolConfig(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		connPool.SetMetricsCollector(collector)

		store, err := duckdb.NewPolicyStore(ctx, connPool, logger)
		if err != nil {
			connPool.Close()
			return nil, fmt.Errorf("failed to open policy store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// requester resolves the caller from a bearer token, or from the flags when
// no token is given.
func (a *app) requester(token, userID string, isAdmin bool, permissions []string) (*models.Requester, error) {
	if token == "" {
		return &models.Requester{UserID: userID, IsAdmin: isAdmin, Permissions: permissions}, nil
	}
	if a.verifier == nil {
		return nil, fmt.Errorf("--token needs auth.jwt_secret to be configured")
	}
	return a.verifier.Verify(token)
}

// Close exports metrics when configured and releases the store and log file.
func (a *app) Close() error {
	var firstErr error
	if a.prom != nil && a.cfg.Metrics.TextfilePath != "" {
		if err := a.prom.WriteToTextfile(a.cfg.Metrics.TextfilePath); err != nil {
			a.logger.Error().Err(err).Str("path", a.cfg.Metrics.TextfilePath).Msg("Failed to write metrics")
			firstErr = err
		}
	}

	if stats := a.patterns.Stats(); stats.Hits+stats.Misses > 0 {
		a.logger.Debug().
			Uint64("hits", stats.Hits).
			Uint64("misses", stats.Misses).
			Float64("hit_rate", a.patterns.HitRate()).
			Msg("Pattern cache")
	}

	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

// Package pool provides database connection pooling for the DuckDB policy store.
package pool

import (
	"context"
	"database/sql"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/rs/zerolog"

	pkgerrors "github.com/TFMV/gatekeeper/pkg/errors"
	"github.com/TFMV/gatekeeper/pkg/infrastructure/metrics"
)

// Config represents pool configuration.
type Config struct {
	DSN                string        `json:"dsn" mapstructure:"dsn"`
	MaxOpenConnections int           `json:"max_open_connections" mapstructure:"max_open_connections"`
	MaxIdleConnections int           `json:"max_idle_connections" mapstructure:"max_idle_connections"`
	ConnMaxLifetime    time.Duration `json:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime    time.Duration `json:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
	HealthCheckPeriod  time.Duration `json:"health_check_period" mapstructure:"health_check_period"`
	ConnectionTimeout  time.Duration `json:"connection_timeout" mapstructure:"connection_timeout"`

	// MotherDuckToken authenticates md: and motherduck:// DSNs.
	MotherDuckToken string `json:"-" mapstructure:"motherduck_token"`

	// A tripped breaker fails Get fast instead of pinging a dead store on
	// every access decision.
	EnableCircuitBreaker    bool          `json:"enable_circuit_breaker" mapstructure:"enable_circuit_breaker"`
	CircuitBreakerThreshold int           `json:"circuit_breaker_threshold" mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `json:"circuit_breaker_timeout" mapstructure:"circuit_breaker_timeout"`
}

// ConnectionPool manages database connections.
type ConnectionPool interface {
	// Get returns a live database handle.
	Get(ctx context.Context) (*sql.DB, error)
	// Stats returns pool statistics.
	Stats() PoolStats
	// HealthCheck performs a health check on the pool.
	HealthCheck(ctx context.Context) error
	// Close closes the connection pool.
	Close() error
	// SetMetricsCollector sets the metrics collector.
	SetMetricsCollector(collector metrics.Collector)
}

// PoolStats represents connection pool statistics.
type PoolStats struct {
	OpenConnections     int           `json:"open_connections"`
	InUse               int           `json:"in_use"`
	Idle                int           `json:"idle"`
	WaitCount           int64         `json:"wait_count"`
	WaitDuration        time.Duration `json:"wait_duration"`
	LastHealthCheck     time.Time     `json:"last_health_check"`
	HealthCheckStatus   string        `json:"health_check_status"`
	CircuitBreakerState string        `json:"circuit_breaker_state,omitempty"`
}

// CircuitBreakerState represents the state of the circuit breaker.
type CircuitBreakerState int

const (
	CircuitBreakerClosed CircuitBreakerState = iota
	CircuitBreakerOpen
	CircuitBreakerHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerClosed:
		return "closed"
	case CircuitBreakerOpen:
		return "open"
	case CircuitBreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker opens after threshold consecutive failures and lets a
// single probe through once timeout has passed.
type CircuitBreaker struct {
	state           atomic.Int32
	failures        atomic.Int64
	lastFailureTime atomic.Int64 // unix nanoseconds
	threshold       int
	timeout         time.Duration
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		timeout:   timeout,
	}
}

// CanExecute checks if the circuit breaker allows execution.
func (cb *CircuitBreaker) CanExecute() bool {
	switch CircuitBreakerState(cb.state.Load()) {
	case CircuitBreakerClosed, CircuitBreakerHalfOpen:
		return true
	case CircuitBreakerOpen:
		if time.Since(time.Unix(0, cb.lastFailureTime.Load())) > cb.timeout {
			return cb.state.CompareAndSwap(int32(CircuitBreakerOpen), int32(CircuitBreakerHalfOpen))
		}
		return false
	default:
		return false
	}
}

// RecordSuccess closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.failures.Store(0)
	cb.state.Store(int32(CircuitBreakerClosed))
}

// RecordFailure counts a failure and opens the breaker at the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	failures := cb.failures.Add(1)
	cb.lastFailureTime.Store(time.Now().UnixNano())

	if failures >= int64(cb.threshold) {
		cb.state.Store(int32(CircuitBreakerOpen))
	}
}

// State returns the current circuit breaker state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	return CircuitBreakerState(cb.state.Load())
}

type connectionPool struct {
	db     *sql.DB
	config Config
	logger zerolog.Logger

	closed atomic.Bool

	lastHealthCheck atomic.Int64
	healthStatus    atomic.Value // string

	cancel context.CancelFunc

	waitCount    atomic.Int64
	waitDuration atomic.Int64

	circuitBreaker *CircuitBreaker

	mu      sync.RWMutex
	metrics metrics.Collector
}

// New opens a DuckDB database and verifies it with a health check.
func New(cfg Config, logger zerolog.Logger) (ConnectionPool, error) {
	cfg = withDefaults(cfg)
	logger = logger.With().Str("component", "pool").Logger()

	logger.Info().
		Str("dsn", maskDSN(cfg.DSN)).
		Int("max_open", cfg.MaxOpenConnections).
		Int("max_idle", cfg.MaxIdleConnections).
		Bool("motherduck", isMotherDuck(cfg.DSN)).
		Bool("circuit_breaker", cfg.EnableCircuitBreaker).
		Msg("Opening DuckDB connection pool")

	db, err := sql.Open("duckdb", cfg.DSN)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "failed to open database")
	}

	db.SetMaxOpenConns(cfg.MaxOpenConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithCancel(context.Background())
	p := &connectionPool{
		db:      db,
		config:  cfg,
		logger:  logger,
		cancel:  cancel,
		metrics: metrics.NewNoOpCollector(),
	}
	if cfg.EnableCircuitBreaker {
		p.circuitBreaker = NewCircuitBreaker(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerTimeout)
	}
	p.healthStatus.Store("unknown")

	connCtx, connCancel := context.WithTimeout(ctx, cfg.ConnectionTimeout)
	defer connCancel()

	if err := p.HealthCheck(connCtx); err != nil {
		db.Close()
		cancel()
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "initial health check failed")
	}

	if cfg.HealthCheckPeriod > 0 {
		go p.healthCheckRoutine(ctx)
	}

	return p, nil
}

func withDefaults(cfg Config) Config {
	if cfg.DSN == "" {
		cfg.DSN = ":memory:"
	}
	cfg.DSN = resolveDSN(cfg.DSN, cfg.MotherDuckToken)
	if cfg.MaxOpenConnections <= 0 {
		cfg.MaxOpenConnections = 8
	}
	if cfg.MaxIdleConnections <= 0 {
		cfg.MaxIdleConnections = 2
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}
	if cfg.ConnMaxIdleTime <= 0 {
		cfg.ConnMaxIdleTime = 10 * time.Minute
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 30 * time.Second
	}
	if cfg.CircuitBreakerThreshold <= 0 {
		cfg.CircuitBreakerThreshold = 5
	}
	if cfg.CircuitBreakerTimeout <= 0 {
		cfg.CircuitBreakerTimeout = time.Minute
	}
	return cfg
}

// Get returns the database handle after verifying it is alive.
func (p *connectionPool) Get(ctx context.Context) (*sql.DB, error) {
	if p.closed.Load() {
		return nil, pkgerrors.ErrStoreClosed
	}
	if p.circuitBreaker != nil && !p.circuitBreaker.CanExecute() {
		return nil, pkgerrors.New(pkgerrors.CodeUnavailable, "circuit breaker is open")
	}

	start := time.Now()
	p.waitCount.Add(1)
	defer func() {
		duration := time.Since(start)
		p.waitDuration.Add(int64(duration))
		p.collector().RecordHistogram("store_connection_acquire_seconds", duration.Seconds())
	}()

	if err := p.db.PingContext(ctx); err != nil {
		p.logger.Error().Err(err).Msg("Database ping failed")
		if p.circuitBreaker != nil {
			p.circuitBreaker.RecordFailure()
		}
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "database connection failed")
	}
	if p.circuitBreaker != nil {
		p.circuitBreaker.RecordSuccess()
	}

	p.collector().RecordGauge("store_open_connections", float64(p.db.Stats().OpenConnections))
	return p.db, nil
}

// Stats returns pool statistics.
func (p *connectionPool) Stats() PoolStats {
	dbStats := p.db.Stats()

	stats := PoolStats{
		OpenConnections:   dbStats.OpenConnections,
		InUse:             dbStats.InUse,
		Idle:              dbStats.Idle,
		WaitCount:         p.waitCount.Load(),
		WaitDuration:      time.Duration(p.waitDuration.Load()),
		LastHealthCheck:   time.Unix(p.lastHealthCheck.Load(), 0),
		HealthCheckStatus: p.getHealthStatus(),
	}
	if p.circuitBreaker != nil {
		stats.CircuitBreakerState = p.circuitBreaker.State().String()
	}
	return stats
}

// SetMetricsCollector sets the metrics collector.
func (p *connectionPool) SetMetricsCollector(collector metrics.Collector) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = collector
}

func (p *connectionPool) collector() metrics.Collector {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.metrics
}

// HealthCheck pings the database and runs a trivial query.
func (p *connectionPool) HealthCheck(ctx context.Context) error {
	if p.closed.Load() {
		return pkgerrors.ErrStoreClosed
	}

	if err := p.db.PingContext(ctx); err != nil {
		p.updateHealthStatus("unhealthy", err.Error())
		return pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "health check ping failed")
	}

	var result int
	if err := p.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil || result != 1 {
		p.updateHealthStatus("unhealthy", "query test failed")
		if err == nil {
			err = errors.New("unexpected health check result")
		}
		return pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "health check query failed")
	}

	p.updateHealthStatus("healthy", "")
	return nil
}

// Close closes the connection pool. Closing twice is a no-op.
func (p *connectionPool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	p.logger.Info().Msg("Closing DuckDB connection pool")
	p.cancel()

	if err := p.db.Close(); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "failed to close database")
	}
	return nil
}

func (p *connectionPool) healthCheckRoutine(ctx context.Context) {
	ticker := time.NewTicker(p.config.HealthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := p.HealthCheck(probeCtx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error().Err(err).Msg("Periodic health check failed")
			}
			cancel()
		}
	}
}

func (p *connectionPool) updateHealthStatus(status, detail string) {
	p.lastHealthCheck.Store(time.Now().Unix())
	previous, _ := p.healthStatus.Swap(status).(string)

	if status == "unhealthy" && previous != status {
		p.logger.Warn().
			Str("status", status).
			Str("detail", detail).
			Msg("Connection pool health status changed")
	}
}

func (p *connectionPool) getHealthStatus() string {
	if v, ok := p.healthStatus.Load().(string); ok {
		return v
	}
	return "unknown"
}

// maskDSN hides passwords, tokens and secrets while keeping the DSN
// recognisable in logs. Non-URL DSNs keep their first and last three runes.
func maskDSN(dsn string) string {
	if dsn == "" || dsn == ":memory:" {
		return dsn
	}

	u, err := url.Parse(dsn)
	if err == nil && looksLikeURL(u) {
		if ui := u.User; ui != nil {
			user := ui.Username()
			if _, hasPass := ui.Password(); hasPass {
				u.User = url.UserPassword(user, "*****")
			} else {
				u.User = url.User(user)
			}
		}

		q := u.Query()
		for k := range q {
			if isSensitiveKey(k) {
				q.Set(k, "*****")
			}
		}
		u.RawQuery = q.Encode()
		return u.String()
	}

	runes := []rune(dsn)
	if len(runes) <= 10 {
		return "***"
	}
	return string(runes[:3]) + "***" + string(runes[len(runes)-3:])
}

func looksLikeURL(u *url.URL) bool {
	return u.Scheme != "" || u.Host != "" || u.User != nil || u.RawQuery != ""
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	switch {
	case strings.Contains(key, "pass"),
		strings.Contains(key, "token"),
		strings.Contains(key, "secret"),
		strings.HasSuffix(key, "key"):
		return true
	default:
		return false
	}
}

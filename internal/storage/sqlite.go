package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/config"
)

const memoryPath = ":memory:"

// ConnectionPool manages the SQLite handle with periodic health checks
type ConnectionPool struct {
	db     *sql.DB
	stats  PoolStats
	mu     sync.RWMutex
	logger *zap.Logger
	config PoolConfig

	healthTicker *time.Ticker
	stopHealth   chan struct{}
	closeOnce    sync.Once
}

// PoolConfig contains connection pool configuration
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	HealthInterval  time.Duration
}

// PoolStats tracks connection pool performance metrics
type PoolStats struct {
	OpenConnections    int           `json:"open_connections"`
	IdleConnections    int           `json:"idle_connections"`
	WaitCount          int64         `json:"wait_count"`
	WaitDuration       time.Duration `json:"wait_duration"`
	HealthChecks       int64         `json:"health_checks"`
	FailedHealthChecks int64         `json:"failed_health_checks"`
	LastHealthCheck    time.Time     `json:"last_health_check"`
}

// SQLiteStorage persists telemetry events and scaling history in SQLite
type SQLiteStorage struct {
	config config.StorageConfig
	logger *zap.Logger
	pool   *ConnectionPool
	events *EventStorage
	mu     sync.RWMutex

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// poolConfigFor derives pool settings from configuration. An in-memory
// database lives only as long as its single connection, so that connection
// is never recycled.
func poolConfigFor(cfg config.StorageConfig) PoolConfig {
	pc := PoolConfig{
		MaxOpenConns:    cfg.ConnectionPool.MaxOpenConns,
		MaxIdleConns:    cfg.ConnectionPool.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnectionPool.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnectionPool.ConnMaxIdleTime,
		HealthInterval:  30 * time.Second,
	}
	if pc.MaxOpenConns <= 0 {
		pc.MaxOpenConns = 10
	}
	if pc.MaxIdleConns <= 0 {
		pc.MaxIdleConns = 5
	}

	if cfg.DatabasePath == memoryPath {
		pc.MaxOpenConns = 1
		pc.MaxIdleConns = 1
		pc.ConnMaxLifetime = 0
		pc.ConnMaxIdleTime = 0
	}
	return pc
}

// NewConnectionPool opens databasePath with WAL and a busy timeout
func NewConnectionPool(databasePath string, poolConfig PoolConfig, logger *zap.Logger) (*ConnectionPool, error) {
	dsn := databasePath
	if databasePath != memoryPath {
		dsn = fmt.Sprintf("%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=10000&_synchronous=NORMAL", databasePath)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(poolConfig.MaxOpenConns)
	db.SetMaxIdleConns(poolConfig.MaxIdleConns)
	db.SetConnMaxLifetime(poolConfig.ConnMaxLifetime)
	db.SetConnMaxIdleTime(poolConfig.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pool := &ConnectionPool{
		db:         db,
		config:     poolConfig,
		logger:     logger,
		stopHealth: make(chan struct{}),
	}

	pool.startHealthCheck()

	logger.Info("Connection pool created",
		zap.String("path", databasePath),
		zap.Int("max_open_conns", poolConfig.MaxOpenConns),
		zap.Int("max_idle_conns", poolConfig.MaxIdleConns),
		zap.Duration("conn_max_lifetime", poolConfig.ConnMaxLifetime))

	return pool, nil
}

// startHealthCheck begins periodic health checking
func (p *ConnectionPool) startHealthCheck() {
	p.healthTicker = time.NewTicker(p.config.HealthInterval)
	go func() {
		for {
			select {
			case <-p.stopHealth:
				return
			case <-p.healthTicker.C:
				p.performHealthCheck()
			}
		}
	}()
}

// performHealthCheck pings the database and refreshes pool statistics
func (p *ConnectionPool) performHealthCheck() {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := p.db.PingContext(ctx)
	dbStats := p.db.Stats()

	p.mu.Lock()
	p.stats.HealthChecks++
	p.stats.LastHealthCheck = start
	if err != nil {
		p.stats.FailedHealthChecks++
	}
	p.stats.OpenConnections = dbStats.OpenConnections
	p.stats.IdleConnections = dbStats.Idle
	p.stats.WaitCount = dbStats.WaitCount
	p.stats.WaitDuration = dbStats.WaitDuration
	p.mu.Unlock()

	if err != nil {
		p.logger.Error("Connection pool health check failed", zap.Error(err))
		return
	}

	p.logger.Debug("Connection pool health check completed",
		zap.Duration("duration", time.Since(start)),
		zap.Int("open_connections", dbStats.OpenConnections),
		zap.Int("idle_connections", dbStats.Idle))
}

// GetStats returns current pool statistics
func (p *ConnectionPool) GetStats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

// Close shuts down the connection pool
func (p *ConnectionPool) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if p.healthTicker != nil {
			p.healthTicker.Stop()
		}
		close(p.stopHealth)
		err = p.db.Close()
	})
	return err
}

// NewSQLiteStorage opens the database and creates the schema
func NewSQLiteStorage(cfg config.StorageConfig, logger *zap.Logger) (*SQLiteStorage, error) {
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = memoryPath
	}

	if cfg.DatabasePath != memoryPath {
		dir := filepath.Dir(cfg.DatabasePath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	pool, err := NewConnectionPool(cfg.DatabasePath, poolConfigFor(cfg), logger.Named("connection-pool"))
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	s := &SQLiteStorage{
		config: cfg,
		logger: logger,
		pool:   pool,
		events: NewEventStorage(pool.db, logger.Named("events")),
	}

	if err := s.initSchema(); err != nil {
		s.pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Start launches the retention cleanup loop
func (s *SQLiteStorage) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("storage is already running")
	}

	interval := s.config.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	s.logger.Info("Starting SQLite storage backend",
		zap.String("database_path", s.config.DatabasePath),
		zap.Duration("cleanup_interval", interval))

	go s.cleanupLoop(loopCtx, interval, s.done)
	return nil
}

// Stop ends the cleanup loop and closes the database
func (s *SQLiteStorage) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if running {
		s.logger.Info("Stopping SQLite storage backend")
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			s.logger.Warn("Timeout waiting for cleanup loop to stop")
		}
	}

	return s.pool.Close()
}

// DB returns the underlying database handle
func (s *SQLiteStorage) DB() *sql.DB {
	return s.pool.db
}

// Events returns the event store backed by this database
func (s *SQLiteStorage) Events() *EventStorage {
	return s.events
}

// GetPoolStats returns current connection pool statistics
func (s *SQLiteStorage) GetPoolStats() PoolStats {
	return s.pool.GetStats()
}

// Cleanup removes events and scaling history past their retention
func (s *SQLiteStorage) Cleanup(ctx context.Context) error {
	now := time.Now()

	if s.config.Retention.Events > 0 {
		if _, err := s.events.CleanupOldEvents(ctx, now.Add(-s.config.Retention.Events)); err != nil {
			return err
		}
	}
	if s.config.Retention.ScalingHistory > 0 {
		if _, err := s.events.CleanupScalingHistory(ctx, now.Add(-s.config.Retention.ScalingHistory)); err != nil {
			return err
		}
	}

	if _, err := s.pool.db.ExecContext(ctx, "VACUUM"); err != nil {
		s.logger.Error("Failed to vacuum database", zap.Error(err))
	} else {
		s.logger.Debug("Database vacuumed successfully")
	}

	return nil
}

// initSchema creates the database schema
func (s *SQLiteStorage) initSchema() error {
	schema := `
	-- Telemetry events
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		pool TEXT,
		summary TEXT NOT NULL,
		details TEXT NOT NULL, -- JSON blob
		correlation_id TEXT,
		severity TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_pool ON events(pool);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
	CREATE INDEX IF NOT EXISTS idx_events_severity ON events(severity);
	CREATE INDEX IF NOT EXISTS idx_events_time_pool_type ON events(timestamp, pool, type);

	-- Enacted pool resizes, one row per pool_scaling event
	CREATE TABLE IF NOT EXISTS scaling_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL UNIQUE,
		timestamp DATETIME NOT NULL,
		pool TEXT NOT NULL,
		action TEXT NOT NULL,
		reason TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		previous_max INTEGER NOT NULL,
		new_max INTEGER NOT NULL,
		utilization REAL NOT NULL,
		avg_query_time_ms REAL NOT NULL,
		error_rate REAL NOT NULL,
		waiting_requests INTEGER NOT NULL,
		hour INTEGER NOT NULL,
		peak_hour INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_scaling_history_pool_timestamp ON scaling_history(pool, timestamp);
	`

	if _, err := s.pool.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	s.logger.Info("Database schema initialized successfully")
	return nil
}

// cleanupLoop runs periodic cleanup
func (s *SQLiteStorage) cleanupLoop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Cleanup(ctx); err != nil {
				s.logger.Error("Cleanup failed", zap.Error(err))
			}
		}
	}
}

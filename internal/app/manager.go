package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/api"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/autoscaler"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/config"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/dbpool"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/eventbus"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/indexes"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/planner"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/prometheus"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/redisstore"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/security"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/storage"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/telemetry"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/txn"
)

const eventChannelBuffer = 32

// Manager coordinates all system components for one managed database
type Manager struct {
	config  *config.Config
	logger  *zap.Logger
	version string

	storage  *storage.SQLiteStorage
	pool     *dbpool.Source
	scaler   *autoscaler.Controller
	analyzer *planner.Analyzer
	catalog  *indexes.Inspector
	txn      *txn.Coordinator
	exporter *prometheus.Exporter
	audit    *security.AuditLogger

	// Telemetry components
	telemetryService *telemetry.Service
	eventEmitter     *telemetry.EventEmitter

	// Optional event sinks
	publisher  *eventbus.Publisher
	redisStore *redisstore.Store

	// Internal state
	mu         sync.RWMutex
	running    bool
	closed     bool
	startTime  time.Time
	lastReload time.Time
	configPath string

	events chan ManagerEvent
}

// ManagerEvent represents events from the manager
type ManagerEvent struct {
	Type      ManagerEventType `json:"type"`
	Message   string           `json:"message"`
	Timestamp time.Time        `json:"timestamp"`
	Error     error            `json:"error,omitempty"`
}

// ManagerEventType defines types of manager events
type ManagerEventType string

const (
	ManagerEventStarting ManagerEventType = "starting"
	ManagerEventStarted  ManagerEventType = "started"
	ManagerEventStopping ManagerEventType = "stopping"
	ManagerEventStopped  ManagerEventType = "stopped"
	ManagerEventReloaded ManagerEventType = "reloaded"
	ManagerEventError    ManagerEventType = "error"
)

// Option customizes manager construction
type Option func(*options)

type options struct {
	connector  dbpool.Connector
	configPath string
	version    string
	skipSinks  bool
}

// WithConnector supplies the database connector instead of dialing
// Database.URL with pgx
func WithConnector(c dbpool.Connector) Option {
	return func(o *options) { o.connector = c }
}

// WithConfigPath records where the configuration came from, for reloads
func WithConfigPath(path string) Option {
	return func(o *options) { o.configPath = path }
}

// WithVersion sets the version reported by health endpoints
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// WithoutEventSinks skips the NATS and Redis sinks even when enabled.
// One-shot CLI commands use it.
func WithoutEventSinks() Option {
	return func(o *options) { o.skipSinks = true }
}

// NewManager builds every component. The database is dialed here, so an
// unreachable database fails construction.
func NewManager(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	o := options{version: cfg.Telemetry.ServiceVersion}
	for _, opt := range opts {
		opt(&o)
	}

	m := &Manager{
		config:     cfg,
		logger:     logger,
		version:    o.version,
		configPath: o.configPath,
		events:     make(chan ManagerEvent, eventChannelBuffer),
	}

	if err := m.build(ctx, o); err != nil {
		m.release(context.Background())
		return nil, err
	}
	return m, nil
}

func (m *Manager) build(ctx context.Context, o options) error {
	cfg := m.config

	sqliteStore, err := storage.NewSQLiteStorage(cfg.Storage, m.logger.Named("storage"))
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	m.storage = sqliteStore

	telemetryService, err := telemetry.NewService(telemetryConfig(cfg), m.logger.Named("telemetry"))
	if err != nil {
		return fmt.Errorf("failed to create telemetry service: %w", err)
	}
	m.telemetryService = telemetryService
	tracer := telemetryService.GetTraceHelper()

	m.eventEmitter = telemetry.NewEventEmitter(telemetryService, m.logger.Named("events"), sqliteStore.Events())

	if !o.skipSinks {
		if err := m.attachSinks(ctx); err != nil {
			return err
		}
	}

	connector := o.connector
	if connector == nil {
		pgxConnector, err := dbpool.NewPgxConnector(ctx, dbpool.PgxConfig{
			URL:            cfg.Database.URL,
			MinConns:       cfg.Database.MinConns,
			MaxConns:       cfg.Database.MaxConns,
			IdleTimeout:    cfg.Database.IdleTimeout,
			ConnectTimeout: cfg.Database.ConnectTimeout,
			TLS:            cfg.Database.TLS,
		}, m.logger.Named("pgx"))
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		connector = pgxConnector
	}

	pool, err := dbpool.NewSource(connector, dbpool.Options{
		Name:               cfg.Database.Name,
		MinConns:           cfg.Database.MinConns,
		MaxConns:           cfg.Database.MaxConns,
		InitialMaxConns:    cfg.Database.InitialMaxConns,
		ConnectTimeout:     cfg.Database.ConnectTimeout,
		SlowQueryThreshold: cfg.Database.SlowQueryThreshold,
		RetryAttempts:      cfg.Database.Retry.Attempts,
		RetryDelay:         cfg.Database.Retry.Delay,
	}, m.logger.Named("dbpool"), m.eventEmitter)
	if err != nil {
		connector.Close()
		return fmt.Errorf("failed to create connection source: %w", err)
	}
	m.pool = pool

	scaler, err := autoscaler.NewController(pool, autoscaler.Options{
		Settings:           SettingsFromConfig(cfg),
		ScalingInterval:    cfg.Scaling.Interval,
		MetricsInterval:    cfg.Scaling.MetricsInterval,
		HealthCheckTimeout: cfg.Database.HealthCheckTimeout,
		HistorySize:        cfg.Scaling.HistorySize,
	}, m.logger, m.eventEmitter, tracer)
	if err != nil {
		return fmt.Errorf("failed to create scaling controller: %w", err)
	}
	m.scaler = scaler

	m.analyzer = planner.NewAnalyzer(pool, m.logger, tracer)
	m.catalog = indexes.NewInspector(pool, m.analyzer, IndexConfigFromConfig(cfg.Indexes), m.logger, m.eventEmitter, tracer)
	m.txn = txn.NewCoordinator(pool, m.logger, tracer)

	exporter, err := prometheus.NewExporter(cfg.Server, pool, m.logger.Named("prometheus"))
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	m.exporter = exporter
	m.eventEmitter.Subscribe(exporter)

	deps := api.Dependencies{
		Pool:    pool,
		Scaler:  scaler,
		Indexes: m.catalog,
		Events:  sqliteStore.Events(),
	}
	if cfg.Server.Audit.Enabled {
		audit, err := security.NewAuditLogger(cfg.Server.Audit, m.logger)
		if err != nil {
			return fmt.Errorf("failed to create audit logger: %w", err)
		}
		m.audit = audit
		deps.Audit = audit
	}
	exporter.SetAPIServer(api.NewServer(m.logger, deps, m.version))

	return nil
}

// attachSinks connects the optional NATS and Redis subscribers. A sink that
// cannot connect is logged and skipped; the manager runs without it.
func (m *Manager) attachSinks(ctx context.Context) error {
	if m.config.EventBus.Enabled {
		publisher, err := eventbus.NewPublisher(m.config.EventBus, m.logger.Named("eventbus"))
		if err != nil {
			m.logger.Warn("Event bus unavailable, continuing without it", zap.Error(err))
		} else {
			m.publisher = publisher
			m.eventEmitter.Subscribe(publisher)
		}
	}

	if m.config.Redis.Enabled {
		store, err := redisstore.New(ctx, m.config.Redis, m.logger.Named("redis"))
		if err != nil {
			m.logger.Warn("Redis unavailable, continuing without it", zap.Error(err))
		} else {
			m.redisStore = store
			m.eventEmitter.Subscribe(store)
		}
	}
	return nil
}

// Run starts the manager and all its components
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("manager is already running")
	}
	m.running = true
	m.startTime = time.Now()
	m.mu.Unlock()

	m.emitEvent(ManagerEventStarting, "Starting pgpool-runtime-manager")

	if err := m.performPreflightChecks(ctx); err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		m.emitEvent(ManagerEventError, fmt.Sprintf("Pre-flight checks failed: %v", err))
		return fmt.Errorf("pre-flight checks failed: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		m.logger.Info("Starting storage backend")
		return m.storage.Start(gCtx)
	})

	g.Go(func() error {
		m.logger.Info("Starting telemetry service")
		return m.telemetryService.Start(gCtx)
	})

	g.Go(func() error {
		m.logger.Info("Starting scaling controller")
		return m.scaler.Start(gCtx)
	})

	g.Go(func() error {
		m.logger.Info("Starting Prometheus exporter")
		return m.exporter.Start(gCtx)
	})

	g.Go(func() error {
		return m.processEvents(gCtx)
	})

	m.emitEvent(ManagerEventStarted, "Manager started successfully")
	m.logger.Info("Manager started successfully",
		zap.String("pool", m.pool.Name()),
		zap.Int("current_max", m.pool.MaxConns()),
		zap.Duration("startup_time", time.Since(m.startTime)))

	err := g.Wait()

	m.logger.Info("Stopping remaining services")
	m.emitEvent(ManagerEventStopping, "Manager stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.DefaultShutdownTimeout)
	defer cancel()
	m.release(shutdownCtx)

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error("Manager stopped with error", zap.Error(err))
		return err
	}

	m.logger.Info("Manager stopped gracefully")
	return nil
}

// Close releases every component without running. One-shot commands call
// it; Run releases on its own.
func (m *Manager) Close(ctx context.Context) {
	m.release(ctx)
}

// release stops components in reverse dependency order. It is idempotent.
func (m *Manager) release(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	if m.scaler != nil {
		if err := m.scaler.Stop(); err != nil {
			m.logger.Error("Failed to stop scaling controller", zap.Error(err))
		}
	}
	if m.pool != nil {
		m.pool.Close()
	}
	if m.audit != nil {
		m.audit.Stop()
	}
	if m.publisher != nil {
		m.publisher.Close()
	}
	if m.redisStore != nil {
		if err := m.redisStore.Close(); err != nil {
			m.logger.Warn("Failed to close redis client", zap.Error(err))
		}
	}
	if m.telemetryService != nil {
		if err := m.telemetryService.Stop(ctx); err != nil {
			m.logger.Error("Failed to stop telemetry service", zap.Error(err))
		}
	}
	if m.storage != nil {
		if err := m.storage.Stop(ctx); err != nil {
			m.logger.Error("Failed to stop storage", zap.Error(err))
		}
	}
}

// Reload re-reads the configuration file and applies its scaling settings.
// Pool bounds, database and server settings need a restart.
func (m *Manager) Reload(ctx context.Context) error {
	m.logger.Info("Reloading configuration")

	path := m.configPath
	newConfig, err := m.loadConfig()
	if err != nil {
		m.emitEvent(ManagerEventError, fmt.Sprintf("Failed to reload config: %v", err))
		if emitErr := m.eventEmitter.EmitConfigurationEvent(ctx, telemetry.ConfigurationEventDetails{
			Action:   "reloaded",
			Errors:   []string{err.Error()},
			FilePath: path,
		}); emitErr != nil {
			m.logger.Warn("Failed to record configuration event", zap.Error(emitErr))
		}
		return fmt.Errorf("failed to reload config: %w", err)
	}

	if err := m.scaler.UpdateSettings(ctx, SettingsFromConfig(newConfig)); err != nil {
		m.emitEvent(ManagerEventError, fmt.Sprintf("Failed to apply scaling settings: %v", err))
		return fmt.Errorf("failed to apply scaling settings: %w", err)
	}

	m.mu.Lock()
	m.config.Scaling = newConfig.Scaling
	m.config.Alerts = newConfig.Alerts
	m.lastReload = time.Now()
	m.mu.Unlock()

	m.emitEvent(ManagerEventReloaded, "Configuration reloaded successfully")
	m.logger.Info("Configuration reloaded successfully")
	return nil
}

// Health returns the controller's health rollup
func (m *Manager) Health(ctx context.Context) autoscaler.HealthStatus {
	return m.scaler.Health(ctx)
}

// Pool returns the managed connection source
func (m *Manager) Pool() *dbpool.Source { return m.pool }

// Scaler returns the scaling controller
func (m *Manager) Scaler() *autoscaler.Controller { return m.scaler }

// Analyzer returns the query plan analyzer
func (m *Manager) Analyzer() *planner.Analyzer { return m.analyzer }

// Indexes returns the index catalog inspector
func (m *Manager) Indexes() *indexes.Inspector { return m.catalog }

// Transactions returns the transaction coordinator over the managed pool
func (m *Manager) Transactions() *txn.Coordinator { return m.txn }

// processEvents logs manager lifecycle events
func (m *Manager) processEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-m.events:
			m.logger.Info("Manager event",
				zap.String("type", string(event.Type)),
				zap.String("message", event.Message),
				zap.Error(event.Error))
		}
	}
}

// emitEvent emits a manager event
func (m *Manager) emitEvent(eventType ManagerEventType, message string) {
	event := ManagerEvent{
		Type:      eventType,
		Message:   message,
		Timestamp: time.Now(),
	}

	select {
	case m.events <- event:
	default:
		m.logger.Warn("Event channel full, dropping event",
			zap.String("type", string(eventType)),
			zap.String("message", message))
	}
}

// loadConfig re-reads the file the manager started from, or the
// environment in zero-config mode
func (m *Manager) loadConfig() (*config.Config, error) {
	if m.configPath != "" {
		return config.Load(m.configPath)
	}
	return config.LoadDefault()
}

// performPreflightChecks validates the environment before startup
func (m *Manager) performPreflightChecks(ctx context.Context) error {
	m.logger.Info("Performing pre-flight checks")

	if m.config.Server.BindAddress != "" {
		if err := m.checkBindAddressAvailable(m.config.Server.BindAddress); err != nil {
			return fmt.Errorf("server bind address %s is not available: %w", m.config.Server.BindAddress, err)
		}
		m.logger.Info("Server bind address available", zap.String("bind_address", m.config.Server.BindAddress))
	}

	if err := m.validateStorageDirectories(); err != nil {
		return fmt.Errorf("storage directory validation failed: %w", err)
	}

	if err := m.checkTLSFiles(); err != nil {
		return err
	}

	if !m.pool.HealthCheckWithTimeout(ctx, m.config.Database.HealthCheckTimeout) {
		last := m.pool.LastHealthCheck()
		m.logger.Warn("Database health check failed at startup; the controller will keep probing",
			zap.String("error", last.Error))
	}

	m.logger.Info("All pre-flight checks passed successfully")
	return nil
}

// checkBindAddressAvailable checks if a bind address is available for binding
func (m *Manager) checkBindAddressAvailable(bindAddress string) error {
	listener, err := net.Listen("tcp", bindAddress)
	if err != nil {
		return fmt.Errorf("address is already in use or cannot be bound: %w", err)
	}
	listener.Close()
	return nil
}

// validateStorageDirectories ensures the event database directory exists and is writable
func (m *Manager) validateStorageDirectories() error {
	if m.config.Storage.DatabasePath == "" || m.config.Storage.DatabasePath == ":memory:" {
		return nil
	}

	dbDir := filepath.Dir(m.config.Storage.DatabasePath)
	if dbDir == "." || dbDir == "" {
		return nil
	}

	if _, err := os.Stat(dbDir); os.IsNotExist(err) {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %s: %w", dbDir, err)
		}
	}

	tempFile := filepath.Join(dbDir, ".write_test")
	file, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("database directory is not writable: %s: %w", dbDir, err)
	}
	file.Close()
	os.Remove(tempFile)
	return nil
}

// checkTLSFiles verifies the server certificate and key are readable
func (m *Manager) checkTLSFiles() error {
	tls := m.config.Server.TLS
	if !tls.Enabled {
		return nil
	}
	for _, path := range []string{tls.CertFile, tls.KeyFile} {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("TLS file %s is not readable: %w", path, err)
		}
		f.Close()
	}
	return nil
}

// IsRunning returns true if the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

func telemetryConfig(cfg *config.Config) telemetry.Config {
	t := cfg.Telemetry
	return telemetry.Config{
		Enabled:        t.Enabled,
		ServiceName:    t.ServiceName,
		ServiceVersion: t.ServiceVersion,
		Environment:    t.Environment,
		PoolName:       cfg.Database.Name,
		Exporter: telemetry.ExporterConfig{
			Type:     t.Exporter.Type,
			Endpoint: t.Exporter.Endpoint,
			Insecure: t.Exporter.Insecure,
			Headers:  t.Exporter.Headers,
		},
		Sampling: telemetry.SamplingConfig{Rate: t.Sampling.Rate},
	}
}

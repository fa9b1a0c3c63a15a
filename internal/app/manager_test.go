package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/autoscaler"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/config"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/dbpool"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/indexes"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/telemetry"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/testutil"
)

const testDatabaseURL = "postgres://app@localhost:5432/app"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv(config.EnvDatabaseURL, testDatabaseURL)
	t.Setenv(config.EnvNATSURL, "")
	t.Setenv(config.EnvRedisAddr, "")

	cfg, err := config.LoadDefault()
	require.NoError(t, err)
	cfg.Server.BindAddress = "127.0.0.1:0"
	return cfg
}

func newTestManager(t *testing.T, cfg *config.Config, opts ...Option) (*Manager, *testutil.FakeConnector) {
	t.Helper()
	connector := testutil.NewFakeConnector(testutil.NewFakeDB())
	opts = append([]Option{WithConnector(connector), WithoutEventSinks(), WithVersion("test")}, opts...)

	m, err := NewManager(context.Background(), cfg, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close(context.Background()) })
	return m, connector
}

func TestNewManager(t *testing.T) {
	tests := []struct {
		name    string
		cfg     func(t *testing.T) *config.Config
		nilLog  bool
		wantErr string
	}{
		{
			name: "valid config",
			cfg:  testConfig,
		},
		{
			name:    "nil config",
			cfg:     func(*testing.T) *config.Config { return nil },
			wantErr: "configuration is required",
		},
		{
			name:    "nil logger",
			cfg:     testConfig,
			nilLog:  true,
			wantErr: "logger is required",
		},
		{
			name: "invalid pool bounds",
			cfg: func(t *testing.T) *config.Config {
				cfg := testConfig(t)
				cfg.Database.MaxConns = 1
				cfg.Database.MinConns = 4
				return cfg
			},
			wantErr: "failed to create connection source",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := zaptest.NewLogger(t)
			if tt.nilLog {
				logger = nil
			}
			connector := testutil.NewFakeConnector(testutil.NewFakeDB())

			m, err := NewManager(context.Background(), tt.cfg(t), logger, WithConnector(connector), WithoutEventSinks())
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, m)
				return
			}

			require.NoError(t, err)
			defer m.Close(context.Background())

			assert.NotNil(t, m.Pool())
			assert.NotNil(t, m.Scaler())
			assert.NotNil(t, m.Analyzer())
			assert.NotNil(t, m.Indexes())
			assert.NotNil(t, m.Transactions())
			assert.False(t, m.IsRunning())
			assert.Equal(t, config.DefaultPoolName, m.Pool().Name())
		})
	}
}

func TestNewManagerClosesConnectorOnFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.MaxConns = 1
	cfg.Database.MinConns = 4

	connector := testutil.NewFakeConnector(testutil.NewFakeDB())
	_, err := NewManager(context.Background(), cfg, zaptest.NewLogger(t), WithConnector(connector), WithoutEventSinks())
	require.Error(t, err)
	assert.True(t, connector.Closed())
}

func TestManagerRun(t *testing.T) {
	m, connector := newTestManager(t, testConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		return m.IsRunning() && m.Scaler().IsRunning()
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(t, m.Pool().LastHealthCheck().Healthy)

	err := m.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("manager did not stop")
	}

	assert.False(t, m.IsRunning())
	assert.False(t, m.Scaler().IsRunning())
	assert.True(t, connector.Closed())
}

func TestManagerRunFailsPreflight(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.TLS = config.TLSConfig{
		Enabled:  true,
		CertFile: filepath.Join(t.TempDir(), "missing.crt"),
		KeyFile:  filepath.Join(t.TempDir(), "missing.key"),
	}
	m, _ := newTestManager(t, cfg)

	err := m.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pre-flight checks failed")
	assert.False(t, m.IsRunning())
}

func TestManagerReload(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(t.TempDir(), "pgpool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  url: "`+testDatabaseURL+`"
scaling:
  cooldown: 2m
  scale_up_threshold: 0.9
  scale_down_threshold: 0.2
alerts:
  avg_query_time: 250ms
`), 0644))

	m, _ := newTestManager(t, cfg, WithConfigPath(path))
	before := m.Scaler().Settings()
	assert.Equal(t, 0.8, before.ScaleUpThreshold)

	require.NoError(t, m.Reload(context.Background()))

	after := m.Scaler().Settings()
	assert.Equal(t, 2*time.Minute, after.Cooldown)
	assert.Equal(t, 0.9, after.ScaleUpThreshold)
	assert.Equal(t, 0.2, after.ScaleDownThreshold)
	assert.Equal(t, 250.0, after.Alerts.AvgQueryTimeMs)
	assert.Equal(t, 2*time.Minute, m.config.Scaling.Cooldown)
}

func TestManagerReloadRejectsInvalidFile(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(t.TempDir(), "pgpool.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scaling: [not a map"), 0644))

	m, _ := newTestManager(t, cfg, WithConfigPath(path))
	before := m.Scaler().Settings()

	err := m.Reload(context.Background())
	require.Error(t, err)
	assert.Equal(t, before, m.Scaler().Settings())

	events, err := m.storage.Events().GetEvents(context.Background(), telemetry.EventFilter{
		Type: telemetry.EventTypeConfiguration,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, telemetry.SeverityError, events[0].Severity)
}

func TestManagerHealth(t *testing.T) {
	m, connector := newTestManager(t, testConfig(t))

	status := m.Health(context.Background())
	assert.True(t, status.Pool.Reachable)

	connector.FailNext(10, assert.AnError)
	status = m.Health(context.Background())
	assert.False(t, status.Pool.Reachable)
	assert.NotEqual(t, autoscaler.HealthHealthy, status.Overall)
}

func TestEmitEvent(t *testing.T) {
	m := &Manager{
		logger: zaptest.NewLogger(t),
		events: make(chan ManagerEvent, 2),
	}

	m.emitEvent(ManagerEventStarting, "one")
	m.emitEvent(ManagerEventStarted, "two")
	m.emitEvent(ManagerEventStopping, "dropped")

	require.Len(t, m.events, 2)
	first := <-m.events
	assert.Equal(t, ManagerEventStarting, first.Type)
	assert.Equal(t, "one", first.Message)
	assert.False(t, first.Timestamp.IsZero())
}

func TestProcessEventsStopsOnCancel(t *testing.T) {
	m := &Manager{
		logger: zaptest.NewLogger(t),
		events: make(chan ManagerEvent, 1),
	}
	m.emitEvent(ManagerEventReloaded, "reloaded")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.processEvents(ctx) }()

	require.Eventually(t, func() bool { return len(m.events) == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestSettingsFromConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scaling.PeakHours = []int{8, 9}
	cfg.Alerts.AvgQueryTime = 1500 * time.Millisecond

	s := SettingsFromConfig(cfg)
	assert.Equal(t, cfg.Scaling.ScaleUpThreshold, s.ScaleUpThreshold)
	assert.Equal(t, cfg.Scaling.Cooldown, s.Cooldown)
	assert.Equal(t, []int{8, 9}, s.PeakHours)
	assert.Equal(t, 1500.0, s.Alerts.AvgQueryTimeMs)
	assert.Equal(t, cfg.Alerts.EmergencyWaiting, s.Alerts.EmergencyWaiting)

	cfg.Scaling.PeakHours[0] = 23
	assert.Equal(t, 8, s.PeakHours[0], "settings must not alias the config slice")
}

func TestManagerPoolUsesConfiguredRetry(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Retry.Attempts = 3
	cfg.Database.Retry.Delay = 10 * time.Millisecond
	m, connector := newTestManager(t, cfg)

	connector.FailNext(1, errors.New("connection reset by peer"))
	_, err := m.Pool().Execute(context.Background(), "SELECT 1")
	require.NoError(t, err)

	connector.FailNext(1, errors.New("connection reset by peer"))
	err = m.Transactions().WithTransaction(context.Background(), func(ctx context.Context, q dbpool.Querier) error {
		return nil
	})
	require.NoError(t, err)
}

func TestIndexConfigFromConfig(t *testing.T) {
	out := IndexConfigFromConfig(config.IndexConfig{
		Schema:              "listings",
		UnusedScanThreshold: 3,
		DDLTimeout:          time.Hour,
		Required: []config.RequiredIndexConfig{
			{Name: "idx_a", Table: "a", Method: "btree", Columns: []string{"x"}},
			{Name: "idx_b", Table: "b", Method: "gin", Columns: []string{"doc"}, Impact: indexes.ImpactHigh},
		},
	})

	assert.Equal(t, "listings", out.Schema)
	assert.Equal(t, int64(3), out.UnusedScanThreshold)
	assert.Equal(t, time.Hour, out.DDLTimeout)
	require.Len(t, out.Required, 2)
	assert.Equal(t, indexes.ImpactMedium, out.Required[0].Impact)
	assert.Equal(t, indexes.ImpactHigh, out.Required[1].Impact)

	empty := IndexConfigFromConfig(config.IndexConfig{})
	assert.Nil(t, empty.Required)
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(config.LoggingConfig{Level: "warn", Format: "json"}, "")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	logger, err = NewLogger(config.LoggingConfig{Level: "warn", Format: "console"}, "debug")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	_, err = NewLogger(config.LoggingConfig{Level: "verbose"}, "")
	assert.Error(t, err)
}

func TestNewManagerWithAudit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Audit = config.AuditConfig{
		Enabled: true,
		LogFile: filepath.Join(t.TempDir(), "audit.log"),
	}

	m, _ := newTestManager(t, cfg)
	require.NotNil(t, m.audit)
	_, err := os.Stat(cfg.Server.Audit.LogFile)
	assert.NoError(t, err)

	cfg.Server.Audit.LogFile = filepath.Join(t.TempDir(), "missing", "audit.log")
	_, err = NewManager(context.Background(), cfg, zaptest.NewLogger(t),
		WithConnector(testutil.NewFakeConnector(testutil.NewFakeDB())), WithoutEventSinks())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create audit logger")
}

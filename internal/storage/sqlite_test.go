package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/config"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/telemetry"
)

func newTestStorage(t *testing.T, cfg config.StorageConfig) *SQLiteStorage {
	t.Helper()
	s, err := NewSQLiteStorage(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func scalingEvent(id string, ts time.Time, newMax int) telemetry.Event {
	return telemetry.Event{
		ID:        id,
		Type:      telemetry.EventTypePoolScaling,
		Timestamp: ts,
		Pool:      "primary",
		Summary:   "Pool scaled",
		Severity:  telemetry.SeverityInfo,
		Details: map[string]interface{}{
			"action":            "scale_up",
			"previous_max":      newMax - 5,
			"new_max":           newMax,
			"reason":            "high utilization during peak hours",
			"trigger":           "scheduled",
			"utilization":       0.9,
			"avg_query_time_ms": 12.5,
			"error_rate":        0.0,
			"waiting_requests":  0,
			"hour":              10,
			"peak_hour":         true,
		},
	}
}

func TestNewSQLiteStorage(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name   string
		config config.StorageConfig
	}{
		{
			name:   "in memory",
			config: config.StorageConfig{DatabasePath: ":memory:"},
		},
		{
			name:   "empty path falls back to memory",
			config: config.StorageConfig{},
		},
		{
			name:   "nested directory path",
			config: config.StorageConfig{DatabasePath: filepath.Join(tempDir, "nested", "dir", "events.db")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStorage(t, tt.config)

			for _, table := range []string{"events", "scaling_history"} {
				var name string
				err := s.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
				if err != nil {
					t.Errorf("Expected table %s to exist: %v", table, err)
				}
			}
		})
	}

	if _, err := os.Stat(filepath.Join(tempDir, "nested", "dir")); err != nil {
		t.Errorf("Expected database directory to be created: %v", err)
	}
}

func TestPoolConfigForMemory(t *testing.T) {
	pc := poolConfigFor(config.StorageConfig{
		DatabasePath:   ":memory:",
		ConnectionPool: config.ConnectionPoolConfig{MaxOpenConns: 20, ConnMaxLifetime: time.Hour},
	})
	if pc.MaxOpenConns != 1 || pc.ConnMaxLifetime != 0 {
		t.Errorf("Expected a single long-lived connection for :memory:, got %+v", pc)
	}

	pc = poolConfigFor(config.StorageConfig{DatabasePath: "/tmp/x.db"})
	if pc.MaxOpenConns != 10 || pc.MaxIdleConns != 5 {
		t.Errorf("Expected defaults 10/5, got %+v", pc)
	}
}

func TestSQLiteStorageStartStop(t *testing.T) {
	s := newTestStorage(t, config.StorageConfig{DatabasePath: ":memory:", CleanupInterval: time.Hour})
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Failed to start storage: %v", err)
	}
	if err := s.Start(ctx); err == nil {
		t.Error("Expected error when starting twice")
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Errorf("Failed to stop storage: %v", err)
	}
	if err := s.Stop(stopCtx); err != nil {
		t.Errorf("Expected second stop to be a no-op, got %v", err)
	}
}

func TestStoreAndGetEvents(t *testing.T) {
	s := newTestStorage(t, config.StorageConfig{DatabasePath: ":memory:"})
	events := s.Events()
	ctx := context.Background()
	base := time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC)

	stored := []telemetry.Event{
		{
			ID: "evt-1", Type: telemetry.EventTypeAlert, Timestamp: base, Pool: "primary",
			Summary: "Alert high_utilization", Severity: telemetry.SeverityWarning,
			Details: map[string]interface{}{"alert": "high_utilization", "value": 0.9},
		},
		{
			ID: "evt-2", Type: telemetry.EventTypeHealthChange, Timestamp: base.Add(time.Minute), Pool: "primary",
			Summary: "Health changed", Severity: telemetry.SeverityWarning,
			Details: map[string]interface{}{"new_state": "degraded"},
		},
		scalingEvent("evt-3", base.Add(2*time.Minute), 25),
		{
			ID: "evt-4", Type: telemetry.EventTypeIndexMaintenance, Timestamp: base.Add(3 * time.Minute),
			Summary: "Index created", Severity: telemetry.SeverityInfo,
			Details: map[string]interface{}{"index": "idx_properties_price"},
		},
	}
	for _, e := range stored {
		if err := events.StoreEvent(ctx, e); err != nil {
			t.Fatalf("Failed to store event %s: %v", e.ID, err)
		}
	}

	tests := []struct {
		name    string
		filter  telemetry.EventFilter
		wantIDs []string
	}{
		{"all newest first", telemetry.EventFilter{}, []string{"evt-4", "evt-3", "evt-2", "evt-1"}},
		{"by type", telemetry.EventFilter{Type: telemetry.EventTypeAlert}, []string{"evt-1"}},
		{"by pool", telemetry.EventFilter{Pool: "primary"}, []string{"evt-3", "evt-2", "evt-1"}},
		{"by severity", telemetry.EventFilter{Severity: telemetry.SeverityWarning}, []string{"evt-2", "evt-1"}},
		{"by time range", telemetry.EventFilter{StartTime: base.Add(30 * time.Second), EndTime: base.Add(150 * time.Second)}, []string{"evt-3", "evt-2"}},
		{"limit", telemetry.EventFilter{Limit: 2}, []string{"evt-4", "evt-3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := events.GetEvents(ctx, tt.filter)
			if err != nil {
				t.Fatalf("GetEvents failed: %v", err)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("Expected %d events, got %d", len(tt.wantIDs), len(got))
			}
			for i, id := range tt.wantIDs {
				if got[i].ID != id {
					t.Errorf("Event %d: expected %s, got %s", i, id, got[i].ID)
				}
			}
		})
	}

	got, err := events.GetEvents(ctx, telemetry.EventFilter{Type: telemetry.EventTypeAlert})
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if got[0].Details["alert"] != "high_utilization" {
		t.Errorf("Expected details to round-trip, got %v", got[0].Details)
	}
	if !got[0].Timestamp.Equal(base) {
		t.Errorf("Expected timestamp %v, got %v", base, got[0].Timestamp)
	}
}

func TestStoreEventDuplicateID(t *testing.T) {
	s := newTestStorage(t, config.StorageConfig{DatabasePath: ":memory:"})
	ctx := context.Background()
	event := scalingEvent("evt-dup", time.Now(), 25)

	if err := s.Events().StoreEvent(ctx, event); err != nil {
		t.Fatalf("Failed to store event: %v", err)
	}
	if err := s.Events().StoreEvent(ctx, event); err == nil {
		t.Error("Expected duplicate event ID to fail")
	}

	records, err := s.Events().ScalingHistory(ctx, ScalingFilter{})
	if err != nil {
		t.Fatalf("ScalingHistory failed: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("Expected the failed insert to roll back, got %d records", len(records))
	}
}

func TestScalingHistory(t *testing.T) {
	s := newTestStorage(t, config.StorageConfig{DatabasePath: ":memory:"})
	events := s.Events()
	ctx := context.Background()
	base := time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		if err := events.StoreEvent(ctx, scalingEvent(
			"scale-"+string(rune('a'+i)), base.Add(time.Duration(i)*10*time.Minute), 15+5*i,
		)); err != nil {
			t.Fatalf("Failed to store scaling event: %v", err)
		}
	}

	records, err := events.ScalingHistory(ctx, ScalingFilter{Pool: "primary"})
	if err != nil {
		t.Fatalf("ScalingHistory failed: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("Expected 5 records, got %d", len(records))
	}
	if records[0].NewMax != 15 || records[4].NewMax != 35 {
		t.Errorf("Expected oldest first, got %d..%d", records[0].NewMax, records[4].NewMax)
	}

	r := records[0]
	if r.Action != "scale_up" || r.Trigger != "scheduled" || r.PreviousMax != 10 || !r.PeakHour || r.Hour != 10 {
		t.Errorf("Unexpected record: %+v", r)
	}

	records, err = events.ScalingHistory(ctx, ScalingFilter{Limit: 2})
	if err != nil {
		t.Fatalf("ScalingHistory failed: %v", err)
	}
	if len(records) != 2 || records[0].NewMax != 30 || records[1].NewMax != 35 {
		t.Errorf("Expected the two most recent records oldest first, got %+v", records)
	}

	records, err = events.ScalingHistory(ctx, ScalingFilter{Since: base.Add(15 * time.Minute), Until: base.Add(25 * time.Minute)})
	if err != nil {
		t.Fatalf("ScalingHistory failed: %v", err)
	}
	if len(records) != 1 || records[0].NewMax != 25 {
		t.Errorf("Expected one record in range, got %+v", records)
	}

	records, err = events.ScalingHistory(ctx, ScalingFilter{Pool: "replica"})
	if err != nil {
		t.Fatalf("ScalingHistory failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("Expected no records for another pool, got %d", len(records))
	}
}

func TestCleanup(t *testing.T) {
	s := newTestStorage(t, config.StorageConfig{
		DatabasePath: ":memory:",
		Retention: config.RetentionConfig{
			Events:         24 * time.Hour,
			ScalingHistory: 7 * 24 * time.Hour,
		},
	})
	ctx := context.Background()
	now := time.Now()

	for _, e := range []telemetry.Event{
		scalingEvent("old", now.Add(-10*24*time.Hour), 20),
		scalingEvent("middle", now.Add(-3*24*time.Hour), 25),
		scalingEvent("fresh", now.Add(-time.Hour), 30),
	} {
		if err := s.Events().StoreEvent(ctx, e); err != nil {
			t.Fatalf("Failed to store event: %v", err)
		}
	}

	if err := s.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}

	remaining, err := s.Events().GetEvents(ctx, telemetry.EventFilter{})
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != "fresh" {
		t.Errorf("Expected only the fresh event to survive, got %d events", len(remaining))
	}

	records, err := s.Events().ScalingHistory(ctx, ScalingFilter{})
	if err != nil {
		t.Fatalf("ScalingHistory failed: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("Expected scaling history to keep 7 days, got %d records", len(records))
	}
}

func TestGetEventStats(t *testing.T) {
	s := newTestStorage(t, config.StorageConfig{DatabasePath: ":memory:"})
	ctx := context.Background()

	stats, err := s.Events().GetEventStats(ctx)
	if err != nil {
		t.Fatalf("GetEventStats failed: %v", err)
	}
	if stats.TotalEvents != 0 || stats.OldestEvent != nil {
		t.Errorf("Expected empty stats, got %+v", stats)
	}

	base := time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC)
	s.Events().StoreEvent(ctx, scalingEvent("a", base, 20))
	s.Events().StoreEvent(ctx, scalingEvent("b", base.Add(time.Hour), 25))
	s.Events().StoreEvent(ctx, telemetry.Event{
		ID: "c", Type: telemetry.EventTypeAlert, Timestamp: base.Add(30 * time.Minute),
		Summary: "alert", Severity: telemetry.SeverityWarning, Details: map[string]interface{}{},
	})

	stats, err = s.Events().GetEventStats(ctx)
	if err != nil {
		t.Fatalf("GetEventStats failed: %v", err)
	}
	if stats.TotalEvents != 3 || stats.ScalingRecords != 2 {
		t.Errorf("Unexpected counts: %+v", stats)
	}
	if stats.EventsByType[string(telemetry.EventTypePoolScaling)] != 2 {
		t.Errorf("Expected 2 scaling events by type, got %v", stats.EventsByType)
	}
	if stats.OldestEvent == nil || !stats.OldestEvent.Equal(base) {
		t.Errorf("Expected oldest event %v, got %v", base, stats.OldestEvent)
	}
	if stats.NewestEvent == nil || !stats.NewestEvent.Equal(base.Add(time.Hour)) {
		t.Errorf("Expected newest event %v, got %v", base.Add(time.Hour), stats.NewestEvent)
	}
}

func TestPoolHealthCheckUpdatesStats(t *testing.T) {
	s := newTestStorage(t, config.StorageConfig{DatabasePath: ":memory:"})

	s.pool.performHealthCheck()
	s.pool.performHealthCheck()

	stats := s.GetPoolStats()
	if stats.HealthChecks != 2 {
		t.Errorf("Expected 2 health checks, got %d", stats.HealthChecks)
	}
	if stats.FailedHealthChecks != 0 {
		t.Errorf("Expected no failed health checks, got %d", stats.FailedHealthChecks)
	}
	if stats.OpenConnections != 1 {
		t.Errorf("Expected the single in-memory connection to be open, got %d", stats.OpenConnections)
	}
	if stats.LastHealthCheck.IsZero() {
		t.Error("LastHealthCheck should be set")
	}
}

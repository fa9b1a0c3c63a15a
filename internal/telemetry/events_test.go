package telemetry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"
)

// MockEventStorage implements EventStorage for testing
type MockEventStorage struct {
	storedEvents []Event
	storeError   error
	getError     error
}

func (m *MockEventStorage) StoreEvent(ctx context.Context, event Event) error {
	if m.storeError != nil {
		return m.storeError
	}
	m.storedEvents = append(m.storedEvents, event)
	return nil
}

func (m *MockEventStorage) GetEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	if m.getError != nil {
		return nil, m.getError
	}

	var filtered []Event
	for _, event := range m.storedEvents {
		if filter.Pool != "" && event.Pool != filter.Pool {
			continue
		}
		if filter.Type != "" && event.Type != filter.Type {
			continue
		}
		filtered = append(filtered, event)
	}
	return filtered, nil
}

type recordingSubscriber struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingSubscriber) Name() string { return "recording" }

func (r *recordingSubscriber) Deliver(ctx context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func newTestEmitter(t *testing.T) (*EventEmitter, *MockEventStorage) {
	logger := zaptest.NewLogger(t)
	service, _ := NewService(Config{Enabled: false}, logger)
	storage := &MockEventStorage{}
	return NewEventEmitter(service, logger, storage), storage
}

func TestEmitScalingEvent(t *testing.T) {
	emitter, storage := newTestEmitter(t)

	details := ScalingEventDetails{
		Action:      "scale_up",
		PreviousMax: 10,
		NewMax:      15,
		Reason:      "high utilization during peak hours",
		Trigger:     "scheduled",
		Utilization: 0.9,
		Hour:        10,
		PeakHour:    true,
	}

	if err := emitter.EmitScalingEvent(context.Background(), "primary", details); err != nil {
		t.Fatalf("EmitScalingEvent failed: %v", err)
	}

	if len(storage.storedEvents) != 1 {
		t.Fatalf("expected 1 stored event, got %d", len(storage.storedEvents))
	}

	event := storage.storedEvents[0]
	if event.Type != EventTypePoolScaling {
		t.Errorf("expected event type %s, got %s", EventTypePoolScaling, event.Type)
	}
	if event.Pool != "primary" {
		t.Errorf("expected pool 'primary', got %s", event.Pool)
	}
	if event.Severity != SeverityInfo {
		t.Errorf("expected severity %s, got %s", SeverityInfo, event.Severity)
	}
	if event.Details["new_max"] != float64(15) {
		t.Errorf("expected new_max 15 in details, got %v", event.Details["new_max"])
	}
}

func TestEmitPoolEvent(t *testing.T) {
	emitter, storage := newTestEmitter(t)

	tests := []struct {
		name             string
		details          PoolEventDetails
		expectedType     EventType
		expectedSeverity EventSeverity
	}{
		{
			name:             "connect",
			details:          PoolEventDetails{Action: PoolActionConnect, Active: 1, Max: 10},
			expectedType:     EventTypePoolConnection,
			expectedSeverity: SeverityInfo,
		},
		{
			name:             "slow query",
			details:          PoolEventDetails{Action: PoolActionSlowQuery, Statement: "SELECT pg_sleep(2)", DurationMs: 2000},
			expectedType:     EventTypeQuery,
			expectedSeverity: SeverityWarning,
		},
		{
			name:             "statement error",
			details:          PoolEventDetails{Action: PoolActionError, Error: "syntax error"},
			expectedType:     EventTypeQuery,
			expectedSeverity: SeverityError,
		},
		{
			name:             "close",
			details:          PoolEventDetails{Action: PoolActionClose},
			expectedType:     EventTypePoolConnection,
			expectedSeverity: SeverityInfo,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage.storedEvents = nil

			if err := emitter.EmitPoolEvent(context.Background(), "primary", tt.details); err != nil {
				t.Fatalf("EmitPoolEvent failed: %v", err)
			}

			event := storage.storedEvents[0]
			if event.Type != tt.expectedType {
				t.Errorf("expected event type %s, got %s", tt.expectedType, event.Type)
			}
			if event.Severity != tt.expectedSeverity {
				t.Errorf("expected severity %s, got %s", tt.expectedSeverity, event.Severity)
			}
		})
	}
}

func TestEmitAlertEvent(t *testing.T) {
	emitter, storage := newTestEmitter(t)

	tests := []struct {
		name             string
		details          AlertEventDetails
		expectedSeverity EventSeverity
	}{
		{
			name:             "threshold alert",
			details:          AlertEventDetails{Alert: AlertHighUtilization, Value: 0.9, Threshold: 0.85},
			expectedSeverity: SeverityWarning,
		},
		{
			name:             "emergency alert",
			details:          AlertEventDetails{Alert: AlertHighUtilization, Value: 1, Threshold: 0.85, WaitingRequests: 8, Emergency: true},
			expectedSeverity: SeverityCritical,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage.storedEvents = nil

			if err := emitter.EmitAlertEvent(context.Background(), "primary", tt.details); err != nil {
				t.Fatalf("EmitAlertEvent failed: %v", err)
			}

			event := storage.storedEvents[0]
			if event.Type != EventTypeAlert {
				t.Errorf("expected event type %s, got %s", EventTypeAlert, event.Type)
			}
			if event.Severity != tt.expectedSeverity {
				t.Errorf("expected severity %s, got %s", tt.expectedSeverity, event.Severity)
			}
		})
	}
}

func TestEmitHealthChangeEvent(t *testing.T) {
	emitter, storage := newTestEmitter(t)

	tests := []struct {
		name             string
		details          HealthChangeEventDetails
		expectedSeverity EventSeverity
	}{
		{
			name: "transition to healthy",
			details: HealthChangeEventDetails{
				PreviousState: "degraded",
				NewState:      "healthy",
				CheckType:     "overall",
			},
			expectedSeverity: SeverityInfo,
		},
		{
			name: "transition to degraded",
			details: HealthChangeEventDetails{
				PreviousState: "healthy",
				NewState:      "degraded",
				CheckType:     "overall",
			},
			expectedSeverity: SeverityWarning,
		},
		{
			name: "transition to critical",
			details: HealthChangeEventDetails{
				PreviousState: "healthy",
				NewState:      "critical",
				CheckType:     "pool",
				Error:         "connection refused",
			},
			expectedSeverity: SeverityCritical,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage.storedEvents = nil

			if err := emitter.EmitHealthChangeEvent(context.Background(), "primary", tt.details); err != nil {
				t.Fatalf("EmitHealthChangeEvent failed: %v", err)
			}

			event := storage.storedEvents[0]
			if event.Severity != tt.expectedSeverity {
				t.Errorf("expected severity %s, got %s", tt.expectedSeverity, event.Severity)
			}
		})
	}
}

func TestEmitIndexEvent(t *testing.T) {
	emitter, storage := newTestEmitter(t)

	err := emitter.EmitIndexEvent(context.Background(), IndexEventDetails{
		Action:    "drop",
		Index:     "idx_properties_price",
		Statement: `DROP INDEX CONCURRENTLY IF EXISTS "idx_properties_price"`,
		Error:     "permission denied",
	})
	if err != nil {
		t.Fatalf("EmitIndexEvent failed: %v", err)
	}

	event := storage.storedEvents[0]
	if event.Type != EventTypeIndexMaintenance {
		t.Errorf("expected event type %s, got %s", EventTypeIndexMaintenance, event.Type)
	}
	if event.Severity != SeverityError {
		t.Errorf("expected severity %s, got %s", SeverityError, event.Severity)
	}
}

func TestEmitEventStorageFailure(t *testing.T) {
	emitter, storage := newTestEmitter(t)
	storage.storeError = errors.New("disk full")

	sub := &recordingSubscriber{}
	emitter.Subscribe(sub)

	err := emitter.EmitScalingEvent(context.Background(), "primary", ScalingEventDetails{Action: "scale_down"})
	if err == nil {
		t.Fatal("expected storage error")
	}
	if len(sub.events) != 0 {
		t.Errorf("subscribers should not receive events that failed to store, got %d", len(sub.events))
	}
}

func TestSubscribersReceiveEvents(t *testing.T) {
	emitter, _ := newTestEmitter(t)

	healthy := &recordingSubscriber{}
	failing := &recordingSubscriber{err: errors.New("broker unavailable")}
	emitter.Subscribe(failing)
	emitter.Subscribe(healthy)

	err := emitter.EmitAlertEvent(context.Background(), "primary", AlertEventDetails{
		Alert:     AlertHighErrorRate,
		Value:     0.1,
		Threshold: 0.05,
	})
	if err != nil {
		t.Fatalf("delivery failures must not fail emission: %v", err)
	}

	if len(healthy.events) != 1 || len(failing.events) != 1 {
		t.Errorf("expected both subscribers to see the event, got %d and %d", len(healthy.events), len(failing.events))
	}
}

func TestGetEvents(t *testing.T) {
	emitter, _ := newTestEmitter(t)

	ctx := context.Background()
	emitter.EmitScalingEvent(ctx, "pool1", ScalingEventDetails{
		Action:      "scale_up",
		PreviousMax: 5,
		NewMax:      10,
	})
	emitter.EmitScalingEvent(ctx, "pool2", ScalingEventDetails{
		Action:      "scale_down",
		PreviousMax: 12,
		NewMax:      10,
	})

	events, err := emitter.GetEvents(ctx, EventFilter{Pool: "pool1"})
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}

	if len(events) != 1 {
		t.Fatalf("expected 1 event for pool1, got %d", len(events))
	}
	if events[0].Pool != "pool1" {
		t.Errorf("expected pool 'pool1', got %s", events[0].Pool)
	}
}

func TestGetEventsWithoutStorage(t *testing.T) {
	logger := zaptest.NewLogger(t)
	emitter := NewEventEmitter(nil, logger, nil)

	if _, err := emitter.GetEvents(context.Background(), EventFilter{}); err == nil {
		t.Error("expected error when storage is not configured")
	}
}

func TestGenerateEventID(t *testing.T) {
	id1 := generateEventID()
	id2 := generateEventID()

	if id1 == id2 {
		t.Error("generateEventID should produce unique IDs")
	}

	if !strings.HasPrefix(id1, "evt_") {
		t.Errorf("event ID should start with 'evt_', got %s", id1)
	}
}

func TestStructToMap(t *testing.T) {
	type TestStruct struct {
		Name  string `json:"name"`
		Value int    `json:"value"`
	}

	result := structToMap(TestStruct{Name: "test", Value: 42})

	if result["name"] != "test" {
		t.Errorf("expected name='test', got %v", result["name"])
	}

	nilResult := structToMap(nil)
	if len(nilResult) != 0 {
		t.Error("structToMap should return empty map for nil input")
	}
}

func TestFormatScalingSummary(t *testing.T) {
	details := ScalingEventDetails{
		Action:      "scale_up",
		PreviousMax: 10,
		NewMax:      15,
		Reason:      "high utilization during peak hours",
	}

	summary := formatScalingSummary(details)
	expected := "Pool scaled scale_up from 10 to 15 connections (high utilization during peak hours)"

	if summary != expected {
		t.Errorf("expected summary '%s', got '%s'", expected, summary)
	}
}

func TestFormatPoolSummary(t *testing.T) {
	tests := []struct {
		name     string
		details  PoolEventDetails
		expected string
	}{
		{
			name:     "connect",
			details:  PoolEventDetails{Action: PoolActionConnect, Active: 3, Idle: 1, Max: 10},
			expected: "Connection opened (3 active, 1 idle, max 10)",
		},
		{
			name:     "close",
			details:  PoolEventDetails{Action: PoolActionClose},
			expected: "Connection pool closed",
		},
		{
			name:     "slow query",
			details:  PoolEventDetails{Action: PoolActionSlowQuery, DurationMs: 1500},
			expected: "Slow query took 1500.0ms",
		},
		{
			name:     "error",
			details:  PoolEventDetails{Action: PoolActionError, Error: "deadlock detected"},
			expected: "Database error: deadlock detected",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if summary := formatPoolSummary(tt.details); summary != tt.expected {
				t.Errorf("expected '%s', got '%s'", tt.expected, summary)
			}
		})
	}
}

func BenchmarkEmitEvent(b *testing.B) {
	logger := zaptest.NewLogger(b)
	service, _ := NewService(Config{Enabled: false}, logger)
	storage := &MockEventStorage{}
	emitter := NewEventEmitter(service, logger, storage)

	ctx := context.Background()
	details := ScalingEventDetails{
		Action:      "scale_up",
		PreviousMax: 10,
		NewMax:      15,
		Reason:      "requests waiting with high utilization",
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		emitter.EmitScalingEvent(ctx, "primary", details)
	}
}

package telemetry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// EventType represents the type of operational event
type EventType string

const (
	EventTypePoolConnection   EventType = "pool_connection"
	EventTypeQuery            EventType = "query"
	EventTypePoolScaling      EventType = "pool_scaling"
	EventTypeAlert            EventType = "alert"
	EventTypeHealthChange     EventType = "health_change"
	EventTypeIndexMaintenance EventType = "index_maintenance"
	EventTypeConfiguration    EventType = "configuration"
)

// Event represents a structured operational event
type Event struct {
	ID            string                 `json:"id"`
	Type          EventType              `json:"type"`
	Timestamp     time.Time              `json:"timestamp"`
	Pool          string                 `json:"pool,omitempty"`
	Summary       string                 `json:"summary"`
	Details       map[string]interface{} `json:"details"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Severity      EventSeverity          `json:"severity"`
}

// EventSeverity represents the severity level of an event
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityError    EventSeverity = "error"
	SeverityCritical EventSeverity = "critical"
)

// Pool event actions
const (
	PoolActionConnect   = "connect"
	PoolActionClose     = "close"
	PoolActionError     = "error"
	PoolActionSlowQuery = "slow_query"
)

// Alert names
const (
	AlertHighUtilization = "high_utilization"
	AlertHighErrorRate   = "high_error_rate"
	AlertSlowQueries     = "slow_queries"
)

// PoolEventDetails represents details for connection and statement events
type PoolEventDetails struct {
	Action     string  `json:"action"`
	Active     int     `json:"active,omitempty"`
	Idle       int     `json:"idle,omitempty"`
	Max        int     `json:"max,omitempty"`
	Statement  string  `json:"statement,omitempty"`
	DurationMs float64 `json:"duration_ms,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// ScalingEventDetails represents details for pool resize events
type ScalingEventDetails struct {
	Action          string  `json:"action"` // "scale_up", "scale_down"
	PreviousMax     int     `json:"previous_max"`
	NewMax          int     `json:"new_max"`
	Reason          string  `json:"reason"`
	Trigger         string  `json:"trigger"` // "scheduled", "emergency", "manual"
	Utilization     float64 `json:"utilization"`
	AvgQueryTimeMs  float64 `json:"avg_query_time_ms"`
	ErrorRate       float64 `json:"error_rate"`
	WaitingRequests int     `json:"waiting_requests"`
	Hour            int     `json:"hour"`
	PeakHour        bool    `json:"peak_hour"`
}

// AlertEventDetails represents details for threshold alerts
type AlertEventDetails struct {
	Alert           string  `json:"alert"`
	Value           float64 `json:"value"`
	Threshold       float64 `json:"threshold"`
	WaitingRequests int     `json:"waiting_requests,omitempty"`
	Emergency       bool    `json:"emergency,omitempty"`
}

// HealthChangeEventDetails represents details for health change events
type HealthChangeEventDetails struct {
	PreviousState string `json:"previous_state"`
	NewState      string `json:"new_state"`
	CheckType     string `json:"check_type"` // "pool", "controller", "overall"
	Error         string `json:"error,omitempty"`
}

// IndexEventDetails represents details for operator-triggered index maintenance
type IndexEventDetails struct {
	Action     string  `json:"action"` // "create", "drop"
	Index      string  `json:"index"`
	Table      string  `json:"table,omitempty"`
	Statement  string  `json:"statement"`
	DurationMs float64 `json:"duration_ms"`
	Error      string  `json:"error,omitempty"`
}

// ConfigurationEventDetails represents details for configuration events
type ConfigurationEventDetails struct {
	Action   string                 `json:"action"` // "validated", "changed", "reloaded"
	Changes  map[string]interface{} `json:"changes,omitempty"`
	Errors   []string               `json:"errors,omitempty"`
	FilePath string                 `json:"file_path,omitempty"`
}

// EventStorage interface for persisting events
type EventStorage interface {
	StoreEvent(ctx context.Context, event Event) error
	GetEvents(ctx context.Context, filter EventFilter) ([]Event, error)
}

// Subscriber receives every emitted event after it has been stored.
type Subscriber interface {
	Name() string
	Deliver(ctx context.Context, event Event) error
}

// EventFilter represents filters for querying events
type EventFilter struct {
	StartTime time.Time     `json:"start_time,omitempty"`
	EndTime   time.Time     `json:"end_time,omitempty"`
	Pool      string        `json:"pool,omitempty"`
	Type      EventType     `json:"type,omitempty"`
	Severity  EventSeverity `json:"severity,omitempty"`
	Limit     int           `json:"limit,omitempty"`
}

// EventEmitter handles structured event emission with telemetry integration
type EventEmitter struct {
	service *Service
	logger  *zap.Logger
	storage EventStorage

	mu          sync.RWMutex
	subscribers []Subscriber
}

// NewEventEmitter creates a new event emitter
func NewEventEmitter(service *Service, logger *zap.Logger, storage EventStorage) *EventEmitter {
	return &EventEmitter{
		service: service,
		logger:  logger,
		storage: storage,
	}
}

// Subscribe registers an outbound consumer. Delivery failures are logged and
// never fail the emission.
func (e *EventEmitter) Subscribe(sub Subscriber) {
	e.mu.Lock()
	e.subscribers = append(e.subscribers, sub)
	e.mu.Unlock()

	e.logger.Info("Event subscriber registered", zap.String("subscriber", sub.Name()))
}

// EmitPoolEvent emits a connection or statement event
func (e *EventEmitter) EmitPoolEvent(ctx context.Context, pool string, details PoolEventDetails) error {
	eventType := EventTypePoolConnection
	severity := SeverityInfo
	switch details.Action {
	case PoolActionSlowQuery:
		eventType = EventTypeQuery
		severity = SeverityWarning
	case PoolActionError:
		eventType = EventTypeQuery
		severity = SeverityError
	}

	event := Event{
		ID:        generateEventID(),
		Type:      eventType,
		Timestamp: time.Now(),
		Pool:      pool,
		Summary:   formatPoolSummary(details),
		Details:   structToMap(details),
		Severity:  severity,
	}

	return e.emitEvent(ctx, event)
}

// EmitScalingEvent emits a pool scaling event
func (e *EventEmitter) EmitScalingEvent(ctx context.Context, pool string, details ScalingEventDetails) error {
	event := Event{
		ID:        generateEventID(),
		Type:      EventTypePoolScaling,
		Timestamp: time.Now(),
		Pool:      pool,
		Summary:   formatScalingSummary(details),
		Details:   structToMap(details),
		Severity:  SeverityInfo,
	}

	return e.emitEvent(ctx, event)
}

// EmitAlertEvent emits a threshold alert
func (e *EventEmitter) EmitAlertEvent(ctx context.Context, pool string, details AlertEventDetails) error {
	severity := SeverityWarning
	if details.Emergency {
		severity = SeverityCritical
	}

	event := Event{
		ID:        generateEventID(),
		Type:      EventTypeAlert,
		Timestamp: time.Now(),
		Pool:      pool,
		Summary:   formatAlertSummary(details),
		Details:   structToMap(details),
		Severity:  severity,
	}

	return e.emitEvent(ctx, event)
}

// EmitHealthChangeEvent emits a health change event
func (e *EventEmitter) EmitHealthChangeEvent(ctx context.Context, pool string, details HealthChangeEventDetails) error {
	severity := SeverityInfo
	switch details.NewState {
	case "degraded":
		severity = SeverityWarning
	case "critical":
		severity = SeverityCritical
	}

	event := Event{
		ID:        generateEventID(),
		Type:      EventTypeHealthChange,
		Timestamp: time.Now(),
		Pool:      pool,
		Summary:   formatHealthChangeSummary(details),
		Details:   structToMap(details),
		Severity:  severity,
	}

	return e.emitEvent(ctx, event)
}

// EmitIndexEvent emits an index maintenance event
func (e *EventEmitter) EmitIndexEvent(ctx context.Context, details IndexEventDetails) error {
	severity := SeverityInfo
	if details.Error != "" {
		severity = SeverityError
	}

	event := Event{
		ID:        generateEventID(),
		Type:      EventTypeIndexMaintenance,
		Timestamp: time.Now(),
		Summary:   formatIndexSummary(details),
		Details:   structToMap(details),
		Severity:  severity,
	}

	return e.emitEvent(ctx, event)
}

// EmitConfigurationEvent emits a configuration event
func (e *EventEmitter) EmitConfigurationEvent(ctx context.Context, details ConfigurationEventDetails) error {
	severity := SeverityInfo
	if len(details.Errors) > 0 {
		severity = SeverityError
	}

	event := Event{
		ID:        generateEventID(),
		Type:      EventTypeConfiguration,
		Timestamp: time.Now(),
		Summary:   formatConfigurationSummary(details),
		Details:   structToMap(details),
		Severity:  severity,
	}

	return e.emitEvent(ctx, event)
}

// emitEvent handles the actual event emission with telemetry and storage
func (e *EventEmitter) emitEvent(ctx context.Context, event Event) error {
	// Add correlation ID from context if available
	if span := oteltrace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		event.CorrelationID = span.SpanContext().TraceID().String()
	}

	if e.service != nil && e.service.IsEnabled() {
		var span oteltrace.Span
		ctx, span = e.service.Tracer().Start(ctx, TraceEventEmit,
			oteltrace.WithAttributes(
				attribute.String("event.type", string(event.Type)),
				attribute.String("event.pool", event.Pool),
				attribute.String("event.severity", string(event.Severity)),
				attribute.String("event.summary", event.Summary),
			),
		)
		defer span.End()
	}

	if e.storage != nil {
		if err := e.storage.StoreEvent(ctx, event); err != nil {
			e.logger.Error("Failed to store event",
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)),
				zap.Error(err))
			return err
		}
	}

	e.mu.RLock()
	subscribers := e.subscribers
	e.mu.RUnlock()

	for _, sub := range subscribers {
		if err := sub.Deliver(ctx, event); err != nil {
			e.logger.Warn("Failed to deliver event",
				zap.String("subscriber", sub.Name()),
				zap.String("event_id", event.ID),
				zap.Error(err))
		}
	}

	level := zap.InfoLevel
	if event.Type == EventTypePoolConnection {
		level = zap.DebugLevel
	}
	if ce := e.logger.Check(level, "Event emitted"); ce != nil {
		ce.Write(
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.String("pool", event.Pool),
			zap.String("summary", event.Summary),
			zap.String("severity", string(event.Severity)))
	}

	return nil
}

// GetEvents retrieves events from storage
func (e *EventEmitter) GetEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	if e.storage == nil {
		return nil, fmt.Errorf("event storage not configured")
	}

	return e.storage.GetEvents(ctx, filter)
}

// Helper functions for formatting event summaries
func formatPoolSummary(details PoolEventDetails) string {
	switch details.Action {
	case PoolActionConnect:
		return fmt.Sprintf("Connection opened (%d active, %d idle, max %d)", details.Active, details.Idle, details.Max)
	case PoolActionClose:
		return "Connection pool closed"
	case PoolActionSlowQuery:
		return fmt.Sprintf("Slow query took %.1fms", details.DurationMs)
	case PoolActionError:
		return fmt.Sprintf("Database error: %s", details.Error)
	default:
		return fmt.Sprintf("Pool %s", details.Action)
	}
}

func formatScalingSummary(details ScalingEventDetails) string {
	return fmt.Sprintf("Pool scaled %s from %d to %d connections (%s)",
		details.Action, details.PreviousMax, details.NewMax, details.Reason)
}

func formatAlertSummary(details AlertEventDetails) string {
	return fmt.Sprintf("Alert %s: %.3f exceeds %.3f", details.Alert, details.Value, details.Threshold)
}

func formatHealthChangeSummary(details HealthChangeEventDetails) string {
	return fmt.Sprintf("Health changed from %s to %s (%s)",
		details.PreviousState, details.NewState, details.CheckType)
}

func formatIndexSummary(details IndexEventDetails) string {
	if details.Error != "" {
		return fmt.Sprintf("Index %s of %s failed: %s", details.Action, details.Index, details.Error)
	}
	return fmt.Sprintf("Index %s %sd in %.0fms", details.Index, details.Action, details.DurationMs)
}

func formatConfigurationSummary(details ConfigurationEventDetails) string {
	if len(details.Errors) > 0 {
		return fmt.Sprintf("Configuration %s failed: %d errors", details.Action, len(details.Errors))
	}
	return fmt.Sprintf("Configuration %s successfully", details.Action)
}

// Utility functions
func generateEventID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("evt_%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("evt_%s", hex.EncodeToString(bytes))
}

func structToMap(v interface{}) map[string]interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return make(map[string]interface{})
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return make(map[string]interface{})
	}

	return result
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/telemetry"
)

// EventStorage implements telemetry.EventStorage for SQLite. Scaling events
// are also written to the scaling_history table.
type EventStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

// ScalingRecord is one persisted pool resize
type ScalingRecord struct {
	ID              int64     `json:"id"`
	EventID         string    `json:"event_id"`
	Timestamp       time.Time `json:"timestamp"`
	Pool            string    `json:"pool"`
	Action          string    `json:"action"`
	Reason          string    `json:"reason"`
	Trigger         string    `json:"trigger"`
	PreviousMax     int       `json:"previous_max"`
	NewMax          int       `json:"new_max"`
	Utilization     float64   `json:"utilization"`
	AvgQueryTimeMs  float64   `json:"avg_query_time_ms"`
	ErrorRate       float64   `json:"error_rate"`
	WaitingRequests int       `json:"waiting_requests"`
	Hour            int       `json:"hour"`
	PeakHour        bool      `json:"peak_hour"`
}

// ScalingFilter selects scaling history rows
type ScalingFilter struct {
	Pool  string
	Since time.Time
	Until time.Time
	Limit int
}

// EventStats summarizes stored events
type EventStats struct {
	TotalEvents    int64            `json:"total_events"`
	EventsByType   map[string]int64 `json:"events_by_type"`
	ScalingRecords int64            `json:"scaling_records"`
	OldestEvent    *time.Time       `json:"oldest_event,omitempty"`
	NewestEvent    *time.Time       `json:"newest_event,omitempty"`
}

// NewEventStorage creates a new event storage instance
func NewEventStorage(db *sql.DB, logger *zap.Logger) *EventStorage {
	return &EventStorage{
		db:     db,
		logger: logger,
	}
}

// StoreEvent stores an event, and its scaling history row for pool_scaling
// events, in one transaction
func (s *EventStorage) StoreEvent(ctx context.Context, event telemetry.Event) error {
	detailsJSON, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal event details: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (id, type, timestamp, pool, summary, details, correlation_id, severity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		string(event.Type),
		event.Timestamp.UTC(),
		event.Pool,
		event.Summary,
		string(detailsJSON),
		event.CorrelationID,
		string(event.Severity),
	)
	if err != nil {
		s.logger.Error("Failed to store event",
			zap.String("event_id", event.ID),
			zap.Error(err))
		return fmt.Errorf("failed to store event: %w", err)
	}

	if event.Type == telemetry.EventTypePoolScaling {
		if err := s.insertScalingRecord(ctx, tx, event, detailsJSON); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event: %w", err)
	}

	s.logger.Debug("Event stored successfully",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)))

	return nil
}

func (s *EventStorage) insertScalingRecord(ctx context.Context, tx *sql.Tx, event telemetry.Event, detailsJSON []byte) error {
	var details telemetry.ScalingEventDetails
	if err := json.Unmarshal(detailsJSON, &details); err != nil {
		return fmt.Errorf("failed to decode scaling details: %w", err)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO scaling_history (event_id, timestamp, pool, action, reason, trigger_type, previous_max, new_max,
			utilization, avg_query_time_ms, error_rate, waiting_requests, hour, peak_hour)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		event.Timestamp.UTC(),
		event.Pool,
		details.Action,
		details.Reason,
		details.Trigger,
		details.PreviousMax,
		details.NewMax,
		details.Utilization,
		details.AvgQueryTimeMs,
		details.ErrorRate,
		details.WaitingRequests,
		details.Hour,
		details.PeakHour,
	)
	if err != nil {
		return fmt.Errorf("failed to store scaling record: %w", err)
	}
	return nil
}

// GetEvents retrieves events from the database based on the filter, newest first
func (s *EventStorage) GetEvents(ctx context.Context, filter telemetry.EventFilter) ([]telemetry.Event, error) {
	query, args := s.buildEventQuery(filter)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []telemetry.Event
	for rows.Next() {
		var event telemetry.Event
		var detailsJSON string
		var eventType, severity string
		var pool sql.NullString
		var correlationID sql.NullString

		err := rows.Scan(
			&event.ID,
			&eventType,
			&event.Timestamp,
			&pool,
			&event.Summary,
			&detailsJSON,
			&correlationID,
			&severity,
		)
		if err != nil {
			s.logger.Error("Failed to scan event row", zap.Error(err))
			continue
		}

		event.Type = telemetry.EventType(eventType)
		event.Severity = telemetry.EventSeverity(severity)
		if pool.Valid {
			event.Pool = pool.String
		}
		if correlationID.Valid {
			event.CorrelationID = correlationID.String
		}

		if err := json.Unmarshal([]byte(detailsJSON), &event.Details); err != nil {
			s.logger.Error("Failed to unmarshal event details",
				zap.String("event_id", event.ID),
				zap.Error(err))
			event.Details = make(map[string]interface{})
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}

	s.logger.Debug("Retrieved events",
		zap.Int("count", len(events)),
		zap.String("filter_pool", filter.Pool),
		zap.String("filter_type", string(filter.Type)))

	return events, nil
}

// buildEventQuery constructs a SQL query with filters
func (s *EventStorage) buildEventQuery(filter telemetry.EventFilter) (string, []interface{}) {
	query := `
		SELECT id, type, timestamp, pool, summary, details, correlation_id, severity
		FROM events
		WHERE 1=1
	`
	var args []interface{}

	if !filter.StartTime.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.StartTime.UTC())
	}

	if !filter.EndTime.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, filter.EndTime.UTC())
	}

	if filter.Pool != "" {
		query += " AND pool = ?"
		args = append(args, filter.Pool)
	}

	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, string(filter.Type))
	}

	if filter.Severity != "" {
		query += " AND severity = ?"
		args = append(args, string(filter.Severity))
	}

	query += " ORDER BY timestamp DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return query, args
}

// ScalingHistory returns persisted resizes matching filter, oldest first.
// With a limit, the most recent rows are kept.
func (s *EventStorage) ScalingHistory(ctx context.Context, filter ScalingFilter) ([]ScalingRecord, error) {
	query := `
		SELECT id, event_id, timestamp, pool, action, reason, trigger_type, previous_max, new_max,
			utilization, avg_query_time_ms, error_rate, waiting_requests, hour, peak_hour
		FROM scaling_history
		WHERE 1=1
	`
	var args []interface{}

	if filter.Pool != "" {
		query += " AND pool = ?"
		args = append(args, filter.Pool)
	}
	if !filter.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, filter.Until.UTC())
	}

	query += " ORDER BY timestamp DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query scaling history: %w", err)
	}
	defer rows.Close()

	var records []ScalingRecord
	for rows.Next() {
		var r ScalingRecord
		if err := rows.Scan(
			&r.ID, &r.EventID, &r.Timestamp, &r.Pool, &r.Action, &r.Reason, &r.Trigger,
			&r.PreviousMax, &r.NewMax, &r.Utilization, &r.AvgQueryTimeMs, &r.ErrorRate,
			&r.WaitingRequests, &r.Hour, &r.PeakHour,
		); err != nil {
			return nil, fmt.Errorf("failed to scan scaling record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scaling rows: %w", err)
	}

	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// CleanupOldEvents removes events recorded before cutoff
func (s *EventStorage) CleanupOldEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE timestamp < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old events: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	s.logger.Info("Cleaned up old events",
		zap.Int64("rows_deleted", rowsAffected),
		zap.Time("cutoff", cutoff))

	return rowsAffected, nil
}

// CleanupScalingHistory removes scaling records from before cutoff
func (s *EventStorage) CleanupScalingHistory(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM scaling_history WHERE timestamp < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup scaling history: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	s.logger.Info("Cleaned up scaling history",
		zap.Int64("rows_deleted", rowsAffected),
		zap.Time("cutoff", cutoff))

	return rowsAffected, nil
}

// GetEventStats returns statistics about stored events
func (s *EventStorage) GetEventStats(ctx context.Context) (EventStats, error) {
	stats := EventStats{EventsByType: make(map[string]int64)}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&stats.TotalEvents); err != nil {
		return stats, fmt.Errorf("failed to get total event count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM scaling_history").Scan(&stats.ScalingRecords); err != nil {
		return stats, fmt.Errorf("failed to get scaling record count: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT type, COUNT(*)
		FROM events
		GROUP BY type
	`)
	if err != nil {
		return stats, fmt.Errorf("failed to get event counts by type: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var eventType string
		var count int64
		if err := rows.Scan(&eventType, &count); err != nil {
			continue
		}
		stats.EventsByType[eventType] = count
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("error iterating event counts: %w", err)
	}

	// Aggregates lose the column's DATETIME affinity and come back as text
	var oldest, newest sql.NullString
	if err := s.db.QueryRowContext(ctx, "SELECT MIN(timestamp), MAX(timestamp) FROM events").
		Scan(&oldest, &newest); err != nil {
		return stats, fmt.Errorf("failed to get event timestamp range: %w", err)
	}
	stats.OldestEvent = parseTimestamp(oldest)
	stats.NewestEvent = parseTimestamp(newest)

	return stats, nil
}

func parseTimestamp(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	for _, layout := range sqlite3.SQLiteTimestampFormats {
		if t, err := time.Parse(layout, v.String); err == nil {
			return &t
		}
	}
	return nil
}

package api

import (
	"time"

	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/autoscaler"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/dbpool"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/indexes"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/storage"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/telemetry"
)

// MetricsResponse is the live view of the pool and its ledger
type MetricsResponse struct {
	Pool        string              `json:"pool"`
	Utilization float64             `json:"utilization"`
	Connections dbpool.Utilization  `json:"connections"`
	MinConns    int                 `json:"min_conns"`
	MaxConns    int                 `json:"max_conns"`
	Ledger      dbpool.Snapshot     `json:"ledger"`
	ErrorRate   float64             `json:"error_rate"`
	LastHealth  dbpool.HealthResult `json:"last_health_check"`
	Timestamp   time.Time           `json:"timestamp"`
}

// HealthResponse wraps the controller's health rollup
type HealthResponse struct {
	Status    string                  `json:"status"`
	Version   string                  `json:"version"`
	Uptime    string                  `json:"uptime"`
	Timestamp time.Time               `json:"timestamp"`
	Health    autoscaler.HealthStatus `json:"health"`
}

// ScalingHistoryResponse carries either the in-memory ring or persisted rows
type ScalingHistoryResponse struct {
	Source  string                    `json:"source"` // "memory" or "storage"
	Events  []autoscaler.ScalingEvent `json:"events,omitempty"`
	Records []storage.ScalingRecord   `json:"records,omitempty"`
	Count   int                       `json:"count"`
}

// ScalingConfig is the wire form of autoscaler.Settings with a readable cooldown
type ScalingConfig struct {
	ScaleUpThreshold   float64                    `json:"scale_up_threshold"`
	ScaleDownThreshold float64                    `json:"scale_down_threshold"`
	ScaleUpIncrement   int                        `json:"scale_up_increment"`
	ScaleDownDecrement int                        `json:"scale_down_decrement"`
	Cooldown           string                     `json:"cooldown"`
	PeakHours          []int                      `json:"peak_hours"`
	OffPeakHours       []int                      `json:"off_peak_hours"`
	Alerts             autoscaler.AlertThresholds `json:"alerts"`
	Status             *autoscaler.Status         `json:"status,omitempty"`
}

// ScalingConfigRequest is a partial update; omitted fields keep their value
type ScalingConfigRequest struct {
	ScaleUpThreshold   *float64                    `json:"scale_up_threshold,omitempty"`
	ScaleDownThreshold *float64                    `json:"scale_down_threshold,omitempty"`
	ScaleUpIncrement   *int                        `json:"scale_up_increment,omitempty"`
	ScaleDownDecrement *int                        `json:"scale_down_decrement,omitempty"`
	Cooldown           *string                     `json:"cooldown,omitempty"`
	PeakHours          []int                       `json:"peak_hours,omitempty"`
	OffPeakHours       []int                       `json:"off_peak_hours,omitempty"`
	Alerts             *autoscaler.AlertThresholds `json:"alerts,omitempty"`
}

// EvaluateResponse reports a manually triggered evaluation
type EvaluateResponse struct {
	Result    autoscaler.Result `json:"result"`
	Timestamp time.Time         `json:"timestamp"`
}

// IndexListResponse lists described indexes
type IndexListResponse struct {
	Schema  string               `json:"schema,omitempty"`
	Table   string               `json:"table,omitempty"`
	Indexes []indexes.Descriptor `json:"indexes"`
	Count   int                  `json:"count"`
}

// RecommendationsResponse lists advisory catalog changes
type RecommendationsResponse struct {
	Recommendations []indexes.Recommendation `json:"recommendations"`
	Count           int                      `json:"count"`
}

// CreateIndexesRequest names required indexes to build
type CreateIndexesRequest struct {
	Names []string `json:"names"`
}

// OperationResponse acknowledges a mutating request
type OperationResponse struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// EventsResponse lists stored events
type EventsResponse struct {
	Events []telemetry.Event     `json:"events"`
	Count  int                   `json:"count"`
	Filter telemetry.EventFilter `json:"filter"`
}

// ErrorResponse is the envelope for failures
type ErrorResponse struct {
	Error     *BusinessError `json:"error"`
	RequestID string         `json:"request_id,omitempty"`
}

func scalingConfigFrom(s autoscaler.Settings) ScalingConfig {
	return ScalingConfig{
		ScaleUpThreshold:   s.ScaleUpThreshold,
		ScaleDownThreshold: s.ScaleDownThreshold,
		ScaleUpIncrement:   s.ScaleUpIncrement,
		ScaleDownDecrement: s.ScaleDownDecrement,
		Cooldown:           s.Cooldown.String(),
		PeakHours:          s.PeakHours,
		OffPeakHours:       s.OffPeakHours,
		Alerts:             s.Alerts,
	}
}

// apply merges the request into s
func (r ScalingConfigRequest) apply(s autoscaler.Settings) (autoscaler.Settings, error) {
	if r.ScaleUpThreshold != nil {
		s.ScaleUpThreshold = *r.ScaleUpThreshold
	}
	if r.ScaleDownThreshold != nil {
		s.ScaleDownThreshold = *r.ScaleDownThreshold
	}
	if r.ScaleUpIncrement != nil {
		s.ScaleUpIncrement = *r.ScaleUpIncrement
	}
	if r.ScaleDownDecrement != nil {
		s.ScaleDownDecrement = *r.ScaleDownDecrement
	}
	if r.Cooldown != nil {
		d, err := time.ParseDuration(*r.Cooldown)
		if err != nil {
			return s, ErrInvalidParameter("cooldown", err.Error())
		}
		s.Cooldown = d
	}
	if r.PeakHours != nil {
		s.PeakHours = r.PeakHours
	}
	if r.OffPeakHours != nil {
		s.OffPeakHours = r.OffPeakHours
	}
	if r.Alerts != nil {
		s.Alerts = *r.Alerts
	}
	return s, nil
}

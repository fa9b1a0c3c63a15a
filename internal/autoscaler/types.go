package autoscaler

import (
	"time"
)

// Action is the outcome of the decision policy.
type Action string

const (
	ActionScaleUp   Action = "scale_up"
	ActionScaleDown Action = "scale_down"
	ActionNone      Action = "none"
)

// Trigger identifies what started an evaluation.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerEmergency Trigger = "emergency"
	TriggerManual    Trigger = "manual"
)

// Sample is a point-in-time view of the pool, built once per evaluation.
type Sample struct {
	Timestamp       time.Time `json:"timestamp"`
	Utilization     float64   `json:"utilization"`
	ActiveConns     int       `json:"active_connections"`
	IdleConns       int       `json:"idle_connections"`
	WaitingRequests int       `json:"waiting_requests"`
	CurrentMax      int       `json:"current_max"`
	AvgQueryTimeMs  float64   `json:"avg_query_time_ms"`
	ErrorRate       float64   `json:"error_rate"`
	Hour            int       `json:"hour"`
	PeakHour        bool      `json:"peak_hour"`
	OffPeakHour     bool      `json:"off_peak_hour"`
}

// Decision is the policy's verdict for one sample.
type Decision struct {
	Action Action `json:"action"`
	Reason string `json:"reason"`
}

// Result describes what one evaluation did.
type Result struct {
	Trigger     Trigger  `json:"trigger"`
	Decision    Decision `json:"decision"`
	Sample      *Sample  `json:"sample,omitempty"` // nil when skipped for cooldown
	PreviousMax int      `json:"previous_max"`
	NewMax      int      `json:"new_max"`
	Enacted     bool     `json:"enacted"`
	Skipped     string   `json:"skipped,omitempty"` // SkipReasonCooldown or SkipReasonLimitReached
}

// ScalingEvent is one enacted resize, kept in the history ring.
type ScalingEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	Action      Action    `json:"action"`
	Reason      string    `json:"reason"`
	Trigger     Trigger   `json:"trigger"`
	PreviousMax int       `json:"previous_max"`
	NewMax      int       `json:"new_max"`
	Sample      Sample    `json:"sample"`
}

// AlertThresholds configures the metrics-loop alerts.
type AlertThresholds struct {
	Utilization      float64 `json:"utilization"`
	ErrorRate        float64 `json:"error_rate"`
	AvgQueryTimeMs   float64 `json:"avg_query_time_ms"`
	EmergencyWaiting int     `json:"emergency_waiting"`
}

// Settings are the runtime-adjustable scaling parameters.
type Settings struct {
	ScaleUpThreshold   float64         `json:"scale_up_threshold"`
	ScaleDownThreshold float64         `json:"scale_down_threshold"`
	ScaleUpIncrement   int             `json:"scale_up_increment"`
	ScaleDownDecrement int             `json:"scale_down_decrement"`
	Cooldown           time.Duration   `json:"cooldown"`
	PeakHours          []int           `json:"peak_hours"`
	OffPeakHours       []int           `json:"off_peak_hours"`
	Alerts             AlertThresholds `json:"alerts"`
}

// DefaultSettings returns the documented defaults: peak hours 9-17,
// off-peak hours 22-5.
func DefaultSettings() Settings {
	return Settings{
		ScaleUpThreshold:   DefaultScaleUpThreshold,
		ScaleDownThreshold: DefaultScaleDownThreshold,
		ScaleUpIncrement:   DefaultScaleUpIncrement,
		ScaleDownDecrement: DefaultScaleDownDecrement,
		Cooldown:           DefaultCooldown,
		PeakHours:          []int{9, 10, 11, 12, 13, 14, 15, 16, 17},
		OffPeakHours:       []int{0, 1, 2, 3, 4, 5, 22, 23},
		Alerts: AlertThresholds{
			Utilization:      DefaultAlertUtilization,
			ErrorRate:        DefaultAlertErrorRate,
			AvgQueryTimeMs:   DefaultAlertAvgQueryTimeMs,
			EmergencyWaiting: DefaultEmergencyWaiting,
		},
	}
}

func (s Settings) clone() Settings {
	s.PeakHours = append([]int(nil), s.PeakHours...)
	s.OffPeakHours = append([]int(nil), s.OffPeakHours...)
	return s
}

// Alert is one threshold breach observed by the metrics loop.
type Alert struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Emergency bool    `json:"emergency,omitempty"`
}

// HealthLevel is a three-level status. Levels are ordered so the worse of
// two can be picked.
type HealthLevel string

const (
	HealthHealthy  HealthLevel = "healthy"
	HealthDegraded HealthLevel = "degraded"
	HealthCritical HealthLevel = "critical"
)

func (l HealthLevel) rank() int {
	switch l {
	case HealthCritical:
		return 2
	case HealthDegraded:
		return 1
	default:
		return 0
	}
}

// Worse returns the more severe of two levels.
func Worse(a, b HealthLevel) HealthLevel {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// PoolHealth is the pool half of the health rollup.
type PoolHealth struct {
	Level           HealthLevel `json:"level"`
	Reachable       bool        `json:"reachable"`
	Utilization     float64     `json:"utilization"`
	ActiveConns     int         `json:"active_connections"`
	IdleConns       int         `json:"idle_connections"`
	WaitingRequests int         `json:"waiting_requests"`
	MaxConns        int         `json:"max_connections"`
	TotalQueries    int64       `json:"total_queries"`
	AvgQueryTimeMs  float64     `json:"avg_query_time_ms"`
	ErrorRate       float64     `json:"error_rate"`
	LastCheck       time.Time   `json:"last_check"`
	Issues          []string    `json:"issues,omitempty"`
}

// ControllerHealth is the controller half of the health rollup.
type ControllerHealth struct {
	Level              HealthLevel `json:"level"`
	Running            bool        `json:"running"`
	RecentScalingCount int         `json:"recent_scaling_count"`
	LastScaling        time.Time   `json:"last_scaling,omitempty"`
	Issues             []string    `json:"issues,omitempty"`
}

// HealthStatus combines both halves; Overall is the worse of the two.
type HealthStatus struct {
	Overall    HealthLevel      `json:"overall"`
	Pool       PoolHealth       `json:"pool"`
	Controller ControllerHealth `json:"controller"`
	CheckedAt  time.Time        `json:"checked_at"`
}

// Status is the controller's state for status endpoints.
type Status struct {
	Pool         string    `json:"pool"`
	Running      bool      `json:"running"`
	CurrentMax   int       `json:"current_max"`
	MinConns     int       `json:"min_connections"`
	MaxConns     int       `json:"max_connections"`
	LastScaling  time.Time `json:"last_scaling,omitempty"`
	CooldownLeft string    `json:"cooldown_remaining,omitempty"`
	HistorySize  int       `json:"history_size"`
	Settings     Settings  `json:"settings"`
}

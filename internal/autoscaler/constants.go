// Package autoscaler resizes a Postgres connection pool from its observed
// load.
//
// A Controller runs two periodic loops:
// - Scaling: sample the pool, apply the decision policy and resize when the
//   cooldown allows it
// - Metrics: check alert thresholds and roll up pool and controller health
//
// A high-utilization alert with a backed-up admission queue triggers an
// emergency evaluation outside the scaling schedule. Emergency evaluations
// are still subject to the cooldown.
package autoscaler

import "time"

// Default loop timing. Configuration overrides all of these.
const (
	DefaultScalingInterval    = 60 * time.Second
	DefaultMetricsInterval    = 30 * time.Second
	DefaultCooldown           = 5 * time.Minute
	DefaultHealthCheckTimeout = 5 * time.Second
	DefaultHistorySize        = 100
	DefaultStopTimeout        = 30 * time.Second
)

// Default policy parameters.
const (
	DefaultScaleUpThreshold   = 0.8
	DefaultScaleDownThreshold = 0.3
	DefaultScaleUpIncrement   = 5
	DefaultScaleDownDecrement = 2
)

// Fixed policy thresholds. Unlike the configurable scale-up and scale-down
// thresholds these never change at runtime.
const (
	// WaitingUtilizationThreshold is the utilization above which any waiting
	// request forces a scale-up.
	WaitingUtilizationThreshold = 0.8

	// SlowQueryUtilizationThreshold is the utilization above which a slow
	// average query time forces a scale-up.
	SlowQueryUtilizationThreshold = 0.6

	// SlowQueryAverageMs is the average query time that counts as slow.
	SlowQueryAverageMs = 1000.0

	// OffPeakFloorUtilization is the utilization below which off-peak hours
	// always scale down.
	OffPeakFloorUtilization = 0.2
)

// Default alert thresholds.
const (
	DefaultAlertUtilization    = 0.85
	DefaultAlertErrorRate      = 0.05
	DefaultAlertAvgQueryTimeMs = 1000.0
	DefaultEmergencyWaiting    = 5
)

// Health rollup thresholds.
const (
	CriticalUtilization = 0.95
	CriticalErrorRate   = 0.10

	// Scaling events within HealthWindow that mark the controller degraded
	// or critical. Frequent resizing means the policy is flapping.
	DegradedScalingEvents = 3
	CriticalScalingEvents = 6
	HealthWindow          = time.Hour
)

// Decision reasons.
const (
	ReasonPeakUtilization  = "high utilization during peak hours"
	ReasonWaitingRequests  = "requests waiting with high utilization"
	ReasonSlowQueries      = "slow queries with moderate utilization"
	ReasonOffPeakLow       = "low utilization during off-peak hours"
	ReasonOffPeakVeryLow   = "very low utilization during off-peak hours"
	ReasonNoAction         = "metrics within thresholds"
	SkipReasonCooldown     = "cooldown"
	SkipReasonLimitReached = "limit reached"
)

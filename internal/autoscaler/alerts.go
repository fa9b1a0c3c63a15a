package autoscaler

import (
	"context"

	"go.uber.org/zap"

	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/telemetry"
)

// CheckAlerts compares the pool against the alert thresholds and emits an
// alert event per breach. Alerts never resize the pool themselves; a
// high-utilization alert with more waiters than EmergencyWaiting runs an
// emergency evaluation, which still honors the cooldown.
func (c *Controller) CheckAlerts(ctx context.Context) []Alert {
	thresholds := c.Settings().Alerts
	util := c.pool.Utilization()
	snap := c.pool.Ledger().Snapshot()
	ratio := util.Ratio()

	var alerts []Alert
	emergency := false

	if ratio > thresholds.Utilization {
		alert := Alert{Name: telemetry.AlertHighUtilization, Value: ratio, Threshold: thresholds.Utilization}
		if util.Waiting > thresholds.EmergencyWaiting {
			alert.Emergency = true
			emergency = true
		}
		alerts = append(alerts, alert)
	}
	if rate := snap.ErrorRate(); rate > thresholds.ErrorRate {
		alerts = append(alerts, Alert{Name: telemetry.AlertHighErrorRate, Value: rate, Threshold: thresholds.ErrorRate})
	}
	if snap.AvgQueryTimeMs > thresholds.AvgQueryTimeMs {
		alerts = append(alerts, Alert{Name: telemetry.AlertSlowQueries, Value: snap.AvgQueryTimeMs, Threshold: thresholds.AvgQueryTimeMs})
	}

	for _, alert := range alerts {
		c.logger.Warn("Pool alert",
			zap.String("alert", alert.Name),
			zap.Float64("value", alert.Value),
			zap.Float64("threshold", alert.Threshold),
			zap.Int("waiting", util.Waiting),
			zap.Bool("emergency", alert.Emergency))

		if c.events == nil {
			continue
		}
		if err := c.events.EmitAlertEvent(ctx, c.pool.Name(), telemetry.AlertEventDetails{
			Alert:           alert.Name,
			Value:           alert.Value,
			Threshold:       alert.Threshold,
			WaitingRequests: util.Waiting,
			Emergency:       alert.Emergency,
		}); err != nil {
			c.logger.Warn("Failed to emit alert event", zap.Error(err))
		}
	}

	if emergency {
		c.logger.Warn("Emergency scaling triggered",
			zap.Float64("utilization", ratio),
			zap.Int("waiting", util.Waiting),
			zap.Int("threshold", thresholds.EmergencyWaiting))

		if _, err := c.Evaluate(ctx, TriggerEmergency); err != nil {
			c.logger.Error("Emergency evaluation failed", zap.Error(err))
		}
	}

	return alerts
}

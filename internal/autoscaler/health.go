package autoscaler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/telemetry"
)

var errUnreachable = errors.New("database unreachable")

// Health runs a live health check and rolls the result up with the pool's
// load and the controller's recent scaling activity. A failed check
// degrades the status; it is never returned as an error.
func (c *Controller) Health(ctx context.Context) HealthStatus {
	now := c.clock.Now()
	thresholds := c.Settings().Alerts

	reachable := false
	_ = c.tracer.TraceHealthCheckFunc(ctx, c.pool.Name(), func(ctx context.Context) error {
		reachable = c.pool.HealthCheckWithTimeout(ctx, c.healthTimeout)
		if !reachable {
			return errUnreachable
		}
		return nil
	})

	util := c.pool.Utilization()
	snap := c.pool.Ledger().Snapshot()

	pool := PoolHealth{
		Reachable:       reachable,
		Utilization:     util.Ratio(),
		ActiveConns:     util.Active,
		IdleConns:       util.Idle,
		WaitingRequests: util.Waiting,
		MaxConns:        util.Max,
		TotalQueries:    snap.TotalQueries,
		AvgQueryTimeMs:  snap.AvgQueryTimeMs,
		ErrorRate:       snap.ErrorRate(),
		LastCheck:       now,
	}
	pool.Level, pool.Issues = classifyPool(pool, thresholds)

	controller := c.controllerHealth(now)

	status := HealthStatus{
		Overall:    Worse(pool.Level, controller.Level),
		Pool:       pool,
		Controller: controller,
		CheckedAt:  now,
	}
	c.recordHealth(ctx, status)
	return status
}

// LastHealth returns the most recent rollup without running a check.
func (c *Controller) LastHealth() (HealthStatus, bool) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	if c.lastHealth == nil {
		return HealthStatus{}, false
	}
	return *c.lastHealth, true
}

func classifyPool(p PoolHealth, thresholds AlertThresholds) (HealthLevel, []string) {
	level := HealthHealthy
	var issues []string

	mark := func(l HealthLevel, format string, args ...interface{}) {
		level = Worse(level, l)
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if !p.Reachable {
		mark(HealthCritical, "database unreachable")
	}

	switch {
	case p.Utilization >= CriticalUtilization:
		mark(HealthCritical, "utilization %.0f%%", p.Utilization*100)
	case p.Utilization > thresholds.Utilization:
		mark(HealthDegraded, "utilization %.0f%%", p.Utilization*100)
	}

	switch {
	case p.ErrorRate > CriticalErrorRate:
		mark(HealthCritical, "error rate %.1f%%", p.ErrorRate*100)
	case p.ErrorRate > thresholds.ErrorRate:
		mark(HealthDegraded, "error rate %.1f%%", p.ErrorRate*100)
	}

	if p.AvgQueryTimeMs > thresholds.AvgQueryTimeMs {
		mark(HealthDegraded, "average query time %.0fms", p.AvgQueryTimeMs)
	}
	if p.WaitingRequests > 0 {
		mark(HealthDegraded, "%d requests waiting for a connection", p.WaitingRequests)
	}

	return level, issues
}

func (c *Controller) controllerHealth(now time.Time) ControllerHealth {
	cutoff := now.Add(-HealthWindow)
	recent := 0
	for _, event := range c.history.Snapshot() {
		if event.Timestamp.After(cutoff) {
			recent++
		}
	}

	health := ControllerHealth{
		Level:              HealthHealthy,
		Running:            c.IsRunning(),
		RecentScalingCount: recent,
		LastScaling:        c.LastScaling(),
	}

	switch {
	case recent >= CriticalScalingEvents:
		health.Level = HealthCritical
	case recent >= DegradedScalingEvents:
		health.Level = HealthDegraded
	}
	if health.Level != HealthHealthy {
		health.Issues = append(health.Issues, fmt.Sprintf("%d scaling events in the last %v", recent, HealthWindow))
	}
	return health
}

// recordHealth stores status and emits a change event for every check whose
// level moved. The first rollup is compared against healthy.
func (c *Controller) recordHealth(ctx context.Context, status HealthStatus) {
	c.healthMu.Lock()
	c.lastHealth = &status

	type change struct {
		check    string
		previous HealthLevel
		current  HealthLevel
		issues   []string
	}
	var changes []change
	for _, cur := range []struct {
		check  string
		level  HealthLevel
		issues []string
	}{
		{"pool", status.Pool.Level, status.Pool.Issues},
		{"controller", status.Controller.Level, status.Controller.Issues},
		{"overall", status.Overall, nil},
	} {
		previous, ok := c.lastLevels[cur.check]
		if !ok {
			previous = HealthHealthy
		}
		if previous != cur.level {
			changes = append(changes, change{cur.check, previous, cur.level, cur.issues})
		}
		c.lastLevels[cur.check] = cur.level
	}
	c.healthMu.Unlock()

	for _, ch := range changes {
		c.logger.Info("Health state changed",
			zap.String("check", ch.check),
			zap.String("previous", string(ch.previous)),
			zap.String("current", string(ch.current)),
			zap.Strings("issues", ch.issues))

		if c.events == nil {
			continue
		}
		details := telemetry.HealthChangeEventDetails{
			PreviousState: string(ch.previous),
			NewState:      string(ch.current),
			CheckType:     ch.check,
		}
		if len(ch.issues) > 0 {
			details.Error = ch.issues[0]
		}
		if err := c.events.EmitHealthChangeEvent(ctx, c.pool.Name(), details); err != nil {
			c.logger.Warn("Failed to emit health change event", zap.Error(err))
		}
	}
}

package autoscaler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/clock"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/dbpool"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/telemetry"
)

// Pool is the resizable connection source the controller drives.
// *dbpool.Source satisfies it.
type Pool interface {
	Name() string
	Ledger() *dbpool.Ledger
	Utilization() dbpool.Utilization
	Bounds() (minConns, maxConns int)
	MaxConns() int
	SetMaxConns(n int) (int, error)
	HealthCheckWithTimeout(ctx context.Context, timeout time.Duration) bool
}

// EventSink receives the controller's outbound events.
// *telemetry.EventEmitter satisfies it.
type EventSink interface {
	EmitScalingEvent(ctx context.Context, pool string, details telemetry.ScalingEventDetails) error
	EmitAlertEvent(ctx context.Context, pool string, details telemetry.AlertEventDetails) error
	EmitHealthChangeEvent(ctx context.Context, pool string, details telemetry.HealthChangeEventDetails) error
	EmitConfigurationEvent(ctx context.Context, details telemetry.ConfigurationEventDetails) error
}

// Options configures a Controller. Zero durations and sizes take defaults.
type Options struct {
	Settings           Settings
	ScalingInterval    time.Duration
	MetricsInterval    time.Duration
	HealthCheckTimeout time.Duration
	HistorySize        int
	Clock              clock.Clock
}

// Controller is the adaptive scaling controller for one pool. It is the
// only writer of the pool's maximum size.
type Controller struct {
	pool   Pool
	events EventSink
	tracer *telemetry.TraceHelper
	clock  clock.Clock
	logger *zap.Logger

	scalingInterval time.Duration
	metricsInterval time.Duration
	healthTimeout   time.Duration

	// evalMu serializes evaluations so concurrent triggers cannot both
	// pass the cooldown check.
	evalMu sync.Mutex

	mu          sync.RWMutex
	settings    Settings
	lastScaling time.Time
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}

	history *Ring[ScalingEvent]

	healthMu   sync.Mutex
	lastLevels map[string]HealthLevel
	lastHealth *HealthStatus
}

// NewController creates a controller for pool. events and tracer may be nil.
func NewController(pool Pool, opts Options, logger *zap.Logger, events EventSink, tracer *telemetry.TraceHelper) (*Controller, error) {
	if pool == nil {
		return nil, ErrNilPool
	}
	if err := ValidateSettings(opts.Settings); err != nil {
		return nil, err
	}

	if opts.ScalingInterval <= 0 {
		opts.ScalingInterval = DefaultScalingInterval
	}
	if opts.MetricsInterval <= 0 {
		opts.MetricsInterval = DefaultMetricsInterval
	}
	if opts.HealthCheckTimeout <= 0 {
		opts.HealthCheckTimeout = DefaultHealthCheckTimeout
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real
	}
	if tracer == nil {
		tracer = telemetry.NewTraceHelper(telemetry.DefaultServiceName)
	}

	return &Controller{
		pool:            pool,
		events:          events,
		tracer:          tracer,
		clock:           opts.Clock,
		logger:          logger.Named("autoscaler").With(zap.String("pool", pool.Name())),
		scalingInterval: opts.ScalingInterval,
		metricsInterval: opts.MetricsInterval,
		healthTimeout:   opts.HealthCheckTimeout,
		settings:        opts.Settings.clone(),
		history:         NewRing[ScalingEvent](opts.HistorySize),
		lastLevels:      make(map[string]HealthLevel),
	}, nil
}

// Start launches the scaling and metrics loops. They stop when ctx is
// cancelled or Stop is called.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.running = true

	c.logger.Info("Starting scaling controller",
		zap.Duration("scaling_interval", c.scalingInterval),
		zap.Duration("metrics_interval", c.metricsInterval),
		zap.Duration("cooldown", c.settings.Cooldown),
		zap.Int("current_max", c.pool.MaxConns()))

	go c.run(loopCtx, done)
	return nil
}

// Stop stops the loops, waiting up to DefaultStopTimeout.
func (c *Controller) Stop() error {
	return c.StopWithTimeout(DefaultStopTimeout)
}

// StopWithTimeout stops the loops and waits for an in-flight tick to finish.
func (c *Controller) StopWithTimeout(timeout time.Duration) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	c.logger.Info("Stopping scaling controller", zap.Duration("timeout", timeout))
	cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		c.logger.Info("Scaling controller stopped")
		return nil
	case <-timer.C:
		c.logger.Warn("Timeout waiting for scaling loop to stop")
		return fmt.Errorf("scaling loop did not stop within %v", timeout)
	}
}

// IsRunning reports whether the loops are active.
func (c *Controller) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

func (c *Controller) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		c.mu.Lock()
		if c.done == done {
			c.running = false
		}
		c.mu.Unlock()
	}()

	scaling := time.NewTicker(c.scalingInterval)
	defer scaling.Stop()
	metrics := time.NewTicker(c.metricsInterval)
	defer metrics.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("Scaling loop stopping due to context cancellation")
			return
		case <-scaling.C:
			c.tick("scaling", func() {
				if _, err := c.Evaluate(ctx, TriggerScheduled); err != nil {
					c.logger.Error("Scaling evaluation failed", zap.Error(err))
				}
			})
		case <-metrics.C:
			c.tick("metrics", func() {
				c.CheckAlerts(ctx)
				c.Health(ctx)
			})
		}
	}
}

// tick runs fn and recovers a panic so the loop survives it.
func (c *Controller) tick(loop string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Scaling loop panic", zap.String("loop", loop), zap.Any("error", r))
		}
	}()
	fn()
}

// Evaluate runs one pass of the control loop: cooldown check, sample,
// decision, target and resize.
func (c *Controller) Evaluate(ctx context.Context, trigger Trigger) (Result, error) {
	c.evalMu.Lock()
	defer c.evalMu.Unlock()

	settings := c.Settings()
	now := c.clock.Now()
	current := c.pool.MaxConns()

	result := Result{
		Trigger:     trigger,
		Decision:    Decision{Action: ActionNone, Reason: ReasonNoAction},
		PreviousMax: current,
		NewMax:      current,
	}

	if remaining := c.cooldownRemaining(now, settings.Cooldown); remaining > 0 {
		c.logger.Debug("Scaling skipped during cooldown",
			zap.String("trigger", string(trigger)),
			zap.Duration("remaining", remaining))
		result.Skipped = SkipReasonCooldown
		return result, nil
	}

	sample := c.buildSample(now, settings)
	result.Sample = &sample

	decision := Policy{
		ScaleUpThreshold:   settings.ScaleUpThreshold,
		ScaleDownThreshold: settings.ScaleDownThreshold,
	}.Decide(sample)
	result.Decision = decision

	if decision.Action == ActionNone {
		return result, nil
	}

	minConns, maxConns := c.pool.Bounds()
	target := Target(decision.Action, current, minConns, maxConns, settings.ScaleUpIncrement, settings.ScaleDownDecrement)
	if target == current {
		c.logger.Info("Scaling limit reached",
			zap.String("action", string(decision.Action)),
			zap.String("reason", decision.Reason),
			zap.Int("current_max", current),
			zap.Int("min_conns", minConns),
			zap.Int("max_conns", maxConns))
		result.Skipped = SkipReasonLimitReached
		return result, nil
	}

	previous := current
	err := c.tracer.TraceScalingDecisionFunc(ctx, c.pool.Name(), current, sample.Utilization, func(context.Context) error {
		var err error
		previous, err = c.pool.SetMaxConns(target)
		return err
	})
	if err != nil {
		c.logger.Error("Failed to resize pool",
			zap.String("action", string(decision.Action)),
			zap.Int("target", target),
			zap.Error(err))
		return result, NewScalingError(c.pool.Name(), string(decision.Action), err)
	}

	event := ScalingEvent{
		Timestamp:   now,
		Action:      decision.Action,
		Reason:      decision.Reason,
		Trigger:     trigger,
		PreviousMax: previous,
		NewMax:      target,
		Sample:      sample,
	}

	c.mu.Lock()
	c.lastScaling = now
	c.mu.Unlock()
	c.history.Push(event)

	result.PreviousMax = previous
	result.NewMax = target
	result.Enacted = true

	c.logger.Info("Pool scaled",
		zap.String("action", string(decision.Action)),
		zap.String("reason", decision.Reason),
		zap.String("trigger", string(trigger)),
		zap.Int("previous_max", previous),
		zap.Int("new_max", target),
		zap.Float64("utilization", sample.Utilization),
		zap.Int("waiting", sample.WaitingRequests))

	c.emitScaling(ctx, event)
	return result, nil
}

func (c *Controller) cooldownRemaining(now time.Time, cooldown time.Duration) time.Duration {
	c.mu.RLock()
	last := c.lastScaling
	c.mu.RUnlock()

	if last.IsZero() {
		return 0
	}
	if elapsed := now.Sub(last); elapsed < cooldown {
		return cooldown - elapsed
	}
	return 0
}

// Sample builds a sample of the pool at the current time without
// evaluating it.
func (c *Controller) Sample() Sample {
	return c.buildSample(c.clock.Now(), c.Settings())
}

func (c *Controller) buildSample(now time.Time, settings Settings) Sample {
	util := c.pool.Utilization()
	snap := c.pool.Ledger().Snapshot()
	hour := now.Hour()

	return Sample{
		Timestamp:       now,
		Utilization:     util.Ratio(),
		ActiveConns:     util.Active,
		IdleConns:       util.Idle,
		WaitingRequests: util.Waiting,
		CurrentMax:      util.Max,
		AvgQueryTimeMs:  snap.AvgQueryTimeMs,
		ErrorRate:       snap.ErrorRate(),
		Hour:            hour,
		PeakHour:        containsHour(settings.PeakHours, hour),
		OffPeakHour:     containsHour(settings.OffPeakHours, hour),
	}
}

// History returns enacted scaling events, oldest first.
func (c *Controller) History() []ScalingEvent {
	return c.history.Snapshot()
}

// LastScaling returns when the pool was last resized; zero if never.
func (c *Controller) LastScaling() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastScaling
}

// Settings returns a copy of the current settings.
func (c *Controller) Settings() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings.clone()
}

// UpdateSettings validates and applies new settings. The cooldown clock is
// not reset.
func (c *Controller) UpdateSettings(ctx context.Context, s Settings) error {
	if err := ValidateSettings(s); err != nil {
		return err
	}

	c.mu.Lock()
	previous := c.settings
	c.settings = s.clone()
	c.mu.Unlock()

	changes := diffSettings(previous, s)
	if len(changes) == 0 {
		return nil
	}

	c.logger.Info("Scaling settings updated", zap.Any("changes", changes))

	if c.events != nil {
		if err := c.events.EmitConfigurationEvent(ctx, telemetry.ConfigurationEventDetails{
			Action:  "changed",
			Changes: changes,
		}); err != nil {
			c.logger.Warn("Failed to emit configuration event", zap.Error(err))
		}
	}
	return nil
}

// Status returns the controller's state for status endpoints.
func (c *Controller) Status() Status {
	minConns, maxConns := c.pool.Bounds()
	settings := c.Settings()
	last := c.LastScaling()

	status := Status{
		Pool:        c.pool.Name(),
		Running:     c.IsRunning(),
		CurrentMax:  c.pool.MaxConns(),
		MinConns:    minConns,
		MaxConns:    maxConns,
		LastScaling: last,
		HistorySize: c.history.Len(),
		Settings:    settings,
	}
	if remaining := c.cooldownRemaining(c.clock.Now(), settings.Cooldown); remaining > 0 {
		status.CooldownLeft = remaining.String()
	}
	return status
}

func (c *Controller) emitScaling(ctx context.Context, event ScalingEvent) {
	if c.events == nil {
		return
	}
	err := c.events.EmitScalingEvent(ctx, c.pool.Name(), telemetry.ScalingEventDetails{
		Action:          string(event.Action),
		PreviousMax:     event.PreviousMax,
		NewMax:          event.NewMax,
		Reason:          event.Reason,
		Trigger:         string(event.Trigger),
		Utilization:     event.Sample.Utilization,
		AvgQueryTimeMs:  event.Sample.AvgQueryTimeMs,
		ErrorRate:       event.Sample.ErrorRate,
		WaitingRequests: event.Sample.WaitingRequests,
		Hour:            event.Sample.Hour,
		PeakHour:        event.Sample.PeakHour,
	})
	if err != nil {
		c.logger.Warn("Failed to emit scaling event", zap.Error(err))
	}
}

func diffSettings(old, updated Settings) map[string]interface{} {
	changes := make(map[string]interface{})
	if old.ScaleUpThreshold != updated.ScaleUpThreshold {
		changes["scale_up_threshold"] = updated.ScaleUpThreshold
	}
	if old.ScaleDownThreshold != updated.ScaleDownThreshold {
		changes["scale_down_threshold"] = updated.ScaleDownThreshold
	}
	if old.ScaleUpIncrement != updated.ScaleUpIncrement {
		changes["scale_up_increment"] = updated.ScaleUpIncrement
	}
	if old.ScaleDownDecrement != updated.ScaleDownDecrement {
		changes["scale_down_decrement"] = updated.ScaleDownDecrement
	}
	if old.Cooldown != updated.Cooldown {
		changes["cooldown"] = updated.Cooldown.String()
	}
	if !sameHours(old.PeakHours, updated.PeakHours) {
		changes["peak_hours"] = updated.PeakHours
	}
	if !sameHours(old.OffPeakHours, updated.OffPeakHours) {
		changes["off_peak_hours"] = updated.OffPeakHours
	}
	if old.Alerts != updated.Alerts {
		changes["alerts"] = updated.Alerts
	}
	return changes
}

func sameHours(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const (
	// Trace operation names
	TraceEventEmit       = "event.emit"
	TraceHealthCheck     = "pgpool.pool.health_check"
	TraceTransaction     = "pgpool.pool.transaction"
	TraceScalingDecision = "pgpool.scaling.decision"
	TraceExplainAnalyze  = "pgpool.planner.explain"
	TraceIndexInspect    = "pgpool.indexes.inspect"
	TraceIndexDDL        = "pgpool.indexes.ddl"
	TraceConfigReload    = "pgpool.config.reload"

	// Attribute keys
	AttrPoolName        = "pgpool.pool.name"
	AttrScalingAction   = "pgpool.scaling.action"
	AttrScalingReason   = "pgpool.scaling.reason"
	AttrCurrentMax      = "pgpool.scaling.current_max"
	AttrTargetMax       = "pgpool.scaling.target_max"
	AttrUtilization     = "pgpool.scaling.utilization"
	AttrStatement       = "pgpool.statement"
	AttrExecutionTimeMs = "pgpool.planner.execution_time_ms"
	AttrIndexName       = "pgpool.index.name"
	AttrIndexTable      = "pgpool.index.table"
	AttrErrorType       = "pgpool.error.type"
	AttrConfigPath      = "pgpool.config.path"
)

// TraceHelper provides helper methods for creating traces
type TraceHelper struct {
	tracer oteltrace.Tracer
}

// NewTraceHelper creates a new trace helper
func NewTraceHelper(serviceName string) *TraceHelper {
	return &TraceHelper{
		tracer: otel.Tracer(serviceName),
	}
}

// StartSpan starts a new tracing span with common attributes
func (th *TraceHelper) StartSpan(ctx context.Context, operationName string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return th.tracer.Start(ctx, operationName, oteltrace.WithAttributes(attrs...))
}

// RecordError records an error on the span
func (th *TraceHelper) RecordError(span oteltrace.Span, err error, description string) {
	if err != nil {
		span.SetStatus(codes.Error, description)
		span.RecordError(err, oteltrace.WithAttributes(
			attribute.String(AttrErrorType, description),
		))
	}
}

// SetSpanSuccess marks span as successful
func (th *TraceHelper) SetSpanSuccess(span oteltrace.Span) {
	span.SetStatus(codes.Ok, "Success")
}

// TraceFunc runs fn inside a span named operationName and records its
// duration and outcome.
func (th *TraceHelper) TraceFunc(ctx context.Context, operationName, failure string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := th.StartSpan(ctx, operationName, attrs...)
	defer span.End()

	start := time.Now()
	err := fn(ctx)

	span.SetAttributes(
		attribute.Int64("duration_ms", time.Since(start).Milliseconds()),
	)

	if err != nil {
		th.RecordError(span, err, failure)
		return err
	}

	th.SetSpanSuccess(span)
	return nil
}

// TraceScalingDecisionFunc traces one evaluation of the scaling policy
func (th *TraceHelper) TraceScalingDecisionFunc(ctx context.Context, poolName string, currentMax int, utilization float64, fn func(context.Context) error) error {
	return th.TraceFunc(ctx, TraceScalingDecision, "scaling decision failed", fn,
		attribute.String(AttrPoolName, poolName),
		attribute.Int(AttrCurrentMax, currentMax),
		attribute.Float64(AttrUtilization, utilization),
	)
}

// TraceExplainFunc traces an EXPLAIN ANALYZE run
func (th *TraceHelper) TraceExplainFunc(ctx context.Context, statement string, fn func(context.Context) error) error {
	return th.TraceFunc(ctx, TraceExplainAnalyze, "explain failed", fn,
		attribute.String(AttrStatement, statement),
	)
}

// TraceIndexDDLFunc traces CREATE/DROP INDEX CONCURRENTLY
func (th *TraceHelper) TraceIndexDDLFunc(ctx context.Context, index, operation string, fn func(context.Context) error) error {
	return th.TraceFunc(ctx, TraceIndexDDL, "index "+operation+" failed", fn,
		attribute.String(AttrIndexName, index),
		attribute.String("operation", operation),
	)
}

// TraceHealthCheckFunc traces a pool health probe
func (th *TraceHelper) TraceHealthCheckFunc(ctx context.Context, poolName string, fn func(context.Context) error) error {
	return th.TraceFunc(ctx, TraceHealthCheck, "health check failed", fn,
		attribute.String(AttrPoolName, poolName),
	)
}

// GetTraceHelper returns a trace helper instance from telemetry service
func (s *Service) GetTraceHelper() *TraceHelper {
	if s == nil || !s.config.Enabled {
		return &TraceHelper{tracer: otel.Tracer("noop")}
	}
	return &TraceHelper{tracer: s.tracer}
}

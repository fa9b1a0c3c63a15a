package planner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/dbpool"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/telemetry"
	"go.uber.org/zap"
)

const explainPrefix = "EXPLAIN (ANALYZE, BUFFERS, FORMAT JSON) "

// Acquirer hands out connections under the pool's retry policy.
// *dbpool.Source implements it.
type Acquirer interface {
	AcquireRetrying(ctx context.Context) (*dbpool.Handle, error)
}

// PerformanceMetrics summarises one measured execution.
type PerformanceMetrics struct {
	Statement       string          `json:"statement"`
	ExecutionTimeMs float64         `json:"execution_time_ms"`
	PlanningTimeMs  float64         `json:"planning_time_ms"`
	TotalTimeMs     float64         `json:"total_time_ms"`
	RowsReturned    int64           `json:"rows_returned"`
	IndexesUsed     []string        `json:"indexes_used"`
	ScanTypes       []string        `json:"scan_types"`
	BufferHits      int64           `json:"buffer_hits"`
	BufferReads     int64           `json:"buffer_reads"`
	RawPlan         json.RawMessage `json:"raw_plan,omitempty"`
}

// UsesIndex reports whether the plan scanned the named index.
func (m *PerformanceMetrics) UsesIndex(name string) bool {
	for _, idx := range m.IndexesUsed {
		if idx == name {
			return true
		}
	}
	return false
}

// BufferHitRatio returns hits over all shared block accesses, or 1 when none occurred.
func (m *PerformanceMetrics) BufferHitRatio() float64 {
	total := m.BufferHits + m.BufferReads
	if total == 0 {
		return 1
	}
	return float64(m.BufferHits) / float64(total)
}

// Summarize reduces a parsed plan to performance metrics.
func Summarize(plan *Plan) *PerformanceMetrics {
	m := &PerformanceMetrics{
		ExecutionTimeMs: plan.ExecutionTime,
		PlanningTimeMs:  plan.PlanningTime,
		TotalTimeMs:     plan.PlanningTime + plan.ExecutionTime,
		RowsReturned:    int64(math.Round(plan.Root.ActualRows)),
		// Buffer counts already include every child node.
		BufferHits:      plan.Root.SharedHitBlocks,
		BufferReads:     plan.Root.SharedReadBlocks,
		IndexesUsed:     []string{},
		ScanTypes:       []string{},
	}

	seenIndex := make(map[string]bool)
	seenScan := make(map[string]bool)
	Inspect(&plan.Root, func(n *PlanNode) bool {
		if n == nil {
			return false
		}
		if n.IndexName != "" && !seenIndex[n.IndexName] {
			seenIndex[n.IndexName] = true
			m.IndexesUsed = append(m.IndexesUsed, n.IndexName)
		}
		if n.IsScan() && !seenScan[n.NodeType] {
			seenScan[n.NodeType] = true
			m.ScanTypes = append(m.ScanTypes, n.NodeType)
		}
		return true
	})

	return m
}

// Analyzer measures statements with EXPLAIN ANALYZE.
type Analyzer struct {
	pool   Acquirer
	logger *zap.Logger
	tracer *telemetry.TraceHelper
}

// NewAnalyzer creates an analyzer. tracer may be nil.
func NewAnalyzer(pool Acquirer, logger *zap.Logger, tracer *telemetry.TraceHelper) *Analyzer {
	if tracer == nil {
		tracer = telemetry.NewTraceHelper(telemetry.DefaultServiceName)
	}
	return &Analyzer{
		pool:   pool,
		logger: logger.Named("planner"),
		tracer: tracer,
	}
}

// MeasurePerformance executes statement under EXPLAIN ANALYZE inside a
// transaction that is always rolled back, so data-modifying statements leave
// no trace.
func (a *Analyzer) MeasurePerformance(ctx context.Context, statement string, args ...any) (*PerformanceMetrics, error) {
	statement = strings.TrimSpace(statement)
	if statement == "" {
		return nil, dbpool.NewValidationError("statement", statement, "must not be empty")
	}
	if strings.HasPrefix(strings.ToUpper(statement), "EXPLAIN") {
		return nil, dbpool.NewValidationError("statement", truncate(statement), "must not already be an EXPLAIN")
	}

	h, err := a.pool.AcquireRetrying(ctx)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	var metrics *PerformanceMetrics
	err = a.tracer.TraceExplainFunc(ctx, Fingerprint(statement), func(ctx context.Context) error {
		var err error
		metrics, err = a.explain(ctx, h, statement, args)
		return err
	})
	if err != nil {
		return nil, err
	}

	a.logger.Debug("Statement measured",
		zap.String("fingerprint", Fingerprint(statement)),
		zap.Float64("execution_time_ms", metrics.ExecutionTimeMs),
		zap.Int64("rows", metrics.RowsReturned),
		zap.Strings("indexes", metrics.IndexesUsed))

	return metrics, nil
}

func (a *Analyzer) explain(ctx context.Context, h *dbpool.Handle, statement string, args []any) (*PerformanceMetrics, error) {
	if _, err := h.Exec(ctx, "BEGIN"); err != nil {
		return nil, err
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := h.Exec(rctx, "ROLLBACK"); err != nil {
			a.logger.Warn("Failed to roll back explain transaction", zap.Error(err))
		}
	}()

	a.enableIOTiming(ctx, h)

	var raw []byte
	if err := h.QueryRow(ctx, explainPrefix+statement, args...).Scan(&raw); err != nil {
		return nil, err
	}

	plan, err := ParsePlan(raw)
	if err != nil {
		return nil, err
	}

	metrics := Summarize(plan)
	metrics.Statement = statement
	metrics.RawPlan = json.RawMessage(raw)
	return metrics, nil
}

// enableIOTiming turns on I/O timing for the current transaction when the
// role is allowed to. A refusal is rolled back to a savepoint so the
// transaction stays usable.
func (a *Analyzer) enableIOTiming(ctx context.Context, h *dbpool.Handle) {
	if _, err := h.Exec(ctx, "SAVEPOINT io_timing"); err != nil {
		return
	}
	if _, err := h.Exec(ctx, "SET LOCAL track_io_timing = on"); err != nil {
		a.logger.Debug("I/O timing unavailable", zap.Error(err))
		if _, err := h.Exec(ctx, "ROLLBACK TO SAVEPOINT io_timing"); err != nil {
			a.logger.Debug("Failed to roll back to savepoint", zap.Error(err))
		}
	}
}

// PlanComparison holds two measurements of alternative statements.
type PlanComparison struct {
	Baseline           *PerformanceMetrics `json:"baseline"`
	Candidate          *PerformanceMetrics `json:"candidate"`
	ImprovementPercent float64             `json:"improvement_percent"`
}

// Faster reports whether the candidate beat the baseline.
func (c *PlanComparison) Faster() bool {
	return !math.IsNaN(c.ImprovementPercent) && c.ImprovementPercent > 0
}

// MarshalJSON encodes an undefined improvement as null.
func (c PlanComparison) MarshalJSON() ([]byte, error) {
	type alias struct {
		Baseline           *PerformanceMetrics `json:"baseline"`
		Candidate          *PerformanceMetrics `json:"candidate"`
		ImprovementPercent *float64            `json:"improvement_percent"`
	}
	out := alias{Baseline: c.Baseline, Candidate: c.Candidate}
	if !math.IsNaN(c.ImprovementPercent) && !math.IsInf(c.ImprovementPercent, 0) {
		v := c.ImprovementPercent
		out.ImprovementPercent = &v
	}
	return json.Marshal(out)
}

// ComparePlans measures baseline then candidate with the same arguments.
func (a *Analyzer) ComparePlans(ctx context.Context, baseline, candidate string, args ...any) (*PlanComparison, error) {
	before, err := a.MeasurePerformance(ctx, baseline, args...)
	if err != nil {
		return nil, err
	}
	after, err := a.MeasurePerformance(ctx, candidate, args...)
	if err != nil {
		return nil, err
	}

	cmp := &PlanComparison{
		Baseline:           before,
		Candidate:          after,
		ImprovementPercent: Improvement(before.ExecutionTimeMs, after.ExecutionTimeMs),
	}

	a.logger.Info("Plans compared",
		zap.Float64("baseline_ms", before.ExecutionTimeMs),
		zap.Float64("candidate_ms", after.ExecutionTimeMs),
		zap.Float64("improvement_percent", cmp.ImprovementPercent))

	return cmp, nil
}

// Improvement returns (timeA - timeB) / timeA * 100, or NaN when timeA is zero.
func Improvement(timeA, timeB float64) float64 {
	if timeA == 0 {
		return math.NaN()
	}
	return (timeA - timeB) / timeA * 100
}

// Fingerprint returns a short stable hash of a statement for logs and spans.
func Fingerprint(statement string) string {
	sum := sha256.Sum256([]byte(statement))
	return hex.EncodeToString(sum[:8])
}

func truncate(s string) string {
	const limit = 80
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

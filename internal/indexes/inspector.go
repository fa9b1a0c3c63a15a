// Package indexes reads the index catalog together with live usage
// statistics and turns it into advisory create/drop recommendations.
//
// Every read goes to the catalog; nothing is cached, so results always
// reflect the current state of pg_stat_user_indexes. Mutations are limited to
// CREATE/DROP INDEX CONCURRENTLY and are only reachable from operator
// surfaces.
package indexes

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/dbpool"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/planner"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/telemetry"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	DefaultSchema              = "public"
	DefaultUnusedScanThreshold = 10
	DefaultSelectivityBaseline = 1000
	lowSelectivity             = 0.5
	largeIndexBytes            = 10 << 20
	DefaultDDLTimeout          = 30 * time.Minute
)

const listIndexesSQL = `SELECT ix.indexname, i.indisvalid
FROM pg_indexes ix
JOIN pg_namespace n ON n.nspname = ix.schemaname
JOIN pg_class c ON c.relname = ix.indexname AND c.relnamespace = n.oid
JOIN pg_index i ON i.indexrelid = c.oid
WHERE ix.schemaname = $1 AND ($2::text = '' OR ix.tablename = $2)
ORDER BY ix.indexname`

const describeIndexesSQL = `SELECT s.schemaname, s.relname, s.indexrelname, am.amname,
       i.indisunique, i.indisprimary, i.indisvalid,
       EXISTS (SELECT 1 FROM pg_constraint con WHERE con.conindid = s.indexrelid) AS constraint_backed,
       pg_relation_size(s.indexrelid), s.idx_scan, s.idx_tup_read, s.idx_tup_fetch,
       pg_get_indexdef(s.indexrelid),
       ARRAY(SELECT a.attname::text
             FROM unnest(i.indkey) WITH ORDINALITY AS k(attnum, ord)
             JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = k.attnum
             ORDER BY k.ord) AS columns
FROM pg_stat_user_indexes s
JOIN pg_index i ON i.indexrelid = s.indexrelid
JOIN pg_class c ON c.oid = s.indexrelid
JOIN pg_am am ON am.oid = c.relam
WHERE s.schemaname = $1 AND ($2::text = '' OR s.relname = $2) AND ($3::text = '' OR s.indexrelname = $3)
ORDER BY s.relname, s.indexrelname`

// Acquirer hands out connections under the pool's retry policy.
// *dbpool.Source implements it.
type Acquirer interface {
	AcquireRetrying(ctx context.Context) (*dbpool.Handle, error)
}

// Measurer runs a statement through the plan analyzer.
type Measurer interface {
	MeasurePerformance(ctx context.Context, statement string, args ...any) (*planner.PerformanceMetrics, error)
}

// EventSink records index maintenance.
type EventSink interface {
	EmitIndexEvent(ctx context.Context, details telemetry.IndexEventDetails) error
}

// Config tunes the inspector.
type Config struct {
	Schema              string
	UnusedScanThreshold int64
	SelectivityBaseline float64
	LargeIndexBytes     int64
	// DDLTimeout bounds CREATE/DROP INDEX CONCURRENTLY, which is detached
	// from the caller's cancellation.
	DDLTimeout time.Duration
	Required   []RequiredIndex
}

// Inspector answers catalog questions for one schema.
type Inspector struct {
	pool     Acquirer
	measurer Measurer
	events   EventSink
	cfg      Config
	logger   *zap.Logger
	tracer   *telemetry.TraceHelper
}

// NewInspector creates an inspector. events and tracer may be nil.
func NewInspector(pool Acquirer, measurer Measurer, cfg Config, logger *zap.Logger, events EventSink, tracer *telemetry.TraceHelper) *Inspector {
	if cfg.Schema == "" {
		cfg.Schema = DefaultSchema
	}
	if cfg.UnusedScanThreshold <= 0 {
		cfg.UnusedScanThreshold = DefaultUnusedScanThreshold
	}
	if cfg.SelectivityBaseline <= 0 {
		cfg.SelectivityBaseline = DefaultSelectivityBaseline
	}
	if cfg.LargeIndexBytes <= 0 {
		cfg.LargeIndexBytes = largeIndexBytes
	}
	if cfg.DDLTimeout <= 0 {
		cfg.DDLTimeout = DefaultDDLTimeout
	}
	if cfg.Required == nil {
		cfg.Required = DefaultRequired()
	}
	if tracer == nil {
		tracer = telemetry.NewTraceHelper(telemetry.DefaultServiceName)
	}

	return &Inspector{
		pool:     pool,
		measurer: measurer,
		events:   events,
		cfg:      cfg,
		logger:   logger.Named("indexes").With(zap.String("schema", cfg.Schema)),
		tracer:   tracer,
	}
}

// Required returns the configured required index set.
func (i *Inspector) Required() []RequiredIndex {
	out := make([]RequiredIndex, len(i.cfg.Required))
	copy(out, i.cfg.Required)
	return out
}

// indexState is one catalog entry from listIndexesSQL.
type indexState struct {
	Name  string
	Valid bool
}

// ListIndexes returns index names in the schema, optionally for one table.
// Invalid indexes are included.
func (i *Inspector) ListIndexes(ctx context.Context, table string) ([]string, error) {
	states, err := i.listIndexes(ctx, table)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(states))
	for _, s := range states {
		names = append(names, s.Name)
	}
	return names, nil
}

func (i *Inspector) listIndexes(ctx context.Context, table string) ([]indexState, error) {
	var states []indexState
	err := i.withConn(ctx, func(q dbpool.Querier) error {
		rows, err := q.Query(ctx, listIndexesSQL, i.cfg.Schema, table)
		if err != nil {
			return err
		}
		states, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (indexState, error) {
			var s indexState
			err := row.Scan(&s.Name, &s.Valid)
			return s, err
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list indexes: %w", err)
	}
	return states, nil
}

// DescribeIndexes returns descriptors for every index in the schema,
// optionally for one table.
func (i *Inspector) DescribeIndexes(ctx context.Context, table string) ([]Descriptor, error) {
	var out []Descriptor
	err := i.tracer.TraceFunc(ctx, telemetry.TraceIndexInspect, "describe indexes failed", func(ctx context.Context) error {
		var err error
		out, err = i.describe(ctx, table, "")
		return err
	}, attribute.String(telemetry.AttrIndexTable, table))
	if err != nil {
		return nil, fmt.Errorf("failed to describe indexes: %w", err)
	}
	return out, nil
}

// Describe returns the descriptor of one index or a *NotFoundError.
func (i *Inspector) Describe(ctx context.Context, name string) (*Descriptor, error) {
	if name == "" {
		return nil, dbpool.NewValidationError("index", name, "must not be empty")
	}
	found, err := i.describe(ctx, "", name)
	if err != nil {
		return nil, fmt.Errorf("failed to describe index: %w", err)
	}
	if len(found) == 0 {
		return nil, &NotFoundError{Name: name, Reason: "no such index in schema " + i.cfg.Schema}
	}
	return &found[0], nil
}

func (i *Inspector) describe(ctx context.Context, table, name string) ([]Descriptor, error) {
	var out []Descriptor
	err := i.withConn(ctx, func(q dbpool.Querier) error {
		rows, err := q.Query(ctx, describeIndexesSQL, i.cfg.Schema, table, name)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, scanDescriptor)
		return err
	})
	return out, err
}

func scanDescriptor(row pgx.CollectableRow) (Descriptor, error) {
	var d Descriptor
	err := row.Scan(
		&d.Schema, &d.Table, &d.Name, &d.Method,
		&d.Unique, &d.Primary, &d.Valid, &d.ConstraintBacked,
		&d.SizeBytes, &d.Scans, &d.TuplesRead, &d.TuplesFetched,
		&d.Definition, &d.Columns,
	)
	d.Kind = KindForMethod(d.Method)
	return d, err
}

// FindUnused returns indexes scanned fewer times than the threshold.
// Primary-key, unique and constraint-backed indexes are never returned.
func (i *Inspector) FindUnused(ctx context.Context, table string) ([]Descriptor, error) {
	all, err := i.DescribeIndexes(ctx, table)
	if err != nil {
		return nil, err
	}

	unused := make([]Descriptor, 0)
	for _, d := range all {
		if d.Protected() || d.Scans >= i.cfg.UnusedScanThreshold {
			continue
		}
		unused = append(unused, d)
	}
	return unused, nil
}

// DetectMissing returns the names in required that do not exist, in the order
// given. An invalid index, typically left behind by an interrupted concurrent
// build, serves no queries and counts as missing.
func (i *Inspector) DetectMissing(ctx context.Context, table string, required []string) ([]string, error) {
	missing, _, err := i.detectMissing(ctx, table, required)
	return missing, err
}

// detectMissing also returns which of the missing names exist as invalid indexes.
func (i *Inspector) detectMissing(ctx context.Context, table string, required []string) ([]string, map[string]bool, error) {
	existing, err := i.listIndexes(ctx, table)
	if err != nil {
		return nil, nil, err
	}

	valid := make(map[string]bool, len(existing))
	for _, s := range existing {
		valid[s.Name] = s.Valid
	}

	missing := make([]string, 0)
	invalid := make(map[string]bool)
	for _, name := range required {
		ok, present := valid[name]
		if ok {
			continue
		}
		missing = append(missing, name)
		if present {
			invalid[name] = true
		}
	}
	return missing, invalid, nil
}

// ValidateEffectiveness measures statement and reports whether index served it.
func (i *Inspector) ValidateEffectiveness(ctx context.Context, index, statement string, args ...any) (*Effectiveness, error) {
	if _, err := i.Describe(ctx, index); err != nil {
		return nil, err
	}
	if i.measurer == nil {
		return nil, fmt.Errorf("plan analyzer not configured")
	}

	m, err := i.measurer.MeasurePerformance(ctx, statement, args...)
	if err != nil {
		return nil, err
	}

	rows := float64(m.RowsReturned)
	result := &Effectiveness{
		Index:           index,
		Used:            m.UsesIndex(index),
		Selectivity:     rows / (rows + i.cfg.SelectivityBaseline),
		RowsReturned:    m.RowsReturned,
		ExecutionTimeMs: m.ExecutionTimeMs,
	}

	switch {
	case !result.Used:
		result.Recommendation = VerdictUnused
	case result.Selectivity >= lowSelectivity:
		result.Recommendation = VerdictLowSelectivity
	default:
		result.Recommendation = VerdictEffective
	}

	i.logger.Debug("Index effectiveness validated",
		zap.String("index", index),
		zap.Bool("used", result.Used),
		zap.Float64("selectivity", result.Selectivity),
		zap.String("recommendation", result.Recommendation))

	return result, nil
}

// Recommend proposes creating missing required indexes, in required-set
// order, followed by dropping unused indexes on the tables the required set
// covers, largest first. A required index that exists but is invalid gets a
// drop immediately ahead of its create, since CREATE ... IF NOT EXISTS would
// leave it in place. It never changes the catalog.
func (i *Inspector) Recommend(ctx context.Context) ([]Recommendation, error) {
	names := make([]string, 0, len(i.cfg.Required))
	required := make(map[string]bool, len(i.cfg.Required))
	var tables []string
	seenTable := make(map[string]bool)
	for _, r := range i.cfg.Required {
		names = append(names, r.Name)
		required[r.Name] = true
		if !seenTable[r.Table] {
			seenTable[r.Table] = true
			tables = append(tables, r.Table)
		}
	}

	missing, invalid, err := i.detectMissing(ctx, "", names)
	if err != nil {
		return nil, err
	}

	recs := make([]Recommendation, 0, len(missing)+len(invalid))
	for _, name := range missing {
		r, _ := i.requiredByName(name)
		stmt, err := i.createStatement(r)
		if err != nil {
			return nil, err
		}
		impact := r.Impact
		if impact == "" {
			impact = ImpactHigh
		}
		if invalid[name] {
			recs = append(recs, Recommendation{
				Action:    ActionDrop,
				Index:     r.Name,
				Table:     r.Table,
				Reason:    "index is invalid, most likely from an interrupted concurrent build",
				Impact:    impact,
				Statement: i.dropStatement(r.Name),
			})
		}
		recs = append(recs, Recommendation{
			Action:    ActionCreate,
			Index:     r.Name,
			Table:     r.Table,
			Reason:    r.Reason,
			Impact:    impact,
			Statement: stmt,
		})
	}

	var drops []Recommendation
	for _, table := range tables {
		unused, err := i.FindUnused(ctx, table)
		if err != nil {
			return nil, err
		}
		for _, d := range unused {
			if required[d.Name] {
				continue
			}
			impact := ImpactLow
			if d.SizeBytes > i.cfg.LargeIndexBytes {
				impact = ImpactMedium
			}
			drops = append(drops, Recommendation{
				Action:    ActionDrop,
				Index:     d.Name,
				Table:     d.Table,
				Reason:    fmt.Sprintf("scanned %d times, below threshold of %d", d.Scans, i.cfg.UnusedScanThreshold),
				Impact:    impact,
				Statement: i.dropStatement(d.Name),
				SizeBytes: d.SizeBytes,
			})
		}
	}
	sort.SliceStable(drops, func(a, b int) bool {
		return drops[a].SizeBytes > drops[b].SizeBytes
	})

	return append(recs, drops...), nil
}

func (i *Inspector) requiredByName(name string) (RequiredIndex, bool) {
	for _, r := range i.cfg.Required {
		if r.Name == name {
			return r, true
		}
	}
	return RequiredIndex{}, false
}

func (i *Inspector) withConn(ctx context.Context, fn func(q dbpool.Querier) error) error {
	h, err := i.pool.AcquireRetrying(ctx)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(h)
}

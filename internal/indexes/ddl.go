package indexes

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/dbpool"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/telemetry"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

var (
	knownMethods = map[string]bool{
		"btree": true, "hash": true, "gist": true, "spgist": true,
		"gin": true, "brin": true, "hnsw": true, "ivfflat": true,
	}
	opclassPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
)

// createStatement renders CREATE INDEX CONCURRENTLY for a required index.
// Names are quoted; methods and operator classes are checked against a whitelist pattern.
func (i *Inspector) createStatement(r RequiredIndex) (string, error) {
	method := strings.ToLower(r.Method)
	if !knownMethods[method] {
		return "", dbpool.NewValidationError("method", r.Method, "unsupported index access method")
	}
	if len(r.Columns) == 0 {
		return "", dbpool.NewValidationError("columns", r.Name, "required index has no columns")
	}

	cols := make([]string, 0, len(r.Columns))
	for _, c := range r.Columns {
		parts := strings.Fields(c)
		if len(parts) == 0 || len(parts) > 2 {
			return "", dbpool.NewValidationError("columns", c, "expected 'column' or 'column opclass'")
		}
		col := pgx.Identifier{parts[0]}.Sanitize()
		if len(parts) == 2 {
			if !opclassPattern.MatchString(parts[1]) {
				return "", dbpool.NewValidationError("columns", c, "invalid operator class")
			}
			col += " " + parts[1]
		}
		cols = append(cols, col)
	}

	return fmt.Sprintf("CREATE INDEX CONCURRENTLY IF NOT EXISTS %s ON %s USING %s (%s)",
		pgx.Identifier{r.Name}.Sanitize(),
		pgx.Identifier{i.cfg.Schema, r.Table}.Sanitize(),
		method,
		strings.Join(cols, ", ")), nil
}

func (i *Inspector) dropStatement(name string) string {
	return "DROP INDEX CONCURRENTLY IF EXISTS " + pgx.Identifier{i.cfg.Schema, name}.Sanitize()
}

// CreateConcurrently builds the named required indexes one at a time.
// Every name is checked against the required set before anything runs.
// Existing indexes are left untouched. A build in progress runs to completion
// even if ctx ends; the remaining ones are skipped.
func (i *Inspector) CreateConcurrently(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return dbpool.NewValidationError("names", names, "at least one index name is required")
	}

	statements := make([]string, 0, len(names))
	for _, name := range names {
		r, ok := i.requiredByName(name)
		if !ok {
			return &NotFoundError{Name: name, Reason: "not in the required index set"}
		}
		stmt, err := i.createStatement(r)
		if err != nil {
			return err
		}
		statements = append(statements, stmt)
	}

	for n, stmt := range statements {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("index creation stopped before %s: %w", names[n], err)
		}
		if err := i.runDDL(ctx, "create", names[n], stmt); err != nil {
			return err
		}
	}
	return nil
}

// Drop removes an index. Indexes that enforce a constraint are refused.
func (i *Inspector) Drop(ctx context.Context, name string) error {
	d, err := i.Describe(ctx, name)
	var nf *NotFoundError
	switch {
	case errors.As(err, &nf):
		i.logger.Info("Index already absent", zap.String("index", name))
		return nil
	case err != nil:
		return err
	case d.Protected():
		return dbpool.NewValidationError("index", name, "index enforces a primary key, unique or other constraint")
	}

	return i.runDDL(ctx, "drop", name, i.dropStatement(name))
}

// runDDL executes stmt on its own connection outside any transaction, as
// CONCURRENTLY requires. The statement is detached from ctx's cancellation and
// bounded by the DDL timeout instead: a concurrent build aborted midway leaves
// an INVALID index behind.
func (i *Inspector) runDDL(ctx context.Context, action, index, stmt string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.cfg.DDLTimeout)
	defer cancel()

	start := time.Now()
	err := i.tracer.TraceIndexDDLFunc(ctx, index, action, func(ctx context.Context) error {
		return i.withConn(ctx, func(q dbpool.Querier) error {
			_, err := q.Exec(ctx, stmt)
			return err
		})
	})
	elapsed := time.Since(start)

	details := telemetry.IndexEventDetails{
		Action:     action,
		Index:      index,
		Statement:  stmt,
		DurationMs: float64(elapsed) / float64(time.Millisecond),
	}
	if err != nil {
		details.Error = err.Error()
		i.logger.Error("Index maintenance failed",
			zap.String("action", action),
			zap.String("index", index),
			zap.Error(err))
	} else {
		i.logger.Info("Index maintenance completed",
			zap.String("action", action),
			zap.String("index", index),
			zap.Duration("elapsed", elapsed))
	}

	if i.events != nil {
		if emitErr := i.events.EmitIndexEvent(context.WithoutCancel(ctx), details); emitErr != nil {
			i.logger.Debug("Failed to emit index event", zap.Error(emitErr))
		}
	}

	if err != nil {
		return fmt.Errorf("failed to %s index %s: %w", action, index, err)
	}
	return nil
}

// Package txn runs a unit of work inside a database transaction on one
// pooled connection.
//
// The connection is released exactly once whether the work commits, fails,
// fails to commit or panics. Failures are rolled back on a context that
// outlives the caller's cancellation so a cancelled request cannot leave a
// transaction open on a pooled connection.
package txn

import (
	"context"
	"strings"
	"time"

	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/dbpool"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/telemetry"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// DefaultRollbackTimeout bounds the best-effort rollback after a failure.
const DefaultRollbackTimeout = 5 * time.Second

// Acquirer hands out connections under the pool's retry policy.
// *dbpool.Source implements it.
type Acquirer interface {
	AcquireRetrying(ctx context.Context) (*dbpool.Handle, error)
}

// UnitOfWork runs statements through q. Returning an error rolls the transaction back.
type UnitOfWork func(ctx context.Context, q dbpool.Querier) error

// Coordinator runs units of work in transactions.
type Coordinator struct {
	pool            Acquirer
	logger          *zap.Logger
	tracer          *telemetry.TraceHelper
	rollbackTimeout time.Duration
}

// NewCoordinator creates a coordinator over pool. tracer may be nil.
func NewCoordinator(pool Acquirer, logger *zap.Logger, tracer *telemetry.TraceHelper) *Coordinator {
	if tracer == nil {
		tracer = telemetry.NewTraceHelper(telemetry.DefaultServiceName)
	}
	return &Coordinator{
		pool:            pool,
		logger:          logger.Named("txn"),
		tracer:          tracer,
		rollbackTimeout: DefaultRollbackTimeout,
	}
}

// WithTransaction runs fn in a read-write transaction at the server's default isolation level.
func (c *Coordinator) WithTransaction(ctx context.Context, fn UnitOfWork) error {
	return c.WithTransactionOptions(ctx, pgx.TxOptions{}, fn)
}

// WithTransactionOptions runs fn in a transaction started with opts.
// Acquisition is retried under the pool's retry policy and its failures are
// returned unchanged; every other failure is a *TransactionError carrying the
// original cause.
func (c *Coordinator) WithTransactionOptions(ctx context.Context, opts pgx.TxOptions, fn UnitOfWork) error {
	h, err := c.pool.AcquireRetrying(ctx)
	if err != nil {
		return err
	}
	defer h.Release()

	return c.tracer.TraceFunc(ctx, telemetry.TraceTransaction, "transaction failed", func(ctx context.Context) error {
		return c.run(ctx, h, opts, fn)
	}, attribute.String("isolation_level", string(opts.IsoLevel)))
}

func (c *Coordinator) run(ctx context.Context, h *dbpool.Handle, opts pgx.TxOptions, fn UnitOfWork) error {
	if _, err := h.Exec(ctx, beginSQL(opts)); err != nil {
		c.rollback(ctx, h, StageBegin)
		return NewTransactionError(StageBegin, err)
	}

	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("Unit of work panicked, rolling back", zap.Any("panic", p))
			c.rollback(ctx, h, StageUnitOfWork)
			panic(p)
		}
	}()

	if err := fn(ctx, h); err != nil {
		c.rollback(ctx, h, StageUnitOfWork)
		return NewTransactionError(StageUnitOfWork, err)
	}

	tag, err := h.Exec(ctx, "COMMIT")
	if err != nil {
		c.rollback(ctx, h, StageCommit)
		return NewTransactionError(StageCommit, err)
	}
	// An aborted transaction answers COMMIT with a ROLLBACK tag and no error.
	if tag.String() == "ROLLBACK" {
		return NewTransactionError(StageCommit, pgx.ErrTxCommitRollback)
	}

	return nil
}

// rollback never fails the caller; its error is logged and the original cause is kept.
func (c *Coordinator) rollback(ctx context.Context, h *dbpool.Handle, stage Stage) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.rollbackTimeout)
	defer cancel()

	if _, err := h.Exec(rctx, "ROLLBACK"); err != nil {
		c.logger.Warn("Transaction rollback failed",
			zap.String("stage", string(stage)),
			zap.Error(err))
		return
	}
	c.logger.Debug("Transaction rolled back", zap.String("stage", string(stage)))
}

func beginSQL(opts pgx.TxOptions) string {
	var b strings.Builder
	b.WriteString("BEGIN")
	if opts.IsoLevel != "" {
		b.WriteString(" ISOLATION LEVEL ")
		b.WriteString(strings.ToUpper(string(opts.IsoLevel)))
	}
	if opts.AccessMode != "" {
		b.WriteString(" ")
		b.WriteString(strings.ToUpper(string(opts.AccessMode)))
	}
	if opts.DeferrableMode != "" {
		b.WriteString(" ")
		b.WriteString(strings.ToUpper(string(opts.DeferrableMode)))
	}
	return b.String()
}

package dbpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/telemetry"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// Querier is the statement surface shared by pooled connections, handles and
// transaction-scoped executors.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Conn is a connection borrowed from the underlying pool.
type Conn interface {
	Querier
	Release()
}

// Connector hands out raw connections. *PgxConnector is the production implementation.
type Connector interface {
	Acquire(ctx context.Context) (Conn, error)
	Close()
}

// EventSink receives connection lifecycle records.
type EventSink interface {
	EmitPoolEvent(ctx context.Context, pool string, details telemetry.PoolEventDetails) error
}

// Options configures a Source.
type Options struct {
	Name               string
	MinConns           int
	MaxConns           int
	InitialMaxConns    int
	ConnectTimeout     time.Duration
	SlowQueryThreshold time.Duration

	// RetryAttempts bounds AcquireRetrying; values below 1 mean a single attempt.
	RetryAttempts int
	RetryDelay    time.Duration
}

// Utilization is a non-blocking view of the admission gate.
type Utilization struct {
	Active  int `json:"active"`
	Idle    int `json:"idle"`
	Waiting int `json:"waiting"`
	Max     int `json:"max"`
}

// Ratio returns active/max clamped to [0,1].
func (u Utilization) Ratio() float64 {
	if u.Max <= 0 {
		return 0
	}
	r := float64(u.Active) / float64(u.Max)
	if r > 1 {
		return 1
	}
	if r < 0 {
		return 0
	}
	return r
}

// HealthResult records the outcome of the most recent health check.
type HealthResult struct {
	Healthy   bool          `json:"healthy"`
	CheckedAt time.Time     `json:"checked_at"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
}

// Source admits callers up to a resizable maximum, borrows connections from a
// Connector and records every statement into a Ledger.
//
// The underlying pool is sized at the configured maximum; the current maximum
// is enforced here so the scaling controller can resize it at runtime.
type Source struct {
	connector Connector
	ledger    *Ledger
	logger    *zap.Logger
	events    EventSink
	opts      Options

	mu         sync.Mutex
	currentMax int
	active     int
	idle       int
	waiting    int
	closed     bool
	changed    chan struct{}
	lastHealth HealthResult
}

// NewSource validates opts and wraps connector.
func NewSource(connector Connector, opts Options, logger *zap.Logger, events EventSink) (*Source, error) {
	if connector == nil {
		return nil, fmt.Errorf("connector cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if err := validateOptions(&opts); err != nil {
		return nil, err
	}

	s := &Source{
		connector:  connector,
		ledger:     NewLedger(opts.SlowQueryThreshold),
		logger:     logger.With(zap.String("pool", opts.Name)),
		events:     events,
		opts:       opts,
		currentMax: opts.InitialMaxConns,
		changed:    make(chan struct{}),
	}

	s.logger.Info("Connection source created",
		zap.Int("min_conns", opts.MinConns),
		zap.Int("max_conns", opts.MaxConns),
		zap.Int("initial_max_conns", opts.InitialMaxConns),
		zap.Duration("connect_timeout", opts.ConnectTimeout),
		zap.Int("retry_attempts", opts.RetryAttempts))

	return s, nil
}

func validateOptions(opts *Options) error {
	if opts.Name == "" {
		opts.Name = "primary"
	}
	if opts.MinConns < 1 {
		return NewValidationError("min_conns", opts.MinConns, "must be at least 1")
	}
	if opts.MaxConns < opts.MinConns {
		return NewValidationError("max_conns", opts.MaxConns, "must not be below min_conns")
	}
	if opts.InitialMaxConns == 0 {
		opts.InitialMaxConns = opts.MinConns
	}
	if opts.InitialMaxConns < opts.MinConns || opts.InitialMaxConns > opts.MaxConns {
		return NewValidationError("initial_max_conns", opts.InitialMaxConns, "must be within [min_conns, max_conns]")
	}
	if opts.ConnectTimeout <= 0 {
		return NewValidationError("connect_timeout", opts.ConnectTimeout, "must be positive")
	}
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 1
	}
	if opts.RetryDelay < 0 {
		return NewValidationError("retry_delay", opts.RetryDelay, "must not be negative")
	}
	return nil
}

// Name returns the pool name used in logs, events and metrics.
func (s *Source) Name() string {
	return s.opts.Name
}

// Ledger returns the source's metrics ledger.
func (s *Source) Ledger() *Ledger {
	return s.ledger
}

// Bounds returns the configured minimum and maximum pool size.
func (s *Source) Bounds() (minConns, maxConns int) {
	return s.opts.MinConns, s.opts.MaxConns
}

// Acquire waits for a free slot and a connection, bounded by the connect timeout.
func (s *Source) Acquire(ctx context.Context) (*Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	fresh, err := s.admit(ctx)
	if err != nil {
		s.ledger.RecordError()
		return nil, err
	}

	conn, err := s.connector.Acquire(ctx)
	if err != nil {
		s.vacate()
		s.ledger.RecordError()

		kind := NetworkFailure
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = ConnectionTimeout
		}
		cerr := NewConnectionError(s.opts.Name, kind, err)
		s.logger.Warn("Failed to acquire connection",
			zap.String("kind", string(kind)),
			zap.Error(err))
		s.emit(ctx, telemetry.PoolEventDetails{Action: telemetry.PoolActionError, Error: cerr.Error()})
		return nil, cerr
	}

	if fresh {
		s.ledger.RecordConnectionCreated()
		util := s.Utilization()
		s.emit(ctx, telemetry.PoolEventDetails{
			Action: telemetry.PoolActionConnect,
			Active: util.Active,
			Idle:   util.Idle,
			Max:    util.Max,
		})
	}

	return &Handle{source: s, conn: conn, acquiredAt: time.Now()}, nil
}

// AcquireWithRetry calls Acquire up to maxAttempts times with a fixed delay
// between attempts.
func (s *Source) AcquireWithRetry(ctx context.Context, maxAttempts int, delay time.Duration) (*Handle, error) {
	if maxAttempts < 1 {
		return nil, NewValidationError("max_attempts", maxAttempts, "must be at least 1")
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		h, err := s.Acquire(ctx)
		if err == nil {
			if attempt > 1 {
				s.logger.Info("Connection acquired after retry", zap.Int("attempt", attempt))
			}
			return h, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return nil, &RetryExhaustedError{Attempts: attempt, Cause: err}
		}
		if attempt == maxAttempts {
			break
		}

		s.logger.Debug("Retrying connection acquisition",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &RetryExhaustedError{Attempts: attempt, Cause: ctx.Err()}
		case <-timer.C:
		}
	}

	s.logger.Warn("Connection retries exhausted",
		zap.Int("attempts", maxAttempts),
		zap.Error(lastErr))
	return nil, &RetryExhaustedError{Attempts: maxAttempts, Cause: lastErr}
}

// AcquireRetrying acquires with the configured retry policy. Transient
// connection failures are retried; anything else fails on the first attempt.
func (s *Source) AcquireRetrying(ctx context.Context) (*Handle, error) {
	if s.opts.RetryAttempts <= 1 {
		return s.Acquire(ctx)
	}
	return s.AcquireWithRetry(ctx, s.opts.RetryAttempts, s.opts.RetryDelay)
}

// Release returns h to the pool. Releasing a handle twice is a no-op that is
// logged as a warning.
func (s *Source) Release(h *Handle) error {
	if h == nil {
		return ErrNilHandle
	}
	h.Release()
	return nil
}

// Execute runs one statement on a short-lived connection.
func (s *Source) Execute(ctx context.Context, statement string, args ...any) (pgconn.CommandTag, error) {
	h, err := s.AcquireRetrying(ctx)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	defer h.Release()

	return h.Exec(ctx, statement, args...)
}

// HealthCheck runs SELECT 1 and reports whether it succeeded. It never fails.
func (s *Source) HealthCheck(ctx context.Context) bool {
	start := time.Now()
	result := HealthResult{CheckedAt: start}

	var one int
	h, err := s.Acquire(ctx)
	if err == nil {
		err = h.QueryRow(ctx, "SELECT 1").Scan(&one)
		h.Release()
	}

	result.Latency = time.Since(start)
	result.Healthy = err == nil && one == 1
	if err != nil {
		result.Error = err.Error()
	}

	s.mu.Lock()
	s.lastHealth = result
	s.mu.Unlock()

	if !result.Healthy {
		s.logger.Warn("Health check failed",
			zap.Duration("latency", result.Latency),
			zap.Error(err))
	}
	return result.Healthy
}

// HealthCheckWithTimeout bounds HealthCheck by timeout. The deadline is passed
// into the statement, so a check that overruns is cancelled, not abandoned.
func (s *Source) HealthCheckWithTimeout(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ok := s.HealthCheck(ctx)
	if !ok && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		s.logger.Debug("Health check timed out", zap.Duration("timeout", timeout))
	}
	return ok
}

// LastHealthCheck returns the result of the most recent health check.
func (s *Source) LastHealthCheck() HealthResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHealth
}

// Utilization returns the current gate counters.
func (s *Source) Utilization() Utilization {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Utilization{Active: s.active, Idle: s.idle, Waiting: s.waiting, Max: s.currentMax}
}

// MaxConns returns the current maximum.
func (s *Source) MaxConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentMax
}

// SetMaxConns changes the current maximum and returns the previous value.
// Growing wakes blocked callers; shrinking trims idle connections so that
// active+idle stays within the new maximum once active callers drain.
func (s *Source) SetMaxConns(n int) (int, error) {
	if n < s.opts.MinConns || n > s.opts.MaxConns {
		return 0, NewValidationError("max_conns", n,
			fmt.Sprintf("must be within [%d, %d]", s.opts.MinConns, s.opts.MaxConns))
	}

	s.mu.Lock()
	old := s.currentMax
	s.currentMax = n
	if s.active+s.idle > n {
		s.idle = n - s.active
		if s.idle < 0 {
			s.idle = 0
		}
	}
	s.broadcastLocked()
	s.syncLedgerLocked()
	s.mu.Unlock()

	if old != n {
		s.logger.Info("Pool maximum changed",
			zap.Int("from", old),
			zap.Int("to", n))
	}
	return old, nil
}

// Close stops admitting callers and closes the underlying pool.
func (s *Source) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.broadcastLocked()
	util := Utilization{Active: s.active, Idle: s.idle, Waiting: s.waiting, Max: s.currentMax}
	s.mu.Unlock()

	s.connector.Close()
	s.emit(context.Background(), telemetry.PoolEventDetails{
		Action: telemetry.PoolActionClose,
		Active: util.Active,
		Idle:   util.Idle,
		Max:    util.Max,
	})
	s.logger.Info("Connection source closed")
}

// admit blocks until active < currentMax. fresh reports that no idle
// connection was available, so the pool will open a new one.
func (s *Source) admit(ctx context.Context) (fresh bool, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrPoolClosed
	}

	s.waiting++
	for s.active >= s.currentMax {
		wake := s.changed
		s.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			s.mu.Lock()
			s.waiting--
			s.syncLedgerLocked()
			s.mu.Unlock()
			return false, NewConnectionError(s.opts.Name, PoolExhausted, ctx.Err())
		}

		s.mu.Lock()
		if s.closed {
			s.waiting--
			s.mu.Unlock()
			return false, ErrPoolClosed
		}
	}

	s.waiting--
	s.active++
	if s.idle > 0 {
		s.idle--
	} else {
		fresh = true
	}
	s.syncLedgerLocked()
	s.mu.Unlock()
	return fresh, nil
}

// vacate gives back a slot whose connection was never obtained.
func (s *Source) vacate() {
	s.mu.Lock()
	s.active--
	s.broadcastLocked()
	s.syncLedgerLocked()
	s.mu.Unlock()
}

func (s *Source) release(h *Handle) {
	if !h.released.CompareAndSwap(false, true) {
		s.logger.Warn("Connection released twice",
			zap.Time("acquired_at", h.acquiredAt))
		return
	}

	h.conn.Release()

	s.mu.Lock()
	s.active--
	if s.active+s.idle < s.currentMax {
		s.idle++
	}
	s.broadcastLocked()
	s.syncLedgerLocked()
	s.mu.Unlock()
}

func (s *Source) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Source) syncLedgerLocked() {
	s.ledger.SetConnections(s.active, s.idle)
}

// observe records one statement outcome and converts failures into QueryError.
func (s *Source) observe(ctx context.Context, statement string, elapsed time.Duration, err error) error {
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		s.ledger.RecordError()
		s.logger.Debug("Statement failed",
			zap.String("statement", truncateStatement(statement)),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		s.emit(ctx, telemetry.PoolEventDetails{
			Action:     telemetry.PoolActionError,
			Statement:  truncateStatement(statement),
			DurationMs: durationMs(elapsed),
			Error:      err.Error(),
		})
		return NewQueryError(statement, err)
	}

	if s.ledger.RecordQuery(elapsed) {
		s.logger.Warn("Slow query detected",
			zap.String("statement", truncateStatement(statement)),
			zap.Duration("elapsed", elapsed),
			zap.Duration("threshold", s.ledger.SlowThreshold()))
		s.emit(ctx, telemetry.PoolEventDetails{
			Action:     telemetry.PoolActionSlowQuery,
			Statement:  truncateStatement(statement),
			DurationMs: durationMs(elapsed),
		})
	}

	if err != nil {
		return NewQueryError(statement, err)
	}
	return nil
}

func (s *Source) emit(ctx context.Context, details telemetry.PoolEventDetails) {
	if s.events == nil {
		return
	}
	if err := s.events.EmitPoolEvent(context.WithoutCancel(ctx), s.opts.Name, details); err != nil {
		s.logger.Debug("Failed to emit pool event",
			zap.String("action", details.Action),
			zap.Error(err))
	}
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Handle is one admitted connection. It must be released exactly once.
type Handle struct {
	source     *Source
	conn       Conn
	acquiredAt time.Time
	released   atomic.Bool
}

// Release returns the connection to the source.
func (h *Handle) Release() {
	h.source.release(h)
}

// Released reports whether the handle has been released.
func (h *Handle) Released() bool {
	return h.released.Load()
}

// Exec runs a statement that returns no rows.
func (h *Handle) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	start := time.Now()
	tag, err := h.conn.Exec(ctx, sql, args...)
	return tag, h.source.observe(ctx, sql, time.Since(start), err)
}

// Query runs a statement and records it once the rows are closed.
func (h *Handle) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	start := time.Now()
	rows, err := h.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, h.source.observe(ctx, sql, time.Since(start), err)
	}
	return &observedRows{Rows: rows, done: func(err error) {
		h.source.observe(ctx, sql, time.Since(start), err)
	}}, nil
}

// QueryRow runs a statement expected to return at most one row.
func (h *Handle) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	start := time.Now()
	row := h.conn.QueryRow(ctx, sql, args...)
	return observedRow{row: row, done: func(err error) error {
		return h.source.observe(ctx, sql, time.Since(start), err)
	}}
}

type observedRows struct {
	pgx.Rows
	once sync.Once
	done func(err error)
}

func (r *observedRows) Close() {
	r.Rows.Close()
	r.once.Do(func() { r.done(r.Rows.Err()) })
}

type observedRow struct {
	row  pgx.Row
	done func(err error) error
}

func (r observedRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		r.done(err)
		return err
	}
	return r.done(err)
}

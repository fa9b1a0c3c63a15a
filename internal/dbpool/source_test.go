package dbpool_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/dbpool"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/telemetry"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/testutil"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type recordingSink struct {
	mu     sync.Mutex
	events []telemetry.PoolEventDetails
}

func (r *recordingSink) EmitPoolEvent(ctx context.Context, pool string, details telemetry.PoolEventDetails) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, details)
	return nil
}

func (r *recordingSink) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Action)
	}
	return out
}

func newSource(t *testing.T, opts dbpool.Options) (*dbpool.Source, *testutil.FakeConnector, *testutil.FakeDB) {
	t.Helper()

	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = time.Second
	}
	db := testutil.NewFakeDB()
	connector := testutil.NewFakeConnector(db)
	source, err := dbpool.NewSource(connector, opts, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	t.Cleanup(source.Close)
	return source, connector, db
}

func assertWithinMax(t *testing.T, u dbpool.Utilization) {
	t.Helper()
	assert.GreaterOrEqual(t, u.Active, 0)
	assert.GreaterOrEqual(t, u.Idle, 0)
	assert.LessOrEqual(t, u.Active+u.Idle, u.Max)
}

func TestNewSourceValidation(t *testing.T) {
	db := testutil.NewFakeDB()
	logger := zaptest.NewLogger(t)

	tests := []struct {
		name  string
		opts  dbpool.Options
		field string
	}{
		{name: "zero min", opts: dbpool.Options{MinConns: 0, MaxConns: 5, ConnectTimeout: time.Second}, field: "min_conns"},
		{name: "max below min", opts: dbpool.Options{MinConns: 5, MaxConns: 2, ConnectTimeout: time.Second}, field: "max_conns"},
		{name: "initial above max", opts: dbpool.Options{MinConns: 1, MaxConns: 5, InitialMaxConns: 6, ConnectTimeout: time.Second}, field: "initial_max_conns"},
		{name: "no connect timeout", opts: dbpool.Options{MinConns: 1, MaxConns: 5}, field: "connect_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := dbpool.NewSource(testutil.NewFakeConnector(db), tt.opts, logger, nil)
			var verr *dbpool.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	source, err := dbpool.NewSource(testutil.NewFakeConnector(db), dbpool.Options{MinConns: 2, MaxConns: 8, ConnectTimeout: time.Second}, logger, nil)
	require.NoError(t, err)
	assert.Equal(t, "primary", source.Name())
	assert.Equal(t, 2, source.MaxConns())
}

func TestAcquireReleaseAccounting(t *testing.T) {
	source, connector, _ := newSource(t, dbpool.Options{MinConns: 1, MaxConns: 3, InitialMaxConns: 3})
	ctx := context.Background()

	var handles []*dbpool.Handle
	for i := 0; i < 3; i++ {
		h, err := source.Acquire(ctx)
		require.NoError(t, err)
		handles = append(handles, h)
		assertWithinMax(t, source.Utilization())
	}

	u := source.Utilization()
	assert.Equal(t, 3, u.Active)
	assert.Equal(t, 0, u.Idle)
	assert.Equal(t, 1.0, u.Ratio())

	require.NoError(t, source.Release(handles[0]))
	u = source.Utilization()
	assert.Equal(t, 2, u.Active)
	assert.Equal(t, 1, u.Idle)

	// Reuses the idle slot instead of counting a new connection.
	h, err := source.Acquire(ctx)
	require.NoError(t, err)
	handles[0] = h
	assert.Equal(t, int64(3), source.Ledger().Snapshot().TotalConnections)

	for _, h := range handles {
		h.Release()
		assertWithinMax(t, source.Utilization())
	}

	u = source.Utilization()
	assert.Equal(t, 0, u.Active)
	assert.Equal(t, 3, u.Idle)
	assert.Equal(t, 4, connector.Releases())

	snap := source.Ledger().Snapshot()
	assert.Equal(t, 0, snap.ActiveConnections)
	assert.Equal(t, 3, snap.IdleConnections)
}

func TestReleaseNilHandle(t *testing.T) {
	source, _, _ := newSource(t, dbpool.Options{MinConns: 1, MaxConns: 2})
	assert.ErrorIs(t, source.Release(nil), dbpool.ErrNilHandle)
}

func TestDoubleReleaseIsLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	db := testutil.NewFakeDB()
	connector := testutil.NewFakeConnector(db)
	source, err := dbpool.NewSource(connector, dbpool.Options{MinConns: 1, MaxConns: 2, ConnectTimeout: time.Second}, zap.New(core), nil)
	require.NoError(t, err)
	defer source.Close()

	h, err := source.Acquire(context.Background())
	require.NoError(t, err)

	h.Release()
	h.Release()

	assert.True(t, h.Released())
	assert.Equal(t, 1, connector.Releases())
	assert.Equal(t, 1, logs.FilterMessage("Connection released twice").Len())

	u := source.Utilization()
	assert.Equal(t, 0, u.Active)
	assert.Equal(t, 1, u.Idle)
}

func TestAcquirePoolExhausted(t *testing.T) {
	source, _, _ := newSource(t, dbpool.Options{MinConns: 1, MaxConns: 1, ConnectTimeout: 50 * time.Millisecond})

	h, err := source.Acquire(context.Background())
	require.NoError(t, err)
	defer h.Release()

	start := time.Now()
	_, err = source.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, dbpool.IsPoolExhausted(err))
	assert.Less(t, time.Since(start), time.Second)

	u := source.Utilization()
	assert.Equal(t, 0, u.Waiting)
	assert.Equal(t, int64(1), source.Ledger().Snapshot().Errors)
}

func TestAcquireConnectionTimeout(t *testing.T) {
	source, connector, _ := newSource(t, dbpool.Options{MinConns: 1, MaxConns: 2, ConnectTimeout: 30 * time.Millisecond})
	connector.Hang(true)

	_, err := source.Acquire(context.Background())

	var cerr *dbpool.ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, dbpool.ConnectionTimeout, cerr.Kind)
	assert.Equal(t, 0, source.Utilization().Active, "failed acquisition must give its slot back")
}

func TestWaiterWokenByRelease(t *testing.T) {
	source, _, _ := newSource(t, dbpool.Options{MinConns: 1, MaxConns: 1, ConnectTimeout: 2 * time.Second})

	h, err := source.Acquire(context.Background())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		h2, err := source.Acquire(context.Background())
		if err == nil {
			h2.Release()
		}
		done <- err
	}()

	require.Eventually(t, func() bool {
		return source.Utilization().Waiting == 1
	}, time.Second, 5*time.Millisecond)

	h.Release()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by release")
	}
}

func TestAcquireWithRetrySucceedsOnThirdAttempt(t *testing.T) {
	source, connector, _ := newSource(t, dbpool.Options{MinConns: 1, MaxConns: 5})
	connector.FailNext(2, errors.New("connection refused"))

	start := time.Now()
	h, err := source.AcquireWithRetry(context.Background(), 3, 100*time.Millisecond)
	require.NoError(t, err)
	defer h.Release()

	assert.Equal(t, 3, connector.Acquires())
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestAcquireWithRetryExhausted(t *testing.T) {
	source, connector, _ := newSource(t, dbpool.Options{MinConns: 1, MaxConns: 5})
	connector.FailNext(100, errors.New("connection refused"))

	_, err := source.AcquireWithRetry(context.Background(), 2, 50*time.Millisecond)

	var rerr *dbpool.RetryExhaustedError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 2, rerr.Attempts)
	assert.Equal(t, 2, connector.Acquires())

	var cerr *dbpool.ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, dbpool.NetworkFailure, cerr.Kind)
	assert.Equal(t, 0, source.Utilization().Active)
}

func TestAcquireWithRetryHonoursCancellation(t *testing.T) {
	source, connector, _ := newSource(t, dbpool.Options{MinConns: 1, MaxConns: 5})
	connector.FailNext(100, errors.New("connection refused"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := source.AcquireWithRetry(ctx, 10, time.Second)

	var rerr *dbpool.RetryExhaustedError
	require.ErrorAs(t, err, &rerr)
	assert.Less(t, rerr.Attempts, 10)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAcquireWithRetryRejectsZeroAttempts(t *testing.T) {
	source, _, _ := newSource(t, dbpool.Options{MinConns: 1, MaxConns: 5})

	_, err := source.AcquireWithRetry(context.Background(), 0, time.Millisecond)
	var verr *dbpool.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestExecuteRecordsOutcome(t *testing.T) {
	source, connector, db := newSource(t, dbpool.Options{MinConns: 1, MaxConns: 5})
	db.On("INSERT INTO dup", testutil.Response{Err: errors.New("duplicate key value violates unique constraint")})
	db.On("UPDATE properties", testutil.Response{Tag: "UPDATE 3"})

	tag, err := source.Execute(context.Background(), "UPDATE properties SET price = price * 1.1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), tag.RowsAffected())

	_, err = source.Execute(context.Background(), "INSERT INTO dup VALUES (1)")
	var qerr *dbpool.QueryError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, "INSERT INTO dup VALUES (1)", qerr.Statement)

	snap := source.Ledger().Snapshot()
	assert.Equal(t, int64(1), snap.TotalQueries)
	assert.Equal(t, int64(1), snap.Errors)
	assert.InDelta(t, 0.5, snap.ErrorRate(), 1e-9)
	assert.Equal(t, 2, connector.Releases(), "every execute releases its connection")
}

func TestExecuteRetriesTransientAcquireFailure(t *testing.T) {
	source, connector, db := newSource(t, dbpool.Options{
		MinConns:      1,
		MaxConns:      5,
		RetryAttempts: 3,
		RetryDelay:    10 * time.Millisecond,
	})
	db.On("UPDATE properties", testutil.Response{Tag: "UPDATE 1"})
	connector.FailNext(1, errors.New("connection reset by peer"))

	tag, err := source.Execute(context.Background(), "UPDATE properties SET price = 1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tag.RowsAffected())
	assert.Equal(t, 2, connector.Acquires())
	assert.Equal(t, 0, source.Utilization().Active)
}

func TestExecuteWithoutRetryFailsFast(t *testing.T) {
	source, connector, _ := newSource(t, dbpool.Options{MinConns: 1, MaxConns: 5})
	connector.FailNext(1, errors.New("connection reset by peer"))

	_, err := source.Execute(context.Background(), "UPDATE properties SET price = 1")

	var cerr *dbpool.ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 1, connector.Acquires())
}

func TestQueryRecordedOnClose(t *testing.T) {
	source, _, db := newSource(t, dbpool.Options{MinConns: 1, MaxConns: 5})
	db.On("SELECT id FROM properties", testutil.Response{Rows: [][]any{{int64(1)}, {int64(2)}}})

	h, err := source.Acquire(context.Background())
	require.NoError(t, err)
	defer h.Release()

	rows, err := h.Query(context.Background(), "SELECT id FROM properties")
	require.NoError(t, err)

	var ids []int64
	for rows.Next() {
		var id int64
		require.NoError(t, rows.Scan(&id))
		ids = append(ids, id)
	}
	assert.Zero(t, source.Ledger().Snapshot().TotalQueries)

	rows.Close()
	rows.Close()

	assert.Equal(t, []int64{1, 2}, ids)
	assert.Equal(t, int64(1), source.Ledger().Snapshot().TotalQueries)
}

func TestQueryRowNoRowsIsNotAnError(t *testing.T) {
	source, _, _ := newSource(t, dbpool.Options{MinConns: 1, MaxConns: 5})

	h, err := source.Acquire(context.Background())
	require.NoError(t, err)
	defer h.Release()

	var name string
	err = h.QueryRow(context.Background(), "SELECT name FROM missing").Scan(&name)
	assert.ErrorIs(t, err, pgx.ErrNoRows)

	snap := source.Ledger().Snapshot()
	assert.Zero(t, snap.Errors)
	assert.Equal(t, int64(1), snap.TotalQueries)
}

func TestSlowQueryEmitsEvent(t *testing.T) {
	db := testutil.NewFakeDB()
	db.On("pg_sleep", testutil.Response{Delay: 30 * time.Millisecond})
	sink := &recordingSink{}

	source, err := dbpool.NewSource(testutil.NewFakeConnector(db), dbpool.Options{
		MinConns:           1,
		MaxConns:           2,
		ConnectTimeout:     time.Second,
		SlowQueryThreshold: 10 * time.Millisecond,
	}, zaptest.NewLogger(t), sink)
	require.NoError(t, err)

	_, err = source.Execute(context.Background(), "SELECT pg_sleep(0.03)")
	require.NoError(t, err)
	source.Close()

	assert.Equal(t, []string{
		telemetry.PoolActionConnect,
		telemetry.PoolActionSlowQuery,
		telemetry.PoolActionClose,
	}, sink.actions())
	assert.Equal(t, int64(1), source.Ledger().Snapshot().SlowQueries)
}

func TestHealthCheck(t *testing.T) {
	source, _, _ := newSource(t, dbpool.Options{MinConns: 1, MaxConns: 2})

	assert.True(t, source.HealthCheck(context.Background()))

	last := source.LastHealthCheck()
	assert.True(t, last.Healthy)
	assert.Empty(t, last.Error)
	assert.Equal(t, 0, source.Utilization().Active)
}

func TestHealthCheckFailure(t *testing.T) {
	source, _, db := newSource(t, dbpool.Options{MinConns: 1, MaxConns: 2})
	db.On("SELECT 1", testutil.Response{Err: errors.New("terminating connection due to administrator command")})

	assert.False(t, source.HealthCheck(context.Background()))
	assert.NotEmpty(t, source.LastHealthCheck().Error)
}

func TestHealthCheckWithTimeoutCancelsProbe(t *testing.T) {
	source, _, db := newSource(t, dbpool.Options{MinConns: 1, MaxConns: 2})
	db.On("SELECT 1", testutil.Response{Rows: [][]any{{1}}, Delay: 5 * time.Second})

	start := time.Now()
	ok := source.HealthCheckWithTimeout(context.Background(), 50*time.Millisecond)

	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, source.Utilization().Active, "timed out probe must release its connection")
}

func TestSetMaxConns(t *testing.T) {
	source, _, _ := newSource(t, dbpool.Options{MinConns: 2, MaxConns: 10, InitialMaxConns: 6})
	ctx := context.Background()

	_, err := source.SetMaxConns(1)
	var verr *dbpool.ValidationError
	require.ErrorAs(t, err, &verr)
	_, err = source.SetMaxConns(11)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 6, source.MaxConns())

	var handles []*dbpool.Handle
	for i := 0; i < 6; i++ {
		h, err := source.Acquire(ctx)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles[:4] {
		h.Release()
	}
	u := source.Utilization()
	assert.Equal(t, 2, u.Active)
	assert.Equal(t, 4, u.Idle)

	old, err := source.SetMaxConns(3)
	require.NoError(t, err)
	assert.Equal(t, 6, old)

	u = source.Utilization()
	assert.Equal(t, 3, u.Max)
	assert.Equal(t, 2, u.Active)
	assert.Equal(t, 1, u.Idle)
	assertWithinMax(t, u)

	for _, h := range handles[4:] {
		h.Release()
	}
	assertWithinMax(t, source.Utilization())
}

func TestSetMaxConnsWakesWaiters(t *testing.T) {
	source, _, _ := newSource(t, dbpool.Options{MinConns: 1, MaxConns: 4, InitialMaxConns: 1, ConnectTimeout: 2 * time.Second})

	h, err := source.Acquire(context.Background())
	require.NoError(t, err)
	defer h.Release()

	done := make(chan error, 1)
	go func() {
		h2, err := source.Acquire(context.Background())
		if err == nil {
			h2.Release()
		}
		done <- err
	}()

	require.Eventually(t, func() bool {
		return source.Utilization().Waiting == 1
	}, time.Second, 5*time.Millisecond)

	_, err = source.SetMaxConns(2)
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not admitted after growing the pool")
	}
}

func TestConcurrentAcquireRelease(t *testing.T) {
	source, _, _ := newSource(t, dbpool.Options{MinConns: 2, MaxConns: 4, InitialMaxConns: 4, ConnectTimeout: 5 * time.Second})

	stop := make(chan struct{})
	violations := make(chan dbpool.Utilization, 1)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			u := source.Utilization()
			if u.Active < 0 || u.Idle < 0 || u.Active+u.Idle > u.Max {
				select {
				case violations <- u:
				default:
				}
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if _, err := source.Execute(context.Background(), "UPDATE properties SET views = views + 1"); err != nil {
					t.Errorf("execute failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(stop)

	select {
	case u := <-violations:
		t.Fatalf("pool counters out of bounds: %+v", u)
	default:
	}

	snap := source.Ledger().Snapshot()
	assert.Equal(t, int64(16*50), snap.TotalQueries)
	assert.LessOrEqual(t, snap.TotalConnections, int64(4))
}

func TestAcquireAfterClose(t *testing.T) {
	source, connector, _ := newSource(t, dbpool.Options{MinConns: 1, MaxConns: 2})
	source.Close()
	source.Close()

	_, err := source.Acquire(context.Background())
	assert.ErrorIs(t, err, dbpool.ErrPoolClosed)
	assert.True(t, connector.Closed())
	assert.False(t, dbpool.IsRetryable(err))
}

// Package testutil provides an in-memory stand-in for Postgres connections so
// pool, transaction and analyzer logic can be tested without a database.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/dbpool"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Response is the canned result for statements matching a fragment.
type Response struct {
	Rows  [][]any
	Tag   string
	Err   error
	Delay time.Duration
}

type handler struct {
	fragment string
	resp     Response
}

// FakeDB matches statements by substring and records everything executed.
type FakeDB struct {
	mu         sync.Mutex
	handlers   []handler
	statements []string
}

// NewFakeDB creates a database that answers SELECT 1 with a single row.
func NewFakeDB() *FakeDB {
	return &FakeDB{}
}

// On registers resp for statements containing fragment. Earlier registrations win.
func (db *FakeDB) On(fragment string, resp Response) *FakeDB {
	db.mu.Lock()
	db.handlers = append(db.handlers, handler{fragment: fragment, resp: resp})
	db.mu.Unlock()
	return db
}

// Statements returns every statement seen, in order.
func (db *FakeDB) Statements() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]string, len(db.statements))
	copy(out, db.statements)
	return out
}

// Count returns how many executed statements contain fragment.
func (db *FakeDB) Count(fragment string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, s := range db.statements {
		if strings.Contains(s, fragment) {
			n++
		}
	}
	return n
}

func (db *FakeDB) respond(ctx context.Context, sql string) (Response, error) {
	db.mu.Lock()
	db.statements = append(db.statements, sql)
	resp, found := Response{}, false
	for _, h := range db.handlers {
		if strings.Contains(sql, h.fragment) {
			resp, found = h.resp, true
			break
		}
	}
	db.mu.Unlock()

	if !found && strings.TrimSpace(sql) == "SELECT 1" {
		resp = Response{Rows: [][]any{{1}}}
	}

	if resp.Delay > 0 {
		timer := time.NewTimer(resp.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-timer.C:
		}
	}
	return resp, resp.Err
}

// FakeConn is a connection served by a FakeDB.
type FakeConn struct {
	db        *FakeDB
	onRelease func()
}

func (c *FakeConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	resp, err := c.db.respond(ctx, sql)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	return pgconn.NewCommandTag(resp.Tag), nil
}

func (c *FakeConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	resp, err := c.db.respond(ctx, sql)
	if err != nil {
		return nil, err
	}
	return &FakeRows{rows: resp.Rows, pos: -1, tag: pgconn.NewCommandTag(resp.Tag)}, nil
}

func (c *FakeConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	resp, err := c.db.respond(ctx, sql)
	if err != nil {
		return FakeRow{err: err}
	}
	if len(resp.Rows) == 0 {
		return FakeRow{err: pgx.ErrNoRows}
	}
	return FakeRow{values: resp.Rows[0]}
}

func (c *FakeConn) Release() {
	if c.onRelease != nil {
		c.onRelease()
	}
}

// FakeConnector hands out FakeConns and can be scripted to fail or hang.
type FakeConnector struct {
	DB *FakeDB

	mu       sync.Mutex
	failures int
	failErr  error
	hang     bool
	acquires int
	releases int
	closed   bool
}

// NewFakeConnector creates a connector over db.
func NewFakeConnector(db *FakeDB) *FakeConnector {
	return &FakeConnector{DB: db}
}

// FailNext makes the next n acquisitions fail with err.
func (c *FakeConnector) FailNext(n int, err error) {
	c.mu.Lock()
	c.failures = n
	c.failErr = err
	c.mu.Unlock()
}

// Hang makes acquisitions block until their context ends.
func (c *FakeConnector) Hang(enabled bool) {
	c.mu.Lock()
	c.hang = enabled
	c.mu.Unlock()
}

func (c *FakeConnector) Acquire(ctx context.Context) (dbpool.Conn, error) {
	c.mu.Lock()
	c.acquires++
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("connector closed")
	}
	if c.failures > 0 {
		c.failures--
		err := c.failErr
		c.mu.Unlock()
		return nil, err
	}
	hang := c.hang
	c.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	return &FakeConn{db: c.DB, onRelease: func() {
		c.mu.Lock()
		c.releases++
		c.mu.Unlock()
	}}, nil
}

func (c *FakeConnector) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Acquires returns the number of Acquire calls, failed ones included.
func (c *FakeConnector) Acquires() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquires
}

// Releases returns the number of connections handed back.
func (c *FakeConnector) Releases() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releases
}

// Closed reports whether Close was called.
func (c *FakeConnector) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// FakeRow implements pgx.Row.
type FakeRow struct {
	values []any
	err    error
}

func (r FakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return scanValues(r.values, dest)
}

// FakeRows implements pgx.Rows over an in-memory result.
type FakeRows struct {
	rows   [][]any
	pos    int
	tag    pgconn.CommandTag
	closed bool
	err    error
}

func (r *FakeRows) Close()                                       { r.closed = true }
func (r *FakeRows) Err() error                                   { return r.err }
func (r *FakeRows) CommandTag() pgconn.CommandTag                { return r.tag }
func (r *FakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *FakeRows) RawValues() [][]byte                          { return nil }
func (r *FakeRows) Conn() *pgx.Conn                              { return nil }

func (r *FakeRows) Next() bool {
	if r.closed {
		return false
	}
	r.pos++
	if r.pos >= len(r.rows) {
		r.closed = true
		return false
	}
	return true
}

func (r *FakeRows) Scan(dest ...any) error {
	if r.pos < 0 || r.pos >= len(r.rows) {
		return errors.New("scan called without a current row")
	}
	if err := scanValues(r.rows[r.pos], dest); err != nil {
		r.err = err
		return err
	}
	return nil
}

func (r *FakeRows) Values() ([]any, error) {
	if r.pos < 0 || r.pos >= len(r.rows) {
		return nil, errors.New("no current row")
	}
	return r.rows[r.pos], nil
}

func scanValues(values []any, dest []any) error {
	if len(values) != len(dest) {
		return fmt.Errorf("number of field descriptions must equal number of destinations, got %d and %d", len(values), len(dest))
	}
	for i, d := range dest {
		if d == nil {
			continue
		}
		if err := assign(values[i], d); err != nil {
			return fmt.Errorf("can't scan into dest[%d]: %w", i, err)
		}
	}
	return nil
}

func assign(src, dest any) error {
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Pointer || dv.IsNil() {
		return fmt.Errorf("destination %T is not a pointer", dest)
	}
	target := dv.Elem()

	if src == nil {
		target.Set(reflect.Zero(target.Type()))
		return nil
	}

	sv := reflect.ValueOf(src)
	if target.Kind() == reflect.Pointer {
		inner := reflect.New(target.Type().Elem())
		if err := assign(src, inner.Interface()); err != nil {
			return err
		}
		target.Set(inner)
		return nil
	}

	switch {
	case sv.Type().AssignableTo(target.Type()):
		target.Set(sv)
	case target.Kind() == reflect.String && sv.Kind() != reflect.String:
		return fmt.Errorf("cannot assign %T to %s", src, target.Type())
	case sv.Type().ConvertibleTo(target.Type()):
		target.Set(sv.Convert(target.Type()))
	default:
		return fmt.Errorf("cannot assign %T to %s", src, target.Type())
	}
	return nil
}

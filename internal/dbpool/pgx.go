package dbpool

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PgxConfig describes the underlying Postgres pool.
type PgxConfig struct {
	URL            string
	MinConns       int
	MaxConns       int
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
	TLS            bool
}

// PgxConnector is a Connector backed by pgxpool. The pool is sized at the
// configured maximum; Source enforces the current maximum on top of it.
type PgxConnector struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPgxConnector parses cfg.URL, applies pool limits and TLS settings and
// verifies the database is reachable.
func NewPgxConnector(ctx context.Context, cfg PgxConfig, logger *zap.Logger) (*PgxConnector, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	if cfg.IdleTimeout > 0 {
		poolCfg.MaxConnIdleTime = cfg.IdleTimeout
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	applyTLS(&poolCfg.ConnConfig.Config, cfg.TLS)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to PostgreSQL",
		zap.String("host", poolCfg.ConnConfig.Host),
		zap.String("database", poolCfg.ConnConfig.Database),
		zap.Int32("max_conns", poolCfg.MaxConns),
		zap.Bool("tls", cfg.TLS))

	return &PgxConnector{pool: pool, logger: logger}, nil
}

// applyTLS forces TLS on or off regardless of the sslmode in the URL.
func applyTLS(cc *pgconn.Config, enabled bool) {
	if !enabled {
		cc.TLSConfig = nil
		cc.Fallbacks = nil
		return
	}

	if cc.TLSConfig == nil {
		cc.TLSConfig = &tls.Config{ServerName: cc.Host, MinVersion: tls.VersionTLS12}
	}
	secure := cc.Fallbacks[:0]
	for _, fb := range cc.Fallbacks {
		if fb.TLSConfig != nil {
			secure = append(secure, fb)
		}
	}
	cc.Fallbacks = secure
}

// Acquire borrows a connection from pgxpool.
func (c *PgxConnector) Acquire(ctx context.Context) (Conn, error) {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Stat exposes pgxpool statistics for physical connection counts.
func (c *PgxConnector) Stat() *pgxpool.Stat {
	return c.pool.Stat()
}

// Close closes every connection in the pool.
func (c *PgxConnector) Close() {
	c.pool.Close()
	c.logger.Info("PostgreSQL pool closed")
}

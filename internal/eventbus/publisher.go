// Package eventbus publishes operational events to NATS so dashboards can
// follow pool activity live.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/config"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/resilience"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/telemetry"
)

const clientName = "pgpool-runtime-manager"

// conn is the part of *nats.Conn the publisher uses
type conn interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
	Drain() error
	Close()
}

// Publisher delivers every emitted event to <prefix>.<event type>.
type Publisher struct {
	conn    conn
	prefix  string
	breaker *resilience.CircuitBreaker
	logger  *zap.Logger
}

// NewPublisher connects to the NATS server in cfg.URL
func NewPublisher(cfg config.EventBusConfig, logger *zap.Logger) (*Publisher, error) {
	logger = logger.Named("eventbus")

	nc, err := nats.Connect(cfg.URL,
		nats.Name(clientName),
		nats.Timeout(cfg.Timeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Disconnected from NATS", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", zap.String("url", nc.ConnectedUrlRedacted()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info("Connected to NATS",
		zap.String("url", nc.ConnectedUrlRedacted()),
		zap.String("subject_prefix", cfg.SubjectPrefix))

	return newPublisher(nc, cfg, logger), nil
}

func newPublisher(c conn, cfg config.EventBusConfig, logger *zap.Logger) *Publisher {
	breakerCfg := resilience.DefaultCircuitBreakerConfig()
	if cfg.Timeout > 0 {
		breakerCfg.Timeout = cfg.Timeout
	}

	return &Publisher{
		conn:    c,
		prefix:  cfg.SubjectPrefix,
		breaker: resilience.NewCircuitBreaker("nats", breakerCfg, logger),
		logger:  logger,
	}
}

// Name identifies the publisher as an event subscriber
func (p *Publisher) Name() string {
	return "nats"
}

// Subject returns the subject events of type t are published on
func (p *Publisher) Subject(t telemetry.EventType) string {
	return p.prefix + "." + string(t)
}

// Deliver publishes event as JSON
func (p *Publisher) Deliver(ctx context.Context, event telemetry.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", event.ID, err)
	}

	subject := p.Subject(event.Type)
	err = p.breaker.Execute(ctx, func(context.Context) error {
		return p.conn.Publish(subject, data)
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	p.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID))
	return nil
}

// IsConnected reports whether the underlying connection is up
func (p *Publisher) IsConnected() bool {
	return p.conn != nil && p.conn.IsConnected()
}

// Breaker exposes the publisher's circuit breaker state
func (p *Publisher) Breaker() resilience.CircuitBreakerStats {
	return p.breaker.Stats()
}

// Close flushes pending messages and disconnects
func (p *Publisher) Close() {
	if p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("Failed to drain NATS connection", zap.Error(err))
		p.conn.Close()
	}
	p.logger.Info("Disconnected from NATS")
}

// Package redisstore mirrors recent scaling activity and the latest health
// state into Redis for dashboards that should not query the manager directly.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/config"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/resilience"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/telemetry"
)

// HealthSnapshot is the stored overall health of a pool
type HealthSnapshot struct {
	Pool          string    `json:"pool"`
	State         string    `json:"state"`
	PreviousState string    `json:"previous_state"`
	Error         string    `json:"error,omitempty"`
	ChangedAt     time.Time `json:"changed_at"`
}

// Store is a telemetry.Subscriber writing to Redis.
//
// Keys:
//
//	<prefix>:scaling:<pool>  list of scaling events, newest first, capped
//	<prefix>:alerts:<pool>   list of alert events, newest first, capped
//	<prefix>:health:<pool>   latest overall HealthSnapshot
type Store struct {
	rdb        *redis.Client
	prefix     string
	historyLen int64
	breaker    *resilience.CircuitBreaker
	logger     *zap.Logger
}

// New connects to Redis and verifies the connection
func New(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger = logger.Named("redisstore")
	logger.Info("Connected to Redis",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB),
		zap.String("key_prefix", cfg.KeyPrefix))

	breakerCfg := resilience.DefaultCircuitBreakerConfig()
	breakerCfg.Timeout = cfg.Timeout

	historyLen := int64(cfg.HistoryLen)
	if historyLen <= 0 {
		historyLen = config.DefaultHistorySize
	}

	return &Store{
		rdb:        rdb,
		prefix:     cfg.KeyPrefix,
		historyLen: historyLen,
		breaker:    resilience.NewCircuitBreaker("redis", breakerCfg, logger),
		logger:     logger,
	}, nil
}

// Name identifies the store as an event subscriber
func (s *Store) Name() string {
	return "redis"
}

// Deliver records scaling, alert and overall health events. Other events are ignored.
func (s *Store) Deliver(ctx context.Context, event telemetry.Event) error {
	switch event.Type {
	case telemetry.EventTypePoolScaling:
		return s.pushCapped(ctx, scalingKey(s.prefix, event.Pool), event)
	case telemetry.EventTypeAlert:
		return s.pushCapped(ctx, alertsKey(s.prefix, event.Pool), event)
	case telemetry.EventTypeHealthChange:
		snapshot, ok := healthSnapshot(event)
		if !ok {
			return nil
		}
		return s.saveHealth(ctx, snapshot)
	default:
		return nil
	}
}

func (s *Store) pushCapped(ctx context.Context, key string, event telemetry.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", event.ID, err)
	}

	err = s.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LPush(ctx, key, data)
			pipe.LTrim(ctx, key, 0, s.historyLen-1)
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to push to %s: %w", key, err)
	}
	return nil
}

func (s *Store) saveHealth(ctx context.Context, snapshot HealthSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal health snapshot: %w", err)
	}

	key := healthKey(s.prefix, snapshot.Pool)
	err = s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.rdb.Set(ctx, key, data, 0).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

// ScalingHistory returns up to limit mirrored scaling events, oldest first
func (s *Store) ScalingHistory(ctx context.Context, pool string, limit int) ([]telemetry.Event, error) {
	return s.readList(ctx, scalingKey(s.prefix, pool), limit)
}

// Alerts returns up to limit mirrored alert events, oldest first
func (s *Store) Alerts(ctx context.Context, pool string, limit int) ([]telemetry.Event, error) {
	return s.readList(ctx, alertsKey(s.prefix, pool), limit)
}

func (s *Store) readList(ctx context.Context, key string, limit int) ([]telemetry.Event, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	raw, err := s.rdb.LRange(ctx, key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	events := make([]telemetry.Event, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var event telemetry.Event
		if err := json.Unmarshal([]byte(raw[i]), &event); err != nil {
			s.logger.Warn("Skipping malformed entry", zap.String("key", key), zap.Error(err))
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// Health returns the latest overall health snapshot for pool. ok is false
// when nothing has been recorded.
func (s *Store) Health(ctx context.Context, pool string) (snapshot HealthSnapshot, ok bool, err error) {
	data, err := s.rdb.Get(ctx, healthKey(s.prefix, pool)).Bytes()
	if errors.Is(err, redis.Nil) {
		return HealthSnapshot{}, false, nil
	}
	if err != nil {
		return HealthSnapshot{}, false, fmt.Errorf("failed to read health snapshot: %w", err)
	}

	if err := json.Unmarshal(data, &snapshot); err != nil {
		return HealthSnapshot{}, false, fmt.Errorf("failed to decode health snapshot: %w", err)
	}
	return snapshot, true, nil
}

// Ping checks the Redis connection
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the Redis client
func (s *Store) Close() error {
	return s.rdb.Close()
}

func scalingKey(prefix, pool string) string {
	return fmt.Sprintf("%s:scaling:%s", prefix, pool)
}

func alertsKey(prefix, pool string) string {
	return fmt.Sprintf("%s:alerts:%s", prefix, pool)
}

func healthKey(prefix, pool string) string {
	return fmt.Sprintf("%s:health:%s", prefix, pool)
}

// healthSnapshot extracts an overall health transition from event
func healthSnapshot(event telemetry.Event) (HealthSnapshot, bool) {
	if event.Details == nil || event.Details["check_type"] != "overall" {
		return HealthSnapshot{}, false
	}

	str := func(key string) string {
		v, _ := event.Details[key].(string)
		return v
	}

	return HealthSnapshot{
		Pool:          event.Pool,
		State:         str("new_state"),
		PreviousState: str("previous_state"),
		Error:         str("error"),
		ChangedAt:     event.Timestamp,
	}, true
}

package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/config"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/resilience"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/telemetry"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	mu        sync.Mutex
	messages  []published
	err       error
	connected bool
	drained   bool
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, published{subject: subject, data: data})
	return nil
}

func (f *fakeConn) IsConnected() bool { return f.connected }
func (f *fakeConn) Drain() error      { f.drained = true; return nil }
func (f *fakeConn) Close()            {}

func testConfig() config.EventBusConfig {
	return config.EventBusConfig{
		Enabled:       true,
		URL:           "nats://127.0.0.1:4222",
		SubjectPrefix: "pgpool.events",
		Timeout:       time.Second,
	}
}

func scalingEvent() telemetry.Event {
	return telemetry.Event{
		ID:        "evt-1",
		Type:      telemetry.EventTypePoolScaling,
		Timestamp: time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC),
		Pool:      "primary",
		Summary:   "scale_up: 20 -> 25",
		Details:   map[string]interface{}{"previous_max": 20, "new_max": 25},
		Severity:  telemetry.SeverityInfo,
	}
}

func TestDeliverPublishesOnTypedSubject(t *testing.T) {
	fc := &fakeConn{connected: true}
	p := newPublisher(fc, testConfig(), zaptest.NewLogger(t))

	require.NoError(t, p.Deliver(context.Background(), scalingEvent()))

	require.Len(t, fc.messages, 1)
	assert.Equal(t, "pgpool.events.pool_scaling", fc.messages[0].subject)

	var got telemetry.Event
	require.NoError(t, json.Unmarshal(fc.messages[0].data, &got))
	assert.Equal(t, "evt-1", got.ID)
	assert.Equal(t, "primary", got.Pool)
	assert.Equal(t, float64(25), got.Details["new_max"])
}

func TestSubject(t *testing.T) {
	p := newPublisher(&fakeConn{}, testConfig(), zaptest.NewLogger(t))

	assert.Equal(t, "pgpool.events.alert", p.Subject(telemetry.EventTypeAlert))
	assert.Equal(t, "pgpool.events.health_change", p.Subject(telemetry.EventTypeHealthChange))
	assert.Equal(t, "nats", p.Name())
}

func TestDeliverFailureOpensBreaker(t *testing.T) {
	fc := &fakeConn{err: nats.ErrConnectionClosed}
	p := newPublisher(fc, testConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	threshold := resilience.DefaultCircuitBreakerConfig().FailureThreshold
	for i := 0; i < threshold; i++ {
		err := p.Deliver(ctx, scalingEvent())
		require.Error(t, err)
		assert.True(t, errors.Is(err, nats.ErrConnectionClosed))
	}

	err := p.Deliver(ctx, scalingEvent())
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, "open", p.Breaker().State)
}

func TestCloseDrains(t *testing.T) {
	fc := &fakeConn{connected: true}
	p := newPublisher(fc, testConfig(), zaptest.NewLogger(t))

	assert.True(t, p.IsConnected())
	p.Close()
	assert.True(t, fc.drained)
}

func TestPublisherAgainstServer(t *testing.T) {
	url := os.Getenv("PGPOOL_TEST_NATS_URL")
	if url == "" {
		t.Skip("PGPOOL_TEST_NATS_URL not set")
	}

	cfg := testConfig()
	cfg.URL = url
	p, err := NewPublisher(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer p.Close()

	sub, err := nats.Connect(url)
	require.NoError(t, err)
	defer sub.Close()

	received := make(chan *nats.Msg, 1)
	_, err = sub.ChanSubscribe("pgpool.events.>", received)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	require.NoError(t, p.Deliver(context.Background(), scalingEvent()))

	select {
	case msg := <-received:
		assert.Equal(t, "pgpool.events.pool_scaling", msg.Subject)
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for published event")
	}
}

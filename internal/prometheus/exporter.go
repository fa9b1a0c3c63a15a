package prometheus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/api"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/config"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/telemetry"
)

const namespace = "pgpool"

// rateLimitMiddleware caps scrape traffic on the metrics endpoint
func (e *Exporter) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !e.rateLimiter.Allow() {
			e.logger.Warn("Rate limit exceeded",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("user_agent", r.UserAgent()))

			w.Header().Set("Retry-After", "1")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// getTLSConfig returns the server TLS configuration
func (e *Exporter) getTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		},
	}
}

// Exporter exposes pool metrics in Prometheus format and hosts the REST API
type Exporter struct {
	config config.ServerConfig
	logger *zap.Logger

	// HTTP server
	server *http.Server

	// API server, mounted under API.BasePath when set
	apiServer *api.Server

	registry *prometheus.Registry
	pool     api.PoolView

	// Scrape rate limiting
	rateLimiter *rate.Limiter

	// Event-driven metrics
	scalingEvents  *prometheus.CounterVec
	alerts         *prometheus.CounterVec
	healthState    *prometheus.GaugeVec
	eventsObserved *prometheus.CounterVec

	mu      sync.RWMutex
	running bool
}

// NewExporter creates a new Prometheus exporter for pool
func NewExporter(config config.ServerConfig, pool api.PoolView, logger *zap.Logger) (*Exporter, error) {
	e := &Exporter{
		config:      config,
		logger:      logger.Named("exporter"),
		registry:    prometheus.NewRegistry(),
		pool:        pool,
		rateLimiter: rate.NewLimiter(100, 200),
	}

	if err := e.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return e, nil
}

// SetAPIServer attaches the REST API. It is only mounted when the API is
// enabled in the server configuration.
func (e *Exporter) SetAPIServer(server *api.Server) {
	e.apiServer = server
}

// Registry returns the exporter's registry
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler builds the routed handler served by Start
func (e *Exporter) Handler() (http.Handler, func()) {
	mux := http.NewServeMux()
	auth := api.NewAuthenticator(e.config.Auth, e.logger)

	metricsHandler := promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		ErrorLog:      zap.NewStdLog(e.logger),
		ErrorHandling: promhttp.ContinueOnError,
	})
	mux.Handle(e.config.MetricsPath, e.rateLimitMiddleware(auth.Middleware(metricsHandler)))

	mux.HandleFunc(e.config.HealthPath, e.healthHandler)
	mux.HandleFunc("/", e.rootHandler)

	cleanup := func() {}
	if e.config.API.Enabled && e.apiServer != nil {
		e.logger.Info("Enabling REST API endpoints", zap.String("base_path", e.config.API.BasePath))

		limiter := api.NewRateLimiter(api.DefaultRateLimitConfig(e.config.API.MaxRequests), e.logger.Named("api"))
		cleanup = limiter.Stop

		apiHandler := e.apiServer.Handler(auth, limiter)
		mux.Handle(e.config.API.BasePath+"/", http.StripPrefix(e.config.API.BasePath, apiHandler))
	}

	return mux, cleanup
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (e *Exporter) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("exporter is already running")
	}
	e.running = true

	handler, cleanup := e.Handler()
	defer cleanup()

	e.server = &http.Server{
		Addr:              e.config.BindAddress,
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if e.config.TLS.Enabled {
		e.server.TLSConfig = e.getTLSConfig()
	}
	server := e.server
	e.mu.Unlock()

	e.logger.Info("Starting Prometheus exporter",
		zap.String("bind_address", e.config.BindAddress),
		zap.String("metrics_path", e.config.MetricsPath),
		zap.Bool("tls", e.config.TLS.Enabled))

	errCh := make(chan error, 1)
	go func() {
		var err error
		if e.config.TLS.Enabled {
			err = server.ListenAndServeTLS(e.config.TLS.CertFile, e.config.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			e.logger.Error("HTTP server failed", zap.Error(err))
			e.markStopped()
			return fmt.Errorf("metrics server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.DefaultShutdownTimeout)
	defer cancel()

	err := e.Stop(shutdownCtx)
	if err != nil {
		e.logger.Error("Server shutdown failed", zap.Error(err))
		return err
	}

	e.logger.Info("Prometheus exporter stopped")
	return nil
}

// Stop halts the metrics server
func (e *Exporter) Stop(ctx context.Context) error {
	if !e.markStopped() {
		return nil
	}

	e.mu.RLock()
	server := e.server
	e.mu.RUnlock()

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

func (e *Exporter) markStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	wasRunning := e.running
	e.running = false
	return wasRunning
}

// Name implements telemetry.Subscriber
func (e *Exporter) Name() string { return "prometheus" }

// Deliver folds emitted events into the event-driven metrics
func (e *Exporter) Deliver(_ context.Context, event telemetry.Event) error {
	e.eventsObserved.WithLabelValues(string(event.Type), string(event.Severity)).Inc()

	switch event.Type {
	case telemetry.EventTypePoolScaling:
		e.scalingEvents.WithLabelValues(event.Pool, detail(event, "action"), detail(event, "trigger")).Inc()
	case telemetry.EventTypeAlert:
		e.alerts.WithLabelValues(event.Pool, detail(event, "alert")).Inc()
	case telemetry.EventTypeHealthChange:
		checkType := detail(event, "check_type")
		newState := detail(event, "new_state")
		for _, level := range []string{"healthy", "degraded", "critical"} {
			value := 0.0
			if level == newState {
				value = 1
			}
			e.healthState.WithLabelValues(event.Pool, checkType, level).Set(value)
		}
	}
	return nil
}

func detail(event telemetry.Event, key string) string {
	if v, ok := event.Details[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return ""
}

func (e *Exporter) initMetrics() error {
	e.scalingEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scaling_events_total",
			Help:      "Total number of enacted pool resizes",
		},
		[]string{"pool", "action", "trigger"},
	)

	e.alerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Total number of threshold alerts raised",
		},
		[]string{"pool", "alert"},
	)

	e.healthState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "health_state",
			Help:      "Current health level per check (1 for the active level)",
		},
		[]string{"pool", "check", "level"},
	)

	e.eventsObserved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of operational events emitted",
		},
		[]string{"type", "severity"},
	)

	collectorList := []prometheus.Collector{
		e.scalingEvents,
		e.alerts,
		e.healthState,
		e.eventsObserved,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	if e.pool != nil {
		collectorList = append(collectorList, newPoolCollector(e.pool))
	}

	for _, c := range collectorList {
		if err := e.registry.Register(c); err != nil {
			return fmt.Errorf("failed to register collector: %w", err)
		}
	}

	e.logger.Info("Initialized Prometheus metrics", zap.Int("collectors", len(collectorList)))
	return nil
}

// rootHandler handles the root path
func (e *Exporter) rootHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprintf(w, `<html>
<head><title>Postgres Pool Runtime Manager</title></head>
<body>
<h1>Postgres Pool Runtime Manager</h1>
<p><a href="%s">Metrics</a></p>
<p><a href="%s">Health</a></p>
</body>
</html>`, e.config.MetricsPath, e.config.HealthPath)
}

// healthHandler is the unauthenticated liveness probe. It reports the last
// pool health check but always answers 200 while the process serves.
func (e *Exporter) healthHandler(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if e.pool != nil {
		last := e.pool.LastHealthCheck()
		body["pool"] = e.pool.Name()
		body["pool_healthy"] = last.Healthy
		if !last.CheckedAt.IsZero() {
			body["pool_checked_at"] = last.CheckedAt.UTC().Format(time.RFC3339)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		e.logger.Error("Failed to encode health response", zap.Error(err))
	}
}

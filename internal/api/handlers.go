// Package api serves the operator REST surface: pool metrics, health, scaling
// history and settings, index maintenance and the stored event log.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/autoscaler"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/config"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/dbpool"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/indexes"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/storage"
	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/telemetry"
)

// PoolView is the read side of the connection source
type PoolView interface {
	Name() string
	Ledger() *dbpool.Ledger
	Utilization() dbpool.Utilization
	Bounds() (minConns, maxConns int)
	LastHealthCheck() dbpool.HealthResult
}

// Scaler is the scaling controller surface
type Scaler interface {
	Status() autoscaler.Status
	History() []autoscaler.ScalingEvent
	Settings() autoscaler.Settings
	UpdateSettings(ctx context.Context, s autoscaler.Settings) error
	Evaluate(ctx context.Context, trigger autoscaler.Trigger) (autoscaler.Result, error)
	Health(ctx context.Context) autoscaler.HealthStatus
}

// IndexCatalog is the index inspector surface
type IndexCatalog interface {
	DescribeIndexes(ctx context.Context, table string) ([]indexes.Descriptor, error)
	Describe(ctx context.Context, name string) (*indexes.Descriptor, error)
	Recommend(ctx context.Context) ([]indexes.Recommendation, error)
	CreateConcurrently(ctx context.Context, names []string) error
	Drop(ctx context.Context, name string) error
}

// EventStore is the persisted event log
type EventStore interface {
	GetEvents(ctx context.Context, filter telemetry.EventFilter) ([]telemetry.Event, error)
	ScalingHistory(ctx context.Context, filter storage.ScalingFilter) ([]storage.ScalingRecord, error)
	GetEventStats(ctx context.Context) (storage.EventStats, error)
}

// Dependencies are the components the API reads and drives. Indexes and
// Events may be nil; their routes then answer 503. A nil Audit disables the
// audit trail.
type Dependencies struct {
	Pool    PoolView
	Scaler  Scaler
	Indexes IndexCatalog
	Events  EventStore
	Audit   Auditor
}

// Server represents the API server
type Server struct {
	logger    *zap.Logger
	deps      Dependencies
	startTime time.Time
	version   string
}

// NewServer creates a new API server instance
func NewServer(logger *zap.Logger, deps Dependencies, version string) *Server {
	return &Server{
		logger:    logger.Named("api"),
		deps:      deps,
		startTime: time.Now(),
		version:   version,
	}
}

// SetupRoutes registers the API routes relative to the API base path
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	read := func(h http.HandlerFunc) http.HandlerFunc { return RequireScope(config.ScopeRead, s.logger, h) }
	admin := func(h http.HandlerFunc) http.HandlerFunc { return RequireScope(config.ScopeAdmin, s.logger, h) }

	mux.HandleFunc("GET /metrics", read(s.HandleMetrics))
	mux.HandleFunc("GET /health", read(s.HandleHealth))

	mux.HandleFunc("GET /scaling/history", read(s.HandleScalingHistory))
	mux.HandleFunc("GET /scaling/config", read(s.HandleGetScalingConfig))
	mux.HandleFunc("PUT /scaling/config", admin(s.HandleUpdateScalingConfig))
	mux.HandleFunc("POST /scaling/evaluate", admin(s.HandleEvaluate))

	mux.HandleFunc("GET /indexes", read(s.HandleListIndexes))
	mux.HandleFunc("GET /indexes/recommendations", read(s.HandleRecommendations))
	mux.HandleFunc("GET /indexes/{name}", read(s.HandleDescribeIndex))
	mux.HandleFunc("POST /indexes", admin(s.HandleCreateIndexes))
	mux.HandleFunc("DELETE /indexes/{name}", admin(s.HandleDropIndex))

	mux.HandleFunc("GET /events", read(s.HandleEvents))
	mux.HandleFunc("GET /events/stats", read(s.HandleEventStats))
}

// Handler returns the routed API behind request ID, auditing, panic
// recovery, rate limiting and authentication. A nil limiter disables rate limiting; a nil
// authenticator lets every caller through as admin.
func (s *Server) Handler(auth *Authenticator, limiter *RateLimiter) http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)

	if auth == nil {
		auth = NewAuthenticator(config.AuthConfig{}, s.logger)
	}
	var h http.Handler = auth.Middleware(mux)
	if limiter != nil {
		h = limiter.Middleware(h)
	}
	return s.requestIDMiddleware(s.auditMiddleware(s.recoveryMiddleware(h)))
}

// HandleMetrics handles GET /metrics
func (s *Server) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	pool := s.deps.Pool
	snap := pool.Ledger().Snapshot()
	util := pool.Utilization()
	minConns, maxConns := pool.Bounds()

	s.writeJSON(w, http.StatusOK, MetricsResponse{
		Pool:        pool.Name(),
		Utilization: util.Ratio(),
		Connections: util,
		MinConns:    minConns,
		MaxConns:    maxConns,
		Ledger:      snap,
		ErrorRate:   snap.ErrorRate(),
		LastHealth:  pool.LastHealthCheck(),
		Timestamp:   time.Now(),
	})
}

// HandleHealth handles GET /health. Critical answers 503.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.deps.Scaler.Health(r.Context())

	response := HealthResponse{
		Status:    string(health.Overall),
		Version:   s.version,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Timestamp: time.Now(),
		Health:    health,
	}

	status := http.StatusOK
	if health.Overall == autoscaler.HealthCritical {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, response)
}

// HandleScalingHistory handles GET /scaling/history. ?source=storage reads
// persisted rows and accepts since, until and limit.
func (s *Server) HandleScalingHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if query.Get("source") != "storage" {
		events := s.deps.Scaler.History()
		if limit, err := parseLimit(query.Get("limit"), len(events)); err != nil {
			s.writeError(w, r, ErrInvalidParameter("limit", err.Error()))
			return
		} else if limit < len(events) {
			events = events[len(events)-limit:]
		}
		s.writeJSON(w, http.StatusOK, ScalingHistoryResponse{Source: "memory", Events: events, Count: len(events)})
		return
	}

	if s.deps.Events == nil {
		s.writeError(w, r, ErrServiceUnavailable("storage"))
		return
	}

	filter := storage.ScalingFilter{Pool: s.deps.Pool.Name()}
	var err error
	if filter.Since, err = parseTimeParam(query.Get("since")); err != nil {
		s.writeError(w, r, ErrInvalidParameter("since", err.Error()))
		return
	}
	if filter.Until, err = parseTimeParam(query.Get("until")); err != nil {
		s.writeError(w, r, ErrInvalidParameter("until", err.Error()))
		return
	}
	if filter.Limit, err = parseLimit(query.Get("limit"), config.DefaultEventQueryLimit); err != nil {
		s.writeError(w, r, ErrInvalidParameter("limit", err.Error()))
		return
	}

	records, err := s.deps.Events.ScalingHistory(r.Context(), filter)
	if err != nil {
		s.logger.Error("Failed to read scaling history", zap.Error(err))
		s.writeError(w, r, classifyError("scaling_history", err))
		return
	}
	s.writeJSON(w, http.StatusOK, ScalingHistoryResponse{Source: "storage", Records: records, Count: len(records)})
}

// HandleGetScalingConfig handles GET /scaling/config
func (s *Server) HandleGetScalingConfig(w http.ResponseWriter, r *http.Request) {
	status := s.deps.Scaler.Status()
	cfg := scalingConfigFrom(s.deps.Scaler.Settings())
	cfg.Status = &status
	s.writeJSON(w, http.StatusOK, cfg)
}

// HandleUpdateScalingConfig handles PUT /scaling/config
func (s *Server) HandleUpdateScalingConfig(w http.ResponseWriter, r *http.Request) {
	var req ScalingConfigRequest
	if err := s.parseJSON(w, r, &req); err != nil {
		s.writeError(w, r, ErrInvalidJSON(err))
		return
	}

	updated, err := req.apply(s.deps.Scaler.Settings())
	if err != nil {
		s.writeError(w, r, classifyError("update_scaling_config", err))
		return
	}

	if err := s.deps.Scaler.UpdateSettings(r.Context(), updated); err != nil {
		s.logger.Warn("Rejected scaling settings", zap.Error(err))
		s.writeError(w, r, classifyError("update_scaling_config", err))
		return
	}

	s.logger.Info("Scaling settings updated via API", zap.String("principal", principalName(r)))
	s.writeJSON(w, http.StatusOK, scalingConfigFrom(s.deps.Scaler.Settings()))
}

// HandleEvaluate handles POST /scaling/evaluate
func (s *Server) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Scaler.Evaluate(r.Context(), autoscaler.TriggerManual)
	if err != nil {
		s.logger.Error("Manual evaluation failed", zap.Error(err))
		s.writeError(w, r, classifyError("evaluate", err))
		return
	}
	s.writeJSON(w, http.StatusOK, EvaluateResponse{Result: result, Timestamp: time.Now()})
}

// HandleListIndexes handles GET /indexes?table=
func (s *Server) HandleListIndexes(w http.ResponseWriter, r *http.Request) {
	if s.deps.Indexes == nil {
		s.writeError(w, r, ErrServiceUnavailable("indexes"))
		return
	}

	table := r.URL.Query().Get("table")
	descriptors, err := s.deps.Indexes.DescribeIndexes(r.Context(), table)
	if err != nil {
		s.logger.Error("Failed to describe indexes", zap.String("table", table), zap.Error(err))
		s.writeError(w, r, classifyError("list_indexes", err))
		return
	}
	if descriptors == nil {
		descriptors = []indexes.Descriptor{}
	}
	s.writeJSON(w, http.StatusOK, IndexListResponse{Table: table, Indexes: descriptors, Count: len(descriptors)})
}

// HandleDescribeIndex handles GET /indexes/{name}
func (s *Server) HandleDescribeIndex(w http.ResponseWriter, r *http.Request) {
	if s.deps.Indexes == nil {
		s.writeError(w, r, ErrServiceUnavailable("indexes"))
		return
	}

	d, err := s.deps.Indexes.Describe(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeError(w, r, classifyError("describe_index", err))
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

// HandleRecommendations handles GET /indexes/recommendations
func (s *Server) HandleRecommendations(w http.ResponseWriter, r *http.Request) {
	if s.deps.Indexes == nil {
		s.writeError(w, r, ErrServiceUnavailable("indexes"))
		return
	}

	recs, err := s.deps.Indexes.Recommend(r.Context())
	if err != nil {
		s.logger.Error("Failed to build recommendations", zap.Error(err))
		s.writeError(w, r, classifyError("recommend_indexes", err))
		return
	}
	if recs == nil {
		recs = []indexes.Recommendation{}
	}
	s.writeJSON(w, http.StatusOK, RecommendationsResponse{Recommendations: recs, Count: len(recs)})
}

// HandleCreateIndexes handles POST /indexes
func (s *Server) HandleCreateIndexes(w http.ResponseWriter, r *http.Request) {
	if s.deps.Indexes == nil {
		s.writeError(w, r, ErrServiceUnavailable("indexes"))
		return
	}

	var req CreateIndexesRequest
	if err := s.parseJSON(w, r, &req); err != nil {
		s.writeError(w, r, ErrInvalidJSON(err))
		return
	}
	if len(req.Names) == 0 {
		s.writeError(w, r, ErrMissingParameter("names"))
		return
	}

	if err := s.deps.Indexes.CreateConcurrently(r.Context(), req.Names); err != nil {
		s.logger.Error("Index creation failed", zap.Strings("indexes", req.Names), zap.Error(err))
		s.writeError(w, r, classifyError("create_indexes", err))
		return
	}

	s.logger.Info("Indexes created via API",
		zap.Strings("indexes", req.Names),
		zap.String("principal", principalName(r)))
	s.writeJSON(w, http.StatusCreated, OperationResponse{
		Success:   true,
		Message:   fmt.Sprintf("created %s", strings.Join(req.Names, ", ")),
		RequestID: RequestIDFrom(r.Context()),
		Timestamp: time.Now(),
	})
}

// HandleDropIndex handles DELETE /indexes/{name}
func (s *Server) HandleDropIndex(w http.ResponseWriter, r *http.Request) {
	if s.deps.Indexes == nil {
		s.writeError(w, r, ErrServiceUnavailable("indexes"))
		return
	}

	name := r.PathValue("name")
	if err := s.deps.Indexes.Drop(r.Context(), name); err != nil {
		s.logger.Error("Index drop failed", zap.String("index", name), zap.Error(err))
		s.writeError(w, r, classifyError("drop_index", err))
		return
	}

	s.logger.Info("Index dropped via API",
		zap.String("index", name),
		zap.String("principal", principalName(r)))
	s.writeJSON(w, http.StatusOK, OperationResponse{
		Success:   true,
		Message:   "dropped " + name,
		RequestID: RequestIDFrom(r.Context()),
		Timestamp: time.Now(),
	})
}

// HandleEvents handles GET /events
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		s.writeError(w, r, ErrServiceUnavailable("storage"))
		return
	}

	query := r.URL.Query()
	filter := telemetry.EventFilter{
		Pool:     query.Get("pool"),
		Type:     telemetry.EventType(query.Get("type")),
		Severity: telemetry.EventSeverity(query.Get("severity")),
	}

	var err error
	if filter.StartTime, err = parseTimeParam(query.Get("start_time")); err != nil {
		s.writeError(w, r, ErrInvalidParameter("start_time", err.Error()))
		return
	}
	if filter.EndTime, err = parseTimeParam(query.Get("end_time")); err != nil {
		s.writeError(w, r, ErrInvalidParameter("end_time", err.Error()))
		return
	}
	if filter.Limit, err = parseLimit(query.Get("limit"), config.DefaultEventQueryLimit); err != nil {
		s.writeError(w, r, ErrInvalidParameter("limit", err.Error()))
		return
	}

	events, err := s.deps.Events.GetEvents(r.Context(), filter)
	if err != nil {
		s.logger.Error("Failed to retrieve events", zap.Error(err))
		s.writeError(w, r, classifyError("get_events", err))
		return
	}
	if events == nil {
		events = []telemetry.Event{}
	}

	s.writeJSON(w, http.StatusOK, EventsResponse{Events: events, Count: len(events), Filter: filter})
}

// HandleEventStats handles GET /events/stats
func (s *Server) HandleEventStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		s.writeError(w, r, ErrServiceUnavailable("storage"))
		return
	}

	stats, err := s.deps.Events.GetEventStats(r.Context())
	if err != nil {
		s.logger.Error("Failed to retrieve event statistics", zap.Error(err))
		s.writeError(w, r, classifyError("event_stats", err))
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, be *BusinessError) {
	writeErrorResponse(w, s.logger, be, RequestIDFrom(r.Context()))
}

// writeErrorResponse writes the error envelope with the error's status
func writeErrorResponse(w http.ResponseWriter, logger *zap.Logger, be *BusinessError, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(be.StatusCode)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: be, RequestID: requestID}); err != nil {
		logger.Error("Failed to encode error response", zap.Error(err))
	}
}

// parseJSON decodes a size-limited request body, rejecting unknown fields
func (s *Server) parseJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize))
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = fmt.Sprintf("req_%d", time.Now().UnixNano())
		}
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, requestID)))
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("Panic recovered",
					zap.Any("error", rec),
					zap.String("path", r.URL.Path),
					zap.String("method", r.Method))
				s.writeError(w, r, NewError("panic_recovered", "Internal server error").Build())
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// RequestIDFrom returns the request ID set by the server, if any
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func principalName(r *http.Request) string {
	p, _ := PrincipalFrom(r.Context())
	return p.Name
}

// parseLimit parses a positive limit capped at MaxEventQueryLimit
func parseLimit(value string, fallback int) (int, error) {
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	if n <= 0 || n > config.MaxEventQueryLimit {
		return 0, fmt.Errorf("must be between 1 and %d", config.MaxEventQueryLimit)
	}
	return n, nil
}

// parseTimeParam parses an optional RFC3339 timestamp
func parseTimeParam(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, value)
}

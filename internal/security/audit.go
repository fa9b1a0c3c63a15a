package security

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/config"
)

// AuditLogger records admin API access as structured audit events
type AuditLogger struct {
	config config.AuditConfig
	logger *zap.Logger // operational messages
	sink   *zap.Logger // audit records

	eventChan chan AuditEvent
	stopOnce  sync.Once
	wg        sync.WaitGroup
	file      *os.File
}

// AuditEvent represents one audited API request
type AuditEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	EventID    string    `json:"event_id"`
	EventClass string    `json:"event_class"`
	Severity   string    `json:"severity"`
	Outcome    string    `json:"outcome"`

	Principal string `json:"principal,omitempty"`
	SourceIP  string `json:"source_ip"`
	UserAgent string `json:"user_agent,omitempty"`

	RequestID  string `json:"request_id,omitempty"`
	Method     string `json:"method"`
	Path       string `json:"path"`
	Query      string `json:"query,omitempty"`
	HTTPStatus int    `json:"http_status"`
}

// Event classes for categorization
const (
	EventClassAuthentication = "authentication"
	EventClassAuthorization  = "authorization"
	EventClassRateLimit      = "rate_limit"
	EventClassConfigWrite    = "config_write"
	EventClassPoolAction     = "pool_action"
	EventClassIndexDDL       = "index_ddl"
	EventClassAPIAccess      = "api_access"
)

// Severity levels
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Outcome values
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
	OutcomeError   = "error"
)

// NewAuditLogger creates an audit logger. Records go to cfg.LogFile as JSON
// lines, or through logger when no file is configured.
func NewAuditLogger(cfg config.AuditConfig, logger *zap.Logger) (*AuditLogger, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = config.DefaultAuditBufferSize
	}

	al := &AuditLogger{
		config:    cfg,
		logger:    logger.Named("audit"),
		eventChan: make(chan AuditEvent, cfg.BufferSize),
	}
	al.sink = al.logger

	if cfg.LogFile != "" {
		file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		al.file = file

		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = ""
		al.sink = zap.New(zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderConfig),
			zapcore.Lock(file),
			zapcore.InfoLevel,
		))
	}

	al.wg.Add(1)
	go al.eventProcessor()

	return al, nil
}

// LogHTTPRequest records a completed API request. Successful reads are
// skipped unless RecordReads is set.
func (al *AuditLogger) LogHTTPRequest(r *http.Request, status int, principal, requestID string) {
	if status < 400 && isRead(r.Method) && !al.config.RecordReads {
		return
	}

	event := AuditEvent{
		Timestamp:  time.Now().UTC(),
		EventID:    generateEventID(),
		EventClass: classify(r.Method, r.URL.Path, status),
		Severity:   severityForStatus(status),
		Outcome:    outcomeForStatus(status),
		Principal:  principal,
		SourceIP:   clientIP(r),
		UserAgent:  r.UserAgent(),
		RequestID:  requestID,
		Method:     r.Method,
		Path:       r.URL.Path,
		Query:      redactQuery(r.URL.RawQuery),
		HTTPStatus: status,
	}

	al.LogEvent(event)
}

// LogEvent queues event. A full buffer drops the event with a warning
// rather than blocking the request.
func (al *AuditLogger) LogEvent(event AuditEvent) {
	select {
	case al.eventChan <- event:
	default:
		al.logger.Warn("Audit buffer full, dropping event",
			zap.String("event_class", event.EventClass),
			zap.String("path", event.Path))
	}
}

// eventProcessor writes queued events until Stop
func (al *AuditLogger) eventProcessor() {
	defer al.wg.Done()
	for event := range al.eventChan {
		al.writeEvent(event)
	}
}

func (al *AuditLogger) writeEvent(event AuditEvent) {
	al.sink.Info("AUDIT",
		zap.Time("timestamp", event.Timestamp),
		zap.String("event_id", event.EventID),
		zap.String("event_class", event.EventClass),
		zap.String("severity", event.Severity),
		zap.String("outcome", event.Outcome),
		zap.String("principal", event.Principal),
		zap.String("source_ip", event.SourceIP),
		zap.String("user_agent", event.UserAgent),
		zap.String("request_id", event.RequestID),
		zap.String("method", event.Method),
		zap.String("path", event.Path),
		zap.String("query", event.Query),
		zap.Int("http_status", event.HTTPStatus))
}

// Stop drains queued events and closes the audit file. LogEvent must not
// be called afterwards.
func (al *AuditLogger) Stop() {
	al.stopOnce.Do(func() {
		close(al.eventChan)
		al.wg.Wait()

		if al.file != nil {
			_ = al.sink.Sync()
			if err := al.file.Close(); err != nil {
				al.logger.Warn("Failed to close audit log", zap.Error(err))
			}
		}
	})
}

func isRead(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func classify(method, path string, status int) string {
	switch status {
	case http.StatusUnauthorized:
		return EventClassAuthentication
	case http.StatusForbidden:
		return EventClassAuthorization
	case http.StatusTooManyRequests:
		return EventClassRateLimit
	}

	if isRead(method) {
		return EventClassAPIAccess
	}
	switch {
	case strings.HasSuffix(path, "/scaling/config"):
		return EventClassConfigWrite
	case strings.HasSuffix(path, "/scaling/evaluate"):
		return EventClassPoolAction
	case strings.Contains(path, "/indexes"):
		return EventClassIndexDDL
	}
	return EventClassAPIAccess
}

func severityForStatus(status int) string {
	switch {
	case status >= 500:
		return SeverityHigh
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return SeverityMedium
	}
	return SeverityLow
}

func outcomeForStatus(status int) string {
	switch {
	case status >= 200 && status < 300:
		return OutcomeSuccess
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusTooManyRequests:
		return OutcomeDenied
	case status >= 400 && status < 500:
		return OutcomeFailure
	}
	return OutcomeError
}

var sensitiveParams = []string{"password", "token", "secret", "key", "auth", "credential"}

// redactQuery masks the values of parameters whose names look sensitive
func redactQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	for i, part := range parts {
		name, _, hasValue := strings.Cut(part, "=")
		if !hasValue {
			continue
		}
		lower := strings.ToLower(name)
		for _, s := range sensitiveParams {
			if strings.Contains(lower, s) {
				parts[i] = name + "=[REDACTED]"
				break
			}
		}
	}
	return strings.Join(parts, "&")
}

// clientIP returns the peer address, never a forwarded one
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func generateEventID() string {
	now := time.Now()
	return fmt.Sprintf("audit_%d_%d", now.Unix(), now.Nanosecond()%1000000)
}

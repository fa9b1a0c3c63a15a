package security

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/config"
)

func newObservedAuditLogger(t *testing.T, cfg config.AuditConfig) (*AuditLogger, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.InfoLevel)
	al, err := NewAuditLogger(cfg, zap.New(core))
	require.NoError(t, err)
	return al, logs
}

func auditRecords(logs *observer.ObservedLogs) []map[string]interface{} {
	var out []map[string]interface{}
	for _, entry := range logs.FilterMessage("AUDIT").All() {
		out = append(out, entry.ContextMap())
	}
	return out
}

func TestLogHTTPRequestSkipsSuccessfulReads(t *testing.T) {
	al, logs := newObservedAuditLogger(t, config.AuditConfig{Enabled: true})

	al.LogHTTPRequest(httptest.NewRequest(http.MethodGet, "/scaling/config", nil), http.StatusOK, "grafana", "req_1")
	al.LogHTTPRequest(httptest.NewRequest(http.MethodGet, "/scaling/config", nil), http.StatusForbidden, "grafana", "req_2")
	al.LogHTTPRequest(httptest.NewRequest(http.MethodPut, "/scaling/config", nil), http.StatusOK, "operator", "req_3")
	al.Stop()

	records := auditRecords(logs)
	require.Len(t, records, 2)

	assert.Equal(t, EventClassAuthorization, records[0]["event_class"])
	assert.Equal(t, OutcomeDenied, records[0]["outcome"])
	assert.Equal(t, "req_2", records[0]["request_id"])

	assert.Equal(t, EventClassConfigWrite, records[1]["event_class"])
	assert.Equal(t, OutcomeSuccess, records[1]["outcome"])
	assert.Equal(t, "operator", records[1]["principal"])
}

func TestLogHTTPRequestRecordReads(t *testing.T) {
	al, logs := newObservedAuditLogger(t, config.AuditConfig{Enabled: true, RecordReads: true})

	al.LogHTTPRequest(httptest.NewRequest(http.MethodGet, "/indexes", nil), http.StatusOK, "grafana", "")
	al.Stop()

	records := auditRecords(logs)
	require.Len(t, records, 1)
	assert.Equal(t, EventClassAPIAccess, records[0]["event_class"])
}

func TestClassify(t *testing.T) {
	tests := []struct {
		method string
		path   string
		status int
		want   string
	}{
		{http.MethodGet, "/metrics", http.StatusUnauthorized, EventClassAuthentication},
		{http.MethodPost, "/indexes", http.StatusForbidden, EventClassAuthorization},
		{http.MethodGet, "/events", http.StatusTooManyRequests, EventClassRateLimit},
		{http.MethodPut, "/scaling/config", http.StatusBadRequest, EventClassConfigWrite},
		{http.MethodPost, "/scaling/evaluate", http.StatusOK, EventClassPoolAction},
		{http.MethodPost, "/indexes", http.StatusCreated, EventClassIndexDDL},
		{http.MethodDelete, "/indexes/idx_old", http.StatusNoContent, EventClassIndexDDL},
		{http.MethodGet, "/health", http.StatusOK, EventClassAPIAccess},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.method, tt.path, tt.status))
		})
	}
}

func TestOutcomeAndSeverity(t *testing.T) {
	assert.Equal(t, OutcomeSuccess, outcomeForStatus(http.StatusCreated))
	assert.Equal(t, OutcomeDenied, outcomeForStatus(http.StatusTooManyRequests))
	assert.Equal(t, OutcomeFailure, outcomeForStatus(http.StatusNotFound))
	assert.Equal(t, OutcomeError, outcomeForStatus(http.StatusBadGateway))

	assert.Equal(t, SeverityHigh, severityForStatus(http.StatusInternalServerError))
	assert.Equal(t, SeverityMedium, severityForStatus(http.StatusUnauthorized))
	assert.Equal(t, SeverityLow, severityForStatus(http.StatusNotFound))
}

func TestRedactQuery(t *testing.T) {
	assert.Equal(t, "", redactQuery(""))
	assert.Equal(t, "limit=10&pool=primary", redactQuery("limit=10&pool=primary"))
	assert.Equal(t, "api_key=[REDACTED]&limit=5", redactQuery("api_key=abc123&limit=5"))
	assert.Equal(t, "Token=[REDACTED]&flag", redactQuery("Token=xyz&flag"))
}

func TestAuditLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	al, err := NewAuditLogger(config.AuditConfig{Enabled: true, LogFile: path}, zap.NewNop())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodDelete, "/indexes/idx_old?token=secret", nil)
	req.RemoteAddr = "192.0.2.10:41000"
	al.LogHTTPRequest(req, http.StatusNoContent, "operator", "req_9")
	al.Stop()
	al.Stop()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &record))
	assert.Equal(t, "AUDIT", record["msg"])
	assert.Equal(t, EventClassIndexDDL, record["event_class"])
	assert.Equal(t, "192.0.2.10", record["source_ip"])
	assert.Equal(t, "token=[REDACTED]", record["query"])
	assert.Equal(t, float64(http.StatusNoContent), record["http_status"])
	assert.False(t, scanner.Scan())
}

func TestLogEventDropsWhenBufferFull(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	al := &AuditLogger{
		logger:    zap.New(core),
		eventChan: make(chan AuditEvent, 1),
	}

	al.LogEvent(AuditEvent{Path: "/a"})
	al.LogEvent(AuditEvent{Path: "/b"})

	assert.Len(t, al.eventChan, 1)
	assert.Equal(t, 1, logs.FilterMessage("Audit buffer full, dropping event").Len())
}

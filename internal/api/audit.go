package api

import (
	"context"
	"net/http"
)

// Auditor records completed API requests
type Auditor interface {
	LogHTTPRequest(r *http.Request, status int, principal, requestID string)
}

// auditHolder carries the authenticated principal back out to the audit
// middleware, which runs outside the authenticator.
type auditHolder struct {
	principal string
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	return sr.ResponseWriter.Write(b)
}

func (s *Server) auditMiddleware(next http.Handler) http.Handler {
	if s.deps.Audit == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		holder := &auditHolder{}
		rec := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), auditKey, holder)))

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		s.deps.Audit.LogHTTPRequest(r, status, holder.principal, RequestIDFrom(r.Context()))
	})
}

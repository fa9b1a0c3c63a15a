package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/deepfriedcyber/pgpool-runtime-manager/internal/config"
)

const authRealm = "pgpool-runtime-manager"

type contextKey int

const (
	principalKey contextKey = iota
	requestIDKey
	auditKey
)

// Principal is the authenticated caller
type Principal struct {
	Name   string
	Scopes []string
}

// Has reports whether the principal carries scope. Admin implies read.
func (p Principal) Has(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope || s == config.ScopeAdmin {
			return true
		}
	}
	return false
}

// PrincipalFrom returns the principal stored by Authenticator.Middleware
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// Authenticator checks API keys or basic credentials
type Authenticator struct {
	config config.AuthConfig
	logger *zap.Logger
}

// NewAuthenticator creates an authenticator for cfg
func NewAuthenticator(cfg config.AuthConfig, logger *zap.Logger) *Authenticator {
	return &Authenticator{config: cfg, logger: logger}
}

// Middleware authenticates every request and stores the principal in the
// request context. With auth disabled every caller is an admin.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.config.Enabled {
			anonymous := Principal{Name: "anonymous", Scopes: []string{config.ScopeAdmin}}
			next.ServeHTTP(w, withPrincipal(r, anonymous))
			return
		}

		var (
			principal Principal
			authError string
		)
		switch a.config.Type {
		case "api_key":
			principal, authError = a.validateAPIKey(r)
		case "basic":
			principal, authError = a.validateBasicAuth(r)
		default:
			authError = "unsupported authentication type"
		}

		if authError != "" {
			a.logger.Warn("Authentication failed",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("user_agent", r.UserAgent()),
				zap.String("error", authError))

			w.Header().Set("WWW-Authenticate", a.challenge())
			writeErrorResponse(w, a.logger, ErrAuthenticationFailed(authError), RequestIDFrom(r.Context()))
			return
		}

		next.ServeHTTP(w, withPrincipal(r, principal))
	})
}

func withPrincipal(r *http.Request, p Principal) *http.Request {
	if holder, ok := r.Context().Value(auditKey).(*auditHolder); ok {
		holder.principal = p.Name
	}
	return r.WithContext(context.WithValue(r.Context(), principalKey, p))
}

// validateAPIKey accepts "Authorization: Bearer <key>" or "X-API-Key: <key>"
func (a *Authenticator) validateAPIKey(r *http.Request) (Principal, string) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return a.checkAPIKey(parts[1])
		}
	}

	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		return a.checkAPIKey(apiKey)
	}

	return Principal{}, "API key not provided"
}

func (a *Authenticator) checkAPIKey(providedKey string) (Principal, string) {
	if a.config.APIKey != "" {
		if subtle.ConstantTimeCompare([]byte(providedKey), []byte(a.config.APIKey)) == 1 {
			return Principal{Name: "default", Scopes: []string{config.ScopeAdmin}}, ""
		}
	}

	for _, apiKey := range a.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(providedKey), []byte(apiKey.Key)) == 1 {
			scopes := apiKey.Scopes
			if len(scopes) == 0 {
				scopes = []string{config.ScopeRead}
			}
			return Principal{Name: apiKey.Name, Scopes: scopes}, ""
		}
	}

	return Principal{}, "invalid API key"
}

func (a *Authenticator) validateBasicAuth(r *http.Request) (Principal, string) {
	username, password, ok := r.BasicAuth()
	if !ok {
		return Principal{}, "basic credentials not provided"
	}

	usernameMatch := subtle.ConstantTimeCompare([]byte(username), []byte(a.config.Basic.Username)) == 1
	passwordMatch := subtle.ConstantTimeCompare([]byte(password), []byte(a.config.Basic.Password)) == 1
	if usernameMatch && passwordMatch {
		return Principal{Name: username, Scopes: []string{config.ScopeAdmin}}, ""
	}

	return Principal{}, "invalid username or password"
}

func (a *Authenticator) challenge() string {
	if a.config.Type == "basic" {
		return `Basic realm="` + authRealm + `"`
	}
	return `Bearer realm="` + authRealm + `"`
}

// RequireScope rejects principals without scope
func RequireScope(scope string, logger *zap.Logger, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok || !p.Has(scope) {
			logger.Warn("Request lacks required scope",
				zap.String("principal", p.Name),
				zap.String("scope", scope),
				zap.String("path", r.URL.Path))
			writeErrorResponse(w, logger, ErrAuthorizationFailed(scope), RequestIDFrom(r.Context()))
			return
		}
		next(w, r)
	}
}

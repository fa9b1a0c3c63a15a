package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimitConfig defines per-client rate limiting
type RateLimitConfig struct {
	RequestsPerMinute int           `json:"requests_per_minute"`
	BurstSize         int           `json:"burst_size"`
	CleanupInterval   time.Duration `json:"cleanup_interval"`
	ClientTTL         time.Duration `json:"client_ttl"`
	TrustedProxies    []string      `json:"trusted_proxies"`
}

// DefaultRateLimitConfig returns limits for an operator-facing admin API
func DefaultRateLimitConfig(requestsPerMinute int) RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: requestsPerMinute,
		BurstSize:         10,
		CleanupInterval:   5 * time.Minute,
		ClientTTL:         10 * time.Minute,
		TrustedProxies:    []string{"127.0.0.1", "::1"},
	}
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client address
type RateLimiter struct {
	mu       sync.Mutex
	clients  map[string]*clientLimiter
	config   RateLimitConfig
	limit    rate.Limit
	logger   *zap.Logger
	stopOnce sync.Once
	stopChan chan struct{}
}

// NewRateLimiter creates a rate limiter and starts its cleanup routine
func NewRateLimiter(config RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = 100
	}
	if config.BurstSize <= 0 {
		config.BurstSize = 1
	}

	rl := &RateLimiter{
		clients:  make(map[string]*clientLimiter),
		config:   config,
		limit:    rate.Every(time.Minute / time.Duration(config.RequestsPerMinute)),
		logger:   logger,
		stopChan: make(chan struct{}),
	}

	if config.CleanupInterval > 0 {
		go rl.cleanupRoutine()
	}

	return rl
}

// Allow reports whether client may make a request now. When it may not,
// the returned duration is how long until a token is available.
func (rl *RateLimiter) Allow(client string) (bool, time.Duration) {
	rl.mu.Lock()
	c, ok := rl.clients[client]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.config.BurstSize)}
		rl.clients[client] = c
	}
	c.lastSeen = time.Now()
	rl.mu.Unlock()

	r := c.limiter.Reserve()
	if !r.OK() {
		return false, time.Minute
	}
	delay := r.Delay()
	if delay == 0 {
		return true, 0
	}
	r.Cancel()
	return false, delay
}

// Middleware rejects clients over their budget with 429
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := rl.clientIP(r)

		allowed, retryAfter := rl.Allow(clientIP)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.config.RequestsPerMinute))
		if !allowed {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("client_ip", clientIP),
				zap.String("path", r.URL.Path),
				zap.Duration("retry_after", retryAfter))

			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
			writeErrorResponse(w, rl.logger, ErrRateLimited(retryAfter), RequestIDFrom(r.Context()))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Clients returns the number of tracked client buckets
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

func (rl *RateLimiter) cleanupRoutine() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanupIdle(time.Now())
		case <-rl.stopChan:
			return
		}
	}
}

// cleanupIdle drops buckets not used within ClientTTL of now
func (rl *RateLimiter) cleanupIdle(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, c := range rl.clients {
		if now.Sub(c.lastSeen) > rl.config.ClientTTL {
			delete(rl.clients, key)
		}
	}

	rl.logger.Debug("Rate limit cleanup completed",
		zap.Int("remaining_clients", len(rl.clients)))
}

// clientIP extracts the client address, honouring forwarding headers only
// from trusted proxies
func (rl *RateLimiter) clientIP(r *http.Request) string {
	if rl.isTrustedProxy(r.RemoteAddr) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			ips := strings.Split(xff, ",")
			return strings.TrimSpace(ips[0])
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func (rl *RateLimiter) isTrustedProxy(remoteAddr string) bool {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		ip = remoteAddr
	}

	for _, trustedProxy := range rl.config.TrustedProxies {
		if ip == trustedProxy {
			return true
		}
		if _, network, err := net.ParseCIDR(trustedProxy); err == nil {
			if clientIP := net.ParseIP(ip); clientIP != nil && network.Contains(clientIP) {
				return true
			}
		}
	}
	return false
}

// Stop stops the cleanup routine
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopChan) })
}

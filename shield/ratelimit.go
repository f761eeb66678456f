package shield

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// AuthFailureRule is the rate_limits endpoint counting failed logins per
// client IP.
const AuthFailureRule = "auth_failure"

// RateLimitSchema holds the rate limit rules. The seeded rows can be tuned
// in place; the limiter reloads them every minute.
const RateLimitSchema = `
CREATE TABLE IF NOT EXISTS rate_limits (
	endpoint       TEXT PRIMARY KEY,
	max_requests   INTEGER NOT NULL DEFAULT 60,
	window_seconds INTEGER NOT NULL DEFAULT 60,
	enabled        INTEGER NOT NULL DEFAULT 1
);

INSERT OR IGNORE INTO rate_limits (endpoint, max_requests, window_seconds, enabled) VALUES
	('POST /api/crawl', 6, 3600, 1),
	('auth_failure', 10, 900, 1);
`

// InitRateLimits creates and seeds the rate_limits table.
func InitRateLimits(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, RateLimitSchema); err != nil {
		return fmt.Errorf("shield: rate limit schema: %w", err)
	}
	return nil
}

// RateLimitConfig is the rule of one endpoint.
type RateLimitConfig struct {
	MaxRequests   int
	WindowSeconds int
	Enabled       bool
}

func (c RateLimitConfig) window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

type bucket struct {
	count   int
	resetAt time.Time
}

// RateLimiter limits requests per client IP and endpoint with fixed
// windows. Rules come from the rate_limits table; an endpoint without an
// enabled rule is never limited.
type RateLimiter struct {
	db         *sql.DB
	exclude    []string
	trustProxy bool
	now        func() time.Time
	logger     *slog.Logger

	mu      sync.Mutex
	rules   map[string]RateLimitConfig
	buckets map[string]*bucket
}

// RateLimitOption configures a RateLimiter.
type RateLimitOption func(*RateLimiter)

// WithExclude never limits paths with one of these prefixes.
func WithExclude(prefixes ...string) RateLimitOption {
	return func(rl *RateLimiter) { rl.exclude = append(rl.exclude, prefixes...) }
}

// WithTrustProxy keys clients on X-Forwarded-For. Only set it behind a
// proxy that overwrites the header.
func WithTrustProxy() RateLimitOption { return func(rl *RateLimiter) { rl.trustProxy = true } }

func WithRateLogger(l *slog.Logger) RateLimitOption { return func(rl *RateLimiter) { rl.logger = l } }

func WithRateClock(now func() time.Time) RateLimitOption { return func(rl *RateLimiter) { rl.now = now } }

// NewRateLimiter loads the rules of db. A failed load leaves every
// endpoint unlimited until the next Reload.
func NewRateLimiter(ctx context.Context, db *sql.DB, opts ...RateLimitOption) *RateLimiter {
	rl := &RateLimiter{
		db:      db,
		now:     time.Now,
		logger:  slog.Default(),
		rules:   make(map[string]RateLimitConfig),
		buckets: make(map[string]*bucket),
	}
	for _, o := range opts {
		o(rl)
	}
	if err := rl.Reload(ctx); err != nil {
		rl.logger.WarnContext(ctx, "ratelimit: rules not loaded", "error", err)
	}
	return rl
}

// StartReloader reloads the rules every minute and drops expired buckets
// every five, until ctx is done.
func (rl *RateLimiter) StartReloader(ctx context.Context) {
	reloadTick := time.NewTicker(time.Minute)
	gcTick := time.NewTicker(5 * time.Minute)
	go func() {
		defer reloadTick.Stop()
		defer gcTick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-reloadTick.C:
				if err := rl.Reload(ctx); err != nil {
					rl.logger.WarnContext(ctx, "ratelimit: reload failed", "error", err)
				}
			case <-gcTick.C:
				rl.gc()
			}
		}
	}()
}

// Reload reads the rules table.
func (rl *RateLimiter) Reload(ctx context.Context) error {
	rows, err := rl.db.QueryContext(ctx, `SELECT endpoint, max_requests, window_seconds, enabled FROM rate_limits`)
	if err != nil {
		return fmt.Errorf("shield: load rate limits: %w", err)
	}
	defer rows.Close()

	rules := make(map[string]RateLimitConfig)
	for rows.Next() {
		var endpoint string
		var cfg RateLimitConfig
		if err := rows.Scan(&endpoint, &cfg.MaxRequests, &cfg.WindowSeconds, &cfg.Enabled); err != nil {
			return fmt.Errorf("shield: load rate limits: %w", err)
		}
		rules[endpoint] = cfg
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("shield: load rate limits: %w", err)
	}

	rl.mu.Lock()
	rl.rules = rules
	rl.mu.Unlock()
	rl.logger.DebugContext(ctx, "ratelimit: rules reloaded", "count", len(rules))
	return nil
}

func (rl *RateLimiter) gc() {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, b := range rl.buckets {
		if now.After(b.resetAt) {
			delete(rl.buckets, k)
		}
	}
}

// live returns the current bucket of key under rule, resetting an expired
// one. Callers hold mu.
func (rl *RateLimiter) live(key string, cfg RateLimitConfig) *bucket {
	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok || now.After(b.resetAt) {
		b = &bucket{resetAt: now.Add(cfg.window())}
		rl.buckets[key] = b
	}
	return b
}

// Allow counts one request of ip on endpoint and reports whether it is
// within the rule.
func (rl *RateLimiter) Allow(ip, endpoint string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cfg, ok := rl.rules[endpoint]
	if !ok || !cfg.Enabled {
		return true
	}
	b := rl.live(ip+" "+endpoint, cfg)
	b.count++
	return b.count <= cfg.MaxRequests
}

// Exhausted reports, without counting, whether ip used up endpoint.
func (rl *RateLimiter) Exhausted(ip, endpoint string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cfg, ok := rl.rules[endpoint]
	if !ok || !cfg.Enabled {
		return false
	}
	return rl.live(ip+" "+endpoint, cfg).count >= cfg.MaxRequests
}

// Record counts one event of ip on endpoint.
func (rl *RateLimiter) Record(ip, endpoint string) {
	rl.Allow(ip, endpoint)
}

func (rl *RateLimiter) excluded(path string) bool {
	for _, p := range rl.exclude {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Middleware limits each "METHOD /path" endpoint that has a rule.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.excluded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		endpoint := r.Method + " " + r.URL.Path
		ip := rl.clientIP(r)
		if rl.Allow(ip, endpoint) {
			next.ServeHTTP(w, r)
			return
		}
		GetLogger(r.Context()).Warn("ratelimit: request blocked", "ip", ip, "endpoint", endpoint)
		rl.reject(w, endpoint)
	})
}

// FailureLimit blocks clients whose responses hit status more often than
// rule allows, e.g. repeated 401s. Place it before the authentication
// middleware.
func (rl *RateLimiter) FailureLimit(rule string, status int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rl.excluded(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			ip := rl.clientIP(r)
			if rl.Exhausted(ip, rule) {
				GetLogger(r.Context()).Warn("ratelimit: client blocked after failures", "ip", ip, "rule", rule)
				rl.reject(w, rule)
				return
			}
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			if sw.status == status {
				rl.Record(ip, rule)
			}
		})
	}
}

func (rl *RateLimiter) reject(w http.ResponseWriter, endpoint string) {
	rl.mu.Lock()
	retry := rl.rules[endpoint].WindowSeconds
	rl.mu.Unlock()
	w.Header().Set("Retry-After", strconv.Itoa(max(retry, 1)))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
}

func (rl *RateLimiter) clientIP(r *http.Request) string {
	if rl.trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

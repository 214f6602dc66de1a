package http

import (
	"bufio"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/snehjoshi/epochbus/internal/metrics"
)

// middleware wraps a handler.
type middleware func(http.Handler) http.Handler

// chain composes mw around h. The first middleware is the outermost.
func chain(h http.Handler, mw ...middleware) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// ─── Logging & metrics ────────────────────────────────────────────────────────

// statusRecorder captures the status code written by the handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// Hijack is required by the websocket upgrader.
func (rw *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("http: response writer does not support hijacking")
	}
	rw.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// observe logs every request at Debug and, when reg is non-nil, counts it by
// route pattern so path parameters never explode label cardinality.
func observe(logger *slog.Logger, reg *metrics.Registry) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			elapsed := time.Since(start)
			route := r.Pattern
			if _, path, ok := strings.Cut(route, " "); ok {
				route = path
			}
			if route == "" {
				route = "unmatched"
			}
			logger.Debug("http",
				"method", r.Method,
				"route", route,
				"status", rec.status,
				"duration_ms", elapsed.Milliseconds(),
			)
			if reg != nil {
				reg.ObserveHTTP(r.Method, route, rec.status, elapsed)
			}
		})
	}
}

// ─── Auth ─────────────────────────────────────────────────────────────────────

// authenticate accepts a request carrying either the X-Api-Key (compared in
// constant time) or, when jwtSecret is set, an unexpired HS256 bearer token.
// Paths in open bypass the check.
func authenticate(key, jwtSecret string, open ...string) middleware {
	want := []byte(key)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range open {
				if r.URL.Path == p {
					next.ServeHTTP(w, r)
					return
				}
			}
			if key != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Api-Key")), want) == 1 {
				next.ServeHTTP(w, r)
				return
			}
			if jwtSecret != "" && validBearer(r.Header.Get("Authorization"), jwtSecret) {
				next.ServeHTTP(w, r)
				return
			}
			writeJSON(w, http.StatusUnauthorized, errorResp{Error: "unauthorized"})
		})
	}
}

func validBearer(header, secret string) bool {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return false
	}
	tok, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	return err == nil && tok.Valid
}

// ─── Rate limiting ────────────────────────────────────────────────────────────

const (
	limiterSweepAt = 5000
	limiterIdleTTL = 10 * time.Minute
)

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// limiterTable hands out one token bucket per client IP. Idle entries are
// swept once the table grows past limiterSweepAt.
type limiterTable struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*limiterEntry
}

func newLimiterTable(rps float64, burst int) *limiterTable {
	return &limiterTable{
		rps:     rate.Limit(rps),
		burst:   burst,
		clients: make(map[string]*limiterEntry),
	}
}

func (t *limiterTable) allow(ip string) bool {
	now := time.Now()
	t.mu.Lock()
	e, ok := t.clients[ip]
	if !ok {
		if len(t.clients) >= limiterSweepAt {
			for k, v := range t.clients {
				if now.Sub(v.lastSeen) > limiterIdleTTL {
					delete(t.clients, k)
				}
			}
		}
		e = &limiterEntry{lim: rate.NewLimiter(t.rps, t.burst)}
		t.clients[ip] = e
	}
	e.lastSeen = now
	t.mu.Unlock()
	return e.lim.AllowN(now, 1)
}

// rateLimit rejects clients exceeding rps with 429.
func rateLimit(rps float64, burst int) middleware {
	table := newLimiterTable(rps, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !table.allow(clientIP(r)) {
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusTooManyRequests, errorResp{Error: "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP prefers the first X-Forwarded-For hop and falls back to RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ─── Body size ────────────────────────────────────────────────────────────────

// maxBody caps every request body at n bytes.
func maxBody(n int64) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}

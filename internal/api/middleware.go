package api

import (
	"crypto/subtle"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bobarin/ttsjobs/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
)

// requestKey extracts the API key from X-API-Key or Authorization: Bearer <key>.
func requestKey(r *http.Request) string {
	// Try X-API-Key header first (preferred for backend-to-backend calls)
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}

	// Fall back to Authorization: Bearer <key>
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}

// APIKeyAuth is middleware that validates requests against a backend API key.
// It checks the X-API-Key header first, then falls back to Authorization: Bearer <key>.
func APIKeyAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := requestKey(r)
			if key == "" {
				respondError(w, http.StatusUnauthorized, "unauthorized",
					"Missing API key. Provide X-API-Key header or Authorization: Bearer <key>")
				return
			}

			// Constant-time comparison to prevent timing attacks
			if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) != 1 {
				respondError(w, http.StatusForbidden, "forbidden", "Invalid API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter enforces a per-minute and a per-hour budget for each client,
// identified by API key or, without one, by remote IP.
type RateLimiter struct {
	perMinute int
	perHour   int
	now       func() time.Time

	mu      sync.Mutex
	clients map[string]*clientLimits
	lastGC  time.Time
}

type clientLimits struct {
	minute   *rate.Limiter
	hour     *rate.Limiter
	lastSeen time.Time
}

// idleEviction is how long a client's limiters are kept after its last request.
// By then both buckets have refilled, so forgetting them changes nothing.
const idleEviction = time.Hour

func NewRateLimiter(perMinute, perHour int) *RateLimiter {
	return &RateLimiter{
		perMinute: perMinute,
		perHour:   perHour,
		now:       time.Now,
		clients:   make(map[string]*clientLimits),
	}
}

func (rl *RateLimiter) limits(key string, now time.Time) *clientLimits {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastGC) > idleEviction {
		for k, c := range rl.clients {
			if now.Sub(c.lastSeen) > idleEviction {
				delete(rl.clients, k)
			}
		}
		rl.lastGC = now
	}

	c, ok := rl.clients[key]
	if !ok {
		c = &clientLimits{
			minute: rate.NewLimiter(rate.Limit(float64(rl.perMinute)/60), rl.perMinute),
			hour:   rate.NewLimiter(rate.Limit(float64(rl.perHour)/3600), rl.perHour),
		}
		rl.clients[key] = c
	}
	c.lastSeen = now
	return c
}

// Middleware rejects requests over budget with 429 and a Retry-After header.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := requestKey(r)
		if key == "" {
			key = "ip:" + clientIP(r)
		} else {
			key = "key:" + key
		}

		now := rl.now()
		c := rl.limits(key, now)

		minute := c.minute.ReserveN(now, 1)
		hour := c.hour.ReserveN(now, 1)
		wait := max(minute.DelayFrom(now), hour.DelayFrom(now))

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.perMinute))
		if wait > 0 {
			minute.CancelAt(now)
			hour.CancelAt(now)
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			respondError(w, http.StatusTooManyRequests, "rate_limited", "Rate limit exceeded, retry later")
			return
		}

		remaining := int(c.minute.TokensAt(now))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(remaining, 0)))
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Metrics records request count and latency keyed by the matched route pattern,
// so /v1/jobs/{id} is one series regardless of the id.
func Metrics(rec metrics.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			endpoint := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					endpoint = p
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			rec.HTTPRequest(r.Method, endpoint, status, time.Since(start))
		})
	}
}

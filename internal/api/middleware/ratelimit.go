package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/raullenchai/moperator/internal/ratelimit"
)

// RateLimit applies fixed-window request limits per client. Reads spend the
// read budget, everything else the write budget. Requests carrying an
// explicit tenant are bucketed per tenant; anonymous requests fall back to
// network identity (trusted proxy header, then X-Forwarded-For, then a
// User-Agent hash).
type RateLimit struct {
	limiter       *ratelimit.Limiter
	trustedHeader string
}

// NewRateLimit creates the middleware. A nil limiter disables it.
func NewRateLimit(l *ratelimit.Limiter, trustedHeader string) *RateLimit {
	return &RateLimit{limiter: l, trustedHeader: trustedHeader}
}

// Middleware returns an http.Handler middleware enforcing the limits. Every
// response carries X-RateLimit-Limit/-Remaining/-Reset; a denied request
// gets 429 with Retry-After.
func (rl *RateLimit) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		tenant := GetTenantID(r.Context())
		var clientKey string
		if explicit := strings.TrimSpace(r.Header.Get(TenantHeader)); explicit != "" {
			clientKey = ratelimit.TenantClientKey(explicit)
		} else {
			clientKey = ratelimit.ClientKey(r, rl.trustedHeader)
		}

		var decision ratelimit.Decision
		if isReadMethod(r.Method) {
			decision = rl.limiter.CheckRead(r.Context(), tenant, clientKey)
		} else {
			decision = rl.limiter.CheckWrite(r.Context(), tenant, clientKey)
		}

		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

		if !decision.Allowed {
			retryAfter := int(time.Until(decision.ResetAt).Seconds()) + 1
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{
				"error":   "rate_limited",
				"message": "Rate limit exceeded. Retry after the window resets.",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func isReadMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

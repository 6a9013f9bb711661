package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// ClientKey derives the limiter key for an anonymous request: the trusted
// proxy header when present, then the first hop of X-Forwarded-For, then a
// hash of the User-Agent as the last resort.
func ClientKey(r *http.Request, trustedHeader string) string {
	if trustedHeader != "" {
		if ip := strings.TrimSpace(r.Header.Get(trustedHeader)); ip != "" {
			return "ip:" + ip
		}
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return "ip:" + first
		}
	}
	sum := sha256.Sum256([]byte(r.UserAgent()))
	return "ua:" + hex.EncodeToString(sum[:8])
}

// TenantClientKey keys authenticated callers by tenant instead of by IP.
func TenantClientKey(tenantID string) string {
	return "tenant:" + tenantID
}

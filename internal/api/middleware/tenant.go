package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

// TenantIDKey is the context key for the resolved tenant.
const TenantIDKey contextKey = "tenant_id"

// TenantHeader carries the caller's tenant on API requests.
const TenantHeader = "X-Tenant-ID"

// TenantExtractor resolves the request tenant. The X-Tenant-ID header wins,
// then the tenant query parameter, then the fallback.
func TenantExtractor(fallback string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant := strings.TrimSpace(r.Header.Get(TenantHeader))
			if tenant == "" {
				tenant = strings.TrimSpace(r.URL.Query().Get("tenant"))
			}
			if tenant == "" {
				tenant = fallback
			}

			ctx := context.WithValue(r.Context(), TenantIDKey, tenant)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetTenantID retrieves the tenant from the request context.
func GetTenantID(ctx context.Context) string {
	if v, ok := ctx.Value(TenantIDKey).(string); ok {
		return v
	}
	return "default"
}

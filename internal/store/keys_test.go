package store_test

import (
	"testing"

	"github.com/raullenchai/moperator/internal/store"
)

func TestKeyLayout(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"agent", store.AgentKey("acme", "mail-bot"), "user:acme:agent:mail-bot"},
		{"agent prefix", store.AgentPrefix("acme"), "user:acme:agent:"},
		{"limits", store.LimitsKey("acme"), "user:acme:limits"},
		{"retry", store.RetryKey("01HZX"), "retry:01HZX"},
		{"dead", store.DeadKey("01HZX"), "dead:01HZX"},
		{"ratelimit", store.RateLimitKey("10.0.0.1"), "ratelimit:10.0.0.1"},
		{"lease", store.LeaseKey("01HZX"), "lease:retry:01HZX"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s key = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

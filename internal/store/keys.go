package store

// Key scheme. Tenant-scoped records live under user:{tenantId}:{type}[:{id}]
// so one prefix scan covers a tenant; retry items, dead letters, rate-limit
// counters, and leases are global namespaces keyed by their own ids. Other
// parts of the platform read these keys, so the layout is a contract.

const (
	// PrefixRetry holds pending retry items (TTL 7 days).
	PrefixRetry = "retry:"

	// PrefixDead holds dead-letter items (TTL 30 days).
	PrefixDead = "dead:"

	// PrefixRateLimit holds fixed-window counters keyed by client.
	PrefixRateLimit = "ratelimit:"

	// PrefixLease holds in-flight claims on retry items.
	PrefixLease = "lease:" + PrefixRetry
)

// TenantKey builds user:{tenantId}:{type} or user:{tenantId}:{type}:{id}.
func TenantKey(tenantID, typ string, id ...string) string {
	k := "user:" + tenantID + ":" + typ
	for _, part := range id {
		k += ":" + part
	}
	return k
}

// AgentKey is the record key for one agent in a tenant's registry.
func AgentKey(tenantID, agentID string) string {
	return TenantKey(tenantID, "agent", agentID)
}

// AgentPrefix is the scan prefix for all of a tenant's agents.
func AgentPrefix(tenantID string) string {
	return TenantKey(tenantID, "agent") + ":"
}

// LimitsKey is the record key for a tenant's rate-limit overrides.
func LimitsKey(tenantID string) string {
	return TenantKey(tenantID, "limits")
}

// RetryKey is the record key for one pending retry item.
func RetryKey(id string) string {
	return PrefixRetry + id
}

// DeadKey is the record key for one dead-letter item.
func DeadKey(id string) string {
	return PrefixDead + id
}

// RateLimitKey is the counter key for one client.
func RateLimitKey(clientKey string) string {
	return PrefixRateLimit + clientKey
}

// LeaseKey is the claim key guarding one retry item's redispatch.
func LeaseKey(retryID string) string {
	return PrefixLease + retryID
}

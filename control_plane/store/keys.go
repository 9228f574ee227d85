package store

import (
	"fmt"
	"strings"
)

// Resource type for store and Redis keys
type Resource string

const (
	ResourceAgent      Resource = "agents"
	ResourceHeartbeat  Resource = "heartbeats"
	ResourceCapability Resource = "capabilities"
	ResourcePolicy     Resource = "policies"
	ResourceBatch      Resource = "batches"
	ResourceRun        Resource = "runs"
	ResourceNonce      Resource = "nonces"
)

// TenantKey constructs a fully qualified key for a tenant resource.
// Format: fleetgate:tenants:{tenantID}:{resource}:{id}
func TenantKey(tenantID string, resource Resource, id string) string {
	return fmt.Sprintf("fleetgate:tenants:%s:%s:%s", tenantID, resource, id)
}

// TenantPrefix constructs a search pattern prefix for a tenant resource.
// Format: fleetgate:tenants:{tenantID}:{resource}:
func TenantPrefix(tenantID string, resource Resource) string {
	return fmt.Sprintf("fleetgate:tenants:%s:%s:", tenantID, resource)
}

// hasTenantPrefix reports whether key belongs to the tenant resource.
func hasTenantPrefix(key string, tenantID string, resource Resource) bool {
	return strings.HasPrefix(key, TenantPrefix(tenantID, resource))
}

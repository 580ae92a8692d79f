package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"modelvault/internal/query"
)

// Key layout:
//
//	catalog:list:<tenant>:<filter-hash>   one list page
//	catalog:model:<tenant>:<model-id>     one model detail
//	catalog:url:<storage-key>             one presigned download URL
//
// Tenant id is embedded in every catalog key so invalidation can sweep a
// single tenant without touching its neighbours.

// ListKey derives a deterministic key from the full filter. Callers must
// normalize the filter first (sorted tags, defaulted pagination) so equal
// queries always hit the same entry.
func ListKey(f query.ListFilter) string {
	raw, _ := json.Marshal(f)
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("catalog:list:%s:%s", f.TenantID, hex.EncodeToString(sum[:16]))
}

// ListPrefix is the glob matching every list entry of a tenant.
func ListPrefix(tenantID string) string {
	return fmt.Sprintf("catalog:list:%s:*", tenantID)
}

// ModelKey addresses a single model detail entry.
func ModelKey(tenantID, modelID string) string {
	return fmt.Sprintf("catalog:model:%s:%s", tenantID, modelID)
}

// URLKey addresses a cached presigned URL. Storage keys are globally unique
// so no tenant component is needed.
func URLKey(storageKey string) string {
	return fmt.Sprintf("catalog:url:%s", storageKey)
}

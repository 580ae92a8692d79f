package service

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound covers both truly absent models and cross-tenant hits.
	// The two cases are indistinguishable to callers so tenants cannot
	// probe for the existence of other tenants' models.
	ErrNotFound        = errors.New("model not found")
	ErrTenantRequired  = errors.New("tenant id is required")
	ErrNameRequired    = errors.New("name is required")
	ErrTagNameRequired = errors.New("tag name is required")
	ErrNoFiles         = errors.New("at least one file is required")
	ErrReaderNil       = errors.New("file reader is nil")
)

// InvalidationError records a cache invalidation failure that happened after
// the underlying write already committed. It is logged for alerting, never
// returned to callers: the write succeeded and stale cache entries expire on
// their own TTL.
type InvalidationError struct {
	Pattern string
	Err     error
}

func (e *InvalidationError) Error() string {
	return fmt.Sprintf("invalidate %s: %v", e.Pattern, e.Err)
}

func (e *InvalidationError) Unwrap() error {
	return e.Err
}

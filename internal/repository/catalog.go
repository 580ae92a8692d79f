package repository

// Package repository contains data access layer abstractions.
// Implementations live in subpackages (e.g., postgres) inside this directory.

import (
	"context"
	"database/sql"
	"time"

	"modelvault/internal/model"
	"modelvault/internal/query"
)

// ModelRow is one raw row of the wide catalog join (model × version × file).
// The join intentionally fans out one row per combination; the mapper
// deduplicates. Version and file columns are nullable because the join is a
// LEFT JOIN: a model with no versions still yields a row.
type ModelRow struct {
	ModelID          string
	TenantID         string
	Slug             string
	ModelName        string
	ModelDescription string
	CurrentVersion   string
	ModelCreatedAt   time.Time
	ModelUpdatedAt   time.Time
	VersionCount     int
	TotalSize        int64
	// WindowTotal is the window-function total of models matching the
	// predicate, attached to every row so pagination metadata can be
	// extracted without a second query.
	WindowTotal int

	VersionID          sql.NullString
	VersionLabel       sql.NullString
	VersionName        sql.NullString
	VersionDescription sql.NullString
	ThumbnailKey       sql.NullString
	PrintSettings      []byte
	VersionCreatedAt   sql.NullTime
	VersionUpdatedAt   sql.NullTime

	FileID           sql.NullString
	Filename         sql.NullString
	OriginalFilename sql.NullString
	FileSize         sql.NullInt64
	MimeType         sql.NullString
	Extension        sql.NullString
	StorageKey       sql.NullString
	StorageBucket    sql.NullString
	Geometry         []byte
	FileStatus       sql.NullString
	FileCreatedAt    sql.NullTime
}

// VersionRow is one raw row of the version × file join used by paginated
// version listings. WindowTotal carries the total version count.
type VersionRow struct {
	VersionID     string
	ModelID       string
	Label         string
	Name          string
	Description   string
	ThumbnailKey  sql.NullString
	PrintSettings []byte
	CreatedAt     time.Time
	UpdatedAt     time.Time
	WindowTotal   int

	FileID           sql.NullString
	Filename         sql.NullString
	OriginalFilename sql.NullString
	FileSize         sql.NullInt64
	MimeType         sql.NullString
	Extension        sql.NullString
	StorageKey       sql.NullString
	StorageBucket    sql.NullString
	Geometry         []byte
	FileStatus       sql.NullString
	FileCreatedAt    sql.NullTime
}

// MetadataUpdate carries optional model metadata changes; nil fields are
// left untouched.
type MetadataUpdate struct {
	Name        *string
	Description *string
}

// CatalogRepository defines data access for the model catalog using SQL
// queries only. No business logic here — strictly persistence operations.
// All reads are tenant-scoped; queries never return rows belonging to a
// different tenant.
type CatalogRepository interface {
	// ListModelRows executes the wide fan-out join for a page of models and
	// returns the raw, duplicated row set. The implementation over-fetches
	// raw rows relative to the model limit because the deduplicated model
	// count is unknown before denormalization.
	ListModelRows(ctx context.Context, pred query.Predicate, limit, offset int) ([]ModelRow, error)

	// FindModelRows returns the raw join rows for a single model.
	FindModelRows(ctx context.Context, tenantID, modelID string) ([]ModelRow, error)

	// FindVersionRows returns version × file rows for a window of a model's
	// versions, newest first.
	FindVersionRows(ctx context.Context, tenantID, modelID string, offset, limit int) ([]VersionRow, error)

	// FindModelTags returns the tag facet for each requested model id. Every
	// requested id has an entry; ids with no tags map to an empty slice.
	FindModelTags(ctx context.Context, modelIDs []string) (map[string][]model.Tag, error)

	// FindVersionTags is the version-level counterpart of FindModelTags.
	FindVersionTags(ctx context.Context, versionIDs []string) (map[string][]model.Tag, error)

	// FindModelTenant returns the owning tenant of a live model, without
	// tenant scoping. Used only to discriminate cross-tenant access for
	// audit logging.
	FindModelTenant(ctx context.Context, modelID string) (string, error)

	// CreateModel inserts a new model row.
	CreateModel(ctx context.Context, m *model.Model) (*model.Model, error)

	// CreateVersion inserts a version and its files in one transaction and
	// advances the parent model's current-version pointer.
	CreateVersion(ctx context.Context, v *model.ModelVersion, files []model.ModelFile) (*model.ModelVersion, error)

	// NextVersionLabel computes v<max(existing numeric suffixes)+1> for a
	// model. Soft-deleted versions are included so labels are never reused.
	NextVersionLabel(ctx context.Context, modelID string) (string, error)

	// UpdateModelMetadata applies a partial metadata update. Returns
	// sql.ErrNoRows when the model does not exist in the tenant's scope.
	UpdateModelMetadata(ctx context.Context, tenantID, modelID string, upd MetadataUpdate) error

	// SoftDeleteModel tombstones a model and its versions and returns the
	// storage keys of all affected files.
	SoftDeleteModel(ctx context.Context, tenantID, modelID string) ([]string, error)

	// SoftDeleteVersion tombstones a single version and returns the storage
	// keys of its files.
	SoftDeleteVersion(ctx context.Context, tenantID, modelID, label string) ([]string, error)

	// AttachTag links a tag (created lazily on first use) to a model and
	// increments the tag's usage counter in the same transaction.
	AttachTag(ctx context.Context, tenantID, modelID, tagName string) error

	// DetachTag removes a model-tag link and decrements the usage counter in
	// the same transaction.
	DetachTag(ctx context.Context, tenantID, modelID, tagName string) error
}

package model

import (
	"encoding/json"
	"time"
)

// Package model contains the catalog domain types. These are pure domain
// models with no database-specific dependencies or tags, so they can be used
// across layers (HTTP, service, cache) without coupling to persistence.

// Geometry holds derived mesh metadata extracted from an uploaded file.
type Geometry struct {
	BBoxMin       [3]float64 `json:"bbox_min"`
	BBoxMax       [3]float64 `json:"bbox_max"`
	TriangleCount int        `json:"triangle_count"`
	Manifold      bool       `json:"manifold"`
	Closed        bool       `json:"closed"`
}

// FileStatus tracks per-file processing state after upload.
const (
	FileStatusPending   = "pending"
	FileStatusProcessed = "processed"
	FileStatusFailed    = "failed"
)

// ModelFile is a single binary payload belonging to a version. StorageKey is
// globally unique and is the only identifier used to address the payload in
// the object store.
type ModelFile struct {
	ID               string    `json:"id"`
	VersionID        string    `json:"version_id"`
	Filename         string    `json:"filename"`
	OriginalFilename string    `json:"original_filename"`
	Size             int64     `json:"size"`
	MimeType         string    `json:"mime_type"`
	Extension        string    `json:"extension"`
	StorageKey       string    `json:"storage_key"`
	StorageBucket    string    `json:"storage_bucket"`
	Geometry         *Geometry `json:"geometry,omitempty"`
	Status           string    `json:"status"`
	DownloadURL      string    `json:"download_url,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// ModelVersion is one revision of a model. Labels follow the form v<N> with
// a strictly increasing numeric suffix per model.
type ModelVersion struct {
	ID            string          `json:"id"`
	ModelID       string          `json:"model_id"`
	Label         string          `json:"label"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	ThumbnailKey  string          `json:"thumbnail_key,omitempty"`
	PrintSettings json.RawMessage `json:"print_settings,omitempty"`
	Files         []ModelFile     `json:"files"`
	Tags          []Tag           `json:"tags"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Model is the aggregate root of the catalog. Versions holds at most the
// most recent revisions (capped for list/detail responses); TotalVersions is
// the full count. LatestMetadata points at the version the CurrentVersion
// label references, falling back to the most recent retained version when
// the pointer is stale.
type Model struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	Slug           string         `json:"slug"`
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	CurrentVersion string         `json:"current_version"`
	TotalVersions  int            `json:"total_versions"`
	TotalSize      int64          `json:"total_size"`
	Tags           []Tag          `json:"tags"`
	Versions       []ModelVersion `json:"versions"`
	LatestMetadata *ModelVersion  `json:"latest_metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Tag is a tenant-scoped label attached to models and versions. UsageCount
// mirrors the number of model-tag links and is maintained transactionally on
// attach/detach, never recomputed lazily.
type Tag struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Color       string `json:"color,omitempty"`
	Description string `json:"description,omitempty"`
	UsageCount  int    `json:"usage_count"`
}

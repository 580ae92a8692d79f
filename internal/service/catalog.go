package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"modelvault/internal/cache"
	"modelvault/internal/config"
	"modelvault/internal/mapper"
	"modelvault/internal/model"
	"modelvault/internal/query"
	"modelvault/internal/repository"
	"modelvault/internal/storage"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ModelListResult is the service-level DTO for paginated model listings.
type ModelListResult struct {
	Items  []model.Model `json:"data"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// VersionListResult is the paginated version history of one model.
type VersionListResult struct {
	Items   []model.ModelVersion `json:"data"`
	Total   int                  `json:"total"`
	Limit   int                  `json:"limit"`
	Offset  int                  `json:"offset"`
	HasMore bool                 `json:"has_more"`
}

// CreateModelInput carries the fields a caller supplies for a new model.
// Slug is optional and derived from Name when empty.
type CreateModelInput struct {
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description"`
}

// FileUpload is one streaming payload for a new version.
type FileUpload struct {
	Reader           io.Reader
	OriginalFilename string
	ContentType      string
	Size             int64
}

// AddVersionInput carries the metadata and payloads of a new version. The
// label is never caller-supplied; it is assigned by the service.
type AddVersionInput struct {
	Name          string
	Description   string
	PrintSettings json.RawMessage
	Files         []FileUpload
}

// CatalogService defines the catalog use cases. All operations are
// tenant-scoped; reads go through the cache, writes invalidate it.
type CatalogService interface {
	// ListModels returns a filtered, sorted, paginated page of fully
	// assembled models.
	ListModels(ctx context.Context, filter query.ListFilter) (*ModelListResult, error)

	// GetModel returns one fully assembled model by id.
	GetModel(ctx context.Context, tenantID, modelID string) (*model.Model, error)

	// GetModelVersions returns the paginated version history of a model,
	// newest first, uncapped by the per-model retention limit.
	GetModelVersions(ctx context.Context, tenantID, modelID string, limit, offset int) (*VersionListResult, error)

	// CreateModel registers a new model with no versions yet.
	CreateModel(ctx context.Context, tenantID string, in CreateModelInput) (*model.Model, error)

	// AddVersion uploads the payloads, assigns the next version label, and
	// persists the version. Storage uploads are rolled back if the database
	// write fails.
	AddVersion(ctx context.Context, tenantID, modelID string, in AddVersionInput) (*model.ModelVersion, error)

	// UpdateMetadata applies a partial update to the model's name and
	// description.
	UpdateMetadata(ctx context.Context, tenantID, modelID string, upd repository.MetadataUpdate) error

	// DeleteModel tombstones a model and all of its versions.
	DeleteModel(ctx context.Context, tenantID, modelID string) error

	// DeleteVersion tombstones one version by label.
	DeleteVersion(ctx context.Context, tenantID, modelID, label string) error

	// TagModel attaches a tag, creating it on first use.
	TagModel(ctx context.Context, tenantID, modelID, tagName string) error

	// UntagModel detaches a tag.
	UntagModel(ctx context.Context, tenantID, modelID, tagName string) error
}

type catalogService struct {
	repo   repository.CatalogRepository
	store  storage.Storage
	cache  cache.Cache
	cfg    config.CacheConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewCatalogService constructs the catalog service.
func NewCatalogService(repo repository.CatalogRepository, store storage.Storage, c cache.Cache, cfg config.CacheConfig) CatalogService {
	return &catalogService{
		repo:   repo,
		store:  store,
		cache:  c,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
}

func (s *catalogService) ListModels(ctx context.Context, filter query.ListFilter) (*ModelListResult, error) {
	if filter.TenantID == "" {
		return nil, ErrTenantRequired
	}
	normalizeFilter(&filter)

	key := cache.ListKey(filter)
	if raw, err := s.cache.Get(ctx, key); err == nil {
		var res ModelListResult
		if json.Unmarshal([]byte(raw), &res) == nil {
			return &res, nil
		}
		// Unreadable entry: drop it and rebuild.
		_ = s.cache.Delete(ctx, key)
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		s.logger.Warn("cache read failed", "key", key, "error", err)
	}

	pred, err := query.NewBuilder().
		Tenant(filter.TenantID).
		Search(filter.Search).
		Tags(filter.Tags).
		Sort(filter.SortBy, filter.SortOrder).
		Build()
	if err != nil {
		return nil, err
	}

	rows, err := s.repo.ListModelRows(ctx, pred, filter.Limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}

	total := mapper.WindowTotal(rows)
	models := mapper.AssembleModels(rows)
	// The raw-row over-fetch may yield more distinct models than the page
	// asked for.
	if len(models) > filter.Limit {
		models = models[:filter.Limit]
	}

	if err := s.attachTagFacets(ctx, models); err != nil {
		return nil, err
	}
	s.enrichDownloadURLs(ctx, models)

	res := &ModelListResult{Items: models, Total: total, Limit: filter.Limit, Offset: filter.Offset}
	s.cacheSet(ctx, key, res, time.Duration(s.cfg.ListTTLSec)*time.Second)
	return res, nil
}

func (s *catalogService) GetModel(ctx context.Context, tenantID, modelID string) (*model.Model, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}

	key := cache.ModelKey(tenantID, modelID)
	if raw, err := s.cache.Get(ctx, key); err == nil {
		var m model.Model
		if json.Unmarshal([]byte(raw), &m) == nil {
			return &m, nil
		}
		_ = s.cache.Delete(ctx, key)
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		s.logger.Warn("cache read failed", "key", key, "error", err)
	}

	rows, err := s.repo.FindModelRows(ctx, tenantID, modelID)
	if err != nil {
		return nil, fmt.Errorf("find model: %w", err)
	}
	m := mapper.AssembleModel(rows)
	if m == nil {
		return nil, s.reportMissing(ctx, tenantID, modelID)
	}

	models := []model.Model{*m}
	if err := s.attachTagFacets(ctx, models); err != nil {
		return nil, err
	}
	s.enrichDownloadURLs(ctx, models)
	m = &models[0]

	s.cacheSet(ctx, key, m, time.Duration(s.cfg.ModelTTLSec)*time.Second)
	return m, nil
}

func (s *catalogService) GetModelVersions(ctx context.Context, tenantID, modelID string, limit, offset int) (*VersionListResult, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	if err := s.checkOwnership(ctx, tenantID, modelID); err != nil {
		return nil, err
	}

	rows, err := s.repo.FindVersionRows(ctx, tenantID, modelID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}

	versions, total := mapper.AssembleVersions(rows)

	if len(versions) > 0 {
		versionTags, err := s.repo.FindVersionTags(ctx, versionIDs(versions))
		if err != nil {
			return nil, fmt.Errorf("load version tags: %w", err)
		}
		mapper.AttachVersionTags(versions, versionTags)
	}
	s.enrichVersionURLs(ctx, versions)

	return &VersionListResult{
		Items:   versions,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+limit < total,
	}, nil
}

func (s *catalogService) CreateModel(ctx context.Context, tenantID string, in CreateModelInput) (*model.Model, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	if strings.TrimSpace(in.Name) == "" {
		return nil, ErrNameRequired
	}

	slug := in.Slug
	if slug == "" {
		slug = slugify(in.Name)
	}

	now := s.now().UTC()
	m := &model.Model{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		Slug:        slug,
		Name:        in.Name,
		Description: in.Description,
		Tags:        []model.Tag{},
		Versions:    []model.ModelVersion{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	created, err := s.repo.CreateModel(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("create model: %w", err)
	}

	s.invalidate(ctx, tenantID)
	return created, nil
}

func (s *catalogService) AddVersion(ctx context.Context, tenantID, modelID string, in AddVersionInput) (*model.ModelVersion, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	if len(in.Files) == 0 {
		return nil, ErrNoFiles
	}
	for _, f := range in.Files {
		if f.Reader == nil {
			return nil, ErrReaderNil
		}
	}

	if err := s.checkOwnership(ctx, tenantID, modelID); err != nil {
		return nil, err
	}

	label, err := s.repo.NextVersionLabel(ctx, modelID)
	if err != nil {
		return nil, fmt.Errorf("next version label: %w", err)
	}

	now := s.now().UTC()
	versionID := uuid.New().String()
	files := make([]model.ModelFile, 0, len(in.Files))
	uploaded := make([]string, 0, len(in.Files))

	for _, f := range in.Files {
		ext := filepath.Ext(f.OriginalFilename)
		genName := uuid.New().String() + ext
		storageKey := filepath.ToSlash(filepath.Join(tenantID, modelID, label, genName))

		info, err := s.store.Put(ctx, storageKey, f.Reader, storage.PutObjectOptions{
			Size:        f.Size,
			ContentType: f.ContentType,
			Metadata:    map[string]string{"original-filename": f.OriginalFilename},
		})
		if err != nil {
			s.rollbackUploads(ctx, uploaded)
			return nil, fmt.Errorf("upload %s: %w", f.OriginalFilename, err)
		}
		uploaded = append(uploaded, storageKey)

		files = append(files, model.ModelFile{
			ID:               uuid.New().String(),
			VersionID:        versionID,
			Filename:         genName,
			OriginalFilename: f.OriginalFilename,
			Size:             info.Size,
			MimeType:         f.ContentType,
			Extension:        strings.TrimPrefix(strings.ToLower(ext), "."),
			StorageKey:       storageKey,
			StorageBucket:    s.store.Bucket(),
			Status:           model.FileStatusPending,
			CreatedAt:        now,
		})
	}

	v := &model.ModelVersion{
		ID:            versionID,
		ModelID:       modelID,
		Label:         label,
		Name:          in.Name,
		Description:   in.Description,
		PrintSettings: in.PrintSettings,
		Tags:          []model.Tag{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	created, err := s.repo.CreateVersion(ctx, v, files)
	if err != nil {
		s.rollbackUploads(ctx, uploaded)
		return nil, fmt.Errorf("save version: %w", err)
	}

	s.invalidate(ctx, tenantID, cache.ModelKey(tenantID, modelID))
	return created, nil
}

func (s *catalogService) UpdateMetadata(ctx context.Context, tenantID, modelID string, upd repository.MetadataUpdate) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	if upd.Name == nil && upd.Description == nil {
		return nil
	}
	if upd.Name != nil && strings.TrimSpace(*upd.Name) == "" {
		return ErrNameRequired
	}

	if err := s.repo.UpdateModelMetadata(ctx, tenantID, modelID, upd); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s.reportMissing(ctx, tenantID, modelID)
		}
		return fmt.Errorf("update metadata: %w", err)
	}

	s.invalidate(ctx, tenantID, cache.ModelKey(tenantID, modelID))
	return nil
}

func (s *catalogService) DeleteModel(ctx context.Context, tenantID, modelID string) error {
	if tenantID == "" {
		return ErrTenantRequired
	}

	storageKeys, err := s.repo.SoftDeleteModel(ctx, tenantID, modelID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s.reportMissing(ctx, tenantID, modelID)
		}
		return fmt.Errorf("delete model: %w", err)
	}

	s.invalidate(ctx, tenantID, append(urlKeys(storageKeys), cache.ModelKey(tenantID, modelID))...)
	return nil
}

func (s *catalogService) DeleteVersion(ctx context.Context, tenantID, modelID, label string) error {
	if tenantID == "" {
		return ErrTenantRequired
	}

	storageKeys, err := s.repo.SoftDeleteVersion(ctx, tenantID, modelID, label)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s.reportMissing(ctx, tenantID, modelID)
		}
		return fmt.Errorf("delete version: %w", err)
	}

	s.invalidate(ctx, tenantID, append(urlKeys(storageKeys), cache.ModelKey(tenantID, modelID))...)
	return nil
}

func (s *catalogService) TagModel(ctx context.Context, tenantID, modelID, tagName string) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	if strings.TrimSpace(tagName) == "" {
		return ErrTagNameRequired
	}

	if err := s.repo.AttachTag(ctx, tenantID, modelID, tagName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s.reportMissing(ctx, tenantID, modelID)
		}
		return fmt.Errorf("attach tag: %w", err)
	}

	s.invalidate(ctx, tenantID, cache.ModelKey(tenantID, modelID))
	return nil
}

func (s *catalogService) UntagModel(ctx context.Context, tenantID, modelID, tagName string) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	if strings.TrimSpace(tagName) == "" {
		return ErrTagNameRequired
	}

	if err := s.repo.DetachTag(ctx, tenantID, modelID, tagName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s.reportMissing(ctx, tenantID, modelID)
		}
		return fmt.Errorf("detach tag: %w", err)
	}

	s.invalidate(ctx, tenantID, cache.ModelKey(tenantID, modelID))
	return nil
}

// attachTagFacets loads model-level and version-level tag facets in parallel
// and merges them into the assembled graph.
func (s *catalogService) attachTagFacets(ctx context.Context, models []model.Model) error {
	if len(models) == 0 {
		return nil
	}

	modelIDs := make([]string, 0, len(models))
	var verIDs []string
	for i := range models {
		modelIDs = append(modelIDs, models[i].ID)
		for j := range models[i].Versions {
			verIDs = append(verIDs, models[i].Versions[j].ID)
		}
	}

	var (
		modelTags   map[string][]model.Tag
		versionTags map[string][]model.Tag
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		modelTags, err = s.repo.FindModelTags(gctx, modelIDs)
		return err
	})
	g.Go(func() error {
		if len(verIDs) == 0 {
			versionTags = map[string][]model.Tag{}
			return nil
		}
		var err error
		versionTags, err = s.repo.FindVersionTags(gctx, verIDs)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("load tag facets: %w", err)
	}

	mapper.AttachTags(models, modelTags, versionTags)
	return nil
}

// cachedURL is the stored form of a presigned URL. The absolute expiry is
// embedded so a reader can verify validity independently of the cache TTL.
type cachedURL struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// downloadURL returns a presigned URL for the storage key, serving from
// cache when the cached URL still has at least the safety margin of life
// left.
func (s *catalogService) downloadURL(ctx context.Context, storageKey string) (string, error) {
	key := cache.URLKey(storageKey)
	safety := time.Duration(s.cfg.URLSafetySec) * time.Second

	if raw, err := s.cache.Get(ctx, key); err == nil {
		var cu cachedURL
		if json.Unmarshal([]byte(raw), &cu) == nil && s.now().Add(safety).Before(cu.ExpiresAt) {
			return cu.URL, nil
		}
		_ = s.cache.Delete(ctx, key)
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		s.logger.Warn("cache read failed", "key", key, "error", err)
	}

	expiry := time.Duration(s.cfg.URLExpiryMin) * time.Minute
	u, err := s.store.PresignGet(ctx, storageKey, expiry)
	if err != nil {
		return "", err
	}

	ttl := expiry - safety
	if ttl <= 0 {
		ttl = expiry
	}
	s.cacheSet(ctx, key, cachedURL{URL: u, ExpiresAt: s.now().Add(expiry)}, ttl)
	return u, nil
}

// enrichDownloadURLs attaches presigned URLs to every file in the graph. A
// presign failure degrades that file's URL to empty instead of failing the
// read.
func (s *catalogService) enrichDownloadURLs(ctx context.Context, models []model.Model) {
	for i := range models {
		s.enrichVersionURLs(ctx, models[i].Versions)
	}
}

func (s *catalogService) enrichVersionURLs(ctx context.Context, versions []model.ModelVersion) {
	for i := range versions {
		for j := range versions[i].Files {
			f := &versions[i].Files[j]
			u, err := s.downloadURL(ctx, f.StorageKey)
			if err != nil {
				s.logger.Warn("presign failed", "storage_key", f.StorageKey, "error", err)
				continue
			}
			f.DownloadURL = u
		}
	}
}

// invalidate drops the given point keys plus the tenant's entire list-cache
// prefix. The write already committed, so failures are logged for alerting
// and swallowed; stale entries age out on TTL.
func (s *catalogService) invalidate(ctx context.Context, tenantID string, keys ...string) {
	if len(keys) > 0 {
		if err := s.cache.Delete(ctx, keys...); err != nil {
			ie := &InvalidationError{Pattern: strings.Join(keys, ","), Err: err}
			s.logger.Error("cache invalidation failed", "error", ie, "alert", true)
		}
	}
	pattern := cache.ListPrefix(tenantID)
	listKeys, err := s.cache.KeysMatching(ctx, pattern)
	if err != nil {
		ie := &InvalidationError{Pattern: pattern, Err: err}
		s.logger.Error("cache invalidation failed", "error", ie, "alert", true)
		return
	}
	if len(listKeys) == 0 {
		return
	}
	if err := s.cache.Delete(ctx, listKeys...); err != nil {
		ie := &InvalidationError{Pattern: pattern, Err: err}
		s.logger.Error("cache invalidation failed", "error", ie, "alert", true)
	}
}

func (s *catalogService) cacheSet(ctx context.Context, key string, v any, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, string(raw), ttl); err != nil {
		s.logger.Warn("cache write failed", "key", key, "error", err)
	}
}

// checkOwnership resolves the model's owning tenant. Absent models and
// cross-tenant models both surface as ErrNotFound; the cross-tenant case is
// additionally audit-logged.
func (s *catalogService) checkOwnership(ctx context.Context, tenantID, modelID string) error {
	owner, err := s.repo.FindModelTenant(ctx, modelID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("resolve model tenant: %w", err)
	}
	if owner != tenantID {
		s.auditDenied(tenantID, modelID, owner)
		return ErrNotFound
	}
	return nil
}

// reportMissing is the post-hoc variant of checkOwnership, used after a
// tenant-scoped query came back empty.
func (s *catalogService) reportMissing(ctx context.Context, tenantID, modelID string) error {
	owner, err := s.repo.FindModelTenant(ctx, modelID)
	if err == nil && owner != tenantID {
		s.auditDenied(tenantID, modelID, owner)
	}
	return ErrNotFound
}

func (s *catalogService) auditDenied(tenantID, modelID, owner string) {
	s.logger.Warn("cross-tenant access denied",
		"tenant_id", tenantID,
		"model_id", modelID,
		"owner_tenant", owner,
		"audit", true,
	)
}

// rollbackUploads best-effort removes objects uploaded before a failed
// version write.
func (s *catalogService) rollbackUploads(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	if err := s.store.DeleteMany(ctx, keys); err != nil {
		s.logger.Error("upload rollback failed", "keys", keys, "error", err)
	}
}

// normalizeFilter defaults pagination and sorts tags so equivalent filters
// produce identical cache keys and SQL.
func normalizeFilter(f *query.ListFilter) {
	if f.Limit <= 0 {
		f.Limit = defaultPageSize
	}
	if f.Limit > maxPageSize {
		f.Limit = maxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if len(f.Tags) > 1 {
		tags := make([]string, len(f.Tags))
		copy(tags, f.Tags)
		sort.Strings(tags)
		f.Tags = tags
	}
}

func versionIDs(versions []model.ModelVersion) []string {
	ids := make([]string, 0, len(versions))
	for i := range versions {
		ids = append(ids, versions[i].ID)
	}
	return ids
}

func urlKeys(storageKeys []string) []string {
	keys := make([]string, 0, len(storageKeys))
	for _, sk := range storageKeys {
		keys = append(keys, cache.URLKey(sk))
	}
	return keys
}

var slugReplacer = strings.NewReplacer(" ", "-", "_", "-", ".", "-")

// slugify derives a URL-safe slug from a display name.
func slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = slugReplacer.Replace(s)
	var b strings.Builder
	var lastDash bool
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case r == '-':
			if !lastDash && b.Len() > 0 {
				b.WriteRune(r)
			}
			lastDash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

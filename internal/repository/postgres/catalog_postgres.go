package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"modelvault/internal/model"
	"modelvault/internal/query"
	"modelvault/internal/repository"
)

// rowFanout is the raw-row over-fetch multiplier for the wide catalog join.
// A page of N models can span far more than N rows once versions and files
// fan out, and the deduplicated model count is unknown until the mapper has
// run, so the row window is scaled up front.
const rowFanout = 25

// CatalogPostgres is a PostgreSQL implementation of repository.CatalogRepository.
// It uses database/sql with parameterized queries and contains no business logic.
type CatalogPostgres struct {
	db *sql.DB
}

// NewCatalogPostgres creates a new CatalogPostgres repository.
func NewCatalogPostgres(db *sql.DB) *CatalogPostgres {
	return &CatalogPostgres{db: db}
}

var _ repository.CatalogRepository = (*CatalogPostgres)(nil)

// modelRowColumns is the shared projection of the wide join. The column
// order must match scanModelRow.
const modelRowColumns = `
		m.id, m.tenant_id, m.slug, m.name, m.description, m.current_version,
		m.created_at, m.updated_at, m.version_count, m.total_size, m.window_total,
		v.id, v.label, v.name, v.description, v.thumbnail_key, v.print_settings,
		v.created_at, v.updated_at,
		f.id, f.filename, f.original_filename, f.size, f.mime_type, f.extension,
		f.storage_key, f.storage_bucket, f.geometry, f.status, f.created_at`

// modelAggregates computes per-model totals inside the inner subquery so the
// outer fan-out join cannot distort them. window_total is the
// window-function count of all models matching the predicate.
const modelAggregates = `
			(SELECT COUNT(*) FROM model_versions mv
				WHERE mv.model_id = m.id AND mv.deleted_at IS NULL) AS version_count,
			(SELECT COALESCE(SUM(mf.size), 0) FROM model_files mf
				JOIN model_versions mv ON mv.id = mf.version_id
				WHERE mv.model_id = m.id AND mv.deleted_at IS NULL) AS total_size,
			COUNT(*) OVER () AS window_total`

// ListModelRows runs the single wide join for a filtered model page. The
// LIMIT/OFFSET window applies to raw rows scaled by rowFanout, not to
// deduplicated models.
func (r *CatalogPostgres) ListModelRows(ctx context.Context, pred query.Predicate, limit, offset int) ([]repository.ModelRow, error) {
	q := fmt.Sprintf(`
		SELECT %s
		FROM (
			SELECT m.*, %s
			FROM models m
			WHERE %s
		) m
		LEFT JOIN model_versions v ON v.model_id = m.id AND v.deleted_at IS NULL
		LEFT JOIN model_files f ON f.version_id = v.id
		ORDER BY %s, m.id, v.created_at DESC, f.filename
		LIMIT $%d OFFSET $%d`,
		modelRowColumns, modelAggregates, pred.WhereClause(), pred.OrderBy,
		len(pred.Args)+1, len(pred.Args)+2)

	args := append(append([]any{}, pred.Args...), limit*rowFanout, offset*rowFanout)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectModelRows(rows)
}

// FindModelRows returns the raw join rows for one model, tenant-scoped.
func (r *CatalogPostgres) FindModelRows(ctx context.Context, tenantID, modelID string) ([]repository.ModelRow, error) {
	q := fmt.Sprintf(`
		SELECT %s
		FROM (
			SELECT m.*, %s
			FROM models m
			WHERE m.tenant_id = $1 AND m.deleted_at IS NULL AND m.id = $2
		) m
		LEFT JOIN model_versions v ON v.model_id = m.id AND v.deleted_at IS NULL
		LEFT JOIN model_files f ON f.version_id = v.id
		ORDER BY v.created_at DESC, f.filename`,
		modelRowColumns, modelAggregates)

	rows, err := r.db.QueryContext(ctx, q, tenantID, modelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectModelRows(rows)
}

func collectModelRows(rows *sql.Rows) ([]repository.ModelRow, error) {
	out := make([]repository.ModelRow, 0)
	for rows.Next() {
		var mr repository.ModelRow
		if err := rows.Scan(
			&mr.ModelID,
			&mr.TenantID,
			&mr.Slug,
			&mr.ModelName,
			&mr.ModelDescription,
			&mr.CurrentVersion,
			&mr.ModelCreatedAt,
			&mr.ModelUpdatedAt,
			&mr.VersionCount,
			&mr.TotalSize,
			&mr.WindowTotal,
			&mr.VersionID,
			&mr.VersionLabel,
			&mr.VersionName,
			&mr.VersionDescription,
			&mr.ThumbnailKey,
			&mr.PrintSettings,
			&mr.VersionCreatedAt,
			&mr.VersionUpdatedAt,
			&mr.FileID,
			&mr.Filename,
			&mr.OriginalFilename,
			&mr.FileSize,
			&mr.MimeType,
			&mr.Extension,
			&mr.StorageKey,
			&mr.StorageBucket,
			&mr.Geometry,
			&mr.FileStatus,
			&mr.FileCreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, mr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// FindVersionRows windows the versions themselves (not raw rows) and joins
// files after the window, so the page holds exactly min(limit, remaining)
// versions regardless of file fan-out.
func (r *CatalogPostgres) FindVersionRows(ctx context.Context, tenantID, modelID string, offset, limit int) ([]repository.VersionRow, error) {
	const q = `
		SELECT
			v.id, v.model_id, v.label, v.name, v.description, v.thumbnail_key,
			v.print_settings, v.created_at, v.updated_at, v.window_total,
			f.id, f.filename, f.original_filename, f.size, f.mime_type,
			f.extension, f.storage_key, f.storage_bucket, f.geometry, f.status, f.created_at
		FROM (
			SELECT v.*, COUNT(*) OVER () AS window_total
			FROM model_versions v
			JOIN models m ON m.id = v.model_id
			WHERE v.model_id = $1 AND m.tenant_id = $2
				AND v.deleted_at IS NULL AND m.deleted_at IS NULL
			ORDER BY v.created_at DESC
			LIMIT $3 OFFSET $4
		) v
		LEFT JOIN model_files f ON f.version_id = v.id
		ORDER BY v.created_at DESC, f.filename`

	rows, err := r.db.QueryContext(ctx, q, modelID, tenantID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]repository.VersionRow, 0)
	for rows.Next() {
		var vr repository.VersionRow
		if err := rows.Scan(
			&vr.VersionID,
			&vr.ModelID,
			&vr.Label,
			&vr.Name,
			&vr.Description,
			&vr.ThumbnailKey,
			&vr.PrintSettings,
			&vr.CreatedAt,
			&vr.UpdatedAt,
			&vr.WindowTotal,
			&vr.FileID,
			&vr.Filename,
			&vr.OriginalFilename,
			&vr.FileSize,
			&vr.MimeType,
			&vr.Extension,
			&vr.StorageKey,
			&vr.StorageBucket,
			&vr.Geometry,
			&vr.FileStatus,
			&vr.FileCreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, vr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// FindModelTags batch-loads the model-level tag facet. The result contains
// an entry for every requested id so callers can distinguish "no tags" from
// a failed lookup.
func (r *CatalogPostgres) FindModelTags(ctx context.Context, modelIDs []string) (map[string][]model.Tag, error) {
	return r.findTags(ctx, "model_tags", "model_id", modelIDs)
}

// FindVersionTags batch-loads the version-level tag facet.
func (r *CatalogPostgres) FindVersionTags(ctx context.Context, versionIDs []string) (map[string][]model.Tag, error) {
	return r.findTags(ctx, "version_tags", "version_id", versionIDs)
}

func (r *CatalogPostgres) findTags(ctx context.Context, table, keyCol string, ids []string) (map[string][]model.Tag, error) {
	out := make(map[string][]model.Tag, len(ids))
	for _, id := range ids {
		out[id] = []model.Tag{}
	}
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	q := fmt.Sprintf(`
		SELECT j.%s, t.id, t.name, t.color, t.description, t.usage_count
		FROM %s j
		JOIN tags t ON t.id = j.tag_id
		WHERE j.%s IN (%s)
		ORDER BY t.name`,
		keyCol, table, keyCol, strings.Join(placeholders, ", "))

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var ownerID string
		var t model.Tag
		if err := rows.Scan(&ownerID, &t.ID, &t.Name, &t.Color, &t.Description, &t.UsageCount); err != nil {
			return nil, err
		}
		out[ownerID] = append(out[ownerID], t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// FindModelTenant returns the owning tenant of a live model without tenant
// scoping. Intended only for audit discrimination, never for serving data.
func (r *CatalogPostgres) FindModelTenant(ctx context.Context, modelID string) (string, error) {
	const q = `SELECT tenant_id FROM models WHERE id = $1 AND deleted_at IS NULL`
	var tenantID string
	if err := r.db.QueryRowContext(ctx, q, modelID).Scan(&tenantID); err != nil {
		return "", err
	}
	return tenantID, nil
}

// CreateModel inserts a new model row and returns the stored record.
func (r *CatalogPostgres) CreateModel(ctx context.Context, m *model.Model) (*model.Model, error) {
	const q = `
		INSERT INTO models (id, tenant_id, slug, name, description, current_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, tenant_id, slug, name, description, current_version, created_at, updated_at`
	row := r.db.QueryRowContext(ctx, q,
		m.ID, m.TenantID, m.Slug, m.Name, m.Description, m.CurrentVersion, m.CreatedAt, m.UpdatedAt,
	)
	var out model.Model
	if err := row.Scan(
		&out.ID, &out.TenantID, &out.Slug, &out.Name, &out.Description,
		&out.CurrentVersion, &out.CreatedAt, &out.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateVersion inserts a version with its files and moves the parent
// model's current-version pointer, all in one transaction. Files are created
// atomically with their parent version.
func (r *CatalogPostgres) CreateVersion(ctx context.Context, v *model.ModelVersion, files []model.ModelFile) (*model.ModelVersion, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	const qv = `
		INSERT INTO model_versions (id, model_id, label, name, description, thumbnail_key, print_settings, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9)`
	if _, err := tx.ExecContext(ctx, qv,
		v.ID, v.ModelID, v.Label, v.Name, v.Description, v.ThumbnailKey,
		[]byte(v.PrintSettings), v.CreatedAt, v.UpdatedAt,
	); err != nil {
		return nil, err
	}

	const qf = `
		INSERT INTO model_files (id, version_id, filename, original_filename, size, mime_type, extension, storage_key, storage_bucket, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	for _, f := range files {
		if _, err := tx.ExecContext(ctx, qf,
			f.ID, v.ID, f.Filename, f.OriginalFilename, f.Size, f.MimeType,
			f.Extension, f.StorageKey, f.StorageBucket, f.Status, f.CreatedAt,
		); err != nil {
			return nil, err
		}
	}

	const qm = `UPDATE models SET current_version = $1, updated_at = now() WHERE id = $2`
	if _, err := tx.ExecContext(ctx, qm, v.Label, v.ModelID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	out := *v
	out.Files = files
	return &out, nil
}

// NextVersionLabel computes max(existing numeric suffixes)+1. Soft-deleted
// versions are included on purpose: a label must never be reused after a
// manual deletion.
func (r *CatalogPostgres) NextVersionLabel(ctx context.Context, modelID string) (string, error) {
	const q = `
		SELECT COALESCE(MAX(CAST(SUBSTRING(label FROM 2) AS INTEGER)), 0)
		FROM model_versions
		WHERE model_id = $1`
	var max int
	if err := r.db.QueryRowContext(ctx, q, modelID).Scan(&max); err != nil {
		return "", err
	}
	return fmt.Sprintf("v%d", max+1), nil
}

// UpdateModelMetadata applies a partial update; nil fields keep their value.
func (r *CatalogPostgres) UpdateModelMetadata(ctx context.Context, tenantID, modelID string, upd repository.MetadataUpdate) error {
	const q = `
		UPDATE models
		SET name = COALESCE($3, name),
			description = COALESCE($4, description),
			updated_at = now()
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`
	res, err := r.db.ExecContext(ctx, q, modelID, tenantID, nullableString(upd.Name), nullableString(upd.Description))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SoftDeleteModel tombstones the model and its versions and collects the
// storage keys of every file so the caller can sweep the object store.
func (r *CatalogPostgres) SoftDeleteModel(ctx context.Context, tenantID, modelID string) ([]string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	const qm = `
		UPDATE models SET deleted_at = now(), updated_at = now()
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`
	res, err := tx.ExecContext(ctx, qm, modelID, tenantID)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, sql.ErrNoRows
	}

	keys, err := collectKeys(tx.QueryContext(ctx, `
		SELECT f.storage_key
		FROM model_files f
		JOIN model_versions v ON v.id = f.version_id
		WHERE v.model_id = $1`, modelID))
	if err != nil {
		return nil, err
	}

	const qv = `UPDATE model_versions SET deleted_at = now() WHERE model_id = $1 AND deleted_at IS NULL`
	if _, err := tx.ExecContext(ctx, qv, modelID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return keys, nil
}

// SoftDeleteVersion tombstones one version and returns its files' storage keys.
func (r *CatalogPostgres) SoftDeleteVersion(ctx context.Context, tenantID, modelID, label string) ([]string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	const qv = `
		UPDATE model_versions v SET deleted_at = now(), updated_at = now()
		FROM models m
		WHERE v.model_id = $1 AND v.label = $2 AND v.deleted_at IS NULL
			AND m.id = v.model_id AND m.tenant_id = $3 AND m.deleted_at IS NULL
		RETURNING v.id`
	var versionID string
	if err := tx.QueryRowContext(ctx, qv, modelID, label, tenantID).Scan(&versionID); err != nil {
		return nil, err
	}

	keys, err := collectKeys(tx.QueryContext(ctx, `SELECT storage_key FROM model_files WHERE version_id = $1`, versionID))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return keys, nil
}

// AttachTag links a tag to a model. The tag is created lazily on first use
// and the usage counter is adjusted inside the same transaction as the link
// change, never recomputed lazily.
func (r *CatalogPostgres) AttachTag(ctx context.Context, tenantID, modelID, tagName string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := checkModelTenant(ctx, tx, tenantID, modelID); err != nil {
		return err
	}

	// Upsert-with-returning so the id comes back whether the tag is new or
	// already exists for this tenant.
	const qt = `
		INSERT INTO tags (id, tenant_id, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`
	var tagID string
	if err := tx.QueryRowContext(ctx, qt, newTagID(), tenantID, tagName).Scan(&tagID); err != nil {
		return err
	}

	const ql = `INSERT INTO model_tags (model_id, tag_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	res, err := tx.ExecContext(ctx, ql, modelID, tagID)
	if err != nil {
		return err
	}
	linked, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if linked > 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE tags SET usage_count = usage_count + 1 WHERE id = $1`, tagID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// DetachTag removes a model-tag link and decrements the usage counter.
func (r *CatalogPostgres) DetachTag(ctx context.Context, tenantID, modelID, tagName string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := checkModelTenant(ctx, tx, tenantID, modelID); err != nil {
		return err
	}

	var tagID string
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM tags WHERE tenant_id = $1 AND name = $2`, tenantID, tagName,
	).Scan(&tagID); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM model_tags WHERE model_id = $1 AND tag_id = $2`, modelID, tagID)
	if err != nil {
		return err
	}
	unlinked, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if unlinked > 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE tags SET usage_count = usage_count - 1 WHERE id = $1 AND usage_count > 0`, tagID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func checkModelTenant(ctx context.Context, tx *sql.Tx, tenantID, modelID string) error {
	var one int
	return tx.QueryRowContext(ctx,
		`SELECT 1 FROM models WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`,
		modelID, tenantID,
	).Scan(&one)
}

func collectKeys(rows *sql.Rows, err error) ([]string, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// newTagID is a hook so tests can pin generated tag ids.
var newTagID = uuid.NewString

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

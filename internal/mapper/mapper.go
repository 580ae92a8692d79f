package mapper

// Package mapper folds the repository's flat, duplicated join rows into a
// deduplicated Model → Version → File object graph. The fan-out join yields
// one row per (model, version, file) combination; this package is the single
// place where that duplication is undone.

import (
	"encoding/json"
	"sort"

	"modelvault/internal/model"
	"modelvault/internal/repository"
)

// MaxVersionsPerModel bounds how many versions a model carries in list and
// detail responses. Full history is served by the paginated version listing.
const MaxVersionsPerModel = 5

type accumulator struct {
	order        []string
	models       map[string]*model.Model
	versions     map[string]map[string]*model.ModelVersion
	versionOrder map[string][]string
	filesSeen    map[string]map[string]struct{}
}

func newAccumulator() *accumulator {
	return &accumulator{
		models:       make(map[string]*model.Model),
		versions:     make(map[string]map[string]*model.ModelVersion),
		versionOrder: make(map[string][]string),
		filesSeen:    make(map[string]map[string]struct{}),
	}
}

// fold performs the single pass over rows. First-seen wins for model
// scalars; versions and files are deduplicated by id.
func (a *accumulator) fold(rows []repository.ModelRow) {
	for i := range rows {
		r := &rows[i]

		if _, ok := a.models[r.ModelID]; !ok {
			a.order = append(a.order, r.ModelID)
			a.models[r.ModelID] = &model.Model{
				ID:             r.ModelID,
				TenantID:       r.TenantID,
				Slug:           r.Slug,
				Name:           r.ModelName,
				Description:    r.ModelDescription,
				CurrentVersion: r.CurrentVersion,
				TotalVersions:  r.VersionCount,
				TotalSize:      r.TotalSize,
				Tags:           []model.Tag{},
				CreatedAt:      r.ModelCreatedAt,
				UpdatedAt:      r.ModelUpdatedAt,
			}
			a.versions[r.ModelID] = make(map[string]*model.ModelVersion)
		}

		if !r.VersionID.Valid {
			continue
		}
		vid := r.VersionID.String
		if _, ok := a.versions[r.ModelID][vid]; !ok {
			a.versionOrder[r.ModelID] = append(a.versionOrder[r.ModelID], vid)
			a.versions[r.ModelID][vid] = &model.ModelVersion{
				ID:            vid,
				ModelID:       r.ModelID,
				Label:         r.VersionLabel.String,
				Name:          r.VersionName.String,
				Description:   r.VersionDescription.String,
				ThumbnailKey:  r.ThumbnailKey.String,
				PrintSettings: rawJSON(r.PrintSettings),
				Files:         []model.ModelFile{},
				Tags:          []model.Tag{},
				CreatedAt:     r.VersionCreatedAt.Time,
				UpdatedAt:     r.VersionUpdatedAt.Time,
			}
			a.filesSeen[vid] = make(map[string]struct{})
		}

		if !r.FileID.Valid {
			continue
		}
		if _, dup := a.filesSeen[vid][r.FileID.String]; dup {
			continue
		}
		a.filesSeen[vid][r.FileID.String] = struct{}{}
		v := a.versions[r.ModelID][vid]
		v.Files = append(v.Files, model.ModelFile{
			ID:               r.FileID.String,
			VersionID:        vid,
			Filename:         r.Filename.String,
			OriginalFilename: r.OriginalFilename.String,
			Size:             r.FileSize.Int64,
			MimeType:         r.MimeType.String,
			Extension:        r.Extension.String,
			StorageKey:       r.StorageKey.String,
			StorageBucket:    r.StorageBucket.String,
			Geometry:         geometryFromJSON(r.Geometry),
			Status:           r.FileStatus.String,
			CreatedAt:        r.FileCreatedAt.Time,
		})
	}
}

// finalize orders and caps each model's versions, sorts files, and selects
// the latest-metadata version.
func (a *accumulator) finalize(keepVersionless bool) []model.Model {
	out := make([]model.Model, 0, len(a.order))
	for _, id := range a.order {
		m := *a.models[id]

		versions := make([]model.ModelVersion, 0, len(a.versionOrder[id]))
		for _, vid := range a.versionOrder[id] {
			versions = append(versions, *a.versions[id][vid])
		}
		// Degenerate models with no versions are incomplete uploads: they
		// are dropped from list results but still materializable by direct
		// id lookup.
		if len(versions) == 0 && !keepVersionless {
			continue
		}

		sort.SliceStable(versions, func(i, j int) bool {
			return versions[i].CreatedAt.After(versions[j].CreatedAt)
		})
		if len(versions) > MaxVersionsPerModel {
			versions = versions[:MaxVersionsPerModel]
		}
		for i := range versions {
			sortFiles(versions[i].Files)
		}

		m.Versions = versions
		m.LatestMetadata = latestMetadata(&m)
		out = append(out, m)
	}
	return out
}

// AssembleModels denormalizes list rows. Models without versions are
// dropped.
func AssembleModels(rows []repository.ModelRow) []model.Model {
	acc := newAccumulator()
	acc.fold(rows)
	return acc.finalize(false)
}

// AssembleModel denormalizes single-model rows, keeping degenerate
// version-less models. Returns nil when rows is empty.
func AssembleModel(rows []repository.ModelRow) *model.Model {
	acc := newAccumulator()
	acc.fold(rows)
	models := acc.finalize(true)
	if len(models) == 0 {
		return nil
	}
	return &models[0]
}

// AssembleVersions denormalizes a paginated window of version rows and
// returns the window-function total captured by the repository.
func AssembleVersions(rows []repository.VersionRow) ([]model.ModelVersion, int) {
	versions := make([]model.ModelVersion, 0)
	index := make(map[string]int)
	filesSeen := make(map[string]map[string]struct{})
	total := 0

	for i := range rows {
		r := &rows[i]
		total = r.WindowTotal

		idx, ok := index[r.VersionID]
		if !ok {
			idx = len(versions)
			index[r.VersionID] = idx
			filesSeen[r.VersionID] = make(map[string]struct{})
			versions = append(versions, model.ModelVersion{
				ID:            r.VersionID,
				ModelID:       r.ModelID,
				Label:         r.Label,
				Name:          r.Name,
				Description:   r.Description,
				ThumbnailKey:  r.ThumbnailKey.String,
				PrintSettings: rawJSON(r.PrintSettings),
				Files:         []model.ModelFile{},
				Tags:          []model.Tag{},
				CreatedAt:     r.CreatedAt,
				UpdatedAt:     r.UpdatedAt,
			})
		}

		if !r.FileID.Valid {
			continue
		}
		if _, dup := filesSeen[r.VersionID][r.FileID.String]; dup {
			continue
		}
		filesSeen[r.VersionID][r.FileID.String] = struct{}{}
		versions[idx].Files = append(versions[idx].Files, model.ModelFile{
			ID:               r.FileID.String,
			VersionID:        r.VersionID,
			Filename:         r.Filename.String,
			OriginalFilename: r.OriginalFilename.String,
			Size:             r.FileSize.Int64,
			MimeType:         r.MimeType.String,
			Extension:        r.Extension.String,
			StorageKey:       r.StorageKey.String,
			StorageBucket:    r.StorageBucket.String,
			Geometry:         geometryFromJSON(r.Geometry),
			Status:           r.FileStatus.String,
			CreatedAt:        r.FileCreatedAt.Time,
		})
	}

	for i := range versions {
		sortFiles(versions[i].Files)
	}
	return versions, total
}

// AttachTags merges the batched tag facets into the assembled graph. It
// mutates in place so LatestMetadata (which aliases an element of Versions)
// observes the merged tags as well.
func AttachTags(models []model.Model, modelTags, versionTags map[string][]model.Tag) {
	for i := range models {
		models[i].Tags = dedupeTags(modelTags[models[i].ID])
		for j := range models[i].Versions {
			v := &models[i].Versions[j]
			v.Tags = dedupeTags(versionTags[v.ID])
		}
	}
}

// AttachVersionTags merges the version-level facet into a plain version
// slice (paginated listings).
func AttachVersionTags(versions []model.ModelVersion, versionTags map[string][]model.Tag) {
	for i := range versions {
		versions[i].Tags = dedupeTags(versionTags[versions[i].ID])
	}
}

// WindowTotal extracts the window-function total attached to every row. The
// total is captured once at the repository layer; the (down-sampled)
// in-memory rows are never counted.
func WindowTotal(rows []repository.ModelRow) int {
	if len(rows) == 0 {
		return 0
	}
	return rows[0].WindowTotal
}

// latestMetadata resolves the model's current-version pointer against the
// retained versions, falling back to the most recent one when the pointer is
// stale.
func latestMetadata(m *model.Model) *model.ModelVersion {
	if len(m.Versions) == 0 {
		return nil
	}
	for i := range m.Versions {
		if m.Versions[i].Label == m.CurrentVersion {
			return &m.Versions[i]
		}
	}
	return &m.Versions[0]
}

func dedupeTags(tags []model.Tag) []model.Tag {
	out := make([]model.Tag, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		if _, dup := seen[t.ID]; dup {
			continue
		}
		seen[t.ID] = struct{}{}
		out = append(out, t)
	}
	return out
}

func sortFiles(files []model.ModelFile) {
	sort.SliceStable(files, func(i, j int) bool {
		return files[i].Filename < files[j].Filename
	})
}

func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}

func geometryFromJSON(b []byte) *model.Geometry {
	if len(b) == 0 {
		return nil
	}
	var g model.Geometry
	if err := json.Unmarshal(b, &g); err != nil {
		return nil
	}
	return &g
}

package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"modelvault/internal/cache"
	"modelvault/internal/config"
	"modelvault/internal/model"
	"modelvault/internal/query"
	"modelvault/internal/repository"
	repoMocks "modelvault/internal/repository/mocks"
	"modelvault/internal/storage"
	storeMocks "modelvault/internal/storage/mocks"
)

var testCacheCfg = config.CacheConfig{
	ListTTLSec:   60,
	ModelTTLSec:  300,
	URLExpiryMin: 15,
	URLSafetySec: 60,
}

func newTestService(t *testing.T) (*catalogService, *repoMocks.MockCatalogRepository, *storeMocks.MockStorage, *cache.Memory) {
	t.Helper()
	mRepo := new(repoMocks.MockCatalogRepository)
	mStore := new(storeMocks.MockStorage)
	mem := cache.NewMemory()
	t.Cleanup(mem.Stop)

	svc := NewCatalogService(mRepo, mStore, mem, testCacheCfg).(*catalogService)
	return svc, mRepo, mStore, mem
}

func listRow(modelID, versionID, fileID string) repository.ModelRow {
	r := repository.ModelRow{
		ModelID:        modelID,
		TenantID:       "t1",
		Slug:           "slug-" + modelID,
		ModelName:      "name-" + modelID,
		CurrentVersion: "v1",
		VersionCount:   1,
		WindowTotal:    3,
	}
	if versionID != "" {
		r.VersionID = sql.NullString{String: versionID, Valid: true}
		r.VersionLabel = sql.NullString{String: "v1", Valid: true}
		r.VersionCreatedAt = sql.NullTime{Time: time.Now(), Valid: true}
		r.VersionUpdatedAt = sql.NullTime{Time: time.Now(), Valid: true}
	}
	if fileID != "" {
		r.FileID = sql.NullString{String: fileID, Valid: true}
		r.Filename = sql.NullString{String: fileID + ".stl", Valid: true}
		r.StorageKey = sql.NullString{String: "t1/" + modelID + "/v1/" + fileID, Valid: true}
		r.FileStatus = sql.NullString{String: model.FileStatusProcessed, Valid: true}
		r.FileCreatedAt = sql.NullTime{Time: time.Now(), Valid: true}
	}
	return r
}

func TestCatalogService_ListModels_MissThenHit(t *testing.T) {
	ctx := context.Background()
	svc, mRepo, mStore, _ := newTestService(t)

	rows := []repository.ModelRow{listRow("m1", "va", "f1")}
	mRepo.On("ListModelRows", mock.Anything, mock.Anything, 20, 0).Return(rows, nil).Once()
	mRepo.On("FindModelTags", mock.Anything, []string{"m1"}).
		Return(map[string][]model.Tag{"m1": {{ID: "tag1", Name: "mechanical"}}}, nil).Once()
	mRepo.On("FindVersionTags", mock.Anything, []string{"va"}).
		Return(map[string][]model.Tag{"va": {}}, nil).Once()
	mStore.On("PresignGet", mock.Anything, "t1/m1/v1/f1", 15*time.Minute).
		Return("https://signed/f1", nil).Once()

	res, err := svc.ListModels(ctx, query.ListFilter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 20, res.Limit)
	assert.Equal(t, "mechanical", res.Items[0].Tags[0].Name)
	assert.Equal(t, "https://signed/f1", res.Items[0].Versions[0].Files[0].DownloadURL)

	// Second identical call must be served from cache: every expectation
	// above is Once().
	res2, err := svc.ListModels(ctx, query.ListFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, res.Items[0].ID, res2.Items[0].ID)

	mRepo.AssertExpectations(t)
	mStore.AssertExpectations(t)
}

func TestCatalogService_ListModels_NormalizesTagsForPredicate(t *testing.T) {
	ctx := context.Background()
	svc, mRepo, _, _ := newTestService(t)

	mRepo.On("ListModelRows", mock.Anything, mock.MatchedBy(func(p query.Predicate) bool {
		// Sorted tag args regardless of caller order: $2, $3 then count.
		return len(p.Args) == 4 && p.Args[1] == "alpha" && p.Args[2] == "beta"
	}), 20, 0).Return([]repository.ModelRow{}, nil).Once()

	res, err := svc.ListModels(ctx, query.ListFilter{TenantID: "t1", Tags: []string{"beta", "alpha"}})
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.Equal(t, 0, res.Total)

	mRepo.AssertExpectations(t)
}

func TestCatalogService_ListModels_TenantRequired(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.ListModels(context.Background(), query.ListFilter{})
	assert.ErrorIs(t, err, ErrTenantRequired)
}

func TestCatalogService_ListModels_TruncatesOverfetchedModels(t *testing.T) {
	ctx := context.Background()
	svc, mRepo, _, _ := newTestService(t)

	rows := []repository.ModelRow{
		listRow("m1", "va", ""),
		listRow("m2", "vb", ""),
		listRow("m3", "vc", ""),
	}
	mRepo.On("ListModelRows", mock.Anything, mock.Anything, 2, 0).Return(rows, nil).Once()
	mRepo.On("FindModelTags", mock.Anything, mock.Anything).Return(map[string][]model.Tag{}, nil).Once()
	mRepo.On("FindVersionTags", mock.Anything, mock.Anything).Return(map[string][]model.Tag{}, nil).Once()

	res, err := svc.ListModels(ctx, query.ListFilter{TenantID: "t1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "m1", res.Items[0].ID)
	assert.Equal(t, "m2", res.Items[1].ID)
}

func TestCatalogService_GetModel_CachesResult(t *testing.T) {
	ctx := context.Background()
	svc, mRepo, _, _ := newTestService(t)

	rows := []repository.ModelRow{listRow("m1", "va", "")}
	mRepo.On("FindModelRows", mock.Anything, "t1", "m1").Return(rows, nil).Once()
	mRepo.On("FindModelTags", mock.Anything, []string{"m1"}).Return(map[string][]model.Tag{}, nil).Once()
	mRepo.On("FindVersionTags", mock.Anything, []string{"va"}).Return(map[string][]model.Tag{}, nil).Once()

	m, err := svc.GetModel(ctx, "t1", "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", m.ID)

	m2, err := svc.GetModel(ctx, "t1", "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", m2.ID)

	mRepo.AssertExpectations(t)
}

func TestCatalogService_GetModel_AbsentModel(t *testing.T) {
	ctx := context.Background()
	svc, mRepo, _, _ := newTestService(t)

	mRepo.On("FindModelRows", mock.Anything, "t1", "missing").Return([]repository.ModelRow{}, nil).Once()
	mRepo.On("FindModelTenant", mock.Anything, "missing").Return("", sql.ErrNoRows).Once()

	_, err := svc.GetModel(ctx, "t1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCatalogService_GetModel_CrossTenantLooksAbsent(t *testing.T) {
	ctx := context.Background()
	svc, mRepo, _, _ := newTestService(t)

	// The scoped query sees nothing, the unscoped audit lookup finds the
	// model under another tenant. Caller still gets not-found.
	mRepo.On("FindModelRows", mock.Anything, "t1", "m9").Return([]repository.ModelRow{}, nil).Once()
	mRepo.On("FindModelTenant", mock.Anything, "m9").Return("t2", nil).Once()

	_, err := svc.GetModel(ctx, "t1", "m9")
	assert.ErrorIs(t, err, ErrNotFound)
	mRepo.AssertExpectations(t)
}

func TestCatalogService_GetModelVersions(t *testing.T) {
	ctx := context.Background()
	svc, mRepo, _, _ := newTestService(t)

	mRepo.On("FindModelTenant", mock.Anything, "m1").Return("t1", nil).Once()
	mRepo.On("FindVersionRows", mock.Anything, "t1", "m1", 0, 20).Return([]repository.VersionRow{
		{VersionID: "va", ModelID: "m1", Label: "v2", WindowTotal: 9},
	}, nil).Once()
	mRepo.On("FindVersionTags", mock.Anything, []string{"va"}).Return(map[string][]model.Tag{}, nil).Once()

	res, err := svc.GetModelVersions(ctx, "t1", "m1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 9, res.Total)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "v2", res.Items[0].Label)
	assert.False(t, res.HasMore)
}

func TestCatalogService_GetModelVersions_HasMore(t *testing.T) {
	ctx := context.Background()
	svc, mRepo, _, _ := newTestService(t)

	mRepo.On("FindModelTenant", mock.Anything, "m1").Return("t1", nil).Once()
	mRepo.On("FindVersionRows", mock.Anything, "t1", "m1", 0, 2).Return([]repository.VersionRow{
		{VersionID: "va", ModelID: "m1", Label: "v8", WindowTotal: 8},
		{VersionID: "vb", ModelID: "m1", Label: "v7", WindowTotal: 8},
	}, nil).Once()
	mRepo.On("FindVersionTags", mock.Anything, []string{"va", "vb"}).Return(map[string][]model.Tag{}, nil).Once()

	res, err := svc.GetModelVersions(ctx, "t1", "m1", 2, 0)
	require.NoError(t, err)
	assert.True(t, res.HasMore)
}

func TestCatalogService_CreateModel(t *testing.T) {
	ctx := context.Background()
	svc, mRepo, _, mem := newTestService(t)

	// Pre-warm a list entry to prove creation sweeps it.
	require.NoError(t, mem.Set(ctx, "catalog:list:t1:stale", "x", 0))

	mRepo.On("CreateModel", mock.Anything, mock.MatchedBy(func(m *model.Model) bool {
		return m.TenantID == "t1" && m.Slug == "gear-box-mk2" && m.ID != ""
	})).Return(&model.Model{ID: "new-id", Slug: "gear-box-mk2"}, nil).Once()

	created, err := svc.CreateModel(ctx, "t1", CreateModelInput{Name: "Gear Box MK2"})
	require.NoError(t, err)
	assert.Equal(t, "new-id", created.ID)

	_, err = mem.Get(ctx, "catalog:list:t1:stale")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
}

func TestCatalogService_CreateModel_NameRequired(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.CreateModel(context.Background(), "t1", CreateModelInput{Name: "   "})
	assert.ErrorIs(t, err, ErrNameRequired)
}

func TestCatalogService_AddVersion(t *testing.T) {
	ctx := context.Background()
	svc, mRepo, mStore, _ := newTestService(t)

	mRepo.On("FindModelTenant", mock.Anything, "m1").Return("t1", nil).Once()
	mRepo.On("NextVersionLabel", mock.Anything, "m1").Return("v3", nil).Once()
	mStore.On("Bucket").Return("assets")
	mStore.On("Put", mock.Anything, mock.MatchedBy(func(key string) bool {
		return strings.HasPrefix(key, "t1/m1/v3/") && strings.HasSuffix(key, ".stl")
	}), mock.Anything, mock.Anything).Return(storage.ObjectInfo{Size: 5}, nil).Once()
	mRepo.On("CreateVersion", mock.Anything, mock.MatchedBy(func(v *model.ModelVersion) bool {
		return v.Label == "v3" && v.ModelID == "m1"
	}), mock.MatchedBy(func(files []model.ModelFile) bool {
		return len(files) == 1 && files[0].Status == model.FileStatusPending && files[0].Extension == "stl"
	})).Return(&model.ModelVersion{ID: "ver-id", Label: "v3"}, nil).Once()

	v, err := svc.AddVersion(ctx, "t1", "m1", AddVersionInput{
		Files: []FileUpload{{Reader: strings.NewReader("mesh!"), OriginalFilename: "part.stl", ContentType: "model/stl", Size: 5}},
	})
	require.NoError(t, err)
	assert.Equal(t, "v3", v.Label)

	mRepo.AssertExpectations(t)
	mStore.AssertExpectations(t)
}

func TestCatalogService_AddVersion_RollsBackUploadsOnDBError(t *testing.T) {
	ctx := context.Background()
	svc, mRepo, mStore, _ := newTestService(t)

	mRepo.On("FindModelTenant", mock.Anything, "m1").Return("t1", nil).Once()
	mRepo.On("NextVersionLabel", mock.Anything, "m1").Return("v1", nil).Once()
	mStore.On("Bucket").Return("assets")
	mStore.On("Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(storage.ObjectInfo{Size: 5}, nil).Once()
	mRepo.On("CreateVersion", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("db down")).Once()
	mStore.On("DeleteMany", mock.Anything, mock.MatchedBy(func(keys []string) bool {
		return len(keys) == 1 && strings.HasPrefix(keys[0], "t1/m1/v1/")
	})).Return(nil).Once()

	_, err := svc.AddVersion(ctx, "t1", "m1", AddVersionInput{
		Files: []FileUpload{{Reader: strings.NewReader("mesh!"), OriginalFilename: "part.stl", Size: 5}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save version")

	mStore.AssertExpectations(t)
}

func TestCatalogService_AddVersion_NoFiles(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.AddVersion(context.Background(), "t1", "m1", AddVersionInput{})
	assert.ErrorIs(t, err, ErrNoFiles)
}

func TestCatalogService_UpdateMetadata_NoFieldsIsNoop(t *testing.T) {
	svc, mRepo, _, _ := newTestService(t)

	err := svc.UpdateMetadata(context.Background(), "t1", "m1", repository.MetadataUpdate{})
	require.NoError(t, err)
	mRepo.AssertNotCalled(t, "UpdateModelMetadata")
}

func TestCatalogService_UpdateMetadata_NotFound(t *testing.T) {
	ctx := context.Background()
	svc, mRepo, _, _ := newTestService(t)

	name := "new name"
	mRepo.On("UpdateModelMetadata", mock.Anything, "t1", "m1", mock.Anything).Return(sql.ErrNoRows).Once()
	mRepo.On("FindModelTenant", mock.Anything, "m1").Return("", sql.ErrNoRows).Once()

	err := svc.UpdateMetadata(ctx, "t1", "m1", repository.MetadataUpdate{Name: &name})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCatalogService_DeleteModel_InvalidatesEntries(t *testing.T) {
	ctx := context.Background()
	svc, mRepo, _, mem := newTestService(t)

	require.NoError(t, mem.Set(ctx, "catalog:model:t1:m1", "x", 0))
	require.NoError(t, mem.Set(ctx, "catalog:list:t1:page", "x", 0))
	require.NoError(t, mem.Set(ctx, "catalog:url:t1/m1/v1/f1", "x", 0))

	mRepo.On("SoftDeleteModel", mock.Anything, "t1", "m1").Return([]string{"t1/m1/v1/f1"}, nil).Once()

	require.NoError(t, svc.DeleteModel(ctx, "t1", "m1"))

	for _, key := range []string{"catalog:model:t1:m1", "catalog:list:t1:page", "catalog:url:t1/m1/v1/f1"} {
		_, err := mem.Get(ctx, key)
		assert.ErrorIs(t, err, cache.ErrCacheMiss, key)
	}
}

func TestCatalogService_DeleteVersion_NotFound(t *testing.T) {
	ctx := context.Background()
	svc, mRepo, _, _ := newTestService(t)

	mRepo.On("SoftDeleteVersion", mock.Anything, "t1", "m1", "v9").Return(nil, sql.ErrNoRows).Once()
	mRepo.On("FindModelTenant", mock.Anything, "m1").Return("t1", nil).Once()

	err := svc.DeleteVersion(ctx, "t1", "m1", "v9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCatalogService_TagModel(t *testing.T) {
	ctx := context.Background()
	svc, mRepo, _, _ := newTestService(t)

	mRepo.On("AttachTag", mock.Anything, "t1", "m1", "printable").Return(nil).Once()

	require.NoError(t, svc.TagModel(ctx, "t1", "m1", "printable"))
	mRepo.AssertExpectations(t)
}

func TestCatalogService_TagModel_EmptyName(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	err := svc.TagModel(context.Background(), "t1", "m1", "  ")
	assert.ErrorIs(t, err, ErrTagNameRequired)
}

func TestCatalogService_DownloadURL_ReusedWithinSafetyMargin(t *testing.T) {
	ctx := context.Background()
	svc, _, mStore, _ := newTestService(t)

	mStore.On("PresignGet", mock.Anything, "t1/m1/v1/f1", 15*time.Minute).
		Return("https://signed/f1", nil).Once()

	u1, err := svc.downloadURL(ctx, "t1/m1/v1/f1")
	require.NoError(t, err)
	u2, err := svc.downloadURL(ctx, "t1/m1/v1/f1")
	require.NoError(t, err)
	assert.Equal(t, u1, u2)

	mStore.AssertExpectations(t)
}

func TestCatalogService_DownloadURL_RefreshesNearExpiry(t *testing.T) {
	ctx := context.Background()
	svc, _, mStore, _ := newTestService(t)

	mStore.On("PresignGet", mock.Anything, "t1/m1/v1/f1", 15*time.Minute).
		Return("https://signed/f1", nil).Twice()

	_, err := svc.downloadURL(ctx, "t1/m1/v1/f1")
	require.NoError(t, err)

	// Advance the clock to inside the safety margin: the cached URL is no
	// longer trusted even though the cache entry still exists.
	svc.now = func() time.Time { return time.Now().Add(15*time.Minute - 30*time.Second) }

	_, err = svc.downloadURL(ctx, "t1/m1/v1/f1")
	require.NoError(t, err)

	mStore.AssertExpectations(t)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "gear-box-mk2", slugify("Gear Box MK2"))
	assert.Equal(t, "part-v2", slugify("  Part_v2  "))
	assert.Equal(t, "abc", slugify("a!b@c"))
}

package mocks

import (
	"context"

	"modelvault/internal/model"
	"modelvault/internal/query"
	"modelvault/internal/repository"

	"github.com/stretchr/testify/mock"
)

type MockCatalogRepository struct {
	mock.Mock
}

func (m *MockCatalogRepository) ListModelRows(ctx context.Context, pred query.Predicate, limit, offset int) ([]repository.ModelRow, error) {
	args := m.Called(ctx, pred, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]repository.ModelRow), args.Error(1)
}

func (m *MockCatalogRepository) FindModelRows(ctx context.Context, tenantID, modelID string) ([]repository.ModelRow, error) {
	args := m.Called(ctx, tenantID, modelID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]repository.ModelRow), args.Error(1)
}

func (m *MockCatalogRepository) FindVersionRows(ctx context.Context, tenantID, modelID string, offset, limit int) ([]repository.VersionRow, error) {
	args := m.Called(ctx, tenantID, modelID, offset, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]repository.VersionRow), args.Error(1)
}

func (m *MockCatalogRepository) FindModelTags(ctx context.Context, modelIDs []string) (map[string][]model.Tag, error) {
	args := m.Called(ctx, modelIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string][]model.Tag), args.Error(1)
}

func (m *MockCatalogRepository) FindVersionTags(ctx context.Context, versionIDs []string) (map[string][]model.Tag, error) {
	args := m.Called(ctx, versionIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string][]model.Tag), args.Error(1)
}

func (m *MockCatalogRepository) FindModelTenant(ctx context.Context, modelID string) (string, error) {
	args := m.Called(ctx, modelID)
	return args.String(0), args.Error(1)
}

func (m *MockCatalogRepository) CreateModel(ctx context.Context, mdl *model.Model) (*model.Model, error) {
	args := m.Called(ctx, mdl)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Model), args.Error(1)
}

func (m *MockCatalogRepository) CreateVersion(ctx context.Context, v *model.ModelVersion, files []model.ModelFile) (*model.ModelVersion, error) {
	args := m.Called(ctx, v, files)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ModelVersion), args.Error(1)
}

func (m *MockCatalogRepository) NextVersionLabel(ctx context.Context, modelID string) (string, error) {
	args := m.Called(ctx, modelID)
	return args.String(0), args.Error(1)
}

func (m *MockCatalogRepository) UpdateModelMetadata(ctx context.Context, tenantID, modelID string, upd repository.MetadataUpdate) error {
	args := m.Called(ctx, tenantID, modelID, upd)
	return args.Error(0)
}

func (m *MockCatalogRepository) SoftDeleteModel(ctx context.Context, tenantID, modelID string) ([]string, error) {
	args := m.Called(ctx, tenantID, modelID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockCatalogRepository) SoftDeleteVersion(ctx context.Context, tenantID, modelID, label string) ([]string, error) {
	args := m.Called(ctx, tenantID, modelID, label)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockCatalogRepository) AttachTag(ctx context.Context, tenantID, modelID, tagName string) error {
	args := m.Called(ctx, tenantID, modelID, tagName)
	return args.Error(0)
}

func (m *MockCatalogRepository) DetachTag(ctx context.Context, tenantID, modelID, tagName string) error {
	args := m.Called(ctx, tenantID, modelID, tagName)
	return args.Error(0)
}

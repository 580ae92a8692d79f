package mocks

import (
	"context"

	"modelvault/internal/model"
	"modelvault/internal/query"
	"modelvault/internal/repository"
	"modelvault/internal/service"

	"github.com/stretchr/testify/mock"
)

type MockCatalogService struct {
	mock.Mock
}

func (m *MockCatalogService) ListModels(ctx context.Context, filter query.ListFilter) (*service.ModelListResult, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.ModelListResult), args.Error(1)
}

func (m *MockCatalogService) GetModel(ctx context.Context, tenantID, modelID string) (*model.Model, error) {
	args := m.Called(ctx, tenantID, modelID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Model), args.Error(1)
}

func (m *MockCatalogService) GetModelVersions(ctx context.Context, tenantID, modelID string, limit, offset int) (*service.VersionListResult, error) {
	args := m.Called(ctx, tenantID, modelID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.VersionListResult), args.Error(1)
}

func (m *MockCatalogService) CreateModel(ctx context.Context, tenantID string, in service.CreateModelInput) (*model.Model, error) {
	args := m.Called(ctx, tenantID, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Model), args.Error(1)
}

func (m *MockCatalogService) AddVersion(ctx context.Context, tenantID, modelID string, in service.AddVersionInput) (*model.ModelVersion, error) {
	args := m.Called(ctx, tenantID, modelID, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ModelVersion), args.Error(1)
}

func (m *MockCatalogService) UpdateMetadata(ctx context.Context, tenantID, modelID string, upd repository.MetadataUpdate) error {
	args := m.Called(ctx, tenantID, modelID, upd)
	return args.Error(0)
}

func (m *MockCatalogService) DeleteModel(ctx context.Context, tenantID, modelID string) error {
	args := m.Called(ctx, tenantID, modelID)
	return args.Error(0)
}

func (m *MockCatalogService) DeleteVersion(ctx context.Context, tenantID, modelID, label string) error {
	args := m.Called(ctx, tenantID, modelID, label)
	return args.Error(0)
}

func (m *MockCatalogService) TagModel(ctx context.Context, tenantID, modelID, tagName string) error {
	args := m.Called(ctx, tenantID, modelID, tagName)
	return args.Error(0)
}

func (m *MockCatalogService) UntagModel(ctx context.Context, tenantID, modelID, tagName string) error {
	args := m.Called(ctx, tenantID, modelID, tagName)
	return args.Error(0)
}

package build

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/omnilingual/langmeta/internal/model"
)

// --- Knowledge graph mock ---

type mockKnowledgeGraph struct {
	mock.Mock
}

func (m *mockKnowledgeGraph) FetchCore(ctx context.Context, ids []string) (map[string]model.CoreFacts, error) {
	args := m.Called(ctx, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]model.CoreFacts), args.Error(1)
}

func (m *mockKnowledgeGraph) FetchGeo(ctx context.Context, ids []string, simple bool) map[string]model.GeoFacts {
	args := m.Called(ctx, ids, simple)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(map[string]model.GeoFacts)
}

// --- Classifier mock ---

type mockClassifier struct {
	mock.Mock
}

func (m *mockClassifier) FetchMany(ctx context.Context, codes []string) map[string]model.Languoid {
	args := m.Called(ctx, codes)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(map[string]model.Languoid)
}

// --- Code universe stub ---

type staticProvider struct {
	codes []string
}

func (p staticProvider) Name() string { return "static" }

func (p staticProvider) Codes(_ context.Context) ([]string, error) {
	return p.codes, nil
}

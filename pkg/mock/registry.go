package mock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/hitrack/hitrack-scanner/pkg/model"
	"github.com/hitrack/hitrack-scanner/pkg/registry"
)

// RegistryClient mocks registry.Client and registry.ChartIndex.
type RegistryClient struct {
	mock.Mock
}

func NewRegistryClient() *RegistryClient {
	return &RegistryClient{}
}

func (m *RegistryClient) Provider() model.Provider {
	args := m.Called()
	return args.Get(0).(model.Provider)
}

func (m *RegistryClient) GetToken(ctx context.Context) (registry.Credential, error) {
	args := m.Called(ctx)
	return args.Get(0).(registry.Credential), args.Error(1)
}

func (m *RegistryClient) ListRepositories(ctx context.Context, pageSize int, last string) ([]registry.RepositoryRef, string, error) {
	args := m.Called(ctx, pageSize, last)
	refs, _ := args.Get(0).([]registry.RepositoryRef)
	return refs, args.String(1), args.Error(2)
}

func (m *RegistryClient) ListTags(ctx context.Context, repo string, limit int) ([]string, error) {
	args := m.Called(ctx, repo, limit)
	tags, _ := args.Get(0).([]string)
	return tags, args.Error(1)
}

func (m *RegistryClient) GetManifest(ctx context.Context, repo, reference string) (registry.Manifest, error) {
	args := m.Called(ctx, repo, reference)
	return args.Get(0).(registry.Manifest), args.Error(1)
}

func (m *RegistryClient) GetBlob(ctx context.Context, repo, digest string) ([]byte, error) {
	args := m.Called(ctx, repo, digest)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

func (m *RegistryClient) GetImageDigest(ctx context.Context, imageRef string) (string, error) {
	args := m.Called(ctx, imageRef)
	return args.String(0), args.Error(1)
}

func (m *RegistryClient) ListCatalog(ctx context.Context, repoKey string, pageSize int, last string) ([]string, string, error) {
	args := m.Called(ctx, repoKey, pageSize, last)
	names, _ := args.Get(0).([]string)
	return names, args.String(1), args.Error(2)
}

func (m *RegistryClient) HelmIndex(ctx context.Context, repoKey string) ([]registry.ChartVersion, error) {
	args := m.Called(ctx, repoKey)
	versions, _ := args.Get(0).([]registry.ChartVersion)
	return versions, args.Error(1)
}

func (m *RegistryClient) DownloadChart(ctx context.Context, chartURL string) ([]byte, error) {
	args := m.Called(ctx, chartURL)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

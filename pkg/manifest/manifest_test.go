package manifest

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"testing"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hitrack/hitrack-scanner/pkg/etc"
	"github.com/hitrack/hitrack-scanner/pkg/ext"
	hmock "github.com/hitrack/hitrack-scanner/pkg/mock"
	"github.com/hitrack/hitrack-scanner/pkg/model"
	"github.com/hitrack/hitrack-scanner/pkg/registry"
)

func mustHash(t *testing.T, s string) v1.Hash {
	t.Helper()
	h, err := v1.NewHash(digest.FromString(s).String())
	require.NoError(t, err)
	return h
}

func TestKind(t *testing.T) {
	testCases := []struct {
		name     string
		manifest registry.Manifest
		expected model.RepositoryType
	}{
		{
			name:     "Should detect helm config media type",
			manifest: registry.Manifest{Manifest: v1.Manifest{Config: v1.Descriptor{MediaType: HelmConfigMediaType}}},
			expected: model.RepositoryTypeHelm,
		},
		{
			name: "Should detect helm artifact type annotation",
			manifest: registry.Manifest{Manifest: v1.Manifest{
				Config:      v1.Descriptor{MediaType: types.OCIConfigJSON},
				Annotations: map[string]string{ArtifactTypeAnnotation: HelmArtifactType},
			}},
			expected: model.RepositoryTypeHelm,
		},
		{
			name:     "Should default to docker",
			manifest: registry.Manifest{Manifest: v1.Manifest{Config: v1.Descriptor{MediaType: types.DockerConfigJSON}}},
			expected: model.RepositoryTypeDocker,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Kind(tc.manifest))
		})
	}
}

func TestChartDigest(t *testing.T) {
	t.Run("Should return first tar+gzip layer", func(t *testing.T) {
		chart := mustHash(t, "chart")
		m := registry.Manifest{Manifest: v1.Manifest{Layers: []v1.Descriptor{
			{MediaType: "application/vnd.cncf.helm.chart.provenance.v1.prov", Digest: mustHash(t, "prov")},
			{MediaType: "application/vnd.cncf.helm.chart.content.v1.tar+gzip", Digest: chart},
			{MediaType: "application/tar+gzip", Digest: mustHash(t, "other")},
		}}}
		d, err := ChartDigest(m)
		require.NoError(t, err)
		assert.Equal(t, chart.String(), d)
	})

	t.Run("Should fail without chart layer", func(t *testing.T) {
		_, err := ChartDigest(registry.Manifest{})
		assert.ErrorIs(t, err, ErrNoChartLayer)
	})
}

func TestExtractImages(t *testing.T) {
	rendered := []byte(`
spec:
  containers:
    - name: app
      image: "registry.io/team/app:1.2.3"
    - name: sidecar
      image: 'busybox:1.36'
    - name: again
      image: registry.io/team/app:1.2.3
    - name: untagged
      image: nginx
`)
	assert.Equal(t, []string{"busybox:1.36", "registry.io/team/app:1.2.3"}, ExtractImages(rendered))
	assert.Empty(t, ExtractImages([]byte("kind: ConfigMap")))
}

func TestHelmRenderer_Images(t *testing.T) {
	config := etc.Tools{HelmPath: "helm", WorkDir: "/tmp"}

	newChartFile := func(t *testing.T) *os.File {
		f, err := os.CreateTemp(t.TempDir(), "chart-*.tgz")
		require.NoError(t, err)
		return f
	}

	t.Run("Should render chart and extract images", func(t *testing.T) {
		ambassador := ext.NewMockAmbassador()
		file := newChartFile(t)
		ambassador.On("TempFile", "/tmp", "chart-*.tgz").Return(file, nil)
		ambassador.On("Environ").Return([]string{"HOME=/tmp"})
		ambassador.On("RunCmd", mock.MatchedBy(func(cmd *exec.Cmd) bool {
			return assert.Equal(t, []string{"helm", "template", "scan", file.Name(), "--skip-tests"}, cmd.Args)
		})).Return([]byte("image: nginx:1.25\n"), nil)
		ambassador.On("RemoveAll", file.Name()).Return(nil)

		images, err := NewHelmRenderer(config, ambassador).Images(context.Background(), []byte("tgz"))
		require.NoError(t, err)
		assert.Equal(t, []string{"nginx:1.25"}, images)

		written, err := os.ReadFile(file.Name())
		require.NoError(t, err)
		assert.Equal(t, "tgz", string(written))
		ambassador.AssertExpectations(t)
	})

	t.Run("Should scan partial output of a failed render", func(t *testing.T) {
		ambassador := ext.NewMockAmbassador()
		file := newChartFile(t)
		ambassador.On("TempFile", "/tmp", "chart-*.tgz").Return(file, nil)
		ambassador.On("Environ").Return([]string{})
		ambassador.On("RunCmd", mock.Anything).Return([]byte("image: redis:7\n---\nbroken"), &exec.ExitError{Stderr: []byte("parse error")})
		ambassador.On("RemoveAll", file.Name()).Return(nil)

		images, err := NewHelmRenderer(config, ambassador).Images(context.Background(), []byte("tgz"))
		require.NoError(t, err)
		assert.Equal(t, []string{"redis:7"}, images)
	})

	t.Run("Should fail when the render produced nothing", func(t *testing.T) {
		ambassador := ext.NewMockAmbassador()
		file := newChartFile(t)
		ambassador.On("TempFile", "/tmp", "chart-*.tgz").Return(file, nil)
		ambassador.On("Environ").Return([]string{})
		ambassador.On("RunCmd", mock.Anything).Return(nil, &exec.ExitError{Stderr: []byte("Error: chart not found")})
		ambassador.On("RemoveAll", file.Name()).Return(nil)

		_, err := NewHelmRenderer(config, ambassador).Images(context.Background(), []byte("tgz"))
		assert.ErrorContains(t, err, "Error: chart not found")
	})
}

type stubRenderer struct {
	images []string
	err    error
}

func (s *stubRenderer) Images(context.Context, []byte) ([]string, error) {
	return s.images, s.err
}

func TestResolver_HelmImages(t *testing.T) {
	ctx := context.Background()

	t.Run("Should return rendered images of the chart blob", func(t *testing.T) {
		client := hmock.NewRegistryClient()
		client.On("GetBlob", ctx, "charts/app", "sha256:abc").Return([]byte("tgz"), nil)

		images := NewResolver(&stubRenderer{images: []string{"a:1"}}).HelmImages(ctx, client, "charts/app", "sha256:abc")
		assert.Equal(t, []string{"a:1"}, images)
	})

	t.Run("Should return empty list when the render fails", func(t *testing.T) {
		client := hmock.NewRegistryClient()
		client.On("GetBlob", ctx, "charts/app", "sha256:abc").Return([]byte("tgz"), nil)

		images := NewResolver(&stubRenderer{err: errors.New("boom")}).HelmImages(ctx, client, "charts/app", "sha256:abc")
		assert.Empty(t, images)
	})

	t.Run("Should return empty list when the native chart download fails", func(t *testing.T) {
		index := hmock.NewRegistryClient()
		index.On("DownloadChart", ctx, "https://repo/helm/app-1.0.0.tgz").Return(nil, errors.New("404"))

		images := NewResolver(&stubRenderer{images: []string{"a:1"}}).NativeHelmImages(ctx, index, "https://repo/helm/app-1.0.0.tgz")
		assert.Empty(t, images)
	})
}

func TestResolver_ResolveWithFallback(t *testing.T) {
	ctx := context.Background()
	resolver := NewResolver(&stubRenderer{})

	t.Run("Should resolve against the primary registry", func(t *testing.T) {
		primary := hmock.NewRegistryClient()
		primary.On("GetImageDigest", ctx, "registry.io/team/app:1").Return("sha256:1", nil)

		resolution, err := resolver.ResolveWithFallback(ctx, "registry.io/team/app:1", primary, nil)
		require.NoError(t, err)
		assert.Equal(t, Resolution{Ref: "registry.io/team/app:1", Digest: "sha256:1"}, resolution)
	})

	t.Run("Should take the first fallback that resolves", func(t *testing.T) {
		primary := hmock.NewRegistryClient()
		primary.On("GetImageDigest", ctx, "bad.io/team/app:1").Return("", errors.New("unauthorized"))
		first := hmock.NewRegistryClient()
		first.On("GetImageDigest", ctx, "mirror-a.io/docker/team/app:1").Return("", errors.New("not found"))
		second := hmock.NewRegistryClient()
		second.On("GetImageDigest", ctx, "mirror-b.io/team/app:1").Return("sha256:2", nil)
		third := hmock.NewRegistryClient()

		resolution, err := resolver.ResolveWithFallback(ctx, "bad.io/team/app:1", primary, []Fallback{
			{URL: "https://mirror-a.io/docker", Client: first},
			{URL: "mirror-b.io", Client: second},
			{URL: "mirror-c.io", Client: third},
		})
		require.NoError(t, err)
		assert.Equal(t, Resolution{Ref: "mirror-b.io/team/app:1", Digest: "sha256:2", Fallback: true}, resolution)
		third.AssertNotCalled(t, "GetImageDigest", mock.Anything, mock.Anything)
	})

	t.Run("Should fail when every candidate fails", func(t *testing.T) {
		primary := hmock.NewRegistryClient()
		primary.On("GetImageDigest", ctx, "bad.io/app:1").Return("", errors.New("unauthorized"))
		fallback := hmock.NewRegistryClient()
		fallback.On("GetImageDigest", ctx, "mirror.io/app:1").Return("", errors.New("not found"))

		_, err := resolver.ResolveWithFallback(ctx, "bad.io/app:1", primary, []Fallback{{URL: "mirror.io", Client: fallback}})
		assert.ErrorIs(t, err, ErrUnresolved)
		assert.ErrorContains(t, err, "mirror.io/app:1: not found")
	})
}

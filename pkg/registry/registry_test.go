package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitrack/hitrack-scanner/pkg/ext"
	"github.com/hitrack/hitrack-scanner/pkg/model"
)

func helmManifest() string {
	return fmt.Sprintf(`{
  "schemaVersion": 2,
  "mediaType": "application/vnd.oci.image.manifest.v1+json",
  "config": {"mediaType": "application/vnd.cncf.helm.config.v1+json", "digest": "%s", "size": 10},
  "layers": [{"mediaType": "application/vnd.cncf.helm.chart.content.v1.tar+gzip", "digest": "%s", "size": 20}]
}`, digest.FromString("config"), digest.FromString("chart"))
}

func TestNewClient(t *testing.T) {
	testCases := []struct {
		name          string
		registry      model.Registry
		expected      model.Provider
		expectedError string
	}{
		{
			name:     "Should return ACR client",
			registry: model.Registry{Name: "acr", Provider: model.ProviderACR, APIURL: "https://example.azurecr.io"},
			expected: model.ProviderACR,
		},
		{
			name:     "Should return Artifactory client",
			registry: model.Registry{Name: "jfrog", Provider: model.ProviderJFrog, APIURL: "repo.example.com/artifactory"},
			expected: model.ProviderJFrog,
		},
		{
			name:     "Should fall back to the distribution client for other providers",
			registry: model.Registry{Name: "gcr", Provider: model.ProviderGCR, APIURL: "https://gcr.io"},
			expected: model.ProviderGCR,
		},
		{
			name:          "Should reject registry without provider",
			registry:      model.Registry{Name: "bare", APIURL: "https://registry.example.com"},
			expectedError: "registry bare has no provider",
		},
		{
			name:          "Should reject registry without API URL",
			registry:      model.Registry{Name: "empty", Provider: model.ProviderACR},
			expectedError: "registry empty has no API URL",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			client, err := NewClient(tc.registry)
			if tc.expectedError != "" {
				assert.EqualError(t, err, tc.expectedError)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, client.Provider())
		})
	}
}

func TestDistributionClient(t *testing.T) {
	ctx := context.Background()
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/library/nginx/tags/list", func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"tags": ["1.25", "1.26"]}`))
	})
	mux.HandleFunc("/v2/library/nginx/manifests/1.26", func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Header().Set("Docker-Content-Digest", "sha256:beef")
		_, _ = w.Write([]byte(helmManifest()))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client, err := NewClient(model.Registry{Name: "harbor", Provider: model.ProviderHarbor, APIURL: server.URL})
	require.NoError(t, err)

	t.Run("Should send no credentials", func(t *testing.T) {
		credential, err := client.GetToken(ctx)
		require.NoError(t, err)
		assert.Equal(t, Credential{}, credential)
	})

	t.Run("Should list tags anonymously", func(t *testing.T) {
		tags, err := client.ListTags(ctx, "library/nginx", 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"1.25", "1.26"}, tags)
	})

	t.Run("Should fetch manifests anonymously", func(t *testing.T) {
		m, err := client.GetManifest(ctx, "library/nginx", "1.26")
		require.NoError(t, err)
		assert.Equal(t, "sha256:beef", m.Digest)
	})
}

func TestImageRefRepoKey(t *testing.T) {
	testCases := []struct {
		base     string
		imageRef string
		expected string
	}{
		{"https://repo.com/artifactory", "repo.com/artifactory/helm-local/loyalty:1.0", "helm-local"},
		{"repo.com/artifactory/", "repo.com/artifactory/docker-local/team/app:2", "docker-local"},
		{"https://repo.com/artifactory", "other.io/app:1", ""},
		{"", "repo.com/app:1", ""},
	}
	for _, tc := range testCases {
		t.Run(tc.imageRef, func(t *testing.T) {
			assert.Equal(t, tc.expected, ImageRefRepoKey(tc.base, tc.imageRef))
		})
	}
}

func TestBuildFallbackImageRef(t *testing.T) {
	testCases := []struct {
		name        string
		fallbackURL string
		imageRef    string
		expected    string
	}{
		{
			name:        "Should replace host and keep path and tag",
			fallbackURL: "https://mirror.example.com/docker-remote/",
			imageRef:    "bad-registry.io/namespace/image:1.2",
			expected:    "mirror.example.com/docker-remote/namespace/image:1.2",
		},
		{
			name:        "Should default the tag to latest",
			fallbackURL: "mirror.example.com",
			imageRef:    "bad-registry.io/image",
			expected:    "mirror.example.com/image:latest",
		},
		{
			name:        "Should keep a single segment path",
			fallbackURL: "mirror.example.com",
			imageRef:    "nginx:1.25",
			expected:    "mirror.example.com/nginx:1.25",
		},
		{
			name:        "Should not mistake a registry port for a tag",
			fallbackURL: "mirror.example.com",
			imageRef:    "registry:5000/team/app",
			expected:    "mirror.example.com/team/app:latest",
		},
		{
			name:     "Should return empty without fallback URL",
			imageRef: "nginx:1.25",
			expected: "",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, BuildFallbackImageRef(tc.fallbackURL, tc.imageRef))
		})
	}
}

func TestACRClient(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": now.Add(time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	var exchanges atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		exchanges.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "login" || pass != "password" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "repository:*:* registry:catalog:*", r.URL.Query().Get("scope"))
		_, _ = fmt.Fprintf(w, `{"access_token": %q}`, token)
	})
	mux.HandleFunc("/v2/team/app/tags/list", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer "+token, r.Header.Get("Authorization"))
		if r.URL.Query().Get("last") == "" {
			w.Header().Set("Link", `</v2/team/app/tags/list?last=b&n=2>; rel="next"`)
			_, _ = w.Write([]byte(`{"tags": ["a", "b"]}`))
			return
		}
		_, _ = w.Write([]byte(`{"tags": ["c"]}`))
	})
	mux.HandleFunc("/v2/_catalog", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Link", `</v2/_catalog?last=team%2Fapp&n=1>; rel="next"`)
		_, _ = w.Write([]byte(`{"repositories": ["team/app"]}`))
	})
	mux.HandleFunc("/v2/team/chart/manifests/1.0.0", func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("Accept"), "application/vnd.oci.image.manifest.v1+json")
		w.Header().Set("Docker-Content-Digest", "sha256:feed")
		_, _ = w.Write([]byte(helmManifest()))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := NewACRClient(model.Registry{
		Name:     "acr",
		Provider: model.ProviderACR,
		APIURL:   server.URL,
		Login:    "login",
		Password: "password",
	}, WithClock(&ext.FixedClock{Time: now}))

	t.Run("Should exchange credentials once and reuse the token until expiry", func(t *testing.T) {
		first, err := client.GetToken(ctx)
		require.NoError(t, err)
		second, err := client.GetToken(ctx)
		require.NoError(t, err)
		assert.Equal(t, first, second)
		assert.Equal(t, int32(1), exchanges.Load())
		assert.True(t, now.Add(time.Hour).Add(-acrTokenLeeway).Equal(client.expiresAt))
	})

	t.Run("Should follow Link headers when listing tags", func(t *testing.T) {
		tags, err := client.ListTags(ctx, "team/app", 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, tags)
	})

	t.Run("Should stop listing tags at the limit", func(t *testing.T) {
		tags, err := client.ListTags(ctx, "team/app", 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, tags)
	})

	t.Run("Should list repositories with their pull URL and next cursor", func(t *testing.T) {
		refs, next, err := client.ListRepositories(ctx, 1, "")
		require.NoError(t, err)
		host := strings.TrimPrefix(server.URL, "http://")
		assert.Equal(t, []RepositoryRef{{Name: "team/app", URL: host + "/team/app", Type: model.RepositoryTypeNone}}, refs)
		assert.Equal(t, "team/app", next)
	})

	t.Run("Should return manifest with content digest header", func(t *testing.T) {
		manifest, err := client.GetManifest(ctx, "team/chart", "1.0.0")
		require.NoError(t, err)
		assert.Equal(t, "sha256:feed", manifest.Digest)
		assert.Equal(t, "application/vnd.cncf.helm.config.v1+json", string(manifest.Config.MediaType))
		require.Len(t, manifest.Layers, 1)
	})

	t.Run("Should surface registry errors with status", func(t *testing.T) {
		_, err := client.GetManifest(ctx, "team/missing", "1")
		require.Error(t, err)
		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	})

	t.Run("Should return no catalog for ACR", func(t *testing.T) {
		names, next, err := client.ListCatalog(ctx, "any", 10, "")
		require.NoError(t, err)
		assert.Empty(t, names)
		assert.Empty(t, next)
	})
}

func TestArtifactoryClient(t *testing.T) {
	ctx := context.Background()
	mux := http.NewServeMux()
	mux.HandleFunc("/artifactory/api/repositories", func(w http.ResponseWriter, r *http.Request) {
		user, _, ok := r.BasicAuth()
		if !ok || user != "login" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Query().Get("packageType") {
		case "docker":
			_, _ = w.Write([]byte(`[{"key": "docker-local", "url": "https://repo/artifactory/docker-local/"}, {"key": "", "url": "x"}]`))
		case "helm":
			_, _ = w.Write([]byte(`[{"key": "helm-local", "url": "https://repo/artifactory/helm-local"}]`))
		}
	})
	mux.HandleFunc("/artifactory/api/docker/docker-local/v2/_catalog", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Link", `</artifactory/api/docker/docker-local/v2/_catalog?last=team%2Fapi&n=2>; rel="next"`)
		_, _ = w.Write([]byte(`{"repositories": ["team/api", "team/web"]}`))
	})
	mux.HandleFunc("/artifactory/api/docker/docker-local/v2/team/api/tags/list", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"tags": ["1.0", "1.1"]}`))
	})
	mux.HandleFunc("/artifactory/api/docker/docker-local/v2/team/api/manifests/1.1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Docker-Content-Digest", "sha256:abc")
		_, _ = w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/artifactory/helm-local/index.yaml", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`apiVersion: v1
entries:
  web:
    - version: 2.0.0
      urls: ["local://charts/web-2.0.0.tgz"]
    - version: 1.0.0
      urls: ["https://cdn.example.com/web-1.0.0.tgz"]
  api:
    - version: 0.1.0
      urls: "api-0.1.0.tgz"
    - urls: ["api-broken.tgz"]
`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := NewArtifactoryClient(model.Registry{
		Name:     "jfrog",
		Provider: model.ProviderJFrog,
		APIURL:   server.URL + "/artifactory/",
		Login:    "login",
		Password: "password",
	})

	t.Run("Should list docker and helm repo keys", func(t *testing.T) {
		refs, next, err := client.ListRepositories(ctx, 100, "")
		require.NoError(t, err)
		assert.Empty(t, next)
		assert.Equal(t, []RepositoryRef{
			{Name: "docker-local", URL: "https://repo/artifactory/docker-local", Type: model.RepositoryTypeDocker},
			{Name: "helm-local", URL: "https://repo/artifactory/helm-local", Type: model.RepositoryTypeHelm},
		}, refs)
	})

	t.Run("Should page the catalog of a repo key", func(t *testing.T) {
		names, next, err := client.ListCatalog(ctx, "docker-local", 2, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"team/api", "team/web"}, names)
		assert.Equal(t, "team/api", next)
	})

	t.Run("Should list tags through the Docker API of the repo key", func(t *testing.T) {
		tags, err := client.ListTags(ctx, "docker-local/team/api", 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"1.0", "1.1"}, tags)
	})

	t.Run("Should resolve digest of a fully qualified image reference", func(t *testing.T) {
		host := strings.TrimPrefix(server.URL, "http://")
		d, err := client.GetImageDigest(ctx, host+"/artifactory/docker-local/team/api:1.1")
		require.NoError(t, err)
		assert.Equal(t, "sha256:abc", d)
	})

	t.Run("Should reject image references of another registry", func(t *testing.T) {
		_, err := client.GetImageDigest(ctx, "elsewhere.io/team/api:1.1")
		assert.Error(t, err)
	})

	t.Run("Should read chart versions from index.yaml", func(t *testing.T) {
		versions, err := client.HelmIndex(ctx, "helm-local")
		require.NoError(t, err)
		base := server.URL + "/artifactory/helm-local"
		assert.Equal(t, []ChartVersion{
			{Chart: "api", Version: "0.1.0", URL: base + "/api-0.1.0.tgz"},
			{Chart: "web", Version: "2.0.0", URL: base + "/charts/web-2.0.0.tgz"},
			{Chart: "web", Version: "1.0.0", URL: "https://cdn.example.com/web-1.0.0.tgz"},
		}, versions)
	})
}

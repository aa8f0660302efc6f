package registry

import (
	"context"
	"encoding/base64"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"github.com/hitrack/hitrack-scanner/pkg/model"
)

// ArtifactoryClient talks to JFrog Artifactory with Basic authentication.
//
// Repositories are Artifactory repo keys. A repo argument of the form
// "<repo-key>/<image path>" is served by the Docker API of that key under
// {api}/api/docker/<repo-key>; any other repo argument is served from {api}/v2.
type ArtifactoryClient struct {
	registry model.Registry
	base     string
	api      v2
}

func NewArtifactoryClient(registry model.Registry, opts ...Option) *ArtifactoryClient {
	o := newOptions(opts)
	c := &ArtifactoryClient{
		registry: registry,
		base:     normalizeBaseURL(registry.APIURL),
	}
	c.api = v2{http: o.httpClient, auth: c.GetToken}
	return c
}

func (c *ArtifactoryClient) Provider() model.Provider {
	return model.ProviderJFrog
}

func (c *ArtifactoryClient) GetToken(context.Context) (Credential, error) {
	if c.registry.Login == "" && c.registry.Token != "" {
		return Credential{Scheme: "Bearer", Token: c.registry.Token}, nil
	}
	token := base64.StdEncoding.EncodeToString([]byte(c.registry.Login + ":" + c.registry.Password))
	return Credential{Scheme: "Basic", Token: token}, nil
}

// ListRepositories lists every docker and helm repo key. Artifactory does not
// page this endpoint, so the cursor is always empty.
func (c *ArtifactoryClient) ListRepositories(ctx context.Context, _ int, _ string) ([]RepositoryRef, string, error) {
	var refs []RepositoryRef
	for _, kind := range []model.RepositoryType{model.RepositoryTypeDocker, model.RepositoryTypeHelm} {
		var body []struct {
			Key string `json:"key"`
			URL string `json:"url"`
		}
		if _, err := c.api.getJSON(ctx, c.base+"/api/repositories?packageType="+string(kind), &body); err != nil {
			return nil, "", xerrors.Errorf("listing %s repositories: %w", kind, err)
		}
		for _, r := range body {
			if r.Key == "" || r.URL == "" {
				continue
			}
			refs = append(refs, RepositoryRef{Name: r.Key, URL: strings.TrimRight(r.URL, "/"), Type: kind})
		}
	}
	return refs, "", nil
}

func (c *ArtifactoryClient) ListTags(ctx context.Context, repo string, limit int) ([]string, error) {
	base, image := c.dockerBase(repo)
	return c.api.tags(ctx, base, image, limit)
}

func (c *ArtifactoryClient) GetManifest(ctx context.Context, repo, reference string) (Manifest, error) {
	base, image := c.dockerBase(repo)
	return c.api.manifest(ctx, base, image, reference, mediaTypeOCIManifest, mediaTypeDockerManifest)
}

func (c *ArtifactoryClient) GetBlob(ctx context.Context, repo, digest string) ([]byte, error) {
	base, image := c.dockerBase(repo)
	return c.api.blob(ctx, base, image, digest)
}

// GetImageDigest resolves refs of the form <api host>/<repo-key>/<image>:<tag>.
func (c *ArtifactoryClient) GetImageDigest(ctx context.Context, imageRef string) (string, error) {
	host := hostPath(c.registry.APIURL)
	if !strings.Contains(imageRef, host) {
		return "", xerrors.Errorf("image %s is not served by registry %s", imageRef, host)
	}
	rest := strings.TrimLeft(strings.SplitN(imageRef, host, 2)[1], "/")
	i := strings.LastIndex(rest, ":")
	if i < 0 {
		return "", xerrors.Errorf("image %s has no tag", imageRef)
	}
	pathPart, tag := rest[:i], rest[i+1:]
	parts := strings.Split(pathPart, "/")
	repoKey, image := parts[0], parts[0]
	if len(parts) > 1 {
		image = strings.Join(parts[1:], "/")
	}
	d, err := c.api.digest(ctx, c.base+"/api/docker/"+repoKey, image, tag, mediaTypeDockerManifest, mediaTypeOCIManifest)
	if err != nil {
		return "", xerrors.Errorf("resolving digest of %s: %w", imageRef, err)
	}
	return d, nil
}

func (c *ArtifactoryClient) ListCatalog(ctx context.Context, repoKey string, pageSize int, last string) ([]string, string, error) {
	return c.api.catalog(ctx, c.base+"/api/docker/"+repoKey, pageSize, last)
}

type helmIndex struct {
	Entries map[string][]struct {
		Version string      `yaml:"version"`
		URLs    interface{} `yaml:"urls"`
		URL     string      `yaml:"url"`
	} `yaml:"entries"`
}

// HelmIndex reads the index.yaml of a native Helm repository and returns
// every chart version with an absolute download URL.
func (c *ArtifactoryClient) HelmIndex(ctx context.Context, repoKey string) ([]ChartVersion, error) {
	repoBase := c.base + "/" + repoKey
	resp, err := c.api.get(ctx, repoBase+"/index.yaml", nil)
	if err != nil {
		return nil, xerrors.Errorf("getting helm index of %s: %w", repoKey, err)
	}
	var index helmIndex
	if err = yaml.Unmarshal(resp.body, &index); err != nil {
		return nil, xerrors.Errorf("decoding helm index of %s: %w", repoKey, err)
	}

	charts := make([]string, 0, len(index.Entries))
	for chart := range index.Entries {
		charts = append(charts, chart)
	}
	sort.Strings(charts)

	var versions []ChartVersion
	for _, chart := range charts {
		for _, entry := range index.Entries[chart] {
			location := firstURL(entry.URLs, entry.URL)
			if entry.Version == "" || location == "" {
				log.WithFields(log.Fields{"repo_key": repoKey, "chart": chart}).Debug("Skipping incomplete index entry")
				continue
			}
			versions = append(versions, ChartVersion{
				Chart:   chart,
				Version: entry.Version,
				URL:     absoluteChartURL(repoBase, location),
			})
		}
	}
	return versions, nil
}

func (c *ArtifactoryClient) DownloadChart(ctx context.Context, chartURL string) ([]byte, error) {
	resp, err := c.api.get(ctx, chartURL, nil)
	if err != nil {
		return nil, xerrors.Errorf("downloading chart: %w", err)
	}
	return resp.body, nil
}

func (c *ArtifactoryClient) dockerBase(repo string) (string, string) {
	if i := strings.Index(repo, "/"); i > 0 {
		return c.base + "/api/docker/" + repo[:i], repo[i+1:]
	}
	return c.base, repo
}

func firstURL(urls interface{}, fallback string) string {
	switch v := urls.(type) {
	case []interface{}:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return s
			}
		}
	case string:
		return v
	}
	return fallback
}

func absoluteChartURL(repoBase, location string) string {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return location
	}
	if strings.HasPrefix(strings.ToLower(location), "local://") {
		location = location[len("local://"):]
	}
	return strings.TrimRight(repoBase, "/") + "/" + strings.TrimLeft(location, "/")
}

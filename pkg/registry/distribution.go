package registry

import (
	"context"

	"github.com/google/go-containerregistry/pkg/name"
	"golang.org/x/xerrors"

	"github.com/hitrack/hitrack-scanner/pkg/model"
)

// DistributionClient speaks the plain distribution API anonymously. It serves
// providers without a dedicated client, such as GCR, Docker Hub and Harbor.
type DistributionClient struct {
	registry model.Registry
	base     string
	host     string
	api      v2
}

func NewDistributionClient(registry model.Registry, opts ...Option) *DistributionClient {
	o := newOptions(opts)
	return &DistributionClient{
		registry: registry,
		base:     normalizeBaseURL(registry.APIURL),
		host:     hostPath(registry.APIURL),
		api:      v2{http: o.httpClient},
	}
}

func (c *DistributionClient) Provider() model.Provider {
	return c.registry.Provider
}

// GetToken returns an empty credential; requests go out unauthenticated.
func (c *DistributionClient) GetToken(context.Context) (Credential, error) {
	return Credential{}, nil
}

func (c *DistributionClient) ListRepositories(ctx context.Context, pageSize int, last string) ([]RepositoryRef, string, error) {
	names, next, err := c.api.catalog(ctx, c.base, pageSize, last)
	if err != nil {
		return nil, "", err
	}
	refs := make([]RepositoryRef, 0, len(names))
	for _, n := range names {
		refs = append(refs, RepositoryRef{Name: n, URL: c.host + "/" + n, Type: model.RepositoryTypeNone})
	}
	return refs, next, nil
}

func (c *DistributionClient) ListTags(ctx context.Context, repo string, limit int) ([]string, error) {
	return c.api.tags(ctx, c.base, repo, limit)
}

func (c *DistributionClient) GetManifest(ctx context.Context, repo, reference string) (Manifest, error) {
	return c.api.manifest(ctx, c.base, repo, reference, mediaTypeOCIManifest, mediaTypeDockerManifest)
}

func (c *DistributionClient) GetBlob(ctx context.Context, repo, digest string) ([]byte, error) {
	return c.api.blob(ctx, c.base, repo, digest)
}

func (c *DistributionClient) GetImageDigest(ctx context.Context, imageRef string) (string, error) {
	ref, err := name.ParseReference(imageRef)
	if err != nil {
		return "", xerrors.Errorf("parsing image reference %s: %w", imageRef, err)
	}
	d, err := c.api.digest(ctx, c.base, ref.Context().RepositoryStr(), ref.Identifier(),
		mediaTypeOCIManifest, mediaTypeDockerManifest)
	if err != nil {
		return "", xerrors.Errorf("resolving digest of %s: %w", imageRef, err)
	}
	return d, nil
}

func (c *DistributionClient) ListCatalog(context.Context, string, int, string) ([]string, string, error) {
	return nil, "", nil
}

package registry

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"golang.org/x/xerrors"

	"github.com/hitrack/hitrack-scanner/pkg/model"
)

// Client talks to one container registry. Implementations are resolved once
// per registry with NewClient.
type Client interface {
	Provider() model.Provider
	// GetToken returns the credential sent with every registry request.
	GetToken(ctx context.Context) (Credential, error)
	// ListRepositories returns one page of repositories and the cursor of the next page.
	ListRepositories(ctx context.Context, pageSize int, last string) ([]RepositoryRef, string, error)
	// ListTags returns up to limit tags of repo in registry order. A limit below
	// one returns every tag.
	ListTags(ctx context.Context, repo string, limit int) ([]string, error)
	GetManifest(ctx context.Context, repo, reference string) (Manifest, error)
	GetBlob(ctx context.Context, repo, digest string) ([]byte, error)
	// GetImageDigest resolves the content digest of a fully qualified image reference.
	GetImageDigest(ctx context.Context, imageRef string) (string, error)
	// ListCatalog lists image names stored under an Artifactory repo key.
	ListCatalog(ctx context.Context, repoKey string, pageSize int, last string) ([]string, string, error)
}

// ChartIndex is implemented by clients that serve native (index.yaml) Helm repositories.
type ChartIndex interface {
	HelmIndex(ctx context.Context, repoKey string) ([]ChartVersion, error)
	DownloadChart(ctx context.Context, chartURL string) ([]byte, error)
}

// Credential is an Authorization header value split into scheme and token.
type Credential struct {
	Scheme string
	Token  string
}

func (c Credential) Header() string {
	return c.Scheme + " " + c.Token
}

// RepositoryRef is a repository as reported by the registry.
type RepositoryRef struct {
	Name string
	URL  string
	Type model.RepositoryType
}

type ChartVersion struct {
	Chart   string
	Version string
	URL     string
}

// Manifest is an image or artifact manifest together with its content digest.
type Manifest struct {
	Raw    []byte
	Digest string
	v1.Manifest
}

func ParseManifest(raw []byte, digest string) (Manifest, error) {
	parsed, err := v1.ParseManifest(bytes.NewReader(raw))
	if err != nil {
		return Manifest{}, xerrors.Errorf("parsing manifest: %w", err)
	}
	return Manifest{Raw: raw, Digest: digest, Manifest: *parsed}, nil
}

// NewClient returns the client implementation of the registry's provider.
// Providers without one get an anonymous DistributionClient.
func NewClient(registry model.Registry, options ...Option) (Client, error) {
	if strings.TrimSpace(registry.APIURL) == "" {
		return nil, xerrors.Errorf("registry %s has no API URL", registry.Name)
	}
	switch registry.Provider {
	case model.ProviderACR:
		return NewACRClient(registry, options...), nil
	case model.ProviderJFrog:
		return NewArtifactoryClient(registry, options...), nil
	case "":
		return nil, xerrors.Errorf("registry %s has no provider", registry.Name)
	default:
		return NewDistributionClient(registry, options...), nil
	}
}

// ImageRefRepoKey returns the first path segment of imageRef after the registry
// base, e.g. the Artifactory repo key. It returns "" when imageRef does not
// live under base.
func ImageRefRepoKey(base, imageRef string) string {
	base = hostPath(base)
	if base == "" || imageRef == "" || !strings.Contains(imageRef, base) {
		return ""
	}
	rest := strings.TrimLeft(strings.SplitN(imageRef, base, 2)[1], "/")
	if i := strings.LastIndex(rest, ":"); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" {
		return ""
	}
	return strings.Split(rest, "/")[0]
}

// BuildFallbackImageRef rewrites imageRef onto the fallback repository: the
// original host is dropped and path and tag are appended to fallbackURL.
func BuildFallbackImageRef(fallbackURL, imageRef string) string {
	base := hostPath(fallbackURL)
	if base == "" || imageRef == "" {
		return ""
	}
	pathPart, tag := imageRef, "latest"
	if i := strings.LastIndex(imageRef, ":"); i >= 0 && !strings.Contains(imageRef[i:], "/") {
		pathPart, tag = imageRef[:i], imageRef[i+1:]
	}
	parts := strings.Split(pathPart, "/")
	withoutHost := pathPart
	if len(parts) > 1 {
		withoutHost = strings.Join(parts[1:], "/")
	}
	return fmt.Sprintf("%s/%s:%s", base, withoutHost, tag)
}

// RepositoryPath is the repo argument the Client methods expect for a tag:
// the repository name, or "<repo-key>/<image path>" for Artifactory sub images.
func RepositoryPath(repository model.Repository, imagePath string) string {
	if imagePath == "" {
		return repository.Name
	}
	return repository.Name + "/" + strings.Trim(imagePath, "/")
}

// ImageReference builds the pullable reference of a tag. Artifactory sub
// images live under the API host of the registry, everything else under the
// repository URL.
func ImageReference(repository model.Repository, imagePath, tag string) string {
	if imagePath != "" && repository.Registry != nil {
		return fmt.Sprintf("%s/%s:%s", hostPath(repository.Registry.APIURL), RepositoryPath(repository, imagePath), tag)
	}
	base := hostPath(repository.URL)
	if base == "" && repository.Registry != nil {
		base = hostPath(repository.Registry.APIURL) + "/" + repository.Name
	}
	return base + ":" + tag
}

// ImageHost returns the registry host of an image reference.
func ImageHost(imageRef string) string {
	parts := strings.SplitN(imageRef, "/", 2)
	first := parts[0]
	if len(parts) == 1 || (!strings.ContainsAny(first, ".:") && first != "localhost") {
		return name.DefaultRegistry
	}
	return first
}

// hostPath strips the scheme and trailing slashes of a URL.
func hostPath(raw string) string {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	if i := strings.Index(raw, "://"); i >= 0 {
		raw = raw[i+3:]
	}
	return raw
}

package registry

import (
	"context"
	"encoding/base64"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-containerregistry/pkg/name"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/hitrack/hitrack-scanner/pkg/ext"
	"github.com/hitrack/hitrack-scanner/pkg/model"
)

const (
	acrTokenScope = "repository:*:* registry:catalog:*"
	// acrTokenLeeway renews a token this long before it expires.
	acrTokenLeeway = 30 * time.Second
	// acrTokenTTL is assumed for tokens without a readable exp claim.
	acrTokenTTL = 5 * time.Minute
)

// ACRClient talks to Azure Container Registry. Requests carry a bearer token
// obtained through the registry's OAuth2 exchange endpoint.
type ACRClient struct {
	registry model.Registry
	base     string
	host     string
	clock    ext.Clock
	anon     v2
	api      v2

	mu        sync.Mutex
	token     Credential
	expiresAt time.Time
}

func NewACRClient(registry model.Registry, opts ...Option) *ACRClient {
	o := newOptions(opts)
	c := &ACRClient{
		registry: registry,
		base:     normalizeBaseURL(registry.APIURL),
		host:     hostPath(registry.APIURL),
		clock:    o.clock,
		anon:     v2{http: o.httpClient},
	}
	c.api = v2{http: o.httpClient, auth: c.GetToken}
	return c
}

func (c *ACRClient) Provider() model.Provider {
	return model.ProviderACR
}

// GetToken returns the cached bearer token, exchanging the registry
// credentials for a new one when it is about to expire.
func (c *ACRClient) GetToken(ctx context.Context) (Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token.Token != "" && c.clock.Now().Before(c.expiresAt) {
		return c.token, nil
	}

	query := url.Values{"service": {c.host}, "scope": {acrTokenScope}}
	basic := base64.StdEncoding.EncodeToString([]byte(c.registry.Login + ":" + c.registry.Password))
	exchange := v2{http: c.anon.http, auth: func(context.Context) (Credential, error) {
		return Credential{Scheme: "Basic", Token: basic}, nil
	}}
	var body struct {
		AccessToken string `json:"access_token"`
	}
	if _, err := exchange.getJSON(ctx, c.base+"/oauth2/token?"+query.Encode(), &body); err != nil {
		return Credential{}, xerrors.Errorf("getting ACR bearer token: %w", err)
	}
	if body.AccessToken == "" {
		return Credential{}, xerrors.New("getting ACR bearer token: empty access_token")
	}

	c.token = Credential{Scheme: "Bearer", Token: body.AccessToken}
	c.expiresAt = c.clock.Now().Add(acrTokenTTL)
	if exp, ok := tokenExpiry(body.AccessToken); ok {
		c.expiresAt = exp.Add(-acrTokenLeeway)
	}
	log.WithFields(log.Fields{"registry": c.registry.Name, "expires_at": c.expiresAt}).Debug("Obtained ACR bearer token")
	return c.token, nil
}

func (c *ACRClient) ListRepositories(ctx context.Context, pageSize int, last string) ([]RepositoryRef, string, error) {
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

func (c *ACRClient) ListTags(ctx context.Context, repo string, limit int) ([]string, error) {
	return c.api.tags(ctx, c.base, repo, limit)
}

func (c *ACRClient) GetManifest(ctx context.Context, repo, reference string) (Manifest, error) {
	return c.api.manifest(ctx, c.base, repo, reference, mediaTypeOCIManifest, mediaTypeDockerManifest)
}

func (c *ACRClient) GetBlob(ctx context.Context, repo, digest string) ([]byte, error) {
	return c.api.blob(ctx, c.base, repo, digest)
}

func (c *ACRClient) GetImageDigest(ctx context.Context, imageRef string) (string, error) {
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

// ListCatalog is an Artifactory concept; ACR has no repo keys.
func (c *ACRClient) ListCatalog(context.Context, string, int, string) ([]string, string, error) {
	return nil, "", nil
}

func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time.UTC(), true
}

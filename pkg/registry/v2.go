package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/context/ctxhttp"
	"golang.org/x/xerrors"

	"github.com/hitrack/hitrack-scanner/pkg/ext"
)

const (
	defaultPageSize = 500
	maxPages        = 1000
	maxErrorBody    = 512

	mediaTypeOCIManifest    = "application/vnd.oci.image.manifest.v1+json"
	mediaTypeDockerManifest = "application/vnd.docker.distribution.manifest.v2+json"
)

var (
	linkNextRegexp  = regexp.MustCompile(`<([^>]+)>\s*;\s*rel="?next"?`)
	linkLastRegexp  = regexp.MustCompile(`last=([^&>]+)`)
	defaultHTTPTime = 30 * time.Second
)

// StatusError is returned for registry responses outside the 2xx range.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d: %s", e.URL, e.StatusCode, e.Body)
}

type Option func(*options)

type options struct {
	httpClient *http.Client
	clock      ext.Clock
}

func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

func WithClock(clock ext.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

func newOptions(opts []Option) options {
	o := options{
		httpClient: &http.Client{Timeout: defaultHTTPTime},
		clock:      ext.DefaultClock,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// v2 implements the Docker Registry HTTP API V2 calls shared by all providers.
type v2 struct {
	http *http.Client
	auth func(ctx context.Context) (Credential, error)
}

type response struct {
	header http.Header
	body   []byte
	url    *url.URL
}

func (c *v2) get(ctx context.Context, rawURL string, header http.Header) (*response, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, xerrors.Errorf("building request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.auth != nil {
		credential, err := c.auth(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", credential.Header())
	}

	log.WithField("url", rawURL).Trace("Registry request")
	resp, err := ctxhttp.Do(ctx, c.http, req)
	if err != nil {
		return nil, xerrors.Errorf("GET %s: %w", rawURL, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, xerrors.Errorf("reading response of %s: %w", rawURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, &StatusError{URL: rawURL, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return &response{header: resp.Header, body: body, url: req.URL}, nil
}

func (c *v2) getJSON(ctx context.Context, rawURL string, target interface{}) (*response, error) {
	resp, err := c.get(ctx, rawURL, http.Header{"Accept": {"application/json"}})
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal(resp.body, target); err != nil {
		return nil, xerrors.Errorf("decoding response of %s: %w", rawURL, err)
	}
	return resp, nil
}

func (c *v2) tags(ctx context.Context, base, repo string, limit int) ([]string, error) {
	pageSize := defaultPageSize
	if limit > 0 && limit < pageSize {
		pageSize = limit
	}
	next := fmt.Sprintf("%s/v2/%s/tags/list?n=%d", base, repo, pageSize)
	var tags []string
	for page := 0; next != "" && page < maxPages; page++ {
		var body struct {
			Tags []string `json:"tags"`
		}
		resp, err := c.getJSON(ctx, next, &body)
		if err != nil {
			return nil, xerrors.Errorf("listing tags of %s: %w", repo, err)
		}
		tags = append(tags, body.Tags...)
		if limit > 0 && len(tags) >= limit {
			return tags[:limit], nil
		}
		next = nextLink(resp)
	}
	return tags, nil
}

func (c *v2) catalog(ctx context.Context, base string, pageSize int, last string) ([]string, string, error) {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	query := url.Values{"n": {strconv.Itoa(pageSize)}}
	if last != "" {
		query.Set("last", last)
	}
	var body struct {
		Repositories []string `json:"repositories"`
	}
	resp, err := c.getJSON(ctx, base+"/v2/_catalog?"+query.Encode(), &body)
	if err != nil {
		return nil, "", xerrors.Errorf("listing catalog: %w", err)
	}
	return body.Repositories, nextCursor(resp), nil
}

func (c *v2) manifest(ctx context.Context, base, repo, reference string, accept ...string) (Manifest, error) {
	resp, err := c.get(ctx, fmt.Sprintf("%s/v2/%s/manifests/%s", base, repo, reference),
		http.Header{"Accept": {strings.Join(accept, ", ")}})
	if err != nil {
		return Manifest{}, xerrors.Errorf("getting manifest %s:%s: %w", repo, reference, err)
	}
	contentDigest := resp.header.Get("Docker-Content-Digest")
	if contentDigest == "" {
		contentDigest = digest.FromBytes(resp.body).String()
	}
	return ParseManifest(resp.body, contentDigest)
}

func (c *v2) digest(ctx context.Context, base, repo, reference string, accept ...string) (string, error) {
	resp, err := c.get(ctx, fmt.Sprintf("%s/v2/%s/manifests/%s", base, repo, reference),
		http.Header{"Accept": {strings.Join(accept, ", ")}})
	if err != nil {
		return "", err
	}
	if d := resp.header.Get("Docker-Content-Digest"); d != "" {
		return d, nil
	}
	return digest.FromBytes(resp.body).String(), nil
}

func (c *v2) blob(ctx context.Context, base, repo, blobDigest string) ([]byte, error) {
	if _, err := digest.Parse(blobDigest); err != nil {
		return nil, xerrors.Errorf("invalid blob digest %q: %w", blobDigest, err)
	}
	resp, err := c.get(ctx, fmt.Sprintf("%s/v2/%s/blobs/%s", base, repo, blobDigest), nil)
	if err != nil {
		return nil, xerrors.Errorf("getting blob %s of %s: %w", blobDigest, repo, err)
	}
	return resp.body, nil
}

// nextLink resolves the rel="next" Link header against the request URL.
func nextLink(resp *response) string {
	m := linkNextRegexp.FindStringSubmatch(resp.header.Get("Link"))
	if m == nil {
		return ""
	}
	ref, err := url.Parse(m[1])
	if err != nil {
		return ""
	}
	return resp.url.ResolveReference(ref).String()
}

// nextCursor extracts the `last` parameter of the rel="next" Link header.
func nextCursor(resp *response) string {
	link := resp.header.Get("Link")
	if !strings.Contains(link, "next") {
		return ""
	}
	m := linkLastRegexp.FindStringSubmatch(link)
	if m == nil {
		return ""
	}
	if last, err := url.QueryUnescape(m[1]); err == nil {
		return last
	}
	return m[1]
}

// normalizeBaseURL trims trailing slashes and defaults the scheme to https.
func normalizeBaseURL(raw string) string {
	base := strings.TrimRight(strings.TrimSpace(raw), "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	return base
}

package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-version"
	"github.com/samber/lo"
	"golang.org/x/net/context/ctxhttp"
	"golang.org/x/xerrors"

	"github.com/hitrack/hitrack-scanner/pkg/etc"
	"github.com/hitrack/hitrack-scanner/pkg/ext"
	"github.com/hitrack/hitrack-scanner/pkg/metrics"
)

var (
	ErrUnsupported = xerrors.New("unsupported package type")
	ErrNoVersion   = xerrors.New("no version published")
)

// Lookup finds the latest published version of a package in one ecosystem.
type Lookup interface {
	Latest(ctx context.Context, p Purl) (string, error)
}

type LookupFunc func(ctx context.Context, p Purl) (string, error)

func (f LookupFunc) Latest(ctx context.Context, p Purl) (string, error) {
	return f(ctx, p)
}

// Resolver dispatches lookups by purl type.
type Resolver struct {
	lookups map[string]Lookup
	timeout time.Duration
}

func NewResolver(config etc.Upstream, tools etc.Tools, client *http.Client, ambassador ext.Ambassador) *Resolver {
	if client == nil {
		client = http.DefaultClient
	}
	h := &httpLookups{config: config, client: client}
	d := &debLookup{aptCache: tools.AptPath, ambassador: ambassador}
	return &Resolver{
		timeout: config.Timeout,
		lookups: map[string]Lookup{
			"pypi":   LookupFunc(h.pypi),
			"npm":    LookupFunc(h.npm),
			"nuget":  LookupFunc(h.nuget),
			"golang": LookupFunc(h.golang),
			"deb":    d,
		},
	}
}

// Latest resolves the latest version of the package a purl names.
func (r *Resolver) Latest(ctx context.Context, rawPurl string) (latest string, err error) {
	p, err := ParsePurl(rawPurl)
	if err != nil {
		return "", err
	}
	lookup, ok := r.lookups[p.Type]
	if !ok {
		return "", xerrors.Errorf("%s: %w", p.Type, ErrUnsupported)
	}
	defer func() {
		metrics.IncUpstreamLookup(p.Type, err)
	}()
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	latest, err = lookup.Latest(ctx, p)
	if err == nil && latest == "" {
		err = xerrors.Errorf("%s: %w", p.FullName(), ErrNoVersion)
	}
	return
}

type httpLookups struct {
	config etc.Upstream
	client *http.Client
}

func (h *httpLookups) getJSON(ctx context.Context, rawURL string, v interface{}) error {
	resp, err := ctxhttp.Get(ctx, h.client, rawURL)
	if err != nil {
		return xerrors.Errorf("GET %s: %w", rawURL, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return xerrors.Errorf("GET %s: unexpected status %d", rawURL, resp.StatusCode)
	}
	if err = json.NewDecoder(resp.Body).Decode(v); err != nil {
		return xerrors.Errorf("decoding %s: %w", rawURL, err)
	}
	return nil
}

func (h *httpLookups) pypi(ctx context.Context, p Purl) (string, error) {
	var doc struct {
		Info struct {
			Version string `json:"version"`
		} `json:"info"`
	}
	u := strings.TrimSuffix(h.config.PyPIURL, "/") + "/" + url.PathEscape(p.Name) + "/json"
	if err := h.getJSON(ctx, u, &doc); err != nil {
		return "", err
	}
	return doc.Info.Version, nil
}

func (h *httpLookups) npm(ctx context.Context, p Purl) (string, error) {
	var doc struct {
		DistTags struct {
			Latest string `json:"latest"`
		} `json:"dist-tags"`
	}
	name := p.Name
	if p.Namespace != "" {
		name = url.PathEscape(p.Namespace + "/" + p.Name)
	}
	u := strings.TrimSuffix(h.config.NPMURL, "/") + "/" + name
	if err := h.getJSON(ctx, u, &doc); err != nil {
		return "", err
	}
	return doc.DistTags.Latest, nil
}

func (h *httpLookups) nuget(ctx context.Context, p Purl) (string, error) {
	var doc struct {
		Versions []string `json:"versions"`
	}
	u := strings.TrimSuffix(h.config.NuGetURL, "/") + "/" + url.PathEscape(p.Name) + "/index.json"
	if err := h.getJSON(ctx, u, &doc); err != nil {
		return "", err
	}
	return highest(doc.Versions, false), nil
}

type goRelease struct {
	Version string `json:"version"`
	Stable  bool   `json:"stable"`
}

func (h *httpLookups) golang(ctx context.Context, p Purl) (string, error) {
	if p.Namespace == "" && p.Name == "stdlib" {
		var releases []goRelease
		if err := h.getJSON(ctx, h.config.GoDLURL, &releases); err != nil {
			return "", err
		}
		stable := lo.FilterMap(releases, func(r goRelease, _ int) (string, bool) {
			return strings.TrimPrefix(r.Version, "go"), r.Stable
		})
		return highest(stable, true), nil
	}

	var info struct {
		Version string `json:"Version"`
	}
	u := strings.TrimSuffix(h.config.GoProxyURL, "/") + "/" + p.FullName() + "/@latest"
	if err := h.getJSON(ctx, u, &info); err != nil {
		return "", err
	}
	return strings.TrimPrefix(info.Version, "v"), nil
}

// highest returns the greatest parseable version. Pre-releases are ignored
// when stableOnly is set; unparseable entries are ignored always.
func highest(candidates []string, stableOnly bool) string {
	var parsed []*version.Version
	raw := make(map[*version.Version]string)
	for _, c := range candidates {
		v, err := version.NewVersion(c)
		if err != nil || (stableOnly && v.Prerelease() != "") {
			continue
		}
		parsed = append(parsed, v)
		raw[v] = c
	}
	if len(parsed) == 0 {
		return ""
	}
	sort.Sort(version.Collection(parsed))
	return raw[parsed[len(parsed)-1]]
}

// debLookup asks the local apt cache for the candidate version.
type debLookup struct {
	aptCache   string
	ambassador ext.Ambassador
}

func (d *debLookup) Latest(ctx context.Context, p Purl) (string, error) {
	cmd := exec.CommandContext(ctx, d.aptCache, "policy", p.Name)
	cmd.Env = d.ambassador.Environ()
	out, err := d.ambassador.RunCmd(cmd)
	if err != nil {
		return "", xerrors.Errorf("apt-cache policy %s: %s: %w", p.Name, ext.DescribeCmdError(err), err)
	}
	return parseCandidate(out), nil
}

func parseCandidate(policy []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(policy))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if candidate, ok := strings.CutPrefix(line, "Candidate:"); ok {
			candidate = strings.TrimSpace(candidate)
			if candidate == "(none)" {
				return ""
			}
			return candidate
		}
	}
	return ""
}

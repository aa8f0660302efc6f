package manifest

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/hitrack/hitrack-scanner/pkg/registry"
)

var ErrUnresolved = xerrors.New("image could not be resolved")

// Fallback is a docker repository consulted when a chart image does not
// resolve against its own registry.
type Fallback struct {
	URL    string
	Client registry.Client
}

// Resolution is the outcome of resolving one chart image.
type Resolution struct {
	Ref    string
	Digest string
	// Fallback is set when Ref was rewritten onto a fallback repository.
	Fallback bool
}

type Resolver struct {
	renderer Renderer
}

func NewResolver(renderer Renderer) *Resolver {
	return &Resolver{renderer: renderer}
}

// HelmImages downloads the chart blob of an OCI chart and returns the images
// it references. Failures are logged and yield an empty list.
func (r *Resolver) HelmImages(ctx context.Context, client registry.Client, repo, chartDigest string) []string {
	logger := log.WithFields(log.Fields{"repository": repo, "chart_digest": chartDigest})
	blob, err := client.GetBlob(ctx, repo, chartDigest)
	if err != nil {
		logger.WithError(err).Error("Error while downloading chart")
		return []string{}
	}
	images, err := r.renderer.Images(ctx, blob)
	if err != nil {
		logger.WithError(err).Error("Error while rendering chart")
		return []string{}
	}
	return images
}

// NativeHelmImages does the same for a chart served from an index.yaml repository.
func (r *Resolver) NativeHelmImages(ctx context.Context, index registry.ChartIndex, chartURL string) []string {
	logger := log.WithField("chart_url", chartURL)
	chart, err := index.DownloadChart(ctx, chartURL)
	if err != nil {
		logger.WithError(err).Error("Error while downloading chart")
		return []string{}
	}
	images, err := r.renderer.Images(ctx, chart)
	if err != nil {
		logger.WithError(err).Error("Error while rendering chart")
		return []string{}
	}
	return images
}

// ResolveWithFallback resolves the digest of ref against primary, then against
// every fallback in order. The first success wins.
func (r *Resolver) ResolveWithFallback(ctx context.Context, ref string, primary registry.Client, fallbacks []Fallback) (Resolution, error) {
	var failures []string
	if primary != nil {
		d, err := primary.GetImageDigest(ctx, ref)
		if err == nil && d != "" {
			return Resolution{Ref: ref, Digest: d}, nil
		}
		failures = append(failures, failure(ref, err))
	}

	for _, fallback := range fallbacks {
		candidate := registry.BuildFallbackImageRef(fallback.URL, ref)
		if candidate == "" || fallback.Client == nil {
			continue
		}
		d, err := fallback.Client.GetImageDigest(ctx, candidate)
		if err == nil && d != "" {
			log.WithFields(log.Fields{"image": ref, "fallback": candidate}).Info("Resolved image through fallback repository")
			return Resolution{Ref: candidate, Digest: d, Fallback: true}, nil
		}
		failures = append(failures, failure(candidate, err))
	}
	return Resolution{}, xerrors.Errorf("%s: %w: %s", ref, ErrUnresolved, strings.Join(failures, "; "))
}

func failure(ref string, err error) string {
	if err == nil {
		return ref + ": empty digest"
	}
	return ref + ": " + err.Error()
}

package manifest

import (
	"strings"

	"github.com/opencontainers/go-digest"
	"golang.org/x/xerrors"

	"github.com/hitrack/hitrack-scanner/pkg/model"
	"github.com/hitrack/hitrack-scanner/pkg/registry"
)

const (
	HelmConfigMediaType    = "application/vnd.cncf.helm.config.v1+json"
	ArtifactTypeAnnotation = "org.opencontainers.artifact.type"
	HelmArtifactType       = "helm.chart"
)

var ErrNoChartLayer = xerrors.New("manifest has no tar+gzip chart layer")

// Kind tells a Helm chart artifact from a container image.
func Kind(m registry.Manifest) model.RepositoryType {
	if string(m.Config.MediaType) == HelmConfigMediaType || m.Annotations[ArtifactTypeAnnotation] == HelmArtifactType {
		return model.RepositoryTypeHelm
	}
	return model.RepositoryTypeDocker
}

// ChartDigest returns the digest of the first tar+gzip layer.
func ChartDigest(m registry.Manifest) (string, error) {
	for _, layer := range m.Layers {
		if !strings.HasSuffix(string(layer.MediaType), "tar+gzip") {
			continue
		}
		d, err := digest.Parse(layer.Digest.String())
		if err != nil {
			return "", xerrors.Errorf("invalid chart layer digest: %w", err)
		}
		return d.String(), nil
	}
	return "", ErrNoChartLayer
}

package manifest

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"regexp"
	"sort"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/hitrack/hitrack-scanner/pkg/etc"
	"github.com/hitrack/hitrack-scanner/pkg/ext"
)

var imageRegexp = regexp.MustCompile(`image:\s*["']?([\w./-]+:[\w.\-]+)`)

// Renderer renders a packaged chart and returns the images it references.
type Renderer interface {
	Images(ctx context.Context, chart []byte) ([]string, error)
}

type helmRenderer struct {
	config     etc.Tools
	ambassador ext.Ambassador
}

func NewHelmRenderer(config etc.Tools, ambassador ext.Ambassador) Renderer {
	return &helmRenderer{
		config:     config,
		ambassador: ambassador,
	}
}

// Images runs `helm template` on the chart archive. Output of a failed render
// is still scanned; only a render that produced nothing is an error.
func (r *helmRenderer) Images(ctx context.Context, chart []byte) ([]string, error) {
	file, err := r.ambassador.TempFile(r.config.WorkDir, "chart-*.tgz")
	if err != nil {
		return nil, xerrors.Errorf("creating chart file: %w", err)
	}
	defer func() {
		if err := r.ambassador.RemoveAll(file.Name()); err != nil {
			log.WithError(err).Warn("Error while removing chart file")
		}
	}()
	if _, err = file.Write(chart); err != nil {
		_ = file.Close()
		return nil, xerrors.Errorf("writing chart file: %w", err)
	}
	if err = file.Close(); err != nil {
		return nil, xerrors.Errorf("closing chart file: %w", err)
	}

	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, r.config.HelmPath, "template", "scan", file.Name(), "--skip-tests")
	cmd.Env = r.ambassador.Environ()

	stdout, err := r.ambassador.RunCmd(cmd)
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || len(bytes.TrimSpace(stdout)) == 0 {
			return nil, xerrors.Errorf("running helm template: %s: %w", ext.DescribeCmdError(err), err)
		}
		log.WithField("error", ext.DescribeCmdError(err)).Warn("Helm template failed, scanning partial output")
	}
	return ExtractImages(stdout), nil
}

// ExtractImages returns the sorted distinct image references found in rendered manifests.
func ExtractImages(rendered []byte) []string {
	matches := imageRegexp.FindAllSubmatch(rendered, -1)
	images := lo.Uniq(lo.Map(matches, func(m [][]byte, _ int) string {
		return string(m[1])
	}))
	sort.Strings(images)
	return images
}

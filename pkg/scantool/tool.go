package scantool

import (
	"context"
	"os/exec"
	"regexp"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/hitrack/hitrack-scanner/pkg/etc"
	"github.com/hitrack/hitrack-scanner/pkg/ext"
)

const maxImageRefLength = 200

var (
	imageRefRegexp = regexp.MustCompile(`^[a-zA-Z0-9._/-]+(:[a-zA-Z0-9._-]+)?$`)

	ErrUnsafeImageRef = xerrors.New("unsafe image reference")
	ErrMalformed      = xerrors.New("malformed document")
)

// RegistryAuth wraps registry credentials. Bearer wins over Username and Password.
type RegistryAuth struct {
	Username string
	Password string
	Bearer   string
}

func (a RegistryAuth) IsEmpty() bool {
	return a.Bearer == "" && (a.Username == "" || a.Password == "")
}

func (a RegistryAuth) authenticator() authn.Authenticator {
	if a.Bearer != "" {
		return &authn.Bearer{Token: a.Bearer}
	}
	return &authn.Basic{Username: a.Username, Password: a.Password}
}

type ImageRequest struct {
	Ref  string
	Auth RegistryAuth
}

type SBOMResult struct {
	SBOM []byte
	// Digest is the digest of the pulled image manifest.
	Digest string
}

type ScanResult struct {
	Raw    []byte
	Report Report
}

// Tool produces SBOMs and vulnerability reports by running syft and grype.
type Tool interface {
	GenerateSBOM(ctx context.Context, req ImageRequest) (SBOMResult, error)
	Scan(ctx context.Context, sbom []byte) (ScanResult, error)
}

type tool struct {
	config     etc.Tools
	ambassador ext.Ambassador
}

func NewTool(config etc.Tools, ambassador ext.Ambassador) Tool {
	return &tool{
		config:     config,
		ambassador: ambassador,
	}
}

// ValidateImageRef rejects references that could smuggle arguments into the
// tool command lines.
func ValidateImageRef(ref string) error {
	if len(ref) >= maxImageRefLength || !imageRefRegexp.MatchString(ref) {
		return xerrors.Errorf("%q: %w", ref, ErrUnsafeImageRef)
	}
	if _, err := name.ParseReference(ref); err != nil {
		return xerrors.Errorf("%q: %w: %v", ref, ErrUnsafeImageRef, err)
	}
	return nil
}

func (t *tool) GenerateSBOM(ctx context.Context, req ImageRequest) (result SBOMResult, err error) {
	if err = ValidateImageRef(req.Ref); err != nil {
		return
	}
	logger := log.WithField("image", req.Ref)
	logger.Debug("Started generating SBOM")

	img, err := t.pull(ctx, req)
	if err != nil {
		return
	}
	d, err := img.Digest()
	if err != nil {
		return result, xerrors.Errorf("getting image digest: %w", err)
	}
	result.Digest = d.String()

	layoutDir, err := t.ambassador.MkdirTemp(t.config.WorkDir, "oci-*")
	if err != nil {
		return result, xerrors.Errorf("creating layout dir: %w", err)
	}
	defer t.remove(layoutDir)
	if err = t.ambassador.WriteLayout(layoutDir, img); err != nil {
		return result, xerrors.Errorf("writing image layout: %w", err)
	}

	sbomFile, err := t.tempFile("sbom-*.json", nil)
	if err != nil {
		return
	}
	defer t.remove(sbomFile)

	if err = t.run(ctx, t.config.SyftPath, "oci-dir:"+layoutDir, "--output", "json="+sbomFile); err != nil {
		return result, xerrors.Errorf("running syft: %w", err)
	}
	if result.SBOM, err = t.ambassador.ReadFile(sbomFile); err != nil {
		return result, xerrors.Errorf("reading SBOM: %w", err)
	}
	logger.WithField("digest", result.Digest).Debug("Finished generating SBOM")
	return
}

func (t *tool) Scan(ctx context.Context, sbom []byte) (result ScanResult, err error) {
	sbomFile, err := t.tempFile("sbom-*.json", sbom)
	if err != nil {
		return
	}
	defer t.remove(sbomFile)

	reportFile, err := t.tempFile("grype-*.json", nil)
	if err != nil {
		return
	}
	defer t.remove(reportFile)

	if err = t.run(ctx, t.config.GrypePath, "sbom:"+sbomFile, "--output", "json", "--file", reportFile); err != nil {
		return result, xerrors.Errorf("running grype: %w", err)
	}
	if result.Raw, err = t.ambassador.ReadFile(reportFile); err != nil {
		return result, xerrors.Errorf("reading scan report: %w", err)
	}
	result.Report, err = ParseReport(result.Raw)
	return
}

// pull fetches the image anonymously first and once more with the registry
// credentials when that fails.
func (t *tool) pull(ctx context.Context, req ImageRequest) (v1.Image, error) {
	var opts []name.Option
	if t.config.Insecure {
		opts = append(opts, name.Insecure)
	}
	ref, err := name.ParseReference(req.Ref, opts...)
	if err != nil {
		return nil, xerrors.Errorf("parsing image reference: %w", err)
	}
	if t.config.PullTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.PullTimeout)
		defer cancel()
	}

	img, err := t.ambassador.RemoteImage(ref, remote.WithContext(ctx), remote.WithAuth(authn.Anonymous))
	if err == nil {
		return img, nil
	}
	if req.Auth.IsEmpty() {
		return nil, xerrors.Errorf("pulling image %s without registry credentials: %w", req.Ref, err)
	}
	log.WithField("image", req.Ref).WithError(err).Info("Anonymous pull failed, retrying with registry credentials")
	img, err = t.ambassador.RemoteImage(ref, remote.WithContext(ctx), remote.WithAuth(req.Auth.authenticator()))
	if err != nil {
		return nil, xerrors.Errorf("pulling image %s: %w", req.Ref, err)
	}
	return img, nil
}

func (t *tool) run(ctx context.Context, executable string, args ...string) error {
	if t.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, executable, args...)
	cmd.Env = t.ambassador.Environ()
	log.WithField("args", cmd.Args).Trace("Running command")
	if _, err := t.ambassador.RunCmd(cmd); err != nil {
		return xerrors.Errorf("%s: %w", ext.DescribeCmdError(err), err)
	}
	return nil
}

// tempFile creates a file in the work dir holding content and returns its path.
func (t *tool) tempFile(pattern string, content []byte) (string, error) {
	f, err := t.ambassador.TempFile(t.config.WorkDir, pattern)
	if err != nil {
		return "", xerrors.Errorf("creating temp file: %w", err)
	}
	if len(content) > 0 {
		if _, err = f.Write(content); err != nil {
			_ = f.Close()
			t.remove(f.Name())
			return "", xerrors.Errorf("writing temp file: %w", err)
		}
	}
	if err = f.Close(); err != nil {
		return "", xerrors.Errorf("closing temp file: %w", err)
	}
	return f.Name(), nil
}

func (t *tool) remove(path string) {
	if err := t.ambassador.RemoveAll(path); err != nil {
		log.WithError(err).WithField("path", path).Warn("Error while removing temporary path")
	}
}

package scantool

import (
	"context"
	"errors"
	"net/http/httptest"
	"net/url"
	"os"
	"os/exec"
	"testing"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/registry"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/random"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hitrack/hitrack-scanner/pkg/etc"
	"github.com/hitrack/hitrack-scanner/pkg/ext"
)

const (
	sampleSBOM = `{
	"artifacts": [
		{
			"name": "openssl",
			"version": "3.0.2-0ubuntu1.10",
			"type": "deb",
			"purl": "pkg:deb/ubuntu/openssl@3.0.2-0ubuntu1.10?arch=amd64",
			"cpes": ["cpe:2.3:a:openssl:openssl:3.0.2:*:*:*:*:*:*:*"],
			"locations": [{"path": "/var/lib/dpkg/status", "layerID": "sha256:aaa"}]
		},
		{
			"name": "requests",
			"version": "2.31.0",
			"type": "python",
			"cpes": [{"cpe": "cpe:2.3:a:python:requests:2.31.0:*:*:*:*:*:*:*", "source": "syft-generated"}],
			"locations": [{"path": "/usr/lib/python3/dist-packages", "layerID": "sha256:bbb", "annotations": {"evidence": "primary"}}]
		}
	]
}`
	sampleReport = `{
	"matches": [
		{
			"vulnerability": {
				"id": "CVE-2023-0286",
				"severity": "High",
				"description": "X.400 address type confusion",
				"epss": [{"cve": "CVE-2023-0286", "epss": 0.0123, "percentile": 0.8}],
				"fix": {"versions": ["3.0.2-0ubuntu1.8"], "state": "fixed"}
			},
			"artifact": {"name": "openssl", "version": "3.0.2-0ubuntu1.10", "type": "deb"}
		},
		{
			"vulnerability": {
				"id": "GHSA-j8r2-6x86-q33q",
				"severity": "Medium",
				"epss": 0.5,
				"fix": {"versions": [], "state": "not-fixed"}
			},
			"artifact": {"name": "requests", "version": "2.31.0", "type": "python"}
		}
	]
}`
)

func TestParseSBOM(t *testing.T) {
	sbom, err := ParseSBOM([]byte(sampleSBOM))
	require.NoError(t, err)
	require.Len(t, sbom.Artifacts, 2)

	assert.Equal(t, CPEs{"cpe:2.3:a:openssl:openssl:3.0.2:*:*:*:*:*:*:*"}, sbom.Artifacts[0].CPEs)
	assert.Equal(t, "sha256:aaa", sbom.Artifacts[0].Locations[0].LayerID)
	assert.Equal(t, CPEs{"cpe:2.3:a:python:requests:2.31.0:*:*:*:*:*:*:*"}, sbom.Artifacts[1].CPEs)
	assert.Equal(t, "primary", sbom.Artifacts[1].Locations[0].EvidenceType())

	_, err = ParseSBOM([]byte("{"))
	assert.Error(t, err)
}

func TestParseReport(t *testing.T) {
	report, err := ParseReport([]byte(sampleReport))
	require.NoError(t, err)
	require.Len(t, report.Matches, 2)

	assert.Equal(t, EPSS{Score: 0.0123, Present: true}, report.Matches[0].Vulnerability.EPSS)
	assert.Equal(t, Fix{Versions: []string{"3.0.2-0ubuntu1.8"}, State: "fixed"}, report.Matches[0].Vulnerability.Fix)
	assert.Equal(t, EPSS{Score: 0.5, Present: true}, report.Matches[1].Vulnerability.EPSS)
	assert.Equal(t, "requests", report.Matches[1].Artifact.Name)
}

func TestEPSS_UnmarshalJSON(t *testing.T) {
	testCases := []struct {
		name     string
		json     string
		expected EPSS
		err      bool
	}{
		{name: "Should take first list entry", json: `[{"epss": 0.2}, {"epss": 0.9}]`, expected: EPSS{Score: 0.2, Present: true}},
		{name: "Should accept bare number", json: `0.75`, expected: EPSS{Score: 0.75, Present: true}},
		{name: "Should treat empty list as absent", json: `[]`, expected: EPSS{}},
		{name: "Should treat null as absent", json: `null`, expected: EPSS{}},
		{name: "Should reject strings", json: `"high"`, err: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var e EPSS
			err := e.UnmarshalJSON([]byte(tc.json))
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, e)
		})
	}
}

func TestValidateImageRef(t *testing.T) {
	testCases := []struct {
		name  string
		ref   string
		valid bool
	}{
		{name: "Should accept repository with tag", ref: "registry.io/team/app:1.2.3", valid: true},
		{name: "Should accept repository without tag", ref: "nginx", valid: true},
		{name: "Should reject shell metacharacters", ref: "nginx;rm -rf /", valid: false},
		{name: "Should reject option injection", ref: "--output=/etc/passwd", valid: false},
		{name: "Should reject digest references", ref: "nginx@sha256:abc", valid: false},
		{name: "Should reject overlong references", ref: "a/" + longName(200), valid: false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateImageRef(tc.ref)
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrUnsafeImageRef)
			}
		})
	}
}

func longName(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a'
	}
	return string(b)
}

func refMatching(expected string) interface{} {
	return mock.MatchedBy(func(ref name.Reference) bool {
		return ref.String() == expected
	})
}

func newTempFile(t *testing.T, pattern string) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), pattern)
	require.NoError(t, err)
	return f
}

func TestTool_GenerateSBOM(t *testing.T) {
	config := etc.Tools{SyftPath: "syft", WorkDir: "/tmp"}
	img, err := random.Image(256, 1)
	require.NoError(t, err)
	digest, err := img.Digest()
	require.NoError(t, err)

	t.Run("Should pull image and run syft on its layout", func(t *testing.T) {
		ambassador := ext.NewMockAmbassador()
		sbomFile := newTempFile(t, "sbom-*.json")

		ambassador.On("RemoteImage", refMatching("registry.io/team/app:1"), mock.Anything).Return(img, nil).Once()
		ambassador.On("MkdirTemp", "/tmp", "oci-*").Return("/tmp/oci-1", nil)
		ambassador.On("WriteLayout", "/tmp/oci-1", img).Return(nil)
		ambassador.On("TempFile", "/tmp", "sbom-*.json").Return(sbomFile, nil)
		ambassador.On("Environ").Return([]string{"HOME=/tmp"})
		ambassador.On("RunCmd", mock.MatchedBy(func(cmd *exec.Cmd) bool {
			return assert.Equal(t, []string{"syft", "oci-dir:/tmp/oci-1", "--output", "json=" + sbomFile.Name()}, cmd.Args) &&
				assert.Equal(t, []string{"HOME=/tmp"}, cmd.Env)
		})).Return([]byte{}, nil)
		ambassador.On("ReadFile", sbomFile.Name()).Return([]byte(sampleSBOM), nil)
		ambassador.On("RemoveAll", "/tmp/oci-1").Return(nil)
		ambassador.On("RemoveAll", sbomFile.Name()).Return(nil)

		result, err := NewTool(config, ambassador).GenerateSBOM(context.Background(), ImageRequest{Ref: "registry.io/team/app:1"})
		require.NoError(t, err)
		assert.Equal(t, digest.String(), result.Digest)
		assert.JSONEq(t, sampleSBOM, string(result.SBOM))
		ambassador.AssertExpectations(t)
	})

	t.Run("Should retry pull with registry credentials", func(t *testing.T) {
		ambassador := ext.NewMockAmbassador()
		sbomFile := newTempFile(t, "sbom-*.json")

		ambassador.On("RemoteImage", refMatching("registry.io/team/app:1"), mock.Anything).Return(nil, errors.New("UNAUTHORIZED")).Once()
		ambassador.On("RemoteImage", refMatching("registry.io/team/app:1"), mock.Anything).Return(img, nil).Once()
		ambassador.On("MkdirTemp", "/tmp", "oci-*").Return("/tmp/oci-2", nil)
		ambassador.On("WriteLayout", "/tmp/oci-2", img).Return(nil)
		ambassador.On("TempFile", "/tmp", "sbom-*.json").Return(sbomFile, nil)
		ambassador.On("Environ").Return([]string{})
		ambassador.On("RunCmd", mock.Anything).Return([]byte{}, nil)
		ambassador.On("ReadFile", sbomFile.Name()).Return([]byte(sampleSBOM), nil)
		ambassador.On("RemoveAll", mock.Anything).Return(nil)

		_, err := NewTool(config, ambassador).GenerateSBOM(context.Background(), ImageRequest{
			Ref:  "registry.io/team/app:1",
			Auth: RegistryAuth{Bearer: "token"},
		})
		require.NoError(t, err)
		ambassador.AssertNumberOfCalls(t, "RemoteImage", 2)
	})

	t.Run("Should fail without credentials when anonymous pull fails", func(t *testing.T) {
		ambassador := ext.NewMockAmbassador()
		ambassador.On("RemoteImage", mock.Anything, mock.Anything).Return(nil, errors.New("UNAUTHORIZED"))

		_, err := NewTool(config, ambassador).GenerateSBOM(context.Background(), ImageRequest{Ref: "registry.io/team/app:1"})
		assert.ErrorContains(t, err, "without registry credentials")
		ambassador.AssertNumberOfCalls(t, "RemoteImage", 1)
	})

	t.Run("Should report syft stderr and clean up", func(t *testing.T) {
		ambassador := ext.NewMockAmbassador()
		sbomFile := newTempFile(t, "sbom-*.json")

		ambassador.On("RemoteImage", mock.Anything, mock.Anything).Return(img, nil)
		ambassador.On("MkdirTemp", "/tmp", "oci-*").Return("/tmp/oci-3", nil)
		ambassador.On("WriteLayout", "/tmp/oci-3", img).Return(nil)
		ambassador.On("TempFile", "/tmp", "sbom-*.json").Return(sbomFile, nil)
		ambassador.On("Environ").Return([]string{})
		ambassador.On("RunCmd", mock.Anything).Return(nil, &exec.ExitError{Stderr: []byte("unsupported layout")})
		ambassador.On("RemoveAll", "/tmp/oci-3").Return(nil)
		ambassador.On("RemoveAll", sbomFile.Name()).Return(nil)

		_, err := NewTool(config, ambassador).GenerateSBOM(context.Background(), ImageRequest{Ref: "registry.io/team/app:1"})
		assert.ErrorContains(t, err, "unsupported layout")
		ambassador.AssertExpectations(t)
	})

	t.Run("Should reject unsafe reference before pulling", func(t *testing.T) {
		ambassador := ext.NewMockAmbassador()
		_, err := NewTool(config, ambassador).GenerateSBOM(context.Background(), ImageRequest{Ref: "app:1 --file=/x"})
		assert.ErrorIs(t, err, ErrUnsafeImageRef)
		ambassador.AssertNotCalled(t, "RemoteImage", mock.Anything, mock.Anything)
	})
}

// registryAmbassador pulls from a real registry listening on host and mocks
// everything else. References to registry.test are redirected to host.
type registryAmbassador struct {
	*ext.MockAmbassador
	host string
}

func (a registryAmbassador) RemoteImage(ref name.Reference, options ...remote.Option) (v1.Image, error) {
	if ref.Context().RegistryStr() != "registry.test" {
		return nil, errors.New("unexpected registry " + ref.Context().RegistryStr())
	}
	redirected, err := name.ParseReference(a.host+"/"+ref.Context().RepositoryStr()+":"+ref.Identifier(), name.Insecure)
	if err != nil {
		return nil, err
	}
	return remote.Image(redirected, options...)
}

func TestTool_GenerateSBOM_FromRegistry(t *testing.T) {
	server := httptest.NewServer(registry.New())
	defer server.Close()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)

	img, err := random.Image(512, 2)
	require.NoError(t, err)
	ref, err := name.ParseReference(u.Host+"/team/app:1.0", name.Insecure)
	require.NoError(t, err)
	require.NoError(t, remote.Write(ref, img))
	expected, err := img.Digest()
	require.NoError(t, err)

	mocked := ext.NewMockAmbassador()
	sbomFile := newTempFile(t, "sbom-*.json")
	mocked.On("MkdirTemp", "/tmp", "oci-*").Return("/tmp/oci-r", nil)
	mocked.On("WriteLayout", "/tmp/oci-r", mock.Anything).Return(nil)
	mocked.On("TempFile", "/tmp", "sbom-*.json").Return(sbomFile, nil)
	mocked.On("Environ").Return([]string{})
	mocked.On("RunCmd", mock.Anything).Return([]byte{}, nil)
	mocked.On("ReadFile", sbomFile.Name()).Return([]byte(sampleSBOM), nil)
	mocked.On("RemoveAll", mock.Anything).Return(nil)

	tool := NewTool(etc.Tools{SyftPath: "syft", WorkDir: "/tmp", Insecure: true}, registryAmbassador{MockAmbassador: mocked, host: u.Host})
	result, err := tool.GenerateSBOM(context.Background(), ImageRequest{Ref: "registry.test/team/app:1.0"})
	require.NoError(t, err)
	assert.Equal(t, expected.String(), result.Digest)
}

func TestTool_Scan(t *testing.T) {
	config := etc.Tools{GrypePath: "grype", WorkDir: "/tmp"}

	t.Run("Should run grype against the SBOM file", func(t *testing.T) {
		ambassador := ext.NewMockAmbassador()
		sbomFile := newTempFile(t, "sbom-*.json")
		reportFile := newTempFile(t, "grype-*.json")

		ambassador.On("TempFile", "/tmp", "sbom-*.json").Return(sbomFile, nil)
		ambassador.On("TempFile", "/tmp", "grype-*.json").Return(reportFile, nil)
		ambassador.On("Environ").Return([]string{})
		ambassador.On("RunCmd", mock.MatchedBy(func(cmd *exec.Cmd) bool {
			return assert.Equal(t, []string{"grype", "sbom:" + sbomFile.Name(), "--output", "json", "--file", reportFile.Name()}, cmd.Args)
		})).Return([]byte{}, nil)
		ambassador.On("ReadFile", reportFile.Name()).Return([]byte(sampleReport), nil)
		ambassador.On("RemoveAll", sbomFile.Name()).Return(nil)
		ambassador.On("RemoveAll", reportFile.Name()).Return(nil)

		result, err := NewTool(config, ambassador).Scan(context.Background(), []byte(sampleSBOM))
		require.NoError(t, err)
		assert.Len(t, result.Report.Matches, 2)
		assert.JSONEq(t, sampleReport, string(result.Raw))

		written, err := os.ReadFile(sbomFile.Name())
		require.NoError(t, err)
		assert.JSONEq(t, sampleSBOM, string(written))
		ambassador.AssertExpectations(t)
	})

	t.Run("Should fail on unparseable report", func(t *testing.T) {
		ambassador := ext.NewMockAmbassador()
		sbomFile := newTempFile(t, "sbom-*.json")
		reportFile := newTempFile(t, "grype-*.json")

		ambassador.On("TempFile", "/tmp", "sbom-*.json").Return(sbomFile, nil)
		ambassador.On("TempFile", "/tmp", "grype-*.json").Return(reportFile, nil)
		ambassador.On("Environ").Return([]string{})
		ambassador.On("RunCmd", mock.Anything).Return([]byte{}, nil)
		ambassador.On("ReadFile", reportFile.Name()).Return([]byte("not json"), nil)
		ambassador.On("RemoveAll", mock.Anything).Return(nil)

		_, err := NewTool(config, ambassador).Scan(context.Background(), []byte(sampleSBOM))
		assert.ErrorContains(t, err, "decoding scan report")
	})
}

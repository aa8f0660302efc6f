package scantool

import (
	"bytes"
	"encoding/json"

	"golang.org/x/xerrors"
)

// SBOM is the subset of the syft JSON document the pipeline reads.
type SBOM struct {
	Artifacts []Artifact `json:"artifacts"`
}

type Artifact struct {
	Name      string     `json:"name"`
	Version   string     `json:"version"`
	Type      string     `json:"type"`
	Purl      string     `json:"purl"`
	CPEs      CPEs       `json:"cpes"`
	Locations []Location `json:"locations"`
}

type Location struct {
	Path    string `json:"path"`
	LayerID string `json:"layerID"`
	// AccessPath is reported by newer syft versions next to path.
	AccessPath  string            `json:"accessPath"`
	Annotations map[string]string `json:"annotations"`
}

// EvidenceType returns the syft evidence annotation of the location, if any.
func (l Location) EvidenceType() string {
	return l.Annotations["evidence"]
}

// CPEs decodes syft's cpes field, which is a list of strings in older schema
// versions and a list of {cpe, source} objects in newer ones.
type CPEs []string

func (c *CPEs) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*c = nil
		return nil
	}
	var plain []string
	if err := json.Unmarshal(data, &plain); err == nil {
		*c = plain
		return nil
	}
	var objects []struct {
		CPE string `json:"cpe"`
	}
	if err := json.Unmarshal(data, &objects); err != nil {
		return xerrors.Errorf("decoding cpes: %w", err)
	}
	out := make([]string, 0, len(objects))
	for _, o := range objects {
		if o.CPE != "" {
			out = append(out, o.CPE)
		}
	}
	*c = out
	return nil
}

// ParseSBOM decodes a syft JSON document.
func ParseSBOM(raw []byte) (SBOM, error) {
	var sbom SBOM
	if err := json.Unmarshal(raw, &sbom); err != nil {
		return sbom, xerrors.Errorf("decoding SBOM: %v: %w", err, ErrMalformed)
	}
	return sbom, nil
}

// Report is a grype JSON report.
type Report struct {
	Matches []Match `json:"matches"`
}

type Match struct {
	Vulnerability MatchVulnerability `json:"vulnerability"`
	Artifact      Artifact           `json:"artifact"`
}

type MatchVulnerability struct {
	ID          string `json:"id"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	EPSS        EPSS   `json:"epss"`
	Fix         Fix    `json:"fix"`
}

type Fix struct {
	Versions []string `json:"versions"`
	State    string   `json:"state"`
}

// EPSS holds the exploit prediction score of a match. grype reports either a
// list of {cve, epss, percentile} objects or, in older releases, a bare number.
type EPSS struct {
	Score   float64
	Present bool
}

func (e *EPSS) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = EPSS{}
		return nil
	}
	var number float64
	if err := json.Unmarshal(data, &number); err == nil {
		*e = EPSS{Score: number, Present: true}
		return nil
	}
	var entries []struct {
		EPSS float64 `json:"epss"`
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return xerrors.Errorf("decoding epss: %w", err)
	}
	if len(entries) == 0 {
		*e = EPSS{}
		return nil
	}
	*e = EPSS{Score: entries[0].EPSS, Present: true}
	return nil
}

// ParseReport decodes a grype JSON report.
func ParseReport(raw []byte) (Report, error) {
	var report Report
	if err := json.Unmarshal(raw, &report); err != nil {
		return report, xerrors.Errorf("decoding scan report: %v: %w", err, ErrMalformed)
	}
	return report, nil
}

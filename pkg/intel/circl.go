package intel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/xerrors"

	"github.com/hitrack/hitrack-scanner/pkg/etc"
)

// CIRCLSource reads CVE records from the CIRCL vulnerability lookup service.
// It understands both the CVE JSON 5 records served today and the legacy
// flat documents of the old cve-search API.
type CIRCLSource struct {
	baseURL string
	fetcher *fetcher
}

func NewCIRCLSource(config etc.Intel, client *http.Client) *CIRCLSource {
	return &CIRCLSource{
		baseURL: strings.TrimSuffix(config.CIRCLURL, "/"),
		fetcher: newFetcher(SourceCIRCL, client, config.RequestsPerSec, config.Timeout, config.Retries),
	}
}

func (s *CIRCLSource) Name() string {
	return SourceCIRCL
}

func (s *CIRCLSource) FetchDetails(ctx context.Context, cveID string) (*CVEDetails, *ExploitInfo, error) {
	body, err := s.fetcher.get(ctx, s.baseURL+"/"+url.PathEscape(cveID))
	if xerrors.Is(err, errNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	details, err := parseCIRCL(body)
	if err != nil {
		return nil, nil, xerrors.Errorf("%s: %w", cveID, err)
	}
	return details, nil, nil
}

type cvss struct {
	BaseScore    flexFloat `json:"baseScore"`
	VectorString string    `json:"vectorString"`
	Version      string    `json:"version"`
}

type cveRecord struct {
	Metadata *struct {
		DatePublished string `json:"datePublished"`
		DateUpdated   string `json:"dateUpdated"`
	} `json:"cveMetadata"`
	Containers struct {
		CNA cveContainer   `json:"cna"`
		ADP []cveContainer `json:"adp"`
	} `json:"containers"`

	// Legacy cve-search fields.
	Summary     string          `json:"summary"`
	CVSS        flexFloat       `json:"cvss"`
	CVSS3       flexFloat       `json:"cvss3"`
	CVSSVector  string          `json:"cvss-vector"`
	CVSS3Vector string          `json:"cvss3-vector"`
	CWE         string          `json:"cwe"`
	References  json.RawMessage `json:"references"`
	Published   string          `json:"Published"`
	Modified    string          `json:"Modified"`
}

type cveContainer struct {
	Descriptions []struct {
		Lang  string `json:"lang"`
		Value string `json:"value"`
	} `json:"descriptions"`
	Metrics []struct {
		V40 *cvss `json:"cvssV4_0"`
		V31 *cvss `json:"cvssV3_1"`
		V30 *cvss `json:"cvssV3_0"`
		V20 *cvss `json:"cvssV2_0"`
	} `json:"metrics"`
	ProblemTypes []struct {
		Descriptions []struct {
			CWEID string `json:"cweId"`
		} `json:"descriptions"`
	} `json:"problemTypes"`
	References []struct {
		URL string `json:"url"`
	} `json:"references"`
}

func parseCIRCL(body []byte) (*CVEDetails, error) {
	var record cveRecord
	if err := json.Unmarshal(body, &record); err != nil {
		return nil, xerrors.Errorf("decoding CVE record: %w", err)
	}
	if record.Metadata != nil {
		return fromCVE5(record), nil
	}
	return fromLegacy(record)
}

func fromCVE5(record cveRecord) *CVEDetails {
	containers := append([]cveContainer{record.Containers.CNA}, record.Containers.ADP...)
	details := &CVEDetails{
		PublishedAt: parseTime(record.Metadata.DatePublished),
		ModifiedAt:  parseTime(record.Metadata.DateUpdated),
	}
	for _, c := range containers {
		for _, d := range c.Descriptions {
			if details.Summary == "" && strings.HasPrefix(strings.ToLower(d.Lang), "en") {
				details.Summary = d.Value
			}
		}
		for _, p := range c.ProblemTypes {
			for _, d := range p.Descriptions {
				if details.CWE == "" && d.CWEID != "" {
					details.CWE = d.CWEID
				}
			}
		}
		for _, r := range c.References {
			details.References = append(details.References, r.URL)
		}
		if details.CVSSScore == 0 {
			if m := bestMetric(c); m != nil {
				details.CVSSScore = float64(m.BaseScore)
				details.CVSSVector = m.VectorString
				details.CVSSVersion = m.Version
			}
		}
	}
	details.References = lo.Uniq(lo.Compact(details.References))
	return details
}

// bestMetric prefers CVSS v3.1, then v3.0, v4.0 and v2.0.
func bestMetric(c cveContainer) *cvss {
	var candidates [4]*cvss
	for _, m := range c.Metrics {
		for i, v := range []*cvss{m.V31, m.V30, m.V40, m.V20} {
			if v != nil && candidates[i] == nil {
				candidates[i] = v
			}
		}
	}
	for _, v := range candidates {
		if v != nil {
			return v
		}
	}
	return nil
}

func fromLegacy(record cveRecord) (*CVEDetails, error) {
	details := &CVEDetails{
		Summary:     record.Summary,
		CWE:         record.CWE,
		PublishedAt: parseTime(record.Published),
		ModifiedAt:  parseTime(record.Modified),
	}
	switch {
	case record.CVSS3 > 0:
		details.CVSSScore = float64(record.CVSS3)
		details.CVSSVector = record.CVSS3Vector
		details.CVSSVersion = "3.x"
	case record.CVSS > 0:
		details.CVSSScore = float64(record.CVSS)
		details.CVSSVector = record.CVSSVector
		details.CVSSVersion = "2.0"
	}
	if len(record.References) > 0 {
		var refs []string
		if err := json.Unmarshal(record.References, &refs); err != nil {
			return nil, xerrors.Errorf("decoding references: %w", err)
		}
		details.References = lo.Uniq(lo.Compact(refs))
	}
	if details.Summary == "" && details.CVSSScore == 0 && details.PublishedAt == nil {
		return nil, nil
	}
	return details, nil
}

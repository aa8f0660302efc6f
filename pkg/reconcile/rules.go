package reconcile

import (
	"strings"

	"github.com/hitrack/hitrack-scanner/pkg/model"
	"github.com/hitrack/hitrack-scanner/pkg/scantool"
)

const SeverityUnknown = "UNKNOWN"

var notFixedStates = map[string]struct{}{
	"":          {},
	"wont-fix":  {},
	"not-fixed": {},
}

var typePrefixes = []struct {
	prefix string
	vt     model.VulnerabilityType
}{
	{"GHSA-", model.VulnerabilityTypeGHSA},
	{"RUSTSEC-", model.VulnerabilityTypeRUSTSEC},
	{"PYSEC-", model.VulnerabilityTypePYSEC},
	{"NPM-", model.VulnerabilityTypeNPM},
}

// DeriveFix reports whether a match is fixable and the fix text stored on the link.
// Any fix version makes a match fixable; otherwise the state decides.
func DeriveFix(fix scantool.Fix) (bool, string) {
	versions := make([]string, 0, len(fix.Versions))
	for _, v := range fix.Versions {
		if v = strings.TrimSpace(v); v != "" {
			versions = append(versions, v)
		}
	}
	if len(versions) > 0 {
		return true, strings.Join(versions, ", ")
	}
	state := strings.TrimSpace(fix.State)
	_, notFixed := notFixedStates[strings.ToLower(state)]
	return !notFixed, state
}

func InferVulnerabilityType(id string) model.VulnerabilityType {
	upper := strings.ToUpper(id)
	for _, p := range typePrefixes {
		if strings.HasPrefix(upper, p.prefix) {
			return p.vt
		}
	}
	return model.VulnerabilityTypeCVE
}

// ExtractEPSS returns the score of a match or 0 when the scanner reported none.
func ExtractEPSS(epss scantool.EPSS) float64 {
	if !epss.Present {
		return 0
	}
	return epss.Score
}

func NormalizeSeverity(severity string) string {
	s := strings.ToUpper(strings.TrimSpace(severity))
	if s == "" {
		return SeverityUnknown
	}
	return s
}

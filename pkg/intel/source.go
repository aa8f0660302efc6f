package intel

import (
	"context"
	"time"
)

// Source names as recorded in the data_source column of details records.
const (
	SourceCIRCL     = "CVE-CIRCL"
	SourceExploitDB = "Exploit-DB"
	SourceKEV       = "CISA-KEV"
	SourceEPSS      = "FIRST-EPSS"
)

type Source interface {
	Name() string
}

// DetailsSource looks up one CVE at a time. Either result may be nil when
// the source knows nothing about the id.
type DetailsSource interface {
	Source
	FetchDetails(ctx context.Context, cveID string) (*CVEDetails, *ExploitInfo, error)
}

// KEVCatalog answers membership of many ids in the CISA known exploited catalog.
type KEVCatalog interface {
	Source
	CheckKEVBulk(ctx context.Context, cveIDs []string) (map[string]KEVRecord, error)
}

type EPSSFeed interface {
	Source
	ScoresBulk(ctx context.Context, cveIDs []string) (map[string]EPSSScore, error)
}

type CVEDetails struct {
	CVSSScore   float64
	CVSSVector  string
	CVSSVersion string
	Summary     string
	CWE         string
	References  []string
	PublishedAt *time.Time
	ModifiedAt  *time.Time
}

type ExploitInfo struct {
	Count         int
	VerifiedCount int
	Links         []string
}

type KEVRecord struct {
	CVEID             string
	VendorProject     string
	Product           string
	VulnerabilityName string
	ShortDescription  string
	RequiredAction    string
	KnownRansomware   string
	Notes             string
	CWEs              []string
	DateAdded         *time.Time
	DueDate           *time.Time
}

type EPSSScore struct {
	Score      float64
	Percentile float64
	Date       *time.Time
}

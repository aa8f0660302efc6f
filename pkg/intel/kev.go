package intel

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"golang.org/x/xerrors"

	"github.com/hitrack/hitrack-scanner/pkg/etc"
	"github.com/hitrack/hitrack-scanner/pkg/ext"
)

// KEVSource serves lookups against the CISA known exploited vulnerabilities catalog.
type KEVSource struct {
	url     string
	fetcher *fetcher
	feed    *cachedFeed[map[string]KEVRecord]
}

func NewKEVSource(config etc.Intel, client *http.Client, clock ext.Clock) *KEVSource {
	s := &KEVSource{
		url:     config.KEVURL,
		fetcher: newFetcher(SourceKEV, client, config.RequestsPerSec, config.Timeout, config.Retries),
	}
	s.feed = &cachedFeed[map[string]KEVRecord]{name: SourceKEV, ttl: config.FeedTTL, clock: clock, load: s.load}
	return s
}

func (s *KEVSource) Name() string {
	return SourceKEV
}

func (s *KEVSource) CheckKEVBulk(ctx context.Context, cveIDs []string) (map[string]KEVRecord, error) {
	catalog, err := s.feed.get(ctx)
	if err != nil {
		return nil, err
	}
	found := make(map[string]KEVRecord)
	for _, id := range cveIDs {
		if record, ok := catalog[strings.ToUpper(id)]; ok {
			found[strings.ToUpper(id)] = record
		}
	}
	return found, nil
}

type kevCatalog struct {
	Vulnerabilities []struct {
		CVEID                      string   `json:"cveID"`
		VendorProject              string   `json:"vendorProject"`
		Product                    string   `json:"product"`
		VulnerabilityName          string   `json:"vulnerabilityName"`
		DateAdded                  string   `json:"dateAdded"`
		ShortDescription           string   `json:"shortDescription"`
		RequiredAction             string   `json:"requiredAction"`
		DueDate                    string   `json:"dueDate"`
		KnownRansomwareCampaignUse string   `json:"knownRansomwareCampaignUse"`
		Notes                      string   `json:"notes"`
		CWEs                       []string `json:"cwes"`
	} `json:"vulnerabilities"`
}

func (s *KEVSource) load(ctx context.Context) (map[string]KEVRecord, error) {
	body, err := s.fetcher.get(ctx, s.url)
	if err != nil {
		return nil, xerrors.Errorf("downloading KEV catalog: %w", err)
	}
	var catalog kevCatalog
	if err = json.Unmarshal(body, &catalog); err != nil {
		return nil, xerrors.Errorf("decoding KEV catalog: %w", err)
	}
	records := make(map[string]KEVRecord, len(catalog.Vulnerabilities))
	for _, v := range catalog.Vulnerabilities {
		id := strings.ToUpper(strings.TrimSpace(v.CVEID))
		if id == "" {
			continue
		}
		records[id] = KEVRecord{
			CVEID:             id,
			VendorProject:     v.VendorProject,
			Product:           v.Product,
			VulnerabilityName: v.VulnerabilityName,
			ShortDescription:  v.ShortDescription,
			RequiredAction:    v.RequiredAction,
			KnownRansomware:   v.KnownRansomwareCampaignUse,
			Notes:             v.Notes,
			CWEs:              v.CWEs,
			DateAdded:         parseTime(v.DateAdded),
			DueDate:           parseTime(v.DueDate),
		}
	}
	return records, nil
}

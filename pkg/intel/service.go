package intel

import (
	"context"
	"strings"
	"time"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/hitrack/hitrack-scanner/pkg/etc"
	"github.com/hitrack/hitrack-scanner/pkg/ext"
	"github.com/hitrack/hitrack-scanner/pkg/model"
	"github.com/hitrack/hitrack-scanner/pkg/persistence"
)

type EnrichOptions struct {
	// Force refreshes records regardless of their age.
	Force bool
}

// Result counts the outcome of one Enrich call.
type Result struct {
	Requested int      `json:"requested"`
	Enriched  int      `json:"enriched"`
	Fresh     int      `json:"fresh"`
	Unknown   int      `json:"unknown"`
	Failed    []string `json:"failed,omitempty"`
}

// Service merges the intelligence sources into vulnerability details records.
type Service struct {
	config  etc.Intel
	store   persistence.IntelStore
	details []DetailsSource
	kev     KEVCatalog
	epss    EPSSFeed
	clock   ext.Clock
}

func NewService(config etc.Intel, store persistence.IntelStore, details []DetailsSource, kev KEVCatalog, epss EPSSFeed, clock ext.Clock) *Service {
	if config.BatchSize <= 0 {
		config.BatchSize = maxEPSSBatch
	}
	return &Service{
		config:  config,
		store:   store,
		details: details,
		kev:     kev,
		epss:    epss,
		clock:   clock,
	}
}

// StaleBefore returns the refresh threshold of a tier.
func (s *Service) StaleBefore(priority bool) time.Time {
	if priority {
		return s.clock.Now().Add(-s.config.PriorityStale)
	}
	return s.clock.Now().Add(-s.config.StandardStale)
}

// Enrich refreshes the details of the given vulnerability ids. Records updated
// within their tier's staleness window are skipped unless forced. Source
// failures are tolerated per id; only store errors abort the call.
func (s *Service) Enrich(ctx context.Context, vulnerabilityIDs []string, opts EnrichOptions) (result Result, err error) {
	ids := lo.Uniq(lo.Map(vulnerabilityIDs, func(id string, _ int) string { return strings.ToUpper(strings.TrimSpace(id)) }))
	result.Requested = len(ids)

	vulnerabilities, err := s.store.VulnerabilitiesWithDetails(ctx, ids)
	if err != nil {
		return
	}
	result.Unknown = len(ids) - len(vulnerabilities)

	due := lo.Filter(vulnerabilities, func(v model.Vulnerability, _ int) bool {
		if opts.Force || v.Details == nil {
			return true
		}
		return v.Details.LastUpdated.Before(s.StaleBefore(isPriority(v)))
	})
	result.Fresh = len(vulnerabilities) - len(due)

	for i, batch := range lo.Chunk(due, s.config.BatchSize) {
		if i > 0 {
			if err = ext.Sleep(ctx, s.config.BatchDelay); err != nil {
				return
			}
		}
		var failed []string
		if failed, err = s.enrichBatch(ctx, batch); err != nil {
			return
		}
		result.Failed = append(result.Failed, failed...)
		result.Enriched += len(batch) - len(failed)
	}

	log.WithFields(log.Fields{
		"requested": result.Requested,
		"enriched":  result.Enriched,
		"fresh":     result.Fresh,
		"failed":    len(result.Failed),
	}).Info("Enriched vulnerabilities")
	return
}

func (s *Service) enrichBatch(ctx context.Context, batch []model.Vulnerability) ([]string, error) {
	ids := lo.Map(batch, func(v model.Vulnerability, _ int) string { return strings.ToUpper(v.VulnerabilityID) })

	var kev map[string]KEVRecord
	kevOK := s.kev != nil
	if kevOK {
		var err error
		if kev, err = s.kev.CheckKEVBulk(ctx, ids); err != nil {
			log.WithError(err).Warn("KEV lookup failed, keeping previous KEV data")
			kevOK = false
		}
	}
	var epss map[string]EPSSScore
	epssOK := s.epss != nil
	if epssOK {
		var err error
		if epss, err = s.epss.ScoresBulk(ctx, ids); err != nil {
			log.WithError(err).Warn("EPSS lookup failed, keeping previous EPSS data")
			epssOK = false
		}
	}

	var failed []string
	for _, v := range batch {
		if err := ctx.Err(); err != nil {
			return failed, err
		}
		id := strings.ToUpper(v.VulnerabilityID)
		details := s.baseRecord(v)
		sourceErrors := 0

		for _, source := range s.details {
			cve, exploit, err := source.FetchDetails(ctx, id)
			if err != nil {
				log.WithFields(log.Fields{"vulnerability_id": id, "source": source.Name()}).WithError(err).
					Warn("Intel source failed, keeping previous data")
				sourceErrors++
				continue
			}
			switch source.Name() {
			case SourceExploitDB:
				applyExploit(&details, exploit)
			default:
				if cve != nil {
					applyCVE(&details, cve)
				}
				if exploit != nil {
					applyExploit(&details, exploit)
				}
			}
		}
		if kevOK {
			record, listed := kev[id]
			applyKEV(&details, record, listed)
		}
		if epssOK {
			if score, ok := epss[id]; ok {
				applyEPSS(&details, score)
			}
		}

		if len(s.details) > 0 && sourceErrors == len(s.details) && !kevOK && !epssOK {
			failed = append(failed, id)
			continue
		}
		details.DataSource = dataSource(details)
		details.LastUpdated = s.clock.Now()
		if err := s.store.SaveVulnerabilityDetails(ctx, details); err != nil {
			return failed, xerrors.Errorf("saving details of %s: %w", id, err)
		}
	}
	return failed, nil
}

// baseRecord starts from the persisted details so a failing source keeps its
// previous fields. The row id is dropped; the upsert is keyed by vulnerability.
func (s *Service) baseRecord(v model.Vulnerability) model.VulnerabilityDetails {
	if v.Details == nil {
		return model.VulnerabilityDetails{VulnerabilityID: v.ID}
	}
	details := *v.Details
	details.Base = model.Base{}
	details.VulnerabilityID = v.ID
	return details
}

func isPriority(v model.Vulnerability) bool {
	severity := strings.ToUpper(v.Severity)
	return severity == "CRITICAL" || severity == "HIGH" || (v.Details != nil && v.Details.KEVListed)
}

func applyCVE(d *model.VulnerabilityDetails, cve *CVEDetails) {
	d.CVSSScore = cve.CVSSScore
	d.CVSSVector = cve.CVSSVector
	d.CVSSVersion = cve.CVSSVersion
	d.Summary = cve.Summary
	d.CWE = cve.CWE
	d.References = cve.References
	d.PublishedAt = cve.PublishedAt
	d.ModifiedAt = cve.ModifiedAt
}

// applyExploit overwrites the exploit fields; a nil info means no known exploit.
func applyExploit(d *model.VulnerabilityDetails, info *ExploitInfo) {
	if info == nil {
		info = &ExploitInfo{}
	}
	d.ExploitAvailable = info.Count > 0
	d.ExploitCount = info.Count
	d.ExploitVerifiedCount = info.VerifiedCount
	d.ExploitLinks = info.Links
}

func applyKEV(d *model.VulnerabilityDetails, record KEVRecord, listed bool) {
	d.KEVListed = listed
	d.KEVDateAdded = record.DateAdded
	d.KEVDueDate = record.DueDate
	d.KEVVendorProject = record.VendorProject
	d.KEVProduct = record.Product
	d.KEVRequiredAction = record.RequiredAction
	d.KEVKnownRansomware = record.KnownRansomware
	d.KEVShortDescription = record.ShortDescription
}

func applyEPSS(d *model.VulnerabilityDetails, score EPSSScore) {
	d.EPSSScore = score.Score
	d.EPSSPercentile = score.Percentile
	d.EPSSDate = score.Date
}

// dataSource names every source whose fields are populated, or manual.
func dataSource(d model.VulnerabilityDetails) string {
	var sources []string
	if d.CVSSScore > 0 || d.Summary != "" || d.PublishedAt != nil {
		sources = append(sources, SourceCIRCL)
	}
	if d.ExploitCount > 0 {
		sources = append(sources, SourceExploitDB)
	}
	if d.KEVListed {
		sources = append(sources, SourceKEV)
	}
	if d.EPSSDate != nil || d.EPSSScore > 0 {
		sources = append(sources, SourceEPSS)
	}
	if len(sources) == 0 {
		return model.DataSourceManual
	}
	return strings.Join(sources, " + ")
}

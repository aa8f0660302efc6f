package relational

import (
	"context"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/xerrors"
	"gorm.io/gorm/clause"

	"github.com/hitrack/hitrack-scanner/pkg/model"
	"github.com/hitrack/hitrack-scanner/pkg/persistence"
)

var prioritySeverities = []string{"CRITICAL", "HIGH"}

func (s *Store) VulnerabilitiesForEnrichment(ctx context.Context, filter persistence.EnrichmentFilter) ([]model.Vulnerability, error) {
	query := s.db.WithContext(ctx).
		Joins("LEFT JOIN vulnerability_details d ON d.vulnerability_id = vulnerabilities.id").
		Where("vulnerabilities.type = ?", model.VulnerabilityTypeCVE).
		Where("(d.id IS NULL OR d.last_updated < ?)", filter.StaleBefore)
	if filter.PriorityOnly {
		query = query.Where("(UPPER(vulnerabilities.severity) IN ? OR d.kev_listed = ?)", prioritySeverities, true)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var vulnerabilities []model.Vulnerability
	if err := query.Order("vulnerabilities.vulnerability_id").Find(&vulnerabilities).Error; err != nil {
		return nil, xerrors.Errorf("selecting vulnerabilities for enrichment: %w", err)
	}
	return vulnerabilities, nil
}

func (s *Store) VulnerabilitiesWithDetails(ctx context.Context, vulnerabilityIDs []string) ([]model.Vulnerability, error) {
	var vulnerabilities []model.Vulnerability
	for _, chunk := range lo.Chunk(lo.Uniq(vulnerabilityIDs), batchSize) {
		var found []model.Vulnerability
		err := s.db.WithContext(ctx).Preload("Details").
			Where("vulnerability_id IN ?", lo.Map(chunk, func(id string, _ int) string { return strings.ToUpper(id) })).
			Find(&found).Error
		if err != nil {
			return nil, xerrors.Errorf("selecting vulnerability details: %w", err)
		}
		vulnerabilities = append(vulnerabilities, found...)
	}
	return vulnerabilities, nil
}

var detailsColumns = []string{
	"cvss_score", "cvss_vector", "cvss_version", "summary", "cwe", "reference_links", "published_at", "modified_at",
	"exploit_available", "exploit_count", "exploit_verified_count", "exploit_links",
	"kev_listed", "kev_date_added", "kev_due_date", "kev_vendor_project", "kev_product",
	"kev_required_action", "kev_known_ransomware", "kev_short_description",
	"epss_score", "epss_percentile", "epss_date",
	"last_updated", "data_source", "updated_at",
}

// SaveVulnerabilityDetails creates or replaces the single details row of a vulnerability.
func (s *Store) SaveVulnerabilityDetails(ctx context.Context, details model.VulnerabilityDetails) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "vulnerability_id"}},
			DoUpdates: clause.AssignmentColumns(detailsColumns),
		}).
		Create(&details).Error
	if err != nil {
		return xerrors.Errorf("saving details of vulnerability %s: %w", details.VulnerabilityID, err)
	}
	return nil
}

package relational

import (
	"context"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/xerrors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hitrack/hitrack-scanner/pkg/model"
	"github.com/hitrack/hitrack-scanner/pkg/persistence"
)

// Store implements persistence.Gateway on top of gorm.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

var _ persistence.Gateway = (*Store)(nil)

func (s *Store) ComponentsByName(ctx context.Context, names []string) ([]model.Component, error) {
	var components []model.Component
	for _, chunk := range lo.Chunk(lo.Uniq(names), batchSize) {
		var found []model.Component
		if err := s.db.WithContext(ctx).Where("name IN ?", chunk).Find(&found).Error; err != nil {
			return nil, xerrors.Errorf("selecting components: %w", err)
		}
		components = append(components, found...)
	}
	return components, nil
}

func (s *Store) InsertComponents(ctx context.Context, components []model.Component) error {
	if len(components) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&components, batchSize).Error
	if err != nil {
		return xerrors.Errorf("inserting components: %w", err)
	}
	return nil
}

func (s *Store) UpgradeComponentTypes(ctx context.Context, types map[string]string) error {
	for name, componentType := range types {
		err := s.db.WithContext(ctx).Model(&model.Component{}).
			Where("name = ? AND type = ?", name, model.ComponentTypeUnknown).
			Update("type", componentType).Error
		if err != nil {
			return xerrors.Errorf("upgrading type of component %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) ComponentVersionsByKey(ctx context.Context, keys []persistence.VersionKey) ([]model.ComponentVersion, error) {
	wanted := lo.SliceToMap(keys, func(k persistence.VersionKey) (persistence.VersionKey, struct{}) {
		return k, struct{}{}
	})
	var versions []model.ComponentVersion
	for _, chunk := range lo.Chunk(lo.Uniq(keys), batchSize) {
		componentIDs := lo.Uniq(lo.Map(chunk, func(k persistence.VersionKey, _ int) string { return k.ComponentID }))
		versionNames := lo.Uniq(lo.Map(chunk, func(k persistence.VersionKey, _ int) string { return k.Version }))

		var found []model.ComponentVersion
		err := s.db.WithContext(ctx).
			Where("component_id IN ? AND version IN ?", componentIDs, versionNames).
			Find(&found).Error
		if err != nil {
			return nil, xerrors.Errorf("selecting component versions: %w", err)
		}
		// The IN/IN query over-selects the cross product; keep exact keys only.
		for _, v := range found {
			if _, ok := wanted[persistence.VersionKey{ComponentID: v.ComponentID, Version: v.Version}]; ok {
				versions = append(versions, v)
			}
		}
	}
	return lo.UniqBy(versions, func(v model.ComponentVersion) string { return v.ID }), nil
}

func (s *Store) InsertComponentVersions(ctx context.Context, versions []model.ComponentVersion) error {
	if len(versions) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&versions, batchSize).Error
	if err != nil {
		return xerrors.Errorf("inserting component versions: %w", err)
	}
	return nil
}

func (s *Store) FillComponentVersionIdentifiers(ctx context.Context, versions []model.ComponentVersion) error {
	for _, v := range versions {
		if v.Purl != "" {
			err := s.db.WithContext(ctx).Model(&model.ComponentVersion{}).
				Where("id = ? AND (purl IS NULL OR purl = '')", v.ID).
				Update("purl", v.Purl).Error
			if err != nil {
				return xerrors.Errorf("filling purl of %s: %w", v.ID, err)
			}
		}
		if len(v.CPEs) > 0 {
			err := s.db.WithContext(ctx).Model(&model.ComponentVersion{}).
				Where("id = ? AND (cpes IS NULL OR cpes = '' OR cpes = 'null' OR cpes = '[]')", v.ID).
				Updates(&model.ComponentVersion{CPEs: v.CPEs}).Error
			if err != nil {
				return xerrors.Errorf("filling cpes of %s: %w", v.ID, err)
			}
		}
	}
	return nil
}

func (s *Store) LinkImageComponentVersions(ctx context.Context, imageID string, componentVersionIDs []string) error {
	links := lo.Map(lo.Uniq(componentVersionIDs), func(id string, _ int) model.ImageComponentVersion {
		return model.ImageComponentVersion{ImageID: imageID, ComponentVersionID: id}
	})
	if len(links) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&links, batchSize).Error
	if err != nil {
		return xerrors.Errorf("linking image %s to component versions: %w", imageID, err)
	}
	return nil
}

func (s *Store) UpsertLocations(ctx context.Context, locations []model.ComponentLocation) error {
	locations = lastByKey(locations, func(l model.ComponentLocation) string {
		return l.ComponentVersionID + "\x00" + l.ImageID + "\x00" + l.Path
	})
	if len(locations) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "component_version_id"}, {Name: "image_id"}, {Name: "path"}},
			DoUpdates: clause.AssignmentColumns([]string{"layer_id", "evidence_type", "updated_at"}),
		}).
		CreateInBatches(&locations, batchSize).Error
	if err != nil {
		return xerrors.Errorf("upserting component locations: %w", err)
	}
	return nil
}

func (s *Store) VulnerabilitiesByID(ctx context.Context, vulnerabilityIDs []string) ([]model.Vulnerability, error) {
	lowered := lo.Uniq(lo.Map(vulnerabilityIDs, func(id string, _ int) string {
		return strings.ToLower(strings.TrimSpace(id))
	}))
	var vulnerabilities []model.Vulnerability
	for _, chunk := range lo.Chunk(lowered, batchSize) {
		var found []model.Vulnerability
		if err := s.db.WithContext(ctx).Where("LOWER(vulnerability_id) IN ?", chunk).Find(&found).Error; err != nil {
			return nil, xerrors.Errorf("selecting vulnerabilities: %w", err)
		}
		vulnerabilities = append(vulnerabilities, found...)
	}
	return vulnerabilities, nil
}

func (s *Store) InsertVulnerabilities(ctx context.Context, vulnerabilities []model.Vulnerability) error {
	if len(vulnerabilities) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&vulnerabilities, batchSize).Error
	if err != nil {
		return xerrors.Errorf("inserting vulnerabilities: %w", err)
	}
	return nil
}

func (s *Store) UpdateVulnerabilityFields(ctx context.Context, v model.Vulnerability) error {
	err := s.db.WithContext(ctx).Model(&model.Vulnerability{}).
		Where("id = ?", v.ID).
		Updates(map[string]interface{}{
			"type":        v.Type,
			"severity":    v.Severity,
			"description": v.Description,
			"epss":        v.EPSS,
		}).Error
	if err != nil {
		return xerrors.Errorf("updating vulnerability %s: %w", v.VulnerabilityID, err)
	}
	return nil
}

func (s *Store) UpsertVulnerabilityLinks(ctx context.Context, links []model.ComponentVersionVulnerability) error {
	// A single upsert statement must not touch the same key twice.
	links = lastByKey(links, func(l model.ComponentVersionVulnerability) string {
		return l.ComponentVersionID + "\x00" + l.VulnerabilityID
	})
	if len(links) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "component_version_id"}, {Name: "vulnerability_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"fixable", "fix", "updated_at"}),
		}).
		CreateInBatches(&links, batchSize).Error
	if err != nil {
		return xerrors.Errorf("upserting vulnerability links: %w", err)
	}
	return nil
}

// lastByKey removes duplicates, keeping the last occurrence of every key in first-seen order.
func lastByKey[T any](items []T, key func(T) string) []T {
	index := make(map[string]int, len(items))
	out := make([]T, 0, len(items))
	for _, item := range items {
		k := key(item)
		if i, ok := index[k]; ok {
			out[i] = item
			continue
		}
		index[k] = len(out)
		out = append(out, item)
	}
	return out
}

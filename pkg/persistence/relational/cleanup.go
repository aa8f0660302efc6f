package relational

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"gorm.io/gorm"

	"github.com/hitrack/hitrack-scanner/pkg/model"
)

const orphanCondition = "NOT EXISTS (SELECT 1 FROM component_version_vulnerabilities cvv WHERE cvv.vulnerability_id = vulnerabilities.id)"

// DeleteOrphanVulnerabilities removes vulnerabilities no component version links to,
// together with their details. With dryRun set it only reports them.
func (s *Store) DeleteOrphanVulnerabilities(ctx context.Context, dryRun bool) ([]string, error) {
	var orphans []model.Vulnerability
	if err := s.db.WithContext(ctx).Where(orphanCondition).Order("vulnerability_id").Find(&orphans).Error; err != nil {
		return nil, xerrors.Errorf("selecting orphan vulnerabilities: %w", err)
	}
	names := make([]string, 0, len(orphans))
	ids := make([]string, 0, len(orphans))
	for _, v := range orphans {
		names = append(names, v.VulnerabilityID)
		ids = append(ids, v.ID)
	}
	if dryRun || len(ids) == 0 {
		return names, nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// A scan may have linked one of them since the select above.
		var still []string
		if err := tx.Model(&model.Vulnerability{}).Where("id IN ?", ids).Where(orphanCondition).
			Pluck("id", &still).Error; err != nil {
			return err
		}
		ids = still
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("vulnerability_id IN ?", ids).Delete(&model.VulnerabilityDetails{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Where(orphanCondition).Delete(&model.Vulnerability{}).Error
	})
	if err != nil {
		return nil, xerrors.Errorf("deleting orphan vulnerabilities: %w", err)
	}
	log.WithField("count", len(ids)).Info("Deleted orphan vulnerabilities")
	return names, nil
}

func (s *Store) DeleteStaleDetails(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("last_updated < ?", before).Delete(&model.VulnerabilityDetails{})
	if res.Error != nil {
		return 0, xerrors.Errorf("deleting stale vulnerability details: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ResetStuckImages fails images left pending or in process since before.
func (s *Store) ResetStuckImages(ctx context.Context, before time.Time, message string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&model.Image{}).
		Where("scan_status IN ? AND updated_at < ?", []model.Status{model.StatusPending, model.StatusInProcess}, before).
		Updates(map[string]interface{}{"scan_status": model.StatusError, "last_error": message})
	if res.Error != nil {
		return 0, xerrors.Errorf("resetting stuck images: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Store) DeleteTagsOlderThan(ctx context.Context, before time.Time) (int64, error) {
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		const old = "tag_id IN (SELECT id FROM tags WHERE created_at < ?)"
		if err := tx.Where(old, before).Delete(&model.TagImage{}).Error; err != nil {
			return err
		}
		if err := tx.Where(old, before).Delete(&model.TagRelease{}).Error; err != nil {
			return err
		}
		res := tx.Where("created_at < ?", before).Delete(&model.Tag{})
		deleted = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, xerrors.Errorf("deleting tags older than %s: %w", before.Format(time.RFC3339), err)
	}
	return deleted, nil
}

package relational

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hitrack/hitrack-scanner/pkg/model"
	"github.com/hitrack/hitrack-scanner/pkg/persistence"
)

func (s *Store) GetImage(ctx context.Context, id string) (*model.Image, error) {
	var image model.Image
	if err := s.db.WithContext(ctx).First(&image, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "image %s", id)
	}
	return &image, nil
}

func (s *Store) GetOrCreateImage(ctx context.Context, image model.Image) (*model.Image, bool, error) {
	if image.ScanStatus == "" {
		image.ScanStatus = model.StatusNone
	}
	var existing model.Image
	err := s.db.WithContext(ctx).Where("name = ? AND digest = ?", image.Name, image.Digest).First(&existing).Error
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, xerrors.Errorf("selecting image %s: %w", image.Name, err)
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&image)
	if res.Error != nil {
		return nil, false, xerrors.Errorf("creating image %s: %w", image.Name, res.Error)
	}
	if res.RowsAffected == 1 {
		return &image, true, nil
	}
	// Lost the race against a concurrent creator.
	if err = s.db.WithContext(ctx).Where("name = ? AND digest = ?", image.Name, image.Digest).First(&existing).Error; err != nil {
		return nil, false, xerrors.Errorf("re-selecting image %s: %w", image.Name, err)
	}
	return &existing, false, nil
}

func (s *Store) LinkTagImage(ctx context.Context, tagID, imageID string) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.TagImage{TagID: tagID, ImageID: imageID}).Error
	if err != nil {
		return xerrors.Errorf("linking tag %s to image %s: %w", tagID, imageID, err)
	}
	return nil
}

func (s *Store) MarkImagePending(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Image{}).
		Where("id = ? AND scan_status NOT IN ?", id, []model.Status{model.StatusPending, model.StatusInProcess}).
		Updates(map[string]interface{}{"scan_status": model.StatusPending, "last_error": ""})
	if res.Error != nil {
		return false, xerrors.Errorf("marking image %s pending: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) ClaimImage(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Image{}).
		Where("id = ? AND scan_status IN ?", id, model.Claimable).
		Update("scan_status", model.StatusInProcess)
	if res.Error != nil {
		return false, xerrors.Errorf("claiming image %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) TransitionImage(ctx context.Context, id string, from, to model.Status) (bool, error) {
	updates := map[string]interface{}{"scan_status": to}
	if to == model.StatusSuccess {
		updates["scanned_at"] = time.Now()
		updates["last_error"] = ""
	}
	res := s.db.WithContext(ctx).Model(&model.Image{}).
		Where("id = ? AND scan_status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, xerrors.Errorf("moving image %s from %s to %s: %w", id, from, to, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) FailImage(ctx context.Context, id string, message string) error {
	err := s.db.WithContext(ctx).Model(&model.Image{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"scan_status": model.StatusError, "last_error": message}).Error
	if err != nil {
		return xerrors.Errorf("failing image %s: %w", id, err)
	}
	return nil
}

func (s *Store) SaveSBOM(ctx context.Context, id string, sbom []byte, digest string) error {
	image, err := s.GetImage(ctx, id)
	if err != nil {
		return err
	}
	updates := map[string]interface{}{"sbom": sbom}
	if image.Digest == "" && digest != "" {
		var clashes int64
		err = s.db.WithContext(ctx).Model(&model.Image{}).
			Where("name = ? AND digest = ? AND id <> ?", image.Name, digest, id).
			Count(&clashes).Error
		if err != nil {
			return xerrors.Errorf("checking digest of image %s: %w", id, err)
		}
		if clashes == 0 {
			updates["digest"] = digest
		} else {
			log.WithFields(log.Fields{"image_id": id, "digest": digest}).
				Warn("Another image row already holds this name and digest")
		}
	}
	if err = s.db.WithContext(ctx).Model(&model.Image{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return xerrors.Errorf("saving SBOM of image %s: %w", id, err)
	}
	return nil
}

func (s *Store) SaveScanReport(ctx context.Context, id string, report []byte) error {
	err := s.db.WithContext(ctx).Model(&model.Image{}).
		Where("id = ?", id).
		Update("scan_report", report).Error
	if err != nil {
		return xerrors.Errorf("saving scan report of image %s: %w", id, err)
	}
	return nil
}

func (s *Store) ListImageIDs(ctx context.Context, filter persistence.ImageFilter) ([]string, error) {
	query := s.db.WithContext(ctx).Model(&model.Image{})
	if filter.WithSBOM {
		query = query.Where("sbom IS NOT NULL")
	}
	if len(filter.Statuses) > 0 {
		query = query.Where("scan_status IN ?", filter.Statuses)
	}
	if filter.UpdatedBefore != nil {
		query = query.Where("updated_at < ?", *filter.UpdatedBefore)
	}
	var ids []string
	if err := query.Order("id").Pluck("id", &ids).Error; err != nil {
		return nil, xerrors.Errorf("listing images: %w", err)
	}
	return ids, nil
}

func (s *Store) ComponentVersionsOfImage(ctx context.Context, imageID string) ([]model.ComponentVersion, error) {
	var versions []model.ComponentVersion
	err := s.db.WithContext(ctx).
		Preload("Component").
		Joins("JOIN image_component_versions icv ON icv.component_version_id = component_versions.id").
		Where("icv.image_id = ?", imageID).
		Find(&versions).Error
	if err != nil {
		return nil, xerrors.Errorf("selecting component versions of image %s: %w", imageID, err)
	}
	return versions, nil
}

func (s *Store) UpdateLatestVersion(ctx context.Context, componentVersionID, latest string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&model.ComponentVersion{}).
		Where("id = ?", componentVersionID).
		Updates(map[string]interface{}{"latest_version": latest, "latest_version_updated_at": at}).Error
	if err != nil {
		return xerrors.Errorf("updating latest version of %s: %w", componentVersionID, err)
	}
	return nil
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return xerrors.Errorf(format+": %w", append(args, persistence.ErrNotFound)...)
	}
	return xerrors.Errorf("selecting "+format+": %w", append(args, err)...)
}

package relational

import (
	"context"
	"errors"
	"time"

	"golang.org/x/xerrors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hitrack/hitrack-scanner/pkg/model"
)

func (s *Store) GetRegistry(ctx context.Context, id string) (*model.Registry, error) {
	var registry model.Registry
	if err := s.db.WithContext(ctx).First(&registry, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "registry %s", id)
	}
	return &registry, nil
}

// RegistryByHost finds the registry whose API URL points at host.
func (s *Store) RegistryByHost(ctx context.Context, host string) (*model.Registry, error) {
	var registry model.Registry
	err := s.db.WithContext(ctx).
		Where("(api_url = ? OR api_url LIKE ? OR api_url LIKE ?)", host, "%://"+host, "%://"+host+"/%").
		Order("name").
		First(&registry).Error
	if err != nil {
		return nil, notFound(err, "registry for host %s", host)
	}
	return &registry, nil
}

func (s *Store) SaveRegistryToken(ctx context.Context, id, token string) error {
	err := s.db.WithContext(ctx).Model(&model.Registry{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"token": token, "last_sync": time.Now()}).Error
	if err != nil {
		return xerrors.Errorf("saving token of registry %s: %w", id, err)
	}
	return nil
}

func (s *Store) GetRepository(ctx context.Context, id string) (*model.Repository, error) {
	var repository model.Repository
	if err := s.db.WithContext(ctx).Preload("Registry").First(&repository, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "repository %s", id)
	}
	return &repository, nil
}

func (s *Store) GetOrCreateRepository(ctx context.Context, repository model.Repository) (*model.Repository, bool, error) {
	var existing model.Repository
	lookup := func() error {
		return s.db.WithContext(ctx).Preload("Registry").
			Where("name = ? AND url = ?", repository.Name, repository.URL).
			First(&existing).Error
	}
	err := lookup()
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, xerrors.Errorf("selecting repository %s: %w", repository.Name, err)
	}
	if repository.ScanStatus == "" {
		repository.ScanStatus = model.StatusNone
	}
	if repository.RepositoryType == "" {
		repository.RepositoryType = model.RepositoryTypeNone
	}
	res := s.db.WithContext(ctx).Omit(clause.Associations).Clauses(clause.OnConflict{DoNothing: true}).Create(&repository)
	if res.Error != nil {
		return nil, false, xerrors.Errorf("creating repository %s: %w", repository.Name, res.Error)
	}
	if res.RowsAffected == 1 {
		return &repository, true, nil
	}
	if err = lookup(); err != nil {
		return nil, false, xerrors.Errorf("re-selecting repository %s: %w", repository.Name, err)
	}
	return &existing, false, nil
}

func (s *Store) ListActiveRepositories(ctx context.Context) ([]model.Repository, error) {
	var repositories []model.Repository
	err := s.db.WithContext(ctx).Preload("Registry").
		Where("status = ?", true).
		Order("name").
		Find(&repositories).Error
	if err != nil {
		return nil, xerrors.Errorf("listing active repositories: %w", err)
	}
	return repositories, nil
}

// RepositoryFallbacks returns the fallback repositories of a chart repository in priority order.
func (s *Store) RepositoryFallbacks(ctx context.Context, repositoryID string) ([]model.Repository, error) {
	var fallbacks []model.Repository
	err := s.db.WithContext(ctx).Preload("Registry").
		Joins("JOIN repository_fallbacks rf ON rf.fallback_id = repositories.id").
		Where("rf.repository_id = ?", repositoryID).
		Order("rf.position").
		Find(&fallbacks).Error
	if err != nil {
		return nil, xerrors.Errorf("selecting fallbacks of repository %s: %w", repositoryID, err)
	}
	return fallbacks, nil
}

func (s *Store) SetRepositoryType(ctx context.Context, id string, repositoryType model.RepositoryType) error {
	err := s.db.WithContext(ctx).Model(&model.Repository{}).
		Where("id = ?", id).
		Update("repository_type", repositoryType).Error
	if err != nil {
		return xerrors.Errorf("setting type of repository %s: %w", id, err)
	}
	return nil
}

func (s *Store) SetRepositoryStatus(ctx context.Context, id string, status model.Status, message string) error {
	err := s.db.WithContext(ctx).Model(&model.Repository{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"scan_status": status, "last_error": message}).Error
	if err != nil {
		return xerrors.Errorf("setting status of repository %s: %w", id, err)
	}
	return nil
}

func (s *Store) TouchRepository(ctx context.Context, id string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&model.Repository{}).
		Where("id = ?", id).
		Update("last_scanned", at).Error
	if err != nil {
		return xerrors.Errorf("touching repository %s: %w", id, err)
	}
	return nil
}

func (s *Store) GetTag(ctx context.Context, id string) (*model.Tag, error) {
	var tag model.Tag
	if err := s.db.WithContext(ctx).Preload("Repository.Registry").First(&tag, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "tag %s", id)
	}
	return &tag, nil
}

func (s *Store) TagsOfRepository(ctx context.Context, repositoryID string) ([]model.Tag, error) {
	var tags []model.Tag
	err := s.db.WithContext(ctx).
		Where("repository_id = ?", repositoryID).
		Order("created_at").
		Find(&tags).Error
	if err != nil {
		return nil, xerrors.Errorf("selecting tags of repository %s: %w", repositoryID, err)
	}
	return tags, nil
}

func (s *Store) GetOrCreateTag(ctx context.Context, tag model.Tag) (*model.Tag, bool, error) {
	var existing model.Tag
	lookup := func() error {
		return s.db.WithContext(ctx).
			Where("repository_id = ? AND tag = ? AND image_path = ?", tag.RepositoryID, tag.Tag, tag.ImagePath).
			First(&existing).Error
	}
	err := lookup()
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, xerrors.Errorf("selecting tag %s: %w", tag.Tag, err)
	}
	if tag.ProcessingStatus == "" {
		tag.ProcessingStatus = model.StatusNone
	}
	res := s.db.WithContext(ctx).Omit(clause.Associations).Clauses(clause.OnConflict{DoNothing: true}).Create(&tag)
	if res.Error != nil {
		return nil, false, xerrors.Errorf("creating tag %s: %w", tag.Tag, res.Error)
	}
	if res.RowsAffected == 1 {
		return &tag, true, nil
	}
	if err = lookup(); err != nil {
		return nil, false, xerrors.Errorf("re-selecting tag %s: %w", tag.Tag, err)
	}
	return &existing, false, nil
}

func (s *Store) ClaimTag(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Tag{}).
		Where("id = ? AND processing_status <> ?", id, model.StatusInProcess).
		Updates(map[string]interface{}{"processing_status": model.StatusInProcess, "last_error": ""})
	if res.Error != nil {
		return false, xerrors.Errorf("claiming tag %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) SetTagStatus(ctx context.Context, id string, status model.Status, message string) error {
	err := s.db.WithContext(ctx).Model(&model.Tag{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"processing_status": status, "last_error": message}).Error
	if err != nil {
		return xerrors.Errorf("setting status of tag %s: %w", id, err)
	}
	return nil
}

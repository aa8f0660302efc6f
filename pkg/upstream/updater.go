package upstream

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hitrack/hitrack-scanner/pkg/ext"
	"github.com/hitrack/hitrack-scanner/pkg/model"
	"github.com/hitrack/hitrack-scanner/pkg/persistence"
)

// LatestResolver is satisfied by Resolver.
type LatestResolver interface {
	Latest(ctx context.Context, purl string) (string, error)
}

// VersionStore is the subset of persistence.ImageStore the updater needs.
type VersionStore interface {
	ComponentVersionsOfImage(ctx context.Context, imageID string) ([]model.ComponentVersion, error)
	UpdateLatestVersion(ctx context.Context, componentVersionID, latest string, at time.Time) error
}

var _ VersionStore = persistence.ImageStore(nil)

type UpdateResult struct {
	Total   int `json:"total"`
	Updated int `json:"updated"`
	Fresh   int `json:"fresh"`
	NoPurl  int `json:"no_purl"`
	Failed  int `json:"failed"`
}

// Updater refreshes the latest known upstream version of an image's components.
type Updater struct {
	store       VersionStore
	resolver    LatestResolver
	clock       ext.Clock
	staleWindow time.Duration
}

func NewUpdater(store VersionStore, resolver LatestResolver, clock ext.Clock, staleWindow time.Duration) *Updater {
	return &Updater{
		store:       store,
		resolver:    resolver,
		clock:       clock,
		staleWindow: staleWindow,
	}
}

// UpdateImage looks up every component version of the image whose latest
// version was not checked within the stale window. Lookup failures are logged
// and counted; only store errors are returned.
func (u *Updater) UpdateImage(ctx context.Context, imageID string) (result UpdateResult, err error) {
	logger := log.WithField("image_id", imageID)
	versions, err := u.store.ComponentVersionsOfImage(ctx, imageID)
	if err != nil {
		return
	}
	result.Total = len(versions)

	for _, v := range versions {
		if err = ctx.Err(); err != nil {
			return
		}
		now := u.clock.Now()
		if v.LatestVersionUpdatedAt != nil && now.Sub(*v.LatestVersionUpdatedAt) <= u.staleWindow {
			result.Fresh++
			continue
		}
		if v.Purl == "" {
			result.NoPurl++
			continue
		}
		name := v.Version
		if v.Component != nil {
			name = v.Component.Name + ":" + v.Version
		}
		latest, lookupErr := u.resolver.Latest(ctx, v.Purl)
		if lookupErr != nil {
			logger.WithFields(log.Fields{"component": name, "purl": v.Purl}).WithError(lookupErr).Debug("Latest version lookup failed")
			result.Failed++
			continue
		}
		if err = u.store.UpdateLatestVersion(ctx, v.ID, latest, now); err != nil {
			return
		}
		result.Updated++
	}

	logger.WithFields(log.Fields{
		"total":   result.Total,
		"updated": result.Updated,
		"fresh":   result.Fresh,
		"failed":  result.Failed,
	}).Info("Updated latest component versions")
	return
}

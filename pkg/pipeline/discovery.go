package pipeline

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/hitrack/hitrack-scanner/pkg/manifest"
	"github.com/hitrack/hitrack-scanner/pkg/model"
	"github.com/hitrack/hitrack-scanner/pkg/queue"
	"github.com/hitrack/hitrack-scanner/pkg/registry"
)

// discoveredTag is a registry tag not yet known to the store.
type discoveredTag struct {
	Tag       string
	ImagePath string
	ChartURL  string
}

func (p *Pipeline) discoverRepositories(ctx context.Context, task queue.Task) queue.Result {
	repositories, err := p.store.ListActiveRepositories(ctx)
	if err != nil {
		return queue.Failure(task, err.Error())
	}

	var scheduled, failed int
	for _, repository := range repositories {
		if ctx.Err() != nil {
			break
		}
		_, err = p.enqueuer.Enqueue(ctx, queue.Task{
			Type:     queue.TypeScanRepositoryTags,
			TargetID: repository.ID,
			ParentID: task.ID,
		})
		if err != nil {
			log.WithError(err).WithField("repository", repository.Name).Error("Failed to schedule repository scan")
			failed++
			continue
		}
		scheduled++
	}
	if err = p.monitor(ctx, task); err != nil {
		log.WithError(err).WithField("task_id", task.ID).Warn("Failed to schedule discovery monitor")
	}
	return queue.Success(task, fmt.Sprintf("scheduled %d repository scans", scheduled), map[string]interface{}{
		"repositories": len(repositories),
		"scheduled":    scheduled,
		"failed":       failed,
	})
}

func (p *Pipeline) scanRepositoryTags(ctx context.Context, task queue.Task) queue.Result {
	repository, err := p.store.GetRepository(ctx, task.TargetID)
	if err != nil {
		return queue.Failure(task, err.Error())
	}
	logger := log.WithFields(log.Fields{"repository_id": repository.ID, "repository": repository.Name})

	if err = p.store.SetRepositoryStatus(ctx, repository.ID, model.StatusInProcess, ""); err != nil {
		return queue.Failure(task, err.Error())
	}
	created, err := p.scanRepository(ctx, task, repository)
	if err != nil {
		logger.WithError(err).Error("Repository scan failed")
		if serr := p.store.SetRepositoryStatus(ctx, repository.ID, model.StatusError, err.Error()); serr != nil {
			logger.WithError(serr).Error("Failed to mark repository as failed")
		}
		return queue.Failure(task, err.Error())
	}

	if err = p.store.TouchRepository(ctx, repository.ID, p.clock.Now()); err != nil {
		return queue.Failure(task, err.Error())
	}
	if err = p.store.SetRepositoryStatus(ctx, repository.ID, model.StatusSuccess, ""); err != nil {
		return queue.Failure(task, err.Error())
	}
	logger.WithField("new_tags", created).Info("Repository scan completed")
	return queue.Success(task, fmt.Sprintf("%d new tags", created), map[string]interface{}{
		"repository": repository.Name,
		"new_tags":   created,
	})
}

func (p *Pipeline) scanRepository(ctx context.Context, task queue.Task, repository *model.Repository) (int, error) {
	if repository.Registry == nil {
		return 0, xerrors.Errorf("repository %s has no registry: %w", repository.Name, ErrPrecondition)
	}
	client, err := p.clients(*repository.Registry)
	if err != nil {
		return 0, err
	}

	known, err := p.store.TagsOfRepository(ctx, repository.ID)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]bool, len(known))
	for _, t := range known {
		seen[t.ImagePath+":"+t.Tag] = true
	}

	listed, err := p.listTags(ctx, client, repository)
	if err != nil {
		return 0, err
	}

	var created int
	for _, d := range listed {
		if ctx.Err() != nil {
			return created, ctx.Err()
		}
		if seen[d.ImagePath+":"+d.Tag] {
			continue
		}
		tagLogger := log.WithFields(log.Fields{"repository": repository.Name, "image_path": d.ImagePath, "tag": d.Tag})

		tag := model.Tag{RepositoryID: repository.ID, Tag: d.Tag, ImagePath: d.ImagePath, ChartURL: d.ChartURL}
		if d.ChartURL == "" {
			m, err := client.GetManifest(ctx, registry.RepositoryPath(*repository, d.ImagePath), d.Tag)
			if err != nil {
				tagLogger.WithError(err).Warn("Skipping tag without manifest")
				continue
			}
			tag.Digest = m.Digest
			if repository.RepositoryType == model.RepositoryTypeNone || repository.RepositoryType == "" {
				repository.RepositoryType = manifest.Kind(m)
				if err = p.store.SetRepositoryType(ctx, repository.ID, repository.RepositoryType); err != nil {
					return created, err
				}
			}
		}

		stored, isNew, err := p.store.GetOrCreateTag(ctx, tag)
		if err != nil {
			tagLogger.WithError(err).Error("Failed to store tag")
			continue
		}
		if !isNew {
			continue
		}
		created++
		if err = p.store.SetTagStatus(ctx, stored.ID, model.StatusPending, ""); err != nil {
			tagLogger.WithError(err).Error("Failed to mark tag pending")
			continue
		}
		if _, err = p.enqueuer.Enqueue(ctx, queue.Task{
			Type:     queue.TypeProcessTag,
			TargetID: stored.ID,
			ParentID: rootOf(task),
		}); err != nil {
			tagLogger.WithError(err).Error("Failed to schedule tag processing")
			if serr := p.store.SetTagStatus(ctx, stored.ID, model.StatusError, err.Error()); serr != nil {
				return created, xerrors.Errorf("marking tag %s failed: %w", stored.ID, serr)
			}
		}
	}
	return created, nil
}

// listTags returns the last TagsPerRepo tags of each image in a repository. Artifactory repo keys are
// expanded to their images, and native Helm repositories are read from their
// index.
func (p *Pipeline) listTags(ctx context.Context, client registry.Client, repository *model.Repository) ([]discoveredTag, error) {
	limit := p.config.TagsPerRepo
	if client.Provider() != model.ProviderJFrog {
		tags, err := client.ListTags(ctx, repository.Name, 0)
		if err != nil {
			return nil, err
		}
		return plainTags(lastTags(tags, limit), ""), nil
	}

	if repository.RepositoryType == model.RepositoryTypeHelm {
		if index, ok := client.(registry.ChartIndex); ok {
			versions, err := index.HelmIndex(ctx, repository.Name)
			if err != nil {
				return nil, err
			}
			discovered := make([]discoveredTag, 0, len(versions))
			for _, v := range versions {
				discovered = append(discovered, discoveredTag{Tag: v.Version, ImagePath: v.Chart, ChartURL: v.URL})
			}
			return discovered, nil
		}
	}

	var discovered []discoveredTag
	last := ""
	for {
		images, next, err := client.ListCatalog(ctx, repository.Name, p.config.CatalogPageSize, last)
		if err != nil {
			return nil, err
		}
		for _, image := range images {
			tags, err := client.ListTags(ctx, registry.RepositoryPath(*repository, image), 0)
			if err != nil {
				log.WithError(err).WithFields(log.Fields{"repository": repository.Name, "image_path": image}).
					Warn("Skipping image without tags")
				continue
			}
			discovered = append(discovered, plainTags(lastTags(tags, limit), image)...)
		}
		if next == "" || next == last {
			return discovered, nil
		}
		last = next
	}
}

// lastTags keeps the tail of the registry listing, which holds the most
// recently pushed tags.
func lastTags(tags []string, n int) []string {
	if n <= 0 || len(tags) <= n {
		return tags
	}
	return tags[len(tags)-n:]
}

func plainTags(tags []string, imagePath string) []discoveredTag {
	discovered := make([]discoveredTag, 0, len(tags))
	for _, t := range tags {
		discovered = append(discovered, discoveredTag{Tag: t, ImagePath: imagePath})
	}
	return discovered
}

func (p *Pipeline) processTag(ctx context.Context, task queue.Task) queue.Result {
	tag, err := p.store.GetTag(ctx, task.TargetID)
	if err != nil {
		return queue.Failure(task, err.Error())
	}
	logger := log.WithFields(log.Fields{"tag_id": tag.ID, "tag": tag.Tag, "image_path": tag.ImagePath})
	claimed, err := p.store.ClaimTag(ctx, tag.ID)
	if err != nil {
		return queue.Failure(task, err.Error())
	}
	if !claimed {
		logger.Debug("Skip the tag processed by another task")
		return queue.Skipped(task, "tag is already being processed")
	}

	images, failures, err := p.tagImages(ctx, tag)
	if err != nil {
		logger.WithError(err).Error("Tag processing failed")
		if serr := p.store.SetTagStatus(ctx, tag.ID, model.StatusError, err.Error()); serr != nil {
			logger.WithError(serr).Error("Failed to mark tag as failed")
		}
		return queue.Failure(task, err.Error())
	}

	var linked, scheduled int
	for _, image := range images {
		stored, _, err := p.store.GetOrCreateImage(ctx, image)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", image.Name, err))
			continue
		}
		if err = p.store.LinkTagImage(ctx, tag.ID, stored.ID); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", image.Name, err))
			continue
		}
		linked++
		if _, ok, err := p.TriggerImage(ctx, stored.ID, rootOf(task)); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", image.Name, err))
		} else if ok {
			scheduled++
		}
	}

	status, message := model.StatusSuccess, ""
	if len(images) > 0 && linked == 0 {
		status, message = model.StatusError, fmt.Sprintf("no image of %d could be stored", len(images))
	}
	if err = p.store.SetTagStatus(ctx, tag.ID, status, message); err != nil {
		return queue.Failure(task, err.Error())
	}
	if status == model.StatusError {
		return queue.Failure(task, message)
	}
	return queue.Success(task, fmt.Sprintf("linked %d images, scheduled %d scans", linked, scheduled), map[string]interface{}{
		"images":    linked,
		"scheduled": scheduled,
		"failures":  failures,
	})
}

// tagImages returns the images a tag stands for: the image itself for docker
// repositories, the images referenced by the chart for helm repositories.
// Unresolvable chart images are reported as failures and do not fail the tag.
func (p *Pipeline) tagImages(ctx context.Context, tag *model.Tag) ([]model.Image, []string, error) {
	if tag.Repository == nil || tag.Repository.Registry == nil {
		return nil, nil, xerrors.Errorf("tag %s has no registry: %w", tag.ID, ErrPrecondition)
	}
	repository := *tag.Repository
	client, err := p.clients(*repository.Registry)
	if err != nil {
		return nil, nil, err
	}
	artifact := registry.ImageReference(repository, tag.ImagePath, tag.Tag)

	if repository.RepositoryType != model.RepositoryTypeHelm {
		return []model.Image{{Name: artifact, Digest: tag.Digest, ArtifactReference: artifact}}, nil, nil
	}

	var refs []string
	if tag.ChartURL != "" {
		index, ok := client.(registry.ChartIndex)
		if !ok {
			return nil, nil, xerrors.Errorf("registry %s serves no chart index: %w", repository.Registry.Name, ErrPrecondition)
		}
		refs = p.resolver.NativeHelmImages(ctx, index, tag.ChartURL)
	} else {
		repo := registry.RepositoryPath(repository, tag.ImagePath)
		m, err := client.GetManifest(ctx, repo, tag.Tag)
		if err != nil {
			return nil, nil, err
		}
		chartDigest, err := manifest.ChartDigest(m)
		if err != nil {
			return nil, nil, err
		}
		refs = p.resolver.HelmImages(ctx, client, repo, chartDigest)
	}

	fallbacks, err := p.fallbacks(ctx, repository.ID)
	if err != nil {
		return nil, nil, err
	}

	var images []model.Image
	var failures []string
	for _, ref := range refs {
		resolution, err := p.resolver.ResolveWithFallback(ctx, ref, client, fallbacks)
		if err != nil {
			log.WithError(err).WithField("image", ref).Warn("Chart image could not be resolved")
			failures = append(failures, err.Error())
			continue
		}
		images = append(images, model.Image{Name: resolution.Ref, Digest: resolution.Digest, ArtifactReference: artifact})
	}
	return images, failures, nil
}

func (p *Pipeline) fallbacks(ctx context.Context, repositoryID string) ([]manifest.Fallback, error) {
	repositories, err := p.store.RepositoryFallbacks(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	fallbacks := make([]manifest.Fallback, 0, len(repositories))
	for _, r := range repositories {
		if r.Registry == nil {
			continue
		}
		client, err := p.clients(*r.Registry)
		if err != nil {
			log.WithError(err).WithField("repository", r.Name).Warn("Skipping fallback repository")
			continue
		}
		fallbacks = append(fallbacks, manifest.Fallback{URL: r.URL, Client: client})
	}
	return fallbacks, nil
}

// rootOf is the task whose monitor follows the whole fan-out tree.
func rootOf(task queue.Task) string {
	if task.ParentID != "" {
		return task.ParentID
	}
	return task.ID
}

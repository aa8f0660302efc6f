package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/hitrack/hitrack-scanner/pkg/model"
	"github.com/hitrack/hitrack-scanner/pkg/persistence"
	"github.com/hitrack/hitrack-scanner/pkg/queue"
	"github.com/hitrack/hitrack-scanner/pkg/registry"
	"github.com/hitrack/hitrack-scanner/pkg/scantool"
)

// The four image stages. Each one reloads the image, does its work and hands
// over to the next stage. An image leaves in_process only through
// processScanResults or through failImage.

func (p *Pipeline) generateSBOM(ctx context.Context, task queue.Task) queue.Result {
	claimed, err := p.store.ClaimImage(ctx, task.TargetID)
	if err != nil {
		return p.retryOrFail(ctx, task, xerrors.Errorf("claiming image: %w", err))
	}
	if !claimed {
		return queue.Skipped(task, "image is already being processed")
	}

	image, err := p.store.GetImage(ctx, task.TargetID)
	if err != nil {
		return p.retryOrFail(ctx, task, err)
	}

	auth, err := p.imageAuth(ctx, image.Name)
	if err != nil {
		log.WithError(err).WithField("image", image.Name).Warn("Falling back to configured registry credentials")
		auth = p.fallbackAuth()
	}

	result, err := p.tool.GenerateSBOM(ctx, scantool.ImageRequest{Ref: image.Name, Auth: auth})
	if err != nil {
		return p.retryOrFail(ctx, task, xerrors.Errorf("generating SBOM: %w", err))
	}
	if err = p.store.SaveSBOM(ctx, image.ID, result.SBOM, result.Digest); err != nil {
		return p.retryOrFail(ctx, task, err)
	}

	return p.next(ctx, task, queue.TypeParseSBOM, "SBOM generated", map[string]interface{}{
		"image":  image.Name,
		"digest": result.Digest,
		"bytes":  len(result.SBOM),
	})
}

func (p *Pipeline) parseSBOM(ctx context.Context, task queue.Task) queue.Result {
	image, res, ok := p.loadInProcess(ctx, task)
	if !ok {
		return res
	}
	if !image.HasSBOM() {
		return p.retryOrFail(ctx, task, xerrors.Errorf("image %s has no SBOM: %w", image.ID, ErrPrecondition))
	}

	summary, err := p.engine.IngestSBOM(ctx, image.ID, image.SBOM)
	if err != nil {
		return p.retryOrFail(ctx, task, err)
	}
	return p.next(ctx, task, queue.TypeVulnScan, "SBOM ingested", map[string]interface{}{"summary": summary})
}

func (p *Pipeline) vulnScan(ctx context.Context, task queue.Task) queue.Result {
	image, res, ok := p.loadInProcess(ctx, task)
	if !ok {
		return res
	}
	if !image.HasSBOM() {
		return p.retryOrFail(ctx, task, xerrors.Errorf("image %s has no SBOM: %w", image.ID, ErrPrecondition))
	}

	result, err := p.tool.Scan(ctx, image.SBOM)
	if err != nil {
		return p.retryOrFail(ctx, task, xerrors.Errorf("scanning SBOM: %w", err))
	}
	if err = p.store.SaveScanReport(ctx, image.ID, result.Raw); err != nil {
		return p.retryOrFail(ctx, task, err)
	}
	return p.next(ctx, task, queue.TypeProcessScanResults, "vulnerability scan completed", map[string]interface{}{
		"matches": len(result.Report.Matches),
	})
}

func (p *Pipeline) processScanResults(ctx context.Context, task queue.Task) queue.Result {
	image, res, ok := p.loadInProcess(ctx, task)
	if !ok {
		return res
	}
	if len(image.ScanReport) == 0 {
		return p.retryOrFail(ctx, task, xerrors.Errorf("image %s has no scan report: %w", image.ID, ErrPrecondition))
	}

	report, err := scantool.ParseReport(image.ScanReport)
	if err != nil {
		return p.retryOrFail(ctx, task, err)
	}
	summary, err := p.engine.ApplyScanResult(ctx, image.ID, report)
	if err != nil {
		return p.retryOrFail(ctx, task, err)
	}

	done, err := p.store.TransitionImage(ctx, image.ID, model.StatusInProcess, model.StatusSuccess)
	if err != nil {
		return p.retryOrFail(ctx, task, err)
	}
	if !done {
		return queue.Skipped(task, "image left in_process while results were applied")
	}
	return queue.Success(task, "scan results applied", map[string]interface{}{"summary": summary})
}

// loadInProcess reloads the image of a follow-up stage. Anything else than
// in_process means another invocation already finished or failed it.
func (p *Pipeline) loadInProcess(ctx context.Context, task queue.Task) (*model.Image, queue.Result, bool) {
	image, err := p.store.GetImage(ctx, task.TargetID)
	if err != nil {
		return nil, p.retryOrFail(ctx, task, err), false
	}
	if image.ScanStatus != model.StatusInProcess {
		return nil, queue.Skipped(task, fmt.Sprintf("image is %s", image.ScanStatus)), false
	}
	return image, queue.Result{}, true
}

// next schedules the following stage of the same image.
func (p *Pipeline) next(ctx context.Context, task queue.Task, nextType queue.TaskType, message string, data map[string]interface{}) queue.Result {
	_, err := p.enqueuer.Enqueue(ctx, queue.Task{
		Type:     nextType,
		TargetID: task.TargetID,
		Stage:    nextType.String(),
		ParentID: task.ParentID,
	})
	if err != nil {
		msg := fmt.Sprintf("scheduling %s: %v", nextType, err)
		p.failImage(ctx, task.TargetID, msg)
		return queue.Failure(task, msg)
	}
	return queue.Success(task, message, data)
}

// retryOrFail asks for another attempt with exponential backoff while the
// budget lasts. Permanent errors and an exhausted budget fail the image.
func (p *Pipeline) retryOrFail(ctx context.Context, task queue.Task, err error) queue.Result {
	logger := log.WithFields(log.Fields{
		"task_id":   task.ID,
		"task_type": task.Type,
		"image_id":  task.TargetID,
		"attempt":   task.Attempt,
	})
	if !isPermanent(err) && task.Attempt < p.config.MaxRetries {
		if task.Type == queue.TypeGenerateSBOM {
			// Release the claim so that the next attempt can take it again.
			if _, terr := p.store.TransitionImage(ctx, task.TargetID, model.StatusInProcess, model.StatusPending); terr != nil {
				logger.WithError(terr).Warn("Failed to release image claim")
			}
		}
		logger.WithError(err).Warn("Stage failed, retrying")
		return queue.Retry(task, err.Error(), p.backoff(task.Attempt))
	}

	logger.WithError(err).Error("Stage failed")
	p.failImage(ctx, task.TargetID, fmt.Sprintf("%s: %v", task.Type, err))
	return queue.Failure(task, err.Error())
}

func (p *Pipeline) failImage(ctx context.Context, imageID, message string) {
	if err := p.store.FailImage(ctx, imageID, message); err != nil && !xerrors.Is(err, persistence.ErrNotFound) {
		log.WithError(err).WithField("image_id", imageID).Error("Failed to mark image as failed")
	}
}

// imageAuth resolves pull credentials from the registry that hosts the image.
func (p *Pipeline) imageAuth(ctx context.Context, imageRef string) (scantool.RegistryAuth, error) {
	reg, err := p.store.RegistryByHost(ctx, registry.ImageHost(imageRef))
	if err != nil {
		if xerrors.Is(err, persistence.ErrNotFound) {
			return p.fallbackAuth(), nil
		}
		return scantool.RegistryAuth{}, err
	}
	client, err := p.clients(*reg)
	if err != nil {
		return scantool.RegistryAuth{}, err
	}
	credential, err := client.GetToken(ctx)
	if err != nil {
		return scantool.RegistryAuth{}, xerrors.Errorf("getting registry token: %w", err)
	}
	return ToRegistryAuth(credential, *reg)
}

// ToRegistryAuth maps a registry credential onto the pull credentials of the
// scan tool.
func ToRegistryAuth(credential registry.Credential, reg model.Registry) (scantool.RegistryAuth, error) {
	switch credential.Scheme {
	case "":
		return scantool.RegistryAuth{}, nil
	case "Bearer":
		return scantool.RegistryAuth{Bearer: credential.Token}, nil
	case "Basic":
		if reg.Login != "" {
			return scantool.RegistryAuth{Username: reg.Login, Password: reg.Password}, nil
		}
		return decodeBasicAuth(credential.Token)
	}
	return scantool.RegistryAuth{}, xerrors.Errorf("unrecognized authorization type: %s", credential.Scheme)
}

func decodeBasicAuth(value string) (scantool.RegistryAuth, error) {
	creds, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return scantool.RegistryAuth{}, xerrors.Errorf("decoding basic credentials: %w", err)
	}
	username, password, ok := strings.Cut(string(creds), ":")
	if !ok {
		return scantool.RegistryAuth{}, xerrors.New("decoding basic credentials: expected <username>:<password>")
	}
	return scantool.RegistryAuth{Username: username, Password: password}, nil
}

func (p *Pipeline) fallbackAuth() scantool.RegistryAuth {
	return scantool.RegistryAuth{Username: p.config.FallbackUsername, Password: p.config.FallbackPassword}
}

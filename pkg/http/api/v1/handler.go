package v1

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/schema"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/hitrack/hitrack-scanner/pkg/etc"
	"github.com/hitrack/hitrack-scanner/pkg/http/api"
	"github.com/hitrack/hitrack-scanner/pkg/persistence"
	"github.com/hitrack/hitrack-scanner/pkg/queue"
)

const (
	pathAPIPrefix    = "/api/v1"
	pathTrigger      = "/tasks/{task_type}"
	pathTask         = "/tasks/{task_id}"
	pathImageScan    = "/images/{image_id}/scan"
	pathVersion      = "/version"
	pathProbeHealthy = "/probe/healthy"
	pathProbeReady   = "/probe/ready"

	pathVarTaskType = "task_type"
	pathVarTaskID   = "task_id"
	pathVarImageID  = "image_id"

	readinessTimeout = 5 * time.Second
)

// ImageTrigger schedules the scan chain of a single image.
type ImageTrigger interface {
	TriggerImage(ctx context.Context, imageID, parentID string) (queue.Task, bool, error)
}

// Check reports whether a backing service is usable.
type Check func(ctx context.Context) error

// TriggerParams are the query parameters accepted when triggering a task.
type TriggerParams struct {
	TargetID string `schema:"target_id"`
	DryRun   bool   `schema:"dry_run"`
	Force    bool   `schema:"force"`
}

var targetedTypes = map[queue.TaskType]bool{
	queue.TypeScanRepositoryTags:  true,
	queue.TypeProcessTag:          true,
	queue.TypeUpdateImageLatest:   true,
	queue.TypeEnrichVulnerability: true,
	queue.TypeMonitorBulk:         true,
}

type requestHandler struct {
	info     etc.BuildInfo
	enqueuer queue.Enqueuer
	trigger  ImageTrigger
	checks   map[string]Check
	decoder  *schema.Decoder
	api.BaseHandler
}

func NewAPIHandler(info etc.BuildInfo, enqueuer queue.Enqueuer, trigger ImageTrigger, checks map[string]Check) http.Handler {
	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)

	handler := &requestHandler{
		info:     info,
		enqueuer: enqueuer,
		trigger:  trigger,
		checks:   checks,
		decoder:  decoder,
	}

	router := mux.NewRouter()
	v1Router := router.PathPrefix(pathAPIPrefix).Subrouter()

	v1Router.Methods(http.MethodPost).Path(pathTrigger).HandlerFunc(handler.TriggerTask)
	v1Router.Methods(http.MethodGet).Path(pathTask).HandlerFunc(handler.GetTaskStatus)
	v1Router.Methods(http.MethodDelete).Path(pathTask).HandlerFunc(handler.RevokeTask)
	v1Router.Methods(http.MethodPost).Path(pathImageScan).HandlerFunc(handler.ScanImage)
	v1Router.Methods(http.MethodGet).Path(pathVersion).HandlerFunc(handler.GetVersion)

	router.Methods(http.MethodGet).Path(pathProbeHealthy).HandlerFunc(handler.GetHealthy)
	router.Methods(http.MethodGet).Path(pathProbeReady).HandlerFunc(handler.GetReady)
	return router
}

func (h *requestHandler) TriggerTask(res http.ResponseWriter, req *http.Request) {
	taskType := queue.TaskType(mux.Vars(req)[pathVarTaskType])

	var params TriggerParams
	if err := h.decoder.Decode(&params, req.URL.Query()); err != nil {
		log.WithError(err).Error("Error while decoding trigger parameters")
		h.WriteJSONError(res, api.Error{
			HTTPCode: http.StatusBadRequest,
			Message:  fmt.Sprintf("decoding query: %s", err.Error()),
		})
		return
	}

	if validationError := h.ValidateTrigger(taskType, params); validationError != nil {
		log.WithField("task_type", taskType).Errorf("Error while validating trigger: %s", validationError.Message)
		h.WriteJSONError(res, *validationError)
		return
	}

	task := queue.Task{Type: taskType, TargetID: params.TargetID}
	if params.DryRun || params.Force {
		task.Args = map[string]string{}
		if params.DryRun {
			task.Args[queue.ArgDryRun] = "true"
		}
		if params.Force {
			task.Args[queue.ArgForce] = "true"
		}
	}

	task, err := h.enqueuer.Enqueue(req.Context(), task)
	if err != nil {
		log.WithError(err).WithField("task_type", taskType).Error("Error while enqueuing task")
		h.WriteJSONError(res, api.Error{
			HTTPCode: http.StatusInternalServerError,
			Message:  fmt.Sprintf("enqueuing task: %s", err.Error()),
		})
		return
	}
	log.WithFields(log.Fields{"task_id": task.ID, "task_type": task.Type}).Info("Triggered task")

	h.WriteJSON(res, task, api.MimeTypeTask, http.StatusAccepted)
}

func (h *requestHandler) ValidateTrigger(taskType queue.TaskType, params TriggerParams) *api.Error {
	if !taskType.IsValid() {
		return &api.Error{
			HTTPCode: http.StatusNotFound,
			Message:  fmt.Sprintf("unknown task type: %s", taskType),
		}
	}

	if taskType.IsStage() {
		return &api.Error{
			HTTPCode: http.StatusUnprocessableEntity,
			Message:  fmt.Sprintf("%s is a pipeline stage, use %s%s", taskType, pathAPIPrefix, pathImageScan),
		}
	}

	if targetedTypes[taskType] && params.TargetID == "" {
		return &api.Error{
			HTTPCode: http.StatusUnprocessableEntity,
			Message:  "missing target_id",
		}
	}

	return nil
}

func (h *requestHandler) ScanImage(res http.ResponseWriter, req *http.Request) {
	imageID := mux.Vars(req)[pathVarImageID]
	reqLog := log.WithField("image_id", imageID)

	task, ok, err := h.trigger.TriggerImage(req.Context(), imageID, "")
	if err != nil {
		if xerrors.Is(err, persistence.ErrNotFound) {
			h.WriteJSONError(res, api.Error{
				HTTPCode: http.StatusNotFound,
				Message:  fmt.Sprintf("cannot find image: %s", imageID),
			})
			return
		}
		reqLog.WithError(err).Error("Error while triggering image scan")
		h.WriteJSONError(res, api.Error{
			HTTPCode: http.StatusInternalServerError,
			Message:  fmt.Sprintf("triggering image scan: %s", err.Error()),
		})
		return
	}
	if !ok {
		reqLog.Debug("Image is already being processed")
		h.WriteJSONError(res, api.Error{
			HTTPCode: http.StatusConflict,
			Message:  fmt.Sprintf("image %s is already being processed", imageID),
		})
		return
	}

	reqLog.WithField("task_id", task.ID).Info("Triggered image scan")
	h.WriteJSON(res, task, api.MimeTypeTask, http.StatusAccepted)
}

func (h *requestHandler) GetTaskStatus(res http.ResponseWriter, req *http.Request) {
	taskID := mux.Vars(req)[pathVarTaskID]

	state, err := h.enqueuer.Status(req.Context(), taskID)
	if err != nil {
		h.writeTaskError(res, taskID, "getting task status", err)
		return
	}

	h.WriteJSON(res, state, api.MimeTypeTaskState, http.StatusOK)
}

func (h *requestHandler) RevokeTask(res http.ResponseWriter, req *http.Request) {
	taskID := mux.Vars(req)[pathVarTaskID]

	if err := h.enqueuer.Revoke(req.Context(), taskID); err != nil {
		h.writeTaskError(res, taskID, "revoking task", err)
		return
	}

	res.WriteHeader(http.StatusNoContent)
}

func (h *requestHandler) writeTaskError(res http.ResponseWriter, taskID, action string, err error) {
	if xerrors.Is(err, persistence.ErrNotFound) {
		h.WriteJSONError(res, api.Error{
			HTTPCode: http.StatusNotFound,
			Message:  fmt.Sprintf("cannot find task: %s", taskID),
		})
		return
	}
	log.WithError(err).WithField("task_id", taskID).Errorf("Error while %s", action)
	h.WriteJSONError(res, api.Error{
		HTTPCode: http.StatusInternalServerError,
		Message:  fmt.Sprintf("%s: %s", action, err.Error()),
	})
}

func (h *requestHandler) GetVersion(res http.ResponseWriter, _ *http.Request) {
	h.WriteJSON(res, map[string]string{
		"version": h.info.Version,
		"commit":  h.info.Commit,
		"date":    h.info.Date,
	}, api.MimeTypeHealth, http.StatusOK)
}

func (h *requestHandler) GetHealthy(res http.ResponseWriter, _ *http.Request) {
	res.WriteHeader(http.StatusOK)
}

func (h *requestHandler) GetReady(res http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), readinessTimeout)
	defer cancel()

	status := http.StatusOK
	report := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			log.WithError(err).WithField("check", name).Warn("Readiness check failed")
			report[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		report[name] = "ok"
	}

	h.WriteJSON(res, report, api.MimeTypeHealth, status)
}

package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"visionq/internal/api/response"
	"visionq/internal/cache"
	"visionq/internal/imaging"
	"visionq/internal/storage"
	"visionq/internal/store"
	"visionq/pkg/models"
)

const resultCacheTTL = 10 * time.Minute

// Jobs serves the asynchronous job endpoints: submission, metadata polling
// and artifact retrieval.
type Jobs struct {
	store store.Store
	cache cache.Cache
	files *storage.Storage
}

func NewJobs(s store.Store, c cache.Cache, files *storage.Storage) *Jobs {
	return &Jobs{store: s, cache: c, files: files}
}

// jobOut is the API shape of a job row.
type jobOut struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	TaskType  string    `json:"task_type"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Progress  int       `json:"progress"`

	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`

	ImageWidth  *int `json:"image_width,omitempty"`
	ImageHeight *int `json:"image_height,omitempty"`

	Conf  *float64 `json:"conf,omitempty"`
	IoU   *float64 `json:"iou,omitempty"`
	ImgSz *int     `json:"imgsz,omitempty"`

	ErrorMessage *string `json:"error_message,omitempty"`

	HasResultJSON     bool `json:"has_result_json"`
	HasAnnotatedImage bool `json:"has_annotated_image"`
}

func toJobOut(j *models.Job) jobOut {
	return jobOut{
		ID:                j.ID.String(),
		Status:            j.Status,
		TaskType:          j.TaskType,
		CreatedAt:         j.CreatedAt,
		UpdatedAt:         j.UpdatedAt,
		Progress:          j.Progress,
		Filename:          j.Filename,
		ContentType:       j.ContentType,
		SizeBytes:         j.SizeBytes,
		ImageWidth:        j.ImageWidth,
		ImageHeight:       j.ImageHeight,
		Conf:              j.Conf,
		IoU:               j.IoU,
		ImgSz:             j.ImgSz,
		ErrorMessage:      j.ErrorMessage,
		HasResultJSON:     j.ResultPath != "",
		HasAnnotatedImage: j.AnnotatedPath != "",
	}
}

// Create handles POST /api/v1/jobs: multipart upload of one image plus task
// type and optional inference parameters. The job row is created in
// "uploading" and either promoted to "queued" or deleted together with any
// partial files when validation fails.
func (h *Jobs) Create(w http.ResponseWriter, r *http.Request) {
	taskType := r.FormValue("task_type")
	if !models.ValidTaskType(taskType) {
		response.Error(w, http.StatusUnprocessableEntity, "INVALID_PARAMETER",
			"task_type must be one of object, pose", nil)
		return
	}

	params, errMsg := parseSubmissionParams(r)
	if errMsg != "" {
		response.Error(w, http.StatusUnprocessableEntity, "INVALID_PARAMETER", errMsg, nil)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "file is required", nil)
		return
	}
	defer file.Close()

	filename := header.Filename
	if filename == "" {
		filename = "upload"
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:          uuid.New(),
		Status:      models.JobStatusUploading,
		TaskType:    taskType,
		CreatedAt:   now,
		UpdatedAt:   now,
		Filename:    filename,
		ContentType: header.Header.Get("Content-Type"),
		Conf:        params.Conf,
		IoU:         params.IoU,
		ImgSz:       params.ImgSz,
	}
	if job.ContentType == "" {
		job.ContentType = "application/octet-stream"
	}

	ctx := r.Context()
	if err := h.store.CreateJob(ctx, job); err != nil {
		slog.Error("create job row", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
		return
	}

	tmpPath, sizeBytes, err := h.files.SaveUpload(file, job.ID)
	if err != nil {
		h.rollback(r, job.ID, tmpPath)
		if errors.Is(err, storage.ErrTooLarge) {
			response.Error(w, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE",
				"File too large", nil)
			return
		}
		slog.Error("save upload", "job_id", job.ID, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
		return
	}

	width, height, contentType, err := imaging.ValidateFile(tmpPath)
	if err != nil {
		h.rollback(r, job.ID, tmpPath)
		switch {
		case errors.Is(err, imaging.ErrUnsupported):
			response.Error(w, http.StatusUnsupportedMediaType, "UNSUPPORTED_TYPE",
				"Unsupported image type. Allowed: jpg, png, webp.", nil)
		case errors.Is(err, imaging.ErrUndecodable):
			response.Error(w, http.StatusBadRequest, "INVALID_IMAGE",
				"Invalid image file.", nil)
		default:
			slog.Error("validate upload", "job_id", job.ID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
		}
		return
	}

	suffix, _ := imaging.SuffixForContentType(contentType)
	finalPath, err := h.files.PromoteUpload(tmpPath, job.ID, suffix)
	if err != nil {
		h.rollback(r, job.ID, tmpPath)
		slog.Error("promote upload", "job_id", job.ID, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
		return
	}

	applied, err := h.store.UpdateJob(ctx, job.ID, models.JobStatusUploading,
		store.WithStatus(models.JobStatusQueued),
		store.WithUploadMeta(finalPath, contentType, sizeBytes, width, height))
	if err != nil || !applied {
		h.rollback(r, job.ID, finalPath)
		slog.Error("queue job", "job_id", job.ID, "applied", applied, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
		return
	}

	queued, err := h.store.GetJob(ctx, job.ID)
	if err != nil {
		slog.Error("fetch queued job", "job_id", job.ID, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
		return
	}

	response.Created(w, map[string]any{"job": toJobOut(queued)})
}

// Get handles GET /api/v1/jobs/{jobID}.
func (h *Jobs) Get(w http.ResponseWriter, r *http.Request) {
	job, ok := h.fetchJob(w, r)
	if !ok {
		return
	}
	response.JSON(w, toJobOut(job))
}

// Result handles GET /api/v1/jobs/{jobID}/result. The payload is served
// byte-for-byte from the stored artifact (or the cache of it); it is never
// recomputed.
func (h *Jobs) Result(w http.ResponseWriter, r *http.Request) {
	job, ok := h.fetchJob(w, r)
	if !ok {
		return
	}
	if job.Status != models.JobStatusSucceeded {
		response.Error(w, http.StatusConflict, "JOB_NOT_READY",
			fmt.Sprintf("Job not ready (status: %s)", job.Status), nil)
		return
	}

	if payload, found, err := h.cache.GetResultPayload(r.Context(), job.ID); err == nil && found {
		response.Raw(w, "application/json", payload)
		return
	}

	payload, ok := h.readArtifact(w, job.ResultPath, "Result JSON not found")
	if !ok {
		return
	}
	if err := h.cache.SetResultPayload(r.Context(), job.ID, payload, resultCacheTTL); err != nil {
		slog.Warn("cache result payload", "job_id", job.ID, "error", err)
	}
	response.Raw(w, "application/json", payload)
}

// Annotated handles GET /api/v1/jobs/{jobID}/annotated.
func (h *Jobs) Annotated(w http.ResponseWriter, r *http.Request) {
	job, ok := h.fetchJob(w, r)
	if !ok {
		return
	}
	if job.Status != models.JobStatusSucceeded {
		response.Error(w, http.StatusConflict, "JOB_NOT_READY",
			fmt.Sprintf("Job not ready (status: %s)", job.Status), nil)
		return
	}

	payload, ok := h.readArtifact(w, job.AnnotatedPath, "Annotated image not found")
	if !ok {
		return
	}
	response.Raw(w, "image/jpeg", payload)
}

func (h *Jobs) fetchJob(w http.ResponseWriter, r *http.Request) (*models.Job, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
		return nil, false
	}
	job, err := h.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
		return nil, false
	}
	if err != nil {
		slog.Error("get job", "job_id", id, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
		return nil, false
	}
	return job, true
}

func (h *Jobs) readArtifact(w http.ResponseWriter, path, notFoundMsg string) ([]byte, bool) {
	if path == "" {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", notFoundMsg, nil)
		return nil, false
	}
	payload, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", notFoundMsg, nil)
		return nil, false
	}
	if err != nil {
		slog.Error("read artifact", "path", path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
		return nil, false
	}
	return payload, true
}

// rollback removes the partially written upload and the job row. Cleanup is
// best-effort: failures are logged, never surfaced to the client beyond the
// original error.
func (h *Jobs) rollback(r *http.Request, jobID uuid.UUID, paths ...string) {
	if err := h.files.Remove(paths...); err != nil {
		slog.Warn("rollback: remove upload files", "job_id", jobID, "error", err)
	}
	if err := h.store.DeleteJob(r.Context(), jobID); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("rollback: delete job row", "job_id", jobID, "error", err)
	}
}

// parseSubmissionParams validates conf, iou and imgsz form values.
// Submission is strict: a present-but-invalid value rejects the request
// (unlike the live endpoint, which parses loosely). imgsz <= 0 is treated as
// absent, matching clients that send 0 for "default".
func parseSubmissionParams(r *http.Request) (models.InferParams, string) {
	var p models.InferParams

	if v := r.FormValue("conf"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return p, "conf must be a number"
		}
		if f < 0 || f > 1 {
			return p, "conf must be between 0 and 1"
		}
		p.Conf = &f
	}
	if v := r.FormValue("iou"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return p, "iou must be a number"
		}
		if f < 0 || f > 1 {
			return p, "iou must be between 0 and 1"
		}
		p.IoU = &f
	}
	if v := r.FormValue("imgsz"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, "imgsz must be an integer"
		}
		if n > 0 {
			if n < 32 {
				return p, "imgsz must be >= 32"
			}
			p.ImgSz = &n
		}
	}
	return p, ""
}

// Package worker runs the job execution loop: claim one queued job, run
// inference, persist artifacts, finalize. One job is in flight at a time;
// safety against other claimers comes entirely from the store's conditional
// update, not from any in-process lock.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"visionq/internal/config"
	"visionq/internal/detect"
	"visionq/internal/imaging"
	"visionq/internal/storage"
	"visionq/internal/store"
	"visionq/pkg/models"
)

type Worker struct {
	store   store.Store
	engine  *detect.Engine
	files   *storage.Storage
	detCfg  config.DetectorConfig
	idle    time.Duration
	delay   time.Duration
}

func New(s store.Store, engine *detect.Engine, files *storage.Storage, cfg *config.Config) *Worker {
	return &Worker{
		store:  s,
		engine: engine,
		files:  files,
		detCfg: cfg.Detector,
		idle:   cfg.Worker.IdleInterval,
		delay:  cfg.Worker.LoopDelay,
	}
}

// Run polls for work until ctx is cancelled. An empty queue idles for the
// configured interval; between productive iterations a short fixed delay
// bounds busy-polling. A claimed job always runs to a terminal state; there
// is no mid-job cancellation.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("worker started",
		"detector", w.engine.Name(),
		"idle_interval", w.idle.String())

	for {
		if err := ctx.Err(); err != nil {
			slog.Info("worker stopping")
			return nil
		}

		job, err := w.claim(ctx)
		if err != nil {
			slog.Error("claim failed", "error", err)
			sleep(ctx, w.idle)
			continue
		}
		if job == nil {
			sleep(ctx, w.idle)
			continue
		}

		slog.Info("job claimed", "job_id", job.ID, "task_type", job.TaskType)
		if err := w.process(ctx, job); err != nil {
			slog.Warn("job failed", "job_id", job.ID, "error", err)
			w.fail(ctx, job.ID, err)
		} else {
			slog.Info("job succeeded", "job_id", job.ID)
		}

		sleep(ctx, w.delay)
	}
}

// claim peeks the oldest queued job and attempts the queued->running
// compare-and-swap. A lost race (another claimer got there first, or the job
// vanished) returns nil, nil: the outer loop simply re-polls rather than
// chasing the same id.
func (w *Worker) claim(ctx context.Context) (*models.Job, error) {
	job, err := w.store.NextQueuedJob(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	applied, err := w.store.UpdateJob(ctx, job.ID, models.JobStatusQueued,
		store.WithStatus(models.JobStatusRunning),
		store.WithProgress(0))
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, nil
	}

	// Re-fetch so the snapshot we execute against carries the running state.
	return w.store.GetJob(ctx, job.ID)
}

func (w *Worker) process(ctx context.Context, job *models.Job) error {
	f, err := os.Open(job.InputPath)
	if err != nil {
		return fmt.Errorf("open input image: %w", err)
	}
	img, _, err := imaging.Decode(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("decode input image: %w", err)
	}

	pred, inferenceMS, err := w.engine.Infer(ctx, job.TaskType, img, job.Params())
	if err != nil {
		return fmt.Errorf("inference: %w", err)
	}

	annotated, err := imaging.EncodeJPEG(imaging.Annotate(img, *pred))
	if err != nil {
		return fmt.Errorf("render annotated image: %w", err)
	}

	payload, err := json.MarshalIndent(w.buildResult(job, pred, inferenceMS), "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	resultPath, annotatedPath, err := w.files.WriteArtifacts(job.ID, payload, annotated)
	if err != nil {
		return fmt.Errorf("write artifacts: %w", err)
	}

	applied, err := w.store.UpdateJob(ctx, job.ID, models.JobStatusRunning,
		store.WithStatus(models.JobStatusSucceeded),
		store.WithProgress(100),
		store.WithArtifacts(resultPath, annotatedPath))
	if err != nil {
		return fmt.Errorf("finalize success: %w", err)
	}
	if !applied {
		return fmt.Errorf("finalize success: job no longer running")
	}
	return nil
}

// fail records the terminal failed state. It works from a fresh fetch of the
// row, never the in-memory snapshot, and swallows its own errors: a job we
// cannot even mark failed stays running and is surfaced in the logs for an
// operator to requeue.
func (w *Worker) fail(ctx context.Context, jobID uuid.UUID, cause error) {
	fresh, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		slog.Error("failure finalization: fetch job", "job_id", jobID, "error", err)
		return
	}
	if fresh.Status != models.JobStatusRunning {
		slog.Warn("failure finalization: job no longer running",
			"job_id", jobID, "status", fresh.Status)
		return
	}

	applied, err := w.store.UpdateJob(ctx, jobID, models.JobStatusRunning,
		store.WithStatus(models.JobStatusFailed),
		store.WithErrorMessage(cause.Error()))
	if err != nil {
		slog.Error("failure finalization: update job", "job_id", jobID, "error", err)
		return
	}
	if !applied {
		slog.Warn("failure finalization: lost update race", "job_id", jobID)
	}
}

func (w *Worker) buildResult(job *models.Job, pred *models.Prediction, inferenceMS float64) models.JobResult {
	meta := models.ResultMeta{
		JobID:        job.ID.String(),
		TaskType:     job.TaskType,
		ModelWeights: w.detCfg.WeightsFor(job.TaskType),
		CreatedAt:    job.CreatedAt,
		ImageWidth:   job.ImageWidth,
		ImageHeight:  job.ImageHeight,
		Params:       models.ResultParams{Conf: job.Conf, IoU: job.IoU, ImgSz: job.ImgSz},
	}
	if job.TaskType == models.TaskTypePose {
		meta.KeypointFormat = "coco17"
	}

	res := models.JobResult{
		Meta:    meta,
		Runtime: models.Runtime{InferenceMS: inferenceMS},
	}
	if job.TaskType == models.TaskTypePose {
		res.Instances = pred.Instances
		if res.Instances == nil {
			res.Instances = []models.PoseInstance{}
		}
	} else {
		res.Detections = pred.Detections
		if res.Detections == nil {
			res.Detections = []models.Detection{}
		}
	}
	return res
}

// sleep waits for d or until ctx is cancelled, whichever is first.
func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

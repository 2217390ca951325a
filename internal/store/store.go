package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"visionq/pkg/models"
)

var ErrNotFound = errors.New("resource not found")

// Store is the data access interface. All database operations go through
// here. UpdateJob is the only status-mutation primitive: it compares the
// current status inside the UPDATE itself, so callers never race each other
// with read-modify-write cycles.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	DeleteJob(ctx context.Context, id uuid.UUID) error

	// UpdateJob transitions the job from fromStatus to the status carried in
	// opts, applying any additional field updates atomically. It returns
	// false when the row no longer has fromStatus (lost race or deleted);
	// that is a normal outcome, not an error.
	UpdateJob(ctx context.Context, id uuid.UUID, fromStatus string, opts ...JobUpdateOption) (bool, error)

	// NextQueuedJob returns the oldest queued job, or ErrNotFound when the
	// queue is empty. This is a non-binding peek: ownership is only taken by
	// a subsequent UpdateJob(id, queued, WithStatus(running)).
	NextQueuedJob(ctx context.Context) (*models.Job, error)
}

// JobUpdate is the set of fields an UpdateJob call may touch. Nil means
// leave the column alone.
type JobUpdate struct {
	Status        *string
	Progress      *int
	Filename      *string
	ContentType   *string
	SizeBytes     *int64
	ImageWidth    *int
	ImageHeight   *int
	InputPath     *string
	ResultPath    *string
	AnnotatedPath *string
	ErrorMessage  *string
}

type JobUpdateOption func(*JobUpdate)

// ApplyOptions folds the options into a JobUpdate snapshot.
func ApplyOptions(opts ...JobUpdateOption) *JobUpdate {
	u := &JobUpdate{}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

func WithStatus(status string) JobUpdateOption {
	return func(p *JobUpdate) { p.Status = &status }
}

func WithProgress(progress int) JobUpdateOption {
	return func(p *JobUpdate) { p.Progress = &progress }
}

// WithUploadMeta records the validated upload: final file location, decoded
// dimensions, resolved content type and byte size.
func WithUploadMeta(inputPath, contentType string, sizeBytes int64, width, height int) JobUpdateOption {
	return func(p *JobUpdate) {
		p.InputPath = &inputPath
		p.ContentType = &contentType
		p.SizeBytes = &sizeBytes
		p.ImageWidth = &width
		p.ImageHeight = &height
	}
}

// WithArtifacts records where the result payload and annotated image were
// written.
func WithArtifacts(resultPath, annotatedPath string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.ResultPath = &resultPath
		p.AnnotatedPath = &annotatedPath
	}
}

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *JobUpdate) { p.ErrorMessage = &msg }
}

package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusUploading = "uploading"
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
)

const (
	TaskTypeObject = "object"
	TaskTypePose   = "pose"
)

// validTransitions is the forward-only job state machine. A job enters
// "uploading" at creation; validation failures during upload delete the row
// instead of transitioning it.
var validTransitions = map[string][]string{
	JobStatusUploading: {JobStatusQueued},
	JobStatusQueued:    {JobStatusRunning},
	JobStatusRunning:   {JobStatusSucceeded, JobStatusFailed},
}

// CanTransition reports whether from -> to is a legal status transition.
func CanTransition(from, to string) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a job in the given status can never change again.
func IsTerminal(status string) bool {
	return status == JobStatusSucceeded || status == JobStatusFailed
}

// ValidTaskType reports whether t names a supported inference task.
func ValidTaskType(t string) bool {
	return t == TaskTypeObject || t == TaskTypePose
}

// Job is one unit of asynchronous inference work. The API returns the job id
// on POST /api/v1/jobs; the client polls GET /api/v1/jobs/{id} until status
// is succeeded or failed, then fetches the result and annotated artifacts.
type Job struct {
	ID       uuid.UUID `db:"id"        json:"id"`
	Status   string    `db:"status"    json:"status"`
	TaskType string    `db:"task_type" json:"task_type"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`

	Filename    string `db:"filename"     json:"filename"`
	ContentType string `db:"content_type" json:"content_type"`
	SizeBytes   int64  `db:"size_bytes"   json:"size_bytes"`

	ImageWidth  *int `db:"image_width"  json:"image_width,omitempty"`
	ImageHeight *int `db:"image_height" json:"image_height,omitempty"`

	Conf  *float64 `db:"conf"  json:"conf,omitempty"`
	IoU   *float64 `db:"iou"   json:"iou,omitempty"`
	ImgSz *int     `db:"imgsz" json:"imgsz,omitempty"`

	InputPath     string `db:"input_path"     json:"-"`
	ResultPath    string `db:"result_path"    json:"-"`
	AnnotatedPath string `db:"annotated_path" json:"-"`

	Progress     int     `db:"progress"      json:"progress"`
	ErrorMessage *string `db:"error_message" json:"error_message,omitempty"`
}

// InferParams are the optional tuning knobs forwarded to the detector.
type InferParams struct {
	Conf  *float64
	IoU   *float64
	ImgSz *int
}

// Params returns the job's inference parameters.
func (j *Job) Params() InferParams {
	return InferParams{Conf: j.Conf, IoU: j.IoU, ImgSz: j.ImgSz}
}

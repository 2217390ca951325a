// Package detect defines the Detector capability and the Engine that
// serializes access to it. The detector itself is an opaque, swappable
// dependency; the rest of the system only sees structured predictions.
package detect

import (
	"context"
	"errors"
	"image"

	"visionq/pkg/models"
)

var (
	// ErrUnavailable indicates the detector backend cannot be reached.
	ErrUnavailable = errors.New("detector unavailable")
	// ErrInferTimeout indicates inference exceeded the configured deadline.
	ErrInferTimeout = errors.New("inference timed out")
)

// Detector runs model inference. Implementations are not assumed safe for
// concurrent Infer calls on the same task type; the Engine serializes them.
type Detector interface {
	Name() string

	// Load prepares the model for the given task type. Must be idempotent;
	// the Engine guarantees it is called at most once concurrently.
	Load(ctx context.Context, taskType string) error

	// Infer runs the task's model over img and returns a prediction tagged
	// with the task type.
	Infer(ctx context.Context, taskType string, img image.Image, params models.InferParams) (*models.Prediction, error)
}

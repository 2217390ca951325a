package detect

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"visionq/pkg/models"
)

// Engine wraps a Detector with the process-wide concurrency policy:
//
//   - model loading is one-time per task type, double-checked under a
//     read-write lock, shared by every caller;
//   - inference is serialized per task type by a dedicated gate, so object
//     and pose can run concurrently but two callers of the same task queue.
//
// The Engine is shared by the live websocket connections and the worker.
type Engine struct {
	det          Detector
	inferTimeout time.Duration

	loadMu sync.RWMutex
	loaded map[string]bool

	gates map[string]*sync.Mutex
}

// NewEngine creates an Engine over det. inferTimeout bounds each Infer call;
// zero disables the bound.
func NewEngine(det Detector, inferTimeout time.Duration) *Engine {
	return &Engine{
		det:          det,
		inferTimeout: inferTimeout,
		loaded:       make(map[string]bool),
		gates: map[string]*sync.Mutex{
			models.TaskTypeObject: {},
			models.TaskTypePose:   {},
		},
	}
}

// Name reports the underlying detector backend.
func (e *Engine) Name() string { return e.det.Name() }

// ensureLoaded performs the one-time model load for taskType. The fast path
// is a read lock over the loaded map; the slow path re-checks under the
// write lock so concurrent first callers trigger exactly one Load. A failed
// Load is not latched, so the next caller retries.
func (e *Engine) ensureLoaded(ctx context.Context, taskType string) error {
	e.loadMu.RLock()
	ok := e.loaded[taskType]
	e.loadMu.RUnlock()
	if ok {
		return nil
	}

	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	if e.loaded[taskType] {
		return nil
	}
	if err := e.det.Load(ctx, taskType); err != nil {
		return fmt.Errorf("load %s model: %w", taskType, err)
	}
	e.loaded[taskType] = true
	return nil
}

// Infer runs inference for taskType over img and returns the prediction and
// the measured inference latency in milliseconds.
func (e *Engine) Infer(ctx context.Context, taskType string, img image.Image, params models.InferParams) (*models.Prediction, float64, error) {
	if !models.ValidTaskType(taskType) {
		return nil, 0, fmt.Errorf("unknown task type %q", taskType)
	}
	if err := e.ensureLoaded(ctx, taskType); err != nil {
		return nil, 0, err
	}

	gate := e.gates[taskType]
	gate.Lock()
	defer gate.Unlock()

	ictx := ctx
	if e.inferTimeout > 0 {
		var cancel context.CancelFunc
		ictx, cancel = context.WithTimeout(ctx, e.inferTimeout)
		defer cancel()
	}

	start := time.Now()
	pred, err := e.det.Infer(ictx, taskType, img, params)
	inferenceMS := float64(time.Since(start).Microseconds()) / 1000.0
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, inferenceMS, ErrInferTimeout
		}
		return nil, inferenceMS, err
	}
	return pred, inferenceMS, nil
}

// Package mock provides a deterministic in-process detector for tests and
// local development: no weights, no I/O, stable output for a given image
// size.
package mock

import (
	"context"
	"image"

	"visionq/pkg/models"
)

const defaultConfidence = 0.9

// Detector satisfies detect.Detector with canned predictions. The *Func
// fields override behavior per test.
type Detector struct {
	Name_     string
	LoadFunc  func(ctx context.Context, taskType string) error
	InferFunc func(ctx context.Context, taskType string, img image.Image, params models.InferParams) (*models.Prediction, error)
}

// NewDetector returns a Detector with sensible default predictions: one
// centered "person" box for object tasks, one 17-keypoint instance for pose.
func NewDetector() *Detector {
	return &Detector{Name_: "mock"}
}

// NewFailingDetector returns a Detector whose Infer always returns err.
func NewFailingDetector(err error) *Detector {
	return &Detector{
		Name_: "mock-failing",
		InferFunc: func(context.Context, string, image.Image, models.InferParams) (*models.Prediction, error) {
			return nil, err
		},
	}
}

func (d *Detector) Name() string { return d.Name_ }

func (d *Detector) Load(ctx context.Context, taskType string) error {
	if d.LoadFunc != nil {
		return d.LoadFunc(ctx, taskType)
	}
	return nil
}

func (d *Detector) Infer(ctx context.Context, taskType string, img image.Image, params models.InferParams) (*models.Prediction, error) {
	if d.InferFunc != nil {
		return d.InferFunc(ctx, taskType, img, params)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The canned hit respects the caller's confidence threshold so
	// conf-filtering paths are exercisable.
	if params.Conf != nil && *params.Conf > defaultConfidence {
		return &models.Prediction{Task: taskType}, nil
	}

	b := img.Bounds()
	box := [4]float64{
		float64(b.Dx()) * 0.25,
		float64(b.Dy()) * 0.25,
		float64(b.Dx()) * 0.75,
		float64(b.Dy()) * 0.75,
	}

	if taskType == models.TaskTypePose {
		return &models.Prediction{Task: taskType, Instances: []models.PoseInstance{poseInstance(box)}}, nil
	}
	return &models.Prediction{
		Task: taskType,
		Detections: []models.Detection{{
			ClassID:    0,
			ClassName:  "person",
			Confidence: defaultConfidence,
			BBoxXYXY:   box,
		}},
	}, nil
}

// poseInstance spreads the 17 COCO keypoints over a grid inside the box.
func poseInstance(box [4]float64) models.PoseInstance {
	conf := defaultConfidence
	kps := make([]models.Keypoint, len(models.COCO17KeypointNames))
	w := box[2] - box[0]
	h := box[3] - box[1]
	for i, name := range models.COCO17KeypointNames {
		score := defaultConfidence
		kps[i] = models.Keypoint{
			Name:  name,
			X:     box[0] + w*float64(i%4)/3.0,
			Y:     box[1] + h*float64(i/4)/4.0,
			Score: &score,
		}
	}
	return models.PoseInstance{Confidence: &conf, BBoxXYXY: &box, Keypoints: kps}
}

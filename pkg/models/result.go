package models

import "time"

// COCO17KeypointNames is the fixed keypoint ordering produced by pose models.
var COCO17KeypointNames = []string{
	"nose",
	"left_eye",
	"right_eye",
	"left_ear",
	"right_ear",
	"left_shoulder",
	"right_shoulder",
	"left_elbow",
	"right_elbow",
	"left_wrist",
	"right_wrist",
	"left_hip",
	"right_hip",
	"left_knee",
	"right_knee",
	"left_ankle",
	"right_ankle",
}

// Detection is one object-detection hit.
type Detection struct {
	ClassID    int        `json:"class_id"`
	ClassName  string     `json:"class_name"`
	Confidence float64    `json:"confidence"`
	BBoxXYXY   [4]float64 `json:"bbox_xyxy"`
}

// Keypoint is one named pose landmark. Score is nil when the model does not
// report per-keypoint confidence.
type Keypoint struct {
	Name  string   `json:"name"`
	X     float64  `json:"x"`
	Y     float64  `json:"y"`
	Score *float64 `json:"score"`
}

// PoseInstance is one detected person with COCO-17 keypoints.
type PoseInstance struct {
	Confidence *float64    `json:"confidence"`
	BBoxXYXY   *[4]float64 `json:"bbox_xyxy"`
	Keypoints  []Keypoint  `json:"keypoints"`
}

// Prediction is the raw detector output, tagged by task type: Detections is
// populated for object tasks, Instances for pose tasks. The other slice is
// nil.
type Prediction struct {
	Task       string         `json:"task_type"`
	Detections []Detection    `json:"detections,omitempty"`
	Instances  []PoseInstance `json:"instances,omitempty"`
}

// ResultMeta describes the job and model a persisted result came from.
type ResultMeta struct {
	JobID          string       `json:"job_id"`
	TaskType       string       `json:"task_type"`
	ModelWeights   string       `json:"model_weights"`
	CreatedAt      time.Time    `json:"created_at"`
	ImageWidth     *int         `json:"image_width"`
	ImageHeight    *int         `json:"image_height"`
	Params         ResultParams `json:"params"`
	KeypointFormat string       `json:"keypoint_format,omitempty"`
}

// ResultParams echoes the submission-time inference parameters.
type ResultParams struct {
	Conf  *float64 `json:"conf"`
	IoU   *float64 `json:"iou"`
	ImgSz *int     `json:"imgsz"`
}

// Runtime carries measured execution timings.
type Runtime struct {
	InferenceMS float64 `json:"inference_ms"`
}

// JobResult is the structured payload written to result.json for a
// completed job. Exactly one of Detections/Instances is non-nil, matching
// the job's task type.
type JobResult struct {
	Meta       ResultMeta     `json:"meta"`
	Runtime    Runtime        `json:"runtime"`
	Detections []Detection    `json:"detections,omitempty"`
	Instances  []PoseInstance `json:"instances,omitempty"`
}

// LiveReply is one websocket reply for one received frame.
type LiveReply struct {
	TaskType            string     `json:"task_type"`
	Runtime             Runtime    `json:"runtime"`
	Result              Prediction `json:"result"`
	AnnotatedJPEGBase64 string     `json:"annotated_jpeg_base64"`
}

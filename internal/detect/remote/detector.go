// Package remote implements the detector capability against an HTTP
// inference server (a YOLO-serving sidecar). Images go out as JPEG bytes;
// predictions come back as JSON already shaped like models.Prediction.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"visionq/internal/config"
	"visionq/pkg/models"
)

var errBackend = errors.New("detector backend error")

// Detector talks to a remote inference server.
type Detector struct {
	baseURL       string
	objectWeights string
	poseWeights   string
	client        *http.Client
}

func NewDetector(cfg config.DetectorConfig) *Detector {
	return &Detector{
		baseURL:       cfg.Remote.BaseURL,
		objectWeights: cfg.ObjectWeights,
		poseWeights:   cfg.PoseWeights,
		client:        &http.Client{Timeout: cfg.Remote.Timeout},
	}
}

func (d *Detector) Name() string { return "remote" }

func (d *Detector) weightsFor(taskType string) string {
	if taskType == models.TaskTypePose {
		return d.poseWeights
	}
	return d.objectWeights
}

// Load asks the server to load the task's weights. The server treats a
// repeated load of the same weights as a no-op.
func (d *Detector) Load(ctx context.Context, taskType string) error {
	body, err := json.Marshal(map[string]string{"weights": d.weightsFor(taskType)})
	if err != nil {
		return fmt.Errorf("encoding load request: %w", err)
	}

	u := fmt.Sprintf("%s/v1/models/%s/load", d.baseURL, taskType)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: load returned status %d", errBackend, resp.StatusCode)
	}
	return nil
}

// Infer posts the JPEG-encoded image with the tuning parameters as query
// string and decodes the prediction.
func (d *Detector) Infer(ctx context.Context, taskType string, img image.Image, params models.InferParams) (*models.Prediction, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}

	q := url.Values{}
	if params.Conf != nil {
		q.Set("conf", strconv.FormatFloat(*params.Conf, 'f', -1, 64))
	}
	if params.IoU != nil {
		q.Set("iou", strconv.FormatFloat(*params.IoU, 'f', -1, 64))
	}
	if params.ImgSz != nil {
		q.Set("imgsz", strconv.Itoa(*params.ImgSz))
	}

	u := fmt.Sprintf("%s/v1/infer/%s", d.baseURL, taskType)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &buf)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: infer returned status %d", errBackend, resp.StatusCode)
	}

	var pred models.Prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return nil, fmt.Errorf("decoding prediction: %w", err)
	}
	pred.Task = taskType
	return &pred, nil
}

// classifyError keeps context errors intact so the engine can map deadline
// expiry to its timeout sentinel; network failures collapse to a backend
// error.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return context.DeadlineExceeded
	}
	return fmt.Errorf("%w: %v", errBackend, err)
}

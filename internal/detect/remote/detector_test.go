package remote_test

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"visionq/internal/config"
	"visionq/internal/detect/remote"
	"visionq/pkg/models"
)

func newRemote(baseURL string) *remote.Detector {
	return remote.NewDetector(config.DetectorConfig{
		Provider:      "remote",
		ObjectWeights: "yolo11s.pt",
		PoseWeights:   "yolo11s-pose.pt",
		Remote:        config.RemoteConfig{BaseURL: baseURL, Timeout: 5 * time.Second},
	})
}

func testImage() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 32, 24))
}

func TestLoad_PostsWeights(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newRemote(srv.URL)
	require.NoError(t, d.Load(context.Background(), models.TaskTypePose))

	assert.Equal(t, "/v1/models/pose/load", gotPath)
	assert.Equal(t, map[string]string{"weights": "yolo11s-pose.pt"}, gotBody)
}

func TestLoad_BackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := newRemote(srv.URL)
	err := d.Load(context.Background(), models.TaskTypeObject)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestInfer_PostsJPEGWithParams(t *testing.T) {
	var gotQuery map[string][]string
	var gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		json.NewEncoder(w).Encode(models.Prediction{
			Detections: []models.Detection{{ClassID: 0, ClassName: "person", Confidence: 0.88, BBoxXYXY: [4]float64{1, 2, 3, 4}}},
		})
	}))
	defer srv.Close()

	conf, iou := 0.4, 0.6
	imgsz := 640
	d := newRemote(srv.URL)

	pred, err := d.Infer(context.Background(), models.TaskTypeObject, testImage(),
		models.InferParams{Conf: &conf, IoU: &iou, ImgSz: &imgsz})
	require.NoError(t, err)

	assert.Equal(t, []string{"0.4"}, gotQuery["conf"])
	assert.Equal(t, []string{"0.6"}, gotQuery["iou"])
	assert.Equal(t, []string{"640"}, gotQuery["imgsz"])
	assert.Equal(t, "image/jpeg", gotContentType)

	// The body is a decodable JPEG of the input image.
	img, err := jpeg.Decode(bytes.NewReader(gotBody))
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())

	// Task type is stamped onto the decoded prediction.
	assert.Equal(t, models.TaskTypeObject, pred.Task)
	require.Len(t, pred.Detections, 1)
	assert.Equal(t, "person", pred.Detections[0].ClassName)
}

func TestInfer_OmitsAbsentParams(t *testing.T) {
	var gotRawQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRawQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(models.Prediction{})
	}))
	defer srv.Close()

	d := newRemote(srv.URL)
	_, err := d.Infer(context.Background(), models.TaskTypeObject, testImage(), models.InferParams{})
	require.NoError(t, err)
	assert.Empty(t, gotRawQuery)
}

func TestInfer_BackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := newRemote(srv.URL)
	_, err := d.Infer(context.Background(), models.TaskTypeObject, testImage(), models.InferParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestInfer_ContextCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	d := newRemote(srv.URL)
	_, err := d.Infer(ctx, models.TaskTypeObject, testImage(), models.InferParams{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInfer_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	d := newRemote(srv.URL)
	_, err := d.Infer(context.Background(), models.TaskTypeObject, testImage(), models.InferParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding prediction")
}

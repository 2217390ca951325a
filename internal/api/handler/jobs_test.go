package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"visionq/internal/api"
	"visionq/internal/api/handler"
	"visionq/internal/cache"
	"visionq/internal/config"
	"visionq/internal/storage"
	"visionq/internal/store/storetest"
	"visionq/pkg/models"
)

// memCache is an in-memory cache.Cache for handler tests. FailReads makes
// every read error so the fail-open path is exercisable.
type memCache struct {
	mu        sync.Mutex
	entries   map[string][]byte
	counters  map[string]int64
	FailReads bool
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string][]byte), counters: make(map[string]int64)}
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = append([]byte(nil), value...)
	return nil
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	if c.FailReads {
		return nil, false, context.DeadlineExceeded
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok, nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *memCache) Ping(context.Context) error { return nil }

func (c *memCache) SetResultPayload(ctx context.Context, jobID uuid.UUID, payload []byte, ttl time.Duration) error {
	return c.Set(ctx, cache.ResultPayloadKey(jobID), payload, ttl)
}

func (c *memCache) GetResultPayload(ctx context.Context, jobID uuid.UUID) ([]byte, bool, error) {
	return c.Get(ctx, cache.ResultPayloadKey(jobID))
}

func (c *memCache) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[key]++
	return c.counters[key], nil
}

var _ cache.Cache = (*memCache)(nil)

type jobsFixture struct {
	router http.Handler
	store  *storetest.MemStore
	cache  *memCache
	files  *storage.Storage
}

func newJobsFixture(t *testing.T, maxUploadBytes int64) *jobsFixture {
	t.Helper()
	mem := storetest.New()
	c := newMemCache()
	files := storage.New(config.StorageConfig{
		DataDir:        t.TempDir(),
		MaxUploadBytes: maxUploadBytes,
	})
	require.NoError(t, files.EnsureDirs())

	jobs := handler.NewJobs(mem, c, files)
	router := api.NewRouter(api.Dependencies{
		CreateJobHandler:    jobs.Create,
		GetJobHandler:       jobs.Get,
		JobResultHandler:    jobs.Result,
		JobAnnotatedHandler: jobs.Annotated,
	})
	return &jobsFixture{router: router, store: mem, cache: c, files: files}
}

// multipartBody builds a multipart form with the given fields and one file
// part named "file".
func multipartBody(t *testing.T, fields map[string]string, filename string, fileBytes []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if fileBytes != nil {
		part, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write(fileBytes)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func gifBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewPaletted(image.Rect(0, 0, 8, 8), color.Palette{color.Black, color.White})
	var buf bytes.Buffer
	require.NoError(t, gif.Encode(&buf, img, nil))
	return buf.Bytes()
}

func postJob(t *testing.T, fx *jobsFixture, fields map[string]string, filename string, fileBytes []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartBody(t, fields, filename, fileBytes)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, body *bytes.Buffer) string {
	t.Helper()
	var out struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body.Bytes(), &out))
	return out.Error.Code
}

// createdJob decodes the job object out of a 201 response.
func createdJob(t *testing.T, body *bytes.Buffer) map[string]any {
	t.Helper()
	var out struct {
		Data struct {
			Job map[string]any `json:"job"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body.Bytes(), &out))
	return out.Data.Job
}

// --- Submission Tests ---

func TestCreateJob_Success(t *testing.T) {
	fx := newJobsFixture(t, 10*1024*1024)

	rec := postJob(t, fx, map[string]string{
		"task_type": "object",
		"conf":      "0.5",
		"iou":       "0.7",
	}, "photo.png", pngBytes(t))

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	job := createdJob(t, rec.Body)
	assert.Equal(t, "queued", job["status"])
	assert.Equal(t, "object", job["task_type"])
	assert.Equal(t, "photo.png", job["filename"])
	assert.Equal(t, "image/png", job["content_type"])
	assert.InDelta(t, 0.5, job["conf"], 0.001)
	assert.InDelta(t, 0.7, job["iou"], 0.001)
	assert.EqualValues(t, 64, job["image_width"])
	assert.EqualValues(t, 48, job["image_height"])
	assert.Equal(t, false, job["has_result_json"])

	// The row is queued with the validated upload on disk.
	id, err := uuid.Parse(job["id"].(string))
	require.NoError(t, err)
	stored, err := fx.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, stored.Status)
	assert.NotEmpty(t, stored.InputPath)
}

func TestCreateJob_InvalidTaskType(t *testing.T) {
	fx := newJobsFixture(t, 10*1024*1024)

	rec := postJob(t, fx, map[string]string{"task_type": "segmentation"}, "a.png", pngBytes(t))

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "INVALID_PARAMETER", errorCode(t, rec.Body))
	assert.Equal(t, 0, fx.store.Len())
}

func TestCreateJob_ParamValidation(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]string
	}{
		{"conf above one", map[string]string{"task_type": "object", "conf": "1.5"}},
		{"conf negative", map[string]string{"task_type": "object", "conf": "-0.1"}},
		{"conf not a number", map[string]string{"task_type": "object", "conf": "high"}},
		{"iou above one", map[string]string{"task_type": "object", "iou": "2"}},
		{"imgsz below minimum", map[string]string{"task_type": "object", "imgsz": "16"}},
		{"imgsz not an integer", map[string]string{"task_type": "object", "imgsz": "big"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newJobsFixture(t, 10*1024*1024)
			rec := postJob(t, fx, tt.fields, "a.png", pngBytes(t))

			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
			assert.Equal(t, "INVALID_PARAMETER", errorCode(t, rec.Body))
			// Rejected before any row is written.
			assert.Equal(t, 0, fx.store.Len())
		})
	}
}

func TestCreateJob_ImgSzZeroTreatedAsAbsent(t *testing.T) {
	fx := newJobsFixture(t, 10*1024*1024)

	rec := postJob(t, fx, map[string]string{"task_type": "object", "imgsz": "0"}, "a.png", pngBytes(t))

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	job := createdJob(t, rec.Body)
	_, present := job["imgsz"]
	assert.False(t, present)
}

func TestCreateJob_MissingFile(t *testing.T) {
	fx := newJobsFixture(t, 10*1024*1024)

	rec := postJob(t, fx, map[string]string{"task_type": "object"}, "", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, rec.Body))
}

func TestCreateJob_TooLarge(t *testing.T) {
	fx := newJobsFixture(t, 64) // cap below any real image

	rec := postJob(t, fx, map[string]string{"task_type": "object"}, "big.png", pngBytes(t))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "UPLOAD_TOO_LARGE", errorCode(t, rec.Body))
	assert.Equal(t, 0, fx.store.Len())
}

func TestCreateJob_UndecodableBytes(t *testing.T) {
	fx := newJobsFixture(t, 10*1024*1024)

	rec := postJob(t, fx, map[string]string{"task_type": "object"}, "junk.png", []byte("definitely not an image"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_IMAGE", errorCode(t, rec.Body))
	assert.Equal(t, 0, fx.store.Len())
}

func TestCreateJob_UnsupportedFormat(t *testing.T) {
	fx := newJobsFixture(t, 10*1024*1024)

	// A well-formed GIF decodes but is not an accepted upload format.
	rec := postJob(t, fx, map[string]string{"task_type": "object"}, "anim.gif", gifBytes(t))

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Equal(t, "UNSUPPORTED_TYPE", errorCode(t, rec.Body))
	assert.Equal(t, 0, fx.store.Len())
}

// --- Polling Tests ---

func TestGetJob_NotFound(t *testing.T) {
	fx := newJobsFixture(t, 10*1024*1024)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rec.Body))
}

func TestGetJob_MalformedID(t *testing.T) {
	fx := newJobsFixture(t, 10*1024*1024)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJob_ReturnsFailureDetails(t *testing.T) {
	fx := newJobsFixture(t, 10*1024*1024)
	msg := "inference: model exploded"
	now := time.Now().UTC()
	job := &models.Job{
		ID: uuid.New(), Status: models.JobStatusFailed, TaskType: models.TaskTypeObject,
		CreatedAt: now, UpdatedAt: now, ErrorMessage: &msg,
	}
	require.NoError(t, fx.store.CreateJob(context.Background(), job))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID.String(), nil)
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "failed", out.Data["status"])
	assert.Equal(t, msg, out.Data["error_message"])
}

// --- Artifact Tests ---

// seedSucceededJob stores a succeeded job with real artifact files.
func seedSucceededJob(t *testing.T, fx *jobsFixture) (*models.Job, []byte) {
	t.Helper()
	now := time.Now().UTC()
	id := uuid.New()
	payload := []byte(`{"meta":{"job_id":"` + id.String() + `"},"detections":[]}`)

	resultPath, annotatedPath, err := fx.files.WriteArtifacts(id, payload, []byte("jpeg-bytes"))
	require.NoError(t, err)

	job := &models.Job{
		ID: id, Status: models.JobStatusSucceeded, TaskType: models.TaskTypeObject,
		CreatedAt: now, UpdatedAt: now, Progress: 100,
		ResultPath: resultPath, AnnotatedPath: annotatedPath,
	}
	require.NoError(t, fx.store.CreateJob(context.Background(), job))
	return job, payload
}

func TestJobResult_NotReady(t *testing.T) {
	fx := newJobsFixture(t, 10*1024*1024)
	now := time.Now().UTC()
	job := &models.Job{
		ID: uuid.New(), Status: models.JobStatusRunning, TaskType: models.TaskTypeObject,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, fx.store.CreateJob(context.Background(), job))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID.String()+"/result", nil)
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "JOB_NOT_READY", errorCode(t, rec.Body))
}

func TestJobResult_ByteIdenticalAcrossFetches(t *testing.T) {
	fx := newJobsFixture(t, 10*1024*1024)
	job, payload := seedSucceededJob(t, fx)

	fetch := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID.String()+"/result", nil)
		rec := httptest.NewRecorder()
		fx.router.ServeHTTP(rec, req)
		return rec
	}

	first := fetch()
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "application/json", first.Header().Get("Content-Type"))
	assert.Equal(t, payload, first.Body.Bytes())

	// Second fetch comes from the cache and must be the same bytes.
	second := fetch()
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())

	_, found, err := fx.cache.GetResultPayload(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestJobResult_CacheFailureFallsThroughToDisk(t *testing.T) {
	fx := newJobsFixture(t, 10*1024*1024)
	job, payload := seedSucceededJob(t, fx)
	fx.cache.FailReads = true

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID.String()+"/result", nil)
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, payload, rec.Body.Bytes())
}

func TestJobResult_ArtifactMissing(t *testing.T) {
	fx := newJobsFixture(t, 10*1024*1024)
	now := time.Now().UTC()
	job := &models.Job{
		ID: uuid.New(), Status: models.JobStatusSucceeded, TaskType: models.TaskTypeObject,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, fx.store.CreateJob(context.Background(), job))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID.String()+"/result", nil)
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobAnnotated_ServesJPEG(t *testing.T) {
	fx := newJobsFixture(t, 10*1024*1024)
	job, _ := seedSucceededJob(t, fx)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID.String()+"/annotated", nil)
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-bytes"), body)
}

func TestJobAnnotated_NotReady(t *testing.T) {
	fx := newJobsFixture(t, 10*1024*1024)
	now := time.Now().UTC()
	job := &models.Job{
		ID: uuid.New(), Status: models.JobStatusQueued, TaskType: models.TaskTypePose,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, fx.store.CreateJob(context.Background(), job))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID.String()+"/annotated", nil)
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "JOB_NOT_READY", errorCode(t, rec.Body))
}

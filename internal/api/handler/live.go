package handler

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"
	"visionq/internal/detect"
	"visionq/internal/imaging"
	"visionq/pkg/models"
)

const closeGracePeriod = time.Second

// Live serves the persistent duplex inference endpoint. Each connection is
// stateless across frames apart from the task type and parameters fixed at
// handshake time, and processes strictly one frame at a time: receive,
// infer, reply. Detector access is serialized inside the engine; the
// semaphore bounds how much CPU-bound decode/encode work runs at once so one
// busy connection cannot starve the rest.
type Live struct {
	engine         *detect.Engine
	allowedOrigins map[string]bool
	upgrader       websocket.Upgrader
	cpu            *semaphore.Weighted
}

func NewLive(engine *detect.Engine, allowedOrigins []string) *Live {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &Live{
		engine:         engine,
		allowedOrigins: allowed,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1 << 20,
			WriteBufferSize: 1 << 20,
			// Origin policy is enforced after the upgrade so the client
			// receives a policy-violation close frame instead of a bare 403.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		cpu: semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0))),
	}
}

// Serve handles GET /ws/live.
func (h *Live) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if origin := r.Header.Get("Origin"); origin != "" && !h.allowedOrigins[origin] {
		h.closeWith(conn, websocket.ClosePolicyViolation, "origin not allowed")
		return
	}

	taskType, params := parseLiveParams(r)

	for {
		msgType, frame, err := conn.ReadMessage()
		if err != nil {
			// Covers client-initiated close and dropped connections.
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		reply, err := h.processFrame(r.Context(), taskType, params, frame)
		if err != nil {
			slog.Warn("live frame failed", "task_type", taskType, "error", err)
			h.closeWith(conn, websocket.CloseInternalServerErr, "frame processing failed")
			return
		}
		if err := conn.WriteJSON(reply); err != nil {
			return
		}
	}
}

func (h *Live) processFrame(ctx context.Context, taskType string, params models.InferParams, frame []byte) (*models.LiveReply, error) {
	if err := h.cpu.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer h.cpu.Release(1)

	img, err := imaging.DecodeFrame(frame)
	if err != nil {
		return nil, err
	}

	pred, inferenceMS, err := h.engine.Infer(ctx, taskType, img, params)
	if err != nil {
		return nil, err
	}

	annotated, err := imaging.EncodeJPEG(imaging.Annotate(img, *pred))
	if err != nil {
		return nil, err
	}

	return &models.LiveReply{
		TaskType:            taskType,
		Runtime:             models.Runtime{InferenceMS: inferenceMS},
		Result:              *pred,
		AnnotatedJPEGBase64: base64.StdEncoding.EncodeToString(annotated),
	}, nil
}

func (h *Live) closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
}

// parseLiveParams reads the handshake query parameters. Parsing is loose:
// an unparsable numeric value is treated as absent, an unknown task type
// falls back to object, and imgsz below the model minimum of 32 is dropped.
func parseLiveParams(r *http.Request) (string, models.InferParams) {
	q := r.URL.Query()

	taskType := strings.ToLower(q.Get("task_type"))
	if !models.ValidTaskType(taskType) {
		taskType = models.TaskTypeObject
	}

	var params models.InferParams
	if f, err := strconv.ParseFloat(q.Get("conf"), 64); err == nil {
		params.Conf = &f
	}
	if f, err := strconv.ParseFloat(q.Get("iou"), 64); err == nil {
		params.IoU = &f
	}
	if n, err := strconv.Atoi(q.Get("imgsz")); err == nil && n >= 32 {
		params.ImgSz = &n
	}
	return taskType, params
}

package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/lumen/internal/common"
	"github.com/ternarybob/lumen/internal/engine"
	"github.com/ternarybob/lumen/internal/models"
)

// jobRecorder captures terminal job writes and liveness touches
type jobRecorder struct {
	mu        sync.Mutex
	completed map[string]string
	media     map[string]models.MediaType
	failed    map[string]string
	touches   map[string]int
}

func newJobRecorder() *jobRecorder {
	return &jobRecorder{
		completed: make(map[string]string),
		media:     make(map[string]models.MediaType),
		failed:    make(map[string]string),
		touches:   make(map[string]int),
	}
}

func (r *jobRecorder) MarkCompleted(jobID, artifact string, media models.MediaType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed[jobID] = artifact
	r.media[jobID] = media
	return nil
}

func (r *jobRecorder) MarkFailed(jobID, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[jobID] = detail
	return nil
}

func (r *jobRecorder) Touch(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touches[jobID]++
	return nil
}

func (r *jobRecorder) touchCount(jobID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.touches[jobID]
}

func (r *jobRecorder) completedArtifact(jobID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	artifact, ok := r.completed[jobID]
	return artifact, ok
}

func (r *jobRecorder) failure(jobID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	detail, ok := r.failed[jobID]
	return detail, ok
}

// fakeEngine serves the event socket plus history and view endpoints
func fakeEngine(t *testing.T, script func(*websocket.Conn), historyBody string) *engine.Client {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		script(conn)
	})
	mux.HandleFunc("/history/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(historyBody))
	})
	mux.HandleFunc("/view", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("artifact"))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := &common.EngineConfig{
		URL:            srv.URL,
		WSURL:          "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		RequestTimeout: "5s",
	}
	return engine.NewClient(cfg, common.GetLogger())
}

func sendEvent(conn *websocket.Conn, payload string) {
	conn.WriteMessage(websocket.TextMessage, []byte(payload))
}

func runRelay(t *testing.T, client *engine.Client, registry *Registry, jobs JobUpdater, opts Options) *Resolver {
	t.Helper()
	resolver := NewResolver(client, common.GetLogger())
	rel := New("job-1", "client-1", client, resolver, registry, jobs, opts, common.GetLogger())
	go rel.Run(context.Background())
	return resolver
}

func TestRelayForwardsProgressAndDeliversImage(t *testing.T) {
	client := fakeEngine(t, func(conn *websocket.Conn) {
		sendEvent(conn, `{"type":"progress","data":{"value":5,"max":20}}`)
		sendEvent(conn, `{"type":"executing","data":{"node":null}}`)
		time.Sleep(200 * time.Millisecond)
	}, `{"job-1":{"outputs":{"9":{"images":[{"filename":"out.png","subfolder":"","type":"output"}]}}}}`)

	registry := NewRegistry(common.GetLogger())
	jobs := newJobRecorder()
	listener := attachListener(t, registry, "job-1")

	runRelay(t, client, registry, jobs, Options{StreamTimeout: 2 * time.Second})

	frame := listener.readFrame(t)
	assert.Equal(t, "progress", frame["type"])
	assert.Equal(t, float64(5), frame["value"])
	assert.Equal(t, float64(20), frame["max_value"])

	frame = listener.readFrame(t)
	assert.Equal(t, "output", frame["type"])
	assert.Equal(t, "image", frame["media_type"])
	assert.Equal(t, "out.png", frame["filename"])
	assert.NotEmpty(t, frame["image_base64"])
	listener.expectClosed(t)

	artifact, ok := jobs.completedArtifact("job-1")
	require.True(t, ok)
	assert.Equal(t, "out.png", artifact)
}

func TestRelayHeartbeatThenAnimatedOutput(t *testing.T) {
	client := fakeEngine(t, func(conn *websocket.Conn) {
		sendEvent(conn, `{"type":"executing","data":{"node":"3"}}`)
		sendEvent(conn, `{"type":"executing","data":{"node":null}}`)
		time.Sleep(200 * time.Millisecond)
	}, `{"job-1":{"outputs":{"9":{"gifs":[{"filename":"clip.mp4","subfolder":"","type":"output"}]}}}}`)

	registry := NewRegistry(common.GetLogger())
	jobs := newJobRecorder()
	listener := attachListener(t, registry, "job-1")

	runRelay(t, client, registry, jobs, Options{StreamTimeout: 2 * time.Second})

	frame := listener.readFrame(t)
	assert.Equal(t, "progress", frame["type"])
	assert.Equal(t, float64(0), frame["value"])
	assert.Equal(t, float64(100), frame["max_value"])
	assert.Equal(t, "3", frame["node"])

	frame = listener.readFrame(t)
	assert.Equal(t, "output", frame["type"])
	assert.Equal(t, "video", frame["media_type"])
	assert.Equal(t, "clip.mp4", frame["filename"])
	// Video bytes are not inlined on the socket
	assert.Nil(t, frame["image_base64"])
	listener.expectClosed(t)
}

func TestRelayHeartbeatThrottling(t *testing.T) {
	client := fakeEngine(t, func(conn *websocket.Conn) {
		sendEvent(conn, `{"type":"executing","data":{"node":"3"}}`)
		sendEvent(conn, `{"type":"executing","data":{"node":"4"}}`)
		sendEvent(conn, `{"type":"executing","data":{"node":null}}`)
		time.Sleep(200 * time.Millisecond)
	}, `{"job-1":{"outputs":{"9":{"images":[{"filename":"out.png","subfolder":"","type":"output"}]}}}}`)

	registry := NewRegistry(common.GetLogger())
	jobs := newJobRecorder()
	listener := attachListener(t, registry, "job-1")

	runRelay(t, client, registry, jobs, Options{
		StreamTimeout:     2 * time.Second,
		HeartbeatInterval: time.Hour,
	})

	// Only the first heartbeat passes the throttle, then the terminal frame
	frame := listener.readFrame(t)
	assert.Equal(t, "progress", frame["type"])
	assert.Equal(t, "3", frame["node"])

	frame = listener.readFrame(t)
	assert.Equal(t, "output", frame["type"])
}

func TestRelayTouchesJobWhileStreaming(t *testing.T) {
	client := fakeEngine(t, func(conn *websocket.Conn) {
		sendEvent(conn, `{"type":"progress","data":{"value":1,"max":20}}`)
		sendEvent(conn, `{"type":"executing","data":{"node":null}}`)
		time.Sleep(200 * time.Millisecond)
	}, `{"job-1":{"outputs":{"9":{"images":[{"filename":"out.png","subfolder":"","type":"output"}]}}}}`)

	registry := NewRegistry(common.GetLogger())
	jobs := newJobRecorder()

	runRelay(t, client, registry, jobs, Options{StreamTimeout: 2 * time.Second})

	require.Eventually(t, func() bool {
		_, ok := jobs.completedArtifact("job-1")
		return ok
	}, 2*time.Second, 20*time.Millisecond)

	// The first received frame records liveness so the stale sweep leaves
	// this job alone
	assert.GreaterOrEqual(t, jobs.touchCount("job-1"), 1)
}

func TestRelayInactivityTimeoutEmitsSingleErrorFrame(t *testing.T) {
	client := fakeEngine(t, func(conn *websocket.Conn) {
		// Never send anything; hold the socket open past the timeout
		time.Sleep(2 * time.Second)
	}, `{}`)

	registry := NewRegistry(common.GetLogger())
	jobs := newJobRecorder()
	listener := attachListener(t, registry, "job-1")

	runRelay(t, client, registry, jobs, Options{StreamTimeout: 150 * time.Millisecond})

	frame := listener.readFrame(t)
	assert.Equal(t, "error", frame["type"])
	assert.Contains(t, frame["detail"], "timed out")

	// Nothing follows the error frame
	listener.expectClosed(t)

	detail, ok := jobs.failure("job-1")
	require.True(t, ok)
	assert.Contains(t, detail, "timed out")
}

func TestRelayStreamClosedUnexpectedly(t *testing.T) {
	client := fakeEngine(t, func(conn *websocket.Conn) {
		// Return immediately, dropping the socket mid-job
	}, `{}`)

	registry := NewRegistry(common.GetLogger())
	jobs := newJobRecorder()
	listener := attachListener(t, registry, "job-1")

	runRelay(t, client, registry, jobs, Options{StreamTimeout: 2 * time.Second})

	frame := listener.readFrame(t)
	assert.Equal(t, "error", frame["type"])

	_, ok := jobs.failure("job-1")
	assert.True(t, ok)
}

func TestRelayBuffersResultWithoutListener(t *testing.T) {
	client := fakeEngine(t, func(conn *websocket.Conn) {
		sendEvent(conn, `{"type":"executing","data":{"node":null}}`)
		time.Sleep(200 * time.Millisecond)
	}, `{"job-1":{"outputs":{"9":{"images":[{"filename":"out.png","subfolder":"","type":"output"}]}}}}`)

	registry := NewRegistry(common.GetLogger())
	jobs := newJobRecorder()

	runRelay(t, client, registry, jobs, Options{StreamTimeout: 2 * time.Second})

	require.Eventually(t, func() bool {
		_, ok := jobs.completedArtifact("job-1")
		return ok
	}, 2*time.Second, 20*time.Millisecond)

	res, ok := registry.TakeResult("job-1")
	require.True(t, ok)
	assert.Equal(t, "out.png", res.Filename)

	_, ok = registry.TakeResult("job-1")
	assert.False(t, ok)
}

func TestTerminalFrameShapes(t *testing.T) {
	image := TerminalFrame(&Resolution{
		JobID:     "job-1",
		MediaType: models.MediaTypeImage,
		MimeType:  "image/png",
		Filename:  "out.png",
		Data:      []byte("x"),
	})
	imgFrame, ok := image.(models.OutputFrame)
	require.True(t, ok)
	assert.NotEmpty(t, imgFrame.ImageBase64)

	video := TerminalFrame(&Resolution{
		JobID:     "job-1",
		MediaType: models.MediaTypeVideo,
		MimeType:  "video/mp4",
		Filename:  "clip.mp4",
		Data:      []byte("x"),
	})
	vidFrame, ok := video.(models.OutputFrame)
	require.True(t, ok)
	assert.Empty(t, vidFrame.ImageBase64)

	bare := TerminalFrame(&Resolution{JobID: "job-1"})
	_, ok = bare.(models.FinalResultFrame)
	assert.True(t, ok)
}

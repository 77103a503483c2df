package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/lumen/internal/common"
	"github.com/ternarybob/lumen/internal/models"
	"github.com/ternarybob/lumen/internal/relay"
)

type jobRecorder struct {
	mu        sync.Mutex
	completed map[string]string
	failed    map[string]string
}

func newJobRecorder() *jobRecorder {
	return &jobRecorder{completed: make(map[string]string), failed: make(map[string]string)}
}

func (r *jobRecorder) MarkCompleted(jobID, artifact string, media models.MediaType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed[jobID] = artifact
	return nil
}

func (r *jobRecorder) MarkFailed(jobID, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[jobID] = detail
	return nil
}

func (r *jobRecorder) Touch(string) error { return nil }

func newProviderServer(t *testing.T, taskStatus string) (*httptest.Server, *common.ProviderConfig) {
	t.Helper()

	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("/v1/images-to-video", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Runway-Version"))

		var payload map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "gen4_turbo", payload["model"])
		assert.NotEmpty(t, payload["promptImage"])

		json.NewEncoder(w).Encode(map[string]string{"id": "task-1"})
	})
	mux.HandleFunc("/v1/tasks/task-1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		resp := map[string]interface{}{"id": "task-1", "status": taskStatus}
		if taskStatus == "SUCCEEDED" {
			resp["output"] = []string{srv.URL + "/clip.mp4"}
		}
		if taskStatus == "FAILED" {
			resp["failure"] = "content policy"
		}
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/clip.mp4", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("mp4bytes"))
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := &common.ProviderConfig{
		APIURL:       srv.URL + "/v1/images-to-video",
		TasksURL:     srv.URL + "/v1/tasks",
		APIKey:       "test-key",
		Model:        "gen4_turbo",
		PollInterval: "10ms",
		MaxPolls:     5,
		DefaultRatio: "1280:720",
		DefaultSecs:  4,
	}
	return srv, cfg
}

func TestVideoJobSucceeds(t *testing.T) {
	_, cfg := newProviderServer(t, "SUCCEEDED")

	registry := relay.NewRegistry(common.GetLogger())
	jobs := newJobRecorder()
	dir := t.TempDir()

	job := NewVideoJob("vid_abc", models.VideoRequest{
		Prompt:   "a boat on a calm sea",
		ImageURL: "data:image/png;base64,aGk=",
	}, cfg, registry, jobs, dir, common.GetLogger())

	job.Run(context.Background())

	artifact, ok := jobs.completed["vid_abc"]
	require.True(t, ok)
	assert.Equal(t, "vid_abc.mp4", artifact)

	// The clip is cached on disk
	data, err := os.ReadFile(filepath.Join(dir, "vid_abc.mp4"))
	require.NoError(t, err)
	assert.Equal(t, []byte("mp4bytes"), data)

	// The result is buffered for a late reader
	res, found := registry.TakeResult("vid_abc")
	require.True(t, found)
	assert.Equal(t, models.MediaTypeVideo, res.MediaType)
	assert.Equal(t, "video/mp4", res.MimeType)
	assert.Equal(t, []byte("mp4bytes"), res.Data)
}

func TestVideoJobProviderFailure(t *testing.T) {
	_, cfg := newProviderServer(t, "FAILED")

	registry := relay.NewRegistry(common.GetLogger())
	jobs := newJobRecorder()

	job := NewVideoJob("vid_abc", models.VideoRequest{
		Prompt:   "x",
		ImageURL: "data:image/png;base64,aGk=",
	}, cfg, registry, jobs, t.TempDir(), common.GetLogger())

	job.Run(context.Background())

	detail, ok := jobs.failed["vid_abc"]
	require.True(t, ok)
	assert.Contains(t, detail, "content policy")

	_, found := registry.TakeResult("vid_abc")
	assert.False(t, found)
}

func TestVideoJobPollCeiling(t *testing.T) {
	_, cfg := newProviderServer(t, "RUNNING")
	cfg.MaxPolls = 3

	registry := relay.NewRegistry(common.GetLogger())
	jobs := newJobRecorder()

	job := NewVideoJob("vid_abc", models.VideoRequest{
		Prompt:   "x",
		ImageURL: "data:image/png;base64,aGk=",
	}, cfg, registry, jobs, t.TempDir(), common.GetLogger())

	job.Run(context.Background())

	detail, ok := jobs.failed["vid_abc"]
	require.True(t, ok)
	assert.Contains(t, detail, models.ErrProviderTimeout.Error())
}

func TestVideoJobMissingAPIKey(t *testing.T) {
	_, cfg := newProviderServer(t, "SUCCEEDED")
	cfg.APIKey = ""

	registry := relay.NewRegistry(common.GetLogger())
	jobs := newJobRecorder()

	job := NewVideoJob("vid_abc", models.VideoRequest{Prompt: "x"}, cfg, registry, jobs, t.TempDir(), common.GetLogger())

	job.Run(context.Background())

	detail, ok := jobs.failed["vid_abc"]
	require.True(t, ok)
	assert.Contains(t, detail, "API key")
}

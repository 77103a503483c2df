package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/lumen/internal/common"
	"github.com/ternarybob/lumen/internal/engine"
	"github.com/ternarybob/lumen/internal/models"
	"github.com/ternarybob/lumen/internal/relay"
	"github.com/ternarybob/lumen/internal/storage/badger"
	"github.com/ternarybob/lumen/internal/workflow"
)

// engineFixture is a fake engine that accepts a submission, immediately
// ends the job over the event socket, and serves its history
type engineFixture struct {
	server        *httptest.Server
	reject        bool
	rejectUploads bool
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		if f.reject {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"message":"missing node input","details":{"node":"3"}}}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"prompt_id": "engine-job-1"})
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"executing","data":{"node":null}}`))
		time.Sleep(200 * time.Millisecond)
	})
	mux.HandleFunc("/history/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"engine-job-1":{"outputs":{"9":{"images":[{"filename":"out.png","subfolder":"","type":"output"}]}}}}`))
	})
	mux.HandleFunc("/view", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("artifact"))
	})
	mux.HandleFunc("/system_stats", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"devices":[{"name":"cuda:0 NVIDIA RTX 4090","vram_total":25757220864}]}`))
	})
	mux.HandleFunc("/upload/image", func(w http.ResponseWriter, r *http.Request) {
		if f.rejectUploads {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, header, err := r.FormFile("image")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"name":      header.Filename,
			"subfolder": r.FormValue("subfolder"),
			"type":      "input",
		})
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

type fixture struct {
	config   *common.Config
	engine   *engineFixture
	registry *relay.Registry
	resolver *relay.Resolver
	jobs     *badger.JobStorage
	handler  *GenerateHandler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ef := newEngineFixture(t)

	config := common.NewDefaultConfig()
	config.Engine.URL = ef.server.URL
	config.Engine.WSURL = "ws" + strings.TrimPrefix(ef.server.URL, "http") + "/ws"
	config.Engine.RequestTimeout = "5s"
	config.Workflows.Dir = t.TempDir()
	config.Uploads.Dir = t.TempDir()
	config.Storage.Badger.Path = filepath.Join(t.TempDir(), "db")

	require.NoError(t, os.WriteFile(
		filepath.Join(config.Workflows.Dir, "txt2img.json"),
		[]byte(`{"6":{"inputs":{"text":"{{prompt}}"}},"9":{"class_type":"SaveImage"}}`),
		0o644))

	logger := common.GetLogger()
	db, err := badger.NewBadgerDB(logger, &config.Storage.Badger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	jobs := badger.NewJobStorage(db, logger)
	client := engine.NewClient(&config.Engine, logger)
	registry := relay.NewRegistry(logger)
	resolver := relay.NewResolver(client, logger)
	workflows := workflow.NewStore(config.Workflows.Dir, logger)

	return &fixture{
		config:   config,
		engine:   ef,
		registry: registry,
		resolver: resolver,
		jobs:     jobs,
		handler:  NewGenerateHandler(config, workflows, client, resolver, registry, jobs, logger),
	}
}

func postGenerate(t *testing.T, f *fixture, body map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/generate", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	f.handler.HandleGenerate(rec, req)
	return rec
}

func TestGenerateSubmitsEngineJob(t *testing.T) {
	f := newFixture(t)

	rec := postGenerate(t, f, map[string]interface{}{
		"workflow_name": "txt2img.json",
		"prompt":        "a red barn",
	})

	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "engine-job-1", resp["prompt_id"])
	assert.NotEmpty(t, resp["client_id"])

	// The job record is created immediately
	job, err := f.jobs.GetJob("engine-job-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, models.JobTypeEngine, job.Type)

	// The background relay drives it to completion
	require.Eventually(t, func() bool {
		job, err := f.jobs.GetJob("engine-job-1")
		return err == nil && job != nil && job.Status == models.JobStatusCompleted
	}, 3*time.Second, 25*time.Millisecond)

	res, ok := f.registry.TakeResult("engine-job-1")
	require.True(t, ok)
	assert.Equal(t, "out.png", res.Filename)
}

func TestGenerateUnknownWorkflow(t *testing.T) {
	f := newFixture(t)

	rec := postGenerate(t, f, map[string]interface{}{
		"workflow_name": "missing.json",
		"prompt":        "x",
	})

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGenerateEngineRejection(t *testing.T) {
	f := newFixture(t)
	f.engine.reject = true

	rec := postGenerate(t, f, map[string]interface{}{
		"workflow_name": "txt2img.json",
		"prompt":        "x",
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "missing node input", resp["error"])
	assert.Contains(t, resp["details"], "node")
}

func TestGenerateInvalidBody(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	f.handler.HandleGenerate(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerateMissingWorkflowName(t *testing.T) {
	f := newFixture(t)

	rec := postGenerate(t, f, map[string]interface{}{
		"prompt": "x",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerateMethodNotAllowed(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/generate", nil)
	rec := httptest.NewRecorder()
	f.handler.HandleGenerate(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestGenerateVideoRequiresInputImage(t *testing.T) {
	f := newFixture(t)

	rec := postGenerate(t, f, map[string]interface{}{
		"workflow_name": f.config.Provider.Workflow,
		"prompt":        "a drifting cloud",
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "input_image_path")
}

func TestApplyDefaults(t *testing.T) {
	f := newFixture(t)

	req := &models.GenerateRequest{Workflow: "txt2img.json"}
	f.handler.applyDefaults(req)

	assert.Equal(t, 1024, req.Width)
	assert.Equal(t, 1024, req.Height)
	assert.Equal(t, 20, req.Steps)
	assert.Equal(t, 7.0, req.CfgScale)
	assert.Equal(t, "euler", req.Sampler)
	assert.Equal(t, f.config.Engine.DefaultCheckpoint, req.Checkpoint)
	assert.Greater(t, req.Seed, int64(0))

	quality := &models.GenerateRequest{Workflow: "x", SDXLQuality: "quality"}
	f.handler.applyDefaults(quality)
	assert.Equal(t, 40, quality.Steps)
}

func TestApplyDefaultsRefinerSteps(t *testing.T) {
	f := newFixture(t)

	req := &models.GenerateRequest{Workflow: "sdxl_base_refiner.json"}
	f.handler.applyDefaults(req)
	assert.Equal(t, 18.0, req.BaseEndStep)
	assert.Equal(t, 18.0, req.RefinerStartStep)
	assert.Equal(t, 30.0, req.RefinerEndStep)

	// Client-supplied boundaries survive
	tuned := &models.GenerateRequest{Workflow: "my_sdxl.json", BaseEndStep: 12}
	f.handler.applyDefaults(tuned)
	assert.Equal(t, 12.0, tuned.BaseEndStep)
	assert.Equal(t, 30.0, tuned.RefinerEndStep)

	// Single-stage workflows keep their zero steps out of the picture
	plain := &models.GenerateRequest{Workflow: "txt2img.json"}
	f.handler.applyDefaults(plain)
	assert.Equal(t, 0.0, plain.BaseEndStep)
}

func TestRefinerStepsReachResolvedGraph(t *testing.T) {
	f := newFixture(t)

	graph := map[string]interface{}{
		"15": map[string]interface{}{
			"class_type": "KSamplerAdvanced",
			"inputs": map[string]interface{}{
				"end_at_step": "{{base_end_step}}",
			},
		},
		"16": map[string]interface{}{
			"class_type": "KSamplerAdvanced",
			"inputs": map[string]interface{}{
				"start_at_step": "{{refiner_start_step}}",
				"end_at_step":   "{{refiner_end_step}}",
			},
		},
	}

	req := &models.GenerateRequest{Workflow: "sdxl_base_refiner.json"}
	f.handler.applyDefaults(req)

	resolved := workflow.ResolvePlaceholders(graph, req.Values()).(map[string]interface{})
	base := resolved["15"].(map[string]interface{})["inputs"].(map[string]interface{})
	refiner := resolved["16"].(map[string]interface{})["inputs"].(map[string]interface{})

	assert.Equal(t, "18", base["end_at_step"])
	assert.Equal(t, "18", refiner["start_at_step"])
	assert.Equal(t, "30", refiner["end_at_step"])
}

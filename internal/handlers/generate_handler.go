package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/lumen/internal/common"
	"github.com/ternarybob/lumen/internal/engine"
	"github.com/ternarybob/lumen/internal/models"
	"github.com/ternarybob/lumen/internal/provider"
	"github.com/ternarybob/lumen/internal/relay"
	"github.com/ternarybob/lumen/internal/storage/badger"
	"github.com/ternarybob/lumen/internal/workflow"
)

// GenerateHandler accepts generation requests and routes them to the
// engine relay or the text-to-video provider based on the workflow name
type GenerateHandler struct {
	config    *common.Config
	validate  *validator.Validate
	workflows *workflow.Store
	engine    *engine.Client
	resolver  *relay.Resolver
	registry  *relay.Registry
	jobs      *badger.JobStorage
	logger    arbor.ILogger
}

// NewGenerateHandler creates the generation handler
func NewGenerateHandler(config *common.Config, workflows *workflow.Store, client *engine.Client, resolver *relay.Resolver, registry *relay.Registry, jobs *badger.JobStorage, logger arbor.ILogger) *GenerateHandler {
	return &GenerateHandler{
		config:    config,
		validate:  validator.New(),
		workflows: workflows,
		engine:    client,
		resolver:  resolver,
		registry:  registry,
		jobs:      jobs,
		logger:    logger,
	}
}

// submitResponse is the accepted-submission body. The client uses prompt_id
// for the progress socket and the result poll.
type submitResponse struct {
	PromptID string `json:"prompt_id"`
	ClientID string `json:"client_id,omitempty"`
}

// HandleGenerate handles POST /generate
func (h *GenerateHandler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req models.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if key := r.Header.Get("X-Provider-Api-Key"); key != "" {
		req.ProviderAPIKey = key
	}

	h.applyDefaults(&req)

	if err := h.validate.Struct(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}

	if h.isProviderWorkflow(req.Workflow) {
		h.submitVideo(w, r, &req)
		return
	}
	h.submitEngine(w, r, &req)
}

// applyDefaults fills parameters the client omitted. A zero seed draws a
// fresh random one so repeated submissions do not replay identical noise.
func (h *GenerateHandler) applyDefaults(req *models.GenerateRequest) {
	if req.Width == 0 {
		req.Width = 1024
	}
	if req.Height == 0 {
		req.Height = 1024
	}
	if req.Steps == 0 {
		switch req.SDXLQuality {
		case "fast":
			req.Steps = 15
		case "quality":
			req.Steps = 40
		default:
			req.Steps = 20
		}
	}
	if req.CfgScale == 0 {
		req.CfgScale = 7
	}
	if req.Sampler == "" {
		req.Sampler = "euler"
	}
	if req.Checkpoint == "" {
		req.Checkpoint = h.config.Engine.DefaultCheckpoint
	}
	if req.Seed <= 0 {
		req.Seed = rand.Int63n(1 << 48)
	}
	if req.Ratio == "" {
		req.Ratio = h.config.Provider.DefaultRatio
	}
	if req.Duration == 0 {
		req.Duration = h.config.Provider.DefaultSecs
	}

	// Refiner graphs need real step boundaries; a zero end step would stop
	// the base sampler before it starts
	if strings.Contains(strings.ToLower(req.Workflow), "sdxl") {
		if req.BaseEndStep == 0 {
			req.BaseEndStep = 18
		}
		if req.RefinerStartStep == 0 {
			req.RefinerStartStep = 18
		}
		if req.RefinerEndStep == 0 {
			req.RefinerEndStep = 30
		}
	}
}

func (h *GenerateHandler) isProviderWorkflow(name string) bool {
	target := h.config.Provider.Workflow
	return name == target || name == strings.TrimSuffix(target, filepath.Ext(target))
}

// submitEngine resolves the template and hands the graph to the engine,
// then follows it with a background relay
func (h *GenerateHandler) submitEngine(w http.ResponseWriter, r *http.Request, req *models.GenerateRequest) {
	graph, err := h.workflows.Load(req.Workflow)
	if err != nil {
		if errors.Is(err, models.ErrTemplateNotFound) {
			WriteError(w, http.StatusNotFound, fmt.Sprintf("Workflow %q not found", req.Workflow))
			return
		}
		WriteError(w, http.StatusInternalServerError, "Failed to load workflow: "+err.Error())
		return
	}

	resolved, ok := workflow.ResolvePlaceholders(graph, req.Values()).(map[string]interface{})
	if !ok {
		WriteError(w, http.StatusInternalServerError, "Workflow template did not resolve to a graph")
		return
	}

	clientID := common.NewClientID()

	jobID, err := h.engine.SubmitPrompt(r.Context(), resolved, clientID)
	if err != nil {
		var rejected *engine.JobRejectedError
		if errors.As(err, &rejected) {
			WriteRejection(w, rejected.Message, rejected.Details)
			return
		}
		WriteError(w, http.StatusBadGateway, "Engine submission failed: "+err.Error())
		return
	}

	h.resolver.RegisterJob(jobID, resolved)
	h.persistJob(jobID, clientID, models.JobTypeEngine, req.Workflow)

	rel := relay.New(jobID, clientID, h.engine, h.resolver, h.registry, h.jobs, relay.Options{
		StreamTimeout:     common.ParseDurationOr(h.config.Engine.StreamTimeout, 180*time.Second),
		HeartbeatInterval: common.ParseDurationOr(h.config.WebSocket.HeartbeatInterval, 0),
	}, h.logger)

	// The relay outlives the HTTP request
	common.SafeGo(h.logger, "relay:"+jobID, func() {
		rel.Run(context.Background())
	})

	h.logger.Info().
		Str("job_id", jobID).
		Str("workflow", req.Workflow).
		Msg("Engine job submitted")

	WriteJSON(w, http.StatusOK, submitResponse{PromptID: jobID, ClientID: clientID})
}

// submitVideo routes the request to the text-to-video provider
func (h *GenerateHandler) submitVideo(w http.ResponseWriter, r *http.Request, req *models.GenerateRequest) {
	imageURL, err := h.promptImage(req.InputImagePath)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobID := common.NewJobID()
	videoReq := models.VideoRequest{
		Prompt:   req.Prompt,
		ImageURL: imageURL,
		Ratio:    req.Ratio,
		Duration: req.Duration,
		Seed:     req.Seed,
		APIKey:   req.ProviderAPIKey,
	}

	h.persistJob(jobID, "", models.JobTypeVideo, req.Workflow)

	job := provider.NewVideoJob(jobID, videoReq, &h.config.Provider, h.registry, h.jobs, h.config.Uploads.Dir, h.logger)
	common.SafeGo(h.logger, "video:"+jobID, func() {
		job.Run(context.Background())
	})

	h.logger.Info().
		Str("job_id", jobID).
		Str("workflow", req.Workflow).
		Msg("Video job submitted to provider")

	WriteJSON(w, http.StatusOK, submitResponse{PromptID: jobID})
}

// promptImage turns a previously uploaded image into the data URI the
// provider expects as its conditioning frame
func (h *GenerateHandler) promptImage(inputPath string) (string, error) {
	if inputPath == "" {
		return "", fmt.Errorf("input_image_path is required for video generation")
	}

	// Uploaded files are referenced by bare name; reject anything that
	// escapes the uploads directory
	name := filepath.Base(inputPath)
	path := filepath.Join(h.config.Uploads.Dir, name)

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("input image %q not found", name)
	}

	mime := "image/png"
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		mime = "image/jpeg"
	case ".webp":
		mime = "image/webp"
	}

	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func (h *GenerateHandler) persistJob(jobID, clientID string, jobType models.JobType, workflowName string) {
	now := time.Now()
	job := &models.Job{
		ID:        jobID,
		ClientID:  clientID,
		Type:      jobType,
		Workflow:  workflowName,
		Status:    models.JobStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.jobs.SaveJob(job); err != nil {
		h.logger.Warn().Str("job_id", jobID).Err(err).Msg("Failed to persist job record")
	}
}

package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/lumen/internal/common"
	"github.com/ternarybob/lumen/internal/engine"
	"github.com/ternarybob/lumen/internal/models"
	"github.com/ternarybob/lumen/internal/workflow"
)

// WorkflowHandler serves workflow template discovery and checkpoint listing
type WorkflowHandler struct {
	config    *common.Config
	workflows *workflow.Store
	engine    *engine.Client
	logger    arbor.ILogger
}

// NewWorkflowHandler creates the workflow handler
func NewWorkflowHandler(config *common.Config, workflows *workflow.Store, client *engine.Client, logger arbor.ILogger) *WorkflowHandler {
	return &WorkflowHandler{
		config:    config,
		workflows: workflows,
		engine:    client,
		logger:    logger,
	}
}

// HandleList handles GET /api/workflows
func (h *WorkflowHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	names, err := h.workflows.List()
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to list workflows: "+err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"workflows": names,
		"count":     len(names),
	})
}

// HandleGet handles GET /api/workflows/{name}, returning the raw template
// graph
func (h *WorkflowHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/api/workflows/")
	if name == "" {
		WriteError(w, http.StatusBadRequest, "Workflow name is required")
		return
	}

	graph, err := h.workflows.Load(name)
	if err != nil {
		if errors.Is(err, models.ErrTemplateNotFound) {
			WriteError(w, http.StatusNotFound, "Workflow not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, "Failed to load workflow: "+err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, graph)
}

// HandleCheckpoints handles GET /api/checkpoints. When the engine is down
// the configured default checkpoint is returned so the front end can still
// render its picker.
func (h *WorkflowHandler) HandleCheckpoints(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	names, err := h.engine.Checkpoints(r.Context())
	if err != nil || len(names) == 0 {
		if err != nil {
			h.logger.Warn().Err(err).Msg("Checkpoint listing failed, using default")
		}
		names = []string{h.config.Engine.DefaultCheckpoint}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"checkpoints": names,
	})
}

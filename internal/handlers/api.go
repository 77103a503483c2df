package handlers

import (
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/lumen/internal/common"
	"github.com/ternarybob/lumen/internal/engine"
	"github.com/ternarybob/lumen/internal/models"
	"github.com/ternarybob/lumen/internal/relay"
	"github.com/ternarybob/lumen/internal/storage/badger"
)

// APIHandler serves service metadata: root index, health, version, and the
// engine's GPU report
type APIHandler struct {
	engine    *engine.Client
	registry  *relay.Registry
	jobs      *badger.JobStorage
	startedAt time.Time
	logger    arbor.ILogger
}

// NewAPIHandler creates the metadata handler
func NewAPIHandler(client *engine.Client, registry *relay.Registry, jobs *badger.JobStorage, logger arbor.ILogger) *APIHandler {
	return &APIHandler{
		engine:    client,
		registry:  registry,
		jobs:      jobs,
		startedAt: time.Now(),
		logger:    logger,
	}
}

// HandleRoot handles GET /
func (h *APIHandler) HandleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		WriteError(w, http.StatusNotFound, "Not found")
		return
	}
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"service": "lumen",
		"version": common.GetVersion(),
		"endpoints": []string{
			"POST /generate",
			"GET /result/{id}",
			"GET /ws/progress/{id}",
			"POST /upload/image",
			"GET /api/workflows",
			"GET /api/checkpoints",
			"GET /api/jobs",
			"GET /api/health",
			"GET /api/version",
			"GET /api/gpu",
		},
	})
}

// HandleHealth handles GET /api/health
func (h *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	running, err := h.jobs.CountJobsByStatus(models.JobStatusRunning)
	if err != nil {
		running = -1
	}
	total, err := h.jobs.CountJobs()
	if err != nil {
		total = -1
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "healthy",
		"version":          common.GetVersion(),
		"uptime":           time.Since(h.startedAt).Round(time.Second).String(),
		"engine":           h.engine.BaseURL(),
		"running_jobs":     running,
		"total_jobs":       total,
		"active_channels":  h.registry.ActiveChannels(),
		"background_tasks": common.GetGoroutineCount(),
	})
}

// HandleVersion handles GET /api/version
func (h *APIHandler) HandleVersion(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.Build,
		"commit":  common.GitCommit,
	})
}

// HandleGPU handles GET /api/gpu, passing the engine's system report
// through untouched. An unreachable engine degrades to a simulated
// snapshot so the front end's status widget keeps rendering.
func (h *APIHandler) HandleGPU(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	stats, err := h.engine.SystemStats(r.Context())
	if err != nil {
		h.logger.Debug().Err(err).Msg("Engine system stats unavailable, serving simulated snapshot")
		WriteJSON(w, http.StatusOK, simulatedGPUStatus())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(stats)
}

// simulatedGPUStatus fabricates a plausible GPU report for environments
// where no engine is reachable
func simulatedGPUStatus() map[string]interface{} {
	return map[string]interface{}{
		"status":       "ok",
		"simulated":    true,
		"name":         "NVIDIA H100 80GB (simulated)",
		"load":         rand.Intn(10) + 1,
		"memory_total": 80,
		"memory_used":  math.Round((2.5+rand.Float64()*1.5)*10) / 10,
	}
}

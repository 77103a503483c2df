package handlers

import (
	"encoding/base64"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/lumen/internal/common"
	"github.com/ternarybob/lumen/internal/models"
	"github.com/ternarybob/lumen/internal/relay"
	"github.com/ternarybob/lumen/internal/storage/badger"
)

// ResultHandler serves the polled result endpoint. A buffered result from
// the job's relay is returned first; afterwards results are recomputed
// from the engine's history (engine jobs) or the cached download (video
// jobs) and re-buffered so the next poll is cheap.
type ResultHandler struct {
	config   *common.Config
	resolver *relay.Resolver
	registry *relay.Registry
	jobs     *badger.JobStorage
	logger   arbor.ILogger
}

// NewResultHandler creates the result handler
func NewResultHandler(config *common.Config, resolver *relay.Resolver, registry *relay.Registry, jobs *badger.JobStorage, logger arbor.ILogger) *ResultHandler {
	return &ResultHandler{
		config:   config,
		resolver: resolver,
		registry: registry,
		jobs:     jobs,
		logger:   logger,
	}
}

// HandleResult handles GET /result/{jobID}
func (h *ResultHandler) HandleResult(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	jobID := strings.TrimPrefix(r.URL.Path, "/result/")
	if jobID == "" || strings.Contains(jobID, "/") {
		WriteError(w, http.StatusBadRequest, "Job id is required")
		return
	}

	// Single-read buffer: a hit evicts the entry, the next poll recomputes
	// from history or disk and re-buffers
	if res, ok := h.registry.TakeResult(jobID); ok {
		WriteJSON(w, http.StatusOK, resultPayload(res))
		return
	}

	job, err := h.jobs.GetJob(jobID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Job lookup failed: "+err.Error())
		return
	}
	if job == nil {
		WriteError(w, http.StatusNotFound, "Unknown job id")
		return
	}

	switch job.Status {
	case models.JobStatusRunning:
		WriteJSON(w, http.StatusAccepted, map[string]string{"status": "processing"})
		return
	case models.JobStatusFailed:
		WriteJSON(w, http.StatusOK, map[string]string{
			"status": "failed",
			"error":  job.Error,
		})
		return
	}

	res, err := h.recompute(r, job)
	if err != nil {
		if errors.Is(err, models.ErrResultNotReady) {
			WriteJSON(w, http.StatusAccepted, map[string]string{"status": "processing"})
			return
		}
		WriteError(w, http.StatusBadGateway, "Result recovery failed: "+err.Error())
		return
	}

	h.registry.StoreResult(jobID, res)
	WriteJSON(w, http.StatusOK, resultPayload(res))
}

// recompute rebuilds a completed job's resolution after its buffered copy
// was consumed
func (h *ResultHandler) recompute(r *http.Request, job *models.Job) (*relay.Resolution, error) {
	if job.Type == models.JobTypeVideo {
		if job.Artifact == "" {
			return &relay.Resolution{JobID: job.ID}, nil
		}
		path := filepath.Join(h.config.Uploads.Dir, filepath.Base(job.Artifact))
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, models.ErrResultNotReady
		}
		return &relay.Resolution{
			JobID:     job.ID,
			MediaType: models.MediaTypeVideo,
			MimeType:  "video/mp4",
			Filename:  job.Artifact,
			Data:      data,
		}, nil
	}

	return h.resolver.Resolve(r.Context(), job.ID)
}

// resultPayload is the polled-result JSON shape
func resultPayload(res *relay.Resolution) map[string]interface{} {
	payload := map[string]interface{}{
		"status":    "completed",
		"prompt_id": res.JobID,
	}
	if !res.HasArtifact() {
		return payload
	}

	payload["media_type"] = string(res.MediaType)
	payload["mime_type"] = res.MimeType
	payload["filename"] = res.Filename
	if len(res.Data) > 0 {
		payload["data"] = base64.StdEncoding.EncodeToString(res.Data)
	}
	return payload
}

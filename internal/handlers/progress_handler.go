package handlers

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/lumen/internal/models"
	"github.com/ternarybob/lumen/internal/relay"
	"github.com/ternarybob/lumen/internal/storage/badger"
)

// ProgressHandler upgrades client connections onto job progress channels
type ProgressHandler struct {
	registry *relay.Registry
	jobs     *badger.JobStorage
	upgrader websocket.Upgrader
	logger   arbor.ILogger
}

// NewProgressHandler creates the progress socket handler
func NewProgressHandler(registry *relay.Registry, jobs *badger.JobStorage, logger arbor.ILogger) *ProgressHandler {
	return &ProgressHandler{
		registry: registry,
		jobs:     jobs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for local development
			},
		},
		logger: logger,
	}
}

// HandleProgress handles GET /ws/progress/{jobID}. The connection becomes
// the job's progress channel; a later connection for the same job replaces
// it. Closing the socket abandons listening only, the job itself keeps
// running.
func (h *ProgressHandler) HandleProgress(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimPrefix(r.URL.Path, "/ws/progress/")
	if jobID == "" || strings.Contains(jobID, "/") {
		WriteError(w, http.StatusBadRequest, "Job id is required")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Progress socket upgrade failed")
		return
	}

	ch := h.registry.Attach(jobID, conn)
	h.logger.Debug().Str("job_id", jobID).Msg("Progress channel attached")

	// A job that already finished delivers its buffered terminal frame
	// immediately
	if res, ok := h.registry.TakeResult(jobID); ok {
		_ = ch.Send(relay.TerminalFrame(res))
		h.registry.Detach(jobID, ch)
		return
	}

	// A job that failed before anyone listened gets its stored error
	if job, err := h.jobs.GetJob(jobID); err == nil && job != nil && job.Status == models.JobStatusFailed {
		_ = ch.Send(models.NewErrorFrame(job.Error))
		h.registry.Detach(jobID, ch)
		return
	}

	// Drain the connection to notice client disconnect. Inbound frames
	// carry no protocol meaning.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.registry.Detach(jobID, ch)
	h.logger.Debug().Str("job_id", jobID).Msg("Progress channel detached")
}

package handlers

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/lumen/internal/common"
	"github.com/ternarybob/lumen/internal/engine"
)

// UploadHandler receives client images and stores them for later use as
// generation inputs. Uploads are also forwarded into the engine's input
// space so image-conditioned workflows can reference them by name.
type UploadHandler struct {
	config *common.UploadsConfig
	engine *engine.Client
	logger arbor.ILogger
}

// NewUploadHandler creates the upload handler
func NewUploadHandler(config *common.UploadsConfig, client *engine.Client, logger arbor.ILogger) *UploadHandler {
	return &UploadHandler{
		config: config,
		engine: client,
		logger: logger,
	}
}

// HandleUpload handles POST /upload/image
func (h *UploadHandler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxBytes)

	file, header, err := r.FormFile("image")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "Missing image file: "+err.Error())
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !h.allowedExtension(ext) {
		WriteError(w, http.StatusBadRequest, "Unsupported file type "+ext)
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "Failed to read upload: "+err.Error())
		return
	}

	name := common.NewUploadName(ext)
	if err := os.MkdirAll(h.config.Dir, 0o755); err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to prepare upload directory: "+err.Error())
		return
	}
	path := filepath.Join(h.config.Dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to store upload: "+err.Error())
		return
	}

	// The engine copy is what image-conditioned graphs reference; an upload
	// the engine never received is useless, so the local copy goes too
	result, err := h.engine.UploadImage(r.Context(), name, data, h.config.EngineSpace)
	if err != nil {
		h.logger.Warn().Str("filename", name).Err(err).Msg("Engine upload forward failed")
		if rmErr := os.Remove(path); rmErr != nil {
			h.logger.Warn().Str("file", path).Err(rmErr).Msg("Failed to remove orphaned upload")
		}
		WriteError(w, http.StatusInternalServerError, "Engine upload failed: "+err.Error())
		return
	}

	h.logger.Info().
		Str("filename", name).
		Int("bytes", len(data)).
		Msg("Image uploaded")

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "success",
		"filename": name,
		"engine":   result,
	})
}

func (h *UploadHandler) allowedExtension(ext string) bool {
	for _, allowed := range h.config.Extensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

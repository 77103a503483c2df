package common

import (
	"strings"

	"github.com/google/uuid"
)

// NewClientID generates the client session id sent with every engine submission.
// A fresh id scopes the engine's event socket to a single job.
func NewClientID() string {
	return uuid.New().String()
}

// NewJobID generates a locally issued job id with the "vid_" prefix,
// used for provider jobs that never touch the engine.
func NewJobID() string {
	return "vid_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// NewUploadName generates a unique filename for an uploaded image,
// preserving the original extension.
func NewUploadName(ext string) string {
	return strings.ReplaceAll(uuid.New().String(), "-", "") + ext
}

package models

// Client-facing channel frames. Every frame sent on a job's progress
// channel is one of these shapes, discriminated by the "type" field.

// MediaType distinguishes image and video outputs
type MediaType string

const (
	MediaTypeImage MediaType = "image"
	MediaTypeVideo MediaType = "video"
)

// ProgressFrame reports generation progress. Heartbeat frames (a node
// started executing but the engine exposes no sub-node percentage) carry
// value 0 / max 100 plus the active node id.
type ProgressFrame struct {
	Type     string `json:"type"`
	Value    int    `json:"value"`
	MaxValue int    `json:"max_value"`
	Node     string `json:"node,omitempty"`
}

// NewProgressFrame builds a passthrough progress frame
func NewProgressFrame(value, max int) ProgressFrame {
	return ProgressFrame{Type: "progress", Value: value, MaxValue: max}
}

// NewHeartbeatFrame builds a synthetic progress frame for an executing node
func NewHeartbeatFrame(node string) ProgressFrame {
	return ProgressFrame{Type: "progress", Value: 0, MaxValue: 100, Node: node}
}

// OutputFrame carries the final artifact. Image bytes are inlined as
// base64; video bytes are deferred to the result endpoint unless the
// provider path already downloaded them.
type OutputFrame struct {
	Type        string    `json:"type"`
	MediaType   MediaType `json:"media_type"`
	MimeType    string    `json:"mime_type"`
	ImageBase64 string    `json:"image_base64,omitempty"`
	Filename    string    `json:"filename"`
}

// NewOutputFrame builds a final output frame
func NewOutputFrame(media MediaType, mime, b64, filename string) OutputFrame {
	return OutputFrame{Type: "output", MediaType: media, MimeType: mime, ImageBase64: b64, Filename: filename}
}

// FinalResultFrame signals job completion when the graph produced no
// image or video artifact at all.
type FinalResultFrame struct {
	Type     string `json:"type"`
	PromptID string `json:"prompt_id"`
}

// NewFinalResultFrame builds a bare completion frame
func NewFinalResultFrame(jobID string) FinalResultFrame {
	return FinalResultFrame{Type: "final_result", PromptID: jobID}
}

// StatusFrame carries a human-readable lifecycle message (provider path)
type StatusFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewStatusFrame builds a status frame
func NewStatusFrame(message string) StatusFrame {
	return StatusFrame{Type: "status", Message: message}
}

// ErrorFrame is the single terminal error notification on a channel
type ErrorFrame struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
}

// NewErrorFrame builds an error frame
func NewErrorFrame(detail string) ErrorFrame {
	return ErrorFrame{Type: "error", Detail: detail}
}

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/lumen/internal/common"
)

// JobRejectedError is a synchronous submission rejection from the engine.
// It carries the engine's own message and detail payload so the caller can
// surface them verbatim.
type JobRejectedError struct {
	Message string
	Details string
}

func (e *JobRejectedError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("job rejected: %s: %s", e.Message, e.Details)
	}
	return fmt.Sprintf("job rejected: %s", e.Message)
}

// ArtifactRef locates one produced file inside the engine's output space
type ArtifactRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// NodeOutput holds the artifacts one node produced. Still images arrive
// under "images", animated outputs under "gifs".
type NodeOutput struct {
	Images []ArtifactRef `json:"images,omitempty"`
	Gifs   []ArtifactRef `json:"gifs,omitempty"`
}

// HasArtifacts reports whether the node produced anything fetchable
func (n NodeOutput) HasArtifacts() bool {
	return len(n.Images) > 0 || len(n.Gifs) > 0
}

// HistoryEntry is the engine's record of one completed job
type HistoryEntry struct {
	Outputs map[string]NodeOutput `json:"outputs"`
}

// UploadResult is the engine's acknowledgement of an image upload
type UploadResult struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Client talks to the node-graph execution engine over HTTP and its
// event socket
type Client struct {
	baseURL string
	wsURL   string
	http    *http.Client
	dialer  *websocket.Dialer
	logger  arbor.ILogger
}

// NewClient creates an engine client from configuration
func NewClient(cfg *common.EngineConfig, logger arbor.ILogger) *Client {
	timeout := common.ParseDurationOr(cfg.RequestTimeout, 30*time.Second)
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		wsURL:   cfg.WSURL,
		http:    &http.Client{Timeout: timeout},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// BaseURL returns the engine's HTTP base URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

type submitRequest struct {
	Prompt   map[string]interface{} `json:"prompt"`
	ClientID string                 `json:"client_id"`
}

type submitResponse struct {
	PromptID string `json:"prompt_id"`
}

type submitErrorResponse struct {
	Error struct {
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
	NodeErrors json.RawMessage `json:"node_errors"`
}

// SubmitPrompt posts a resolved workflow graph for execution under the given
// client id. A non-2xx response decodes into *JobRejectedError; transport
// failures return as plain errors.
func (c *Client) SubmitPrompt(ctx context.Context, graph map[string]interface{}, clientID string) (string, error) {
	body, err := json.Marshal(submitRequest{Prompt: graph, ClientID: clientID})
	if err != nil {
		return "", fmt.Errorf("failed to encode prompt: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("engine unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		rejection := &JobRejectedError{Message: fmt.Sprintf("engine returned status %d", resp.StatusCode)}
		var errResp submitErrorResponse
		if err := json.Unmarshal(raw, &errResp); err == nil && errResp.Error.Message != "" {
			rejection.Message = errResp.Error.Message
			if len(errResp.Error.Details) > 0 {
				rejection.Details = string(errResp.Error.Details)
			}
		} else if len(raw) > 0 {
			rejection.Details = string(raw)
		}
		c.logger.Warn().
			Int("status", resp.StatusCode).
			Str("message", rejection.Message).
			Msg("Engine rejected prompt submission")
		return "", rejection
	}

	var sr submitResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return "", fmt.Errorf("failed to decode submit response: %w", err)
	}
	if sr.PromptID == "" {
		return "", fmt.Errorf("engine accepted prompt but returned no id")
	}

	return sr.PromptID, nil
}

// History fetches the engine's record for one job. Returns (nil, nil) when
// the engine has no record yet.
func (c *Client) History(ctx context.Context, jobID string) (*HistoryEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history request returned status %d", resp.StatusCode)
	}

	// The engine keys the response by job id
	var records map[string]HistoryEntry
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}

	entry, ok := records[jobID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

// ViewURL builds the engine URL at which an artifact can be fetched directly
func (c *Client) ViewURL(ref ArtifactRef) string {
	q := url.Values{}
	q.Set("filename", ref.Filename)
	q.Set("subfolder", ref.Subfolder)
	q.Set("type", ref.Type)
	return c.baseURL + "/view?" + q.Encode()
}

// FetchArtifact downloads one artifact's bytes. A non-200 response degrades
// to ("image/png", nil, nil) so callers can fall back to a reference-only
// result instead of failing a finished job.
func (c *Client) FetchArtifact(ctx context.Context, ref ArtifactRef) (string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ViewURL(ref), nil)
	if err != nil {
		return "", nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("artifact fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn().
			Str("filename", ref.Filename).
			Int("status", resp.StatusCode).
			Msg("Artifact fetch returned non-200, omitting bytes")
		return "image/png", nil, nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read artifact body: %w", err)
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "image/png"
	}
	return mime, data, nil
}

// DialEvents opens the engine's event socket scoped to the given client id.
// Frames on the returned connection parse via ParseEvent.
func (c *Client) DialEvents(ctx context.Context, clientID string) (*websocket.Conn, error) {
	target := c.wsURL + "?clientId=" + url.QueryEscape(clientID)

	conn, resp, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("event socket dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("event socket dial failed: %w", err)
	}

	c.logger.Debug().Str("client_id", clientID).Msg("Connected to engine event socket")
	return conn, nil
}

// UploadImage forwards image bytes into the engine's input space so a
// workflow can reference them by name
func (c *Client) UploadImage(ctx context.Context, filename string, data []byte, subfolder string) (*UploadResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("image", filename)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, err
	}
	if subfolder != "" {
		if err := mw.WriteField("subfolder", subfolder); err != nil {
			return nil, err
		}
	}
	if err := mw.WriteField("overwrite", "true"); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/image", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine upload failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("engine upload returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var result UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode upload response: %w", err)
	}
	if result.Name == "" {
		result.Name = filename
	}
	return &result, nil
}

// SystemStats returns the engine's system report (GPU, VRAM, versions)
// as raw JSON for passthrough
func (c *Client) SystemStats(ctx context.Context) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/system_stats", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("system stats query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("system stats query returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

// Checkpoints lists the model checkpoints the engine's loader node accepts
func (c *Client) Checkpoints(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/object_info/CheckpointLoaderSimple", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("checkpoint query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("checkpoint query returned status %d", resp.StatusCode)
	}

	// Shape: {"CheckpointLoaderSimple":{"input":{"required":{"ckpt_name":[[names...]]}}}}
	var info map[string]struct {
		Input struct {
			Required map[string][]json.RawMessage `json:"required"`
		} `json:"input"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint info: %w", err)
	}

	node, ok := info["CheckpointLoaderSimple"]
	if !ok {
		return nil, nil
	}
	field, ok := node.Input.Required["ckpt_name"]
	if !ok || len(field) == 0 {
		return nil, nil
	}

	var names []string
	if err := json.Unmarshal(field[0], &names); err != nil {
		return nil, nil
	}
	return names, nil
}

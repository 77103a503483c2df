package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/lumen/internal/common"
	"github.com/ternarybob/lumen/internal/models"
	"github.com/ternarybob/lumen/internal/relay"
)

// apiVersion is the provider's dated API version header value
const apiVersion = "2024-11-06"

// syntheticProgressSteps is the number of fixed-increment progress frames
// emitted after submission, before real polling starts. The provider
// exposes no percentage, so the client sees 20/40/60/80/100.
const syntheticProgressSteps = 5

// VideoJob drives one text-to-video generation through the third-party
// provider: submit, synthetic progress, poll to a terminal task status,
// download the clip, deliver it inline. It mirrors the engine relay's
// contract: exactly one terminal frame per job, buffered result for late
// readers.
type VideoJob struct {
	jobID string
	req   models.VideoRequest

	cfg      *common.ProviderConfig
	registry *relay.Registry
	jobs     relay.JobUpdater
	http     *http.Client

	downloadDir string
	logger      arbor.ILogger
}

// NewVideoJob creates a provider job ready to Run
func NewVideoJob(jobID string, req models.VideoRequest, cfg *common.ProviderConfig, registry *relay.Registry, jobs relay.JobUpdater, downloadDir string, logger arbor.ILogger) *VideoJob {
	return &VideoJob{
		jobID:       jobID,
		req:         req,
		cfg:         cfg,
		registry:    registry,
		jobs:        jobs,
		http:        &http.Client{Timeout: 60 * time.Second},
		downloadDir: downloadDir,
		logger:      logger,
	}
}

// JobID returns the locally issued job id
func (v *VideoJob) JobID() string {
	return v.jobID
}

// Run executes the provider pipeline to a terminal frame. Intended to run
// on its own goroutine.
func (v *VideoJob) Run(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			v.logger.Error().
				Str("job_id", v.jobID).
				Str("panic", fmt.Sprintf("%v", rec)).
				Msg("Provider job panicked")
			v.fail("internal provider failure")
		}
	}()

	v.registry.Send(v.jobID, models.NewStatusFrame("Submitting request to video provider"))

	taskID, err := v.submit(ctx)
	if err != nil {
		v.fail(fmt.Sprintf("provider submission failed: %v", err))
		return
	}

	v.logger.Info().
		Str("job_id", v.jobID).
		Str("task_id", taskID).
		Msg("Provider accepted video task")

	v.syntheticProgress(ctx)

	v.registry.Send(v.jobID, models.NewStatusFrame("Waiting for video generation"))

	outputURL, err := v.poll(ctx, taskID)
	if err != nil {
		v.fail(fmt.Sprintf("video generation failed: %v", err))
		return
	}

	v.registry.Send(v.jobID, models.NewStatusFrame("Downloading generated video"))

	filename, data, err := v.download(ctx, outputURL)
	if err != nil {
		v.fail(fmt.Sprintf("video download failed: %v", err))
		return
	}

	res := &relay.Resolution{
		JobID:     v.jobID,
		MediaType: models.MediaTypeVideo,
		MimeType:  "video/mp4",
		Filename:  filename,
		Data:      data,
	}
	v.registry.StoreResult(v.jobID, res)

	if err := v.jobs.MarkCompleted(v.jobID, filename, models.MediaTypeVideo); err != nil {
		v.logger.Warn().Str("job_id", v.jobID).Err(err).Msg("Failed to persist job completion")
	}

	// The clip is small enough to inline; the result endpoint serves the
	// same bytes from the buffered resolution.
	b64 := base64.StdEncoding.EncodeToString(data)
	v.registry.Finish(v.jobID, models.NewOutputFrame(models.MediaTypeVideo, "video/mp4", b64, filename))
}

func (v *VideoJob) fail(detail string) {
	v.logger.Warn().
		Str("job_id", v.jobID).
		Str("detail", detail).
		Msg("Provider job finished with error")

	if err := v.jobs.MarkFailed(v.jobID, detail); err != nil {
		v.logger.Warn().Str("job_id", v.jobID).Err(err).Msg("Failed to persist job failure")
	}
	v.registry.Finish(v.jobID, models.NewErrorFrame(detail))
}

func (v *VideoJob) apiKey() string {
	if v.req.APIKey != "" {
		return v.req.APIKey
	}
	return v.cfg.APIKey
}

func (v *VideoJob) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+v.apiKey())
	req.Header.Set("X-Runway-Version", apiVersion)
}

type submitPayload struct {
	PromptImage string `json:"promptImage"`
	PromptText  string `json:"promptText"`
	Model       string `json:"model"`
	Ratio       string `json:"ratio"`
	Duration    int    `json:"duration"`
	Seed        int64  `json:"seed,omitempty"`
}

type taskEnvelope struct {
	ID      string   `json:"id"`
	Status  string   `json:"status"`
	Output  []string `json:"output"`
	Failure string   `json:"failure"`
}

// submit posts the generation request and returns the provider task id
func (v *VideoJob) submit(ctx context.Context) (string, error) {
	if v.apiKey() == "" {
		return "", fmt.Errorf("no provider API key configured")
	}

	payload := submitPayload{
		PromptImage: v.req.ImageURL,
		PromptText:  v.req.Prompt,
		Model:       v.cfg.Model,
		Ratio:       v.req.Ratio,
		Duration:    v.req.Duration,
		Seed:        v.req.Seed,
	}
	if payload.Ratio == "" {
		payload.Ratio = v.cfg.DefaultRatio
	}
	if payload.Duration == 0 {
		payload.Duration = v.cfg.DefaultSecs
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	v.authorize(req)

	resp, err := v.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("provider unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("provider returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var task taskEnvelope
	if err := json.Unmarshal(raw, &task); err != nil {
		return "", fmt.Errorf("failed to decode provider response: %w", err)
	}
	if task.ID == "" {
		return "", fmt.Errorf("provider returned no task id")
	}
	return task.ID, nil
}

// syntheticProgress emits the fixed-increment progress ramp
func (v *VideoJob) syntheticProgress(ctx context.Context) {
	for i := 1; i <= syntheticProgressSteps; i++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
		v.registry.Send(v.jobID, models.NewProgressFrame(i*100/syntheticProgressSteps, 100))
	}
}

// poll queries the task until it succeeds, fails, or the attempt ceiling
// is reached
func (v *VideoJob) poll(ctx context.Context, taskID string) (string, error) {
	interval := common.ParseDurationOr(v.cfg.PollInterval, 2*time.Second)
	maxPolls := v.cfg.MaxPolls
	if maxPolls <= 0 {
		maxPolls = 60
	}

	for attempt := 0; attempt < maxPolls; attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}

		if err := v.jobs.Touch(v.jobID); err != nil {
			v.logger.Debug().Str("job_id", v.jobID).Err(err).Msg("Job liveness update failed")
		}

		task, err := v.pollOnce(ctx, taskID)
		if err != nil {
			v.logger.Debug().
				Str("job_id", v.jobID).
				Int("attempt", attempt+1).
				Err(err).
				Msg("Provider poll attempt failed")
			continue
		}

		switch task.Status {
		case "SUCCEEDED":
			if len(task.Output) == 0 {
				return "", fmt.Errorf("task succeeded but returned no output")
			}
			return task.Output[0], nil
		case "FAILED":
			if task.Failure != "" {
				return "", fmt.Errorf("provider reported failure: %s", task.Failure)
			}
			return "", fmt.Errorf("provider reported failure")
		}
	}

	return "", models.ErrProviderTimeout
}

func (v *VideoJob) pollOnce(ctx context.Context, taskID string) (*taskEnvelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(v.cfg.TasksURL, "/")+"/"+taskID, nil)
	if err != nil {
		return nil, err
	}
	v.authorize(req)

	resp, err := v.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var task taskEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return nil, err
	}
	return &task, nil
}

// download fetches the finished clip and caches it on disk so repeat result
// reads do not hit the provider's expiring URL
func (v *VideoJob) download(ctx context.Context, outputURL string) (string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, outputURL, nil)
	if err != nil {
		return "", nil, err
	}

	resp, err := v.http.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, err
	}

	filename := v.jobID + ".mp4"
	if v.downloadDir != "" {
		if err := os.MkdirAll(v.downloadDir, 0o755); err == nil {
			path := filepath.Join(v.downloadDir, filename)
			if err := os.WriteFile(path, data, 0o644); err != nil {
				v.logger.Warn().Str("job_id", v.jobID).Err(err).Msg("Failed to cache downloaded video")
			}
		}
	}

	return filename, data, nil
}

package relay

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/lumen/internal/engine"
	"github.com/ternarybob/lumen/internal/models"
)

// JobUpdater persists job state transitions and liveness. Satisfied by the
// badger job storage; tests substitute a recorder.
type JobUpdater interface {
	MarkCompleted(jobID, artifact string, media models.MediaType) error
	MarkFailed(jobID, detail string) error
	Touch(jobID string) error
}

// touchInterval bounds how often stream activity is persisted to the job
// record. The stale sweep's window is minutes, so seconds of slack is fine.
const touchInterval = 30 * time.Second

// Relay follows one engine job from submission to its terminal frame. It
// reads the engine's event socket, forwards progress to whichever client
// channel is attached, and resolves the artifact when the engine signals
// end of job. The relay outlives the client connection: a job whose
// listener went away still runs to completion and buffers its result.
type Relay struct {
	jobID    string
	clientID string

	engine   *engine.Client
	resolver *Resolver
	registry *Registry
	jobs     JobUpdater

	streamTimeout time.Duration
	heartbeat     *rate.Limiter
	lastTouch     time.Time
	logger        arbor.ILogger
}

// Options configures relay construction
type Options struct {
	// StreamTimeout is the inactivity ceiling on the event stream. The
	// deadline resets on every frame, so a slow job stays alive as long as
	// the engine keeps talking.
	StreamTimeout time.Duration
	// HeartbeatInterval throttles synthetic node-executing progress frames.
	// Zero disables throttling. Real progress frames always pass through.
	HeartbeatInterval time.Duration
}

// New creates a relay for one submitted engine job
func New(jobID, clientID string, client *engine.Client, resolver *Resolver, registry *Registry, jobs JobUpdater, opts Options, logger arbor.ILogger) *Relay {
	r := &Relay{
		jobID:         jobID,
		clientID:      clientID,
		engine:        client,
		resolver:      resolver,
		registry:      registry,
		jobs:          jobs,
		streamTimeout: opts.StreamTimeout,
		logger:        logger,
	}
	if opts.HeartbeatInterval > 0 {
		r.heartbeat = rate.NewLimiter(rate.Every(opts.HeartbeatInterval), 1)
	}
	return r
}

// Run drives the relay to a terminal state. Every exit path emits exactly
// one terminal notification: an output/final_result frame on success or a
// single error frame on failure. Intended to run on its own goroutine.
func (r *Relay) Run(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("job_id", r.jobID).
				Str("panic", fmt.Sprintf("%v", rec)).
				Msg("Relay panicked")
			r.fail("internal relay failure")
		}
	}()

	conn, err := r.engine.DialEvents(ctx, r.clientID)
	if err != nil {
		r.fail(fmt.Sprintf("engine connection failed: %v", err))
		return
	}
	defer conn.Close()

	r.logger.Info().
		Str("job_id", r.jobID).
		Str("client_id", r.clientID).
		Msg("Streaming engine events")

	for {
		if err := conn.SetReadDeadline(time.Now().Add(r.streamTimeout)); err != nil {
			r.fail(fmt.Sprintf("engine stream error: %v", err))
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				r.fail(fmt.Sprintf("%s after %s of engine inactivity", models.ErrUpstreamTimeout, r.streamTimeout))
			} else {
				r.fail(fmt.Sprintf("engine stream closed unexpectedly: %v", err))
			}
			return
		}

		r.touch()

		ev := engine.ParseEvent(raw)
		switch ev.Type {
		case engine.EventProgress:
			r.registry.Send(r.jobID, models.NewProgressFrame(ev.Value, ev.Max))

		case engine.EventExecuting:
			if ev.EndOfJob {
				r.resolve(ctx)
				return
			}
			if r.heartbeat == nil || r.heartbeat.Allow() {
				r.registry.Send(r.jobID, models.NewHeartbeatFrame(ev.Node))
			}

		case engine.EventUnknown:
			// Engine chatter outside the protocol subset
		}
	}
}

// touch records stream liveness on the job record so the stale sweep does
// not fail a long-running job whose relay is still receiving frames
func (r *Relay) touch() {
	if time.Since(r.lastTouch) < touchInterval && !r.lastTouch.IsZero() {
		return
	}
	r.lastTouch = time.Now()
	if err := r.jobs.Touch(r.jobID); err != nil {
		r.logger.Debug().Str("job_id", r.jobID).Err(err).Msg("Job liveness update failed")
	}
}

// resolve fetches the finished job's artifact and emits the terminal frame
func (r *Relay) resolve(ctx context.Context) {
	res, err := r.resolver.Resolve(ctx, r.jobID)
	if err != nil {
		r.fail(fmt.Sprintf("result resolution failed: %v", err))
		return
	}

	r.registry.StoreResult(r.jobID, res)

	if !res.HasArtifact() {
		if err := r.jobs.MarkCompleted(r.jobID, "", ""); err != nil {
			r.logger.Warn().Str("job_id", r.jobID).Err(err).Msg("Failed to persist job completion")
		}
		r.registry.Finish(r.jobID, models.NewFinalResultFrame(r.jobID))
		return
	}

	frame := TerminalFrame(res)
	if err := r.jobs.MarkCompleted(r.jobID, res.Filename, res.MediaType); err != nil {
		r.logger.Warn().Str("job_id", r.jobID).Err(err).Msg("Failed to persist job completion")
	}
	r.registry.Finish(r.jobID, frame)
}

// fail emits the single terminal error frame and records the failure
func (r *Relay) fail(detail string) {
	r.logger.Warn().
		Str("job_id", r.jobID).
		Str("detail", detail).
		Msg("Relay finished with error")

	if err := r.jobs.MarkFailed(r.jobID, detail); err != nil {
		r.logger.Warn().Str("job_id", r.jobID).Err(err).Msg("Failed to persist job failure")
	}
	r.resolver.Forget(r.jobID)
	r.registry.Finish(r.jobID, models.NewErrorFrame(detail))
}

// TerminalFrame converts a resolution into its client-facing frame. Image
// bytes inline as base64; video bytes stay behind the result endpoint, the
// frame carries the filename only.
func TerminalFrame(res *Resolution) interface{} {
	if !res.HasArtifact() {
		return models.NewFinalResultFrame(res.JobID)
	}
	if res.MediaType == models.MediaTypeVideo {
		return models.NewOutputFrame(models.MediaTypeVideo, res.MimeType, "", res.Filename)
	}
	b64 := ""
	if len(res.Data) > 0 {
		b64 = base64.StdEncoding.EncodeToString(res.Data)
	}
	return models.NewOutputFrame(models.MediaTypeImage, res.MimeType, b64, res.Filename)
}

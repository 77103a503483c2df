package relay

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/lumen/internal/engine"
	"github.com/ternarybob/lumen/internal/models"
)

// Save-node selection. Two-stage graphs wire a second checkpoint loader at
// a fixed node id and save their refined output at a different node than
// single-stage graphs do.
const (
	stageLoaderNode  = "12"
	stageLoaderClass = "CheckpointLoaderSimple"
	saveNodeStaged   = "18"
	saveNodeDefault  = "9"
)

// Resolution is a fully resolved job outcome. Data is nil when the artifact
// bytes could not be fetched (the engine still knows the file by name) or
// when the graph produced no artifact at all, in which case Filename is
// also empty.
type Resolution struct {
	JobID     string
	MediaType models.MediaType
	MimeType  string
	Filename  string
	Node      string
	Data      []byte
}

// HasArtifact reports whether the job produced a fetchable output
func (r *Resolution) HasArtifact() bool {
	return r.Filename != ""
}

// Resolver turns a finished job id into its primary artifact. The save
// node to prefer depends on the submitted graph's shape, so the graph is
// registered at submission time and looked up by job id afterwards.
type Resolver struct {
	engine *engine.Client
	logger arbor.ILogger

	mu      sync.Mutex
	primary map[string]string // job id -> preferred save node
}

// NewResolver creates a resolver backed by the given engine client
func NewResolver(client *engine.Client, logger arbor.ILogger) *Resolver {
	return &Resolver{
		engine:  client,
		logger:  logger,
		primary: make(map[string]string),
	}
}

// PrimaryNode picks the save node a graph's main output lands on
func PrimaryNode(graph map[string]interface{}) string {
	node, ok := graph[stageLoaderNode].(map[string]interface{})
	if !ok {
		return saveNodeDefault
	}
	if class, _ := node["class_type"].(string); class == stageLoaderClass {
		return saveNodeStaged
	}
	return saveNodeDefault
}

// RegisterJob records which save node to prefer for a submitted graph
func (r *Resolver) RegisterJob(jobID string, graph map[string]interface{}) {
	node := PrimaryNode(graph)
	r.mu.Lock()
	r.primary[jobID] = node
	r.mu.Unlock()
}

// Forget drops the cached save-node entry for a job
func (r *Resolver) Forget(jobID string) {
	r.mu.Lock()
	delete(r.primary, jobID)
	r.mu.Unlock()
}

func (r *Resolver) preferredNode(jobID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if node, ok := r.primary[jobID]; ok {
		return node
	}
	return saveNodeDefault
}

// Resolve fetches the job's history record and extracts its primary
// artifact. The preferred save node wins when it produced output;
// otherwise the first producing node (in sorted id order) is used. A
// history record with no artifacts at all resolves to an empty Resolution
// rather than an error. A missing history record is ErrResultNotReady.
func (r *Resolver) Resolve(ctx context.Context, jobID string) (*Resolution, error) {
	entry, err := r.engine.History(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, models.ErrResultNotReady
	}

	node, output := r.pickOutput(jobID, entry)
	if output == nil {
		r.logger.Info().Str("job_id", jobID).Msg("Job finished with no media artifact")
		return &Resolution{JobID: jobID}, nil
	}

	ref, media := pickArtifact(*output)

	mime, data, err := r.engine.FetchArtifact(ctx, ref)
	if err != nil {
		return nil, err
	}
	if media == models.MediaTypeVideo {
		if m := mimeForVideo(ref.Filename); m != "" {
			mime = m
		}
	}

	r.logger.Info().
		Str("job_id", jobID).
		Str("node", node).
		Str("filename", ref.Filename).
		Str("media_type", string(media)).
		Msg("Resolved job artifact")

	return &Resolution{
		JobID:     jobID,
		MediaType: media,
		MimeType:  mime,
		Filename:  ref.Filename,
		Node:      node,
		Data:      data,
	}, nil
}

// pickOutput chooses the node whose output represents the job's result
func (r *Resolver) pickOutput(jobID string, entry *engine.HistoryEntry) (string, *engine.NodeOutput) {
	preferred := r.preferredNode(jobID)
	if out, ok := entry.Outputs[preferred]; ok && out.HasArtifacts() {
		return preferred, &out
	}

	ids := make([]string, 0, len(entry.Outputs))
	for id := range entry.Outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		out := entry.Outputs[id]
		if out.HasArtifacts() {
			r.logger.Debug().
				Str("job_id", jobID).
				Str("preferred", preferred).
				Str("node", id).
				Msg("Preferred save node empty, using fallback node")
			return id, &out
		}
	}
	return "", nil
}

// pickArtifact selects the first artifact of a node output and classifies
// it. Still images take precedence; animated outputs are videos.
func pickArtifact(out engine.NodeOutput) (engine.ArtifactRef, models.MediaType) {
	if len(out.Images) > 0 {
		return out.Images[0], models.MediaTypeImage
	}
	return out.Gifs[0], models.MediaTypeVideo
}

func mimeForVideo(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".gif":
		return "image/gif"
	default:
		return ""
	}
}

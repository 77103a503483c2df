package models

import (
	"time"
)

// JobType identifies which backend executes a job
type JobType string

const (
	// JobTypeEngine runs on the node-graph execution engine
	JobTypeEngine JobType = "engine"
	// JobTypeVideo runs on the third-party text-to-video provider
	JobTypeVideo JobType = "video"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Job is the persisted record of a single generation submission.
// The job id is engine-assigned for engine jobs and locally issued for
// provider jobs; either way it keys the progress channel and result lookup.
type Job struct {
	ID        string    `json:"id" badgerhold:"key"`
	ClientID  string    `json:"client_id"` // Session id used for the engine event socket
	Type      JobType   `json:"type"`
	Workflow  string    `json:"workflow"`
	Status    JobStatus `json:"status"`
	Error     string    `json:"error,omitempty"`
	Artifact  string    `json:"artifact,omitempty"`   // Final artifact filename, when resolved
	MediaType string    `json:"media_type,omitempty"` // "image" or "video"
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsTerminal returns true once the job can no longer change state
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

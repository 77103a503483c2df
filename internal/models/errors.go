package models

import (
	"errors"
)

// Error taxonomy. Submission-time errors surface synchronously as request
// failures; anything after background submission surfaces only as an error
// frame on the job's channel.
var (
	// ErrTemplateNotFound indicates the named workflow template does not exist
	ErrTemplateNotFound = errors.New("workflow template not found")

	// ErrResultNotReady indicates no history record or artifact exists yet;
	// the client should keep polling
	ErrResultNotReady = errors.New("result not ready")

	// ErrUpstreamTimeout indicates the engine event stream went silent for
	// the full inactivity window. Its text leads the error frame detail.
	ErrUpstreamTimeout = errors.New("generation timed out")

	// ErrProviderTimeout indicates the provider poll attempt ceiling was
	// exhausted without a terminal task status
	ErrProviderTimeout = errors.New("provider poll timeout")
)

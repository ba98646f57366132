// Package edit runs room photo edits: it submits jobs to an image-edit
// provider, polls them to completion and records the result in the room's
// conversation log.
package edit

import "context"

// JobState is the provider-side state of an edit job.
type JobState string

const (
	JobPending JobState = "pending"
	JobReady   JobState = "ready"
	JobFailed  JobState = "failed"
)

// JobStatus is one observation of a job's state. Payload is set when the job
// is Ready and holds either embedded image data or a URL to the result.
// Reason optionally describes a Failed job.
type JobStatus struct {
	State   JobState
	Payload string
	Reason  string
}

// Provider is an asynchronous image-edit service.
type Provider interface {
	// Submit starts an edit job and returns its provider-assigned id.
	Submit(ctx context.Context, instruction, imageRef string) (string, error)
	// Status queries the current state of a job.
	Status(ctx context.Context, jobID string) (JobStatus, error)
}

// Fetcher downloads a remote result image.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

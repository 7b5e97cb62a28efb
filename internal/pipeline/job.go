// Package pipeline runs one upload through transcode, discovery and publish
// and reports a single terminal result for it.
package pipeline

import (
	"errors"
	"fmt"
	"time"

	"bitriver-vod/internal/jobs"
)

var ErrInvalidTransition = errors.New("invalid job state transition")

// Request identifies the upload to process.
type Request struct {
	JobID      string
	SourcePath string
}

// Job is the in-flight view of a request as it moves through the stages.
type Job struct {
	ID          string
	SourcePath  string
	OutputDir   string
	Owner       string
	State       jobs.State
	MasterURL   string
	Category    Category
	Err         error
	Objects     int
	Bytes       int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
}

// transition moves the job to the next state, refusing edges the stage
// machine does not allow.
func (j *Job) transition(to jobs.State, now time.Time) error {
	if !isValidTransition(j.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, to)
	}
	j.State = to
	j.UpdatedAt = now
	if to.Terminal() {
		j.CompletedAt = now
	}
	return nil
}

// Record converts the job into its persisted form.
func (j *Job) Record() jobs.Record {
	rec := jobs.Record{
		ID:         j.ID,
		State:      j.State,
		SourcePath: j.SourcePath,
		OutputDir:  j.OutputDir,
		Owner:      j.Owner,
		MasterURL:  j.MasterURL,
		Category:   string(j.Category),
		Objects:    j.Objects,
		Bytes:      j.Bytes,
		CreatedAt:  j.CreatedAt,
		UpdatedAt:  j.UpdatedAt,
	}
	if j.Err != nil {
		rec.Error = j.Err.Error()
	}
	if !j.CompletedAt.IsZero() {
		completed := j.CompletedAt
		rec.CompletedAt = &completed
	}
	return rec
}

// isValidTransition enforces the allowed job state machine edges.
func isValidTransition(from, to jobs.State) bool {
	switch from {
	case jobs.StatePending:
		return to == jobs.StateTranscoding || to == jobs.StateFailed
	case jobs.StateTranscoding:
		return to == jobs.StateDiscovering || to == jobs.StateFailed
	case jobs.StateDiscovering:
		return to == jobs.StatePublishing || to == jobs.StateFailed
	case jobs.StatePublishing:
		return to == jobs.StateSucceeded || to == jobs.StateFailed
	default:
		return false
	}
}

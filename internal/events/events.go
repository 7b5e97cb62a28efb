// Package events announces job lifecycle transitions to other services.
package events

import (
	"context"
	"time"
)

// Event describes one job state transition.
type Event struct {
	JobID     string    `json:"jobId"`
	State     string    `json:"state"`
	Previous  string    `json:"previous,omitempty"`
	Category  string    `json:"category,omitempty"`
	Error     string    `json:"error,omitempty"`
	MasterURL string    `json:"masterPlaylist,omitempty"`
	At        time.Time `json:"at"`
}

// Sink receives lifecycle events. Publish failures never fail a job.
type Sink interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Noop discards events.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

func (Noop) Close() error { return nil }

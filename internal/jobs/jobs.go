// Package jobs persists the lifecycle of transcode-and-publish jobs.
package jobs

import (
	"context"
	"errors"
	"sort"
	"time"
)

// State is a job lifecycle state.
type State string

const (
	StatePending     State = "pending"
	StateTranscoding State = "transcoding"
	StateDiscovering State = "discovering"
	StatePublishing  State = "publishing"
	StateSucceeded   State = "succeeded"
	StateFailed      State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

func (s State) Valid() bool {
	switch s {
	case StatePending, StateTranscoding, StateDiscovering, StatePublishing, StateSucceeded, StateFailed:
		return true
	}
	return false
}

var (
	ErrJobExists = errors.New("job already exists")
	ErrNotFound  = errors.New("job not found")
)

// Record is the persisted view of a job.
type Record struct {
	ID          string     `json:"id"`
	State       State      `json:"state"`
	SourcePath  string     `json:"sourcePath"`
	OutputDir   string     `json:"outputDir"`
	Owner       string     `json:"owner,omitempty"`
	MasterURL   string     `json:"masterPlaylist,omitempty"`
	Category    string     `json:"category,omitempty"`
	Error       string     `json:"error,omitempty"`
	Objects     int        `json:"objects,omitempty"`
	Bytes       int64      `json:"bytes,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Store persists job records. Create fails with ErrJobExists when the id is
// taken; Get and Update fail with ErrNotFound for unknown ids.
type Store interface {
	Create(ctx context.Context, rec Record) error
	Update(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context) ([]Record, error)
}

// Recovery selects the non-terminal records a starting instance may fail.
// Records owned by Owner were left behind by this instance's previous run.
// Records of any owner that have not changed for longer than StaleAfter are
// abandoned; a live job always updates its record within its timeout.
type Recovery struct {
	Owner      string
	StaleAfter time.Duration
}

func (r Recovery) abandoned(rec Record, now time.Time) bool {
	if rec.State.Terminal() {
		return false
	}
	if r.Owner != "" && rec.Owner == r.Owner {
		return true
	}
	return r.StaleAfter > 0 && now.Sub(rec.UpdatedAt) > r.StaleAfter
}

// MarkInterrupted fails the records policy selects. Jobs other replicas are
// still running are left alone.
func MarkInterrupted(ctx context.Context, store Store, policy Recovery, now time.Time) ([]Record, error) {
	records, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	var updated []Record
	for _, rec := range records {
		if !policy.abandoned(rec, now) {
			continue
		}
		completed := now.UTC()
		rec.State = StateFailed
		rec.Category = "internal"
		rec.Error = "interrupted by service restart"
		rec.UpdatedAt = completed
		rec.CompletedAt = &completed
		if err := store.Update(ctx, rec); err != nil {
			return updated, err
		}
		updated = append(updated, rec)
	}
	return updated, nil
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"bitriver-vod/internal/artifacts"
	"bitriver-vod/internal/jobs"
	"bitriver-vod/internal/publish"
	"bitriver-vod/internal/transcode"
)

func TestClassify(t *testing.T) {
	engineErr := &transcode.EngineError{JobID: "j1", ExitCode: 1}
	publishErr := &publish.PublishError{JobID: "j1", Err: errors.New("503")}
	cases := []struct {
		name string
		err  error
		want Category
	}{
		{name: "nil", err: nil, want: ""},
		{name: "input", err: &InputError{Err: ErrSourceMissing}, want: CategoryInput},
		{name: "engine", err: engineErr, want: CategoryTranscode},
		{name: "discovery", err: &artifacts.DiscoveryError{Root: "/out", Err: artifacts.ErrOutputEmpty}, want: CategoryTranscode},
		{name: "publish", err: fmt.Errorf("stage: %w", publishErr), want: CategoryPublish},
		{name: "deadline", err: context.DeadlineExceeded, want: CategoryTimeout},
		{name: "engine deadline", err: &transcode.EngineError{Err: context.DeadlineExceeded}, want: CategoryTimeout},
		{name: "publish canceled", err: fmt.Errorf("%w: %w", context.Canceled, publishErr), want: CategoryCanceled},
		{name: "other", err: errors.New("disk on fire"), want: CategoryInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestCategoryMessages(t *testing.T) {
	seen := make(map[string]Category)
	for _, c := range []Category{CategoryInput, CategoryTranscode, CategoryPublish, CategoryTimeout, CategoryCanceled, CategoryInternal} {
		msg := c.Message()
		if msg == "" {
			t.Fatalf("%s has no message", c)
		}
		if other, ok := seen[msg]; ok {
			t.Fatalf("%s and %s share message %q", c, other, msg)
		}
		seen[msg] = c
	}
}

func TestValidateJobID(t *testing.T) {
	valid := []string{"abc123", "0b7c3f2e-5d55-4d8b-9c43-2f1f4ad3e8a1", "clip_v2.final"}
	for _, id := range valid {
		if err := ValidateJobID(id); err != nil {
			t.Fatalf("%q rejected: %v", id, err)
		}
	}
	invalid := []string{"", ".", "..", ".hidden", "a/b", `a\b`, "with space", "é", strings.Repeat("a", maxJobIDLength+1)}
	for _, id := range invalid {
		if err := ValidateJobID(id); !errors.Is(err, ErrInvalidJobID) {
			t.Fatalf("%q accepted", id)
		}
	}
}

func TestStateTransitions(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	job := &Job{ID: "j1", State: jobs.StatePending, CreatedAt: now}
	for _, next := range []jobs.State{jobs.StateTranscoding, jobs.StateDiscovering, jobs.StatePublishing, jobs.StateSucceeded} {
		if err := job.transition(next, now); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}
	if job.CompletedAt.IsZero() {
		t.Fatal("expected completion time on terminal state")
	}
	if err := job.transition(jobs.StateFailed, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("terminal state accepted a transition: %v", err)
	}

	skipping := &Job{State: jobs.StatePending}
	if err := skipping.transition(jobs.StatePublishing, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected skipped stage to be rejected, got %v", err)
	}
	for _, from := range []jobs.State{jobs.StatePending, jobs.StateTranscoding, jobs.StateDiscovering, jobs.StatePublishing} {
		if !isValidTransition(from, jobs.StateFailed) {
			t.Fatalf("failed must be reachable from %s", from)
		}
	}
}

func TestJobRecord(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	job := &Job{ID: "j1", State: jobs.StatePublishing, CreatedAt: now, UpdatedAt: now}
	job.Err = errors.New("boom")
	job.Category = CategoryPublish
	if err := job.transition(jobs.StateFailed, now.Add(time.Minute)); err != nil {
		t.Fatalf("transition: %v", err)
	}
	rec := job.Record()
	if rec.Error != "boom" || rec.Category != "publish" || rec.CompletedAt == nil || !rec.CompletedAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected record %+v", rec)
	}
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"bitriver-vod/internal/artifacts"
	"bitriver-vod/internal/publish"
	"bitriver-vod/internal/transcode"
)

// Category is the caller-visible failure class of a job.
type Category string

const (
	CategoryInput     Category = "input"
	CategoryTranscode Category = "transcode"
	CategoryPublish   Category = "publish"
	CategoryTimeout   Category = "timeout"
	CategoryCanceled  Category = "canceled"
	CategoryInternal  Category = "internal"
)

// Message is the human readable error reported to clients.
func (c Category) Message() string {
	switch c {
	case CategoryInput:
		return "invalid source video"
	case CategoryTranscode:
		return "transcoding failed"
	case CategoryPublish:
		return "publishing failed"
	case CategoryTimeout:
		return "job timed out"
	case CategoryCanceled:
		return "job canceled"
	default:
		return "internal error"
	}
}

var (
	ErrInvalidJobID     = errors.New("job id must be a non-empty path-safe token")
	ErrDuplicateJob     = errors.New("job id already used")
	ErrSourceMissing    = errors.New("source file not found")
	ErrSourceNotRegular = errors.New("source is not a regular file")
	ErrSourceUnreadable = errors.New("source file is not readable")
)

const maxJobIDLength = 128

// InputError reports a request the pipeline refuses before any work starts.
type InputError struct {
	JobID string
	Err   error
}

func (e *InputError) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("invalid input: %v", e.Err)
	}
	return fmt.Sprintf("invalid input for job %s: %v", e.JobID, e.Err)
}

func (e *InputError) Unwrap() error {
	return e.Err
}

// Classify maps any pipeline error onto a Category. Context errors win over
// the stage error they interrupted, so a publish cut short by the job
// deadline reports a timeout.
func Classify(err error) Category {
	if err == nil {
		return ""
	}
	var inputErr *InputError
	var engineErr *transcode.EngineError
	var discoveryErr *artifacts.DiscoveryError
	var publishErr *publish.PublishError
	switch {
	case errors.As(err, &inputErr):
		return CategoryInput
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	case errors.Is(err, context.Canceled):
		return CategoryCanceled
	case errors.As(err, &engineErr), errors.As(err, &discoveryErr):
		return CategoryTranscode
	case errors.As(err, &publishErr):
		return CategoryPublish
	default:
		return CategoryInternal
	}
}

// ValidateJobID accepts ids made of letters, digits, '-', '_' and '.', not
// starting with a dot, so they are safe as a directory name and a key
// segment.
func ValidateJobID(id string) error {
	if id == "" || len(id) > maxJobIDLength || strings.HasPrefix(id, ".") {
		return ErrInvalidJobID
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return ErrInvalidJobID
		}
	}
	return nil
}

func checkSource(path string) error {
	if strings.TrimSpace(path) == "" {
		return ErrSourceMissing
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrSourceMissing
		}
		return fmt.Errorf("%w: %v", ErrSourceUnreadable, err)
	}
	if !info.Mode().IsRegular() {
		return ErrSourceNotRegular
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnreadable, err)
	}
	return file.Close()
}

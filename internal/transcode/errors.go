package transcode

import (
	"fmt"
	"strings"
)

// EngineError reports a failed or aborted ffmpeg run. Diagnostic carries the
// tail of ffmpeg's stderr.
type EngineError struct {
	JobID      string
	ExitCode   int
	Diagnostic string
	Err        error
}

func (e *EngineError) Error() string {
	var b strings.Builder
	b.WriteString("transcode")
	if e.JobID != "" {
		fmt.Fprintf(&b, " job %s", e.JobID)
	}
	if e.ExitCode > 0 {
		fmt.Fprintf(&b, ": ffmpeg exited with status %d", e.ExitCode)
	} else if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if diag := lastLine(e.Diagnostic); diag != "" {
		fmt.Fprintf(&b, " (%s)", diag)
	}
	return b.String()
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		return strings.TrimSpace(s[idx+1:])
	}
	return s
}

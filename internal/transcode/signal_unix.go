//go:build !windows

package transcode

import (
	"os/exec"
	"syscall"
)

// terminate asks ffmpeg to stop so it can finalise playlists; WaitDelay
// escalates to a kill if it does not exit in time.
func terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Signal(syscall.SIGTERM)
}

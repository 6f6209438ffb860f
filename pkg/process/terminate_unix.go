//go:build !windows

package process

import (
	"syscall"
)

// SendTerminationSignal sends SIGTERM to the process group on Unix systems,
// terminating the entire process tree. A group that is already gone counts
// as terminated.
func SendTerminationSignal(pid int) error {
	err := syscall.Kill(-pid, syscall.SIGTERM)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}

//go:build !windows

package process

import (
	"errors"
	"os"
	"syscall"
)

// terminate sends SIGTERM to the process group led by pid.
func terminate(pid int) error { return signalGroup(pid, syscall.SIGTERM) }

// kill sends SIGKILL to the process group led by pid.
func kill(pid int) error { return signalGroup(pid, syscall.SIGKILL) }

func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return os.ErrProcessDone
	}
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}

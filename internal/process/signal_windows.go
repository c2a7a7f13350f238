//go:build windows

package process

import "os"

// Windows has no SIGTERM equivalent for console-less children; both paths
// terminate the process.
func terminate(pid int) error { return kill(pid) }

func kill(pid int) error {
	if pid <= 0 {
		return os.ErrProcessDone
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return os.ErrProcessDone
	}
	return p.Kill()
}

//go:build windows

package supervise

import (
	"os"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr { return nil }

// Windows has no graceful console signal we can deliver reliably from here;
// both paths terminate the process outright.
func terminateGroup(pid int) error { return killByPID(pid) }

func killGroup(pid int) error { return killByPID(pid) }

func killByPID(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}

//go:build !windows

package supervise

import "syscall"

func sysProcAttr() *syscall.SysProcAttr {
	// Own process group so signals reach the whole service tree.
	return &syscall.SysProcAttr{Setpgid: true}
}

// terminateGroup asks the service's process group to shut down gracefully.
func terminateGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// killGroup force-kills the service's process group.
func killGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

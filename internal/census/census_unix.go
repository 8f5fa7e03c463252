//go:build !windows

package census

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

func selfPID() int { return os.Getpid() }

// ListenersOnPort shells out to lsof, which prints one PID per line with -t.
func (systemCensus) ListenersOnPort(port int) ([]int, error) {
	out, err := exec.Command("lsof", "-t", fmt.Sprintf("-i:%d", port)).Output()
	if err != nil {
		// lsof exits non-zero when nothing listens; treat as empty.
		return nil, nil
	}
	var pids []int
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

func (systemCensus) Terminate(pid int) error {
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(pid, syscall.SIGKILL)
}

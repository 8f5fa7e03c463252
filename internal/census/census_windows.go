//go:build windows

package census

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

func selfPID() int { return os.Getpid() }

// ListenersOnPort parses netstat output; best-effort only.
func (systemCensus) ListenersOnPort(port int) ([]int, error) {
	out, err := exec.Command("netstat", "-ano", "-p", "tcp").Output()
	if err != nil {
		return nil, nil
	}
	suffix := fmt.Sprintf(":%d", port)
	var pids []int
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 || !strings.EqualFold(fields[3], "LISTENING") {
			continue
		}
		if !strings.HasSuffix(fields[1], suffix) {
			continue
		}
		pid, err := strconv.Atoi(fields[4])
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
	return exec.Command("taskkill", "/F", "/PID", strconv.Itoa(pid)).Run()
}

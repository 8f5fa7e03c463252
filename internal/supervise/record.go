package supervise

import (
	"os/exec"
	"time"

	"github.com/regstack/regstack/internal/catalog"
)

// record tracks one spawned service. It is owned exclusively by the
// supervisor's registry: created on successful spawn, removed on confirmed
// stop, never shared.
type record struct {
	id        catalog.ServiceID
	cmd       *exec.Cmd
	startedAt time.Time
	// waitDone is closed by the monitor goroutine once cmd.Wait returns;
	// exitErr is only valid after that.
	waitDone chan struct{}
	exitErr  error
}

// exited polls the monitor without blocking.
func (r *record) exited() (bool, error) {
	select {
	case <-r.waitDone:
		return true, r.exitErr
	default:
		return false, nil
	}
}

func (r *record) pid() int {
	if r.cmd != nil && r.cmd.Process != nil {
		return r.cmd.Process.Pid
	}
	return 0
}

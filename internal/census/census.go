// Package census provides a best-effort view of OS processes: enumeration
// by executable name, listener lookup by port, and forced termination.
// Implementations differ per platform but share the contract that partial
// failure is never fatal; callers use it to reclaim orphans, not to prove
// correctness.
package census

import (
	"strings"

	ps "github.com/mitchellh/go-ps"
)

// Census enumerates and terminates processes outside the supervisor's
// ownership.
type Census interface {
	// ProcessesByName returns PIDs whose executable name matches name.
	ProcessesByName(name string) ([]int, error)
	// ListenersOnPort returns PIDs listening on the given TCP port.
	ListenersOnPort(port int) ([]int, error)
	// Terminate force-kills a process by PID.
	Terminate(pid int) error
}

// System returns the census implementation for the current platform.
func System() Census { return systemCensus{} }

type systemCensus struct{}

func (systemCensus) ProcessesByName(name string) ([]int, error) {
	procs, err := ps.Processes()
	if err != nil {
		return nil, err
	}
	self := selfPID()
	var pids []int
	for _, p := range procs {
		if p.Pid() == self {
			continue
		}
		if matchesExecutable(p.Executable(), name) {
			pids = append(pids, p.Pid())
		}
	}
	return pids, nil
}

// matchesExecutable compares an observed executable name against a managed
// binary name, tolerating the platform suffix.
func matchesExecutable(exe, name string) bool {
	exe = strings.TrimSuffix(exe, ".exe")
	return exe == name
}

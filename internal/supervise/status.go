package supervise

import (
	"fmt"
	"time"

	"github.com/regstack/regstack/internal/catalog"
	"github.com/regstack/regstack/internal/config"
)

// State classifies a service's lifecycle position.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
	StateError   State = "error"
)

// ServiceStatus is one service's snapshot as reported to callers.
type ServiceStatus struct {
	ID         catalog.ServiceID `json:"id"`
	Name       string            `json:"name"`
	State      State             `json:"state"`
	PID        int               `json:"pid,omitempty"`
	UptimeSecs int64             `json:"uptime_secs,omitempty"`
	Port       int               `json:"port,omitempty"`
	Version    string            `json:"version,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Status reports one service. A tracked process that has exited cleanly
// reads as stopped; one that exited with a failure reads as error until a
// restart replaces the record.
func (s *Supervisor) Status(id catalog.ServiceID, cfg config.Config) ServiceStatus {
	d := catalog.Get(id)
	st := ServiceStatus{
		ID:    id,
		Name:  d.DisplayName,
		State: StateStopped,
		Port:  catalog.Port(id, cfg),
	}
	if info := s.prov.Status(id); info.State.Version != "" {
		st.Version = info.State.Version
	}

	s.mu.Lock()
	r, ok := s.procs[id]
	s.mu.Unlock()
	if !ok {
		return st
	}

	done, exitErr := r.exited()
	if !done {
		st.State = StateRunning
		st.PID = r.pid()
		st.UptimeSecs = int64(time.Since(r.startedAt).Seconds())
		return st
	}
	if exitErr != nil {
		st.State = StateError
		st.Error = fmt.Sprintf("process exited: %s", exitDetail(exitErr))
	}
	return st
}

// StatusAll reports every service in start order.
func (s *Supervisor) StatusAll(cfg config.Config) []ServiceStatus {
	out := make([]ServiceStatus, 0, len(catalog.All()))
	for _, id := range catalog.All() {
		out = append(out, s.Status(id, cfg))
	}
	return out
}

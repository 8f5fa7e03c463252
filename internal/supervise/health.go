package supervise

import (
	"net/http"
	"time"

	"github.com/regstack/regstack/internal/catalog"
	"github.com/regstack/regstack/internal/config"
)

const healthTimeout = 2 * time.Second

// HealthCheck probes a service's primary HTTP port. It reports false when
// the service is not tracked as running. A response is healthy when the
// endpoint answers at all in a recognizable way: any 2xx, or 401/404/405
// from servers that gate or do not serve the probed path.
func (s *Supervisor) HealthCheck(id catalog.ServiceID, cfg config.Config) bool {
	s.mu.Lock()
	r, ok := s.procs[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	if done, _ := r.exited(); done {
		return false
	}

	url := catalog.HealthURL(id, cfg)
	if url == "" {
		return false
	}
	client := &http.Client{Timeout: healthTimeout}
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return healthyStatus(resp.StatusCode)
}

func healthyStatus(code int) bool {
	if code >= 200 && code < 300 {
		return true
	}
	switch code {
	case http.StatusUnauthorized, http.StatusNotFound, http.StatusMethodNotAllowed:
		return true
	}
	return false
}

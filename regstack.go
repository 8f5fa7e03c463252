// Package regstack is the embeddable facade over the local Bitcoin regtest
// stack: it provisions the service binaries and supervises their lifecycle
// under a single application data root.
package regstack

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/regstack/regstack/internal/catalog"
	"github.com/regstack/regstack/internal/config"
	"github.com/regstack/regstack/internal/events"
	"github.com/regstack/regstack/internal/logring"
	"github.com/regstack/regstack/internal/metrics"
	"github.com/regstack/regstack/internal/provision"
	"github.com/regstack/regstack/internal/server"
	"github.com/regstack/regstack/internal/supervise"
)

// ServiceID re-exports the catalog identifier for embedders.
type ServiceID = catalog.ServiceID

// Options configure Open. The zero value uses the default data root, runs
// the orphan sweep, and keeps service output off this process's stdio.
type Options struct {
	// Root overrides the application data root (default: platform config
	// dir, or REGSTACK_HOME).
	Root string
	// Mirror echoes captured service output to os.Stdout/os.Stderr.
	Mirror bool
	// SkipReclaim skips the orphan sweep at startup.
	SkipReclaim bool
}

// Stack ties the provisioner, the supervisor, and the event history
// together over one data root.
type Stack struct {
	cfg   config.Config
	paths config.Paths
	prov  *provision.Provisioner
	sup   *supervise.Supervisor
	hist  events.Store
}

// Open loads (or defaults) the configuration under the data root and builds
// the stack. A broken event history degrades to none with a warning; it
// never fails Open.
func Open(opts Options) (*Stack, error) {
	paths := config.NewPaths(opts.Root)
	cfg := config.Load(paths.ConfigFile())

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		slog.Warn("metrics registration failed", "error", err)
	}

	hist, err := events.NewFromConfig(cfg.History, paths)
	if err != nil {
		slog.Warn("event history disabled", "error", err)
		hist = nil
	}

	files := cfg.Log
	if files.Dir == "" {
		files.Dir = paths.LogsDir()
	}

	prov := provision.New(paths)
	sup := supervise.New(paths, prov, cfg, supervise.Options{
		History:     hist,
		Files:       files,
		Mirror:      opts.Mirror,
		SkipReclaim: opts.SkipReclaim,
	})
	return &Stack{cfg: cfg, paths: paths, prov: prov, sup: sup, hist: hist}, nil
}

// Config returns the loaded configuration.
func (s *Stack) Config() config.Config { return s.cfg }

// Paths returns the install layout.
func (s *Stack) Paths() config.Paths { return s.paths }

// Provisioner exposes binary installation and status.
func (s *Stack) Provisioner() *provision.Provisioner { return s.prov }

// Supervisor exposes service lifecycle control.
func (s *Stack) Supervisor() *supervise.Supervisor { return s.sup }

// Events returns the lifecycle history store, or nil when disabled.
func (s *Stack) Events() events.Store { return s.hist }

// Install downloads and installs every missing or outdated binary,
// reporting per-service progress when onProgress is non-nil.
func (s *Stack) Install(onProgress provision.AllProgressFunc) error {
	return s.prov.DownloadAll(onProgress)
}

// Up starts every service in dependency order.
func (s *Stack) Up() error { return s.sup.StartAll(s.cfg) }

// Down stops every service in reverse dependency order.
func (s *Stack) Down() error { return s.sup.StopAll() }

// Start starts one service.
func (s *Stack) Start(id ServiceID) error { return s.sup.Start(id, s.cfg) }

// Stop stops one service.
func (s *Stack) Stop(id ServiceID) error { return s.sup.Stop(id) }

// Status reports every service.
func (s *Stack) Status() []supervise.ServiceStatus { return s.sup.StatusAll(s.cfg) }

// Healthy probes one service's HTTP port.
func (s *Stack) Healthy(id ServiceID) bool { return s.sup.HealthCheck(id, s.cfg) }

// Logs returns captured service output, oldest first.
func (s *Stack) Logs(service string, limit int) []logring.Entry {
	return s.sup.Logs(service, limit)
}

// ClearLogs drops the captured output buffer.
func (s *Stack) ClearLogs() { s.sup.ClearLogs() }

// Reset stops the stack and removes all per-service data directories.
func (s *Stack) Reset() error { return s.sup.ResetData(s.cfg) }

// Handler returns the control API as an http.Handler.
func (s *Stack) Handler() http.Handler {
	return server.NewRouter(s.sup, s.prov, s.hist, s.cfg).Handler()
}

// Serve starts the control API on addr and returns the running server.
func (s *Stack) Serve(addr string) *http.Server {
	return server.NewServer(addr, server.NewRouter(s.sup, s.prov, s.hist, s.cfg))
}

// Close stops all services and releases the event history.
func (s *Stack) Close() error {
	err := s.sup.StopAll()
	if s.hist != nil {
		if cerr := s.hist.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Package supervise owns the lifecycle of the managed regtest services:
// spawning them in dependency order, capturing their output, stopping them
// with bounded escalation, and reclaiming orphans left behind by crashed
// sessions.
package supervise

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/regstack/regstack/internal/catalog"
	"github.com/regstack/regstack/internal/census"
	"github.com/regstack/regstack/internal/config"
	"github.com/regstack/regstack/internal/events"
	"github.com/regstack/regstack/internal/logger"
	"github.com/regstack/regstack/internal/logring"
	"github.com/regstack/regstack/internal/metrics"
	"github.com/regstack/regstack/internal/provision"
)

const scanBufSize = 1024 * 1024

// Timings are the settle and escalation delays used by lifecycle
// operations. Tests shrink them; production uses DefaultTimings.
type Timings struct {
	// RootSettle is the pause after bitcoind starts, before the wallet
	// bootstrap and the dependent services.
	RootSettle time.Duration
	// StepSettle is the pause between consecutive service starts.
	StepSettle time.Duration
	// StopGrace is how long a service gets after SIGTERM before SIGKILL.
	StopGrace time.Duration
	// ResetSettle is the pause after stopping everything during a data reset.
	ResetSettle time.Duration
	// ReclaimPause is the pause after orphan kills, letting the OS release
	// sockets and file locks.
	ReclaimPause time.Duration
	// RemoveRetry is the pause between data directory removal attempts.
	RemoveRetry time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		RootSettle:   2 * time.Second,
		StepSettle:   500 * time.Millisecond,
		StopGrace:    5 * time.Second,
		ResetSettle:  2 * time.Second,
		ReclaimPause: 100 * time.Millisecond,
		RemoveRetry:  time.Second,
	}
}

// Options configure a Supervisor beyond its required collaborators.
type Options struct {
	// Census used for orphan reclamation; defaults to the live system census.
	Census census.Census
	// History receives lifecycle events; nil disables recording. Writes are
	// best-effort and never fail a lifecycle operation.
	History events.Store
	// Files enables per-service rotated log files when Dir is set.
	Files logger.FileConfig
	// Mirror echoes captured service output to this process's own stdio.
	Mirror bool
	// Timings override DefaultTimings when non-zero.
	Timings Timings
	// SkipReclaim disables the orphan sweep at construction.
	SkipReclaim bool
}

// Supervisor is the registry of running services. All exported methods are
// safe for concurrent use.
type Supervisor struct {
	paths  config.Paths
	prov   *provision.Provisioner
	cen    census.Census
	hist   events.Store
	files  logger.FileConfig
	mirror bool
	t      Timings
	ring   *logring.Ring

	mu    sync.Mutex
	procs map[catalog.ServiceID]*record

	minerMu   sync.Mutex
	minerQuit chan struct{}
}

// New builds a Supervisor and, unless opts.SkipReclaim is set, sweeps
// orphaned service processes from a previous session before returning.
func New(paths config.Paths, prov *provision.Provisioner, cfg config.Config, opts Options) *Supervisor {
	t := opts.Timings
	if t == (Timings{}) {
		t = DefaultTimings()
	}
	cen := opts.Census
	if cen == nil {
		cen = census.System()
	}
	s := &Supervisor{
		paths:  paths,
		prov:   prov,
		cen:    cen,
		hist:   opts.History,
		files:  opts.Files,
		mirror: opts.Mirror,
		t:      t,
		ring:   logring.New(logring.DefaultCapacity),
		procs:  make(map[catalog.ServiceID]*record),
	}
	if !opts.SkipReclaim {
		s.ReclaimOrphans(cfg)
	}
	return s
}

// ReclaimOrphans kills stray service processes from earlier sessions,
// matching first by binary name and then by occupied listening port. It is
// best-effort: failures are logged and never abort the sweep.
func (s *Supervisor) ReclaimOrphans(cfg config.Config) {
	killed := 0
	for _, name := range catalog.BinaryNames() {
		pids, err := s.cen.ProcessesByName(name)
		if err != nil {
			slog.Warn("orphan scan failed", "binary", name, "error", err)
			continue
		}
		for _, pid := range pids {
			if err := s.cen.Terminate(pid); err != nil {
				slog.Warn("failed to kill orphan", "binary", name, "pid", pid, "error", err)
				continue
			}
			slog.Info("killed orphaned process", "binary", name, "pid", pid)
			killed++
		}
	}
	for _, port := range catalog.Ports(cfg) {
		pids, err := s.cen.ListenersOnPort(port)
		if err != nil {
			continue
		}
		for _, pid := range pids {
			if err := s.cen.Terminate(pid); err != nil {
				slog.Warn("failed to free port", "port", port, "pid", pid, "error", err)
				continue
			}
			slog.Info("killed process holding port", "port", port, "pid", pid)
			killed++
		}
	}
	if killed > 0 {
		time.Sleep(s.t.ReclaimPause)
	}
}

// Start spawns one service. It fails if the service is already running or
// its binary is not installed. A record of a service that has since exited
// does not block a restart.
func (s *Supervisor) Start(id catalog.ServiceID, cfg config.Config) error {
	// Reserve the registry slot before doing any spawn work, so a second
	// concurrent Start for the same service fails instead of racing this one
	// to a double spawn. The reservation is swapped for the real record on
	// success and released on every failure path.
	hold := &record{id: id, startedAt: time.Now(), waitDone: make(chan struct{})}
	s.mu.Lock()
	if r, ok := s.procs[id]; ok {
		if done, _ := r.exited(); !done {
			s.mu.Unlock()
			if pid := r.pid(); pid != 0 {
				return fmt.Errorf("%s is already running (pid %d)", id, pid)
			}
			return fmt.Errorf("%s is already starting", id)
		}
		delete(s.procs, id)
	}
	s.procs[id] = hold
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		if s.procs[id] == hold {
			delete(s.procs, id)
		}
		s.mu.Unlock()
	}

	d := catalog.Get(id)
	if !s.prov.IsInstalled(id) {
		release()
		return fmt.Errorf("binary for %s not installed at %s", id, s.prov.BinaryPath(id))
	}
	if d.DataDirName != "" {
		if err := os.MkdirAll(s.paths.DataFor(d.DataDirName), 0o755); err != nil {
			release()
			return fmt.Errorf("create data dir for %s: %w", id, err)
		}
	}
	if err := os.MkdirAll(s.paths.LogsDir(), 0o755); err != nil {
		release()
		return fmt.Errorf("create logs dir: %w", err)
	}

	argv0 := s.prov.BinaryPath(id)
	if d.Runner != "" {
		argv0 = d.Runner
	}
	cmd := exec.Command(argv0, catalog.Args(id, cfg, s.paths)...)
	cmd.Env = append(os.Environ(), catalog.Env(id, cfg)...)
	cmd.SysProcAttr = sysProcAttr()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		release()
		return fmt.Errorf("stdout pipe for %s: %w", id, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		release()
		return fmt.Errorf("stderr pipe for %s: %w", id, err)
	}
	if err := cmd.Start(); err != nil {
		release()
		return fmt.Errorf("spawn %s: %w", id, err)
	}

	var fileOut, fileErr io.WriteCloser
	if s.files.Dir != "" {
		fileOut, fileErr = s.files.Writers(string(id))
	}

	r := &record{id: id, cmd: cmd, startedAt: time.Now(), waitDone: make(chan struct{})}

	var readers sync.WaitGroup
	readers.Add(2)
	go s.capture(&readers, id, stdout, false, fileOut, os.Stdout)
	go s.capture(&readers, id, stderr, true, fileErr, os.Stderr)
	go func() {
		readers.Wait()
		r.exitErr = cmd.Wait()
		if fileOut != nil {
			_ = fileOut.Close()
		}
		if fileErr != nil {
			_ = fileErr.Close()
		}
		close(r.waitDone)
		s.recordEvent(id, r.pid(), events.EventExit, exitDetail(r.exitErr))
	}()

	s.mu.Lock()
	s.procs[id] = r
	running := s.countRunningLocked()
	s.mu.Unlock()

	metrics.IncServiceStart(string(id))
	metrics.SetRunningServices(running)
	s.recordEvent(id, r.pid(), events.EventStart, "")
	slog.Info("service started", "service", id, "pid", r.pid())
	return nil
}

// capture drains one stdio pipe into the shared log ring, the optional
// rotated file, and (when mirroring) this process's own stdio.
func (s *Supervisor) capture(wg *sync.WaitGroup, id catalog.ServiceID, pipe io.Reader, isStderr bool, file io.Writer, mirror io.Writer) {
	defer wg.Done()
	sc := bufio.NewScanner(pipe)
	sc.Buffer(make([]byte, 0, 64*1024), scanBufSize)
	for sc.Scan() {
		line := sc.Text()
		s.ring.Append(logring.Entry{
			Service:   string(id),
			Timestamp: time.Now().UnixMilli(),
			Message:   line,
			IsStderr:  isStderr,
		})
		if file != nil {
			_, _ = fmt.Fprintln(file, line)
		}
		if s.mirror {
			_, _ = fmt.Fprintf(mirror, "[%s] %s\n", id, line)
		}
	}
	if err := sc.Err(); err != nil {
		// keep draining so the child never blocks on a full pipe; anything
		// past the failed token is discarded
		slog.Warn("log capture aborted, draining", "service", id, "stderr", isStderr, "error", err)
		_, _ = io.Copy(io.Discard, pipe)
	}
}

// StartAll brings the whole stack up in dependency order. After bitcoind it
// waits for the RPC interface to settle and runs the wallet bootstrap
// (failures there are warnings, not errors). The first failed start aborts
// the sequence; already-started services are left running.
func (s *Supervisor) StartAll(cfg config.Config) error {
	for _, id := range catalog.StartOrder() {
		if err := s.Start(id, cfg); err != nil {
			return fmt.Errorf("start %s: %w", id, err)
		}
		if id == catalog.Bitcoind {
			time.Sleep(s.t.RootSettle)
			if err := s.bootstrapWallet(cfg); err != nil {
				slog.Warn("wallet bootstrap failed", "error", err)
			}
		} else {
			time.Sleep(s.t.StepSettle)
		}
	}
	if cfg.Mining.AutoMine {
		s.startMiner(cfg)
	}
	slog.Info("all services started")
	return nil
}

// Stop terminates one service: SIGTERM to its process group, a bounded
// grace period, then SIGKILL. The registry entry is removed only once the
// process has been reaped. Stopping an untracked service is a no-op.
func (s *Supervisor) Stop(id catalog.ServiceID) error {
	s.mu.Lock()
	r, ok := s.procs[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if r.cmd == nil {
		// a Start reservation with no process behind it yet
		return fmt.Errorf("%s is still starting", id)
	}

	if done, _ := r.exited(); !done {
		pid := r.pid()
		if err := terminateGroup(pid); err != nil {
			slog.Warn("terminate failed", "service", id, "pid", pid, "error", err)
		}
		select {
		case <-r.waitDone:
		case <-time.After(s.t.StopGrace):
			slog.Warn("service did not exit in time, killing", "service", id, "pid", pid)
			_ = killGroup(pid)
		}
		<-r.waitDone
	}

	s.mu.Lock()
	if s.procs[id] == r {
		delete(s.procs, id)
	}
	running := s.countRunningLocked()
	s.mu.Unlock()

	metrics.IncServiceStop(string(id))
	metrics.SetRunningServices(running)
	s.recordEvent(id, r.pid(), events.EventStop, "")
	slog.Info("service stopped", "service", id)
	return nil
}

// StopAll stops every tracked service in reverse dependency order. All
// services are attempted; the first error is returned.
func (s *Supervisor) StopAll() error {
	s.stopMiner()
	var errs []error
	for _, id := range catalog.StopOrder() {
		if err := s.Stop(id); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Close stops everything. It satisfies io.Closer for callers that manage
// the supervisor with defer.
func (s *Supervisor) Close() error { return s.StopAll() }

// ResetData stops the stack, sweeps orphans a second time, and removes
// every per-service data directory. Each removal gets three attempts; a
// directory that survives them fails the reset with its path named.
// Missing directories are skipped.
func (s *Supervisor) ResetData(cfg config.Config) error {
	if err := s.StopAll(); err != nil {
		slog.Warn("stop before reset incomplete", "error", err)
	}
	time.Sleep(s.t.ResetSettle)
	s.ReclaimOrphans(cfg)
	time.Sleep(s.t.ReclaimPause)

	for _, id := range catalog.All() {
		d := catalog.Get(id)
		if d.DataDirName == "" {
			continue
		}
		dir := s.paths.DataFor(d.DataDirName)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}
		rm := func() error { return os.RemoveAll(dir) }
		pol := backoff.WithMaxRetries(backoff.NewConstantBackOff(s.t.RemoveRetry), 2)
		if err := backoff.Retry(rm, pol); err != nil {
			return fmt.Errorf("remove data directory %s: %w", dir, err)
		}
		slog.Info("removed data directory", "service", id, "path", dir)
	}

	metrics.IncReset()
	s.recordEvent("stack", 0, events.EventReset, "")
	return nil
}

// Logs returns up to limit captured entries, oldest first, optionally
// filtered to one service. An empty service matches everything.
func (s *Supervisor) Logs(service string, limit int) []logring.Entry {
	return s.ring.Tail(service, limit)
}

// ClearLogs discards the captured log buffer.
func (s *Supervisor) ClearLogs() { s.ring.Clear() }

func (s *Supervisor) countRunningLocked() int {
	n := 0
	for _, r := range s.procs {
		if done, _ := r.exited(); !done {
			n++
		}
	}
	return n
}

// recordEvent appends to the history store when one is configured.
// History failures are logged and swallowed.
func (s *Supervisor) recordEvent(service catalog.ServiceID, pid int, event string, detail string) {
	if s.hist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rec := events.Record{
		Service:    string(service),
		PID:        pid,
		Event:      event,
		OccurredAt: time.Now(),
		Detail:     detail,
	}
	if err := s.hist.Append(ctx, rec); err != nil {
		slog.Warn("failed to record event", "event", event, "service", service, "error", err)
	}
}

func exitDetail(err error) string {
	if err == nil {
		return ""
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return fmt.Sprintf("exit code %d", ee.ExitCode())
	}
	return err.Error()
}

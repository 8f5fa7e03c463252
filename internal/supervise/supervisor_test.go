package supervise

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regstack/regstack/internal/catalog"
	"github.com/regstack/regstack/internal/config"
	"github.com/regstack/regstack/internal/events"
	"github.com/regstack/regstack/internal/provision"
)

type fakeCensus struct {
	byName     map[string][]int
	byPort     map[int][]int
	terminated []int
}

func (f *fakeCensus) ProcessesByName(name string) ([]int, error) { return f.byName[name], nil }
func (f *fakeCensus) ListenersOnPort(port int) ([]int, error)    { return f.byPort[port], nil }
func (f *fakeCensus) Terminate(pid int) error {
	f.terminated = append(f.terminated, pid)
	return nil
}

func testTimings() Timings {
	return Timings{
		RootSettle:   10 * time.Millisecond,
		StepSettle:   5 * time.Millisecond,
		StopGrace:    300 * time.Millisecond,
		ResetSettle:  10 * time.Millisecond,
		ReclaimPause: time.Millisecond,
		RemoveRetry:  10 * time.Millisecond,
	}
}

type harness struct {
	sup   *Supervisor
	prov  *provision.Provisioner
	paths config.Paths
	cfg   config.Config
	cen   *fakeCensus
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	paths := config.NewPaths(t.TempDir())
	cfg := config.Default()
	cfg.Mining.AutoMine = false
	prov := provision.NewForPlatform(paths, "linux", "x86_64")

	cen := &fakeCensus{}
	if opts.Census == nil {
		opts.Census = cen
	}
	opts.SkipReclaim = true
	if opts.Timings == (Timings{}) {
		opts.Timings = testTimings()
	}
	sup := New(paths, prov, cfg, opts)
	t.Cleanup(func() { _ = sup.StopAll() })
	return &harness{sup: sup, prov: prov, paths: paths, cfg: cfg, cen: cen}
}

// installScript plants an executable shell script at the service's install
// path. The script answers --version immediately (the status probe runs it)
// and otherwise ignores the catalog launch arguments.
func (h *harness) installScript(t *testing.T, id catalog.ServiceID, body string) {
	t.Helper()
	path := h.prov.BinaryPath(id)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	script := "#!/bin/sh\n" +
		"if [ \"$1\" = \"--version\" ]; then echo \"fake 1.0.0\"; exit 0; fi\n" +
		body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
}

func (h *harness) waitFor(t *testing.T, id catalog.ServiceID, want State) ServiceStatus {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		st := h.sup.Status(id, h.cfg)
		if st.State == want {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	st := h.sup.Status(id, h.cfg)
	t.Fatalf("service %s never reached %s, stuck at %s (%s)", id, want, st.State, st.Error)
	return st
}

func TestStartRejectsMissingBinary(t *testing.T) {
	h := newHarness(t, Options{})
	err := h.sup.Start(catalog.Metashrew, h.cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), h.prov.BinaryPath(catalog.Metashrew))
}

func TestStartStopLifecycle(t *testing.T) {
	h := newHarness(t, Options{})
	h.installScript(t, catalog.Metashrew, "sleep 30")

	require.NoError(t, h.sup.Start(catalog.Metashrew, h.cfg))
	st := h.sup.Status(catalog.Metashrew, h.cfg)
	assert.Equal(t, StateRunning, st.State)
	assert.NotZero(t, st.PID)
	assert.Equal(t, "Metashrew (Indexer)", st.Name)
	assert.Equal(t, h.cfg.Ports.Metashrew, st.Port)

	err := h.sup.Start(catalog.Metashrew, h.cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	require.NoError(t, h.sup.Stop(catalog.Metashrew))
	assert.Equal(t, StateStopped, h.sup.Status(catalog.Metashrew, h.cfg).State)

	// stopping an untracked service is a no-op
	require.NoError(t, h.sup.Stop(catalog.Metashrew))
}

func TestConcurrentStartSpawnsExactlyOnce(t *testing.T) {
	h := newHarness(t, Options{})
	h.installScript(t, catalog.Metashrew, "sleep 30")

	for round := 0; round < 20; round++ {
		errs := make([]error, 2)
		var wg sync.WaitGroup
		wg.Add(len(errs))
		for i := range errs {
			go func(i int) {
				defer wg.Done()
				errs[i] = h.sup.Start(catalog.Metashrew, h.cfg)
			}(i)
		}
		wg.Wait()

		started := 0
		for _, err := range errs {
			if err == nil {
				started++
			} else {
				assert.Contains(t, err.Error(), "already")
			}
		}
		require.Equal(t, 1, started, "round %d: exactly one caller may spawn", round)

		st := h.sup.Status(catalog.Metashrew, h.cfg)
		require.Equal(t, StateRunning, st.State)
		require.NoError(t, h.sup.Stop(catalog.Metashrew))
	}
}

func TestFailedStartReleasesReservation(t *testing.T) {
	h := newHarness(t, Options{})

	// no binary installed: the first attempt fails and must not leave a
	// reservation behind that would block a later attempt
	require.Error(t, h.sup.Start(catalog.Metashrew, h.cfg))
	assert.Equal(t, StateStopped, h.sup.Status(catalog.Metashrew, h.cfg).State)

	h.installScript(t, catalog.Metashrew, "sleep 30")
	require.NoError(t, h.sup.Start(catalog.Metashrew, h.cfg))
	require.NoError(t, h.sup.Stop(catalog.Metashrew))
}

func TestOversizedLogLineDoesNotWedgeTheChild(t *testing.T) {
	h := newHarness(t, Options{})
	// one line well past the scanner budget, then a clean exit; if the
	// reader stops consuming, the child blocks on the full pipe forever
	h.installScript(t, catalog.Ord, `echo "before the flood"
head -c 4194304 /dev/zero | tr "\0" "x"
echo ""
exit 0`)

	require.NoError(t, h.sup.Start(catalog.Ord, h.cfg))
	st := h.waitFor(t, catalog.Ord, StateStopped)
	assert.Empty(t, st.Error)

	entries := h.sup.Logs(string(catalog.Ord), 10)
	require.NotEmpty(t, entries)
	assert.Equal(t, "before the flood", entries[0].Message)
}

func TestStopEscalatesToKillWhenTermIgnored(t *testing.T) {
	h := newHarness(t, Options{})
	// a busy loop in the shell itself: SIGTERM on the group has nothing to
	// kill besides the trapped shell, so only SIGKILL ends it
	h.installScript(t, catalog.Memshrew, `trap "" TERM
while :; do :; done`)

	require.NoError(t, h.sup.Start(catalog.Memshrew, h.cfg))
	// let the script install its trap before signalling
	time.Sleep(150 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- h.sup.Stop(catalog.Memshrew) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not complete after escalation")
	}
	assert.Equal(t, StateStopped, h.sup.Status(catalog.Memshrew, h.cfg).State)
}

func TestCrashedServiceReportsErrorUntilRestart(t *testing.T) {
	h := newHarness(t, Options{})
	h.installScript(t, catalog.Esplora, "exit 3")

	require.NoError(t, h.sup.Start(catalog.Esplora, h.cfg))
	st := h.waitFor(t, catalog.Esplora, StateError)
	assert.Contains(t, st.Error, "exit code 3")

	// an explicit restart replaces the crashed record
	require.NoError(t, h.sup.Start(catalog.Esplora, h.cfg))
}

func TestCleanExitReadsAsStopped(t *testing.T) {
	h := newHarness(t, Options{})
	h.installScript(t, catalog.Esplora, "exit 0")

	require.NoError(t, h.sup.Start(catalog.Esplora, h.cfg))
	st := h.waitFor(t, catalog.Esplora, StateStopped)
	assert.Empty(t, st.Error)
}

func TestCapturedOutputLandsInLogBuffer(t *testing.T) {
	h := newHarness(t, Options{})
	h.installScript(t, catalog.Ord, `echo "index ready"
echo "warning: slow disk" >&2
sleep 30`)

	require.NoError(t, h.sup.Start(catalog.Ord, h.cfg))
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && len(h.sup.Logs("", 10)) < 2 {
		time.Sleep(10 * time.Millisecond)
	}

	entries := h.sup.Logs(string(catalog.Ord), 10)
	require.Len(t, entries, 2)
	assert.Equal(t, "index ready", entries[0].Message)
	assert.False(t, entries[0].IsStderr)
	assert.Equal(t, "warning: slow disk", entries[1].Message)
	assert.True(t, entries[1].IsStderr)

	assert.Empty(t, h.sup.Logs("bitcoind", 10))

	h.sup.ClearLogs()
	assert.Empty(t, h.sup.Logs("", 10))
}

func TestResetDataRemovesServiceDirectories(t *testing.T) {
	h := newHarness(t, Options{})
	for _, name := range []string{"bitcoin", "metashrew", "ord", "esplora"} {
		dir := h.paths.DataFor(name)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "state.dat"), []byte("x"), 0o600))
	}

	require.NoError(t, h.sup.ResetData(h.cfg))
	for _, name := range []string{"bitcoin", "metashrew", "ord", "esplora"} {
		_, err := os.Stat(h.paths.DataFor(name))
		assert.True(t, os.IsNotExist(err), "data dir %s must be gone", name)
	}

	// a second reset with nothing on disk is fine
	require.NoError(t, h.sup.ResetData(h.cfg))
}

func TestReclaimOrphansKillsByNameThenPort(t *testing.T) {
	cen := &fakeCensus{
		byName: map[string][]int{"bitcoind": {4001}, "ord": {4002}},
		byPort: map[int][]int{18443: {4003}, 50010: {4004}},
	}
	h := newHarness(t, Options{Census: cen})

	h.sup.ReclaimOrphans(h.cfg)
	assert.ElementsMatch(t, []int{4001, 4002, 4003, 4004}, cen.terminated)
}

func TestStartAllFailsFastWithoutBinaries(t *testing.T) {
	h := newHarness(t, Options{})
	err := h.sup.StartAll(h.cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bitcoind")
	for _, st := range h.sup.StatusAll(h.cfg) {
		assert.Equal(t, StateStopped, st.State)
	}
}

func TestHealthCheck(t *testing.T) {
	h := newHarness(t, Options{})
	h.installScript(t, catalog.Metashrew, "sleep 30")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	h.cfg.Ports.Metashrew = serverPort(t, srv)

	// untracked service is unhealthy no matter what the port answers
	assert.False(t, h.sup.HealthCheck(catalog.Metashrew, h.cfg))

	require.NoError(t, h.sup.Start(catalog.Metashrew, h.cfg))
	assert.True(t, h.sup.HealthCheck(catalog.Metashrew, h.cfg))

	require.NoError(t, h.sup.Stop(catalog.Metashrew))
	assert.False(t, h.sup.HealthCheck(catalog.Metashrew, h.cfg))
}

func TestHealthCheckAcceptsGatedResponses(t *testing.T) {
	h := newHarness(t, Options{})
	h.installScript(t, catalog.Metashrew, "sleep 30")

	var code atomic.Int32
	code.Store(http.StatusUnauthorized)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(code.Load()))
	}))
	t.Cleanup(srv.Close)
	h.cfg.Ports.Metashrew = serverPort(t, srv)
	require.NoError(t, h.sup.Start(catalog.Metashrew, h.cfg))

	for _, tc := range []struct {
		code    int
		healthy bool
	}{
		{http.StatusUnauthorized, true},
		{http.StatusNotFound, true},
		{http.StatusMethodNotAllowed, true},
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
	} {
		code.Store(int32(tc.code))
		assert.Equal(t, tc.healthy, h.sup.HealthCheck(catalog.Metashrew, h.cfg), "status %d", tc.code)
	}
}

func TestHealthyStatusTable(t *testing.T) {
	assert.True(t, healthyStatus(200))
	assert.True(t, healthyStatus(204))
	assert.True(t, healthyStatus(401))
	assert.True(t, healthyStatus(404))
	assert.True(t, healthyStatus(405))
	assert.False(t, healthyStatus(500))
	assert.False(t, healthyStatus(301))
	assert.False(t, healthyStatus(403))
}

func TestLifecycleEventsRecorded(t *testing.T) {
	store, err := events.NewSQLite(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := newHarness(t, Options{History: store})
	h.installScript(t, catalog.Memshrew, "sleep 30")

	require.NoError(t, h.sup.Start(catalog.Memshrew, h.cfg))
	require.NoError(t, h.sup.Stop(catalog.Memshrew))

	var seen map[string]bool
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		recs, err := store.Recent(context.Background(), string(catalog.Memshrew), 10)
		require.NoError(t, err)
		seen = map[string]bool{}
		for _, r := range recs {
			seen[r.Event] = true
		}
		if seen[events.EventStart] && seen[events.EventStop] {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.True(t, seen[events.EventStart], "start event missing")
	assert.True(t, seen[events.EventStop], "stop event missing")
}

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

// Package provision resolves platform releases, downloads and verifies
// service binaries, and installs them executable under the bin directory.
package provision

import (
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/regstack/regstack/internal/catalog"
	"github.com/regstack/regstack/internal/config"
)

// StateKind enumerates the derived install states of a binary.
type StateKind string

const (
	StateNotInstalled    StateKind = "not_installed"
	StateDownloading     StateKind = "downloading"
	StateInstalled       StateKind = "installed"
	StateUpdateAvailable StateKind = "update_available"
)

// InstallState is recomputed on demand; it is never stored.
type InstallState struct {
	Kind     StateKind `json:"state"`
	Progress float64   `json:"progress,omitempty"`
	Version  string    `json:"version,omitempty"`
	Latest   string    `json:"latest,omitempty"`
}

// BinaryInfo is the status payload for one service binary.
type BinaryInfo struct {
	Service     string       `json:"service"`
	DisplayName string       `json:"name"`
	State       InstallState `json:"install"`
	Path        string       `json:"path"`
	SizeBytes   int64        `json:"size_bytes,omitempty"`
}

// Provisioner downloads, verifies, and installs the stack's binaries.
type Provisioner struct {
	paths    config.Paths
	releases map[catalog.ServiceID]Release
	client   *http.Client

	manifestURL  string
	manifestOnce sync.Once
	manifest     map[string]string

	mu       sync.Mutex
	progress map[catalog.ServiceID]float64 // in-flight download fractions
}

// New constructs a provisioner for the detected platform.
func New(paths config.Paths) *Provisioner {
	os, arch := Platform()
	return NewForPlatform(paths, os, arch)
}

// NewForPlatform constructs a provisioner with an explicit platform; tests
// use it to pin the release table.
func NewForPlatform(paths config.Paths, osName, arch string) *Provisioner {
	return &Provisioner{
		paths:       paths,
		releases:    ReleasesForPlatform(osName, arch),
		client:      &http.Client{Timeout: 10 * time.Minute},
		manifestURL: ChecksumManifestURL,
		progress:    make(map[catalog.ServiceID]float64),
	}
}

// Release returns the resolved release descriptor for a service.
func (p *Provisioner) Release(id catalog.ServiceID) (Release, bool) {
	r, ok := p.releases[id]
	return r, ok
}

// SetRelease overrides a release entry; tests point it at local servers.
func (p *Provisioner) SetRelease(id catalog.ServiceID, r Release) {
	p.releases[id] = r
}

// BinaryPath returns the fixed install path for a service's executable.
func (p *Provisioner) BinaryPath(id catalog.ServiceID) string {
	return p.paths.BinaryPath(catalog.Get(id).Binary)
}

// IsInstalled reports whether a binary exists at the install path.
func (p *Provisioner) IsInstalled(id catalog.ServiceID) bool {
	_, err := os.Stat(p.BinaryPath(id))
	return err == nil
}

// Status computes the derived install state for one service.
func (p *Provisioner) Status(id catalog.ServiceID) BinaryInfo {
	d := catalog.Get(id)
	path := p.BinaryPath(id)

	info := BinaryInfo{
		Service:     string(id),
		DisplayName: d.DisplayName,
		Path:        path,
	}

	if frac, ok := p.downloadProgress(id); ok {
		info.State = InstallState{Kind: StateDownloading, Progress: frac}
		return info
	}

	st, err := os.Stat(path)
	if err != nil {
		info.State = InstallState{Kind: StateNotInstalled}
		return info
	}
	if !st.IsDir() {
		info.SizeBytes = st.Size()
	}

	current := p.probeVersion(id)
	info.State = InstallState{Kind: StateInstalled, Version: current}
	if rel, ok := p.releases[id]; ok {
		if latest, outdated := updateAvailable(current, rel.Version); outdated {
			info.State = InstallState{Kind: StateUpdateAvailable, Version: current, Latest: latest}
		}
	}
	return info
}

// StatusAll returns install states for every service in catalog order.
func (p *Provisioner) StatusAll() []BinaryInfo {
	out := make([]BinaryInfo, 0, len(catalog.All()))
	for _, id := range catalog.All() {
		out = append(out, p.Status(id))
	}
	return out
}

// probeVersion runs the binary's version command and normalizes the first
// output line. Probe failure reports "unknown" rather than an error.
func (p *Provisioner) probeVersion(id catalog.ServiceID) string {
	d := catalog.Get(id)
	if d.VersionArg == "" {
		return "unknown"
	}
	out, err := exec.Command(p.BinaryPath(id), d.VersionArg).Output() // #nosec G204 -- fixed catalog path
	if err != nil {
		return "unknown"
	}
	return parseVersionOutput(string(out))
}

// parseVersionOutput extracts a bare version from the first line of a
// --version invocation, handling "Bitcoin Core version v29.2" and
// "rockshrew-mono 9.0.1-rc.2" style strings.
func parseVersionOutput(out string) string {
	line := strings.TrimSpace(out)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if line == "" {
		return "unknown"
	}
	if idx := strings.Index(line, "version "); idx >= 0 {
		line = strings.TrimSpace(line[idx+len("version "):])
	} else if idx := strings.LastIndexByte(line, ' '); idx >= 0 {
		line = strings.TrimSpace(line[idx+1:])
	}
	return strings.TrimPrefix(line, "v")
}

// updateAvailable compares probed and released versions. Detection is
// advisory only: unless both parse as semver and the release is strictly
// newer, the binary reports as installed.
func updateAvailable(current, latest string) (string, bool) {
	cur, err := semver.NewVersion(current)
	if err != nil {
		return "", false
	}
	lat, err := semver.NewVersion(latest)
	if err != nil {
		return "", false
	}
	if cur.LessThan(*lat) {
		return latest, true
	}
	return "", false
}

func (p *Provisioner) setDownloadProgress(id catalog.ServiceID, frac float64) {
	p.mu.Lock()
	p.progress[id] = frac
	p.mu.Unlock()
}

func (p *Provisioner) clearDownloadProgress(id catalog.ServiceID) {
	p.mu.Lock()
	delete(p.progress, id)
	p.mu.Unlock()
}

func (p *Provisioner) downloadProgress(id catalog.ServiceID) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	frac, ok := p.progress[id]
	return frac, ok
}

func warnNoChecksum(id catalog.ServiceID) {
	slog.Warn("no checksum available, skipping verification", "service", id)
}

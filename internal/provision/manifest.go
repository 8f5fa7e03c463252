package provision

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// SetManifestURL overrides the checksum manifest location. It must be called
// before the first download.
func (p *Provisioner) SetManifestURL(url string) { p.manifestURL = url }

// FetchManifest retrieves the remote filename -> checksum manifest at most
// once per provisioner instance. A missing or non-success response is not
// fatal; verification then falls back to the per-release embedded checksums.
func (p *Provisioner) FetchManifest() {
	p.manifestOnce.Do(func() {
		p.manifest = fetchManifest(p.manifestURL)
	})
}

// manifestChecksum looks up the manifest entry for an artifact filename.
func (p *Provisioner) manifestChecksum(filename string) (string, bool) {
	p.FetchManifest()
	sum, ok := p.manifest[filename]
	return sum, ok
}

func fetchManifest(url string) map[string]string {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		slog.Warn("failed to fetch checksum manifest, verification will use embedded checksums", "error", err)
		return nil
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		slog.Warn("checksum manifest unavailable, verification will use embedded checksums", "status", resp.StatusCode)
		return nil
	}
	var sums map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&sums); err != nil {
		slog.Warn("failed to parse checksum manifest", "error", err)
		return nil
	}
	slog.Info("loaded checksum manifest", "entries", len(sums))
	return sums
}

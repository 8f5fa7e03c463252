package provision

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/regstack/regstack/internal/catalog"
	"github.com/regstack/regstack/internal/metrics"
)

// ProgressFunc receives download progress as a fraction in [0,1]. Calls are
// monotonically non-decreasing and reach 1.0 exactly once on success.
type ProgressFunc func(fraction float64)

// AllProgressFunc receives per-service progress during DownloadAll.
type AllProgressFunc func(id catalog.ServiceID, fraction float64)

// Download fetches, verifies, and installs one service's artifact.
// The stream phase advances progress from 0 to 0.9; verification and
// installation take the final tenth. On any failure the install path is
// left exactly as it was before the call.
func (p *Provisioner) Download(id catalog.ServiceID, onProgress ProgressFunc) error {
	rel, ok := p.releases[id]
	if !ok {
		return fmt.Errorf("no release for %s", catalog.Get(id).DisplayName)
	}
	dest := p.BinaryPath(id)
	if err := os.MkdirAll(p.paths.BinDir(), 0o750); err != nil {
		return fmt.Errorf("create bin directory: %w", err)
	}

	prog := newMonotonic(onProgress, func(frac float64) { p.setDownloadProgress(id, frac) })
	defer p.clearDownloadProgress(id)

	slog.Info("downloading", "service", id, "url", rel.URL)
	prog.report(0)

	tmp := dest + ".download"
	digest, size, err := p.fetchToFile(id, rel, tmp, prog)
	if err != nil {
		_ = os.Remove(tmp)
		metrics.IncDownload(string(id), "error")
		return err
	}
	prog.report(0.9)
	metrics.AddDownloadBytes(string(id), size)

	if err := p.verify(id, rel, digest); err != nil {
		_ = os.Remove(tmp)
		metrics.IncChecksumFailure(string(id))
		metrics.IncDownload(string(id), "checksum_mismatch")
		return err
	}

	if err := p.install(id, rel, tmp, dest); err != nil {
		_ = os.Remove(tmp)
		metrics.IncDownload(string(id), "error")
		return err
	}

	if err := adHocSign(dest); err != nil {
		// The binary may still run (e.g. unsigned dev environments).
		slog.Warn("code signing failed", "service", id, "path", dest, "error", err)
	}

	prog.report(1.0)
	metrics.IncDownload(string(id), "ok")
	slog.Info("installed", "service", id, "path", dest, "version", rel.Version)
	return nil
}

// fetchToFile streams the release body into path, hashing as it goes and
// reporting progress in [0, 0.9). Transient HTTP failures are retried with
// capped exponential backoff.
func (p *Provisioner) fetchToFile(id catalog.ServiceID, rel Release, path string, prog *monotonic) (string, int64, error) {
	var digest string
	var size int64

	op := func() error {
		resp, err := p.client.Get(rel.URL)
		if err != nil {
			return fmt.Errorf("download %s: %w", catalog.Get(id).DisplayName, err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("download %s: unexpected status %s", catalog.Get(id).DisplayName, resp.Status)
			if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound {
				return backoff.Permanent(err)
			}
			return err
		}

		total := resp.ContentLength
		if total <= 0 {
			total = rel.SizeBytes
		}

		f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create temp file: %w", err))
		}

		hasher := sha256.New()
		counter := &countingWriter{total: total, prog: prog}
		_, err = io.Copy(io.MultiWriter(f, hasher, counter), resp.Body)
		cerr := f.Close()
		if err != nil {
			return fmt.Errorf("stream %s: %w", catalog.Get(id).DisplayName, err)
		}
		if cerr != nil {
			return backoff.Permanent(fmt.Errorf("flush temp file: %w", cerr))
		}
		digest = hex.EncodeToString(hasher.Sum(nil))
		size = counter.n
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	if err := backoff.Retry(op, bo); err != nil {
		return "", 0, err
	}
	return digest, size, nil
}

// verify compares the computed digest against the manifest entry for the
// artifact filename, falling back to the release's embedded checksum.
// A mismatch is a hard failure; an absent checksum is a logged warning.
func (p *Provisioner) verify(id catalog.ServiceID, rel Release, digest string) error {
	filename := rel.URL
	if i := strings.LastIndexByte(filename, '/'); i >= 0 {
		filename = filename[i+1:]
	}
	expected, ok := p.manifestChecksum(filename)
	if !ok || expected == "" {
		expected = rel.SHA256
	}
	if expected == "" {
		warnNoChecksum(id)
		return nil
	}
	if !strings.EqualFold(digest, expected) {
		return fmt.Errorf("checksum mismatch for %s: expected %s, got %s",
			catalog.Get(id).DisplayName, expected, digest)
	}
	slog.Info("checksum verified", "service", id)
	return nil
}

// install moves the verified temp artifact into place. Single-file releases
// rename atomically; archives extract the named entry or unpack wholesale.
func (p *Provisioner) install(id catalog.ServiceID, rel Release, tmp, dest string) error {
	switch rel.Archive {
	case ArchiveNone:
		if err := os.Chmod(tmp, 0o755); err != nil { // #nosec G302 -- executables need the exec bit
			return fmt.Errorf("set executable permission: %w", err)
		}
		if err := os.Rename(tmp, dest); err != nil {
			return fmt.Errorf("install %s: %w", dest, err)
		}
		return nil
	case ArchiveTarGz:
		defer func() { _ = os.Remove(tmp) }()
		if rel.EntryPath != "" {
			return extractTarGzEntry(tmp, rel.EntryPath, dest)
		}
		return unpackTarGz(tmp, p.paths.BinDir())
	case ArchiveZip:
		defer func() { _ = os.Remove(tmp) }()
		return unpackZip(tmp, p.paths.BinDir(), "")
	}
	return fmt.Errorf("unknown archive kind %d", rel.Archive)
}

// DownloadAll fetches the checksum manifest once, then downloads every
// service that is not installed or has an update available. The batch is
// fail-fast: the first error aborts it, leaving installed services alone.
func (p *Provisioner) DownloadAll(onProgress AllProgressFunc) error {
	p.FetchManifest()
	for _, id := range catalog.All() {
		switch p.Status(id).State.Kind {
		case StateNotInstalled, StateUpdateAvailable:
		default:
			continue
		}
		id := id
		var cb ProgressFunc
		if onProgress != nil {
			cb = func(frac float64) { onProgress(id, frac) }
		}
		if err := p.Download(id, cb); err != nil {
			return err
		}
	}
	return nil
}

// monotonic guards a progress callback so reported fractions never decrease.
type monotonic struct {
	cb   ProgressFunc
	side func(float64)
	last float64
}

func newMonotonic(cb ProgressFunc, side func(float64)) *monotonic {
	return &monotonic{cb: cb, side: side}
}

func (m *monotonic) report(frac float64) {
	if frac < m.last {
		return
	}
	m.last = frac
	if m.side != nil {
		m.side(frac)
	}
	if m.cb != nil {
		m.cb(frac)
	}
}

// countingWriter tracks streamed bytes and maps them onto the 0..0.9 band.
type countingWriter struct {
	n     int64
	total int64
	prog  *monotonic
}

func (w *countingWriter) Write(b []byte) (int, error) {
	w.n += int64(len(b))
	if w.total > 0 {
		frac := float64(w.n) / float64(w.total) * 0.9
		if frac > 0.9 {
			frac = 0.9
		}
		w.prog.report(frac)
	}
	return len(b), nil
}

package provision

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regstack/regstack/internal/catalog"
	"github.com/regstack/regstack/internal/config"
)

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func makeTarGz(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0o755, Size: int64(len(content)), Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func makeZip(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func serveBytes(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// newTestProvisioner pins the manifest to an empty map so no real network
// fetch happens during verification.
func newTestProvisioner(t *testing.T) *Provisioner {
	t.Helper()
	p := NewForPlatform(config.NewPaths(t.TempDir()), "linux", "x86_64")
	manifest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("{}"))
	}))
	t.Cleanup(manifest.Close)
	p.SetManifestURL(manifest.URL)
	return p
}

func TestDownloadPlainBinary(t *testing.T) {
	p := newTestProvisioner(t)
	body := []byte("#!/bin/sh\necho rockshrew\n")
	srv := serveBytes(t, body)
	p.SetRelease(catalog.Metashrew, Release{
		Version: "1.0.0",
		URL:     srv.URL + "/rockshrew-mono",
		SHA256:  sha256Hex(body),
	})

	var fractions []float64
	require.NoError(t, p.Download(catalog.Metashrew, func(frac float64) {
		fractions = append(fractions, frac)
	}))

	installed, err := os.ReadFile(p.BinaryPath(catalog.Metashrew))
	require.NoError(t, err)
	assert.Equal(t, body, installed)

	st, err := os.Stat(p.BinaryPath(catalog.Metashrew))
	require.NoError(t, err)
	assert.NotZero(t, st.Mode()&0o111, "binary must be executable")

	_, err = os.Stat(p.BinaryPath(catalog.Metashrew) + ".download")
	assert.True(t, os.IsNotExist(err), "temp file must be gone")

	require.NotEmpty(t, fractions)
	assert.Equal(t, 1.0, fractions[len(fractions)-1])
	for i := 1; i < len(fractions); i++ {
		assert.GreaterOrEqual(t, fractions[i], fractions[i-1], "progress must not decrease")
	}
}

func TestDownloadChecksumMismatchLeavesNothingBehind(t *testing.T) {
	p := newTestProvisioner(t)
	srv := serveBytes(t, []byte("tampered content"))
	p.SetRelease(catalog.Metashrew, Release{
		Version: "1.0.0",
		URL:     srv.URL + "/rockshrew-mono",
		SHA256:  sha256Hex([]byte("expected content")),
	})

	err := p.Download(catalog.Metashrew, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")

	_, serr := os.Stat(p.BinaryPath(catalog.Metashrew))
	assert.True(t, os.IsNotExist(serr))
	_, serr = os.Stat(p.BinaryPath(catalog.Metashrew) + ".download")
	assert.True(t, os.IsNotExist(serr))
}

func TestDownloadManifestChecksumTakesPrecedence(t *testing.T) {
	p := NewForPlatform(config.NewPaths(t.TempDir()), "linux", "x86_64")
	body := []byte("real artifact bytes")
	srv := serveBytes(t, body)

	manifest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"memshrew-p2p": sha256Hex(body)})
	}))
	t.Cleanup(manifest.Close)
	p.SetManifestURL(manifest.URL)

	// embedded checksum is wrong on purpose; the manifest entry must win
	p.SetRelease(catalog.Memshrew, Release{
		Version: "1.0.0",
		URL:     srv.URL + "/memshrew-p2p",
		SHA256:  sha256Hex([]byte("stale embedded sum")),
	})
	require.NoError(t, p.Download(catalog.Memshrew, nil))
	assert.True(t, p.IsInstalled(catalog.Memshrew))
}

func TestDownloadWithoutAnyChecksumStillInstalls(t *testing.T) {
	p := newTestProvisioner(t)
	srv := serveBytes(t, []byte("unverifiable"))
	p.SetRelease(catalog.Esplora, Release{Version: "1.0.0", URL: srv.URL + "/flextrs"})

	require.NoError(t, p.Download(catalog.Esplora, nil))
	assert.True(t, p.IsInstalled(catalog.Esplora))
}

func TestDownloadNotFoundDoesNotRetry(t *testing.T) {
	p := newTestProvisioner(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)
	p.SetRelease(catalog.Metashrew, Release{Version: "1.0.0", URL: srv.URL + "/gone"})

	err := p.Download(catalog.Metashrew, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestDownloadTarGzExtractsNamedEntry(t *testing.T) {
	p := newTestProvisioner(t)
	archive := makeTarGz(t, map[string]string{
		"bitcoin-29.2/README.md":    "docs",
		"bitcoin-29.2/bin/bitcoind": "ELF fake node",
	})
	srv := serveBytes(t, archive)
	p.SetRelease(catalog.Bitcoind, Release{
		Version:   "29.2",
		URL:       srv.URL + "/bitcoin.tar.gz",
		SHA256:    sha256Hex(archive),
		EntryPath: "bitcoin-29.2/bin/bitcoind",
		Archive:   ArchiveTarGz,
	})

	require.NoError(t, p.Download(catalog.Bitcoind, nil))
	content, err := os.ReadFile(p.BinaryPath(catalog.Bitcoind))
	require.NoError(t, err)
	assert.Equal(t, "ELF fake node", string(content))

	// the rest of the archive is not spilled into bin/
	_, err = os.Stat(filepath.Join(p.paths.BinDir(), "bitcoin-29.2"))
	assert.True(t, os.IsNotExist(err))
}

func TestDownloadBundleUnpacksWholeArchive(t *testing.T) {
	p := newTestProvisioner(t)
	archive := makeTarGz(t, map[string]string{
		"jsonrpc/bin/jsonrpc.js": "console.log('gateway')",
		"jsonrpc/package.json":   "{}",
	})
	srv := serveBytes(t, archive)
	p.SetRelease(catalog.JSONRPC, Release{
		Version: "0.1.0",
		URL:     srv.URL + "/jsonrpc-bundle.tar.gz",
		SHA256:  sha256Hex(archive),
		Archive: ArchiveTarGz,
	})

	require.NoError(t, p.Download(catalog.JSONRPC, nil))
	assert.True(t, p.IsInstalled(catalog.JSONRPC))
	script, err := os.ReadFile(filepath.Join(p.paths.BinDir(), "jsonrpc", "bin", "jsonrpc.js"))
	require.NoError(t, err)
	assert.Equal(t, "console.log('gateway')", string(script))
}

func TestDownloadAllSkipsInstalledBinaries(t *testing.T) {
	p := newTestProvisioner(t)
	for _, id := range catalog.All() {
		if id == catalog.Metashrew {
			continue
		}
		writeFakeBinary(t, p.BinaryPath(id), string(id)+" 99.0.0")
	}

	body := []byte("fresh indexer")
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	p.SetRelease(catalog.Metashrew, Release{
		Version: "1.0.0",
		URL:     srv.URL + "/rockshrew-mono",
		SHA256:  sha256Hex(body),
	})

	var seen []catalog.ServiceID
	require.NoError(t, p.DownloadAll(func(id catalog.ServiceID, _ float64) {
		if len(seen) == 0 || seen[len(seen)-1] != id {
			seen = append(seen, id)
		}
	}))
	assert.Equal(t, []catalog.ServiceID{catalog.Metashrew}, seen)
	assert.Equal(t, int32(1), hits.Load())
	assert.True(t, p.IsInstalled(catalog.Metashrew))
}

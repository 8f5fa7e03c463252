package provision

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Auxiliary artifacts that follow the download -> place pattern without the
// manifest/versioning machinery. Both fetches are idempotent: a second call
// is a no-op when the target already exists.

// IndexerPayloadName is the wasm module the chain indexer executes.
const IndexerPayloadName = "alkanes.wasm"

var (
	indexerPayloadURL = releaseBase + "/" + IndexerPayloadName
	extensionURL      = releaseBase + "/extension.zip"
)

// DownloadIndexerPayload fetches the indexer wasm payload into bin/.
func (p *Provisioner) DownloadIndexerPayload() error {
	dest := filepath.Join(p.paths.BinDir(), IndexerPayloadName)
	if _, err := os.Stat(dest); err == nil {
		slog.Info("indexer payload already present", "path", dest)
		return nil
	}
	if err := os.MkdirAll(p.paths.BinDir(), 0o750); err != nil {
		return fmt.Errorf("create bin directory: %w", err)
	}
	return fetchToPath(indexerPayloadURL, dest)
}

// IsExtensionInstalled reports whether the browser extension bundle has
// been unpacked.
func (p *Provisioner) IsExtensionInstalled() bool {
	_, err := os.Stat(filepath.Join(p.paths.ExtensionDir(), "manifest.json"))
	return err == nil
}

// DownloadExtension fetches and unpacks the browser extension bundle,
// returning the extension directory. Bundles built with a dist/ root have
// that prefix stripped.
func (p *Provisioner) DownloadExtension() (string, error) {
	dir := p.paths.ExtensionDir()
	if p.IsExtensionInstalled() {
		slog.Info("extension already installed", "path", dir)
		return dir, nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create extension directory: %w", err)
	}
	tmp := filepath.Join(dir, ".bundle.zip")
	if err := fetchToPath(extensionURL, tmp); err != nil {
		return "", err
	}
	defer func() { _ = os.Remove(tmp) }()
	if err := unpackZip(tmp, dir, "dist/"); err != nil {
		return "", err
	}
	slog.Info("extension installed", "path", dir)
	return dir, nil
}

// SetAuxiliaryURLs overrides the one-shot download locations; tests point
// them at local servers.
func SetAuxiliaryURLs(payload, extension string) {
	if payload != "" {
		indexerPayloadURL = payload
	}
	if extension != "" {
		extensionURL = extension
	}
}

func fetchToPath(url, dest string) error {
	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: unexpected status %s", url, resp.Status)
	}
	tmp := dest + ".download"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("stream %s: %w", url, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("flush %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("install %s: %w", dest, err)
	}
	slog.Info("downloaded", "url", url, "path", dest)
	return nil
}

package provision

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// extractTarGzEntry streams exactly one entry out of a tar.gz archive into
// dest, matching by exact relative path or path suffix. Missing entries are
// a hard error. The extracted file is marked executable.
func extractTarGzEntry(archivePath, entryPath, dest string) error {
	f, err := os.Open(archivePath) // #nosec G304 -- temp file we just wrote
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer func() { _ = f.Close() }()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("read gzip stream: %w", err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := filepath.ToSlash(hdr.Name)
		if name != entryPath && !strings.HasSuffix(name, "/"+entryPath) {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
		out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755) // #nosec G302
		if err != nil {
			return fmt.Errorf("create %s: %w", dest, err)
		}
		if _, err := io.Copy(out, tr); err != nil { // #nosec G110 -- trusted release artifact
			_ = out.Close()
			_ = os.Remove(dest)
			return fmt.Errorf("extract %s: %w", entryPath, err)
		}
		if err := out.Close(); err != nil {
			return fmt.Errorf("flush %s: %w", dest, err)
		}
		return nil
	}
	return fmt.Errorf("entry %q not found in archive", entryPath)
}

// unpackTarGz unpacks an entire tar.gz archive into destDir, rejecting
// entries that escape it.
func unpackTarGz(archivePath, destDir string) error {
	f, err := os.Open(archivePath) // #nosec G304 -- temp file we just wrote
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer func() { _ = f.Close() }()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("read gzip stream: %w", err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}
		target, err := securePath(destDir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o750); err != nil {
				return fmt.Errorf("create directory: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
				return fmt.Errorf("create directory: %w", err)
			}
			mode := hdr.FileInfo().Mode().Perm()
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode) // #nosec G304
			if err != nil {
				return fmt.Errorf("create %s: %w", target, err)
			}
			if _, err := io.Copy(out, tr); err != nil { // #nosec G110 -- trusted release artifact
				_ = out.Close()
				return fmt.Errorf("extract %s: %w", hdr.Name, err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("flush %s: %w", target, err)
			}
		}
	}
}

// unpackZip unpacks a zip archive into destDir. A non-empty stripPrefix is
// removed from entry names when present (bundles often nest under dist/).
func unpackZip(archivePath, destDir, stripPrefix string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("read zip archive: %w", err)
	}
	defer func() { _ = zr.Close() }()

	for _, entry := range zr.File {
		name := filepath.ToSlash(entry.Name)
		if stripPrefix != "" {
			name = strings.TrimPrefix(name, stripPrefix)
		}
		if name == "" {
			continue
		}
		target, err := securePath(destDir, name)
		if err != nil {
			return err
		}
		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o750); err != nil {
				return fmt.Errorf("create directory: %w", err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
		if err := writeZipEntry(entry, target); err != nil {
			return err
		}
	}
	return nil
}

func writeZipEntry(entry *zip.File, target string) error {
	rc, err := entry.Open()
	if err != nil {
		return fmt.Errorf("read zip entry %s: %w", entry.Name, err)
	}
	defer func() { _ = rc.Close() }()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, entry.FileInfo().Mode().Perm()) // #nosec G304
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(out, rc); err != nil { // #nosec G110 -- trusted release artifact
		_ = out.Close()
		return fmt.Errorf("extract %s: %w", entry.Name, err)
	}
	return out.Close()
}

// securePath joins an archive entry name under destDir and rejects traversal.
func securePath(destDir, name string) (string, error) {
	target := filepath.Join(destDir, filepath.FromSlash(name))
	if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes destination", name)
	}
	return target, nil
}

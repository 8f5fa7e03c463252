package provision

import (
	"runtime"

	"github.com/regstack/regstack/internal/catalog"
)

// ArchiveKind describes how a downloaded artifact is packaged.
type ArchiveKind int

const (
	// ArchiveNone means the artifact is the binary itself.
	ArchiveNone ArchiveKind = iota
	// ArchiveTarGz means a gzip-compressed tarball.
	ArchiveTarGz
	// ArchiveZip means a zip archive.
	ArchiveZip
)

// Release describes one downloadable artifact for one service on one
// platform, resolved once at provisioner construction.
type Release struct {
	Version string
	URL     string
	// SHA256 is the embedded fallback checksum; the remote manifest takes
	// precedence when available. Empty means unknown.
	SHA256    string
	SizeBytes int64
	// EntryPath names the binary inside the archive. Empty with an archive
	// kind means the whole archive is unpacked into the bin directory.
	EntryPath string
	Archive   ArchiveKind
}

// releaseBase hosts the project-built artifacts (indexers, explorer,
// gateway bundle, indexer payload, extension).
const releaseBase = "https://github.com/regstack/releases/download/binaries-v0.1.3"

// ChecksumManifestURL is the remote filename -> sha256 manifest published
// alongside the project artifacts.
const ChecksumManifestURL = releaseBase + "/checksums.json"

// Platform reports the detected os/arch pair used for release resolution.
func Platform() (string, string) {
	os := runtime.GOOS
	switch os {
	case "darwin", "linux", "windows":
	default:
		os = "unknown"
	}
	arch := runtime.GOARCH
	switch arch {
	case "arm64", "amd64":
	default:
		arch = "unknown"
	}
	if arch == "amd64" {
		arch = "x86_64"
	}
	return os, arch
}

// ReleasesForPlatform resolves the per-service release table for an os/arch
// pair. Unknown platforms fall back to the linux/x86_64 entries so the rest
// of the pipeline always has a candidate.
func ReleasesForPlatform(os, arch string) map[catalog.ServiceID]Release {
	releases := make(map[catalog.ServiceID]Release)

	btcURL, btcSHA := bitcoinRelease(os, arch)
	releases[catalog.Bitcoind] = Release{
		Version:   "29.2",
		URL:       btcURL,
		SHA256:    btcSHA,
		SizeBytes: 45_000_000,
		EntryPath: "bitcoin-29.2/bin/bitcoind",
		Archive:   ArchiveTarGz,
	}

	ordURL, ordSHA := ordRelease(os, arch)
	releases[catalog.Ord] = Release{
		Version:   "0.22.1",
		URL:       ordURL,
		SHA256:    ordSHA,
		SizeBytes: 15_000_000,
		EntryPath: "ord",
		Archive:   ArchiveTarGz,
	}

	releases[catalog.Metashrew] = Release{
		Version:   "9.0.2-alpha.1",
		URL:       releaseBase + "/rockshrew-mono-" + os + "-" + arch,
		SizeBytes: 25_000_000,
	}

	releases[catalog.Memshrew] = Release{
		Version:   "9.0.2-alpha.1",
		URL:       releaseBase + "/memshrew-p2p-" + os + "-" + arch,
		SizeBytes: 20_000_000,
	}

	esploraSHA := ""
	if os == "darwin" && arch == "arm64" {
		esploraSHA = "ae38e7a5bc3b10b7b0fd74f84288ae2470972cb1f227029c8d9d54682119cafe"
	}
	releases[catalog.Esplora] = Release{
		Version:   "0.4.1",
		URL:       releaseBase + "/flextrs-" + os + "-" + arch,
		SHA256:    esploraSHA,
		SizeBytes: 15_000_000,
	}

	// The gateway is a node bundle; the whole tarball unpacks into bin/.
	releases[catalog.JSONRPC] = Release{
		Version:   "0.1.0",
		URL:       releaseBase + "/jsonrpc-bundle.tar.gz",
		SHA256:    "bedc8928c7c48eb45ab51f9094b06a732ee7542e091cf4e75fd902e8aea84a55",
		SizeBytes: 10_000_000,
		Archive:   ArchiveTarGz,
	}

	return releases
}

func bitcoinRelease(os, arch string) (string, string) {
	const base = "https://bitcoincore.org/bin/bitcoin-core-29.2/"
	switch {
	case os == "darwin" && arch == "arm64":
		return base + "bitcoin-29.2-arm64-apple-darwin.tar.gz",
			"bd07450f76d149d094842feab58e6240673120c8a317a1c51d45ba30c34e85ef"
	case os == "darwin" && arch == "x86_64":
		return base + "bitcoin-29.2-x86_64-apple-darwin.tar.gz",
			"69ca05fbe838123091cf4d6d2675352f36cf55f49e2e6fb3b52fcf32b5e8dd9f"
	case os == "linux" && arch == "arm64":
		return base + "bitcoin-29.2-aarch64-linux-gnu.tar.gz",
			"f88f72a3c5bf526581aae573be8c1f62133eaecfe3d34646c9ffca7b79dfdc7a"
	default:
		// linux/x86_64 and every unknown platform
		return base + "bitcoin-29.2-x86_64-linux-gnu.tar.gz",
			"1fd58d0ae94b8a9e21bbaeab7d53395a44976e82bd5492b0a894826c135f9009"
	}
}

func ordRelease(os, arch string) (string, string) {
	const base = "https://github.com/ordinals/ord/releases/download/0.22.1/"
	switch {
	case os == "darwin" && arch == "arm64":
		return base + "ord-0.22.1-aarch64-apple-darwin.tar.gz",
			"f4a6c9e1bdbc00b0fb01e053078ce9577aa83495dbcd396e8c9df1ad66064037"
	case os == "darwin" && arch == "x86_64":
		return base + "ord-0.22.1-x86_64-apple-darwin.tar.gz", ""
	default:
		return base + "ord-0.22.1-x86_64-unknown-linux-gnu.tar.gz", ""
	}
}

package config

import (
	"os"
	"path/filepath"
)

// Paths derives the fixed install layout from a single application data root:
//
//	bin/<binary>      installed executables and the indexer payload
//	data/<service>/   per-service persisted state
//	logs/             rotated captured output
//	extension/        unpacked browser extension bundle
//	config.json       persisted configuration
//	events.db         lifecycle event history (sqlite default)
type Paths struct {
	Root string
}

// DefaultRoot resolves the per-user application data root. The REGSTACK_HOME
// environment variable overrides platform detection.
func DefaultRoot() string {
	if h := os.Getenv("REGSTACK_HOME"); h != "" {
		return h
	}
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "regstack")
}

func NewPaths(root string) Paths {
	if root == "" {
		root = DefaultRoot()
	}
	return Paths{Root: root}
}

func (p Paths) BinDir() string                 { return filepath.Join(p.Root, "bin") }
func (p Paths) DataDir() string                { return filepath.Join(p.Root, "data") }
func (p Paths) DataFor(service string) string  { return filepath.Join(p.DataDir(), service) }
func (p Paths) LogsDir() string                { return filepath.Join(p.Root, "logs") }
func (p Paths) ExtensionDir() string           { return filepath.Join(p.Root, "extension") }
func (p Paths) ConfigFile() string             { return filepath.Join(p.Root, "config.json") }
func (p Paths) EventsDB() string               { return filepath.Join(p.Root, "events.db") }
func (p Paths) BinaryPath(binary string) string { return filepath.Join(p.BinDir(), binary) }

// Package catalog defines the fixed topology of the managed regtest stack:
// service identities, binaries, ports, dependencies, and the exact launch
// arguments and environment each service requires.
package catalog

import (
	"fmt"

	"github.com/regstack/regstack/internal/config"
)

// ServiceID identifies one service of the closed managed set.
type ServiceID string

const (
	Bitcoind  ServiceID = "bitcoind"
	Metashrew ServiceID = "metashrew"
	Memshrew  ServiceID = "memshrew"
	Ord       ServiceID = "ord"
	Esplora   ServiceID = "esplora"
	JSONRPC   ServiceID = "jsonrpc"
)

// All returns every service in dependency start order: the node first,
// its indexers next, and the gateway that fans in on everything last.
func All() []ServiceID {
	return []ServiceID{Bitcoind, Metashrew, Memshrew, Ord, Esplora, JSONRPC}
}

// StartOrder is the fixed topological order used by StartAll.
func StartOrder() []ServiceID { return All() }

// StopOrder is the exact reverse of StartOrder, so dependents stop before
// the services they depend on.
func StopOrder() []ServiceID {
	order := All()
	rev := make([]ServiceID, len(order))
	for i, id := range order {
		rev[len(order)-1-i] = id
	}
	return rev
}

// Parse maps a string to a known ServiceID.
func Parse(s string) (ServiceID, error) {
	for _, id := range All() {
		if string(id) == s {
			return id, nil
		}
	}
	return "", fmt.Errorf("unknown service: %q", s)
}

// Descriptor is the immutable per-service topology entry.
type Descriptor struct {
	ID          ServiceID
	DisplayName string
	// Binary is the installed artifact name under bin/.
	Binary string
	// Runner, when set, is the interpreter the service is launched through
	// (the gateway is a node bundle, not a native executable).
	Runner string
	// DataDirName is the per-service state directory under data/; empty for
	// services that keep no local state.
	DataDirName string
	// VersionArg is the flag passed to probe the installed version; empty
	// when the binary cannot report one.
	VersionArg string
	Deps       []ServiceID
}

var descriptors = map[ServiceID]Descriptor{
	Bitcoind: {
		ID: Bitcoind, DisplayName: "Bitcoin Core", Binary: "bitcoind",
		DataDirName: "bitcoin", VersionArg: "--version",
	},
	Metashrew: {
		ID: Metashrew, DisplayName: "Metashrew (Indexer)", Binary: "rockshrew-mono",
		DataDirName: "metashrew", VersionArg: "--version", Deps: []ServiceID{Bitcoind},
	},
	Memshrew: {
		ID: Memshrew, DisplayName: "Memshrew (Mempool)", Binary: "memshrew-p2p",
		VersionArg: "--version", Deps: []ServiceID{Bitcoind},
	},
	Ord: {
		ID: Ord, DisplayName: "Ord (Inscriptions)", Binary: "ord",
		DataDirName: "ord", VersionArg: "--version", Deps: []ServiceID{Bitcoind},
	},
	Esplora: {
		ID: Esplora, DisplayName: "Esplora (Explorer)", Binary: "flextrs",
		DataDirName: "esplora", VersionArg: "--version", Deps: []ServiceID{Bitcoind},
	},
	JSONRPC: {
		ID: JSONRPC, DisplayName: "JSON-RPC Gateway", Binary: "jsonrpc", Runner: "node",
		Deps: []ServiceID{Bitcoind, Metashrew, Memshrew, Ord, Esplora},
	},
}

// Get returns the descriptor for a service. The set is closed, so a miss is
// a programming error and panics.
func Get(id ServiceID) Descriptor {
	d, ok := descriptors[id]
	if !ok {
		panic(fmt.Sprintf("catalog: no descriptor for %q", id))
	}
	return d
}

// BinaryNames lists every managed binary name, used for orphan reclamation.
func BinaryNames() []string {
	names := make([]string, 0, len(descriptors))
	for _, id := range All() {
		names = append(names, descriptors[id].Binary)
	}
	return names
}

// Ports lists every well-known listening port of the topology.
func Ports(cfg config.Config) []int {
	p := cfg.Ports
	return []int{
		p.BitcoindRPC, p.BitcoindP2P, p.Metashrew, p.Memshrew,
		p.Ord, p.EsploraHTTP, p.EsploraElectrum, p.JSONRPC,
	}
}

// Port returns the primary listening port for a service.
func Port(id ServiceID, cfg config.Config) int {
	p := cfg.Ports
	switch id {
	case Bitcoind:
		return p.BitcoindRPC
	case Metashrew:
		return p.Metashrew
	case Memshrew:
		return p.Memshrew
	case Ord:
		return p.Ord
	case Esplora:
		return p.EsploraHTTP
	case JSONRPC:
		return p.JSONRPC
	}
	return 0
}

// HealthURL returns the liveness probe target for a service. The supervisor
// only classifies status codes; it never parses the body.
func HealthURL(id ServiceID, cfg config.Config) string {
	p := cfg.Ports
	switch id {
	case Bitcoind:
		return fmt.Sprintf("http://127.0.0.1:%d", p.BitcoindRPC)
	case Metashrew:
		return fmt.Sprintf("http://127.0.0.1:%d", p.Metashrew)
	case Memshrew:
		return fmt.Sprintf("http://127.0.0.1:%d", p.Memshrew)
	case Ord:
		return fmt.Sprintf("http://127.0.0.1:%d/status", p.Ord)
	case Esplora:
		return fmt.Sprintf("http://127.0.0.1:%d/blocks/tip/height", p.EsploraHTTP)
	case JSONRPC:
		return fmt.Sprintf("http://127.0.0.1:%d", p.JSONRPC)
	}
	return ""
}

package catalog

import (
	"fmt"
	"path/filepath"

	"github.com/regstack/regstack/internal/config"
)

// Args builds the launch argument list for a service. Every flag here is
// part of the contract with the service; renaming or omitting one breaks
// its ability to locate its dependencies.
func Args(id ServiceID, cfg config.Config, paths config.Paths) []string {
	ports := cfg.Ports
	btc := cfg.Bitcoind

	switch id {
	case Bitcoind:
		return []string{
			"-txindex",
			"-regtest=1",
			"-printtoconsole",
			"-rpcallowip=0.0.0.0/0",
			"-rpcbind=0.0.0.0",
			fmt.Sprintf("-rpcport=%d", ports.BitcoindRPC),
			fmt.Sprintf("-port=%d", ports.BitcoindP2P),
			fmt.Sprintf("-rpcuser=%s", btc.RPCUser),
			fmt.Sprintf("-rpcpassword=%s", btc.RPCPassword),
			fmt.Sprintf("-fallbackfee=%g", btc.FallbackFee),
			fmt.Sprintf("-datadir=%s", paths.DataFor("bitcoin")),
		}
	case Metashrew:
		return []string{
			"--host", "0.0.0.0",
			"--port", fmt.Sprintf("%d", ports.Metashrew),
			"--indexer", filepath.Join(paths.BinDir(), "alkanes.wasm"),
			"--db-path", paths.DataFor("metashrew"),
			"--auth", fmt.Sprintf("%s:%s", btc.RPCUser, btc.RPCPassword),
			"--daemon-rpc-url", fmt.Sprintf("http://127.0.0.1:%d", ports.BitcoindRPC),
		}
	case Memshrew:
		return []string{
			"--daemon-rpc-url", fmt.Sprintf("http://127.0.0.1:%d", ports.BitcoindRPC),
			"--p2p-addr", fmt.Sprintf("127.0.0.1:%d", ports.BitcoindP2P),
			"--auth", fmt.Sprintf("%s:%s", btc.RPCUser, btc.RPCPassword),
			"--host", "0.0.0.0",
			"--port", fmt.Sprintf("%d", ports.Memshrew),
		}
	case Ord:
		return []string{
			"--data-dir", paths.DataFor("ord"),
			"--index-transactions",
			"--index-addresses",
			"--index-sats",
			"--index-runes",
			"--chain", "regtest",
			"--bitcoin-rpc-url", fmt.Sprintf("127.0.0.1:%d", ports.BitcoindRPC),
			"--bitcoin-rpc-username", btc.RPCUser,
			"--bitcoin-rpc-password", btc.RPCPassword,
			"--bitcoin-data-dir", paths.DataFor("bitcoin"),
			"server",
			"--http-port", fmt.Sprintf("%d", ports.Ord),
		}
	case Esplora:
		return []string{
			"-vvv",
			"--db-dir", paths.DataFor("esplora"),
			"--daemon-dir", paths.DataFor("bitcoin"),
			"--network", "regtest",
			"--daemon-rpc-addr", fmt.Sprintf("127.0.0.1:%d", ports.BitcoindRPC),
			"--http-addr", fmt.Sprintf("0.0.0.0:%d", ports.EsploraHTTP),
			"--electrum-rpc-addr", fmt.Sprintf("0.0.0.0:%d", ports.EsploraElectrum),
			"--auth", fmt.Sprintf("%s:%s", btc.RPCUser, btc.RPCPassword),
		}
	case JSONRPC:
		// Launched through node; the sole argument is the bundle entrypoint.
		return []string{filepath.Join(paths.BinDir(), "jsonrpc", "bin", "jsonrpc.js")}
	}
	return nil
}

// Env builds the extra environment a service requires as KEY=VALUE pairs.
// Only the gateway needs anything beyond the inherited environment.
func Env(id ServiceID, cfg config.Config) []string {
	if id != JSONRPC {
		return nil
	}
	ports := cfg.Ports
	btc := cfg.Bitcoind
	return []string{
		"HOST=0.0.0.0",
		fmt.Sprintf("PORT=%d", ports.JSONRPC),
		fmt.Sprintf("DAEMON_RPC_ADDR=127.0.0.1:%d", ports.BitcoindRPC),
		fmt.Sprintf("RPCUSER=%s", btc.RPCUser),
		fmt.Sprintf("RPCPASSWORD=%s", btc.RPCPassword),
		fmt.Sprintf("METASHREW_URI=http://127.0.0.1:%d", ports.Metashrew),
		fmt.Sprintf("MEMSHREW_URI=http://127.0.0.1:%d", ports.Memshrew),
		"ORD_HOST=127.0.0.1",
		fmt.Sprintf("ORD_PORT=%d", ports.Ord),
		"ESPLORA_HOST=127.0.0.1",
		fmt.Sprintf("ESPLORA_PORT=%d", ports.EsploraHTTP),
		"RUST_LOG=info",
	}
}

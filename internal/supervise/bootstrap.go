package supervise

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/regstack/regstack/internal/config"
)

const (
	devWalletName = "dev"

	// bitcoind JSON-RPC error codes tolerated during bootstrap.
	rpcWalletExists        = -4
	rpcWalletAlreadyLoaded = -35
)

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// bootstrapWallet prepares the node for development use: it ensures the dev
// wallet exists and is loaded, derives a bech32m address, and mines the
// chain up to coinbase maturity. Every step is idempotent, so running it
// against an already-bootstrapped node is harmless.
func (s *Supervisor) bootstrapWallet(cfg config.Config) error {
	client := &http.Client{Timeout: 30 * time.Second}
	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.Ports.BitcoindRPC)
	walletURL := base + "/wallet/" + devWalletName

	if _, err := s.rpcCall(client, cfg, base, "listwallets", nil); err != nil {
		return fmt.Errorf("node rpc not reachable: %w", err)
	}

	if _, err := s.rpcCall(client, cfg, base, "createwallet", []any{devWalletName}); err != nil {
		var re *rpcError
		if !asRPCError(err, &re) || re.Code != rpcWalletExists {
			return fmt.Errorf("create wallet: %w", err)
		}
	}
	if _, err := s.rpcCall(client, cfg, base, "loadwallet", []any{devWalletName}); err != nil {
		var re *rpcError
		if !asRPCError(err, &re) || (re.Code != rpcWalletAlreadyLoaded && re.Code != rpcWalletExists) {
			return fmt.Errorf("load wallet: %w", err)
		}
	}

	raw, err := s.rpcCall(client, cfg, walletURL, "getnewaddress", []any{"", "bech32m"})
	if err != nil {
		return fmt.Errorf("derive address: %w", err)
	}
	var addr string
	if err := json.Unmarshal(raw, &addr); err != nil {
		return fmt.Errorf("decode address: %w", err)
	}

	raw, err = s.rpcCall(client, cfg, base, "getblockcount", nil)
	if err != nil {
		return fmt.Errorf("get block count: %w", err)
	}
	var height int
	if err := json.Unmarshal(raw, &height); err != nil {
		return fmt.Errorf("decode block count: %w", err)
	}

	if height < cfg.Mining.InitialBlocks {
		n := cfg.Mining.InitialBlocks - height
		if _, err := s.rpcCall(client, cfg, walletURL, "generatetoaddress", []any{n, addr}); err != nil {
			return fmt.Errorf("mine initial blocks: %w", err)
		}
		slog.Info("mined initial blocks", "count", n, "address", addr)
	}
	slog.Info("wallet bootstrap complete", "wallet", devWalletName, "height", max(height, cfg.Mining.InitialBlocks))
	return nil
}

// rpcCall issues one JSON-RPC request with basic auth. A node-level error
// is returned as *rpcError so callers can inspect the code.
func (s *Supervisor) rpcCall(client *http.Client, cfg config.Config, url, method string, params []any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "1.0",
		"id":      "regstack",
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(cfg.Bitcoind.RPCUser, cfg.Bitcoind.RPCPassword)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", method, err)
	}
	var rr rpcResponse
	if err := json.Unmarshal(data, &rr); err != nil {
		return nil, fmt.Errorf("%s: http %d: %s", method, resp.StatusCode, bytes.TrimSpace(data))
	}
	if rr.Error != nil {
		return nil, rr.Error
	}
	return rr.Result, nil
}

func asRPCError(err error, target **rpcError) bool {
	re, ok := err.(*rpcError)
	if ok {
		*target = re
	}
	return ok
}

// startMiner begins producing one block per configured interval, paying the
// dev wallet. Restarting an already-running miner is a no-op.
func (s *Supervisor) startMiner(cfg config.Config) {
	s.minerMu.Lock()
	defer s.minerMu.Unlock()
	if s.minerQuit != nil {
		return
	}
	quit := make(chan struct{})
	s.minerQuit = quit

	interval := time.Duration(cfg.Mining.BlockIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	go s.mineLoop(cfg, interval, quit)
	slog.Info("auto-mining started", "interval", interval)
}

func (s *Supervisor) stopMiner() {
	s.minerMu.Lock()
	defer s.minerMu.Unlock()
	if s.minerQuit == nil {
		return
	}
	close(s.minerQuit)
	s.minerQuit = nil
}

func (s *Supervisor) mineLoop(cfg config.Config, interval time.Duration, quit <-chan struct{}) {
	client := &http.Client{Timeout: 30 * time.Second}
	walletURL := fmt.Sprintf("http://127.0.0.1:%d/wallet/%s", cfg.Ports.BitcoindRPC, devWalletName)

	var addr string
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
		}
		if addr == "" {
			raw, err := s.rpcCall(client, cfg, walletURL, "getnewaddress", []any{"", "bech32m"})
			if err != nil {
				continue
			}
			if json.Unmarshal(raw, &addr) != nil {
				addr = ""
				continue
			}
		}
		if _, err := s.rpcCall(client, cfg, walletURL, "generatetoaddress", []any{1, addr}); err != nil {
			slog.Debug("auto-mine tick failed", "error", err)
		}
	}
}

package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/regstack/regstack/internal/logger"
	"github.com/spf13/viper"
)

// PortConfig holds the listening ports of every managed service.
type PortConfig struct {
	BitcoindRPC     int `json:"bitcoind_rpc" mapstructure:"bitcoind_rpc"`
	BitcoindP2P     int `json:"bitcoind_p2p" mapstructure:"bitcoind_p2p"`
	Metashrew       int `json:"metashrew" mapstructure:"metashrew"`
	Memshrew        int `json:"memshrew" mapstructure:"memshrew"`
	Ord             int `json:"ord" mapstructure:"ord"`
	EsploraHTTP     int `json:"esplora_http" mapstructure:"esplora_http"`
	EsploraElectrum int `json:"esplora_electrum" mapstructure:"esplora_electrum"`
	JSONRPC         int `json:"jsonrpc" mapstructure:"jsonrpc"`
}

// BitcoindConfig holds node RPC credentials and fee policy.
type BitcoindConfig struct {
	RPCUser     string  `json:"rpc_user" mapstructure:"rpc_user"`
	RPCPassword string  `json:"rpc_password" mapstructure:"rpc_password"`
	FallbackFee float64 `json:"fallback_fee" mapstructure:"fallback_fee"`
}

// MiningConfig controls dev-chain block production.
type MiningConfig struct {
	AutoMine        bool `json:"auto_mine" mapstructure:"auto_mine"`
	BlockIntervalMS int  `json:"block_interval_ms" mapstructure:"block_interval_ms"`
	InitialBlocks   int  `json:"initial_blocks" mapstructure:"initial_blocks"`
}

// HistoryConfig selects the lifecycle event store backend.
// Type is "sqlite" (default) or "postgres"; DSN applies to postgres only.
type HistoryConfig struct {
	Type string `json:"type" mapstructure:"type"`
	Path string `json:"path" mapstructure:"path"`
	DSN  string `json:"dsn" mapstructure:"dsn"`
}

// Config is the persisted regstack configuration.
type Config struct {
	Ports    PortConfig        `json:"ports" mapstructure:"ports"`
	Bitcoind BitcoindConfig    `json:"bitcoind" mapstructure:"bitcoind"`
	Mining   MiningConfig      `json:"mining" mapstructure:"mining"`
	History  HistoryConfig     `json:"history" mapstructure:"history"`
	Log      logger.FileConfig `json:"log" mapstructure:"log"`
	// Mnemonic seeds deterministic dev wallets when set.
	Mnemonic string `json:"mnemonic,omitempty" mapstructure:"mnemonic"`
}

// Default returns the configuration used when no config.json exists yet.
func Default() Config {
	return Config{
		Ports: PortConfig{
			BitcoindRPC:     18443,
			BitcoindP2P:     18444,
			Metashrew:       8080,
			Memshrew:        8081,
			Ord:             8090,
			EsploraHTTP:     50010,
			EsploraElectrum: 50001,
			JSONRPC:         18888,
		},
		Bitcoind: BitcoindConfig{
			RPCUser:     "regstack",
			RPCPassword: "regstack",
			FallbackFee: 0.00001,
		},
		Mining: MiningConfig{
			AutoMine:        true,
			BlockIntervalMS: 1000,
			InitialBlocks:   101, // makes coinbase spendable
		},
		History: HistoryConfig{Type: "sqlite"},
	}
}

// Load reads config.json from path. A missing or unreadable file falls back
// to defaults with a warning; it never fails the caller.
func Load(path string) Config {
	if _, err := os.Stat(path); err != nil {
		return Default()
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		slog.Warn("failed to read config, using defaults", "path", path, "error", err)
		return Default()
	}
	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		slog.Warn("failed to parse config, using defaults", "path", path, "error", err)
		return Default()
	}
	return cfg
}

// Save writes the configuration as indented JSON, creating parent directories.
func (c Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, b, 0o600)
}

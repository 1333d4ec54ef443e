// Package config defines all configuration for the dark-pool node.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via DARKPOOL_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	ClearNet   ClearNetConfig   `mapstructure:"clearnet"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Prover     ProverConfig     `mapstructure:"prover"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// DatabaseConfig holds the postgres connection settings.
type DatabaseConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// EngineConfig tunes the matching engine's worker pool and channel capacities.
//
//   - Workers: number of matching worker goroutines.
//   - OrderChannelSize / CancelChannelSize: bounded intake capacities;
//     enqueue fails fast with ErrChannelFull when saturated.
//   - MatchChannelSize: outbound match event capacity; sends block (the
//     engine relies on the downstream consumer draining).
//   - CandidateBatch: hard cap on candidates fetched per incoming order.
type EngineConfig struct {
	Workers           int `mapstructure:"workers"`
	OrderChannelSize  int `mapstructure:"order_channel_size"`
	CancelChannelSize int `mapstructure:"cancel_channel_size"`
	MatchChannelSize  int `mapstructure:"match_channel_size"`
	CandidateBatch    int `mapstructure:"candidate_batch"`
}

// SettlementConfig tunes the settlement worker.
//
//   - PollInterval: period between claim cycles.
//   - BatchSize: max matches claimed per cycle.
//   - Parallel: max matches processed concurrently within one cycle.
type SettlementConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	Parallel     int           `mapstructure:"parallel"`
}

// ClearNetConfig holds clearing-network connection settings.
//
//   - URL: websocket endpoint of the clearing network.
//   - ResponseTimeout: per-RPC deadline (resize uses ResizeTimeout).
//   - PingInterval: keepalive period on open connections.
//   - Application: the application label stamped on session keys.
type ClearNetConfig struct {
	URL             string        `mapstructure:"url"`
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
	ResizeTimeout   time.Duration `mapstructure:"resize_timeout"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	Application     string        `mapstructure:"application"`
}

// ChainConfig holds on-chain targets and the engine signing key.
// When CustodyAddress or RouterAddress is unset, on-chain settlement steps
// are skipped (test mode).
type ChainConfig struct {
	RPCURL           string `mapstructure:"rpc_url"`
	ChainID          int64  `mapstructure:"chain_id"`
	EngineWalletKey  string `mapstructure:"engine_wallet_key"`
	CustodyAddress   string `mapstructure:"custody_address"`
	RouterAddress    string `mapstructure:"router_address"`
	SnarkScalarField string `mapstructure:"snark_scalar_field"`
}

// ProverConfig points at the Groth16 prover sidecar.
type ProverConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// GatewayConfig controls the framed RPC listener for the HTTP gateway.
type GatewayConfig struct {
	Addr string `mapstructure:"addr"`
}

// HTTPConfig controls the REST/WebSocket server.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// BN128Prime is the default SNARK scalar field modulus. Order ids and
// commitment hashes are reduced into this field.
const BN128Prime = "21888242871839275222246405745257275088548364400416034343698204186575808495617"

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: DARKPOOL_ENGINE_WALLET_KEY, DARKPOOL_DB_DSN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("DARKPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("database.max_open_conns", 16)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.order_channel_size", 1024)
	v.SetDefault("engine.cancel_channel_size", 256)
	v.SetDefault("engine.match_channel_size", 1024)
	v.SetDefault("engine.candidate_batch", 100)
	v.SetDefault("settlement.poll_interval", 2*time.Second)
	v.SetDefault("settlement.batch_size", 10)
	v.SetDefault("settlement.parallel", 1)
	v.SetDefault("clearnet.response_timeout", 10*time.Second)
	v.SetDefault("clearnet.resize_timeout", 15*time.Second)
	v.SetDefault("clearnet.ping_interval", 30*time.Second)
	v.SetDefault("clearnet.application", "darkpool")
	v.SetDefault("chain.snark_scalar_field", BN128Prime)
	v.SetDefault("gateway.addr", ":7410")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("DARKPOOL_ENGINE_WALLET_KEY"); key != "" {
		cfg.Chain.EngineWalletKey = key
	}
	if dsn := os.Getenv("DARKPOOL_DB_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required (set DARKPOOL_DB_DSN)")
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be > 0")
	}
	if c.Engine.OrderChannelSize <= 0 || c.Engine.CancelChannelSize <= 0 || c.Engine.MatchChannelSize <= 0 {
		return fmt.Errorf("engine channel sizes must be > 0")
	}
	if c.Settlement.PollInterval <= 0 {
		return fmt.Errorf("settlement.poll_interval must be > 0")
	}
	if c.Settlement.BatchSize <= 0 {
		return fmt.Errorf("settlement.batch_size must be > 0")
	}
	if c.Settlement.Parallel <= 0 {
		return fmt.Errorf("settlement.parallel must be > 0")
	}
	if c.ClearNet.URL == "" {
		return fmt.Errorf("clearnet.url is required")
	}
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("chain.chain_id is required")
	}
	if c.Chain.EngineWalletKey == "" {
		return fmt.Errorf("chain.engine_wallet_key is required (set DARKPOOL_ENGINE_WALLET_KEY)")
	}
	if c.Chain.SnarkScalarField == "" {
		return fmt.Errorf("chain.snark_scalar_field must not be empty")
	}
	// Custody/router addresses are optional: when unset, on-chain settlement
	// steps are skipped (test mode). Requiring one without the other is a
	// config mistake.
	if (c.Chain.CustodyAddress == "") != (c.Chain.RouterAddress == "") {
		return fmt.Errorf("chain.custody_address and chain.router_address must be set together")
	}
	return nil
}

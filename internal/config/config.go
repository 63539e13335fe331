// Package config defines the top-level configuration for the settlement
// orchestrator and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by HSETTLE_* environment variables.
type Config struct {
	Wallet       WalletConfig       `toml:"wallet"`
	CustodyChain ChainConfig        `toml:"custody_chain"`
	MarketChain  ChainConfig        `toml:"market_chain"`
	Futures      FuturesConfig      `toml:"futures"`
	Predmarket   PredmarketConfig   `toml:"predmarket"`
	Bridge       BridgeConfig       `toml:"bridge"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Postgres     PostgresConfig     `toml:"postgres"`
	Redis        RedisConfig        `toml:"redis"`
	S3           S3Config           `toml:"s3"`
	Pipeline     PipelineConfig     `toml:"pipeline"`
	Server       ServerConfig       `toml:"server"`
	Notify       NotifyConfig       `toml:"notify"`
	Mode         string             `toml:"mode"`
	LogLevel     string             `toml:"log_level"`
}

// WalletConfig holds the signing key used for the chain writer and for
// prediction-market order signatures.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// ChainConfig holds RPC and contract parameters for one observed chain.
type ChainConfig struct {
	Name            string   `toml:"name"`
	RPCURL          string   `toml:"rpc_url"`
	ChainID         int64    `toml:"chain_id"`
	ContractAddress string   `toml:"contract_address"`
	Confirmations   uint64   `toml:"confirmations"`
	PollInterval    duration `toml:"poll_interval"`
	MaxBlockWindow  uint64   `toml:"max_block_window"`
	AssetDecimals   int32    `toml:"asset_decimals"`
}

// FuturesConfig holds the perp venue API endpoint and credentials.
type FuturesConfig struct {
	BaseURL       string `toml:"base_url"`
	ApiKey        string `toml:"api_key"`
	ApiSecret     string `toml:"api_secret"`
	ApiPassphrase string `toml:"api_passphrase"`
}

// PredmarketConfig holds the prediction-market CLOB endpoints and
// credentials. ChainID parameterizes the EIP-712 signing domain.
type PredmarketConfig struct {
	ClobHost      string `toml:"clob_host"`
	WsHost        string `toml:"ws_host"`
	ChainID       int64  `toml:"chain_id"`
	ApiKey        string `toml:"api_key"`
	ApiSecret     string `toml:"api_secret"`
	ApiPassphrase string `toml:"api_passphrase"`
}

// BridgeConfig holds the bridge relayer endpoint and transfer policy.
type BridgeConfig struct {
	BaseURL        string   `toml:"base_url"`
	ApiKey         string   `toml:"api_key"`
	DestAddress    string   `toml:"dest_address"`   // market-chain wallet receiving outbound funds
	ReturnAddress  string   `toml:"return_address"` // custody-chain vault receiving returns
	PollInterval   duration `toml:"poll_interval"`
	PollBackoffMax duration `toml:"poll_backoff_max"`
	Timeout        duration `toml:"timeout"`
}

// OrchestratorConfig tunes the per-strategy worker pool.
type OrchestratorConfig struct {
	MailboxSize          int      `toml:"mailbox_size"`
	SubmitRetryLimit     int      `toml:"submit_retry_limit"`
	CloseRetryLimit      int      `toml:"close_retry_limit"`
	RetryBackoff         duration `toml:"retry_backoff"`
	RetryBackoffMax      duration `toml:"retry_backoff_max"`
	MaturityScanInterval duration `toml:"maturity_scan_interval"`
	LockTTL              duration `toml:"lock_ttl"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for audit archives.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// PipelineConfig tunes the background jobs (audit archival).
type PipelineConfig struct {
	ArchiveEnabled bool     `toml:"archive_enabled"`
	ArchiveCron    string   `toml:"archive_cron"`  // 5-field cron, UTC
	ArchiveAfter   duration `toml:"archive_after"` // minimum age before entries are archived
}

// ServerConfig holds HTTP server parameters. APIKey guards the operator
// endpoints; when empty they are open (development only).
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration wraps time.Duration for TOML round-tripping.
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the built-in configuration. Load layers the TOML file and
// environment overrides on top of it.
func Defaults() Config {
	return Config{
		CustodyChain: ChainConfig{
			Name:           "custody",
			ChainID:        42161,
			Confirmations:  6,
			PollInterval:   duration{6 * time.Second},
			MaxBlockWindow: 2000,
			AssetDecimals:  6,
		},
		MarketChain: ChainConfig{
			Name:           "market",
			ChainID:        137,
			Confirmations:  12,
			PollInterval:   duration{6 * time.Second},
			MaxBlockWindow: 2000,
			AssetDecimals:  6,
		},
		Predmarket: PredmarketConfig{
			ChainID: 137,
		},
		Bridge: BridgeConfig{
			PollInterval:   duration{10 * time.Second},
			PollBackoffMax: duration{2 * time.Minute},
			Timeout:        duration{45 * time.Minute},
		},
		Orchestrator: OrchestratorConfig{
			MailboxSize:          16,
			SubmitRetryLimit:     5,
			CloseRetryLimit:      8,
			RetryBackoff:         duration{2 * time.Second},
			RetryBackoffMax:      duration{90 * time.Second},
			MaturityScanInterval: duration{30 * time.Second},
			LockTTL:              duration{2 * time.Minute},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "hedgesettle",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "hedgesettle-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Pipeline: PipelineConfig{
			ArchiveEnabled: false,
			ArchiveCron:    "0 3 * * *",
			ArchiveAfter:   duration{30 * 24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Notify: NotifyConfig{
			Events: []string{"strategy.failed", "settlement.committed"},
		},
		Mode:     "orchestrate",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"orchestrate": true,
	"serve":       true,
	"observe":     true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: orchestrate, serve, observe)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet: the orchestrate mode signs venue orders and settlement txs.
	if mode == "orchestrate" {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
	}

	// Chains: observers run in orchestrate and observe modes.
	if mode == "orchestrate" || mode == "observe" {
		for _, chain := range []struct {
			label string
			cfg   ChainConfig
		}{
			{"custody_chain", c.CustodyChain},
			{"market_chain", c.MarketChain},
		} {
			if chain.cfg.RPCURL == "" {
				errs = append(errs, chain.label+": rpc_url must not be empty")
			}
			if chain.cfg.ChainID <= 0 {
				errs = append(errs, chain.label+": chain_id must be positive")
			}
			if chain.cfg.ContractAddress == "" {
				errs = append(errs, chain.label+": contract_address must not be empty")
			}
			if chain.cfg.PollInterval.Duration <= 0 {
				errs = append(errs, chain.label+": poll_interval must be positive")
			}
			if chain.cfg.MaxBlockWindow == 0 {
				errs = append(errs, chain.label+": max_block_window must be positive")
			}
		}
		if c.CustodyChain.Name == c.MarketChain.Name {
			errs = append(errs, "custody_chain and market_chain must have distinct names")
		}
	}

	// Venues and bridge: only exercised when the orchestrator acts.
	if mode == "orchestrate" {
		if c.Futures.BaseURL == "" {
			errs = append(errs, "futures: base_url must not be empty")
		}
		if c.Futures.ApiKey == "" || c.Futures.ApiSecret == "" {
			errs = append(errs, "futures: api_key and api_secret are required")
		}
		if c.Predmarket.ClobHost == "" {
			errs = append(errs, "predmarket: clob_host must not be empty")
		}
		if c.Predmarket.ChainID <= 0 {
			errs = append(errs, "predmarket: chain_id must be positive")
		}
		if c.Bridge.BaseURL == "" {
			errs = append(errs, "bridge: base_url must not be empty")
		}
		if c.Bridge.DestAddress == "" {
			errs = append(errs, "bridge: dest_address must not be empty")
		}
		if c.Bridge.ReturnAddress == "" {
			errs = append(errs, "bridge: return_address must not be empty")
		}
		if c.Bridge.Timeout.Duration <= 0 {
			errs = append(errs, "bridge: timeout must be positive")
		}
		if c.Bridge.PollInterval.Duration <= 0 {
			errs = append(errs, "bridge: poll_interval must be positive")
		}
	}

	// Orchestrator knobs.
	if c.Orchestrator.MailboxSize < 1 {
		errs = append(errs, "orchestrator: mailbox_size must be >= 1")
	}
	if c.Orchestrator.SubmitRetryLimit < 1 {
		errs = append(errs, "orchestrator: submit_retry_limit must be >= 1")
	}
	if c.Orchestrator.CloseRetryLimit < 1 {
		errs = append(errs, "orchestrator: close_retry_limit must be >= 1")
	}
	if c.Orchestrator.RetryBackoff.Duration <= 0 {
		errs = append(errs, "orchestrator: retry_backoff must be positive")
	}
	if c.Orchestrator.RetryBackoffMax.Duration < c.Orchestrator.RetryBackoff.Duration {
		errs = append(errs, "orchestrator: retry_backoff_max must be >= retry_backoff")
	}
	if c.Orchestrator.MaturityScanInterval.Duration <= 0 {
		errs = append(errs, "orchestrator: maturity_scan_interval must be positive")
	}
	if c.Orchestrator.LockTTL.Duration <= 0 {
		errs = append(errs, "orchestrator: lock_ttl must be positive")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3: only required when archival is on.
	if c.Pipeline.ArchiveEnabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when pipeline.archive_enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when pipeline.archive_enabled")
		}
		if c.Pipeline.ArchiveCron == "" {
			errs = append(errs, "pipeline: archive_cron must not be empty when pipeline.archive_enabled")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies HSETTLE_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known HSETTLE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "HSETTLE_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "HSETTLE_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "HSETTLE_WALLET_KEY_PASSWORD")

	// ── Chains ──
	setStr(&cfg.CustodyChain.RPCURL, "HSETTLE_CUSTODY_CHAIN_RPC_URL")
	setStr(&cfg.CustodyChain.ContractAddress, "HSETTLE_CUSTODY_CHAIN_CONTRACT_ADDRESS")
	setInt64(&cfg.CustodyChain.ChainID, "HSETTLE_CUSTODY_CHAIN_CHAIN_ID")
	setStr(&cfg.MarketChain.RPCURL, "HSETTLE_MARKET_CHAIN_RPC_URL")
	setStr(&cfg.MarketChain.ContractAddress, "HSETTLE_MARKET_CHAIN_CONTRACT_ADDRESS")
	setInt64(&cfg.MarketChain.ChainID, "HSETTLE_MARKET_CHAIN_CHAIN_ID")

	// ── Futures venue ──
	setStr(&cfg.Futures.BaseURL, "HSETTLE_FUTURES_BASE_URL")
	setStr(&cfg.Futures.ApiKey, "HSETTLE_FUTURES_API_KEY")
	setStr(&cfg.Futures.ApiSecret, "HSETTLE_FUTURES_API_SECRET")
	setStr(&cfg.Futures.ApiPassphrase, "HSETTLE_FUTURES_API_PASSPHRASE")

	// ── Prediction market venue ──
	setStr(&cfg.Predmarket.ClobHost, "HSETTLE_PREDMARKET_CLOB_HOST")
	setStr(&cfg.Predmarket.WsHost, "HSETTLE_PREDMARKET_WS_HOST")
	setInt64(&cfg.Predmarket.ChainID, "HSETTLE_PREDMARKET_CHAIN_ID")
	setStr(&cfg.Predmarket.ApiKey, "HSETTLE_PREDMARKET_API_KEY")
	setStr(&cfg.Predmarket.ApiSecret, "HSETTLE_PREDMARKET_API_SECRET")
	setStr(&cfg.Predmarket.ApiPassphrase, "HSETTLE_PREDMARKET_API_PASSPHRASE")

	// ── Bridge ──
	setStr(&cfg.Bridge.BaseURL, "HSETTLE_BRIDGE_BASE_URL")
	setStr(&cfg.Bridge.ApiKey, "HSETTLE_BRIDGE_API_KEY")
	setStr(&cfg.Bridge.DestAddress, "HSETTLE_BRIDGE_DEST_ADDRESS")
	setStr(&cfg.Bridge.ReturnAddress, "HSETTLE_BRIDGE_RETURN_ADDRESS")
	setDuration(&cfg.Bridge.PollInterval, "HSETTLE_BRIDGE_POLL_INTERVAL")
	setDuration(&cfg.Bridge.Timeout, "HSETTLE_BRIDGE_TIMEOUT")

	// ── Orchestrator ──
	setInt(&cfg.Orchestrator.MailboxSize, "HSETTLE_ORCHESTRATOR_MAILBOX_SIZE")
	setInt(&cfg.Orchestrator.SubmitRetryLimit, "HSETTLE_ORCHESTRATOR_SUBMIT_RETRY_LIMIT")
	setInt(&cfg.Orchestrator.CloseRetryLimit, "HSETTLE_ORCHESTRATOR_CLOSE_RETRY_LIMIT")
	setDuration(&cfg.Orchestrator.MaturityScanInterval, "HSETTLE_ORCHESTRATOR_MATURITY_SCAN_INTERVAL")
	setDuration(&cfg.Orchestrator.LockTTL, "HSETTLE_ORCHESTRATOR_LOCK_TTL")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "HSETTLE_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "HSETTLE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "HSETTLE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "HSETTLE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "HSETTLE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "HSETTLE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "HSETTLE_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "HSETTLE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "HSETTLE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "HSETTLE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "HSETTLE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "HSETTLE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "HSETTLE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "HSETTLE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "HSETTLE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "HSETTLE_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "HSETTLE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "HSETTLE_S3_REGION")
	setStr(&cfg.S3.Bucket, "HSETTLE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "HSETTLE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "HSETTLE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "HSETTLE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "HSETTLE_S3_FORCE_PATH_STYLE")

	// ── Pipeline ──
	setBool(&cfg.Pipeline.ArchiveEnabled, "HSETTLE_PIPELINE_ARCHIVE_ENABLED")
	setStr(&cfg.Pipeline.ArchiveCron, "HSETTLE_PIPELINE_ARCHIVE_CRON")
	setDuration(&cfg.Pipeline.ArchiveAfter, "HSETTLE_PIPELINE_ARCHIVE_AFTER")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "HSETTLE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "HSETTLE_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "HSETTLE_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "HSETTLE_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "HSETTLE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "HSETTLE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "HSETTLE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "HSETTLE_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "HSETTLE_MODE")
	setStr(&cfg.LogLevel, "HSETTLE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

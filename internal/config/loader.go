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
// built-in defaults, applies POLYCLOB_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POLYCLOB_* environment variables and
// overwrites the corresponding Config fields when a variable is set. Secrets
// such as the operator key are expected to arrive this way.
func applyEnvOverrides(cfg *Config) {
	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "POLYCLOB_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "POLYCLOB_CHAIN_ID")
	setStr(&cfg.Chain.VerifyingContract, "POLYCLOB_CHAIN_VERIFYING_CONTRACT")
	setStr(&cfg.Chain.CollateralAddress, "POLYCLOB_CHAIN_COLLATERAL_ADDRESS")
	setStr(&cfg.Chain.CTFAddress, "POLYCLOB_CHAIN_CTF_ADDRESS")
	setStr(&cfg.Chain.OracleAddress, "POLYCLOB_CHAIN_ORACLE_ADDRESS")
	setStr(&cfg.Chain.OperatorKey, "POLYCLOB_CHAIN_OPERATOR_KEY")
	setStr(&cfg.Chain.EncryptedKeyPath, "POLYCLOB_CHAIN_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Chain.KeyPassword, "POLYCLOB_CHAIN_KEY_PASSWORD")

	// ── Store ──
	setStr(&cfg.Store.Driver, "POLYCLOB_STORE_DRIVER")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "POLYCLOB_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "POLYCLOB_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POLYCLOB_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POLYCLOB_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POLYCLOB_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POLYCLOB_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POLYCLOB_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POLYCLOB_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POLYCLOB_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POLYCLOB_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "POLYCLOB_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "POLYCLOB_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POLYCLOB_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POLYCLOB_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POLYCLOB_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "POLYCLOB_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "POLYCLOB_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "POLYCLOB_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POLYCLOB_S3_REGION")
	setStr(&cfg.S3.Bucket, "POLYCLOB_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "POLYCLOB_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "POLYCLOB_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POLYCLOB_S3_SECRET_KEY")

	// ── Kafka ──
	setBool(&cfg.Kafka.Enabled, "POLYCLOB_KAFKA_ENABLED")
	setStringSlice(&cfg.Kafka.Brokers, "POLYCLOB_KAFKA_BROKERS")

	// ── Auth ──
	setStr(&cfg.Auth.NonceGuard, "POLYCLOB_AUTH_NONCE_GUARD")
	setStr(&cfg.Auth.APIKey, "POLYCLOB_AUTH_API_KEY")
	setStr(&cfg.Auth.AdminSecret, "POLYCLOB_AUTH_ADMIN_SECRET")

	// ── Matching / cache / settlement ──
	setDuration(&cfg.Matching.SweepInterval, "POLYCLOB_MATCHING_SWEEP_INTERVAL")
	setInt(&cfg.Cache.MaxEntries, "POLYCLOB_CACHE_MAX_ENTRIES")
	setDuration(&cfg.Cache.MinTTL, "POLYCLOB_CACHE_MIN_TTL")
	setDuration(&cfg.Cache.MaxTTL, "POLYCLOB_CACHE_MAX_TTL")
	setDuration(&cfg.Settlement.ReconcileInterval, "POLYCLOB_SETTLEMENT_RECONCILE_INTERVAL")
	setDuration(&cfg.Settlement.ChallengeWindow, "POLYCLOB_SETTLEMENT_CHALLENGE_WINDOW")
	setBool(&cfg.Settlement.AutoRequest, "POLYCLOB_SETTLEMENT_AUTO_REQUEST")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "POLYCLOB_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "POLYCLOB_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "POLYCLOB_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "POLYCLOB_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POLYCLOB_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POLYCLOB_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POLYCLOB_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "POLYCLOB_MODE")
	setStr(&cfg.LogLevel, "POLYCLOB_LOG_LEVEL")
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

// Package config defines the top-level configuration for the exchange
// backend and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by POLYCLOB_* environment variables.
type Config struct {
	Chain      ChainConfig      `toml:"chain"`
	Store      StoreConfig      `toml:"store"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Kafka      KafkaConfig      `toml:"kafka"`
	Auth       AuthConfig       `toml:"auth"`
	Matching   MatchingConfig   `toml:"matching"`
	Cache      CacheConfig      `toml:"cache"`
	Settlement SettlementConfig `toml:"settlement"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// ChainConfig holds the signing domain and the on-chain collaborators.
type ChainConfig struct {
	RPCURL            string `toml:"rpc_url"`
	ChainID           int64  `toml:"chain_id"`
	DomainName        string `toml:"domain_name"`
	DomainVersion     string `toml:"domain_version"`
	VerifyingContract string `toml:"verifying_contract"`
	CollateralAddress string `toml:"collateral_address"`
	CTFAddress        string `toml:"ctf_address"`
	OracleAddress     string `toml:"oracle_address"`
	// Operator key used to send settlement transactions.
	OperatorKey      string   `toml:"operator_key"`
	EncryptedKeyPath string   `toml:"encrypted_key_path"`
	KeyPassword      string   `toml:"key_password"`
	ReceiptPoll      duration `toml:"receipt_poll"`
	ReceiptTimeout   duration `toml:"receipt_timeout"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is "postgres" or "memory". The memory driver keeps everything
	// in-process and is meant for local development.
	Driver string `toml:"driver"`
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
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"` // key prefix of archived trade logs
}

// KafkaConfig holds the market-data Kafka sink parameters.
type KafkaConfig struct {
	Enabled    bool     `toml:"enabled"`
	Brokers    []string `toml:"brokers"`
	TradeTopic string   `toml:"trade_topic"`
	BookTopic  string   `toml:"book_topic"`
}

// AuthConfig controls order intake authentication.
type AuthConfig struct {
	// NonceGuard is "memory" or "redis".
	NonceGuard     string   `toml:"nonce_guard"`
	NonceRetention duration `toml:"nonce_retention"`
	CancelMaxAge   duration `toml:"cancel_max_age"`
	APIKey         string   `toml:"api_key"`
	AdminSecret    string   `toml:"admin_secret"`
}

// MatchingConfig tunes the matching engine.
type MatchingConfig struct {
	CommandBuffer int      `toml:"command_buffer"`
	SweepInterval duration `toml:"sweep_interval"`
	EventBuffer   int      `toml:"event_buffer"`
}

// CacheConfig tunes the read-path cache layer.
type CacheConfig struct {
	MaxEntries int      `toml:"max_entries"`
	MinTTL     duration `toml:"min_ttl"`
	MaxTTL     duration `toml:"max_ttl"`
	// HotRate is the events-per-minute rate at which a market gets MinTTL.
	HotRate      float64  `toml:"hot_rate"`
	SharedTTL    duration `toml:"shared_ttl"`
	VolumeWindow duration `toml:"volume_window"`
}

// SettlementConfig tunes the settlement bridge.
type SettlementConfig struct {
	ReconcileInterval duration `toml:"reconcile_interval"`
	ChallengeWindow   duration `toml:"challenge_window"`
	StallGrace        duration `toml:"stall_grace"`
	RetryAttempts     int      `toml:"retry_attempts"`
	RetryInitial      duration `toml:"retry_initial"`
	RetryMax          duration `toml:"retry_max"`
	AutoRequest       bool     `toml:"auto_request"`
	LockTTL           duration `toml:"lock_ttl"`
	ArchiveTrades     bool     `toml:"archive_trades"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
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

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	RateLimit   int      `toml:"rate_limit"` // requests per minute per client, 0 disables
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			RPCURL:         "http://localhost:8545",
			ChainID:        137,
			DomainName:     "Polyclob Exchange",
			DomainVersion:  "1",
			ReceiptPoll:    duration{2 * time.Second},
			ReceiptTimeout: duration{3 * time.Minute},
		},
		Store: StoreConfig{Driver: "postgres"},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "polyclob-archive",
			ForcePathStyle: true,
			Prefix:         "archive/trades/",
		},
		Kafka: KafkaConfig{
			Brokers:    []string{"localhost:9092"},
			TradeTopic: "polyclob.trades",
			BookTopic:  "polyclob.books",
		},
		Auth: AuthConfig{
			NonceGuard:     "redis",
			NonceRetention: duration{30 * 24 * time.Hour},
			CancelMaxAge:   duration{5 * time.Minute},
		},
		Matching: MatchingConfig{
			CommandBuffer: 1024,
			SweepInterval: duration{5 * time.Second},
			EventBuffer:   4096,
		},
		Cache: CacheConfig{
			MaxEntries:   10_000,
			MinTTL:       duration{2 * time.Second},
			MaxTTL:       duration{30 * time.Second},
			HotRate:      60,
			SharedTTL:    duration{10 * time.Second},
			VolumeWindow: duration{24 * time.Hour},
		},
		Settlement: SettlementConfig{
			ReconcileInterval: duration{30 * time.Second},
			ChallengeWindow:   duration{2 * time.Hour},
			StallGrace:        duration{6 * time.Hour},
			RetryAttempts:     5,
			RetryInitial:      duration{500 * time.Millisecond},
			RetryMax:          duration{30 * time.Second},
			LockTTL:           duration{2 * time.Minute},
			ArchiveTrades:     true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   600,
		},
		Notify: NotifyConfig{
			Events: []string{"settlement_stalled", "market_resolved", "external_error"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":       true,
	"trading":    true,
	"settlement": true,
	"archive":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// NeedsChain reports whether the mode talks to the chain collaborators.
func (c *Config) NeedsChain() bool {
	return c.Mode == "full" || c.Mode == "settlement"
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, trading, settlement, archive)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Chain
	if c.Chain.ChainID <= 0 {
		errs = append(errs, "chain: chain_id must be positive")
	}
	if c.Chain.DomainName == "" || c.Chain.DomainVersion == "" {
		errs = append(errs, "chain: domain_name and domain_version must be set")
	}
	if !common.IsHexAddress(c.Chain.VerifyingContract) {
		errs = append(errs, fmt.Sprintf("chain: verifying_contract %q is not an address", c.Chain.VerifyingContract))
	}
	if c.NeedsChain() {
		if c.Chain.RPCURL == "" {
			errs = append(errs, "chain: rpc_url must not be empty for mode "+c.Mode)
		}
		for name, addr := range map[string]string{
			"collateral_address": c.Chain.CollateralAddress,
			"ctf_address":        c.Chain.CTFAddress,
			"oracle_address":     c.Chain.OracleAddress,
		} {
			if !common.IsHexAddress(addr) {
				errs = append(errs, fmt.Sprintf("chain: %s %q is not an address", name, addr))
			}
		}
		if c.Chain.OperatorKey == "" && c.Chain.EncryptedKeyPath == "" {
			errs = append(errs, "chain: either operator_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Chain.EncryptedKeyPath != "" && c.Chain.KeyPassword == "" {
			errs = append(errs, "chain: key_password is required when encrypted_key_path is set")
		}
	}

	// Store
	switch c.Store.Driver {
	case "memory":
	case "postgres":
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
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	default:
		errs = append(errs, fmt.Sprintf("store: unknown driver %q (valid: postgres, memory)", c.Store.Driver))
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}
	if c.Mode == "archive" && !c.S3.Enabled {
		errs = append(errs, "s3: must be enabled for mode archive")
	}

	// Kafka
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, "kafka: brokers must not be empty")
		}
		if c.Kafka.TradeTopic == "" || c.Kafka.BookTopic == "" {
			errs = append(errs, "kafka: trade_topic and book_topic must be set")
		}
	}

	// Auth
	switch c.Auth.NonceGuard {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			errs = append(errs, "auth: nonce_guard redis requires redis.enabled")
		}
	default:
		errs = append(errs, fmt.Sprintf("auth: unknown nonce_guard %q (valid: memory, redis)", c.Auth.NonceGuard))
	}
	if c.Auth.NonceRetention.Duration <= 0 {
		errs = append(errs, "auth: nonce_retention must be > 0")
	}

	// Matching
	if c.Matching.CommandBuffer < 1 {
		errs = append(errs, "matching: command_buffer must be >= 1")
	}
	if c.Matching.SweepInterval.Duration <= 0 {
		errs = append(errs, "matching: sweep_interval must be > 0")
	}

	// Cache
	if c.Cache.MaxEntries < 1 {
		errs = append(errs, "cache: max_entries must be >= 1")
	}
	if c.Cache.MinTTL.Duration <= 0 || c.Cache.MaxTTL.Duration < c.Cache.MinTTL.Duration {
		errs = append(errs, "cache: need 0 < min_ttl <= max_ttl")
	}
	if c.Cache.HotRate <= 0 {
		errs = append(errs, "cache: hot_rate must be > 0")
	}

	// Settlement
	if c.Settlement.ReconcileInterval.Duration <= 0 {
		errs = append(errs, "settlement: reconcile_interval must be > 0")
	}
	if c.Settlement.ChallengeWindow.Duration <= 0 {
		errs = append(errs, "settlement: challenge_window must be > 0")
	}
	if c.Settlement.RetryAttempts < 1 {
		errs = append(errs, "settlement: retry_attempts must be >= 1")
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

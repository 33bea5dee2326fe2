package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polyclob/internal/authenticator"
	s3blob "github.com/alanyoungcy/polyclob/internal/blob/s3"
	"github.com/alanyoungcy/polyclob/internal/cache/redis"
	"github.com/alanyoungcy/polyclob/internal/chain"
	"github.com/alanyoungcy/polyclob/internal/config"
	"github.com/alanyoungcy/polyclob/internal/crypto"
	"github.com/alanyoungcy/polyclob/internal/domain"
	"github.com/alanyoungcy/polyclob/internal/marketdata"
	"github.com/alanyoungcy/polyclob/internal/notify"
	"github.com/alanyoungcy/polyclob/internal/server/handler"
	"github.com/alanyoungcy/polyclob/internal/store/memory"
	"github.com/alanyoungcy/polyclob/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function. Optional collaborators are nil when not configured.
type Dependencies struct {
	// Stores
	Markets   domain.MarketStore
	Orders    domain.OrderStore
	Trades    domain.TradeStore
	Positions domain.PositionStore
	Audit     domain.AuditStore

	// Redis tier (nil when redis.enabled is false)
	Bus         domain.MarketFeed
	Snapshots   domain.SnapshotCache
	Locks       domain.LockManager
	RateLimiter domain.RateLimiter

	Nonces domain.NonceGuard

	// Trade-log archive (nil when s3.enabled is false)
	Archives *s3blob.LogStore
	Archiver domain.Archiver

	// Chain collaborators (nil for modes that do not settle)
	Oracle domain.Oracle
	CTF    domain.ConditionalTokens

	Domain   crypto.Domain
	Notifier *notify.Notifier
	Checks   map[string]handler.Check
}

// SigningDomain builds the EIP-712 domain orders are signed under.
func SigningDomain(cfg config.ChainConfig) crypto.Domain {
	return crypto.Domain{
		Name:              cfg.DomainName,
		Version:           cfg.DomainVersion,
		ChainID:           big.NewInt(cfg.ChainID),
		VerifyingContract: common.HexToAddress(cfg.VerifyingContract),
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{
		Domain:   SigningDomain(cfg.Chain),
		Notifier: notify.FromConfig(cfg.Notify, logger),
		Checks:   make(map[string]handler.Check),
	}

	// --- Persistence ---
	switch strings.ToLower(cfg.Store.Driver) {
	case "memory":
		logger.WarnContext(ctx, "using in-memory store; state is lost on exit")
		db := memory.New()
		deps.Markets = db.Markets()
		deps.Orders = db.Orders()
		deps.Trades = db.Trades()
		deps.Positions = db.Positions()
		deps.Audit = db.Audit()
	default:
		pgClient, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.Markets = postgres.NewMarketStore(pool)
		deps.Orders = postgres.NewOrderStore(pool)
		deps.Trades = postgres.NewTradeStore(pool)
		deps.Positions = postgres.NewPositionStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = pool.Ping
	}

	// --- Redis ---
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		var err error
		redisClient, err = redis.New(ctx, cfg.Redis)
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Markets = redis.NewMarketCache(redisClient, deps.Markets, 0)
		deps.Bus = redis.NewMarketFeed(redisClient, marketdata.TradeStream, 10_000)
		deps.Snapshots = redis.NewSnapshotCache(redisClient)
		deps.Locks = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.Checks["redis"] = redisClient.Ping
	}

	switch cfg.Auth.NonceGuard {
	case "redis":
		if redisClient == nil {
			return fail(fmt.Errorf("wire: nonce guard redis requires redis.enabled"))
		}
		deps.Nonces = redis.NewNonceGuard(redisClient, cfg.Auth.NonceRetention.Duration)
	default:
		deps.Nonces = authenticator.NewMemoryGuard(cfg.Auth.NonceRetention.Duration)
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		logs, err := s3blob.Open(ctx, cfg.S3)
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archives = logs
		deps.Archiver = s3blob.NewArchiver(logs, deps.Trades)
		deps.Checks["s3"] = logs.Health
	}

	// --- Chain ---
	if cfg.NeedsChain() {
		client, err := chain.Dial(ctx, cfg.Chain.RPCURL)
		if err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		closers = append(closers, client.Close)

		key, err := crypto.LoadOperatorKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Chain.OperatorKey,
			EncryptedKeyPath: cfg.Chain.EncryptedKeyPath,
			KeyPassword:      cfg.Chain.KeyPassword,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: operator key: %w", err))
		}
		tx := chain.NewTransactor(client, key, cfg.Chain.ChainID,
			cfg.Chain.ReceiptPoll.Duration, cfg.Chain.ReceiptTimeout.Duration, logger)

		ctf, err := chain.NewConditionalTokens(tx, client, cfg.Chain.CTFAddress, cfg.Chain.CollateralAddress, logger)
		if err != nil {
			return fail(fmt.Errorf("wire: conditional tokens: %w", err))
		}
		oracle, err := chain.NewOracle(tx, client, cfg.Chain.OracleAddress, logger)
		if err != nil {
			return fail(fmt.Errorf("wire: oracle: %w", err))
		}
		deps.CTF, deps.Oracle = ctf, oracle
		deps.Checks["chain"] = func(ctx context.Context) error {
			_, err := client.BlockNumber(ctx)
			return err
		}
		logger.InfoContext(ctx, "chain collaborators ready",
			slog.String("operator", tx.From().Hex()),
			slog.Int64("chain_id", cfg.Chain.ChainID),
		)
	}

	return deps, cleanup, nil
}

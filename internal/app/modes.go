package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polyclob/internal/authenticator"
	"github.com/alanyoungcy/polyclob/internal/cache"
	"github.com/alanyoungcy/polyclob/internal/crypto"
	"github.com/alanyoungcy/polyclob/internal/marketdata"
	"github.com/alanyoungcy/polyclob/internal/matching"
	"github.com/alanyoungcy/polyclob/internal/server"
	"github.com/alanyoungcy/polyclob/internal/server/handler"
	"github.com/alanyoungcy/polyclob/internal/server/ws"
	"github.com/alanyoungcy/polyclob/internal/service"
	"github.com/alanyoungcy/polyclob/internal/settlement"
)

// components selects which subsystems a run mode starts.
type components struct {
	trading    bool // matching engine, order intake, expiry sweeper
	settlement bool // reconciler, admin API
}

// FullMode starts every subsystem: the matching engine, order API, market
// data distribution and the settlement reconciler.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	return a.serve(ctx, deps, components{trading: true, settlement: true})
}

// TradingMode runs the matching engine and order API without settlement.
func (a *App) TradingMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trading mode")
	return a.serve(ctx, deps, components{trading: true})
}

// SettlementMode runs the reconciler and the admin API only. Book reads are
// served from the shared snapshot tier when Redis is enabled.
func (a *App) SettlementMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting settlement mode")
	return a.serve(ctx, deps, components{settlement: true})
}

// ArchiveMode archives the trade log of every resolved market once and exits.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")
	if deps.Archiver == nil {
		return errors.New("archive mode: s3 archiver not configured")
	}
	opts := append(a.settlementOptions(deps, nil, nil), settlement.WithArchiver(deps.Archiver))
	bridge := settlement.New(a.settlementConfig(), a.settlementStores(deps), nil, nil, a.logger, opts...)

	archived, failed, err := bridge.ArchiveResolved(ctx)
	a.logger.InfoContext(ctx, "archive run finished",
		slog.Int("archived", archived),
		slog.Int("failed", failed),
	)
	if err != nil {
		return fmt.Errorf("archive mode: %w", err)
	}
	return nil
}

func (a *App) serve(ctx context.Context, deps *Dependencies, c components) error {
	g, ctx := errgroup.WithContext(ctx)

	// Market data distribution.
	publisher := marketdata.NewPublisher(a.cfg.Matching.EventBuffer, a.logger)
	activity := cache.NewActivityTracker()
	publisher.AddSink(activity)
	if deps.Bus != nil {
		publisher.AddSink(marketdata.NewBusSink(deps.Bus, deps.Snapshots, a.cfg.Cache.SharedTTL.Duration))
	}
	if a.cfg.Kafka.Enabled {
		kafkaSink := marketdata.NewKafkaSink(marketdata.KafkaConfig{
			Brokers:    a.cfg.Kafka.Brokers,
			TradeTopic: a.cfg.Kafka.TradeTopic,
			BookTopic:  a.cfg.Kafka.BookTopic,
		})
		a.closers = append(a.closers, func() { _ = kafkaSink.Close() })
		publisher.AddSink(kafkaSink)
	}

	var hub *ws.Hub
	if a.cfg.Server.Enabled {
		hub = ws.NewHub(deps.Bus, a.logger, ws.Config{Mode: a.cfg.Mode, StartedAt: time.Now().UTC()})
		// Without a bus the hub is fed in-process; with one it relays the
		// bus so every replica's clients see every replica's events.
		if deps.Bus == nil {
			publisher.AddSink(hub)
		}
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	g.Go(func() error {
		return publisher.Run(ctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				activity.Forget()
			}
		}
	})

	// Matching engine.
	var engine *matching.Engine
	var books cache.BookFunc
	if c.trading {
		engine = matching.New(matching.Config{
			CommandBuffer: a.cfg.Matching.CommandBuffer,
			SweepInterval: a.cfg.Matching.SweepInterval.Duration,
		}, deps.Orders, deps.Markets, deps.Positions, a.logger, matching.WithEvents(publisher))

		if err := a.warm(ctx, deps, engine); err != nil {
			engine.Close()
			return err
		}
		books = engine.Snapshot
		g.Go(func() error {
			return engine.Run(ctx)
		})

		if guard, ok := deps.Nonces.(*authenticator.MemoryGuard); ok {
			g.Go(func() error {
				return guard.Run(ctx, time.Minute)
			})
		}
	} else if deps.Snapshots != nil {
		books = deps.Snapshots.GetSnapshot
	}

	var reads service.BookReader
	if books != nil {
		rc, err := cache.New(cache.Config{
			MaxEntries: a.cfg.Cache.MaxEntries,
			Policy: cache.TTLPolicy{
				MinTTL:  a.cfg.Cache.MinTTL.Duration,
				MaxTTL:  a.cfg.Cache.MaxTTL.Duration,
				HotRate: a.cfg.Cache.HotRate,
			},
			VolumeWindow: a.cfg.Cache.VolumeWindow.Duration,
		}, books, deps.Trades, activity)
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		reads = rc
	}

	// Settlement reconciler.
	var bridge *settlement.Bridge
	if c.settlement {
		bridge = settlement.New(a.settlementConfig(), a.settlementStores(deps), deps.Oracle, deps.CTF, a.logger,
			a.settlementOptions(deps, engine, publisher)...)
		g.Go(func() error {
			return bridge.Run(ctx, a.cfg.Settlement.ReconcileInterval.Duration)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, hub, engine, reads, bridge)
	}

	return g.Wait()
}

// warm loads the resting orders of every unresolved market into the engine.
func (a *App) warm(ctx context.Context, deps *Dependencies, engine *matching.Engine) error {
	markets, err := deps.Markets.ListUnresolved(ctx)
	if err != nil {
		return fmt.Errorf("serve: list markets: %w", err)
	}
	ids := make([]string, len(markets))
	for i, m := range markets {
		ids[i] = m.ID
	}
	if err := engine.Warm(ctx, ids...); err != nil {
		return fmt.Errorf("serve: warm books: %w", err)
	}
	a.logger.InfoContext(ctx, "order books loaded", slog.Int("markets", len(ids)))
	return nil
}

func (a *App) settlementConfig() settlement.Config {
	s := a.cfg.Settlement
	return settlement.Config{
		ChallengeWindow: s.ChallengeWindow.Duration,
		StallGrace:      s.StallGrace.Duration,
		RetryAttempts:   s.RetryAttempts,
		RetryInitial:    s.RetryInitial.Duration,
		RetryMax:        s.RetryMax.Duration,
		AutoRequest:     s.AutoRequest,
		LockTTL:         s.LockTTL.Duration,
	}
}

func (a *App) settlementStores(deps *Dependencies) settlement.Stores {
	return settlement.Stores{
		Markets:   deps.Markets,
		Positions: deps.Positions,
		Audit:     deps.Audit,
	}
}

// settlementOptions collects the optional collaborators that are wired.
// engine and events may be nil.
func (a *App) settlementOptions(deps *Dependencies, engine *matching.Engine, events *marketdata.Publisher) []settlement.Option {
	opts := []settlement.Option{settlement.WithAlerts(deps.Notifier)}
	if engine != nil {
		opts = append(opts, settlement.WithBooks(engine))
	}
	if events != nil {
		opts = append(opts, settlement.WithEvents(events))
	}
	if deps.Locks != nil {
		opts = append(opts, settlement.WithLocks(deps.Locks))
	}
	if deps.Archiver != nil && a.cfg.Settlement.ArchiveTrades {
		opts = append(opts, settlement.WithArchiver(deps.Archiver))
	}
	return opts
}

// startHTTPServer adds the HTTP server goroutines to the given errgroup.
// Routes are mounted for the components that are running: engine may be nil
// (no order intake), reads may be nil (no book reads) and bridge may be nil
// (no admin API). The server is shut down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	hub *ws.Hub,
	engine *matching.Engine,
	reads service.BookReader,
	bridge *settlement.Bridge,
) {
	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(a.cfg.Mode, deps.Checks, a.logger),
		Markets:   handler.NewMarketHandler(service.NewMarketService(deps.Markets, deps.Trades, reads, a.logger), a.logger),
		Positions: handler.NewPositionHandler(service.NewPositionService(deps.Positions), a.logger),
	}

	if engine != nil {
		auth := authenticator.New(deps.Domain, deps.Nonces,
			authenticator.WithCancelMaxAge(a.cfg.Auth.CancelMaxAge.Duration))
		orders := service.NewOrderService(auth, engine, deps.Orders, deps.Trades, a.logger)
		if deps.RateLimiter != nil && a.cfg.Server.RateLimit > 0 {
			orders.WithMakerLimit(deps.RateLimiter, a.cfg.Server.RateLimit, time.Minute)
		}
		handlers.Orders = handler.NewOrderHandler(orders, a.logger)
	}

	if bridge != nil {
		admin := handler.NewAdminHandler(bridge, deps.Audit, a.logger)
		if deps.Archives != nil {
			admin.WithArchives(deps.Archives)
		}
		handlers.Admin = admin
	}

	var adminAuth *crypto.AdminAuth
	if a.cfg.Auth.AdminSecret != "" {
		adminAuth = &crypto.AdminAuth{Secret: []byte(a.cfg.Auth.AdminSecret), MaxSkew: 5 * time.Minute}
	} else if bridge != nil {
		a.logger.WarnContext(ctx, "auth.admin_secret is empty; admin API rejects every request")
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Auth.APIKey,
		Admin:       adminAuth,
		Limiter:     deps.RateLimiter,
		RateLimit:   a.cfg.Server.RateLimit,
	}, handlers, hub, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

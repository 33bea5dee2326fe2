package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// BookReader serves TTL-bounded book, quote and volume reads.
type BookReader interface {
	Book(ctx context.Context, key domain.BookKey) (domain.BookSnapshot, error)
	Quote(ctx context.Context, key domain.BookKey) (domain.Quote, error)
	Volume(ctx context.Context, marketID string) (domain.Volume, error)
}

// MarketService answers market, book and trade queries.
type MarketService struct {
	markets domain.MarketStore
	trades  domain.TradeStore
	reads   BookReader
	logger  *slog.Logger
}

// NewMarketService creates a MarketService. reads may be nil when the
// process runs without books, in which case book reads fail as not found.
func NewMarketService(
	markets domain.MarketStore,
	trades domain.TradeStore,
	reads BookReader,
	logger *slog.Logger,
) *MarketService {
	return &MarketService{
		markets: markets,
		trades:  trades,
		reads:   reads,
		logger:  logger,
	}
}

// Get returns a market's lifecycle record.
func (s *MarketService) Get(ctx context.Context, id string) (domain.Market, error) {
	m, err := s.markets.GetByID(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: get %s: %w", id, err)
	}
	return m, nil
}

// List returns markets newest first.
func (s *MarketService) List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	markets, err := s.markets.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: list: %w", err)
	}
	return markets, nil
}

// Book returns the cached snapshot of one outcome's book.
func (s *MarketService) Book(ctx context.Context, key domain.BookKey) (domain.BookSnapshot, error) {
	if err := s.checkBook(ctx, key); err != nil {
		return domain.BookSnapshot{}, err
	}
	return s.reads.Book(ctx, key)
}

// Quote returns best bid, best ask and implied probability of one outcome.
func (s *MarketService) Quote(ctx context.Context, key domain.BookKey) (domain.Quote, error) {
	if err := s.checkBook(ctx, key); err != nil {
		return domain.Quote{}, err
	}
	return s.reads.Quote(ctx, key)
}

// Volume returns the market's trading volume over the cache window.
func (s *MarketService) Volume(ctx context.Context, marketID string) (domain.Volume, error) {
	if _, err := s.Get(ctx, marketID); err != nil {
		return domain.Volume{}, err
	}
	if s.reads == nil {
		return domain.Volume{}, fmt.Errorf("market_service: volume: %w", domain.ErrNotFound)
	}
	return s.reads.Volume(ctx, marketID)
}

// Trades returns the market's trade log newest first.
func (s *MarketService) Trades(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Trade, error) {
	trades, err := s.trades.ListByMarket(ctx, marketID, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: trades %s: %w", marketID, err)
	}
	return trades, nil
}

func (s *MarketService) checkBook(ctx context.Context, key domain.BookKey) error {
	if key.Outcome != 0 && key.Outcome != 1 {
		return domain.Reject(domain.ErrMalformed, "outcome must be 0 or 1")
	}
	if s.reads == nil {
		return fmt.Errorf("market_service: books not served: %w", domain.ErrNotFound)
	}
	_, err := s.Get(ctx, key.MarketID)
	return err
}

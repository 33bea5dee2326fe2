package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polyclob/internal/authenticator"
	"github.com/alanyoungcy/polyclob/internal/domain"
)

// OrderAuthenticator verifies signed order and cancel payloads.
type OrderAuthenticator interface {
	Accept(ctx context.Context, raw authenticator.RawOrder) (*domain.Order, error)
	AcceptCancel(ctx context.Context, raw authenticator.RawCancel) (authenticator.CancelRequest, error)
}

// OrderEngine is the slice of the matching engine the API drives.
type OrderEngine interface {
	Place(ctx context.Context, o *domain.Order) (*domain.PlaceResult, error)
	Cancel(ctx context.Context, orderID, maker string) (*domain.CancelResult, error)
}

// OrderDetail is an order with every trade it took part in.
type OrderDetail struct {
	Order  domain.Order
	Trades []domain.Trade
}

// OrderService handles order intake from signed payload to engine result.
type OrderService struct {
	auth    OrderAuthenticator
	engine  OrderEngine
	orders  domain.OrderStore
	trades  domain.TradeStore
	limiter domain.RateLimiter
	limit   int
	window  time.Duration
	logger  *slog.Logger
}

// NewOrderService creates an OrderService with all required dependencies.
func NewOrderService(
	auth OrderAuthenticator,
	engine OrderEngine,
	orders domain.OrderStore,
	trades domain.TradeStore,
	logger *slog.Logger,
) *OrderService {
	return &OrderService{
		auth:   auth,
		engine: engine,
		orders: orders,
		trades: trades,
		logger: logger.With(slog.String("component", "order_service")),
	}
}

// WithMakerLimit caps submissions per maker to limit per window.
func (s *OrderService) WithMakerLimit(limiter domain.RateLimiter, limit int, window time.Duration) *OrderService {
	s.limiter, s.limit, s.window = limiter, limit, window
	return s
}

// Submit authenticates raw and hands the order to the engine.
func (s *OrderService) Submit(ctx context.Context, raw authenticator.RawOrder) (*domain.PlaceResult, error) {
	if err := s.allow(ctx, raw.Maker); err != nil {
		return nil, err
	}

	order, err := s.auth.Accept(ctx, raw)
	if err != nil {
		s.logger.InfoContext(ctx, "order rejected",
			slog.String("maker", raw.Maker),
			slog.String("kind", string(domain.KindOf(err))),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	res, err := s.engine.Place(ctx, order)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "order placed",
		slog.String("order_id", res.Order.ID),
		slog.String("market_id", res.Order.MarketID),
		slog.String("status", string(res.Order.Status)),
		slog.Int("trades", len(res.Trades)),
	)
	return res, nil
}

// Cancel authenticates a signed cancel for orderID and applies it.
func (s *OrderService) Cancel(ctx context.Context, orderID string, raw authenticator.RawCancel) (*domain.CancelResult, error) {
	if raw.OrderID == "" {
		raw.OrderID = orderID
	}
	if raw.OrderID != orderID {
		return nil, domain.Reject(domain.ErrMalformed, "cancel signed for %s, not %s", raw.OrderID, orderID)
	}
	req, err := s.auth.AcceptCancel(ctx, raw)
	if err != nil {
		return nil, err
	}
	res, err := s.engine.Cancel(ctx, req.OrderID, req.Maker)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "order cancelled",
		slog.String("order_id", orderID),
		slog.Int64("cancelled_units", res.CancelledUnits),
		slog.Bool("partial", res.Partial),
	)
	return res, nil
}

// Get returns an order and its fills.
func (s *OrderService) Get(ctx context.Context, orderID string) (OrderDetail, error) {
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return OrderDetail{}, fmt.Errorf("order_service: get %s: %w", orderID, err)
	}
	trades, err := s.trades.ListByOrder(ctx, orderID)
	if err != nil {
		return OrderDetail{}, fmt.Errorf("order_service: trades of %s: %w", orderID, err)
	}
	return OrderDetail{Order: o, Trades: trades}, nil
}

// ListOpen returns a maker's resting orders.
func (s *OrderService) ListOpen(ctx context.Context, maker string) ([]domain.Order, error) {
	orders, err := s.orders.ListOpenByMaker(ctx, maker)
	if err != nil {
		return nil, fmt.Errorf("order_service: list open %s: %w", maker, err)
	}
	return orders, nil
}

func (s *OrderService) allow(ctx context.Context, maker string) error {
	if s.limiter == nil || s.limit <= 0 {
		return nil
	}
	d, err := s.limiter.Allow(ctx, "orders:"+maker, s.limit, s.window)
	if err != nil {
		// Fail open.
		s.logger.WarnContext(ctx, "rate limiter unavailable", slog.String("error", err.Error()))
		return nil
	}
	if !d.Allowed {
		return fmt.Errorf("order_service: maker %s, retry in %s: %w", maker, d.RetryAfter.Round(time.Millisecond), domain.ErrRateLimited)
	}
	return nil
}

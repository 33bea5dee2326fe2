package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// MarketService defines the read methods the market handler needs.
type MarketService interface {
	Get(ctx context.Context, id string) (domain.Market, error)
	List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error)
	Book(ctx context.Context, key domain.BookKey) (domain.BookSnapshot, error)
	Quote(ctx context.Context, key domain.BookKey) (domain.Quote, error)
	Volume(ctx context.Context, marketID string) (domain.Volume, error)
	Trades(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Trade, error)
}

// MarketHandler serves market, book and trade endpoints.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		logger:  logHandler(logger, "markets"),
	}
}

// ListMarkets returns markets with pagination.
// GET /api/markets?limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := h.markets.List(r.Context(), parseListOpts(r))
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	out := make([]marketView, len(markets))
	for i, m := range markets {
		out[i] = newMarketView(m)
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": out})
}

// GetMarket returns one market's lifecycle status.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.markets.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newMarketView(m))
}

// GetBook returns the aggregated book of one outcome.
// GET /api/books/{market}/{outcome}
func (h *MarketHandler) GetBook(w http.ResponseWriter, r *http.Request) {
	key, err := bookKey(r)
	if err == nil {
		var snap domain.BookSnapshot
		if snap, err = h.markets.Book(r.Context(), key); err == nil {
			writeJSON(w, http.StatusOK, newBookView(snap))
			return
		}
	}
	writeErr(w, r, h.logger, err)
}

// GetQuote returns best bid, best ask and implied probability.
// GET /api/books/{market}/{outcome}/quote
func (h *MarketHandler) GetQuote(w http.ResponseWriter, r *http.Request) {
	key, err := bookKey(r)
	if err == nil {
		var q domain.Quote
		if q, err = h.markets.Quote(r.Context(), key); err == nil {
			writeJSON(w, http.StatusOK, q)
			return
		}
	}
	writeErr(w, r, h.logger, err)
}

// GetVolume returns the market's recent volume.
// GET /api/markets/{id}/volume
func (h *MarketHandler) GetVolume(w http.ResponseWriter, r *http.Request) {
	v, err := h.markets.Volume(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, volumeView{
		MarketID: v.MarketID,
		Since:    v.Since,
		Trades:   v.Trades,
		Quantity: fixed(v.SizeUnits),
		Notional: fixed(v.NotionalUnits),
	})
}

// ListTrades returns the market's trades newest first.
// GET /api/markets/{id}/trades?limit=50&offset=0
func (h *MarketHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.markets.Trades(r.Context(), r.PathValue("id"), parseListOpts(r))
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": tradeViews(trades)})
}

package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// PositionService defines the methods that the position handler requires.
type PositionService interface {
	ListByHolder(ctx context.Context, holder string) ([]domain.Position, error)
	Redemption(ctx context.Context, marketID, holder string) (domain.Redemption, error)
}

// PositionHandler serves position endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logHandler(logger, "positions"),
	}
}

// ListPositions returns a holder's outcome token balances.
// GET /api/holders/{holder}/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.positions.ListByHolder(r.Context(), r.PathValue("holder"))
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	out := make([]positionView, len(positions))
	for i, p := range positions {
		out[i] = positionView{
			MarketID:  p.MarketID,
			Outcome:   p.Outcome,
			Balance:   fixed(p.BalanceUnits),
			UpdatedAt: p.UpdatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}

// GetRedemption returns a holder's redemption of a market.
// GET /api/markets/{id}/redemptions/{holder}
func (h *PositionHandler) GetRedemption(w http.ResponseWriter, r *http.Request) {
	red, err := h.positions.Redemption(r.Context(), r.PathValue("id"), r.PathValue("holder"))
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newRedemptionView(red))
}

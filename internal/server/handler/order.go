package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/polyclob/internal/authenticator"
	"github.com/alanyoungcy/polyclob/internal/domain"
	"github.com/alanyoungcy/polyclob/internal/service"
)

// OrderService defines the methods that the order handler requires from the
// service layer.
type OrderService interface {
	Submit(ctx context.Context, raw authenticator.RawOrder) (*domain.PlaceResult, error)
	Cancel(ctx context.Context, orderID string, raw authenticator.RawCancel) (*domain.CancelResult, error)
	Get(ctx context.Context, orderID string) (service.OrderDetail, error)
	ListOpen(ctx context.Context, maker string) ([]domain.Order, error)
}

// OrderHandler serves order-related HTTP endpoints.
type OrderHandler struct {
	orders OrderService
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler with the given service and logger.
func NewOrderHandler(orders OrderService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		orders: orders,
		logger: logHandler(logger, "orders"),
	}
}

type placeResponse struct {
	Order   orderView   `json:"order"`
	Trades  []tradeView `json:"trades"`
	Expired []string    `json:"expired,omitempty"`
}

// PlaceOrder submits a signed order.
// POST /api/orders
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var raw authenticator.RawOrder
	if !decodeBody(w, r, &raw) {
		return
	}

	res, err := h.orders.Submit(r.Context(), raw)
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}

	resp := placeResponse{Order: newOrderView(res.Order), Trades: tradeViews(res.Trades)}
	for _, o := range res.Expired {
		resp.Expired = append(resp.Expired, o.ID)
	}
	writeJSON(w, http.StatusCreated, resp)
}

type cancelResponse struct {
	Order     orderView `json:"order"`
	Cancelled string    `json:"cancelled"`
	Filled    string    `json:"filled"`
	Partial   bool      `json:"partial"`
}

// CancelOrder cancels an order with a signed cancel body.
// DELETE /api/orders/{id}
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var raw authenticator.RawCancel
	if !decodeBody(w, r, &raw) {
		return
	}

	res, err := h.orders.Cancel(r.Context(), r.PathValue("id"), raw)
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{
		Order:     newOrderView(res.Order),
		Cancelled: fixed(res.CancelledUnits),
		Filled:    fixed(res.FilledUnits),
		Partial:   res.Partial,
	})
}

type orderResponse struct {
	Order  orderView   `json:"order"`
	Trades []tradeView `json:"trades"`
}

// GetOrder returns an order's status and fills.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	d, err := h.orders.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse{Order: newOrderView(&d.Order), Trades: tradeViews(d.Trades)})
}

// ListOpen returns a maker's resting orders.
// GET /api/makers/{maker}/orders
func (h *OrderHandler) ListOpen(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orders.ListOpen(r.Context(), r.PathValue("maker"))
	if err != nil {
		writeErr(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orderViews(orders)})
}

package handler

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// fixed renders a 1e6 fixed-point amount as an exact decimal string.
func fixed(units int64) string {
	return decimal.New(units, -6).String()
}

type orderView struct {
	ID         string             `json:"id"`
	MarketID   string             `json:"market_id"`
	Outcome    int                `json:"outcome"`
	Side       domain.OrderSide   `json:"side"`
	Maker      string             `json:"maker"`
	Price      string             `json:"price"`
	Quantity   string             `json:"quantity"`
	Filled     string             `json:"filled"`
	Remaining  string             `json:"remaining"`
	Status     domain.OrderStatus `json:"status"`
	Nonce      string             `json:"nonce"`
	Expiration time.Time          `json:"expiration"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

func newOrderView(o *domain.Order) orderView {
	v := orderView{
		ID:         o.ID,
		MarketID:   o.MarketID,
		Outcome:    o.Outcome,
		Side:       o.Side,
		Maker:      o.Maker,
		Price:      fixed(o.PriceTicks),
		Quantity:   fixed(o.SizeUnits),
		Filled:     fixed(o.FilledUnits),
		Remaining:  fixed(o.Remaining()),
		Status:     o.Status,
		Expiration: o.Expiration,
		CreatedAt:  o.CreatedAt,
		UpdatedAt:  o.UpdatedAt,
	}
	if o.Nonce != nil {
		v.Nonce = o.Nonce.String()
	}
	return v
}

func orderViews(orders []domain.Order) []orderView {
	out := make([]orderView, len(orders))
	for i := range orders {
		out[i] = newOrderView(&orders[i])
	}
	return out
}

type tradeView struct {
	ID           string           `json:"id"`
	MarketID     string           `json:"market_id"`
	Outcome      int              `json:"outcome"`
	MakerOrderID string           `json:"maker_order_id"`
	TakerOrderID string           `json:"taker_order_id"`
	Maker        string           `json:"maker"`
	Taker        string           `json:"taker"`
	TakerSide    domain.OrderSide `json:"taker_side"`
	Price        string           `json:"price"`
	Quantity     string           `json:"quantity"`
	Timestamp    time.Time        `json:"timestamp"`
}

func tradeViews(trades []domain.Trade) []tradeView {
	out := make([]tradeView, len(trades))
	for i, t := range trades {
		out[i] = tradeView{
			ID:           t.ID,
			MarketID:     t.MarketID,
			Outcome:      t.Outcome,
			MakerOrderID: t.MakerOrderID,
			TakerOrderID: t.TakerOrderID,
			Maker:        t.Maker,
			Taker:        t.Taker,
			TakerSide:    t.TakerSide,
			Price:        fixed(t.PriceTicks),
			Quantity:     fixed(t.SizeUnits),
			Timestamp:    t.Timestamp,
		}
	}
	return out
}

type levelView struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
	Depth    string `json:"depth"`
	Orders   int    `json:"orders"`
}

type bookView struct {
	MarketID  string      `json:"market_id"`
	Outcome   int         `json:"outcome"`
	Bids      []levelView `json:"bids"`
	Asks      []levelView `json:"asks"`
	Seq       uint64      `json:"seq"`
	Timestamp time.Time   `json:"timestamp"`
}

func levels(in []domain.BookLevel) []levelView {
	out := make([]levelView, len(in))
	for i, lv := range in {
		out[i] = levelView{
			Price:    fixed(lv.PriceTicks),
			Quantity: fixed(lv.SizeUnits),
			Depth:    fixed(lv.DepthUnits),
			Orders:   lv.Orders,
		}
	}
	return out
}

func newBookView(s domain.BookSnapshot) bookView {
	return bookView{
		MarketID:  s.MarketID,
		Outcome:   s.Outcome,
		Bids:      levels(s.Bids),
		Asks:      levels(s.Asks),
		Seq:       s.Seq,
		Timestamp: s.Timestamp,
	}
}

type volumeView struct {
	MarketID string    `json:"market_id"`
	Since    time.Time `json:"since"`
	Trades   int64     `json:"trades"`
	Quantity string    `json:"quantity"`
	Notional string    `json:"notional"`
}

type marketView struct {
	ID            string             `json:"id"`
	Question      string             `json:"question"`
	QuestionID    string             `json:"question_id"`
	ConditionID   string             `json:"condition_id"`
	TokenIDs      [2]string          `json:"token_ids"`
	State         domain.MarketState `json:"state"`
	EndTime       time.Time          `json:"end_time"`
	EndedAt       *time.Time         `json:"ended_at,omitempty"`
	RequestedAt   *time.Time         `json:"requested_at,omitempty"`
	ProposedAt    *time.Time         `json:"proposed_at,omitempty"`
	Proposed      *domain.Payout     `json:"proposed,omitempty"`
	Disputed      bool               `json:"disputed"`
	DisputedAt    *time.Time         `json:"disputed_at,omitempty"`
	DisputeCount  int                `json:"dispute_count"`
	ResolvedAt    *time.Time         `json:"resolved_at,omitempty"`
	Payout        *domain.Payout     `json:"payout,omitempty"`
	Stalled       bool               `json:"stalled"`
	StalledAt     *time.Time         `json:"stalled_at,omitempty"`
	StalledReason string             `json:"stalled_reason,omitempty"`
	LastError     string             `json:"last_error,omitempty"`
	ArchivedAt    *time.Time         `json:"archived_at,omitempty"`
	Version       int64              `json:"version"`
}

func newMarketView(m domain.Market) marketView {
	return marketView{
		ID:            m.ID,
		Question:      m.Question,
		QuestionID:    m.QuestionID,
		ConditionID:   m.ConditionID,
		TokenIDs:      m.TokenIDs,
		State:         m.State,
		EndTime:       m.EndTime,
		EndedAt:       m.EndedAt,
		RequestedAt:   m.RequestedAt,
		ProposedAt:    m.ProposedAt,
		Proposed:      m.Proposed,
		Disputed:      m.Disputed,
		DisputedAt:    m.DisputedAt,
		DisputeCount:  m.DisputeCount,
		ResolvedAt:    m.ResolvedAt,
		Payout:        m.Payout,
		Stalled:       m.Stalled,
		StalledAt:     m.StalledAt,
		StalledReason: m.StalledReason,
		LastError:     m.LastError,
		ArchivedAt:    m.ArchivedAt,
		Version:       m.Version,
	}
}

type positionView struct {
	MarketID  string    `json:"market_id"`
	Outcome   int       `json:"outcome"`
	Balance   string    `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

type redemptionView struct {
	MarketID    string                  `json:"market_id"`
	Holder      string                  `json:"holder"`
	Status      domain.RedemptionStatus `json:"status"`
	Burned      [2]string               `json:"burned"`
	Payout      string                  `json:"payout"`
	TxHash      string                  `json:"tx_hash"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
}

func newRedemptionView(r domain.Redemption) redemptionView {
	return redemptionView{
		MarketID:    r.MarketID,
		Holder:      r.Holder,
		Status:      r.Status,
		Burned:      [2]string{fixed(r.Burned[0]), fixed(r.Burned[1])},
		Payout:      fixed(r.PayoutUnits),
		TxHash:      r.TxHash,
		CompletedAt: r.CompletedAt,
	}
}

package domain

import (
	"fmt"
	"math/big"
	"time"
)

// Fixed-point scale for prices and quantities.
const (
	TickScale = 1_000_000
	// MaxPriceTicks is the largest valid price (exclusive upper bound is TickScale).
	MaxPriceTicks = TickScale - 1
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the other side of the book.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Uint8 is the side encoding used in the signed payload (0 buy, 1 sell).
func (s OrderSide) Uint8() uint8 {
	if s == OrderSideSell {
		return 1
	}
	return 0
}

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusExpired   OrderStatus = "expired"
)

// Terminal reports whether the status can no longer change.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusExpired
}

// BookKey identifies one order book: a market and one of its two outcomes.
type BookKey struct {
	MarketID string
	Outcome  int
}

func (k BookKey) String() string {
	return fmt.Sprintf("%s:%d", k.MarketID, k.Outcome)
}

// Order represents an authenticated limit order.
type Order struct {
	ID          string // EIP-712 order hash
	MarketID    string
	Outcome     int
	Side        OrderSide
	Maker       string // checksummed hex address
	PriceTicks  int64  // fixed-point: price * 1e6
	SizeUnits   int64  // fixed-point: quantity * 1e6
	FilledUnits int64
	Salt        *big.Int
	Nonce       *big.Int
	Expiration  time.Time
	Signature   string
	Status      OrderStatus
	Seq         uint64 // arrival order within its book
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Key returns the book this order belongs to.
func (o *Order) Key() BookKey {
	return BookKey{MarketID: o.MarketID, Outcome: o.Outcome}
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() int64 {
	return o.SizeUnits - o.FilledUnits
}

// Expired reports whether the order can no longer be matched at now.
func (o *Order) Expired(now time.Time) bool {
	return !o.Expiration.After(now)
}

// Price returns the float64 display price from fixed-point ticks.
func (o *Order) Price() float64 {
	return float64(o.PriceTicks) / TickScale
}

// Size returns the float64 display size from fixed-point units.
func (o *Order) Size() float64 {
	return float64(o.SizeUnits) / TickScale
}

// Crosses reports whether o would trade against a resting order at price.
func (o *Order) Crosses(price int64) bool {
	if o.Side == OrderSideBuy {
		return o.PriceTicks >= price
	}
	return o.PriceTicks <= price
}

// Clone returns a deep copy safe to hand out of the engine.
func (o *Order) Clone() *Order {
	c := *o
	if o.Salt != nil {
		c.Salt = new(big.Int).Set(o.Salt)
	}
	if o.Nonce != nil {
		c.Nonce = new(big.Int).Set(o.Nonce)
	}
	return &c
}

// PlaceResult is the outcome of submitting an order to the engine.
type PlaceResult struct {
	Order   *Order
	Trades  []Trade
	Expired []*Order // resting orders removed because they expired when touched
}

// CancelResult reports what a cancel actually removed. When the order was
// partially filled before the cancel reached the book, Partial is set and
// FilledUnits reports the quantity that stands.
type CancelResult struct {
	Order          *Order
	CancelledUnits int64
	FilledUnits    int64
	Partial        bool
}

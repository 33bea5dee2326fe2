// Package authenticator turns signed order payloads from the API boundary
// into validated domain orders. It verifies the EIP-712 signature against the
// claimed maker, enforces expiry and consumes the (maker, nonce) pair. It
// never touches an order book.
package authenticator

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyclob/internal/crypto"
	"github.com/alanyoungcy/polyclob/internal/domain"
)

// RawOrder is an order as submitted by a client. Price and quantity are
// decimal strings; they are signed as 1e6 fixed-point integers.
type RawOrder struct {
	Salt       string `json:"salt"`
	Maker      string `json:"maker"`
	MarketID   string `json:"marketId"`
	Outcome    int    `json:"outcome"`
	Side       string `json:"side"`
	Price      string `json:"price"`
	Quantity   string `json:"quantity"`
	Nonce      string `json:"nonce"`
	Expiration int64  `json:"expiration"`
	Signature  string `json:"signature"`
}

// RawCancel is a signed cancel request.
type RawCancel struct {
	OrderID   string `json:"orderId"`
	Maker     string `json:"maker"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// CancelRequest is an authenticated cancel.
type CancelRequest struct {
	OrderID string
	Maker   string
}

// Authenticator validates signed orders and cancels.
type Authenticator struct {
	domain       crypto.Domain
	guard        domain.NonceGuard
	cancelMaxAge time.Duration
	now          func() time.Time
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

// WithCancelMaxAge bounds how old a signed cancel timestamp may be.
func WithCancelMaxAge(d time.Duration) Option {
	return func(a *Authenticator) { a.cancelMaxAge = d }
}

// New creates an Authenticator for the given signing domain.
func New(d crypto.Domain, guard domain.NonceGuard, opts ...Option) *Authenticator {
	a := &Authenticator{
		domain:       d,
		guard:        guard,
		cancelMaxAge: 5 * time.Minute,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Accept validates raw and returns the order ready for the matching engine.
// Rejections are *domain.Error values with reason ErrMalformed, ErrExpired,
// ErrInvalidSignature or ErrReplayed. The nonce is consumed only once every
// other check has passed.
func (a *Authenticator) Accept(ctx context.Context, raw RawOrder) (*domain.Order, error) {
	msg, side, err := parseOrder(raw)
	if err != nil {
		return nil, err
	}

	now := a.now()
	expiration := time.Unix(raw.Expiration, 0)
	if !expiration.After(now) {
		return nil, domain.Reject(domain.ErrExpired, "expiration %d is not after %d", raw.Expiration, now.Unix())
	}

	digest := crypto.OrderDigest(a.domain, msg)
	signer, err := crypto.RecoverSigner(digest, raw.Signature)
	if err != nil {
		return nil, domain.Reject(domain.ErrInvalidSignature, "%v", err)
	}
	if signer != msg.Maker {
		return nil, domain.Reject(domain.ErrInvalidSignature, "signed by %s, maker is %s", signer.Hex(), msg.Maker.Hex())
	}

	maker := msg.Maker.Hex()
	fresh, err := a.guard.Consume(ctx, maker, msg.Nonce.String())
	if err != nil {
		return nil, fmt.Errorf("authenticator: nonce guard: %w", err)
	}
	if !fresh {
		return nil, domain.Reject(domain.ErrReplayed, "nonce %s already used by %s", msg.Nonce, maker)
	}

	return &domain.Order{
		ID:         "0x" + hex.EncodeToString(digest),
		MarketID:   msg.MarketID,
		Outcome:    int(msg.Outcome),
		Side:       side,
		Maker:      maker,
		PriceTicks: msg.Price.Int64(),
		SizeUnits:  msg.Quantity.Int64(),
		Salt:       msg.Salt,
		Nonce:      msg.Nonce,
		Expiration: expiration,
		Signature:  raw.Signature,
		Status:     domain.OrderStatusOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// AcceptCancel authenticates a cancel request. The order itself is looked up
// and checked by the engine.
func (a *Authenticator) AcceptCancel(_ context.Context, raw RawCancel) (CancelRequest, error) {
	if raw.OrderID == "" {
		return CancelRequest{}, domain.Reject(domain.ErrMalformed, "orderId is required")
	}
	if !common.IsHexAddress(raw.Maker) {
		return CancelRequest{}, domain.Reject(domain.ErrMalformed, "maker %q is not an address", raw.Maker)
	}
	now := a.now()
	issued := time.Unix(raw.Timestamp, 0)
	if now.Sub(issued) > a.cancelMaxAge || issued.Sub(now) > a.cancelMaxAge {
		return CancelRequest{}, domain.Reject(domain.ErrExpired, "cancel timestamp %d outside %s of now", raw.Timestamp, a.cancelMaxAge)
	}

	maker := common.HexToAddress(raw.Maker)
	digest := crypto.CancelDigest(a.domain, crypto.CancelMessage{
		OrderID:   raw.OrderID,
		Maker:     maker,
		Timestamp: big.NewInt(raw.Timestamp),
	})
	signer, err := crypto.RecoverSigner(digest, raw.Signature)
	if err != nil {
		return CancelRequest{}, domain.Reject(domain.ErrInvalidSignature, "%v", err)
	}
	if signer != maker {
		return CancelRequest{}, domain.Reject(domain.ErrInvalidSignature, "cancel signed by %s, maker is %s", signer.Hex(), maker.Hex())
	}
	return CancelRequest{OrderID: raw.OrderID, Maker: maker.Hex()}, nil
}

// parseOrder validates every field of raw and builds the signed message.
func parseOrder(raw RawOrder) (crypto.OrderMessage, domain.OrderSide, error) {
	var msg crypto.OrderMessage

	if strings.TrimSpace(raw.MarketID) == "" {
		return msg, "", domain.Reject(domain.ErrMalformed, "marketId is required")
	}
	if raw.Outcome != 0 && raw.Outcome != 1 {
		return msg, "", domain.Reject(domain.ErrMalformed, "outcome must be 0 or 1, got %d", raw.Outcome)
	}
	var side domain.OrderSide
	switch strings.ToLower(raw.Side) {
	case "buy":
		side = domain.OrderSideBuy
	case "sell":
		side = domain.OrderSideSell
	default:
		return msg, "", domain.Reject(domain.ErrMalformed, "side must be buy or sell, got %q", raw.Side)
	}
	if !common.IsHexAddress(raw.Maker) {
		return msg, "", domain.Reject(domain.ErrMalformed, "maker %q is not an address", raw.Maker)
	}

	price, err := fixedPoint("price", raw.Price)
	if err != nil {
		return msg, "", err
	}
	if price < 1 || price > domain.MaxPriceTicks {
		return msg, "", domain.Reject(domain.ErrMalformed, "price %s outside (0,1)", raw.Price)
	}
	qty, err := fixedPoint("quantity", raw.Quantity)
	if err != nil {
		return msg, "", err
	}
	if qty <= 0 {
		return msg, "", domain.Reject(domain.ErrMalformed, "quantity %s must be positive", raw.Quantity)
	}

	salt, err := uint256("salt", raw.Salt)
	if err != nil {
		return msg, "", err
	}
	nonce, err := uint256("nonce", raw.Nonce)
	if err != nil {
		return msg, "", err
	}
	if raw.Expiration <= 0 {
		return msg, "", domain.Reject(domain.ErrMalformed, "expiration must be a positive unix time")
	}

	msg = crypto.OrderMessage{
		Salt:       salt,
		Maker:      common.HexToAddress(raw.Maker),
		MarketID:   raw.MarketID,
		Outcome:    uint8(raw.Outcome),
		Side:       side.Uint8(),
		Price:      big.NewInt(price),
		Quantity:   big.NewInt(qty),
		Nonce:      nonce,
		Expiration: big.NewInt(raw.Expiration),
	}
	return msg, side, nil
}

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// fixedPoint converts a decimal string to 1e6 fixed point. Values that are
// not exactly representable, or that overflow int64, are malformed.
func fixedPoint(field, s string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, domain.Reject(domain.ErrMalformed, "%s %q is not a decimal", field, s)
	}
	scaled := d.Shift(6)
	if !scaled.IsInteger() {
		return 0, domain.Reject(domain.ErrMalformed, "%s %q has more than 6 decimal places", field, s)
	}
	n := scaled.BigInt()
	if !n.IsInt64() {
		return 0, domain.Reject(domain.ErrMalformed, "%s %q out of range", field, s)
	}
	return n.Int64(), nil
}

func uint256(field, s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || n.Sign() < 0 || n.Cmp(maxUint256) > 0 {
		return nil, domain.Reject(domain.ErrMalformed, "%s %q is not a uint256", field, s)
	}
	return n, nil
}

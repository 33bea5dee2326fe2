package authenticator

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyclob/internal/crypto"
	"github.com/alanyoungcy/polyclob/internal/domain"
)

var testNow = time.Unix(1_750_000_000, 0)

func testDomain() crypto.Domain {
	return crypto.Domain{
		Name:              "Polyclob Exchange",
		Version:           "1",
		ChainID:           big.NewInt(137),
		VerifyingContract: common.HexToAddress("0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"),
	}
}

type fixture struct {
	auth   *Authenticator
	signer *crypto.Signer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return &fixture{
		auth:   New(testDomain(), NewMemoryGuard(time.Hour), WithClock(func() time.Time { return testNow })),
		signer: crypto.NewSignerFromKey(key, testDomain()),
	}
}

func (f *fixture) raw(nonce string) RawOrder {
	return RawOrder{
		Salt:       "42",
		Maker:      f.signer.Address().Hex(),
		MarketID:   "mkt-1",
		Outcome:    1,
		Side:       "buy",
		Price:      "0.40",
		Quantity:   "100",
		Nonce:      nonce,
		Expiration: testNow.Add(time.Hour).Unix(),
	}
}

func (f *fixture) sign(t *testing.T, raw RawOrder) RawOrder {
	t.Helper()
	signed, err := SignOrder(f.signer, raw)
	require.NoError(t, err)
	return signed
}

func requireReason(t *testing.T, err error, reason error, kind domain.ErrorKind) {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, reason)
	assert.Equal(t, kind, domain.KindOf(err))
}

func TestAcceptBuildsOrder(t *testing.T) {
	f := newFixture(t)
	raw := f.sign(t, f.raw("1"))

	o, err := f.auth.Accept(context.Background(), raw)
	require.NoError(t, err)

	assert.Equal(t, "mkt-1", o.MarketID)
	assert.Equal(t, 1, o.Outcome)
	assert.Equal(t, domain.OrderSideBuy, o.Side)
	assert.Equal(t, f.signer.Address().Hex(), o.Maker)
	assert.Equal(t, int64(400_000), o.PriceTicks)
	assert.Equal(t, int64(100_000_000), o.SizeUnits)
	assert.Equal(t, domain.OrderStatusOpen, o.Status)
	assert.Equal(t, testNow.Add(time.Hour).Unix(), o.Expiration.Unix())
	assert.Len(t, o.ID, 66)
}

func TestAcceptRejectsReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.auth.Accept(ctx, f.sign(t, f.raw("5")))
	require.NoError(t, err)

	again := f.raw("5")
	again.Salt = "43"
	_, err = f.auth.Accept(ctx, f.sign(t, again))
	requireReason(t, err, domain.ErrReplayed, domain.KindAuthentication)
}

func TestExpiredOrderDoesNotBurnNonce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale := f.raw("9")
	stale.Expiration = testNow.Unix()
	_, err := f.auth.Accept(ctx, f.sign(t, stale))
	requireReason(t, err, domain.ErrExpired, domain.KindAuthentication)

	_, err = f.auth.Accept(ctx, f.sign(t, f.raw("9")))
	require.NoError(t, err)
}

func TestSignatureMustMatchMaker(t *testing.T) {
	f := newFixture(t)
	other := newFixture(t)

	// Sign a payload claiming another maker with f's key; SignOrder refuses
	// to, so sign the parsed message directly.
	raw := f.raw("1")
	raw.Maker = other.signer.Address().Hex()
	msg, _, err := parseOrder(raw)
	require.NoError(t, err)
	raw.Signature, err = f.signer.SignOrder(msg)
	require.NoError(t, err)

	_, err = f.auth.Accept(context.Background(), raw)
	requireReason(t, err, domain.ErrInvalidSignature, domain.KindAuthentication)

	// A valid signature moved onto another maker's payload fails the same way.
	swapped := f.sign(t, f.raw("2"))
	swapped.Maker = other.signer.Address().Hex()
	_, err = f.auth.Accept(context.Background(), swapped)
	requireReason(t, err, domain.ErrInvalidSignature, domain.KindAuthentication)
}

func TestTamperedFieldFailsVerification(t *testing.T) {
	f := newFixture(t)
	raw := f.sign(t, f.raw("1"))
	raw.Price = "0.41"

	_, err := f.auth.Accept(context.Background(), raw)
	requireReason(t, err, domain.ErrInvalidSignature, domain.KindAuthentication)
}

func TestAcceptRejectsMalformed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RawOrder)
	}{
		{"zero price", func(r *RawOrder) { r.Price = "0" }},
		{"price one", func(r *RawOrder) { r.Price = "1" }},
		{"price above one", func(r *RawOrder) { r.Price = "1.5" }},
		{"negative price", func(r *RawOrder) { r.Price = "-0.1" }},
		{"sub-tick price", func(r *RawOrder) { r.Price = "0.1234567" }},
		{"zero quantity", func(r *RawOrder) { r.Quantity = "0" }},
		{"negative quantity", func(r *RawOrder) { r.Quantity = "-3" }},
		{"garbage quantity", func(r *RawOrder) { r.Quantity = "ten" }},
		{"bad side", func(r *RawOrder) { r.Side = "hold" }},
		{"bad outcome", func(r *RawOrder) { r.Outcome = 2 }},
		{"bad maker", func(r *RawOrder) { r.Maker = "nope" }},
		{"negative nonce", func(r *RawOrder) { r.Nonce = "-1" }},
		{"bad salt", func(r *RawOrder) { r.Salt = "abc" }},
		{"missing market", func(r *RawOrder) { r.MarketID = " " }},
		{"no expiration", func(r *RawOrder) { r.Expiration = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			raw := f.raw("1")
			tt.mutate(&raw)
			raw.Signature = "0x00"
			_, err := f.auth.Accept(context.Background(), raw)
			requireReason(t, err, domain.ErrMalformed, domain.KindValidation)
		})
	}
}

func TestConcurrentReplayAdmitsOnce(t *testing.T) {
	f := newFixture(t)
	raw := f.sign(t, f.raw("77"))

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.auth.Accept(context.Background(), raw); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
}

func TestAcceptCancel(t *testing.T) {
	f := newFixture(t)
	ts := testNow.Add(-time.Minute).Unix()
	sig, err := f.signer.SignCancel(crypto.CancelMessage{
		OrderID:   "0xfeed",
		Maker:     f.signer.Address(),
		Timestamp: big.NewInt(ts),
	})
	require.NoError(t, err)

	req, err := f.auth.AcceptCancel(context.Background(), RawCancel{
		OrderID: "0xfeed", Maker: f.signer.Address().Hex(), Timestamp: ts, Signature: sig,
	})
	require.NoError(t, err)
	assert.Equal(t, "0xfeed", req.OrderID)
	assert.Equal(t, f.signer.Address().Hex(), req.Maker)

	_, err = f.auth.AcceptCancel(context.Background(), RawCancel{
		OrderID: "0xbeef", Maker: f.signer.Address().Hex(), Timestamp: ts, Signature: sig,
	})
	requireReason(t, err, domain.ErrInvalidSignature, domain.KindAuthentication)

	_, err = f.auth.AcceptCancel(context.Background(), RawCancel{
		OrderID: "0xfeed", Maker: f.signer.Address().Hex(), Timestamp: testNow.Add(-time.Hour).Unix(), Signature: sig,
	})
	requireReason(t, err, domain.ErrExpired, domain.KindAuthentication)
}

func TestSignOrderFillsMaker(t *testing.T) {
	f := newFixture(t)
	raw := f.raw("9")
	raw.Maker = ""
	signed, err := SignOrder(f.signer, raw)
	require.NoError(t, err)
	assert.Equal(t, f.signer.Address().Hex(), signed.Maker)

	_, err = f.auth.Accept(context.Background(), signed)
	require.NoError(t, err)

	raw.Maker = "0x00000000000000000000000000000000000000aa"
	_, err = SignOrder(f.signer, raw)
	requireReason(t, err, domain.ErrUnauthorized, domain.KindAuthentication)
}

func TestSignCancelVerifies(t *testing.T) {
	f := newFixture(t)
	raw, err := SignCancel(f.signer, "0xfeed", testNow.Unix())
	require.NoError(t, err)
	req, err := f.auth.AcceptCancel(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, f.signer.Address().Hex(), req.Maker)
}

func TestMemoryGuardForgetsAfterRetention(t *testing.T) {
	g := NewMemoryGuard(time.Minute)
	now := testNow
	g.now = func() time.Time { return now }

	ok, err := g.Consume(context.Background(), "0xa", "1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = g.Consume(context.Background(), "0xa", "1")
	assert.False(t, ok)
	ok, _ = g.Consume(context.Background(), "0xb", "1")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	g.Cleanup()
	ok, _ = g.Consume(context.Background(), "0xa", "1")
	assert.True(t, ok)
}

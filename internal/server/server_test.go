package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyclob/internal/authenticator"
	"github.com/alanyoungcy/polyclob/internal/cache"
	"github.com/alanyoungcy/polyclob/internal/crypto"
	"github.com/alanyoungcy/polyclob/internal/domain"
	"github.com/alanyoungcy/polyclob/internal/matching"
	"github.com/alanyoungcy/polyclob/internal/server/handler"
	"github.com/alanyoungcy/polyclob/internal/service"
	"github.com/alanyoungcy/polyclob/internal/settlement"
	"github.com/alanyoungcy/polyclob/internal/store/memory"
)

const (
	questionID  = "0x1111111111111111111111111111111111111111111111111111111111111111"
	conditionID = "0x2222222222222222222222222222222222222222222222222222222222222222"
)

var adminSecret = []byte("operator-secret")

func testDomain() crypto.Domain {
	return crypto.Domain{
		Name:              "Polyclob Exchange",
		Version:           "1",
		ChainID:           big.NewInt(137),
		VerifyingContract: common.HexToAddress("0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"),
	}
}

type stubOracle struct{}

func (stubOracle) RequestResolution(context.Context, string) (string, error) { return "req-1", nil }

func (stubOracle) Status(context.Context, string) (domain.OracleReport, error) {
	return domain.OracleReport{Status: domain.OracleUnresolved}, nil
}

type stubCTF struct{}

func (stubCTF) SplitPosition(context.Context, string, string, *big.Int) (string, error) {
	return "0xsplit", nil
}

func (stubCTF) RedeemPositions(context.Context, string, []*big.Int, string) (string, error) {
	return "0xredeem", nil
}

func (stubCTF) PayoutVector(context.Context, string) (*domain.Payout, error) { return nil, nil }

type testAPI struct {
	srv *httptest.Server
	db  *memory.DB
}

func newTestAPI(t *testing.T, cfg Config) *testAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db := memory.New()
	require.NoError(t, db.Markets().Create(context.Background(), domain.Market{
		ID:          "mkt",
		Question:    "Will it rain?",
		QuestionID:  questionID,
		ConditionID: conditionID,
		State:       domain.MarketStateActive,
		EndTime:     time.Now().Add(time.Hour),
	}))

	eng := matching.New(matching.Config{}, db.Orders(), db.Markets(), db.Positions(), logger)
	t.Cleanup(eng.Close)

	reads, err := cache.New(cache.Config{}, eng.Snapshot, db.Trades(), nil)
	require.NoError(t, err)

	auth := authenticator.New(testDomain(), authenticator.NewMemoryGuard(time.Hour))
	bridge := settlement.New(settlement.Config{}, settlement.Stores{
		Markets:   db.Markets(),
		Positions: db.Positions(),
		Audit:     db.Audit(),
	}, stubOracle{}, stubCTF{}, logger, settlement.WithBooks(eng))

	if cfg.Admin == nil {
		cfg.Admin = &crypto.AdminAuth{Secret: adminSecret, MaxSkew: time.Minute}
	}
	handlers := Handlers{
		Health:    handler.NewHealthHandler("trading", nil, logger),
		Markets:   handler.NewMarketHandler(service.NewMarketService(db.Markets(), db.Trades(), reads, logger), logger),
		Orders:    handler.NewOrderHandler(service.NewOrderService(auth, eng, db.Orders(), db.Trades(), logger), logger),
		Positions: handler.NewPositionHandler(service.NewPositionService(db.Positions()), logger),
		Admin:     handler.NewAdminHandler(bridge, db.Audit(), logger),
	}
	ts := httptest.NewServer(NewServer(cfg, handlers, nil, logger).Handler())
	t.Cleanup(ts.Close)
	return &testAPI{srv: ts, db: db}
}

type trader struct {
	signer *crypto.Signer
	nonce  int64
}

func newTrader(t *testing.T) *trader {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return &trader{signer: crypto.NewSignerFromKey(key, testDomain())}
}

// order builds and signs an order for market "mkt". price and qty are in
// 1e6 fixed point.
func (tr *trader) order(t *testing.T, side domain.OrderSide, price, qty int64) authenticator.RawOrder {
	t.Helper()
	tr.nonce++
	exp := time.Now().Add(time.Hour).Unix()
	msg := crypto.OrderMessage{
		Salt:       big.NewInt(7),
		Maker:      tr.signer.Address(),
		MarketID:   "mkt",
		Outcome:    1,
		Side:       side.Uint8(),
		Price:      big.NewInt(price),
		Quantity:   big.NewInt(qty),
		Nonce:      big.NewInt(tr.nonce),
		Expiration: big.NewInt(exp),
	}
	sig, err := tr.signer.SignOrder(msg)
	require.NoError(t, err)
	return authenticator.RawOrder{
		Salt:       "7",
		Maker:      tr.signer.Address().Hex(),
		MarketID:   "mkt",
		Outcome:    1,
		Side:       string(side),
		Price:      fixedString(price),
		Quantity:   fixedString(qty),
		Nonce:      msg.Nonce.String(),
		Expiration: exp,
		Signature:  sig,
	}
}

func (tr *trader) cancel(t *testing.T, orderID string) authenticator.RawCancel {
	t.Helper()
	ts := time.Now().Unix()
	sig, err := tr.signer.SignCancel(crypto.CancelMessage{
		OrderID:   orderID,
		Maker:     tr.signer.Address(),
		Timestamp: big.NewInt(ts),
	})
	require.NoError(t, err)
	return authenticator.RawCancel{
		OrderID:   orderID,
		Maker:     tr.signer.Address().Hex(),
		Timestamp: ts,
		Signature: sig,
	}
}

func fixedString(units int64) string {
	return new(big.Rat).SetFrac64(units, domain.TickScale).FloatString(6)
}

func (a *testAPI) do(t *testing.T, method, path string, body any, header map[string]string) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, rd)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func (a *testAPI) admin(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	raw := ""
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		raw = string(b)
	}
	auth := &crypto.AdminAuth{Secret: adminSecret}
	req, err := http.NewRequest(method, a.srv.URL+path, strings.NewReader(raw))
	require.NoError(t, err)
	for k, v := range auth.Headers(method, path, raw, time.Now().Unix()) {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestPlaceOrderMatchesAndUpdatesBook(t *testing.T) {
	api := newTestAPI(t, Config{})
	seller, buyer := newTrader(t), newTrader(t)

	status, body := api.do(t, http.MethodPost, "/api/orders", seller.order(t, domain.OrderSideSell, 600_000, 10_000_000), nil)
	require.Equal(t, http.StatusBadRequest, status, "seller holds no outcome tokens")
	assert.Equal(t, string(domain.KindValidation), body["kind"])

	status, body = api.admin(t, http.MethodPost, "/api/admin/markets/mkt/split", map[string]string{
		"holder": seller.signer.Address().Hex(),
		"amount": "10",
	})
	require.Equal(t, http.StatusOK, status, body)

	status, body = api.do(t, http.MethodPost, "/api/orders", seller.order(t, domain.OrderSideSell, 600_000, 10_000_000), nil)
	require.Equal(t, http.StatusCreated, status, body)
	assert.Equal(t, "open", body["order"].(map[string]any)["status"])

	status, book := api.do(t, http.MethodGet, "/api/books/mkt/1", nil, nil)
	require.Equal(t, http.StatusOK, status)
	asks := book["asks"].([]any)
	require.Len(t, asks, 1)
	assert.Equal(t, "0.6", asks[0].(map[string]any)["price"])
	assert.Equal(t, "10", asks[0].(map[string]any)["quantity"])

	status, body = api.do(t, http.MethodPost, "/api/orders", buyer.order(t, domain.OrderSideBuy, 650_000, 4_000_000), nil)
	require.Equal(t, http.StatusCreated, status, body)
	trades := body["trades"].([]any)
	require.Len(t, trades, 1)
	assert.Equal(t, "0.6", trades[0].(map[string]any)["price"], "trades execute at the resting price")
	assert.Equal(t, "4", trades[0].(map[string]any)["quantity"])
	assert.Equal(t, "filled", body["order"].(map[string]any)["status"])

	status, quote := api.do(t, http.MethodGet, "/api/books/mkt/1/quote", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Nil(t, quote["best_bid"])
	assert.InDelta(t, 0.6, quote["best_ask"], 1e-9)

	status, hist := api.do(t, http.MethodGet, "/api/markets/mkt/trades", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, hist["trades"], 1)

	status, pos := api.do(t, http.MethodGet, "/api/holders/"+buyer.signer.Address().Hex()+"/positions", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, pos["positions"])
}

func TestPlaceOrderErrorMapping(t *testing.T) {
	api := newTestAPI(t, Config{})
	tr := newTrader(t)

	signed := tr.order(t, domain.OrderSideBuy, 400_000, 1_000_000)
	status, _ := api.do(t, http.MethodPost, "/api/orders", signed, nil)
	require.Equal(t, http.StatusCreated, status)

	status, body := api.do(t, http.MethodPost, "/api/orders", signed, nil)
	assert.Equal(t, http.StatusUnauthorized, status, "replayed nonce")
	assert.Equal(t, string(domain.KindAuthentication), body["kind"])

	tampered := tr.order(t, domain.OrderSideBuy, 400_000, 1_000_000)
	tampered.Price = "0.41"
	status, body = api.do(t, http.MethodPost, "/api/orders", tampered, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, string(domain.KindAuthentication), body["kind"])

	malformed := tr.order(t, domain.OrderSideBuy, 400_000, 1_000_000)
	malformed.Price = "1.5"
	status, body = api.do(t, http.MethodPost, "/api/orders", malformed, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, string(domain.KindValidation), body["kind"])

	status, _ = api.do(t, http.MethodGet, "/api/orders/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = api.do(t, http.MethodGet, "/api/books/mkt/2", nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestCancelOrder(t *testing.T) {
	api := newTestAPI(t, Config{})
	tr, other := newTrader(t), newTrader(t)

	status, body := api.do(t, http.MethodPost, "/api/orders", tr.order(t, domain.OrderSideBuy, 300_000, 5_000_000), nil)
	require.Equal(t, http.StatusCreated, status)
	id := body["order"].(map[string]any)["id"].(string)

	status, _ = api.do(t, http.MethodDelete, "/api/orders/"+id, other.cancel(t, id), nil)
	assert.NotEqual(t, http.StatusOK, status, "only the maker may cancel")

	status, body = api.do(t, http.MethodDelete, "/api/orders/"+id, tr.cancel(t, id), nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "5", body["cancelled"])
	assert.Equal(t, "cancelled", body["order"].(map[string]any)["status"])

	status, body = api.do(t, http.MethodDelete, "/api/orders/"+id, tr.cancel(t, id), nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, string(domain.KindUser), body["kind"])

	status, open := api.do(t, http.MethodGet, "/api/makers/"+tr.signer.Address().Hex()+"/orders", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, open["orders"])
}

func TestAdminRoutesRequireSignature(t *testing.T) {
	api := newTestAPI(t, Config{})
	create := map[string]any{
		"id":           "mkt-2",
		"question":     "Will it snow?",
		"question_id":  questionID,
		"condition_id": conditionID,
		"end_time":     time.Now().Add(2 * time.Hour),
	}

	status, body := api.do(t, http.MethodPost, "/api/admin/markets", create, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", body["reason"])

	status, _ = api.do(t, http.MethodPost, "/api/admin/markets", create, map[string]string{
		crypto.HeaderAdminTimestamp: "1",
		crypto.HeaderAdminSignature: "bogus",
	})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body = api.admin(t, http.MethodPost, "/api/admin/markets", create)
	require.Equal(t, http.StatusCreated, status, body)
	assert.Equal(t, "active", body["state"])

	status, _ = api.admin(t, http.MethodPost, "/api/admin/markets", create)
	assert.Equal(t, http.StatusConflict, status)

	status, body = api.admin(t, http.MethodPost, "/api/admin/markets/mkt-2/split", map[string]string{
		"holder": "0x00000000000000000000000000000000000000aa",
		"amount": "25.5",
	})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "25.5", body["amount"])

	status, body = api.admin(t, http.MethodPost, "/api/admin/markets/mkt-2/settle", nil)
	assert.Equal(t, http.StatusBadRequest, status, "market has not ended")
	assert.Equal(t, string(domain.KindValidation), body["kind"])

	status, body = api.admin(t, http.MethodGet, "/api/admin/audit", nil)
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body["entries"])

	status, _ = api.admin(t, http.MethodGet, "/api/admin/markets/mkt-2/archive", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAdminClosedWithoutSecret(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db := memory.New()
	bridge := settlement.New(settlement.Config{}, settlement.Stores{
		Markets: db.Markets(), Positions: db.Positions(), Audit: db.Audit(),
	}, stubOracle{}, stubCTF{}, logger)
	srv := NewServer(Config{}, Handlers{
		Admin: handler.NewAdminHandler(bridge, db.Audit(), logger),
	}, nil, logger)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/admin/reconcile", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader("{}")))
	assert.Equal(t, http.StatusNotFound, rec.Code, "trading routes are not mounted without an engine")
}

func TestAPIKeyGuardsAllButHealth(t *testing.T) {
	api := newTestAPI(t, Config{APIKey: "k3y"})

	status, body := api.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])

	status, _ = api.do(t, http.MethodGet, "/api/markets", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body = api.do(t, http.MethodGet, "/api/markets", nil, map[string]string{"X-API-Key": "k3y"})
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["markets"], 1)

	status, _ = api.do(t, http.MethodGet, "/api/markets/mkt", nil, map[string]string{"Authorization": "Bearer k3y"})
	assert.Equal(t, http.StatusOK, status)
}

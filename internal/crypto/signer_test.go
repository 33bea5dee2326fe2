package crypto

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDomain() Domain {
	return Domain{
		Name:              "Polyclob Exchange",
		Version:           "1",
		ChainID:           big.NewInt(137),
		VerifyingContract: common.HexToAddress("0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"),
	}
}

func testOrder(maker common.Address) OrderMessage {
	return OrderMessage{
		Salt:       big.NewInt(987654321),
		Maker:      maker,
		MarketID:   "will-it-rain",
		Outcome:    1,
		Side:       0,
		Price:      big.NewInt(400_000),
		Quantity:   big.NewInt(100_000_000),
		Nonce:      big.NewInt(7),
		Expiration: big.NewInt(1_900_000_000),
	}
}

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return NewSignerFromKey(key, testDomain())
}

func TestSignOrderRecoversMaker(t *testing.T) {
	s := newTestSigner(t)
	msg := testOrder(s.Address())

	sig, err := s.SignOrder(msg)
	require.NoError(t, err)
	require.Len(t, sig, 2+130)

	got, err := RecoverSigner(OrderDigest(testDomain(), msg), sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got)
}

func TestTamperedOrderRecoversSomeoneElse(t *testing.T) {
	s := newTestSigner(t)
	msg := testOrder(s.Address())
	sig, err := s.SignOrder(msg)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*OrderMessage)
	}{
		{"price", func(m *OrderMessage) { m.Price = big.NewInt(400_001) }},
		{"quantity", func(m *OrderMessage) { m.Quantity = big.NewInt(1) }},
		{"outcome", func(m *OrderMessage) { m.Outcome = 0 }},
		{"side", func(m *OrderMessage) { m.Side = 1 }},
		{"market", func(m *OrderMessage) { m.MarketID = "will-it-snow" }},
		{"nonce", func(m *OrderMessage) { m.Nonce = big.NewInt(8) }},
		{"expiration", func(m *OrderMessage) { m.Expiration = big.NewInt(1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := msg
			tt.mutate(&m)
			got, err := RecoverSigner(OrderDigest(testDomain(), m), sig)
			require.NoError(t, err)
			assert.NotEqual(t, s.Address(), got)
		})
	}
}

func TestDomainSeparatesChains(t *testing.T) {
	s := newTestSigner(t)
	msg := testOrder(s.Address())
	sig, err := s.SignOrder(msg)
	require.NoError(t, err)

	other := testDomain()
	other.ChainID = big.NewInt(80002)
	got, err := RecoverSigner(OrderDigest(other, msg), sig)
	require.NoError(t, err)
	assert.NotEqual(t, s.Address(), got)
}

func TestOrderDigestMatchesTypedDataEncoder(t *testing.T) {
	d := testDomain()
	msg := testOrder(common.HexToAddress("0x00000000000000000000000000000000000000aa"))

	typed := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": []apitypes.Type{
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "marketId", Type: "string"},
				{Name: "outcome", Type: "uint8"},
				{Name: "side", Type: "uint8"},
				{Name: "price", Type: "uint256"},
				{Name: "quantity", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           (*math.HexOrDecimal256)(d.ChainID),
			VerifyingContract: d.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"salt":       msg.Salt.String(),
			"maker":      msg.Maker.Hex(),
			"marketId":   msg.MarketID,
			"outcome":    fmt.Sprintf("%d", msg.Outcome),
			"side":       fmt.Sprintf("%d", msg.Side),
			"price":      msg.Price.String(),
			"quantity":   msg.Quantity.String(),
			"nonce":      msg.Nonce.String(),
			"expiration": msg.Expiration.String(),
		},
	}

	domainSep, err := typed.HashStruct("EIP712Domain", typed.Domain.Map())
	require.NoError(t, err)
	structHash, err := typed.HashStruct(typed.PrimaryType, typed.Message)
	require.NoError(t, err)

	assert.Equal(t, []byte(domainSep), d.Separator())
	want := ethcrypto.Keccak256(concatBytes([]byte{0x19, 0x01}, domainSep, structHash))
	assert.Equal(t, want, OrderDigest(d, msg))
}

func TestCancelSignature(t *testing.T) {
	s := newTestSigner(t)
	msg := CancelMessage{OrderID: "0xabc", Maker: s.Address(), Timestamp: big.NewInt(1_700_000_000)}
	sig, err := s.SignCancel(msg)
	require.NoError(t, err)

	got, err := RecoverSigner(CancelDigest(testDomain(), msg), sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got)
}

func TestDecodeSignatureRejectsGarbage(t *testing.T) {
	for _, sig := range []string{"", "0x1234", "zz", "0x" + fmt.Sprintf("%0130x", 0)[:128] + "05"} {
		_, err := DecodeSignature(sig)
		assert.ErrorIs(t, err, ErrBadSignature, sig)
	}
}

func TestOperatorKeyFileRoundTrip(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	keyHex := fmt.Sprintf("%x", ethcrypto.FromECDSA(key))

	blob, err := EncryptKey("0x"+keyHex, "hunter2")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "operator.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	loaded, err := LoadOperatorKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, ethcrypto.PubkeyToAddress(key.PublicKey), ethcrypto.PubkeyToAddress(loaded.PublicKey))

	_, err = LoadOperatorKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "wrong"})
	assert.Error(t, err)
}

func TestAdminAuthVerify(t *testing.T) {
	a := &AdminAuth{Secret: []byte("topsecret"), MaxSkew: time.Minute}
	now := time.Unix(1_700_000_000, 0)
	h := a.Headers("POST", "/api/admin/reconcile", "{}", now.Unix())

	require.NoError(t, a.Verify("POST", "/api/admin/reconcile", "{}", h[HeaderAdminTimestamp], h[HeaderAdminSignature], now))
	assert.ErrorIs(t, a.Verify("POST", "/api/admin/reconcile", "{\"x\":1}", h[HeaderAdminTimestamp], h[HeaderAdminSignature], now), ErrRequestSignature)
	assert.ErrorIs(t, a.Verify("POST", "/api/admin/reconcile", "{}", h[HeaderAdminTimestamp], h[HeaderAdminSignature], now.Add(2*time.Minute)), ErrStaleRequest)
}

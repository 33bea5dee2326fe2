package chain

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

const (
	testCTF        = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"
	testCollateral = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
	testOracle     = "0x6A9D222616C90FcA5754cd1333cFD9b7fb6a4F74"
	testCondition  = "0x1111111111111111111111111111111111111111111111111111111111111111"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeBackend answers view calls from a table keyed by method name and
// mines every sent transaction after a configurable number of polls.
type fakeBackend struct {
	mu       sync.Mutex
	t        *testing.T
	abi      contract
	views    map[string]func(args []any) []any
	sent     []*types.Transaction
	pending  int
	reverted bool
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	m, err := f.abi.abi.MethodById(msg.Data[:4])
	require.NoError(f.t, err)
	args, err := m.Inputs.Unpack(msg.Data[4:])
	require.NoError(f.t, err)
	return m.Outputs.Pack(f.views[m.Name](args)...)
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 200_000, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(30_000_000_000), nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending > 0 {
		f.pending--
		return nil, ethereum.NotFound
	}
	status := types.ReceiptStatusSuccessful
	if f.reverted {
		status = types.ReceiptStatusFailed
	}
	return &types.Receipt{Status: status}, nil
}

func newCTF(t *testing.T, views map[string]func([]any) []any) (*ConditionalTokens, *fakeBackend, *Transactor) {
	t.Helper()
	c, err := newContract(testCTF, ctfABI)
	require.NoError(t, err)
	fb := &fakeBackend{t: t, abi: c, views: views}
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	tx := NewTransactor(fb, key, 137, time.Millisecond, time.Second, quietLogger)
	ctf, err := NewConditionalTokens(tx, fb, testCTF, testCollateral, quietLogger)
	require.NoError(t, err)
	return ctf, fb, tx
}

func TestPayoutVectorUnresolvedIsNil(t *testing.T) {
	ctf, _, _ := newCTF(t, map[string]func([]any) []any{
		"payoutDenominator": func([]any) []any { return []any{big.NewInt(0)} },
	})
	p, err := ctf.PayoutVector(context.Background(), testCondition)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestPayoutVectorReadsNumerators(t *testing.T) {
	ctf, _, _ := newCTF(t, map[string]func([]any) []any{
		"payoutDenominator": func([]any) []any { return []any{big.NewInt(1)} },
		"payoutNumerators": func(args []any) []any {
			if args[1].(*big.Int).Int64() == 1 {
				return []any{big.NewInt(1)}
			}
			return []any{big.NewInt(0)}
		},
	})
	p, err := ctf.PayoutVector(context.Background(), testCondition)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, domain.Payout{Numerators: [2]int64{0, 1}, Denominator: 1}, *p)
}

func TestSplitSendsSignedCall(t *testing.T) {
	ctf, fb, tx := newCTF(t, nil)
	fb.pending = 2

	hash, err := ctf.SplitPosition(context.Background(), testCondition, "0xholder", big.NewInt(20_000_000))
	require.NoError(t, err)
	require.Len(t, fb.sent, 1)
	sent := fb.sent[0]
	assert.Equal(t, sent.Hash().Hex(), hash)
	assert.Equal(t, common.HexToAddress(testCTF), *sent.To())

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(137)), sent)
	require.NoError(t, err)
	assert.Equal(t, tx.From(), from)

	m, err := ctf.ctf.abi.MethodById(sent.Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, "splitPosition", m.Name)
	args, err := m.Inputs.Unpack(sent.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testCollateral), args[0])
	assert.Equal(t, big.NewInt(20_000_000), args[4])
}

func TestRevertedTransactionFails(t *testing.T) {
	ctf, fb, _ := newCTF(t, nil)
	fb.reverted = true
	_, err := ctf.RedeemPositions(context.Background(), testCondition, []*big.Int{big.NewInt(2)}, "0xholder")
	require.ErrorIs(t, err, ErrReverted)
}

func TestBadConditionID(t *testing.T) {
	ctf, _, _ := newCTF(t, nil)
	_, err := ctf.PayoutVector(context.Background(), "0x1234")
	require.Error(t, err)
}


func TestOracleStatus(t *testing.T) {
	c, err := newContract(testOracle, oracleABI)
	require.NoError(t, err)
	status := questionProposed
	fb := &fakeBackend{t: t, abi: c, views: map[string]func([]any) []any{
		"getQuestion": func([]any) []any {
			return []any{status, true, []*big.Int{big.NewInt(1), big.NewInt(0)}}
		},
	}}
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	o, err := NewOracle(NewTransactor(fb, key, 137, time.Millisecond, time.Second, quietLogger), fb, testOracle, quietLogger)
	require.NoError(t, err)

	rep, err := o.Status(context.Background(), testCondition)
	require.NoError(t, err)
	assert.Equal(t, domain.OracleProposed, rep.Status)
	assert.True(t, rep.Disputed)
	require.NotNil(t, rep.Payout)
	assert.Equal(t, [2]int64{1, 0}, rep.Payout.Numerators)

	status = questionFinalized
	rep, err = o.Status(context.Background(), testCondition)
	require.NoError(t, err)
	assert.Equal(t, domain.OracleFinalized, rep.Status)

	reqID, err := o.RequestResolution(context.Background(), testCondition)
	require.NoError(t, err)
	require.Len(t, fb.sent, 1)
	assert.True(t, bytes.HasPrefix(fb.sent[0].Data(), c.abi.Methods["requestResolution"].ID))
	assert.Equal(t, fb.sent[0].Hash().Hex(), reqID)
}

func TestReportRejectsUnknownStatus(t *testing.T) {
	_, err := reportFrom(9, false, nil)
	require.Error(t, err)

	rep, err := reportFrom(questionUnresolved, false, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.OracleUnresolved, rep.Status)
	assert.Nil(t, rep.Payout)
}

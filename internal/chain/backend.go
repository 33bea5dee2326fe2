// Package chain talks to the conditional-tokens contract and the optimistic
// oracle adapter over JSON-RPC. Contract methods are packed with
// accounts/abi; transactions are signed by the operator key and confirmed by
// polling for their receipt.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Backend is the subset of *ethclient.Client the package needs.
type Backend interface {
	ethereum.ContractCaller
	ethereum.GasEstimator
	ethereum.GasPricer
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Dial connects to an Ethereum JSON-RPC endpoint.
func Dial(ctx context.Context, rawURL string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rawURL, err)
	}
	return c, nil
}

// ErrReverted is returned when a mined transaction has a failed status.
var ErrReverted = errors.New("transaction reverted")

// Transactor signs and submits operator transactions.
type Transactor struct {
	backend Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	signer  types.Signer
	poll    time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

// NewTransactor creates a Transactor for chainID. poll and timeout bound the
// wait for a receipt.
func NewTransactor(backend Backend, key *ecdsa.PrivateKey, chainID int64, poll, timeout time.Duration, logger *slog.Logger) *Transactor {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	return &Transactor{
		backend: backend,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		signer:  types.LatestSignerForChainID(big.NewInt(chainID)),
		poll:    poll,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "chain")),
	}
}

// From returns the operator address.
func (t *Transactor) From() common.Address { return t.from }

// Send submits a call to `to` and waits for it to be mined successfully.
func (t *Transactor) Send(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	nonce, err := t.backend.PendingNonceAt(ctx, t.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: pending nonce: %w", err)
	}
	gasPrice, err := t.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: gas price: %w", err)
	}
	gas, err := t.backend.EstimateGas(ctx, ethereum.CallMsg{From: t.from, To: &to, Data: data})
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: estimate gas: %w", err)
	}

	tx, err := types.SignNewTx(t.key, t.signer, &types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: sign tx: %w", err)
	}
	if err := t.backend.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, fmt.Errorf("chain: send tx: %w", err)
	}
	t.logger.InfoContext(ctx, "transaction sent",
		slog.String("hash", tx.Hash().Hex()),
		slog.String("to", to.Hex()),
		slog.Uint64("nonce", nonce),
	)
	return tx.Hash(), t.wait(ctx, tx.Hash())
}

func (t *Transactor) wait(ctx context.Context, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()
	for {
		receipt, err := t.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt.Status == types.ReceiptStatusSuccessful:
			return nil
		case err == nil:
			return fmt.Errorf("chain: tx %s: %w", hash.Hex(), ErrReverted)
		case !errors.Is(err, ethereum.NotFound):
			return fmt.Errorf("chain: receipt %s: %w", hash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("chain: wait %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// contract is a parsed ABI bound to an address.
type contract struct {
	address common.Address
	abi     abi.ABI
}

func newContract(address, abiJSON string) (contract, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return contract{}, fmt.Errorf("chain: parse abi: %w", err)
	}
	if !common.IsHexAddress(address) {
		return contract{}, fmt.Errorf("chain: invalid contract address %q", address)
	}
	return contract{address: common.HexToAddress(address), abi: parsed}, nil
}

// call runs a view method and unpacks its outputs.
func (c contract) call(ctx context.Context, caller ethereum.ContractCaller, method string, args ...any) ([]any, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	out, err := caller.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call %s: %w", method, err)
	}
	values, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	return values, nil
}

func parseBytes32(s string) ([32]byte, error) {
	var out [32]byte
	b := common.FromHex(s)
	if len(b) != 32 {
		return out, fmt.Errorf("chain: %q is not bytes32", s)
	}
	copy(out[:], b)
	return out, nil
}

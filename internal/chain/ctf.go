package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

const ctfABI = `[
 {"type":"function","name":"splitPosition","stateMutability":"nonpayable","inputs":[
  {"name":"collateralToken","type":"address"},{"name":"parentCollectionId","type":"bytes32"},
  {"name":"conditionId","type":"bytes32"},{"name":"partition","type":"uint256[]"},
  {"name":"amount","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"redeemPositions","stateMutability":"nonpayable","inputs":[
  {"name":"collateralToken","type":"address"},{"name":"parentCollectionId","type":"bytes32"},
  {"name":"conditionId","type":"bytes32"},{"name":"indexSets","type":"uint256[]"}],"outputs":[]},
 {"type":"function","name":"payoutDenominator","stateMutability":"view","inputs":[
  {"name":"conditionId","type":"bytes32"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"payoutNumerators","stateMutability":"view","inputs":[
  {"name":"conditionId","type":"bytes32"},{"name":"index","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// binaryPartition splits collateral into the two outcome slots.
var binaryPartition = []*big.Int{big.NewInt(1), big.NewInt(2)}

// ConditionalTokens implements domain.ConditionalTokens. The operator
// account custodies collateral and outcome tokens; holder attribution is
// kept off chain in the position store.
type ConditionalTokens struct {
	tx         *Transactor
	caller     Backend
	ctf        contract
	collateral common.Address
	logger     *slog.Logger
}

// NewConditionalTokens binds the contract at ctfAddress.
func NewConditionalTokens(tx *Transactor, caller Backend, ctfAddress, collateralAddress string, logger *slog.Logger) (*ConditionalTokens, error) {
	c, err := newContract(ctfAddress, ctfABI)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(collateralAddress) {
		return nil, fmt.Errorf("chain: invalid collateral address %q", collateralAddress)
	}
	return &ConditionalTokens{
		tx:         tx,
		caller:     caller,
		ctf:        c,
		collateral: common.HexToAddress(collateralAddress),
		logger:     logger.With(slog.String("component", "ctf")),
	}, nil
}

// SplitPosition escrows amount of collateral and mints both outcome tokens.
func (c *ConditionalTokens) SplitPosition(ctx context.Context, conditionID, holder string, amount *big.Int) (string, error) {
	cond, err := parseBytes32(conditionID)
	if err != nil {
		return "", err
	}
	data, err := c.ctf.abi.Pack("splitPosition", c.collateral, [32]byte{}, cond, binaryPartition, amount)
	if err != nil {
		return "", fmt.Errorf("chain: pack splitPosition: %w", err)
	}
	hash, err := c.tx.Send(ctx, c.ctf.address, data)
	if err != nil {
		return "", err
	}
	c.logger.InfoContext(ctx, "position split",
		slog.String("condition_id", conditionID),
		slog.String("holder", holder),
		slog.String("amount", amount.String()),
	)
	return hash.Hex(), nil
}

// RedeemPositions burns the given index sets and releases collateral.
func (c *ConditionalTokens) RedeemPositions(ctx context.Context, conditionID string, indexSets []*big.Int, holder string) (string, error) {
	cond, err := parseBytes32(conditionID)
	if err != nil {
		return "", err
	}
	data, err := c.ctf.abi.Pack("redeemPositions", c.collateral, [32]byte{}, cond, indexSets)
	if err != nil {
		return "", fmt.Errorf("chain: pack redeemPositions: %w", err)
	}
	hash, err := c.tx.Send(ctx, c.ctf.address, data)
	if err != nil {
		return "", err
	}
	c.logger.InfoContext(ctx, "positions redeemed",
		slog.String("condition_id", conditionID),
		slog.String("holder", holder),
	)
	return hash.Hex(), nil
}

// PayoutVector reads the reported payout. It returns nil while the
// condition's denominator is still zero.
func (c *ConditionalTokens) PayoutVector(ctx context.Context, conditionID string) (*domain.Payout, error) {
	cond, err := parseBytes32(conditionID)
	if err != nil {
		return nil, err
	}
	out, err := c.ctf.call(ctx, c.caller, "payoutDenominator", cond)
	if err != nil {
		return nil, err
	}
	den, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: payoutDenominator: unexpected %T", out[0])
	}
	if den.Sign() == 0 {
		return nil, nil
	}

	var nums [2]*big.Int
	for i := range nums {
		out, err := c.ctf.call(ctx, c.caller, "payoutNumerators", cond, big.NewInt(int64(i)))
		if err != nil {
			return nil, err
		}
		if nums[i], ok = out[0].(*big.Int); !ok {
			return nil, fmt.Errorf("chain: payoutNumerators: unexpected %T", out[0])
		}
	}
	return payoutFrom(nums, den)
}

func payoutFrom(nums [2]*big.Int, den *big.Int) (*domain.Payout, error) {
	if !den.IsInt64() || !nums[0].IsInt64() || !nums[1].IsInt64() {
		return nil, fmt.Errorf("chain: payout does not fit int64")
	}
	p := &domain.Payout{
		Numerators:  [2]int64{nums[0].Int64(), nums[1].Int64()},
		Denominator: den.Int64(),
	}
	if !p.Valid() {
		return nil, fmt.Errorf("chain: invalid payout %v/%d", p.Numerators, p.Denominator)
	}
	return p, nil
}

// Compile-time interface check.
var _ domain.ConditionalTokens = (*ConditionalTokens)(nil)

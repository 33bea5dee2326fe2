package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

const oracleABI = `[
 {"type":"function","name":"requestResolution","stateMutability":"nonpayable","inputs":[
  {"name":"questionId","type":"bytes32"}],"outputs":[]},
 {"type":"function","name":"getQuestion","stateMutability":"view","inputs":[
  {"name":"questionId","type":"bytes32"}],"outputs":[
  {"name":"status","type":"uint8"},{"name":"disputed","type":"bool"},
  {"name":"payouts","type":"uint256[]"}]}
]`

// Oracle status codes reported by getQuestion.
const (
	questionUnresolved uint8 = iota
	questionProposed
	questionFinalized
)

// Oracle implements domain.Oracle against the optimistic-oracle adapter
// contract. The request id is the hash of the request transaction.
type Oracle struct {
	tx     *Transactor
	caller Backend
	c      contract
	logger *slog.Logger
}

// NewOracle binds the adapter at address.
func NewOracle(tx *Transactor, caller Backend, address string, logger *slog.Logger) (*Oracle, error) {
	c, err := newContract(address, oracleABI)
	if err != nil {
		return nil, err
	}
	return &Oracle{tx: tx, caller: caller, c: c, logger: logger.With(slog.String("component", "oracle"))}, nil
}

// RequestResolution asks the oracle to start resolving questionID.
func (o *Oracle) RequestResolution(ctx context.Context, questionID string) (string, error) {
	q, err := parseBytes32(questionID)
	if err != nil {
		return "", err
	}
	data, err := o.c.abi.Pack("requestResolution", q)
	if err != nil {
		return "", fmt.Errorf("chain: pack requestResolution: %w", err)
	}
	hash, err := o.tx.Send(ctx, o.c.address, data)
	if err != nil {
		return "", err
	}
	o.logger.InfoContext(ctx, "resolution requested", slog.String("question_id", questionID), slog.String("tx", hash.Hex()))
	return hash.Hex(), nil
}

// Status polls the adapter for questionID.
func (o *Oracle) Status(ctx context.Context, questionID string) (domain.OracleReport, error) {
	q, err := parseBytes32(questionID)
	if err != nil {
		return domain.OracleReport{}, err
	}
	out, err := o.c.call(ctx, o.caller, "getQuestion", q)
	if err != nil {
		return domain.OracleReport{}, err
	}
	if len(out) != 3 {
		return domain.OracleReport{}, fmt.Errorf("chain: getQuestion: %d outputs", len(out))
	}
	status, _ := out[0].(uint8)
	disputed, _ := out[1].(bool)
	payouts, _ := out[2].([]*big.Int)
	return reportFrom(status, disputed, payouts)
}

func reportFrom(status uint8, disputed bool, payouts []*big.Int) (domain.OracleReport, error) {
	rep := domain.OracleReport{Disputed: disputed}
	switch status {
	case questionUnresolved:
		rep.Status = domain.OracleUnresolved
		return rep, nil
	case questionProposed:
		rep.Status = domain.OracleProposed
	case questionFinalized:
		rep.Status = domain.OracleFinalized
	default:
		return rep, fmt.Errorf("chain: unknown question status %d", status)
	}
	if len(payouts) != 2 {
		return rep, fmt.Errorf("chain: expected 2 payouts, got %d", len(payouts))
	}
	p, err := payoutFrom([2]*big.Int{payouts[0], payouts[1]}, new(big.Int).Add(payouts[0], payouts[1]))
	if err != nil {
		return rep, err
	}
	rep.Payout = p
	return rep, nil
}

// Compile-time interface check.
var _ domain.Oracle = (*Oracle)(nil)

package domain

import (
	"context"
	"math/big"
)

// OracleStatus is the state reported by the external optimistic oracle.
type OracleStatus string

const (
	OracleUnresolved OracleStatus = "unresolved"
	OracleProposed   OracleStatus = "proposed"
	OracleFinalized  OracleStatus = "finalized"
)

// OracleReport is one poll of the oracle for a question.
type OracleReport struct {
	Status   OracleStatus
	Payout   *Payout // set when proposed or finalized
	Disputed bool    // an open dispute on the current proposal
}

// Oracle is the external dispute-based truth source.
type Oracle interface {
	RequestResolution(ctx context.Context, questionID string) (requestID string, err error)
	Status(ctx context.Context, questionID string) (OracleReport, error)
}

// ConditionalTokens is the on-chain collateral and outcome-token contract.
type ConditionalTokens interface {
	SplitPosition(ctx context.Context, conditionID string, holder string, amount *big.Int) (txHash string, err error)
	RedeemPositions(ctx context.Context, conditionID string, indexSets []*big.Int, holder string) (txHash string, err error)
	// PayoutVector returns the reported payout, or nil when the condition
	// has not been resolved on chain.
	PayoutVector(ctx context.Context, conditionID string) (*Payout, error)
}

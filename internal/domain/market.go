package domain

import "time"

// MarketState is the settlement lifecycle state of a market.
type MarketState string

const (
	MarketStateActive    MarketState = "active"
	MarketStateEnded     MarketState = "ended"
	MarketStateRequested MarketState = "requested"
	MarketStateProposed  MarketState = "proposed"
	MarketStateDisputed  MarketState = "disputed"
	MarketStateResolved  MarketState = "resolved"
)

var marketTransitions = map[MarketState][]MarketState{
	MarketStateActive:    {MarketStateEnded},
	MarketStateEnded:     {MarketStateRequested},
	MarketStateRequested: {MarketStateProposed},
	MarketStateProposed:  {MarketStateDisputed, MarketStateResolved},
	MarketStateDisputed:  {MarketStateProposed, MarketStateResolved},
}

// CanTransition reports whether the lifecycle allows from -> to.
func CanTransition(from, to MarketState) bool {
	for _, s := range marketTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Payout is a binary payout vector: outcome i pays Numerators[i]/Denominator
// units of collateral per token.
type Payout struct {
	Numerators  [2]int64 `json:"numerators"`
	Denominator int64    `json:"denominator"`
}

// Valid reports whether the vector is usable for redemption.
func (p Payout) Valid() bool {
	return p.Denominator > 0 && p.Numerators[0] >= 0 && p.Numerators[1] >= 0 &&
		p.Numerators[0]+p.Numerators[1] == p.Denominator
}

// Pays returns the collateral owed for units of the given outcome.
func (p Payout) Pays(outcome int, units int64) int64 {
	if !p.Valid() || units <= 0 {
		return 0
	}
	return units * p.Numerators[outcome] / p.Denominator
}

// Market is the persisted lifecycle record of one binary market.
type Market struct {
	ID          string
	Question    string
	QuestionID  string    // oracle question identifier, bytes32 hex
	ConditionID string    // conditional-token condition id, bytes32 hex
	TokenIDs    [2]string // outcome token ids
	State       MarketState
	EndTime     time.Time // trading deadline

	EndedAt      *time.Time
	BooksClosed  bool
	RequestedAt  *time.Time
	RequestID    string
	ProposedAt   *time.Time
	Proposed     *Payout
	Disputed     bool
	DisputedAt   *time.Time
	DisputeCount int
	ResolvedAt   *time.Time
	Payout       *Payout

	Stalled       bool
	StalledAt     *time.Time
	StalledReason string
	LastError     string
	ArchivedAt    *time.Time

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Tradable reports whether new orders may be accepted at now. Trading stops
// at the deadline even before the lifecycle record says Ended.
func (m *Market) Tradable(now time.Time) bool {
	return m.State == MarketStateActive && now.Before(m.EndTime)
}

// PhaseStart returns when the current oracle phase began, used to compute
// the stall deadline. It is nil outside Requested/Proposed/Disputed.
func (m *Market) PhaseStart() *time.Time {
	switch m.State {
	case MarketStateRequested:
		return m.RequestedAt
	case MarketStateProposed:
		return m.ProposedAt
	case MarketStateDisputed:
		return m.DisputedAt
	}
	return nil
}

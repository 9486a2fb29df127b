package consensus

import (
	"time"

	"github.com/quorumtrade/trading-core/internal/sources"
)

// Decision is the consensus engine's merged, confidence-scored trading call
// for one symbol at one point in time. Immutable once created.
type Decision struct {
	DecisionID          string            `json:"decision_id"`
	Symbol              string            `json:"symbol"`
	Direction           sources.Direction `json:"direction"`
	Confidence          float64           `json:"confidence"` // [0,100]
	ContributingSources int               `json:"contributing_sources"`
	EntryPrice          float64           `json:"entry_price"`
	TargetPrice         float64           `json:"target_price"`
	StopPrice           float64           `json:"stop_price"`
	GeneratedAt         time.Time         `json:"generated_at"`
	IntegrityHash       string            `json:"integrity_hash"`
	VoteDetail          string            `json:"vote_detail,omitempty"` // JSON audit breakdown
}

// Expired reports whether the decision is older than the given bound.
func (d Decision) Expired(now time.Time, bound time.Duration) bool {
	return now.Sub(d.GeneratedAt) > bound
}

package ledger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumtrade/trading-core/internal/consensus"
	"github.com/quorumtrade/trading-core/internal/integrity"
	"github.com/quorumtrade/trading-core/internal/sources"
)

func openTestLedger(t *testing.T) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := Open(path, 90*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, path
}

func ledgerDecision(id string, at time.Time, confidence float64) consensus.Decision {
	d := consensus.Decision{
		DecisionID:          id,
		Symbol:              "AAPL",
		Direction:           sources.DirectionLong,
		Confidence:          confidence,
		ContributingSources: 3,
		EntryPrice:          200,
		TargetPrice:         204,
		StopPrice:           198,
		GeneratedAt:         at,
	}
	d.IntegrityHash = integrity.DecisionHash(
		d.DecisionID, d.Symbol, string(d.Direction), d.Confidence,
		d.ContributingSources, d.EntryPrice, d.TargetPrice, d.StopPrice, d.GeneratedAt,
	)
	return d
}

func ledgerOrder(id, decisionID, side string, status OrderStatus) OrderRecord {
	now := time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)
	return OrderRecord{
		OrderID:    id,
		DecisionID: decisionID,
		Symbol:     "AAPL",
		Side:       side,
		OrderType:  "market",
		Quantity:   decimal.NewFromInt(10),
		Status:     status,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestLedger_DecisionIdempotent(t *testing.T) {
	l, _ := openTestLedger(t)
	at := time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)

	recorded, err := l.RecordDecision(ledgerDecision("d-1", at, 80))
	require.NoError(t, err)
	assert.True(t, recorded)

	recorded, err = l.RecordDecision(ledgerDecision("d-1", at, 80))
	require.NoError(t, err)
	assert.False(t, recorded)
}

func TestLedger_RecentDecisionWindow(t *testing.T) {
	l, _ := openTestLedger(t)
	at := time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)

	_, err := l.RecordDecision(ledgerDecision("d-1", at, 80))
	require.NoError(t, err)

	assert.True(t, l.RecentDecision("AAPL", "LONG", at.Add(30*time.Second)))
	assert.False(t, l.RecentDecision("AAPL", "LONG", at.Add(2*time.Minute)))
	assert.False(t, l.RecentDecision("AAPL", "SHORT", at.Add(30*time.Second)))
}

func TestLedger_DecisionOutcomeRecorded(t *testing.T) {
	l, path := openTestLedger(t)
	at := time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)

	_, err := l.RecordDecision(ledgerDecision("d-1", at, 80))
	require.NoError(t, err)
	require.NoError(t, l.RecordOutcome("d-1", OutcomeRejected, "insufficient_confidence"))

	rec, ok := l.DecisionOutcome("d-1")
	require.True(t, ok)
	assert.Equal(t, OutcomeRejected, rec.Outcome)
	assert.Equal(t, "insufficient_confidence", rec.Reason)

	// the reject token must be readable from the file itself
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"decision_outcome"`)
	assert.Contains(t, string(raw), `"reason":"insufficient_confidence"`)
}

func TestLedger_DecisionOutcomeFirstWins(t *testing.T) {
	l, _ := openTestLedger(t)
	at := time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)

	_, err := l.RecordDecision(ledgerDecision("d-1", at, 80))
	require.NoError(t, err)
	require.NoError(t, l.RecordOutcome("d-1", OutcomeExpired, "decision_expired"))
	require.NoError(t, l.RecordOutcome("d-1", OutcomeExecuted, ""))

	rec, ok := l.DecisionOutcome("d-1")
	require.True(t, ok)
	assert.Equal(t, OutcomeExpired, rec.Outcome, "a later outcome must not rewrite the first")

	assert.Error(t, l.RecordOutcome("d-missing", OutcomeRejected, "risk_halted"),
		"outcomes require a recorded decision")
}

func TestLedger_DecisionOutcomeSurvivesReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	at := time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)

	l, err := Open(path, 90*time.Second)
	require.NoError(t, err)
	_, err = l.RecordDecision(ledgerDecision("d-1", at, 80))
	require.NoError(t, err)
	require.NoError(t, l.RecordOutcome("d-1", OutcomeRejected, "instrument_not_permitted"))
	require.NoError(t, l.Close())

	reopened, err := Open(path, 90*time.Second)
	require.NoError(t, err)
	defer reopened.Close()

	rec, ok := reopened.DecisionOutcome("d-1")
	require.True(t, ok)
	assert.Equal(t, OutcomeRejected, rec.Outcome)
	assert.Equal(t, "instrument_not_permitted", rec.Reason)
}

func TestLedger_OneOpenOrderPerSymbolSide(t *testing.T) {
	l, _ := openTestLedger(t)

	require.NoError(t, l.RecordOrder(ledgerOrder("o-1", "d-1", "buy", StatusPending)))

	err := l.RecordOrder(ledgerOrder("o-2", "d-2", "buy", StatusPending))
	require.ErrorIs(t, err, ErrOpenOrderExists)

	// opposite side is a separate slot
	require.NoError(t, l.RecordOrder(ledgerOrder("o-3", "d-3", "sell", StatusPending)))

	// terminal state frees the slot
	done := ledgerOrder("o-1", "d-1", "buy", StatusFilled)
	done.FilledQty = decimal.NewFromInt(10)
	require.NoError(t, l.UpdateOrder(done))
	require.NoError(t, l.RecordOrder(ledgerOrder("o-4", "d-4", "buy", StatusPending)))
}

func TestLedger_ReplayRebuildsIndexes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	at := time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)

	l, err := Open(path, 90*time.Second)
	require.NoError(t, err)
	_, err = l.RecordDecision(ledgerDecision("d-1", at, 80))
	require.NoError(t, err)
	require.NoError(t, l.RecordOrder(ledgerOrder("o-1", "d-1", "buy", StatusSubmitted)))
	require.NoError(t, l.Close())

	reopened, err := Open(path, 90*time.Second)
	require.NoError(t, err)
	defer reopened.Close()

	recorded, err := reopened.RecordDecision(ledgerDecision("d-1", at, 80))
	require.NoError(t, err)
	assert.False(t, recorded, "replayed decision must stay deduplicated")

	id, open := reopened.OpenOrder("AAPL", "buy")
	require.True(t, open)
	assert.Equal(t, "o-1", id)

	err = reopened.RecordOrder(ledgerOrder("o-2", "d-2", "buy", StatusPending))
	assert.ErrorIs(t, err, ErrOpenOrderExists)
}

func TestLedger_QueryDecisions(t *testing.T) {
	l, _ := openTestLedger(t)
	base := time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)

	for i, c := range []float64{55, 70, 85, 95} {
		d := ledgerDecision("d-"+string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute), c)
		_, err := l.RecordDecision(d)
		require.NoError(t, err)
	}

	got := l.QueryDecisions(base, base.Add(2*time.Minute), 60)
	require.Len(t, got, 2)
	assert.Equal(t, 70.0, got[0].Confidence)
	assert.Equal(t, 85.0, got[1].Confidence)
}

func TestLedger_VerifyDetectsTampering(t *testing.T) {
	l, _ := openTestLedger(t)
	at := time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)

	good := ledgerDecision("d-good", at, 80)
	_, err := l.RecordDecision(good)
	require.NoError(t, err)

	bad := ledgerDecision("d-bad", at, 80)
	bad.Confidence = 99 // hash no longer matches the fields
	_, err = l.RecordDecision(bad)
	require.NoError(t, err)

	mismatched := l.Verify()
	assert.Equal(t, []string{"d-bad"}, mismatched)
}

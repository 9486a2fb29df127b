package sizing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumtrade/trading-core/internal/broker"
	"github.com/quorumtrade/trading-core/internal/consensus"
	"github.com/quorumtrade/trading-core/internal/risk"
	"github.com/quorumtrade/trading-core/internal/sources"
)

func testSizerConfig() Config {
	return Config{
		PositionSizePct:           2.0,
		ConfidenceBoostThreshold:  90,
		ConfidenceBoostPct:        50,
		MinOrderValueUSD:          10,
		FractionalPrecision:       6,
		MinFractionalQty:          1e-6,
		VolBaselinePct:            2.0,
		VolMinScale:               0.25,
		SingleSourceMinConfidence: 80,
	}
}

func testLimits() Limits {
	return Limits{
		MaxPositionSizePct: 10.0,
		MinConfidence:      60,
		MaxOpenPositions:   8,
	}
}

func testDecision(dir sources.Direction, confidence, entry float64, contributors int) consensus.Decision {
	return consensus.Decision{
		DecisionID:          "d-1",
		Symbol:              "AAPL",
		Direction:           dir,
		Confidence:          confidence,
		ContributingSources: contributors,
		EntryPrice:          entry,
		GeneratedAt:         time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC),
	}
}

func testAccount(equity float64) broker.AccountSnapshot {
	return broker.AccountSnapshot{Equity: equity, BuyingPower: equity}
}

var normalRisk = risk.Snapshot{State: risk.StateNormal}

func equityInstrument() Instrument {
	return Instrument{Symbol: "AAPL", AssetClass: "equity", Fractional: false}
}

func TestPlan_BasicOpen(t *testing.T) {
	s := NewSizer(testSizerConfig(), testLimits(), nil)

	// 2% of 100k is 2000; at 200 per share that floors to 10 shares
	p, err := s.Plan(testDecision(sources.DirectionLong, 75, 200, 3), normalRisk, testAccount(100000), equityInstrument())
	require.NoError(t, err)
	assert.Equal(t, ActionOpen, p.Action)
	assert.Equal(t, broker.SideBuy, p.Side)
	assert.True(t, decimal.NewFromInt(10).Equal(p.Quantity))
	assert.InDelta(t, 2000, p.NotionalUSD, 0.01)
}

func TestPlan_ConfidenceBoost(t *testing.T) {
	s := NewSizer(testSizerConfig(), testLimits(), nil)

	p, err := s.Plan(testDecision(sources.DirectionLong, 95, 200, 3), normalRisk, testAccount(100000), equityInstrument())
	require.NoError(t, err)
	assert.True(t, p.Boosted)
	// 2000 * 1.5 = 3000 notional, 15 shares
	assert.True(t, decimal.NewFromInt(15).Equal(p.Quantity))
}

func TestPlan_HaltBlocksOpens(t *testing.T) {
	s := NewSizer(testSizerConfig(), testLimits(), nil)

	halted := risk.Snapshot{State: risk.StateHalted, Reason: "max_drawdown_breached"}
	_, err := s.Plan(testDecision(sources.DirectionLong, 75, 200, 3), halted, testAccount(100000), equityInstrument())
	var re *RejectError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "risk_halted", re.Reason)
}

func TestPlan_HaltStillAllowsCloses(t *testing.T) {
	s := NewSizer(testSizerConfig(), testLimits(), nil)

	acct := testAccount(100000)
	acct.Positions = []broker.Position{
		{Symbol: "AAPL", Side: broker.PositionLong, Quantity: decimal.NewFromInt(10), EntryPrice: 195},
	}
	halted := risk.Snapshot{State: risk.StateHalted, Reason: "daily_loss_limit_breached"}

	p, err := s.Plan(testDecision(sources.DirectionShort, 75, 200, 3), halted, acct, equityInstrument())
	require.NoError(t, err)
	assert.Equal(t, ActionClose, p.Action)
	assert.Equal(t, broker.SideSell, p.Side)
	assert.True(t, decimal.NewFromInt(10).Equal(p.Quantity))
}

func TestPlan_DuplicatePositionRejected(t *testing.T) {
	s := NewSizer(testSizerConfig(), testLimits(), nil)

	acct := testAccount(100000)
	acct.Positions = []broker.Position{
		{Symbol: "AAPL", Side: broker.PositionLong, Quantity: decimal.NewFromInt(10), EntryPrice: 195},
	}

	_, err := s.Plan(testDecision(sources.DirectionLong, 75, 200, 3), normalRisk, acct, equityInstrument())
	var re *RejectError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "duplicate_position", re.Reason)
}

func TestPlan_SingleSourceStricterMinimum(t *testing.T) {
	s := NewSizer(testSizerConfig(), testLimits(), nil)

	// 70 clears the profile minimum of 60 but not the single-source bar of 80
	_, err := s.Plan(testDecision(sources.DirectionLong, 70, 200, 1), normalRisk, testAccount(100000), equityInstrument())
	var re *RejectError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "insufficient_confidence", re.Reason)

	_, err = s.Plan(testDecision(sources.DirectionLong, 85, 200, 1), normalRisk, testAccount(100000), equityInstrument())
	assert.NoError(t, err)
}

func TestPlan_SymbolAllowlist(t *testing.T) {
	limits := testLimits()
	limits.AllowedSymbols = map[string]bool{"NVDA": true}
	s := NewSizer(testSizerConfig(), limits, nil)

	_, err := s.Plan(testDecision(sources.DirectionLong, 75, 200, 3), normalRisk, testAccount(100000), equityInstrument())
	var re *RejectError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "instrument_not_permitted", re.Reason)
}

func TestPlan_MaxOpenPositions(t *testing.T) {
	limits := testLimits()
	limits.MaxOpenPositions = 1
	s := NewSizer(testSizerConfig(), limits, nil)

	acct := testAccount(100000)
	acct.Positions = []broker.Position{
		{Symbol: "NVDA", Side: broker.PositionLong, Quantity: decimal.NewFromInt(5), EntryPrice: 450},
	}

	_, err := s.Plan(testDecision(sources.DirectionLong, 75, 200, 3), normalRisk, acct, equityInstrument())
	var re *RejectError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "max_open_positions", re.Reason)
}

func TestPlan_WholeShareFloorRejectsDust(t *testing.T) {
	s := NewSizer(testSizerConfig(), testLimits(), nil)

	// 2% of 1000 is 20; at 5000 a share that is zero whole shares
	_, err := s.Plan(testDecision(sources.DirectionLong, 75, 5000, 3), normalRisk, testAccount(1000), equityInstrument())
	var re *RejectError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "zero_quantity", re.Reason)
}

func TestPlan_FractionalRoundsDown(t *testing.T) {
	s := NewSizer(testSizerConfig(), testLimits(), nil)

	inst := Instrument{Symbol: "BTCUSD", AssetClass: "crypto", Fractional: true}
	d := testDecision(sources.DirectionLong, 75, 40000, 3)
	d.Symbol = "BTC-USD"

	p, err := s.Plan(d, normalRisk, testAccount(100000), inst)
	require.NoError(t, err)
	// 2000 / 40000 = 0.05 BTC
	assert.True(t, decimal.NewFromFloat(0.05).Equal(p.Quantity))
}

func TestPlan_MinNotionalBump(t *testing.T) {
	cfg := testSizerConfig()
	cfg.MinOrderValueUSD = 50
	s := NewSizer(cfg, testLimits(), nil)

	inst := Instrument{Symbol: "BTCUSD", AssetClass: "crypto", Fractional: true}
	d := testDecision(sources.DirectionLong, 75, 40000, 3)
	d.Symbol = "BTC-USD"

	// 2% of 1000 is 20, below the 50 minimum, so the order bumps up to 50
	p, err := s.Plan(d, normalRisk, testAccount(1000), inst)
	require.NoError(t, err)
	assert.InDelta(t, 50, p.NotionalUSD, 0.01)
}

func TestPlan_VolatilityScalesDown(t *testing.T) {
	vol := NewVolTracker(60)
	// alternating 5% moves give realized vol well above the 2% baseline
	px := 100.0
	for i := 0; i < 30; i++ {
		vol.Observe("AAPL", px)
		if i%2 == 0 {
			px *= 1.05
		} else {
			px *= 0.95
		}
	}

	s := NewSizer(testSizerConfig(), testLimits(), vol)
	p, err := s.Plan(testDecision(sources.DirectionLong, 75, 200, 3), normalRisk, testAccount(100000), equityInstrument())
	require.NoError(t, err)
	assert.Less(t, p.VolScale, 1.0)
	assert.GreaterOrEqual(t, p.VolScale, 0.25)
}

func TestPlan_ProfileCapsNotional(t *testing.T) {
	cfg := testSizerConfig()
	cfg.PositionSizePct = 20 // would exceed the 10% profile cap
	s := NewSizer(cfg, testLimits(), nil)

	p, err := s.Plan(testDecision(sources.DirectionLong, 75, 200, 3), normalRisk, testAccount(100000), equityInstrument())
	require.NoError(t, err)
	assert.LessOrEqual(t, p.NotionalUSD, 10000.0)
}

func TestPlan_StopDistanceCapped(t *testing.T) {
	limits := testLimits()
	limits.MaxStopLossPct = 2.0
	s := NewSizer(testSizerConfig(), limits, nil)

	d := testDecision(sources.DirectionLong, 75, 200, 3)
	d.StopPrice = 190 // 5% away from entry

	_, err := s.Plan(d, normalRisk, testAccount(100000), equityInstrument())
	var re *RejectError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "stop_too_wide", re.Reason)

	d.StopPrice = 197 // 1.5% away passes
	_, err = s.Plan(d, normalRisk, testAccount(100000), equityInstrument())
	assert.NoError(t, err)
}

func TestPlan_InsufficientBuyingPower(t *testing.T) {
	s := NewSizer(testSizerConfig(), testLimits(), nil)

	// 2% of the $5 buying power bumps up to the $10 venue minimum, which the
	// account cannot cover
	acct := broker.AccountSnapshot{Equity: 100000, BuyingPower: 5}
	_, err := s.Plan(testDecision(sources.DirectionLong, 75, 200, 3), normalRisk, acct, equityInstrument())
	var re *RejectError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "insufficient_buying_power", re.Reason)
}

func TestPlan_MinOrderAboveProfileCap(t *testing.T) {
	cfg := testSizerConfig()
	cfg.MinOrderValueUSD = 50
	s := NewSizer(cfg, testLimits(), nil)

	// the cap is 10% of the $100 equity, so the $50 venue minimum cannot fit
	// under it even though buying power could cover it
	acct := broker.AccountSnapshot{Equity: 100, BuyingPower: 100}
	_, err := s.Plan(testDecision(sources.DirectionLong, 75, 200, 3), normalRisk, acct, equityInstrument())
	var re *RejectError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "position_cap_below_min_order", re.Reason)
}

func TestPlan_MinOrderAboveBuyingPower(t *testing.T) {
	cfg := testSizerConfig()
	cfg.MinOrderValueUSD = 50
	s := NewSizer(cfg, testLimits(), nil)

	// both the cap and the funds sit below the venue minimum; funds are the
	// reported constraint
	acct := broker.AccountSnapshot{Equity: 300, BuyingPower: 20}
	_, err := s.Plan(testDecision(sources.DirectionLong, 75, 200, 3), normalRisk, acct, equityInstrument())
	var re *RejectError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "insufficient_buying_power", re.Reason)
}

func TestPlan_TinyAccountFractionalFloor(t *testing.T) {
	s := NewSizer(testSizerConfig(), testLimits(), nil)

	inst := Instrument{Symbol: "BTCUSD", AssetClass: "crypto", Fractional: true}
	d := testDecision(sources.DirectionLong, 75, 40000, 3)
	d.Symbol = "BTC-USD"

	// $200 of buying power against a $40,000 instrument still yields a
	// nonzero fractional quantity via the min-notional bump
	p, err := s.Plan(d, normalRisk, broker.AccountSnapshot{Equity: 200, BuyingPower: 200}, inst)
	require.NoError(t, err)
	assert.True(t, p.Quantity.IsPositive())
	assert.True(t, decimal.NewFromFloat(0.00025).Equal(p.Quantity))
}

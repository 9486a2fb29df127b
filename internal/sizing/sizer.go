package sizing

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/quorumtrade/trading-core/internal/broker"
	"github.com/quorumtrade/trading-core/internal/consensus"
	"github.com/quorumtrade/trading-core/internal/observ"
	"github.com/quorumtrade/trading-core/internal/risk"
	"github.com/quorumtrade/trading-core/internal/sources"
)

// Action is what the sizer decided to do with a decision.
type Action string

const (
	ActionOpen  Action = "open"
	ActionClose Action = "close"
)

// Instrument describes how a tradable symbol can be sized and routed.
type Instrument struct {
	Symbol       string
	AssetClass   string // "equity" or "crypto"
	Fractional   bool
	QtyPrecision int32
}

// Plan is a sized, risk-checked order intent ready for execution.
type Plan struct {
	Action      Action
	Symbol      string
	Side        broker.Side
	Quantity    decimal.Decimal
	NotionalUSD float64
	VolScale    float64
	Boosted     bool
}

// RejectError explains why a decision produced no order. Reason is a stable
// token suitable for metrics and the ledger.
type RejectError struct {
	Reason string
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

func reject(reason, detail string) *RejectError {
	observ.IncCounter("sizing_rejections_total", map[string]string{"reason": reason})
	return &RejectError{Reason: reason, Detail: detail}
}

// Config carries the sizing knobs.
type Config struct {
	PositionSizePct           float64 // base notional as percent of buying power
	ConfidenceBoostThreshold  float64
	ConfidenceBoostPct        float64
	MinOrderValueUSD          float64
	FractionalPrecision       int32
	MinFractionalQty          float64
	VolBaselinePct            float64
	VolMinScale               float64
	SingleSourceMinConfidence float64
}

// Limits are the profile bounds the sizer enforces per order.
type Limits struct {
	MaxPositionSizePct float64
	MinConfidence      float64
	MaxOpenPositions   int
	MaxStopLossPct     float64         // widest allowed entry-to-stop distance
	AllowedSymbols     map[string]bool // empty means all symbols permitted
}

// Sizer turns decisions into bounded order plans. It never mutates account
// state; every call works off the snapshots it is handed.
type Sizer struct {
	cfg    Config
	limits Limits
	vol    *VolTracker
}

func NewSizer(cfg Config, limits Limits, vol *VolTracker) *Sizer {
	if cfg.VolMinScale <= 0 {
		cfg.VolMinScale = 0.25
	}
	return &Sizer{cfg: cfg, limits: limits, vol: vol}
}

// Plan sizes a decision against the account and risk snapshots. Opposite
// existing positions become full closes; closes stay permitted while trading
// is halted so the book can only shrink.
func (s *Sizer) Plan(d consensus.Decision, riskSnap risk.Snapshot, acct broker.AccountSnapshot, inst Instrument) (Plan, error) {
	side := broker.SideBuy
	wantPos := broker.PositionLong
	if d.Direction == sources.DirectionShort {
		side = broker.SideSell
		wantPos = broker.PositionShort
	}

	if pos, ok := acct.FindPosition(inst.Symbol); ok {
		if pos.Side == wantPos {
			return Plan{}, reject("duplicate_position", fmt.Sprintf("already %s %s", pos.Side, inst.Symbol))
		}
		// Opposite signal closes the existing position at its full quantity.
		closeSide := broker.SideSell
		if pos.Side == broker.PositionShort {
			closeSide = broker.SideBuy
		}
		observ.IncCounter("sizing_plans_total", map[string]string{"action": "close"})
		return Plan{
			Action:      ActionClose,
			Symbol:      d.Symbol,
			Side:        closeSide,
			Quantity:    pos.Quantity,
			NotionalUSD: pos.Quantity.InexactFloat64() * d.EntryPrice,
			VolScale:    1,
		}, nil
	}

	// Everything below opens new exposure, which a halt forbids.
	if riskSnap.Halted() {
		return Plan{}, reject("risk_halted", riskSnap.Reason)
	}

	minConf := s.limits.MinConfidence
	if d.ContributingSources == 1 && s.cfg.SingleSourceMinConfidence > minConf {
		minConf = s.cfg.SingleSourceMinConfidence
	}
	if d.Confidence < minConf {
		return Plan{}, reject("insufficient_confidence",
			fmt.Sprintf("confidence %.1f below minimum %.1f", d.Confidence, minConf))
	}

	if len(s.limits.AllowedSymbols) > 0 && !s.limits.AllowedSymbols[d.Symbol] {
		return Plan{}, reject("instrument_not_permitted", d.Symbol)
	}

	if s.limits.MaxOpenPositions > 0 && acct.OpenPositionCount() >= s.limits.MaxOpenPositions {
		return Plan{}, reject("max_open_positions",
			fmt.Sprintf("%d positions open, limit %d", acct.OpenPositionCount(), s.limits.MaxOpenPositions))
	}

	if d.EntryPrice <= 0 {
		return Plan{}, reject("zero_quantity", "no valid entry price")
	}

	if s.limits.MaxStopLossPct > 0 && d.StopPrice > 0 {
		stopDistPct := math.Abs(d.EntryPrice-d.StopPrice) / d.EntryPrice * 100
		if stopDistPct > s.limits.MaxStopLossPct {
			return Plan{}, reject("stop_too_wide",
				fmt.Sprintf("stop %.2f%% from entry, limit %.2f%%", stopDistPct, s.limits.MaxStopLossPct))
		}
	}

	notional := acct.BuyingPower * s.cfg.PositionSizePct / 100

	boosted := false
	if d.Confidence >= s.cfg.ConfidenceBoostThreshold {
		notional *= 1 + s.cfg.ConfidenceBoostPct/100
		boosted = true
	}

	volScale := 1.0
	if s.vol != nil && s.cfg.VolBaselinePct > 0 {
		if pct, ok := s.vol.CurrentPct(d.Symbol); ok && pct > s.cfg.VolBaselinePct {
			volScale = math.Max(s.cfg.VolBaselinePct/pct, s.cfg.VolMinScale)
			notional *= volScale
		}
	}

	maxNotional := acct.Equity * s.limits.MaxPositionSizePct / 100
	if notional > maxNotional {
		notional = maxNotional
	}

	if notional < s.cfg.MinOrderValueUSD {
		// Too small to be worth routing; bump to the venue minimum if the
		// profile cap still allows it, otherwise name the binding constraint.
		switch {
		case s.cfg.MinOrderValueUSD <= maxNotional:
			notional = s.cfg.MinOrderValueUSD
		case s.cfg.MinOrderValueUSD > acct.BuyingPower:
			return Plan{}, reject("insufficient_buying_power",
				fmt.Sprintf("minimum order value %.2f exceeds buying power %.2f", s.cfg.MinOrderValueUSD, acct.BuyingPower))
		default:
			return Plan{}, reject("position_cap_below_min_order",
				fmt.Sprintf("minimum order value %.2f exceeds position cap %.2f", s.cfg.MinOrderValueUSD, maxNotional))
		}
	}

	if side == broker.SideBuy && notional > acct.BuyingPower {
		return Plan{}, reject("insufficient_buying_power",
			fmt.Sprintf("need %.2f, have %.2f", notional, acct.BuyingPower))
	}

	qty := decimal.NewFromFloat(notional).Div(decimal.NewFromFloat(d.EntryPrice))
	if inst.Fractional {
		prec := s.cfg.FractionalPrecision
		if inst.QtyPrecision > 0 && inst.QtyPrecision < prec {
			prec = inst.QtyPrecision
		}
		qty = qty.RoundDown(prec)
		if qty.InexactFloat64() < s.cfg.MinFractionalQty {
			return Plan{}, reject("zero_quantity", "fractional quantity below venue minimum")
		}
	} else {
		qty = qty.Floor()
		if qty.Sign() <= 0 {
			return Plan{}, reject("zero_quantity",
				fmt.Sprintf("notional %.2f buys less than one share at %.2f", notional, d.EntryPrice))
		}
	}

	observ.IncCounter("sizing_plans_total", map[string]string{"action": "open"})
	return Plan{
		Action:      ActionOpen,
		Symbol:      d.Symbol,
		Side:        side,
		Quantity:    qty,
		NotionalUSD: qty.InexactFloat64() * d.EntryPrice,
		VolScale:    volScale,
		Boosted:     boosted,
	}, nil
}

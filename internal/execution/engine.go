package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quorumtrade/trading-core/internal/broker"
	"github.com/quorumtrade/trading-core/internal/consensus"
	"github.com/quorumtrade/trading-core/internal/ledger"
	"github.com/quorumtrade/trading-core/internal/observ"
	"github.com/quorumtrade/trading-core/internal/risk"
	"github.com/quorumtrade/trading-core/internal/sizing"
)

// Config carries the retry and bracket tuning for order routing.
type Config struct {
	MaxAttempts      int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	RateLimitBackoff time.Duration
	BracketAttempts  int
	BracketDelay     time.Duration
	DecisionExpiry   time.Duration
}

// RiskGate is the pre-submission check the engine consults. The governor's
// snapshot satisfies it.
type RiskGate interface {
	Snapshot() risk.Snapshot
	OnFill(ctx context.Context)
}

// Engine routes sized plans to the broker, drives the order lifecycle in the
// ledger, and degrades to simulated fills when the broker is unreachable.
type Engine struct {
	broker   broker.Broker
	ledger   *ledger.Ledger
	gate     RiskGate
	accounts *broker.AccountCache
	symbols  *SymbolMap
	cfg      Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	newID func() string
}

func NewEngine(b broker.Broker, l *ledger.Ledger, gate RiskGate, accounts *broker.AccountCache, symbols *SymbolMap, cfg Config) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BracketAttempts <= 0 {
		cfg.BracketAttempts = 2
	}
	return &Engine{
		broker:   b,
		ledger:   l,
		gate:     gate,
		accounts: accounts,
		symbols:  symbols,
		cfg:      cfg,
		now:      time.Now,
		sleep:    sleepCtx,
		newID:    uuid.NewString,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute routes one sized plan. The returned record reflects the order's
// final ledger state; a nil error with status REJECTED means the order was
// routed and the broker turned it down.
func (e *Engine) Execute(ctx context.Context, d consensus.Decision, plan sizing.Plan, inst sizing.Instrument) (ledger.OrderRecord, error) {
	now := e.now()
	if e.cfg.DecisionExpiry > 0 && d.Expired(now, e.cfg.DecisionExpiry) {
		e.closeDecision(d, ledger.OutcomeExpired, "decision_expired")
		observ.IncCounter("execution_skipped_total", map[string]string{"reason": "decision_expired"})
		return ledger.OrderRecord{}, fmt.Errorf("decision %s expired at routing time", d.DecisionID)
	}

	// The sizer already gated on risk state, but the halt could have landed
	// between sizing and routing. Closes remain allowed.
	if plan.Action == sizing.ActionOpen && e.gate.Snapshot().Halted() {
		e.closeDecision(d, ledger.OutcomeRejected, "risk_halted")
		observ.IncCounter("execution_skipped_total", map[string]string{"reason": "risk_halted"})
		return ledger.OrderRecord{}, errors.New("trading halted, open order refused")
	}

	if _, err := e.ledger.RecordDecision(d); err != nil {
		return ledger.OrderRecord{}, fmt.Errorf("record decision: %w", err)
	}

	venueSymbol := e.symbols.ToVenue(plan.Symbol)
	rec := ledger.OrderRecord{
		OrderID:    e.newID(),
		DecisionID: d.DecisionID,
		Symbol:     plan.Symbol,
		Side:       string(plan.Side),
		OrderType:  string(broker.TypeMarket),
		Quantity:   plan.Quantity,
		Status:     ledger.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.ledger.RecordOrder(rec); err != nil {
		if errors.Is(err, ledger.ErrOpenOrderExists) {
			observ.IncCounter("execution_skipped_total", map[string]string{"reason": "open_order_exists"})
			e.closeDecision(d, ledger.OutcomeRejected, "open_order_exists")
		}
		return ledger.OrderRecord{}, err
	}

	// An order now carries the decision; fills and broker rejections land on
	// the order side of the ledger.
	if err := e.ledger.RecordOutcome(d.DecisionID, ledger.OutcomeExecuted, ""); err != nil {
		observ.Error("ledger_append_failed", map[string]any{"decision_id": d.DecisionID, "error": err.Error()})
	}

	spec := broker.OrderSpec{
		Symbol:        venueSymbol,
		Side:          plan.Side,
		Quantity:      plan.Quantity,
		Type:          broker.TypeMarket,
		TimeInForce:   timeInForceFor(inst),
		ClientOrderID: rec.OrderID,
	}

	result, attempts, err := e.submitWithRetry(ctx, spec)
	rec.AttemptCount = attempts
	if err != nil {
		if broker.IsConnectivity(err) {
			return e.simulateFill(ctx, rec, d, plan)
		}
		rec.Status = ledger.StatusRejected
		rec.Reason = err.Error()
		rec.UpdatedAt = e.now()
		if lerr := e.ledger.UpdateOrder(rec); lerr != nil {
			observ.Error("ledger_update_failed", map[string]any{"order_id": rec.OrderID, "error": lerr.Error()})
		}
		observ.IncCounter("execution_orders_total", map[string]string{"status": "rejected"})
		return rec, nil
	}

	rec.BrokerOrderID = result.BrokerOrderID
	rec.UpdatedAt = e.now()
	switch {
	case result.Status == "filled":
		rec.Status = ledger.StatusFilled
		rec.FilledQty = result.FilledQty
		rec.AvgFillPrice = result.AvgFillPrice
	case result.FilledQty.Sign() > 0:
		rec.Status = ledger.StatusPartiallyFilled
		rec.FilledQty = result.FilledQty
		rec.AvgFillPrice = result.AvgFillPrice
	default:
		// Primaries are always market orders, which fill or reject at
		// submission; a venue that queues them would leave this record
		// SUBMITTED and hold its (symbol, side) slot until the venue
		// reports a terminal state.
		rec.Status = ledger.StatusSubmitted
	}
	if err := e.ledger.UpdateOrder(rec); err != nil {
		observ.Error("ledger_update_failed", map[string]any{"order_id": rec.OrderID, "error": err.Error()})
	}
	observ.IncCounter("execution_orders_total", map[string]string{"status": string(rec.Status)})

	if rec.FilledQty.Sign() > 0 {
		e.afterFill(ctx)
	}

	// Protective orders only make sense on fresh exposure. A close by
	// definition flattens the book, so it carries no brackets.
	if plan.Action == sizing.ActionOpen && rec.Status == ledger.StatusFilled {
		e.placeBrackets(ctx, d, plan, inst, venueSymbol)
	}
	return rec, nil
}

// closeDecision writes the decision and its terminal disposition when no
// order will carry the result.
func (e *Engine) closeDecision(d consensus.Decision, outcome ledger.Outcome, reason string) {
	if _, err := e.ledger.RecordDecision(d); err != nil {
		observ.Error("ledger_append_failed", map[string]any{"decision_id": d.DecisionID, "error": err.Error()})
		return
	}
	if err := e.ledger.RecordOutcome(d.DecisionID, outcome, reason); err != nil {
		observ.Error("ledger_append_failed", map[string]any{"decision_id": d.DecisionID, "error": err.Error()})
	}
}

func (e *Engine) submitWithRetry(ctx context.Context, spec broker.OrderSpec) (broker.SubmitResult, int, error) {
	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := e.sleep(ctx, e.backoff(attempt, lastErr)); err != nil {
				return broker.SubmitResult{}, attempt, broker.NewNetworkError("retry interrupted", err)
			}
		}

		result, err := e.broker.SubmitOrder(ctx, spec)
		if err == nil {
			return result, attempt + 1, nil
		}
		lastErr = err
		if !broker.IsRetryable(err) {
			observ.IncCounter("execution_submit_failures_total", map[string]string{"retryable": "false"})
			return broker.SubmitResult{}, attempt + 1, err
		}
		observ.IncCounter("execution_submit_failures_total", map[string]string{"retryable": "true"})
		observ.Warn("order_submit_retry", map[string]any{
			"symbol": spec.Symbol, "attempt": attempt + 1, "error": err.Error(),
		})
	}
	return broker.SubmitResult{}, e.cfg.MaxAttempts, lastErr
}

// backoff doubles per attempt from the base, capped; rate-limit failures wait
// at least the dedicated rate-limit interval.
func (e *Engine) backoff(attempt int, lastErr error) time.Duration {
	d := e.cfg.BackoffBase << (attempt - 1)
	if broker.IsRateLimit(lastErr) && d < e.cfg.RateLimitBackoff {
		d = e.cfg.RateLimitBackoff
	}
	if e.cfg.BackoffMax > 0 && d > e.cfg.BackoffMax {
		d = e.cfg.BackoffMax
	}
	return d
}

// simulateFill records a paper fill at the decision's entry price when the
// broker is unreachable after all retries. The position never reaches the
// venue; the flag keeps the ledger honest about that.
func (e *Engine) simulateFill(ctx context.Context, rec ledger.OrderRecord, d consensus.Decision, plan sizing.Plan) (ledger.OrderRecord, error) {
	rec.Status = ledger.StatusFilled
	rec.Simulated = true
	rec.BrokerOrderID = "sim-" + e.newID()
	rec.FilledQty = plan.Quantity
	rec.AvgFillPrice = d.EntryPrice
	rec.Reason = "broker unreachable, fill simulated"
	rec.UpdatedAt = e.now()

	if err := e.ledger.UpdateOrder(rec); err != nil {
		observ.Error("ledger_update_failed", map[string]any{"order_id": rec.OrderID, "error": err.Error()})
	}
	observ.Error("execution_degraded_to_sim", map[string]any{
		"order_id": rec.OrderID, "symbol": rec.Symbol, "qty": rec.FilledQty.String(),
	})
	observ.IncCounter("execution_orders_total", map[string]string{"status": "simulated"})
	e.afterFill(ctx)
	return rec, nil
}

// placeBrackets submits the stop-loss and take-profit legs independently. A
// failed leg is retried a fixed number of times and then abandoned with an
// alert; the filled primary is never unwound because of a bracket failure.
func (e *Engine) placeBrackets(ctx context.Context, d consensus.Decision, plan sizing.Plan, inst sizing.Instrument, venueSymbol string) {
	exitSide := broker.SideSell
	if plan.Side == broker.SideSell {
		exitSide = broker.SideBuy
	}
	tif := timeInForceFor(inst)

	legs := []struct {
		name string
		spec broker.OrderSpec
	}{
		{"stop_loss", broker.OrderSpec{
			Symbol: venueSymbol, Side: exitSide, Quantity: plan.Quantity,
			Type: broker.TypeStop, StopPrice: d.StopPrice, TimeInForce: tif,
		}},
		{"take_profit", broker.OrderSpec{
			Symbol: venueSymbol, Side: exitSide, Quantity: plan.Quantity,
			Type: broker.TypeLimit, LimitPrice: d.TargetPrice, TimeInForce: tif,
		}},
	}

	for _, leg := range legs {
		var err error
		for attempt := 0; attempt < e.cfg.BracketAttempts; attempt++ {
			if attempt > 0 {
				if e.sleep(ctx, e.cfg.BracketDelay) != nil {
					return
				}
			}
			if _, err = e.broker.SubmitOrder(ctx, leg.spec); err == nil {
				break
			}
		}
		if err != nil {
			observ.Error("bracket_placement_failed", map[string]any{
				"leg": leg.name, "symbol": plan.Symbol, "decision_id": d.DecisionID, "error": err.Error(),
			})
			observ.IncCounter("execution_bracket_failures_total", map[string]string{"leg": leg.name})
			continue
		}
		observ.IncCounter("execution_brackets_total", map[string]string{"leg": leg.name})
	}
}

func (e *Engine) afterFill(ctx context.Context) {
	if e.accounts != nil {
		e.accounts.Invalidate()
	}
	if e.gate != nil {
		e.gate.OnFill(ctx)
	}
}

// Crypto venues expect resting orders to be good-til-cancelled; equities
// default to day orders.
func timeInForceFor(inst sizing.Instrument) broker.TimeInForce {
	if inst.AssetClass == "crypto" {
		return broker.TIFGTC
	}
	return broker.TIFDay
}

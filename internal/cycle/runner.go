package cycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quorumtrade/trading-core/internal/broker"
	"github.com/quorumtrade/trading-core/internal/consensus"
	"github.com/quorumtrade/trading-core/internal/execution"
	"github.com/quorumtrade/trading-core/internal/ledger"
	"github.com/quorumtrade/trading-core/internal/observ"
	"github.com/quorumtrade/trading-core/internal/risk"
	"github.com/quorumtrade/trading-core/internal/sizing"
)

// Runner drives the decision pipeline on a fixed interval: aggregate, size,
// route, once per configured symbol. Symbols run concurrently up to a bound,
// but a symbol never overlaps itself; a slow pass skips ticks instead of
// stacking them.
type Runner struct {
	symbols       []string
	interval      time.Duration
	maxConcurrent int

	consensus   *consensus.Engine
	sizer       *sizing.Sizer
	exec        *execution.Engine
	led         *ledger.Ledger
	governor    *risk.Governor
	accounts    *broker.AccountCache
	vol         *sizing.VolTracker
	instruments map[string]sizing.Instrument

	mu        sync.Mutex
	busy      map[string]bool
	lastCycle atomic.Value // time.Time

	now func() time.Time
}

type RunnerDeps struct {
	Consensus   *consensus.Engine
	Sizer       *sizing.Sizer
	Exec        *execution.Engine
	Ledger      *ledger.Ledger
	Governor    *risk.Governor
	Accounts    *broker.AccountCache
	Vol         *sizing.VolTracker
	Instruments map[string]sizing.Instrument
}

func NewRunner(symbols []string, interval time.Duration, maxConcurrent int, deps RunnerDeps) *Runner {
	if maxConcurrent <= 0 {
		maxConcurrent = len(symbols)
	}
	r := &Runner{
		symbols:       symbols,
		interval:      interval,
		maxConcurrent: maxConcurrent,
		consensus:     deps.Consensus,
		sizer:         deps.Sizer,
		exec:          deps.Exec,
		led:           deps.Ledger,
		governor:      deps.Governor,
		accounts:      deps.Accounts,
		vol:           deps.Vol,
		instruments:   deps.Instruments,
		busy:          map[string]bool{},
		now:           time.Now,
	}
	r.lastCycle.Store(time.Time{})
	return r
}

// LastCycle reports when the last full pass completed. The supervisor uses
// this as the liveness signal.
func (r *Runner) LastCycle() time.Time {
	return r.lastCycle.Load().(time.Time)
}

// Run loops until ctx is done. One pass fires immediately on start.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context) {
	start := r.now()

	g := new(errgroup.Group)
	g.SetLimit(r.maxConcurrent)
	for _, symbol := range r.symbols {
		symbol := symbol
		g.Go(func() error {
			r.processSymbol(ctx, symbol)
			return nil
		})
	}
	_ = g.Wait()

	r.lastCycle.Store(r.now())
	observ.RecordDuration("cycle_pass", r.now().Sub(start), nil)
	observ.IncCounter("cycle_passes_total", nil)
}

func (r *Runner) acquire(symbol string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busy[symbol] {
		return false
	}
	r.busy[symbol] = true
	return true
}

func (r *Runner) release(symbol string) {
	r.mu.Lock()
	delete(r.busy, symbol)
	r.mu.Unlock()
}

func (r *Runner) processSymbol(ctx context.Context, symbol string) {
	if !r.acquire(symbol) {
		observ.IncCounter("cycle_symbol_skipped_total", map[string]string{"symbol": symbol, "reason": "busy"})
		return
	}
	defer r.release(symbol)

	d, ok := r.consensus.Aggregate(ctx, symbol)
	if !ok {
		return
	}
	if r.vol != nil {
		r.vol.Observe(symbol, d.EntryPrice)
	}

	if r.led.RecentDecision(symbol, string(d.Direction), r.now()) {
		observ.IncCounter("cycle_symbol_skipped_total", map[string]string{"symbol": symbol, "reason": "recent_decision"})
		return
	}

	acct, err := r.accounts.Get(ctx)
	if err != nil {
		observ.Warn("cycle_account_unavailable", map[string]any{"symbol": symbol, "error": err.Error()})
		return
	}

	inst, ok := r.instruments[symbol]
	if !ok {
		inst = sizing.Instrument{Symbol: symbol, AssetClass: "equity"}
	}

	plan, err := r.sizer.Plan(d, r.governor.Snapshot(), acct, inst)
	if err != nil {
		var re *sizing.RejectError
		if errors.As(err, &re) {
			observ.Debug("decision_not_actionable", map[string]any{
				"symbol": symbol, "decision_id": d.DecisionID, "reason": re.Reason, "detail": re.Detail,
			})
			// Rejected decisions still enter the audit trail, with the
			// stable reject token as the recorded outcome reason.
			if _, lerr := r.led.RecordDecision(d); lerr != nil {
				observ.Error("ledger_append_failed", map[string]any{"decision_id": d.DecisionID, "error": lerr.Error()})
			} else if lerr := r.led.RecordOutcome(d.DecisionID, ledger.OutcomeRejected, re.Reason); lerr != nil {
				observ.Error("ledger_append_failed", map[string]any{"decision_id": d.DecisionID, "error": lerr.Error()})
			}
			return
		}
		observ.Error("sizing_failed", map[string]any{"symbol": symbol, "error": err.Error()})
		return
	}

	rec, err := r.exec.Execute(ctx, d, plan, inst)
	if err != nil {
		observ.Warn("execution_refused", map[string]any{"symbol": symbol, "decision_id": d.DecisionID, "error": err.Error()})
		return
	}
	observ.Log("order_routed", map[string]any{
		"symbol": symbol, "decision_id": d.DecisionID, "order_id": rec.OrderID,
		"action": string(plan.Action), "status": string(rec.Status), "qty": rec.Quantity.String(),
		"simulated": rec.Simulated,
	})
}

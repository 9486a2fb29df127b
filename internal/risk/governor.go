package risk

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quorumtrade/trading-core/internal/broker"
	"github.com/quorumtrade/trading-core/internal/observ"
)

// State is the governor's trading posture.
type State string

const (
	StateNormal  State = "NORMAL"
	StateWarning State = "WARNING"
	StateHalted  State = "HALTED"
)

// Limits are the loss bounds the governor enforces, taken from the active
// limit profile.
type Limits struct {
	MaxDrawdownPct    float64
	DailyLossLimitPct float64
	WarningFraction   float64 // fraction of a limit at which WARNING engages
}

// Snapshot is an immutable view of governor state, safe to read from any
// goroutine without holding the governor's lock.
type Snapshot struct {
	State         State     `json:"state"`
	Reason        string    `json:"reason,omitempty"`
	Equity        float64   `json:"equity"`
	PeakEquity    float64   `json:"peak_equity"`
	DayOpenEquity float64   `json:"day_open_equity"`
	DrawdownPct   float64   `json:"drawdown_pct"`
	DailyLossPct  float64   `json:"daily_loss_pct"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Halted reports whether new entries are blocked.
func (s Snapshot) Halted() bool { return s.State == StateHalted }

// Event records one state transition for the audit surface.
type Event struct {
	From     State     `json:"from"`
	To       State     `json:"to"`
	Reason   string    `json:"reason"`
	Operator string    `json:"operator,omitempty"`
	At       time.Time `json:"at"`
}

const maxEvents = 128

// AccountProvider supplies the equity the governor evaluates against.
type AccountProvider interface {
	Get(ctx context.Context) (broker.AccountSnapshot, error)
}

// Governor owns the NORMAL/WARNING/HALTED state machine. All mutation happens
// on the governor's own methods under one lock; readers take lock-free
// snapshots. A halt is monotonic within a session and survives the UTC day
// rollover until an operator resets it.
type Governor struct {
	mu       sync.Mutex
	accounts AccountProvider
	limits   Limits
	interval time.Duration

	state         State
	reason        string
	peakEquity    float64
	dayOpenEquity float64
	day           time.Time // UTC midnight of the current trading day
	events        []Event

	snap atomic.Value // Snapshot

	now func() time.Time
}

// NewGovernor starts in NORMAL with no baseline; the first evaluation seeds
// the peak and day-open equity.
func NewGovernor(accounts AccountProvider, limits Limits, pollInterval time.Duration) *Governor {
	if limits.WarningFraction <= 0 || limits.WarningFraction >= 1 {
		limits.WarningFraction = 0.75
	}
	g := &Governor{
		accounts: accounts,
		limits:   limits,
		interval: pollInterval,
		state:    StateNormal,
		now:      time.Now,
	}
	g.snap.Store(Snapshot{State: StateNormal})
	return g
}

// Snapshot returns the latest published view without locking.
func (g *Governor) Snapshot() Snapshot {
	return g.snap.Load().(Snapshot)
}

// TradingPermitted reports whether new exposure may be opened.
func (g *Governor) TradingPermitted() bool {
	return !g.Snapshot().Halted()
}

// Events returns the recorded transitions, most recent last.
func (g *Governor) Events() []Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Event, len(g.events))
	copy(out, g.events)
	return out
}

// Run polls the account on the configured interval until ctx is done.
func (g *Governor) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	g.Evaluate(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Evaluate(ctx)
		}
	}
}

// OnFill re-evaluates immediately after a fill instead of waiting for the
// next poll tick.
func (g *Governor) OnFill(ctx context.Context) {
	g.Evaluate(ctx)
}

// Evaluate fetches equity and advances the state machine. Account fetch
// failures keep the previous state; stale limits are safer than flapping.
func (g *Governor) Evaluate(ctx context.Context) Snapshot {
	acct, err := g.accounts.Get(ctx)
	if err != nil {
		observ.Warn("risk_account_unavailable", map[string]any{"error": err.Error()})
		observ.IncCounter("risk_evaluations_total", map[string]string{"result": "error"})
		return g.Snapshot()
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	equity := acct.Equity

	day := now.UTC().Truncate(24 * time.Hour)
	if g.day.IsZero() {
		g.day = day
		g.dayOpenEquity = equity
		g.peakEquity = equity
	} else if day.After(g.day) {
		// New UTC day resets the daily baseline. A standing halt does not
		// clear; only an operator reset does.
		g.day = day
		g.dayOpenEquity = equity
		observ.Log("risk_day_rollover", map[string]any{"day_open_equity": equity})
	}
	if equity > g.peakEquity {
		g.peakEquity = equity
	}

	drawdownPct := 0.0
	if g.peakEquity > 0 {
		drawdownPct = (g.peakEquity - equity) / g.peakEquity * 100
	}
	dailyLossPct := 0.0
	if g.dayOpenEquity > 0 {
		dailyLossPct = (g.dayOpenEquity - equity) / g.dayOpenEquity * 100
	}

	if g.state != StateHalted {
		switch {
		case drawdownPct >= g.limits.MaxDrawdownPct:
			g.transitionLocked(StateHalted, "max_drawdown_breached", "")
		case dailyLossPct >= g.limits.DailyLossLimitPct:
			g.transitionLocked(StateHalted, "daily_loss_limit_breached", "")
		case drawdownPct >= g.limits.MaxDrawdownPct*g.limits.WarningFraction,
			dailyLossPct >= g.limits.DailyLossLimitPct*g.limits.WarningFraction:
			if g.state != StateWarning {
				g.transitionLocked(StateWarning, "approaching_loss_limits", "")
			}
		default:
			if g.state != StateNormal {
				g.transitionLocked(StateNormal, "within_limits", "")
			}
		}
	}

	snap := Snapshot{
		State:         g.state,
		Reason:        g.reason,
		Equity:        equity,
		PeakEquity:    g.peakEquity,
		DayOpenEquity: g.dayOpenEquity,
		DrawdownPct:   drawdownPct,
		DailyLossPct:  dailyLossPct,
		UpdatedAt:     now,
	}
	g.snap.Store(snap)

	observ.SetGauge("risk_drawdown_pct", drawdownPct, nil)
	observ.SetGauge("risk_daily_loss_pct", dailyLossPct, nil)
	observ.SetGauge("risk_equity", equity, nil)
	observ.IncCounter("risk_evaluations_total", map[string]string{"result": "ok"})
	return snap
}

// Reset is the operator-only exit from HALTED. It re-baselines peak and
// day-open equity to current equity so old losses do not immediately re-halt.
func (g *Governor) Reset(ctx context.Context, operator, reason string) error {
	acct, err := g.accounts.Get(ctx)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	prev := g.state
	g.state = StateNormal
	g.reason = ""
	g.peakEquity = acct.Equity
	g.dayOpenEquity = acct.Equity
	g.day = g.now().UTC().Truncate(24 * time.Hour)
	g.appendEventLocked(Event{From: prev, To: StateNormal, Reason: reason, Operator: operator, At: g.now()})

	snap := Snapshot{
		State:         StateNormal,
		Equity:        acct.Equity,
		PeakEquity:    acct.Equity,
		DayOpenEquity: acct.Equity,
		UpdatedAt:     g.now(),
	}
	g.snap.Store(snap)

	observ.Log("risk_reset", map[string]any{"operator": operator, "reason": reason, "from": string(prev)})
	observ.IncCounter("risk_resets_total", nil)
	return nil
}

func (g *Governor) transitionLocked(to State, reason, operator string) {
	from := g.state
	g.state = to
	g.reason = reason
	g.appendEventLocked(Event{From: from, To: to, Reason: reason, Operator: operator, At: g.now()})

	kv := map[string]any{"from": string(from), "to": string(to), "reason": reason}
	if to == StateHalted {
		observ.Error("risk_halted", kv)
	} else {
		observ.Log("risk_state_change", kv)
	}
	observ.IncCounter("risk_transitions_total", map[string]string{"to": string(to)})
}

func (g *Governor) appendEventLocked(ev Event) {
	g.events = append(g.events, ev)
	if len(g.events) > maxEvents {
		g.events = g.events[len(g.events)-maxEvents:]
	}
}

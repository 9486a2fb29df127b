package ledger

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quorumtrade/trading-core/internal/consensus"
	"github.com/quorumtrade/trading-core/internal/integrity"
	"github.com/quorumtrade/trading-core/internal/observ"
)

// OrderStatus is the lifecycle state of a routed order.
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusSubmitted       OrderStatus = "SUBMITTED"
	StatusFilled          OrderStatus = "FILLED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusCancelled       OrderStatus = "CANCELLED"
)

// Terminal reports whether the status ends the order's lifecycle.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusRejected || s == StatusCancelled
}

// Outcome is a decision's terminal disposition: an order was routed for it,
// the pipeline turned it down, or it went stale before routing.
type Outcome string

const (
	OutcomeExecuted Outcome = "EXECUTED"
	OutcomeRejected Outcome = "REJECTED"
	OutcomeExpired  Outcome = "EXPIRED"
)

// OutcomeRecord is the ledger's view of how a decision ended. Reason carries
// the stable rejection token when the outcome is REJECTED.
type OutcomeRecord struct {
	Outcome Outcome   `json:"outcome"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// OrderRecord is the ledger's view of one order.
type OrderRecord struct {
	OrderID       string          `json:"order_id"`
	DecisionID    string          `json:"decision_id"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	OrderType     string          `json:"order_type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Status        OrderStatus     `json:"status"`
	AttemptCount  int             `json:"attempt_count"`
	BrokerOrderID string          `json:"broker_order_id,omitempty"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	AvgFillPrice  float64         `json:"avg_fill_price,omitempty"`
	Simulated     bool            `json:"simulated,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	IntegrityHash string          `json:"integrity_hash"`
}

type entry struct {
	Type       string              `json:"type"` // "decision", "decision_outcome", "order", "order_update"
	RecordedAt time.Time           `json:"recorded_at"`
	Decision   *consensus.Decision `json:"decision,omitempty"`
	DecisionID string              `json:"decision_id,omitempty"`
	Outcome    Outcome             `json:"outcome,omitempty"`
	Reason     string              `json:"reason,omitempty"`
	Order      *OrderRecord        `json:"order,omitempty"`
}

// ErrOpenOrderExists is returned when a second live order for the same
// (symbol, side) pair is recorded before the first reaches a terminal state.
var ErrOpenOrderExists = errors.New("open order already exists for symbol and side")

// Ledger is an append-only JSONL audit log with in-memory indexes rebuilt by
// replaying the file on open. Appends are serialized and fsynced.
type Ledger struct {
	mu   sync.Mutex
	file *os.File
	path string

	decisions    map[string]consensus.Decision // decision id -> decision
	lastDecision map[string]time.Time          // symbol|direction -> generated at
	outcomes     map[string]OutcomeRecord      // decision id -> terminal disposition
	orders       map[string]OrderRecord        // order id -> latest state
	openBySymbol map[string]string             // symbol|side -> open order id
	dedupeWindow time.Duration

	now func() time.Time
}

// Open replays any existing ledger file and opens it for appending.
func Open(path string, dedupeWindow time.Duration) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	l := &Ledger{
		path:         path,
		decisions:    map[string]consensus.Decision{},
		lastDecision: map[string]time.Time{},
		outcomes:     map[string]OutcomeRecord{},
		orders:       map[string]OrderRecord{},
		openBySymbol: map[string]string{},
		dedupeWindow: dedupeWindow,
		now:          time.Now,
	}
	if err := l.replay(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	l.file = f
	return l, nil
}

func (l *Ledger) replay() error {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("replay ledger: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lines, skipped := 0, 0
	for sc.Scan() {
		lines++
		var e entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			// A torn final line from a crash mid-append is tolerated.
			skipped++
			continue
		}
		l.indexLocked(e)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("replay ledger: %w", err)
	}
	observ.Log("ledger_replayed", map[string]any{
		"path": l.path, "lines": lines, "skipped": skipped,
		"decisions": len(l.decisions), "open_orders": len(l.openBySymbol),
	})
	return nil
}

func (l *Ledger) indexLocked(e entry) {
	switch e.Type {
	case "decision":
		if e.Decision == nil {
			return
		}
		d := *e.Decision
		l.decisions[d.DecisionID] = d
		key := d.Symbol + "|" + string(d.Direction)
		if d.GeneratedAt.After(l.lastDecision[key]) {
			l.lastDecision[key] = d.GeneratedAt
		}
	case "decision_outcome":
		if e.DecisionID == "" || e.Outcome == "" {
			return
		}
		if _, ok := l.outcomes[e.DecisionID]; ok {
			return
		}
		l.outcomes[e.DecisionID] = OutcomeRecord{Outcome: e.Outcome, Reason: e.Reason, At: e.RecordedAt}
	case "order", "order_update":
		if e.Order == nil {
			return
		}
		o := *e.Order
		l.orders[o.OrderID] = o
		key := o.Symbol + "|" + o.Side
		if o.Status.Terminal() {
			if l.openBySymbol[key] == o.OrderID {
				delete(l.openBySymbol, key)
			}
		} else {
			l.openBySymbol[key] = o.OrderID
		}
	}
}

func (l *Ledger) appendLocked(e entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}
	if _, err := l.file.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync ledger: %w", err)
	}
	l.indexLocked(e)
	observ.IncCounter("ledger_entries_total", map[string]string{"type": e.Type})
	return nil
}

// RecordDecision appends a decision once. Re-recording a known decision ID is
// a no-op so retries cannot double-write, and the recorded return tells the
// caller whether this call did the write.
func (l *Ledger) RecordDecision(d consensus.Decision) (recorded bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.decisions[d.DecisionID]; ok {
		observ.IncCounter("ledger_dedupe_total", map[string]string{"type": "decision"})
		return false, nil
	}
	if err := l.appendLocked(entry{Type: "decision", RecordedAt: l.now(), Decision: &d}); err != nil {
		return false, err
	}
	return true, nil
}

// RecordOutcome appends the decision's terminal disposition. The first
// outcome recorded for a decision wins; later calls are no-ops so a retried
// routing pass cannot rewrite history.
func (l *Ledger) RecordOutcome(decisionID string, outcome Outcome, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.decisions[decisionID]; !ok {
		return fmt.Errorf("outcome for unknown decision %s", decisionID)
	}
	if _, ok := l.outcomes[decisionID]; ok {
		observ.IncCounter("ledger_dedupe_total", map[string]string{"type": "decision_outcome"})
		return nil
	}
	return l.appendLocked(entry{
		Type: "decision_outcome", RecordedAt: l.now(),
		DecisionID: decisionID, Outcome: outcome, Reason: reason,
	})
}

// DecisionOutcome returns the recorded disposition of a decision, if any.
func (l *Ledger) DecisionOutcome(decisionID string) (OutcomeRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.outcomes[decisionID]
	return rec, ok
}

// RecentDecision reports whether a decision with the same symbol and
// direction was recorded within the dedupe window of now.
func (l *Ledger) RecentDecision(symbol, direction string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	at, ok := l.lastDecision[symbol+"|"+direction]
	return ok && now.Sub(at) < l.dedupeWindow
}

// RecordOrder appends a new order, enforcing at most one live order per
// (symbol, side) pair.
func (l *Ledger) RecordOrder(o OrderRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := o.Symbol + "|" + o.Side
	if openID, ok := l.openBySymbol[key]; ok && openID != o.OrderID {
		observ.IncCounter("ledger_dedupe_total", map[string]string{"type": "order"})
		return fmt.Errorf("%w: %s %s held by %s", ErrOpenOrderExists, o.Symbol, o.Side, openID)
	}
	if o.IntegrityHash == "" {
		o.IntegrityHash = integrity.OrderHash(o.OrderID, o.DecisionID, o.Symbol, o.Side, o.OrderType, o.Quantity.String(), o.CreatedAt)
	}
	return l.appendLocked(entry{Type: "order", RecordedAt: l.now(), Order: &o})
}

// UpdateOrder appends the order's new state. Terminal states release the
// (symbol, side) slot for the next order.
func (l *Ledger) UpdateOrder(o OrderRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.orders[o.OrderID]; !ok {
		return fmt.Errorf("update for unknown order %s", o.OrderID)
	}
	return l.appendLocked(entry{Type: "order_update", RecordedAt: l.now(), Order: &o})
}

// Order returns the latest recorded state of an order.
func (l *Ledger) Order(orderID string) (OrderRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[orderID]
	return o, ok
}

// OpenOrder returns the live order ID for a (symbol, side) pair, if any.
func (l *Ledger) OpenOrder(symbol, side string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.openBySymbol[symbol+"|"+side]
	return id, ok
}

// QueryDecisions returns decisions generated in [from, to] with confidence at
// or above minConfidence, ordered by generation time.
func (l *Ledger) QueryDecisions(from, to time.Time, minConfidence float64) []consensus.Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]consensus.Decision, 0)
	for _, d := range l.decisions {
		if d.GeneratedAt.Before(from) || d.GeneratedAt.After(to) {
			continue
		}
		if d.Confidence < minConfidence {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GeneratedAt.Before(out[j].GeneratedAt) })
	return out
}

// Verify recomputes every decision's integrity hash against its stored one
// and returns the IDs that do not match.
func (l *Ledger) Verify() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var bad []string
	for id, d := range l.decisions {
		want := integrity.DecisionHash(
			d.DecisionID, d.Symbol, string(d.Direction), d.Confidence,
			d.ContributingSources, d.EntryPrice, d.TargetPrice, d.StopPrice, d.GeneratedAt,
		)
		if d.IntegrityHash != "" && d.IntegrityHash != want {
			bad = append(bad, id)
		}
	}
	return bad
}

// Close flushes and closes the backing file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

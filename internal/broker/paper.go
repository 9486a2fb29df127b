package broker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/quorumtrade/trading-core/internal/observ"
)

// PaperConfig tunes the simulated brokerage.
type PaperConfig struct {
	StartingEquity float64
	LatencyMsMin   int
	LatencyMsMax   int
	SlippageBpsMin int
	SlippageBpsMax int
	OrdersPerSec   float64
	Burst          int
}

type paperInstrument struct {
	basePrice  float64
	volatility float64 // daily volatility as decimal
	last       float64
}

// PaperBroker simulates a brokerage against a random-walk price feed. It
// implements Broker and also serves as the consensus engine's price source.
type PaperBroker struct {
	mu sync.Mutex

	cash        float64
	positions   map[string]Position
	instruments map[string]*paperInstrument
	random      *rand.Rand
	limiter     *rate.Limiter
	cfg         PaperConfig
	workingIDs  map[string]OrderSpec
}

// NewPaperBroker seeds the simulated venue with a default instrument set.
func NewPaperBroker(cfg PaperConfig, seed int64) *PaperBroker {
	b := &PaperBroker{
		cash:       cfg.StartingEquity,
		positions:  map[string]Position{},
		random:     rand.New(rand.NewSource(seed)),
		limiter:    rate.NewLimiter(rate.Limit(cfg.OrdersPerSec), cfg.Burst),
		cfg:        cfg,
		workingIDs: map[string]OrderSpec{},
		instruments: map[string]*paperInstrument{
			"AAPL":   {basePrice: 206.80, volatility: 0.025},
			"NVDA":   {basePrice: 450.00, volatility: 0.035},
			"MSFT":   {basePrice: 415.75, volatility: 0.022},
			"BTCUSD": {basePrice: 40000.00, volatility: 0.045},
			"ETHUSD": {basePrice: 2400.00, volatility: 0.055},
		},
	}
	for _, inst := range b.instruments {
		inst.last = inst.basePrice
	}
	return b
}

// AddInstrument registers an extra simulated instrument.
func (b *PaperBroker) AddInstrument(venueSymbol string, basePrice, volatility float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.instruments[strings.ToUpper(venueSymbol)] = &paperInstrument{
		basePrice:  basePrice,
		volatility: volatility,
		last:       basePrice,
	}
}

// LastPrice returns the current simulated price for a venue symbol.
func (b *PaperBroker) LastPrice(ctx context.Context, venueSymbol string) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	inst, ok := b.instruments[strings.ToUpper(venueSymbol)]
	if !ok {
		return 0, NewUnknownInstrumentError(venueSymbol)
	}
	return b.tickLocked(inst), nil
}

// tickLocked advances the random walk one step. Per-minute volatility derived
// from daily volatility over a 390-minute session.
func (b *PaperBroker) tickLocked(inst *paperInstrument) float64 {
	minuteVol := inst.volatility / math.Sqrt(390)
	inst.last *= 1 + b.random.NormFloat64()*minuteVol
	if inst.last <= 0 {
		inst.last = inst.basePrice
	}
	return inst.last
}

// GetAccount reports equity, buying power, and open positions.
func (b *PaperBroker) GetAccount(ctx context.Context) (AccountSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	equity := b.cash
	positions := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		if p.Quantity.IsZero() {
			continue
		}
		inst := b.instruments[p.Symbol]
		px := p.EntryPrice
		if inst != nil {
			px = inst.last
		}
		if p.Side == PositionShort {
			// shorts carry no cash at open, so only unrealized P&L counts
			equity += p.Quantity.InexactFloat64() * (p.EntryPrice - px)
		} else {
			equity += p.Quantity.InexactFloat64() * px
		}
		positions = append(positions, p)
	}

	return AccountSnapshot{
		Equity:      equity,
		BuyingPower: b.cash,
		Positions:   positions,
		FetchedAt:   time.Now(),
	}, nil
}

// SubmitOrder fills market orders at the simulated price with slippage and
// latency; limit/stop orders are accepted as working.
func (b *PaperBroker) SubmitOrder(ctx context.Context, spec OrderSpec) (SubmitResult, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return SubmitResult{}, NewNetworkError("rate limiter interrupted", err)
	}

	latency := time.Duration(b.cfg.LatencyMsMin) * time.Millisecond
	if span := b.cfg.LatencyMsMax - b.cfg.LatencyMsMin; span > 0 {
		b.mu.Lock()
		latency += time.Duration(b.random.Intn(span)) * time.Millisecond
		b.mu.Unlock()
	}
	select {
	case <-time.After(latency):
	case <-ctx.Done():
		return SubmitResult{}, NewNetworkError("submission interrupted", ctx.Err())
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	symbol := strings.ToUpper(spec.Symbol)
	inst, ok := b.instruments[symbol]
	if !ok {
		return SubmitResult{}, NewUnknownInstrumentError(symbol)
	}
	if spec.Quantity.Sign() <= 0 {
		return SubmitResult{}, NewRejectedError("non-positive quantity")
	}

	orderID := "paper-" + uuid.NewString()

	if spec.Type != TypeMarket {
		// Protective orders rest on the book; the paper venue just tracks them.
		b.workingIDs[orderID] = spec
		observ.IncCounter("paper_orders_total", map[string]string{"type": string(spec.Type), "status": "working"})
		return SubmitResult{BrokerOrderID: orderID, Status: "working"}, nil
	}

	px := b.tickLocked(inst)
	slipBps := float64(b.cfg.SlippageBpsMin)
	if span := b.cfg.SlippageBpsMax - b.cfg.SlippageBpsMin; span > 0 {
		slipBps += float64(b.random.Intn(span))
	}
	if spec.Side == SideBuy {
		px *= 1 + slipBps/10000
	} else {
		px *= 1 - slipBps/10000
	}

	if err := b.applyFillLocked(symbol, spec.Side, spec.Quantity, px); err != nil {
		return SubmitResult{}, err
	}

	observ.IncCounter("paper_orders_total", map[string]string{"type": "market", "status": "filled"})
	return SubmitResult{
		BrokerOrderID: orderID,
		Status:        "filled",
		FilledQty:     spec.Quantity,
		AvgFillPrice:  px,
	}, nil
}

func (b *PaperBroker) applyFillLocked(symbol string, side Side, qty decimal.Decimal, px float64) error {
	pos := b.positions[symbol]
	notional := qty.InexactFloat64() * px

	switch side {
	case SideBuy:
		if pos.Side == PositionShort && !pos.Quantity.IsZero() {
			// buy-to-cover
			cover := decimal.Min(qty, pos.Quantity)
			pnl := cover.InexactFloat64() * (pos.EntryPrice - px)
			b.cash += pnl
			pos.Quantity = pos.Quantity.Sub(cover)
			if pos.Quantity.IsZero() {
				delete(b.positions, symbol)
				return nil
			}
			b.positions[symbol] = pos
			return nil
		}
		if notional > b.cash {
			return NewRejectedError(fmt.Sprintf("insufficient buying power: need %.2f have %.2f", notional, b.cash))
		}
		b.cash -= notional
		if pos.Quantity.IsZero() {
			b.positions[symbol] = Position{Symbol: symbol, Side: PositionLong, Quantity: qty, EntryPrice: px}
		} else {
			total := pos.Quantity.Add(qty)
			avg := (pos.EntryPrice*pos.Quantity.InexactFloat64() + notional) / total.InexactFloat64()
			b.positions[symbol] = Position{Symbol: symbol, Side: PositionLong, Quantity: total, EntryPrice: avg}
		}
	case SideSell:
		if pos.Side == PositionLong && !pos.Quantity.IsZero() {
			closing := decimal.Min(qty, pos.Quantity)
			b.cash += closing.InexactFloat64() * px
			pos.Quantity = pos.Quantity.Sub(closing)
			if pos.Quantity.IsZero() {
				delete(b.positions, symbol)
			} else {
				b.positions[symbol] = pos
			}
			return nil
		}
		// opening or adding to a short
		if pos.Quantity.IsZero() {
			b.positions[symbol] = Position{Symbol: symbol, Side: PositionShort, Quantity: qty, EntryPrice: px}
		} else {
			total := pos.Quantity.Add(qty)
			avg := (pos.EntryPrice*pos.Quantity.InexactFloat64() + notional) / total.InexactFloat64()
			b.positions[symbol] = Position{Symbol: symbol, Side: PositionShort, Quantity: total, EntryPrice: avg}
		}
	}
	return nil
}

// CancelOrder cancels a working order.
func (b *PaperBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.workingIDs[brokerOrderID]; !ok {
		return NewRejectedError("unknown order id " + brokerOrderID)
	}
	delete(b.workingIDs, brokerOrderID)
	return nil
}

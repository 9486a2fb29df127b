package sizing

import (
	"math"
	"sync"
)

const minVolSamples = 10

// VolTracker keeps a rolling window of observed prices per symbol and derives
// a realized volatility percentage from the simple returns.
type VolTracker struct {
	mu     sync.Mutex
	window int
	prices map[string][]float64
}

func NewVolTracker(window int) *VolTracker {
	if window < minVolSamples {
		window = 60
	}
	return &VolTracker{window: window, prices: map[string][]float64{}}
}

// Observe records a price sample for a symbol.
func (v *VolTracker) Observe(symbol string, price float64) {
	if price <= 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	p := append(v.prices[symbol], price)
	if len(p) > v.window {
		p = p[len(p)-v.window:]
	}
	v.prices[symbol] = p
}

// CurrentPct returns the realized volatility as a percentage, and false when
// there are not enough samples to say anything.
func (v *VolTracker) CurrentPct(symbol string) (float64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	p := v.prices[symbol]
	if len(p) < minVolSamples {
		return 0, false
	}

	returns := make([]float64, 0, len(p)-1)
	for i := 1; i < len(p); i++ {
		if p[i-1] > 0 {
			returns = append(returns, p[i]/p[i-1]-1)
		}
	}
	if len(returns) < 2 {
		return 0, false
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)

	return math.Sqrt(variance) * 100, true
}

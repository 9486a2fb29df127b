package sources

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// SimAdapter produces synthetic opinions for paper trading and local runs.
// Each adapter has a directional bias so a set of sim adapters disagrees in a
// realistic way.
type SimAdapter struct {
	mu     sync.Mutex
	id     string
	bias   float64 // [-1,1], positive leans LONG
	random *rand.Rand

	latencyMin time.Duration
	latencyMax time.Duration
}

// NewSimAdapter creates a sim source. Seed controls the opinion stream so
// paper runs are reproducible.
func NewSimAdapter(id string, bias float64, seed int64) *SimAdapter {
	return &SimAdapter{
		id:         id,
		bias:       bias,
		random:     rand.New(rand.NewSource(seed)),
		latencyMin: 5 * time.Millisecond,
		latencyMax: 30 * time.Millisecond,
	}
}

func (s *SimAdapter) ID() string { return s.id }

// Fetch generates one opinion. Latency is simulated and the context deadline
// is honored.
func (s *SimAdapter) Fetch(ctx context.Context, symbol string) (Opinion, error) {
	s.mu.Lock()
	latency := s.latencyMin + time.Duration(s.random.Int63n(int64(s.latencyMax-s.latencyMin)))
	drift := s.random.NormFloat64()*0.4 + s.bias
	confidence := 55 + s.random.Float64()*40
	s.mu.Unlock()

	select {
	case <-time.After(latency):
	case <-ctx.Done():
		return Opinion{}, NewTimeoutError(s.id, ctx.Err())
	}

	direction := DirectionNeutral
	switch {
	case drift > 0.25:
		direction = DirectionLong
	case drift < -0.25:
		direction = DirectionShort
	}

	return Opinion{
		SourceID:   s.id,
		Symbol:     symbol,
		Direction:  direction,
		Confidence: confidence,
		ObservedAt: time.Now(),
	}, nil
}

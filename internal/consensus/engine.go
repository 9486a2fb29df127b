package consensus

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/quorumtrade/trading-core/internal/integrity"
	"github.com/quorumtrade/trading-core/internal/observ"
	"github.com/quorumtrade/trading-core/internal/sources"
)

// Pricer supplies the reference price used to stamp entry/target/stop on a
// decision. The broker's last-trade price satisfies this.
type Pricer interface {
	LastPrice(ctx context.Context, symbol string) (float64, error)
}

// Config carries the tunable consensus constants. The mechanisms (neutral
// splitting, agreement bonus, normalization) are fixed; the numbers are not.
type Config struct {
	SourceTimeout       time.Duration
	StalenessBound      time.Duration
	NeutralSplitFloor   float64 // NEUTRAL confidence at/above this splits into half-weight votes
	ScoreEpsilon        float64 // |direction score| below this is a tie
	AgreementFraction   float64
	AgreementBonusMin   float64
	AgreementBonusMax   float64
	SingleSourcePenalty float64 // multiplier applied when exactly one source survives
	TargetPct           float64
	StopPct             float64
}

// Engine fans out to every registered source and folds surviving opinions
// into one decision per Aggregate call.
type Engine struct {
	mu       sync.RWMutex
	adapters []sources.Adapter
	weights  map[string]float64 // source id -> static base weight
	regime   map[string]float64 // source id -> reduce-only adjustment in (0,1]
	health   map[string]*sources.Health
	pricer   Pricer
	cfg      Config

	now   func() time.Time
	newID func() string
}

// NewEngine registers the source set. Weights default to 1.0 for sources
// without an explicit base weight.
func NewEngine(adapters []sources.Adapter, weights map[string]float64, maxAuthErrors int, pricer Pricer, cfg Config) *Engine {
	health := make(map[string]*sources.Health, len(adapters))
	w := make(map[string]float64, len(adapters))
	for _, a := range adapters {
		health[a.ID()] = sources.NewHealth(a.ID(), maxAuthErrors)
		if bw, ok := weights[a.ID()]; ok && bw > 0 {
			w[a.ID()] = bw
		} else {
			w[a.ID()] = 1.0
		}
	}
	return &Engine{
		adapters: adapters,
		weights:  w,
		regime:   make(map[string]float64),
		health:   health,
		pricer:   pricer,
		cfg:      cfg,
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
}

// SetRegimeAdjustment applies a reduce-only weight factor for a source in an
// adverse market regime. Factors above 1 are clamped to 1; a weight can be
// reduced but never boosted.
func (e *Engine) SetRegimeAdjustment(sourceID string, factor float64) {
	if factor > 1 {
		factor = 1
	}
	if factor < 0 {
		factor = 0
	}
	e.mu.Lock()
	e.regime[sourceID] = factor
	e.mu.Unlock()
}

// SourceHealth exposes per-source health metrics for the status surface.
func (e *Engine) SourceHealth() map[string]map[string]any {
	out := make(map[string]map[string]any, len(e.health))
	for id, h := range e.health {
		out[id] = h.Metrics()
	}
	return out
}

type fetchResult struct {
	opinion sources.Opinion
	err     error
}

type voteDetail struct {
	SourceID     string  `json:"source_id"`
	Direction    string  `json:"direction"`
	Confidence   float64 `json:"confidence"`
	Weight       float64 `json:"weight"`
	NeutralSplit bool    `json:"neutral_split,omitempty"`
}

type aggregateDetail struct {
	DirectionScore float64      `json:"direction_score"`
	RawConfidence  float64      `json:"raw_confidence"`
	AgreementBonus float64      `json:"agreement_bonus"`
	SinglePenalty  bool         `json:"single_source_penalty,omitempty"`
	Votes          []voteDetail `json:"votes"`
}

// Aggregate issues one bounded request per registered source, excludes
// failures, timeouts, stale opinions, and disabled sources, and folds what
// survives into a decision. The second return is false when no decision can
// be made (tie, all neutral, nothing fresh, or no price).
//
// The fold is deterministic for a fixed opinion set: survivors are sorted by
// source ID before voting and no wall-clock jitter enters the weighted sum.
func (e *Engine) Aggregate(ctx context.Context, symbol string) (Decision, bool) {
	results := make([]fetchResult, len(e.adapters))

	g := new(errgroup.Group)
	for i, a := range e.adapters {
		if e.health[a.ID()].Disabled() {
			continue
		}
		i, a := i, a
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(ctx, e.cfg.SourceTimeout)
			defer cancel()

			start := time.Now()
			op, err := a.Fetch(fctx, symbol)
			if err != nil {
				e.health[a.ID()].RecordError(err)
				results[i] = fetchResult{err: err}
				return nil
			}
			e.health[a.ID()].RecordSuccess(time.Since(start))
			results[i] = fetchResult{opinion: op}
			return nil
		})
	}
	_ = g.Wait()

	now := e.now()
	survivors := make([]sources.Opinion, 0, len(results))
	for _, r := range results {
		if r.err != nil || r.opinion.SourceID == "" {
			continue
		}
		op := r.opinion
		if now.Sub(op.ObservedAt) > e.cfg.StalenessBound || op.Staleness > e.cfg.StalenessBound {
			observ.IncCounter("consensus_stale_excluded_total", map[string]string{"source": op.SourceID})
			continue
		}
		op.Confidence = clamp(op.Confidence, 0, 100)
		survivors = append(survivors, op)
	}
	sort.Slice(survivors, func(i, j int) bool { return survivors[i].SourceID < survivors[j].SourceID })

	if len(survivors) == 0 {
		observ.IncCounter("consensus_no_decision_total", map[string]string{"symbol": symbol, "reason": "no_fresh_opinions"})
		return Decision{}, false
	}

	e.mu.RLock()
	regime := make(map[string]float64, len(e.regime))
	for k, v := range e.regime {
		regime[k] = v
	}
	e.mu.RUnlock()

	var (
		longScore, shortScore float64
		confNum, confWeight   float64
		contributing          int
		allNeutral            = true
		votes                 []voteDetail
	)
	for _, op := range survivors {
		w := e.weights[op.SourceID]
		if f, ok := regime[op.SourceID]; ok {
			w *= f
		}
		if w <= 0 {
			continue
		}

		c := op.Confidence / 100
		switch op.Direction {
		case sources.DirectionLong:
			allNeutral = false
			longScore += w * c
		case sources.DirectionShort:
			allNeutral = false
			shortScore += w * c
		case sources.DirectionNeutral:
			// Strong-but-directionless opinions still influence the outcome:
			// split into half-weight votes on each side instead of dropping.
			if op.Confidence < e.cfg.NeutralSplitFloor {
				continue
			}
			longScore += w / 2 * c
			shortScore += w / 2 * c
		default:
			continue
		}

		confNum += w * op.Confidence
		confWeight += w
		contributing++
		votes = append(votes, voteDetail{
			SourceID:     op.SourceID,
			Direction:    string(op.Direction),
			Confidence:   op.Confidence,
			Weight:       w,
			NeutralSplit: op.Direction == sources.DirectionNeutral,
		})
	}

	if contributing == 0 || allNeutral {
		observ.IncCounter("consensus_no_decision_total", map[string]string{"symbol": symbol, "reason": "all_neutral"})
		return Decision{}, false
	}

	score := longScore - shortScore
	if math.Abs(score) < e.cfg.ScoreEpsilon {
		observ.IncCounter("consensus_no_decision_total", map[string]string{"symbol": symbol, "reason": "tie"})
		return Decision{}, false
	}

	direction := sources.DirectionLong
	if score < 0 {
		direction = sources.DirectionShort
	}

	// Confidence is normalized to the surviving weight base so a missing
	// source does not mechanically deflate it; a lone survivor instead pays
	// a penalty and faces the stricter single-source minimum downstream.
	confidence := confNum / confWeight
	singlePenalty := false
	if contributing == 1 {
		confidence *= e.cfg.SingleSourcePenalty
		singlePenalty = true
	}

	bonus := 0.0
	if contributing >= 2 {
		winning := math.Max(longScore, shortScore)
		fraction := winning / (longScore + shortScore)
		if fraction >= e.cfg.AgreementFraction {
			span := 1 - e.cfg.AgreementFraction
			if span <= 0 {
				bonus = e.cfg.AgreementBonusMax
			} else {
				bonus = e.cfg.AgreementBonusMin +
					(e.cfg.AgreementBonusMax-e.cfg.AgreementBonusMin)*(fraction-e.cfg.AgreementFraction)/span
			}
		}
	}
	confidence = clamp(confidence+bonus, 0, 100)

	entry, err := e.pricer.LastPrice(ctx, symbol)
	if err != nil || entry <= 0 {
		observ.Warn("consensus_price_unavailable", map[string]any{"symbol": symbol, "error": errString(err)})
		observ.IncCounter("consensus_no_decision_total", map[string]string{"symbol": symbol, "reason": "no_price"})
		return Decision{}, false
	}

	sign := 1.0
	if direction == sources.DirectionShort {
		sign = -1.0
	}
	target := entry * (1 + sign*e.cfg.TargetPct/100)
	stop := entry * (1 - sign*e.cfg.StopPct/100)

	detail, _ := json.Marshal(aggregateDetail{
		DirectionScore: score,
		RawConfidence:  confNum / confWeight,
		AgreementBonus: bonus,
		SinglePenalty:  singlePenalty,
		Votes:          votes,
	})

	d := Decision{
		DecisionID:          e.newID(),
		Symbol:              symbol,
		Direction:           direction,
		Confidence:          confidence,
		ContributingSources: contributing,
		EntryPrice:          entry,
		TargetPrice:         target,
		StopPrice:           stop,
		GeneratedAt:         now,
		VoteDetail:          string(detail),
	}
	d.IntegrityHash = integrity.DecisionHash(
		d.DecisionID, d.Symbol, string(d.Direction), d.Confidence,
		d.ContributingSources, d.EntryPrice, d.TargetPrice, d.StopPrice, d.GeneratedAt,
	)

	observ.IncCounter("consensus_decisions_total", map[string]string{"symbol": symbol, "direction": string(direction)})
	observ.SetGauge("consensus_last_confidence", confidence, map[string]string{"symbol": symbol})
	return d, true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/quorumtrade/trading-core/internal/broker"
	"github.com/quorumtrade/trading-core/internal/config"
	"github.com/quorumtrade/trading-core/internal/consensus"
	"github.com/quorumtrade/trading-core/internal/cycle"
	"github.com/quorumtrade/trading-core/internal/execution"
	"github.com/quorumtrade/trading-core/internal/ledger"
	"github.com/quorumtrade/trading-core/internal/observ"
	"github.com/quorumtrade/trading-core/internal/risk"
	"github.com/quorumtrade/trading-core/internal/sizing"
	"github.com/quorumtrade/trading-core/internal/sources"
	"github.com/quorumtrade/trading-core/internal/status"
)

// sourceBias gives each sim source its own drift so the sources disagree in
// interesting ways instead of moving in lockstep.
var sourceBias = map[string]float64{
	"momentum":  0.15,
	"meanrev":   -0.10,
	"sentiment": 0.05,
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "trader: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config yaml (defaults apply when empty)")
	flag.Parse()

	_ = godotenv.Load()

	var cfg config.Root
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg = config.Default()
	}

	observ.Init(cfg.LogLevel)
	defer observ.Sync()
	observ.Log("trader_starting", map[string]any{
		"mode": cfg.TradingMode, "profile": cfg.ActiveProfile, "symbols": cfg.Symbols,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	symbols := execution.NewSymbolMap()
	paper := broker.NewPaperBroker(broker.PaperConfig{
		StartingEquity: cfg.Broker.StartingEquity,
		LatencyMsMin:   cfg.Broker.LatencyMsMin,
		LatencyMsMax:   cfg.Broker.LatencyMsMax,
		SlippageBpsMin: cfg.Broker.SlippageBpsMin,
		SlippageBpsMax: cfg.Broker.SlippageBpsMax,
		OrdersPerSec:   cfg.Broker.OrdersPerSec,
		Burst:          cfg.Broker.Burst,
	}, time.Now().UnixNano())

	instruments := make(map[string]sizing.Instrument, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		instruments[sym] = instrumentFor(sym, symbols.ToVenue(sym))
	}

	accounts := broker.NewAccountCache(paper, time.Duration(cfg.Broker.AccountTTLSecs)*time.Second)

	profile := cfg.Profiles[cfg.ActiveProfile]
	governor := risk.NewGovernor(accounts, risk.Limits{
		MaxDrawdownPct:    profile.MaxDrawdownPct,
		DailyLossLimitPct: profile.DailyLossLimitPct,
		WarningFraction:   cfg.Risk.WarningFraction,
	}, time.Duration(cfg.Risk.PollIntervalSeconds)*time.Second)

	adapters := make([]sources.Adapter, 0, len(cfg.Consensus.Sources))
	weights := make(map[string]float64, len(cfg.Consensus.Sources))
	for i, sc := range cfg.Consensus.Sources {
		adapters = append(adapters, sources.NewSimAdapter(sc.ID, sourceBias[sc.ID], time.Now().UnixNano()+int64(i)))
		weights[sc.ID] = sc.BaseWeight
	}

	engine := consensus.NewEngine(adapters, weights, cfg.Consensus.MaxAuthErrors,
		&venuePricer{broker: paper, symbols: symbols},
		consensus.Config{
			SourceTimeout:       time.Duration(cfg.Consensus.SourceTimeoutMs) * time.Millisecond,
			StalenessBound:      time.Duration(cfg.Consensus.StalenessSeconds) * time.Second,
			NeutralSplitFloor:   cfg.Consensus.NeutralSplitFloor,
			ScoreEpsilon:        cfg.Consensus.ScoreEpsilon,
			AgreementFraction:   cfg.Consensus.AgreementFraction,
			AgreementBonusMin:   cfg.Consensus.AgreementBonusMin,
			AgreementBonusMax:   cfg.Consensus.AgreementBonusMax,
			SingleSourcePenalty: cfg.Consensus.SingleSourcePenalty,
			TargetPct:           cfg.Consensus.TargetPct,
			StopPct:             cfg.Consensus.StopPct,
		})
	for id, factor := range cfg.Consensus.RegimeAdjustments {
		engine.SetRegimeAdjustment(id, factor)
	}

	allowed := map[string]bool{}
	for _, s := range profile.AllowedSymbols {
		allowed[s] = true
	}
	vol := sizing.NewVolTracker(60)
	sizer := sizing.NewSizer(sizing.Config{
		PositionSizePct:           cfg.Sizing.PositionSizePct,
		ConfidenceBoostThreshold:  cfg.Sizing.ConfidenceBoostThreshold,
		ConfidenceBoostPct:        cfg.Sizing.ConfidenceBoostPct,
		MinOrderValueUSD:          cfg.Sizing.MinOrderValueUSD,
		FractionalPrecision:       cfg.Sizing.FractionalPrecision,
		MinFractionalQty:          cfg.Sizing.MinFractionalQty,
		VolBaselinePct:            cfg.Sizing.VolBaselinePct,
		VolMinScale:               cfg.Sizing.VolMinScale,
		SingleSourceMinConfidence: cfg.Consensus.SingleSourceMinConfidence,
	}, sizing.Limits{
		MaxPositionSizePct: profile.MaxPositionSizePct,
		MinConfidence:      profile.MinConfidence,
		MaxOpenPositions:   profile.MaxOpenPositions,
		MaxStopLossPct:     profile.MaxStopLossPct,
		AllowedSymbols:     allowed,
	}, vol)

	led, err := ledger.Open(cfg.Ledger.Path, time.Duration(cfg.Ledger.DedupeWindowSecs)*time.Second)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer led.Close()
	if bad := led.Verify(); len(bad) > 0 {
		observ.Error("ledger_integrity_mismatch", map[string]any{"decision_ids": bad})
	}

	exec := execution.NewEngine(paper, led, governor, accounts, symbols, execution.Config{
		MaxAttempts:      cfg.Execution.MaxAttempts,
		BackoffBase:      time.Duration(cfg.Execution.BackoffBaseMs) * time.Millisecond,
		BackoffMax:       time.Duration(cfg.Execution.BackoffMaxMs) * time.Millisecond,
		RateLimitBackoff: time.Duration(cfg.Execution.RateLimitBackoffMs) * time.Millisecond,
		BracketAttempts:  cfg.Execution.BracketAttempts,
		BracketDelay:     time.Duration(cfg.Execution.BracketDelayMs) * time.Millisecond,
		DecisionExpiry:   time.Duration(cfg.Execution.DecisionExpirySecs) * time.Second,
	})

	interval := time.Duration(cfg.Cycle.IntervalMs) * time.Millisecond
	runner := cycle.NewRunner(cfg.Symbols, interval, cfg.Cycle.MaxConcurrentSymbols, cycle.RunnerDeps{
		Consensus:   engine,
		Sizer:       sizer,
		Exec:        exec,
		Ledger:      led,
		Governor:    governor,
		Accounts:    accounts,
		Vol:         vol,
		Instruments: instruments,
	})

	window := time.Duration(cfg.Cycle.RestartWindowSecs) * time.Second
	cooldown := time.Duration(cfg.Cycle.EscalationCooldownSecs) * time.Second
	staleAfter := time.Duration(cfg.Cycle.LivenessFactor) * interval

	server := status.NewServer(cfg.Status.Addr, governor, engine, runner, cfg.TradingMode)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cycle.NewSupervisor("risk_governor", cfg.Cycle.MaxRestarts, window, cooldown, 0).
			Run(gctx, governor.Run, nil)
		return nil
	})
	g.Go(func() error {
		cycle.NewSupervisor("trading_cycle", cfg.Cycle.MaxRestarts, window, cooldown, staleAfter).
			Run(gctx, runner.Run, runner.LastCycle)
		return nil
	})
	g.Go(func() error { return server.Run(gctx) })

	err = g.Wait()
	observ.Log("trader_stopped", map[string]any{"error": errString(err)})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// venuePricer adapts the broker's venue-keyed price feed to the canonical
// symbols the consensus engine speaks.
type venuePricer struct {
	broker  *broker.PaperBroker
	symbols *execution.SymbolMap
}

func (p *venuePricer) LastPrice(ctx context.Context, symbol string) (float64, error) {
	return p.broker.LastPrice(ctx, p.symbols.ToVenue(symbol))
}

// instrumentFor keys the instrument by the venue symbol the broker reports
// positions under, so sizing can match holdings against account snapshots.
func instrumentFor(canonical, venue string) sizing.Instrument {
	if strings.Contains(canonical, "-") {
		return sizing.Instrument{Symbol: venue, AssetClass: "crypto", Fractional: true}
	}
	return sizing.Instrument{Symbol: venue, AssetClass: "equity"}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

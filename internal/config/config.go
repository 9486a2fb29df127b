package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LimitProfile is one named set of risk limits. The governor and sizer are
// profile-agnostic and simply read whichever profile is active.
type LimitProfile struct {
	MaxDrawdownPct     float64  `yaml:"max_drawdown_pct"`
	DailyLossLimitPct  float64  `yaml:"daily_loss_limit_pct"`
	MaxPositionSizePct float64  `yaml:"max_position_size_pct"`
	MinConfidence      float64  `yaml:"min_confidence"`
	MaxOpenPositions   int      `yaml:"max_open_positions"`
	MaxStopLossPct     float64  `yaml:"max_stop_loss_pct"`
	AllowedSymbols     []string `yaml:"allowed_symbols"` // empty = all configured symbols
}

// SourceConfig describes one registered opinion source.
type SourceConfig struct {
	ID         string  `yaml:"id"`
	BaseWeight float64 `yaml:"base_weight"`
}

type Consensus struct {
	SourceTimeoutMs           int                `yaml:"source_timeout_ms"`
	StalenessSeconds          int                `yaml:"staleness_seconds"`
	NeutralSplitFloor         float64            `yaml:"neutral_split_floor"`
	ScoreEpsilon              float64            `yaml:"score_epsilon"`
	AgreementFraction         float64            `yaml:"agreement_fraction"`
	AgreementBonusMin         float64            `yaml:"agreement_bonus_min"`
	AgreementBonusMax         float64            `yaml:"agreement_bonus_max"`
	SingleSourcePenalty       float64            `yaml:"single_source_penalty"`
	SingleSourceMinConfidence float64            `yaml:"single_source_min_confidence"`
	MaxAuthErrors             int                `yaml:"max_auth_errors"`
	TargetPct                 float64            `yaml:"target_pct"`
	StopPct                   float64            `yaml:"stop_pct"`
	Sources                   []SourceConfig     `yaml:"sources"`
	RegimeAdjustments         map[string]float64 `yaml:"regime_adjustments"` // source id -> factor in (0,1]
}

type Sizing struct {
	PositionSizePct          float64 `yaml:"position_size_pct"`
	ConfidenceBoostThreshold float64 `yaml:"confidence_boost_threshold"`
	ConfidenceBoostPct       float64 `yaml:"confidence_boost_pct"`
	MinOrderValueUSD         float64 `yaml:"min_order_value_usd"`
	FractionalPrecision      int32   `yaml:"fractional_precision"`
	MinFractionalQty         float64 `yaml:"min_fractional_qty"`
	VolBaselinePct           float64 `yaml:"vol_baseline_pct"`
	VolMinScale              float64 `yaml:"vol_min_scale"`
}

type Execution struct {
	MaxAttempts        int `yaml:"max_attempts"`
	BackoffBaseMs      int `yaml:"backoff_base_ms"`
	BackoffMaxMs       int `yaml:"backoff_max_ms"`
	RateLimitBackoffMs int `yaml:"rate_limit_backoff_ms"`
	BracketAttempts    int `yaml:"bracket_attempts"`
	BracketDelayMs     int `yaml:"bracket_delay_ms"`
	DecisionExpirySecs int `yaml:"decision_expiry_seconds"`
}

type Risk struct {
	PollIntervalSeconds int     `yaml:"poll_interval_seconds"`
	WarningFraction     float64 `yaml:"warning_fraction"` // fraction of limit at which WARNING engages
}

type Cycle struct {
	IntervalMs             int `yaml:"interval_ms"`
	MaxConcurrentSymbols   int `yaml:"max_concurrent_symbols"`
	LivenessFactor         int `yaml:"liveness_factor"` // stalled after factor*interval
	MaxRestarts            int `yaml:"max_restarts"`    // per restart window
	RestartWindowSecs      int `yaml:"restart_window_seconds"`
	EscalationCooldownSecs int `yaml:"escalation_cooldown_seconds"`
}

type Ledger struct {
	Path             string `yaml:"path"`
	DedupeWindowSecs int    `yaml:"dedupe_window_seconds"`
}

type Broker struct {
	LatencyMsMin   int     `yaml:"latency_ms_min"`
	LatencyMsMax   int     `yaml:"latency_ms_max"`
	SlippageBpsMin int     `yaml:"slippage_bps_min"`
	SlippageBpsMax int     `yaml:"slippage_bps_max"`
	OrdersPerSec   float64 `yaml:"orders_per_sec"`
	Burst          int     `yaml:"burst"`
	AccountTTLSecs int     `yaml:"account_ttl_seconds"`
	StartingEquity float64 `yaml:"starting_equity"`
}

type Status struct {
	Addr string `yaml:"addr"`
}

type Root struct {
	TradingMode   string                  `yaml:"trading_mode"` // paper | live
	LogLevel      string                  `yaml:"log_level"`
	Symbols       []string                `yaml:"symbols"`
	ActiveProfile string                  `yaml:"active_profile"` // default | prop_firm
	Profiles      map[string]LimitProfile `yaml:"profiles"`
	Consensus     Consensus               `yaml:"consensus"`
	Sizing        Sizing                  `yaml:"sizing"`
	Execution     Execution               `yaml:"execution"`
	Risk          Risk                    `yaml:"risk"`
	Cycle         Cycle                   `yaml:"cycle"`
	Ledger        Ledger                  `yaml:"ledger"`
	Broker        Broker                  `yaml:"broker"`
	Status        Status                  `yaml:"status"`
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	applyDefaults(&c)

	if _, ok := c.Profiles[c.ActiveProfile]; !ok {
		return c, fmt.Errorf("active_profile %q not defined in profiles", c.ActiveProfile)
	}
	return c, nil
}

// Default returns a fully-defaulted config without reading a file, used by
// tests and the paper-mode quickstart.
func Default() Root {
	var c Root
	applyDefaults(&c)
	return c
}

func applyDefaults(c *Root) {
	if c.TradingMode == "" {
		c.TradingMode = "paper"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if len(c.Symbols) == 0 {
		c.Symbols = []string{"AAPL", "NVDA", "BTC-USD"}
	}
	if c.ActiveProfile == "" {
		c.ActiveProfile = "default"
	}
	if c.Profiles == nil {
		c.Profiles = map[string]LimitProfile{}
	}
	if _, ok := c.Profiles["default"]; !ok {
		c.Profiles["default"] = LimitProfile{
			MaxDrawdownPct:     4.0,
			DailyLossLimitPct:  3.0,
			MaxPositionSizePct: 10.0,
			MinConfidence:      60,
			MaxOpenPositions:   8,
			MaxStopLossPct:     5.0,
		}
	}
	if _, ok := c.Profiles["prop_firm"]; !ok {
		c.Profiles["prop_firm"] = LimitProfile{
			MaxDrawdownPct:     2.0,
			DailyLossLimitPct:  1.5,
			MaxPositionSizePct: 5.0,
			MinConfidence:      70,
			MaxOpenPositions:   3,
			MaxStopLossPct:     2.0,
		}
	}

	cs := &c.Consensus
	if cs.SourceTimeoutMs == 0 {
		cs.SourceTimeoutMs = 2000
	}
	if cs.StalenessSeconds == 0 {
		cs.StalenessSeconds = 120
	}
	if cs.NeutralSplitFloor == 0 {
		cs.NeutralSplitFloor = 55
	}
	if cs.ScoreEpsilon == 0 {
		cs.ScoreEpsilon = 0.01
	}
	if cs.AgreementFraction == 0 {
		cs.AgreementFraction = 0.75
	}
	if cs.AgreementBonusMin == 0 {
		cs.AgreementBonusMin = 5
	}
	if cs.AgreementBonusMax == 0 {
		cs.AgreementBonusMax = 15
	}
	if cs.SingleSourcePenalty == 0 {
		cs.SingleSourcePenalty = 0.85
	}
	if cs.SingleSourceMinConfidence == 0 {
		cs.SingleSourceMinConfidence = 80
	}
	if cs.MaxAuthErrors == 0 {
		cs.MaxAuthErrors = 3
	}
	if cs.TargetPct == 0 {
		cs.TargetPct = 2.0
	}
	if cs.StopPct == 0 {
		cs.StopPct = 1.0
	}
	if len(cs.Sources) == 0 {
		cs.Sources = []SourceConfig{
			{ID: "momentum", BaseWeight: 1.0},
			{ID: "meanrev", BaseWeight: 0.8},
			{ID: "sentiment", BaseWeight: 0.6},
		}
	}

	sz := &c.Sizing
	if sz.PositionSizePct == 0 {
		sz.PositionSizePct = 2.0
	}
	if sz.ConfidenceBoostThreshold == 0 {
		sz.ConfidenceBoostThreshold = 90
	}
	if sz.ConfidenceBoostPct == 0 {
		sz.ConfidenceBoostPct = 50
	}
	if sz.MinOrderValueUSD == 0 {
		sz.MinOrderValueUSD = 10
	}
	if sz.FractionalPrecision == 0 {
		sz.FractionalPrecision = 6
	}
	if sz.MinFractionalQty == 0 {
		sz.MinFractionalQty = 0.000001
	}
	if sz.VolBaselinePct == 0 {
		sz.VolBaselinePct = 2.0
	}
	if sz.VolMinScale == 0 {
		sz.VolMinScale = 0.25
	}

	ex := &c.Execution
	if ex.MaxAttempts == 0 {
		ex.MaxAttempts = 3
	}
	if ex.BackoffBaseMs == 0 {
		ex.BackoffBaseMs = 100
	}
	if ex.BackoffMaxMs == 0 {
		ex.BackoffMaxMs = 5000
	}
	if ex.RateLimitBackoffMs == 0 {
		ex.RateLimitBackoffMs = 1000
	}
	if ex.BracketAttempts == 0 {
		ex.BracketAttempts = 2
	}
	if ex.BracketDelayMs == 0 {
		ex.BracketDelayMs = 250
	}
	if ex.DecisionExpirySecs == 0 {
		ex.DecisionExpirySecs = 300
	}

	if c.Risk.PollIntervalSeconds == 0 {
		c.Risk.PollIntervalSeconds = 5
	}
	if c.Risk.WarningFraction == 0 {
		c.Risk.WarningFraction = 0.75
	}

	cy := &c.Cycle
	if cy.IntervalMs == 0 {
		cy.IntervalMs = 5000
	}
	if cy.MaxConcurrentSymbols == 0 {
		cy.MaxConcurrentSymbols = 4
	}
	if cy.LivenessFactor == 0 {
		cy.LivenessFactor = 3
	}
	if cy.MaxRestarts == 0 {
		cy.MaxRestarts = 5
	}
	if cy.RestartWindowSecs == 0 {
		cy.RestartWindowSecs = 600
	}
	if cy.EscalationCooldownSecs == 0 {
		cy.EscalationCooldownSecs = 300
	}

	if c.Ledger.Path == "" {
		c.Ledger.Path = "data/ledger.jsonl"
	}
	if c.Ledger.DedupeWindowSecs == 0 {
		c.Ledger.DedupeWindowSecs = 90
	}

	br := &c.Broker
	if br.LatencyMsMin == 0 {
		br.LatencyMsMin = 10
	}
	if br.LatencyMsMax == 0 {
		br.LatencyMsMax = 50
	}
	if br.SlippageBpsMin == 0 {
		br.SlippageBpsMin = 1
	}
	if br.SlippageBpsMax == 0 {
		br.SlippageBpsMax = 5
	}
	if br.OrdersPerSec == 0 {
		br.OrdersPerSec = 5
	}
	if br.Burst == 0 {
		br.Burst = 10
	}
	if br.AccountTTLSecs == 0 {
		br.AccountTTLSecs = 5
	}
	if br.StartingEquity == 0 {
		br.StartingEquity = 100000
	}

	if c.Status.Addr == "" {
		c.Status.Addr = ":8090"
	}
}

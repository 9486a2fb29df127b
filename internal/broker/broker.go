package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the order side at the broker boundary.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// PositionSide is the direction of an open holding.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// OrderType at the broker boundary.
type OrderType string

const (
	TypeMarket OrderType = "market"
	TypeLimit  OrderType = "limit"
	TypeStop   OrderType = "stop"
)

// TimeInForce per venue rules. Some instrument classes require GTC.
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
)

// OrderSpec is a broker-ready order instruction. Symbol must already be in
// venue form.
type OrderSpec struct {
	Symbol        string
	Side          Side
	Quantity      decimal.Decimal
	Type          OrderType
	LimitPrice    float64
	StopPrice     float64
	TimeInForce   TimeInForce
	ClientOrderID string
}

// SubmitResult is the broker's acknowledgement of a submission.
type SubmitResult struct {
	BrokerOrderID string
	Status        string // "filled", "working", "rejected"
	FilledQty     decimal.Decimal
	AvgFillPrice  float64
}

// Position is a current holding as reported by the broker.
type Position struct {
	Symbol     string
	Side       PositionSide
	Quantity   decimal.Decimal
	EntryPrice float64
}

// AccountSnapshot is a point-in-time view of the trading account.
type AccountSnapshot struct {
	Equity      float64
	BuyingPower float64
	Positions   []Position
	FetchedAt   time.Time
}

// FindPosition returns the open position for a symbol, if any.
func (a AccountSnapshot) FindPosition(symbol string) (Position, bool) {
	for _, p := range a.Positions {
		if p.Symbol == symbol && !p.Quantity.IsZero() {
			return p, true
		}
	}
	return Position{}, false
}

// OpenPositionCount returns the number of nonzero positions.
func (a AccountSnapshot) OpenPositionCount() int {
	n := 0
	for _, p := range a.Positions {
		if !p.Quantity.IsZero() {
			n++
		}
	}
	return n
}

// Broker is the consumed brokerage interface. Implementations are expected
// to require venue-specific symbol formats.
type Broker interface {
	GetAccount(ctx context.Context) (AccountSnapshot, error)
	SubmitOrder(ctx context.Context, spec OrderSpec) (SubmitResult, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
}

// OrderError classifies submission failures so the execution engine can pick
// the right retry/backoff/fallback path without string matching.
type OrderError struct {
	Type    string // "network", "rate_limit", "unknown_instrument", "permission", "rejected", "insufficient_asset"
	Message string
	Cause   error
}

func (e *OrderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *OrderError) Unwrap() error { return e.Cause }

// Retryable reports whether the failure class is worth another attempt.
func (e *OrderError) Retryable() bool {
	return e.Type == "network" || e.Type == "rate_limit"
}

func NewNetworkError(message string, cause error) *OrderError {
	return &OrderError{Type: "network", Message: message, Cause: cause}
}

func NewRateLimitError(message string) *OrderError {
	return &OrderError{Type: "rate_limit", Message: message}
}

func NewUnknownInstrumentError(symbol string) *OrderError {
	return &OrderError{Type: "unknown_instrument", Message: "unknown instrument " + symbol}
}

func NewPermissionError(message string) *OrderError {
	return &OrderError{Type: "permission", Message: message}
}

func NewRejectedError(message string) *OrderError {
	return &OrderError{Type: "rejected", Message: message}
}

func NewInsufficientAssetError(message string) *OrderError {
	return &OrderError{Type: "insufficient_asset", Message: message}
}

// IsRetryable reports whether err allows another submission attempt.
func IsRetryable(err error) bool {
	var oe *OrderError
	if errors.As(err, &oe) {
		return oe.Retryable()
	}
	return false
}

// IsRateLimit reports whether err is a rate-limit-class failure, which earns
// a longer backoff than generic transient failures.
func IsRateLimit(err error) bool {
	var oe *OrderError
	if errors.As(err, &oe) {
		return oe.Type == "rate_limit"
	}
	return false
}

// IsConnectivity reports whether err means the live execution path is
// unavailable, which triggers the simulated-fill degradation.
func IsConnectivity(err error) bool {
	var oe *OrderError
	if errors.As(err, &oe) {
		return oe.Type == "network"
	}
	return false
}

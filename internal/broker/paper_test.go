package broker

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPaperConfig() PaperConfig {
	return PaperConfig{
		StartingEquity: 100000,
		OrdersPerSec:   1000,
		Burst:          1000,
	}
}

func TestPaperBroker_UnknownInstrument(t *testing.T) {
	b := NewPaperBroker(testPaperConfig(), 1)

	_, err := b.LastPrice(context.Background(), "ZZZZ")
	var oe *OrderError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "unknown_instrument", oe.Type)

	_, err = b.SubmitOrder(context.Background(), OrderSpec{
		Symbol: "ZZZZ", Side: SideBuy, Quantity: decimal.NewFromInt(1), Type: TypeMarket,
	})
	assert.ErrorAs(t, err, &oe)
}

func TestPaperBroker_MarketBuyUpdatesBook(t *testing.T) {
	b := NewPaperBroker(testPaperConfig(), 1)

	res, err := b.SubmitOrder(context.Background(), OrderSpec{
		Symbol: "AAPL", Side: SideBuy, Quantity: decimal.NewFromInt(10), Type: TypeMarket,
	})
	require.NoError(t, err)
	assert.Equal(t, "filled", res.Status)
	assert.True(t, decimal.NewFromInt(10).Equal(res.FilledQty))
	assert.Greater(t, res.AvgFillPrice, 0.0)

	acct, err := b.GetAccount(context.Background())
	require.NoError(t, err)
	pos, ok := acct.FindPosition("AAPL")
	require.True(t, ok)
	assert.Equal(t, PositionLong, pos.Side)
	assert.True(t, decimal.NewFromInt(10).Equal(pos.Quantity))
	assert.InDelta(t, 100000-10*res.AvgFillPrice, acct.BuyingPower, 0.01)
}

func TestPaperBroker_SellClosesLong(t *testing.T) {
	b := NewPaperBroker(testPaperConfig(), 1)
	ctx := context.Background()

	_, err := b.SubmitOrder(ctx, OrderSpec{
		Symbol: "AAPL", Side: SideBuy, Quantity: decimal.NewFromInt(10), Type: TypeMarket,
	})
	require.NoError(t, err)

	_, err = b.SubmitOrder(ctx, OrderSpec{
		Symbol: "AAPL", Side: SideSell, Quantity: decimal.NewFromInt(10), Type: TypeMarket,
	})
	require.NoError(t, err)

	acct, err := b.GetAccount(ctx)
	require.NoError(t, err)
	_, open := acct.FindPosition("AAPL")
	assert.False(t, open)
	assert.Equal(t, 0, acct.OpenPositionCount())
}

func TestPaperBroker_InsufficientBuyingPowerRejected(t *testing.T) {
	cfg := testPaperConfig()
	cfg.StartingEquity = 100
	b := NewPaperBroker(cfg, 1)

	_, err := b.SubmitOrder(context.Background(), OrderSpec{
		Symbol: "NVDA", Side: SideBuy, Quantity: decimal.NewFromInt(100), Type: TypeMarket,
	})
	var oe *OrderError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "rejected", oe.Type)
}

func TestPaperBroker_RestingOrderAndCancel(t *testing.T) {
	b := NewPaperBroker(testPaperConfig(), 1)
	ctx := context.Background()

	res, err := b.SubmitOrder(ctx, OrderSpec{
		Symbol: "AAPL", Side: SideSell, Quantity: decimal.NewFromInt(5),
		Type: TypeStop, StopPrice: 190,
	})
	require.NoError(t, err)
	assert.Equal(t, "working", res.Status)

	require.NoError(t, b.CancelOrder(ctx, res.BrokerOrderID))
	assert.Error(t, b.CancelOrder(ctx, res.BrokerOrderID), "second cancel must fail")
}

type countingBroker struct {
	Broker
	calls int
}

func (c *countingBroker) GetAccount(ctx context.Context) (AccountSnapshot, error) {
	c.calls++
	return AccountSnapshot{Equity: 100000, BuyingPower: 100000, FetchedAt: time.Now()}, nil
}

func TestAccountCache_TTLAndInvalidate(t *testing.T) {
	inner := &countingBroker{}
	c := NewAccountCache(inner, 5*time.Second)
	now := time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := c.Get(ctx)
	require.NoError(t, err)
	_, err = c.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, inner.calls, "second read within TTL is a cache hit")

	now = now.Add(6 * time.Second)
	_, err = c.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls, "TTL expiry refetches")

	c.Invalidate()
	_, err = c.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, inner.calls, "invalidation forces refetch")
}

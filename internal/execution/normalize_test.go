package execution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSymbolMap_RoundTrip(t *testing.T) {
	m := NewSymbolMap()

	assert.Equal(t, "AAPL", m.ToVenue("AAPL"))
	assert.Equal(t, "BTCUSD", m.ToVenue("BTC-USD"))
	assert.Equal(t, "BTC-USD", m.ToCanonical("BTCUSD"))
	assert.Equal(t, "AAPL", m.ToCanonical("AAPL"))
}

func TestSymbolMap_ExplicitRegistration(t *testing.T) {
	m := NewSymbolMap()
	require.NoError(t, m.Register("BRK.B", "BRK-B"))

	assert.Equal(t, "BRK-B", m.ToVenue("BRK.B"))
	assert.Equal(t, "BRK.B", m.ToCanonical("BRK-B"))
}

func TestSymbolMap_ConflictingRegistrationRejected(t *testing.T) {
	m := NewSymbolMap()
	require.NoError(t, m.Register("BTC-USD", "BTCUSD"))
	assert.Error(t, m.Register("BTC-USDT", "BTCUSD"))
}

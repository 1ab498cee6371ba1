package exchange

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic_SetAndCopy(t *testing.T) {
	s := NewStatic()
	got, err := s.GetOpenPositions(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	s.Set(Position{Symbol: "ETH/USDT", Side: "SELL", Amount: decimal.RequireFromString("2")})
	got, err = s.GetOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)

	got[0].Symbol = "mutated"
	again, err := s.GetOpenPositions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ETH/USDT", again[0].Symbol)
}

func TestStatic_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewStatic().GetOpenPositions(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exchange.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
positions:
  - symbol: btc/usdt
    side: BUY
    amount: "0.10"
    price: "50000.5"
    exchange_order_id: "ord-1"
  - symbol: ETH/USDT
    side: short
    amount: -2
`), 0o644))

	got, err := NewFile(path).GetOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "btc/usdt", got[0].Symbol)
	assert.Equal(t, "BUY", got[0].Side)
	assert.True(t, got[0].Amount.Equal(decimal.RequireFromString("0.1")))
	assert.True(t, got[0].Price.Equal(decimal.RequireFromString("50000.5")))
	assert.Equal(t, "ord-1", got[0].ExchangeOrderID)

	assert.True(t, got[1].Amount.Equal(decimal.NewFromInt(-2)))
	assert.True(t, got[1].Price.IsZero())
}

func TestFile_JSON(t *testing.T) {
	got, err := ParseSnapshot([]byte(`{"positions":[{"symbol":"SOL/USDT","side":"LONG","amount":"3","price":"150"}]}`))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "SOL/USDT", got[0].Symbol)
}

func TestFile_Errors(t *testing.T) {
	_, err := NewFile(filepath.Join(t.TempDir(), "missing.yaml")).GetOpenPositions(context.Background())
	assert.Error(t, err)

	_, err = ParseSnapshot([]byte("positions:\n  - symbol: X\n    amount: abc\n"))
	assert.ErrorContains(t, err, "positions[0].amount")
}

func TestFile_EmptyIsNotNil(t *testing.T) {
	got, err := ParseSnapshot([]byte("positions: []\n"))
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

package position

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestUnrealizedPnL(t *testing.T) {
	tests := []struct {
		name    string
		side    Side
		entry   string
		mark    string
		amount  string
		wantPnL string
		wantPct string
	}{
		{"long gain", SideLong, "50000", "51000", "0.1", "100", "2"},
		{"long loss", SideLong, "50000", "49000", "0.1", "-100", "-2"},
		{"short gain", SideShort, "50000", "49000", "0.1", "100", "2"},
		{"short loss", SideShort, "2000", "2100", "3", "-300", "-5"},
		{"flat", SideLong, "10", "10", "7", "0", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pnl, pct := UnrealizedPnL(tt.side, d(tt.entry), d(tt.mark), d(tt.amount))
			assert.True(t, pnl.Equal(d(tt.wantPnL)), "pnl = %s, want %s", pnl, tt.wantPnL)
			assert.True(t, pct.Equal(d(tt.wantPct)), "pct = %s, want %s", pct, tt.wantPct)
		})
	}
}

func TestRealizedPnL_SubtractsFees(t *testing.T) {
	pnl, pct := RealizedPnL(SideLong, d("50000"), d("51500"), d("0.1"), d("0"))
	assert.True(t, pnl.Equal(d("150")), "pnl = %s", pnl)
	assert.True(t, pct.Equal(d("3")), "pct = %s", pct)

	pnl, _ = RealizedPnL(SideLong, d("50000"), d("51500"), d("0.1"), d("2.5"))
	assert.True(t, pnl.Equal(d("147.5")), "pnl = %s", pnl)
}

func TestPercentOf_ZeroBase(t *testing.T) {
	assert.True(t, percentOf(d("5"), decimal.Zero).IsZero())
}

func TestDriftPct(t *testing.T) {
	assert.True(t, DriftPct(d("1"), d("1")).IsZero())
	assert.True(t, DriftPct(d("1.001"), d("1")).Equal(d("0.1")))
	assert.True(t, DriftPct(d("0.9"), d("1")).Equal(d("10")))
	assert.True(t, DriftPct(d("1"), decimal.Zero).Equal(d("100")))
	assert.True(t, DriftPct(decimal.Zero, decimal.Zero).IsZero())
}

func TestParseSide(t *testing.T) {
	for in, want := range map[string]Side{
		"LONG": SideLong, "long": SideLong, " buy ": SideLong,
		"SHORT": SideShort, "Sell": SideShort,
	} {
		got, err := ParseSide(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseSide("sideways")
	require.Error(t, err)
	assert.True(t, IsValidation(err))
}

func TestNormalizeSymbol(t *testing.T) {
	assert.Equal(t, "BTC/USDT", NormalizeSymbol("  btc/usdt "))
	// "e" + combining acute composes to a single rune under NFC.
	assert.Equal(t, "\u00c9", NormalizeSymbol("e\u0301"))
}

func TestNormalizeText(t *testing.T) {
	got, err := NormalizeText(FieldNotes, "cafe\u0301")
	require.NoError(t, err)
	assert.Equal(t, "caf\u00e9", got)

	_, err = NormalizeText(FieldNotes, "bad\xff")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, FieldNotes, ve.Field)

	md, err := NormalizeMetadata(map[string]string{"re\u0301": "e\u0301"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"r\u00e9": "\u00e9"}, md)

	md, err = NormalizeMetadata(nil)
	require.NoError(t, err)
	assert.Nil(t, md)
}

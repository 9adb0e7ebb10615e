package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePx(t *testing.T) {
	testCases := []struct {
		desc     string
		input    string
		expected Px
		err      error
	}{
		{"integer", "100", 1_000_000, nil},
		{"two decimals", "100.05", 1_000_500, nil},
		{"full scale", "0.0001", 1, nil},
		{"negative", "-1.5", -15_000, nil},
		{"too precise", "1.00001", 0, ErrPrecisionLoss},
		{"garbage", "abc", 0, ErrInvalidNumber},
		{"overflow", "1000000000000000000", 0, ErrNumberOverflow},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			got, err := ParsePx(tc.input)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, got)
		})
	}
}

func TestParseQtyRejectsNegative(t *testing.T) {
	_, err := ParseQty("-3")
	require.ErrorIs(t, err, ErrNegativeNumber)
}

func TestScaledString(t *testing.T) {
	require.Equal(t, "100.0500", MustPx("100.05").String())
	require.Equal(t, "0.0001", Px(1).String())
	require.Equal(t, "-1.5000", Px(-15_000).String())
	require.Equal(t, "15.0000", MustQty("15").String())
	require.True(t, MustPx("99.99").Decimal().Equal(MustPx("99.99").Decimal()))
}

func TestSymbol(t *testing.T) {
	testCases := []struct {
		desc     string
		input    string
		expected string
	}{
		{"plain", "BTCUSDT", "BTCUSDT"},
		{"separators", "ES-2026.Z", "ES-2026.Z"},
		{"max cap", "ABCDEFGHIJKLMNOP", "ABCDEFGHIJKLMNOP"},
		{"overflow", "ABCDEFGHIJKLMNOPQRS", "ABCDEFGHIJKLMNOP"},
		{"stops at unsupported", "AAPL#1", "AAPL"},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			s := NewSymbol(tc.input)
			if s.String() != tc.expected {
				t.Fatalf("symbol mismatch! should be %s but got %s", tc.expected, s.String())
			}
		})
	}
}

func TestParseSymbol(t *testing.T) {
	_, err := ParseSymbol("")
	require.ErrorIs(t, err, ErrSymbolEmpty)

	_, err = ParseSymbol("ABCDEFGHIJKLMNOPQ")
	require.ErrorIs(t, err, ErrSymbolTooLong)

	_, err = ParseSymbol("AAPL#")
	require.ErrorIs(t, err, ErrSymbolCharset)

	sym, err := ParseSymbol("AAPL")
	require.NoError(t, err)
	require.Equal(t, NewSymbol("AAPL"), sym)
	require.False(t, sym.IsZero())
	require.True(t, Symbol{}.IsZero())
}

func TestRegistry(t *testing.T) {
	var empty *Registry
	require.True(t, empty.Allows(NewSymbol("ANY")))
	require.False(t, empty.Allows(Symbol{}))

	reg, err := NewRegistryFromNames([]string{"AAPL", "MSFT"})
	require.NoError(t, err)
	require.Equal(t, 2, reg.Count())
	require.True(t, reg.Allows(NewSymbol("AAPL")))
	require.False(t, reg.Allows(NewSymbol("TSLA")))

	require.ErrorIs(t, reg.Add(NewSymbol("AAPL")), ErrSymbolExists)

	sym, ok := reg.SymbolAt(1)
	require.True(t, ok)
	require.Equal(t, "MSFT", sym.String())
}

func TestSideOpposite(t *testing.T) {
	require.Equal(t, SideAsk, SideBid.Opposite())
	require.Equal(t, SideBid, SideAsk.Opposite())
	require.False(t, SideUnknown.Valid())
	require.True(t, KindTrade.Valid())
	require.False(t, UpdateKind(9).Valid())
}

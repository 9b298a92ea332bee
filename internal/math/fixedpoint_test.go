package math_test

import (
	stdmath "math"
	"testing"

	fpmath "LendLedger/internal/math"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdd_Overflow(t *testing.T) {
	_, err := fpmath.Add(stdmath.MaxUint64, 1)
	require.ErrorIs(t, err, fpmath.ErrOverflow)

	sum, err := fpmath.Add(40, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), sum)
}

func TestSub_Underflow(t *testing.T) {
	_, err := fpmath.Sub(1, 2)
	require.ErrorIs(t, err, fpmath.ErrUnderflow)

	diff, err := fpmath.Sub(10, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), diff)
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// MaxUint64 * 100 overflows 64 bits but the quotient fits
	got, err := fpmath.MulDiv(stdmath.MaxUint64, 100, 200, fpmath.RoundDown)
	require.NoError(t, err)
	assert.Equal(t, uint64(stdmath.MaxUint64/2), got)
}

func TestMulDiv_Rounding(t *testing.T) {
	down, err := fpmath.MulDiv(8, 10, 100, fpmath.RoundDown)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), down)

	up, err := fpmath.MulDiv(8, 10, 100, fpmath.RoundUp)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), up)
}

func TestMulDiv_Errors(t *testing.T) {
	_, err := fpmath.MulDiv(1, 1, 0, fpmath.RoundDown)
	require.ErrorIs(t, err, fpmath.ErrDivByZero)

	_, err = fpmath.MulDiv(stdmath.MaxUint64, stdmath.MaxUint64, 1, fpmath.RoundDown)
	require.ErrorIs(t, err, fpmath.ErrOverflow)
}

func TestProduct_Compare(t *testing.T) {
	lhs := fpmath.Product(10, fpmath.PriceConfig.Scale, 100)
	rhs := fpmath.Product(7, fpmath.PriceConfig.Scale, 150)
	assert.True(t, lhs.Lt(rhs), "10*100 must be below 7*150")
}

func TestParseDecimal(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
	}{
		{"1", 100_000_000},
		{"1.25", 125_000_000},
		{"0.00000001", 1},
		{".5", 50_000_000},
		{"2.500000000", 250_000_000},
	}
	for _, tt := range tests {
		got, err := fpmath.ParseDecimal(tt.in, fpmath.PriceConfig)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseDecimal_RejectsSubUnitPrecision(t *testing.T) {
	_, err := fpmath.ParseDecimal("0.000000001", fpmath.PriceConfig)
	require.ErrorIs(t, err, fpmath.ErrPrecision)
}

func TestParseDecimal_Malformed(t *testing.T) {
	for _, in := range []string{"", "1.", "abc", "-1", "1.2.3"} {
		_, err := fpmath.ParseDecimal(in, fpmath.PriceConfig)
		assert.Error(t, err, in)
	}
}

func TestFormatDecimal(t *testing.T) {
	assert.Equal(t, "1.25", fpmath.FormatDecimal(125_000_000, fpmath.PriceConfig))
	assert.Equal(t, "3", fpmath.FormatDecimal(300_000_000, fpmath.PriceConfig))
	assert.Equal(t, "0.00000001", fpmath.FormatDecimal(1, fpmath.PriceConfig))
}

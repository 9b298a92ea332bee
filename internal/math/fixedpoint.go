package math

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"

	"github.com/holiman/uint256"
)

var (
	ErrOverflow  = errors.New("fixed-point overflow")
	ErrUnderflow = errors.New("fixed-point underflow")
	ErrPrecision = errors.New("value finer than the smallest representable unit")
	ErrDivByZero = errors.New("division by zero")
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int    // Number of decimal places
	Scale            uint64 // 10^DecimalPrecision
}

var (
	// PriceConfig is the scale of the oracle price (value of one collateral unit in accounting units).
	PriceConfig = DecimalConfig{DecimalPrecision: 8, Scale: 100_000_000}

	// PercentConfig expresses ratios such as 150 (= 150%).
	PercentConfig = DecimalConfig{DecimalPrecision: 2, Scale: 100}
)

type RoundingMode int

const (
	RoundDown RoundingMode = iota
	RoundUp
)

// Add returns a + b or ErrOverflow.
func Add(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return sum, nil
}

// Sub returns a - b or ErrUnderflow.
func Sub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, ErrUnderflow
	}
	return diff, nil
}

func Min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// Product multiplies up to four uint64 factors into a 256-bit value.
// Four factors cannot overflow 256 bits, so no error is returned.
func Product(factors ...uint64) *uint256.Int {
	if len(factors) > 4 {
		panic(fmt.Sprintf("math.Product: %d factors may overflow 256 bits", len(factors)))
	}
	result := uint256.NewInt(1)
	for _, f := range factors {
		result.Mul(result, uint256.NewInt(f))
	}
	return result
}

// MulDiv computes a * b / denominator with a 256-bit intermediate.
// Returns ErrOverflow if the quotient does not fit in uint64.
func MulDiv(a, b, denominator uint64, mode RoundingMode) (uint64, error) {
	if denominator == 0 {
		return 0, ErrDivByZero
	}

	numerator := Product(a, b)
	denom := uint256.NewInt(denominator)

	quotient := new(uint256.Int)
	remainder := new(uint256.Int)
	quotient.DivMod(numerator, denom, remainder)

	if mode == RoundUp && !remainder.IsZero() {
		quotient.AddUint64(quotient, 1)
	}

	if !quotient.IsUint64() {
		return 0, ErrOverflow
	}
	return quotient.Uint64(), nil
}

// ParseDecimal converts "12.5" into fixed-point units of cfg.
// Inputs with more fractional digits than cfg allows are rejected instead of truncated.
func ParseDecimal(s string, cfg DecimalConfig) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty decimal")
	}

	whole, frac, hasFrac := strings.Cut(s, ".")
	if hasFrac && frac == "" {
		return 0, fmt.Errorf("malformed decimal %q", s)
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > cfg.DecimalPrecision {
		// Trailing zeros carry no precision
		trimmed := strings.TrimRight(frac[cfg.DecimalPrecision:], "0")
		if trimmed != "" {
			return 0, fmt.Errorf("%q with %d decimals: %w", s, cfg.DecimalPrecision, ErrPrecision)
		}
		frac = frac[:cfg.DecimalPrecision]
	}

	w, err := parseDigits(whole)
	if err != nil {
		return 0, fmt.Errorf("malformed decimal %q: %w", s, err)
	}

	frac += strings.Repeat("0", cfg.DecimalPrecision-len(frac))
	f, err := parseDigits(frac)
	if err != nil {
		return 0, fmt.Errorf("malformed decimal %q: %w", s, err)
	}

	scaled, err := MulDiv(w, cfg.Scale, 1, RoundDown)
	if err != nil {
		return 0, err
	}
	return Add(scaled, f)
}

// FormatDecimal renders fixed-point units of cfg as a decimal string.
func FormatDecimal(v uint64, cfg DecimalConfig) string {
	if cfg.DecimalPrecision == 0 {
		return fmt.Sprintf("%d", v)
	}
	whole := v / cfg.Scale
	frac := v % cfg.Scale
	if frac == 0 {
		return fmt.Sprintf("%d", whole)
	}
	fracStr := fmt.Sprintf("%0*d", cfg.DecimalPrecision, frac)
	return fmt.Sprintf("%d.%s", whole, strings.TrimRight(fracStr, "0"))
}

func parseDigits(s string) (uint64, error) {
	var v uint64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("invalid digit %q", r)
		}
		next, err := MulDiv(v, 10, 1, RoundDown)
		if err != nil {
			return 0, err
		}
		v, err = Add(next, uint64(r-'0'))
		if err != nil {
			return 0, err
		}
	}
	return v, nil
}

package allowance

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

// decimalPattern is the JSON number grammar, which is also what the limit
// is persisted as.
var decimalPattern = regexp.MustCompile(`^-?(0|[1-9][0-9]*)(\.[0-9]+)?([eE][+-]?[0-9]+)?$`)

// DefaultScale is the number of minor units per major unit as a power of ten
// (1 AR = 10^12 winston).
const DefaultScale = 12

// ToMinorUnits converts a non-negative decimal amount in major units into
// integer minor units. Digits beyond the scale are truncated.
func ToMinorUnits(major string, scale int) (*big.Int, error) {
	if scale < 0 {
		return nil, fmt.Errorf("allowance: negative scale %d", scale)
	}
	s := strings.TrimSpace(major)
	if s == "" {
		return nil, fmt.Errorf("allowance: empty amount")
	}
	if !decimalPattern.MatchString(s) {
		return nil, fmt.Errorf("allowance: invalid amount %q", major)
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("allowance: invalid amount %q", major)
	}
	if r.Sign() < 0 {
		return nil, fmt.Errorf("allowance: negative amount %q", major)
	}
	factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(scale)), nil)
	r.Mul(r, new(big.Rat).SetInt(factor))
	return new(big.Int).Quo(r.Num(), r.Denom()), nil
}

// FormatMajor renders minor units back as a major-unit decimal string with
// trailing zeros removed.
func FormatMajor(minor *big.Int, scale int) string {
	if scale <= 0 {
		return minor.String()
	}
	factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(scale)), nil)
	q, m := new(big.Int).QuoRem(minor, factor, new(big.Int))
	if m.Sign() == 0 {
		return q.String()
	}
	frac := m.String()
	if pad := scale - len(frac); pad > 0 {
		frac = strings.Repeat("0", pad) + frac
	}
	return q.String() + "." + strings.TrimRight(frac, "0")
}

// normalizeDecimal strips surrounding space and a leading '+' so the value
// is a valid JSON number literal.
func normalizeDecimal(s string) string {
	s = strings.TrimSpace(s)
	return strings.TrimPrefix(s, "+")
}

package settlement

import (
	"fmt"
	"math/big"
	"strings"
)

// MulDecimal multiplies two non-negative decimal strings exactly: the
// decimal points are stripped, the digit strings multiplied as big
// integers, and the combined point re-inserted, with trailing zeros
// trimmed. No IEEE floats anywhere, so "0.1" × "0.2" is exactly "0.02".
func MulDecimal(a, b string) (string, error) {
	aDigits, aScale, err := splitDecimal(a)
	if err != nil {
		return "", err
	}
	bDigits, bScale, err := splitDecimal(b)
	if err != nil {
		return "", err
	}

	product := new(big.Int).Mul(aDigits, bDigits)
	scale := aScale + bScale
	if scale == 0 {
		return product.String(), nil
	}

	s := product.String()
	if len(s) <= scale {
		s = strings.Repeat("0", scale-len(s)+1) + s
	}
	point := len(s) - scale
	s = s[:point] + "." + s[point:]

	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "" {
		s = "0"
	}
	return s, nil
}

// splitDecimal returns the digit string as an integer plus the number of
// fractional places.
func splitDecimal(v string) (*big.Int, int, error) {
	intPart, fracPart, _ := strings.Cut(v, ".")
	digits := intPart + fracPart
	if digits == "" {
		return nil, 0, fmt.Errorf("empty decimal %q", v)
	}
	n, ok := new(big.Int).SetString(digits, 10)
	if !ok || n.Sign() < 0 {
		return nil, 0, fmt.Errorf("%q is not a non-negative decimal", v)
	}
	return n, len(fracPart), nil
}

package config

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/math"
)

var (
	ErrEmptyAmount   = errors.New("amount required")
	ErrInvalidAmount = errors.New("invalid amount")
)

// unitExponents maps a unit suffix to its power of ten. "token" resolves to
// the token's decimals at parse time.
var unitExponents = map[string]int{
	"wei":   0,
	"gwei":  9,
	"ether": 18,
	"eth":   18,
}

// ParseAmount parses "42", "0x2a", "42 ether", "0.5 ether" or
// "250000000 token" into base units. The result must fit in 256 bits.
func ParseAmount(raw string, tokenDecimals uint8) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, ErrEmptyAmount
	}
	fields := strings.Fields(trimmed)
	if len(fields) > 2 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	if len(fields) == 1 {
		value, ok := math.ParseBig256(fields[0])
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
		}
		return value, nil
	}

	unit := strings.ToLower(fields[1])
	exp, ok := unitExponents[unit]
	if unit == "token" || unit == "tokens" {
		exp, ok = int(tokenDecimals), true
	}
	if !ok {
		return nil, fmt.Errorf("%w: unknown unit %q", ErrInvalidAmount, fields[1])
	}
	value, err := scaleDecimal(fields[0], exp)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, raw, err)
	}
	if value.BitLen() > 256 {
		return nil, fmt.Errorf("%w: %q exceeds 256 bits", ErrInvalidAmount, raw)
	}
	return value, nil
}

func scaleDecimal(number string, exp int) (*big.Int, error) {
	whole, frac, hasFrac := strings.Cut(number, ".")
	if whole == "" {
		whole = "0"
	}
	if hasFrac && frac == "" {
		return nil, errors.New("missing fraction digits")
	}
	if len(frac) > exp {
		return nil, fmt.Errorf("more than %d fraction digits", exp)
	}
	digits := whole + frac + strings.Repeat("0", exp-len(frac))
	for _, r := range digits {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("unexpected character %q", r)
		}
	}
	value, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, errors.New("not a number")
	}
	return value, nil
}

// FormatUnits renders base units with the given number of decimals, trimming
// trailing zeros.
func FormatUnits(value *big.Int, decimals uint8) string {
	if value == nil {
		return "0"
	}
	if decimals == 0 {
		return value.String()
	}
	neg := value.Sign() < 0
	digits := new(big.Int).Abs(value).String()
	if len(digits) <= int(decimals) {
		digits = strings.Repeat("0", int(decimals)-len(digits)+1) + digits
	}
	whole := digits[:len(digits)-int(decimals)]
	frac := strings.TrimRight(digits[len(digits)-int(decimals):], "0")
	out := whole
	if frac != "" {
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}

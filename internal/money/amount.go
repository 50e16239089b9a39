package money

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// currencySymbols lists prefixes stripped from string prices before parsing.
var currencySymbols = []string{"$", "₹", "€", "£", "¥", "Rs.", "Rs", "INR", "USD"}

// Amount is the single money type used across the storefront. The zero value is 0.
type Amount struct {
	value decimal.Decimal
}

// Zero is the zero amount.
var Zero = Amount{}

// NewFromInt builds an amount from whole currency units.
func NewFromInt(units int64) Amount {
	return Amount{value: decimal.NewFromInt(units)}
}

// NewFromFloat builds an amount from a float; NaN and infinities collapse to zero.
func NewFromFloat(f float64) Amount {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Zero
	}
	return Amount{value: decimal.NewFromFloat(f)}
}

// MustParse parses a decimal string and panics on failure. Intended for constants and tests.
func MustParse(s string) Amount {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(fmt.Sprintf("money: invalid amount %q: %v", s, err))
	}
	return Amount{value: d}
}

// ParsePrice normalises a catalog price into an Amount. Numbers are taken as-is, strings
// may carry a leading currency symbol and thousands separators. Anything malformed or
// negative yields zero.
func ParsePrice(raw any) Amount {
	var out Amount
	switch v := raw.(type) {
	case nil:
		return Zero
	case Amount:
		out = v
	case *Amount:
		if v == nil {
			return Zero
		}
		out = *v
	case float64:
		out = NewFromFloat(v)
	case float32:
		out = NewFromFloat(float64(v))
	case int:
		out = NewFromInt(int64(v))
	case int64:
		out = NewFromInt(v)
	case int32:
		out = NewFromInt(int64(v))
	case json.Number:
		out = parsePriceString(v.String())
	case string:
		out = parsePriceString(v)
	default:
		return Zero
	}
	if out.value.IsNegative() {
		return Zero
	}
	return out
}

func parsePriceString(raw string) Amount {
	s := strings.TrimSpace(raw)
	for {
		trimmed := false
		for _, sym := range currencySymbols {
			if strings.HasPrefix(s, sym) {
				s = strings.TrimSpace(strings.TrimPrefix(s, sym))
				trimmed = true
			}
		}
		if !trimmed {
			break
		}
	}
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero
	}
	return Amount{value: d}
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount {
	return Amount{value: a.value.Add(b.value)}
}

// Sub returns a - b.
func (a Amount) Sub(b Amount) Amount {
	return Amount{value: a.value.Sub(b.value)}
}

// MulInt multiplies by a whole quantity.
func (a Amount) MulInt(n int) Amount {
	return Amount{value: a.value.Mul(decimal.NewFromInt(int64(n)))}
}

// MulRate multiplies by a decimal rate such as a tax percentage.
func (a Amount) MulRate(rate decimal.Decimal) Amount {
	return Amount{value: a.value.Mul(rate)}
}

// Round2 rounds half away from zero to two decimal places.
func (a Amount) Round2() Amount {
	return Amount{value: a.value.Round(2)}
}

// IsZero reports whether the amount equals zero.
func (a Amount) IsZero() bool { return a.value.IsZero() }

// IsPositive reports whether the amount is strictly greater than zero.
func (a Amount) IsPositive() bool { return a.value.IsPositive() }

// Equal compares two amounts numerically (5400 equals 5400.00).
func (a Amount) Equal(b Amount) bool { return a.value.Equal(b.value) }

// Cmp returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int { return a.value.Cmp(b.value) }

// Float64 converts to float for display-only consumers.
func (a Amount) Float64() float64 { return a.value.InexactFloat64() }

// Decimal exposes the underlying decimal value.
func (a Amount) Decimal() decimal.Decimal { return a.value }

// String renders the amount with exactly two decimals.
func (a Amount) String() string { return a.value.StringFixed(2) }

// MarshalJSON emits a JSON number with two decimals, e.g. 2700.00.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.value.StringFixed(2)), nil
}

// UnmarshalJSON accepts JSON numbers and currency-prefixed strings.
func (a *Amount) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*a = Zero
		return nil
	}
	if strings.HasPrefix(trimmed, "\"") {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = ParsePrice(s)
		return nil
	}
	*a = ParsePrice(json.Number(trimmed))
	return nil
}

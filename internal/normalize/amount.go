package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// currencySymbols are removed before a textual amount is parsed
var currencySymbols = strings.NewReplacer("$", "", "€", "", "£", "", "¥", "")

// ParseAmount converts a loosely formatted amount into a decimal. Values that
// cannot be parsed become zero.
func ParseAmount(v any) decimal.Decimal {
	return ParseAmountOr(v, decimal.Zero)
}

// ParseAmountOr converts a loosely formatted amount into a decimal, returning
// fallback when v is absent or unparseable.
//
// Numbers are returned unchanged. Strings have currency symbols and whitespace
// removed. When both separators appear the later one is the decimal
// separator. A separator that repeats without the other one is grouping only
// (1,234,567 or 1.234.567); a single comma on its own is the decimal separator.
func ParseAmountOr(v any, fallback decimal.Decimal) decimal.Decimal {
	switch n := v.(type) {
	case nil:
		return fallback
	case decimal.Decimal:
		return n
	case *decimal.Decimal:
		if n == nil {
			return fallback
		}
		return *n
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return fallback
		}
		return decimal.NewFromFloat(n)
	case float32:
		f := float64(n)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fallback
		}
		return decimal.NewFromFloat32(n)
	case int:
		return decimal.NewFromInt(int64(n))
	case int32:
		return decimal.NewFromInt32(n)
	case int64:
		return decimal.NewFromInt(n)
	case json.Number:
		return parseAmountString(n.String(), fallback)
	case string:
		return parseAmountString(n, fallback)
	case fmt.Stringer:
		return parseAmountString(n.String(), fallback)
	default:
		return fallback
	}
}

func parseAmountString(s string, fallback decimal.Decimal) decimal.Decimal {
	s = currencySymbols.Replace(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	if s == "" {
		return fallback
	}

	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") > 1 {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.Replace(s, ",", ".", 1)
		}
	case lastDot >= 0 && strings.Count(s, ".") > 1:
		s = strings.ReplaceAll(s, ".", "")
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return fallback
	}
	return d
}

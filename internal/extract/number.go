package extract

import (
	"strconv"
	"strings"
)

var numberNoise = strings.NewReplacer(
	",", "", "，", "", "¥", "", "￥", "", "元", "", "%", "", " ", "", "\u00a0", "",
)

// ParseNumber converts a locale-formatted figure ("¥1,234.50", "12.5%",
// "300元") to float64. Percentages stay in points: "12.5%" is 12.5.
// Empty cells and placeholders ("-", "--") report ok=false.
func ParseNumber(s string) (float64, bool) {
	s = numberNoise.Replace(strings.TrimSpace(s))
	if s == "" || strings.Trim(s, "-") == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// intValue returns an int64 or nil for an empty or unparseable cell.
func intValue(s string) any {
	f, ok := ParseNumber(s)
	if !ok {
		return nil
	}
	return int64(f)
}

// decimalValue returns a float64 or nil for an empty or unparseable cell.
func decimalValue(s string) any {
	f, ok := ParseNumber(s)
	if !ok {
		return nil
	}
	return f
}

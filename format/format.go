// Package format renders counts, sizes and durations for terminal output.
package format

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	Thousand = 1000
	Million  = Thousand * 1000
	Billion  = Million * 1000
)

// HumanNumber abbreviates n, e.g. 1.25K or 4.1M.
func HumanNumber(n uint64) string {
	switch {
	case n >= Billion:
		return decimalPlace(float64(n)/Billion) + "B"
	case n >= Million:
		return decimalPlace(float64(n)/Million) + "M"
	case n >= Thousand:
		return decimalPlace(float64(n)/Thousand) + "K"
	default:
		return strconv.FormatUint(n, 10)
	}
}

func decimalPlace(number float64) string {
	var s string
	switch {
	case number >= 100:
		s = fmt.Sprintf("%.0f", number)
	case number >= 10:
		s = fmt.Sprintf("%.1f", number)
	default:
		s = fmt.Sprintf("%.2f", number)
	}

	if strings.Contains(s, ".") {
		s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	}
	return s
}

package format

import (
	"fmt"
	"time"
)

// HumanDuration renders an elapsed time at a precision that suits its size:
// milliseconds below a second, tenths of seconds below a minute.
func HumanDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return d.Round(time.Second).String()
	}
}

// Rate is the throughput of n tokens over d.
func Rate(n int, d time.Duration) string {
	if d <= 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.2f tokens/s", float64(n)/d.Seconds())
}

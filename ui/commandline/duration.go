package commandline

import (
	"fmt"
	"time"
)

// FormatDuration formats step durations with two decimals in the largest fitting unit, e.g. "1.50ms".
// Durations of a minute or more are rounded to the second, and non-positive ones (nothing measured yet)
// are formatted as "-".
func FormatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d >= time.Minute:
		return d.Round(time.Second).String()
	case d >= time.Second:
		return fmt.Sprintf("%.2fs", d.Seconds())
	case d >= time.Millisecond:
		return fmt.Sprintf("%.2fms", float64(d)/float64(time.Millisecond))
	case d >= time.Microsecond:
		return fmt.Sprintf("%.2fµs", float64(d)/float64(time.Microsecond))
	}
	return fmt.Sprintf("%dns", int64(d))
}

// Package format renders recording statistics for terminal output.
package format

import (
	"fmt"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// Bytes formats a byte count, e.g. Bytes(1536) => "1.5 KB".
func Bytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit && exp < 3; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %s", float64(n)/float64(div), [...]string{"KB", "MB", "GB", "TB"}[exp])
}

// Number formats n with thousand separators.
func Number(n int64) string {
	return printer.Sprintf("%d", n)
}

// Bitrate formats an average rate from a byte count over d,
// e.g. "9.8 Mbps". It returns "-" when d is not positive.
func Bitrate(bytes int64, d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	bps := float64(bytes*8) / d.Seconds()
	switch {
	case bps >= 1e6:
		return printer.Sprintf("%.1f Mbps", bps/1e6)
	case bps >= 1e3:
		return printer.Sprintf("%.1f kbps", bps/1e3)
	default:
		return printer.Sprintf("%.0f bps", bps)
	}
}

// FrameRate formats frames over d as frames per second.
func FrameRate(frames int64, d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f fps", float64(frames)/d.Seconds())
}

// Duration renders d rounded to the second, or to the millisecond under
// one second.
func Duration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}

// RelativeTime formats t relative to now, e.g. "5m ago".
func RelativeTime(t time.Time) string {
	return relative(time.Since(t))
}

func relative(diff time.Duration) string {
	switch {
	case diff < 0:
		return "soon"
	case diff < time.Minute:
		return "now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}

package models

import (
	"fmt"
	"strings"
	"time"
)

func describeOperation(kind StatusKind, op Operation) string {
	var b strings.Builder
	b.WriteString(op.Name.Verb())
	if op.Type == OperationDownload {
		fmt.Fprintf(&b, " (%s)", op.Reason.Verb())
	}
	switch kind {
	case StatusQueued:
		b.WriteString(", queued")
		return b.String()
	case StatusPaused:
		b.WriteString(", paused")
	}
	if op.Progress.Known {
		fmt.Fprintf(&b, " %.0f%%", op.Progress.Fraction*100)
	}
	if op.BPS > 0 {
		fmt.Fprintf(&b, " @ %s/s", FormatBytes(int64(op.BPS)))
	}
	if op.ETA > 0 && kind == StatusActive {
		fmt.Fprintf(&b, ", %s left", FormatETA(op.ETA))
	}
	return b.String()
}

// FormatBytes renders a byte count with binary units.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// FormatETA renders d as mm:ss or hh:mm:ss, and "-" when d is not positive.
func FormatETA(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	secs := int64(d.Round(time.Second) / time.Second)
	h, m, s := secs/3600, (secs%3600)/60, secs%60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

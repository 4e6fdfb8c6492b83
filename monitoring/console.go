package monitoring

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cheggaaa/pb/v3"

	"game-download-coordinator/models"
)

const (
	barTemplate      = `{{string . "prefix"}} {{bar . }} {{percent . }} {{string . "detail"}}`
	byteBarTemplate  = `{{string . "prefix"}} {{counters . }} {{bar . }} {{percent . }} {{string . "detail"}}`
	fractionBarScale = 1000
)

// StatusSource is the engine surface the console reads.
type StatusSource interface {
	Subscribe() (<-chan struct{}, func())
	ListActive() []models.Task
	Resolve(gameID int64) models.GameStatus
}

// ConsoleReporter prints the queue as static progress bars whenever the
// engine reports a change, at most once per interval.
type ConsoleReporter struct {
	source   StatusSource
	out      io.Writer
	interval time.Duration
	width    int
	last     string
}

func NewConsoleReporter(source StatusSource, out io.Writer, interval time.Duration) *ConsoleReporter {
	if interval <= 0 {
		interval = time.Second
	}
	return &ConsoleReporter{source: source, out: out, interval: interval, width: 100}
}

// Run renders until ctx is done or the engine closes.
func (c *ConsoleReporter) Run(ctx context.Context) {
	changes, unsubscribe := c.source.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	dirty := true
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			dirty = true
		case <-ticker.C:
			if dirty {
				c.flush()
				dirty = false
			}
		}
	}
}

func (c *ConsoleReporter) flush() {
	out := c.Render()
	if out == c.last {
		return
	}
	c.last = out
	fmt.Fprint(c.out, out)
}

// Render returns one line per queued or running task.
func (c *ConsoleReporter) Render() string {
	active := c.source.ListActive()
	if len(active) == 0 {
		return "queue empty\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "── %s ── %d task(s)\n", time.Now().Format("15:04:05"), len(active))
	for _, task := range active {
		b.WriteString(c.line(task, c.source.Resolve(task.GameID)))
		b.WriteByte('\n')
	}
	return b.String()
}

func (c *ConsoleReporter) line(task models.Task, status models.GameStatus) string {
	total, current := task.TotalSize, task.BytesTransferred
	template := byteBarTemplate
	if total <= 0 {
		template = barTemplate
		total, current = fractionBarScale, 0
		if task.Progress.Known {
			current = int64(task.Progress.Fraction * fractionBarScale)
		}
	}

	bar := pb.New64(total).
		Set(pb.Static, true).
		Set(pb.Bytes, template == byteBarTemplate).
		Set("prefix", fmt.Sprintf("game %-8d %-12s", task.GameID, task.Kind.Verb())).
		Set("detail", detail(status)).
		SetTemplateString(template).
		SetWidth(c.width).
		SetCurrent(current)
	return strings.TrimRight(bar.String(), " ")
}

func detail(status models.GameStatus) string {
	op := status.Operation
	if op == nil {
		return string(status.Kind)
	}
	switch {
	case op.Queued:
		return "queued"
	case op.Paused:
		return "paused"
	}
	var parts []string
	if op.BPS > 0 {
		parts = append(parts, models.FormatBytes(int64(op.BPS))+"/s")
	}
	if op.ETA > 0 {
		parts = append(parts, "ETA "+models.FormatETA(op.ETA))
	}
	return strings.Join(parts, " ")
}

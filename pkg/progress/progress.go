// Package progress reports upload progress without blocking the
// pipeline that feeds it. Sinks coalesce updates; the transfer side
// calls them at chunk granularity.
package progress

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	barWidth     = 32
	renderPeriod = 120 * time.Millisecond
	logPeriod    = 2 * time.Second
)

// Reporter receives upload progress. Update carries monotonically
// increasing sent counts for the part in flight; PartDone closes the
// part out. Implementations must never block.
type Reporter interface {
	Update(part, partCount int, sent, total int64)
	PartDone(part int, err error)
}

// Nop discards all progress.
type Nop struct{}

func (Nop) Update(int, int, int64, int64) {}
func (Nop) PartDone(int, error)           {}

// Terminal renders a single-line bar, redrawn in place at most once
// per render period. Parts are displayed one-based.
type Terminal struct {
	mu         sync.Mutex
	out        io.Writer
	part       int
	partCount  int
	sent       int64
	total      int64
	lastRender time.Time
	lastWidth  int
}

func NewTerminal(out io.Writer) *Terminal {
	return &Terminal{out: out}
}

func (t *Terminal) Update(part, partCount int, sent, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.part, t.partCount, t.sent, t.total = part, partCount, sent, total

	now := time.Now()
	if now.Sub(t.lastRender) < renderPeriod {
		return
	}
	t.lastRender = now
	t.renderLocked("", false)
}

func (t *Terminal) PartDone(part int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if part != t.part {
		// Done without any Update for this part.
		t.part = part
		t.sent, t.total = 0, 0
	}

	suffix := " ✓"
	if err != nil {
		suffix = fmt.Sprintf(" ✗ %v", err)
	}
	t.renderLocked(suffix, true)
	t.lastWidth = 0
}

func (t *Terminal) renderLocked(suffix string, newline bool) {
	line := t.lineLocked() + suffix
	padding := ""
	if t.lastWidth > len(line) {
		padding = strings.Repeat(" ", t.lastWidth-len(line))
	}
	t.lastWidth = len(line)

	end := ""
	if newline {
		end = "\n"
	}
	fmt.Fprintf(t.out, "\r%s%s%s", line, padding, end)
}

func (t *Terminal) lineLocked() string {
	var b strings.Builder
	b.Grow(96)
	fmt.Fprintf(&b, "part %d/%d ", t.part+1, t.partCount)

	if t.total > 0 {
		ratio := float64(t.sent) / float64(t.total)
		if ratio > 1 {
			ratio = 1
		}
		filled := int(ratio*barWidth + 0.5)
		if filled > barWidth {
			filled = barWidth
		}
		b.WriteByte('[')
		b.WriteString(strings.Repeat("=", filled))
		b.WriteString(strings.Repeat(" ", barWidth-filled))
		b.WriteString("] ")
		fmt.Fprintf(&b, "%3d%% ", int(ratio*100+0.5))
		b.WriteString(HumanBytes(t.sent))
		b.WriteByte('/')
		b.WriteString(HumanBytes(t.total))
	} else {
		b.WriteString(HumanBytes(t.sent))
		b.WriteString(" sent")
	}
	return b.String()
}

// Log emits progress as structured log lines for non-interactive
// runs, at most one line per log period plus one per finished part.
type Log struct {
	mu   sync.Mutex
	log  *slog.Logger
	last time.Time
}

func NewLog(log *slog.Logger) *Log {
	return &Log{log: log}
}

func (l *Log) Update(part, partCount int, sent, total int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.last) < logPeriod {
		return
	}
	l.last = now
	l.log.Info("transfer progress",
		"part", part, "parts", partCount, "sent", sent, "total", total)
}

func (l *Log) PartDone(part int, err error) {
	if err != nil {
		l.log.Warn("part failed", "part", part, "error", err)
		return
	}
	l.log.Info("part transferred", "part", part)
}

// HumanBytes formats v for display, in powers of 1024.
func HumanBytes(v int64) string {
	units := []string{"B", "KB", "MB", "GB", "TB", "PB"}
	value := float64(v)
	unit := 0
	for value >= 1024 && unit < len(units)-1 {
		value /= 1024
		unit++
	}
	if unit == 0 {
		return fmt.Sprintf("%d %s", v, units[unit])
	}
	return fmt.Sprintf("%.1f %s", value, units[unit])
}

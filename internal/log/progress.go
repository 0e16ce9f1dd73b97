// Package log holds terminal progress rendering for long ingestion runs.
// Structured logging stays on zerolog; this package only owns the inline
// progress bar shown when stderr is a TTY.
package log

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// ProgressIndicator renders an inline progress bar for one job. Safe for a
// single writer; the pipeline emits events from one goroutine.
type ProgressIndicator struct {
	mu        sync.Mutex
	out       io.Writer
	name      string
	total     int
	current   int
	startTime time.Time
}

// NewProgressIndicator creates an indicator writing to out (normally stderr).
func NewProgressIndicator(out io.Writer, name string, total int) *ProgressIndicator {
	return &ProgressIndicator{
		out:       out,
		name:      name,
		total:     total,
		startTime: time.Now(),
	}
}

// Update sets the current progress value and redraws the bar.
func (pi *ProgressIndicator) Update(current int, message string) {
	pi.mu.Lock()
	defer pi.mu.Unlock()

	if current > pi.current {
		pi.current = current
	}
	pi.draw(message)
}

// Finish completes the bar with a summary line.
func (pi *ProgressIndicator) Finish(message string) {
	pi.mu.Lock()
	defer pi.mu.Unlock()

	duration := time.Since(pi.startTime).Round(time.Millisecond)
	fmt.Fprintf(pi.out, "\r\033[K%s: %s (%v)\n", pi.name, message, duration)
}

// Fail ends the bar with a failure line.
func (pi *ProgressIndicator) Fail(reason string) {
	pi.mu.Lock()
	defer pi.mu.Unlock()

	duration := time.Since(pi.startTime).Round(time.Millisecond)
	fmt.Fprintf(pi.out, "\r\033[K%s failed: %s (%v)\n", pi.name, reason, duration)
}

func (pi *ProgressIndicator) draw(message string) {
	var b strings.Builder
	b.WriteString("\r\033[K")
	b.WriteString(pi.name)

	if pi.total > 0 {
		const barWidth = 20
		filled := barWidth * pi.current / pi.total
		b.WriteString(" [")
		b.WriteString(strings.Repeat("█", filled))
		b.WriteString(strings.Repeat("░", barWidth-filled))
		pct := float64(pi.current) / float64(pi.total) * 100
		b.WriteString(fmt.Sprintf("] %d/%d (%.0f%%)", pi.current, pi.total, pct))

		if pi.current > 0 && pi.current < pi.total {
			elapsed := time.Since(pi.startTime)
			rate := float64(pi.current) / elapsed.Seconds()
			eta := time.Duration(float64(pi.total-pi.current)/rate) * time.Second
			b.WriteString(fmt.Sprintf(" ETA %v", eta.Round(time.Second)))
		}
	}

	if message != "" {
		b.WriteString(" - ")
		b.WriteString(message)
	}
	fmt.Fprint(pi.out, b.String())
}

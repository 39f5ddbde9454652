package telemetry

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"
)

// Progress renders a single-line progress bar for long evaluations. When the
// writer is not a terminal only the final line is written.
type Progress struct {
	w           io.Writer
	description string
	total       int
	current     int
	start       time.Time
	width       int
	interactive bool
	metrics     map[string]float64
}

func NewProgress(w io.Writer, description string, total int, interactive bool) *Progress {
	return &Progress{
		w:           w,
		description: description,
		total:       total,
		start:       time.Now(),
		width:       40,
		interactive: interactive,
		metrics:     map[string]float64{},
	}
}

// Advance marks one more item complete.
func (p *Progress) Advance(metrics map[string]float64) {
	if p == nil {
		return
	}
	p.current++
	maps.Copy(p.metrics, metrics)
	if p.interactive {
		_, _ = io.WriteString(p.w, "\r"+p.line())
	}
}

// Done writes the final line.
func (p *Progress) Done() {
	if p == nil {
		return
	}
	if p.interactive {
		_, _ = io.WriteString(p.w, "\r"+p.line()+"\n")
		return
	}
	_, _ = io.WriteString(p.w, p.line()+"\n")
}

func (p *Progress) line() string {
	frac := 1.0
	if p.total > 0 {
		frac = min(1, float64(p.current)/float64(p.total))
	}
	filled := int(frac * float64(p.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", p.width-filled)

	elapsed := time.Since(p.start)
	var eta time.Duration
	if frac > 0 && frac < 1 {
		eta = time.Duration(float64(elapsed)/frac) - elapsed
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %3.0f%%|%s| %d/%d [%s<%s", p.description, frac*100, bar, p.current, p.total, clock(elapsed), clock(eta))
	if p.current > 0 && elapsed > 0 {
		fmt.Fprintf(&b, ", %.2fit/s", float64(p.current)/elapsed.Seconds())
	}
	for _, k := range slices.Sorted(maps.Keys(p.metrics)) {
		fmt.Fprintf(&b, ", %s=%.3f", k, p.metrics[k])
	}
	b.WriteByte(']')
	return b.String()
}

func clock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}

package training

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// lossSmoothing is the weight of the previous smoothed loss
const lossSmoothing = 0.6

// Progress prints a single training status line, redrawn in place
type Progress struct {
	out      io.Writer
	label    string
	total    uint64
	done     uint64
	started  time.Time
	barWidth int

	loss           float64
	observed       bool
	points         int
	restructurings int
}

// NewProgress creates a status line for total iterations written to out
func NewProgress(out io.Writer, label string, total uint64) *Progress {
	return &Progress{
		out:      out,
		label:    label,
		total:    total,
		started:  time.Now(),
		barWidth: 40,
	}
}

// Observe records a finished iteration and redraws the line
func (p *Progress) Observe(report Report) {
	p.done++
	if p.observed {
		p.loss = lossSmoothing*p.loss + (1-lossSmoothing)*report.Loss
	} else {
		p.loss = report.Loss
		p.observed = true
	}
	p.points = report.PointCount
	if report.Restructuring != nil {
		p.restructurings++
	}
	fmt.Fprint(p.out, p.line(time.Since(p.started)))
}

// Finish redraws the line one last time and ends it
func (p *Progress) Finish() {
	fmt.Fprintln(p.out, p.line(time.Since(p.started)))
}

func (p *Progress) line(elapsed time.Duration) string {
	fraction := 1.0
	if p.total > 0 {
		fraction = min(float64(p.done)/float64(p.total), 1)
	}
	filled := min(int(fraction*float64(p.barWidth)), p.barWidth)

	var b strings.Builder
	fmt.Fprintf(&b, "\r%s: %3.0f%%|%s%s| %d/%d [%s<",
		p.label, fraction*100,
		strings.Repeat("█", filled), strings.Repeat(" ", p.barWidth-filled),
		p.done, p.total, formatDuration(elapsed))

	if p.done > 0 && elapsed > 0 {
		remaining := time.Duration(float64(elapsed)/fraction) - elapsed
		fmt.Fprintf(&b, "%s, %.2fit/s", formatDuration(remaining), float64(p.done)/elapsed.Seconds())
	} else {
		b.WriteString("00:00")
	}

	if p.observed {
		fmt.Fprintf(&b, ", loss=%.4f, points=%d", p.loss, p.points)
		if p.restructurings > 0 {
			fmt.Fprintf(&b, ", restructured=%d", p.restructurings)
		}
	}
	b.WriteString("]")
	return b.String()
}

// formatDuration formats d as MM:SS
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}

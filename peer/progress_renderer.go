package peer

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#8BE9FD")).Bold(true)
	barStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#50FA7B"))
	pctStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB86C"))
	speedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#BD93F9"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6272A4"))
	dangerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5555")).Bold(true)
)

// ProgressRenderer redraws an ImportTracker on one terminal line
type ProgressRenderer struct {
	tracker     *ImportTracker
	out         io.Writer
	stopChan    chan struct{}
	stopOnce    sync.Once
	refreshRate time.Duration
	useColors   bool
	width       int
}

// NewProgressRenderer renders tracker to stdout
func NewProgressRenderer(tracker *ImportTracker, useColors bool) *ProgressRenderer {
	return &ProgressRenderer{
		tracker:     tracker,
		out:         os.Stdout,
		stopChan:    make(chan struct{}),
		refreshRate: 200 * time.Millisecond,
		useColors:   useColors,
		width:       40,
	}
}

func (pr *ProgressRenderer) SetOutput(w io.Writer) { pr.out = w }

func (pr *ProgressRenderer) SetRefreshRate(rate time.Duration) { pr.refreshRate = rate }

func (pr *ProgressRenderer) SetWidth(width int) { pr.width = width }

// Start runs the render loop until Stop or Finish
func (pr *ProgressRenderer) Start() {
	pr.Render()

	ticker := time.NewTicker(pr.refreshRate)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pr.tracker.UpdateSpeed()
			pr.Render()
		case <-pr.stopChan:
			return
		}
	}
}

// Stop ends the render loop without a final line
func (pr *ProgressRenderer) Stop() {
	pr.stopOnce.Do(func() { close(pr.stopChan) })
}

// Finish ends the render loop and prints the outcome of the import
func (pr *ProgressRenderer) Finish(err error) {
	pr.Stop()
	pr.tracker.MarkComplete()
	if err == nil {
		pr.RenderFinal()
		return
	}
	pr.RenderError(err)
}

// Render draws the current progress line
func (pr *ProgressRenderer) Render() {
	received, total, speed, _ := pr.tracker.GetProgress()
	pct := pr.tracker.Percent()

	filled := pr.width * pct / 100
	if filled > pr.width {
		filled = pr.width
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("░", pr.width-filled)

	line := fmt.Sprintf("\r%s [%s] %s (%d/%d chunks) | %s/s | ETA: %s",
		pr.style(titleStyle, "["+pr.tracker.Title+"]"),
		pr.style(barStyle, bar),
		pr.style(pctStyle, fmt.Sprintf("%3d%%", pct)),
		received, total,
		pr.style(speedStyle, formatBytes(speed)),
		formatETA(pr.tracker.GetETA()),
	)
	fmt.Fprint(pr.out, line)
}

// RenderFinal draws the completed state
func (pr *ProgressRenderer) RenderFinal() {
	_, total, _, _ := pr.tracker.GetProgress()
	fmt.Fprint(pr.out, "\r\033[K")
	fmt.Fprintf(pr.out, "%s [%s] %s (%d/%d chunks) %s\n",
		pr.style(titleStyle, "["+pr.tracker.Title+"]"),
		pr.style(barStyle, strings.Repeat("█", pr.width)),
		pr.style(pctStyle, "100%"),
		total, total,
		pr.style(mutedStyle, "| completed in "+formatDuration(pr.tracker.GetElapsedTime())),
	)
}

// RenderError draws the failed state
func (pr *ProgressRenderer) RenderError(err error) {
	received, total, _, _ := pr.tracker.GetProgress()
	fmt.Fprint(pr.out, "\r\033[K")
	fmt.Fprintf(pr.out, "%s [%s] %d%% | %s: %d/%d chunks, %v\n",
		pr.style(titleStyle, "["+pr.tracker.Title+"]"),
		pr.style(dangerStyle, ChunkAborted.Icon()),
		pr.tracker.Percent(),
		pr.style(dangerStyle, "import failed"),
		received, total, err,
	)
}

func (pr *ProgressRenderer) style(s lipgloss.Style, text string) string {
	if !pr.useColors {
		return text
	}
	return s.Render(text)
}

// formatBytes formats a byte count into a human-readable string
func formatBytes(bytes float64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%.1f B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", bytes/float64(div), "KMGTPE"[exp])
}

func formatETA(eta time.Duration) string {
	if eta <= 0 {
		return "∞"
	}
	return formatDuration(eta)
}

// formatDuration formats a duration into a human-readable string
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return "<1s"
	case d < time.Minute:
		return fmt.Sprintf("%ds", d/time.Second)
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", d/time.Minute, (d%time.Minute)/time.Second)
	default:
		return fmt.Sprintf("%dh%dm", d/time.Hour, (d%time.Hour)/time.Minute)
	}
}

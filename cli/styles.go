package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/smallnest/ragbuild/executor"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#A6E3A1"))
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F38BA8"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F9E2AF"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6C7086"))
	accentStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#06B6D4"))
)

// statusLine renders one progress event, or "" for events that are not
// shown to operators.
func statusLine(ev executor.Event) string {
	switch ev.Type {
	case executor.EventProgress:
		if ev.StepID == "" {
			if ev.Build == executor.BuildRollingBack {
				return warningStyle.Render("↺ rolling back")
			}
			return ""
		}
		if ev.Build == executor.BuildRollingBack {
			return warningStyle.Render("↺ " + ev.Message)
		}
		switch ev.Status {
		case executor.StatusRunning:
			line := "▶ " + ev.StepID
			if ev.Attempt > 1 {
				line += fmt.Sprintf(" (attempt %d)", ev.Attempt)
			}
			return accentStyle.Render(line)
		case executor.StatusSucceeded:
			return successStyle.Render("✓ " + ev.StepID)
		case executor.StatusSkipped:
			return mutedStyle.Render("○ " + ev.Message)
		}
	case executor.EventError:
		msg := ev.Message
		if msg == "" && ev.Err != nil {
			msg = ev.Err.Error()
		}
		if ev.Status == executor.StatusReady {
			return warningStyle.Render("↻ " + ev.StepID + ": " + msg)
		}
		if ev.StepID == "" {
			return errorStyle.Render("✗ " + msg)
		}
		return errorStyle.Render("✗ " + ev.StepID + ": " + msg)
	}
	return ""
}

func buildStatusStyle(s executor.BuildStatus) lipgloss.Style {
	switch s {
	case executor.BuildSucceeded:
		return successStyle
	case executor.BuildSucceededWithWarnings, executor.BuildCancelled:
		return warningStyle
	default:
		return errorStyle
	}
}

// summary renders the final counts of a build.
func summary(rec *executor.Record) string {
	s := rec.Summarize()
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("Build "+rec.Graph) + " " + buildStatusStyle(rec.Status).Render(string(rec.Status)) + "\n")
	fmt.Fprintf(&sb, "  run:         %s\n", rec.RunID)
	fmt.Fprintf(&sb, "  succeeded:   %s\n", successStyle.Render(fmt.Sprint(s.Succeeded)))
	fmt.Fprintf(&sb, "  failed:      %s\n", countStyle(s.Failed, errorStyle).Render(fmt.Sprint(s.Failed)))
	fmt.Fprintf(&sb, "  skipped:     %s\n", countStyle(s.Skipped, mutedStyle).Render(fmt.Sprint(s.Skipped)))
	fmt.Fprintf(&sb, "  rolled back: %s\n", countStyle(s.RolledBack, warningStyle).Render(fmt.Sprint(s.RolledBack)))
	if s.CacheHits+s.CacheMiss > 0 {
		fmt.Fprintf(&sb, "  cache:       %d hits, %d misses\n", s.CacheHits, s.CacheMiss)
	}
	if !rec.FinishedAt.IsZero() {
		fmt.Fprintf(&sb, "  duration:    %s\n", rec.FinishedAt.Sub(rec.StartedAt).Round(time.Millisecond))
	}
	for _, w := range rec.Warnings {
		sb.WriteString(warningStyle.Render("  ! "+w) + "\n")
	}
	return sb.String()
}

func countStyle(n int, nonZero lipgloss.Style) lipgloss.Style {
	if n == 0 {
		return mutedStyle
	}
	return nonZero
}

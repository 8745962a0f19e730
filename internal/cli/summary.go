package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/FRE-Studios/agentpipe/internal/state"
)

// Summary styling. Colors fall back gracefully under NO_COLOR via the
// lipgloss profile set in root.go.
var (
	styleHeader    = lipgloss.NewStyle().Bold(true)
	styleSuccess   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleSkipped   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleCancelled = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleDim       = lipgloss.NewStyle().Faint(true)
)

// printRunSummary renders the terminal run summary: aggregate counts,
// per-stage rows, and failure details with suggestions.
func printRunSummary(ps *state.PipelineState) {
	var succeeded, failed, skipped, cancelled int
	for i := range ps.Stages {
		switch ps.Stages[i].Status {
		case state.StageSuccess:
			succeeded++
		case state.StageFailed:
			failed++
		case state.StageSkipped:
			skipped++
		case state.StageCancelled:
			cancelled++
		}
	}

	fmt.Println()
	fmt.Println(styleHeader.Render(fmt.Sprintf("Run %s — %s", ps.ShortRunID(), statusStyle(ps.Status).Render(string(ps.Status)))))
	fmt.Printf("%d stages: %d succeeded, %d failed, %d skipped",
		len(ps.Stages), succeeded, failed, skipped)
	if cancelled > 0 {
		fmt.Printf(", %d cancelled", cancelled)
	}
	fmt.Printf("  (%s)\n\n", ps.Artifacts.TotalDuration.Round(time.Millisecond))

	for i := range ps.Stages {
		se := &ps.Stages[i]
		fmt.Printf("  %-12s %-24s %10s", stageGlyph(se.Status), se.StageName,
			se.Duration.Round(time.Millisecond))
		if se.CommitSha != "" {
			fmt.Printf("  %s", styleDim.Render(state.ShortID(se.CommitSha)))
		}
		fmt.Println()
	}

	for i := range ps.Stages {
		se := &ps.Stages[i]
		if se.Status != state.StageFailed || se.Error == nil {
			continue
		}
		fmt.Println()
		fmt.Println(styleFailed.Render(fmt.Sprintf("  %s: %s", se.StageName, se.Error.Message)))
		if se.Error.Suggestion != "" {
			fmt.Println(styleDim.Render("    suggestion: " + se.Error.Suggestion))
		}
	}

	if ps.Artifacts.Branch != "" {
		fmt.Println()
		fmt.Printf("branch: %s", ps.Artifacts.Branch)
		if n := len(ps.Artifacts.ChangedFiles); n > 0 {
			fmt.Printf("  (%d files changed)", n)
		}
		fmt.Println()
	}
	_ = os.Stdout.Sync()
}

// stageGlyph renders a colored status tag for a stage row.
func stageGlyph(s state.StageStatus) string {
	switch s {
	case state.StageSuccess:
		return styleSuccess.Render("✓ success")
	case state.StageFailed:
		return styleFailed.Render("✗ failed")
	case state.StageSkipped:
		return styleSkipped.Render("- skipped")
	case state.StageCancelled:
		return styleCancelled.Render("⊘ cancelled")
	default:
		return styleDim.Render(string(s))
	}
}

// statusStyle picks the style for a run status.
func statusStyle(s state.RunStatus) lipgloss.Style {
	switch s {
	case state.RunCompleted:
		return styleSuccess
	case state.RunFailed:
		return styleFailed
	case state.RunCancelled:
		return styleCancelled
	default:
		return styleDim
	}
}

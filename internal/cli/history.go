package cli

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/FRE-Studios/agentpipe/internal/state"
)

// historyFlags holds the flag values for the history command.
type historyFlags struct {
	Limit    int
	Pipeline string
}

// newHistoryCmd creates the "agentpipe history" command.
func newHistoryCmd() *cobra.Command {
	var flags historyFlags

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List stored pipeline runs, newest first",
		Long: `Render the run records from the state store as a table: run ID,
pipeline, status, stage counts, and duration. When $PAGER is set and stdout
is a terminal, output is piped through the pager.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(flags)
		},
	}

	cmd.Flags().IntVar(&flags.Limit, "limit", 20, "Maximum number of runs to show (0 = all)")
	cmd.Flags().StringVar(&flags.Pipeline, "pipeline", "", "Only show runs of this pipeline")

	return cmd
}

func init() {
	rootCmd.AddCommand(newHistoryCmd())
}

func runHistory(flags historyFlags) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}

	runs, err := d.store.All()
	if err != nil {
		return err
	}
	if flags.Pipeline != "" {
		var filtered []*state.PipelineState
		for _, ps := range runs {
			if ps.PipelineConfig != nil && ps.PipelineConfig.Name == flags.Pipeline {
				filtered = append(filtered, ps)
			}
		}
		runs = filtered
	}
	if flags.Limit > 0 && len(runs) > flags.Limit {
		runs = runs[:flags.Limit]
	}

	if len(runs) == 0 {
		fmt.Println("no runs recorded")
		return nil
	}

	out := renderHistory(runs)
	return pageOutput(out)
}

// renderHistory builds the history table.
func renderHistory(runs []*state.PipelineState) string {
	var b strings.Builder

	header := fmt.Sprintf("%-10s %-20s %-10s %-16s %-10s %s",
		"RUN", "PIPELINE", "STATUS", "STAGES", "DURATION", "STARTED")
	b.WriteString(styleHeader.Render(header))
	b.WriteByte('\n')

	for _, ps := range runs {
		name := "?"
		if ps.PipelineConfig != nil {
			name = ps.PipelineConfig.Name
		}

		var ok, bad, skip int
		for i := range ps.Stages {
			switch ps.Stages[i].Status {
			case state.StageSuccess:
				ok++
			case state.StageFailed:
				bad++
			case state.StageSkipped:
				skip++
			}
		}

		row := fmt.Sprintf("%-10s %-20s %-10s %-16s %-10s %s",
			ps.ShortRunID(),
			truncate(name, 20),
			ps.Status,
			fmt.Sprintf("%d✓ %d✗ %d-", ok, bad, skip),
			ps.Artifacts.TotalDuration.Round(time.Second),
			ps.Trigger.Timestamp.Format("2006-01-02 15:04"),
		)
		b.WriteString(statusStyle(ps.Status).Render(row))
		b.WriteByte('\n')
	}
	return b.String()
}

// pageOutput writes s to stdout, through $PAGER when one is configured and
// stdout is a terminal.
func pageOutput(s string) error {
	pager := os.Getenv("PAGER")
	if pager == "" || !stdoutIsTerminal() {
		_, err := io.WriteString(os.Stdout, s)
		return err
	}

	cmd := exec.Command(pager)
	cmd.Stdin = strings.NewReader(s)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		// A broken pager should not hide the data.
		_, werr := io.WriteString(os.Stdout, s)
		return werr
	}
	return nil
}

// stdoutIsTerminal reports whether stdout is attached to a character device.
func stdoutIsTerminal() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// truncate shortens s to max runes with an ellipsis.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 1 {
		return string(r[:max])
	}
	return string(r[:max-1]) + "…"
}

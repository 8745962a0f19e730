package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/FRE-Studios/agentpipe/internal/state"
)

// analyticsFlags holds the flag values for the analytics command.
type analyticsFlags struct {
	Pipeline string
	Days     int
}

// newAnalyticsCmd creates the "agentpipe analytics" command.
func newAnalyticsCmd() *cobra.Command {
	var flags analyticsFlags

	cmd := &cobra.Command{
		Use:   "analytics",
		Short: "Aggregate success rates and durations from stored runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalytics(flags)
		},
	}

	cmd.Flags().StringVar(&flags.Pipeline, "pipeline", "", "Restrict to one pipeline")
	cmd.Flags().IntVar(&flags.Days, "days", 30, "Only consider runs from the last N days (0 = all)")

	return cmd
}

func init() {
	rootCmd.AddCommand(newAnalyticsCmd())
}

func runAnalytics(flags analyticsFlags) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}

	runs, err := d.store.All()
	if err != nil {
		return err
	}

	cutoff := time.Time{}
	if flags.Days > 0 {
		cutoff = time.Now().AddDate(0, 0, -flags.Days)
	}

	var (
		total, completed, failed, cancelled int
		totalDuration                       time.Duration
		stageFailures                       = map[string]int{}
	)
	for _, ps := range runs {
		if flags.Pipeline != "" && (ps.PipelineConfig == nil || ps.PipelineConfig.Name != flags.Pipeline) {
			continue
		}
		if !cutoff.IsZero() && ps.Trigger.Timestamp.Before(cutoff) {
			continue
		}

		total++
		totalDuration += ps.Artifacts.TotalDuration
		switch ps.Status {
		case state.RunCompleted:
			completed++
		case state.RunCancelled:
			cancelled++
		default:
			failed++
		}
		for i := range ps.Stages {
			if ps.Stages[i].Status == state.StageFailed {
				stageFailures[ps.Stages[i].StageName]++
			}
		}
	}

	if total == 0 {
		fmt.Println("no runs in range")
		return nil
	}

	scope := "all pipelines"
	if flags.Pipeline != "" {
		scope = flags.Pipeline
	}
	fmt.Println(styleHeader.Render(fmt.Sprintf("Analytics — %s", scope)))
	fmt.Printf("runs:          %d\n", total)
	fmt.Printf("completed:     %d (%.0f%%)\n", completed, 100*float64(completed)/float64(total))
	fmt.Printf("failed:        %d\n", failed)
	if cancelled > 0 {
		fmt.Printf("cancelled:     %d\n", cancelled)
	}
	fmt.Printf("avg duration:  %s\n", (totalDuration / time.Duration(total)).Round(time.Second))

	if len(stageFailures) > 0 {
		fmt.Println("\nstage failures:")
		names := make([]string, 0, len(stageFailures))
		for name := range stageFailures {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool {
			if stageFailures[names[i]] != stageFailures[names[j]] {
				return stageFailures[names[i]] > stageFailures[names[j]]
			}
			return names[i] < names[j]
		})
		for _, name := range names {
			fmt.Printf("  %-24s %d\n", name, stageFailures[name])
		}
	}

	if snapshot := d.metrics.Snapshot(); flagVerbose && snapshot != "" {
		fmt.Println("\nprocess metrics:")
		fmt.Println(strings.TrimSpace(snapshot))
	}
	return nil
}

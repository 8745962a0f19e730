package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/FRE-Studios/agentpipe/internal/config"
	"github.com/FRE-Studios/agentpipe/internal/git"
	"github.com/FRE-Studios/agentpipe/internal/logging"
	"github.com/FRE-Studios/agentpipe/internal/pipeline"
	"github.com/FRE-Studios/agentpipe/internal/runtime"
	"github.com/FRE-Studios/agentpipe/internal/state"
)

// runFlags holds the flag values for the run command.
type runFlags struct {
	DryRun bool
}

// newRunCmd creates the "agentpipe run" command.
func newRunCmd() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run <pipeline>",
		Short: "Execute a pipeline against the working copy",
		Long: `Validate the named pipeline, prepare its run branch, and drive the
stage DAG to completion. Results are committed per stage when autoCommit is
on, and the run record lands in the state store.`,
		Example: `  # Run the "review" pipeline
  agentpipe run review

  # Show the plan and the commands that would be spawned
  agentpipe run review --dry-run`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd.Context(), args[0], flags)
		},
	}

	cmd.Flags().BoolVar(&flags.DryRun, "dry-run", false, "Print the execution plan without running anything")

	return cmd
}

func init() {
	rootCmd.AddCommand(newRunCmd())
}

// runRun loads and executes (or dry-runs) the named pipeline.
func runRun(ctx context.Context, name string, flags runFlags) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}

	load, siblings, err := d.loadPipeline(name)
	if err != nil {
		return err
	}

	if flags.DryRun {
		return dryRun(d, load, siblings)
	}

	coord, err := d.coordinator()
	if err != nil {
		return err
	}

	exec := pipeline.NewExecutor(d.registry, d.store,
		pipeline.WithBranchCoordinator(coord),
		pipeline.WithToolConfig(d.tool),
		pipeline.WithExecutorLogger(logging.New("executor")),
		pipeline.WithExecutorMetrics(d.metrics),
		pipeline.WithExecutorWorkDir(d.workDir),
		pipeline.WithPRCreator(createPullRequest),
		pipeline.WithNotifier(notifyEvent),
	)

	trigger := state.TriggerInfo{Type: config.TriggerManual}
	if gitClient, gerr := git.NewClient(d.workDir); gerr == nil {
		if sha, serr := gitClient.HeadCommit(ctx); serr == nil {
			trigger.CommitSha = sha
		}
	}

	ps, runErr := exec.Run(ctx, load, siblings, trigger)
	if ps != nil {
		printRunSummary(ps)
		d.logger.Debug("run metrics", "snapshot", d.metrics.Snapshot())
	}
	return runErr
}

// dryRun validates the config and prints the layered plan with the command
// line each stage would spawn.
func dryRun(d *deps, load *config.LoadResult, siblings []*config.LoadResult) error {
	vres := config.Validate(&config.Context{
		Load:     load,
		Siblings: siblings,
		WorkDir:  d.workDir,
		Probes:   config.DefaultProbes(d.registry.AvailableTypes()),
	})
	for _, w := range vres.Warnings() {
		d.logger.Warn(w.Message, "field", w.Field)
	}
	if vres.HasErrors() {
		return &pipeline.ValidationError{Issues: vres.Issues}
	}

	cfg := load.Config
	graph, err := pipeline.BuildPlan(cfg)
	if err != nil {
		return err
	}

	fmt.Printf("Pipeline %s: %d stages, %d levels, max parallelism %d\n\n",
		cfg.Name, len(cfg.Agents), len(graph.LevelGroups), graph.MaxParallelism)

	for lvl, group := range graph.LevelGroups {
		fmt.Printf("Level %d:\n", lvl)
		for _, stageName := range group {
			st := cfg.StageByName(stageName)
			fmt.Printf("  %s  (agent: %s)\n", stageName, st.Agent)
			if cmdline := dryRunCommand(d, cfg, st); cmdline != "" {
				fmt.Printf("    $ %s\n", cmdline)
			}
			if st.Condition != "" {
				fmt.Printf("    when: %s\n", st.Condition)
			}
		}
	}
	for _, w := range graph.Warnings {
		fmt.Printf("\nwarning: %s\n", w)
	}
	return nil
}

// dryRunCommand renders the subprocess command line for stages handled by
// the external CLI runtime. SDK-backed stages have no command line.
func dryRunCommand(d *deps, cfg *config.PipelineConfig, st *config.StageConfig) string {
	rc := cfg.RuntimeFor(st)
	rt, err := d.registry.Get(rc.Type)
	if err != nil {
		return ""
	}
	cli, ok := rt.(*runtime.ClaudeCLI)
	if !ok {
		return "(" + rc.Type + " in-process)"
	}
	return cli.DryRunCommand(runtime.Request{Options: rc.Options})
}

// notifyEvent is the default notification collaborator: structured logs.
// Delivery to external sinks is out of scope; failures here cannot fail a
// run by construction.
func notifyEvent(ev pipeline.Event) {
	logger := logging.New("notify")
	switch ev.Type {
	case pipeline.EventPRCreated:
		logger.Info("pull request created", "run", ev.State.ShortRunID(), "url", ev.PRURL)
	case pipeline.EventRunCompleted:
		logger.Info("run completed", "run", ev.State.ShortRunID(), "pipeline", ev.State.PipelineConfig.Name)
	case pipeline.EventRunCancelled:
		logger.Warn("run cancelled", "run", ev.State.ShortRunID())
	default:
		logger.Error("run failed", "run", ev.State.ShortRunID())
	}
}

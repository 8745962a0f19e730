package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/FRE-Studios/agentpipe/internal/config"
)

// Compile-time check that ClaudeCLI implements Runtime.
var _ Runtime = (*ClaudeCLI)(nil)

// ClaudeCLIName is the registry type of the external CLI runtime.
const ClaudeCLIName = "claude-cli"

// stderrTailBytes is how much trailing stderr is included in failure
// messages.
const stderrTailBytes = 2048

// ClaudeCLI executes agent invocations by spawning the claude command-line
// tool. The combined prompt is piped via stdin; stdout is a stream of
// one-JSON-object-per-line events decoded in real time.
type ClaudeCLI struct {
	// Command is the CLI executable name. Defaults to "claude".
	Command string

	logger *log.Logger
}

// NewClaudeCLI creates the external CLI runtime. The logger may be nil, in
// which case debug messages are discarded.
func NewClaudeCLI(logger *log.Logger) *ClaudeCLI {
	return &ClaudeCLI{Command: "claude", logger: logger}
}

// Name returns the runtime identifier "claude-cli".
func (c *ClaudeCLI) Name() string { return ClaudeCLIName }

// Capabilities reports the CLI transport's feature set.
func (c *ClaudeCLI) Capabilities() Capabilities {
	return Capabilities{
		SupportsStreaming:        true,
		SupportsTokenTracking:    false,
		SupportsMCP:              true,
		SupportsContextReduction: true,
		PermissionModes: []string{
			config.PermissionDefault,
			config.PermissionAcceptEdits,
			config.PermissionBypass,
			config.PermissionPlan,
		},
	}
}

// CheckAvailable verifies that the CLI executable is on PATH.
func (c *ClaudeCLI) CheckAvailable() error {
	bin := c.command()
	if _, err := exec.LookPath(bin); err != nil {
		return fmt.Errorf("claude CLI not found (looked for %q): %w", bin, err)
	}
	return nil
}

// Execute spawns the CLI, feeds the prompt on stdin, decodes the event
// stream, and returns the accumulated assistant text. A non-zero exit fails
// with the stderr tail in the message; a cancelled or expired ctx terminates
// the process group and returns the ctx error.
func (c *ClaudeCLI) Execute(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	cmd := c.buildCommand(ctx, req)

	if c.logger != nil {
		c.logger.Debug("running claude",
			"command", cmd.Path,
			"args", cmd.Args,
			"work_dir", cmd.Dir,
		)
	}

	cmd.Stdin = strings.NewReader(combinedPrompt(req))

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("claude-cli: creating stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("claude-cli: creating stderr pipe: %w", err)
	}

	var (
		stderrBuf bytes.Buffer
		wg        sync.WaitGroup
		stream    streamState
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		consumeStream(stdoutPipe, req.OnOutputUpdate, &stream)
	}()
	go func() {
		defer wg.Done()
		_, _ = stderrBuf.ReadFrom(stderrPipe)
	}()

	if err := cmd.Start(); err != nil {
		// Go closes the pipe write ends on Start failure, so the readers see
		// EOF and the goroutines exit.
		wg.Wait()
		return nil, fmt.Errorf("claude-cli: starting %s: %w", c.command(), err)
	}

	wg.Wait()
	waitErr := cmd.Wait()
	duration := time.Since(start)

	// Cancellation and deadline win over whatever the process reported.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("claude-cli: %w", ctxErr)
	}

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("claude-cli: waiting for %s: %w", c.command(), waitErr)
		}
	}

	if exitCode != 0 {
		return nil, fmt.Errorf("claude-cli: exited with status %d: %s",
			exitCode, tail(stderrBuf.String(), stderrTailBytes))
	}

	text := stream.text.String()
	if !stream.sawTextDelta {
		// No text-delta events were observed; fall back to raw stdout.
		text = stream.raw.String()
	}

	return &Result{
		TextOutput: text,
		Metadata: Metadata{
			Runtime:    ClaudeCLIName,
			DurationMs: duration.Milliseconds(),
			Model:      req.Options.Model,
			ExitCode:   exitCode,
		},
	}, nil
}

// streamState accumulates decoded stdout.
type streamState struct {
	text         strings.Builder // concatenated text deltas
	raw          strings.Builder // every line, for the fallback
	sawTextDelta bool
}

// consumeStream decodes line-delimited events until EOF or the agent_end
// marker. Tool-activity updates are forwarded at most once per invocation
// id. Non-JSON lines are buffered into the raw capture only.
func consumeStream(r io.Reader, onUpdate func(string), st *streamState) {
	decoder := NewStreamDecoder(r)
	seenTools := make(map[string]bool)
	ended := false

	for {
		event, raw, err := decoder.Next()
		if err != nil {
			// io.EOF or a scanner error. Either way the stream is done.
			return
		}
		if ended {
			// agent_end is authoritative; later lines are ignored.
			continue
		}

		st.raw.WriteString(raw)
		st.raw.WriteByte('\n')
		if event == nil {
			continue
		}

		switch event.Type {
		case EventMessageUpdate:
			if delta := event.TextDelta(); delta != "" {
				st.sawTextDelta = true
				st.text.WriteString(delta)
			}
		case EventToolExecutionStart:
			if onUpdate != nil && event.ID != "" && !seenTools[event.ID] {
				seenTools[event.ID] = true
				onUpdate(fmt.Sprintf("tool: %s", event.ToolName))
			}
		case EventAgentEnd:
			ended = true
		}
	}
}

// buildCommand constructs the *exec.Cmd for the request.
func (c *ClaudeCLI) buildCommand(ctx context.Context, req Request) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.command(), c.buildArgs(req)...)
	setProcGroup(cmd)

	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}

	env := os.Environ()
	if key := ResolveAPIKey(req.Options); key != "" {
		env = append(env, "ANTHROPIC_API_KEY="+key)
	}
	cmd.Env = env

	return cmd
}

// buildArgs constructs the CLI argument list: the fixed protocol flags
// first, then option-derived flags, then any passthrough args.
func (c *ClaudeCLI) buildArgs(req Request) []string {
	args := []string{"-p", "--mode", "json", "--no-session"}

	opts := req.Options
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	if opts.Thinking {
		args = append(args, "--thinking")
	}
	switch {
	case opts.NoTools:
		args = append(args, "--no-tools")
	case len(opts.Tools) > 0:
		args = append(args, "--tools", strings.Join(opts.Tools, ","))
	}
	if opts.SystemPromptMode == config.SystemPromptReplace && req.SystemPrompt != "" {
		args = append(args, "--system-prompt", req.SystemPrompt)
	}
	args = append(args, opts.Args...)

	return args
}

// DryRunCommand returns the command line that Execute would spawn, for
// --dry-run display. The prompt travels on stdin and is not shown.
func (c *ClaudeCLI) DryRunCommand(req Request) string {
	return c.command() + " " + strings.Join(c.buildArgs(req), " ")
}

// combinedPrompt builds the stdin payload. In append mode the system prompt
// precedes the user prompt, separated by a blank line; in replace mode the
// system prompt travels as a flag and stdin carries the user prompt alone.
func combinedPrompt(req Request) string {
	if req.Options.SystemPromptMode == config.SystemPromptReplace {
		return req.UserPrompt
	}
	if req.SystemPrompt == "" {
		return req.UserPrompt
	}
	return req.SystemPrompt + "\n\n" + req.UserPrompt
}

// command returns the executable name.
func (c *ClaudeCLI) command() string {
	if c.Command == "" {
		return "claude"
	}
	return c.Command
}

// tail returns the last n bytes of s, trimmed.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

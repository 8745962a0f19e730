package runtime

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FRE-Studios/agentpipe/internal/config"
)

func TestClaudeCLI_BuildArgs(t *testing.T) {
	c := NewClaudeCLI(nil)

	tests := []struct {
		name string
		req  Request
		want []string
	}{
		{
			name: "protocol flags only",
			req:  Request{},
			want: []string{"-p", "--mode", "json", "--no-session"},
		},
		{
			name: "full options",
			req: Request{
				Options: config.RuntimeOptions{
					Model:          "claude-sonnet-4-20250514",
					PermissionMode: config.PermissionAcceptEdits,
					MaxTurns:       12,
					Thinking:       true,
					Tools:          []string{"bash", "edit"},
					Args:           []string{"--custom"},
				},
			},
			want: []string{
				"-p", "--mode", "json", "--no-session",
				"--model", "claude-sonnet-4-20250514",
				"--permission-mode", "acceptEdits",
				"--max-turns", "12",
				"--thinking",
				"--tools", "bash,edit",
				"--custom",
			},
		},
		{
			name: "noTools wins over tools",
			req: Request{
				Options: config.RuntimeOptions{NoTools: true, Tools: []string{"bash"}},
			},
			want: []string{"-p", "--mode", "json", "--no-session", "--no-tools"},
		},
		{
			name: "replace mode carries the system prompt as a flag",
			req: Request{
				SystemPrompt: "be brief",
				Options:      config.RuntimeOptions{SystemPromptMode: config.SystemPromptReplace},
			},
			want: []string{"-p", "--mode", "json", "--no-session", "--system-prompt", "be brief"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.buildArgs(tt.req))
		})
	}
}

func TestCombinedPrompt(t *testing.T) {
	appendReq := Request{
		SystemPrompt: "system",
		UserPrompt:   "user",
		Options:      config.RuntimeOptions{SystemPromptMode: config.SystemPromptAppend},
	}
	assert.Equal(t, "system\n\nuser", combinedPrompt(appendReq))

	replaceReq := appendReq
	replaceReq.Options.SystemPromptMode = config.SystemPromptReplace
	assert.Equal(t, "user", combinedPrompt(replaceReq))

	noSystem := Request{UserPrompt: "user"}
	assert.Equal(t, "user", combinedPrompt(noSystem))
}

func TestClaudeCLI_DryRunCommand(t *testing.T) {
	c := NewClaudeCLI(nil)
	cmdline := c.DryRunCommand(Request{Options: config.RuntimeOptions{Model: "m"}})
	assert.Equal(t, "claude -p --mode json --no-session --model m", cmdline)
}

func TestTail(t *testing.T) {
	assert.Equal(t, "short", tail("short", 10))
	assert.Equal(t, "cdef", tail("abcdef", 4))
	assert.Equal(t, "x", tail("  x  ", 10))
}

// writeFakeCLI writes a shell script standing in for the claude binary.
func writeFakeCLI(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake CLI scripts require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-claude")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestClaudeCLI_Execute_StreamsTextAndTools(t *testing.T) {
	script := `cat > /dev/null
echo '{"type":"message_update","assistantMessageEvent":{"type":"text_delta","delta":"hello "}}'
echo '{"type":"tool_execution_start","toolName":"bash","id":"t1"}'
echo '{"type":"tool_execution_start","toolName":"bash","id":"t1"}'
echo '{"type":"message_update","assistantMessageEvent":{"type":"text_delta","delta":"world"}}'
echo '{"type":"agent_end"}'
echo 'after end, ignored'
`
	c := &ClaudeCLI{Command: writeFakeCLI(t, script)}

	var mu sync.Mutex
	var updates []string
	res, err := c.Execute(context.Background(), Request{
		SystemPrompt: "sys",
		UserPrompt:   "user",
		OnOutputUpdate: func(s string) {
			mu.Lock()
			updates = append(updates, s)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "hello world", res.TextOutput)
	assert.Equal(t, ClaudeCLIName, res.Metadata.Runtime)
	assert.Len(t, updates, 1, "duplicate tool ids coalesce to one update")
	assert.Contains(t, updates[0], "bash")
}

func TestClaudeCLI_Execute_RawFallback(t *testing.T) {
	script := `cat > /dev/null
echo 'no structured events here'
echo 'just plain text'
`
	c := &ClaudeCLI{Command: writeFakeCLI(t, script)}

	res, err := c.Execute(context.Background(), Request{UserPrompt: "hi"})
	require.NoError(t, err)
	assert.Contains(t, res.TextOutput, "no structured events here")
	assert.Contains(t, res.TextOutput, "just plain text")
}

func TestClaudeCLI_Execute_ReceivesPromptOnStdin(t *testing.T) {
	// The fake emits a text delta only when its stdin carries the system prompt.
	script := `INPUT=$(cat)
echo "$INPUT" | grep -q "system prompt" && echo '{"type":"message_update","assistantMessageEvent":{"type":"text_delta","delta":"got-it"}}'
echo '{"type":"agent_end"}'
`
	c := &ClaudeCLI{Command: writeFakeCLI(t, script)}

	res, err := c.Execute(context.Background(), Request{
		SystemPrompt: "the system prompt",
		UserPrompt:   "task",
	})
	require.NoError(t, err)
	assert.Equal(t, "got-it", res.TextOutput)
}

func TestClaudeCLI_Execute_NonZeroExit(t *testing.T) {
	script := `cat > /dev/null
echo 'something broke' >&2
exit 3
`
	c := &ClaudeCLI{Command: writeFakeCLI(t, script)}

	_, err := c.Execute(context.Background(), Request{UserPrompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 3")
	assert.Contains(t, err.Error(), "something broke")
}

func TestClaudeCLI_Execute_Cancellation(t *testing.T) {
	script := `cat > /dev/null
sleep 30
`
	c := &ClaudeCLI{Command: writeFakeCLI(t, script)}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Execute(ctx, Request{UserPrompt: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second, "terminate/kill must not wait for the sleep")
}

func TestClaudeCLI_Execute_SpawnFailure(t *testing.T) {
	c := &ClaudeCLI{Command: filepath.Join(t.TempDir(), "does-not-exist")}

	_, err := c.Execute(context.Background(), Request{UserPrompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "starting")
}

func TestClaudeCLI_CheckAvailable(t *testing.T) {
	missing := &ClaudeCLI{Command: "definitely-not-a-real-binary-zz"}
	assert.Error(t, missing.CheckAvailable())

	present := &ClaudeCLI{Command: writeFakeCLI(t, "exit 0\n")}
	// LookPath needs a path with a separator or PATH membership; an absolute
	// path to the script satisfies it.
	assert.NoError(t, present.CheckAvailable())
}

func TestResolveAPIKey(t *testing.T) {
	t.Setenv("AGENTPIPE_TEST_KEY", "from-env")

	assert.Equal(t, "explicit",
		ResolveAPIKey(config.RuntimeOptions{APIKey: "explicit", APIKeyEnv: "AGENTPIPE_TEST_KEY"}),
		"explicit key wins")
	assert.Equal(t, "from-env",
		ResolveAPIKey(config.RuntimeOptions{APIKeyEnv: "AGENTPIPE_TEST_KEY"}))
	assert.Empty(t, ResolveAPIKey(config.RuntimeOptions{}))
}

func TestAmbientAnthropicKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("CLAUDE_API_KEY", "fallback")
	assert.Equal(t, "fallback", AmbientAnthropicKey())

	t.Setenv("ANTHROPIC_API_KEY", "primary")
	assert.Equal(t, "primary", AmbientAnthropicKey())
}

package cli

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// createPullRequest is the pull request collaborator wired into the
// executor. It shells out to the GitHub CLI; the returned string is the PR
// URL. Errors here are logged by the executor and never fail the run.
func createPullRequest(ctx context.Context, branchName string) (string, error) {
	if _, err := exec.LookPath("gh"); err != nil {
		return "", fmt.Errorf("gh CLI not found: %w", err)
	}

	cmd := exec.CommandContext(ctx, "gh", "pr", "create", "--head", branchName, "--fill")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("gh pr create: %v: %s", err, strings.TrimSpace(stderr.String()))
	}

	// gh prints the PR URL as the last line of stdout.
	lines := strings.Fields(strings.TrimSpace(stdout.String()))
	if len(lines) == 0 {
		return "", fmt.Errorf("gh pr create produced no URL")
	}
	return lines[len(lines)-1], nil
}

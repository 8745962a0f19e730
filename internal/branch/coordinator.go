// Package branch isolates every pipeline run on a dedicated git branch. The
// Coordinator owns branch naming, creation, and the commit/push/cleanup
// operations the executor performs on the run's behalf.
package branch

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/FRE-Studios/agentpipe/internal/config"
	"github.com/FRE-Studios/agentpipe/internal/git"
	"github.com/FRE-Studios/agentpipe/internal/state"
)

// Coordinator prepares and tears down per-run git branches. It wraps a git
// client to perform all operations and never modifies global git state.
type Coordinator struct {
	gitClient *git.Client
	remote    string
	logger    *log.Logger
}

// NewCoordinator returns a Coordinator using the given git client and
// remote. An empty remote defaults to "origin".
func NewCoordinator(gitClient *git.Client, remote string) *Coordinator {
	if remote == "" {
		remote = "origin"
	}
	return &Coordinator{
		gitClient: gitClient,
		remote:    remote,
	}
}

// WithLogger attaches a logger so non-fatal conditions (fetch failure, merge
// failure on an existing branch) are reported instead of silently swallowed.
// Returns the receiver.
func (c *Coordinator) WithLogger(logger *log.Logger) *Coordinator {
	c.logger = logger
	return c
}

// Opts configures a single call to Prepare.
type Opts struct {
	// PipelineName is the sanitized pipeline name used in the branch name.
	PipelineName string

	// RunID is the run identifier; its first eight characters key
	// unique-per-run branches.
	RunID string

	// BaseBranch is the branch the run branch is created from.
	BaseBranch string

	// Strategy is "reusable" or "unique-per-run".
	Strategy string

	// Prefix namespaces pipeline branches (e.g. "agents").
	Prefix string
}

// BranchName computes the run branch name from the options:
//
//	reusable       → {prefix}/{pipelineName}
//	unique-per-run → {prefix}/{pipelineName}/{runId[0:8]}
//
// The schedule validator guarantees the two forms never collide for the same
// pipeline name.
func (c *Coordinator) BranchName(opts Opts) string {
	base := opts.Prefix + "/" + opts.PipelineName
	if opts.Strategy == config.BranchUniquePerRun {
		return base + "/" + state.ShortID(opts.RunID)
	}
	return base
}

// Prepare sets up the run branch and checks it out:
//
//  1. Best-effort fetch from the remote; a fetch failure is a warning.
//  2. If the branch exists locally, check it out and merge the remote base
//     branch into it; a merge failure is a warning and the run continues on
//     the existing branch as-is.
//  3. Otherwise create it from {remote}/{base}; if that ref is missing,
//     create from the local base branch; if both fail, the error propagates.
//
// Returns the branch name.
func (c *Coordinator) Prepare(ctx context.Context, opts Opts) (string, error) {
	if err := c.gitClient.Fetch(ctx, c.remote); err != nil {
		c.warn("fetch failed, continuing with local refs", "remote", c.remote, "error", err)
	}

	name := c.BranchName(opts)

	exists, err := c.gitClient.BranchExists(ctx, name)
	if err != nil {
		return "", fmt.Errorf("branch: prepare %q: %w", name, err)
	}

	if exists {
		if err := c.gitClient.Checkout(ctx, name); err != nil {
			return "", fmt.Errorf("branch: prepare %q: checkout: %w", name, err)
		}
		remoteBase := c.remote + "/" + opts.BaseBranch
		if err := c.gitClient.Merge(ctx, remoteBase); err != nil {
			c.warn("merge of base branch failed, continuing on existing branch",
				"branch", name, "base", remoteBase, "error", err)
		}
		return name, nil
	}

	remoteBase := c.remote + "/" + opts.BaseBranch
	if c.gitClient.RefExists(ctx, remoteBase) {
		err := c.gitClient.CreateBranch(ctx, name, remoteBase)
		if err == nil {
			return name, nil
		}
		c.warn("create from remote base failed, trying local base",
			"branch", name, "base", remoteBase, "error", err)
	}

	if err := c.gitClient.CreateBranch(ctx, name, opts.BaseBranch); err != nil {
		return "", fmt.Errorf("branch: prepare %q from %q: %w", name, opts.BaseBranch, err)
	}
	return name, nil
}

// CurrentCommit returns the SHA of the branch HEAD.
func (c *Coordinator) CurrentCommit(ctx context.Context) (string, error) {
	sha, err := c.gitClient.HeadCommit(ctx)
	if err != nil {
		return "", fmt.Errorf("branch: current commit: %w", err)
	}
	return sha, nil
}

// Commit stages all working tree changes and commits them with the given
// message and author identity. When nothing is staged the commit is skipped
// and an empty SHA is returned.
func (c *Coordinator) Commit(ctx context.Context, message string, id git.Identity) (string, error) {
	if err := c.gitClient.AddAll(ctx); err != nil {
		return "", fmt.Errorf("branch: commit: %w", err)
	}

	staged, err := c.gitClient.HasStagedChanges(ctx)
	if err != nil {
		return "", fmt.Errorf("branch: commit: %w", err)
	}
	if !staged {
		return "", nil
	}

	sha, err := c.gitClient.Commit(ctx, message, id)
	if err != nil {
		return "", fmt.Errorf("branch: commit: %w", err)
	}
	return sha, nil
}

// Push pushes the named branch to the coordinator's remote.
func (c *Coordinator) Push(ctx context.Context, branchName string) error {
	if err := c.gitClient.Push(ctx, branchName, c.remote); err != nil {
		return fmt.Errorf("branch: push %q: %w", branchName, err)
	}
	return nil
}

// Delete removes a local pipeline branch.
func (c *Coordinator) Delete(ctx context.Context, branchName string, force bool) error {
	current, err := c.gitClient.CurrentBranch(ctx)
	if err == nil && current == branchName {
		return fmt.Errorf("branch: delete %q: branch is checked out", branchName)
	}
	if err := c.gitClient.DeleteBranch(ctx, branchName, force); err != nil {
		return fmt.Errorf("branch: delete %q: %w", branchName, err)
	}
	return nil
}

// ListPipelineBranches returns all local branches under the prefix.
func (c *Coordinator) ListPipelineBranches(ctx context.Context, prefix string) ([]string, error) {
	branches, err := c.gitClient.ListBranches(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("branch: list %q: %w", prefix, err)
	}
	return branches, nil
}

// ListRemotePipelineBranches returns all branches under the prefix on the
// given remote (empty remote uses the coordinator's default).
func (c *Coordinator) ListRemotePipelineBranches(ctx context.Context, prefix, remote string) ([]string, error) {
	if remote == "" {
		remote = c.remote
	}
	branches, err := c.gitClient.ListRemoteBranches(ctx, prefix, remote)
	if err != nil {
		return nil, fmt.Errorf("branch: list remote %q: %w", prefix, err)
	}
	return branches, nil
}

// DeleteRemote removes a pipeline branch from the remote.
func (c *Coordinator) DeleteRemote(ctx context.Context, branchName, remote string) error {
	if remote == "" {
		remote = c.remote
	}
	if err := c.gitClient.DeleteRemoteBranch(ctx, branchName, remote); err != nil {
		return fmt.Errorf("branch: delete remote %q: %w", branchName, err)
	}
	return nil
}

// ChangedFiles lists the paths changed on the run branch between two commits.
func (c *Coordinator) ChangedFiles(ctx context.Context, from, to string) ([]string, error) {
	if from == "" || to == "" || from == to {
		return nil, nil
	}
	files, err := c.gitClient.ChangedFiles(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("branch: changed files: %w", err)
	}
	return files, nil
}

// Checkout switches the working tree to the named branch. The executor uses
// it to restore the base branch when preserveWorkingTree is off.
func (c *Coordinator) Checkout(ctx context.Context, branchName string) error {
	if err := c.gitClient.Checkout(ctx, branchName); err != nil {
		return fmt.Errorf("branch: checkout %q: %w", branchName, err)
	}
	return nil
}

// SanitizeName converts an arbitrary pipeline name into a branch-safe slug:
// lowercase, with runs of unsafe characters collapsed to single hyphens.
func SanitizeName(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

func (c *Coordinator) warn(msg string, kvs ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Warn(msg, kvs...)
}

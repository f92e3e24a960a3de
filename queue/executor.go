package queue

import (
	"context"
	"fmt"
	"os/exec"
)

// Executor runs a single operation. Implementations must honor ctx
// cancellation; the queue relies on it for both timeouts and Cancel.
type Executor interface {
	Execute(ctx context.Context, op *Operation) (string, error)
}

// gitArgv maps a command name to the git argv it expands to. Operation args
// are appended after the fixed prefix.
var gitArgv = map[CommandName][]string{
	CmdStatus:         {"status", "--porcelain"},
	CmdCommit:         {"commit"},
	CmdPush:           {"push"},
	CmdPull:           {"pull"},
	CmdRevParse:       {"rev-parse"},
	CmdBranchCreate:   {"branch"},
	CmdBranchDelete:   {"branch", "-D"},
	CmdWorktreeAdd:    {"worktree", "add"},
	CmdWorktreeRemove: {"worktree", "remove"},
	CmdWorktreeLock:   {"worktree", "lock"},
	CmdWorktreeUnlock: {"worktree", "unlock"},
	CmdWorktreeRepair: {"worktree", "repair"},
	CmdWorktreePrune:  {"worktree", "prune"},
	CmdWorktreeList:   {"worktree", "list", "--porcelain"},
}

// GitExecutor runs operations against the external git binary, scoped to the
// operation's repository root via -C.
type GitExecutor struct{}

// Execute runs the operation's git command and returns its combined output.
// The child process is killed when ctx is cancelled or times out.
func (GitExecutor) Execute(ctx context.Context, op *Operation) (string, error) {
	argv, ok := gitArgv[op.Command]
	if !ok {
		return "", fmt.Errorf("unsupported command %q", op.Command)
	}

	args := append([]string{"-C", op.RepoRoot}, argv...)
	args = append(args, op.Args...)
	cmd := exec.CommandContext(ctx, "git", args...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		// Keep git's own message verbatim; callers surface it as-is.
		return "", fmt.Errorf("git command failed: %s (%w)", output, err)
	}

	return string(output), nil
}

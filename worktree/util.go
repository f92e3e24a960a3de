package worktree

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/gitswarm/gitswarm/queue"
)

// Pre-compiled regexes for branch name sanitization.
var (
	unsafeCharsRegex = regexp.MustCompile(`[^a-z0-9\-_/.]+`)
	multiDashRegex   = regexp.MustCompile(`-+`)
)

// sanitizeBranchName transforms an arbitrary string into a Git branch name friendly string.
func sanitizeBranchName(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, " ", "-")
	s = unsafeCharsRegex.ReplaceAllString(s, "")
	s = multiDashRegex.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-/")
	return s
}

// IsGitRepo checks if the given path is within a git repository
func IsGitRepo(path string) bool {
	_, err := FindGitRepoRoot(path)
	return err == nil
}

// FindGitRepoRoot walks up from path until it finds a git repo root.
func FindGitRepoRoot(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	currentPath := absPath
	for {
		_, err := git.PlainOpen(currentPath)
		if err == nil {
			return currentPath, nil
		}

		parent := filepath.Dir(currentPath)
		if parent == currentPath {
			return "", fmt.Errorf("%w: %s", ErrNotARepo, path)
		}
		currentPath = parent
	}
}

// branchExists reports whether branchName exists as a local branch.
func branchExists(repoRoot, branchName string) (bool, error) {
	repo, err := git.PlainOpen(repoRoot)
	if err != nil {
		return false, fmt.Errorf("failed to open repository: %w", err)
	}
	branchRef := plumbing.NewBranchReferenceName(branchName)
	if _, err := repo.Reference(branchRef, false); err != nil {
		if err == plumbing.ErrReferenceNotFound {
			return false, nil
		}
		return false, fmt.Errorf("error checking branch %s: %w", branchName, err)
	}
	return true, nil
}

// runGitCommand runs a read-only git command with -C repoPath. Mutations must
// go through the operation queue instead.
func runGitCommand(repoPath string, args ...string) (string, error) {
	baseArgs := []string{"-C", repoPath}
	cmd := exec.Command("git", append(baseArgs, args...)...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git command failed: %s (%w)", output, err)
	}
	return string(output), nil
}

// await polls an operation until it reaches a terminal state. The queue
// exposes no blocking primitive, so lifecycle calls poll internally. An id
// the queue no longer tracks (evicted from the bounded history) fails the
// wait instead of spinning on it.
func (m *Manager) await(id string) (queue.Operation, error) {
	for {
		op, err := m.queue.Status(id)
		if err != nil {
			return queue.Operation{}, fmt.Errorf("operation %s: %w", id, err)
		}
		if op.Status.Terminal() {
			return op, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// run enqueues a git mutation at normal priority and waits for its outcome.
func (m *Manager) run(repoRoot string, cmd queue.CommandName, args []string) error {
	op, err := m.await(m.queue.Enqueue(repoRoot, cmd, args, queue.PriorityNormal))
	if err != nil {
		return err
	}
	return opError(op)
}

// opError converts a terminal operation into an error, nil when it completed.
func opError(op queue.Operation) error {
	switch op.Status {
	case queue.StatusCompleted:
		return nil
	case queue.StatusCancelled:
		return fmt.Errorf("%s was cancelled", op.Command)
	default:
		if op.FailureReason == queue.FailureTimeout {
			return fmt.Errorf("%s timed out: %s", op.Command, op.Err)
		}
		return fmt.Errorf("%s failed: %s", op.Command, op.Err)
	}
}

package worktree

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gitswarm/gitswarm/log"
	"github.com/gitswarm/gitswarm/queue"
)

// Create allocates a worktree for the workspace and locks it. The branch is
// derived from the workspace id; if a worktree already references it, Create
// fails with ErrDuplicateWorktree rather than silently reusing it.
func (m *Manager) Create(repoRoot, workspaceID string) (*Info, error) {
	repoRoot, err := FindGitRepoRoot(repoRoot)
	if err != nil {
		return nil, err
	}

	branch := m.BranchName(workspaceID)
	infos, err := m.List(repoRoot)
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if info.Branch == branch {
			return nil, fmt.Errorf("%w: %s at %s", ErrDuplicateWorktree, branch, info.Path)
		}
	}

	worktreePath := filepath.Join(m.baseDir, filepath.Base(repoRoot), sanitizeBranchName(workspaceID))
	if err := os.MkdirAll(filepath.Dir(worktreePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create worktrees directory: %w", err)
	}

	exists, err := branchExists(repoRoot, branch)
	if err != nil {
		return nil, err
	}
	var args []string
	if exists {
		args = []string{worktreePath, branch}
	} else {
		// Branch from HEAD so the new worktree starts from a clean,
		// committed state.
		args = []string{"-b", branch, worktreePath, "HEAD"}
	}

	if err := m.run(repoRoot, queue.CmdWorktreeAdd, args); err != nil {
		return nil, err
	}

	lockArgs := []string{"--reason", LockReasonActiveAgent, worktreePath}
	if err := m.run(repoRoot, queue.CmdWorktreeLock, lockArgs); err != nil {
		return nil, fmt.Errorf("worktree created but locking failed: %w", err)
	}

	log.InfoLog.Printf("created worktree %s on %s for workspace %s", worktreePath, branch, workspaceID)
	return &Info{
		Path:       worktreePath,
		Branch:     branch,
		Locked:     true,
		LockReason: LockReasonActiveAgent,
		Health:     HealthLocked,
	}, nil
}

// Remove unlocks and removes a worktree, deleting its branch when one is
// supplied. A stale index.lock from a crashed git process is cleared first so
// it cannot make the removal fail. All mutations go through the queue and are
// therefore serialized against concurrent operations on the same root.
func (m *Manager) Remove(repoRoot, worktreePath, branch string) error {
	repoRoot, err := FindGitRepoRoot(repoRoot)
	if err != nil {
		return err
	}

	if err := m.ClearStaleLock(worktreePath); err != nil {
		log.WarningLog.Printf("failed to clear stale lock before removal: %v", err)
	}

	// The worktree may or may not be locked; a failed unlock is expected.
	if err := m.run(repoRoot, queue.CmdWorktreeUnlock, []string{worktreePath}); err != nil {
		log.DebugLog.Printf("unlock before removal: %v", err)
	}

	if err := m.run(repoRoot, queue.CmdWorktreeRemove, []string{"--force", worktreePath}); err != nil {
		return err
	}

	if branch != "" {
		if err := m.run(repoRoot, queue.CmdBranchDelete, []string{branch}); err != nil {
			return err
		}
	}

	log.InfoLog.Printf("removed worktree %s", worktreePath)
	return nil
}

// Repair converts crash-time inconsistency into a known-good state: re-link
// administrative files for worktrees whose parent repo moved, prune
// bookkeeping for worktrees whose directories are gone, then clear stale
// index.lock files in the survivors. Safe to run repeatedly, cheap when
// there is nothing to fix.
func (m *Manager) Repair(repoRoot string) error {
	repoRoot, err := FindGitRepoRoot(repoRoot)
	if err != nil {
		return err
	}

	var errs []error
	for _, cmd := range []queue.CommandName{queue.CmdWorktreeRepair, queue.CmdWorktreePrune} {
		if err := m.run(repoRoot, cmd, nil); err != nil {
			errs = append(errs, err)
		}
	}

	infos, err := m.List(repoRoot)
	if err != nil {
		errs = append(errs, err)
	} else {
		for _, info := range infos {
			if info.Health == HealthOrphaned {
				continue
			}
			if err := m.ClearStaleLock(info.Path); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}

// RepairAll is the startup self-healing pass: every repository with
// worktrees under the base directory is repaired before any workspace
// becomes usable.
func (m *Manager) RepairAll() error {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read worktree base directory: %w", err)
	}

	roots := make(map[string]struct{})
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		repoDir := filepath.Join(m.baseDir, entry.Name())
		worktrees, err := os.ReadDir(repoDir)
		if err != nil {
			log.WarningLog.Printf("failed to read %s: %v", repoDir, err)
			continue
		}
		for _, wt := range worktrees {
			if !wt.IsDir() {
				continue
			}
			root, err := repoRootFromWorktree(filepath.Join(repoDir, wt.Name()))
			if err != nil {
				log.WarningLog.Printf("cannot resolve repo for worktree %s: %v", wt.Name(), err)
				continue
			}
			roots[root] = struct{}{}
		}
	}

	var errs []error
	for root := range roots {
		log.InfoLog.Printf("startup repair for %s", root)
		if err := m.Repair(root); err != nil {
			errs = append(errs, fmt.Errorf("repair %s: %w", root, err))
		}
	}
	return errors.Join(errs...)
}

// repoRootFromWorktree derives the owning repository root from a linked
// worktree's .git pointer file. The pointer names the admin directory
// <root>/.git/worktrees/<name>; the target may no longer exist (repo moved),
// so the pointer is parsed without stat-ing it.
func repoRootFromWorktree(worktreePath string) (string, error) {
	data, err := os.ReadFile(filepath.Join(worktreePath, ".git"))
	if err != nil {
		return "", fmt.Errorf("unreadable .git pointer: %w", err)
	}
	dir := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(string(data)), "gitdir:"))
	if dir == "" {
		return "", fmt.Errorf("malformed .git pointer in %s", worktreePath)
	}
	// <root>/.git/worktrees/<name> -> <root>
	root := filepath.Dir(filepath.Dir(filepath.Dir(dir)))
	if _, err := os.Stat(root); err != nil {
		return "", fmt.Errorf("repository root %s missing: %w", root, err)
	}
	return root, nil
}

package worktree

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gitswarm/gitswarm/log"
)

// List parses the porcelain worktree listing for repoRoot and classifies each
// entry's health. The primary checkout is not included; only linked worktrees
// are managed here.
func (m *Manager) List(repoRoot string) ([]Info, error) {
	repoRoot, err := FindGitRepoRoot(repoRoot)
	if err != nil {
		return nil, err
	}

	output, err := runGitCommand(repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}

	infos := parsePorcelain(output)

	result := make([]Info, 0, len(infos))
	for _, info := range infos {
		if filepath.Clean(info.Path) == filepath.Clean(repoRoot) {
			continue
		}
		info.Health = classify(info)
		result = append(result, info)
	}
	return result, nil
}

// parsePorcelain parses `git worktree list --porcelain` output. Entries are
// blank-line separated blocks:
//
//	worktree /path/to/wt
//	HEAD abc123
//	branch refs/heads/workspace/foo
//	locked active-agent
func parsePorcelain(output string) []Info {
	var infos []Info
	var current *Info
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "worktree "):
			if current != nil {
				infos = append(infos, *current)
			}
			current = &Info{Path: strings.TrimPrefix(line, "worktree ")}
		case current == nil:
			continue
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			branchRef := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(branchRef, "refs/heads/")
		case line == "locked":
			current.Locked = true
		case strings.HasPrefix(line, "locked "):
			current.Locked = true
			current.LockReason = strings.TrimPrefix(line, "locked ")
		case line == "":
			if current != nil {
				infos = append(infos, *current)
				current = nil
			}
		}
	}
	if current != nil {
		infos = append(infos, *current)
	}
	return infos
}

// classify derives health for a listed worktree. Orphaned wins over locked:
// a lock annotation on a directory that no longer exists is exactly the
// crash garbage repair() exists to clear.
func classify(info Info) Health {
	if _, err := os.Stat(info.Path); os.IsNotExist(err) {
		return HealthOrphaned
	}
	if _, err := adminDir(info.Path); err != nil {
		return HealthCorrupted
	}
	if !headResolvable(info.Path) {
		return HealthCorrupted
	}
	if info.Locked {
		return HealthLocked
	}
	return HealthHealthy
}

// adminDir resolves a worktree's git administrative directory from its .git
// pointer file.
func adminDir(worktreePath string) (string, error) {
	gitFile := filepath.Join(worktreePath, ".git")
	fi, err := os.Stat(gitFile)
	if err != nil {
		return "", fmt.Errorf("missing .git in %s: %w", worktreePath, err)
	}

	// The primary checkout has a .git directory; linked worktrees have a
	// pointer file "gitdir: /repo/.git/worktrees/<name>".
	if fi.IsDir() {
		return gitFile, nil
	}

	data, err := os.ReadFile(gitFile)
	if err != nil {
		return "", fmt.Errorf("unreadable .git in %s: %w", worktreePath, err)
	}
	line := strings.TrimSpace(string(data))
	dir := strings.TrimSpace(strings.TrimPrefix(line, "gitdir:"))
	if dir == "" {
		return "", fmt.Errorf("malformed .git pointer in %s", worktreePath)
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(worktreePath, dir)
	}
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("missing admin directory for %s: %w", worktreePath, err)
	}
	return dir, nil
}

// headResolvable reports whether the worktree's HEAD reference can be read.
func headResolvable(worktreePath string) bool {
	dir, err := adminDir(worktreePath)
	if err != nil {
		return false
	}
	data, err := os.ReadFile(filepath.Join(dir, "HEAD"))
	if err != nil {
		return false
	}
	return len(strings.TrimSpace(string(data))) > 0
}

// ClearStaleLock removes a leftover index.lock from the worktree's git
// metadata directory. Stale locks are expected garbage from crashed git
// processes, not errors; a missing lock file is a no-op.
func (m *Manager) ClearStaleLock(worktreePath string) error {
	dir, err := adminDir(worktreePath)
	if err != nil {
		// Nothing to clear if we can't even find the admin dir; the
		// worktree will show up corrupted in List instead.
		return nil
	}
	lockPath := filepath.Join(dir, "index.lock")
	if err := os.Remove(lockPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to remove stale lock %s: %w", lockPath, err)
	}
	log.InfoLog.Printf("removed stale lock %s", lockPath)
	return nil
}

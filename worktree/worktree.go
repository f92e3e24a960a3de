package worktree

import (
	"errors"

	"github.com/gitswarm/gitswarm/config"
	"github.com/gitswarm/gitswarm/queue"
)

var (
	// ErrDuplicateWorktree is returned by Create when a worktree already
	// references the workspace branch. Creation is not idempotent; callers
	// that want reuse must List first.
	ErrDuplicateWorktree = errors.New("a worktree already references this branch")
	// ErrNotARepo is returned when a path is not inside a git repository.
	ErrNotARepo = errors.New("path is not inside a git repository")
)

// LockReasonActiveAgent is the lock annotation for worktrees bound to a
// running agent session.
const LockReasonActiveAgent = "active-agent"

// Health classifies a worktree's condition. Derived on every List, never
// stored.
type Health int

const (
	HealthHealthy Health = iota
	HealthOrphaned
	HealthLocked
	HealthCorrupted
)

// String returns the string representation of health
func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthOrphaned:
		return "orphaned"
	case HealthLocked:
		return "locked"
	case HealthCorrupted:
		return "corrupted"
	default:
		return "unknown"
	}
}

// Info describes one checkout bound to one branch.
type Info struct {
	Path       string `json:"path"`
	Branch     string `json:"branch"`
	Head       string `json:"head,omitempty"`
	Locked     bool   `json:"locked"`
	LockReason string `json:"lock_reason,omitempty"`
	Health     Health `json:"-"`
}

// Manager maps logical workspaces to physical checkouts. All mutating git
// actions route through the owning repo's OperationQueue; listing and health
// derivation are read-only and bypass it.
type Manager struct {
	queue   *queue.OperationQueue
	cfg     *config.Config
	baseDir string
}

// NewManager creates a Manager placing worktrees under baseDir, grouped by
// repository name.
func NewManager(q *queue.OperationQueue, cfg *config.Config, baseDir string) *Manager {
	return &Manager{queue: q, cfg: cfg, baseDir: baseDir}
}

// BranchName derives the branch for a workspace id using the configured
// prefix, e.g. "workspace/fix-login".
func (m *Manager) BranchName(workspaceID string) string {
	return m.cfg.BranchPrefix + sanitizeBranchName(workspaceID)
}

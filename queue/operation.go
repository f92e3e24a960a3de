package queue

import (
	"context"
	"time"
)

// Priority represents operation priority levels for the queue
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityCritical
)

// String returns the string representation of priority
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "Critical"
	case PriorityNormal:
		return "Normal"
	case PriorityLow:
		return "Low"
	default:
		return "Unknown"
	}
}

// Status represents the current state of an operation
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusCancelled
)

// String returns the string representation of operation status
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusRunning:
		return "Running"
	case StatusCompleted:
		return "Completed"
	case StatusFailed:
		return "Failed"
	case StatusCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the status is one of the end states.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// FailureReason distinguishes why a failed operation failed, so callers can
// decide whether a retry makes sense.
type FailureReason string

const (
	// FailureTimeout means the operation exceeded its wall-clock budget.
	FailureTimeout FailureReason = "timeout"
	// FailureCommand means the external command reported an error.
	FailureCommand FailureReason = "command"
)

// CommandName identifies a supported git action.
type CommandName string

const (
	CmdStatus         CommandName = "status"
	CmdCommit         CommandName = "commit"
	CmdPush           CommandName = "push"
	CmdPull           CommandName = "pull"
	CmdRevParse       CommandName = "rev-parse"
	CmdBranchCreate   CommandName = "branch-create"
	CmdBranchDelete   CommandName = "branch-delete"
	CmdWorktreeAdd    CommandName = "worktree-add"
	CmdWorktreeRemove CommandName = "worktree-remove"
	CmdWorktreeLock   CommandName = "worktree-lock"
	CmdWorktreeUnlock CommandName = "worktree-unlock"
	CmdWorktreeRepair CommandName = "worktree-repair"
	CmdWorktreePrune  CommandName = "worktree-prune"
	CmdWorktreeList   CommandName = "worktree-list"
)

// ParseCommand maps a command name string to its CommandName, reporting
// whether it is a supported git action.
func ParseCommand(s string) (CommandName, bool) {
	cmd := CommandName(s)
	_, ok := gitArgv[cmd]
	return cmd, ok
}

// ParsePriority maps a priority string ("critical", "normal", "low") to its
// Priority. Unknown strings default to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "critical", "Critical":
		return PriorityCritical
	case "low", "Low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Operation is a single queued, serialized action against a repository root.
type Operation struct {
	ID            string        `json:"id"`
	RepoRoot      string        `json:"repo_root"`
	Command       CommandName   `json:"command"`
	Args          []string      `json:"args,omitempty"`
	Priority      Priority      `json:"priority"`
	Status        Status        `json:"status"`
	EnqueuedAt    time.Time     `json:"enqueued_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	Result        string        `json:"result,omitempty"`
	Err           string        `json:"error,omitempty"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`

	// seq breaks priority ties so dispatch stays FIFO within a tier.
	seq uint64
	// index is the position in the pending heap, -1 once dequeued.
	index int
	// cancel interrupts the executor while the operation is running.
	cancel context.CancelFunc
	// cancelRequested marks an operation whose caller cancelled it mid-run.
	cancelRequested bool
}

// snapshot returns a caller-safe copy without the scheduling internals.
func (op *Operation) snapshot() Operation {
	out := *op
	out.cancel = nil
	out.Args = append([]string(nil), op.Args...)
	return out
}

// opHeap orders pending operations by priority, then enqueue sequence.
type opHeap []*Operation

func (h opHeap) Len() int { return len(h) }

func (h opHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h opHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *opHeap) Push(x any) {
	op := x.(*Operation)
	op.index = len(*h)
	*h = append(*h, op)
}

func (h *opHeap) Pop() any {
	old := *h
	n := len(old)
	op := old[n-1]
	old[n-1] = nil
	op.index = -1
	*h = old[:n-1]
	return op
}

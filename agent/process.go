package agent

import (
	"os"
	"os/exec"
	"time"
)

// Status represents the current state of a supervised agent process.
type Status int

const (
	// StatusStarting is the initial state after spawn, before any output.
	StatusStarting Status = iota
	// StatusStreaming means the agent is actively producing output.
	StatusStreaming
	// StatusIdle means the agent is alive but quiet (waiting for input).
	StatusIdle
	// StatusError means the process crashed, exited, or timed out starting.
	StatusError
	// StatusKilled means the process was explicitly killed.
	StatusKilled
)

// String returns the string representation of process status
func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusStreaming:
		return "streaming"
	case StatusIdle:
		return "idle"
	case StatusError:
		return "error"
	case StatusKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusError || s == StatusKilled
}

// Process is a supervised child process bound to one workspace.
type Process struct {
	ID           string    `json:"id"`
	WorkspaceID  string    `json:"workspace_id"`
	PID          int       `json:"pid"`
	WorktreePath string    `json:"worktree_path"`
	Status       Status    `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	// CanRestart is advisory metadata for the caller, not an enforced gate:
	// a crashed workspace slot is immediately available for a fresh spawn.
	CanRestart bool `json:"can_restart"`
	// Err carries the exit error for crashed processes.
	Err string `json:"error,omitempty"`

	cmd           *exec.Cmd
	ptmx          *os.File
	lastOutput    time.Time
	killRequested bool
	exited        chan struct{}
}

// snapshot returns a caller-safe copy without process handles.
func (p *Process) snapshot() Process {
	out := *p
	out.cmd = nil
	out.ptmx = nil
	out.exited = nil
	return out
}

package agent

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/gitswarm/gitswarm/config"
	"github.com/gitswarm/gitswarm/log"
)

var (
	// ErrAlreadyRunning is returned by Spawn when the workspace already has
	// a non-terminal process.
	ErrAlreadyRunning = errors.New("workspace already has a running agent")
	// ErrCapacityExceeded is returned by Spawn at the concurrency limit.
	ErrCapacityExceeded = errors.New("agent concurrency limit reached")
	// ErrNotFound is returned by Status for unknown workspaces.
	ErrNotFound = errors.New("no agent tracked for workspace")
)

// StaleLockCleaner clears leftover git lock files from a worktree. A wedged
// or crashed agent frequently leaves an index.lock behind; the manager
// requests cleanup best-effort whenever a process dies abnormally.
type StaleLockCleaner interface {
	ClearStaleLock(worktreePath string) error
}

const (
	// killGracePeriod is how long Kill waits after SIGTERM before SIGKILL.
	killGracePeriod = 2 * time.Second
	// idleAfter is how long without output before a streaming agent is idle.
	idleAfter = 2 * time.Second
)

// Manager supervises one OS process per workspace under a bounded
// concurrency pool. It owns all Process records and process handles.
type Manager struct {
	limit          int
	startupTimeout time.Duration
	locks          StaleLockCleaner

	mu    sync.Mutex
	procs map[string]*Process
}

// NewManager creates a Manager with the given concurrency limit. The limit is
// clamped to the hard ceiling regardless of configuration; this bounds both
// host resources and the aggregate external API call rate.
func NewManager(limit int, startupTimeout time.Duration, locks StaleLockCleaner) *Manager {
	if limit <= 0 {
		limit = 3
	}
	if limit > config.MaxAgentCeiling {
		log.WarningLog.Printf("agent limit %d exceeds ceiling, clamping to %d", limit, config.MaxAgentCeiling)
		limit = config.MaxAgentCeiling
	}
	if startupTimeout <= 0 {
		startupTimeout = 30 * time.Second
	}
	return &Manager{
		limit:          limit,
		startupTimeout: startupTimeout,
		locks:          locks,
		procs:          make(map[string]*Process),
	}
}

// Limit returns the effective concurrency limit after clamping.
func (m *Manager) Limit() int {
	return m.limit
}

// Spawn starts the agent command in a child process rooted at worktreePath
// and attaches a background monitor. A terminal entry for the same workspace
// is replaced; a live one rejects the spawn.
func (m *Manager) Spawn(workspaceID, worktreePath, command string) (Process, error) {
	// Reserve the workspace and the slot in one critical section, before the
	// fork. Concurrent spawns race only for the reservation, so the
	// non-terminal count can never pass the limit.
	m.mu.Lock()
	if existing, ok := m.procs[workspaceID]; ok && !existing.Status.Terminal() {
		m.mu.Unlock()
		return Process{}, fmt.Errorf("%w: %s", ErrAlreadyRunning, workspaceID)
	}
	if n := m.nonTerminalLocked(); n >= m.limit {
		m.mu.Unlock()
		return Process{}, fmt.Errorf("%w: %d of %d slots in use", ErrCapacityExceeded, n, m.limit)
	}
	p := &Process{
		ID:           uuid.NewString(),
		WorkspaceID:  workspaceID,
		WorktreePath: worktreePath,
		Status:       StatusStarting,
		StartedAt:    time.Now(),
		lastOutput:   time.Now(),
		exited:       make(chan struct{}),
	}
	m.procs[workspaceID] = p
	m.mu.Unlock()

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = worktreePath
	cmd.Env = append(os.Environ(), "GITSWARM_WORKSPACE="+workspaceID)

	// Agents expect a terminal; run them on a pty and consume output from
	// the monitor, never from the calling goroutine.
	ptmx, err := pty.Start(cmd)
	if err != nil {
		m.mu.Lock()
		p.Status = StatusError
		p.Err = err.Error()
		close(p.exited)
		delete(m.procs, workspaceID)
		m.mu.Unlock()
		return Process{}, fmt.Errorf("failed to start agent process: %w", err)
	}

	m.mu.Lock()
	p.cmd = cmd
	p.ptmx = ptmx
	p.PID = cmd.Process.Pid
	killNow := p.killRequested || p.Status.Terminal()
	snap := p.snapshot()
	m.mu.Unlock()

	if killNow {
		// A kill or the startup-timeout sweep beat the fork; honor it now.
		_ = cmd.Process.Kill()
	}

	go m.readOutput(p)
	go m.watchIdle(p)
	go m.monitor(p)

	log.InfoLog.Printf("spawned agent %s (pid %d) for workspace %s in %s", p.ID, p.PID, workspaceID, worktreePath)
	return snap, nil
}

// Kill terminates the workspace's process: SIGTERM, a brief grace period,
// then SIGKILL. Idempotent when no live process is tracked.
func (m *Manager) Kill(workspaceID string) error {
	m.mu.Lock()
	p, ok := m.procs[workspaceID]
	if !ok || p.Status.Terminal() {
		m.mu.Unlock()
		return nil
	}
	p.killRequested = true
	cmd := p.cmd
	m.mu.Unlock()

	// cmd is nil only while Spawn's fork is still in flight; Spawn kills the
	// child itself as soon as the fork finishes with killRequested set.
	if cmd != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			log.WarningLog.Printf("SIGTERM to agent %s failed: %v", p.ID, err)
		}
	}
	select {
	case <-p.exited:
	case <-time.After(killGracePeriod):
		m.mu.Lock()
		cmd = p.cmd
		m.mu.Unlock()
		if cmd != nil {
			log.WarningLog.Printf("agent %s did not exit after SIGTERM, killing", p.ID)
			_ = cmd.Process.Kill()
		}
		<-p.exited
	}

	m.mu.Lock()
	// The startup-timeout sweep may have finalized the process as error while
	// we waited; never overwrite one terminal state with another.
	if !p.Status.Terminal() {
		p.Status = StatusKilled
	}
	m.mu.Unlock()
	log.InfoLog.Printf("killed agent %s for workspace %s", p.ID, workspaceID)
	return nil
}

// List returns a snapshot of all tracked processes, terminal and not.
func (m *Manager) List() []Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Process, 0, len(m.procs))
	for _, p := range m.procs {
		out = append(out, p.snapshot())
	}
	return out
}

// Status returns the workspace's process snapshot. A process stuck in
// starting beyond the startup timeout is detected here, lazily: it is marked
// error, flagged restartable, and its worktree gets a stale-lock cleanup. A
// caller that never polls will not observe the failure until it checks.
func (m *Manager) Status(workspaceID string) (Process, error) {
	m.mu.Lock()
	p, ok := m.procs[workspaceID]
	if !ok {
		m.mu.Unlock()
		return Process{}, fmt.Errorf("%w: %s", ErrNotFound, workspaceID)
	}

	if p.Status == StatusStarting && time.Since(p.StartedAt) > m.startupTimeout {
		p.Status = StatusError
		p.CanRestart = true
		p.Err = fmt.Sprintf("agent did not start within %s", m.startupTimeout)
		cmd := p.cmd
		snap := p.snapshot()
		m.mu.Unlock()

		log.WarningLog.Printf("agent %s wedged in starting state, marking error", p.ID)
		// The process may still be alive; reap it so the slot is truly free.
		if cmd != nil {
			_ = cmd.Process.Kill()
		}
		m.cleanupLocks(p.WorktreePath)
		return snap, nil
	}

	snap := p.snapshot()
	m.mu.Unlock()
	return snap, nil
}

// nonTerminalLocked counts live processes. Caller holds m.mu.
func (m *Manager) nonTerminalLocked() int {
	n := 0
	for _, p := range m.procs {
		if !p.Status.Terminal() {
			n++
		}
	}
	return n
}

// readOutput drains the pty. Any output is activity: it moves a starting or
// idle agent to streaming and refreshes the idle clock.
func (m *Manager) readOutput(p *Process) {
	buf := make([]byte, 4096)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			m.mu.Lock()
			p.lastOutput = time.Now()
			if p.Status == StatusStarting || p.Status == StatusIdle {
				p.Status = StatusStreaming
			}
			m.mu.Unlock()
		}
		if err != nil {
			// EIO here means the child exited and the pty slave closed.
			return
		}
	}
}

// watchIdle demotes a streaming agent to idle after a quiet period.
func (m *Manager) watchIdle(p *Process) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-p.exited:
			return
		case <-ticker.C:
			m.mu.Lock()
			if p.Status == StatusStreaming && time.Since(p.lastOutput) > idleAfter {
				p.Status = StatusIdle
			}
			m.mu.Unlock()
		}
	}
}

// monitor waits for process exit and applies crash handling: an exit that was
// not requested marks the process error with CanRestart set, and requests a
// stale-lock cleanup on its worktree. The workspace slot frees immediately.
func (m *Manager) monitor(p *Process) {
	waitErr := p.cmd.Wait()
	_ = p.ptmx.Close()
	close(p.exited)

	m.mu.Lock()
	cleanup := false
	switch {
	case p.Status.Terminal():
		// Already finalized by Kill or the startup-timeout sweep.
	case p.killRequested:
		p.Status = StatusKilled
	default:
		p.Status = StatusError
		p.CanRestart = true
		cleanup = true
		if waitErr != nil {
			p.Err = waitErr.Error()
		} else {
			p.Err = "agent exited"
		}
	}
	m.mu.Unlock()

	if cleanup {
		log.WarningLog.Printf("agent %s for workspace %s exited abnormally: %s", p.ID, p.WorkspaceID, p.Err)
		m.cleanupLocks(p.WorktreePath)
	}
}

// cleanupLocks asks the worktree layer to clear crash garbage. Best effort.
func (m *Manager) cleanupLocks(worktreePath string) {
	if m.locks == nil {
		return
	}
	if err := m.locks.ClearStaleLock(worktreePath); err != nil {
		log.WarningLog.Printf("stale lock cleanup for %s failed: %v", worktreePath, err)
	}
}

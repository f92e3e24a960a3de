package agent

import (
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitswarm/gitswarm/config"
	"github.com/gitswarm/gitswarm/log"
)

func TestMain(m *testing.M) {
	log.Initialize()
	code := m.Run()
	log.Close()
	os.Exit(code)
}

// fakeCleaner records stale-lock cleanup requests.
type fakeCleaner struct {
	mu    sync.Mutex
	paths []string
}

func (f *fakeCleaner) ClearStaleLock(worktreePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, worktreePath)
	return nil
}

func (f *fakeCleaner) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

// awaitStatus polls until the workspace's process reaches the wanted status.
func awaitStatus(t *testing.T, m *Manager, workspaceID string, want Status) Process {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	var last Process
	for time.Now().Before(deadline) {
		p, err := m.Status(workspaceID)
		require.NoError(t, err)
		if p.Status == want {
			return p
		}
		last = p
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("workspace %s never reached %s, last seen %s", workspaceID, want, last.Status)
	return Process{}
}

func TestNewManagerClampsLimit(t *testing.T) {
	assert.Equal(t, config.MaxAgentCeiling, NewManager(10, time.Second, nil).Limit())
	assert.Equal(t, 3, NewManager(0, time.Second, nil).Limit())
	assert.Equal(t, 2, NewManager(2, time.Second, nil).Limit())
}

func TestSpawnStreamsThenIdles(t *testing.T) {
	m := NewManager(3, 30*time.Second, nil)

	p, err := m.Spawn("ws1", t.TempDir(), "echo hello; sleep 30")
	require.NoError(t, err)
	assert.NotZero(t, p.PID)
	assert.Equal(t, "ws1", p.WorkspaceID)

	// Output moves it to streaming, then silence demotes it to idle.
	awaitStatus(t, m, "ws1", StatusStreaming)
	awaitStatus(t, m, "ws1", StatusIdle)

	require.NoError(t, m.Kill("ws1"))
	killed, err := m.Status("ws1")
	require.NoError(t, err)
	assert.Equal(t, StatusKilled, killed.Status)
}

func TestSpawnRejectsSecondAgentForWorkspace(t *testing.T) {
	m := NewManager(3, 30*time.Second, nil)
	t.Cleanup(func() { _ = m.Kill("ws1") })

	_, err := m.Spawn("ws1", t.TempDir(), "sleep 30")
	require.NoError(t, err)

	_, err = m.Spawn("ws1", t.TempDir(), "sleep 30")
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestCapacityFreedByKill(t *testing.T) {
	m := NewManager(3, 30*time.Second, nil)
	for i := 0; i < 3; i++ {
		ws := fmt.Sprintf("ws%d", i)
		_, err := m.Spawn(ws, t.TempDir(), "sleep 30")
		require.NoError(t, err)
		t.Cleanup(func() { _ = m.Kill(ws) })
	}

	_, err := m.Spawn("overflow", t.TempDir(), "sleep 30")
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	require.NoError(t, m.Kill("ws0"))

	_, err = m.Spawn("overflow", t.TempDir(), "sleep 30")
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Kill("overflow") })
}

func TestCrashMarksErrorAndCleansLocks(t *testing.T) {
	cleaner := &fakeCleaner{}
	m := NewManager(3, 30*time.Second, cleaner)
	dir := t.TempDir()

	_, err := m.Spawn("ws1", dir, "exit 3")
	require.NoError(t, err)

	p := awaitStatus(t, m, "ws1", StatusError)
	assert.True(t, p.CanRestart)
	assert.Contains(t, p.Err, "exit status 3")

	require.Eventually(t, func() bool { return len(cleaner.calls()) == 1 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{dir}, cleaner.calls())
}

func TestCleanExitIsStillAnError(t *testing.T) {
	m := NewManager(3, 30*time.Second, nil)

	_, err := m.Spawn("ws1", t.TempDir(), "true")
	require.NoError(t, err)

	// An agent that exits on its own has abandoned its workspace, however
	// politely it did so.
	p := awaitStatus(t, m, "ws1", StatusError)
	assert.True(t, p.CanRestart)
	assert.Equal(t, "agent exited", p.Err)
}

func TestCrashFreesWorkspaceForRespawn(t *testing.T) {
	m := NewManager(1, 30*time.Second, nil)

	_, err := m.Spawn("ws1", t.TempDir(), "exit 1")
	require.NoError(t, err)
	awaitStatus(t, m, "ws1", StatusError)

	_, err = m.Spawn("ws1", t.TempDir(), "sleep 30")
	require.NoError(t, err)
	require.NoError(t, m.Kill("ws1"))
}

func TestConcurrentSpawnsRespectLimit(t *testing.T) {
	const attempts = 8
	dir := t.TempDir()

	for round := 0; round < 5; round++ {
		m := NewManager(1, 30*time.Second, nil)

		start := make(chan struct{})
		errs := make([]error, attempts)
		var wg sync.WaitGroup
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				_, errs[i] = m.Spawn(fmt.Sprintf("ws%d", i), dir, "sleep 30")
			}(i)
		}
		close(start)
		wg.Wait()

		accepted := 0
		for _, err := range errs {
			if err == nil {
				accepted++
			} else {
				assert.ErrorIs(t, err, ErrCapacityExceeded)
			}
		}
		assert.Equal(t, 1, accepted, "round %d", round)

		live := 0
		for _, p := range m.List() {
			if !p.Status.Terminal() {
				live++
			}
		}
		assert.Equal(t, 1, live, "round %d", round)

		for i := 0; i < attempts; i++ {
			require.NoError(t, m.Kill(fmt.Sprintf("ws%d", i)))
		}
	}
}

func TestConcurrentSpawnsSameWorkspace(t *testing.T) {
	const attempts = 8
	m := NewManager(config.MaxAgentCeiling, 30*time.Second, nil)
	dir := t.TempDir()

	start := make(chan struct{})
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = m.Spawn("ws1", dir, "sleep 30")
		}(i)
	}
	close(start)
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyRunning)
		}
	}
	assert.Equal(t, 1, accepted)
	require.Len(t, m.List(), 1)
	require.NoError(t, m.Kill("ws1"))
}

func TestKillKeepsStartupTimeoutError(t *testing.T) {
	m := NewManager(3, 50*time.Millisecond, nil)

	_, err := m.Spawn("ws1", t.TempDir(), "sleep 30")
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	p, err := m.Status("ws1")
	require.NoError(t, err)
	require.Equal(t, StatusError, p.Status)

	// A later kill must not erase the recorded failure.
	require.NoError(t, m.Kill("ws1"))
	p, err = m.Status("ws1")
	require.NoError(t, err)
	assert.Equal(t, StatusError, p.Status)
	assert.True(t, p.CanRestart)
	assert.Contains(t, p.Err, "did not start")
}

func TestStartupTimeoutDetectedLazily(t *testing.T) {
	cleaner := &fakeCleaner{}
	m := NewManager(3, 50*time.Millisecond, cleaner)
	dir := t.TempDir()

	// sleep produces no output, so the process never leaves starting.
	_, err := m.Spawn("ws1", dir, "sleep 30")
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	p, err := m.Status("ws1")
	require.NoError(t, err)
	assert.Equal(t, StatusError, p.Status)
	assert.True(t, p.CanRestart)
	assert.Contains(t, p.Err, "did not start")
	assert.Equal(t, []string{dir}, cleaner.calls())
}

func TestKillIdempotent(t *testing.T) {
	m := NewManager(3, 30*time.Second, nil)

	_, err := m.Spawn("ws1", t.TempDir(), "sleep 30")
	require.NoError(t, err)

	require.NoError(t, m.Kill("ws1"))
	require.NoError(t, m.Kill("ws1"))
	require.NoError(t, m.Kill("never-spawned"))
}

func TestStatusUnknownWorkspace(t *testing.T) {
	m := NewManager(3, 30*time.Second, nil)
	_, err := m.Status("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListIncludesTerminalProcesses(t *testing.T) {
	m := NewManager(3, 30*time.Second, nil)

	_, err := m.Spawn("dead", t.TempDir(), "exit 1")
	require.NoError(t, err)
	awaitStatus(t, m, "dead", StatusError)

	_, err = m.Spawn("live", t.TempDir(), "sleep 30")
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Kill("live") })

	procs := m.List()
	require.Len(t, procs, 2)
	statuses := map[string]Status{}
	for _, p := range procs {
		statuses[p.WorkspaceID] = p.Status
	}
	assert.Equal(t, StatusError, statuses["dead"])
	assert.NotEqual(t, StatusError, statuses["live"])
}

package queue

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitswarm/gitswarm/log"
)

func TestMain(m *testing.M) {
	log.Initialize()
	code := m.Run()
	log.Close()
	os.Exit(code)
}

// fakeExecutor records execution order and delegates to an optional fn.
type fakeExecutor struct {
	mu       sync.Mutex
	executed []string
	fn       func(ctx context.Context, op *Operation) (string, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, op *Operation) (string, error) {
	f.mu.Lock()
	f.executed = append(f.executed, string(op.Command))
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, op)
	}
	return "ok", nil
}

func (f *fakeExecutor) order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

// awaitTerminal polls until the operation reaches a terminal state.
func awaitTerminal(t *testing.T, q *OperationQueue, id string) Operation {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		op, err := q.Status(id)
		require.NoError(t, err)
		if op.Status.Terminal() {
			return op
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("operation %s did not reach a terminal state", id)
	return Operation{}
}

func TestPriorityOrderWithinRepo(t *testing.T) {
	release := make(chan struct{})
	exec := &fakeExecutor{
		fn: func(ctx context.Context, op *Operation) (string, error) {
			if op.Command == CmdStatus {
				<-release
			}
			return "", nil
		},
	}
	q := NewOperationQueue(exec, time.Minute)

	// The first operation holds the worker so the rest pile up in the queue.
	first := q.Enqueue("/repo", CmdStatus, nil, PriorityNormal)
	q.Enqueue("/repo", CmdPull, nil, PriorityLow)
	q.Enqueue("/repo", CmdCommit, nil, PriorityNormal)
	last := q.Enqueue("/repo", CmdPush, nil, PriorityCritical)

	// Give all enqueues a moment to land before releasing the worker.
	require.Eventually(t, func() bool { return q.Pending("/repo") == 3 },
		time.Second, 5*time.Millisecond)
	close(release)

	for _, id := range []string{first, last} {
		op := awaitTerminal(t, q, id)
		assert.Equal(t, StatusCompleted, op.Status)
	}

	require.Eventually(t, func() bool { return len(exec.order()) == 4 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"status", "push", "commit", "pull"}, exec.order())
}

func TestFIFOWithinPriorityTier(t *testing.T) {
	release := make(chan struct{})
	exec := &fakeExecutor{
		fn: func(ctx context.Context, op *Operation) (string, error) {
			if op.Command == CmdStatus {
				<-release
			}
			return "", nil
		},
	}
	q := NewOperationQueue(exec, time.Minute)

	q.Enqueue("/repo", CmdStatus, nil, PriorityNormal)
	a := q.Enqueue("/repo", CmdCommit, nil, PriorityNormal)
	b := q.Enqueue("/repo", CmdPush, nil, PriorityNormal)
	c := q.Enqueue("/repo", CmdPull, nil, PriorityNormal)

	require.Eventually(t, func() bool { return q.Pending("/repo") == 3 },
		time.Second, 5*time.Millisecond)
	close(release)

	for _, id := range []string{a, b, c} {
		awaitTerminal(t, q, id)
	}
	assert.Equal(t, []string{"status", "commit", "push", "pull"}, exec.order())
}

func TestIndependentReposRunInParallel(t *testing.T) {
	// Each executor call waits for its peer; this only terminates if the two
	// roots genuinely overlap.
	var wg sync.WaitGroup
	wg.Add(2)
	exec := &fakeExecutor{
		fn: func(ctx context.Context, op *Operation) (string, error) {
			wg.Done()
			done := make(chan struct{})
			go func() { wg.Wait(); close(done) }()
			select {
			case <-done:
				return "", nil
			case <-time.After(2 * time.Second):
				return "", context.DeadlineExceeded
			}
		},
	}
	q := NewOperationQueue(exec, time.Minute)

	idA := q.Enqueue("/repoA", CmdStatus, nil, PriorityNormal)
	idB := q.Enqueue("/repoB", CmdStatus, nil, PriorityNormal)

	opA := awaitTerminal(t, q, idA)
	opB := awaitTerminal(t, q, idB)
	assert.Equal(t, StatusCompleted, opA.Status)
	assert.Equal(t, StatusCompleted, opB.Status)
}

func TestCancelPendingHasNoSideEffects(t *testing.T) {
	release := make(chan struct{})
	exec := &fakeExecutor{
		fn: func(ctx context.Context, op *Operation) (string, error) {
			if op.Command == CmdStatus {
				<-release
			}
			return "", nil
		},
	}
	q := NewOperationQueue(exec, time.Minute)

	blocker := q.Enqueue("/repo", CmdStatus, nil, PriorityNormal)
	victim := q.Enqueue("/repo", CmdPush, nil, PriorityNormal)
	after := q.Enqueue("/repo", CmdCommit, nil, PriorityNormal)

	require.True(t, q.Cancel(victim))
	op, err := q.Status(victim)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, op.Status)
	assert.NotNil(t, op.CompletedAt)

	close(release)
	awaitTerminal(t, q, blocker)
	awaitTerminal(t, q, after)

	// The cancelled push never reached the executor.
	assert.Equal(t, []string{"status", "commit"}, exec.order())
}

func TestCancelRunningKillsExecution(t *testing.T) {
	started := make(chan struct{})
	exec := &fakeExecutor{
		fn: func(ctx context.Context, op *Operation) (string, error) {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	q := NewOperationQueue(exec, time.Minute)

	id := q.Enqueue("/repo", CmdPull, nil, PriorityNormal)
	<-started
	require.True(t, q.Cancel(id))

	op := awaitTerminal(t, q, id)
	assert.Equal(t, StatusCancelled, op.Status)
}

func TestCancelTerminalReturnsFalse(t *testing.T) {
	q := NewOperationQueue(&fakeExecutor{}, time.Minute)
	id := q.Enqueue("/repo", CmdStatus, nil, PriorityNormal)
	awaitTerminal(t, q, id)
	assert.False(t, q.Cancel(id))
	assert.False(t, q.Cancel("no-such-id"))
}

func TestTimeoutFailsOperationAndFreesWorker(t *testing.T) {
	exec := &fakeExecutor{
		fn: func(ctx context.Context, op *Operation) (string, error) {
			if op.Command == CmdPull {
				// Hung external command: only the context stops it.
				<-ctx.Done()
				return "", ctx.Err()
			}
			return "ok", nil
		},
	}
	q := NewOperationQueue(exec, 50*time.Millisecond)

	hung := q.Enqueue("/repo", CmdPull, nil, PriorityNormal)
	next := q.Enqueue("/repo", CmdStatus, nil, PriorityNormal)

	hungOp := awaitTerminal(t, q, hung)
	assert.Equal(t, StatusFailed, hungOp.Status)
	assert.Equal(t, FailureTimeout, hungOp.FailureReason)
	assert.Contains(t, hungOp.Err, "timed out")

	// The next operation for the repo begins immediately after.
	nextOp := awaitTerminal(t, q, next)
	assert.Equal(t, StatusCompleted, nextOp.Status)
}

func TestLateSuccessIsNotATimeout(t *testing.T) {
	exec := &fakeExecutor{
		fn: func(ctx context.Context, op *Operation) (string, error) {
			// The deadline expires, but the work still finished cleanly.
			<-ctx.Done()
			return "late", nil
		},
	}
	q := NewOperationQueue(exec, 30*time.Millisecond)

	id := q.Enqueue("/repo", CmdStatus, nil, PriorityNormal)
	op := awaitTerminal(t, q, id)
	assert.Equal(t, StatusCompleted, op.Status)
	assert.Equal(t, "late", op.Result)
	assert.Empty(t, op.FailureReason)
}

func TestCommandFailureRecordedVerbatim(t *testing.T) {
	exec := &fakeExecutor{
		fn: func(ctx context.Context, op *Operation) (string, error) {
			return "", assert.AnError
		},
	}
	q := NewOperationQueue(exec, time.Minute)

	id := q.Enqueue("/repo", CmdCommit, nil, PriorityNormal)
	op := awaitTerminal(t, q, id)
	assert.Equal(t, StatusFailed, op.Status)
	assert.Equal(t, FailureCommand, op.FailureReason)
	assert.Equal(t, assert.AnError.Error(), op.Err)
}

func TestStatusNotFound(t *testing.T) {
	q := NewOperationQueue(&fakeExecutor{}, time.Minute)
	_, err := q.Status("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTerminalHistoryIsBounded(t *testing.T) {
	q := NewOperationQueue(&fakeExecutor{}, time.Minute)

	ids := make([]string, 0, historyLimit+10)
	for i := 0; i < historyLimit+10; i++ {
		ids = append(ids, q.Enqueue("/repo", CmdStatus, nil, PriorityNormal))
	}
	// Same tier means FIFO, so the last id finishes last.
	awaitTerminal(t, q, ids[len(ids)-1])

	// The oldest overflow has been evicted; the most recent survive.
	_, err := q.Status(ids[0])
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = q.Status(ids[len(ids)-1])
	assert.NoError(t, err)
}

func TestParseCommand(t *testing.T) {
	cmd, ok := ParseCommand("worktree-add")
	assert.True(t, ok)
	assert.Equal(t, CmdWorktreeAdd, cmd)

	_, ok = ParseCommand("rebase")
	assert.False(t, ok)
}

func TestParsePriority(t *testing.T) {
	assert.Equal(t, PriorityCritical, ParsePriority("critical"))
	assert.Equal(t, PriorityLow, ParsePriority("low"))
	assert.Equal(t, PriorityNormal, ParsePriority("normal"))
	assert.Equal(t, PriorityNormal, ParsePriority("bogus"))
}

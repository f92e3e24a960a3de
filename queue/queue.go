package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gitswarm/gitswarm/log"
)

// ErrNotFound is returned by Status and Cancel for unknown operation ids.
var ErrNotFound = errors.New("operation not found")

// historyLimit bounds how many terminal operations are retained per repo root
// for status queries. Oldest entries are evicted first.
const historyLimit = 100

// DefaultTimeout bounds each operation's execution. A hung git invocation
// force-fails at this deadline so the rest of the repo's queue keeps moving.
const DefaultTimeout = 60 * time.Second

// OperationQueue serializes git operations per repository root while letting
// unrelated roots proceed fully in parallel. Exactly one worker goroutine runs
// per root at any instant; the worker exits when its root's queue drains.
type OperationQueue struct {
	executor Executor
	timeout  time.Duration

	// mu guards repos and index only. Per-root state has its own lock so
	// operations on unrelated roots never contend.
	mu    sync.Mutex
	repos map[string]*repoState
	index map[string]*repoState
}

// repoState is the serialization domain for one repository root.
type repoState struct {
	root string

	mu      sync.Mutex
	pending opHeap
	ops     map[string]*Operation
	history []string
	active  bool
	seq     uint64
}

// NewOperationQueue creates a queue executing operations with the given
// executor. A nil executor runs real git commands; timeout <= 0 uses
// DefaultTimeout.
func NewOperationQueue(executor Executor, timeout time.Duration) *OperationQueue {
	if executor == nil {
		executor = GitExecutor{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &OperationQueue{
		executor: executor,
		timeout:  timeout,
		repos:    make(map[string]*repoState),
		index:    make(map[string]*repoState),
	}
}

// Enqueue inserts an operation into the repo's queue and returns its id. It
// never blocks and never fails; queue depth is unbounded. Dispatch order is
// priority first, FIFO within a tier. If no worker is active for the root,
// one is started.
func (q *OperationQueue) Enqueue(repoRoot string, command CommandName, args []string, priority Priority) string {
	op := &Operation{
		ID:         uuid.NewString(),
		RepoRoot:   repoRoot,
		Command:    command,
		Args:       append([]string(nil), args...),
		Priority:   priority,
		Status:     StatusPending,
		EnqueuedAt: time.Now(),
		index:      -1,
	}

	q.mu.Lock()
	rs, ok := q.repos[repoRoot]
	if !ok {
		rs = &repoState{root: repoRoot, ops: make(map[string]*Operation)}
		q.repos[repoRoot] = rs
	}
	q.index[op.ID] = rs
	q.mu.Unlock()

	rs.mu.Lock()
	rs.seq++
	op.seq = rs.seq
	rs.ops[op.ID] = op
	heap.Push(&rs.pending, op)
	startWorker := !rs.active
	if startWorker {
		rs.active = true
	}
	rs.mu.Unlock()

	log.DebugLog.Printf("enqueued %s %s (priority %s) for %s", op.ID, command, priority, repoRoot)

	if startWorker {
		go q.runWorker(rs)
	}
	return op.ID
}

// Status returns a snapshot of the operation, or ErrNotFound once it has been
// evicted from the bounded history (or never existed). Non-blocking.
func (q *OperationQueue) Status(id string) (Operation, error) {
	q.mu.Lock()
	rs, ok := q.index[id]
	q.mu.Unlock()
	if !ok {
		return Operation{}, ErrNotFound
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	op, ok := rs.ops[id]
	if !ok {
		return Operation{}, ErrNotFound
	}
	return op.snapshot(), nil
}

// Cancel cancels an operation. A pending operation is removed from the queue
// immediately and will never have a side effect. A running operation has its
// context cancelled, which kills the external git process; effects the
// command already had on disk are not rolled back. Returns false if the
// operation is already terminal or unknown.
func (q *OperationQueue) Cancel(id string) bool {
	q.mu.Lock()
	rs, ok := q.index[id]
	q.mu.Unlock()
	if !ok {
		return false
	}

	rs.mu.Lock()
	op, ok := rs.ops[id]
	if !ok {
		rs.mu.Unlock()
		return false
	}

	switch op.Status {
	case StatusPending:
		heap.Remove(&rs.pending, op.index)
		now := time.Now()
		op.Status = StatusCancelled
		op.CompletedAt = &now
		evicted := rs.recordTerminal(op)
		rs.mu.Unlock()
		q.dropFromIndex(evicted)
		log.InfoLog.Printf("cancelled pending operation %s (%s)", id, op.Command)
		return true
	case StatusRunning:
		op.cancelRequested = true
		if op.cancel != nil {
			op.cancel()
		}
		rs.mu.Unlock()
		log.InfoLog.Printf("cancellation requested for running operation %s (%s)", id, op.Command)
		return true
	default:
		rs.mu.Unlock()
		return false
	}
}

// Pending returns the number of queued (not yet running) operations for a
// repo root. Used by callers that want to drain before shutdown.
func (q *OperationQueue) Pending(repoRoot string) int {
	q.mu.Lock()
	rs, ok := q.repos[repoRoot]
	q.mu.Unlock()
	if !ok {
		return 0
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.pending.Len()
}

// runWorker drains one repository root's queue. It is the only goroutine
// that marks operations running for this root, which is what enforces the
// one-running-operation-per-root invariant.
func (q *OperationQueue) runWorker(rs *repoState) {
	for {
		rs.mu.Lock()
		if rs.pending.Len() == 0 {
			rs.active = false
			rs.mu.Unlock()
			return
		}
		op := heap.Pop(&rs.pending).(*Operation)
		now := time.Now()
		op.Status = StatusRunning
		op.StartedAt = &now
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		op.cancel = cancel
		rs.mu.Unlock()

		result, err := q.executor.Execute(ctx, op)
		// A result that made it back despite the deadline expiring is still a
		// result; only a failed execution counts as a timeout.
		timedOut := err != nil && ctx.Err() == context.DeadlineExceeded
		cancel()

		rs.mu.Lock()
		done := time.Now()
		op.CompletedAt = &done
		op.cancel = nil
		switch {
		case op.cancelRequested:
			op.Status = StatusCancelled
			log.InfoLog.Printf("operation %s (%s) cancelled while running", op.ID, op.Command)
		case timedOut:
			op.Status = StatusFailed
			op.FailureReason = FailureTimeout
			op.Err = fmt.Sprintf("operation timed out after %s", q.timeout)
			log.WarningLog.Printf("operation %s (%s) on %s timed out", op.ID, op.Command, op.RepoRoot)
		case err != nil:
			op.Status = StatusFailed
			op.FailureReason = FailureCommand
			op.Err = err.Error()
			log.ErrorLog.Printf("operation %s (%s) on %s failed: %s", op.ID, op.Command, op.RepoRoot, log.SanitizeURLs(op.Err))
		default:
			op.Status = StatusCompleted
			op.Result = result
		}
		evicted := rs.recordTerminal(op)
		rs.mu.Unlock()
		q.dropFromIndex(evicted)
	}
}

// recordTerminal appends the operation to the bounded terminal history and
// returns any evicted ids. Caller holds rs.mu.
func (rs *repoState) recordTerminal(op *Operation) []string {
	rs.history = append(rs.history, op.ID)
	var evicted []string
	for len(rs.history) > historyLimit {
		oldest := rs.history[0]
		rs.history = rs.history[1:]
		delete(rs.ops, oldest)
		evicted = append(evicted, oldest)
	}
	return evicted
}

// dropFromIndex removes evicted operation ids from the global index. Never
// called while holding a repoState lock.
func (q *OperationQueue) dropFromIndex(ids []string) {
	if len(ids) == 0 {
		return
	}
	q.mu.Lock()
	for _, id := range ids {
		delete(q.index, id)
	}
	q.mu.Unlock()
}

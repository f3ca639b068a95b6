package coordinator

import (
	"time"

	"github.com/aristath/screenerengine/internal/domain"
	"github.com/aristath/screenerengine/internal/strategy"
)

// runWork captures everything the executor needs once a queued run is
// dequeued; resolved once at admission so the run loop never re-validates.
type runWork struct {
	evaluator strategy.Evaluator
	params    strategy.NormalizedParams
	tickers   []string
}

// queuedRun is one FIFO-with-priority admission entry (spec.md §4.7
// "Enqueue (run_id, priority, arrival_time)").
type queuedRun struct {
	runID        string
	strategyCode string
	priority     domain.Priority
	arrival      time.Time
	work         runWork
}

// insertByPriority inserts qr ahead of every lower-priority entry already
// queued, preserving FIFO order among entries of equal priority (spec.md
// §4.7: "strictly higher priorities preempt FIFO order at dequeue time").
func insertByPriority(queue []queuedRun, qr queuedRun) []queuedRun {
	idx := len(queue)
	for i, existing := range queue {
		if existing.priority < qr.priority {
			idx = i
			break
		}
	}
	queue = append(queue, queuedRun{})
	copy(queue[idx+1:], queue[idx:])
	queue[idx] = qr
	return queue
}

// QueuedEntry describes one pending run for introspection (spec.md §6.1
// "queue()").
type QueuedEntry struct {
	RunID        string
	StrategyCode string
	Position     int
	Priority     string
}

// RunningEntry describes one in-flight run.
type RunningEntry struct {
	RunID     string
	StartedAt time.Time
}

// QueueSnapshot is the queue() introspection payload (spec.md §6.1).
type QueueSnapshot struct {
	Queued        []QueuedEntry
	Running       []RunningEntry
	MaxConcurrent int
}

// Queue returns a point-in-time snapshot of admission state.
func (c *Coordinator) Queue() QueueSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := QueueSnapshot{MaxConcurrent: c.cfg.MaxConcurrentRuns}
	for i, qr := range c.queue {
		snapshot.Queued = append(snapshot.Queued, QueuedEntry{
			RunID: qr.runID, StrategyCode: qr.strategyCode, Position: i, Priority: qr.priority.String(),
		})
	}
	for runID, handle := range c.running {
		snapshot.Running = append(snapshot.Running, RunningEntry{RunID: runID, StartedAt: handle.startedAt})
	}
	return snapshot
}

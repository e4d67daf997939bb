// Package coordinator implements the fair/priority scheduling and
// read-priority gate of §4.6: per-root fair round-robin plus a
// priority lane, with a sleep penalty that throttles background
// indexing while a search is in flight.
package coordinator

import (
	"container/heap"
	"sync"
	"time"
)

// Task is one unit the Coordinator hands to a worker.
type Task struct {
	RootID   string
	Priority int
	Payload  any
	enqueued int64
	seq      int
}

// Coordinator implements §4.6's two-queue dispatch, read-priority
// sleep-penalty gate, and throttle signal.
type Coordinator struct {
	mu sync.Mutex

	fairRoots []string
	fairQ     map[string][]Task
	fairNext  int

	priQ priorityHeap

	activeSearches int
	seq            int

	sleepPenalty time.Duration
	queueLoadFn  func() float64
}

// New constructs a Coordinator. queueLoadFn reports the storage
// writer's current queue_load (§4.4), used by ShouldThrottleIndexing.
func New(queueLoadFn func() float64) *Coordinator {
	if queueLoadFn == nil {
		queueLoadFn = func() float64 { return 0 }
	}
	return &Coordinator{
		fairQ:        make(map[string][]Task),
		sleepPenalty: 50 * time.Millisecond,
		queueLoadFn:  queueLoadFn,
	}
}

// EnqueueFair adds a bulk scan task to root's fair-queue lane.
func (c *Coordinator) EnqueueFair(rootID string, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.fairQ[rootID]; !ok {
		c.fairRoots = append(c.fairRoots, rootID)
	}
	c.fairQ[rootID] = append(c.fairQ[rootID], Task{RootID: rootID, Payload: payload})
}

// EnqueuePriority adds a filesystem-event or DLQ-retry task, ordered
// by priority then enqueue time.
func (c *Coordinator) EnqueuePriority(rootID string, priority int, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	heap.Push(&c.priQ, Task{
		RootID: rootID, Priority: priority, Payload: payload,
		enqueued: time.Now().UnixNano(), seq: c.seq,
	})
}

// GetNextTask implements §4.6's dispatch: a priority task if present,
// else a fair task via round-robin (each root yields one item before
// the next root is visited).
func (c *Coordinator) GetNextTask() (Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.priQ.Len() > 0 {
		return heap.Pop(&c.priQ).(Task), true
	}
	return c.nextFairLocked()
}

func (c *Coordinator) nextFairLocked() (Task, bool) {
	n := len(c.fairRoots)
	for i := 0; i < n; i++ {
		idx := (c.fairNext + i) % n
		root := c.fairRoots[idx]
		queue := c.fairQ[root]
		if len(queue) == 0 {
			continue
		}
		task := queue[0]
		c.fairQ[root] = queue[1:]
		c.fairNext = (idx + 1) % n
		return task, true
	}
	return Task{}, false
}

// NotifySearchStart marks a search as active, engaging the
// read-priority gate.
func (c *Coordinator) NotifySearchStart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeSearches++
}

// NotifySearchEnd retires one active search.
func (c *Coordinator) NotifySearchEnd() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeSearches > 0 {
		c.activeSearches--
	}
}

// GetSleepPenalty returns the delay a worker should sleep before
// pulling its next task while search is active, zero otherwise.
func (c *Coordinator) GetSleepPenalty() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeSearches > 0 {
		return c.sleepPenalty
	}
	return 0
}

// ShouldThrottleIndexing reports true when the writer's queue_load
// exceeds 0.5 or a search is active.
func (c *Coordinator) ShouldThrottleIndexing() bool {
	c.mu.Lock()
	active := c.activeSearches > 0
	c.mu.Unlock()
	return active || c.queueLoadFn() > 0.5
}

// priorityHeap orders by (priority desc, enqueued asc, seq asc) so
// ties break on arrival order.
type priorityHeap []Task

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	if h[i].enqueued != h[j].enqueued {
		return h[i].enqueued < h[j].enqueued
	}
	return h[i].seq < h[j].seq
}
func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *priorityHeap) Push(x any)   { *h = append(*h, x.(Task)) }
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

package scheduling

import (
	"fmt"
	"sync"
	"time"

	"github.com/scusemua/gpu-mux/common/queue"
	"github.com/scusemua/gpu-mux/common/types"
)

// SessionItem is the scheduler's view of one client session: a FIFO queue of pending
// tasks plus the head-of-line metadata the policies consult.
//
// Sessions are totally ordered by insertion order for tie-breaks.
type SessionItem struct {
	mu sync.Mutex

	handle      string
	insertOrder uint64

	pending *queue.Fifo[Task]

	// holWaiting counts the tasks that have been allowed to skip past this session's
	// queue head since the head last dispatched.
	holWaiting uint64

	// protected sessions are never selected as paging victims.
	protected bool

	// pagable sessions have tensor buffers that may be migrated to a different device
	// under memory pressure.
	pagable bool

	lastScheduled time.Time

	// allocated tracks the session's current committed resource footprint. The pack
	// policy orders candidates by it.
	allocated types.Resources

	stats *SessionStatistics
}

// NewSessionItem creates a SessionItem for the session with the given handle.
// insertOrder provides the total order used for tie-breaks.
func NewSessionItem(handle string, insertOrder uint64) *SessionItem {
	return &SessionItem{
		handle:      handle,
		insertOrder: insertOrder,
		pending:     queue.NewFifo[Task](8),
		pagable:     true,
		allocated:   types.NewResources(),
		stats:       NewSessionStatistics(5),
	}
}

// Handle returns the session's handle.
func (s *SessionItem) Handle() string {
	return s.handle
}

// InsertOrder returns the session's insertion sequence number.
func (s *SessionItem) InsertOrder() uint64 {
	return s.insertOrder
}

// Statistics returns the session's execution statistics.
func (s *SessionItem) Statistics() *SessionStatistics {
	return s.stats
}

// EnqueueTask appends a task to the session's pending queue.
func (s *SessionItem) EnqueueTask(task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending.Enqueue(task)
}

// RequeueTaskAtHead returns a task to the head of the queue, ahead of every pending
// task. The built-in policies do not call it: they dequeue the head only after its
// admission succeeds, so a failed admission leaves the head in place.
func (s *SessionItem) RequeueTaskAtHead(task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending.EnqueueFront(task)
}

// HeadTask returns, without removing, the task at the head of the queue.
func (s *SessionItem) HeadTask() (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pending.Peek()
}

// DequeueHead removes and returns the task at the head of the queue.
func (s *SessionItem) DequeueHead() (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pending.Dequeue()
}

// TaskAt returns, without removing, the task at position i (0 is the head).
func (s *SessionItem) TaskAt(i int) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pending.At(i)
}

// RemoveTaskAt removes and returns the task at position i (0 is the head).
func (s *SessionItem) RemoveTaskAt(i int) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pending.RemoveAt(i)
}

// QueueLen returns the number of pending tasks.
func (s *SessionItem) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pending.Len()
}

// HolWaiting returns the number of tasks that have skipped past this session's head.
func (s *SessionItem) HolWaiting() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.holWaiting
}

// IncrementHolWaiting records one more bypass of the head task and returns the new count.
func (s *SessionItem) IncrementHolWaiting() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.holWaiting++
	return s.holWaiting
}

// ResetHolWaiting clears the bypass counter. Called whenever the head task dispatches.
func (s *SessionItem) ResetHolWaiting() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.holWaiting = 0
}

// Protected reports whether the session is protected from paging.
func (s *SessionItem) Protected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.protected
}

// SetProtected marks or unmarks the session as protected from paging.
func (s *SessionItem) SetProtected(protected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.protected = protected
}

// Pagable reports whether the session's tensor buffers may be migrated under pressure.
func (s *SessionItem) Pagable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pagable
}

// SetPagable marks or unmarks the session as pagable.
func (s *SessionItem) SetPagable(pagable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pagable = pagable
}

// LastScheduledAt returns the time at which the session last dispatched a task.
func (s *SessionItem) LastScheduledAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastScheduled
}

// MarkScheduled records that the session dispatched a task now.
func (s *SessionItem) MarkScheduled() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastScheduled = time.Now()
}

// AddAllocated grows the session's committed footprint by res.
func (s *SessionItem) AddAllocated(res types.Resources) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.allocated.Merge(res)
}

// SubAllocated shrinks the session's committed footprint by res, saturating at zero.
func (s *SessionItem) SubAllocated(res types.Resources) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tag := range res.Tags() {
		s.allocated.Sub(tag, res.Get(tag))
	}
}

// AllocatedFootprint returns the scalar sum of the session's committed footprint across
// all tags. Used by the pack policy to order candidates.
func (s *SessionItem) AllocatedFootprint() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, tag := range s.allocated.Tags() {
		total += s.allocated.Get(tag)
	}
	return total
}

func (s *SessionItem) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return fmt.Sprintf("SessionItem{handle=%s, pending=%d, holWaiting=%d, protected=%v, pagable=%v}",
		s.handle, s.pending.Len(), s.holWaiting, s.protected, s.pagable)
}

package runner

import (
	"sync"

	"github.com/kestrelrun/nodeagent/pkg/types"
)

// outputQueueCapacity bounds each run's output queue; frames that would
// overflow it are dropped silently.
const outputQueueCapacity = 4096

// sideChannelCapacity bounds the completion and service-result queues,
// independent of any run.
const sideChannelCapacity = 128

// Multiplexer fans output records from the runner's single transport
// consumer out to per-run-id output queues. At most one run's queue is
// "active" at a time; the rest sit pending in insertion order. A queue is
// attached before any frame for its run-id is dispatched, and detached
// only after a terminal status.
type Multiplexer struct {
	mu      sync.Mutex
	order   []string // insertion order: active run-id first, then pending
	queues  map[string]chan types.RunRecord
	waiters map[string]chan struct{} // closed once the run-id becomes active

	Completion *sideChannel
	Service    *sideChannel
}

// NewMultiplexer constructs an empty multiplexer with its side channels.
func NewMultiplexer() *Multiplexer {
	return &Multiplexer{
		queues:     make(map[string]chan types.RunRecord),
		waiters:    make(map[string]chan struct{}),
		Completion: newSideChannel(),
		Service:    newSideChannel(),
	}
}

// Attach registers runID's output queue, reusing an existing one if the
// run-id was already attached (supports multi-turn query mode). Returns
// the record channel and a channel that closes once this run becomes
// active.
func (m *Multiplexer) Attach(runID string) (<-chan types.RunRecord, <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch, ok := m.queues[runID]; ok {
		return ch, m.waiters[runID]
	}

	ch := make(chan types.RunRecord, outputQueueCapacity)
	waiter := make(chan struct{})
	m.queues[runID] = ch
	m.waiters[runID] = waiter
	m.order = append(m.order, runID)

	if len(m.order) == 1 {
		close(waiter) // first attached run-id becomes active immediately
	}
	return ch, waiter
}

// active returns the current active run-id, or "" if none.
func (m *Multiplexer) active() string {
	if len(m.order) == 0 {
		return ""
	}
	return m.order[0]
}

// Dispatch routes a record to the active run's queue, dropping it silently
// if there is no active queue or the queue is full.
func (m *Multiplexer) Dispatch(record types.RunRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := m.active()
	if active == "" {
		return
	}
	ch := m.queues[active]
	select {
	case ch <- record:
	default:
	}
}

// ReactivateAtHead keeps the current active run-id active — used after a
// continuation, waiting-input, or build/clean-finished status, where the
// same run continues to own the active slot.
func (m *Multiplexer) ReactivateAtHead() {
	// No-op by construction: the active run-id already sits at order[0]
	// and only NextQueue (or Attach, when no run is queued) changes it.
}

// NextQueue drops the currently active run's queue and promotes the next
// pending run-id (FIFO), waking its waiter. Called after a terminal
// finished/exec-timeout status.
func (m *Multiplexer) NextQueue() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.order) == 0 {
		return
	}
	done := m.order[0]
	delete(m.queues, done)
	delete(m.waiters, done)
	m.order = m.order[1:]

	if len(m.order) == 0 {
		return
	}
	next := m.order[0]
	if w, ok := m.waiters[next]; ok {
		select {
		case <-w:
			// already closed (shouldn't happen for a freshly-promoted run)
		default:
			close(w)
		}
	}
}

// sideChannel is a bounded, drop-on-full channel used for completion and
// service-result records, independent of the run multiplexer.
type sideChannel struct {
	ch chan types.RunRecord
}

func newSideChannel() *sideChannel {
	return &sideChannel{ch: make(chan types.RunRecord, sideChannelCapacity)}
}

// Push enqueues a record, dropping it silently if the channel is full.
func (s *sideChannel) Push(record types.RunRecord) {
	select {
	case s.ch <- record:
	default:
	}
}

// C exposes the receive-only channel for select statements.
func (s *sideChannel) C() <-chan types.RunRecord {
	return s.ch
}

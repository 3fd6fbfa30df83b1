// Package sched implements the kernel's thread/scheduler subsystem
// (spec.md §4.7): per-priority FIFO run queues, the reschedule
// primitive, and sleep/wake plumbing. Monitor's priority inheritance
// (spec.md §4.8) is layered on top of the Thread type defined here via
// the Inheritor interface, so this package never imports monitor.
//
// Go gives user code no way to save/restore a goroutine's register
// set or switch its stack, so "reschedule" cannot literally mean what
// it means in the source design. Instead each kernel Thread owns one
// real goroutine for its whole life, and the Scheduler arbitrates how
// many of those goroutines may be actively running at once (modeling
// a fixed CPU count) using priority-ordered admission — the same
// FIFO-within-priority, highest-priority-first contract spec.md §4.7
// describes for selectThread, just realized as a gate a goroutine
// blocks on instead of a context switch.
package sched

import (
	"sync"

	"github.com/google/uuid"
)

// State is one of the five thread states in spec.md §3.
type State int32

const (
	Runnable State = iota
	Running
	Waiting
	TimedWaiting
	Terminated
)

func (s State) String() string {
	switch s {
	case Runnable:
		return "RUNNABLE"
	case Running:
		return "RUNNING"
	case Waiting:
		return "WAITING"
	case TimedWaiting:
		return "TIMED_WAITING"
	case Terminated:
		return "TERMINATED"
	default:
		return "?"
	}
}

// Inheritor is implemented by monitor.Monitor. It lets a Thread
// compute its own effective priority (spec.md §3: "max(base priority,
// max priority of any thread waiting on a monitor this thread holds)")
// without sched importing monitor.
type Inheritor interface {
	// MaxWaiterPriority returns the highest priority among threads
	// currently waiting to acquire this lock, or -1 if none are
	// waiting.
	MaxWaiterPriority() int32
}

// CancelType selects how cancellation is delivered (spec.md §5).
type CancelType int

const (
	CancelDeferred CancelType = iota
	CancelAsynchronous
)

// Thread is the kernel's schedulable unit (spec.md §3).
type Thread struct {
	ID uuid.UUID

	home *Scheduler

	mu           sync.Mutex
	basePriority int32
	priority     int32 // effective priority
	state        State
	heldMonitors []Inheritor
	blockingOn   Inheritor

	cancelRequested bool
	cancelEnabled   bool
	cancelType      CancelType
	cancelCh        chan struct{}
	cancelOnce      sync.Once

	runQueueIndex int // bookkeeping for Rendezvous; -1 when not queued

	done chan struct{}
}

func newThread(home *Scheduler, priority int32) *Thread {
	return &Thread{
		ID:            uuid.New(),
		home:          home,
		basePriority:  priority,
		priority:      priority,
		state:         Runnable,
		cancelEnabled: true,
		cancelCh:      make(chan struct{}),
		runQueueIndex: -1,
		done:          make(chan struct{}),
	}
}

// Priority returns the thread's current effective priority.
func (t *Thread) Priority() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.priority
}

// BasePriority returns the thread's nominal priority.
func (t *Thread) BasePriority() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.basePriority
}

// SetPriority changes the thread's base priority and recomputes its
// effective priority.
func (t *Thread) SetPriority(p int32) {
	t.mu.Lock()
	t.basePriority = p
	t.mu.Unlock()
	t.recomputeEffective()
}

// State returns the thread's current scheduling state.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Thread) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// AddHeldMonitor records that t now holds monitor m (for priority
// inheritance bookkeeping). Called by monitor.Monitor.lock.
func (t *Thread) AddHeldMonitor(m Inheritor) {
	t.mu.Lock()
	t.heldMonitors = append(t.heldMonitors, m)
	t.mu.Unlock()
}

// RemoveHeldMonitor undoes AddHeldMonitor and recomputes effective
// priority, since releasing a monitor may remove the only reason this
// thread was elevated (spec.md §4.7).
func (t *Thread) RemoveHeldMonitor(m Inheritor) {
	t.mu.Lock()
	for i, h := range t.heldMonitors {
		if h == m {
			t.heldMonitors = append(t.heldMonitors[:i], t.heldMonitors[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
	t.recomputeEffective()
}

// SetBlockingOn records which monitor t is currently contending for,
// so propagation can walk onward if that monitor's owner is itself
// blocked (spec.md §4.7: priority inheritance "may propagate onward").
func (t *Thread) SetBlockingOn(m Inheritor) {
	t.mu.Lock()
	t.blockingOn = m
	t.mu.Unlock()
}

// BlockingOn returns the monitor t is currently contending for, or nil.
func (t *Thread) BlockingOn() Inheritor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blockingOn
}

// recomputeEffective sets priority = max(base, max over held monitors'
// MaxWaiterPriority), updates this thread's run-queue position if it
// is currently runnable, and propagates onward if t is itself
// blocked on another monitor.
func (t *Thread) recomputeEffective() {
	t.mu.Lock()
	eff := t.basePriority
	for _, m := range t.heldMonitors {
		if p := m.MaxWaiterPriority(); p > eff {
			eff = p
		}
	}
	changed := eff != t.priority
	t.priority = eff
	state := t.state
	t.mu.Unlock()

	if changed && state == Runnable {
		t.home.reposition(t)
	}
	if blocking := t.BlockingOn(); blocking != nil {
		if owner, ok := blocking.(interface{ OwnerThread() *Thread }); ok {
			if o := owner.OwnerThread(); o != nil {
				o.recomputeEffective()
			}
		}
	}
}

// Reevaluate recomputes t's effective priority and propagates the
// change onward if t itself is blocked contending for another
// monitor. Exported for monitor.Monitor to call after its waiter set
// changes, since priority inheritance bookkeeping lives on Thread but
// is driven by events in the monitor package.
func (t *Thread) Reevaluate() {
	t.recomputeEffective()
}

// Cancel requests cancellation of t, delivered at the next testCancel
// point inside a suspension-capable call (spec.md §5). CancelChan is
// closed unconditionally so an asynchronous waiter can race it against
// whatever it is blocked on; a deferred waiter ignores the signal
// until its own TestCancel checkpoint runs.
func (t *Thread) Cancel() {
	t.mu.Lock()
	t.cancelRequested = true
	t.mu.Unlock()
	t.cancelOnce.Do(func() { close(t.cancelCh) })
}

// CancelChan returns a channel closed the moment Cancel is first
// called on t, regardless of whether cancellation is currently
// enabled. Callers that support asynchronous cancellation (spec.md §5)
// select on it alongside their wake condition; callers that only
// support deferred cancellation should ignore it and keep polling
// TestCancel at their own checkpoints.
func (t *Thread) CancelChan() <-chan struct{} { return t.cancelCh }

// asyncCancelPending reports whether t has a cancellation request that
// is both currently enabled and delivered asynchronously, meaning a
// blocked suspension point should unwind immediately rather than wait
// for its next explicit checkpoint.
func (t *Thread) asyncCancelPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelRequested && t.cancelEnabled && t.cancelType == CancelAsynchronous
}

// SetCancelState configures whether cancellation is currently
// deliverable and how.
func (t *Thread) SetCancelState(enabled bool, typ CancelType) {
	t.mu.Lock()
	t.cancelEnabled = enabled
	t.cancelType = typ
	t.mu.Unlock()
}

// TestCancel is called at every suspension point named in spec.md §5.
// It returns true if this thread should unwind now.
func (t *Thread) TestCancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelRequested && t.cancelEnabled
}

// TestAsyncCancel is the exported form of asyncCancelPending, used by
// the monitor package's lock/wait loops to decide whether CancelChan
// firing should abort a block in progress or be left for the thread's
// own next TestCancel checkpoint.
func (t *Thread) TestAsyncCancel() bool { return t.asyncCancelPending() }

// Done returns a channel closed when the thread terminates, used by
// Join.
func (t *Thread) Done() <-chan struct{} {
	return t.done
}

package sched

import (
	"sync"

	"github.com/gokernel/gokernel/internal/kernel/alarm"
	"github.com/gokernel/gokernel/internal/kernel/kerrors"
)

var errSleepCancelled = kerrors.Wrap(kerrors.ErrCancelled, "sched: sleep cancelled")

// NumPriorities is the width of the priority band (spec.md §3: "a
// small integer range, e.g. 0-31").
const NumPriorities = 32

// Rendezvous is a priority-ordered wait queue: FIFO within a priority
// level, highest priority dequeued first (spec.md §4.7 selectThread
// and §4.8 monitor wait/contention queues both need exactly this
// shape, so it is shared between them).
type Rendezvous struct {
	mu     sync.Mutex
	levels [NumPriorities][]*Thread
	mask   uint32 // bit i set iff levels[i] is non-empty
}

func clampPriority(p int32) int {
	if p < 0 {
		return 0
	}
	if p >= NumPriorities {
		return NumPriorities - 1
	}
	return int(p)
}

// Enqueue adds t at the tail of its priority level.
func (r *Rendezvous) Enqueue(t *Thread) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lvl := clampPriority(t.Priority())
	t.runQueueIndex = len(r.levels[lvl])
	r.levels[lvl] = append(r.levels[lvl], t)
	r.mask |= 1 << uint(lvl)
}

// Dequeue removes and returns the thread at the head of the highest
// non-empty priority level, or nil if the queue is empty.
func (r *Rendezvous) Dequeue() *Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mask == 0 {
		return nil
	}
	lvl := highestSetBit(r.mask)
	q := r.levels[lvl]
	t := q[0]
	r.levels[lvl] = q[1:]
	for i, qt := range r.levels[lvl] {
		qt.runQueueIndex = i
	}
	if len(r.levels[lvl]) == 0 {
		r.mask &^= 1 << uint(lvl)
	}
	t.runQueueIndex = -1
	return t
}

// Remove takes t out of the queue regardless of position, e.g. on
// cancellation or timeout. Reports whether t was found.
func (r *Rendezvous) Remove(t *Thread) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Search every level: t may have been queued under a priority it no
	// longer has (Reposition calls Remove after the priority changed).
	for lvl := range r.levels {
		q := r.levels[lvl]
		for i, qt := range q {
			if qt == t {
				r.levels[lvl] = append(q[:i], q[i+1:]...)
				for j := i; j < len(r.levels[lvl]); j++ {
					r.levels[lvl][j].runQueueIndex = j
				}
				if len(r.levels[lvl]) == 0 {
					r.mask &^= 1 << uint(lvl)
				}
				t.runQueueIndex = -1
				return true
			}
		}
	}
	return false
}

// Reposition moves t to the level matching its current priority,
// preserving FIFO order among equal-priority waiters. Used after
// priority inheritance changes a queued thread's effective priority
// (spec.md §4.7: "its queue position is updated to reflect the new
// priority").
func (r *Rendezvous) Reposition(t *Thread) {
	if r.Remove(t) {
		r.Enqueue(t)
	}
}

// Len reports the number of queued threads.
func (r *Rendezvous) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, q := range r.levels {
		n += len(q)
	}
	return n
}

// PeekHead returns the thread at the head of the highest non-empty
// priority level without removing it, or nil if empty.
func (r *Rendezvous) PeekHead() *Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mask == 0 {
		return nil
	}
	lvl := highestSetBit(r.mask)
	return r.levels[lvl][0]
}

// HighestPriority reports the priority of the head of the queue.
func (r *Rendezvous) HighestPriority() (int32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mask == 0 {
		return -1, false
	}
	return int32(highestSetBit(r.mask)), true
}

func highestSetBit(mask uint32) int {
	lvl := 0
	for m := mask; m != 0; m >>= 1 {
		lvl++
	}
	return lvl - 1
}

// Scheduler arbitrates a fixed number of virtual CPUs among runnable
// threads by priority (spec.md §4.7). Each Thread runs on its own
// goroutine for its whole lifetime; Acquire/Release gate how many of
// those goroutines may be doing work concurrently, admitting the
// highest-priority runnable thread whenever a slot frees up — the
// same selection rule the source scheduler's reschedule() applies
// when picking the next thread to run.
type Scheduler struct {
	mu      sync.Mutex
	cond    *sync.Cond
	ncpu    int
	running int
	ready   *Rendezvous
	live    map[*Thread]struct{}
	clock   *alarm.Clock
}

// New creates a Scheduler modeling ncpu virtual processors, driven by
// its own logical clock for Sleep.
func New(ncpu int) *Scheduler {
	if ncpu < 1 {
		ncpu = 1
	}
	s := &Scheduler{ncpu: ncpu, ready: &Rendezvous{}, live: make(map[*Thread]struct{}), clock: alarm.NewClock()}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Clock returns the scheduler's logical tick clock, shared with Sleep
// so tests can drive time via Clock().Advance instead of real sleeps.
func (s *Scheduler) Clock() *alarm.Clock { return s.clock }

// Sleep suspends t for n ticks of the scheduler's clock (spec.md §3
// TIMED_WAITING). It blocks the calling goroutine until the tick
// fires or t is cancelled, then re-admits t onto a CPU before
// returning. Returns kerrors.ErrCancelled if t was cancelled while
// asleep.
func (s *Scheduler) Sleep(t *Thread, ticks int64) error {
	t.setState(TimedWaiting)
	s.release(t)

	woken := make(chan struct{})
	a := alarm.New()
	a.SetInterval(ticks)
	a.SetCallback(func() { close(woken) })
	s.clock.Register(a, false)

	select {
	case <-woken:
	case <-t.CancelChan():
		if t.TestCancel() {
			s.clock.Cancel(a)
		} else {
			<-woken
		}
	}
	s.acquire(t)
	if t.TestCancel() {
		return errSleepCancelled
	}
	return nil
}

// NewThread creates a Thread at the given base priority, not yet
// runnable until Start is called.
func (s *Scheduler) NewThread(priority int32) *Thread {
	return newThread(s, priority)
}

// Start marks t Runnable and spawns its goroutine body, blocking body
// until the scheduler admits it onto a virtual CPU. Start returns
// immediately; fn runs asynchronously.
func (s *Scheduler) Start(t *Thread, fn func(*Thread)) {
	s.mu.Lock()
	s.live[t] = struct{}{}
	s.mu.Unlock()

	go func() {
		s.acquire(t)
		fn(t)
		s.release(t)
		t.setState(Terminated)
		s.mu.Lock()
		delete(s.live, t)
		s.mu.Unlock()
		close(t.done)
	}()
}

// SetRun marks t Runnable and enqueues it for admission. Threads call
// this themselves after Wake() or after a timed sleep expires.
func (s *Scheduler) SetRun(t *Thread) {
	t.setState(Runnable)
	s.ready.Enqueue(t)
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// acquire blocks the calling goroutine until the scheduler selects t
// to run: either a CPU slot is free and t is at the head of the ready
// queue, or it becomes so. This is the reschedule/selectThread pair
// from spec.md §4.7, fused because Go cannot literally switch stacks.
func (s *Scheduler) acquire(t *Thread) {
	s.ready.Enqueue(t)
	s.mu.Lock()
	for {
		if s.running < s.ncpu && s.ready.PeekHead() == t {
			s.ready.Remove(t)
			s.running++
			t.setState(Running)
			s.mu.Unlock()
			return
		}
		s.cond.Wait()
	}
}

// release gives up t's CPU slot, e.g. because it is about to block in
// a monitor wait or a sleep.
func (s *Scheduler) release(t *Thread) {
	s.mu.Lock()
	s.running--
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Yield voluntarily releases the CPU and re-contends for one,
// respecting priority order among other runnable threads (spec.md
// §4.7: "a thread may yield without blocking").
func (s *Scheduler) Yield(t *Thread) {
	s.release(t)
	s.acquire(t)
}

// Block transitions t to Waiting and releases its CPU slot; the
// caller is responsible for re-admitting t (via Resume) once whatever
// it was waiting for is satisfied.
func (s *Scheduler) Block(t *Thread) {
	t.setState(Waiting)
	s.release(t)
}

// Resume re-admits t after Block, blocking until the scheduler selects
// it to run again.
func (s *Scheduler) Resume(t *Thread) {
	s.acquire(t)
}

// reposition is called by Thread.recomputeEffective when a queued
// thread's priority changes.
func (s *Scheduler) reposition(t *Thread) {
	s.ready.Reposition(t)
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Join blocks the calling goroutine until t terminates.
func (s *Scheduler) Join(t *Thread) error {
	<-t.Done()
	return nil
}

// NumRunning reports how many threads currently occupy a virtual CPU.
func (s *Scheduler) NumRunning() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NumReady reports how many threads are runnable but not yet admitted.
func (s *Scheduler) NumReady() int {
	return s.ready.Len()
}

// Stats is a snapshot for introspection (spec.md §4.11 / kernel.Stats).
type Stats struct {
	NumCPU      int
	Running     int
	Ready       int
	LiveThreads int
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		NumCPU:      s.ncpu,
		Running:     s.running,
		Ready:       s.ready.Len(),
		LiveThreads: len(s.live),
	}
}

// Package monitor implements the kernel's recursive, priority-
// inheriting mutex plus condition variable (spec.md §4.8). A Monitor
// is the one synchronization primitive the rest of the kernel (page
// pool, cache, writeback) builds on: acquiring it is recursive per
// owning thread, and a thread blocked trying to acquire one donates
// its priority to the current owner for as long as it waits, exactly
// as spec.md §4.7/§4.8 describe for priority inheritance.
//
// Monitor does not hand ownership directly from Unlock/Notify to a
// woken waiter; a woken goroutine always re-contends for the lock via
// lockLoop. This is the classic Mesa-semantics condition variable
// contract (recheck the guarded condition after waking) and it avoids
// having to reason about hand-off races across goroutines.
package monitor

import (
	"sync"

	"github.com/gokernel/gokernel/internal/kernel/kerrors"
	"github.com/gokernel/gokernel/internal/kernel/sched"
)

// Monitor is a recursive mutex with an attached condition variable.
// The zero value is not usable; construct with New.
type Monitor struct {
	s *sched.Scheduler

	mu             sync.Mutex
	owner          *sched.Thread
	recursion      int
	acquireWaiters *sched.Rendezvous
	cvWaiters      *sched.Rendezvous
	wake           map[*sched.Thread]chan struct{}
}

// New creates an unlocked Monitor whose blocked threads contend for
// CPU admission through s.
func New(s *sched.Scheduler) *Monitor {
	return &Monitor{
		s:              s,
		acquireWaiters: &sched.Rendezvous{},
		cvWaiters:      &sched.Rendezvous{},
		wake:           make(map[*sched.Thread]chan struct{}),
	}
}

// MaxWaiterPriority implements sched.Inheritor.
func (m *Monitor) MaxWaiterPriority() int32 {
	p, ok := m.acquireWaiters.HighestPriority()
	if !ok {
		return -1
	}
	return p
}

// OwnerThread implements the owner-lookup half of priority
// propagation (sched.Thread.recomputeEffective type-asserts for it).
func (m *Monitor) OwnerThread() *sched.Thread {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner
}

// Lock acquires the monitor on behalf of t, blocking if another
// thread owns it. Recursive: if t already owns m, it just bumps the
// recursion count. If t carries an asynchronous cancellation request
// (spec.md §5, §9 design note on cancel-unwind depth), Lock can return
// kerrors.ErrCancelled instead of ever taking ownership; a deferred
// cancellation request is left untouched for the caller's own
// TestCancel checkpoint, exactly as if Lock had succeeded normally.
func (m *Monitor) Lock(t *sched.Thread) error {
	return m.lockLoop(t, 1)
}

// lockLoop is shared by Lock and Wait's reacquire phase. wantRecursion
// is the recursion depth to install once ownership is granted fresh
// (1 for a new Lock call, the depth saved by Wait when resuming).
//
// The decision recorded for spec.md §9's open question on cancel
// unwind depth: cancelling a thread blocked here unwinds exactly the
// one pending Lock/Wait call, handing back an error the caller
// propagates outward one monitor at a time as its own stack unwinds
// (each already-held monitor gets its own ordinary Unlock on the way
// out), rather than the loop itself trying to walk and release every
// monitor the thread happens to hold.
func (m *Monitor) lockLoop(t *sched.Thread, wantRecursion int) error {
	for {
		if t.TestAsyncCancel() {
			return kerrors.Wrap(kerrors.ErrCancelled, "monitor: lock cancelled")
		}

		m.mu.Lock()
		if m.owner == nil {
			m.owner = t
			m.recursion = wantRecursion
			m.mu.Unlock()
			t.AddHeldMonitor(m)
			return nil
		}
		if m.owner == t {
			m.recursion += wantRecursion
			m.mu.Unlock()
			return nil
		}

		wake := make(chan struct{})
		m.wake[t] = wake
		m.acquireWaiters.Enqueue(t)
		m.mu.Unlock()

		t.SetBlockingOn(m)
		if owner := m.OwnerThread(); owner != nil {
			owner.Reevaluate()
		}

		m.s.Block(t)
		cancelled := m.waitOrCancel(t, wake)
		m.s.Resume(t)
		t.SetBlockingOn(nil)
		if cancelled {
			return kerrors.Wrap(kerrors.ErrCancelled, "monitor: lock cancelled")
		}
		// Loop around: the slot we were woken for may already have
		// been taken by a higher-priority waiter admitted first.
	}
}

// waitOrCancel blocks on wake, but for an asynchronously cancellable
// thread also races t's cancel signal. It reports whether the wait
// ended in cancellation rather than a real wake. A cancellation that
// arrives after Unlock has already dequeued t (and is in the process
// of closing wake) loses the race deliberately: t drains wake and
// keeps the monitor it was just handed, since backing out at that
// point would strand ownership with nobody to release it.
func (m *Monitor) waitOrCancel(t *sched.Thread, wake chan struct{}) bool {
	if !t.TestAsyncCancel() {
		select {
		case <-wake:
			return false
		case <-t.CancelChan():
			if !t.TestAsyncCancel() {
				<-wake
				return false
			}
		}
	}

	m.mu.Lock()
	stillQueued := m.acquireWaiters.Remove(t)
	if stillQueued {
		delete(m.wake, t)
	}
	m.mu.Unlock()
	if !stillQueued {
		<-wake
		return false
	}
	return true
}

// TryLock attempts to acquire m without blocking. Reports success.
func (m *Monitor) TryLock(t *sched.Thread) bool {
	m.mu.Lock()
	if m.owner == nil {
		m.owner = t
		m.recursion = 1
		m.mu.Unlock()
		t.AddHeldMonitor(m)
		return true
	}
	if m.owner == t {
		m.recursion++
		m.mu.Unlock()
		return true
	}
	m.mu.Unlock()
	return false
}

// Unlock releases one level of recursion; once it reaches zero the
// monitor becomes free and the highest-priority acquire waiter, if
// any, is woken to contend for it again.
func (m *Monitor) Unlock(t *sched.Thread) error {
	m.mu.Lock()
	if m.owner != t {
		m.mu.Unlock()
		return kerrors.NewFault("monitor unlock by non-owner", t.ID.String())
	}
	m.recursion--
	if m.recursion > 0 {
		m.mu.Unlock()
		return nil
	}

	m.owner = nil
	next := m.acquireWaiters.Dequeue()
	var wake chan struct{}
	if next != nil {
		wake = m.wake[next]
		delete(m.wake, next)
	}
	m.mu.Unlock()
	t.RemoveHeldMonitor(m)
	if wake != nil {
		close(wake)
	}
	return nil
}

// Wait releases m (fully, regardless of recursion depth) and blocks t
// until Notify or NotifyAll wakes it, then reacquires m restoring the
// prior recursion depth before returning (spec.md §4.8).
func (m *Monitor) Wait(t *sched.Thread) error {
	saved, err := m.releaseForWait(t)
	if err != nil {
		return err
	}

	wake := make(chan struct{})
	m.mu.Lock()
	m.wake[t] = wake
	m.cvWaiters.Enqueue(t)
	m.mu.Unlock()

	t.SetBlockingOn(nil)
	m.s.Block(t)
	if cancelled := m.waitCvOrCancel(t, wake); cancelled {
		m.s.Resume(t)
		return kerrors.Wrap(kerrors.ErrCancelled, "monitor: wait cancelled")
	}
	m.s.Resume(t)

	return m.lockLoop(t, saved)
}

// waitCvOrCancel is waitOrCancel's counterpart for a thread parked on
// cvWaiters rather than acquireWaiters.
func (m *Monitor) waitCvOrCancel(t *sched.Thread, wake chan struct{}) bool {
	if !t.TestAsyncCancel() {
		select {
		case <-wake:
			return false
		case <-t.CancelChan():
			if !t.TestAsyncCancel() {
				<-wake
				return false
			}
		}
	}

	m.mu.Lock()
	stillQueued := m.cvWaiters.Remove(t)
	if stillQueued {
		delete(m.wake, t)
	}
	m.mu.Unlock()
	if !stillQueued {
		<-wake
		return false
	}
	return true
}

// WaitTimeout is Wait with an upper bound on how long to sleep,
// expressed in scheduler clock ticks. Reports whether the wait ended
// because the timeout elapsed rather than a notification.
func (m *Monitor) WaitTimeout(t *sched.Thread, ticks int64) (timedOut bool, err error) {
	saved, err := m.releaseForWait(t)
	if err != nil {
		return false, err
	}

	wake := make(chan struct{})
	m.mu.Lock()
	m.wake[t] = wake
	m.cvWaiters.Enqueue(t)
	m.mu.Unlock()

	timeout := make(chan struct{})
	a := newTimeoutAlarm(m.s, ticks, timeout)

	t.SetBlockingOn(nil)
	m.s.Block(t)
	cancelled := false
	select {
	case <-wake:
	case <-timeout:
		m.mu.Lock()
		stillQueued := m.cvWaiters.Remove(t)
		if stillQueued {
			delete(m.wake, t)
		}
		m.mu.Unlock()
		timedOut = stillQueued
	case <-t.CancelChan():
		if !t.TestAsyncCancel() {
			// Deferred cancellation: fall back to a plain wait, same
			// as if no cancel had been requested yet.
			select {
			case <-wake:
			case <-timeout:
				m.mu.Lock()
				stillQueued := m.cvWaiters.Remove(t)
				if stillQueued {
					delete(m.wake, t)
				}
				m.mu.Unlock()
				timedOut = stillQueued
			}
		} else {
			m.mu.Lock()
			stillQueued := m.cvWaiters.Remove(t)
			if stillQueued {
				delete(m.wake, t)
			}
			m.mu.Unlock()
			if stillQueued {
				cancelled = true
			}
		}
	}
	_ = a
	m.s.Resume(t)

	if cancelled {
		return false, kerrors.Wrap(kerrors.ErrCancelled, "monitor: wait cancelled")
	}
	if err := m.lockLoop(t, saved); err != nil {
		return timedOut, err
	}
	return timedOut, nil
}

// releaseForWait fully releases m on t's behalf, handing it to the
// next acquire waiter exactly as Unlock would, and returns the
// recursion depth Wait must restore on reacquire.
func (m *Monitor) releaseForWait(t *sched.Thread) (int, error) {
	m.mu.Lock()
	if m.owner != t {
		m.mu.Unlock()
		return 0, kerrors.NewFault("monitor wait by non-owner", t.ID.String())
	}
	saved := m.recursion
	m.owner = nil
	m.recursion = 0
	next := m.acquireWaiters.Dequeue()
	var nextWake chan struct{}
	if next != nil {
		nextWake = m.wake[next]
		delete(m.wake, next)
	}
	m.mu.Unlock()
	t.RemoveHeldMonitor(m)
	if nextWake != nil {
		close(nextWake)
	}
	return saved, nil
}

// Notify wakes the highest-priority thread waiting in Wait, if any.
// The caller must hold m.
func (m *Monitor) Notify(t *sched.Thread) error {
	m.mu.Lock()
	if m.owner != t {
		m.mu.Unlock()
		return kerrors.NewFault("monitor notify by non-owner", t.ID.String())
	}
	next := m.cvWaiters.Dequeue()
	if next == nil {
		m.mu.Unlock()
		return nil
	}
	wake, ok := m.wake[next]
	if ok {
		delete(m.wake, next)
	}
	m.mu.Unlock()
	if ok {
		close(wake)
	}
	return nil
}

// NotifyAll wakes every thread currently waiting in Wait.
func (m *Monitor) NotifyAll(t *sched.Thread) error {
	m.mu.Lock()
	if m.owner != t {
		m.mu.Unlock()
		return kerrors.NewFault("monitor notifyAll by non-owner", t.ID.String())
	}
	var wakes []chan struct{}
	for {
		next := m.cvWaiters.Dequeue()
		if next == nil {
			break
		}
		if w, ok := m.wake[next]; ok {
			wakes = append(wakes, w)
			delete(m.wake, next)
		}
	}
	m.mu.Unlock()
	for _, w := range wakes {
		close(w)
	}
	return nil
}

// HeldBy reports whether t currently owns m, for assertions in
// callers that require it (spec.md §7 Fault: "unlock by non-owner").
func (m *Monitor) HeldBy(t *sched.Thread) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner == t
}

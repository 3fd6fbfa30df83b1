package monitor

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gokernel/gokernel/internal/kernel/kerrors"
	"github.com/gokernel/gokernel/internal/kernel/sched"
)

func TestRecursiveLockUnlock(t *testing.T) {
	s := sched.New(2)
	m := New(s)
	th := s.NewThread(1)

	m.Lock(th)
	m.Lock(th)
	if !m.HeldBy(th) {
		t.Fatal("expected th to hold m")
	}
	if err := m.Unlock(th); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if !m.HeldBy(th) {
		t.Fatal("expected th to still hold m after one unlock of two locks")
	}
	if err := m.Unlock(th); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if m.HeldBy(th) {
		t.Fatal("expected m released after matching unlocks")
	}
}

func TestWaitNotify(t *testing.T) {
	s := sched.New(4)
	m := New(s)

	var mu sync.Mutex
	ready := false

	producer := s.NewThread(1)
	consumer := s.NewThread(1)

	done := make(chan struct{})
	s.Start(consumer, func(th *sched.Thread) {
		m.Lock(th)
		for {
			mu.Lock()
			r := ready
			mu.Unlock()
			if r {
				break
			}
			if err := m.Wait(th); err != nil {
				t.Errorf("Wait: %v", err)
				break
			}
		}
		m.Unlock(th)
		close(done)
	})

	time.Sleep(10 * time.Millisecond)

	s.Start(producer, func(th *sched.Thread) {
		m.Lock(th)
		mu.Lock()
		ready = true
		mu.Unlock()
		if err := m.Notify(th); err != nil {
			t.Errorf("Notify: %v", err)
		}
		m.Unlock(th)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer never woke from Wait")
	}
}

// TestPriorityInheritancePreventsInversion models the core of the
// classic bounded-priority-inversion scenario: a low-priority thread
// holds a monitor a high-priority thread needs. With inheritance the
// low thread is elevated as soon as the high thread blocks, which is
// what would keep a medium-priority thread from running ahead of it;
// this test checks only that elevation and its removal on release.
func TestPriorityInheritancePreventsInversion(t *testing.T) {
	s := sched.New(1)
	m := New(s)

	lo := s.NewThread(1)
	hi := s.NewThread(10)

	loHasLock := make(chan struct{})
	release := make(chan struct{})

	s.Start(lo, func(th *sched.Thread) {
		m.Lock(th)
		close(loHasLock)
		s.Block(th)
		<-release
		s.Resume(th)
		m.Unlock(th)
	})

	<-loHasLock

	s.Start(hi, func(th *sched.Thread) {
		m.Lock(th)
		m.Unlock(th)
	})

	// Give the scheduler a moment to register hi's contention and
	// propagate priority to lo.
	time.Sleep(20 * time.Millisecond)
	if got := lo.Priority(); got != hi.BasePriority() {
		t.Fatalf("lo.Priority() = %d, want inherited %d", got, hi.BasePriority())
	}

	close(release)
	if err := s.Join(lo); err != nil {
		t.Fatalf("Join(lo): %v", err)
	}
	if err := s.Join(hi); err != nil {
		t.Fatalf("Join(hi): %v", err)
	}
	if got := lo.Priority(); got != lo.BasePriority() {
		t.Fatalf("lo.Priority() after release = %d, want base %d", got, lo.BasePriority())
	}
}

// TestCancelUnblocksAsynchronousWaiter models the cancel-unwind-depth
// decision for a thread blocked acquiring a monitor: cancelling it
// while it waits returns kerrors.ErrCancelled from Lock without ever
// granting ownership, and the monitor's contention queue no longer
// counts it once it has unwound.
func TestCancelUnblocksAsynchronousWaiter(t *testing.T) {
	s := sched.New(2)
	m := New(s)

	owner := s.NewThread(1)
	waiter := s.NewThread(1)
	waiter.SetCancelState(true, sched.CancelAsynchronous)

	ownerHasLock := make(chan struct{})
	release := make(chan struct{})
	s.Start(owner, func(th *sched.Thread) {
		m.Lock(th)
		close(ownerHasLock)
		<-release
		m.Unlock(th)
	})
	<-ownerHasLock

	lockErr := make(chan error, 1)
	waiterBlocked := make(chan struct{})
	s.Start(waiter, func(th *sched.Thread) {
		close(waiterBlocked)
		lockErr <- m.Lock(th)
	})
	<-waiterBlocked
	time.Sleep(10 * time.Millisecond)

	waiter.Cancel()

	select {
	case err := <-lockErr:
		if !errors.Is(err, kerrors.ErrCancelled) {
			t.Fatalf("Lock error = %v, want ErrCancelled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled waiter never unblocked")
	}

	if m.HeldBy(waiter) {
		t.Fatal("cancelled waiter must not end up owning the monitor")
	}
	close(release)
	if err := s.Join(owner); err != nil {
		t.Fatalf("Join(owner): %v", err)
	}
}

// TestDeferredCancelDoesNotInterruptBlock checks the other half of the
// cancel-unwind decision: a thread whose cancellation is deferred
// (the default) still acquires the monitor normally once it is woken,
// and only sees the cancellation at its own later TestCancel check.
func TestDeferredCancelDoesNotInterruptBlock(t *testing.T) {
	s := sched.New(2)
	m := New(s)

	owner := s.NewThread(1)
	waiter := s.NewThread(1)

	ownerHasLock := make(chan struct{})
	release := make(chan struct{})
	s.Start(owner, func(th *sched.Thread) {
		m.Lock(th)
		close(ownerHasLock)
		<-release
		m.Unlock(th)
	})
	<-ownerHasLock

	waiterBlocked := make(chan struct{})
	lockErr := make(chan error, 1)
	s.Start(waiter, func(th *sched.Thread) {
		close(waiterBlocked)
		lockErr <- m.Lock(th)
	})
	<-waiterBlocked
	time.Sleep(10 * time.Millisecond)

	waiter.Cancel() // deferred by default: must not interrupt the block

	close(release)
	select {
	case err := <-lockErr:
		if err != nil {
			t.Fatalf("Lock returned %v, want nil (deferred cancel must not abort the lock)", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired the monitor")
	}
	if !m.HeldBy(waiter) {
		t.Fatal("waiter should own the monitor after owner released it")
	}
	if !waiter.TestCancel() {
		t.Fatal("the deferred cancellation request should still be pending for the waiter's own checkpoint")
	}
	m.Unlock(waiter)
}

// TestPriorityInversionChain models spec.md §8's BPI2 scenario: lo
// holds M_A and spins on a flag, mid wants M_A then M_B, hi takes M_B
// directly and finishes independently, and an alarm eventually sets
// the flag that lets lo release. mid cannot finish until lo releases,
// and lo is made to outlive mid's completion so the recorded order
// exercises the full chain rather than racing on raw goroutine timing.
func TestPriorityInversionChain(t *testing.T) {
	s := sched.New(3)
	ma := New(s)
	mb := New(s)

	lo := s.NewThread(1)
	mid := s.NewThread(5)
	hi := s.NewThread(10)

	var orderMu sync.Mutex
	var order []string
	record := func(name string) {
		orderMu.Lock()
		order = append(order, name)
		orderMu.Unlock()
	}

	var flag atomic.Bool
	loHasLock := make(chan struct{})
	midDone := make(chan struct{})
	hiDone := make(chan struct{})

	s.Start(lo, func(th *sched.Thread) {
		ma.Lock(th)
		close(loHasLock)
		for !flag.Load() {
			s.Yield(th)
		}
		ma.Unlock(th)
		<-midDone
		record("lo")
	})
	<-loHasLock

	s.Start(mid, func(th *sched.Thread) {
		ma.Lock(th)
		mb.Lock(th)
		mb.Unlock(th)
		ma.Unlock(th)
		record("mid")
		close(midDone)
	})

	// Give mid a moment to register as blocked on M_A before hi runs,
	// so lo's inherited priority can be observed mid-chain.
	time.Sleep(10 * time.Millisecond)
	if got := lo.Priority(); got < mid.BasePriority() {
		t.Fatalf("lo.Priority() = %d while mid waits on M_A, want >= %d", got, mid.BasePriority())
	}

	s.Start(hi, func(th *sched.Thread) {
		mb.Lock(th)
		mb.Unlock(th)
		record("hi")
		close(hiDone)
	})
	if err := s.Join(hi); err != nil {
		t.Fatalf("Join(hi): %v", err)
	}
	<-hiDone

	flag.Store(true)

	if err := s.Join(mid); err != nil {
		t.Fatalf("Join(mid): %v", err)
	}
	if err := s.Join(lo); err != nil {
		t.Fatalf("Join(lo): %v", err)
	}

	want := []string{"hi", "mid", "lo"}
	orderMu.Lock()
	got := append([]string(nil), order...)
	orderMu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("completion order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("completion order = %v, want %v", got, want)
		}
	}
}

// TestPriorityInversionChainWithCancellation models spec.md §8's BPI3
// scenario: same chain as BPI2, except hi cancels mid (which is still
// blocked acquiring M_A behind lo) before hi itself takes M_B. mid
// must observe the cancellation at that lock call and unwind holding
// nothing — it never got as far as M_A, so there is no partial state
// to release — while lo and hi still run to completion undisturbed.
func TestPriorityInversionChainWithCancellation(t *testing.T) {
	s := sched.New(3)
	ma := New(s)
	mb := New(s)

	lo := s.NewThread(1)
	mid := s.NewThread(5)
	hi := s.NewThread(10)

	var flag atomic.Bool
	loHasLock := make(chan struct{})
	midBlocked := make(chan struct{})
	midErr := make(chan error, 1)

	s.Start(lo, func(th *sched.Thread) {
		ma.Lock(th)
		close(loHasLock)
		for !flag.Load() {
			s.Yield(th)
		}
		ma.Unlock(th)
	})
	<-loHasLock

	mid.SetCancelState(true, sched.CancelAsynchronous)
	s.Start(mid, func(th *sched.Thread) {
		close(midBlocked)
		if err := ma.Lock(th); err != nil {
			midErr <- err
			return
		}
		mb.Lock(th)
		mb.Unlock(th)
		ma.Unlock(th)
		midErr <- nil
	})
	<-midBlocked
	time.Sleep(10 * time.Millisecond) // let mid actually enqueue on M_A

	mid.Cancel() // hi cancels mid before taking M_B itself

	select {
	case err := <-midErr:
		if !errors.Is(err, kerrors.ErrCancelled) {
			t.Fatalf("mid returned %v, want ErrCancelled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("mid never observed cancellation")
	}
	if ma.HeldBy(mid) || mb.HeldBy(mid) {
		t.Fatal("mid should hold neither monitor after a cancelled Lock(M_A)")
	}

	s.Start(hi, func(th *sched.Thread) {
		mb.Lock(th)
		mb.Unlock(th)
	})
	if err := s.Join(hi); err != nil {
		t.Fatalf("Join(hi): %v", err)
	}

	flag.Store(true)
	if err := s.Join(lo); err != nil {
		t.Fatalf("Join(lo): %v", err)
	}
	if err := s.Join(mid); err != nil {
		t.Fatalf("Join(mid): %v", err)
	}
}

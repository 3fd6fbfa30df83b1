// Package ipl implements the kernel's interrupt-priority-level totem
// and the two spinlock shapes built on it (spec.md §4.1).
//
// Go has no real interrupt controller to mask, so SplHi/SplLo/SplX
// model the discipline with one process-wide atomic level word (see
// current below), which MustNotSuspendHere compares against Lo.
package ipl

import (
	"runtime"
	"sync/atomic"
)

// Level is a point in the small Idle < Lo < Hi totem (spec.md §4.1).
type Level int32

const (
	Idle Level = iota
	Lo
	Hi
)

func (l Level) String() string {
	switch l {
	case Idle:
		return "Idle"
	case Lo:
		return "Lo"
	case Hi:
		return "Hi"
	default:
		return "Level(?)"
	}
}

// current is process-wide rather than per-goroutine: Go gives us no
// cheap per-goroutine storage, and the kernel's own threads already
// serialize through the scheduler's run queues, so a single atomic
// word is sufficient to model "the highest level anything is
// currently masked to" for the fatal-violation checks below.
var current atomic.Int32

// Current returns the IPL currently in effect.
func Current() Level {
	return Level(current.Load())
}

// SplHi raises to Hi and returns the prior level, for splX restoration.
func SplHi() Level {
	return raise(Hi)
}

// SplLo raises to at least Lo and returns the prior level.
func SplLo() Level {
	return raise(Lo)
}

// raise sets the level to at least want and returns the previous
// level so the caller can restore it with SplX.
func raise(want Level) Level {
	for {
		prev := Level(current.Load())
		next := want
		if prev > want {
			next = prev
		}
		if current.CompareAndSwap(int32(prev), int32(next)) {
			return prev
		}
	}
}

// SplX restores a previously saved level.
func SplX(prior Level) {
	current.Store(int32(prior))
}

// MustNotSuspendHere is called by any operation documented in
// spec.md §5 as forbidden from suspending while holding a spinlock
// (interrupt handlers, Arena/Heap internals, page-pool list
// manipulation, Scheduler internals under its own lock). It is a
// cheap assertion hook, not a scheduler primitive.
func MustNotSuspendHere() {
	if Current() >= Lo {
		panic("kernel: suspend attempted while IPL >= Lo")
	}
}

// TightLock is a single atomic flag. Acquisition busy-waits and never
// yields to the scheduler; a holder may not reacquire it.
type TightLock struct {
	flag atomic.Bool
}

// Lock raises to Lo, busy-waits for the flag, and returns the prior
// IPL so the caller can restore it on Unlock.
func (t *TightLock) Lock() Level {
	prior := SplLo()
	for !t.flag.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
	return prior
}

// TryLock attempts the non-blocking form; returns (prior level, true)
// on success.
func (t *TightLock) TryLock() (Level, bool) {
	prior := SplLo()
	if t.flag.CompareAndSwap(false, true) {
		return prior, true
	}
	SplX(prior)
	return prior, false
}

// Unlock releases the flag and restores the saved IPL.
func (t *TightLock) Unlock(prior Level) {
	if !t.flag.CompareAndSwap(true, false) {
		panic("kernel: TightLock unlocked while not held")
	}
	SplX(prior)
}

// ReentrantSpinLock additionally records the owning goroutine (by an
// opaque token the caller supplies — the kernel's Thread id) and a
// recursion count, so the holder may reacquire it.
type ReentrantSpinLock struct {
	flag      atomic.Bool
	owner     atomic.Int64 // holder token; 0 means unheld
	recursion int32        // guarded by flag being held
}

// Lock acquires the lock for owner token `who` (must be non-zero),
// incrementing the recursion count on reacquisition by the same
// owner. Returns the prior IPL.
func (r *ReentrantSpinLock) Lock(who int64) Level {
	prior := SplLo()
	if r.owner.Load() == who && r.flag.Load() {
		r.recursion++
		return prior
	}
	for !r.flag.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
	r.owner.Store(who)
	r.recursion = 1
	return prior
}

// Unlock decrements the recursion count, releasing the lock at zero.
func (r *ReentrantSpinLock) Unlock(who int64, prior Level) {
	if r.owner.Load() != who {
		panic("kernel: ReentrantSpinLock unlocked by non-owner")
	}
	r.recursion--
	if r.recursion > 0 {
		return
	}
	r.owner.Store(0)
	if !r.flag.CompareAndSwap(true, false) {
		panic("kernel: ReentrantSpinLock unlocked while not held")
	}
	SplX(prior)
}

// HeldBy reports whether owner token `who` currently holds the lock.
func (r *ReentrantSpinLock) HeldBy(who int64) bool {
	return r.flag.Load() && r.owner.Load() == who
}

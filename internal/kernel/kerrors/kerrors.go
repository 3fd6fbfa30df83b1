// Package kerrors defines the kernel's error taxonomy.
//
// Ordinary failures (spec.md §7: invalid-argument, out-of-resource,
// access-denied, I/O, cancelled, deadlock-detected) are returned as
// tagged errors wrapped with github.com/pkg/errors so callers can
// recover the sentinel with errors.Cause while still getting a
// useful stack-carrying message. Structural invariant violations use
// Fault instead — see Fault's doc comment.
package kerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors for the kinds enumerated in spec.md §7.
var (
	ErrInvalidArgument = errors.New("kernel: invalid argument")
	ErrOutOfResource   = errors.New("kernel: out of resource")
	ErrAccessDenied    = errors.New("kernel: access denied")
	ErrIO              = errors.New("kernel: backing store I/O error")
	ErrCancelled       = errors.New("kernel: operation cancelled")
	ErrDeadlock        = errors.New("kernel: deadlock detected")
)

// Wrap attaches additional context to a sentinel error while
// preserving it for errors.Is / errors.Cause.
func Wrap(sentinel error, format string, args ...any) error {
	return errors.Wrap(sentinel, fmt.Sprintf(format, args...))
}

// Fault represents a structural invariant violation: a spinlock held
// across a suspension point, an unlock by a non-owner, a page-pool
// lock-order violation. monitor.Monitor returns it as an ordinary
// error value from Unlock, Wait, WaitTimeout, Notify and NotifyAll
// when the caller is not the owner; nothing in this tree logs a Fault
// or halts the process on one.
type Fault struct {
	Reason string
	Detail string
}

func (f *Fault) Error() string {
	if f.Detail == "" {
		return "kernel fault: " + f.Reason
	}
	return fmt.Sprintf("kernel fault: %s (%s)", f.Reason, f.Detail)
}

// NewFault builds a Fault. It never panics, so tests can assert on
// the value.
func NewFault(reason, detail string) *Fault {
	return &Fault{Reason: reason, Detail: detail}
}

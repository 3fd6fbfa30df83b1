// Package alarm implements one-shot and periodic kernel timers
// (spec.md §3 Alarm, §6 external interface). Alarms are registered on
// one of two global queues — absolute start time vs. monotonic/
// relative — each a min-heap ordered by next-fire tick, so clock
// adjustments only ever affect the absolute queue (spec.md §9 design
// notes: "do not collapse these into one queue").
//
// The heap itself is grounded on the corpus's own monitor-scheduler
// (other_examples, y0f/Asura) min-heap dispatch pattern, adapted from
// wall-clock nanoseconds to the kernel's logical tick counter so tests
// can drive a virtual clock without sleeping.
package alarm

import (
	"container/heap"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Callback runs when an Alarm fires. Per spec.md §5, handlers invoked
// from interrupt/timer context must not block — a Callback should only
// touch lock-protected state or wake a thread via a rendezvous/monitor
// notify, never perform I/O.
type Callback func()

// Alarm is a one-shot or periodic timer.
type Alarm struct {
	ID        uuid.UUID
	callback  Callback
	interval  int64 // ticks
	startTime int64 // tick the alarm becomes eligible
	enabled   bool
	periodic  bool
	absolute  bool // which queue this alarm lives on

	nextFire int64
	index    int // heap.Interface bookkeeping; -1 when not queued
}

// New creates a disabled, uninstalled Alarm.
func New() *Alarm {
	return &Alarm{ID: uuid.New(), index: -1}
}

func (a *Alarm) SetCallback(cb Callback)   { a.callback = cb }
func (a *Alarm) SetInterval(ticks int64)   { a.interval = ticks }
func (a *Alarm) SetStartTime(tick int64)   { a.startTime = tick }
func (a *Alarm) SetPeriodic(periodic bool) { a.periodic = periodic }
func (a *Alarm) SetEnabled(enabled bool)   { a.enabled = enabled }

type alarmHeap []*Alarm

func (h alarmHeap) Len() int            { return len(h) }
func (h alarmHeap) Less(i, j int) bool  { return h[i].nextFire < h[j].nextFire }
func (h alarmHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *alarmHeap) Push(x any)         { a := x.(*Alarm); a.index = len(*h); *h = append(*h, a) }
func (h *alarmHeap) Pop() any {
	old := *h
	n := len(old)
	a := old[n-1]
	old[n-1] = nil
	a.index = -1
	*h = old[:n-1]
	return a
}

// Clock advances a logical tick counter and fires due alarms from
// either queue. Production code drives it from a real ticker; tests
// drive it by calling Advance directly.
type Clock struct {
	mu       sync.Mutex
	tick     int64
	absolute alarmHeap
	relative alarmHeap
}

func NewClock() *Clock {
	return &Clock{}
}

// Now returns the current logical tick.
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tick
}

// Register arms alarm a and queues it on the absolute or relative
// queue per a.absolute.
func (c *Clock) Register(a *Alarm, absolute bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a.absolute = absolute
	a.enabled = true
	base := c.tick
	if a.startTime > base {
		base = a.startTime
	}
	a.nextFire = base + a.interval
	c.queueFor(absolute).push(a)
}

// Cancel removes a from its queue if present.
func (c *Clock) Cancel(a *Alarm) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a.enabled = false
	if a.index < 0 {
		return
	}
	h := c.queueFor(a.absolute)
	heap.Remove(h.heapIface(), a.index)
}

type queueRef struct {
	h *alarmHeap
}

func (q queueRef) push(a *Alarm)          { heap.Push(q.heapIface(), a) }
func (q queueRef) heapIface() heap.Interface { return q.h }

func (c *Clock) queueFor(absolute bool) queueRef {
	if absolute {
		return queueRef{&c.absolute}
	}
	return queueRef{&c.relative}
}

// Advance moves the logical clock forward by n ticks and fires every
// alarm whose nextFire has been reached, in nextFire order across
// both queues. Periodic alarms are rearmed; one-shot alarms are
// disabled and dropped after firing.
func (c *Clock) Advance(n int64) {
	c.mu.Lock()
	c.tick += n
	now := c.tick
	var due []*Alarm
	for c.absolute.Len() > 0 && c.absolute[0].nextFire <= now {
		due = append(due, heap.Pop(&c.absolute).(*Alarm))
	}
	for c.relative.Len() > 0 && c.relative[0].nextFire <= now {
		due = append(due, heap.Pop(&c.relative).(*Alarm))
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].nextFire < due[j].nextFire })
	for _, a := range due {
		if a.periodic {
			a.nextFire = now + a.interval
			c.queueFor(a.absolute).push(a)
		} else {
			a.enabled = false
		}
	}
	c.mu.Unlock()

	for _, a := range due {
		if a.callback != nil {
			a.callback()
		}
	}
}

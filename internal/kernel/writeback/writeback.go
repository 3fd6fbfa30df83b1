// Package writeback implements the single kernel thread owned by the
// cache factory that periodically flushes dirty caches and reclaims
// standby pages (spec.md §4.9).
package writeback

import (
	"github.com/rs/zerolog"

	"github.com/gokernel/gokernel/internal/kernel/cache"
	"github.com/gokernel/gokernel/internal/kernel/pagepool"
	"github.com/gokernel/gokernel/internal/kernel/sched"
)

// Worker is the writeback thread's state: everything it needs to wait
// on the page pool's low-memory rendezvous, sweep the factory's
// changed-cache list, and age each one without blocking on contention.
type Worker struct {
	s        *sched.Scheduler
	table    *pagepool.PageTable
	factory  *cache.Factory
	log      zerolog.Logger
	interval int64
	// threshold is the delayed-write aging threshold in clock ticks
	// (spec.md §6: "delayed-write threshold (≈15s of tick time)").
	threshold int64

	thread *sched.Thread
}

// New builds a Worker. interval is how often it wakes on its own even
// absent a low-memory event; threshold is how stale a page's last sync
// must be before a periodic (non-forced) pass re-syncs it.
func New(s *sched.Scheduler, table *pagepool.PageTable, factory *cache.Factory, interval, threshold int64, log zerolog.Logger) *Worker {
	return &Worker{
		s:         s,
		table:     table,
		factory:   factory,
		log:       log.With().Str("component", "writeback").Logger(),
		interval:  interval,
		threshold: threshold,
	}
}

// Start spawns the worker's kernel thread at the given priority. The
// thread runs until its own Cancel is called and observed at the top
// of a sweep.
func (w *Worker) Start(priority int32) *sched.Thread {
	w.thread = w.s.NewThread(priority)
	w.s.Start(w.thread, w.run)
	return w.thread
}

// Thread returns the underlying kernel thread, e.g. so a caller can
// Cancel it during shutdown.
func (w *Worker) Thread() *sched.Thread { return w.thread }

func (w *Worker) run(t *sched.Thread) {
	force := true
	for {
		if t.TestCancel() {
			w.log.Debug().Msg("writeback thread cancelled, exiting")
			return
		}
		w.sweep(t, force)

		timedOut, err := w.table.WaitTimeout(t, w.interval)
		if err != nil {
			w.log.Debug().Err(err).Msg("writeback wait ended in cancellation")
			return
		}
		// A real Notify (not a timeout) means something is waiting on
		// memory right now, so the next pass should not skip pages
		// just because they are not yet stale.
		force = !timedOut
	}
}

// sweep tries every currently-dirty cache once, logs any sync
// failures without treating them as fatal (spec.md §7: "the writeback
// thread re-enters a failing page's sync on the next aging pass"), and
// notifies the page pool's low-memory rendezvous once no cache has
// any dirty pages left.
func (w *Worker) sweep(t *sched.Thread, force bool) {
	anyDirty := false
	for _, c := range w.factory.ChangedCaches() {
		tried, err := c.TryAge(t, w.threshold, force)
		if !tried {
			anyDirty = true
			w.s.Yield(t)
			continue
		}
		if err != nil {
			w.log.Warn().Err(err).Msg("cache aging pass reported errors, will retry next pass")
		}
		if c.HasDirtyPages() {
			anyDirty = true
		}
	}
	if !anyDirty {
		w.table.Notify(t)
	}
}

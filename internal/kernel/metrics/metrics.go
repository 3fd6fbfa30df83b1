// Package metrics exposes the kernel's internal runtime state as
// Prometheus collectors (spec.md §4.11 Introspection): page-pool
// free/standby/in-use gauges, scheduler running/ready/live thread
// gauges, and changed/standby cache gauges (there are no writeback
// pass counters), translated from the plain-struct
// BackendStats/ConcurrencyStats snapshots tinySQL's internal/storage
// package already keeps.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gokernel/gokernel/internal/kernel/cache"
	"github.com/gokernel/gokernel/internal/kernel/pagepool"
	"github.com/gokernel/gokernel/internal/kernel/sched"
)

// Registry owns one Prometheus registry scoped to a single kernel
// instance, so two kernels in the same process (as in tests) never
// collide on metric names.
type Registry struct {
	reg *prometheus.Registry

	pagesFree    prometheus.Gauge
	pagesStandby prometheus.Gauge
	pagesInUse   prometheus.Gauge

	schedRunning prometheus.Gauge
	schedReady   prometheus.Gauge
	schedLive    prometheus.Gauge

	cachesChanged prometheus.Gauge
	cachesStandby prometheus.Gauge
}

// New creates a Registry and registers every gokernel collector on a
// fresh, unexported *prometheus.Registry (never the global
// DefaultRegisterer, so embedding two kernels in one process is safe).
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		pagesFree: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "gokernel", Subsystem: "pagepool", Name: "free_pages",
			Help: "Number of physical frames currently on the free list.",
		}),
		pagesStandby: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "gokernel", Subsystem: "pagepool", Name: "standby_pages",
			Help: "Number of physical frames currently on the standby list.",
		}),
		pagesInUse: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "gokernel", Subsystem: "pagepool", Name: "inuse_pages",
			Help: "Number of physical frames currently referenced.",
		}),
		schedRunning: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "gokernel", Subsystem: "scheduler", Name: "running_threads",
			Help: "Number of threads currently admitted onto a virtual CPU.",
		}),
		schedReady: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "gokernel", Subsystem: "scheduler", Name: "ready_threads",
			Help: "Number of runnable threads waiting for CPU admission.",
		}),
		schedLive: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "gokernel", Subsystem: "scheduler", Name: "live_threads",
			Help: "Number of threads that have started and not yet terminated.",
		}),
		cachesChanged: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "gokernel", Subsystem: "cache", Name: "changed_caches",
			Help: "Number of caches currently holding at least one dirty page.",
		}),
		cachesStandby: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "gokernel", Subsystem: "cache", Name: "standby_caches",
			Help: "Number of caches with no dirty pages.",
		}),
	}
	return r
}

// Registerer exposes the underlying *prometheus.Registry for a
// consumer that wants to add its own collectors alongside gokernel's.
func (r *Registry) Registerer() prometheus.Registerer { return r.reg }

// Gatherer satisfies promhttp.Handler's dependency.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Sample pulls a fresh snapshot from table, s, and factory and updates
// every gauge. Call it just before scraping, or on a timer.
func (r *Registry) Sample(table *pagepool.PageTable, s *sched.Scheduler, factory *cache.Factory) {
	ps := table.Stats()
	r.pagesFree.Set(float64(ps.Free))
	r.pagesStandby.Set(float64(ps.Standby))
	r.pagesInUse.Set(float64(ps.InUse))

	ss := s.Stats()
	r.schedRunning.Set(float64(ss.Running))
	r.schedReady.Set(float64(ss.Ready))
	r.schedLive.Set(float64(ss.LiveThreads))

	cs := factory.Stats()
	r.cachesChanged.Set(float64(cs.Changed))
	r.cachesStandby.Set(float64(cs.Standby))
}

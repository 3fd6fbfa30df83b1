// Package gokernel assembles the arena, page pool, scheduler, cache
// factory, and writeback thread into a single runnable instance,
// mirroring the way SimonWaldherr-tinySQL's tinysql.go wires a
// lexer/parser/engine/catalog into one *tinysql.DB value (spec.md §6
// External Interfaces).
package gokernel

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/gokernel/gokernel/internal/kernel/arena"
	"github.com/gokernel/gokernel/internal/kernel/cache"
	"github.com/gokernel/gokernel/internal/kernel/heap"
	"github.com/gokernel/gokernel/internal/kernel/metrics"
	"github.com/gokernel/gokernel/internal/kernel/pagepool"
	"github.com/gokernel/gokernel/internal/kernel/sched"
	"github.com/gokernel/gokernel/internal/kernel/writeback"
)

// Config holds every tunable New needs, built up through the With*
// functional options (spec.md §4.10), the same chain-of-With*-calls
// shape tinySQL's cmd/server command uses to assemble its listener.
type Config struct {
	NumCPU             int
	NumPages           int
	PageSize           int
	SectorSize         int
	WritebackInterval  int64
	WritebackThreshold int64
	WritebackPriority  int32
	TickInterval       time.Duration
	HeapSize           int
	Logger             zerolog.Logger
}

// Option mutates a Config under construction.
type Option func(*Config)

// WithNumCPU sets how many virtual CPUs the scheduler admits threads
// onto concurrently. Default 1.
func WithNumCPU(n int) Option { return func(c *Config) { c.NumCPU = n } }

// WithPages sets the number of fixed-size frames the page pool
// manages and the size of each frame in bytes.
func WithPages(numPages, pageSize int) Option {
	return func(c *Config) { c.NumPages = numPages; c.PageSize = pageSize }
}

// WithSectorSize sets the unit in which caches track dirty bytes and
// write them back to the backing store (spec.md §4.5).
func WithSectorSize(n int) Option { return func(c *Config) { c.SectorSize = n } }

// WithWriteback sets the writeback thread's periodic wake interval
// and delayed-write aging threshold, both in scheduler clock ticks.
func WithWriteback(interval, threshold int64) Option {
	return func(c *Config) { c.WritebackInterval = interval; c.WritebackThreshold = threshold }
}

// WithWritebackPriority sets the priority the writeback thread runs
// at. Default 0 (lowest), since it should never starve application
// threads outside an actual low-memory event.
func WithWritebackPriority(p int32) Option { return func(c *Config) { c.WritebackPriority = p } }

// WithTickInterval sets the real wall-clock duration one scheduler
// clock tick represents. Alarms, sleeps, and the writeback thread's
// WaitTimeout are all expressed in ticks, advanced by a background
// goroutine started in New. Default 10ms.
func WithTickInterval(d time.Duration) Option { return func(c *Config) { c.TickInterval = d } }

// WithHeapSize sets the size in bytes of the arena backing the
// bucketed small-object allocator returned by Kernel.Heap. This is a
// second, independent arena from the one backing the page pool: small
// kernel-object allocation and page-frame allocation have different
// lifetimes and must not compete for the same cells (spec.md §4.3).
// Default 4MiB.
func WithHeapSize(n int) Option { return func(c *Config) { c.HeapSize = n } }

// WithLogger overrides the default logger. One zerolog.Logger is used
// for the kernel's own log lines and threaded into the writeback
// thread as a constructor argument, never a package-level global
// (spec.md §4.10); the page pool, scheduler and cache factory take no
// logger.
func WithLogger(l zerolog.Logger) Option { return func(c *Config) { c.Logger = l } }

func defaultConfig() Config {
	return Config{
		NumCPU:             1,
		NumPages:           1024,
		PageSize:           4096,
		SectorSize:         512,
		WritebackInterval:  50,
		WritebackThreshold: 1500,
		WritebackPriority:  0,
		TickInterval:       10 * time.Millisecond,
		HeapSize:           4 * 1024 * 1024,
		Logger:             zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger(),
	}
}

// Kernel is the assembled instance: an arena backing a page pool, a
// scheduler admitting threads onto it, a cache factory minting
// unified-cache instances over that page pool, and a writeback thread
// keeping the factory's changed caches clean.
type Kernel struct {
	cfg Config
	log zerolog.Logger

	arena     *arena.Arena
	heapArena *arena.Arena
	heap      *heap.Heap
	sched     *sched.Scheduler
	table     *pagepool.PageTable
	factory   *cache.Factory
	wb        *writeback.Worker
	metrics   *metrics.Registry

	stopTick chan struct{}
}

// New wires an arena, page pool, scheduler, cache factory, and
// writeback thread per cfg and starts the writeback thread running.
func New(opts ...Option) (*Kernel, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	log := cfg.Logger.With().Str("component", "kernel").Logger()

	a, err := arena.New(cfg.NumPages * cfg.PageSize)
	if err != nil {
		return nil, fmt.Errorf("gokernel: allocate arena: %w", err)
	}

	s := sched.New(cfg.NumCPU)
	table, err := pagepool.New(s, a, cfg.NumPages, cfg.PageSize)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("gokernel: build page pool: %w", err)
	}

	factory := cache.NewFactory(s, table, cfg.SectorSize)
	reg := metrics.New()

	ha, err := arena.New(cfg.HeapSize)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("gokernel: allocate heap arena: %w", err)
	}
	hp := heap.New(ha, cfg.PageSize)

	wb := writeback.New(s, table, factory, cfg.WritebackInterval, cfg.WritebackThreshold,
		log.With().Str("subcomponent", "writeback").Logger())
	wb.Start(cfg.WritebackPriority)

	k := &Kernel{
		cfg: cfg, log: log, arena: a, heapArena: ha, heap: hp,
		sched: s, table: table, factory: factory, wb: wb, metrics: reg,
		stopTick: make(chan struct{}),
	}
	go k.tick()

	log.Info().
		Int("num_pages", cfg.NumPages).
		Str("pool_size", humanize.Bytes(uint64(cfg.NumPages*cfg.PageSize))).
		Msg("kernel started")

	return k, nil
}

// tick drives the scheduler's logical clock from real wall-clock time
// until Close stops it, the same ticker-plus-stop-channel shape as
// the corpus's own internal/storage Scheduler.runIntervalScheduler.
func (k *Kernel) tick() {
	ticker := time.NewTicker(k.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			k.sched.Clock().Advance(1)
		case <-k.stopTick:
			return
		}
	}
}

// Scheduler returns the underlying thread scheduler, needed by any
// caller wanting to spawn its own threads against this kernel.
func (k *Kernel) Scheduler() *sched.Scheduler { return k.sched }

// PageTable returns the underlying page pool.
func (k *Kernel) PageTable() *pagepool.PageTable { return k.table }

// Heap returns the kernel's bucketed small-object allocator, used for
// driver-owned structures that don't belong in the page-pool's fixed
// frame size.
func (k *Kernel) Heap() *heap.Heap { return k.heap }

// NewCache mints a unified page cache over store, backed by this
// kernel's page pool, registered with the writeback factory.
func (k *Kernel) NewCache(store pagepool.BackingStore) (*cache.Cache, error) {
	return k.factory.CreateInstance(store)
}

// NewThread spawns a kernel thread at the given priority, recovering
// and logging any panic rather than crashing the whole process the
// way a single faulting device driver must not take down the rest of
// the kernel (spec.md §7: "a panicking thread is logged and
// terminated; it never takes other threads down with it").
func (k *Kernel) NewThread(priority int32, fn func(*sched.Thread)) *sched.Thread {
	t := k.sched.NewThread(priority)
	k.sched.Start(t, func(th *sched.Thread) {
		defer func() {
			if r := recover(); r != nil {
				k.log.Error().
					Interface("panic", r).
					Str("heap_in_use", humanize.Bytes(uint64(k.table.Stats().InUse*k.table.PageSize()))).
					Msg("kernel thread panicked, thread terminated")
			}
		}()
		fn(th)
	})
	return t
}

// Stats is a point-in-time snapshot across every subsystem, suitable
// for a /debug/vars-style endpoint or a periodic log line.
type Stats struct {
	Pages     pagepool.Stats
	Scheduler sched.Stats
	Caches    cache.Stats
}

// Stats gathers a fresh snapshot and refreshes the Prometheus gauges
// backing MetricsHandler in the same pass.
func (k *Kernel) Stats() Stats {
	k.metrics.Sample(k.table, k.sched, k.factory)
	return Stats{
		Pages:     k.table.Stats(),
		Scheduler: k.sched.Stats(),
		Caches:    k.factory.Stats(),
	}
}

// MetricsHandler returns an http.Handler serving this kernel's
// metrics in the Prometheus exposition format.
func (k *Kernel) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(k.metrics.Gatherer(), promhttp.HandlerOpts{})
}

// Close cancels the writeback thread, waits for it to exit, and
// releases the arena. It does not wait for any caller-spawned
// threads; the caller owns their lifecycle.
func (k *Kernel) Close() error {
	k.wb.Thread().Cancel()
	if err := k.sched.Join(k.wb.Thread()); err != nil {
		k.log.Warn().Err(err).Msg("writeback thread join failed during shutdown")
	}
	close(k.stopTick)
	if err := k.heapArena.Close(); err != nil {
		k.log.Warn().Err(err).Msg("heap arena close failed during shutdown")
	}
	return k.arena.Close()
}

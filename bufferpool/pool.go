// Package bufferpool implements the process-wide size-classed buffer cache
// described in spec §4.2: acquire/return with scoped loans, hit-rate
// accounting, and a background memory-pressure monitor that drives bounded
// eviction (spec §4.2, §5, §8 buffer-pool laws).
package bufferpool

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/go-musicfox/mediacore/mediaerr"
	"github.com/go-musicfox/mediacore/utils/mathx"
)

// HardCeiling is the absolute ceiling from spec §4.2: New clamps a configured
// MaxPoolBytes above it down to it for the lifetime of the Pool instance. The
// pressure monitor also measures pooled bytes against it.
const HardCeiling int64 = 32 << 20

const monitorInterval = 5 * time.Second

// Config configures one Pool instance (spec §6 configuration surface).
type Config struct {
	MaxPoolBytes        int64 // default ~16 MiB
	MaxBuffersPerClass  int   // default ~8
	PreallocateCommon   bool  // seed commonClasses at startup under Normal pressure
	Logger              *slog.Logger
}

// DefaultConfig returns the spec's default limits.
func DefaultConfig() Config {
	return Config{
		MaxPoolBytes:       16 << 20,
		MaxBuffersPerClass: 8,
		PreallocateCommon:  true,
	}
}

// Pool is a process-wide (or test-scoped — spec §9 DESIGN NOTES) buffer
// cache. The zero value is not usable; construct with New.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex // guards classes map: shared for lookup, exclusive for creation (spec §5)
	classes map[int64]*sizeClass

	recent atomic.Pointer[sizeClass] // most-recently-used class, a cheap hint in place of true goroutine-local storage

	pressure atomic.Int32 // Pressure, stored as int32

	sfGroup singleflight.Group

	stopOnce sync.Once
	stopCh   chan struct{}
	stopped  chan struct{}
}

// defaultPool is the process-wide default instance the HTTP handler and
// demultiplexers consult when none is injected (spec §9 DESIGN NOTES: the
// singleton is merely a default, tests use an isolated instance via New).
var defaultPool = New(DefaultConfig())

// Default returns the process-wide default Pool.
func Default() *Pool { return defaultPool }

// New constructs an isolated Pool with its own background monitor.
func New(cfg Config) *Pool {
	if cfg.MaxPoolBytes <= 0 {
		cfg.MaxPoolBytes = DefaultConfig().MaxPoolBytes
	}
	if cfg.MaxBuffersPerClass <= 0 {
		cfg.MaxBuffersPerClass = DefaultConfig().MaxBuffersPerClass
	}
	if cfg.MaxPoolBytes > HardCeiling {
		cfg.MaxPoolBytes = HardCeiling
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		cfg:     cfg,
		logger:  logger,
		classes: make(map[int64]*sizeClass),
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if cfg.PreallocateCommon {
		p.preallocate()
	}
	go p.monitorLoop()
	return p
}

func (p *Pool) preallocate() {
	for _, size := range commonClasses {
		c := p.classOrCreate(size)
		for i := 0; i < 2; i++ {
			// Pre-allocation is a hint; failure (e.g. hitting the class cap)
			// is ignored, per spec §4.2.
			c.give(make([]byte, size), p.cfg.MaxBuffersPerClass)
		}
	}
}

func (p *Pool) classOrCreate(size int64) *sizeClass {
	p.mu.RLock()
	c, ok := p.classes[size]
	p.mu.RUnlock()
	if ok {
		return c
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok = p.classes[size]; ok {
		return c
	}
	c = newSizeClass(size)
	p.classes[size] = c
	return c
}

// Acquire returns a Loan of a buffer at least n bytes long. Buffers below
// 1 KiB or above 1 MiB bypass the pool entirely (direct allocation, freed on
// Release). Every Acquire must be matched by exactly one Loan.Release, which
// the caller should defer immediately (spec §8 buffer-pool laws).
func (p *Pool) Acquire(n int) *Loan {
	size := classFor(int64(n))
	if size == 0 {
		return &Loan{pool: p, buf: make([]byte, n), size: int64(n)}
	}
	if recent := p.recent.Load(); recent != nil && recent.size == size {
		if buf := recent.take(); buf != nil {
			return &Loan{pool: p, class: recent, buf: buf[:n], size: size}
		}
	}
	c := p.classOrCreate(size)
	p.recent.Store(c)
	buf := c.take()
	if buf == nil {
		buf = make([]byte, size)
	}
	return &Loan{pool: p, class: c, buf: buf[:n], size: size}
}

// release returns buf to its class, subject to the current effective limits;
// if the class or pool is already at capacity the buffer is dropped (freed).
func (p *Pool) release(class *sizeClass, buf []byte) {
	if class == nil {
		return // direct allocation, nothing to return
	}
	eff := p.effectiveFor(p.Pressure())
	if p.totalPooledBytes() >= eff.maxPoolBytes {
		return
	}
	class.give(buf, eff.maxPerClass)
}

// Pressure returns the current memory-pressure level.
func (p *Pool) Pressure() Pressure { return Pressure(p.pressure.Load()) }

func (p *Pool) totalPooledBytes() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var total int64
	for _, c := range p.classes {
		total += c.pooledBytes()
	}
	return total
}

// Stats is the process-wide pool snapshot (spec §9 SUPPLEMENTED FEATURES,
// mirrored from original_source's BufferPool::PoolStats).
type Stats struct {
	TotalBuffers      int
	TotalMemoryBytes  int64
	LargestBufferSize int64
	Pressure          Pressure
}

func (p *Pool) Stat() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var s Stats
	s.Pressure = p.Pressure()
	for size, c := range p.classes {
		n := c.pooledCount()
		s.TotalBuffers += n
		s.TotalMemoryBytes += int64(n) * size
		if n > 0 && size > s.LargestBufferSize {
			s.LargestBufferSize = size
		}
	}
	return s
}

// ClassStat reports hit-rate accounting for one size class, or ok=false if
// that class has never been touched.
func (p *Pool) ClassStat(size int64) (hits, misses uint64, hitRate float64, ok bool) {
	p.mu.RLock()
	c, exists := p.classes[size]
	p.mu.RUnlock()
	if !exists {
		return 0, 0, 0, false
	}
	c.mu.Lock()
	hits, misses = c.hits, c.misses
	c.mu.Unlock()
	return hits, misses, c.hitRate(), true
}

// Close stops the background pressure monitor. It does not release pooled
// memory.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.stopped
}

func (p *Pool) monitorLoop() {
	defer close(p.stopped)
	defer mediaerr.Recover(p.logger, true)
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.recompute()
		}
	}
}

// recompute recomputes pressure and, on a level transition, reapplies
// effective limits and evicts if necessary (spec §4.2). Concurrent calls
// (e.g. from multiple byte streams poking the monitor under heavy I/O) are
// collapsed with singleflight so only one recompute actually runs at a time.
func (p *Pool) recompute() {
	_, _, _ = p.sfGroup.Do("recompute", func() (any, error) {
		pooled := p.totalPooledBytes()
		newPressure := pressureFromUsage(pooled, HardCeiling)
		old := Pressure(p.pressure.Swap(int32(newPressure)))
		if old != newPressure {
			p.logger.Debug("buffer pool pressure transition",
					"from", old, "to", newPressure, "pooled", mathx.FormatBytes(pooled))
		}
		eff := p.effectiveFor(newPressure)
		if pooled > eff.maxPoolBytes {
			p.evict(newPressure, eff)
		}
		return nil, nil
	})
}

// classEntry pairs a size class with its size for eviction-order sorting.
type classEntry struct {
	size int64
	c    *sizeClass
}

// evict implements the §4.2 eviction policy for the given pressure level.
func (p *Pool) evict(pressure Pressure, eff effectiveLimits) {
	p.mu.RLock()
	entries := make([]classEntry, 0, len(p.classes))
	for size, c := range p.classes {
		entries = append(entries, classEntry{size, c})
	}
	p.mu.RUnlock()

	switch pressure {
	case PressureNormal:
		// Largest buffers first: release memory fastest.
		sort.Slice(entries, func(i, j int) bool { return entries[i].size > entries[j].size })
	case PressureHigh:
		// Lowest hit-rate first, preferring classes materially larger than
		// their neighbours (approximated here as "larger than the median
		// class size", since "neighbour" size classes are the adjacent
		// powers of two).
		median := medianSize(entries)
		sort.Slice(entries, func(i, j int) bool {
			hi, hj := entries[i].c.hitRate(), entries[j].c.hitRate()
			if hi != hj {
				return hi < hj
			}
			return entries[i].size > median && entries[j].size <= median
		})
	default: // PressureCritical
		sort.Slice(entries, func(i, j int) bool { return entries[i].c.hitRate() < entries[j].c.hitRate() })
	}

	keepAtLeast := 0
	if pressure == PressureCritical {
		keepAtLeast = 1 // no class is evicted below one buffer
	}

	total := p.totalPooledBytes()
	for _, e := range entries {
		if total <= eff.maxPoolBytes {
			break
		}
		freed := e.c.evict(eff.evictFactor, keepAtLeast)
		total -= freed
	}
}

func medianSize(entries []classEntry) int64 {
	if len(entries) == 0 {
		return 0
	}
	sizes := make([]int64, len(entries))
	for i, e := range entries {
		sizes[i] = e.size
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i] < sizes[j] })
	return sizes[len(sizes)/2]
}

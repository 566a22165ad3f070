package bufferpool

import "sync"

// sizeClass holds the free-list and hit/miss counters for one pool size
// class. Each class owns its own mutex guarding its free-list and counters
// (spec §4.2/§5 concurrency model).
type sizeClass struct {
	size int64

	mu    sync.Mutex
	free  [][]byte
	hits  uint64
	misses uint64
}

func newSizeClass(size int64) *sizeClass {
	return &sizeClass{size: size}
}

// take pops a free buffer off the class, or returns nil if the free-list is
// empty. Counts a hit or miss accordingly.
func (c *sizeClass) take() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.free)
	if n == 0 {
		c.misses++
		return nil
	}
	buf := c.free[n-1]
	c.free = c.free[:n-1]
	c.hits++
	return buf
}

// give pushes buf back onto the class free-list, bounded by maxBuffers.
// Returns false (caller must free buf) if the class is already at its cap.
func (c *sizeClass) give(buf []byte, maxBuffers int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.free) >= maxBuffers {
		return false
	}
	c.free = append(c.free, buf[:cap(buf)])
	return true
}

func (c *sizeClass) pooledCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.free)
}

func (c *sizeClass) pooledBytes() int64 {
	return int64(c.pooledCount()) * c.size
}

// hitRate returns hits/(hits+misses), or 0 when there is no history.
func (c *sizeClass) hitRate() float64 {
	c.mu.Lock()
	h, m := c.hits, c.misses
	c.mu.Unlock()
	total := h + m
	if total == 0 {
		return 0
	}
	return float64(h) / float64(total)
}

// evict drops a fraction of the class's free buffers (largest-size-class
// eviction order is decided by the caller, which chooses *which* classes to
// call evict on; within a class there is no further ordering since buffers
// of one class are equal-sized).
func (c *sizeClass) evict(factor float64, keepAtLeast int) (freed int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.free)
	if n <= keepAtLeast {
		return 0
	}
	drop := int(float64(n) * factor)
	if n-drop < keepAtLeast {
		drop = n - keepAtLeast
	}
	if drop <= 0 {
		return 0
	}
	c.free = c.free[:n-drop]
	return int64(drop) * c.size
}

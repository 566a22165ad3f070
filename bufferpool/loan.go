package bufferpool

import "sync"

// Loan is a scoped handle owning a pooled (or directly-allocated, for sizes
// outside the pooled range) buffer for the duration of its lifetime. Return
// is explicit via Release rather than automatic on GC, since Go has no
// deterministic destructors; callers must defer Release immediately after
// Acquire (spec §8: "For every acquire, exactly one return occurs on the
// scope boundary, including panic/error paths").
type Loan struct {
	pool  *Pool
	class *sizeClass // nil for unpooled (direct) allocations
	buf   []byte
	size  int64

	once sync.Once
}

// Bytes returns the loaned buffer, sized to the originally requested length
// (its capacity may be larger, rounded up to the size class).
func (l *Loan) Bytes() []byte { return l.buf }

// Release returns the buffer to its pool. Safe to call multiple times (only
// the first call has effect) and safe to call after a panic via defer.
func (l *Loan) Release() {
	l.once.Do(func() {
		l.pool.release(l.class, l.buf)
		l.buf = nil
	})
}

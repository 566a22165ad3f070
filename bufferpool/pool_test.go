package bufferpool

import (
	"sync"
	"testing"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	p := New(Config{MaxPoolBytes: 1 << 20, MaxBuffersPerClass: 4, PreallocateCommon: false})
	defer p.Close()

	loan := p.Acquire(4096)
	if len(loan.Bytes()) != 4096 {
		t.Fatalf("got %d bytes, want 4096", len(loan.Bytes()))
	}
	loan.Release()

	loan2 := p.Acquire(4096)
	defer loan2.Release()
	if len(loan2.Bytes()) != 4096 {
		t.Fatalf("got %d bytes, want 4096", len(loan2.Bytes()))
	}

	hits, _, _, ok := p.ClassStat(4096)
	if !ok || hits == 0 {
		t.Fatalf("expected at least one hit on the 4096 class, got hits=%d ok=%v", hits, ok)
	}
}

func TestClassForRounding(t *testing.T) {
	cases := []struct {
		in, want int64
	}{
		{500, 0},        // below 1 KiB: unpooled
		{1024, 1024},    // exactly 1 KiB
		{1025, 2048},
		{1 << 20, 1 << 20},
		{(1 << 20) + 1, 0}, // above 1 MiB: unpooled
	}
	for _, c := range cases {
		if got := classFor(c.in); got != c.want {
			t.Errorf("classFor(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestUnpooledSizesAllocateDirectly(t *testing.T) {
	p := New(Config{PreallocateCommon: false})
	defer p.Close()

	loan := p.Acquire(10)
	defer loan.Release()
	if len(loan.Bytes()) != 10 {
		t.Fatalf("got %d, want 10", len(loan.Bytes()))
	}
}

func TestReleaseIsIdempotentAndConcurrentSafe(t *testing.T) {
	p := New(Config{PreallocateCommon: false})
	defer p.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := p.Acquire(4096)
			l.Release()
			l.Release() // idempotent
		}()
	}
	wg.Wait()
}

func TestPooledBytesNeverExceedsEffectiveMax(t *testing.T) {
	p := New(Config{MaxPoolBytes: 64 << 10, MaxBuffersPerClass: 100, PreallocateCommon: false})
	defer p.Close()

	var loans []*Loan
	for i := 0; i < 64; i++ {
		loans = append(loans, p.Acquire(4096))
	}
	for _, l := range loans {
		l.Release()
	}

	stat := p.Stat()
	if stat.TotalMemoryBytes > p.cfg.MaxPoolBytes {
		t.Fatalf("pooled bytes %d exceeds max %d", stat.TotalMemoryBytes, p.cfg.MaxPoolBytes)
	}
}

func TestCriticalPressureEvictsToQuarter(t *testing.T) {
	p := New(Config{MaxPoolBytes: 1 << 20, MaxBuffersPerClass: 100, PreallocateCommon: false})
	defer p.Close()

	var loans []*Loan
	for i := 0; i < 100; i++ {
		loans = append(loans, p.Acquire(4096))
	}
	for _, l := range loans {
		l.Release()
	}

	p.evict(PressureCritical, p.effectiveFor(PressureCritical))

	stat := p.Stat()
	if stat.TotalMemoryBytes > p.cfg.MaxPoolBytes/4 {
		t.Fatalf("pooled bytes %d exceeds quarter-max after critical eviction", stat.TotalMemoryBytes)
	}
}

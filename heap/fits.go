package heap

// Fits reports whether a pool is large enough for a request.
//
// Implementations must be monotonic over the heap's pool order: once Fits
// holds for pool i it holds for every pool after i. Binary search relies on
// this to find the first fitting pool.
type Fits interface {
	Fits(p *Pool) bool
}

// Addr is a block address used to locate its owning pool.
type Addr uintptr

// Fits reports whether l.Size fits in one block of p. Pools are ordered by
// block size, so this is monotonic.
//
// Alignment is not part of the predicate because pool alignment is not
// monotonic in block size. Allocate checks it during the forward scan.
func (l Layout) Fits(p *Pool) bool {
	return uintptr(l.Size) <= p.blockSize
}

// Fits reports whether a lies below p's exclusive upper bound. Pools are
// ordered by address with disjoint ranges, so this is monotonic and the first
// fitting pool is the one whose range can contain a.
func (a Addr) Fits(p *Pool) bool {
	return uintptr(a) < p.start+p.extent
}

// aligns reports whether every block of p satisfies l's alignment.
func (l Layout) aligns(p *Pool) bool {
	return l.align() <= p.alignment
}

// search returns the index of the first pool for which f holds, or len(pools)
// when none does.
func search(pools []Pool, f Fits) int {
	lo, hi := 0, len(pools)
	for hi > lo {
		mid := lo + (hi-lo)>>1
		if f.Fits(&pools[mid]) {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

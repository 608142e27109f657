package segment

import (
	"math"
	"sort"
	"sync"
)

// mergeTolerance absorbs rounding between timelines computed from different timescales.
const mergeTolerance = 1e-3

// Index is an ordered, mutable collection of segment references for one stream.
//
// References are ordered by start time and never overlap. Positions are
// absolute: evicting references does not change the position of the ones that
// remain, so a reader can hold a position across updates. The index may be
// read while another goroutine extends it.
type Index struct {
	mu         sync.RWMutex
	refs       []*Reference
	numEvicted int
	pins       map[int]int
	released   bool
}

// NewIndex creates an index from refs, sorting them by start time and
// dropping any reference that would overlap its predecessor.
func NewIndex(refs []*Reference) *Index {
	ix := &Index{pins: make(map[int]int)}
	ix.refs = normalize(refs)
	return ix
}

func normalize(refs []*Reference) []*Reference {
	sorted := make([]*Reference, 0, len(refs))
	for _, r := range refs {
		if r != nil {
			sorted = append(sorted, r)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	out := sorted[:0]
	for _, r := range sorted {
		if n := len(out); n > 0 && r.Start < out[n-1].End-mergeTolerance {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Len returns the number of references currently held.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.refs)
}

// NumEvicted returns how many references have been evicted from the front.
func (ix *Index) NumEvicted() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.numEvicted
}

// Find returns the absolute position of the reference containing t.
// A time before the first reference maps to the first one.
func (ix *Index) Find(t float64) (int, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(ix.refs) == 0 {
		return 0, false
	}
	i := sort.Search(len(ix.refs), func(i int) bool { return ix.refs[i].End > t })
	if i == len(ix.refs) {
		return 0, false
	}
	// A t falling in a gap maps to the next segment.
	return ix.numEvicted + i, true
}

// Get returns the reference at an absolute position, or nil.
func (ix *Index) Get(pos int) *Reference {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	i := pos - ix.numEvicted
	if i < 0 || i >= len(ix.refs) {
		return nil
	}
	return ix.refs[i]
}

// First returns the earliest reference, or nil.
func (ix *Index) First() *Reference {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if len(ix.refs) == 0 {
		return nil
	}
	return ix.refs[0]
}

// Last returns the latest reference, or nil.
func (ix *Index) Last() *Reference {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if len(ix.refs) == 0 {
		return nil
	}
	return ix.refs[len(ix.refs)-1]
}

// References returns a copy of the current references.
func (ix *Index) References() []*Reference {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]*Reference, len(ix.refs))
	copy(out, ix.refs)
	return out
}

// Reconcile replaces the references from the first new start time onwards
// with refs. References equal in time span to a new one are kept by identity,
// so a download already holding them is unaffected. References that start
// before refs[0] are left for Evict.
func (ix *Index) Reconcile(refs []*Reference) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.released {
		return
	}
	incoming := normalize(refs)
	if len(incoming) == 0 {
		ix.dropUnpinned()
		return
	}

	existing := make(map[int64]*Reference, len(ix.refs))
	keep := ix.refs[:0:0]
	for _, r := range ix.refs {
		if r.End <= incoming[0].Start+mergeTolerance && r.Start < incoming[0].Start-mergeTolerance {
			keep = append(keep, r)
			continue
		}
		existing[timeKey(r.Start)] = r
	}
	for _, r := range incoming {
		if old, ok := existing[timeKey(r.Start)]; ok && math.Abs(old.End-r.End) < mergeTolerance {
			keep = append(keep, old)
			continue
		}
		keep = append(keep, r)
	}
	ix.refs = keep
}

// dropUnpinned empties the index except for the span between the first and
// last pinned references. Leading drops count as evictions so positions of
// the remaining references do not move.
func (ix *Index) dropUnpinned() {
	first, last := -1, -1
	for i := range ix.refs {
		if ix.pins[ix.numEvicted+i] > 0 {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		ix.numEvicted += len(ix.refs)
		ix.refs = nil
		return
	}
	ix.refs = append(ix.refs[:0:0], ix.refs[first:last+1]...)
	ix.numEvicted += first
}

func timeKey(t float64) int64 {
	return int64(math.Round(t / mergeTolerance))
}

// Evict removes references that end at or before windowStart. It stops at
// the first pinned reference so in-flight requests keep their segment.
func (ix *Index) Evict(windowStart float64) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	n := 0
	for n < len(ix.refs) && ix.refs[n].End <= windowStart {
		if ix.pins[ix.numEvicted+n] > 0 {
			break
		}
		n++
	}
	if n == 0 {
		return 0
	}
	ix.refs = append(ix.refs[:0:0], ix.refs[n:]...)
	ix.numEvicted += n
	return n
}

// Fit drops references that start at or after windowEnd and clamps the last
// one to end at windowEnd. References ending before windowStart are evicted.
func (ix *Index) Fit(windowStart, windowEnd float64) {
	ix.Evict(windowStart)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if math.IsInf(windowEnd, 1) || math.IsNaN(windowEnd) {
		return
	}
	i := len(ix.refs)
	for i > 0 && ix.refs[i-1].Start >= windowEnd-mergeTolerance {
		i--
	}
	ix.refs = ix.refs[:i]
	if i > 0 && ix.refs[i-1].End > windowEnd {
		last := *ix.refs[i-1]
		last.End = windowEnd
		ix.refs[i-1] = &last
	}
}

// Pin protects the reference at pos from eviction until the returned
// function is called.
func (ix *Index) Pin(pos int) (func(), bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	i := pos - ix.numEvicted
	if i < 0 || i >= len(ix.refs) {
		return func() {}, false
	}
	ix.pins[pos]++
	var once sync.Once
	return func() {
		once.Do(func() {
			ix.mu.Lock()
			defer ix.mu.Unlock()
			if ix.pins[pos]--; ix.pins[pos] <= 0 {
				delete(ix.pins, pos)
			}
		})
	}, true
}

// Release drops all references. Further updates are ignored.
func (ix *Index) Release() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.refs = nil
	ix.released = true
}

// Released reports whether Release has been called.
func (ix *Index) Released() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.released
}

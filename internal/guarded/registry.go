package guarded

import (
	"sort"
	"sync"
)

// The fault handler must map a faulting address back to the region it
// belongs to without allocating: it runs while unwinding an interrupted
// call. Ranges are kept in a sorted slice with capacity reserved up front;
// inserts and removals happen on the ordinary Reserve/Free paths where
// allocation is fine, Lookup stays allocation-free.

type addrRange struct {
	start, end uintptr // [start, end)
	kind       Kind
}

var ranges = struct {
	mu sync.Mutex
	s  []addrRange
}{s: make([]addrRange, 0, 64)}

func registerRange(start, end uintptr, kind Kind) {
	ranges.mu.Lock()
	defer ranges.mu.Unlock()
	i := sort.Search(len(ranges.s), func(i int) bool { return ranges.s[i].start >= start })
	ranges.s = append(ranges.s, addrRange{})
	copy(ranges.s[i+1:], ranges.s[i:])
	ranges.s[i] = addrRange{start: start, end: end, kind: kind}
}

func unregisterRange(start uintptr) {
	ranges.mu.Lock()
	defer ranges.mu.Unlock()
	i := sort.Search(len(ranges.s), func(i int) bool { return ranges.s[i].start >= start })
	if i < len(ranges.s) && ranges.s[i].start == start {
		ranges.s = append(ranges.s[:i], ranges.s[i+1:]...)
	}
}

// LookupKind reports which kind of region owns addr. ok is false when the
// address belongs to no tracked reservation, e.g. a stray fault in host
// code.
func LookupKind(addr uintptr) (kind Kind, ok bool) {
	ranges.mu.Lock()
	defer ranges.mu.Unlock()
	s := ranges.s
	// Find the first range starting after addr; the candidate is the one
	// before it.
	i := sort.Search(len(s), func(i int) bool { return s[i].start > addr })
	if i == 0 {
		return 0, false
	}
	if r := s[i-1]; addr < r.end {
		return r.kind, true
	}
	return 0, false
}

// Package guarded implements the virtual address space allocator backing
// linear memories and tables. Each Region reserves its declared maximum up
// front plus a permanently inaccessible guard tail, and commits pages on
// demand as the owner grows. Compiled code that overruns the accessible
// window by less than the guard size lands on an unmapped page and faults
// instead of corrupting adjacent heap data.
package guarded

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/kestrelvm/kestrel/internal/platform"
)

var (
	// ErrCapacityExceeded is returned by Grow when the requested accessible
	// size exceeds the capacity the region was reserved with.
	ErrCapacityExceeded = errors.New("requested size exceeds reserved capacity")
	// ErrAllocationFailed is returned by Reserve or Grow when the operating
	// system cannot back the requested pages. The region is unchanged and
	// remains usable at its prior size.
	ErrAllocationFailed = errors.New("cannot commit pages")
)

// Kind tells the fault classifier what a region backs.
type Kind byte

const (
	KindMemory Kind = iota
	KindTable
)

// Region is one contiguous reservation. The committed prefix is backed by
// real memory; the accessible prefix (never larger) is the window the owner
// may legally touch. Bytes past the reserved capacity up to the end of the
// mapping form the guard tail and stay inaccessible for the region's
// lifetime.
type Region struct {
	mem        []byte // the whole mapping, including the guard tail
	capacity   uint64 // usable bytes, i.e. len(mem) - guardSize
	guardSize  uint64
	committed  uint64 // page multiple, committed read-write
	accessible uint64 // <= committed
}

// Reserve maps capacity+guard bytes of address space, commits enough pages
// for min bytes, and registers the range for fault classification.
func Reserve(min, capacity, guard uint64, kind Kind) (*Region, error) {
	if min > capacity {
		return nil, fmt.Errorf("%w: min %d > capacity %d", ErrCapacityExceeded, min, capacity)
	}
	capacity = platform.RoundUpToPage(capacity)
	guard = platform.RoundUpToPage(guard)
	if guard == 0 {
		guard = uint64(platform.PageSize())
	}

	total := capacity + guard
	mem, err := platform.ReserveAddressSpace(int(total))
	if err != nil {
		return nil, fmt.Errorf("%w: reserving %d bytes: %v", ErrAllocationFailed, total, err)
	}

	r := &Region{mem: mem, capacity: capacity, guardSize: guard}
	if err = r.Grow(min); err != nil {
		_ = platform.FreeAddressSpace(mem)
		return nil, err
	}
	registerRange(r.Base(), r.Base()+uintptr(total), kind)
	return r, nil
}

// Grow extends the accessible window to newAccessible bytes, committing
// pages first when the window passes the committed prefix. Growth is
// monotonic: requests at or below the current size are no-ops. On failure
// the committed and accessible sizes are unchanged.
func (r *Region) Grow(newAccessible uint64) error {
	if newAccessible > r.capacity {
		return fmt.Errorf("%w: %d > %d", ErrCapacityExceeded, newAccessible, r.capacity)
	}
	if newAccessible <= r.accessible {
		return nil
	}
	if needed := platform.RoundUpToPage(newAccessible); needed > r.committed {
		if err := platform.CommitPages(r.mem[r.committed:needed]); err != nil {
			return fmt.Errorf("%w: %v", ErrAllocationFailed, err)
		}
		r.committed = needed
	}
	r.accessible = newAccessible
	return nil
}

// Bytes returns the accessible window. The slice is re-derived after each
// Grow; callers must not retain it across growth.
func (r *Region) Bytes() []byte {
	return r.mem[:r.accessible:r.accessible]
}

// Base returns the address of the first byte of the region. It never
// changes: growth commits pages in place.
func (r *Region) Base() uintptr {
	return uintptr(unsafe.Pointer(&r.mem[0]))
}

// Accessible returns the size of the window the owner may touch.
func (r *Region) Accessible() uint64 { return r.accessible }

// Committed returns the number of bytes currently backed by real memory.
func (r *Region) Committed() uint64 { return r.committed }

// Capacity returns the usable reservation size, excluding the guard tail.
func (r *Region) Capacity() uint64 { return r.capacity }

// GuardSize returns the size of the permanently inaccessible tail.
func (r *Region) GuardSize() uint64 { return r.guardSize }

// Free unregisters and unmaps the whole reservation. The region must not
// be used afterwards.
func (r *Region) Free() error {
	if r.mem == nil {
		return nil
	}
	unregisterRange(r.Base())
	err := platform.FreeAddressSpace(r.mem)
	r.mem = nil
	r.accessible, r.committed = 0, 0
	return err
}

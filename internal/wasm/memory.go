package wasm

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/kestrelvm/kestrel/internal/guarded"
	"github.com/kestrelvm/kestrel/internal/vmctx"
)

const (
	// MemoryPageSize is the WebAssembly page size, 2^16.
	MemoryPageSize = uint32(65536)
	// MemoryMaxPages is the largest page count expressible, 2^16 (4GiB).
	MemoryMaxPages = uint32(65536)
	// MemoryPageSizeInBits satisfies 1 << MemoryPageSizeInBits == MemoryPageSize.
	MemoryPageSizeInBits = 16

	// DefaultGuardSize is the guard tail reserved past each memory's
	// declared maximum. It must be at least the widest single access plus
	// the largest immediate offset compiled code emits without an explicit
	// bounds check; the margin here is a fuzz-validated configuration
	// constant, not a law.
	DefaultGuardSize = uint64(4 << 20)
)

// Memory is one linear memory: a growable byte window over a guarded
// region reserved up front at the declared maximum. The base address never
// changes; growth commits pages in place, so only the length in VMContext
// needs refreshing after a grow.
//
// A Memory is owned by its defining instance and may be shared by import;
// reference counting keeps the region mapped until the last holder closes.
type Memory struct {
	// Buffer is the accessible window, re-derived after each Grow.
	Buffer []byte

	region   *guarded.Region
	min, max uint32 // pages
	refs     int32

	// holders are the VMContexts carrying this memory's {base, length}
	// pair, keyed to their slot. A shared memory may appear in several
	// instances' contexts; all of them must observe a grow.
	holdersMu sync.Mutex
	holders   map[*vmctx.Context]int
}

// MemoryPagesToBytesNum converts pages to bytes.
func MemoryPagesToBytesNum(pages uint32) uint64 {
	return uint64(pages) << MemoryPageSizeInBits
}

func memoryBytesNumToPages(bytesNum uint64) uint32 {
	return uint32(bytesNum >> MemoryPageSizeInBits)
}

// NewMemory reserves a guarded region for the declared limits and commits
// the minimum page count. An absent maximum reserves MemoryMaxPages.
func NewMemory(limits Limits, guardSize uint64) (*Memory, error) {
	max := limits.maxOrDefault(MemoryMaxPages)
	if max > MemoryMaxPages {
		return nil, fmt.Errorf("%w: maximum %d pages over %d", ErrGrowLimitExceeded, max, MemoryMaxPages)
	}
	if limits.Min > max {
		return nil, fmt.Errorf("%w: minimum %d pages over maximum %d", ErrGrowLimitExceeded, limits.Min, max)
	}
	if guardSize == 0 {
		guardSize = DefaultGuardSize
	}
	region, err := guarded.Reserve(
		MemoryPagesToBytesNum(limits.Min),
		MemoryPagesToBytesNum(max),
		guardSize,
		guarded.KindMemory,
	)
	if err != nil {
		return nil, err
	}
	m := &Memory{region: region, min: limits.Min, max: max, refs: 1}
	m.Buffer = region.Bytes()
	return m, nil
}

// Pages returns the current page count.
func (m *Memory) Pages() uint32 {
	return memoryBytesNumToPages(uint64(len(m.Buffer)))
}

// Min returns the declared minimum page count.
func (m *Memory) Min() uint32 { return m.min }

// Max returns the effective maximum page count.
func (m *Memory) Max() uint32 { return m.max }

// Size returns the accessible byte length. At MemoryMaxPages the true
// length is 1<<32 and does not fit; callers needing the exact value use
// sizeInBytes, which is also what gets written into VMContext.
func (m *Memory) Size() uint32 {
	return uint32(len(m.Buffer))
}

// sizeInBytes is the accessible byte length without truncation. A memory
// grown to MemoryMaxPages is exactly 1<<32 bytes, one past uint32.
func (m *Memory) sizeInBytes() uint64 {
	return uint64(len(m.Buffer))
}

// BasePointer returns the address of byte zero, the value written into
// VMContext. Stable across growth.
func (m *Memory) BasePointer() uintptr {
	return m.region.Base()
}

// Grow extends the memory by deltaPages and returns the prior page count.
// It is the only mutator of the memory's size: growth is monotonic, fails
// with ErrGrowLimitExceeded past the maximum and with
// guarded.ErrAllocationFailed when the OS cannot back the pages, and in
// either failure leaves the memory unchanged. On success every bound
// VMContext's length field is refreshed before Grow returns, so compiled
// code in any sharing instance observes the new size.
func (m *Memory) Grow(deltaPages uint32) (uint32, error) {
	currentPages := m.Pages()
	newPages := uint64(currentPages) + uint64(deltaPages)
	if newPages > uint64(m.max) {
		return 0, fmt.Errorf("%w: %d pages over maximum %d", ErrGrowLimitExceeded, newPages, m.max)
	}
	if err := m.region.Grow(MemoryPagesToBytesNum(uint32(newPages))); err != nil {
		return 0, err
	}
	m.Buffer = m.region.Bytes()
	m.refreshHolders()
	return currentPages, nil
}

// bind writes the memory's {base, length} pair into slot of ctx and
// registers ctx to be refreshed on growth.
func (m *Memory) bind(ctx *vmctx.Context, slot int) {
	m.holdersMu.Lock()
	if m.holders == nil {
		m.holders = map[*vmctx.Context]int{}
	}
	m.holders[ctx] = slot
	m.holdersMu.Unlock()
	ctx.PutMemory(slot, m.BasePointer(), m.sizeInBytes())
}

// unbind stops refreshing ctx; called when the holding instance closes.
func (m *Memory) unbind(ctx *vmctx.Context) {
	m.holdersMu.Lock()
	delete(m.holders, ctx)
	m.holdersMu.Unlock()
}

func (m *Memory) refreshHolders() {
	m.holdersMu.Lock()
	defer m.holdersMu.Unlock()
	for ctx, slot := range m.holders {
		ctx.PutMemory(slot, m.BasePointer(), m.sizeInBytes())
	}
}

// The helpers below run outside compiled code, so they carry explicit
// bounds checks instead of relying on the guard pages: data segment
// initialization and host-side copies must never fault.

// hasSize returns true if the memory covers sizeInBytes at offset.
func (m *Memory) hasSize(offset uint32, sizeInBytes uint32) bool {
	return uint64(offset)+uint64(sizeInBytes) <= m.sizeInBytes() // uint64 prevents overflow on add
}

// ReadByte reads the byte at offset.
func (m *Memory) ReadByte(offset uint32) (byte, bool) {
	if uint64(offset) >= m.sizeInBytes() {
		return 0, false
	}
	return m.Buffer[offset], true
}

// ReadUint32Le reads a little-endian uint32 at offset.
func (m *Memory) ReadUint32Le(offset uint32) (uint32, bool) {
	if !m.hasSize(offset, 4) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(m.Buffer[offset : offset+4]), true
}

// ReadUint64Le reads a little-endian uint64 at offset.
func (m *Memory) ReadUint64Le(offset uint32) (uint64, bool) {
	if !m.hasSize(offset, 8) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(m.Buffer[offset : offset+8]), true
}

// ReadFloat64Le reads a little-endian float64 at offset.
func (m *Memory) ReadFloat64Le(offset uint32) (float64, bool) {
	v, ok := m.ReadUint64Le(offset)
	if !ok {
		return 0, false
	}
	return math.Float64frombits(v), true
}

// Read returns a view of byteCount bytes at offset. The view aliases the
// memory and is invalidated by Grow.
func (m *Memory) Read(offset, byteCount uint32) ([]byte, bool) {
	if !m.hasSize(offset, byteCount) {
		return nil, false
	}
	return m.Buffer[offset : offset+byteCount : offset+byteCount], true
}

// WriteByte writes the byte at offset.
func (m *Memory) WriteByte(offset uint32, v byte) bool {
	if uint64(offset) >= m.sizeInBytes() {
		return false
	}
	m.Buffer[offset] = v
	return true
}

// WriteUint32Le writes a little-endian uint32 at offset.
func (m *Memory) WriteUint32Le(offset, v uint32) bool {
	if !m.hasSize(offset, 4) {
		return false
	}
	binary.LittleEndian.PutUint32(m.Buffer[offset:], v)
	return true
}

// WriteUint64Le writes a little-endian uint64 at offset.
func (m *Memory) WriteUint64Le(offset uint32, v uint64) bool {
	if !m.hasSize(offset, 8) {
		return false
	}
	binary.LittleEndian.PutUint64(m.Buffer[offset:], v)
	return true
}

// WriteFloat64Le writes a little-endian float64 at offset.
func (m *Memory) WriteFloat64Le(offset uint32, v float64) bool {
	return m.WriteUint64Le(offset, math.Float64bits(v))
}

// Write copies val into the memory at offset.
func (m *Memory) Write(offset uint32, val []byte) bool {
	if !m.hasSize(offset, uint32(len(val))) {
		return false
	}
	copy(m.Buffer[offset:], val)
	return true
}

// retain adds a holder: an instance importing this memory.
func (m *Memory) retain() {
	atomic.AddInt32(&m.refs, 1)
}

// release drops one holder, unmapping the region when the last one goes.
func (m *Memory) release() error {
	if atomic.AddInt32(&m.refs, -1) > 0 {
		return nil
	}
	m.Buffer = nil
	return m.region.Free()
}

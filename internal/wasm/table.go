package wasm

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/kestrelvm/kestrel/internal/guarded"
	"github.com/kestrelvm/kestrel/internal/trap"
	"github.com/kestrelvm/kestrel/internal/vmctx"
)

// ElemKind is the reference type a table stores.
type ElemKind byte

const (
	ElemKindFuncref ElemKind = iota
	ElemKindExternref
)

// DefaultTableMaxElements bounds the reservation of tables declared
// without a maximum.
const DefaultTableMaxElements = uint32(1 << 20)

// Element is one table slot, 16 bytes, the shape compiled code indexes
// directly: a code handle and the function type id checked by indirect
// calls. Code zero is the null reference. For externref tables Code holds
// the embedder's opaque handle (also 0 when null) and TypeID is unused.
type Element struct {
	Code   uint64
	TypeID FunctionTypeID
}

// NullElement fills freshly grown slots.
var NullElement = Element{}

const elementSize = uint64(unsafe.Sizeof(Element{}))

// Table is a growable array of typed references over a guarded region
// sized in elements. Growth semantics mirror Memory at element
// granularity.
type Table struct {
	region   *guarded.Region
	kind     ElemKind
	length   uint32
	min, max uint32
	refs     int32

	holdersMu sync.Mutex
	holders   map[*vmctx.Context]int
}

// NewTable reserves a region for the declared limits and commits the
// minimum element count, initializing every slot to null.
func NewTable(limits Limits, kind ElemKind) (*Table, error) {
	max := limits.maxOrDefault(DefaultTableMaxElements)
	if limits.Min > max {
		return nil, fmt.Errorf("%w: minimum %d elements over maximum %d", ErrGrowLimitExceeded, limits.Min, max)
	}
	region, err := guarded.Reserve(
		uint64(limits.Min)*elementSize,
		uint64(max)*elementSize,
		0, // one guard page catches stray indexed access by compiled code
		guarded.KindTable,
	)
	if err != nil {
		return nil, err
	}
	// Committed pages are zero-filled, so the initial slots are already
	// null references.
	return &Table{region: region, kind: kind, length: limits.Min, min: limits.Min, max: max, refs: 1}, nil
}

// Kind returns the table's element kind.
func (t *Table) Kind() ElemKind { return t.kind }

// Len returns the current element count, the value compiled code reads
// from VMContext.
func (t *Table) Len() uint32 { return t.length }

// Min returns the declared minimum element count.
func (t *Table) Min() uint32 { return t.min }

// Max returns the effective maximum element count.
func (t *Table) Max() uint32 { return t.max }

// BasePointer returns the address of element zero, the value written into
// VMContext. Stable across growth.
func (t *Table) BasePointer() uintptr {
	return t.region.Base()
}

// elements returns the accessible slots as a typed view.
func (t *Table) elements() []Element {
	return unsafe.Slice((*Element)(unsafe.Pointer(t.region.Base())), t.length)
}

// Grow extends the table by delta elements initialized to fill, returning
// the prior length. Fails with ErrGrowLimitExceeded past the maximum or
// guarded.ErrAllocationFailed from the OS; either way the table is
// unchanged.
func (t *Table) Grow(delta uint32, fill Element) (uint32, error) {
	oldLen := t.length
	newLen := uint64(oldLen) + uint64(delta)
	if newLen > uint64(t.max) {
		return 0, fmt.Errorf("%w: %d elements over maximum %d", ErrGrowLimitExceeded, newLen, t.max)
	}
	if err := t.region.Grow(newLen * elementSize); err != nil {
		return 0, err
	}
	t.length = uint32(newLen)
	for i := oldLen; i < t.length; i++ {
		t.elements()[i] = fill
	}
	t.refreshHolders()
	return oldLen, nil
}

// bind writes the table's {base, length} pair into slot of ctx and
// registers ctx to be refreshed on growth.
func (t *Table) bind(ctx *vmctx.Context, slot int) {
	t.holdersMu.Lock()
	if t.holders == nil {
		t.holders = map[*vmctx.Context]int{}
	}
	t.holders[ctx] = slot
	t.holdersMu.Unlock()
	ctx.PutTable(slot, t.BasePointer(), uint64(t.length))
}

// unbind stops refreshing ctx; called when the holding instance closes.
func (t *Table) unbind(ctx *vmctx.Context) {
	t.holdersMu.Lock()
	delete(t.holders, ctx)
	t.holdersMu.Unlock()
}

func (t *Table) refreshHolders() {
	t.holdersMu.Lock()
	defer t.holdersMu.Unlock()
	for ctx, slot := range t.holders {
		ctx.PutTable(slot, t.BasePointer(), uint64(t.length))
	}
}

// Get returns the element at index, with an explicit bounds check.
func (t *Table) Get(index uint32) (Element, bool) {
	if index >= t.length {
		return Element{}, false
	}
	return t.elements()[index], true
}

// Set stores the element at index, with an explicit bounds check.
func (t *Table) Set(index uint32, elem Element) bool {
	if index >= t.length {
		return false
	}
	t.elements()[index] = elem
	return true
}

// Resolve validates an indirect call through index against the expected
// function type. Out-of-range indices, null slots, and type mismatches
// each map to their own trap kind because the WebAssembly semantics
// distinguish them; ok reports that the call may proceed.
func (t *Table) Resolve(index uint32, expected FunctionTypeID) (code uint64, kind trap.Kind, ok bool) {
	if index >= t.length {
		return 0, trap.KindTableOutOfBounds, false
	}
	elem := t.elements()[index]
	if elem.Code == 0 {
		return 0, trap.KindUndefinedElement, false
	}
	if elem.TypeID != expected {
		return 0, trap.KindIndirectCallTypeMismatch, false
	}
	return elem.Code, 0, true
}

func (t *Table) retain() {
	atomic.AddInt32(&t.refs, 1)
}

func (t *Table) release() error {
	if atomic.AddInt32(&t.refs, -1) > 0 {
		return nil
	}
	return t.region.Free()
}

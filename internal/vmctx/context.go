package vmctx

import (
	"fmt"
	"unsafe"
)

// Context is one instance's populated layout. The backing store is a
// []uint64 so every slot is 8-byte aligned; compiled code receives Ptr()
// and performs constant-offset loads and stores against it.
type Context struct {
	buf       []uint64
	layout    *Layout
	populated []bool
}

// NewContext allocates an unpopulated context for the given layout.
func NewContext(l *Layout) *Context {
	return &Context{
		buf:       make([]uint64, l.slots()),
		layout:    l,
		populated: make([]bool, l.slots()),
	}
}

// Layout returns the offset descriptor this context was built from.
func (c *Context) Layout() *Layout { return c.layout }

// Ptr returns the address compiled code receives as its context argument.
// The backing array is reachable from the Context, so the pointer stays
// valid for the instance's lifetime.
func (c *Context) Ptr() unsafe.Pointer {
	return unsafe.Pointer(&c.buf[0])
}

func (c *Context) put(off Offset, v uint64) {
	c.buf[off/slotSize] = v
	c.populated[off/slotSize] = true
}

// PutFuel stores the remaining fuel budget.
func (c *Context) PutFuel(v uint64) {
	c.put(c.layout.Fuel, v)
}

// Fuel reads the remaining fuel budget.
func (c *Context) Fuel() uint64 {
	return c.buf[c.layout.Fuel/slotSize]
}

// PutMemory stores memory i's base pointer and byte length. Called at
// instantiation and again after every successful grow.
func (c *Context) PutMemory(i int, base uintptr, byteLength uint64) {
	m := c.layout.Memories[i]
	c.put(m.Base, uint64(base))
	c.put(m.Length, byteLength)
}

// PutTable stores table i's element base pointer and element count.
func (c *Context) PutTable(i int, base uintptr, elements uint64) {
	t := c.layout.Tables[i]
	c.put(t.Base, uint64(base))
	c.put(t.Length, elements)
}

// PutGlobal stores the address of global i's storage.
func (c *Context) PutGlobal(i int, storage uintptr) {
	c.put(c.layout.Globals[i], uint64(storage))
}

// PutImportedFunction stores imported function i's code handle and
// environment pointer.
func (c *Context) PutImportedFunction(i int, code, env uintptr) {
	imp := c.layout.ImportedFunctions[i]
	c.put(imp.Code, uint64(code))
	c.put(imp.Env, uint64(env))
}

// Finalize verifies that instantiation populated every slot. A hole here
// means compiled code would read garbage at a load-bearing offset, which
// is an internal consistency bug, never a recoverable condition.
func (c *Context) Finalize() {
	for i, ok := range c.populated {
		if !ok {
			panic(fmt.Sprintf("BUG: vmcontext slot at offset %d not populated", i*slotSize))
		}
	}
}

// Load64 reads the 8-byte field at off, the way compiled code does.
func Load64(ctx unsafe.Pointer, off Offset) uint64 {
	return *(*uint64)(unsafe.Pointer(uintptr(ctx) + uintptr(off)))
}

// Store64 writes the 8-byte field at off, the way compiled code does.
func Store64(ctx unsafe.Pointer, off Offset, v uint64) {
	*(*uint64)(unsafe.Pointer(uintptr(ctx) + uintptr(off))) = v
}

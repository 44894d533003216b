package wasm

import (
	"unsafe"

	"github.com/kestrelvm/kestrel/api"
)

// GlobalDecl declares one global in an artifact.
type GlobalDecl struct {
	Type    api.ValueType
	Mutable bool
	// Init is the encoded initial value.
	Init uint64
}

// Global is one global's storage. VMContext carries the address of Val so
// compiled code reads and writes it in place; the boxing keeps that
// address stable for the instance's lifetime.
type Global struct {
	Type    api.ValueType
	Mutable bool
	Val     uint64
}

// ValuePointer returns the address written into VMContext.
func (g *Global) ValuePointer() uintptr {
	return uintptr(unsafe.Pointer(&g.Val))
}

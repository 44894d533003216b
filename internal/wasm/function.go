package wasm

import (
	"hash/fnv"
	"strings"
	"unsafe"

	"github.com/kestrelvm/kestrel/api"
)

// Index identifies a function in an artifact's combined index space:
// imported functions first, then local functions.
type Index = uint32

// FunctionTypeID is the value indirect call sites compare against table
// elements. It is derived from the canonical signature string, so two
// instances agree on the id of structurally equal types without a shared
// registry.
type FunctionTypeID = uint64

// FunctionType is a function signature.
type FunctionType struct {
	Params  []api.ValueType
	Results []api.ValueType
}

// String returns the canonical text form, e.g. "(i32,i64)->(i32)".
func (t *FunctionType) String() string {
	var b strings.Builder
	b.WriteByte('(')
	for i, p := range t.Params {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(api.ValueTypeName(p))
	}
	b.WriteString(")->(")
	for i, r := range t.Results {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(api.ValueTypeName(r))
	}
	b.WriteByte(')')
	return b.String()
}

// ID returns the FunctionTypeID for this signature.
func (t *FunctionType) ID() FunctionTypeID {
	h := fnv.New64a()
	_, _ = h.Write([]byte(t.String()))
	return h.Sum64()
}

// EqualTo reports structural equality of two signatures.
func (t *FunctionType) EqualTo(o *FunctionType) bool {
	if len(t.Params) != len(o.Params) || len(t.Results) != len(o.Results) {
		return false
	}
	for i := range t.Params {
		if t.Params[i] != o.Params[i] {
			return false
		}
	}
	for i := range t.Results {
		if t.Results[i] != o.Results[i] {
			return false
		}
	}
	return true
}

// Code is one compiled function as the codegen collaborator hands it to
// the runtime. exec provides the builtin operations compiled code cannot
// perform itself (growth, imported calls, traps, metering); ctx is the
// VMContext pointer whose field offsets are fixed by the artifact's
// layout; stack carries the parameters on entry and receives the results
// from slot zero.
type Code func(exec *Exec, ctx unsafe.Pointer, stack []uint64)

// Function is one local (compiled) function in an artifact.
type Function struct {
	Type *FunctionType
	Code Code
	// Name is the debug name used in trap stack traces; may be empty.
	Name string
}

// HostFunction is an embedder-provided import target. Fn runs on the
// calling goroutine; params has the signature's arity and the returned
// slice must match the result arity.
type HostFunction struct {
	Type *FunctionType
	Fn   func(inst *Instance, params []uint64) []uint64
	// Name is used in trap stack traces.
	Name string
}

// FunctionHandle is an exported function of a live instance, usable as an
// import value for another instance.
type FunctionHandle struct {
	inst  *Instance
	index Index
	typ   *FunctionType
}

// Type returns the handle's signature.
func (h *FunctionHandle) Type() *FunctionType { return h.typ }

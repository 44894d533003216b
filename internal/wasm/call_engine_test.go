package wasm

import (
	"errors"
	"fmt"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/kestrelvm/kestrel/api"
	"github.com/kestrelvm/kestrel/internal/trap"
	"github.com/kestrelvm/kestrel/internal/vmctx"
)

var typStore = &FunctionType{Params: []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}}

// storeArtifact exports "store32", which writes a u32 through the VMContext
// base pointer without a bounds check, the way compiled code relies on the
// guard pages.
func storeArtifact() *Artifact {
	a := &Artifact{
		Name:      "guest",
		Memories:  []Limits{{Min: 1, Max: Uint32Ptr(2)}},
		Functions: []Function{{Type: typStore, Name: "store32"}},
		Exports: map[string]Export{
			"store32": {Kind: api.ExternTypeFunc, Index: 0},
			"memory":  {Kind: api.ExternTypeMemory, Index: 0},
		},
	}
	lay := a.Layout()
	a.Functions[0].Code = func(e *Exec, ctx unsafe.Pointer, stack []uint64) {
		base := uintptr(vmctx.Load64(ctx, lay.Memories[0].Base))
		*(*uint32)(unsafe.Pointer(base + uintptr(uint32(stack[0])))) = uint32(stack[1])
	}
	return a
}

func trapKind(t *testing.T, err error) trap.Kind {
	t.Helper()
	var te *trap.Error
	require.ErrorAs(t, err, &te)
	return te.Kind()
}

func TestGuardPageFaultTraps(t *testing.T) {
	inst, err := Instantiate(storeArtifact(), nil, Config{})
	require.NoError(t, err)
	defer inst.Close() //nolint:errcheck

	_, err = inst.Call("store32", 8, 42)
	require.NoError(t, err)
	mem, _ := inst.ExportedMemory("memory")
	v, ok := mem.ReadUint32Le(8)
	require.True(t, ok)
	require.Equal(t, uint32(42), v)

	// Past the maximum the access lands on a guard page: the fault becomes
	// a trap, not a crash.
	_, err = inst.Call("store32", uint64(MemoryPageSize)*2+4, 1)
	require.Error(t, err)
	require.Equal(t, trap.KindMemoryOutOfBounds, trapKind(t, err))
	require.Contains(t, err.Error(), "wasm stack trace:")
	require.Contains(t, err.Error(), "guest.store32(i32,i32)")

	// The instance survives the trap.
	_, err = inst.Call("store32", 12, 7)
	require.NoError(t, err)
	v, ok = mem.ReadUint32Le(12)
	require.True(t, ok)
	require.Equal(t, uint32(7), v)
}

func TestGuardPageFault_UncommittedPage(t *testing.T) {
	inst, err := Instantiate(storeArtifact(), nil, Config{})
	require.NoError(t, err)
	defer inst.Close() //nolint:errcheck

	// Within the declared maximum but past the current size is still out of
	// bounds until the memory grows.
	_, err = inst.Call("store32", uint64(MemoryPageSize)+4, 1)
	require.Equal(t, trap.KindMemoryOutOfBounds, trapKind(t, err))
}

func TestExecGrowMemory(t *testing.T) {
	a := storeArtifact()
	a.Functions = append(a.Functions, Function{
		Type: typI32,
		Name: "grow",
		Code: func(e *Exec, ctx unsafe.Pointer, stack []uint64) {
			stack[0] = uint64(e.GrowMemory(0, uint32(stack[0])))
		},
	})
	a.Exports["grow"] = Export{Kind: api.ExternTypeFunc, Index: 1}

	inst, err := Instantiate(a, nil, Config{})
	require.NoError(t, err)
	defer inst.Close() //nolint:errcheck

	results, err := inst.Call("grow", 1)
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, results) // prior page count

	// The second page is committed and the VMContext refreshed, so the
	// unchecked store now succeeds.
	_, err = inst.Call("store32", uint64(MemoryPageSize)+4, 9)
	require.NoError(t, err)

	// Past the maximum the guest sees -1, not a trap.
	results, err = inst.Call("grow", 1)
	require.NoError(t, err)
	require.Equal(t, []uint64{0xffffffff}, results)
}

func TestExecConsumeFuel(t *testing.T) {
	a := &Artifact{
		Name: "guest",
		Functions: []Function{{
			Type: typNone,
			Name: "work",
			Code: func(e *Exec, ctx unsafe.Pointer, stack []uint64) { e.ConsumeFuel(4) },
		}},
		Exports: map[string]Export{"work": {Kind: api.ExternTypeFunc, Index: 0}},
	}
	inst, err := Instantiate(a, nil, Config{FuelEnabled: true, Fuel: 10})
	require.NoError(t, err)
	defer inst.Close() //nolint:errcheck

	_, err = inst.Call("work")
	require.NoError(t, err)
	require.Equal(t, uint64(6), inst.Fuel())
	_, err = inst.Call("work")
	require.NoError(t, err)
	require.Equal(t, uint64(2), inst.Fuel())

	_, err = inst.Call("work")
	require.Equal(t, trap.KindMeteringExhausted, trapKind(t, err))
	require.Equal(t, uint64(0), inst.Fuel())

	// Refueling makes the same instance callable again.
	inst.SetFuel(4)
	_, err = inst.Call("work")
	require.NoError(t, err)
	require.Equal(t, uint64(0), inst.Fuel())
}

func TestExecCallDepthCeiling(t *testing.T) {
	a := &Artifact{Name: "guest"}
	a.Functions = []Function{{
		Type: typNone,
		Name: "recurse",
		Code: func(e *Exec, ctx unsafe.Pointer, stack []uint64) { e.CallFunction(0, stack) },
	}}
	a.Exports = map[string]Export{"recurse": {Kind: api.ExternTypeFunc, Index: 0}}

	inst, err := Instantiate(a, nil, Config{MaxCallDepth: 16})
	require.NoError(t, err)
	defer inst.Close() //nolint:errcheck

	_, err = inst.Call("recurse")
	require.Equal(t, trap.KindStackOverflow, trapKind(t, err))

	// Depth accounting unwound fully, so the next call starts from zero.
	_, err = inst.Call("recurse")
	require.Equal(t, trap.KindStackOverflow, trapKind(t, err))
}

func TestExecCallIndirect(t *testing.T) {
	a := &Artifact{
		Name:   "guest",
		Tables: []TableDecl{{Limits: Limits{Min: 3, Max: Uint32Ptr(3)}, Kind: ElemKindFuncref}},
		Functions: []Function{
			{
				Type: typI32x2,
				Name: "add",
				Code: func(e *Exec, ctx unsafe.Pointer, stack []uint64) {
					stack[0] = uint64(uint32(stack[0]) + uint32(stack[1]))
				},
			},
			{
				Type: typNoneI32,
				Name: "answer",
				Code: func(e *Exec, ctx unsafe.Pointer, stack []uint64) { stack[0] = 42 },
			},
			{
				Type: &FunctionType{
					Params:  []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32},
					Results: []api.ValueType{api.ValueTypeI32},
				},
				Name: "dispatch",
				Code: func(e *Exec, ctx unsafe.Pointer, stack []uint64) {
					e.CallIndirect(0, uint32(stack[2]), typI32x2.ID(), stack[:2])
				},
			},
		},
		ElementSegments: []ElementSegment{
			{TableIndex: 0, Offset: 0, FuncIndexes: []Index{0}},
			{TableIndex: 0, Offset: 2, FuncIndexes: []Index{1}},
		},
		Exports: map[string]Export{"dispatch": {Kind: api.ExternTypeFunc, Index: 2}},
	}

	inst, err := Instantiate(a, nil, Config{})
	require.NoError(t, err)
	defer inst.Close() //nolint:errcheck

	results, err := inst.Call("dispatch", 2, 3, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(5), results[0])

	_, err = inst.Call("dispatch", 2, 3, 1) // null slot
	require.Equal(t, trap.KindUndefinedElement, trapKind(t, err))

	_, err = inst.Call("dispatch", 2, 3, 2) // wrong signature
	require.Equal(t, trap.KindIndirectCallTypeMismatch, trapKind(t, err))

	_, err = inst.Call("dispatch", 2, 3, 9) // past the table
	require.Equal(t, trap.KindTableOutOfBounds, trapKind(t, err))
}

func TestHostFunctionImport(t *testing.T) {
	a := &Artifact{
		Name:              "guest",
		ImportedFunctions: []FunctionImport{{Module: "env", Name: "double", Type: typI32}},
		Functions: []Function{{
			Type: typI32,
			Name: "quad",
			Code: func(e *Exec, ctx unsafe.Pointer, stack []uint64) {
				e.CallFunction(0, stack)
				e.CallFunction(0, stack)
			},
		}},
		Exports: map[string]Export{"quad": {Kind: api.ExternTypeFunc, Index: 1}},
	}

	var hostInst *Instance
	imports := Imports{"env": {"double": &HostFunction{
		Type: typI32,
		Name: "double",
		Fn: func(inst *Instance, params []uint64) []uint64 {
			hostInst = inst
			return []uint64{params[0] * 2}
		},
	}}}

	inst, err := Instantiate(a, imports, Config{})
	require.NoError(t, err)
	defer inst.Close() //nolint:errcheck

	results, err := inst.Call("quad", 3)
	require.NoError(t, err)
	require.Equal(t, []uint64{12}, results)
	require.Same(t, inst, hostInst)
}

func TestHostFunctionPanic(t *testing.T) {
	boom := errors.New("boom")
	a := &Artifact{
		Name:              "guest",
		ImportedFunctions: []FunctionImport{{Module: "env", Name: "fail", Type: typNone}},
		Functions: []Function{{
			Type: typNone,
			Name: "run",
			Code: func(e *Exec, ctx unsafe.Pointer, stack []uint64) { e.CallFunction(0, stack) },
		}},
		Exports: map[string]Export{"run": {Kind: api.ExternTypeFunc, Index: 1}},
	}
	imports := Imports{"env": {"fail": &HostFunction{
		Type: typNone,
		Name: "fail",
		Fn:   func(inst *Instance, params []uint64) []uint64 { panic(boom) },
	}}}

	inst, err := Instantiate(a, imports, Config{})
	require.NoError(t, err)
	defer inst.Close() //nolint:errcheck

	_, err = inst.Call("run")
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), "boom (recovered)")
	require.Contains(t, err.Error(), "guest.run()")

	// A host panic is not a trap.
	var te *trap.Error
	require.False(t, errors.As(err, &te))
}

func TestHostFunctionResultArity(t *testing.T) {
	a := &Artifact{
		Name:              "guest",
		ImportedFunctions: []FunctionImport{{Module: "env", Name: "get", Type: typNoneI32}},
		Functions: []Function{{
			Type: typNoneI32,
			Name: "run",
			Code: func(e *Exec, ctx unsafe.Pointer, stack []uint64) { e.CallFunction(0, stack) },
		}},
		Exports: map[string]Export{"run": {Kind: api.ExternTypeFunc, Index: 1}},
	}

	tests := []struct {
		name    string
		results []uint64
	}{
		{name: "too few", results: nil},
		{name: "too many", results: []uint64{1, 2}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			imports := Imports{"env": {"get": &HostFunction{
				Type: typNoneI32,
				Name: "get",
				Fn:   func(inst *Instance, params []uint64) []uint64 { return tc.results },
			}}}

			inst, err := Instantiate(a, imports, Config{})
			require.NoError(t, err)
			defer inst.Close() //nolint:errcheck

			// The broken contract surfaces as a BUG, not a trap.
			_, err = inst.Call("run")
			require.Error(t, err)
			require.Contains(t, err.Error(),
				fmt.Sprintf(`BUG: host function "get" returned %d results, signature declares 1`, len(tc.results)))
			var te *trap.Error
			require.False(t, errors.As(err, &te))
		})
	}
}

func TestCrossInstanceCall(t *testing.T) {
	instA, err := Instantiate(addArtifact(), nil, Config{})
	require.NoError(t, err)
	defer instA.Close() //nolint:errcheck

	addHandle, ok := instA.ExportedFunction("add")
	require.True(t, ok)

	b := &Artifact{
		Name:              "caller",
		ImportedFunctions: []FunctionImport{{Module: "math", Name: "add", Type: typI32x2}},
		Functions: []Function{{
			Type: typI32,
			Name: "inc",
			Code: func(e *Exec, ctx unsafe.Pointer, stack []uint64) {
				s := []uint64{stack[0], 1}
				e.CallFunction(0, s)
				stack[0] = s[0]
			},
		}},
		Exports: map[string]Export{"inc": {Kind: api.ExternTypeFunc, Index: 1}},
	}

	instB, err := Instantiate(b, Imports{"math": {"add": addHandle}}, Config{})
	require.NoError(t, err)
	defer instB.Close() //nolint:errcheck

	results, err := instB.Call("inc", 41)
	require.NoError(t, err)
	require.Equal(t, []uint64{42}, results)
}

func TestDivisionByZeroClassified(t *testing.T) {
	a := &Artifact{
		Name: "guest",
		Functions: []Function{{
			Type: typI32x2,
			Name: "div",
			Code: func(e *Exec, ctx unsafe.Pointer, stack []uint64) {
				stack[0] = uint64(uint32(stack[0]) / uint32(stack[1]))
			},
		}},
		Exports: map[string]Export{"div": {Kind: api.ExternTypeFunc, Index: 0}},
	}
	inst, err := Instantiate(a, nil, Config{})
	require.NoError(t, err)
	defer inst.Close() //nolint:errcheck

	results, err := inst.Call("div", 6, 3)
	require.NoError(t, err)
	require.Equal(t, []uint64{2}, results)

	_, err = inst.Call("div", 6, 0)
	require.Equal(t, trap.KindIntegerDivisionByZero, trapKind(t, err))
}

func TestExecTrapBuiltins(t *testing.T) {
	a := &Artifact{
		Name: "guest",
		Functions: []Function{
			{
				Type: typNone,
				Name: "dead",
				Code: func(e *Exec, ctx unsafe.Pointer, stack []uint64) { e.Unreachable() },
			},
			{
				Type: typNone,
				Name: "overflow",
				Code: func(e *Exec, ctx unsafe.Pointer, stack []uint64) { e.Trap(trap.KindIntegerOverflow) },
			},
		},
		Exports: map[string]Export{
			"dead":     {Kind: api.ExternTypeFunc, Index: 0},
			"overflow": {Kind: api.ExternTypeFunc, Index: 1},
		},
	}
	inst, err := Instantiate(a, nil, Config{})
	require.NoError(t, err)
	defer inst.Close() //nolint:errcheck

	_, err = inst.Call("dead")
	require.Equal(t, trap.KindUnreachable, trapKind(t, err))
	_, err = inst.Call("overflow")
	require.Equal(t, trap.KindIntegerOverflow, trapKind(t, err))
}

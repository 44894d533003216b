package wasm

import (
	"fmt"
	"unsafe"

	"go.uber.org/zap"

	"github.com/kestrelvm/kestrel/internal/trap"
	"github.com/kestrelvm/kestrel/internal/wasmdebug"
)

// Exec is the execution context threaded through every compiled function
// as its first argument. Its methods are the builtin surface: operations
// compiled code cannot perform with plain loads and stores, like growth,
// calls across the import boundary and checked fuel consumption. Builtins
// never return failure; they panic with a *trap.Error, and the recovery
// point at the top-level call converts that into the error the embedder
// sees.
//
// An Exec is created per top-level call and confined to it, so it needs no
// locking.
type Exec struct {
	inst  *Instance
	depth uint32

	// frames records the active call chain for trace rendering, outermost
	// first. Cross-instance calls switch inst, so each frame pins the
	// instance it ran in.
	frames []frame
}

type frame struct {
	inst  *Instance
	index Index
}

// callStack renders the active frames innermost first into the builder.
func (e *Exec) callStack(builder wasmdebug.ErrorBuilder) {
	for j := len(e.frames) - 1; j >= 0; j-- {
		fr := e.frames[j]
		a := fr.inst.artifact
		typ, err := a.FunctionType(fr.index)
		if err != nil {
			continue
		}
		name := wasmdebug.FuncName(a.Name, a.FunctionName(fr.index), uint32(fr.index))
		builder.AddFrame(name, typ.Params, typ.Results)
	}
}

// invokeTop is the recovery point: the single place where a trap unwind or
// a host panic stops and becomes an error. The instance stays usable
// afterwards.
func (i *Instance) invokeTop(idx Index, typ *FunctionType, params []uint64) (results []uint64, err error) {
	exec := &Exec{inst: i}

	restore := trap.Arm()
	defer restore()
	defer func() {
		v := recover()
		if v == nil {
			return
		}
		builder := wasmdebug.NewErrorBuilder()
		exec.callStack(builder)
		if te := trap.Recovered(v); te != nil {
			i.cfg.Logger.Debug("guest trapped",
				zap.String("artifact", i.artifact.Name),
				zap.Stringer("kind", te.Kind()))
			err = builder.FromRecovered(te)
		} else {
			err = builder.FromRecovered(v)
		}
	}()

	stackSize := len(typ.Params)
	if len(typ.Results) > stackSize {
		stackSize = len(typ.Results)
	}
	stack := make([]uint64, stackSize)
	copy(stack, params)

	exec.call(idx, stack)

	results = make([]uint64, len(typ.Results))
	copy(results, stack)
	return results, nil
}

// call dispatches a function in the combined index space: imported
// functions come first, then local ones, mirroring the VMContext layout.
// The stack slice carries params on entry and results from slot zero on
// return.
func (e *Exec) call(idx Index, stack []uint64) {
	nImported := Index(len(e.inst.artifact.ImportedFunctions))
	if idx < nImported {
		e.callImported(idx, stack)
		return
	}

	fn := e.inst.artifact.Functions[idx-nImported]
	if e.depth++; e.depth > e.inst.cfg.MaxCallDepth {
		e.depth--
		trap.Raise(trap.KindStackOverflow)
	}
	e.frames = append(e.frames, frame{inst: e.inst, index: idx})

	fn.Code(e, e.inst.ctx.Ptr(), stack)

	e.frames = e.frames[:len(e.frames)-1]
	e.depth--
}

// callImported crosses the import boundary: host functions run as plain
// Go, cross-instance handles run in the exporting instance's context. Any
// panic either side raises unwinds to the shared recovery point.
func (e *Exec) callImported(idx Index, stack []uint64) {
	f := &e.inst.importedFuncs[idx]
	if f.host != nil {
		results := f.host.Fn(e.inst, stack[:len(f.typ.Params)])
		if len(results) != len(f.typ.Results) {
			panic(fmt.Sprintf("BUG: host function %q returned %d results, signature declares %d",
				f.host.Name, len(results), len(f.typ.Results)))
		}
		copy(stack, results)
		return
	}

	h := f.handle
	prev := e.inst
	e.inst = h.inst
	e.call(h.index, stack)
	e.inst = prev
}

// CallFunction invokes the function at idx in the caller's combined index
// space. Compiled code uses this for both direct calls it could not inline
// and the local half of call_indirect.
func (e *Exec) CallFunction(idx Index, stack []uint64) {
	e.call(idx, stack)
}

// CallIndirect resolves an indirect call through the table at tableIdx and
// invokes the target. Resolution failures trap with the kind the lookup
// reports: out-of-range index, null element or signature mismatch.
func (e *Exec) CallIndirect(tableIdx Index, elemIdx uint32, expected FunctionTypeID, stack []uint64) {
	t := e.inst.tables[tableIdx]
	code, kind, ok := t.Resolve(elemIdx, expected)
	if !ok {
		trap.Raise(kind)
	}
	e.call(Index(code-1), stack)
}

// GrowMemory grows the memory at memIdx by deltaPages, returning the prior
// page count, or 0xffffffff when the grow fails for any reason. That is
// the value memory.grow hands the guest; growth failure is not a trap.
func (e *Exec) GrowMemory(memIdx Index, deltaPages uint32) uint32 {
	old, err := e.inst.memories[memIdx].Grow(deltaPages)
	if err != nil {
		e.inst.cfg.Logger.Debug("memory grow refused",
			zap.Uint32("delta_pages", deltaPages), zap.Error(err))
		return 0xffffffff
	}
	return old
}

// GrowTable grows the table at tableIdx by delta elements filled with
// fill, returning the prior length or 0xffffffff on failure.
func (e *Exec) GrowTable(tableIdx Index, delta uint32, fill Element) uint32 {
	old, err := e.inst.tables[tableIdx].Grow(delta, fill)
	if err != nil {
		e.inst.cfg.Logger.Debug("table grow refused",
			zap.Uint32("delta", delta), zap.Error(err))
		return 0xffffffff
	}
	return old
}

// ConsumeFuel deducts units from the fuel counter. On exhaustion the
// counter pins to zero and the call unwinds with a metering trap; the
// instance can be refueled and called again. Straight-line code decrements
// the counter in place and only calls here on the slow path.
func (e *Exec) ConsumeFuel(units uint64) {
	ctx := e.inst.ctx
	remaining := ctx.Fuel()
	if remaining < units {
		ctx.PutFuel(0)
		trap.Raise(trap.KindMeteringExhausted)
	}
	ctx.PutFuel(remaining - units)
}

// Trap unwinds with the given kind. Compiled code calls this for
// conditions it checks explicitly, like division by zero or a failed
// conversion.
func (e *Exec) Trap(kind trap.Kind) {
	trap.Raise(kind)
}

// Unreachable implements the unreachable instruction.
func (e *Exec) Unreachable() {
	trap.Raise(trap.KindUnreachable)
}

// Instance returns the instance the current frame executes in.
func (e *Exec) Instance() *Instance {
	return e.inst
}

func hostEnvPointer(h *HostFunction) uintptr {
	return uintptr(unsafe.Pointer(h))
}

func instanceEnvPointer(i *Instance) uintptr {
	return uintptr(unsafe.Pointer(i))
}

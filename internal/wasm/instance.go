package wasm

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/kestrelvm/kestrel/api"
	"github.com/kestrelvm/kestrel/internal/trap"
	"github.com/kestrelvm/kestrel/internal/vmctx"
)

// Config carries the embedder's runtime policy into instantiation.
type Config struct {
	// GuardSize is the guard tail per memory; zero selects
	// DefaultGuardSize.
	GuardSize uint64
	// Fuel is the execution budget. Zero with FuelEnabled false means
	// unmetered.
	Fuel        uint64
	FuelEnabled bool
	// MaxCallDepth bounds nested function calls; zero selects
	// DefaultMaxCallDepth.
	MaxCallDepth uint32
	// Logger receives debug events; nil selects a no-op logger.
	Logger *zap.Logger
}

// DefaultMaxCallDepth bounds the call stack when the embedder sets none.
const DefaultMaxCallDepth = uint32(2000)

func (c Config) normalized() Config {
	if c.GuardSize == 0 {
		c.GuardSize = DefaultGuardSize
	}
	if c.MaxCallDepth == 0 {
		c.MaxCallDepth = DefaultMaxCallDepth
	}
	if !c.FuelEnabled {
		c.Fuel = math.MaxUint64
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Imports maps module name then field name to the value satisfying an
// import: *HostFunction, *FunctionHandle, *Memory, *Table or *Global.
type Imports map[string]map[string]interface{}

func (imp Imports) lookup(module, name string) (interface{}, bool) {
	fields, ok := imp[module]
	if !ok {
		return nil, false
	}
	v, ok := fields[name]
	return v, ok
}

// importedFunction is one resolved function import. Exactly one of host
// and handle is set; both are invoked through the same call shape.
type importedFunction struct {
	typ    *FunctionType
	host   *HostFunction
	handle *FunctionHandle
}

// ErrInstanceClosed is returned by calls against a closed instance.
var ErrInstanceClosed = errors.New("instance closed")

// Instance is the runtime manifestation of one instantiated artifact. It
// owns its local memories, tables and globals, shares imported ones, and
// holds the populated VMContext compiled code runs against.
type Instance struct {
	artifact *Artifact
	cfg      Config

	// memories and tables are in VMContext slot order: imported first,
	// then local, matching the artifact's layout.
	memories      []*Memory
	tables        []*Table
	globals       []*Global
	importedFuncs []importedFunction

	ctx    *vmctx.Context
	closed bool
}

// Instantiate validates imports against the artifact's declarations,
// allocates the declared memories, tables and globals, populates the
// VMContext, initializes data and element segments, and runs the start
// function. Any failure releases everything allocated so far and the
// instance is never returned.
func Instantiate(a *Artifact, imports Imports, cfg Config) (inst *Instance, err error) {
	cfg = cfg.normalized()
	i := &Instance{artifact: a, cfg: cfg}
	defer func() {
		if err != nil {
			i.releaseResources()
		}
	}()

	if err = i.resolveImports(imports); err != nil {
		return nil, err
	}

	for _, limits := range a.Memories {
		var m *Memory
		if m, err = NewMemory(limits, cfg.GuardSize); err != nil {
			return nil, &InstantiationError{Reason: ReasonAllocation, Cause: err}
		}
		i.memories = append(i.memories, m)
	}
	for _, decl := range a.Tables {
		var t *Table
		if t, err = NewTable(decl.Limits, decl.Kind); err != nil {
			return nil, &InstantiationError{Reason: ReasonAllocation, Cause: err}
		}
		i.tables = append(i.tables, t)
	}
	for _, decl := range a.Globals {
		i.globals = append(i.globals, &Global{Type: decl.Type, Mutable: decl.Mutable, Val: decl.Init})
	}

	i.buildContext()
	trap.Retain()

	if err = i.initSegments(); err != nil {
		trap.Release()
		return nil, err
	}

	if a.Start != nil {
		typ, terr := a.FunctionType(*a.Start)
		if terr != nil || len(typ.Params) != 0 || len(typ.Results) != 0 {
			trap.Release()
			return nil, &InstantiationError{Reason: ReasonImportMismatch,
				Cause: fmt.Errorf("start function must have an empty signature")}
		}
		if _, err = i.invokeTop(*a.Start, typ, nil); err != nil {
			trap.Release()
			return nil, &InstantiationError{Reason: ReasonStartTrap, Cause: err}
		}
	}

	cfg.Logger.Debug("instantiated artifact",
		zap.String("artifact", a.Name),
		zap.Int("memories", len(i.memories)),
		zap.Int("tables", len(i.tables)))
	return i, nil
}

func (i *Instance) resolveImports(imports Imports) error {
	a := i.artifact
	mismatch := func(module, name, format string, args ...interface{}) error {
		cause := fmt.Errorf("import %q.%q: %s", module, name, fmt.Sprintf(format, args...))
		return &InstantiationError{Reason: ReasonImportMismatch, Cause: cause}
	}

	for _, decl := range a.ImportedFunctions {
		v, ok := imports.lookup(decl.Module, decl.Name)
		if !ok {
			return mismatch(decl.Module, decl.Name, "not provided")
		}
		switch f := v.(type) {
		case *HostFunction:
			if !decl.Type.EqualTo(f.Type) {
				return mismatch(decl.Module, decl.Name, "signature %s, expected %s", f.Type, decl.Type)
			}
			i.importedFuncs = append(i.importedFuncs, importedFunction{typ: decl.Type, host: f})
		case *FunctionHandle:
			if !decl.Type.EqualTo(f.typ) {
				return mismatch(decl.Module, decl.Name, "signature %s, expected %s", f.typ, decl.Type)
			}
			i.importedFuncs = append(i.importedFuncs, importedFunction{typ: decl.Type, handle: f})
		default:
			return mismatch(decl.Module, decl.Name, "%T is not a function", v)
		}
	}

	for _, decl := range a.ImportedMemories {
		v, ok := imports.lookup(decl.Module, decl.Name)
		if !ok {
			return mismatch(decl.Module, decl.Name, "not provided")
		}
		m, ok := v.(*Memory)
		if !ok {
			return mismatch(decl.Module, decl.Name, "%T is not a memory", v)
		}
		if err := decl.Limits.compatibleWith(Limits{Min: m.Min(), Max: Uint32Ptr(m.Max())}); err != nil {
			return &InstantiationError{Reason: ReasonLimitIncompatible,
				Cause: fmt.Errorf("import %q.%q: %w", decl.Module, decl.Name, err)}
		}
		m.retain()
		i.memories = append(i.memories, m)
	}

	for _, decl := range a.ImportedTables {
		v, ok := imports.lookup(decl.Module, decl.Name)
		if !ok {
			return mismatch(decl.Module, decl.Name, "not provided")
		}
		t, ok := v.(*Table)
		if !ok {
			return mismatch(decl.Module, decl.Name, "%T is not a table", v)
		}
		if t.Kind() != decl.Decl.Kind {
			return mismatch(decl.Module, decl.Name, "element kind differs")
		}
		if err := decl.Decl.Limits.compatibleWith(Limits{Min: t.Min(), Max: Uint32Ptr(t.Max())}); err != nil {
			return &InstantiationError{Reason: ReasonLimitIncompatible,
				Cause: fmt.Errorf("import %q.%q: %w", decl.Module, decl.Name, err)}
		}
		t.retain()
		i.tables = append(i.tables, t)
	}
	return nil
}

// buildContext populates every VMContext slot and verifies none was
// missed. Compiled code reads these offsets blind; a hole is a bug, not a
// recoverable condition.
func (i *Instance) buildContext() {
	ctx := vmctx.NewContext(i.artifact.Layout())
	ctx.PutFuel(i.cfg.Fuel)
	for slot, m := range i.memories {
		m.bind(ctx, slot)
	}
	for slot, t := range i.tables {
		t.bind(ctx, slot)
	}
	for slot, g := range i.globals {
		ctx.PutGlobal(slot, g.ValuePointer())
	}
	for slot, f := range i.importedFuncs {
		// The slot handle and the target's environment give imported calls
		// the same (code, env) invocation shape as local ones.
		ctx.PutImportedFunction(slot, uintptr(slot+1), f.envPointer())
	}
	ctx.Finalize()
	i.ctx = ctx
}

// initSegments copies active data and element segments with explicit
// bounds checks; these copies run outside compiled code, so the guard
// pages do not protect them. An out-of-range segment traps, which at this
// stage aborts instantiation.
func (i *Instance) initSegments() error {
	a := i.artifact
	for _, seg := range a.DataSegments {
		if int(seg.MemoryIndex) >= len(i.memories) ||
			!i.memories[seg.MemoryIndex].Write(seg.Offset, seg.Init) {
			return &InstantiationError{Reason: ReasonStartTrap, Cause: trap.New(trap.KindMemoryOutOfBounds)}
		}
	}
	for _, seg := range a.ElementSegments {
		if int(seg.TableIndex) >= len(i.tables) {
			return &InstantiationError{Reason: ReasonStartTrap, Cause: trap.New(trap.KindTableOutOfBounds)}
		}
		t := i.tables[seg.TableIndex]
		for n, fidx := range seg.FuncIndexes {
			typ, err := a.FunctionType(fidx)
			if err != nil {
				return &InstantiationError{Reason: ReasonImportMismatch, Cause: err}
			}
			elem := Element{Code: uint64(fidx) + 1, TypeID: typ.ID()}
			if !t.Set(seg.Offset+uint32(n), elem) {
				return &InstantiationError{Reason: ReasonStartTrap, Cause: trap.New(trap.KindTableOutOfBounds)}
			}
		}
	}
	return nil
}

// Call invokes the named exported function. Argument count is validated
// against the export's signature before compiled code is entered; traps
// surface as a *trap.Error in the returned error chain.
func (i *Instance) Call(name string, params ...uint64) ([]uint64, error) {
	if i.closed {
		return nil, ErrInstanceClosed
	}
	exp, ok := i.artifact.Exports[name]
	if !ok || exp.Kind != api.ExternTypeFunc {
		return nil, fmt.Errorf("%w: %q", ErrExportNotFound, name)
	}
	typ, err := i.artifact.FunctionType(exp.Index)
	if err != nil {
		return nil, err
	}
	if len(params) != len(typ.Params) {
		return nil, fmt.Errorf("%w: %q takes %d params, got %d",
			ErrSignatureMismatch, name, len(typ.Params), len(params))
	}
	return i.invokeTop(exp.Index, typ, params)
}

// ExportedFunction returns a handle usable as another instance's import.
func (i *Instance) ExportedFunction(name string) (*FunctionHandle, bool) {
	exp, ok := i.artifact.Exports[name]
	if !ok || exp.Kind != api.ExternTypeFunc {
		return nil, false
	}
	typ, err := i.artifact.FunctionType(exp.Index)
	if err != nil {
		return nil, false
	}
	return &FunctionHandle{inst: i, index: exp.Index, typ: typ}, true
}

// ExportedMemory returns the named exported memory.
func (i *Instance) ExportedMemory(name string) (*Memory, bool) {
	exp, ok := i.artifact.Exports[name]
	if !ok || exp.Kind != api.ExternTypeMemory || int(exp.Index) >= len(i.memories) {
		return nil, false
	}
	return i.memories[exp.Index], true
}

// ExportedTable returns the named exported table.
func (i *Instance) ExportedTable(name string) (*Table, bool) {
	exp, ok := i.artifact.Exports[name]
	if !ok || exp.Kind != api.ExternTypeTable || int(exp.Index) >= len(i.tables) {
		return nil, false
	}
	return i.tables[exp.Index], true
}

// ExportedGlobal returns the named exported global.
func (i *Instance) ExportedGlobal(name string) (*Global, bool) {
	exp, ok := i.artifact.Exports[name]
	if !ok || exp.Kind != api.ExternTypeGlobal || int(exp.Index) >= len(i.globals) {
		return nil, false
	}
	return i.globals[exp.Index], true
}

// Memory returns the memory at the given VMContext slot.
func (i *Instance) Memory(idx Index) (*Memory, bool) {
	if int(idx) >= len(i.memories) {
		return nil, false
	}
	return i.memories[idx], true
}

// Table returns the table at the given VMContext slot.
func (i *Instance) Table(idx Index) (*Table, bool) {
	if int(idx) >= len(i.tables) {
		return nil, false
	}
	return i.tables[idx], true
}

// GrowMemory is the embedder-facing grow of the memory at slot idx: the
// same operation compiled code performs through Exec.GrowMemory.
func (i *Instance) GrowMemory(idx Index, deltaPages uint32) (uint32, error) {
	if int(idx) >= len(i.memories) {
		return 0, fmt.Errorf("memory index %d out of range", idx)
	}
	return i.memories[idx].Grow(deltaPages)
}

// GrowTable is the embedder-facing grow of the table at slot idx.
func (i *Instance) GrowTable(idx Index, delta uint32, fill Element) (uint32, error) {
	if int(idx) >= len(i.tables) {
		return 0, fmt.Errorf("table index %d out of range", idx)
	}
	return i.tables[idx].Grow(delta, fill)
}

// Fuel returns the remaining metering budget.
func (i *Instance) Fuel() uint64 {
	return i.ctx.Fuel()
}

// SetFuel replaces the remaining metering budget.
func (i *Instance) SetFuel(v uint64) {
	i.ctx.PutFuel(v)
}

// Close releases the instance's resources. Owned memories and tables are
// unmapped once their last holder is gone; imported ones merely drop this
// instance's reference. Idempotent.
func (i *Instance) Close() error {
	if i.closed {
		return nil
	}
	i.closed = true
	err := i.releaseResources()
	trap.Release()
	return err
}

func (i *Instance) releaseResources() (err error) {
	for _, m := range i.memories {
		if i.ctx != nil {
			m.unbind(i.ctx)
		}
		if e := m.release(); e != nil && err == nil {
			err = e
		}
	}
	for _, t := range i.tables {
		if i.ctx != nil {
			t.unbind(i.ctx)
		}
		if e := t.release(); e != nil && err == nil {
			err = e
		}
	}
	i.memories, i.tables = nil, nil
	return err
}

// envPointer is the environment half of the (code, env) import pair.
func (f *importedFunction) envPointer() uintptr {
	if f.host != nil {
		return hostEnvPointer(f.host)
	}
	return instanceEnvPointer(f.handle.inst)
}

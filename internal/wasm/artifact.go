package wasm

import (
	"fmt"

	"github.com/kestrelvm/kestrel/api"
	"github.com/kestrelvm/kestrel/internal/vmctx"
)

// Artifact is the compiled-code collaborator's output: machine code entry
// points plus the declarations and the VMContext layout the code was
// compiled against. The runtime never inspects or validates WebAssembly
// binaries; it trusts the artifact's declarations the way a compiler
// backend's output is trusted, and only validates what the embedder
// supplies against them.
type Artifact struct {
	// Name appears in trap stack traces.
	Name string

	ImportedFunctions []FunctionImport
	ImportedMemories  []MemoryImport
	ImportedTables    []TableImport

	// Functions are the local entry points, indexed after the imports in
	// the combined function index space.
	Functions []Function
	// Memories declares the local linear memories.
	Memories []Limits
	// Tables declares the local tables.
	Tables []TableDecl
	// Globals declares the local globals.
	Globals []GlobalDecl

	Exports map[string]Export

	// Start, when non-nil, is run during instantiation; a trap there means
	// the instance is never returned.
	Start *Index

	DataSegments    []DataSegment
	ElementSegments []ElementSegment

	// layout is computed once per artifact; see Layout.
	layout *vmctx.Layout
}

// FunctionImport names a function the embedder must supply.
type FunctionImport struct {
	Module, Name string
	Type         *FunctionType
}

// MemoryImport names a memory the embedder must supply, with the limits
// the code was compiled against.
type MemoryImport struct {
	Module, Name string
	Limits       Limits
}

// TableImport names a table the embedder must supply.
type TableImport struct {
	Module, Name string
	Decl         TableDecl
}

// TableDecl declares one table.
type TableDecl struct {
	Limits Limits
	Kind   ElemKind
}

// Export is one exported entity.
type Export struct {
	Kind  api.ExternType
	Index Index
}

// DataSegment initializes a byte range of a memory at instantiation.
type DataSegment struct {
	MemoryIndex Index
	Offset      uint32
	Init        []byte
}

// ElementSegment initializes a run of table slots with function references
// at instantiation.
type ElementSegment struct {
	TableIndex Index
	Offset     uint32
	// FuncIndexes are positions in the combined function index space.
	FuncIndexes []Index
}

// Layout returns the artifact's VMContext offset descriptor, computing it
// on first use. The offsets depend only on the declaration counts, so they
// are fixed at compile time; instantiation merely fills in values.
func (a *Artifact) Layout() *vmctx.Layout {
	if a.layout == nil {
		a.layout = vmctx.ComputeLayout(
			len(a.ImportedMemories)+len(a.Memories),
			len(a.ImportedTables)+len(a.Tables),
			len(a.Globals),
			len(a.ImportedFunctions),
		)
	}
	return a.layout
}

// FunctionType returns the signature of the function at the combined
// index.
func (a *Artifact) FunctionType(idx Index) (*FunctionType, error) {
	if n := Index(len(a.ImportedFunctions)); idx < n {
		return a.ImportedFunctions[idx].Type, nil
	} else if local := idx - n; local < Index(len(a.Functions)) {
		return a.Functions[local].Type, nil
	}
	return nil, fmt.Errorf("function index %d out of range", idx)
}

// FunctionName returns the debug name of the function at the combined
// index, falling back to the index itself.
func (a *Artifact) FunctionName(idx Index) string {
	if n := Index(len(a.ImportedFunctions)); idx < n {
		imp := a.ImportedFunctions[idx]
		return imp.Module + "." + imp.Name
	} else if local := idx - n; local < Index(len(a.Functions)) {
		if name := a.Functions[local].Name; name != "" {
			return name
		}
	}
	return fmt.Sprintf("$%d", idx)
}

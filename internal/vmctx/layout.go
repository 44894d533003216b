// Package vmctx defines the fixed-layout record handed to compiled code as
// its implicit first argument, and the versioned offset descriptor shared
// with the compiler collaborator. Compiled code addresses every field as a
// constant offset from the context pointer, so the offsets are contract,
// not implementation detail: they are fixed when a module is compiled and
// instantiation only fills in values at those offsets.
package vmctx

// Offset is a byte offset of a field from the start of the context.
type Offset uint32

// LayoutVersion identifies the layout algorithm below. Any change to field
// order or sizing must bump it; artifact metadata records the version so a
// cached artifact compiled against a different layout fails closed at load.
const LayoutVersion = uint32(1)

const slotSize = 8

type (
	// MemoryOffsets locates one linear memory's base pointer and byte
	// length. Compiled code reloads both after any call that may have grown
	// the memory.
	MemoryOffsets struct {
		Base, Length Offset
	}

	// TableOffsets locates one table's element base pointer and length in
	// elements.
	TableOffsets struct {
		Base, Length Offset
	}

	// ImportOffsets locates one imported function slot: a code handle and
	// an environment pointer. Host functions and functions of other
	// instances share this shape, which is what lets compiled code invoke
	// every callee the same way.
	ImportOffsets struct {
		Code, Env Offset
	}

	// Layout is the struct-of-offsets descriptor for one compiled artifact.
	// It doubles as the serialization schema for artifact metadata.
	Layout struct {
		// Fuel is the metering counter, decremented by compiled code per
		// executed unit.
		Fuel              Offset
		Memories          []MemoryOffsets
		Tables            []TableOffsets
		Globals           []Offset
		ImportedFunctions []ImportOffsets
		// Size is the total context size in bytes, a multiple of 8.
		Size uint32
	}
)

// ComputeLayout assigns every field an 8-byte slot in declaration order:
// the fuel counter first, then per-memory {base, length}, per-table
// {base, length}, per-global storage pointer, and per-imported-function
// {code, env} pairs. It is deterministic: equal counts produce equal
// layouts, which is what makes serialized artifact metadata reloadable.
func ComputeLayout(memories, tables, globals, importedFuncs int) *Layout {
	l := &Layout{}
	next := Offset(0)
	alloc := func() Offset {
		o := next
		next += slotSize
		return o
	}

	l.Fuel = alloc()
	l.Memories = make([]MemoryOffsets, memories)
	for i := range l.Memories {
		l.Memories[i] = MemoryOffsets{Base: alloc(), Length: alloc()}
	}
	l.Tables = make([]TableOffsets, tables)
	for i := range l.Tables {
		l.Tables[i] = TableOffsets{Base: alloc(), Length: alloc()}
	}
	l.Globals = make([]Offset, globals)
	for i := range l.Globals {
		l.Globals[i] = alloc()
	}
	l.ImportedFunctions = make([]ImportOffsets, importedFuncs)
	for i := range l.ImportedFunctions {
		l.ImportedFunctions[i] = ImportOffsets{Code: alloc(), Env: alloc()}
	}
	l.Size = uint32(next)
	return l
}

// slots returns the number of 8-byte slots in the context.
func (l *Layout) slots() int {
	return int(l.Size / slotSize)
}

// Package artifact serializes compiled-artifact metadata for caching. The
// encoding stores declarations only: machine code entry points are not Go
// values that survive a round trip, so the codegen collaborator re-attaches
// them after Deserialize.
package artifact

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/kestrelvm/kestrel/api"
	"github.com/kestrelvm/kestrel/internal/vmctx"
	"github.com/kestrelvm/kestrel/internal/wasm"
)

// ErrIncompatibleArtifact means the encoded bytes were produced by a
// different runtime version or VMContext layout version. Callers should
// treat the cache entry as stale and recompile.
var ErrIncompatibleArtifact = errors.New("incompatible artifact encoding")

var magic = []byte{'K', 'S', 'T', 'R', 'L'}

var crc = crc32.MakeTable(crc32.Castagnoli)

// Serialize encodes a's declarations, prefixed with the given runtime
// version and the VMContext layout version, and suffixed with a checksum.
func Serialize(version string, a *wasm.Artifact) []byte {
	e := &encoder{}
	e.bytes(magic)
	e.buf = append(e.buf, byte(len(version)))
	e.bytes([]byte(version))
	e.u32(vmctx.LayoutVersion)

	e.str(a.Name)

	e.u32(uint32(len(a.ImportedFunctions)))
	for i := range a.ImportedFunctions {
		imp := &a.ImportedFunctions[i]
		e.str(imp.Module)
		e.str(imp.Name)
		e.funcType(imp.Type)
	}
	e.u32(uint32(len(a.ImportedMemories)))
	for i := range a.ImportedMemories {
		imp := &a.ImportedMemories[i]
		e.str(imp.Module)
		e.str(imp.Name)
		e.limits(imp.Limits)
	}
	e.u32(uint32(len(a.ImportedTables)))
	for i := range a.ImportedTables {
		imp := &a.ImportedTables[i]
		e.str(imp.Module)
		e.str(imp.Name)
		e.limits(imp.Decl.Limits)
		e.buf = append(e.buf, byte(imp.Decl.Kind))
	}

	e.u32(uint32(len(a.Functions)))
	for i := range a.Functions {
		e.funcType(a.Functions[i].Type)
		e.str(a.Functions[i].Name)
	}
	e.u32(uint32(len(a.Memories)))
	for _, l := range a.Memories {
		e.limits(l)
	}
	e.u32(uint32(len(a.Tables)))
	for _, t := range a.Tables {
		e.limits(t.Limits)
		e.buf = append(e.buf, byte(t.Kind))
	}
	e.u32(uint32(len(a.Globals)))
	for _, g := range a.Globals {
		e.buf = append(e.buf, byte(g.Type), boolByte(g.Mutable))
		e.u64(g.Init)
	}

	// Exports are sorted so equal artifacts encode identically.
	names := make([]string, 0, len(a.Exports))
	for name := range a.Exports {
		names = append(names, name)
	}
	sort.Strings(names)
	e.u32(uint32(len(names)))
	for _, name := range names {
		exp := a.Exports[name]
		e.str(name)
		e.buf = append(e.buf, byte(exp.Kind))
		e.u32(exp.Index)
	}

	if a.Start != nil {
		e.buf = append(e.buf, 1)
		e.u32(*a.Start)
	} else {
		e.buf = append(e.buf, 0)
	}

	e.u32(uint32(len(a.DataSegments)))
	for _, seg := range a.DataSegments {
		e.u32(seg.MemoryIndex)
		e.u32(seg.Offset)
		e.u32(uint32(len(seg.Init)))
		e.bytes(seg.Init)
	}
	e.u32(uint32(len(a.ElementSegments)))
	for _, seg := range a.ElementSegments {
		e.u32(seg.TableIndex)
		e.u32(seg.Offset)
		e.u32(uint32(len(seg.FuncIndexes)))
		for _, fidx := range seg.FuncIndexes {
			e.u32(fidx)
		}
	}

	e.u32(crc32.Checksum(e.buf, crc))
	return e.buf
}

// Deserialize decodes an artifact's declarations. Every Function comes
// back with a nil Code; version or layout drift fails with
// ErrIncompatibleArtifact.
func Deserialize(version string, data []byte) (*wasm.Artifact, error) {
	if len(data) < len(magic)+4 {
		return nil, fmt.Errorf("%w: truncated", ErrIncompatibleArtifact)
	}
	body, sum := data[:len(data)-4], binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.Checksum(body, crc) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrIncompatibleArtifact)
	}

	d := &decoder{buf: body}
	if string(d.take(len(magic))) != string(magic) {
		return nil, fmt.Errorf("%w: bad magic", ErrIncompatibleArtifact)
	}
	if got := string(d.take(int(d.byte()))); got != version {
		return nil, fmt.Errorf("%w: runtime version %q, artifact version %q", ErrIncompatibleArtifact, version, got)
	}
	if got := d.u32(); got != vmctx.LayoutVersion {
		return nil, fmt.Errorf("%w: layout version %d, artifact layout version %d",
			ErrIncompatibleArtifact, vmctx.LayoutVersion, got)
	}

	a := &wasm.Artifact{Name: d.str()}

	for n := d.u32(); n > 0 && d.err == nil; n-- {
		a.ImportedFunctions = append(a.ImportedFunctions, wasm.FunctionImport{
			Module: d.str(), Name: d.str(), Type: d.funcType(),
		})
	}
	for n := d.u32(); n > 0 && d.err == nil; n-- {
		a.ImportedMemories = append(a.ImportedMemories, wasm.MemoryImport{
			Module: d.str(), Name: d.str(), Limits: d.limits(),
		})
	}
	for n := d.u32(); n > 0 && d.err == nil; n-- {
		a.ImportedTables = append(a.ImportedTables, wasm.TableImport{
			Module: d.str(), Name: d.str(),
			Decl: wasm.TableDecl{Limits: d.limits(), Kind: wasm.ElemKind(d.byte())},
		})
	}

	for n := d.u32(); n > 0 && d.err == nil; n-- {
		a.Functions = append(a.Functions, wasm.Function{Type: d.funcType(), Name: d.str()})
	}
	for n := d.u32(); n > 0 && d.err == nil; n-- {
		a.Memories = append(a.Memories, d.limits())
	}
	for n := d.u32(); n > 0 && d.err == nil; n-- {
		a.Tables = append(a.Tables, wasm.TableDecl{Limits: d.limits(), Kind: wasm.ElemKind(d.byte())})
	}
	for n := d.u32(); n > 0 && d.err == nil; n-- {
		a.Globals = append(a.Globals, wasm.GlobalDecl{
			Type: api.ValueType(d.byte()), Mutable: d.byte() == 1, Init: d.u64(),
		})
	}

	if n := d.u32(); n > 0 {
		a.Exports = make(map[string]wasm.Export, n)
		for ; n > 0 && d.err == nil; n-- {
			name := d.str()
			a.Exports[name] = wasm.Export{Kind: api.ExternType(d.byte()), Index: d.u32()}
		}
	}

	if d.byte() == 1 {
		start := d.u32()
		a.Start = &start
	}

	for n := d.u32(); n > 0 && d.err == nil; n-- {
		seg := wasm.DataSegment{MemoryIndex: d.u32(), Offset: d.u32()}
		init := d.take(int(d.u32()))
		seg.Init = append([]byte(nil), init...)
		a.DataSegments = append(a.DataSegments, seg)
	}
	for n := d.u32(); n > 0 && d.err == nil; n-- {
		seg := wasm.ElementSegment{TableIndex: d.u32(), Offset: d.u32()}
		for m := d.u32(); m > 0 && d.err == nil; m-- {
			seg.FuncIndexes = append(seg.FuncIndexes, d.u32())
		}
		a.ElementSegments = append(a.ElementSegments, seg)
	}

	if d.err != nil {
		return nil, d.err
	}
	if d.pos != len(d.buf) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrIncompatibleArtifact, len(d.buf)-d.pos)
	}
	return a, nil
}

type encoder struct {
	buf []byte
}

func (e *encoder) bytes(b []byte) { e.buf = append(e.buf, b...) }

func (e *encoder) u32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *encoder) u64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

func (e *encoder) str(s string) {
	e.u32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) funcType(t *wasm.FunctionType) {
	e.u32(uint32(len(t.Params)))
	e.bytes(t.Params)
	e.u32(uint32(len(t.Results)))
	e.bytes(t.Results)
}

func (e *encoder) limits(l wasm.Limits) {
	e.u32(l.Min)
	if l.Max != nil {
		e.buf = append(e.buf, 1)
		e.u32(*l.Max)
	} else {
		e.buf = append(e.buf, 0)
		e.u32(0)
	}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// decoder reads the encoding with a sticky error; on truncation every
// subsequent read returns zero values and the caller checks err once.
type decoder struct {
	buf []byte
	pos int
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil || n < 0 || d.pos+n > len(d.buf) {
		if d.err == nil {
			d.err = fmt.Errorf("%w: truncated", ErrIncompatibleArtifact)
		}
		return nil
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b
}

func (d *decoder) byte() byte {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *decoder) u64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *decoder) str() string {
	return string(d.take(int(d.u32())))
}

func (d *decoder) funcType() *wasm.FunctionType {
	t := &wasm.FunctionType{}
	if n := d.u32(); n > 0 {
		t.Params = append([]api.ValueType(nil), d.take(int(n))...)
	}
	if n := d.u32(); n > 0 {
		t.Results = append([]api.ValueType(nil), d.take(int(n))...)
	}
	return t
}

func (d *decoder) limits() wasm.Limits {
	l := wasm.Limits{Min: d.u32()}
	hasMax := d.byte()
	max := d.u32()
	if hasMax == 1 {
		l.Max = &max
	}
	return l
}

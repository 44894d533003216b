package kestrel

import (
	"bytes"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kestrelvm/kestrel/api"
	"github.com/kestrelvm/kestrel/artifactcache"
)

// counterArtifact exports "bump", which adds its argument to an exported
// mutable global and returns the new total, and the memory "memory".
func counterArtifact() *Artifact {
	a := &Artifact{
		Name:     "counter",
		Memories: []Limits{{Min: 1, Max: Uint32Ptr(2)}},
		Globals:  []GlobalDecl{{Type: api.ValueTypeI64, Mutable: true}},
		Functions: []Function{{
			Type: &FunctionType{
				Params:  []api.ValueType{api.ValueTypeI64},
				Results: []api.ValueType{api.ValueTypeI64},
			},
			Name: "bump",
		}},
		Exports: map[string]Export{
			"bump":   {Kind: api.ExternTypeFunc, Index: 0},
			"total":  {Kind: api.ExternTypeGlobal, Index: 0},
			"memory": {Kind: api.ExternTypeMemory, Index: 0},
		},
	}
	attachCounterCode(a)
	return a
}

// attachCounterCode plays the codegen collaborator: it installs entry
// points against the artifact's layout.
func attachCounterCode(a *Artifact) {
	lay := a.Layout()
	a.Functions[0].Code = func(e *Exec, ctx unsafe.Pointer, stack []uint64) {
		gp := uintptr(load64(ctx, uint32(lay.Globals[0])))
		total := *(*uint64)(unsafe.Pointer(gp)) + stack[0]
		*(*uint64)(unsafe.Pointer(gp)) = total
		stack[0] = total
	}
}

func load64(ctx unsafe.Pointer, off uint32) uint64 {
	return *(*uint64)(unsafe.Pointer(uintptr(ctx) + uintptr(off)))
}

func TestRuntime_Instantiate(t *testing.T) {
	r := New(NewRuntimeConfig().WithLogger(zaptest.NewLogger(t)))

	inst, err := r.Instantiate(counterArtifact(), nil)
	require.NoError(t, err)
	defer inst.Close() //nolint:errcheck

	results, err := inst.Call("bump", 5)
	require.NoError(t, err)
	require.Equal(t, []uint64{5}, results)

	results, err = inst.Call("bump", 7)
	require.NoError(t, err)
	require.Equal(t, []uint64{12}, results)

	g, ok := inst.ExportedGlobal("total")
	require.True(t, ok)
	require.Equal(t, uint64(12), g.Val)
}

func TestRuntime_NilConfig(t *testing.T) {
	inst, err := New(nil).Instantiate(counterArtifact(), nil)
	require.NoError(t, err)
	require.NoError(t, inst.Close())
}

func TestRuntime_MemoryCeiling(t *testing.T) {
	r := New(NewRuntimeConfig().WithMemoryMaxPages(1))

	_, err := r.Instantiate(counterArtifact(), nil) // declares max 2
	var ie *InstantiationError
	require.ErrorAs(t, err, &ie)
	require.Equal(t, ReasonLimitIncompatible, ie.Reason)

	// An unbounded declaration counts as 4GiB.
	a := counterArtifact()
	a.Memories = []Limits{{Min: 1}}
	_, err = r.Instantiate(a, nil)
	require.ErrorAs(t, err, &ie)
	require.Equal(t, ReasonLimitIncompatible, ie.Reason)
}

func TestRuntime_Fuel(t *testing.T) {
	a := counterArtifact()
	inner := a.Functions[0].Code
	a.Functions[0].Code = func(e *Exec, ctx unsafe.Pointer, stack []uint64) {
		e.ConsumeFuel(10)
		inner(e, ctx, stack)
	}

	r := New(NewRuntimeConfig().WithFuel(25))
	inst, err := r.Instantiate(a, nil)
	require.NoError(t, err)
	defer inst.Close() //nolint:errcheck

	_, err = inst.Call("bump", 1)
	require.NoError(t, err)
	_, err = inst.Call("bump", 1)
	require.NoError(t, err)
	require.Equal(t, uint64(5), inst.Fuel())

	_, err = inst.Call("bump", 1)
	require.ErrorIs(t, err, NewTrapError(TrapMeteringExhausted))

	inst.SetFuel(10)
	results, err := inst.Call("bump", 1)
	require.NoError(t, err)
	require.Equal(t, []uint64{3}, results)
}

func TestRuntime_ArtifactCache(t *testing.T) {
	r := New(nil)
	cache := artifactcache.NewMemoryCache()
	guestCode := []byte("\x00asm...counter")

	key, err := r.StoreArtifact(cache, guestCode, counterArtifact())
	require.NoError(t, err)
	require.Equal(t, artifactcache.ChecksumOf(guestCode), key)

	loaded, ok, err := r.LoadArtifact(cache, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "counter", loaded.Name)
	require.Nil(t, loaded.Functions[0].Code)

	// Re-attaching entry points makes the loaded artifact runnable.
	attachCounterCode(loaded)
	inst, err := r.Instantiate(loaded, nil)
	require.NoError(t, err)
	defer inst.Close() //nolint:errcheck
	results, err := inst.Call("bump", 9)
	require.NoError(t, err)
	require.Equal(t, []uint64{9}, results)
}

func TestRuntime_LoadArtifact_Misses(t *testing.T) {
	r := New(nil)
	cache := artifactcache.NewMemoryCache()
	key := artifactcache.ChecksumOf([]byte("unknown"))

	_, ok, err := r.LoadArtifact(cache, key)
	require.NoError(t, err)
	require.False(t, ok)

	// A corrupt or foreign-version entry is dropped and reported as a
	// miss, not an error.
	require.NoError(t, cache.Put(key, bytes.NewReader([]byte("garbage"))))
	_, ok, err = r.LoadArtifact(cache, key)
	require.NoError(t, err)
	require.False(t, ok)

	// The bad entry is gone.
	_, ok, err = cache.Get(key)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGuardedExecutionEndToEnd(t *testing.T) {
	a := counterArtifact()
	lay := a.Layout()
	a.Functions = append(a.Functions, Function{
		Type: &FunctionType{Params: []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}},
		Name: "store32",
		Code: func(e *Exec, ctx unsafe.Pointer, stack []uint64) {
			base := uintptr(load64(ctx, uint32(lay.Memories[0].Base)))
			*(*uint32)(unsafe.Pointer(base + uintptr(uint32(stack[0])))) = uint32(stack[1])
		},
	})
	a.Exports["store32"] = Export{Kind: api.ExternTypeFunc, Index: 1}

	inst, err := New(nil).Instantiate(a, nil)
	require.NoError(t, err)
	defer inst.Close() //nolint:errcheck

	_, err = inst.Call("store32", 64, 7)
	require.NoError(t, err)
	mem, ok := inst.ExportedMemory("memory")
	require.True(t, ok)
	v, ok := mem.ReadUint32Le(64)
	require.True(t, ok)
	require.Equal(t, uint32(7), v)

	_, err = inst.Call("store32", uint64(MemoryPageSize)*2+8, 7)
	require.ErrorIs(t, err, NewTrapError(TrapMemoryOutOfBounds))

	// The trap left the instance healthy.
	_, err = inst.Call("bump", 1)
	require.NoError(t, err)
}

// Package kestrel is the runtime support layer for a WebAssembly
// execution engine: it owns guarded linear memories and tables, the
// VMContext structure compiled code reads at fixed offsets, trap handling,
// instance lifecycle and fuel metering. Code generation is a separate
// collaborator; this package consumes its artifacts and trusts their
// declarations.
package kestrel

import (
	"bytes"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/kestrelvm/kestrel/artifactcache"
	"github.com/kestrelvm/kestrel/internal/artifact"
	"github.com/kestrelvm/kestrel/internal/version"
	"github.com/kestrelvm/kestrel/internal/wasm"
)

// Re-exported model types. Artifacts reference these directly; the
// internal package keeps the invariant-bearing machinery out of the public
// import graph.
type (
	// Artifact is a compiled guest: entry points plus the declarations the
	// code was compiled against.
	Artifact = wasm.Artifact
	// Instance is one instantiated Artifact.
	Instance = wasm.Instance
	// Imports supplies values for an artifact's declared imports.
	Imports = wasm.Imports

	// Exec is the builtin surface threaded through compiled functions.
	Exec = wasm.Exec
	// Code is one compiled function entry point.
	Code = wasm.Code
	// Index is a position in the combined function index space.
	Index = wasm.Index

	Function       = wasm.Function
	FunctionType   = wasm.FunctionType
	FunctionImport = wasm.FunctionImport
	HostFunction   = wasm.HostFunction
	FunctionHandle = wasm.FunctionHandle

	Memory       = wasm.Memory
	MemoryImport = wasm.MemoryImport
	Table        = wasm.Table
	TableDecl    = wasm.TableDecl
	TableImport  = wasm.TableImport
	Element      = wasm.Element
	ElemKind     = wasm.ElemKind
	Global       = wasm.Global
	GlobalDecl   = wasm.GlobalDecl
	Limits       = wasm.Limits
	Export       = wasm.Export

	DataSegment    = wasm.DataSegment
	ElementSegment = wasm.ElementSegment
)

const (
	ElemKindFuncref   = wasm.ElemKindFuncref
	ElemKindExternref = wasm.ElemKindExternref

	// MemoryPageSize is the WebAssembly page size, 65536 bytes.
	MemoryPageSize = wasm.MemoryPageSize
	// MemoryMaxPages is the largest addressable page count, 4GiB worth.
	MemoryMaxPages = wasm.MemoryMaxPages
)

// Uint32Ptr is a convenience for building Limits literals.
func Uint32Ptr(v uint32) *uint32 { return wasm.Uint32Ptr(v) }

// Runtime instantiates artifacts under one shared configuration.
type Runtime struct {
	cfg    *RuntimeConfig
	logger *zap.Logger
}

// New returns a Runtime for the given configuration; nil selects
// NewRuntimeConfig().
func New(cfg *RuntimeConfig) *Runtime {
	if cfg == nil {
		cfg = NewRuntimeConfig()
	} else {
		cfg = cfg.clone()
	}
	l := cfg.logger
	if l == nil {
		l = Logger()
	}
	return &Runtime{cfg: cfg, logger: l}
}

// Instantiate builds a live Instance from an artifact and its imports.
// Failures are an *InstantiationError whose Reason says which phase
// refused; on failure nothing is left allocated.
func (r *Runtime) Instantiate(a *Artifact, imports Imports) (*Instance, error) {
	if err := r.checkMemoryCeiling(a); err != nil {
		return nil, err
	}
	return wasm.Instantiate(a, imports, wasm.Config{
		GuardSize:    r.cfg.guardSize,
		Fuel:         r.cfg.fuel,
		FuelEnabled:  r.cfg.fuelEnabled,
		MaxCallDepth: r.cfg.maxCallDepth,
		Logger:       r.logger,
	})
}

// checkMemoryCeiling applies WithMemoryMaxPages: every declared memory,
// local or imported, must fit under the runtime's ceiling, and an absent
// maximum counts as the full 4GiB.
func (r *Runtime) checkMemoryCeiling(a *Artifact) error {
	ceiling := r.cfg.memoryMaxPages
	if ceiling >= wasm.MemoryMaxPages {
		return nil
	}
	check := func(what string, l Limits) error {
		max := wasm.MemoryMaxPages
		if l.Max != nil {
			max = *l.Max
		}
		if max > ceiling {
			return &InstantiationError{Reason: ReasonLimitIncompatible,
				Cause: fmt.Errorf("%s declares up to %d pages, runtime allows %d", what, max, ceiling)}
		}
		return nil
	}
	for i, l := range a.Memories {
		if err := check(fmt.Sprintf("memory[%d]", i), l); err != nil {
			return err
		}
	}
	for _, imp := range a.ImportedMemories {
		if err := check(fmt.Sprintf("imported memory %q.%q", imp.Module, imp.Name), imp.Limits); err != nil {
			return err
		}
	}
	return nil
}

// StoreArtifact serializes a's declarations into the cache, keyed by the
// checksum of the guest code it was compiled from, and returns that key.
func (r *Runtime) StoreArtifact(cache artifactcache.Cache, guestCode []byte, a *Artifact) (artifactcache.Checksum, error) {
	key := artifactcache.ChecksumOf(guestCode)
	data := artifact.Serialize(version.GetRuntimeVersion(), a)
	if err := cache.Put(key, bytes.NewReader(data)); err != nil {
		return key, fmt.Errorf("store artifact: %w", err)
	}
	r.logger.Debug("stored artifact", zap.String("artifact", a.Name), zap.Int("bytes", len(data)))
	return key, nil
}

// LoadArtifact reads the entry for key and decodes it. Functions come back
// with nil Code; the codegen collaborator re-attaches entry points. A
// missing entry reports ok false. An entry from another runtime version is
// deleted and reported as a miss, so callers recompile instead of failing.
func (r *Runtime) LoadArtifact(cache artifactcache.Cache, key artifactcache.Checksum) (*Artifact, bool, error) {
	content, ok, err := cache.Get(key)
	if err != nil || !ok {
		return nil, false, err
	}
	data, err := io.ReadAll(content)
	content.Close()
	if err != nil {
		return nil, false, fmt.Errorf("load artifact: %w", err)
	}

	a, err := artifact.Deserialize(version.GetRuntimeVersion(), data)
	if err != nil {
		// Stale or foreign entries only waste space; drop them.
		r.logger.Debug("deleting stale artifact cache entry", zap.Error(err))
		if derr := cache.Delete(key); derr != nil {
			return nil, false, derr
		}
		return nil, false, nil
	}
	return a, true, nil
}

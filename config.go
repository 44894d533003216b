package kestrel

import (
	"go.uber.org/zap"

	"github.com/kestrelvm/kestrel/internal/wasm"
)

// RuntimeConfig controls runtime behavior, with the default implementation
// as NewRuntimeConfig.
type RuntimeConfig struct {
	guardSize      uint64
	fuel           uint64
	fuelEnabled    bool
	maxCallDepth   uint32
	memoryMaxPages uint32
	logger         *zap.Logger
}

// NewRuntimeConfig returns the defaults: a 4MiB guard tail per memory,
// unmetered execution, and the stock call depth ceiling.
func NewRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		guardSize:      wasm.DefaultGuardSize,
		maxCallDepth:   wasm.DefaultMaxCallDepth,
		memoryMaxPages: wasm.MemoryMaxPages,
	}
}

// clone ensures all fields are copied even if zero.
func (c *RuntimeConfig) clone() *RuntimeConfig {
	ret := *c
	return &ret
}

// WithMemoryGuardSize sets the guard tail reserved past each memory's
// declared maximum. It must cover the widest unchecked access compiled
// code can emit; values below one page are rounded up.
func (c *RuntimeConfig) WithMemoryGuardSize(bytes uint64) *RuntimeConfig {
	ret := c.clone()
	ret.guardSize = bytes
	return ret
}

// WithFuel enables metering with the given budget. Execution traps once
// the budget is spent; Instance.SetFuel refills it.
func (c *RuntimeConfig) WithFuel(units uint64) *RuntimeConfig {
	ret := c.clone()
	ret.fuel = units
	ret.fuelEnabled = true
	return ret
}

// WithMaxCallDepth bounds nested function calls. Exceeding it unwinds with
// a stack exhaustion trap instead of growing the native stack without
// limit.
func (c *RuntimeConfig) WithMaxCallDepth(depth uint32) *RuntimeConfig {
	ret := c.clone()
	ret.maxCallDepth = depth
	return ret
}

// WithMemoryMaxPages reduces the maximum number of pages any memory may
// declare from 65536 pages (4GiB) to a lower value. An artifact declaring
// more, or declaring no maximum when this is set lower, fails to
// instantiate.
func (c *RuntimeConfig) WithMemoryMaxPages(pages uint32) *RuntimeConfig {
	ret := c.clone()
	ret.memoryMaxPages = pages
	return ret
}

// WithLogger routes the runtime's debug events to l instead of the
// package-level Logger.
func (c *RuntimeConfig) WithLogger(l *zap.Logger) *RuntimeConfig {
	ret := c.clone()
	ret.logger = l
	return ret
}

// Package platform isolates the OS-specific virtual memory primitives the
// guarded region allocator is built on: reserving address space without
// backing it, committing page ranges read-write, and releasing reservations.
package platform

import "os"

var pageSize = os.Getpagesize()

// PageSize returns the OS page size in bytes. This is the commit
// granularity, not the WebAssembly page size.
func PageSize() int {
	return pageSize
}

// RoundUpToPage rounds size up to a multiple of the OS page size.
func RoundUpToPage(size uint64) uint64 {
	mask := uint64(pageSize - 1)
	return (size + mask) &^ mask
}

//go:build unix

package platform

import "golang.org/x/sys/unix"

// ReserveAddressSpace maps size bytes of anonymous, private, inaccessible
// address space. No physical memory is committed until CommitPages makes a
// sub-range read-write; until then any access faults.
func ReserveAddressSpace(size int) ([]byte, error) {
	// NORESERVE keeps the kernel from charging swap for pages that may never
	// be committed.
	return unix.Mmap(-1, 0, size,
		unix.PROT_NONE,
		unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
}

// CommitPages makes the given page-aligned sub-slice of a reservation
// readable and writable.
func CommitPages(mem []byte) error {
	return unix.Mprotect(mem, unix.PROT_READ|unix.PROT_WRITE)
}

// FreeAddressSpace releases an entire reservation, committed or not.
func FreeAddressSpace(mem []byte) error {
	return unix.Munmap(mem)
}

//go:build !unix

package platform

import (
	"fmt"
	"runtime"
)

var errUnsupported = fmt.Errorf("guarded memory regions are not supported on %s", runtime.GOOS)

func ReserveAddressSpace(int) ([]byte, error) {
	return nil, errUnsupported
}

func CommitPages([]byte) error {
	return errUnsupported
}

func FreeAddressSpace([]byte) error {
	return errUnsupported
}

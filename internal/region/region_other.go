//go:build !unix && !windows

package region

import (
	"os"
	"unsafe"
)

// mapAnon over-allocates from the Go heap and trims to a page boundary
// when there is no anonymous mapping to call.
func mapAnon(size int) ([]byte, error) {
	page := os.Getpagesize()
	raw := make([]byte, size+page)
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(raw)))
	off := int((uintptr(page) - addr%uintptr(page)) % uintptr(page))
	return raw[off : off+size : off+size], nil
}

func unmap([]byte) error { return nil }

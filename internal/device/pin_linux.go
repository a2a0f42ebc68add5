//go:build linux

package device

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func pinMemory(f []float32) error {
	if len(f) == 0 {
		return nil
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(&f[0])), len(f)*4)
	return unix.Mlock(b)
}

func unpinMemory(f []float32) error {
	if len(f) == 0 {
		return nil
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(&f[0])), len(f)*4)
	return unix.Munlock(b)
}

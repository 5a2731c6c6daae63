//go:build unix

package detour

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	protExec = unix.PROT_EXEC
	protRX   = unix.PROT_READ | unix.PROT_EXEC
	protRWX  = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
)

// mprotect changes the protection of every page overlapping [addr, addr+size).
func mprotect(addr uintptr, size int, prot int) error {
	pageSize := uintptr(unix.Getpagesize())

	start := addr &^ (pageSize - 1)
	end := (addr + uintptr(size) + pageSize - 1) &^ (pageSize - 1)

	region := unsafe.Slice((*byte)(unsafe.Pointer(start)), end-start)
	return unix.Mprotect(region, prot)
}

//go:build windows

package detour

import (
	"golang.org/x/sys/windows"
)

const (
	protExec = windows.PAGE_EXECUTE
	protRX   = windows.PAGE_EXECUTE_READ
	protRWX  = windows.PAGE_EXECUTE_READWRITE
)

func mprotect(addr uintptr, size int, prot int) error {
	pageSize := uintptr(windows.Getpagesize())

	start := addr &^ (pageSize - 1)
	end := (addr + uintptr(size) + pageSize - 1) &^ (pageSize - 1)

	var old uint32
	return windows.VirtualProtect(start, end-start, uint32(prot), &old)
}

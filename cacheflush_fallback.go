//go:build !arm64 && !arm

package detour

// x86 keeps the instruction cache coherent on its own.
func cacheflush(addr uintptr, size int) {}

//go:build (arm64 || arm) && !cgo

package detour

// ARM requires a C compiler to flush the instruction cache.
// Install a C compiler and build with CGO_ENABLED=1.
func cacheflush(addr uintptr, size int) {
	arm_requires_cgo_for_instruction_cache_flushing()
}

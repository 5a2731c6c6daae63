//go:build !(linux && amd64)

package detour

// Other platforms take whatever address the OS hands out, and fall back to
// absolute jumps when it's out of range.
const mmapFlags = 0

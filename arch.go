package detour

import (
	"github.com/pboyd/detour/internal/arm"
	"github.com/pboyd/detour/internal/arm64"
	"github.com/pboyd/detour/internal/machine"
	"github.com/pboyd/detour/internal/thumb"
	"github.com/pboyd/detour/internal/x86"
)

// Arch identifies an instruction set.
type Arch = machine.Arch

const (
	ARM64  = machine.ARM64
	ARM32  = machine.ARM32
	X86    = machine.X86
	X86_64 = machine.X86_64
)

// Instruction is one decoded instruction of a hooked prologue.
type Instruction = machine.Instruction

// HostArch returns the architecture hooks are installed for. It's fixed when
// the program is built.
func HostArch() Arch {
	return machine.Host()
}

func backendFor(arch Arch) (machine.Backend, error) {
	switch arch {
	case X86_64:
		return x86.New(64), nil
	case X86:
		return x86.New(32), nil
	case ARM64:
		return arm64.New(), nil
	case ARM32:
		return arm.New(), nil
	}
	return nil, ErrUnsupportedArch
}

// interworkingBackend returns the backend for targets with the low bit set,
// which on ARM are Thumb code. It's nil where the bit means nothing.
func interworkingBackend(arch Arch) machine.Backend {
	if arch == ARM32 {
		return thumb.New()
	}
	return nil
}

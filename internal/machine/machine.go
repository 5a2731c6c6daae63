// Package machine holds the architecture independent model of decoded machine
// code shared by the per-architecture backends.
package machine

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrUnsupportedInstruction is returned when an instruction can't be decoded,
// or can't be moved to a new address without changing its behavior.
var ErrUnsupportedInstruction = errors.New("unsupported instruction")

// Arch identifies an instruction set.
type Arch uint8

const (
	ArchUnknown Arch = iota
	ARM64
	ARM32
	X86
	X86_64
)

func (a Arch) String() string {
	switch a {
	case ARM64:
		return "arm64"
	case ARM32:
		return "arm"
	case X86:
		return "386"
	case X86_64:
		return "amd64"
	}
	return "unknown"
}

// Host returns the architecture the binary was built for.
func Host() Arch {
	switch runtime.GOARCH {
	case "arm64":
		return ARM64
	case "arm":
		return ARM32
	case "386":
		return X86
	case "amd64":
		return X86_64
	}
	return ArchUnknown
}

// Relocation says whether an instruction can be copied byte for byte.
type Relocation uint8

const (
	// PositionIndependent instructions behave the same at any address.
	PositionIndependent Relocation = iota

	// PositionDependent instructions encode an offset from their own
	// address and must be rewritten when moved.
	PositionDependent
)

func (r Relocation) String() string {
	if r == PositionDependent {
		return "position-dependent"
	}
	return "position-independent"
}

// Instruction is a single decoded instruction.
type Instruction struct {
	Arch  Arch
	Addr  uintptr
	Bytes []byte
	Reloc Relocation

	// Target is the absolute address referenced by a position dependent
	// instruction.
	Target uintptr

	// Text is the disassembly, for diagnostics only.
	Text string
}

// Len returns the encoded length in bytes.
func (i Instruction) Len() int {
	return len(i.Bytes)
}

// End returns the address of the next instruction.
func (i Instruction) End() uintptr {
	return i.Addr + uintptr(len(i.Bytes))
}

func (i Instruction) String() string {
	return fmt.Sprintf("%#x %x %s", i.Addr, i.Bytes, i.Text)
}

// Backend decodes, relocates and encodes code for one architecture.
//
// Every method works on byte slices paired with the address the code lives
// at (or will live at), so none of them touch process memory.
type Backend interface {
	Arch() Arch

	// Decode decodes the instruction at the start of code, which is
	// located at pc.
	Decode(code []byte, pc uintptr) (Instruction, error)

	// PatchSize returns the number of bytes needed for a redirect from
	// target to dest.
	PatchSize(target, dest uintptr) int

	// Redirect encodes an unconditional branch from pc to dest, padded
	// with no-ops to size bytes.
	Redirect(pc, dest uintptr, size int) ([]byte, error)

	// TrampolineSize returns an upper bound on the size of the code
	// Relocate produces for prologue.
	TrampolineSize(prologue []Instruction) int

	// Relocate rewrites prologue to run from at and appends a branch to
	// resume.
	Relocate(prologue []Instruction, at, resume uintptr) ([]byte, error)

	// Disassemble renders code located at pc, one instruction per line.
	Disassemble(code []byte, pc uintptr) string
}

// Unsupported wraps ErrUnsupportedInstruction with the offending instruction.
func Unsupported(inst Instruction, reason string) error {
	return fmt.Errorf("%w: %s at %#x (%x): %s", ErrUnsupportedInstruction, inst.Text, inst.Addr, inst.Bytes, reason)
}

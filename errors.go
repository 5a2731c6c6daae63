package detour

import (
	"errors"

	"github.com/pboyd/detour/internal/machine"
)

var (
	// ErrModuleNotFound is returned when no mapping belongs to the module.
	ErrModuleNotFound = errors.New("module not loaded")

	// ErrInvalidOffsetText is returned when an offset isn't a hex number.
	ErrInvalidOffsetText = errors.New("invalid offset text")

	// ErrUnsupportedInstruction is returned when the code at the target
	// can't be decoded, or can't be moved into a trampoline without
	// changing its behavior.
	ErrUnsupportedInstruction = machine.ErrUnsupportedInstruction

	// ErrAllocationFailure is returned when executable memory for a
	// trampoline can't be obtained.
	ErrAllocationFailure = errors.New("unable to allocate executable memory")

	// ErrProtectionChange is returned when the target's pages can't be made
	// writable.
	ErrProtectionChange = errors.New("unable to change memory protection")

	ErrUnimplemented   = errors.New("not implemented")
	ErrNotHooked       = errors.New("address is not hooked")
	ErrPatchModified   = errors.New("patched code was changed by someone else")
	ErrNullAddress     = errors.New("null address")
	ErrNotExecutable   = errors.New("address is not in executable memory")
	ErrUnsupportedArch = errors.New("unsupported architecture")
)

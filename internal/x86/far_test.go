//go:build amd64 || arm64

package x86

import (
	"encoding/binary"
	"testing"

	"github.com/pboyd/detour/internal/machine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

const farAway = uintptr(0x7f12_3456_0000)

func TestPatchSize_Far(t *testing.T) {
	assert.Equal(t, absJumpSize, New(64).PatchSize(0x1000, farAway))
}

func TestRedirect_Far(t *testing.T) {
	b := New(64)

	code, err := b.Redirect(0x1000, farAway, 16)
	require.NoError(t, err)
	require.Len(t, code, 16)

	assert.Equal(t, []byte{opcodeGroup5, modrmJMPabs, 0, 0, 0, 0}, code[:6])
	assert.Equal(t, uint64(farAway), binary.LittleEndian.Uint64(code[6:]))
	assert.Equal(t, []byte{opcodeNOP, opcodeNOP}, code[14:])

	_, err = b.Redirect(0x1000, farAway, 13)
	assert.Error(t, err)
}

func TestRelocate_Far(t *testing.T) {
	b := New(64)

	t.Run("jmp", func(t *testing.T) {
		orig, err := b.Decode(rel32([]byte{opcodeJMP}, 0x400), 0x1000)
		require.NoError(t, err)

		out, err := b.Relocate([]machine.Instruction{orig}, farAway, orig.End())
		require.NoError(t, err)
		require.Len(t, out, 2*absJumpSize)
		assert.Equal(t, uint64(orig.Target), binary.LittleEndian.Uint64(out[6:]))
		assert.Equal(t, uint64(orig.End()), binary.LittleEndian.Uint64(out[absJumpSize+6:]))
	})

	t.Run("call", func(t *testing.T) {
		orig, err := b.Decode(rel32([]byte{opcodeCALLrel}, 0x400), 0x1000)
		require.NoError(t, err)

		out, err := b.Relocate([]machine.Instruction{orig}, farAway, orig.End())
		require.NoError(t, err)
		assert.Equal(t, []byte{opcodeGroup5, modrmCALLabs, 2, 0, 0, 0, opcodeJMPshort, 8}, out[:8])
		assert.Equal(t, uint64(orig.Target), binary.LittleEndian.Uint64(out[8:]))
	})

	t.Run("jcc", func(t *testing.T) {
		orig, err := b.Decode([]byte{0x74, 0x10}, 0x1000) // JE
		require.NoError(t, err)

		out, err := b.Relocate([]machine.Instruction{orig}, farAway, orig.End())
		require.NoError(t, err)

		// JNE over the absolute jump.
		assert.Equal(t, []byte{0x75, absJumpSize}, out[:2])
		assert.Equal(t, uint64(orig.Target), binary.LittleEndian.Uint64(out[8:]))
	})

	t.Run("lea", func(t *testing.T) {
		orig, err := b.Decode(rel32([]byte{0x4c, opcodeLEA, 0x05}, 0x400), 0x1000) // LEA R8
		require.NoError(t, err)

		out, err := b.Relocate([]machine.Instruction{orig}, farAway, orig.End())
		require.NoError(t, err)

		inst, err := x86asm.Decode(out, 64)
		require.NoError(t, err)
		assert.Equal(t, x86asm.MOV, inst.Op)
		assert.Equal(t, x86asm.R8, inst.Args[0])
		assert.Equal(t, x86asm.Imm(orig.Target), inst.Args[1])
	})

	t.Run("mov", func(t *testing.T) {
		cases := map[string]struct {
			code []byte
			reg  x86asm.Reg
		}{
			"rcx": {rel32([]byte{0x48, opcodeMOV_r_rm, 0x0d}, 0x400), x86asm.RCX},
			"eax": {rel32([]byte{opcodeMOV_r_rm, 0x05}, 0x400), x86asm.EAX},
			"rsp": {rel32([]byte{0x48, opcodeMOV_r_rm, 0x25}, 0x400), x86asm.RSP},
			"rbp": {rel32([]byte{0x48, opcodeMOV_r_rm, 0x2d}, 0x400), x86asm.RBP},
			"r12": {rel32([]byte{0x4c, opcodeMOV_r_rm, 0x25}, 0x400), x86asm.R12},
			"r13": {rel32([]byte{0x4c, opcodeMOV_r_rm, 0x2d}, 0x400), x86asm.R13},
		}

		for name, tc := range cases {
			t.Run(name, func(t *testing.T) {
				orig, err := b.Decode(tc.code, 0x1000)
				require.NoError(t, err)

				out, err := b.Relocate([]machine.Instruction{orig}, farAway, orig.End())
				require.NoError(t, err)

				movabs, err := x86asm.Decode(out, 64)
				require.NoError(t, err)
				assert.Equal(t, x86asm.Imm(orig.Target), movabs.Args[1])

				load, err := x86asm.Decode(out[movabs.Len:], 64)
				require.NoError(t, err)
				assert.Equal(t, x86asm.MOV, load.Op)
				assert.Equal(t, tc.reg, load.Args[0])

				mem, ok := load.Args[1].(x86asm.Mem)
				require.True(t, ok)
				assert.Equal(t, movabs.Args[0], mem.Base)
				assert.Zero(t, mem.Disp)
			})
		}
	})

	t.Run("other rip operand", func(t *testing.T) {
		orig, err := b.Decode(append(rel32([]byte{0x48, 0x83, 0x3d}, 0x10), 0), 0x1000)
		require.NoError(t, err)

		_, err = b.Relocate([]machine.Instruction{orig}, farAway, orig.End())
		assert.ErrorIs(t, err, machine.ErrUnsupportedInstruction)
	})
}

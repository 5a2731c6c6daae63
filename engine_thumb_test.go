//go:build amd64 || arm64

package detour

import (
	"encoding/binary"
	"testing"

	"github.com/pboyd/detour/internal/arm"
	"github.com/pboyd/detour/internal/thumb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func le16(halfwords ...uint16) []byte {
	var buf []byte
	for _, hw := range halfwords {
		buf = binary.LittleEndian.AppendUint16(buf, hw)
	}
	return buf
}

// PUSH {R7, LR}; ADD R7, SP, #0; MRS R0, APSR; SUB SP, #8; MOV R0, R1; MOV R1, R2
var thumbCode = le16(0xb580, 0xaf00, 0xf3ef, 0x8000, 0xb082, 0x4608, 0x4611)

// thumbPatch is BX PC; NOP; LDR PC, [PC, #-4]; .word dest
func thumbPatch(dest uintptr) []byte {
	patch := le16(0x4778, 0x46c0)
	patch = binary.LittleEndian.AppendUint32(patch, 0xe51ff004)
	return binary.LittleEndian.AppendUint32(patch, uint32(dest))
}

func newARMEngine(t *testing.T) (*Engine, *fakeMemory) {
	t.Helper()
	mem := newFakeMemory()
	e := newEngine(DefaultConfig(), arm.New(), mem, fakeMaps, newRegistry())
	e.thumb = thumb.New()
	return e, mem
}

func TestEngine_Install_Thumb(t *testing.T) {
	e, mem := newARMEngine(t)
	mem.load(target, thumbCode)

	trampoline, err := e.Install(target|1, replacement)
	require.NoError(t, err)
	assert.Equal(t, arenaBase|1, trampoline)

	assert.Equal(t, thumbPatch(replacement), mem.at(target, 12))
	assert.Equal(t, thumbCode[12:], mem.at(target+12, 2), "the rest of the function is untouched")

	code := mem.blocks[arenaBase]
	require.NotNil(t, code)
	assert.Equal(t, thumbCode[:12], code[:12])

	h, ok := e.Lookup(target | 1)
	require.True(t, ok)
	assert.Equal(t, target|1, h.Target)
	assert.Equal(t, trampoline, h.Trampoline)
	assert.Equal(t, thumbCode[:12], h.Saved)
	assert.Equal(t, ARM32, h.Arch)
	assert.Len(t, h.Prologue, 5)

	_, ok = e.Lookup(target)
	assert.False(t, ok)

	require.NoError(t, e.Uninstall(target|1))
	assert.Equal(t, thumbCode, mem.at(target, len(thumbCode)))
	assert.Empty(t, mem.blocks)
	assert.Empty(t, e.Hooks())
}

func TestEngine_Install_ThumbHalfwordAligned(t *testing.T) {
	e, mem := newARMEngine(t)
	at := target + 2
	mem.load(at, thumbCode)

	_, err := e.Install(at|1, replacement)
	require.NoError(t, err)

	h, ok := e.Lookup(at | 1)
	require.True(t, ok)
	assert.Len(t, h.Patch, 14)
	assert.Equal(t, thumbCode, h.Saved)
	assert.Equal(t, append(le16(0x46c0), thumbPatch(replacement)...), mem.at(at, 14))
}

func TestEngine_Install_ThumbUnsupported(t *testing.T) {
	e, mem := newARMEngine(t)
	// IT EQ ahead of a conditional instruction.
	mem.load(target, le16(0xbf08, 0x2001, 0xb580, 0xaf00, 0xb082, 0x4608, 0x4611))
	before := mem.read(target, 14)

	_, err := e.Install(target|1, replacement)
	assert.ErrorIs(t, err, ErrUnsupportedInstruction)
	assert.Equal(t, before, mem.at(target, 14))
	assert.Empty(t, mem.blocks)
}

func TestEngine_Install_ARMBesideThumb(t *testing.T) {
	e, mem := newARMEngine(t)

	// PUSH {R4, LR}; BX LR
	code := binary.LittleEndian.AppendUint32(nil, 0xe92d4010)
	code = binary.LittleEndian.AppendUint32(code, 0xe12fff1e)
	mem.load(target, code)

	trampoline, err := e.Install(target, replacement)
	require.NoError(t, err)
	assert.Equal(t, arenaBase, trampoline)

	// B replacement
	offset := uint32(replacement-target-8) >> 2
	assert.Equal(t, binary.LittleEndian.AppendUint32(nil, 0xea000000|offset), mem.at(target, 4))
}

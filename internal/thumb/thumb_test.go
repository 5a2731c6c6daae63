package thumb

import (
	"encoding/binary"
	"testing"

	"github.com/pboyd/detour/internal/machine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const origin = uintptr(0x8000)

// stream builds little endian Thumb code from halfwords and words.
type stream []byte

func (s stream) h(halfwords ...uint16) stream {
	for _, hw := range halfwords {
		s = binary.LittleEndian.AppendUint16(s, hw)
	}
	return s
}

func (s stream) w(words ...uint32) stream {
	for _, w := range words {
		s = binary.LittleEndian.AppendUint32(s, w)
	}
	return s
}

func halfwords(hw ...uint16) []byte {
	return stream{}.h(hw...)
}

func decode(t *testing.T, code []byte, pc uintptr) machine.Instruction {
	t.Helper()
	inst, err := New().Decode(code, pc)
	require.NoError(t, err)
	return inst
}

func TestWidth(t *testing.T) {
	assert.Equal(t, 2, width(0xb580))
	assert.Equal(t, 2, width(0xe000))
	assert.Equal(t, 4, width(0xe800))
	assert.Equal(t, 4, width(0xf3ef))
	assert.Equal(t, 4, width(0xf8df))
}

func TestDecode(t *testing.T) {
	cases := map[string]struct {
		code   []byte
		reloc  machine.Relocation
		target uintptr
	}{
		"push":                    {code: halfwords(0xb580)},
		"nop":                     {code: halfwords(0xbf00)},
		"svc":                     {code: halfwords(0xdf00)},
		"mrs":                     {code: halfwords(0xf3ef, 0x8000)},
		"b.n":                     {halfwords(0xe010), machine.PositionDependent, origin + 0x24},
		"b.n backwards":           {halfwords(0xe7fe), machine.PositionDependent, origin},
		"beq.n":                   {halfwords(0xd010), machine.PositionDependent, origin + 0x24},
		"cbz":                     {halfwords(0xb140), machine.PositionDependent, origin + 0x14},
		"cbnz":                    {halfwords(0xb941), machine.PositionDependent, origin + 0x14},
		"b.w":                     {halfwords(0xf001, 0xb800), machine.PositionDependent, origin + 0x1004},
		"beq.w":                   {halfwords(0xf000, 0x8080), machine.PositionDependent, origin + 0x104},
		"bl":                      {halfwords(0xf001, 0xf800), machine.PositionDependent, origin + 0x1004},
		"bl backwards":            {halfwords(0xf7ff, 0xf800), machine.PositionDependent, origin - 0xffc},
		"blx":                     {halfwords(0xf001, 0xe800), machine.PositionDependent, origin + 0x1004},
		"ldr literal":             {halfwords(0x4802), machine.PositionDependent, origin + 0xc},
		"ldr.w literal":           {halfwords(0xf8df, 0x8010), machine.PositionDependent, origin + 0x14},
		"ldr.w literal backwards": {halfwords(0xf85f, 0x8010), machine.PositionDependent, origin - 0xc},
		"adr":                     {halfwords(0xa102), machine.PositionDependent, origin + 0xc},
		"adr.w":                   {halfwords(0xf20f, 0x0920), machine.PositionDependent, origin + 0x24},
		"add pc":                  {halfwords(0x447b), machine.PositionDependent, origin + 4},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			inst := decode(t, tc.code, origin)
			assert.Equal(t, machine.ARM32, inst.Arch)
			assert.Equal(t, len(tc.code), inst.Len())
			assert.Equal(t, tc.reloc, inst.Reloc)
			assert.Equal(t, tc.target, inst.Target)
		})
	}
}

func TestDecode_LiteralFromHalfword(t *testing.T) {
	// PC is rounded down to a word before the offset is added.
	inst := decode(t, halfwords(0x4802), origin+2)
	assert.Equal(t, origin+0xc, inst.Target)
}

func TestDecode_Unsupported(t *testing.T) {
	cases := map[string]struct {
		code []byte
		pc   uintptr
	}{
		"odd address":      {halfwords(0xb580), origin + 1},
		"empty":            {nil, origin},
		"truncated":        {halfwords(0xf001), origin},
		"it":               {halfwords(0xbf08), origin},
		"mov pc":           {halfwords(0x4678), origin},
		"bx pc":            {halfwords(bxPC), origin},
		"tbb":              {halfwords(0xe8df, 0xf000), origin},
		"ldr.w pc literal": {halfwords(0xf8df, 0xf010), origin},
		"ldrb literal":     {halfwords(0xf89f, 0x0004), origin},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New().Decode(tc.code, tc.pc)
			assert.ErrorIs(t, err, machine.ErrUnsupportedInstruction)
		})
	}
}

func TestPatchSize(t *testing.T) {
	b := New()
	assert.Equal(t, 12, b.PatchSize(origin, 0x20000))
	assert.Equal(t, 14, b.PatchSize(origin+2, 0x20000))
}

func TestRedirect(t *testing.T) {
	b := New()

	code, err := b.Redirect(origin, 0x20000, 12)
	require.NoError(t, err)
	assert.Equal(t, []byte(stream{}.h(bxPC, nop16).w(ldrPCMinus4, 0x20000)), code)

	code, err = b.Redirect(origin+2, 0x20001, 14)
	require.NoError(t, err)
	assert.Equal(t, []byte(stream{}.h(nop16, bxPC, nop16).w(ldrPCMinus4, 0x20001)), code)

	code, err = b.Redirect(origin, 0x20000, 14)
	require.NoError(t, err)
	assert.Equal(t, []byte(stream{}.h(bxPC, nop16).w(ldrPCMinus4, 0x20000).h(nop16)), code)

	_, err = b.Redirect(origin+2, 0x20000, 12)
	assert.Error(t, err)
	_, err = b.Redirect(origin, 0x20000, 13)
	assert.Error(t, err)
}

func TestRelocate_Plain(t *testing.T) {
	b := New()

	// PUSH {R7, LR}; ADD R7, SP, #0; MRS R0, APSR; SUB SP, #8; MOV R0, R1
	code := halfwords(0xb580, 0xaf00, 0xf3ef, 0x8000, 0xb082, 0x4608)
	prologue, used, err := machine.Measure(b, code, origin, 12)
	require.NoError(t, err)
	require.Equal(t, 12, used)
	require.Len(t, prologue, 5)

	out, err := b.Relocate(prologue, 0x20000, origin+12)
	require.NoError(t, err)
	assert.Equal(t, []byte(stream(code).h(bxPC, nop16).w(ldrPCMinus4, uint32(origin+12)|1)), out)
}

func TestRelocate(t *testing.T) {
	b := New()
	const at = uintptr(0x20000)

	jumpBack := func(s stream, resume uintptr) stream {
		if (at+uintptr(len(s)))&2 != 0 {
			s = s.h(nop16)
		}
		return s.h(bxPC, nop16).w(ldrPCMinus4, uint32(resume)|1)
	}

	cases := map[string]struct {
		code []byte
		want stream
	}{
		"b.n": {
			code: halfwords(0xe010),
			want: stream{}.h(bxPC, nop16).w(ldrPCMinus4, 0x8025),
		},
		"beq.n skips the jump when the condition fails": {
			code: halfwords(0xd010),
			want: stream{}.h(0xd106, nop16, bxPC, nop16).w(ldrPCMinus4, 0x8025),
		},
		"beq.w": {
			code: halfwords(0xf000, 0x8080),
			want: stream{}.h(0xd106, nop16, bxPC, nop16).w(ldrPCMinus4, 0x8105),
		},
		"cbz becomes cbnz": {
			code: halfwords(0xb140),
			want: stream{}.h(0xb930, nop16, bxPC, nop16).w(ldrPCMinus4, 0x8015),
		},
		"cbnz becomes cbz": {
			code: halfwords(0xb941),
			want: stream{}.h(0xb131, nop16, bxPC, nop16).w(ldrPCMinus4, 0x8015),
		},
		"bl calls through ip": {
			code: halfwords(0xf001, 0xf800),
			want: stream{}.h(ldrWLiteral, 0xc004, skipLiteral, nop16).w(0x9005).h(blxIP),
		},
		"blx stays in arm state": {
			code: halfwords(0xf001, 0xe800),
			want: stream{}.h(ldrWLiteral, 0xc004, skipLiteral, nop16).w(0x9004).h(blxIP),
		},
		"ldr literal": {
			code: halfwords(0x4802),
			want: stream{}.h(ldrWLiteral, 0x0004, skipLiteral, nop16).w(0x800c).h(0xf8d0, 0x0000),
		},
		"ldr.w literal": {
			code: halfwords(0xf8df, 0x8010),
			want: stream{}.h(ldrWLiteral, 0x8004, skipLiteral, nop16).w(0x8014).h(0xf8d8, 0x8000),
		},
		"adr": {
			code: halfwords(0xa102),
			want: stream{}.h(ldrWLiteral, 0x1004, skipLiteral, nop16).w(0x800c),
		},
		"adr.w": {
			code: halfwords(0xf20f, 0x0920),
			want: stream{}.h(ldrWLiteral, 0x9004, skipLiteral, nop16).w(0x8024),
		},
		"add pc saves a scratch register": {
			code: halfwords(0x447b),
			want: stream{}.h(0xb480, nop16, ldrWLiteral, 0x7004, skipLiteral, nop16).w(0x8004).h(0x443b, 0xbc80),
		},
		"add r7, pc uses r6": {
			code: halfwords(0x447f),
			want: stream{}.h(0xb440, nop16, ldrWLiteral, 0x6004, skipLiteral, nop16).w(0x8004).h(0x4437, 0xbc40),
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			orig := decode(t, tc.code, origin)
			prologue := []machine.Instruction{orig}

			out, err := b.Relocate(prologue, at, orig.End())
			require.NoError(t, err)
			assert.LessOrEqual(t, len(out), b.TrampolineSize(prologue))
			assert.Equal(t, []byte(jumpBack(tc.want, orig.End())), out)
		})
	}
}

func TestRelocate_SkippedJump(t *testing.T) {
	// The inverted branch lands just past the jump it skips.
	b := New()
	orig := decode(t, halfwords(0xd010), origin)

	out, err := b.Relocate([]machine.Instruction{orig}, 0x20000, orig.End())
	require.NoError(t, err)

	skip := decode(t, out, 0x20000)
	assert.Equal(t, uintptr(0x20010), skip.Target)

	cbz := decode(t, halfwords(0xb140), origin)
	out, err = b.Relocate([]machine.Instruction{cbz}, 0x20000, cbz.End())
	require.NoError(t, err)

	skip = decode(t, out, 0x20000)
	assert.Equal(t, uintptr(0x20010), skip.Target)
}

func TestRelocate_PatchedRegion(t *testing.T) {
	b := New()

	t.Run("branch", func(t *testing.T) {
		// B to the next instruction, which is also moved.
		code := halfwords(0xe7ff, 0xb580, 0xaf00, 0xb082, 0x4608, 0x4611)
		prologue, _, err := machine.Measure(b, code, origin, 12)
		require.NoError(t, err)

		_, err = b.Relocate(prologue, 0x20000, origin+12)
		assert.ErrorIs(t, err, machine.ErrUnsupportedInstruction)
	})

	t.Run("literal", func(t *testing.T) {
		orig := decode(t, halfwords(0xf85f, 0x0004), origin)
		_, err := b.Relocate([]machine.Instruction{orig}, 0x20000, orig.End())
		assert.ErrorIs(t, err, machine.ErrUnsupportedInstruction)
	})

	t.Run("address of the patched region", func(t *testing.T) {
		// ADR R0, #0 only computes an address, so it may point anywhere.
		code := halfwords(0xa000, 0xb580, 0xaf00, 0xb082, 0x4608, 0x4611)
		prologue, _, err := machine.Measure(b, code, origin, 12)
		require.NoError(t, err)

		_, err = b.Relocate(prologue, 0x20000, origin+12)
		assert.NoError(t, err)
	})
}

func TestRelocate_OddAddress(t *testing.T) {
	orig := decode(t, halfwords(0xb580), origin)
	_, err := New().Relocate([]machine.Instruction{orig}, 0x20001, orig.End())
	assert.Error(t, err)
}

func TestDisassemble(t *testing.T) {
	out := New().Disassemble(halfwords(0xb580, 0xf001, 0xf800), origin)
	assert.Contains(t, out, "0x00008000")
	assert.Contains(t, out, "0x00008002")
	assert.Contains(t, out, "BL")
}

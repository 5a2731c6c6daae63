// Package arm64 decodes and relocates AArch64 machine code.
package arm64

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/pboyd/detour/internal/machine"
	"golang.org/x/arch/arm64/arm64asm"
)

const (
	// -----------------------------------
	// | 000101 | ... 26 bit address ... |
	// -----------------------------------
	_B = uint32(5 << 26)

	// -----------------------------------
	// | 100101 | ... 26 bit address ... |
	// -----------------------------------
	_BL = uint32(1<<31 | _B)

	_NOP = uint32(0xd503201f)

	// LDR X17, #8 and friends. X17 is the second intra-procedure-call
	// scratch register, so nothing live is in it at a function boundary.
	ldrX17Literal8  = uint32(0x58000051)
	ldrX17Literal12 = uint32(0x58000071)
	brX17           = uint32(0xd61f0220)
	blrX17          = uint32(0xd63f0220)

	ldrLiteralX   = uint32(0x58000000) // LDR Xt, literal with a zero offset
	ldrWIndirect  = uint32(0xb9400000) // LDR Wt, [Xn]
	ldrXIndirect  = uint32(0xf9400000) // LDR Xt, [Xn]
	ldrSWIndirect = uint32(0xb9800000) // LDRSW Xt, [Xn]

	// ADR/ADRP is encoded as:
	// --------------------------------------------------
	// | P | lo 2 bits | 10000 | hi 19 bits | 5-bit reg |
	// --------------------------------------------------
	// Mask for the address:
	adrAddressMask = uint32(3<<29 | 0x7ffff<<5)

	imm26Mask = uint32(1<<26 - 1)
	imm19Mask = uint32(0x7ffff << 5)
	imm14Mask = uint32(0x3fff << 5)

	shortPatchSize = 4
	longPatchSize  = 16 // LDR X17, #8; BR X17; .quad dest
)

// class groups the PC-relative encodings by how their offset is stored.
type class uint8

const (
	classNone class = iota
	classB
	classBL
	classBcond // B.cond, CBZ, CBNZ: imm19
	classTB    // TBZ, TBNZ: imm14
	classLDR   // load literal: imm19
	classADR
	classADRP
)

func classify(ins uint32) class {
	switch {
	case ins&0xfc000000 == _B:
		return classB
	case ins&0xfc000000 == _BL:
		return classBL
	case ins&0xff000010 == 0x54000000, ins&0x7e000000 == 0x34000000:
		return classBcond
	case ins&0x7e000000 == 0x36000000:
		return classTB
	case ins&0x3b000000 == 0x18000000:
		return classLDR
	case ins&0x9f000000 == 0x10000000:
		return classADR
	case ins&0x9f000000 == 0x90000000:
		return classADRP
	}
	return classNone
}

// Backend implements machine.Backend for AArch64.
type Backend struct{}

func New() *Backend {
	return &Backend{}
}

func (*Backend) Arch() machine.Arch {
	return machine.ARM64
}

func (b *Backend) Decode(code []byte, pc uintptr) (machine.Instruction, error) {
	if len(code) < 4 {
		return machine.Instruction{}, fmt.Errorf("%w: truncated instruction at %#x", machine.ErrUnsupportedInstruction, pc)
	}

	instruction, err := arm64asm.Decode(code[:4])
	if err != nil {
		return machine.Instruction{}, fmt.Errorf("%w: decode error at %#x %x: %v", machine.ErrUnsupportedInstruction, pc, code[:4], err)
	}

	decoded := machine.Instruction{
		Arch:  machine.ARM64,
		Addr:  pc,
		Bytes: bytes.Clone(code[:4]),
		Text:  instruction.String(),
	}

	ins := binary.LittleEndian.Uint32(code)
	kind := classify(ins)
	if kind == classNone {
		for _, arg := range instruction.Args {
			if _, ok := arg.(arm64asm.PCRel); ok {
				decoded.Reloc = machine.PositionDependent
				return decoded, machine.Unsupported(decoded, "unknown PC-relative encoding")
			}
		}
		return decoded, nil
	}

	decoded.Reloc = machine.PositionDependent
	decoded.Target = target(ins, kind, pc)
	return decoded, nil
}

func target(ins uint32, kind class, pc uintptr) uintptr {
	var offset int64
	switch kind {
	case classB, classBL:
		offset = machine.SignExtend(uint64(ins&imm26Mask), 26) << 2
	case classBcond, classLDR:
		offset = machine.SignExtend(uint64(ins&imm19Mask>>5), 19) << 2
	case classTB:
		offset = machine.SignExtend(uint64(ins&imm14Mask>>5), 14) << 2
	case classADR:
		offset = adrImmediate(ins)
	case classADRP:
		return pc&^0xfff + uintptr(adrImmediate(ins)<<12)
	}
	return pc + uintptr(offset)
}

func adrImmediate(ins uint32) int64 {
	imm := uint64(ins>>29&3) | uint64(ins&imm19Mask>>5)<<2
	return machine.SignExtend(imm, 21)
}

func (b *Backend) PatchSize(target, dest uintptr) int {
	if branchFits(target, dest, 28) {
		return shortPatchSize
	}
	return longPatchSize
}

// branchFits reports whether dest is reachable from pc with a signed offset
// of the given number of bits.
func branchFits(pc, dest uintptr, bits uint) bool {
	offset := int64(dest) - int64(pc)
	return offset&3 == 0 && machine.Fits(offset, bits)
}

func (b *Backend) Redirect(pc, dest uintptr, size int) ([]byte, error) {
	if size%4 != 0 {
		return nil, fmt.Errorf("patch size %d is not a whole number of instructions", size)
	}

	asm := machine.Assembler{Base: pc}
	if branchFits(pc, dest, 28) && size >= shortPatchSize {
		emit(&asm, branch(_B, pc, dest))
	} else if size >= longPatchSize {
		farJump(&asm, dest)
	} else {
		return nil, fmt.Errorf("%d bytes is not enough to jump from %#x to %#x", size, pc, dest)
	}

	for len(asm.Buf) < size {
		emit(&asm, _NOP)
	}
	return asm.Buf, nil
}

func (b *Backend) TrampolineSize(prologue []machine.Instruction) int {
	// The largest rewrite, a far conditional branch, is 6 words.
	return len(prologue)*24 + longPatchSize
}

// Relocate copies prologue to at, translating relative addresses as it goes,
// and finishes with a branch to resume.
func (b *Backend) Relocate(prologue []machine.Instruction, at, resume uintptr) ([]byte, error) {
	asm := &machine.Assembler{Base: at}

	for _, inst := range prologue {
		if inst.Reloc == machine.PositionIndependent {
			asm.Emit(inst.Bytes...)
			continue
		}

		if machine.Covers(prologue, inst.Target) {
			return nil, machine.Unsupported(inst, "refers to the patched region")
		}

		err := relocate(asm, inst)
		if err != nil {
			return nil, err
		}
	}

	jump(asm, resume)
	return asm.Buf, nil
}

func relocate(asm *machine.Assembler, inst machine.Instruction) error {
	ins := binary.LittleEndian.Uint32(inst.Bytes)
	pc := asm.PC()
	dest := inst.Target

	switch classify(ins) {
	case classB:
		jump(asm, dest)

	case classBL:
		if branchFits(pc, dest, 28) {
			emit(asm, branch(_BL, pc, dest))
			return nil
		}
		// LDR X17, #12
		// BLR X17
		// B #12
		// .quad dest
		emit(asm, ldrX17Literal12, blrX17, _B|3)
		asm.Emit64(uint64(dest))

	case classBcond, classTB:
		mask, bits := imm19Mask, uint(21)
		if classify(ins) == classTB {
			mask, bits = imm14Mask, 16
		}

		if branchFits(pc, dest, bits) {
			emit(asm, ins&^mask|uint32((int64(dest)-int64(pc))>>2)<<5&mask)
			return nil
		}
		// Keep the test, but aim it at an absolute jump:
		//
		//	B.cond #8
		//	B #20
		//	LDR X17, #8
		//	BR X17
		//	.quad dest
		emit(asm, ins&^mask|2<<5, _B|5)
		farJump(asm, dest)

	case classLDR:
		if branchFits(pc, dest, 21) {
			emit(asm, ins&^imm19Mask|uint32((int64(dest)-int64(pc))>>2)<<5&imm19Mask)
			return nil
		}

		load, ok := indirectLoad(ins)
		if !ok {
			return machine.Unsupported(inst, "literal out of range")
		}
		// LDR Xt, #12
		// LDR Xt, [Xt]
		// B #12
		// .quad dest
		rt := ins & 0x1f
		emit(asm, ldrLiteralX|3<<5|rt, load|rt<<5|rt, _B|3)
		asm.Emit64(uint64(dest))

	case classADR, classADRP:
		if encoded, ok := encodeADR(ins, pc, dest); ok {
			emit(asm, encoded)
			return nil
		}
		// LDR Xd, #8
		// B #12
		// .quad dest
		emit(asm, ldrLiteralX|2<<5|ins&0x1f, _B|3)
		asm.Emit64(uint64(dest))

	default:
		return machine.Unsupported(inst, "unknown PC-relative encoding")
	}

	return nil
}

// indirectLoad returns the register-indirect form of a general purpose load
// literal. SIMD loads and prefetches have none.
func indirectLoad(ins uint32) (uint32, bool) {
	if ins&(1<<26) != 0 {
		return 0, false
	}

	switch ins >> 30 {
	case 0:
		return ldrWIndirect, true
	case 1:
		return ldrXIndirect, true
	case 2:
		return ldrSWIndirect, true
	}
	return 0, false
}

// encodeADR re-encodes ADR or ADRP ins to compute dest from pc.
func encodeADR(ins uint32, pc, dest uintptr) (uint32, bool) {
	var offset int64
	if ins&(1<<31) == 0 {
		offset = int64(dest) - int64(pc)
	} else {
		if dest&0xfff != 0 {
			return 0, false
		}
		// Page-align both addresses before computing the offset
		offset = int64(dest>>12) - int64(pc>>12)
	}

	if !machine.Fits(offset, 21) {
		return 0, false
	}

	p := uint32(offset)
	encoded := ins &^ adrAddressMask
	encoded |= (p & 3) << 29 // Lowest 2 bits to bits 30 and 29
	encoded |= (p >> 2) << 5 & imm19Mask
	return encoded, true
}

func branch(op uint32, pc, dest uintptr) uint32 {
	offset := int64(dest) - int64(pc)
	return op | uint32(offset>>2)&imm26Mask
}

func jump(asm *machine.Assembler, dest uintptr) {
	if branchFits(asm.PC(), dest, 28) {
		emit(asm, branch(_B, asm.PC(), dest))
		return
	}
	farJump(asm, dest)
}

// farJump emits:
//
//	LDR X17, #8
//	BR X17
//	.quad dest
func farJump(asm *machine.Assembler, dest uintptr) {
	emit(asm, ldrX17Literal8, brX17)
	asm.Emit64(uint64(dest))
}

func emit(asm *machine.Assembler, words ...uint32) {
	for _, w := range words {
		asm.Emit32(w)
	}
}

func (b *Backend) Disassemble(code []byte, pc uintptr) string {
	var buf bytes.Buffer

	for i := 0; i < len(code)&^3; i += 4 {
		var asm string
		instruction, err := arm64asm.Decode(code[i:])
		if err == nil {
			asm = instruction.String()
		} else {
			asm = "?"
		}
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", pc+uintptr(i), hex.EncodeToString(code[i:i+4]), asm)
	}

	return buf.String()
}

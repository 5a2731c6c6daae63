// Package thumb decodes and relocates Thumb-2 machine code on 32-bit ARM.
//
// Every address the Backend takes or reports is a code address with the low
// bit clear. Branches it emits into Thumb code set the bit themselves, and
// the caller adds it to the trampoline address it hands out.
package thumb

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/pboyd/detour/internal/machine"
)

const (
	nop16 = uint16(0x46c0) // MOV R8, R8
	bxPC  = uint16(0x4778) // BX PC
	blxIP = uint16(0x47e0) // BLX IP

	// skipLiteral is B.N over a NOP and a literal word.
	skipLiteral = uint16(0xe002)

	ldrWLiteral = uint16(0xf8df) // first half of LDR.W Rt, [PC, #imm12]
	ldrWImm     = uint16(0xf8d0) // first half of LDR.W Rt, [Rn, #imm12]
	pushLow     = uint16(0xb400) // PUSH {rlist}
	popLow      = uint16(0xbc00) // POP {rlist}
	addHigh     = uint16(0x4400) // ADD Rdn, Rm
	bCond16     = uint16(0xd000) // B<c> imm8
	cbnzBit     = uint16(1 << 11)

	// ARM state LDR PC, [PC, #-4]. It runs after BX PC and loads the
	// word that follows it.
	ldrPCMinus4 = uint32(0xe51ff004)

	regSP = 13
	regIP = 12
	regPC = 15

	pcReadOffset = 4

	// jumpSize is the size of a jump from a word aligned address. One more
	// halfword is needed from anywhere else.
	jumpSize    = 12
	maxJumpSize = jumpSize + 2
)

// kind is the relocation class of an instruction.
type kind uint8

const (
	kindPlain kind = iota
	kindIT
	kindB
	kindBCond
	kindBW
	kindBCondW
	kindBL
	kindBLX
	kindCBZ // CBZ and CBNZ
	kindLDRLiteral
	kindLDRWLiteral
	kindADR
	kindADRW
	kindADDPC // ADD Rdn, PC
	kindPCRead
)

var kindNames = [...]string{
	kindIT:          "IT",
	kindB:           "B.N",
	kindBCond:       "B<c>.N",
	kindBW:          "B.W",
	kindBCondW:      "B<c>.W",
	kindBL:          "BL",
	kindBLX:         "BLX",
	kindCBZ:         "CBZ",
	kindLDRLiteral:  "LDR (literal)",
	kindLDRWLiteral: "LDR.W (literal)",
	kindADR:         "ADR",
	kindADRW:        "ADR.W",
	kindADDPC:       "ADD Rdn, PC",
	kindPCRead:      "reads PC",
}

// Backend implements machine.Backend for Thumb-2.
type Backend struct{}

func New() *Backend {
	return &Backend{}
}

func (*Backend) Arch() machine.Arch {
	return machine.ARM32
}

// width returns the size of the instruction that starts with hw.
func width(hw uint16) int {
	if hw&0xe000 == 0xe000 && hw&0x1800 != 0 {
		return 4
	}
	return 2
}

// halves splits an instruction into its first and second halfwords. The
// second is zero for a 16-bit instruction.
func halves(code []byte) (uint16, uint16) {
	hw1 := binary.LittleEndian.Uint16(code)
	if len(code) < 4 {
		return hw1, 0
	}
	return hw1, binary.LittleEndian.Uint16(code[2:])
}

func classify(hw1, hw2 uint16, size int) kind {
	if size == 2 {
		switch {
		case hw1&0xff00 == 0xbf00 && hw1&0xf != 0:
			return kindIT
		case hw1&0xf800 == 0x4800:
			return kindLDRLiteral
		case hw1&0xf800 == 0xa000:
			return kindADR
		case hw1&0xfc00 == 0x4400 && hw1&0x78 == 0x78:
			if hw1&0xff00 == addHigh {
				return kindADDPC
			}
			return kindPCRead
		case hw1&0xf500 == 0xb100:
			return kindCBZ
		case hw1&0xf000 == 0xd000 && hw1>>8&0xf < 0xe:
			return kindBCond
		case hw1&0xf800 == 0xe000:
			return kindB
		}
		return kindPlain
	}

	switch {
	case hw1&0xf800 == 0xf000 && hw2&0x8000 != 0:
		switch {
		case hw2&0xd000 == 0xd000:
			return kindBL
		case hw2&0xd001 == 0xc000:
			return kindBLX
		case hw2&0xd000 == 0x9000:
			return kindBW
		case hw2&0xd000 == 0x8000 && hw1&0x0380 != 0x0380:
			return kindBCondW
		}
	case hw1&0xfbff == 0xf20f || hw1&0xfbff == 0xf2af:
		// ADDW and SUBW with PC as Rn.
		return kindADRW
	case hw1&0xfe00 == 0xf800 && hw1&0xf == regPC:
		if hw1&0xff7f == 0xf85f {
			return kindLDRWLiteral
		}
		return kindPCRead
	case hw1&0xfe40 == 0xe840 && hw1&0xf == regPC:
		// LDRD literal and table branches.
		return kindPCRead
	}
	return kindPlain
}

func (b *Backend) Decode(code []byte, pc uintptr) (machine.Instruction, error) {
	if pc&1 != 0 {
		return machine.Instruction{}, fmt.Errorf("%w: %#x is not halfword aligned", machine.ErrUnsupportedInstruction, pc)
	}
	if len(code) < 2 {
		return machine.Instruction{}, fmt.Errorf("%w: truncated instruction at %#x", machine.ErrUnsupportedInstruction, pc)
	}

	size := width(binary.LittleEndian.Uint16(code))
	if len(code) < size {
		return machine.Instruction{}, fmt.Errorf("%w: truncated instruction at %#x", machine.ErrUnsupportedInstruction, pc)
	}

	hw1, hw2 := halves(code[:size])
	k := classify(hw1, hw2, size)

	decoded := machine.Instruction{
		Arch:  machine.ARM32,
		Addr:  pc,
		Bytes: bytes.Clone(code[:size]),
		Text:  text(k, code[:size]),
	}
	if k == kindPlain {
		return decoded, nil
	}
	if k == kindIT {
		return decoded, machine.Unsupported(decoded, "starts an IT block")
	}

	decoded.Reloc = machine.PositionDependent
	decoded.Target = target(k, hw1, hw2, pc)

	switch k {
	case kindPCRead:
		return decoded, machine.Unsupported(decoded, "reads PC")
	case kindLDRWLiteral:
		if rt := hw2 >> 12; rt == regPC || rt == regSP {
			return decoded, machine.Unsupported(decoded, "loads PC or SP")
		}
	case kindADRW:
		if rd := hw2 >> 8 & 0xf; rd == regPC || rd == regSP {
			return decoded, machine.Unsupported(decoded, "writes PC or SP")
		}
	case kindADDPC:
		if rdn := addRegister(hw1); rdn == regPC || rdn == regSP {
			return decoded, machine.Unsupported(decoded, "writes PC or SP")
		}
	}
	return decoded, nil
}

func text(k kind, code []byte) string {
	if k == kindPlain {
		return ".inst " + hex.EncodeToString(code)
	}
	return kindNames[k]
}

// addRegister returns Rdn of a 16-bit ADD Rdn, Rm.
func addRegister(hw1 uint16) uint16 {
	return hw1>>7&1<<3 | hw1&7
}

// target returns the address a PC-relative instruction refers to. PC reads as
// the instruction's address plus 4, rounded down to a word for literals.
func target(k kind, hw1, hw2 uint16, pc uintptr) uintptr {
	base := pc + pcReadOffset
	aligned := base &^ 3

	switch k {
	case kindB:
		return base + uintptr(machine.SignExtend(uint64(hw1&0x7ff)<<1, 12))
	case kindBCond:
		return base + uintptr(machine.SignExtend(uint64(hw1&0xff)<<1, 9))
	case kindCBZ:
		return base + uintptr(hw1>>9&1)<<6 + uintptr(hw1>>3&0x1f)<<1
	case kindBCondW:
		s, j1, j2 := uint64(hw1>>10&1), uint64(hw2>>13&1), uint64(hw2>>11&1)
		imm := s<<20 | j2<<19 | j1<<18 | uint64(hw1&0x3f)<<12 | uint64(hw2&0x7ff)<<1
		return base + uintptr(machine.SignExtend(imm, 21))
	case kindBW, kindBL:
		return base + uintptr(machine.SignExtend(branchImm(hw1, hw2), 25))
	case kindBLX:
		return aligned + uintptr(machine.SignExtend(branchImm(hw1, hw2)&^3, 25))
	case kindLDRLiteral, kindADR:
		return aligned + uintptr(hw1&0xff)<<2
	case kindLDRWLiteral:
		offset := uintptr(hw2 & 0xfff)
		if hw1&(1<<7) == 0 {
			return aligned - offset
		}
		return aligned + offset
	case kindADRW:
		offset := uintptr(hw1>>10&1)<<11 | uintptr(hw2>>12&7)<<8 | uintptr(hw2&0xff)
		if hw1&0xfbff == 0xf2af {
			return aligned - offset
		}
		return aligned + offset
	}
	return base
}

// branchImm assembles the S:I1:I2:imm10:imm11:0 offset of B.W, BL and BLX.
func branchImm(hw1, hw2 uint16) uint64 {
	s := uint64(hw1 >> 10 & 1)
	i1 := ^(uint64(hw2>>13&1) ^ s) & 1
	i2 := ^(uint64(hw2>>11&1) ^ s) & 1
	return s<<24 | i1<<23 | i2<<22 | uint64(hw1&0x3ff)<<12 | uint64(hw2&0x7ff)<<1
}

func sizeFrom(pc uintptr) int {
	if pc&2 != 0 {
		return maxJumpSize
	}
	return jumpSize
}

func (b *Backend) PatchSize(target, dest uintptr) int {
	return sizeFrom(target)
}

// Redirect encodes BX PC followed by an ARM state LDR PC, so dest may be ARM
// or Thumb code.
func (b *Backend) Redirect(pc, dest uintptr, size int) ([]byte, error) {
	if size%2 != 0 {
		return nil, fmt.Errorf("patch size %d is not a whole number of halfwords", size)
	}
	if size < sizeFrom(pc) {
		return nil, fmt.Errorf("%d bytes is not enough to jump from %#x to %#x", size, pc, dest)
	}

	asm := machine.Assembler{Base: pc}
	jump(&asm, dest)
	for len(asm.Buf) < size {
		emit16(&asm, nop16)
	}
	return asm.Buf, nil
}

func (b *Backend) TrampolineSize(prologue []machine.Instruction) int {
	// ADD Rdn, PC is the longest: PUSH, a literal load, ADD and POP.
	return len(prologue)*20 + maxJumpSize
}

// Relocate copies prologue to at, translating PC-relative instructions as it
// goes, and finishes with a jump to resume in Thumb state.
func (b *Backend) Relocate(prologue []machine.Instruction, at, resume uintptr) ([]byte, error) {
	if at&1 != 0 {
		return nil, fmt.Errorf("trampoline address %#x is not halfword aligned", at)
	}
	asm := &machine.Assembler{Base: at}

	for _, inst := range prologue {
		if inst.Reloc == machine.PositionIndependent {
			asm.Emit(inst.Bytes...)
			continue
		}

		hw1, hw2 := halves(inst.Bytes)
		k := classify(hw1, hw2, inst.Len())
		if k != kindADR && k != kindADRW && k != kindADDPC && machine.Covers(prologue, inst.Target) {
			return nil, machine.Unsupported(inst, "refers to the patched region")
		}

		switch k {
		case kindB, kindBW:
			jump(asm, inst.Target|1)
		case kindBCond, kindBCondW:
			cond := hw1 >> 8 & 0xf
			if k == kindBCondW {
				cond = hw1 >> 6 & 0xf
			}
			// B<!c> over the jump.
			skip := sizeFrom(asm.PC() + 2)
			emit16(asm, bCond16|(cond^1)<<8|uint16(skip-2)>>1)
			jump(asm, inst.Target|1)
		case kindCBZ:
			// CBZ becomes CBNZ over the jump, and the reverse.
			skip := sizeFrom(asm.PC() + 2)
			imm := uint16(skip-2) >> 1
			emit16(asm, hw1&^0x02f8^cbnzBit|imm<<3)
			jump(asm, inst.Target|1)
		case kindBL:
			loadConst(asm, regIP, uint32(inst.Target|1))
			emit16(asm, blxIP)
		case kindBLX:
			loadConst(asm, regIP, uint32(inst.Target))
			emit16(asm, blxIP)
		case kindLDRLiteral:
			rt := hw1 >> 8 & 7
			loadConst(asm, rt, uint32(inst.Target))
			emit16(asm, ldrWImm|rt, rt<<12)
		case kindLDRWLiteral:
			rt := hw2 >> 12
			loadConst(asm, rt, uint32(inst.Target))
			emit16(asm, ldrWImm|rt, rt<<12)
		case kindADR:
			loadConst(asm, hw1>>8&7, uint32(inst.Target))
		case kindADRW:
			loadConst(asm, hw2>>8&0xf, uint32(inst.Target))
		case kindADDPC:
			// PUSH {Rs}
			// <load pc+4 into Rs>
			// ADD Rdn, Rs
			// POP {Rs}
			rdn := addRegister(hw1)
			s := uint16(7)
			if rdn == 7 {
				s = 6
			}
			emit16(asm, pushLow|1<<s)
			loadConst(asm, s, uint32(inst.Target))
			emit16(asm, addHigh|rdn>>3<<7|s<<3|rdn&7, popLow|1<<s)
		default:
			return nil, machine.Unsupported(inst, "reads PC")
		}
	}

	jump(asm, resume|1)
	return asm.Buf, nil
}

// jump switches to ARM state with BX PC and loads dest into PC from the
// following word, which selects the state from its low bit.
//
//	[NOP]
//	BX PC
//	NOP
//	LDR PC, [PC, #-4]
//	.word dest
func jump(asm *machine.Assembler, dest uintptr) {
	if asm.PC()&2 != 0 {
		emit16(asm, nop16)
	}
	emit16(asm, bxPC, nop16)
	asm.Emit32(ldrPCMinus4)
	asm.Emit32(uint32(dest))
}

// loadConst loads v into rt from an inline literal.
//
//	[NOP]
//	LDR.W Rt, [PC, #4]
//	B.N +4
//	NOP
//	.word v
func loadConst(asm *machine.Assembler, rt uint16, v uint32) {
	if asm.PC()&2 != 0 {
		emit16(asm, nop16)
	}
	emit16(asm, ldrWLiteral, rt<<12|4, skipLiteral, nop16)
	asm.Emit32(v)
}

func emit16(asm *machine.Assembler, halfwords ...uint16) {
	for _, hw := range halfwords {
		asm.Buf = binary.LittleEndian.AppendUint16(asm.Buf, hw)
	}
}

func (b *Backend) Disassemble(code []byte, pc uintptr) string {
	var buf bytes.Buffer

	for i := 0; i+2 <= len(code); {
		size := width(binary.LittleEndian.Uint16(code[i:]))
		if i+size > len(code) {
			size = 2
		}
		hw1, hw2 := halves(code[i : i+size])
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", pc+uintptr(i), hex.EncodeToString(code[i:i+size]), text(classify(hw1, hw2, size), code[i:i+size]))
		i += size
	}

	return buf.String()
}

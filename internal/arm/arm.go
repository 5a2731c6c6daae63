// Package arm decodes and relocates 32-bit ARM (A32) machine code. Thumb code
// is handled by package thumb.
//
// For instructions that read PC, Instruction.Target is the value PC reads as:
// the instruction's own address plus 8.
package arm

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/pboyd/detour/internal/machine"
	"golang.org/x/arch/arm/armasm"
)

const (
	condMask = uint32(0xf << 28)
	condAL   = uint32(0xe << 28)

	// ---------------------------------------------
	// | cond | 101 | L | ... 24 bit word offset ... |
	// ---------------------------------------------
	_B        = uint32(0x0a000000)
	_BL       = uint32(0x0b000000)
	imm24Mask = uint32(1<<24 - 1)

	_NOP = condAL | 0x01a00000 // MOV R0, R0

	ldrPCMinus4  = uint32(0xe51ff004) // LDR PC, [PC, #-4]
	ldrPCPlus0   = uint32(0x059ff000) // LDR PC, [PC, #0], without the condition
	addLRPC8     = uint32(0x028fe008) // ADD LR, PC, #8, without the condition
	ldrRegPlus4  = uint32(0x059f0004) // LDR Rt, [PC, #4], without the condition or Rt
	skipWord     = condAL | _B        // B to the instruction after next
	pushOne      = uint32(0xe92d0000) // STMDB SP!, {}
	popOne       = uint32(0xe8bd0000) // LDMIA SP!, {}
	rnMask       = uint32(0xf << 16)
	pcReadOffset = 8

	regSP = 13
	regPC = 15

	shortPatchSize = 4
	longPatchSize  = 8 // LDR PC, [PC, #-4]; .word dest
)

// Backend implements machine.Backend for A32.
type Backend struct{}

func New() *Backend {
	return &Backend{}
}

func (*Backend) Arch() machine.Arch {
	return machine.ARM32
}

func (b *Backend) Decode(code []byte, pc uintptr) (machine.Instruction, error) {
	if pc&3 != 0 {
		return machine.Instruction{}, fmt.Errorf("%w: %#x is not word aligned ARM code", machine.ErrUnsupportedInstruction, pc)
	}
	if len(code) < 4 {
		return machine.Instruction{}, fmt.Errorf("%w: truncated instruction at %#x", machine.ErrUnsupportedInstruction, pc)
	}

	instruction, err := armasm.Decode(code[:4], armasm.ModeARM)
	if err != nil {
		return machine.Instruction{}, fmt.Errorf("%w: decode error at %#x %x: %v", machine.ErrUnsupportedInstruction, pc, code[:4], err)
	}

	decoded := machine.Instruction{
		Arch:  machine.ARM32,
		Addr:  pc,
		Bytes: bytes.Clone(code[:4]),
		Text:  instruction.String(),
	}

	ins := binary.LittleEndian.Uint32(code)
	if isBranch(ins) {
		decoded.Reloc = machine.PositionDependent
		decoded.Target = branchTarget(ins, pc)
		if ins&condMask == condMask {
			return decoded, machine.Unsupported(decoded, "switches to Thumb")
		}
		return decoded, nil
	}

	reads := pcReads(instruction)
	if reads == 0 {
		return decoded, nil
	}

	decoded.Reloc = machine.PositionDependent
	decoded.Target = pc + pcReadOffset
	if _, ok := planRewrite(ins); !ok || reads > 1 {
		return decoded, machine.Unsupported(decoded, "reads PC")
	}
	return decoded, nil
}

func isBranch(ins uint32) bool {
	return ins&0x0e000000 == _B
}

func branchTarget(ins uint32, pc uintptr) uintptr {
	offset := machine.SignExtend(uint64(ins&imm24Mask), 24) << 2
	return pc + pcReadOffset + uintptr(offset)
}

// form is the encoding class of an instruction that may use PC as Rn.
type form uint8

const (
	formOther form = iota
	formDataProcessing
	formLoadStore      // LDR, STR, LDRB, STRB
	formExtraLoadStore // LDRH, STRH, LDRSB, LDRSH, LDRD, STRD
)

func classify(ins uint32) form {
	switch {
	case ins&0x0c000000 == 0x04000000:
		if ins&(1<<25) != 0 && ins&(1<<4) != 0 {
			// Media instructions share the space.
			return formOther
		}
		return formLoadStore
	case ins&0x0e000090 == 0x00000090 && ins&0x60 != 0:
		return formExtraLoadStore
	case ins&0x0c000000 == 0:
		if ins&0x01900000 == 0x01000000 || ins&0x0e000090 == 0x00000090 {
			// Miscellaneous and multiply instructions.
			return formOther
		}
		return formDataProcessing
	}
	return formOther
}

// writesRd reports whether the instruction writes the register in bits 15:12.
func writesRd(ins uint32) bool {
	switch classify(ins) {
	case formDataProcessing:
		op := ins >> 21 & 0xf
		return op < 8 || op > 11 // TST, TEQ, CMP, CMN only set flags
	case formLoadStore:
		return ins&(1<<20) != 0
	case formExtraLoadStore:
		return ins&(1<<20) != 0 || ins&0x60 == 0x40 // LDRD has L=0
	}
	return false
}

// pcReads counts the operands that read PC.
func pcReads(inst armasm.Inst) int {
	var n int
	for i, arg := range inst.Args {
		switch a := arg.(type) {
		case armasm.Reg:
			if a == armasm.PC && (i > 0 || !writesRd(inst.Enc)) {
				n++
			}
		case armasm.RegShift:
			if a.Reg == armasm.PC {
				n++
			}
		case armasm.RegShiftReg:
			if a.Reg == armasm.PC || a.RegCount == armasm.PC {
				n++
			}
		case armasm.Mem:
			if a.Base == armasm.PC {
				n++
			}
			if a.Sign != 0 && a.Index == armasm.PC {
				n++
			}
		case armasm.PCRel:
			// Halfword and doubleword literal loads.
			n++
		case armasm.RegList:
			// STM stores PC. LDM into PC is a plain return.
			if a&(1<<regPC) != 0 && inst.Enc&0x0e100000 == 0x08000000 {
				n++
			}
		}
	}
	return n
}

// rewrite describes how to replace PC as the base register with a scratch
// register holding the same value.
type rewrite struct {
	scratch uint32

	// guard is set when the scratch register is live and has to be saved
	// on the stack.
	guard bool
}

func planRewrite(ins uint32) (rewrite, bool) {
	rn := ins >> 16 & 0xf
	rd := ins >> 12 & 0xf
	if rn != regPC || rd == regPC {
		return rewrite{}, false
	}

	var sources uint32
	rm := ins & 0xf

	switch classify(ins) {
	case formDataProcessing:
		if ins&(1<<25) == 0 {
			sources |= 1 << rm
			if ins&(1<<4) != 0 {
				sources |= 1 << (ins >> 8 & 0xf)
			}
		}
	case formLoadStore:
		if !offsetAddressing(ins) {
			return rewrite{}, false
		}
		if ins&(1<<25) != 0 {
			sources |= 1 << rm
		}
	case formExtraLoadStore:
		if !offsetAddressing(ins) {
			return rewrite{}, false
		}
		if ins&(1<<22) == 0 {
			sources |= 1 << rm
		}
		if ins&(1<<20) == 0 && ins&0x40 != 0 {
			// LDRD and STRD use a register pair.
			sources |= 1 << (rd + 1)
		}
	default:
		return rewrite{}, false
	}

	if writesRd(ins) && sources&(1<<rd) == 0 {
		return rewrite{scratch: rd}, true
	}

	busy := sources | 1<<rd
	if busy&(1<<regSP) != 0 {
		return rewrite{}, false
	}
	for r := uint32(0); r < 4; r++ {
		if busy&(1<<r) == 0 {
			return rewrite{scratch: r, guard: true}, true
		}
	}
	return rewrite{}, false
}

// offsetAddressing reports whether a load or store leaves the base register
// alone (P=1, W=0).
func offsetAddressing(ins uint32) bool {
	return ins&(1<<24) != 0 && ins&(1<<21) == 0
}

// literalAddress returns the address an immediate offset load or store with
// PC as the base reads from.
func literalAddress(ins uint32, pcValue uintptr) (uintptr, bool) {
	if classify(ins) != formLoadStore || ins&(1<<25) != 0 {
		return 0, false
	}

	offset := uintptr(ins & 0xfff)
	if ins&(1<<23) == 0 {
		return pcValue - offset, true
	}
	return pcValue + offset, true
}

func (b *Backend) PatchSize(target, dest uintptr) int {
	if branchFits(target, dest) {
		return shortPatchSize
	}
	return longPatchSize
}

func branchFits(pc, dest uintptr) bool {
	offset := int64(dest) - int64(pc+pcReadOffset)
	return offset&3 == 0 && machine.Fits(offset, 26)
}

func branch(op uint32, pc, dest uintptr) uint32 {
	offset := int64(dest) - int64(pc+pcReadOffset)
	return op | uint32(offset>>2)&imm24Mask
}

func (b *Backend) Redirect(pc, dest uintptr, size int) ([]byte, error) {
	if size%4 != 0 {
		return nil, fmt.Errorf("patch size %d is not a whole number of instructions", size)
	}

	asm := machine.Assembler{Base: pc}
	if branchFits(pc, dest) && size >= shortPatchSize {
		emit(&asm, branch(condAL|_B, pc, dest))
	} else if size >= longPatchSize {
		emit(&asm, ldrPCMinus4, uint32(dest))
	} else {
		return nil, fmt.Errorf("%d bytes is not enough to jump from %#x to %#x", size, pc, dest)
	}

	for len(asm.Buf) < size {
		emit(&asm, _NOP)
	}
	return asm.Buf, nil
}

func (b *Backend) TrampolineSize(prologue []machine.Instruction) int {
	// A guarded PC rewrite is the longest at 6 words.
	return len(prologue)*24 + longPatchSize
}

// Relocate copies prologue to at, translating PC-relative instructions as it
// goes, and finishes with a branch to resume.
func (b *Backend) Relocate(prologue []machine.Instruction, at, resume uintptr) ([]byte, error) {
	asm := &machine.Assembler{Base: at}

	for _, inst := range prologue {
		if inst.Reloc == machine.PositionIndependent {
			asm.Emit(inst.Bytes...)
			continue
		}

		ins := binary.LittleEndian.Uint32(inst.Bytes)
		if isBranch(ins) {
			if machine.Covers(prologue, inst.Target) {
				return nil, machine.Unsupported(inst, "branches into the patched region")
			}
			relocateBranch(asm, ins, inst.Target)
			continue
		}

		if literal, ok := literalAddress(ins, inst.Target); ok && machine.Covers(prologue, literal) {
			return nil, machine.Unsupported(inst, "loads from the patched region")
		}

		plan, ok := planRewrite(ins)
		if !ok {
			return nil, machine.Unsupported(inst, "reads PC")
		}

		// [STMDB SP!, {Rs}]
		// LDR Rs, [PC, #4]
		// <ins with Rs in place of PC>
		// B +0
		// .word pc+8
		// [LDMIA SP!, {Rs}]
		s := plan.scratch
		if plan.guard {
			emit(asm, pushOne|1<<s)
		}
		emit(asm,
			ins&condMask|ldrRegPlus4|s<<12,
			ins&^rnMask|s<<16,
			skipWord,
			uint32(inst.Target),
		)
		if plan.guard {
			emit(asm, popOne|1<<s)
		}
	}

	jump(asm, resume)
	return asm.Buf, nil
}

func relocateBranch(asm *machine.Assembler, ins uint32, dest uintptr) {
	cond := ins & condMask
	link := ins&_BL == _BL

	if branchFits(asm.PC(), dest) {
		emit(asm, branch(ins&^imm24Mask, asm.PC(), dest))
		return
	}

	switch {
	case link:
		// ADD LR, PC, #8
		// LDR PC, [PC, #0]
		// B +0
		// .word dest
		emit(asm, cond|addLRPC8, cond|ldrPCPlus0, skipWord, uint32(dest))
	case cond == condAL:
		emit(asm, ldrPCMinus4, uint32(dest))
	default:
		emit(asm, cond|ldrPCPlus0, skipWord, uint32(dest))
	}
}

func jump(asm *machine.Assembler, dest uintptr) {
	relocateBranch(asm, condAL|_B, dest)
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
		instruction, err := armasm.Decode(code[i:], armasm.ModeARM)
		if err == nil {
			asm = instruction.String()
		} else {
			asm = "?"
		}
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", pc+uintptr(i), hex.EncodeToString(code[i:i+4]), asm)
	}

	return buf.String()
}

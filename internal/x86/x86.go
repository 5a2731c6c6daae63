// Package x86 decodes and relocates 32 and 64-bit x86 machine code.
package x86

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/pboyd/detour/internal/machine"
	"golang.org/x/arch/x86/x86asm"
)

const (
	opcodeCALLrel  = 0xe8 // CALL rel32
	opcodeJMP      = 0xe9 // JMP rel32
	opcodeJMPshort = 0xeb // JMP rel8
	opcodeJccShort = 0x70 // Jcc rel8, the low nibble is the condition
	opcodeTwoByte  = 0x0f
	opcodeJccNear  = 0x80 // second byte of Jcc rel32
	opcodeLOOPNE   = 0xe0 // LOOPNE, LOOPE, LOOP, JCXZ follow
	opcodeJCXZ     = 0xe3
	opcodeNOP      = 0x90
	opcodeMOVimm   = 0xb8 // MOV r, imm (register in the low 3 bits)
	opcodeMOV_r_rm = 0x8b // MOV r, r/m
	opcodeLEA      = 0x8d
	opcodeGroup5   = 0xff

	prefixREX  = 0x40
	prefixREXW = 0x08
	prefixREXR = 0x04
	prefixREXB = 0x01

	modrmRIP     = 0x05 // mod=00 rm=101
	modrmJMPabs  = 4<<3 | modrmRIP
	modrmCALLabs = 2<<3 | modrmRIP

	rel32JumpSize = 5
	absJumpSize   = 14 // JMP [RIP+0]; .quad dest
)

// Backend implements machine.Backend for x86. Mode is 32 or 64.
type Backend struct {
	mode int
}

// New returns a backend for 32 or 64-bit code.
func New(mode int) *Backend {
	if mode != 32 && mode != 64 {
		panic(fmt.Sprintf("x86: invalid mode %d", mode))
	}
	return &Backend{mode: mode}
}

func (b *Backend) Arch() machine.Arch {
	if b.mode == 32 {
		return machine.X86
	}
	return machine.X86_64
}

func (b *Backend) Decode(code []byte, pc uintptr) (machine.Instruction, error) {
	inst, err := x86asm.Decode(code, b.mode)
	if err != nil {
		return machine.Instruction{}, fmt.Errorf("%w: decode error at %#x: %v", machine.ErrUnsupportedInstruction, pc, err)
	}
	if inst.Op == 0 {
		// x86asm reports a lone prefix or truncated opcode as a one byte
		// pseudo-instruction.
		return machine.Instruction{}, fmt.Errorf("%w: incomplete instruction at %#x: %x", machine.ErrUnsupportedInstruction, pc, code[:min(len(code), 15)])
	}

	decoded := machine.Instruction{
		Arch:  b.Arch(),
		Addr:  pc,
		Bytes: bytes.Clone(code[:inst.Len]),
		Text:  inst.String(),
	}

	if inst.PCRel == 0 {
		return decoded, nil
	}
	decoded.Reloc = machine.PositionDependent

	switch {
	case inst.PCRel != 1 && inst.PCRel != 4:
		return decoded, machine.Unsupported(decoded, "16-bit relative address")
	case inst.Op == x86asm.XBEGIN:
		return decoded, machine.Unsupported(decoded, "transaction abort address")
	}

	var disp int64
	if inst.PCRel == 1 {
		disp = int64(int8(code[inst.PCRelOff]))
	} else {
		disp = int64(int32(binary.LittleEndian.Uint32(code[inst.PCRelOff:])))
	}
	decoded.Target = b.wrap(pc + uintptr(inst.Len) + uintptr(disp))

	return decoded, nil
}

// wrap truncates addresses to the width of the instruction set.
func (b *Backend) wrap(addr uintptr) uintptr {
	if b.mode == 32 {
		return uintptr(uint32(addr))
	}
	return addr
}

func (b *Backend) PatchSize(target, dest uintptr) int {
	if _, ok := b.rel32(target+rel32JumpSize, dest); ok {
		return rel32JumpSize
	}
	return absJumpSize
}

func (b *Backend) Redirect(pc, dest uintptr, size int) ([]byte, error) {
	asm := machine.Assembler{Base: pc}

	if rel, ok := b.rel32(pc+rel32JumpSize, dest); ok && size >= rel32JumpSize {
		asm.Emit(opcodeJMP)
		asm.Emit32(uint32(rel))
	} else if size >= absJumpSize && b.mode == 64 {
		b.absJump(&asm, dest)
	} else {
		return nil, fmt.Errorf("%d bytes is not enough to jump from %#x to %#x", size, pc, dest)
	}

	// Pad the rest with NOPs so the leftover bytes of the last
	// instruction never decode as something else.
	asm.Pad(size, opcodeNOP)
	return asm.Buf, nil
}

func (b *Backend) TrampolineSize(prologue []machine.Instruction) int {
	size := absJumpSize
	for _, inst := range prologue {
		// The longest rewrite (JCXZ to a far address) adds 17 bytes.
		size += inst.Len() + 18
	}
	return size
}

// Relocate copies prologue to at, translating relative addresses as it goes,
// and finishes with a jump to resume.
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

		decoded, err := x86asm.Decode(inst.Bytes, b.mode)
		if err != nil {
			return nil, fmt.Errorf("%w: decode error at %#x: %v", machine.ErrUnsupportedInstruction, inst.Addr, err)
		}

		err = b.relocate(asm, inst, decoded)
		if err != nil {
			return nil, err
		}
	}

	b.jump(asm, resume)
	return asm.Buf, nil
}

func (b *Backend) relocate(asm *machine.Assembler, inst machine.Instruction, decoded x86asm.Inst) error {
	if _, ok := decoded.Args[0].(x86asm.Rel); !ok {
		return b.ripRelative(asm, inst, decoded)
	}

	// Branches are re-encoded from the opcode alone, so BND and branch hint
	// prefixes are dropped.
	opcode := byte(decoded.Opcode >> 24)
	switch {
	case opcode == opcodeJMP || opcode == opcodeJMPshort:
		b.jump(asm, inst.Target)
	case opcode == opcodeCALLrel:
		b.call(asm, inst.Target)
	case opcode&0xf0 == opcodeJccShort:
		b.jcc(asm, opcode&0xf, inst.Target)
	case opcode == opcodeTwoByte && byte(decoded.Opcode>>16)&0xf0 == opcodeJccNear:
		b.jcc(asm, byte(decoded.Opcode>>16)&0xf, inst.Target)
	case opcode >= opcodeLOOPNE && opcode <= opcodeJCXZ:
		// There's no long form of these. Keep the instruction and
		// branch over a jump that the taken path lands on:
		//
		//	JCXZ +2
		//	JMP +n
		//	<jump to target>
		asm.Emit(inst.Bytes[:inst.Len()-1]...)
		asm.Emit(2)

		far := machine.Assembler{Base: asm.PC() + 2}
		b.jump(&far, inst.Target)
		asm.Emit(opcodeJMPshort, byte(len(far.Buf)))
		asm.Emit(far.Buf...)
	default:
		return machine.Unsupported(inst, "unknown relative branch")
	}
	return nil
}

// ripRelative handles instructions with a RIP-relative memory operand.
func (b *Backend) ripRelative(asm *machine.Assembler, inst machine.Instruction, decoded x86asm.Inst) error {
	if decoded.PCRel != 4 {
		return machine.Unsupported(inst, "unknown relative operand")
	}

	newDisp := int64(inst.Target) - int64(asm.PC()+uintptr(inst.Len()))
	if machine.Fits(newDisp, 32) {
		start := len(asm.Buf)
		asm.Emit(inst.Bytes...)
		binary.LittleEndian.PutUint32(asm.Buf[start+decoded.PCRelOff:], uint32(int32(newDisp)))
		return nil
	}

	// Too far for a 32-bit displacement. Loads into a register can
	// materialize the address in that register first.
	reg, size, ok := destRegister(decoded)
	if !ok {
		return machine.Unsupported(inst, "relative operand out of range")
	}

	switch byte(decoded.Opcode >> 24) {
	case opcodeLEA:
		if size != 64 {
			return machine.Unsupported(inst, "32-bit LEA of a 64-bit address")
		}
		movImm64(asm, reg, uint64(inst.Target))
	case opcodeMOV_r_rm:
		movImm64(asm, reg, uint64(inst.Target))
		loadIndirect(asm, reg, size)
	default:
		return machine.Unsupported(inst, "relative operand out of range")
	}

	return nil
}

// destRegister returns the number and width of a general purpose register in
// the first argument.
func destRegister(inst x86asm.Inst) (int, int, bool) {
	reg, ok := inst.Args[0].(x86asm.Reg)
	if !ok {
		return 0, 0, false
	}

	switch {
	case reg >= x86asm.RAX && reg <= x86asm.R15:
		return int(reg - x86asm.RAX), 64, true
	case reg >= x86asm.EAX && reg <= x86asm.R15L:
		return int(reg - x86asm.EAX), 32, true
	}
	return 0, 0, false
}

// movImm64 emits MOV reg, imm64.
func movImm64(asm *machine.Assembler, reg int, v uint64) {
	rex := byte(prefixREX | prefixREXW)
	if reg >= 8 {
		rex |= prefixREXB
	}
	asm.Emit(rex, opcodeMOVimm|byte(reg&7))
	asm.Emit64(v)
}

// loadIndirect emits MOV reg, [reg].
func loadIndirect(asm *machine.Assembler, reg, size int) {
	var rex byte
	if size == 64 {
		rex |= prefixREX | prefixREXW
	}
	if reg >= 8 {
		rex |= prefixREX | prefixREXR | prefixREXB
	}
	if rex != 0 {
		asm.Emit(rex)
	}

	r := byte(reg & 7)
	switch r {
	case 4:
		// RSP and R12 as a base need a SIB byte.
		asm.Emit(opcodeMOV_r_rm, r<<3|r, 0x24)
	case 5:
		// mod=00 rm=101 means RIP-relative, so use a zero disp8.
		asm.Emit(opcodeMOV_r_rm, 1<<6|r<<3|r, 0)
	default:
		asm.Emit(opcodeMOV_r_rm, r<<3|r)
	}
}

// rel32 returns the displacement from "from" (the address of the next
// instruction) to dest, if it fits.
func (b *Backend) rel32(from, dest uintptr) (int32, bool) {
	if b.mode == 32 {
		return int32(uint32(dest) - uint32(from)), true
	}

	diff := int64(dest) - int64(from)
	if !machine.Fits(diff, 32) {
		return 0, false
	}
	return int32(diff), true
}

func (b *Backend) jump(asm *machine.Assembler, dest uintptr) {
	if rel, ok := b.rel32(asm.PC()+rel32JumpSize, dest); ok {
		asm.Emit(opcodeJMP)
		asm.Emit32(uint32(rel))
		return
	}
	b.absJump(asm, dest)
}

// absJump emits the x86-64 machine code equivalent of:
//
//	JMP [RIP+0]
//	.quad dest
func (b *Backend) absJump(asm *machine.Assembler, dest uintptr) {
	asm.Emit(opcodeGroup5, modrmJMPabs)
	asm.Emit32(0)
	asm.Emit64(uint64(dest))
}

// call emits a CALL to dest. When dest is out of range that's:
//
//	CALL [RIP+2]
//	JMP +8
//	.quad dest
func (b *Backend) call(asm *machine.Assembler, dest uintptr) {
	if rel, ok := b.rel32(asm.PC()+5, dest); ok {
		asm.Emit(opcodeCALLrel)
		asm.Emit32(uint32(rel))
		return
	}

	asm.Emit(opcodeGroup5, modrmCALLabs)
	asm.Emit32(2)
	asm.Emit(opcodeJMPshort, 8)
	asm.Emit64(uint64(dest))
}

// jcc emits a conditional jump. When dest is out of range the condition is
// inverted to skip over an absolute jump.
func (b *Backend) jcc(asm *machine.Assembler, cond byte, dest uintptr) {
	if rel, ok := b.rel32(asm.PC()+6, dest); ok {
		asm.Emit(opcodeTwoByte, opcodeJccNear|cond)
		asm.Emit32(uint32(rel))
		return
	}

	asm.Emit(opcodeJccShort|(cond^1), absJumpSize)
	b.absJump(asm, dest)
}

func (b *Backend) Disassemble(code []byte, pc uintptr) string {
	var buf bytes.Buffer

	for i := 0; i < len(code); {
		instruction, err := x86asm.Decode(code[i:], b.mode)
		if err != nil {
			fmt.Fprintf(&buf, "0x%08x\t%-20s\t?\n", pc+uintptr(i), hex.EncodeToString(code[i:i+1]))
			i++
			continue
		}
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", pc+uintptr(i), hex.EncodeToString(code[i:i+instruction.Len]), instruction.String())

		i += instruction.Len
	}

	return buf.String()
}

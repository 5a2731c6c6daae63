package machine

import "fmt"

// Measure decodes whole instructions from the start of code (located at pc)
// until at least need bytes are covered. It returns the instructions and their
// combined length, which is never less than need and never ends inside an
// instruction.
func Measure(b Backend, code []byte, pc uintptr, need int) ([]Instruction, int, error) {
	var (
		prologue []Instruction
		used     int
	)

	for used < need {
		if used >= len(code) {
			return nil, 0, fmt.Errorf("%w: code ends after %d of %d bytes", ErrUnsupportedInstruction, used, need)
		}

		inst, err := b.Decode(code[used:], pc+uintptr(used))
		if err != nil {
			return nil, 0, err
		}
		if inst.Len() == 0 || used+inst.Len() > len(code) {
			return nil, 0, fmt.Errorf("%w: truncated instruction at %#x", ErrUnsupportedInstruction, inst.Addr)
		}

		prologue = append(prologue, inst)
		used += inst.Len()
	}

	return prologue, used, nil
}

// Covers reports whether addr falls inside the bytes of prologue.
func Covers(prologue []Instruction, addr uintptr) bool {
	if len(prologue) == 0 {
		return false
	}
	return addr >= prologue[0].Addr && addr < prologue[len(prologue)-1].End()
}

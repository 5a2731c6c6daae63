package machine

import "encoding/binary"

// Assembler accumulates little endian machine code destined for Base.
type Assembler struct {
	Base uintptr
	Buf  []byte
}

// PC returns the address the next emitted byte will have.
func (a *Assembler) PC() uintptr {
	return a.Base + uintptr(len(a.Buf))
}

func (a *Assembler) Emit(b ...byte) {
	a.Buf = append(a.Buf, b...)
}

func (a *Assembler) Emit32(v uint32) {
	a.Buf = binary.LittleEndian.AppendUint32(a.Buf, v)
}

func (a *Assembler) Emit64(v uint64) {
	a.Buf = binary.LittleEndian.AppendUint64(a.Buf, v)
}

// Pad appends fill until the buffer is size bytes long. fill is repeated
// whole, so size-len(Buf) should be a multiple of len(fill).
func (a *Assembler) Pad(size int, fill ...byte) {
	for len(a.Buf)+len(fill) <= size {
		a.Buf = append(a.Buf, fill...)
	}
}

// SignExtend interprets the low bits of v as a two's complement number.
func SignExtend(v uint64, bits uint) int64 {
	shift := 64 - bits
	return int64(v<<shift) >> shift
}

// Fits reports whether v can be stored in a signed field of the given width.
func Fits(v int64, bits uint) bool {
	limit := int64(1) << (bits - 1)
	return v >= -limit && v < limit
}

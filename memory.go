package detour

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// memory is the code the engine reads and patches, and the executable memory
// it builds trampolines in.
type memory interface {
	// read copies n bytes starting at addr.
	read(addr uintptr, n int) []byte

	// patch overwrites the code at addr. It reports whether the write
	// was a single atomic store.
	patch(addr uintptr, code []byte) (bool, error)

	// place allocates size bytes of executable memory and fills it with
	// whatever build returns for the block's address.
	place(size int, build func(at uintptr) ([]byte, error)) (uintptr, error)

	// release frees a block returned by place.
	release(addr uintptr)
}

// processMemory is the memory of the running process.
type processMemory struct {
	arena *allocator

	mu     sync.Mutex
	blocks map[uintptr][]byte
}

func newProcessMemory() *processMemory {
	return &processMemory{
		arena:  trampolines,
		blocks: map[uintptr][]byte{},
	}
}

func bytesAt(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

func (*processMemory) read(addr uintptr, n int) []byte {
	return bytes.Clone(bytesAt(addr, n))
}

func (*processMemory) patch(addr uintptr, code []byte) (bool, error) {
	err := mprotect(addr, len(code), protRWX)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrProtectionChange, err)
	}
	defer mprotect(addr, len(code), protRX)

	whole := commit(addr, code)
	cacheflush(addr, len(code))

	return whole, nil
}

const wordSize = unsafe.Sizeof(uintptr(0))

// commit writes code to addr with the first machine word going last, in a
// single atomic store, so the redirect takes effect all at once. When code
// spans more than that word, a thread already running the old instructions
// past the first word while the rest is written can see a mix of old and new
// bytes. Nothing here stops other threads.
//
// It reports whether all of code fit in that one store.
func commit(addr uintptr, code []byte) bool {
	head := addr &^ (wordSize - 1)
	split := int(head + wordSize - addr)

	if len(code) <= split {
		storeWord(head, addr, code)
		return true
	}

	copy(bytesAt(addr+uintptr(split), len(code)-split), code[split:])
	storeWord(head, addr, code[:split])
	return false
}

// storeWord replaces the bytes at addr with part, which must fit in the
// aligned word at head, by merging them with the rest of the word and storing
// the result atomically.
func storeWord(head, addr uintptr, part []byte) {
	p := (*uintptr)(unsafe.Pointer(head))

	word := atomic.LoadUintptr(p)
	view := unsafe.Slice((*byte)(unsafe.Pointer(&word)), wordSize)
	copy(view[addr-head:], part)

	atomic.StoreUintptr(p, word)
}

func (m *processMemory) place(size int, build func(at uintptr) ([]byte, error)) (uintptr, error) {
	err := m.arena.BeginMutate()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrProtectionChange, err)
	}
	defer m.arena.EndMutate()

	buf, err := m.arena.Allocate(size)
	if err != nil {
		return 0, err
	}
	at := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))

	code, err := build(at)
	if err != nil {
		m.arena.Free(buf)
		return 0, err
	}
	if len(code) > len(buf) {
		m.arena.Free(buf)
		return 0, fmt.Errorf("trampoline needs %d bytes, %d allocated", len(code), len(buf))
	}

	copy(buf, code)
	cacheflush(at, len(code))

	m.mu.Lock()
	m.blocks[at] = buf
	m.mu.Unlock()

	return at, nil
}

func (m *processMemory) release(addr uintptr) {
	m.mu.Lock()
	buf, ok := m.blocks[addr]
	delete(m.blocks, addr)
	m.mu.Unlock()

	if !ok {
		return
	}

	// The block leaks if the arena can't be made writable.
	if err := m.arena.BeginMutate(); err != nil {
		return
	}
	defer m.arena.EndMutate()

	m.arena.Free(buf)
}

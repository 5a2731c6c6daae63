package detour

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pboyd/malloc"
)

// trampolineArenaSize is the initial size of the trampoline arena. It grows as
// needed.
const trampolineArenaSize = 4096

// allocator hands out executable memory for trampolines. The arena is kept
// read-only and executable except between BeginMutate and EndMutate.
type allocator struct {
	*malloc.Arena
	mprotect func(int) error
	mu       sync.Mutex
	initOnce sync.Once
	initErr  error
	mutable  bool
}

func (a *allocator) init() error {
	a.initOnce.Do(func() {
		be := malloc.MmapBackend(malloc.MmapProt(protExec), malloc.MmapFlags(mmapFlags))
		if protBE, ok := be.(malloc.ProtectedArenaBackend); ok {
			a.mprotect = protBE.Protect
		} else {
			a.mprotect = func(int) error {
				return nil
			}
		}

		a.Arena = malloc.NewArena(trampolineArenaSize, malloc.Backend(be))
		if a.Arena == nil {
			a.initErr = errors.New("unable to initialize arena")
			return
		}
		a.mutable = true
	})
	return a.initErr
}

// BeginMutate makes the arena writable. It may be called before the first
// allocation.
func (a *allocator) BeginMutate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mprotect == nil || a.mutable {
		return nil
	}

	err := a.mprotect(protRWX)
	if err == nil {
		a.mutable = true
	}
	return err
}

// EndMutate makes the arena executable again.
func (a *allocator) EndMutate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.mutable {
		return nil
	}

	err := a.mprotect(protRX)
	if err == nil {
		a.mutable = false
	}
	return err
}

func (a *allocator) Allocate(size int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	err := a.init()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocationFailure, err)
	}

	if !a.mutable {
		panic("Allocate called in immutable state")
	}

	buf, err := malloc.MallocSlice[byte](a.Arena, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocationFailure, err)
	}
	return buf, nil
}

func (a *allocator) Free(buf []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.mutable {
		panic("Free called in immutable state")
	}

	malloc.FreeSlice(a.Arena, buf)
}

// trampolines is the arena every trampoline in the process is built in.
var trampolines = &allocator{}

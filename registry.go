package detour

import (
	"bytes"
	"cmp"
	"slices"
	"sync"
)

// Hook describes an installed hook.
type Hook struct {
	Target      uintptr
	Replacement uintptr

	// Trampoline is the entry point of the relocated prologue. Calling it
	// behaves like calling the unhooked target. For a Thumb target it has
	// the low bit set, like Target.
	Trampoline uintptr

	// Saved holds the original bytes that Patch replaced. Both are the
	// same length, which is a whole number of instructions.
	Saved []byte
	Patch []byte

	Arch Arch

	// Atomic is set when the patch was written with a single aligned
	// store.
	Atomic bool

	// Prologue is the decoded form of Saved.
	Prologue []Instruction
}

// clone returns a copy that shares no memory with h.
func (h *Hook) clone() Hook {
	c := *h
	c.Saved = bytes.Clone(h.Saved)
	c.Patch = bytes.Clone(h.Patch)
	c.Prologue = slices.Clone(h.Prologue)
	return c
}

// registry tracks installed hooks by target address. The mutex is held for the
// whole of an install or uninstall, not just the map access.
type registry struct {
	mu    sync.Mutex
	hooks map[uintptr]*Hook
}

func newRegistry() *registry {
	return &registry{hooks: map[uintptr]*Hook{}}
}

// hooks is shared by every Engine in the process.
var hooks = newRegistry()

func (r *registry) get(target uintptr) (*Hook, bool) {
	h, ok := r.hooks[target]
	return h, ok
}

func (r *registry) put(h *Hook) {
	r.hooks[h.Target] = h
}

func (r *registry) remove(target uintptr) {
	delete(r.hooks, target)
}

// list returns copies of every hook ordered by target.
func (r *registry) list() []Hook {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := make([]Hook, 0, len(r.hooks))
	for _, h := range r.hooks {
		list = append(list, h.clone())
	}
	slices.SortFunc(list, func(a, b Hook) int {
		return cmp.Compare(a.Target, b.Target)
	})
	return list
}

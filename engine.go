package detour

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/pboyd/detour/internal/machine"
	"github.com/pboyd/detour/internal/procmaps"
	"github.com/rs/zerolog"
)

// maxWindow is the most code read from a target. It has to hold the longest
// redirect plus the longest instruction that could straddle its end.
const maxWindow = 32

// Engine installs and removes hooks in the current process.
//
// Every Engine shares one registry, so a target hooked through one Engine is
// hooked for all of them.
type Engine struct {
	log     zerolog.Logger
	debug   bool
	backend machine.Backend
	thumb   machine.Backend
	mem     memory
	maps    func() ([]procmaps.Region, error)
	reg     *registry
}

// New returns an Engine for the host architecture.
func New(cfg Config) (*Engine, error) {
	backend, err := backendFor(HostArch())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", err, HostArch())
	}

	e := newEngine(cfg, backend, process, procmaps.Self, hooks)
	e.thumb = interworkingBackend(HostArch())
	return e, nil
}

func newEngine(cfg Config, backend machine.Backend, mem memory, maps func() ([]procmaps.Region, error), reg *registry) *Engine {
	return &Engine{
		log:     cfg.logger().With().Stringer("arch", backend.Arch()).Logger(),
		debug:   cfg.Debug,
		backend: backend,
		mem:     mem,
		maps:    maps,
		reg:     reg,
	}
}

// process is the memory every Engine but those in tests works on.
var process = newProcessMemory()

var (
	defaultOnce   sync.Once
	defaultEngine *Engine
	defaultErr    error
)

// Default returns the Engine used by the package level functions. It's
// configured by ConfigFromEnv the first time it's called.
func Default() (*Engine, error) {
	defaultOnce.Do(func() {
		defaultEngine, defaultErr = New(ConfigFromEnv())
	})
	return defaultEngine, defaultErr
}

// Install redirects the function at target to replacement and returns the
// address of a trampoline that runs the original function.
//
// Installing a hook on a target that's already hooked returns the existing
// trampoline, even if replacement differs, and doesn't touch memory. When
// Install fails the target is left as it was.
func (e *Engine) Install(target, replacement uintptr) (uintptr, error) {
	if target == 0 || replacement == 0 {
		return 0, ErrNullAddress
	}

	log := e.log.With().
		Str("target", fmt.Sprintf("%#x", target)).
		Str("replacement", fmt.Sprintf("%#x", replacement)).
		Logger()

	e.reg.mu.Lock()
	defer e.reg.mu.Unlock()

	if h, ok := e.reg.get(target); ok {
		log.Debug().Str("trampoline", fmt.Sprintf("%#x", h.Trampoline)).Msg("already hooked")
		return h.Trampoline, nil
	}

	h, err := e.install(log, target, replacement)
	if err != nil {
		log.Debug().Err(err).Msg("install failed")
		return 0, err
	}

	e.reg.put(h)

	log.Debug().
		Str("trampoline", fmt.Sprintf("%#x", h.Trampoline)).
		Str("saved", hex.EncodeToString(h.Saved)).
		Str("patch", hex.EncodeToString(h.Patch)).
		Bool("atomic", h.Atomic).
		Msg("installed")

	return h.Trampoline, nil
}

func (e *Engine) install(log zerolog.Logger, target, replacement uintptr) (*Hook, error) {
	backend, addr := e.backendAt(target)

	window, err := e.window(addr)
	if err != nil {
		return nil, err
	}

	size := backend.PatchSize(addr, replacement)
	code := e.mem.read(addr, window)

	prologue, used, err := machine.Measure(backend, code, addr, size)
	if err != nil {
		return nil, err
	}

	patch, err := backend.Redirect(addr, replacement, used)
	if err != nil {
		return nil, err
	}

	if e.debug {
		log.Debug().Str("code", backend.Disassemble(code[:used], addr)).Msg("prologue")
	}

	resume := addr + uintptr(used)
	block, err := e.mem.place(backend.TrampolineSize(prologue), func(at uintptr) ([]byte, error) {
		out, err := backend.Relocate(prologue, at, resume)
		if err == nil && e.debug {
			log.Debug().Str("code", backend.Disassemble(out, at)).Msg("trampoline")
		}
		return out, err
	})
	if err != nil {
		return nil, err
	}

	whole, err := e.mem.patch(addr, patch)
	if err != nil {
		e.mem.release(block)
		return nil, err
	}

	return &Hook{
		Target:      target,
		Replacement: replacement,
		Trampoline:  block + (target - addr),
		Saved:       bytes.Clone(code[:used]),
		Patch:       patch,
		Arch:        backend.Arch(),
		Atomic:      whole,
		Prologue:    prologue,
	}, nil
}

// backendAt returns the backend for the code entered at target and the address
// that code starts at. They differ only for Thumb, where target has the low bit
// set.
func (e *Engine) backendAt(target uintptr) (machine.Backend, uintptr) {
	if e.thumb != nil && target&1 != 0 {
		return e.thumb, target &^ 1
	}
	return e.backend, target
}

// window returns how many bytes may be read from target. The target must be in
// an executable mapping when the memory map is available.
func (e *Engine) window(target uintptr) (int, error) {
	regions, err := e.maps()
	if errors.Is(err, procmaps.ErrUnsupported) {
		return maxWindow, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading memory map: %w", err)
	}

	region, ok := procmaps.Lookup(regions, target)
	if !ok || !region.Executable() || !region.Readable() {
		return 0, fmt.Errorf("%w: %#x", ErrNotExecutable, target)
	}

	return int(min(region.End-target, maxWindow)), nil
}

// Uninstall restores the original code at target and frees its trampoline.
//
// The trampoline is gone once Uninstall returns, so the caller has to be sure
// no thread is still running in it.
func (e *Engine) Uninstall(target uintptr) error {
	e.reg.mu.Lock()
	defer e.reg.mu.Unlock()

	h, ok := e.reg.get(target)
	if !ok {
		return fmt.Errorf("%w: %#x", ErrNotHooked, target)
	}

	log := e.log.With().Str("target", fmt.Sprintf("%#x", target)).Logger()
	_, addr := e.backendAt(target)

	current := e.mem.read(addr, len(h.Patch))
	if !bytes.Equal(current, h.Patch) {
		err := fmt.Errorf("%w: found %x, expected %x", ErrPatchModified, current, h.Patch)
		log.Debug().Err(err).Msg("uninstall failed")
		return err
	}

	if _, err := e.mem.patch(addr, h.Saved); err != nil {
		log.Debug().Err(err).Msg("uninstall failed")
		return err
	}

	e.mem.release(h.Trampoline - (target - addr))
	e.reg.remove(target)

	log.Debug().Str("restored", hex.EncodeToString(h.Saved)).Msg("uninstalled")
	return nil
}

// Lookup returns the hook installed on target.
func (e *Engine) Lookup(target uintptr) (Hook, bool) {
	e.reg.mu.Lock()
	defer e.reg.mu.Unlock()

	h, ok := e.reg.get(target)
	if !ok {
		return Hook{}, false
	}
	return h.clone(), true
}

// Hooks returns every installed hook, ordered by target.
func (e *Engine) Hooks() []Hook {
	return e.reg.list()
}

package detour

import (
	"fmt"

	"github.com/pboyd/detour/internal/procmaps"
)

// Module is a file mapped into the process: an executable or a shared
// library. Modules are read from the memory map every time they're looked up,
// so they are never stale.
type Module = procmaps.Module

func findModule(maps func() ([]procmaps.Region, error), name string) (Module, error) {
	regions, err := maps()
	if err != nil {
		return Module{}, fmt.Errorf("%w: %s: %v", ErrModuleNotFound, name, err)
	}

	m, ok := procmaps.FindModule(regions, name)
	if !ok {
		return Module{}, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	return m, nil
}

// FindModule returns the module whose path is name or ends with "/"+name.
func (e *Engine) FindModule(name string) (Module, error) {
	return findModule(e.maps, name)
}

func (e *Engine) IsLoaded(name string) bool {
	_, err := e.FindModule(name)
	return err == nil
}

// Resolve returns the address offset bytes past the base of the module.
func (e *Engine) Resolve(name string, offset uintptr) (uintptr, error) {
	m, err := e.FindModule(name)
	if err != nil {
		return 0, err
	}
	return m.Base + offset, nil
}

// GetImageByName returns the module whose path is name or ends with "/"+name.
func GetImageByName(name string) (Module, bool) {
	m, err := findModule(procmaps.Self, name)
	return m, err == nil
}

// FindModuleBase returns the address the module is loaded at, or 0 if it isn't
// loaded.
func FindModuleBase(name string) uintptr {
	m, _ := GetImageByName(name)
	return m.Base
}

func IsModuleLoaded(name string) bool {
	return FindModuleBase(name) != 0
}

// ResolveAbsolute returns the address offset bytes into the module, or 0 if
// the module isn't loaded.
func ResolveAbsolute(name string, offset uintptr) uintptr {
	base := FindModuleBase(name)
	if base == 0 {
		return 0
	}
	return base + offset
}

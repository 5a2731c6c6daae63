package detour

// The functions in this file are the sentinel API: they never return an error.
// A hook that fails leaves the target and *original untouched, and the reason
// is only reported in the diagnostic log (see ConfigFromEnv). Use an Engine to
// get errors.

// HookFunction redirects the function at target to replacement. When original
// isn't nil it receives the address of a trampoline that runs the original
// function.
func HookFunction(target, replacement uintptr, original *uintptr) {
	hookFunction(target, replacement, original)
}

// MSHookFunction is HookFunction.
func MSHookFunction(target, replacement uintptr, original *uintptr) {
	hookFunction(target, replacement, original)
}

// A64HookFunction is HookFunction.
func A64HookFunction(target, replacement uintptr, original *uintptr) {
	hookFunction(target, replacement, original)
}

// DispatchHook is HookFunction. The instruction set is picked from the host
// architecture at build time, so it works the same everywhere.
func DispatchHook(target, replacement uintptr, original *uintptr) {
	hookFunction(target, replacement, original)
}

func hookFunction(target, replacement uintptr, original *uintptr) bool {
	e, err := Default()
	if err != nil {
		return false
	}

	trampoline, err := e.Install(target, replacement)
	if err != nil {
		return false
	}

	if original != nil {
		*original = trampoline
	}
	return true
}

// UnhookFunction restores the function at target and frees its trampoline. It
// returns false if target wasn't hooked or the patch couldn't be reverted.
func UnhookFunction(target uintptr) bool {
	e, err := Default()
	if err != nil {
		return false
	}
	return e.Uninstall(target) == nil
}

// HookModuleOffset hooks the function offset bytes into the named module.
func HookModuleOffset(module string, offset, replacement uintptr, original *uintptr) bool {
	e, err := Default()
	if err != nil {
		return false
	}

	target, err := e.Resolve(module, offset)
	if err != nil {
		e.log.Debug().Err(err).Str("module", module).Msg("hook failed")
		return false
	}

	return hookFunction(target, replacement, original)
}

// HookModuleOffsetText is HookModuleOffset with the offset as hex text, e.g.
// "0x1a2b".
func HookModuleOffsetText(module, offsetText string, replacement uintptr, original *uintptr) bool {
	offset, err := ParseOffset(offsetText)
	if err != nil {
		if e, derr := Default(); derr == nil {
			e.log.Debug().Err(err).Str("module", module).Msg("hook failed")
		}
		return false
	}

	return HookModuleOffset(module, offset, replacement, original)
}

// FindSymbol would look up an exported symbol in a loaded image. It isn't
// implemented.
func FindSymbol(image, name string) (uintptr, error) {
	return 0, ErrUnimplemented
}

// HookProcess would inject library into another process. It isn't
// implemented.
func HookProcess(pid int, library string) error {
	return ErrUnimplemented
}

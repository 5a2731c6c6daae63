// Package detour intercepts functions in the running process.
//
// A hook overwrites the first instructions of a function with a jump to a
// replacement. The overwritten instructions are moved into a trampoline,
// rewritten where they depend on their own address, and followed by a jump
// back into the rest of the function, so calling the trampoline behaves like
// calling the function before it was hooked.
//
// Targets are plain addresses, or a loaded module (executable or shared
// library) plus an offset:
//
//	var original uintptr
//	if !detour.HookModuleOffsetText("libgame.so", "0x1a2b40", replacement, &original) {
//		// not hooked
//	}
//
// The package level functions report failure with a sentinel and log the cause
// when DETOUR_DEBUG is set. An Engine returns errors instead.
//
// Go functions can be hooked with HookFunc, Replace and Original.
//
// Limitations:
//   - Supports amd64, 386, arm64 and arm. On arm an odd target address is
//     hooked as Thumb-2 code and its trampoline address is odd too.
//   - Module lookup reads /proc/self/maps, so it only works on Linux.
//   - Other threads aren't stopped while a patch is written. A patch longer
//     than one aligned machine word can be seen half written by a thread
//     already running the first instructions of the target.
//   - Calls the Go compiler inlined are not redirected.
//   - Relocation fails on instructions in the first few bytes that branch
//     back into those same bytes. A jump from later in the function back into
//     the patched bytes isn't detected.
package detour

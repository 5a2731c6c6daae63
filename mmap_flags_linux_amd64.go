package detour

import "golang.org/x/sys/unix"

// Trampolines are mapped in the low 2GiB so that Go code, which is linked low
// as well, can reach them with a rel32 jump.
const mmapFlags = unix.MAP_32BIT

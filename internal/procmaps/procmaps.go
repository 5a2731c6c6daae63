// Package procmaps reads the memory map of the current process.
package procmaps

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrUnsupported is returned by Self on platforms without /proc/self/maps.
var ErrUnsupported = errors.New("memory map unavailable on this platform")

// Region is a single mapping, one line of /proc/<pid>/maps.
type Region struct {
	Start  uintptr
	End    uintptr
	Perms  string // "r-xp" and the like
	Offset uint64
	Path   string // empty for anonymous mappings
}

func (r Region) Size() uintptr {
	return r.End - r.Start
}

func (r Region) Contains(addr uintptr) bool {
	return addr >= r.Start && addr < r.End
}

func (r Region) Readable() bool {
	return len(r.Perms) > 0 && r.Perms[0] == 'r'
}

func (r Region) Executable() bool {
	return len(r.Perms) > 2 && r.Perms[2] == 'x'
}

// Anonymous reports whether the region is not backed by a file. Pseudo paths
// like "[heap]" and "[vdso]" count as anonymous.
func (r Region) Anonymous() bool {
	return r.Path == "" || strings.HasPrefix(r.Path, "[")
}

// Parse reads regions in /proc/<pid>/maps format:
//
//	55d4a3c00000-55d4a3c28000 r--p 00000000 08:01 1234   /usr/bin/cat
func Parse(r io.Reader) ([]Region, error) {
	var regions []Region

	scanner := bufio.NewScanner(r)
	for n := 1; scanner.Scan(); n++ {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		region, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d %q: %w", n, line, err)
		}
		regions = append(regions, region)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return regions, nil
}

func parseLine(line string) (Region, error) {
	// The path is the only field that may contain spaces, so split off
	// the first five fields and keep the remainder intact.
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Region{}, errors.New("too few fields")
	}

	start, end, ok := strings.Cut(fields[0], "-")
	if !ok {
		return Region{}, errors.New("malformed address range")
	}

	var (
		region Region
		err    error
	)

	region.Start, err = parseAddr(start)
	if err != nil {
		return Region{}, err
	}
	region.End, err = parseAddr(end)
	if err != nil {
		return Region{}, err
	}
	if region.End < region.Start {
		return Region{}, errors.New("region ends before it starts")
	}

	region.Perms = fields[1]
	if len(region.Perms) < 4 {
		return Region{}, fmt.Errorf("malformed permissions %q", region.Perms)
	}

	region.Offset, err = strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return Region{}, fmt.Errorf("malformed offset: %w", err)
	}

	if len(fields) > 5 {
		rest := line
		for i := 0; i < 5; i++ {
			rest = strings.TrimLeft(rest, " \t")
			rest = rest[strings.IndexAny(rest, " \t"):]
		}
		region.Path = strings.TrimSpace(rest)
	}

	return region, nil
}

func parseAddr(s string) (uintptr, error) {
	v, err := strconv.ParseUint(s, 16, strconv.IntSize)
	if err != nil {
		return 0, fmt.Errorf("malformed address %q: %w", s, err)
	}
	return uintptr(v), nil
}

// Lookup returns the region containing addr.
func Lookup(regions []Region, addr uintptr) (Region, bool) {
	for _, r := range regions {
		if r.Contains(addr) {
			return r, true
		}
	}
	return Region{}, false
}

// Module is every mapping of one file, folded together.
type Module struct {
	Name string // base name of Path
	Path string
	Base uintptr
	Size uintptr
}

// End returns the first address past the module.
func (m Module) End() uintptr {
	return m.Base + m.Size
}

// Matches reports whether path refers to the module name: either the full path
// or its last element.
func Matches(path, name string) bool {
	if name == "" || path == "" {
		return false
	}
	return path == name || strings.HasSuffix(path, "/"+name)
}

// FindModule folds the regions belonging to name into a Module. When more than
// one file matches, the one loaded at the lowest address wins.
func FindModule(regions []Region, name string) (Module, bool) {
	var (
		best  Module
		found bool
	)

	for _, m := range Modules(regions) {
		if !Matches(m.Path, name) {
			continue
		}
		if !found || m.Base < best.Base {
			best = m
			found = true
		}
	}

	return best, found
}

// Modules folds the file-backed regions into one Module per path, in order
// of first appearance.
func Modules(regions []Region) []Module {
	var (
		modules []Module
		index   = map[string]int{}
	)

	for _, r := range regions {
		if r.Anonymous() {
			continue
		}

		i, ok := index[r.Path]
		if !ok {
			index[r.Path] = len(modules)
			modules = append(modules, Module{
				Name: filepath.Base(r.Path),
				Path: r.Path,
				Base: r.Start,
				Size: r.Size(),
			})
			continue
		}

		m := &modules[i]
		end := max(m.End(), r.End)
		m.Base = min(m.Base, r.Start)
		m.Size = end - m.Base
	}

	return modules
}

package procmaps

import "os"

// Self returns the memory map of the current process.
func Self() ([]Region, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Parse(f)
}

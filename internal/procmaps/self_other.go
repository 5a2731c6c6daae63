//go:build !linux

package procmaps

// Self returns ErrUnsupported. Only Linux exposes /proc/self/maps.
func Self() ([]Region, error) {
	return nil, ErrUnsupported
}

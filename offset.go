package detour

import (
	"fmt"
	"strconv"
)

// ParseOffset parses a hexadecimal offset with or without a "0x" prefix.
func ParseOffset(text string) (uintptr, error) {
	digits := text
	if len(digits) >= 2 && digits[0] == '0' && (digits[1] == 'x' || digits[1] == 'X') {
		digits = digits[2:]
	}

	if digits == "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidOffsetText, text)
	}

	v, err := strconv.ParseUint(digits, 16, strconv.IntSize)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidOffsetText, text, err)
	}
	return uintptr(v), nil
}

// ParseHexOffset is ParseOffset with errors reported as 0.
func ParseHexOffset(text string) uintptr {
	v, _ := ParseOffset(text)
	return v
}

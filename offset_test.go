package detour

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseOffset(t *testing.T) {
	cases := map[string]struct {
		text     string
		expected uintptr
		valid    bool
	}{
		"prefixed":         {"0x123456", 0x123456, true},
		"upper prefix":     {"0X1f", 0x1f, true},
		"bare":             {"123ABC", 0x123ABC, true},
		"mixed case":       {"0xDeadBeef", 0xdeadbeef, true},
		"zero":             {"0", 0, true},
		"empty":            {"", 0, false},
		"prefix only":      {"0x", 0, false},
		"not hex":          {"zz", 0, false},
		"double prefix":    {"0x0x12", 0, false},
		"sign":             {"-12", 0, false},
		"space":            {" 12", 0, false},
		"underscore":       {"1_000", 0, false},
		"overflow":         {"0x1ffffffffffffffff", 0, false},
		"trailing garbage": {"12g", 0, false},
		"leading zeros":    {"0x0000ff", 0xff, true},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			offset, err := ParseOffset(tc.text)
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidOffsetText)
			}
			assert.Equal(t, tc.expected, offset)
			assert.Equal(t, tc.expected, ParseHexOffset(tc.text))
		})
	}
}

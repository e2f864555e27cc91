// Package hexcodec converts tunnel payloads to and from the lowercase hex
// strings carried inside https-tunnel-data messages.
package hexcodec

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrInvalidHex is returned when a string contains a non-hex character.
var ErrInvalidHex = errors.New("invalid hex string")

// Encode returns two lowercase hex characters per input byte.
func Encode(b []byte) string {
	return hex.EncodeToString(b)
}

// Decode is the inverse of Encode. An odd-length string is accepted: its
// first character is decoded as a single low nibble, so "a" yields 0x0a and
// "abc" yields 0x0a 0xbc.
func Decode(s string) ([]byte, error) {
	if s == "" {
		return []byte{}, nil
	}

	out := make([]byte, 0, (len(s)+1)/2)
	if len(s)%2 == 1 {
		n, ok := nibble(s[0])
		if !ok {
			return nil, fmt.Errorf("%w: bad character %q at offset 0", ErrInvalidHex, s[0])
		}
		out = append(out, n)
		s = s[1:]
	}

	rest := make([]byte, len(s)/2)
	if _, err := hex.Decode(rest, []byte(s)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHex, err)
	}
	return append(out, rest...), nil
}

func nibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

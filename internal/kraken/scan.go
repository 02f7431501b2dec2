package kraken

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Scanner reads whitespace-separated tokens from an attribute value.
type Scanner struct {
	s string
}

// NewScanner returns a scanner over s.
func NewScanner(s string) *Scanner {
	return &Scanner{s: s}
}

func (sc *Scanner) skipSpace() {
	sc.s = strings.TrimLeftFunc(sc.s, unicode.IsSpace)
}

// Done reports whether only whitespace remains.
func (sc *Scanner) Done() bool {
	sc.skipSpace()
	return sc.s == ""
}

// Word returns the next token.
func (sc *Scanner) Word() (string, error) {
	sc.skipSpace()
	if sc.s == "" {
		return "", fmt.Errorf("%w: missing value", ErrInvalidArgument)
	}
	i := strings.IndexFunc(sc.s, unicode.IsSpace)
	if i < 0 {
		i = len(sc.s)
	}
	w := sc.s[:i]
	sc.s = sc.s[i:]
	return w, nil
}

// Color returns the next rrggbb hex triple.
func (sc *Scanner) Color() (Color, error) {
	sc.skipSpace()
	if len(sc.s) < 6 {
		return Color{}, fmt.Errorf("%w: color %q is not rrggbb", ErrInvalidArgument, sc.s)
	}
	var rgb [3]uint8
	for i := range rgb {
		v, err := strconv.ParseUint(sc.s[2*i:2*i+2], 16, 8)
		if err != nil {
			return Color{}, fmt.Errorf("%w: color %q is not rrggbb", ErrInvalidArgument, sc.s[:6])
		}
		rgb[i] = uint8(v)
	}
	sc.s = sc.s[6:]
	return Color{R: rgb[0], G: rgb[1], B: rgb[2]}, nil
}

// ParseColor parses a single rrggbb value.
func ParseColor(s string) (Color, error) {
	sc := NewScanner(s)
	c, err := sc.Color()
	if err != nil {
		return Color{}, err
	}
	if !sc.Done() {
		return Color{}, fmt.Errorf("%w: trailing data after color", ErrInvalidArgument)
	}
	return c, nil
}

// ParseUint parses an unsigned decimal that fits in bits.
func ParseUint(s string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, bits)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an unsigned integer", ErrInvalidArgument, strings.TrimSpace(s))
	}
	return v, nil
}

// ParseBool accepts the usual spellings: 1/0, y/n, yes/no, on/off,
// true/false, case-insensitively.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "y", "yes", "on", "true", "t":
		return true, nil
	case "0", "n", "no", "off", "false", "f":
		return false, nil
	}
	return false, fmt.Errorf("%w: %q is not a boolean", ErrInvalidArgument, strings.TrimSpace(s))
}

// ParseWord parses a single enum word.
func ParseWord(s string, names []string) (int, error) {
	sc := NewScanner(s)
	w, err := sc.Word()
	if err != nil {
		return 0, err
	}
	if !sc.Done() {
		return 0, fmt.Errorf("%w: trailing data after %q", ErrInvalidArgument, w)
	}
	return ParseEnum(w, names)
}

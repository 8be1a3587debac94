// Package bytesize parses and formats memory sizes such as "4Gi" or "512MB".
package bytesize

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Binary size units. "MB" and "Mi" both mean 2^20 bytes.
const (
	B  uint64 = 1
	KB uint64 = 1 << 10
	MB uint64 = 1 << 20
	GB uint64 = 1 << 30
	TB uint64 = 1 << 40
)

var sizePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z]*)\s*$`)

// Parse parses "1024", "64KB", "1.5Gi" or "4 GiB" into bytes.
func Parse(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid size format: %q", s)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %q", m[1])
	}

	var mult uint64
	switch strings.ToUpper(m[2]) {
	case "", "B":
		mult = B
	case "K", "KB", "KI", "KIB":
		mult = KB
	case "M", "MB", "MI", "MIB":
		mult = MB
	case "G", "GB", "GI", "GIB":
		mult = GB
	case "T", "TB", "TI", "TIB":
		mult = TB
	default:
		return 0, fmt.Errorf("unknown unit: %q", m[2])
	}

	bytes := value * float64(mult)
	if bytes >= math.MaxUint64 {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return uint64(bytes), nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) uint64 {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Format renders bytes with the largest unit that divides it exactly, so
// Format(Parse(x)) round-trips for whole-unit sizes.
func Format(bytes uint64) string {
	units := []struct {
		size uint64
		name string
	}{
		{TB, "Ti"},
		{GB, "Gi"},
		{MB, "Mi"},
		{KB, "Ki"},
	}
	for _, u := range units {
		if bytes >= u.size && bytes%u.size == 0 {
			return strconv.FormatUint(bytes/u.size, 10) + u.name
		}
	}
	return strconv.FormatUint(bytes, 10)
}

// Size is a byte count that reads from YAML as a plain number or a string
// with a unit.
type Size uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", value.Line)
	}
	bytes, err := Parse(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid size %q: %w", value.Line, value.Value, err)
	}
	*s = Size(bytes)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s Size) MarshalYAML() (any, error) {
	return s.String(), nil
}

// Bytes returns the size in bytes.
func (s Size) Bytes() uint64 {
	return uint64(s)
}

// String returns the size in its most compact exact form.
func (s Size) String() string {
	return Format(uint64(s))
}

// Package bytesize parses and formats byte sizes such as "256MB".
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Common byte size units.
const (
	B  int64 = 1
	KB int64 = 1024
	MB int64 = 1024 * KB
	GB int64 = 1024 * MB
	TB int64 = 1024 * GB
)

// sizePattern matches size strings like "100MB", "1.5 GB", "1024"
var sizePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z]*)\s*$`)

// Parse parses a byte size string like "100MB", "1.5GB", or "1024" into bytes.
// Units are binary and case-insensitive: B, KB, MB, GB, TB, with the short
// forms K, M, G, T and Ki, Mi, Gi, Ti. A bare number is bytes.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	matches := sizePattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid size format: %q", s)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %q", matches[1])
	}

	var multiplier int64
	switch strings.ToUpper(matches[2]) {
	case "", "B":
		multiplier = B
	case "KB", "K", "KI":
		multiplier = KB
	case "MB", "M", "MI":
		multiplier = MB
	case "GB", "G", "GI":
		multiplier = GB
	case "TB", "T", "TI":
		multiplier = TB
	default:
		return 0, fmt.Errorf("unknown unit: %q", matches[2])
	}

	return int64(value * float64(multiplier)), nil
}

// Format formats a byte count into a human-readable string.
func Format(bytes int64) string {
	if bytes == 0 {
		return "0 B"
	}

	units := []struct {
		threshold int64
		unit      string
	}{
		{TB, "TB"},
		{GB, "GB"},
		{MB, "MB"},
		{KB, "KB"},
	}

	for _, u := range units {
		if bytes >= u.threshold {
			return fmt.Sprintf("%.2f %s", float64(bytes)/float64(u.threshold), u.unit)
		}
	}

	return fmt.Sprintf("%d B", bytes)
}

// Size is a byte count that decodes from "256MB"-style strings in YAML and
// environment variables.
type Size int64

// Bytes returns s as a plain byte count.
func (s Size) Bytes() int64 { return int64(s) }

func (s Size) String() string { return Format(int64(s)) }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Size) UnmarshalText(text []byte) error {
	n, err := Parse(string(text))
	if err != nil {
		return err
	}
	*s = Size(n)
	return nil
}

// UnmarshalYAML accepts both quoted sizes and bare integers.
func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: byte size must be a scalar", node.Line)
	}
	if err := s.UnmarshalText([]byte(node.Value)); err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	return nil
}

package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Size is a byte count that unmarshals from plain bytes or a human
// form like 6G, 512M, 64K.
type Size int64

func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("size must be a scalar, got %v", value.Kind)
	}
	n, err := ParseSize(value.Value)
	if err != nil {
		return err
	}
	*s = Size(n)
	return nil
}

// Duration unmarshals from a time.ParseDuration string like 30s or 2m.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar, got %v", value.Kind)
	}
	dd, err := time.ParseDuration(value.Value)
	if err != nil {
		return err
	}
	*d = Duration(dd)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// ParseSize converts a size string to bytes. Accepted forms: a plain
// integer (bytes) or an integer with a K/M/G/T suffix in powers of
// 1024, optionally followed by B or iB.
func ParseSize(s string) (int64, error) {
	raw := strings.TrimSpace(strings.ToUpper(s))
	if raw == "" {
		return 0, fmt.Errorf("empty size")
	}

	raw = strings.TrimSuffix(raw, "IB")
	raw = strings.TrimSuffix(raw, "B")

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(raw, "K"):
		multiplier = 1 << 10
	case strings.HasSuffix(raw, "M"):
		multiplier = 1 << 20
	case strings.HasSuffix(raw, "G"):
		multiplier = 1 << 30
	case strings.HasSuffix(raw, "T"):
		multiplier = 1 << 40
	}
	if multiplier > 1 {
		raw = raw[:len(raw)-1]
	}

	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("size %q must not be negative", s)
	}
	return n * multiplier, nil
}

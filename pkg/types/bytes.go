// Package types holds small value types shared across the monitor and
// throttle packages, starting with a byte-count type used for both
// accumulated counters and user-supplied rate limits.
package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Bytes is a uint64 wrapper representing a size (or rate, in bytes/second) in bytes.
type Bytes uint64

// ToBytes converts a raw uint64 byte count into a Bytes value.
func ToBytes(v uint64) Bytes { return Bytes(v) }

// ToUint64 returns the underlying byte count.
func (b Bytes) ToUint64() uint64 { return uint64(b) }

// String implements fmt.Stringer as the humanized form, so Bytes values
// print nicely in logs and templates without an explicit call.
func (b Bytes) String() string { return b.Humanized() }

// Humanized returns a human-readable string with automatic unit (B, KB, MB, GB, TB).
func (b Bytes) Humanized() string {
	v := float64(b)
	switch {
	case b >= 1<<40:
		return fmt.Sprintf("%.2f TB", v/(1<<40))
	case b >= 1<<30:
		return fmt.Sprintf("%.2f GB", v/(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.2f MB", v/(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.2f KB", v/(1<<10))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// HumanizedRate is Humanized with a "/s" suffix, for rate fields.
func (b Bytes) HumanizedRate() string { return b.Humanized() + "/s" }

// KB returns the number of kilobytes (1024 base).
func (b Bytes) KB() float64 { return float64(b) / 1024 }

// MB returns the number of megabytes (1024 base).
func (b Bytes) MB() float64 { return float64(b) / (1024 * 1024) }

// GB returns the number of gigabytes (1024 base).
func (b Bytes) GB() float64 { return float64(b) / (1024 * 1024 * 1024) }

// ParseBytes parses a byte-rate literal of the form accepted by
// --download-limit/--upload-limit: an optional decimal number followed by
// an optional suffix among K, M, G, KB, MB, GB (case-insensitive). A bare
// number is taken as a byte count. Decimals are allowed ("1.5M").
func ParseBytes(s string) (Bytes, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("types: empty byte size")
	}

	upper := strings.ToUpper(s)
	mult := 1.0
	numPart := upper

	suffixes := []struct {
		suffix string
		mult   float64
	}{
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"G", 1 << 30},
		{"M", 1 << 20},
		{"K", 1 << 10},
		{"B", 1},
	}
	for _, sx := range suffixes {
		if strings.HasSuffix(upper, sx.suffix) {
			numPart = strings.TrimSuffix(upper, sx.suffix)
			mult = sx.mult
			break
		}
	}

	numPart = strings.TrimSpace(numPart)
	if numPart == "" {
		return 0, fmt.Errorf("types: byte size %q has no numeric part", s)
	}

	v, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("types: invalid byte size %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("types: byte size %q must not be negative", s)
	}

	return Bytes(v * mult), nil
}

// Package sizefmt parses and formats byte counts for CLI flags and
// transfer progress output.
package sizefmt

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// Parse parses a human-readable size string to bytes.
// Supported formats:
//   - Decimal units: 100B, 10KB, 1MB, 1GB, 1TB (1KB = 1000 bytes)
//   - Binary units: 10KiB, 1MiB, 1GiB, 1TiB (1KiB = 1024 bytes)
//   - Plain number: 1024 (interpreted as bytes)
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("sizefmt: empty size string")
	}

	bytes, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("sizefmt: invalid size %q: %w", s, err)
	}
	return int64(bytes), nil
}

// Format renders bytes using IEC binary units (KiB, MiB, GiB, ...).
func Format(bytes int64) string {
	if bytes < 0 {
		return fmt.Sprintf("%d B", bytes)
	}
	return humanize.IBytes(uint64(bytes))
}

// FormatDecimal renders bytes using SI decimal units (KB, MB, GB, ...).
func FormatDecimal(bytes int64) string {
	if bytes < 0 {
		return fmt.Sprintf("%d B", bytes)
	}
	return humanize.Bytes(uint64(bytes))
}

package jwtx

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// ParseLifetime parses token lifetime strings from configuration, e.g.
// "15m", "12h", "7d", "45s", "500ms". The "d" unit is why this exists:
// time.ParseDuration has no day suffix and refresh lifetimes are naturally
// expressed in days. Unrecognized units or non-numeric magnitudes are
// configuration errors, fatal at startup.
func ParseLifetime(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("jwtx: empty lifetime")
	}

	split := len(s)
	for i, r := range s {
		if !unicode.IsDigit(r) {
			split = i
			break
		}
	}

	magnitude, unit := s[:split], s[split:]
	if magnitude == "" {
		return 0, fmt.Errorf("jwtx: lifetime %q has no numeric magnitude", s)
	}

	n, err := strconv.ParseInt(magnitude, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("jwtx: lifetime %q has invalid magnitude: %w", s, err)
	}

	var base time.Duration
	switch unit {
	case "ms":
		base = time.Millisecond
	case "s":
		base = time.Second
	case "m":
		base = time.Minute
	case "h":
		base = time.Hour
	case "d":
		base = 24 * time.Hour
	default:
		return 0, fmt.Errorf("jwtx: lifetime %q has unrecognized unit %q", s, unit)
	}

	return time.Duration(n) * base, nil
}

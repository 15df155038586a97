package config

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	opserrors "github.com/mirkobrombin/go-opskit/v1/errors"
)

var durationPattern = regexp.MustCompile(`^(\d+)(ms|s|m|h)$`)

// ParseDuration parses the literal forms accepted in node parameters:
// "250ms", "30s", "5m", "1h". A bare integer is taken as milliseconds.
// Fractions, signs and compound forms ("1h30m") are rejected.
func ParseDuration(s string) (time.Duration, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n >= 0 {
		return time.Duration(n) * time.Millisecond, nil
	}
	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", opserrors.ErrInvalidDuration, s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", opserrors.ErrInvalidDuration, s)
	}
	var unit time.Duration
	switch m[2] {
	case "ms":
		unit = time.Millisecond
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	}
	return time.Duration(n) * unit, nil
}

// Seconds converts d to whole seconds for store procedures, rounding up so a
// sub-second TTL never becomes "no expiry".
func Seconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	s := int64(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return s
}

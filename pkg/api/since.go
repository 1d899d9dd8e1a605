package api

import (
	"math"
	"strconv"
	"time"
)

// ParseSince parses a relative window of the form "<int><unit>" where unit is
// d (days), h (hours) or m (minutes), e.g. "7d" or "90m".
func ParseSince(v string) (time.Duration, error) {
	if len(v) < 2 {
		return 0, &SinceFormatError{Value: v, Reason: "expected <int><d|h|m>"}
	}
	var unit time.Duration
	switch v[len(v)-1] {
	case 'd':
		unit = 24 * time.Hour
	case 'h':
		unit = time.Hour
	case 'm':
		unit = time.Minute
	default:
		return 0, &SinceFormatError{Value: v, Reason: "unit must be one of d, h, m"}
	}
	n, err := strconv.Atoi(v[:len(v)-1])
	if err != nil || n < 0 {
		return 0, &SinceFormatError{Value: v, Reason: "amount must be a non-negative integer"}
	}
	if int64(n) > math.MaxInt64/int64(unit) {
		return 0, &SinceFormatError{Value: v, Reason: "window is too large"}
	}
	return time.Duration(n) * unit, nil
}

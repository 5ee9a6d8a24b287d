package agent

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParsePatternWindow parses a pattern window duration of the form "Nd", "Nh"
// or "Nm" with N a positive integer.
func ParsePatternWindow(s string) (time.Duration, error) {
	return parseUnitDuration(s, "pattern window")
}

// ParseApprovalTimeout parses an approval timeout of the form "Nm", "Nh" or
// "Nd" with N a positive integer.
func ParseApprovalTimeout(s string) (time.Duration, error) {
	return parseUnitDuration(s, "approval timeout")
}

func parseUnitDuration(s, what string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid %s %q", what, s)
	}
	unit := s[len(s)-1]
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n < 1 || strings.ContainsAny(s[:len(s)-1], "+- ") {
		return 0, fmt.Errorf("invalid %s %q", what, s)
	}
	switch unit {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid %s unit %q", what, string(unit))
	}
}

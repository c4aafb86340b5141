package model

import "strings"

// cityFromAddress extracts the second comma-separated segment of a street
// address ("12 High St, Leeds, LS1 4AB" -> "Leeds").
func cityFromAddress(addr string) string {
	parts := strings.Split(addr, ",")
	if len(parts) < 2 {
		return strings.TrimSpace(addr)
	}
	return strings.TrimSpace(parts[1])
}

package session

import (
	"fmt"
	"strings"
)

// userSuffix is the chat network's canonical suffix for individual
// accounts addressed by phone number.
const userSuffix = "@s.whatsapp.net"

// NormalizeAddress maps a user-supplied conversation identifier to the
// network's canonical address form. Bare digits (with an optional leading
// "+") are treated as a phone number and given the user suffix; values
// that already contain an address separator pass through unchanged, which
// covers group and broadcast identifiers.
func NormalizeAddress(raw string) (string, error) {
	addr := strings.TrimSpace(raw)
	if addr == "" {
		return "", fmt.Errorf("address is empty")
	}

	if strings.Contains(addr, "@") {
		return addr, nil
	}

	digits := strings.TrimPrefix(addr, "+")
	if digits == "" || !isAllDigits(digits) {
		return "", fmt.Errorf("address %q is neither a phone number nor a canonical address", raw)
	}

	return digits + userSuffix, nil
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

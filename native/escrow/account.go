package escrow

import (
	"fmt"
	"strings"
)

const (
	minAccountIDLen = 2
	maxAccountIDLen = 64
)

// ValidAccountID reports whether id satisfies the host's account naming rules:
// 2-64 characters of lowercase letters and digits, optionally separated by
// single '-', '_' or '.' characters.
func ValidAccountID(id string) bool {
	if len(id) < minAccountIDLen || len(id) > maxAccountIDLen {
		return false
	}
	prevSeparator := true
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			prevSeparator = false
		case c == '-' || c == '_' || c == '.':
			if prevSeparator {
				return false
			}
			prevSeparator = true
		default:
			return false
		}
	}
	return !prevSeparator
}

func requireAccount(role, id string) error {
	if !ValidAccountID(id) {
		return fmt.Errorf("%w: %s %q", ErrInvalidAccount, role, id)
	}
	return nil
}

func normalizeAccount(id string) string {
	return strings.TrimSpace(id)
}

package signaling

import (
	"regexp"
	"strings"
)

// IdentityFormatter normalizes a user-entered identity before it goes on the wire.
type IdentityFormatter func(string) string

var nonDialable = regexp.MustCompile(`[^\d+]`)

// FormatNumber reduces a phone number or SIP/tel URI to its dialable form.
// Examples:
//   - sip:+15551234567@domain.com -> +15551234567
//   - (555) 123-4567 -> 5551234567
//   - tel:+15551234567 -> +15551234567
func FormatNumber(number string) string {
	number = strings.TrimSpace(number)
	number = strings.TrimPrefix(number, "sip:")
	number = strings.TrimPrefix(number, "tel:")

	// Extract user part (before @)
	if idx := strings.Index(number, "@"); idx != -1 {
		number = number[:idx]
	}

	// Remove any parameters (after ;)
	if idx := strings.Index(number, ";"); idx != -1 {
		number = number[:idx]
	}

	return nonDialable.ReplaceAllString(number, "")
}

package identity

import (
	"errors"
	"regexp"
	"strings"
)

// DefaultCountryCode is prefixed to bare 10-digit national numbers.
const DefaultCountryCode = "1"

var (
	ErrInvalidPhone = errors.New("invalid phone number")

	nonDigitRegex = regexp.MustCompile(`\D`)
)

// NormalizePhone reduces a free-form phone number to E.164 ("+15551234567").
// Listings store whatever the owner typed and the carrier sends E.164, so both
// sides go through here before they are compared.
func NormalizePhone(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidPhone
	}

	international := strings.HasPrefix(raw, "+") || strings.HasPrefix(raw, "00")
	digits := nonDigitRegex.ReplaceAllString(raw, "")
	if strings.HasPrefix(raw, "00") {
		digits = strings.TrimPrefix(digits, "00")
	}

	switch {
	case international && len(digits) >= 8 && len(digits) <= 15:
		return "+" + digits, nil
	case len(digits) == 10:
		return "+" + DefaultCountryCode + digits, nil
	case len(digits) == 11 && strings.HasPrefix(digits, DefaultCountryCode):
		return "+" + digits, nil
	}
	return "", ErrInvalidPhone
}

// MaskPhone hides all but the last four digits for log lines.
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}

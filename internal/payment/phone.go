package payment

import (
	"fmt"
	"strings"
)

const (
	countryCode      = "254"
	canonicalLength  = 12
	subscriberLength = 9
)

// NormalizePhone rewrites a Kenyan mobile number into 254XXXXXXXXX form.
// Inputs it cannot place are returned digit-only and fail ValidPhone.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case strings.HasPrefix(digits, "0"):
		return countryCode + digits[1:]
	case strings.HasPrefix(digits, countryCode):
		return digits
	case len(digits) == subscriberLength:
		return countryCode + digits
	default:
		return digits
	}
}

// ValidPhone reports whether phone is already in canonical form.
func ValidPhone(phone string) bool {
	if len(phone) != canonicalLength || !strings.HasPrefix(phone, countryCode) {
		return false
	}
	for _, r := range phone {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ParsePhone normalizes raw and rejects anything that is not a valid mobile number.
func ParsePhone(raw string) (string, error) {
	phone := NormalizePhone(raw)
	if !ValidPhone(phone) {
		return "", fmt.Errorf("%w: invalid phone number %q, use 07XXXXXXXX or 2547XXXXXXXX", ErrValidation, raw)
	}
	return phone, nil
}

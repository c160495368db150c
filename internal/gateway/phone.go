package gateway

import (
	"errors"
	"strings"
)

// ErrInvalidPhone is returned when a phone number has none of the accepted shapes.
var ErrInvalidPhone = errors.New("invalid phone number format")

const countryCode = "254"

// NormalizePhone converts user input into the MSISDN format the gateway
// expects (2547XXXXXXXX). Non-digits are stripped first; accepted shapes are
// 254XXXXXXXXX, 0XXXXXXXXX and 7XXXXXXXX.
func NormalizePhone(input string) (string, error) {
	var b strings.Builder
	for _, r := range input {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case len(digits) == 12 && strings.HasPrefix(digits, countryCode):
		return digits, nil
	case len(digits) == 10 && digits[0] == '0':
		return countryCode + digits[1:], nil
	case len(digits) == 9 && digits[0] == '7':
		return countryCode + digits, nil
	default:
		return "", ErrInvalidPhone
	}
}

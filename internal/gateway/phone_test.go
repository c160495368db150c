package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"0712345678":       "254712345678",
		"254712345678":     "254712345678",
		"712345678":        "254712345678",
		"+254 712 345 678": "254712345678",
		"(0712) 345-678":   "254712345678",
		"0110123456":       "254110123456",
	}
	for in, want := range cases {
		got, err := NormalizePhone(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestNormalizePhoneRejects(t *testing.T) {
	for _, in := range []string{"", "12345", "612345678", "1712345678", "255712345678", "25471234567", "07123456789"} {
		_, err := NormalizePhone(in)
		assert.ErrorIs(t, err, ErrInvalidPhone, in)
	}
}

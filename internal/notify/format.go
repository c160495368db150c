package notify

import (
	"strings"

	"github.com/shopspring/decimal"
)

// FormatKES renders an amount as "KES 1,500.00".
func FormatKES(d decimal.Decimal) string {
	s := d.Abs().StringFixed(2)
	intPart, frac, _ := strings.Cut(s, ".")

	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	sign := ""
	if d.IsNegative() {
		sign = "-"
	}
	return "KES " + sign + b.String() + "." + frac
}

package extract

import (
	"strconv"
	"strings"
)

// ParsePrice strips every non-digit from a localized price string and returns whole
// currency units. Empty or non-numeric input yields 0.
func ParsePrice(raw string) int {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return 0
	}
	n, err := strconv.Atoi(b.String())
	if err != nil {
		return 0
	}
	return n
}

// Package gtin validates GTIN-13 (EAN) product codes.
package gtin

// Length is the number of digits in a GTIN-13 code.
const Length = 13

// IsValid reports whether s is exactly 13 ASCII digits.
// The check is purely syntactic: the check digit is not verified and the
// input is never trimmed, so surrounding whitespace makes a code invalid.
func IsValid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

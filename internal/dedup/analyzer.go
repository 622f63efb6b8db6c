// Package dedup counts unique and repeated GTIN-13 codes in a column.
package dedup

import (
	"strings"

	"ean-import-service/internal/gtin"
)

// Counts summarizes one analyzed column.
//
// DuplicateCount is the number of distinct codes that occur more than once,
// not the number of extra occurrences: a code seen three times adds one.
type Counts struct {
	UniqueCount    int `json:"uniqueCount"`
	DuplicateCount int `json:"duplicateCount"`
	TotalValidEANs int `json:"totalValidEans"`
}

// Analyze trims each value, drops the ones that are not valid codes and
// tallies the rest.
func Analyze(values []string) Counts {
	freq := Frequencies(values)

	var counts Counts
	for _, n := range freq {
		counts.TotalValidEANs += n
		if n == 1 {
			counts.UniqueCount++
		} else {
			counts.DuplicateCount++
		}
	}
	return counts
}

// Frequencies returns occurrences per normalized valid code.
func Frequencies(values []string) map[string]int {
	freq := make(map[string]int)
	for _, raw := range values {
		code := Normalize(raw)
		if !gtin.IsValid(code) {
			continue
		}
		freq[code]++
	}
	return freq
}

// Normalize is the lenient form applied before validation here; the
// validator itself never trims.
func Normalize(raw string) string {
	return strings.TrimSpace(raw)
}

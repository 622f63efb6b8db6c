// Package detection finds the columns of a parsed product file that hold
// GTIN-13 codes.
package detection

import (
	"fmt"
	"strings"

	"ean-import-service/internal/gtin"
)

const (
	// DefaultSampleSize bounds how many body rows are inspected per file.
	DefaultSampleSize = 1000
	// DefaultThresholdPercent is the share of non-empty sampled values that
	// must be valid codes for a column to qualify.
	DefaultThresholdPercent = 80

	ambiguousPrefix = "Multiple EAN columns detected:"
)

// Kind tags the outcome of a detection run.
type Kind int

const (
	KindNoColumn Kind = iota
	KindResolved
	KindAmbiguous
)

func (k Kind) String() string {
	switch k {
	case KindResolved:
		return "resolved"
	case KindAmbiguous:
		return "ambiguous"
	default:
		return "no_column"
	}
}

// ColumnStats is the per-header tally recorded for every detection run.
type ColumnStats struct {
	Name     string  `json:"name"`
	NonEmpty int     `json:"nonEmpty"`
	Valid    int     `json:"valid"`
	Ratio    float64 `json:"ratio"`
}

// Result is the tagged outcome of Detect. Column is set only for
// KindResolved; Candidates holds every qualifying header in header order.
type Result struct {
	Kind       Kind
	Column     string
	Candidates []string
	Columns    []ColumnStats

	ThresholdPercent int
}

// Message renders the human-readable sentence stored on the session.
// Resolved results have no message.
func (r Result) Message() string {
	switch r.Kind {
	case KindAmbiguous:
		return AmbiguousMessage(r.Candidates)
	case KindNoColumn:
		return NoColumnMessage(r.ThresholdPercent)
	default:
		return ""
	}
}

// Detector applies the candidate-column heuristic over a bounded sample.
type Detector struct {
	SampleSize       int
	ThresholdPercent int
}

// NewDetector returns a Detector, falling back to defaults for
// non-positive arguments.
func NewDetector(sampleSize, thresholdPercent int) *Detector {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}
	if thresholdPercent <= 0 || thresholdPercent > 100 {
		thresholdPercent = DefaultThresholdPercent
	}
	return &Detector{SampleSize: sampleSize, ThresholdPercent: thresholdPercent}
}

// Detect inspects up to SampleSize rows and returns the qualifying headers.
// Blank headers are skipped and a repeated header name is evaluated once,
// at its first position.
func (d *Detector) Detect(headers []string, rows [][]string) Result {
	sample := rows
	if d.SampleSize > 0 && len(sample) > d.SampleSize {
		sample = sample[:d.SampleSize]
	}

	seen := make(map[string]bool, len(headers))
	result := Result{Kind: KindNoColumn, ThresholdPercent: d.ThresholdPercent}

	for idx, header := range headers {
		if strings.TrimSpace(header) == "" || seen[header] {
			continue
		}
		seen[header] = true

		stats := ColumnStats{Name: header}
		for _, row := range sample {
			if idx >= len(row) {
				continue
			}
			value := row[idx]
			if strings.TrimSpace(value) == "" {
				continue
			}
			stats.NonEmpty++
			if gtin.IsValid(value) {
				stats.Valid++
			}
		}
		if stats.NonEmpty > 0 {
			stats.Ratio = float64(stats.Valid) / float64(stats.NonEmpty)
		}
		result.Columns = append(result.Columns, stats)

		if d.qualifies(stats) {
			result.Candidates = append(result.Candidates, header)
		}
	}

	switch len(result.Candidates) {
	case 0:
		result.Kind = KindNoColumn
	case 1:
		result.Kind = KindResolved
		result.Column = result.Candidates[0]
	default:
		result.Kind = KindAmbiguous
	}
	return result
}

// qualifies compares in integers so that 4 of 5 is exactly 80%.
func (d *Detector) qualifies(stats ColumnStats) bool {
	if stats.Valid == 0 || stats.NonEmpty == 0 {
		return false
	}
	return stats.Valid*100 >= d.ThresholdPercent*stats.NonEmpty
}

// AmbiguousMessage encodes the candidate list as
// "Multiple EAN columns detected: a, b." Consumers recover the list with
// ParseAmbiguousMessage.
func AmbiguousMessage(candidates []string) string {
	return fmt.Sprintf("%s %s.", ambiguousPrefix, strings.Join(candidates, ", "))
}

// ParseAmbiguousMessage extracts the candidate list from a message built by
// AmbiguousMessage. It returns false when msg carries no candidate list.
func ParseAmbiguousMessage(msg string) ([]string, bool) {
	idx := strings.Index(msg, ambiguousPrefix)
	if idx < 0 {
		return nil, false
	}
	rest := strings.TrimSpace(msg[idx+len(ambiguousPrefix):])
	rest = strings.TrimSuffix(rest, ".")
	if rest == "" {
		return nil, false
	}

	parts := strings.Split(rest, ",")
	candidates := make([]string, 0, len(parts))
	for _, part := range parts {
		if name := strings.TrimSpace(part); name != "" {
			candidates = append(candidates, name)
		}
	}
	return candidates, len(candidates) > 0
}

// NoColumnMessage explains why no column qualified.
func NoColumnMessage(thresholdPercent int) string {
	return fmt.Sprintf("No EAN column detected: no column has at least %d%% valid 13-digit codes", thresholdPercent)
}

// Package detect holds the finding types shared by the content detectors.
package detect

import "fmt"

// Category is the detector family a finding belongs to.
type Category string

const (
	CategoryPromptInjection Category = "prompt-injection"
	CategoryJailbreak       Category = "jailbreak"
	CategoryPII             Category = "pii"
)

// Span is a half-open byte range [Start, End) into the assembled text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the span length in bytes.
func (s Span) Len() int { return s.End - s.Start }

// Overlaps reports whether two spans share at least one byte.
func (s Span) Overlaps(o Span) bool {
	return s.Start < o.End && o.Start < s.End
}

// Finding is one detector's evidence that the text matches a named threat or
// sensitive-data category.
type Finding struct {
	Category Category `json:"category"`
	Subtype  string   `json:"subtype"` // pattern id or PII type
	Span     Span     `json:"span"`
	Severity float64  `json:"severity"` // 0..1
	Label    string   `json:"label,omitempty"`
}

func (f Finding) String() string {
	return fmt.Sprintf("%s:%s@%d-%d", f.Category, f.Subtype, f.Span.Start, f.Span.End)
}

// Has reports whether any finding is in category c.
func Has(findings []Finding, c Category) bool {
	for _, f := range findings {
		if f.Category == c {
			return true
		}
	}
	return false
}

// Filter returns the findings in category c, preserving order.
func Filter(findings []Finding, c Category) []Finding {
	var out []Finding
	for _, f := range findings {
		if f.Category == c {
			out = append(out, f)
		}
	}
	return out
}

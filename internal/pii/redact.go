package pii

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/agentwarden/ai-gateway-agent/internal/detect"
)

// Redact replaces every PII span of findings in text with its type mask.
// Overlapping spans are merged into one region that takes the mask of its
// longest span.
func Redact(text string, findings []detect.Finding) string {
	spans := detect.Filter(findings, detect.CategoryPII)
	if len(spans) == 0 {
		return text
	}
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].Span.Start != spans[j].Span.Start {
			return spans[i].Span.Start < spans[j].Span.Start
		}
		return spans[i].Span.Len() > spans[j].Span.Len()
	})

	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for i := 0; i < len(spans); {
		start, end := spans[i].Span.Start, spans[i].Span.End
		longest := spans[i]
		j := i + 1
		for ; j < len(spans) && spans[j].Span.Start < end; j++ {
			if spans[j].Span.End > end {
				end = spans[j].Span.End
			}
			if spans[j].Span.Len() > longest.Span.Len() {
				longest = spans[j]
			}
		}
		if start < last || end > len(text) {
			// Findings from a different text; leave it untouched.
			return text
		}
		b.WriteString(text[last:start])
		b.WriteString(Type(longest.Subtype).Mask())
		last = end
		i = j
	}
	b.WriteString(text[last:])
	return b.String()
}

// RedactText scans and redacts text in one step.
func (r *Recognizer) RedactText(text string) (string, []Type) {
	findings := r.Scan(text)
	return Redact(text, findings), Types(findings)
}

// RedactJSON rewrites every string value of a JSON document with its PII
// masked. Object keys and non-string values are kept. It reports whether
// anything changed.
func (r *Recognizer) RedactJSON(body []byte) ([]byte, bool, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, false, fmt.Errorf("failed to decode body for redaction: %w", err)
	}

	changed := false
	doc = r.redactValue(doc, &changed)
	if !changed {
		return body, false, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, false, fmt.Errorf("failed to encode redacted body: %w", err)
	}
	r.logger.Debug("redacted request body", "bytes_before", len(body), "bytes_after", buf.Len()-1)
	return bytes.TrimRight(buf.Bytes(), "\n"), true, nil
}

func (r *Recognizer) redactValue(v any, changed *bool) any {
	switch val := v.(type) {
	case string:
		redacted, types := r.RedactText(val)
		if len(types) > 0 {
			*changed = true
		}
		return redacted
	case []any:
		for i := range val {
			val[i] = r.redactValue(val[i], changed)
		}
		return val
	case map[string]any:
		for k := range val {
			val[k] = r.redactValue(val[k], changed)
		}
		return val
	default:
		return v
	}
}

// Package pii recognizes personally identifiable information in request
// text and rewrites it with per-type masks.
package pii

import (
	"context"
	"log/slog"
	"net/netip"
	"regexp"
	"sort"
	"strings"

	"github.com/agentwarden/ai-gateway-agent/internal/detect"
)

// Type is a PII category.
type Type string

const (
	Email      Type = "email"
	SSN        Type = "ssn"
	Phone      Type = "phone"
	CreditCard Type = "credit-card"
	IPAddress  Type = "ip-address"
)

// typeOrder is the order types are reported in.
var typeOrder = map[Type]int{
	Email:      0,
	SSN:        1,
	Phone:      2,
	CreditCard: 3,
	IPAddress:  4,
}

// Mask returns the replacement text for a type.
func (t Type) Mask() string {
	switch t {
	case Email:
		return "[EMAIL REDACTED]"
	case SSN:
		return "[SSN REDACTED]"
	case Phone:
		return "[PHONE REDACTED]"
	case CreditCard:
		return "[CARD REDACTED]"
	case IPAddress:
		return "[IP REDACTED]"
	default:
		return "[REDACTED]"
	}
}

type pattern struct {
	Type      Type
	Regex     *regexp.Regexp
	Severity  float64
	Validator func(match string) bool
}

// Recognizer finds PII spans in text. Card numbers are matched on shape
// only; IPv4 addresses in reserved ranges are not reported.
type Recognizer struct {
	patterns []pattern
	logger   *slog.Logger
}

// NewRecognizer creates a recognizer with the built-in patterns.
func NewRecognizer(logger *slog.Logger) *Recognizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recognizer{
		logger: logger.With("component", "pii.Recognizer"),
		patterns: []pattern{
			{
				Type:     Email,
				Regex:    regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
				Severity: 0.6,
			},
			{
				Type:     SSN,
				Regex:    regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
				Severity: 1.0,
			},
			{
				Type:     Phone,
				Regex:    regexp.MustCompile(`(?:\+1[-.\s]?)?(?:\(\d{3}\)|\b\d{3})[-.\s]?\d{3}[-.\s]?\d{4}\b`),
				Severity: 0.5,
			},
			{
				Type:     CreditCard,
				Regex:    regexp.MustCompile(`\b\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`),
				Severity: 1.0,
			},
			{
				Type:      IPAddress,
				Regex:     regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`),
				Severity:  0.3,
				Validator: isPublicIPv4,
			},
		},
	}
}

// Scan returns every PII match in text ordered by position. Overlapping
// matches of different types are all kept.
func (r *Recognizer) Scan(text string) []detect.Finding {
	findings, _ := r.ScanContext(context.Background(), text)
	return findings
}

// ScanContext is Scan with a cancellation point between patterns.
func (r *Recognizer) ScanContext(ctx context.Context, text string) ([]detect.Finding, error) {
	if text == "" {
		return nil, nil
	}

	var findings []detect.Finding
	for _, p := range r.patterns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, loc := range p.Regex.FindAllStringIndex(text, -1) {
			if p.Validator != nil && !p.Validator(text[loc[0]:loc[1]]) {
				continue
			}
			findings = append(findings, detect.Finding{
				Category: detect.CategoryPII,
				Subtype:  string(p.Type),
				Span:     detect.Span{Start: loc[0], End: loc[1]},
				Severity: p.Severity,
			})
		}
	}

	sort.SliceStable(findings, func(i, j int) bool {
		return findings[i].Span.Start < findings[j].Span.Start
	})
	return findings, nil
}

// Types returns the distinct PII types among findings in reporting order.
// Findings of other categories are ignored.
func Types(findings []detect.Finding) []Type {
	seen := make(map[Type]bool)
	var types []Type
	for _, f := range findings {
		if f.Category != detect.CategoryPII {
			continue
		}
		t := Type(f.Subtype)
		if !seen[t] {
			seen[t] = true
			types = append(types, t)
		}
	}
	sort.Slice(types, func(i, j int) bool {
		return typeOrder[types[i]] < typeOrder[types[j]]
	})
	return types
}

// JoinTypes renders types as the comma separated header value.
func JoinTypes(types []Type) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}

var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
}

// isPublicIPv4 rejects private, loopback, link-local, CGNAT, documentation,
// multicast and reserved addresses.
func isPublicIPv4(s string) bool {
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return false
	}
	for _, p := range reservedPrefixes {
		if p.Contains(addr) {
			return false
		}
	}
	return true
}

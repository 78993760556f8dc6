// Package sanitize detects prompt injection and jailbreak attempts in the
// text of AI requests. Patterns are RE2 expressions, so a scan is linear in
// the size of the text no matter what the input looks like.
package sanitize

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/agentwarden/ai-gateway-agent/internal/detect"
)

// Options selects which pattern tables a scan runs.
type Options struct {
	PromptInjection bool
	Jailbreak       bool
}

// Pattern is a named detection rule.
type Pattern struct {
	ID       string          `yaml:"id" json:"id"`
	Category detect.Category `yaml:"-" json:"category"`
	Expr     string          `yaml:"pattern" json:"pattern"`
	Level    string          `yaml:"severity" json:"severity"` // critical, high, medium, low
}

type compiledPattern struct {
	Pattern
	Regex    *regexp.Regexp
	Severity float64
}

// Engine scans text against the prompt-injection and jailbreak tables.
// Findings come out in table order, one per pattern id, so repeated scans of
// the same text produce identical results.
type Engine struct {
	mu        sync.RWMutex
	injection []*compiledPattern
	jailbreak []*compiledPattern
	logger    *slog.Logger
}

// NewEngine creates an engine loaded with the built-in tables.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		logger: logger.With("component", "sanitize.Engine"),
	}
	e.injection = e.compileAll(detect.CategoryPromptInjection, defaultInjectionPatterns)
	e.jailbreak = e.compileAll(detect.CategoryJailbreak, defaultJailbreakPatterns)
	return e
}

// Scan runs the enabled tables over text.
func (e *Engine) Scan(text string, opts Options) []detect.Finding {
	findings, _ := e.ScanContext(context.Background(), text, opts)
	return findings
}

// ScanContext is Scan with a cancellation point between patterns. On
// cancellation it returns the context error and no findings.
func (e *Engine) ScanContext(ctx context.Context, text string, opts Options) ([]detect.Finding, error) {
	if text == "" || (!opts.PromptInjection && !opts.Jailbreak) {
		return nil, nil
	}

	e.mu.RLock()
	var tables [][]*compiledPattern
	if opts.PromptInjection {
		tables = append(tables, e.injection)
	}
	if opts.Jailbreak {
		tables = append(tables, e.jailbreak)
	}
	e.mu.RUnlock()

	var findings []detect.Finding
	for _, table := range tables {
		for _, p := range table {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			loc := p.Regex.FindStringIndex(text)
			if loc == nil {
				continue
			}
			findings = append(findings, detect.Finding{
				Category: p.Category,
				Subtype:  p.ID,
				Span:     detect.Span{Start: loc[0], End: loc[1]},
				Severity: p.Severity,
				Label:    p.Level,
			})
		}
	}

	if len(findings) > 0 {
		e.logger.Debug("patterns matched", "count", len(findings))
	}
	return findings, nil
}

// Add compiles extra patterns into a table. Invalid expressions fail the
// whole call and leave the tables unchanged.
func (e *Engine) Add(category detect.Category, patterns []Pattern) error {
	compiled := make([]*compiledPattern, 0, len(patterns))
	for _, p := range patterns {
		cp, err := compile(category, p)
		if err != nil {
			return err
		}
		compiled = append(compiled, cp)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch category {
	case detect.CategoryPromptInjection:
		e.injection = appendUnique(e.injection, compiled)
	case detect.CategoryJailbreak:
		e.jailbreak = appendUnique(e.jailbreak, compiled)
	default:
		return fmt.Errorf("unsupported pattern category %q", category)
	}
	return nil
}

// Patterns returns a copy of the active patterns of a category.
func (e *Engine) Patterns(category detect.Category) []Pattern {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var table []*compiledPattern
	switch category {
	case detect.CategoryPromptInjection:
		table = e.injection
	case detect.CategoryJailbreak:
		table = e.jailbreak
	}
	out := make([]Pattern, len(table))
	for i, p := range table {
		out[i] = p.Pattern
	}
	return out
}

func (e *Engine) compileAll(category detect.Category, patterns []Pattern) []*compiledPattern {
	out := make([]*compiledPattern, 0, len(patterns))
	for _, p := range patterns {
		cp, err := compile(category, p)
		if err != nil {
			e.logger.Warn("failed to compile pattern", "id", p.ID, "error", err)
			continue
		}
		out = append(out, cp)
	}
	return out
}

func compile(category detect.Category, p Pattern) (*compiledPattern, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("pattern %q has no id", p.Expr)
	}
	re, err := regexp.Compile("(?i)" + p.Expr)
	if err != nil {
		return nil, fmt.Errorf("pattern %s: %w", p.ID, err)
	}
	if p.Level == "" {
		p.Level = "medium"
	}
	p.Category = category
	return &compiledPattern{
		Pattern:  p,
		Regex:    re,
		Severity: severityScore(p.Level),
	}, nil
}

// appendUnique adds patterns whose id is not already in the table; an
// existing id is replaced in place.
func appendUnique(table, add []*compiledPattern) []*compiledPattern {
	out := append([]*compiledPattern(nil), table...)
	for _, p := range add {
		replaced := false
		for i, existing := range out {
			if existing.ID == p.ID {
				out[i] = p
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, p)
		}
	}
	return out
}

func severityRank(s string) int {
	switch s {
	case "critical":
		return 4
	case "high":
		return 3
	case "medium":
		return 2
	case "low":
		return 1
	default:
		return 0
	}
}

func severityScore(s string) float64 {
	switch s {
	case "critical":
		return 1.0
	case "high":
		return 0.8
	case "medium":
		return 0.5
	case "low":
		return 0.25
	default:
		return 0
	}
}

// HighestLevel returns the most severe label among findings, or "none".
func HighestLevel(findings []detect.Finding) string {
	highest := "none"
	for _, f := range findings {
		if severityRank(f.Label) > severityRank(highest) {
			highest = f.Label
		}
	}
	return highest
}

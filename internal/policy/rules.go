package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/agentwarden/ai-gateway-agent/internal/config"
)

// RuleMatch is one operator rule whose condition held for a request.
type RuleMatch struct {
	Name    string `json:"name"`
	Message string `json:"message,omitempty"`
}

// RuleSet holds the compiled operator rules. Rules can be replaced while
// requests are being evaluated.
type RuleSet struct {
	eval   *CELEvaluator
	logger *slog.Logger

	mu    sync.RWMutex
	rules []CompiledRule
}

// NewRuleSet creates an empty RuleSet.
func NewRuleSet(eval *CELEvaluator, logger *slog.Logger) *RuleSet {
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleSet{
		eval:   eval,
		logger: logger.With("component", "policy.RuleSet"),
	}
}

// Compile compiles configs without installing them. Every invalid rule is
// reported; the valid ones are returned.
func (s *RuleSet) Compile(configs []config.RuleConfig) ([]CompiledRule, error) {
	rules := make([]CompiledRule, 0, len(configs))
	var errs []error
	for i, cfg := range configs {
		if cfg.Name == "" {
			errs = append(errs, fmt.Errorf("rules[%d]: name is required", i))
			continue
		}
		rule, err := s.eval.CompileExpression(cfg.Condition)
		if err != nil {
			errs = append(errs, fmt.Errorf("rules[%d] %s: %w", i, cfg.Name, err))
			continue
		}
		rule.Name = cfg.Name
		rule.Message = cfg.Message
		rules = append(rules, rule)
	}
	return rules, errors.Join(errs...)
}

// Load compiles configs and atomically replaces the active rules. A rule
// that fails to compile is logged and skipped so one bad rule does not take
// the others down.
func (s *RuleSet) Load(configs []config.RuleConfig) error {
	rules, err := s.Compile(configs)
	if err != nil {
		s.logger.Error("skipping invalid rules", "error", err)
	}

	s.mu.Lock()
	s.rules = rules
	s.mu.Unlock()

	s.logger.Info("rules loaded", "total_configs", len(configs), "loaded_rules", len(rules))
	return err
}

// Len returns the number of active rules.
func (s *RuleSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules)
}

// Evaluate returns the rules matching rc in load order. An evaluation error
// aborts the whole set; the caller treats it as a detector failure.
func (s *RuleSet) Evaluate(ctx context.Context, rc RequestContext) ([]RuleMatch, error) {
	s.mu.RLock()
	rules := s.rules
	s.mu.RUnlock()

	var matches []RuleMatch
	for _, r := range rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ok, err := s.eval.Evaluate(r, rc)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.Name, err)
		}
		if ok {
			matches = append(matches, RuleMatch{Name: r.Name, Message: r.Message})
		}
	}
	return matches, nil
}

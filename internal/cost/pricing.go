package cost

import (
	"sort"
	"strings"
	"sync"
)

// DefaultPricingTable maps a model name fragment to USD per 1k prompt
// tokens. Lookups match by substring and the longest fragment wins, so
// "gpt-4o-mini" is priced before "gpt-4o" and "gpt-4".
var DefaultPricingTable = map[string]float64{
	// OpenAI
	"gpt-4o":      0.005,
	"gpt-4o-mini": 0.00015,
	"gpt-4-turbo": 0.01,
	"gpt-4":       0.03,
	"gpt-3.5":     0.0005,
	"o1-preview":  0.015,
	"o1-mini":     0.003,
	"o3-mini":     0.0011,

	// Anthropic
	"opus":   0.015,
	"sonnet": 0.003,
	"haiku":  0.00025,

	// Google
	"gemini-2.0-flash": 0.0001,
	"gemini-1.5-pro":   0.00125,
	"gemini-1.5-flash": 0.000075,

	// Mistral
	"mistral-large": 0.002,
	"mistral-small": 0.0002,

	// DeepSeek
	"deepseek-chat":     0.00014,
	"deepseek-reasoner": 0.00055,
}

// Pricing resolves per-1k prices for model names.
type Pricing struct {
	mu   sync.RWMutex
	keys []string // longest first
	per  map[string]float64
}

// NewPricing builds a price table from the defaults plus overrides. An
// override with an existing key replaces the default price.
func NewPricing(overrides map[string]float64) *Pricing {
	p := &Pricing{}
	p.Set(overrides)
	return p
}

// Set rebuilds the table from the defaults plus overrides.
func (p *Pricing) Set(overrides map[string]float64) {
	per := make(map[string]float64, len(DefaultPricingTable)+len(overrides))
	for k, v := range DefaultPricingTable {
		per[k] = v
	}
	for k, v := range overrides {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" && v >= 0 {
			per[k] = v
		}
	}

	keys := make([]string, 0, len(per))
	for k := range per {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})

	p.mu.Lock()
	p.per = per
	p.keys = keys
	p.mu.Unlock()
}

// PerThousand returns the price per 1k tokens for model and whether the
// model is priced at all.
func (p *Pricing) PerThousand(model string) (float64, bool) {
	if model == "" {
		return 0, false
	}
	m := strings.ToLower(model)

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, k := range p.keys {
		if strings.Contains(m, k) {
			return p.per[k], true
		}
	}
	return 0, false
}

// Estimate returns the USD cost of tokens prompt tokens for model.
func (p *Pricing) Estimate(model string, tokens int) (float64, bool) {
	price, ok := p.PerThousand(model)
	if !ok {
		return 0, false
	}
	return float64(tokens) / 1000.0 * price, true
}

package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Config is the top-level agent configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Audit        AuditConfig        `yaml:"audit"`
	Alerts       AlertsConfig       `yaml:"alerts"`
	Rules        []RuleConfig       `yaml:"rules"`
	Pricing      map[string]float64 `yaml:"pricing"` // USD per 1k tokens, keyed by model substring
	PatternsFile string             `yaml:"patterns_file"`
}

type ServerConfig struct {
	SocketPath      string        `yaml:"socket_path"`
	AdminAddr       string        `yaml:"admin_addr"` // empty disables the admin API
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"` // text, json
	CORS            bool          `yaml:"cors"`
	DecisionTimeout time.Duration `yaml:"decision_timeout"`
	MaxBodyBytes    int           `yaml:"max_body_bytes"`
	AssemblyTTL     time.Duration `yaml:"assembly_ttl"`
	Auth            AuthConfig    `yaml:"auth"`
}

// AuthConfig controls bearer token authentication of the admin API.
type AuthConfig struct {
	Enabled bool `yaml:"enabled"`
	// TokenTTL is the lifetime of tokens minted through POST /api/tokens.
	TokenTTL time.Duration `yaml:"token_ttl"`
	Tokens   []TokenConfig `yaml:"tokens"`
}

// TokenConfig is a long-lived admin API token. Secret is normally a ${VAR}
// reference.
type TokenConfig struct {
	Name     string `yaml:"name"`
	Secret   string `yaml:"secret"`
	Role     string `yaml:"role"`      // viewer, operator, admin
	SourceIP string `yaml:"source_ip"` // empty = any address
}

// MinTokenSecretLen is the shortest secret accepted for a configured token.
const MinTokenSecretLen = 16

// PIIAction selects what happens to a request carrying PII.
type PIIAction string

const (
	PIIActionBlock  PIIAction = "block"
	PIIActionRedact PIIAction = "redact"
	PIIActionLog    PIIAction = "log"
)

// ParsePIIAction accepts block, redact or log in any case.
func ParsePIIAction(s string) (PIIAction, error) {
	switch a := PIIAction(strings.ToLower(strings.TrimSpace(s))); a {
	case PIIActionBlock, PIIActionRedact, PIIActionLog:
		return a, nil
	default:
		return "", fmt.Errorf("invalid PII action: %q", s)
	}
}

// GatewayConfig is the inspection policy handed to the pipeline. The yaml
// keys follow the file layout; the json keys are the kebab-case names the
// proxy sends in its configure event.
type GatewayConfig struct {
	PromptInjectionEnabled    bool      `yaml:"prompt_injection_enabled" json:"prompt-injection-enabled"`
	PIIDetectionEnabled       bool      `yaml:"pii_detection_enabled" json:"pii-detection-enabled"`
	PIIAction                 PIIAction `yaml:"pii_action" json:"pii-action"`
	JailbreakDetectionEnabled bool      `yaml:"jailbreak_detection_enabled" json:"jailbreak-detection-enabled"`
	SchemaValidationEnabled   bool      `yaml:"schema_validation_enabled" json:"schema-validation-enabled"`
	MaxTokensPerRequest       int       `yaml:"max_tokens_per_request" json:"max-tokens-per-request"` // 0 = no limit
	AddCostHeaders            bool      `yaml:"add_cost_headers" json:"add-cost-headers"`
	AllowedModels             []string  `yaml:"allowed_models" json:"allowed-models"` // empty = all
	BlockMode                 bool      `yaml:"block_mode" json:"block-mode"`         // false = detect only
	FailOpen                  bool      `yaml:"fail_open" json:"fail-open"`
	RateLimitRequests         int       `yaml:"rate_limit_requests" json:"rate-limit-requests"` // per minute, 0 = unlimited
	RateLimitTokens           int       `yaml:"rate_limit_tokens" json:"rate-limit-tokens"`     // per minute, 0 = unlimited
}

// Normalize replaces out-of-range values with safe ones. An unknown PII
// action degrades to log.
func (g *GatewayConfig) Normalize() {
	if a, err := ParsePIIAction(string(g.PIIAction)); err == nil {
		g.PIIAction = a
	} else {
		g.PIIAction = PIIActionLog
	}
	if g.MaxTokensPerRequest < 0 {
		g.MaxTokensPerRequest = 0
	}
	if g.RateLimitRequests < 0 {
		g.RateLimitRequests = 0
	}
	if g.RateLimitTokens < 0 {
		g.RateLimitTokens = 0
	}
	models := g.AllowedModels[:0:0]
	for _, m := range g.AllowedModels {
		if m = strings.TrimSpace(m); m != "" {
			models = append(models, m)
		}
	}
	g.AllowedModels = models
}

// ParseGatewayJSON decodes a configure event payload on top of the defaults,
// so omitted keys keep their default values.
func ParseGatewayJSON(data []byte) (GatewayConfig, error) {
	g := DefaultGateway()
	if len(data) == 0 || string(data) == "null" {
		return g, nil
	}
	if err := json.Unmarshal(data, &g); err != nil {
		return DefaultGateway(), fmt.Errorf("failed to parse gateway config: %w", err)
	}
	g.Normalize()
	return g, nil
}

type RateLimitConfig struct {
	Backend   string        `yaml:"backend"` // memory, redis
	RedisURL  string        `yaml:"redis_url"`
	KeyPrefix string        `yaml:"key_prefix"`
	Window    time.Duration `yaml:"window"`
}

type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"` // empty = in-memory
	MaxRecords int    `yaml:"max_records"`
}

type AlertsConfig struct {
	Slack   SlackAlertConfig   `yaml:"slack"`
	Webhook WebhookAlertConfig `yaml:"webhook"`
}

type SlackAlertConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type WebhookAlertConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// RuleConfig is an operator-defined CEL condition evaluated after the
// built-in detectors.
type RuleConfig struct {
	Name      string `yaml:"name"`
	Condition string `yaml:"condition"`
	Message   string `yaml:"message"`
}

// DefaultGateway returns the inspection defaults of the agent.
func DefaultGateway() GatewayConfig {
	return GatewayConfig{
		PromptInjectionEnabled:    true,
		PIIDetectionEnabled:       true,
		PIIAction:                 PIIActionLog,
		JailbreakDetectionEnabled: true,
		SchemaValidationEnabled:   false,
		AddCostHeaders:            true,
		BlockMode:                 true,
		FailOpen:                  false,
	}
}

// DefaultConfig returns a config with sensible defaults for zero-config startup.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			SocketPath:      "/tmp/sentinel-ai-gateway.sock",
			AdminAddr:       "127.0.0.1:6790",
			LogLevel:        "info",
			LogFormat:       "text",
			DecisionTimeout: 2 * time.Second,
			MaxBodyBytes:    256 * 1024,
			AssemblyTTL:     30 * time.Second,
			Auth: AuthConfig{
				TokenTTL: 24 * time.Hour,
			},
		},
		Gateway: DefaultGateway(),
		RateLimit: RateLimitConfig{
			Backend:   "memory",
			KeyPrefix: "aigw:rl:",
			Window:    time.Minute,
		},
		Audit: AuditConfig{
			Enabled:    true,
			MaxRecords: 10000,
		},
	}
}

// Validate reports configuration values the agent cannot run with.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.SocketPath == "" {
		problems = append(problems, "server.socket_path is required")
	}
	if c.Server.DecisionTimeout <= 0 {
		problems = append(problems, "server.decision_timeout must be positive")
	}
	if c.Server.MaxBodyBytes <= 0 {
		problems = append(problems, "server.max_body_bytes must be positive")
	}
	problems = append(problems, c.Server.Auth.problems()...)
	if _, err := ParsePIIAction(string(c.Gateway.PIIAction)); err != nil {
		problems = append(problems, "gateway.pii_action must be one of block, redact, log")
	}
	switch c.RateLimit.Backend {
	case "memory", "":
	case "redis":
		if c.RateLimit.RedisURL == "" {
			problems = append(problems, "rate_limit.redis_url is required for the redis backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("rate_limit.backend %q is not supported", c.RateLimit.Backend))
	}
	if c.RateLimit.Window < 0 {
		problems = append(problems, "rate_limit.window must not be negative")
	}
	for i, r := range c.Rules {
		if r.Name == "" || r.Condition == "" {
			problems = append(problems, fmt.Sprintf("rules[%d] needs a name and a condition", i))
		}
	}
	for model, price := range c.Pricing {
		if price < 0 {
			problems = append(problems, fmt.Sprintf("pricing[%s] must not be negative", model))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (a AuthConfig) problems() []string {
	if !a.Enabled {
		return nil
	}
	var problems []string
	if len(a.Tokens) == 0 {
		problems = append(problems, "server.auth.tokens needs at least one token when auth is enabled")
	}
	if a.TokenTTL < 0 {
		problems = append(problems, "server.auth.token_ttl must not be negative")
	}
	names := make(map[string]bool, len(a.Tokens))
	for i, t := range a.Tokens {
		switch {
		case t.Name == "":
			problems = append(problems, fmt.Sprintf("server.auth.tokens[%d] needs a name", i))
		case names[t.Name]:
			problems = append(problems, fmt.Sprintf("server.auth.tokens[%d]: duplicate name %q", i, t.Name))
		}
		names[t.Name] = true
		if len(t.Secret) < MinTokenSecretLen {
			problems = append(problems, fmt.Sprintf("server.auth.tokens[%d].secret must be at least %d characters", i, MinTokenSecretLen))
		}
		switch t.Role {
		case "viewer", "operator", "admin":
		default:
			problems = append(problems, fmt.Sprintf("server.auth.tokens[%d].role must be one of viewer, operator, admin", i))
		}
	}
	return problems
}

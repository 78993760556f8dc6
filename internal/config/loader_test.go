package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func noEnv(string) (string, bool) { return "", false }

func newTestLoader() *Loader {
	l := NewLoader()
	l.getenv = noEnv
	return l
}

func TestLoader_LoadValidConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "ai-gateway.yaml")

	yamlContent := `
server:
  socket_path: /run/aigw.sock
  admin_addr: ""
  log_level: debug
  decision_timeout: 500ms
  max_body_bytes: 1024

gateway:
  pii_action: redact
  schema_validation_enabled: true
  block_mode: false
  allowed_models: [gpt-4o, claude-3]
  rate_limit_requests: 60
  rate_limit_tokens: 100000

rate_limit:
  backend: redis
  redis_url: redis://localhost:6379/0

rules:
  - name: big-prompts
    condition: "request.tokens > 4000"
    message: too large

pricing:
  my-model: 0.002
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	loader := newTestLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	cfg := loader.Get()

	if cfg.Server.SocketPath != "/run/aigw.sock" {
		t.Errorf("Server.SocketPath = %q, want /run/aigw.sock", cfg.Server.SocketPath)
	}
	if cfg.Server.AdminAddr != "" {
		t.Errorf("Server.AdminAddr = %q, want empty", cfg.Server.AdminAddr)
	}
	if cfg.Server.DecisionTimeout != 500*time.Millisecond {
		t.Errorf("Server.DecisionTimeout = %v, want 500ms", cfg.Server.DecisionTimeout)
	}
	if cfg.Server.MaxBodyBytes != 1024 {
		t.Errorf("Server.MaxBodyBytes = %d, want 1024", cfg.Server.MaxBodyBytes)
	}

	g := cfg.Gateway
	if g.PIIAction != PIIActionRedact {
		t.Errorf("Gateway.PIIAction = %q, want redact", g.PIIAction)
	}
	if !g.SchemaValidationEnabled {
		t.Error("Gateway.SchemaValidationEnabled = false, want true")
	}
	if g.BlockMode {
		t.Error("Gateway.BlockMode = true, want false")
	}
	// Keys not present in the file keep their defaults.
	if !g.PromptInjectionEnabled || !g.JailbreakDetectionEnabled || !g.PIIDetectionEnabled {
		t.Error("detector defaults were not preserved")
	}
	if len(g.AllowedModels) != 2 || g.AllowedModels[1] != "claude-3" {
		t.Errorf("Gateway.AllowedModels = %v, want [gpt-4o claude-3]", g.AllowedModels)
	}
	if g.RateLimitRequests != 60 || g.RateLimitTokens != 100000 {
		t.Errorf("rate limits = %d/%d, want 60/100000", g.RateLimitRequests, g.RateLimitTokens)
	}

	if cfg.RateLimit.Backend != "redis" {
		t.Errorf("RateLimit.Backend = %q, want redis", cfg.RateLimit.Backend)
	}
	if cfg.RateLimit.Window != time.Minute {
		t.Errorf("RateLimit.Window = %v, want default 1m", cfg.RateLimit.Window)
	}
	if len(cfg.Rules) != 1 || cfg.Rules[0].Name != "big-prompts" {
		t.Errorf("Rules = %+v, want one rule named big-prompts", cfg.Rules)
	}
	if cfg.Pricing["my-model"] != 0.002 {
		t.Errorf("Pricing[my-model] = %v, want 0.002", cfg.Pricing["my-model"])
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error: %v", err)
	}
}

func TestLoader_DefaultConfig(t *testing.T) {
	cfg := newTestLoader().Get()

	if cfg.Server.SocketPath != "/tmp/sentinel-ai-gateway.sock" {
		t.Errorf("default SocketPath = %q", cfg.Server.SocketPath)
	}
	if cfg.Server.MaxBodyBytes != 256*1024 {
		t.Errorf("default MaxBodyBytes = %d, want %d", cfg.Server.MaxBodyBytes, 256*1024)
	}
	g := cfg.Gateway
	if !g.PromptInjectionEnabled || !g.PIIDetectionEnabled || !g.JailbreakDetectionEnabled {
		t.Error("detectors should be enabled by default")
	}
	if g.SchemaValidationEnabled {
		t.Error("schema validation should be disabled by default")
	}
	if g.PIIAction != PIIActionLog {
		t.Errorf("default PIIAction = %q, want log", g.PIIAction)
	}
	if !g.BlockMode || g.FailOpen || !g.AddCostHeaders {
		t.Errorf("default BlockMode/FailOpen/AddCostHeaders = %v/%v/%v, want true/false/true",
			g.BlockMode, g.FailOpen, g.AddCostHeaders)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoader_LoadNonExistentFile(t *testing.T) {
	loader := newTestLoader()
	if err := loader.Load("/nonexistent/path/to/config.yaml"); err == nil {
		t.Error("Load() on missing file should return an error")
	}
}

func TestLoader_LoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(configPath, []byte("server: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}

	loader := newTestLoader()
	if err := loader.Load(configPath); err == nil {
		t.Error("Load() on invalid YAML should return an error")
	}
	if loader.FilePath() != "" {
		t.Errorf("FilePath() after failed Load = %q, want empty", loader.FilePath())
	}
}

func TestLoader_Reload(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "ai-gateway.yaml")
	write := func(rpm string) {
		content := "gateway:\n  rate_limit_requests: " + rpm + "\n"
		if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	write("10")
	loader := newTestLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got := loader.Get().Gateway.RateLimitRequests; got != 10 {
		t.Errorf("initial rpm = %d, want 10", got)
	}

	write("20")
	if err := loader.Reload(); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}
	if got := loader.Get().Gateway.RateLimitRequests; got != 20 {
		t.Errorf("reloaded rpm = %d, want 20", got)
	}
}

func TestLoader_ReloadWithoutLoad(t *testing.T) {
	if err := newTestLoader().Reload(); err == nil {
		t.Error("Reload() without Load() should return an error")
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TEST_AIGW_SOCKET", "/run/x.sock")
	t.Setenv("TEST_AIGW_SECRET", "my-secret")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"simple substitution", "socket: ${TEST_AIGW_SOCKET}", "socket: /run/x.sock"},
		{"multiple substitutions", "a: ${TEST_AIGW_SOCKET}\nb: ${TEST_AIGW_SECRET}", "a: /run/x.sock\nb: my-secret"},
		{"undefined variable", "value: ${UNDEFINED_TEST_VAR_XYZ}", "value: "},
		{"default value syntax", "value: ${UNDEFINED_TEST_VAR_XYZ:-default-val}", "value: default-val"},
		{"default not used when set", "a: ${TEST_AIGW_SECRET:-other}", "a: my-secret"},
		{"no env vars", "port: 8080", "port: 8080"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := substituteEnvVars(tt.input); got != tt.want {
				t.Errorf("substituteEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"AGENT_SOCKET":        "/tmp/other.sock",
		"PII_ACTION":          "Block",
		"BLOCK_MODE":          "false",
		"FAIL_OPEN":           "true",
		"SCHEMA_VALIDATION":   "1",
		"ALLOWED_MODELS":      "gpt-4o, claude-3-haiku",
		"MAX_TOKENS":          "4096",
		"RATE_LIMIT_REQUESTS": "30",
		"VERBOSE":             "true",
	}
	cfg := DefaultConfig()
	err := ApplyEnv(cfg, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if err != nil {
		t.Fatalf("ApplyEnv() error: %v", err)
	}
	cfg.Gateway.Normalize()

	if cfg.Server.SocketPath != "/tmp/other.sock" {
		t.Errorf("SocketPath = %q", cfg.Server.SocketPath)
	}
	if cfg.Gateway.PIIAction != PIIActionBlock {
		t.Errorf("PIIAction = %q, want block", cfg.Gateway.PIIAction)
	}
	if cfg.Gateway.BlockMode || !cfg.Gateway.FailOpen || !cfg.Gateway.SchemaValidationEnabled {
		t.Error("boolean overrides not applied")
	}
	if len(cfg.Gateway.AllowedModels) != 2 || cfg.Gateway.AllowedModels[1] != "claude-3-haiku" {
		t.Errorf("AllowedModels = %q", cfg.Gateway.AllowedModels)
	}
	if cfg.Gateway.MaxTokensPerRequest != 4096 || cfg.Gateway.RateLimitRequests != 30 {
		t.Error("integer overrides not applied")
	}
	if cfg.Server.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.Server.LogLevel)
	}
}

func TestApplyEnv_InvalidValues(t *testing.T) {
	env := map[string]string{"BLOCK_MODE": "maybe", "RATE_LIMIT_TOKENS": "-5", "PII_ACTION": "shout"}
	err := ApplyEnv(DefaultConfig(), func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if err == nil {
		t.Fatal("ApplyEnv() should reject invalid values")
	}
}

func TestParseGatewayJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(t *testing.T, g GatewayConfig)
	}{
		{
			name:  "empty payload keeps defaults",
			input: `{}`,
			check: func(t *testing.T, g GatewayConfig) {
				d := DefaultGateway()
				if g.BlockMode != d.BlockMode || g.PIIAction != d.PIIAction || g.FailOpen != d.FailOpen ||
					g.AddCostHeaders != d.AddCostHeaders || len(g.AllowedModels) != 0 {
					t.Errorf("got %+v, want defaults", g)
				}
			},
		},
		{
			name:  "kebab-case keys",
			input: `{"block-mode": false, "pii-action": "redact", "rate-limit-requests": 5, "allowed-models": ["gpt-4o"]}`,
			check: func(t *testing.T, g GatewayConfig) {
				if g.BlockMode {
					t.Error("BlockMode = true, want false")
				}
				if g.PIIAction != PIIActionRedact {
					t.Errorf("PIIAction = %q, want redact", g.PIIAction)
				}
				if g.RateLimitRequests != 5 {
					t.Errorf("RateLimitRequests = %d, want 5", g.RateLimitRequests)
				}
				if !g.PromptInjectionEnabled {
					t.Error("omitted key lost its default")
				}
			},
		},
		{
			name:  "unknown pii action degrades to log",
			input: `{"pii-action": "quarantine"}`,
			check: func(t *testing.T, g GatewayConfig) {
				if g.PIIAction != PIIActionLog {
					t.Errorf("PIIAction = %q, want log", g.PIIAction)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := ParseGatewayJSON([]byte(tt.input))
			if err != nil {
				t.Fatalf("ParseGatewayJSON() error: %v", err)
			}
			tt.check(t, g)
		})
	}

	if _, err := ParseGatewayJSON([]byte(`{"block-mode": "yes"}`)); err == nil {
		t.Error("ParseGatewayJSON() should fail on a mistyped value")
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.SocketPath = ""
	cfg.RateLimit.Backend = "redis"
	cfg.Gateway.PIIAction = "drop"
	cfg.Rules = []RuleConfig{{Name: "x"}}

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() should fail")
	}
}

func TestValidate_Auth(t *testing.T) {
	secret := strings.Repeat("s", MinTokenSecretLen)
	tests := []struct {
		name    string
		auth    AuthConfig
		wantErr string
	}{
		{"disabled without tokens", AuthConfig{}, ""},
		{"enabled", AuthConfig{Enabled: true, Tokens: []TokenConfig{{Name: "ops", Secret: secret, Role: "admin"}}}, ""},
		{"enabled without tokens", AuthConfig{Enabled: true}, "at least one token"},
		{"short secret", AuthConfig{Enabled: true, Tokens: []TokenConfig{{Name: "ops", Secret: "short", Role: "admin"}}}, "secret must be at least"},
		{"unknown role", AuthConfig{Enabled: true, Tokens: []TokenConfig{{Name: "ops", Secret: secret, Role: "root"}}}, "role must be one of"},
		{"duplicate name", AuthConfig{Enabled: true, Tokens: []TokenConfig{
			{Name: "ops", Secret: secret, Role: "admin"},
			{Name: "ops", Secret: secret + "x", Role: "viewer"},
		}}, "duplicate name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Server.Auth = tt.auth
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestGenerateDefault(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "ai-gateway.yaml")

	if err := GenerateDefault(configPath); err != nil {
		t.Fatalf("GenerateDefault() error: %v", err)
	}

	loader := newTestLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("generated config is not valid YAML: %v", err)
	}

	cfg := loader.Get()
	if cfg.Server.SocketPath != "/tmp/sentinel-ai-gateway.sock" {
		t.Errorf("generated socket path = %q", cfg.Server.SocketPath)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("generated config should validate: %v", err)
	}
}

func TestLoader_Watch(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "ai-gateway.yaml")
	if err := os.WriteFile(configPath, []byte("gateway:\n  block_mode: true\n"), 0644); err != nil {
		t.Fatal(err)
	}

	loader := newTestLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatal(err)
	}

	changed := make(chan *Config, 4)
	if err := loader.Watch(func(c *Config) { changed <- c }); err != nil {
		t.Fatalf("Watch() error: %v", err)
	}
	defer loader.StopWatch()

	if err := os.WriteFile(configPath, []byte("gateway:\n  block_mode: false\n"), 0644); err != nil {
		t.Fatal(err)
	}

	// An editor may produce several events; wait for the final content.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changed:
			if !c.Gateway.BlockMode {
				return
			}
		case <-deadline:
			t.Fatal("no reload with block_mode=false observed within 5s")
		}
	}
}

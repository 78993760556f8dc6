package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader reads the YAML config file, applies environment overrides and keeps
// the current snapshot. It can watch the file and re-read it on change.
type Loader struct {
	mu     sync.RWMutex
	cfg    *Config
	path   string
	getenv func(string) (string, bool)
	logger *slog.Logger

	watchMu   sync.Mutex
	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// NewLoader creates a Loader holding DefaultConfig until Load is called.
func NewLoader() *Loader {
	return &Loader{
		cfg:    DefaultConfig(),
		getenv: os.LookupEnv,
		logger: slog.Default().With("component", "config.Loader"),
	}
}

// SetLogger replaces the loader's logger.
func (l *Loader) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	l.logger = logger.With("component", "config.Loader")
}

// Load reads and parses the config file at path.
func (l *Loader) Load(path string) error {
	cfg, err := l.read(path)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.cfg = cfg
	l.path = path
	l.mu.Unlock()
	return nil
}

// Reload re-reads the file given to the last successful Load.
func (l *Loader) Reload() error {
	l.mu.RLock()
	path := l.path
	l.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("no config file loaded")
	}
	return l.Load(path)
}

// LoadEnv applies environment overrides to the current snapshot. It is used
// when no config file exists.
func (l *Loader) LoadEnv() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cfg := *l.cfg
	if err := ApplyEnv(&cfg, l.getenv); err != nil {
		return err
	}
	l.cfg = &cfg
	return nil
}

// Get returns the current config snapshot. Callers must not mutate it.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// FilePath returns the path of the loaded config file.
func (l *Loader) FilePath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.path
}

func (l *Loader) read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(substituteEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := ApplyEnv(cfg, l.getenv); err != nil {
		return nil, err
	}
	cfg.Gateway.Normalize()
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// substituteEnvVars expands ${VAR} and ${VAR:-default} references.
func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(m string) string {
		parts := envVarPattern.FindStringSubmatch(m)
		if v, ok := os.LookupEnv(parts[1]); ok && v != "" {
			return v
		}
		return parts[2]
	})
}

// ApplyEnv overrides cfg with the agent's environment variables.
func ApplyEnv(cfg *Config, getenv func(string) (string, bool)) error {
	if getenv == nil {
		getenv = os.LookupEnv
	}

	str := func(name string, dst *string) {
		if v, ok := getenv(name); ok && v != "" {
			*dst = v
		}
	}
	var errs []string
	boolean := func(name string, dst *bool) {
		if v, ok := getenv(name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", name, err))
				return
			}
			*dst = b
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := getenv(name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				errs = append(errs, fmt.Sprintf("%s: must be a non-negative integer", name))
				return
			}
			*dst = n
		}
	}

	str("AGENT_SOCKET", &cfg.Server.SocketPath)
	str("ADMIN_ADDR", &cfg.Server.AdminAddr)
	str("REDIS_URL", &cfg.RateLimit.RedisURL)

	g := &cfg.Gateway
	boolean("PROMPT_INJECTION", &g.PromptInjectionEnabled)
	boolean("PII_DETECTION", &g.PIIDetectionEnabled)
	boolean("JAILBREAK_DETECTION", &g.JailbreakDetectionEnabled)
	boolean("SCHEMA_VALIDATION", &g.SchemaValidationEnabled)
	boolean("ADD_COST_HEADERS", &g.AddCostHeaders)
	boolean("BLOCK_MODE", &g.BlockMode)
	boolean("FAIL_OPEN", &g.FailOpen)
	integer("MAX_TOKENS", &g.MaxTokensPerRequest)
	integer("RATE_LIMIT_REQUESTS", &g.RateLimitRequests)
	integer("RATE_LIMIT_TOKENS", &g.RateLimitTokens)

	if v, ok := getenv("PII_ACTION"); ok && v != "" {
		a, err := ParsePIIAction(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("PII_ACTION: %v", err))
		} else {
			g.PIIAction = a
		}
	}
	if v, ok := getenv("ALLOWED_MODELS"); ok && v != "" {
		g.AllowedModels = strings.Split(v, ",")
	}
	if v, ok := getenv("VERBOSE"); ok {
		if b, _ := strconv.ParseBool(v); b {
			cfg.Server.LogLevel = "debug"
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Watch starts an fsnotify watcher on the loaded config file. Each write
// reloads the file and hands the new snapshot to onChange. Reload failures
// are logged and the previous snapshot stays active.
func (l *Loader) Watch(onChange func(*Config)) error {
	path := l.FilePath()
	if path == "" {
		return fmt.Errorf("no config file loaded")
	}

	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	l.stopWatchLocked()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	// Watch the directory so editors that rename-and-replace are seen.
	dir := filepath.Dir(absPath)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	l.watcher = w
	l.watchDone = make(chan struct{})
	go l.watchLoop(w, l.watchDone, absPath, onChange)

	l.logger.Info("watching config for changes", "path", absPath)
	return nil
}

func (l *Loader) watchLoop(w *fsnotify.Watcher, done chan struct{}, target string, onChange func(*Config)) {
	defer close(done)

	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			absEvent, _ := filepath.Abs(event.Name)
			if absEvent != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := l.Reload(); err != nil {
				l.logger.Error("config reload failed, keeping previous config", "error", err)
				continue
			}
			l.logger.Info("config reloaded", "path", target)
			if onChange != nil {
				onChange(l.Get())
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Error("fsnotify error", "error", err)
		}
	}
}

// StopWatch stops the config file watcher, if running.
func (l *Loader) StopWatch() {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	l.stopWatchLocked()
}

func (l *Loader) stopWatchLocked() {
	if l.watcher == nil {
		return
	}
	_ = l.watcher.Close()
	<-l.watchDone
	l.watcher = nil
	l.watchDone = nil
}

// GenerateDefault writes a starter config file to path.
func GenerateDefault(path string) error {
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

const defaultConfigYAML = `# AI gateway inspection agent

server:
  socket_path: /tmp/sentinel-ai-gateway.sock
  admin_addr: 127.0.0.1:6790
  log_level: info
  log_format: text
  decision_timeout: 2s
  max_body_bytes: 262144
  assembly_ttl: 30s
  auth:
    enabled: false
    token_ttl: 24h
    tokens:
      - name: ops
        secret: ${AI_GATEWAY_ADMIN_TOKEN:-}
        role: admin

gateway:
  prompt_injection_enabled: true
  jailbreak_detection_enabled: true
  pii_detection_enabled: true
  pii_action: log            # block, redact, log
  schema_validation_enabled: false
  add_cost_headers: true
  block_mode: true           # false = detect only
  fail_open: false
  max_tokens_per_request: 0  # 0 = no limit
  allowed_models: []         # empty = all models
  rate_limit_requests: 0     # per client per minute, 0 = unlimited
  rate_limit_tokens: 0

rate_limit:
  backend: memory            # memory, redis
  redis_url: ${REDIS_URL:-}
  key_prefix: "aigw:rl:"
  window: 60s

audit:
  enabled: true
  path: ""                   # SQLite file, empty = in-memory
  max_records: 10000

# rules:
#   - name: no-gpt4-for-large-prompts
#     condition: 'request.model.startsWith("gpt-4") && request.tokens > 4000'
#     message: large prompts must use a smaller model

# pricing:                   # USD per 1k tokens, overrides built-in prices
#   gpt-4o: 0.005

alerts:
  webhook:
    url: ""
    secret: ""
  slack:
    webhook_url: ""
    channel: ""
`

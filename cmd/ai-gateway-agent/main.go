package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentwarden/ai-gateway-agent/internal/alert"
	"github.com/agentwarden/ai-gateway-agent/internal/api"
	"github.com/agentwarden/ai-gateway-agent/internal/auth"
	"github.com/agentwarden/ai-gateway-agent/internal/clock"
	"github.com/agentwarden/ai-gateway-agent/internal/config"
	"github.com/agentwarden/ai-gateway-agent/internal/cost"
	"github.com/agentwarden/ai-gateway-agent/internal/metrics"
	"github.com/agentwarden/ai-gateway-agent/internal/pipeline"
	"github.com/agentwarden/ai-gateway-agent/internal/policy"
	"github.com/agentwarden/ai-gateway-agent/internal/sanitize"
	"github.com/agentwarden/ai-gateway-agent/internal/server"
	"github.com/agentwarden/ai-gateway-agent/internal/trace"
	"github.com/agentwarden/ai-gateway-agent/internal/usage"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

const defaultConfigName = "ai-gateway-agent.yaml"

// serveFlags are command line overrides applied on top of file and env.
type serveFlags struct {
	configFile string
	socket     string
	adminAddr  string
	verbose    bool
	jsonLogs   bool
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "ai-gateway-agent",
		Short: "Request inspection agent for AI gateway proxies",
		Long: "ai-gateway-agent inspects LLM API requests streamed by a reverse proxy.\n" +
			"It detects prompt injection, jailbreaks and PII, validates request schemas,\n" +
			"enforces per-client usage limits and estimates cost.",
		SilenceUsage: true,
	}

	var flags serveFlags

	// ─── serve ───
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent on its Unix socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(flags)
		},
	}
	serveCmd.Flags().StringVarP(&flags.configFile, "config", "c", "", "Path to config file (default: "+defaultConfigName+")")
	serveCmd.Flags().StringVarP(&flags.socket, "socket", "s", "", "Unix socket path (overrides AGENT_SOCKET)")
	serveCmd.Flags().StringVar(&flags.adminAddr, "admin-addr", "", "Admin API address, \"off\" disables it")
	serveCmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "Debug logging")
	serveCmd.Flags().BoolVar(&flags.jsonLogs, "json-logs", false, "Log as JSON")

	// ─── init ───
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter " + defaultConfigName,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}

	// ─── check ───
	var checkFile string
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config file, custom rules and pattern file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(checkFile)
		},
	}
	checkCmd.Flags().StringVarP(&checkFile, "config", "c", "", "Path to config file")

	// ─── status ───
	var statusAddr, statusToken string
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show health and decision statistics of a running agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if statusToken == "" {
				statusToken = os.Getenv("AI_GATEWAY_ADMIN_TOKEN")
			}
			return runStatus(statusAddr, statusToken)
		},
	}
	statusCmd.Flags().StringVar(&statusAddr, "admin-addr", "", "Admin API address (default from config)")
	statusCmd.Flags().StringVar(&statusToken, "token", "", "Admin API token (default $AI_GATEWAY_ADMIN_TOKEN)")

	// ─── version ───
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ai-gateway-agent %s\n", version)
			fmt.Printf("  Commit:  %s\n", commit)
			fmt.Printf("  Built:   %s\n", buildDate)
		},
	}

	rootCmd.AddCommand(serveCmd, initCmd, checkCmd, statusCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ─── Serve ───

func runServe(flags serveFlags) error {
	cfgLoader, configFile, err := loadConfig(flags.configFile)
	if err != nil {
		return err
	}
	cfg := *cfgLoader.Get()

	if flags.socket != "" {
		cfg.Server.SocketPath = flags.socket
	}
	if flags.adminAddr != "" {
		cfg.Server.AdminAddr = flags.adminAddr
	}
	if strings.EqualFold(cfg.Server.AdminAddr, "off") {
		cfg.Server.AdminAddr = ""
	}
	if flags.verbose {
		cfg.Server.LogLevel = "debug"
	}
	if flags.jsonLogs {
		cfg.Server.LogFormat = "json"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(os.Stdout, cfg.Server.LogLevel, cfg.Server.LogFormat)
	slog.SetDefault(logger)
	cfgLoader.SetLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New(true)

	// Usage windows
	var windows usage.Store
	switch cfg.RateLimit.Backend {
	case "redis":
		rs, err := usage.NewRedisStore(ctx, cfg.RateLimit.RedisURL, cfg.RateLimit.KeyPrefix, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		windows = rs
	default:
		windows = usage.NewMemoryStore()
	}
	governor := usage.NewGovernor(windows, usage.LimitsFromGateway(cfg.Gateway), cfg.RateLimit.Window, clock.Real{}, logger)
	defer func() { _ = governor.Close() }()

	// Detectors and rules
	scanner := sanitize.NewEngine(logger)
	if cfg.PatternsFile != "" {
		if err := scanner.LoadFile(cfg.PatternsFile); err != nil {
			return fmt.Errorf("failed to load patterns: %w", err)
		}
	}
	celEval, err := policy.NewCELEvaluator(logger)
	if err != nil {
		return fmt.Errorf("failed to create CEL evaluator: %w", err)
	}
	rules := policy.NewRuleSet(celEval, logger)
	if err := rules.Load(cfg.Rules); err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	pricing := cost.NewPricing(cfg.Pricing)
	tracker := cost.NewTracker(logger)

	// Audit log
	var store trace.Store
	if cfg.Audit.Enabled {
		sqlite, err := trace.NewSQLiteStore(cfg.Audit.Path, cfg.Audit.MaxRecords, logger)
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		if err := sqlite.Initialize(ctx); err != nil {
			_ = sqlite.Close()
			return fmt.Errorf("failed to initialize audit log: %w", err)
		}
		defer func() { _ = sqlite.Close() }()
		store = sqlite
	}

	alertMgr := alert.NewManager(cfg.Alerts, logger)
	feed := api.NewWebSocketHub(logger, cfg.Server.CORS)

	opts := pipeline.Options{
		Logger:          logger,
		DecisionTimeout: cfg.Server.DecisionTimeout,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		Scanner:         scanner,
		Pricing:         pricing,
		Tracker:         tracker,
		Rules:           rules,
		Feed:            feed,
		Metrics:         m,
	}
	if store != nil {
		opts.Recorder = store
	}
	if alertMgr.HasSenders() {
		opts.Alerter = alertMgr
	}
	orch := pipeline.New(cfg.Gateway, governor, opts)

	// apply hands a reloaded file to the running components.
	apply := func(next *config.Config) error {
		if err := next.Validate(); err != nil {
			return err
		}
		if err := rules.Load(next.Rules); err != nil {
			return fmt.Errorf("rules: %w", err)
		}
		pricing.Set(next.Pricing)
		orch.Reconfigure(next.Gateway)
		return nil
	}
	var reload func() error
	if configFile != "" {
		reload = func() error {
			if err := cfgLoader.Reload(); err != nil {
				return err
			}
			return apply(cfgLoader.Get())
		}
		if err := cfgLoader.Watch(func(next *config.Config) {
			if err := apply(next); err != nil {
				logger.Error("hot-reload rejected, keeping previous config", "error", err)
			}
		}); err != nil {
			logger.Error("failed to watch config for hot-reload", "error", err)
		}
		defer cfgLoader.StopWatch()
	}

	transport := server.NewHTTPEventsServer(orch, logger)
	var admin *api.Server
	var tokens *auth.TokenManager
	if cfg.Server.AdminAddr != "" {
		if cfg.Server.Auth.Enabled {
			tokens = auth.NewTokenManager(cfg.Server.Auth.TokenTTL, clock.Real{}, logger)
			if err := tokens.Load(cfg.Server.Auth.Tokens); err != nil {
				return fmt.Errorf("admin API tokens: %w", err)
			}
		} else if !isLoopback(cfg.Server.AdminAddr) {
			logger.Warn("admin API is reachable beyond loopback without authentication",
				"addr", cfg.Server.AdminAddr,
			)
		}
		admin = api.NewServer(cfg.Server, api.Deps{
			Store:   store,
			Tracker: tracker,
			Gateway: orch,
			Metrics: m.Handler(),
			Feed:    feed,
			Reload:  reload,
			Tokens:  tokens,
		}, logger)
	}

	printBanner(cfg, configFile, rules.Len())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := transport.Start(cfg.Server.SocketPath); err != nil {
			return fmt.Errorf("agent transport: %w", err)
		}
		return nil
	})
	if admin != nil {
		g.Go(func() error {
			if err := admin.Start(cfg.Server.AdminAddr); err != nil {
				return fmt.Errorf("admin API: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		orch.Run(gctx, 10*time.Second, cfg.Server.AssemblyTTL)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				alertMgr.PruneDedup()
				if tokens != nil {
					if n := tokens.CleanExpired(); n > 0 {
						logger.Debug("expired admin tokens removed", "count", n)
					}
				}
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := transport.Shutdown(shutCtx); err != nil {
			logger.Warn("agent transport shutdown", "error", err)
		}
		if admin != nil {
			if err := admin.Shutdown(shutCtx); err != nil {
				logger.Warn("admin API shutdown", "error", err)
			}
		} else {
			feed.Close()
		}
		return nil
	})

	err = g.Wait()
	orch.Wait()
	alertMgr.Wait()
	_ = os.Remove(cfg.Server.SocketPath)
	return err
}

// loadConfig reads the config file when there is one, otherwise the defaults
// with environment overrides.
func loadConfig(path string) (*config.Loader, string, error) {
	loader := config.NewLoader()
	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := loader.Load(path); err != nil {
			return nil, "", fmt.Errorf("failed to load config: %w", err)
		}
		return loader, path, nil
	}
	if err := loader.LoadEnv(); err != nil {
		return nil, "", err
	}
	return loader, "", nil
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func printBanner(cfg config.Config, configFile string, ruleCount int) {
	mode := "block"
	if !cfg.Gateway.BlockMode {
		mode = "detect only"
	}
	failMode := "closed"
	if cfg.Gateway.FailOpen {
		failMode = "open"
	}
	source := configFile
	if source == "" {
		source = "defaults + environment"
	}

	fmt.Println()
	fmt.Printf("  ai-gateway-agent %s\n", version)
	fmt.Println()
	fmt.Printf("  → Socket:    %s\n", cfg.Server.SocketPath)
	if cfg.Server.AdminAddr != "" {
		fmt.Printf("  → Admin:     http://%s/api\n", cfg.Server.AdminAddr)
		fmt.Printf("  → Metrics:   http://%s/metrics\n", cfg.Server.AdminAddr)
		if cfg.Server.Auth.Enabled {
			fmt.Printf("  → Auth:      %d token(s)\n", len(cfg.Server.Auth.Tokens))
		} else {
			fmt.Println("  → Auth:      disabled")
		}
	}
	fmt.Printf("  → Config:    %s\n", source)
	fmt.Printf("  → Mode:      %s, fail %s\n", mode, failMode)
	fmt.Printf("  → PII:       %s\n", cfg.Gateway.PIIAction)
	fmt.Printf("  → Limits:    backend %s\n", cfg.RateLimit.Backend)
	fmt.Printf("  → Rules:     %d loaded\n", ruleCount)
	fmt.Println()
}

// ─── Init ───

func runInit() error {
	if _, err := os.Stat(defaultConfigName); err == nil {
		fmt.Printf("  ⚠ %s already exists (skipping)\n", defaultConfigName)
		return nil
	}
	if err := config.GenerateDefault(defaultConfigName); err != nil {
		return err
	}
	fmt.Printf("  ✓ Generated %s\n", defaultConfigName)
	fmt.Println()
	fmt.Println("  Next steps:")
	fmt.Println("    ai-gateway-agent check     # Validate the config")
	fmt.Println("    ai-gateway-agent serve     # Start the agent")
	return nil
}

// ─── Check ───

func runCheck(configFile string) error {
	path := configFile
	if path == "" {
		path = findConfigFile()
	}
	if path == "" {
		return fmt.Errorf("no config file found, run 'ai-gateway-agent init' to create one")
	}

	loader := config.NewLoader()
	if err := loader.Load(path); err != nil {
		fmt.Printf("✗ Invalid config: %s\n", err)
		return err
	}
	cfg := loader.Get()

	failed := false
	if err := cfg.Validate(); err != nil {
		fmt.Printf("✗ %s\n", err)
		failed = true
	} else {
		fmt.Printf("✓ Config file valid: %s\n", path)
	}
	fmt.Printf("  Socket:   %s\n", cfg.Server.SocketPath)
	fmt.Printf("  Limits:   %s backend\n", cfg.RateLimit.Backend)
	fmt.Printf("  Rules:    %d\n", len(cfg.Rules))

	evaluator, err := policy.NewCELEvaluator(nil)
	if err != nil {
		return fmt.Errorf("failed to create CEL evaluator: %w", err)
	}
	for _, r := range cfg.Rules {
		if _, err := evaluator.CompileExpression(r.Condition); err != nil {
			fmt.Printf("  ✗ Rule %q: invalid CEL expression: %s\n", r.Name, err)
			failed = true
		} else {
			fmt.Printf("  ✓ Rule %q: CEL expression valid\n", r.Name)
		}
	}

	if cfg.PatternsFile != "" {
		if err := sanitize.NewEngine(nil).LoadFile(cfg.PatternsFile); err != nil {
			fmt.Printf("  ✗ Patterns %s: %s\n", cfg.PatternsFile, err)
			failed = true
		} else {
			fmt.Printf("  ✓ Patterns %s loaded\n", cfg.PatternsFile)
		}
	}

	if failed {
		return errors.New("config check failed")
	}
	return nil
}

// ─── Status ───

func runStatus(addr, token string) error {
	if addr == "" {
		addr = config.DefaultConfig().Server.AdminAddr
		if path := findConfigFile(); path != "" {
			loader := config.NewLoader()
			if err := loader.Load(path); err == nil && loader.Get().Server.AdminAddr != "" {
				addr = loader.Get().Server.AdminAddr
			}
		}
	}
	client := &adminClient{http: &http.Client{Timeout: 5 * time.Second}, token: token}

	var health map[string]interface{}
	if err := client.getJSON(fmt.Sprintf("http://%s/api/health", addr), &health); err != nil {
		fmt.Printf("ai-gateway-agent is not reachable at %s\n", addr)
		return nil
	}
	var stats map[string]interface{}
	if err := client.getJSON(fmt.Sprintf("http://%s/api/stats", addr), &stats); err != nil {
		return err
	}

	fmt.Println("ai-gateway-agent status")
	fmt.Println("───────────────────────")
	printMap(health)
	if d, ok := stats["decisions"].(map[string]interface{}); ok {
		fmt.Println()
		fmt.Println("Decisions")
		printMap(d)
	}
	if u, ok := stats["usage"].(map[string]interface{}); ok {
		fmt.Println()
		fmt.Println("Usage")
		printMap(u)
	}
	return nil
}

type adminClient struct {
	http  *http.Client
	token string
}

func (c *adminClient) getJSON(url string, v interface{}) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func printMap(m map[string]interface{}) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-20s %v\n", k+":", m[k])
	}
}

func findConfigFile() string {
	candidates := []string{
		defaultConfigName,
		"ai-gateway-agent.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "ai-gateway-agent", "config.yaml"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

package usage

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentwarden/ai-gateway-agent/internal/clock"
	"github.com/agentwarden/ai-gateway-agent/internal/config"
)

// DefaultWindow is the counting window the per-minute limits refer to.
const DefaultWindow = time.Minute

// ErrRateLimited is reported when a client ran out of its window budget.
var ErrRateLimited = errors.New("rate limit exceeded")

// Limits is the admission policy of the governor.
type Limits struct {
	RequestsPerWindow   int
	TokensPerWindow     int
	MaxTokensPerRequest int
	AllowedModels       []string
}

// LimitsFromGateway extracts the usage limits of a gateway config.
func LimitsFromGateway(g config.GatewayConfig) Limits {
	return Limits{
		RequestsPerWindow:   g.RateLimitRequests,
		TokensPerWindow:     g.RateLimitTokens,
		MaxTokensPerRequest: g.MaxTokensPerRequest,
		AllowedModels:       append([]string(nil), g.AllowedModels...),
	}
}

func (l Limits) quota() Quota {
	return Quota{Requests: l.RequestsPerWindow, Tokens: l.TokensPerWindow}
}

// ModelAllowed reports whether model passes the allowlist. An empty
// allowlist or an empty model passes; otherwise either string must contain
// the other, so "gpt-4" admits "gpt-4-0613".
func (l Limits) ModelAllowed(model string) bool {
	if len(l.AllowedModels) == 0 || model == "" {
		return true
	}
	for _, allowed := range l.AllowedModels {
		if strings.Contains(model, allowed) || strings.Contains(allowed, model) {
			return true
		}
	}
	return false
}

// Request is what the governor needs to admit one call.
type Request struct {
	Client ClientID
	Model  string
	Tokens int
}

// Admission is the governor's answer for one request. When Reserved is
// true the request consumed window budget that Release gives back.
type Admission struct {
	Client             ClientID
	Tokens             int
	Limits             Limits
	Window             Window
	Reset              time.Duration
	RateLimited        bool
	Exceeded           Exceeded
	ModelDenied        bool
	TokenLimitExceeded bool

	reserved atomic.Bool
}

// Allowed reports whether every admission check passed.
func (a *Admission) Allowed() bool {
	return !a.RateLimited && !a.ModelDenied && !a.TokenLimitExceeded
}

// Reserved reports whether the admission still holds window budget.
func (a *Admission) Reserved() bool { return a.reserved.Load() }

// ResetSeconds is the time until the window resets, rounded up.
func (a *Admission) ResetSeconds() int {
	if a.Reset <= 0 {
		return 0
	}
	return int((a.Reset + time.Second - 1) / time.Second)
}

// RemainingRequests is the request budget left in the window.
// It is 0 when the request budget is the one that ran out.
func (a *Admission) RemainingRequests() int {
	if a.RateLimited && a.Exceeded != ExceededTokens {
		return 0
	}
	return remaining(a.Limits.RequestsPerWindow, a.Window.Requests)
}

// RemainingTokens is the token budget left in the window. It is 0 when the
// token budget is the one that ran out.
func (a *Admission) RemainingTokens() int {
	if a.RateLimited && a.Exceeded == ExceededTokens {
		return 0
	}
	return remaining(a.Limits.TokensPerWindow, a.Window.Tokens)
}

func remaining(limit, used int) int {
	if used >= limit {
		return 0
	}
	return limit - used
}

// Headers returns the X-RateLimit-* response headers. Each limit/remaining
// pair is only present when that limit is configured. Retry-After is set
// only when the client was rate limited.
func (a *Admission) Headers() map[string]string {
	if !a.Limits.quota().Enabled() {
		return nil
	}
	h := make(map[string]string, 6)
	if a.Limits.RequestsPerWindow > 0 {
		h["X-RateLimit-Limit-Requests"] = strconv.Itoa(a.Limits.RequestsPerWindow)
		h["X-RateLimit-Remaining-Requests"] = strconv.Itoa(a.RemainingRequests())
	}
	if a.Limits.TokensPerWindow > 0 {
		h["X-RateLimit-Limit-Tokens"] = strconv.Itoa(a.Limits.TokensPerWindow)
		h["X-RateLimit-Remaining-Tokens"] = strconv.Itoa(a.RemainingTokens())
	}
	reset := strconv.Itoa(a.ResetSeconds())
	h["X-RateLimit-Reset"] = reset
	if a.RateLimited {
		h["Retry-After"] = reset
	}
	return h
}

// Governor admits requests against per-client windows.
type Governor struct {
	store  Store
	clock  clock.Clock
	length time.Duration
	logger *slog.Logger

	mu     sync.RWMutex
	limits Limits
}

// NewGovernor creates a Governor over store. A zero length uses
// DefaultWindow and a nil clock uses the real clock.
func NewGovernor(store Store, limits Limits, length time.Duration, c clock.Clock, logger *slog.Logger) *Governor {
	if length <= 0 {
		length = DefaultWindow
	}
	if c == nil {
		c = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{
		store:  store,
		clock:  c,
		length: length,
		limits: limits,
		logger: logger.With("component", "usage.Governor"),
	}
}

// Limits returns the current limits.
func (g *Governor) Limits() Limits {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.limits
}

// Reconfigure swaps the limits. Existing windows keep their counts.
func (g *Governor) Reconfigure(l Limits) {
	g.mu.Lock()
	g.limits = l
	g.mu.Unlock()
	g.logger.Info("limits reconfigured",
		"requests_per_window", l.RequestsPerWindow,
		"tokens_per_window", l.TokensPerWindow,
		"max_tokens_per_request", l.MaxTokensPerRequest,
		"allowed_models", len(l.AllowedModels),
	)
}

// Admit runs the admission checks for req. The window check runs even when
// the model is denied so a rate-limited client always sees 429. Budget is
// only kept for requests that pass every check; the caller must Release it
// when the request is blocked later on.
func (g *Governor) Admit(ctx context.Context, req Request) (*Admission, error) {
	limits := g.Limits()
	a := &Admission{
		Client:             req.Client,
		Tokens:             req.Tokens,
		Limits:             limits,
		ModelDenied:        !limits.ModelAllowed(req.Model),
		TokenLimitExceeded: limits.MaxTokensPerRequest > 0 && req.Tokens > limits.MaxTokensPerRequest,
	}

	q := limits.quota()
	if !q.Enabled() {
		return a, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := g.clock.Now()
	res, err := g.store.Reserve(ctx, string(req.Client), req.Tokens, q, now, g.length)
	if err != nil {
		return nil, err
	}
	a.Window = res.Window
	a.Reset = res.Window.Start.Add(g.length).Sub(now)
	if !res.Allowed {
		a.RateLimited = true
		a.Exceeded = res.Exceeded
		g.logger.Warn("rate limit exceeded",
			"client", req.Client,
			"limit_type", string(res.Exceeded),
			"reset", a.Reset,
		)
		return a, nil
	}

	a.reserved.Store(true)
	if !a.Allowed() {
		g.Release(ctx, a)
	}
	return a, nil
}

// Release gives back the budget held by a. It is safe to call more than
// once and on admissions that never reserved anything.
func (g *Governor) Release(ctx context.Context, a *Admission) {
	if a == nil || !a.reserved.CompareAndSwap(true, false) {
		return
	}
	// The request is over either way; a cancelled caller must not leak budget.
	ctx = context.WithoutCancel(ctx)
	if err := g.store.Release(ctx, string(a.Client), a.Window.Start, a.Tokens); err != nil {
		g.logger.Warn("failed to release reservation", "client", a.Client, "error", err)
		return
	}
	if a.Window.Requests > 0 {
		a.Window.Requests--
	}
	a.Window.Tokens -= a.Tokens
	if a.Window.Tokens < 0 {
		a.Window.Tokens = 0
	}
}

// Cleanup drops windows idle for a full window length.
func (g *Governor) Cleanup(ctx context.Context) (int, error) {
	return g.store.Cleanup(ctx, g.clock.Now(), g.length)
}

// Close releases the window store.
func (g *Governor) Close() error {
	return g.store.Close()
}

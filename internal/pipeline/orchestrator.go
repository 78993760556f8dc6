// Package pipeline sequences the inspection of one proxied request: it owns
// the body assembly, fans the detectors out under the decision deadline,
// consults the usage governor and turns the policy decision into a verdict
// for the transport.
package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentwarden/ai-gateway-agent/internal/alert"
	"github.com/agentwarden/ai-gateway-agent/internal/assembler"
	"github.com/agentwarden/ai-gateway-agent/internal/clock"
	"github.com/agentwarden/ai-gateway-agent/internal/config"
	"github.com/agentwarden/ai-gateway-agent/internal/cost"
	"github.com/agentwarden/ai-gateway-agent/internal/pii"
	"github.com/agentwarden/ai-gateway-agent/internal/policy"
	"github.com/agentwarden/ai-gateway-agent/internal/provider"
	"github.com/agentwarden/ai-gateway-agent/internal/sanitize"
	"github.com/agentwarden/ai-gateway-agent/internal/schema"
	"github.com/agentwarden/ai-gateway-agent/internal/trace"
	"github.com/agentwarden/ai-gateway-agent/internal/usage"
)

// DefaultDecisionTimeout bounds one inspection when no timeout is configured.
const DefaultDecisionTimeout = 2 * time.Second

// Recorder persists audit records.
type Recorder interface {
	Insert(ctx context.Context, r *trace.Record) error
}

// Alerter delivers notifications about blocked requests.
type Alerter interface {
	Send(a alert.Alert)
}

// Feed receives every audit record after it was recorded.
type Feed interface {
	Publish(r *trace.Record)
}

// Metrics receives pipeline observations.
type Metrics interface {
	ObserveDecision(action, reason, provider string, elapsed time.Duration)
	ObserveFinding(category string)
	ObserveRateLimited()
	ObserveUsage(provider string, tokens int, costUSD float64)
	ObserveError(kind string)
	SetPending(n int)
}

// Options configures an Orchestrator. Zero values select defaults; nil hooks
// are skipped.
type Options struct {
	Logger          *slog.Logger
	Clock           clock.Clock
	DecisionTimeout time.Duration
	MaxBodyBytes    int

	Scanner    *sanitize.Engine
	Recognizer *pii.Recognizer
	Validator  *schema.Validator
	Pricing    *cost.Pricing
	Tracker    *cost.Tracker
	Rules      *policy.RuleSet

	Recorder Recorder
	Alerter  Alerter
	Feed     Feed
	Metrics  Metrics
}

// Orchestrator is the only entry point the transport uses. All methods are
// safe for concurrent use; requests are independent of each other.
type Orchestrator struct {
	cfg atomic.Pointer[config.GatewayConfig]

	resolver   *provider.Resolver
	assembler  *assembler.Assembler
	scanner    *sanitize.Engine
	recognizer *pii.Recognizer
	validator  *schema.Validator
	governor   *usage.Governor
	engine     *policy.Engine
	pricing    *cost.Pricing
	tracker    *cost.Tracker
	rules      *policy.RuleSet

	recorder Recorder
	alerter  Alerter
	feed     Feed
	metrics  Metrics

	timeout time.Duration
	clock   clock.Clock
	logger  *slog.Logger

	background sync.WaitGroup
}

// New creates an Orchestrator enforcing cfg. governor may be nil, in which
// case no usage checks are made.
func New(cfg config.GatewayConfig, governor *usage.Governor, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := opts.Clock
	if c == nil {
		c = clock.Real{}
	}
	timeout := opts.DecisionTimeout
	if timeout <= 0 {
		timeout = DefaultDecisionTimeout
	}

	o := &Orchestrator{
		resolver:   provider.NewResolver(logger),
		assembler:  assembler.New(opts.MaxBodyBytes, c, logger),
		scanner:    opts.Scanner,
		recognizer: opts.Recognizer,
		validator:  opts.Validator,
		governor:   governor,
		engine:     policy.NewEngine(logger),
		pricing:    opts.Pricing,
		tracker:    opts.Tracker,
		rules:      opts.Rules,
		recorder:   opts.Recorder,
		alerter:    opts.Alerter,
		feed:       opts.Feed,
		metrics:    opts.Metrics,
		timeout:    timeout,
		clock:      c,
		logger:     logger.With("component", "pipeline.Orchestrator"),
	}
	if o.scanner == nil {
		o.scanner = sanitize.NewEngine(logger)
	}
	if o.recognizer == nil {
		o.recognizer = pii.NewRecognizer(logger)
	}
	if o.validator == nil {
		o.validator = schema.NewValidator(logger)
	}
	if o.pricing == nil {
		o.pricing = cost.NewPricing(nil)
	}
	if o.metrics == nil {
		o.metrics = nopMetrics{}
	}

	cfg.Normalize()
	o.cfg.Store(&cfg)
	return o
}

// Config returns the active gateway configuration.
func (o *Orchestrator) Config() config.GatewayConfig {
	return *o.cfg.Load()
}

// Reconfigure swaps the gateway configuration. Requests already being
// inspected finish under the configuration they started with.
func (o *Orchestrator) Reconfigure(cfg config.GatewayConfig) {
	cfg.Normalize()
	o.cfg.Store(&cfg)
	if o.governor != nil {
		o.governor.Reconfigure(usage.LimitsFromGateway(cfg))
	}
	o.logger.Info("gateway configuration applied",
		"block_mode", cfg.BlockMode,
		"fail_open", cfg.FailOpen,
		"pii_action", string(cfg.PIIAction),
		"schema_validation", cfg.SchemaValidationEnabled,
		"rate_limit_requests", cfg.RateLimitRequests,
		"rate_limit_tokens", cfg.RateLimitTokens,
	)
}

// OnConfigure applies a configuration pushed by the proxy. A payload that
// does not parse falls back to the defaults.
func (o *Orchestrator) OnConfigure(ev ConfigureEvent) Verdict {
	cfg, err := config.ParseGatewayJSON(ev.Config)
	if err != nil {
		o.logger.Warn("failed to parse configuration, using defaults", "agent_id", ev.AgentID, "error", err)
	}
	o.Reconfigure(cfg)
	return Continue()
}

// OnRequestHeaders opens the assembly for a new request. A request without
// a body is inspected right away.
func (o *Orchestrator) OnRequestHeaders(ctx context.Context, ev RequestHeadersEvent) Verdict {
	id := ev.Metadata.CorrelationID
	if id == "" {
		id = ulid.Make().String()
	}
	headers := provider.NormalizeHeaders(ev.Headers)
	path := ev.URI
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}

	asm, err := o.assembler.Open(id, 0)
	if errors.Is(err, assembler.ErrDuplicateRequest) {
		o.logger.Warn("replacing open request with the same correlation id", "request_id", id)
		o.assembler.Abort(id)
		asm, err = o.assembler.Open(id, 0)
	}
	if err != nil {
		o.logger.Error("failed to open request", "request_id", id, "error", err)
		return o.failure(id, policy.CodeInternalError, 500, "internal error",
			fmt.Errorf("%w: %w", ErrInternalDetector, err))
	}
	asm.Provider = o.resolver.Resolve(path, headers)
	asm.Method = ev.Method
	asm.Path = path
	asm.Headers = headers
	asm.ClientIP = ev.Metadata.ClientIP
	asm.ClientID = string(usage.Identify(headers, ev.Metadata.ClientIP))

	o.logger.Debug("request headers received",
		"request_id", id,
		"path", path,
		"provider", asm.Provider.String(),
	)

	if ev.EndOfStream {
		o.assembler.Abort(id)
		return o.Inspect(ctx, asm, nil)
	}
	o.metrics.SetPending(o.assembler.Len())
	return Continue()
}

// OnRequestBodyChunk appends a chunk and inspects the request once the last
// chunk arrived. Chunks for unknown requests are let through.
func (o *Orchestrator) OnRequestBodyChunk(ctx context.Context, ev RequestBodyChunkEvent) Verdict {
	id := ev.CorrelationID
	asm, ok := o.assembler.Get(id)
	if !ok {
		o.logger.Debug("body chunk for unknown request", "request_id", id)
		return Continue()
	}

	chunk, err := base64.StdEncoding.DecodeString(ev.Data)
	if err != nil {
		o.assembler.Abort(id)
		o.metrics.SetPending(o.assembler.Len())
		o.logger.Warn("invalid body chunk encoding", "request_id", id, "error", err)
		return o.conclude(asm, result{
			decision: policy.Failure(o.Config(), policy.CodeInternalError, 400, "invalid request body"),
			err:      fmt.Errorf("%w: %v", ErrInvalidEncoding, err),
		}, o.clock.Now())
	}

	wasFailed := asm.Failed()
	if err := o.assembler.Append(id, chunk, ev.IsLast); err != nil {
		switch {
		case errors.Is(err, assembler.ErrBufferOverflow):
			o.metrics.SetPending(o.assembler.Len())
			res := result{decision: policy.BodyTooLarge(), err: fmt.Errorf("%w: cap %d bytes", ErrBufferOverflow, asm.Cap())}
			if wasFailed {
				// Already reported; keep rejecting the rest of the stream.
				return newVerdict(id, res.decision, res.err)
			}
			return o.conclude(asm, res, o.clock.Now())
		case errors.Is(err, assembler.ErrAlreadyComplete), errors.Is(err, assembler.ErrUnknownRequest):
			o.logger.Debug("ignoring body chunk", "request_id", id, "error", err)
			return Continue()
		default:
			return o.failure(id, policy.CodeInternalError, 500, "internal error",
				fmt.Errorf("%w: %w", ErrInternalDetector, err))
		}
	}
	if !ev.IsLast {
		return Continue()
	}

	body, asm, err := o.assembler.Finalize(id)
	o.metrics.SetPending(o.assembler.Len())
	if err != nil {
		o.logger.Error("failed to finalize request body", "request_id", id, "error", err)
		return o.failure(id, policy.CodeInternalError, 500, "internal error",
			fmt.Errorf("%w: %w", ErrInternalDetector, err))
	}
	return o.Inspect(ctx, asm, body)
}

// Inspect runs the full pipeline on a complete body and returns the verdict.
// The decision deadline starts here.
func (o *Orchestrator) Inspect(ctx context.Context, asm *assembler.Assembly, body []byte) Verdict {
	start := o.clock.Now()
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	res := o.inspect(ctx, o.Config(), asm, body)
	return o.conclude(asm, res, start)
}

func (o *Orchestrator) failure(id string, code policy.ReasonCode, status int, reason string, err error) Verdict {
	o.metrics.ObserveError(errorKind(err))
	return newVerdict(id, policy.Failure(o.Config(), code, status, reason), err)
}

// Run sweeps abandoned assemblies, idle usage windows and old cost entries
// until ctx is done.
func (o *Orchestrator) Run(ctx context.Context, interval, assemblyTTL time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	if assemblyTTL <= 0 {
		assemblyTTL = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Sweep(ctx, assemblyTTL)
		}
	}
}

// Sweep runs one maintenance pass.
func (o *Orchestrator) Sweep(ctx context.Context, assemblyTTL time.Duration) {
	if n := o.assembler.Sweep(assemblyTTL); n > 0 {
		o.logger.Info("dropped abandoned requests", "count", n)
	}
	o.metrics.SetPending(o.assembler.Len())
	if o.governor != nil {
		if _, err := o.governor.Cleanup(ctx); err != nil {
			o.logger.Warn("usage window cleanup failed", "error", err)
		}
	}
	if o.tracker != nil {
		o.tracker.Prune(o.clock.Now().Add(-24 * time.Hour))
	}
}

// Pending returns the number of requests whose body is still streaming.
func (o *Orchestrator) Pending() int {
	return o.assembler.Len()
}

// Wait blocks until background audit work has finished.
func (o *Orchestrator) Wait() {
	o.background.Wait()
}

type nopMetrics struct{}

func (nopMetrics) ObserveDecision(string, string, string, time.Duration) {}
func (nopMetrics) ObserveFinding(string)                                 {}
func (nopMetrics) ObserveRateLimited()                                   {}
func (nopMetrics) ObserveUsage(string, int, float64)                     {}
func (nopMetrics) ObserveError(string)                                   {}
func (nopMetrics) SetPending(int)                                        {}

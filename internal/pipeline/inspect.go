package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/agentwarden/ai-gateway-agent/internal/assembler"
	"github.com/agentwarden/ai-gateway-agent/internal/config"
	"github.com/agentwarden/ai-gateway-agent/internal/detect"
	"github.com/agentwarden/ai-gateway-agent/internal/pii"
	"github.com/agentwarden/ai-gateway-agent/internal/policy"
	"github.com/agentwarden/ai-gateway-agent/internal/provider"
	"github.com/agentwarden/ai-gateway-agent/internal/sanitize"
	"github.com/agentwarden/ai-gateway-agent/internal/schema"
	"github.com/agentwarden/ai-gateway-agent/internal/usage"
)

// result is the outcome of one inspection before it is reported.
type result struct {
	decision  policy.Decision
	err       error
	model     string
	tokens    int
	cost      float64
	admission *usage.Admission
	findings  []detect.Finding
}

// analysis is what the detectors found in a body.
type analysis struct {
	req      *provider.Request
	parseErr error
	text     string
	model    string
	tokens   int
	schema   *schema.Verdict
	findings []detect.Finding
	redacted []byte
	rules    []policy.RuleMatch
	failure  error
}

func (o *Orchestrator) inspect(ctx context.Context, cfg config.GatewayConfig, asm *assembler.Assembly, body []byte) result {
	if !utf8.Valid(body) {
		o.logger.Warn("invalid UTF-8 in request body", "request_id", asm.ID)
		return result{
			decision: policy.Failure(cfg, policy.CodeInvalidUTF8, 400, "invalid request body"),
			err:      ErrInvalidUTF8,
			tokens:   provider.EstimateRawTokens(body),
		}
	}

	an, err := o.analyze(ctx, cfg, asm, body)
	if err != nil {
		return o.timedOut(cfg, nil, err)
	}

	res := result{model: an.model, tokens: an.tokens, findings: an.findings}
	costUSD, costKnown := o.pricing.Estimate(an.model, an.tokens)
	if costKnown {
		res.cost = costUSD
	}

	if o.rules != nil && o.rules.Len() > 0 {
		matches, err := o.rules.Evaluate(ctx, o.ruleContext(asm, an, res.cost))
		switch {
		case ctx.Err() != nil:
			return o.timedOut(cfg, nil, ctx.Err())
		case err != nil:
			an.failure = errors.Join(an.failure, fmt.Errorf("%w: %w", ErrInternalDetector, err))
		default:
			an.rules = matches
		}
	}

	failure := an.failure
	if o.governor != nil {
		adm, err := o.governor.Admit(ctx, usage.Request{
			Client: usage.ClientID(asm.ClientID),
			Model:  an.model,
			Tokens: an.tokens,
		})
		switch {
		case ctx.Err() != nil:
			return o.timedOut(cfg, adm, ctx.Err())
		case err != nil:
			failure = errors.Join(failure, fmt.Errorf("%w: usage store: %w", ErrInternalDetector, err))
		default:
			res.admission = adm
		}
	}

	res.decision = o.engine.Decide(policy.Input{
		Config:       cfg,
		Provider:     asm.Provider,
		Model:        an.model,
		Tokens:       an.tokens,
		Cost:         res.cost,
		CostKnown:    costKnown,
		Admission:    res.admission,
		Schema:       an.schema,
		Findings:     an.findings,
		Rules:        an.rules,
		RedactedBody: an.redacted,
		Failure:      failure,
	})

	// The deadline may have fired while deciding; nothing may be kept after it.
	if ctx.Err() != nil {
		return o.timedOut(cfg, res.admission, ctx.Err())
	}
	if !res.decision.Consumes() && o.governor != nil {
		o.governor.Release(ctx, res.admission)
	}

	switch {
	case res.admission != nil && res.admission.RateLimited:
		res.err = ErrRateLimited
	case failure != nil:
		res.err = failure
	case an.parseErr != nil && asm.Provider.Known():
		res.err = an.parseErr
	case !asm.Provider.Known():
		res.err = ErrUnknownProvider
	}
	return res
}

// timedOut is the result once the decision deadline fired. Any reservation
// is given back.
func (o *Orchestrator) timedOut(cfg config.GatewayConfig, adm *usage.Admission, cause error) result {
	if o.governor != nil {
		o.governor.Release(context.Background(), adm)
	}
	o.logger.Warn("decision deadline exceeded", "timeout", o.timeout, "cause", cause)
	return result{
		decision: policy.Failure(cfg, policy.CodeTimeout, 500, "internal error"),
		err:      fmt.Errorf("%w: %v", ErrDeadlineExceeded, cause),
	}
}

// analyze parses body and runs the enabled detectors in parallel. It only
// returns an error when ctx is done; detector failures end up in
// analysis.failure.
func (o *Orchestrator) analyze(ctx context.Context, cfg config.GatewayConfig, asm *assembler.Assembly, body []byte) (*analysis, error) {
	an := &analysis{}
	empty := len(bytes.TrimSpace(body)) == 0

	if !empty {
		req, err := provider.Parse(asm.Provider, body)
		switch {
		case err == nil:
			an.req = req
			an.text = req.Text()
			an.model = req.Model
			an.tokens = req.EstimateTokens()
		case errors.Is(err, provider.ErrNoContent):
			// Valid JSON without prompt text, such as an embeddings call.
			an.tokens = provider.EstimateRawTokens(body)
		default:
			// Scan the raw body so content cannot hide behind broken JSON.
			an.parseErr = err
			an.text = string(body)
			an.tokens = provider.EstimateRawTokens(body)
		}
	}
	if an.model == "" && asm.Provider == provider.Azure {
		an.model = provider.DeploymentFromPath(asm.Path)
	}

	var threats, personal []detect.Finding
	var redacted []byte
	var verdict *schema.Verdict

	g, gctx := errgroup.WithContext(ctx)
	if cfg.SchemaValidationEnabled && asm.Provider.Known() && !empty {
		g.Go(guard("schema", func() error {
			v := o.validator.Validate(asm.Provider, body)
			verdict = &v
			return nil
		}))
	}
	if (cfg.PromptInjectionEnabled || cfg.JailbreakDetectionEnabled) && an.text != "" {
		g.Go(guard("sanitize", func() error {
			f, err := o.scanner.ScanContext(gctx, an.text, sanitize.Options{
				PromptInjection: cfg.PromptInjectionEnabled,
				Jailbreak:       cfg.JailbreakDetectionEnabled,
			})
			threats = f
			return err
		}))
	}
	if cfg.PIIDetectionEnabled && an.text != "" {
		g.Go(guard("pii", func() error {
			f, err := o.recognizer.ScanContext(gctx, an.text)
			if err != nil {
				return err
			}
			personal = f
			if len(f) == 0 || cfg.PIIAction != config.PIIActionRedact || an.parseErr != nil {
				return nil
			}
			out, changed, err := o.recognizer.RedactJSON(body)
			if err != nil {
				return err
			}
			if changed {
				redacted = out
			}
			return nil
		}))
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	an.schema = verdict
	an.findings = append(threats, personal...)
	an.redacted = redacted
	if err != nil {
		if !errors.Is(err, ErrInternalDetector) {
			err = fmt.Errorf("%w: %w", ErrInternalDetector, err)
		}
		o.logger.Error("detector failed", "request_id", asm.ID, "error", err)
		an.failure = err
	}

	// Broken JSON is the schema validator's signal. Without a validator to
	// report it, the body could not be inspected as a provider request.
	// Bodies of unknown providers carry no shape promise and are only
	// scanned as text.
	if an.parseErr != nil && asm.Provider.Known() && (an.schema == nil || an.schema.Valid) {
		an.failure = errors.Join(an.failure, an.parseErr)
	}
	return an, nil
}

// guard converts a detector panic into ErrInternalDetector.
func guard(name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %s panicked: %v", ErrInternalDetector, name, r)
			}
		}()
		return fn()
	}
}

func (o *Orchestrator) ruleContext(asm *assembler.Assembly, an *analysis, costUSD float64) policy.RequestContext {
	rc := policy.RequestContext{
		Provider: asm.Provider.String(),
		Model:    an.model,
		Method:   asm.Method,
		Path:     asm.Path,
		Client:   asm.ClientID,
		Headers:  asm.Headers,
		Text:     an.text,
		Tokens:   an.tokens,
		Cost:     costUSD,
		Detected: detectedLabels(an.findings),
	}
	if an.req != nil {
		rc.Kind = string(an.req.Kind)
		rc.Stream = an.req.Stream
		rc.MaxTokens = an.req.MaxTokens
		rc.Messages = len(an.req.Messages)
	}
	return rc
}

// detectedLabels lists the finding categories, plus pii:<type> per PII type.
func detectedLabels(findings []detect.Finding) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(s string) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, f := range findings {
		add(string(f.Category))
	}
	for _, t := range pii.Types(detect.Filter(findings, detect.CategoryPII)) {
		add("pii:" + string(t))
	}
	return out
}

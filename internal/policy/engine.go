// Package policy turns detector results into one verdict per request. The
// outcome is chosen by a fixed precedence table: usage limits, schema,
// internal failures, threat findings, PII, operator rules, then allow. The
// first stage that produces an outcome wins; every stage still contributes
// its audit tags.
package policy

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/agentwarden/ai-gateway-agent/internal/config"
	"github.com/agentwarden/ai-gateway-agent/internal/detect"
	"github.com/agentwarden/ai-gateway-agent/internal/pii"
	"github.com/agentwarden/ai-gateway-agent/internal/provider"
	"github.com/agentwarden/ai-gateway-agent/internal/schema"
	"github.com/agentwarden/ai-gateway-agent/internal/usage"
)

// Action is what the proxy does with the request.
type Action string

const (
	ActionAllow  Action = "allow"
	ActionBlock  Action = "block"
	ActionRedact Action = "redact" // allow with a rewritten body
)

// ReasonCode is a machine-readable cause recorded in the audit metadata.
type ReasonCode string

const (
	CodeRateLimited     ReasonCode = "RATE_LIMIT_EXCEEDED"
	CodeModelNotAllowed ReasonCode = "MODEL_NOT_ALLOWED"
	CodeTokenLimit      ReasonCode = "TOKEN_LIMIT_EXCEEDED"
	CodeSchemaInvalid   ReasonCode = "SCHEMA_VALIDATION_FAILED"
	CodePromptInjection ReasonCode = "PROMPT_INJECTION"
	CodeJailbreak       ReasonCode = "JAILBREAK_ATTEMPT"
	CodePIIDetected     ReasonCode = "PII_DETECTED"
	CodeRuleMatched     ReasonCode = "RULE_MATCHED"
	CodeInvalidUTF8     ReasonCode = "INVALID_UTF8"
	CodeBodyTooLarge    ReasonCode = "BODY_TOO_LARGE"
	CodeInternalError   ReasonCode = "INTERNAL_ERROR"
	CodeTimeout         ReasonCode = "DECISION_TIMEOUT"
)

// Header names set on the forwarded request or the client response.
const (
	HeaderProvider        = "X-AI-Gateway-Provider"
	HeaderModel           = "X-AI-Gateway-Model"
	HeaderTokensEstimated = "X-AI-Gateway-Tokens-Estimated"
	HeaderCostEstimated   = "X-AI-Gateway-Cost-Estimated"
	HeaderPIIDetected     = "X-AI-Gateway-PII-Detected"
	HeaderSchemaValid     = "X-AI-Gateway-Schema-Valid"
	HeaderSchemaErrors    = "X-AI-Gateway-Schema-Errors"
	HeaderBlocked         = "X-AI-Gateway-Blocked"
	HeaderBlockedReason   = "X-AI-Gateway-Blocked-Reason"
)

// Decision is the verdict for one request.
type Decision struct {
	Action          Action            `json:"action"`
	Status          int               `json:"status,omitempty"` // set when blocked
	Reason          string            `json:"reason,omitempty"`
	BlockedReason   string            `json:"blocked_reason,omitempty"`
	ReasonCodes     []ReasonCode      `json:"reason_codes,omitempty"`
	Tags            []string          `json:"tags"`
	RequestHeaders  map[string]string `json:"request_headers,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	Body            []byte            `json:"-"` // replacement body for ActionRedact
}

// Blocked reports whether the request is rejected.
func (d Decision) Blocked() bool { return d.Action == ActionBlock }

// Consumes reports whether the request goes upstream and so keeps the usage
// budget it reserved.
func (d Decision) Consumes() bool { return d.Action != ActionBlock }

// HasTag reports whether tag was recorded.
func (d Decision) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Input is everything the engine fuses into a decision.
type Input struct {
	Config    config.GatewayConfig
	Provider  provider.Provider
	Model     string
	Tokens    int
	Cost      float64
	CostKnown bool

	// Admission is nil when the governor was not consulted.
	Admission *usage.Admission
	// Schema is nil when validation is disabled or skipped.
	Schema   *schema.Verdict
	Findings []detect.Finding
	Rules    []RuleMatch
	// RedactedBody is the rewritten body when pii-action is redact.
	RedactedBody []byte
	// Failure is an internal detector failure.
	Failure error
}

func (in *Input) has(c detect.Category) bool { return detect.Has(in.Findings, c) }

func (in *Input) piiTypes() []pii.Type {
	return pii.Types(detect.Filter(in.Findings, detect.CategoryPII))
}

// outcome is the terminal result of one precedence stage.
type outcome struct {
	action          Action
	status          int
	reason          string
	blockedReason   string
	responseHeaders map[string]string
	body            []byte
}

type stage struct {
	name   string
	decide func(in *Input) (outcome, bool)
}

// precedence is evaluated top to bottom; the first stage with an outcome
// decides the request.
var precedence = []stage{
	{"rate-limit", decideRateLimit},
	{"usage", decideUsage},
	{"schema", decideSchema},
	{"internal", decideInternal},
	{"threat", decideThreat},
	{"pii", decidePII},
	{"rules", decideRules},
}

func decideRateLimit(in *Input) (outcome, bool) {
	if in.Admission == nil || !in.Admission.RateLimited {
		return outcome{}, false
	}
	return outcome{
		action:          ActionBlock,
		status:          429,
		reason:          "rate limit exceeded",
		blockedReason:   "rate-limited",
		responseHeaders: in.Admission.Headers(),
	}, true
}

func decideUsage(in *Input) (outcome, bool) {
	a := in.Admission
	if a == nil {
		return outcome{}, false
	}
	switch {
	case a.TokenLimitExceeded:
		return blocked(403, "token limit exceeded", "token-limit-exceeded"), true
	case a.ModelDenied:
		return blocked(403, "model not allowed", "model-not-allowed"), true
	}
	return outcome{}, false
}

func decideSchema(in *Input) (outcome, bool) {
	if in.Schema == nil || in.Schema.Valid {
		return outcome{}, false
	}
	if !in.Config.BlockMode {
		return outcome{action: ActionAllow}, true
	}
	o := blocked(400, "schema validation failed", "schema-invalid")
	o.responseHeaders = map[string]string{
		HeaderSchemaValid:  "false",
		HeaderSchemaErrors: in.Schema.Summary(),
	}
	return o, true
}

func decideInternal(in *Input) (outcome, bool) {
	if in.Failure == nil {
		return outcome{}, false
	}
	if in.Config.FailOpen {
		return outcome{action: ActionAllow}, true
	}
	return blocked(500, "internal error", "internal-error"), true
}

func decideThreat(in *Input) (outcome, bool) {
	if !in.Config.BlockMode {
		// Detect-only: the threat is reported and the request goes through
		// untouched.
		if in.has(detect.CategoryPromptInjection) || in.has(detect.CategoryJailbreak) {
			return outcome{action: ActionAllow}, true
		}
		return outcome{}, false
	}
	switch {
	case in.has(detect.CategoryPromptInjection):
		return blocked(403, "prompt injection detected", "prompt-injection"), true
	case in.has(detect.CategoryJailbreak):
		return blocked(403, "jailbreak attempt detected", "jailbreak-attempt"), true
	}
	return outcome{}, false
}

func decidePII(in *Input) (outcome, bool) {
	types := in.piiTypes()
	if len(types) == 0 {
		return outcome{}, false
	}
	switch in.Config.PIIAction {
	case config.PIIActionBlock:
		if in.Config.BlockMode {
			return blocked(403, "pii detected", "pii-detected:"+pii.JoinTypes(types)), true
		}
	case config.PIIActionRedact:
		if in.RedactedBody != nil {
			return outcome{action: ActionRedact, body: in.RedactedBody}, true
		}
	}
	return outcome{}, false
}

func decideRules(in *Input) (outcome, bool) {
	if len(in.Rules) == 0 || !in.Config.BlockMode {
		return outcome{}, false
	}
	m := in.Rules[0]
	reason := m.Message
	if reason == "" {
		reason = fmt.Sprintf("rule %s matched", m.Name)
	}
	return blocked(403, reason, "rule:"+m.Name), true
}

func blocked(status int, reason, blockedReason string) outcome {
	return outcome{action: ActionBlock, status: status, reason: reason, blockedReason: blockedReason}
}

// Engine produces decisions. It is stateless apart from its logger and safe
// for concurrent use.
type Engine struct {
	logger *slog.Logger
}

// NewEngine creates a decision Engine.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger.With("component", "policy.Engine")}
}

// Decide fuses in into one decision.
func (e *Engine) Decide(in Input) Decision {
	d := annotate(&in)

	for _, s := range precedence {
		o, ok := s.decide(&in)
		if !ok {
			continue
		}
		d = finish(d, o)
		if !d.Blocked() {
			return d.WithRateLimitHeaders(in.Admission)
		}
		e.logger.Info("request blocked",
			"stage", s.name,
			"status", d.Status,
			"reason", d.BlockedReason,
			"provider", in.Provider.String(),
			"model", in.Model,
		)
		return d
	}

	d.Action = ActionAllow
	return d.WithRateLimitHeaders(in.Admission)
}

// annotate records the tags, reason codes and forwarded headers every
// observed condition contributes, independent of the outcome.
func annotate(in *Input) Decision {
	d := Decision{
		Tags:           []string{"ai-gateway", "provider:" + in.Provider.String()},
		RequestHeaders: map[string]string{HeaderProvider: in.Provider.String()},
	}

	if in.Model != "" {
		d.RequestHeaders[HeaderModel] = in.Model
		d.Tags = append(d.Tags, "model:"+in.Model)
	}
	d.RequestHeaders[HeaderTokensEstimated] = strconv.Itoa(in.Tokens)
	if in.Config.AddCostHeaders && in.CostKnown && in.Provider.Known() {
		d.RequestHeaders[HeaderCostEstimated] = strconv.FormatFloat(in.Cost, 'f', 6, 64)
	}

	if in.Schema != nil {
		if in.Schema.Valid {
			d.RequestHeaders[HeaderSchemaValid] = "true"
			d.Tags = append(d.Tags, "schema-valid")
		} else {
			d.RequestHeaders[HeaderSchemaValid] = "false"
			d.RequestHeaders[HeaderSchemaErrors] = in.Schema.Summary()
			d.Tags = append(d.Tags, "schema-invalid")
			d.ReasonCodes = append(d.ReasonCodes, CodeSchemaInvalid)
		}
	}

	if a := in.Admission; a != nil {
		if a.RateLimited {
			d.Tags = append(d.Tags, "rate-limited")
			d.ReasonCodes = append(d.ReasonCodes, CodeRateLimited)
		}
		if a.ModelDenied {
			d.ReasonCodes = append(d.ReasonCodes, CodeModelNotAllowed)
		}
		if a.TokenLimitExceeded {
			d.ReasonCodes = append(d.ReasonCodes, CodeTokenLimit)
		}
	}

	if in.Failure != nil {
		d.Tags = append(d.Tags, "error")
		d.ReasonCodes = append(d.ReasonCodes, CodeInternalError)
	}

	if in.has(detect.CategoryPromptInjection) {
		d.Tags = append(d.Tags, "detected:prompt-injection")
		d.ReasonCodes = append(d.ReasonCodes, CodePromptInjection)
	}
	if in.has(detect.CategoryJailbreak) {
		d.Tags = append(d.Tags, "detected:jailbreak")
		d.ReasonCodes = append(d.ReasonCodes, CodeJailbreak)
	}
	if types := in.piiTypes(); len(types) > 0 {
		joined := pii.JoinTypes(types)
		d.RequestHeaders[HeaderPIIDetected] = joined
		d.Tags = append(d.Tags, "pii:"+joined)
		d.ReasonCodes = append(d.ReasonCodes, CodePIIDetected)
	}

	for _, m := range in.Rules {
		d.Tags = append(d.Tags, "rule:"+m.Name)
	}
	if len(in.Rules) > 0 {
		d.ReasonCodes = append(d.ReasonCodes, CodeRuleMatched)
	}
	return d
}

func finish(d Decision, o outcome) Decision {
	d.Action = o.action
	d.Body = o.body
	if o.action != ActionBlock {
		return d
	}

	d.Status = o.status
	d.Reason = o.reason
	d.BlockedReason = o.blockedReason
	d.Tags = append(d.Tags, "blocked")
	d.RequestHeaders = nil
	d.ResponseHeaders = make(map[string]string, len(o.responseHeaders)+2)
	for k, v := range o.responseHeaders {
		d.ResponseHeaders[k] = v
	}
	d.ResponseHeaders[HeaderBlocked] = "true"
	d.ResponseHeaders[HeaderBlockedReason] = o.blockedReason
	return d
}

// WithRateLimitHeaders adds the admission's X-RateLimit-* headers to an
// allowed decision.
func (d Decision) WithRateLimitHeaders(a *usage.Admission) Decision {
	if a == nil || d.Blocked() {
		return d
	}
	h := a.Headers()
	if len(h) == 0 {
		return d
	}
	out := make(map[string]string, len(d.ResponseHeaders)+len(h))
	for k, v := range d.ResponseHeaders {
		out[k] = v
	}
	for k, v := range h {
		out[k] = v
	}
	d.ResponseHeaders = out
	return d
}

// BodyTooLarge is the decision for a body over the assembly cap.
func BodyTooLarge() Decision {
	return finish(Decision{
		Tags:        []string{"ai-gateway"},
		ReasonCodes: []ReasonCode{CodeBodyTooLarge},
	}, blocked(413, "request body too large", "body-too-large"))
}

// Failure is the decision for a request the pipeline could not inspect.
// With fail-open the request is allowed and tagged error; otherwise it is
// blocked with status.
func Failure(cfg config.GatewayConfig, code ReasonCode, status int, reason string) Decision {
	d := Decision{
		Tags:        []string{"ai-gateway", "error"},
		ReasonCodes: []ReasonCode{code},
	}
	if cfg.FailOpen {
		d.Action = ActionAllow
		return d
	}
	return finish(d, blocked(status, reason, strings.ToLower(strings.ReplaceAll(string(code), "_", "-"))))
}

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentwarden/ai-gateway-agent/internal/alert"
	"github.com/agentwarden/ai-gateway-agent/internal/assembler"
	"github.com/agentwarden/ai-gateway-agent/internal/policy"
	"github.com/agentwarden/ai-gateway-agent/internal/trace"
)

// conclude reports res to the metrics, cost, audit and alert sinks and
// returns the verdict for the transport.
func (o *Orchestrator) conclude(asm *assembler.Assembly, res result, start time.Time) Verdict {
	now := o.clock.Now()
	elapsed := now.Sub(start)
	d := res.decision
	providerName := asm.Provider.String()

	o.metrics.ObserveDecision(string(d.Action), d.BlockedReason, providerName, elapsed)
	for _, f := range res.findings {
		o.metrics.ObserveFinding(string(f.Category))
	}
	if res.admission != nil && res.admission.RateLimited {
		o.metrics.ObserveRateLimited()
	}
	if res.err != nil {
		o.metrics.ObserveError(errorKind(res.err))
	}
	if d.Consumes() {
		o.metrics.ObserveUsage(providerName, res.tokens, res.cost)
		if o.tracker != nil && res.tokens > 0 {
			o.tracker.RecordUsage(asm.ClientID, res.model, res.tokens, res.cost, now)
		}
	}

	o.logger.Debug("request inspected",
		"request_id", asm.ID,
		"client", asm.ClientID,
		"provider", providerName,
		"model", res.model,
		"action", string(d.Action),
		"tokens", res.tokens,
		"elapsed", elapsed,
		"error", res.err,
	)

	rec := o.record(asm, res, now, elapsed)
	if o.recorder != nil || o.feed != nil {
		o.background.Add(1)
		go func() {
			defer o.background.Done()
			if o.recorder != nil {
				if err := o.recorder.Insert(context.Background(), rec); err != nil {
					o.logger.Error("failed to record decision", "request_id", asm.ID, "error", err)
				}
			}
			if o.feed != nil {
				o.feed.Publish(rec)
			}
		}()
	}

	if o.alerter != nil && d.Blocked() {
		o.alerter.Send(alertFor(asm, d))
	}

	return newVerdict(asm.ID, d, res.err)
}

func (o *Orchestrator) record(asm *assembler.Assembly, res result, now time.Time, elapsed time.Duration) *trace.Record {
	d := res.decision
	rec := &trace.Record{
		Timestamp:     now.UTC(),
		RequestID:     asm.ID,
		ClientID:      asm.ClientID,
		Provider:      asm.Provider.String(),
		Model:         res.model,
		Method:        asm.Method,
		Path:          asm.Path,
		Action:        string(d.Action),
		Status:        d.Status,
		Reason:        d.Reason,
		BlockedReason: d.BlockedReason,
		Tags:          d.Tags,
		Tokens:        res.tokens,
		CostUSD:       res.cost,
		LatencyMs:     elapsed.Milliseconds(),
	}
	if rec.Status == 0 {
		rec.Status = 200
	}
	for _, c := range d.ReasonCodes {
		rec.ReasonCodes = append(rec.ReasonCodes, string(c))
	}
	if len(res.findings) > 0 {
		if data, err := json.Marshal(res.findings); err == nil {
			rec.Findings = data
		}
	}
	return rec
}

func alertFor(asm *assembler.Assembly, d policy.Decision) alert.Alert {
	a := alert.Alert{
		Type:      alert.TypeRequestBlocked,
		Severity:  "warning",
		Title:     "Request blocked",
		Message:   fmt.Sprintf("%s %s blocked with %d: %s", asm.Method, asm.Path, d.Status, d.Reason),
		ClientID:  asm.ClientID,
		RequestID: asm.ID,
		Reason:    d.BlockedReason,
		Details: map[string]interface{}{
			"provider":     asm.Provider.String(),
			"status":       d.Status,
			"reason_codes": d.ReasonCodes,
		},
	}
	switch {
	case d.Status == 429:
		a.Type = alert.TypeRateLimited
		a.Severity = "info"
		a.Title = "Client rate limited"
	case d.Status >= 500:
		a.Type = alert.TypeInternalError
		a.Severity = "critical"
		a.Title = "Inspection failed"
	case d.HasTag("detected:prompt-injection") || d.HasTag("detected:jailbreak"):
		a.Severity = "critical"
		a.Title = "Prompt attack blocked"
	}
	return a
}

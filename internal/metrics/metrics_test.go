package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Observe(t *testing.T) {
	m := New(false)

	m.ObserveDecision("allow", "", "openai", 2*time.Millisecond)
	m.ObserveDecision("block", "prompt-injection", "openai", 3*time.Millisecond)
	m.ObserveDecision("block", "prompt-injection", "anthropic", time.Millisecond)
	m.ObserveFinding("pii")
	m.ObserveRateLimited()
	m.ObserveUsage("openai", 120, 0.0012)
	m.ObserveUsage("azure", 50, 0)
	m.ObserveError("malformed-json")
	m.SetPending(4)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"allow", testutil.ToFloat64(m.decisions.WithLabelValues("allow", "none")), 1},
		{"blocked injection", testutil.ToFloat64(m.decisions.WithLabelValues("block", "prompt-injection")), 2},
		{"pii findings", testutil.ToFloat64(m.findings.WithLabelValues("pii")), 1},
		{"rate limited", testutil.ToFloat64(m.rateLimited), 1},
		{"openai tokens", testutil.ToFloat64(m.tokens.WithLabelValues("openai")), 120},
		{"azure tokens", testutil.ToFloat64(m.tokens.WithLabelValues("azure")), 50},
		{"errors", testutil.ToFloat64(m.errors.WithLabelValues("malformed-json")), 1},
		{"pending", testutil.ToFloat64(m.pending), 4},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if n := testutil.CollectAndCount(m.duration); n != 2 {
		t.Errorf("duration series = %d, want 2", n)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New(true)
	m.ObserveDecision("redact", "pii", "openai", time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`ai_gateway_decisions_total{action="redact",reason="pii"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestMetrics_Registry(t *testing.T) {
	m := New(false)
	m.ObserveRateLimited()

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "go_") {
			t.Errorf("runtime collector registered without withRuntime: %s", f.GetName())
		}
	}
	if got := testutil.ToFloat64(m.rateLimited); got != 1 {
		t.Errorf("rate limited = %v, want 1", got)
	}
}

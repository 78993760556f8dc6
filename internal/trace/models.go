package trace

import (
	"encoding/json"
	"time"
)

// Record is one audited gateway decision.
type Record struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq"`
	Timestamp     time.Time       `json:"timestamp"`
	RequestID     string          `json:"request_id"`
	ClientID      string          `json:"client_id"`
	Provider      string          `json:"provider"`
	Model         string          `json:"model,omitempty"`
	Method        string          `json:"method,omitempty"`
	Path          string          `json:"path,omitempty"`
	Action        string          `json:"action"` // allow, block, redact
	Status        int             `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	BlockedReason string          `json:"blocked_reason,omitempty"`
	ReasonCodes   []string        `json:"reason_codes,omitempty"`
	Tags          []string        `json:"tags,omitempty"`
	Tokens        int             `json:"tokens"`
	CostUSD       float64         `json:"cost_usd"`
	LatencyMs     int64           `json:"latency_ms"`
	Findings      json.RawMessage `json:"findings,omitempty"`
	PrevHash      string          `json:"prev_hash"`
	Hash          string          `json:"hash"`
}

// Filter for querying records.
type Filter struct {
	ClientID      string     `json:"client_id,omitempty"`
	Provider      string     `json:"provider,omitempty"`
	Model         string     `json:"model,omitempty"`
	Action        string     `json:"action,omitempty"`
	BlockedReason string     `json:"blocked_reason,omitempty"`
	Since         *time.Time `json:"since,omitempty"`
	Until         *time.Time `json:"until,omitempty"`
	Limit         int        `json:"limit,omitempty"`
	Offset        int        `json:"offset,omitempty"`
}

// Stats aggregates the records currently retained.
type Stats struct {
	TotalRecords int64            `json:"total_records"`
	Allowed      int64            `json:"allowed"`
	Blocked      int64            `json:"blocked"`
	Redacted     int64            `json:"redacted"`
	TotalTokens  int64            `json:"total_tokens"`
	TotalCost    float64          `json:"total_cost"`
	ByReason     map[string]int64 `json:"by_reason"`
	ByProvider   map[string]int64 `json:"by_provider"`
}

// VerifyResult reports the outcome of a chain walk.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	Checked  int    `json:"checked"`
	BrokenAt string `json:"broken_at,omitempty"` // record id
	Pruned   bool   `json:"pruned"`
}

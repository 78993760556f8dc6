package pipeline

import (
	"encoding/json"

	"github.com/agentwarden/ai-gateway-agent/internal/policy"
)

// ConfigureEvent carries the gateway configuration pushed by the proxy.
type ConfigureEvent struct {
	AgentID string          `json:"agent_id"`
	Config  json.RawMessage `json:"config"`
}

// RequestMetadata identifies a proxied request.
type RequestMetadata struct {
	CorrelationID string `json:"correlation_id"`
	ClientIP      string `json:"client_ip,omitempty"`
}

// RequestHeadersEvent starts a request.
type RequestHeadersEvent struct {
	Metadata    RequestMetadata   `json:"metadata"`
	Method      string            `json:"method"`
	URI         string            `json:"uri"`
	Headers     map[string]string `json:"headers"`
	EndOfStream bool              `json:"end_of_stream,omitempty"` // no body follows
}

// RequestBodyChunkEvent carries one base64-encoded piece of a request body.
type RequestBodyChunkEvent struct {
	CorrelationID string `json:"correlation_id"`
	Data          string `json:"data"`
	IsLast        bool   `json:"is_last"`
}

// Verdict is what the transport hands back to the proxy.
type Verdict struct {
	RequestID       string              `json:"request_id,omitempty"`
	Action          policy.Action       `json:"action"`
	Reject          bool                `json:"reject"`
	Status          int                 `json:"status,omitempty"`
	Reason          string              `json:"reason,omitempty"`
	RequestHeaders  map[string]string   `json:"request_headers,omitempty"`
	ResponseHeaders map[string]string   `json:"response_headers,omitempty"`
	Body            []byte              `json:"body,omitempty"` // replacement body, base64 in JSON
	Tags            []string            `json:"tags,omitempty"`
	ReasonCodes     []policy.ReasonCode `json:"reason_codes,omitempty"`

	// Err is the translated failure behind the verdict, if any.
	Err error `json:"-"`
}

// Continue is the verdict for events that need no decision yet.
func Continue() Verdict {
	return Verdict{Action: policy.ActionAllow}
}

func newVerdict(requestID string, d policy.Decision, err error) Verdict {
	return Verdict{
		RequestID:       requestID,
		Action:          d.Action,
		Reject:          d.Blocked(),
		Status:          d.Status,
		Reason:          d.Reason,
		RequestHeaders:  d.RequestHeaders,
		ResponseHeaders: d.ResponseHeaders,
		Body:            d.Body,
		Tags:            d.Tags,
		ReasonCodes:     d.ReasonCodes,
		Err:             err,
	}
}

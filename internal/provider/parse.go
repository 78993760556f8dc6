package provider

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	ErrMalformedJSON = errors.New("malformed JSON body")
	ErrNoContent     = errors.New("request carries no messages or prompt")
)

// Kind is the API shape a request body follows.
type Kind string

const (
	KindChat       Kind = "chat"       // OpenAI/Azure chat completions
	KindCompletion Kind = "completion" // legacy prompt completions
	KindMessages   Kind = "messages"   // Anthropic messages
)

// Message is one conversation turn reduced to its text.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the provider-neutral view of a parsed body.
type Request struct {
	Provider  Provider  `json:"provider"`
	Kind      Kind      `json:"kind"`
	Model     string    `json:"model,omitempty"`
	Messages  []Message `json:"messages"`
	System    string    `json:"system,omitempty"`
	MaxTokens int       `json:"max_tokens,omitempty"`
	Stream    bool      `json:"stream,omitempty"`
}

// Text returns the assembled text the detectors scan: the system text
// followed by every message content, joined by newlines.
func (r *Request) Text() string {
	parts := make([]string, 0, len(r.Messages)+1)
	if r.System != "" {
		parts = append(parts, r.System)
	}
	for _, m := range r.Messages {
		if m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n")
}

// EstimateTokens approximates the prompt size as one token per four
// characters of role, content and system text, rounded up.
func (r *Request) EstimateTokens() int {
	chars := utf8.RuneCountInString(r.System)
	for _, m := range r.Messages {
		chars += utf8.RuneCountInString(m.Content) + utf8.RuneCountInString(m.Role)
	}
	return ceilQuarter(chars)
}

// EstimateRawTokens is the estimate used when the body could not be parsed.
func EstimateRawTokens(body []byte) int {
	return ceilQuarter(utf8.RuneCount(body))
}

func ceilQuarter(n int) int {
	return (n + 3) / 4
}

// Parse decodes body according to the provider's API shape. Unknown
// providers try the OpenAI shape first, then the Anthropic one.
func Parse(p Provider, body []byte) (*Request, error) {
	fields, err := decodeObject(body)
	if err != nil {
		return nil, err
	}

	var req *Request
	switch p {
	case OpenAI, Azure:
		req, err = parseOpenAI(fields)
	case Anthropic:
		req, err = parseAnthropic(fields)
	default:
		req, err = parseOpenAI(fields)
		if errors.Is(err, ErrNoContent) {
			req, err = parseAnthropic(fields)
		}
	}
	if err != nil {
		return nil, err
	}
	req.Provider = p
	return req, nil
}

func decodeObject(body []byte) (map[string]json.RawMessage, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedJSON)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: body is not an object", ErrMalformedJSON)
	}
	return fields, nil
}

func parseOpenAI(fields map[string]json.RawMessage) (*Request, error) {
	req := &Request{
		Model:     stringField(fields["model"]),
		MaxTokens: intField(fields["max_tokens"]),
		Stream:    boolField(fields["stream"]),
	}

	if raw, ok := fields["messages"]; ok {
		req.Kind = KindChat
		for _, m := range rawArray(raw) {
			msg := rawObject(m)
			req.Messages = append(req.Messages, Message{
				Role:    stringField(msg["role"]),
				Content: contentText(msg["content"]),
			})
		}
	}

	if raw, ok := fields["prompt"]; ok {
		if req.Kind == "" {
			req.Kind = KindCompletion
		}
		if prompt := promptText(raw); prompt != "" {
			req.Messages = append(req.Messages, Message{Role: "user", Content: prompt})
		}
	}

	if len(req.Messages) == 0 {
		return nil, ErrNoContent
	}
	return req, nil
}

func parseAnthropic(fields map[string]json.RawMessage) (*Request, error) {
	req := &Request{
		Kind:      KindMessages,
		Model:     stringField(fields["model"]),
		MaxTokens: intField(fields["max_tokens"]),
		Stream:    boolField(fields["stream"]),
		System:    contentText(fields["system"]),
	}

	if raw, ok := fields["messages"]; ok {
		for _, m := range rawArray(raw) {
			msg := rawObject(m)
			req.Messages = append(req.Messages, Message{
				Role:    stringField(msg["role"]),
				Content: contentText(msg["content"]),
			})
		}
	}

	if raw, ok := fields["prompt"]; ok {
		req.Kind = KindCompletion
		req.Messages = append(req.Messages, splitHumanAssistant(stringField(raw))...)
	}

	if len(req.Messages) == 0 {
		return nil, ErrNoContent
	}
	return req, nil
}

// splitHumanAssistant turns a legacy "\n\nHuman: ...\n\nAssistant:" prompt
// into messages. A prompt without either marker becomes one user message.
func splitHumanAssistant(prompt string) []Message {
	if prompt == "" {
		return nil
	}
	var msgs []Message
	for _, part := range strings.Split(prompt, "\n\n") {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, "Human:"):
			if text := strings.TrimSpace(strings.TrimPrefix(part, "Human:")); text != "" {
				msgs = append(msgs, Message{Role: "user", Content: text})
			}
		case strings.HasPrefix(part, "Assistant:"):
			if text := strings.TrimSpace(strings.TrimPrefix(part, "Assistant:")); text != "" {
				msgs = append(msgs, Message{Role: "assistant", Content: text})
			}
		}
	}
	if len(msgs) == 0 {
		return []Message{{Role: "user", Content: prompt}}
	}
	return msgs
}

// contentText reduces a content value to text. Strings are used as-is; arrays
// of blocks contribute only their type=text parts, joined by a space.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	texts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			texts = append(texts, b.Text)
		}
	}
	return strings.Join(texts, " ")
}

// promptText accepts a string or an array of strings.
func promptText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, "\n")
	}
	return ""
}

func rawArray(raw json.RawMessage) []json.RawMessage {
	var out []json.RawMessage
	_ = json.Unmarshal(raw, &out)
	return out
}

func rawObject(raw json.RawMessage) map[string]json.RawMessage {
	var out map[string]json.RawMessage
	_ = json.Unmarshal(raw, &out)
	return out
}

func stringField(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

func intField(raw json.RawMessage) int {
	var f float64
	if len(raw) == 0 || json.Unmarshal(raw, &f) != nil {
		return 0
	}
	return int(f)
}

func boolField(raw json.RawMessage) bool {
	var b bool
	if len(raw) == 0 || json.Unmarshal(raw, &b) != nil {
		return false
	}
	return b
}

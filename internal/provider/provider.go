// Package provider identifies the AI provider a proxied request targets and
// extracts the conversation text from its JSON body.
package provider

import (
	"log/slog"
	"regexp"
	"strings"
)

// Provider is the AI API family a request is addressed to.
type Provider string

const (
	OpenAI    Provider = "openai"
	Anthropic Provider = "anthropic"
	Azure     Provider = "azure"
	Unknown   Provider = "unknown"
)

func (p Provider) String() string { return string(p) }

// Known reports whether p is a provider with a known request schema.
func (p Provider) Known() bool {
	return p == OpenAI || p == Anthropic || p == Azure
}

var azureChatPath = regexp.MustCompile(`^/openai/deployments/([^/]+)/chat/completions`)

// Resolver maps request paths and headers to a Provider.
type Resolver struct {
	logger *slog.Logger
}

// NewResolver creates a provider resolver.
func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		logger: logger.With("component", "provider.Resolver"),
	}
}

// Resolve applies the detection rules in priority order:
//   - an anthropic-version header selects Anthropic
//   - a "Bearer sk-" authorization on a /v1/ path selects OpenAI
//   - /openai/deployments/{name}/chat/completions selects Azure
//
// Anything else is Unknown.
func (r *Resolver) Resolve(path string, headers map[string]string) Provider {
	p := Resolve(path, headers)
	r.logger.Debug("resolved provider", "path", path, "provider", p)
	return p
}

// Resolve is the stateless form of Resolver.Resolve.
func Resolve(path string, headers map[string]string) Provider {
	if Header(headers, "anthropic-version") != "" {
		return Anthropic
	}
	if strings.HasPrefix(Header(headers, "authorization"), "Bearer sk-") && strings.HasPrefix(path, "/v1/") {
		return OpenAI
	}
	if azureChatPath.MatchString(path) {
		return Azure
	}
	return Unknown
}

// DeploymentFromPath returns the Azure deployment name in path, or "".
func DeploymentFromPath(path string) string {
	m := azureChatPath.FindStringSubmatch(path)
	if m == nil {
		return ""
	}
	return m[1]
}

// Header looks up name in headers ignoring case.
func Header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// NormalizeHeaders returns a copy of headers with lower-cased names. When a
// name repeats with different casing the last one seen wins.
func NormalizeHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[strings.ToLower(k)] = v
	}
	return out
}

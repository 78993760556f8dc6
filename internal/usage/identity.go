// Package usage enforces per-client request and token budgets over fixed
// windows and derives the client identity the budgets are keyed by.
package usage

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/agentwarden/ai-gateway-agent/internal/provider"
)

// ClientID identifies the caller a budget belongs to.
type ClientID string

const anonymous ClientID = "anonymous"

// Identify derives the client identity of a request. A credential header
// (Authorization bearer token, x-api-key or api-key) is hashed so raw keys
// never reach logs or the window store; otherwise the source address is used.
func Identify(headers map[string]string, clientIP string) ClientID {
	if cred := credential(headers); cred != "" {
		sum := sha256.Sum256([]byte(cred))
		return ClientID("key:" + hex.EncodeToString(sum[:8]))
	}
	if ip := strings.TrimSpace(clientIP); ip != "" {
		return ClientID("ip:" + ip)
	}
	return anonymous
}

func credential(headers map[string]string) string {
	if auth := strings.TrimSpace(provider.Header(headers, "authorization")); auth != "" {
		if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
			if tok := strings.TrimSpace(auth[7:]); tok != "" {
				return tok
			}
		}
	}
	for _, name := range []string{"x-api-key", "api-key"} {
		if v := strings.TrimSpace(provider.Header(headers, name)); v != "" {
			return v
		}
	}
	return ""
}

package pipeline

import (
	"errors"

	"github.com/agentwarden/ai-gateway-agent/internal/assembler"
	"github.com/agentwarden/ai-gateway-agent/internal/provider"
	"github.com/agentwarden/ai-gateway-agent/internal/usage"
)

// The error taxonomy of the pipeline. Every failure reaching the transport is
// one of these, wrapped with context. The assembler, provider and usage
// sentinels are re-exported so callers only need this package.
var (
	ErrBufferOverflow   = assembler.ErrBufferOverflow
	ErrIncompleteBody   = assembler.ErrIncompleteBody
	ErrMalformedJSON    = provider.ErrMalformedJSON
	ErrRateLimited      = usage.ErrRateLimited
	ErrUnknownProvider  = errors.New("unknown provider")
	ErrInternalDetector = errors.New("internal detector failure")
	ErrInvalidUTF8      = errors.New("request body is not valid UTF-8")
	ErrInvalidEncoding  = errors.New("body chunk is not valid base64")
	ErrDeadlineExceeded = errors.New("decision deadline exceeded")
)

// errorKind is the metrics label for err.
func errorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBufferOverflow):
		return "buffer-overflow"
	case errors.Is(err, ErrIncompleteBody):
		return "incomplete-body"
	case errors.Is(err, ErrMalformedJSON):
		return "malformed-json"
	case errors.Is(err, ErrRateLimited):
		return "rate-limited"
	case errors.Is(err, ErrUnknownProvider):
		return "unknown-provider"
	case errors.Is(err, ErrInvalidUTF8):
		return "invalid-utf8"
	case errors.Is(err, ErrInvalidEncoding):
		return "invalid-encoding"
	case errors.Is(err, ErrDeadlineExceeded):
		return "deadline-exceeded"
	default:
		return "internal"
	}
}

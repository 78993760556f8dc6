// Package schema checks AI request bodies against the JSON Schema documents
// of the provider APIs. Every violation is collected so the caller can
// report all of them at once.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/agentwarden/ai-gateway-agent/internal/provider"
)

//go:embed schemas/*.json
var documents embed.FS

// Schema document names under schemas/.
const (
	OpenAIChat        = "openai_chat.json"
	OpenAICompletion  = "openai_completion.json"
	AnthropicMessages = "anthropic_messages.json"
)

// FieldError is one schema violation. Path uses messages[0].role notation;
// "$" is the document root.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e FieldError) String() string {
	return e.Path + ": " + e.Message
}

// Verdict is the outcome of a validation. Errors is empty iff Valid.
type Verdict struct {
	Valid  bool         `json:"valid"`
	Errors []FieldError `json:"errors,omitempty"`
}

// Summary joins the errors with "; " for the schema errors header.
func (v Verdict) Summary() string {
	parts := make([]string, len(v.Errors))
	for i, e := range v.Errors {
		parts[i] = e.String()
	}
	return strings.Join(parts, "; ")
}

func valid() Verdict { return Verdict{Valid: true} }

func invalid(errs []FieldError) Verdict {
	if len(errs) == 0 {
		return valid()
	}
	return Verdict{Valid: false, Errors: errs}
}

var printer = message.NewPrinter(language.English)

// compiled holds the provider schemas. The documents are embedded, so a
// compile error is a build defect.
var compiled = sync.OnceValue(func() map[string]*jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.DefaultDraft(jsonschema.Draft7)
	names := []string{OpenAIChat, OpenAICompletion, AnthropicMessages}
	for _, name := range names {
		data, err := documents.ReadFile("schemas/" + name)
		if err != nil {
			panic(fmt.Sprintf("schema: read %s: %v", name, err))
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			panic(fmt.Sprintf("schema: parse %s: %v", name, err))
		}
		if err := c.AddResource(name, doc); err != nil {
			panic(fmt.Sprintf("schema: add %s: %v", name, err))
		}
	}
	out := make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		sch, err := c.Compile(name)
		if err != nil {
			panic(fmt.Sprintf("schema: compile %s: %v", name, err))
		}
		out[name] = sch
	}
	return out
})

// Validator validates request bodies per provider.
type Validator struct {
	schemas map[string]*jsonschema.Schema
	logger  *slog.Logger
}

// NewValidator creates a schema validator with the provider schemas
// compiled.
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		schemas: compiled(),
		logger:  logger.With("component", "schema.Validator"),
	}
}

// Validate checks body against the schema of p. Unknown providers have no
// schema and always pass. A body that is not JSON fails with a single error
// at "$".
func (v *Validator) Validate(p provider.Provider, body []byte) Verdict {
	if !p.Known() {
		return valid()
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return invalid([]FieldError{{Path: "$", Message: "invalid JSON: " + err.Error()}})
	}
	if dec.More() {
		return invalid([]FieldError{{Path: "$", Message: "invalid JSON: trailing data after document"}})
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return invalid([]FieldError{{Path: "$", Message: "request body must be a JSON object"}})
	}

	var name string
	switch p {
	case provider.OpenAI, provider.Azure:
		_, hasMessages := obj["messages"]
		_, hasPrompt := obj["prompt"]
		switch {
		case hasMessages:
			name = OpenAIChat
		case hasPrompt:
			name = OpenAICompletion
		default:
			return invalid([]FieldError{{Path: "$", Message: "missing required field: 'messages' or 'prompt'"}})
		}
	case provider.Anthropic:
		name = AnthropicMessages
	}

	verdict := invalid(fieldErrors(v.schemas[name].Validate(doc)))
	if !verdict.Valid {
		v.logger.Debug("schema validation failed",
			"provider", p,
			"schema", name,
			"errors", len(verdict.Errors),
		)
	}
	return verdict
}

// Validate is a convenience wrapper around a default Validator.
func Validate(p provider.Provider, body []byte) Verdict {
	return defaultValidator().Validate(p, body)
}

var defaultValidator = sync.OnceValue(func() *Validator { return NewValidator(nil) })

// fieldErrors flattens a validation error into its leaf violations, ordered
// by instance path.
func fieldErrors(err error) []FieldError {
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []FieldError{{Path: "$", Message: err.Error()}}
	}

	type located struct {
		loc []string
		FieldError
	}
	var out []located
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) > 0 {
			for _, c := range e.Causes {
				walk(c)
			}
			return
		}
		if req, ok := e.ErrorKind.(*kind.Required); ok {
			for _, field := range req.Missing {
				loc := append(append([]string{}, e.InstanceLocation...), field)
				out = append(out, located{loc, FieldError{Path: path(loc), Message: "required field is missing"}})
			}
			return
		}
		out = append(out, located{e.InstanceLocation, FieldError{
			Path:    path(e.InstanceLocation),
			Message: e.ErrorKind.LocalizedString(printer),
		}})
	}
	walk(ve)

	sort.SliceStable(out, func(i, j int) bool { return lessLocation(out[i].loc, out[j].loc) })
	errs := make([]FieldError, len(out))
	for i, l := range out {
		errs[i] = l.FieldError
	}
	return errs
}

// path renders an instance location as messages[0].role.
func path(loc []string) string {
	if len(loc) == 0 {
		return "$"
	}
	var b strings.Builder
	for _, tok := range loc {
		if _, err := strconv.Atoi(tok); err == nil {
			b.WriteString("[" + tok + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(tok)
	}
	return b.String()
}

// lessLocation orders locations token by token, array indexes numerically.
func lessLocation(a, b []string) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] == b[i] {
			continue
		}
		ai, aerr := strconv.Atoi(a[i])
		bi, berr := strconv.Atoi(b[i])
		if aerr == nil && berr == nil {
			return ai < bi
		}
		return a[i] < b[i]
	}
	return len(a) < len(b)
}

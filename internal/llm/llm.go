// Package llm provides the structured completion layer for the triage
// pipeline: a Provider abstraction over interchangeable model backends, and a
// schema-validated Complete that parses model output as JSON (tolerating
// fenced code blocks) and issues exactly one correction retry on a parse or
// validation failure.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sift/internal/llm")

// previewMaxLen bounds the malformed-payload preview written to the warning
// log for postmortem debugging.
const previewMaxLen = 500

// Provider is the interface for any model backend. Implementations must ask
// the model for a JSON-object response when the prompt requires one.
type Provider interface {
	Name() string
	Complete(ctx context.Context, system, user string) (string, error)
}

// FieldError is a single schema-validation failure: the path of the offending
// field and what is wrong with it.
type FieldError struct {
	Path    string
	Message string
}

func (e FieldError) String() string {
	return e.Path + ": " + e.Message
}

// Payload is a completion payload that knows how to validate itself against
// its schema. A nil return means the payload is well-formed.
type Payload interface {
	Validate() []FieldError
}

// SchemaError reports that a completion response failed schema validation
// after the single permitted correction retry.
type SchemaError struct {
	Label  string
	Errors []FieldError
}

func (e *SchemaError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		msgs[i] = fe.String()
	}
	return fmt.Sprintf("schema %q: response failed validation after retry: %s", e.Label, strings.Join(msgs, "; "))
}

// Client pairs a provider with a logger for structured completions.
type Client struct {
	provider Provider
	logger   log.Logger
}

// NewClient creates a structured completion client.
func NewClient(provider Provider, logger log.Logger) *Client {
	if logger == nil {
		logger = log.Nop()
	}
	return &Client{provider: provider, logger: logger}
}

// Provider returns the underlying backend.
func (c *Client) Provider() Provider { return c.provider }

// Complete issues a completion, parses the response as JSON and validates it
// against T's schema. On a parse or validation failure it re-sends the same
// system prompt with the concrete errors appended to the user message and an
// instruction to correct them, exactly once. A transport failure is returned
// immediately and is never retried at this layer.
func Complete[T Payload](ctx context.Context, c *Client, system, user, label string) (T, error) {
	var zero T

	raw, err := c.call(ctx, system, user, label, 0)
	if err != nil {
		return zero, fmt.Errorf("%s: completion call: %w", label, err)
	}

	out, ferrs := decode[T](raw)
	if ferrs == nil {
		return out, nil
	}

	c.logger.Warn(ctx, "completion failed schema validation, retrying once",
		"schema", label,
		"provider", c.provider.Name(),
		"errors", joinFieldErrors(ferrs),
		"payload_preview", preview(raw),
	)

	retryUser := user + correctionSuffix(ferrs)
	raw, err = c.call(ctx, system, retryUser, label, 1)
	if err != nil {
		return zero, fmt.Errorf("%s: correction retry call: %w", label, err)
	}

	out, ferrs = decode[T](raw)
	if ferrs == nil {
		return out, nil
	}

	c.logger.Warn(ctx, "completion failed schema validation on retry",
		"schema", label,
		"provider", c.provider.Name(),
		"errors", joinFieldErrors(ferrs),
		"payload_preview", preview(raw),
	)
	return zero, &SchemaError{Label: label, Errors: ferrs}
}

// call issues one provider completion inside an llm.call span. attempt is 0
// for the initial call and 1 for the correction retry.
func (c *Client) call(ctx context.Context, system, user, label string, attempt int) (string, error) {
	ctx, span := tracer.Start(ctx, "llm.call")
	defer span.End()

	span.SetAttributes(
		attribute.String("gen_ai.operation.name", "llm.call"),
		attribute.String("gen_ai.provider.name", c.provider.Name()),
		attribute.String("llm.schema", label),
		attribute.Int("llm.attempt", attempt),
	)
	span.AddEvent("llm.request", trace.WithAttributes(
		attribute.Int("request.chars", len(system)+len(user)),
	))

	raw, err := c.provider.Complete(ctx, system, user)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	span.AddEvent("llm.response", trace.WithAttributes(
		attribute.Int("response.chars", len(raw)),
	))
	return raw, nil
}

// decode extracts the JSON object from a raw model response, unmarshals it
// into T and validates it. A nil error slice means success.
func decode[T Payload](raw string) (T, []FieldError) {
	var out T

	extracted := ExtractJSON(raw)
	if extracted == "" {
		return out, []FieldError{{Path: "$", Message: "response contains no JSON object"}}
	}
	if err := json.Unmarshal([]byte(extracted), &out); err != nil {
		return out, []FieldError{{Path: "$", Message: "invalid JSON: " + err.Error()}}
	}
	if ferrs := out.Validate(); len(ferrs) > 0 {
		return out, ferrs
	}
	return out, nil
}

// correctionSuffix renders validation errors as an instruction block appended
// to the retried user message.
func correctionSuffix(ferrs []FieldError) string {
	var sb strings.Builder
	sb.WriteString("\n\nYour previous response was not valid. Validation errors:\n")
	for _, fe := range ferrs {
		sb.WriteString("- ")
		sb.WriteString(fe.String())
		sb.WriteString("\n")
	}
	sb.WriteString("Respond again with only a corrected JSON object.")
	return sb.String()
}

func joinFieldErrors(ferrs []FieldError) string {
	msgs := make([]string, len(ferrs))
	for i, fe := range ferrs {
		msgs[i] = fe.String()
	}
	return strings.Join(msgs, "; ")
}

func preview(s string) string {
	if len(s) <= previewMaxLen {
		return s
	}
	return s[:previewMaxLen] + "..."
}

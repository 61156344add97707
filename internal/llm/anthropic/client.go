// Package anthropic implements the llm.Provider interface on top of the
// official Anthropic SDK.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/sift/internal/llm"
)

const (
	responseTokens = 4096
	requestTimeout = 120 * time.Second
)

// Client wraps the Anthropic messages API as an llm.Provider.
type Client struct {
	client sdk.Client
	model  string
}

// New creates a new Anthropic client with the given API key and model name.
// Extra request options are appended after the defaults, so tests can point
// the client at a local server with option.WithBaseURL.
func New(apiKey, model string, opts ...option.RequestOption) *Client {
	defaults := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(requestTimeout),
	}
	return &Client{
		client: sdk.NewClient(append(defaults, opts...)...),
		model:  model,
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string { return "anthropic" }

// Complete sends a single-turn completion and returns the concatenated text
// content of the response.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	msg, err := c.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: responseTokens,
		System: []sdk.TextBlockParam{
			{Text: system},
		},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", classifyError(err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", llm.NewFatalError(fmt.Errorf("anthropic: response contained no text content (stop_reason %q)", msg.StopReason))
	}
	return sb.String(), nil
}

// classifyError maps API failures onto the pipeline's transient/fatal split.
// Auth and request errors will fail identically on a retry, rate limits and
// server errors will not.
func classifyError(err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == http.StatusTooManyRequests:
			return llm.NewTransientError(fmt.Errorf("anthropic: rate limited: %w", err))
		case apierr.StatusCode >= 400 && apierr.StatusCode < 500:
			return llm.NewFatalError(fmt.Errorf("anthropic: request rejected (status %d): %w", apierr.StatusCode, err))
		}
	}
	return llm.NewTransientError(fmt.Errorf("anthropic: messages.new: %w", err))
}
